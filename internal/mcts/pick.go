package mcts

import (
	"github.com/chewxy/math32"
	"golang.org/x/exp/rand"

	"github.com/janpfeifer/goZero/internal/game"
)

// bestMove returns the deterministic move choice: the most visited move,
// ties broken by child action score. When restrictPassAlive is set, board
// moves inside pass-alive regions are excluded; pass itself is always a
// candidate.
func (t *Tree) bestMove(restrictPassAlive bool) game.Coord {
	root := t.root
	var passAlive []bool
	if restrictPassAlive {
		passAlive = root.position.PassAliveRegions()
	}
	t.fillPenalties(root)
	computeActionScores(t.scores, root.edges, t.penalties, root.scoreInputs())

	best := t.pass
	for i := 0; i < t.numMoves; i++ {
		c := game.Coord(i)
		if passAlive != nil && c.OnBoard(t.size) && passAlive[i] {
			continue
		}
		if c == best {
			continue
		}
		bn, cn := root.edges[best].N, root.edges[i].N
		if cn > bn || (cn == bn && t.scores[i] > t.scores[best]) {
			best = c
		}
	}
	return best
}

// PickMove chooses the move to play after the search budget is spent.
// Before SoftPickCutoff moves (and with SoftPick enabled) it samples from
// the distribution of N^PolicySoftmaxTemp over the board moves; from then
// on it picks deterministically.
func (t *Tree) PickMove(rng *rand.Rand, restrictPassAlive bool) game.Coord {
	if !t.opts.SoftPick || t.root.position.MoveNum() >= t.opts.SoftPickCutoff {
		return t.bestMove(restrictPassAlive)
	}

	root := t.root
	var passAlive []bool
	if restrictPassAlive {
		passAlive = root.position.PassAliveRegions()
	}

	// CDF over the board entries only: soft-picking never picks pass,
	// except when there is no visited board move at all.
	cdf := t.scores[:t.size*t.size]
	var total float32
	for i := range cdf {
		var x float32
		if (passAlive == nil || !passAlive[i]) && root.edges[i].N > 0 {
			x = math32.Pow(float32(root.edges[i].N), t.opts.PolicySoftmaxTemp)
		}
		total += x
		cdf[i] = total
	}
	if total <= 0 {
		return t.pass
	}
	target := rng.Float32() * total
	for i := range cdf {
		if cdf[i] > target {
			return game.Coord(i)
		}
	}
	return t.pass
}

// SearchPi returns the search policy training target: visit counts raised
// to PolicySoftmaxTemp and normalized over all moves including pass.
func (t *Tree) SearchPi() []float32 {
	pi := make([]float32, t.numMoves)
	var total float32
	for i := range pi {
		n := float32(t.root.edges[i].N)
		if n > 0 {
			pi[i] = math32.Pow(n, t.opts.PolicySoftmaxTemp)
		}
		total += pi[i]
	}
	if total > 0 {
		for i := range pi {
			pi[i] /= total
		}
	}
	return pi
}

// ReshapeFinalVisits prunes the visit counts used as training targets so
// they reflect regret rather than raw exploration: each non-best move's
// count is cut down to the smallest count at which the best move's action
// score still beats it, holding the move's Q fixed. With restrictPassAlive,
// visits inside pass-alive regions are zeroed outright; if pruning empties
// the distribution entirely, a single pass visit is forced.
func (t *Tree) ReshapeFinalVisits(restrictPassAlive bool) {
	root := t.root
	best := t.bestMove(restrictPassAlive)
	var passAlive []bool
	if restrictPassAlive {
		passAlive = root.position.PassAliveRegions()
	}

	in := root.scoreInputs()
	t.fillPenalties(root)
	computeActionScores(t.scores, root.edges, t.penalties, in)
	bestScore := t.scores[best]

	var remaining uint32
	for i := 0; i < t.numMoves; i++ {
		c := game.Coord(i)
		e := &root.edges[i]
		if c == best {
			remaining += e.N
			continue
		}
		if passAlive != nil && c.OnBoard(t.size) && passAlive[i] {
			e.N = 0
			continue
		}
		if e.N == 0 {
			continue
		}
		margin := e.Q()*in.toPlaySign - bestScore
		if margin >= 0 {
			// The move's plain Q already matches the best action
			// score; keep its visits untouched.
			remaining += e.N
			continue
		}
		newN := int64(math32.Floor(-in.uMul*e.P/margin)) - 1
		if newN < 0 {
			newN = 0
		}
		if newN < int64(e.N) {
			e.N = uint32(newN)
		}
		remaining += e.N
	}
	if remaining == 0 {
		root.edges[t.pass].N = 1
	}
}

package selfplay

import (
	"fmt"
	"time"

	"golang.org/x/exp/rand"
	"gonum.org/v1/gonum/stat/distmv"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/mcts"
	"github.com/janpfeifer/goZero/internal/nn"
	"github.com/janpfeifer/goZero/internal/symmetry"
)

// Move is one played move together with the search information recorded
// for the output collaborators.
type Move struct {
	Coord game.Coord
	Color game.Color

	// Q is the root value estimate before the move, from Black's
	// perspective.
	Q float32

	// N is the root visit count when the move was picked.
	N uint32

	// Trainable marks moves searched with the full readout budget; only
	// these carry a search policy target.
	Trainable bool

	// SearchPi is the (possibly reshaped) visit distribution, nil for
	// non-trainable moves.
	SearchPi []float32
}

// Game drives the search of one self-play game. A Game is owned by exactly
// one worker thread and is never shared.
type Game struct {
	id   int
	opts *Options

	tree *mcts.Tree
	rng  *rand.Rand

	// noise samples root Dirichlet noise; nil when noise is disabled.
	noise      *distmv.Dirichlet
	noiseF64   []float64
	noiseF32   []float32
	pendNoise  bool
	fastplay   bool
	targetN    uint32
	symMix     uint64
	allowPass  bool

	// passes counts each color's passes, latched at the restriction
	// threshold: it stops incrementing there and never resets.
	passes [2]int

	resignEnabled   bool
	resignThreshold float32
	holdout         bool

	// modelNames lists the models that ran inferences for this game, in
	// first-use order.
	modelNames []string

	// polScratch holds an inference policy transformed back into the
	// position frame before incorporation.
	polScratch []float32

	moves []Move

	started  time.Time
	duration time.Duration

	finished bool
	resigned bool
	winner   game.Color
	score    float32
}

// inference is one queued leaf evaluation, owned by the worker's shard
// buffers between SelectLeaves and ProcessInferences.
type inference struct {
	g    *Game
	leaf *mcts.Node

	// cacheable is false for positions without a canonical form; they
	// are evaluated but never stored.
	cacheable    bool
	key          nn.CacheKey
	canonicalSym symmetry.Symmetry
	inferenceSym symmetry.Symmetry

	input  nn.ModelInput
	output nn.ModelOutput
}

// symmetryMixMultiplier spreads the stone hash over the 8 symmetries; the
// per-game symMix decorrelates games that reach the same position.
const symmetryMixMultiplier uint64 = 0x9e3779b97f4a7c15

func newGame(id int, position game.Position, opts *Options, seed uint64,
	resignEnabled bool, resignThreshold float32, holdout bool) *Game {
	rng := rand.New(rand.NewSource(seed))
	g := &Game{
		id:   id,
		opts: opts,
		tree: mcts.NewTree(position, mcts.Options{
			ValueInitPenalty:  opts.ValueInitPenalty,
			SoftPick:          opts.SoftPickCutoff > 0,
			SoftPickCutoff:    opts.SoftPickCutoff,
			PolicySoftmaxTemp: opts.PolicySoftmaxTemp,
		}),
		rng:             rng,
		symMix:          rng.Uint64(),
		allowPass:       opts.AllowPass,
		targetN:         uint32(opts.NumReadouts),
		pendNoise:       opts.NoiseMix > 0,
		resignEnabled:   resignEnabled,
		resignThreshold: resignThreshold,
		holdout:         holdout,
		polScratch:      make([]float32, game.NumMoves(opts.BoardSize)),
		started:         time.Now(),
	}
	if opts.NoiseMix > 0 {
		numMoves := game.NumMoves(opts.BoardSize)
		alpha := make([]float64, numMoves)
		for i := range alpha {
			alpha[i] = opts.DirichletAlpha
		}
		g.noise = distmv.NewDirichlet(alpha, rng)
		g.noiseF64 = make([]float64, numMoves)
		g.noiseF32 = make([]float32, numMoves)
	}
	return g
}

// ID of the game, unique within a run.
func (g *Game) ID() int { return g.id }

// Holdout reports whether this game was labeled as held-out validation
// data.
func (g *Game) Holdout() bool { return g.holdout }

// Moves returns the played moves with their recorded search information.
func (g *Game) Moves() []Move { return g.moves }

// ModelNames lists the models that ran inferences during this game.
func (g *Game) ModelNames() []string { return g.modelNames }

// Duration of the game, valid once finished.
func (g *Game) Duration() time.Duration { return g.duration }

// Finished reports whether the game is over.
func (g *Game) Finished() bool { return g.finished }

// Resigned reports whether the game ended by resignation.
func (g *Game) Resigned() bool { return g.resigned }

// Winner of the game, valid once finished.
func (g *Game) Winner() game.Color { return g.winner }

// Score is the final score from Black's perspective, 0 for resignations.
func (g *Game) Score() float32 { return g.score }

// inferenceSymFor picks the symmetry under which a leaf's features are
// evaluated, deterministically per position but decorrelated across games.
func (g *Game) inferenceSymFor(leaf *mcts.Node) symmetry.Symmetry {
	h := (leaf.Position().StoneHash() * symmetryMixMultiplier) ^ g.symMix
	return symmetry.Symmetry(h % symmetry.NumSymmetries)
}

// terminalValue maps a final score to the ±1 value backed up for a
// game-over leaf.
func terminalValue(score float32) float32 {
	if score > 0 {
		return 1
	}
	return -1
}

// incorporate folds an evaluator (or cache) output into the tree. The
// policy arrives in the inference-symmetry frame and is mapped back to the
// position frame first.
func (g *Game) incorporate(leaf *mcts.Node, out *nn.ModelOutput, inferenceSym symmetry.Symmetry) {
	symmetry.ApplyPolicy(symmetry.Inverse(inferenceSym), g.opts.BoardSize, out.Policy, g.polScratch)
	g.tree.IncorporateResults(leaf, g.polScratch, out.Value)
}

// injectNoise samples fresh Dirichlet noise and mixes it into the root
// priors.
func (g *Game) injectNoise() {
	g.noise.Rand(g.noiseF64)
	for i, x := range g.noiseF64 {
		g.noiseF32[i] = float32(x)
	}
	g.tree.InjectNoise(g.noiseF32, g.opts.NoiseMix)
}

// selectStats summarize one SelectLeaves call.
type selectStats struct {
	// queued leaves now awaiting evaluation.
	queued int
	// cacheHits incorporated immediately.
	cacheHits int
	// gameOvers incorporated as terminal values.
	gameOvers int
}

// SelectLeaves gathers up to virtual_losses new leaves for evaluation,
// incorporating cache hits and terminal values on the spot. Queued leaves
// carry a virtual loss until ProcessInferences reverts it.
func (g *Game) SelectLeaves(cache *nn.Cache, batch []*inference) ([]*inference, selectStats) {
	var stats selectStats
	if g.finished {
		return batch, stats
	}
	if g.pendNoise && g.tree.Root().Expanded() {
		// Deferred noise lands on the first selection after the root
		// expansion of a full-readout turn.
		g.injectNoise()
		g.pendNoise = false
	}

	for g.tree.RootN() < g.targetN && stats.queued < g.opts.VirtualLosses {
		leaf := g.tree.SelectLeaf(g.allowPass)
		if leaf == nil {
			break
		}
		if leaf.GameOver() {
			value := terminalValue(leaf.Position().CalculateScore(g.opts.Komi))
			g.tree.IncorporateEndGameResult(leaf, value)
			stats.gameOvers++
			continue
		}

		inferenceSym := g.inferenceSymFor(leaf)
		canonicalSym, canonicalHash, cacheable := leaf.CanonicalForm()
		var key nn.CacheKey
		if cacheable {
			position := leaf.Position()
			key = nn.CacheKey{
				Move: game.Coord(symmetry.ApplyIndex(symmetry.Inverse(canonicalSym),
					g.opts.BoardSize, int(position.LastMove()))),
				ToPlay: position.ToPlay(),
				Hash:   canonicalHash,
			}
			var out nn.ModelOutput
			if cache.TryGet(key, canonicalSym, inferenceSym, &out) {
				g.incorporate(leaf, &out, inferenceSym)
				stats.cacheHits++
				continue
			}
		}

		g.tree.AddVirtualLoss(leaf)
		batch = append(batch, &inference{
			g:            g,
			leaf:         leaf,
			cacheable:    cacheable,
			key:          key,
			canonicalSym: canonicalSym,
			inferenceSym: inferenceSym,
			input: nn.ModelInput{
				Sym:       inferenceSym,
				Positions: leaf.PositionHistory(g.opts.HistoryLen),
			},
			output: nn.ModelOutput{
				Policy: make([]float32, game.NumMoves(g.opts.BoardSize)),
			},
		})
		stats.queued++
		if leaf == g.tree.Root() {
			// Stop after queueing the root so the next call can
			// inject noise into the fresh expansion.
			break
		}
	}
	return batch, stats
}

// ProcessInferences incorporates this game's slice of a worker batch,
// reverting the virtual losses applied at selection.
func (g *Game) ProcessInferences(modelName string, batch []*inference) {
	if len(batch) > 0 && modelName != "" &&
		(len(g.modelNames) == 0 || g.modelNames[len(g.modelNames)-1] != modelName) {
		g.modelNames = append(g.modelNames, modelName)
	}
	for _, req := range batch {
		g.incorporate(req.leaf, &req.output, req.inferenceSym)
		g.tree.RevertVirtualLoss(req.leaf)
	}
}

// restrictPassAlive reports whether the side to move is barred from
// playing inside pass-alive regions: the opponent has passed at least
// restrict_pass_alive_play_threshold times.
func (g *Game) restrictPassAlive() bool {
	threshold := g.opts.RestrictPassAliveThreshold
	if threshold <= 0 {
		return false
	}
	opponent := g.tree.Root().Position().ToPlay().Other()
	return g.passes[opponent] >= threshold
}

// notePass advances the mover's pass counter, latched at the restriction
// threshold. It never resets, not even on a later non-pass move.
func (g *Game) notePass(c game.Coord, mover game.Color) {
	if !c.IsPass(g.opts.BoardSize) {
		return
	}
	if threshold := g.opts.RestrictPassAliveThreshold; threshold <= 0 || g.passes[mover] < threshold {
		g.passes[mover]++
	}
}

func (g *Game) recordMove(c game.Coord, mover game.Color, trainable bool, pi []float32) {
	g.moves = append(g.moves, Move{
		Coord:     c,
		Color:     mover,
		Q:         g.tree.RootQ(),
		N:         g.tree.RootN(),
		Trainable: trainable,
		SearchPi:  pi,
	})
}

// MaybePlayMove plays a move once the root has reached its readout target.
// It returns whether a move was played and whether the game finished.
func (g *Game) MaybePlayMove() (played, finished bool) {
	if g.finished || g.tree.RootN() < g.targetN {
		return false, false
	}

	root := g.tree.Root()
	toPlay := root.Position().ToPlay()

	// Per-game resignation check, from the side to move's perspective.
	if g.resignEnabled && g.tree.RootQ()*toPlay.Sign() < g.resignThreshold {
		g.recordMove(game.Resign, toPlay, false, nil)
		g.finishResigned(toPlay.Other())
		return true, true
	}

	restrict := g.restrictPassAlive()
	c := g.tree.PickMove(g.rng, restrict)
	trainable := !g.fastplay
	var pi []float32
	if trainable {
		if g.opts.TargetPruning {
			g.tree.ReshapeFinalVisits(restrict)
		}
		pi = g.tree.SearchPi()
	}
	g.recordMove(c, toPlay, trainable, pi)
	g.tree.PlayMove(c)
	g.notePass(c, toPlay)

	// Once the whole board is pass-alive there is nothing left to play:
	// pass the game out.
	pass := game.Pass(g.opts.BoardSize)
	for !g.tree.Root().Position().IsGameOver() && g.tree.Root().Position().AllPassAlive() {
		mover := g.tree.Root().Position().ToPlay()
		g.recordMove(pass, mover, false, nil)
		g.tree.PlayMove(pass)
		g.notePass(pass, mover)
	}

	if g.tree.Root().Position().IsGameOver() {
		g.finishScored()
		return true, true
	}

	// Decide the next turn's readout policy: playout-cap oscillation.
	if g.opts.FastplayFrequency > 0 && g.rng.Float64() < g.opts.FastplayFrequency {
		g.fastplay = true
		g.pendNoise = false
		g.targetN = g.tree.RootN() + uint32(g.opts.FastplayReadouts)
	} else {
		if g.opts.FastplayFrequency > 0 {
			// Don't let the next full search read from the tree a
			// fast turn polluted.
			g.tree.ClearSubtrees()
		}
		g.fastplay = false
		g.pendNoise = g.opts.NoiseMix > 0
		g.targetN = g.tree.RootN() + uint32(g.opts.NumReadouts)
	}
	return true, false
}

func (g *Game) finishResigned(winner game.Color) {
	g.finished = true
	g.resigned = true
	g.winner = winner
	g.duration = time.Since(g.started)
}

func (g *Game) finishScored() {
	g.finished = true
	g.score = g.tree.Root().Position().CalculateScore(g.opts.Komi)
	if g.score > 0 {
		g.winner = game.Black
	} else {
		g.winner = game.White
	}
	g.duration = time.Since(g.started)
}

// Result formats the game result in SGF convention: "B+3.5", "W+R".
func (g *Game) Result() string {
	if !g.finished {
		return "?"
	}
	if g.resigned {
		return g.winner.String() + "+R"
	}
	score := g.score
	if score < 0 {
		score = -score
	}
	return fmt.Sprintf("%s+%g", g.winner, score)
}

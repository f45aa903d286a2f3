package mcts

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"

	"github.com/janpfeifer/goZero/internal/game"
)

// Options configure one search tree. They stay constant for the lifetime of
// a game.
type Options struct {
	// ValueInitPenalty offsets the value used to seed unvisited child
	// edges on expansion: 0 inits children to the parent value, 2 inits
	// to loss, 0.15–0.25 gives Leela-style first-play urgency, and a
	// small negative value biases toward already-visited children.
	ValueInitPenalty float32

	// SoftPick enables temperature-based sampling of early moves.
	SoftPick bool

	// SoftPickCutoff is the move number from which picking turns
	// deterministic.
	SoftPickCutoff int

	// PolicySoftmaxTemp is the exponent applied to visit counts both when
	// soft-picking and in the search policy training target.
	PolicySoftmaxTemp float32
}

// Tree is the search tree of a single game. It is owned by one driver on
// one worker thread and uses no internal locking.
type Tree struct {
	opts Options

	// gameRootStats backs the game root's stats indirection: the root has
	// no parent edge to live in.
	gameRootStats EdgeStats

	root *Node

	size     int
	numMoves int
	pass     game.Coord

	// Scratch buffers reused across selections, sized to the padded edge
	// array.
	scores    []float32
	penalties []float32
}

// NewTree creates a search tree rooted at the given position.
func NewTree(position game.Position, opts Options) *Tree {
	t := &Tree{
		opts:     opts,
		size:     position.Size(),
		numMoves: game.NumMoves(position.Size()),
		pass:     game.Pass(position.Size()),
	}
	t.root = newNode(nil, &t.gameRootStats, position.LastMove(), position)
	padded := paddedSize(t.numMoves)
	t.scores = make([]float32, padded)
	t.penalties = make([]float32, padded)
	return t
}

// Root returns the current root of the search.
func (t *Tree) Root() *Node { return t.root }

// RootN returns the root visit count.
func (t *Tree) RootN() uint32 { return t.root.stats.N }

// RootQ returns the root value estimate from Black's perspective.
func (t *Tree) RootQ() float32 { return t.root.stats.Q() }

// fillPenalties loads the legality penalties of node into the scratch
// buffer: 0 for legal moves, -illegalPenalty otherwise. Padding entries are
// always illegal.
func (t *Tree) fillPenalties(node *Node) {
	legal := node.position.LegalMoves()
	for i := range t.penalties {
		if i < t.numMoves && legal[i] {
			t.penalties[i] = 0
		} else {
			t.penalties[i] = -illegalPenalty
		}
	}
}

// SelectLeaf walks from the root to a leaf following the best child action
// score, creating the final child lazily. It returns nil when the root
// itself is terminal. When allowPass is false, pass is only selected when
// no legal alternative exists.
func (t *Tree) SelectLeaf(allowPass bool) *Node {
	node := t.root
	if node.GameOver() {
		return nil
	}
	for {
		// Terminal nodes are never expanded, so game ends are
		// returned here as leaves too.
		if !node.expanded {
			return node
		}

		var c game.Coord
		if node.move == t.pass && node.edges[t.pass].N == 0 {
			// The previous move was a pass that has never been
			// followed up: investigate the double-pass (game end)
			// before anything else.
			c = t.pass
		} else {
			t.fillPenalties(node)
			computeActionScores(t.scores, node.edges, t.penalties, node.scoreInputs())
			if !allowPass {
				t.scores[t.pass] = math32.Inf(-1)
			}
			c = game.Coord(argMax(t.scores[:t.numMoves]))
			if !node.position.Legal(c) {
				// Only reachable when every board move is
				// illegal and pass was masked out: pass is
				// forced.
				c = t.pass
			}
		}
		node = node.maybeAddChild(c)
	}
}

func argMax(scores []float32) int {
	best := 0
	for i := 1; i < len(scores); i++ {
		if scores[i] > scores[best] {
			best = i
		}
	}
	return best
}

// AddVirtualLoss walks leaf→root making every node on the path look like a
// loss for the player choosing it at its parent, so concurrent selections
// within the same batch spread out instead of piling onto the in-flight
// leaf.
func (t *Tree) AddVirtualLoss(leaf *Node) {
	for node := leaf; ; node = node.parent {
		node.virtualLosses++
		node.stats.W += virtualLossDelta(node)
		if node == t.root {
			return
		}
	}
}

// RevertVirtualLoss undoes AddVirtualLoss for the same leaf.
func (t *Tree) RevertVirtualLoss(leaf *Node) {
	for node := leaf; ; node = node.parent {
		if node.virtualLosses == 0 {
			exceptions.Panicf("mcts: reverting virtual loss never applied at move %s",
				node.move.Format(t.size))
		}
		node.virtualLosses--
		node.stats.W -= virtualLossDelta(node)
		if node == t.root {
			return
		}
	}
}

// virtualLossDelta is the W adjustment that makes node less attractive to
// its parent: values are from Black's perspective and a node with Black to
// play is scored negated by its White-to-play parent.
func virtualLossDelta(node *Node) float32 {
	if node.position.ToPlay() == game.Black {
		return 1
	}
	return -1
}

// BackupValue adds value (from Black's perspective) to every node from leaf
// up to and including the current root, incrementing visit counts. The walk
// never continues above the root.
func (t *Tree) BackupValue(leaf *Node, value float32) {
	for node := leaf; ; node = node.parent {
		node.stats.W += value
		node.stats.N++
		if node == t.root {
			return
		}
		if node.parent == nil {
			exceptions.Panicf("mcts: backup walked past the game root without meeting the search root")
		}
	}
}

// IncorporateResults merges an inference result into a leaf: the policy is
// renormalized over legal moves, child edges are seeded with the penalized
// value, and the raw value is backed up. A leaf that was already expanded
// (merged since it was queued) is left untouched.
func (t *Tree) IncorporateResults(leaf *Node, policy []float32, value float32) {
	if leaf.GameOver() {
		exceptions.Panicf("mcts: incorporating an inference into a game-over node")
	}
	if leaf.expanded {
		return
	}
	if len(policy) != t.numMoves {
		exceptions.Panicf("mcts: policy of %d entries, want %d", len(policy), t.numMoves)
	}

	legal := leaf.position.LegalMoves()
	var legalMass float32
	for i := 0; i < t.numMoves; i++ {
		if legal[i] {
			legalMass += policy[i]
		}
	}
	var scale float32
	if legalMass > math32.SmallestNonzeroFloat32 {
		scale = 1 / legalMass
	}

	reduced := value - t.opts.ValueInitPenalty*leaf.position.ToPlay().Sign()
	reduced = math32.Max(-1, math32.Min(1, reduced))

	for i := 0; i < t.numMoves; i++ {
		var p float32
		if legal[i] {
			p = policy[i] * scale
		}
		e := &leaf.edges[i]
		// Accumulate rather than assign: results incorporated into
		// this subtree while the inference was in flight must not be
		// lost.
		e.W += reduced
		e.P = p
		e.POriginal = p
	}
	leaf.expanded = true
	t.BackupValue(leaf, value)
}

// IncorporateEndGameResult backs up the terminal value of a game-over leaf.
// The leaf stays unexpanded, so the game end is revisited (and re-counted)
// every time selection reaches it.
func (t *Tree) IncorporateEndGameResult(leaf *Node, value float32) {
	if !leaf.GameOver() {
		exceptions.Panicf("mcts: terminal value on a non-terminal node at move %s",
			leaf.move.Format(t.size))
	}
	if leaf.expanded {
		exceptions.Panicf("mcts: game-over node was expanded")
	}
	t.BackupValue(leaf, value)
}

// InjectNoise mixes a Dirichlet noise sample into the root priors:
// P ← (1-mix)·P + mix·noise, with the noise renormalized over legal moves
// so illegal entries stay at zero.
func (t *Tree) InjectNoise(noise []float32, mix float32) {
	if len(noise) != t.numMoves {
		exceptions.Panicf("mcts: noise of %d entries, want %d", len(noise), t.numMoves)
	}
	legal := t.root.position.LegalMoves()
	var legalMass float32
	for i := 0; i < t.numMoves; i++ {
		if legal[i] {
			legalMass += noise[i]
		}
	}
	if legalMass <= math32.SmallestNonzeroFloat32 {
		return
	}
	for i := 0; i < t.numMoves; i++ {
		e := &t.root.edges[i]
		if legal[i] {
			e.P = (1-mix)*e.P + mix*noise[i]/legalMass
		}
	}
}

// PlayMove advances the root to the child of c, dropping every sibling
// subtree. The child is created if the search never visited it.
func (t *Tree) PlayMove(c game.Coord) {
	if !t.root.position.Legal(c) {
		exceptions.Panicf("mcts: playing illegal move %s", c.Format(t.size))
	}
	child := t.root.maybeAddChild(c)
	t.root.checkChildInvariants(c, child)
	t.root.children = map[game.Coord]*Node{c: child}
	t.root = child
}

// ClearSubtrees drops all children of the root and resets its edge
// statistics, forcing the next selection to re-expand from a fresh
// inference. Used when switching from a fastplay turn back to full
// readouts, so the full search doesn't reuse the fast turn's shallow tree.
func (t *Tree) ClearSubtrees() {
	root := t.root
	root.children = make(map[game.Coord]*Node)
	for i := range root.edges {
		root.edges[i] = EdgeStats{}
	}
	*root.stats = EdgeStats{}
	root.expanded = false
}

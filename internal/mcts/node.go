// Package mcts implements the search tree of the self-play engine: PUCT
// leaf selection with virtual losses, result incorporation and
// back-propagation, root noise injection, regret-based visit reshaping and
// move picking.
//
// The tree is deliberately lock-free: each tree is owned by exactly one
// game driver on exactly one worker thread, and every mutation happens on
// that thread. Concurrency between games comes from batching their leaf
// evaluations, not from sharing trees.
//
// References:
//
//   - Mastering the game of Go without human knowledge
//     https://www.nature.com/articles/nature24270
//   - Mastering Chess and Shogi by Self-Play with a General Reinforcement
//     Learning Algorithm, https://arxiv.org/abs/1712.01815
package mcts

import (
	"github.com/chewxy/math32"
	"github.com/gomlx/exceptions"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/generics"
	"github.com/janpfeifer/goZero/internal/symmetry"
)

// EdgeStats holds the search statistics of one move at one node. A child
// node's own statistics live inside its parent's edge array, so that the
// selection loop reads one contiguous block.
type EdgeStats struct {
	// N is the visit count. Virtual losses adjust W only.
	N uint32

	// W is the sum of values that flowed through this edge, from Black's
	// perspective.
	W float32

	// P is the prior after any noise injection.
	P float32

	// POriginal is the untouched prior from the model.
	POriginal float32
}

// Q returns the action value W/(1+N). The +1 keeps unvisited edges at the
// value they were seeded with on expansion.
func (e *EdgeStats) Q() float32 {
	return e.W / float32(1+e.N)
}

// superkoCacheStride is the node-depth interval at which full ancestor hash
// sets are materialized. Nodes in between walk up to the nearest cache.
const superkoCacheStride = 8

type canonicalState uint8

const (
	canonicalUnknown canonicalState = iota
	canonicalNone
	canonicalKnown
)

// Node is one position in the search tree.
type Node struct {
	// parent is a traversal aid, never ownership: children are owned by
	// their parent's children map.
	parent *Node

	// stats points at this node's own statistics: the parent's edge for
	// this node's move, or the tree's game-root stats for the game root.
	stats *EdgeStats

	// move produced this node's position, InvalidCoord for the game root.
	move game.Coord

	position game.Position

	// edges has one entry per move plus padding to a multiple of four, so
	// the action-score kernel can run four-wide without a tail loop.
	edges []EdgeStats

	// children are created lazily on first selection.
	children map[game.Coord]*Node

	// expanded is set once an inference result has been incorporated.
	// Terminal nodes are never expanded.
	expanded bool

	// virtualLosses currently applied to this node, nonzero only while an
	// evaluation of a leaf below (or at) this node is in flight.
	virtualLosses uint32

	canonicalSym   symmetry.Symmetry
	canonicalState canonicalState

	// superkoCache holds the stone hashes of every position on the
	// root→this path. Only present on nodes whose move number is a
	// multiple of superkoCacheStride.
	superkoCache generics.Set[uint64]
}

// paddedSize rounds numMoves up to a multiple of four.
func paddedSize(numMoves int) int {
	return (numMoves + 3) &^ 3
}

func newNode(parent *Node, stats *EdgeStats, move game.Coord, position game.Position) *Node {
	n := &Node{
		parent:   parent,
		stats:    stats,
		move:     move,
		position: position,
		edges:    make([]EdgeStats, paddedSize(game.NumMoves(position.Size()))),
		children: make(map[game.Coord]*Node),
	}
	if position.MoveNum()%superkoCacheStride == 0 {
		n.superkoCache = n.buildSuperkoCache()
	}
	return n
}

// buildSuperkoCache collects the stone hashes of the whole root→n path, by
// copying the nearest ancestor cache and adding the hashes in between.
func (n *Node) buildSuperkoCache() generics.Set[uint64] {
	var cache generics.Set[uint64]
	pending := []uint64{n.position.StoneHash()}
	for ancestor := n.parent; ancestor != nil; ancestor = ancestor.parent {
		if ancestor.superkoCache != nil {
			cache = ancestor.superkoCache.Clone()
			break
		}
		pending = append(pending, ancestor.position.StoneHash())
	}
	if cache == nil {
		cache = generics.MakeSet[uint64](len(pending))
	}
	cache.Insert(pending...)
	return cache
}

// HasPositionBeenPlayedBefore implements game.ZobristHistory: it walks the
// ancestor chain, short-circuiting at the first superko cache found.
func (n *Node) HasPositionBeenPlayedBefore(stoneHash uint64) bool {
	for node := n; node != nil; node = node.parent {
		if node.superkoCache != nil {
			return node.superkoCache.Has(stoneHash)
		}
		if node.position.StoneHash() == stoneHash {
			return true
		}
	}
	return false
}

var _ game.ZobristHistory = (*Node)(nil)

// maybeAddChild returns the child for move c, creating it if needed. The
// node itself serves as the superko history for the new position.
func (n *Node) maybeAddChild(c game.Coord) *Node {
	if child, found := n.children[c]; found {
		return child
	}
	child := newNode(n, &n.edges[c], c, n.position.PlayMove(c, n))
	n.children[c] = child
	return child
}

// CanonicalForm returns the symmetry that maps the hash-minimal form of the
// position back to the position, together with that minimal hash. ok is
// false when the position has no canonical form, i.e. when its hashes under
// the eight symmetries are not all distinct; such positions never use the
// inference cache.
//
// The determination is inherited from the parent when the parent already
// has one: symmetries tend to survive along a line of play, and an
// occasional stale inheritance only costs a cache miss.
func (n *Node) CanonicalForm() (sym symmetry.Symmetry, hash uint64, ok bool) {
	if n.canonicalState == canonicalUnknown {
		if n.parent != nil && n.parent.canonicalState == canonicalKnown {
			n.canonicalSym = n.parent.canonicalSym
			n.canonicalState = canonicalKnown
		} else {
			n.computeCanonicalSymmetry()
		}
	}
	if n.canonicalState == canonicalNone {
		return 0, 0, false
	}
	return n.canonicalSym, n.position.SymmetryHash(symmetry.Inverse(n.canonicalSym)), true
}

func (n *Node) computeCanonicalSymmetry() {
	var hashes [symmetry.NumSymmetries]uint64
	minSym := symmetry.Identity
	for s := symmetry.Symmetry(0); s < symmetry.NumSymmetries; s++ {
		hashes[s] = n.position.SymmetryHash(s)
		if hashes[s] < hashes[minSym] {
			minSym = s
		}
	}
	for a := 0; a < symmetry.NumSymmetries; a++ {
		for b := a + 1; b < symmetry.NumSymmetries; b++ {
			if hashes[a] == hashes[b] {
				n.canonicalState = canonicalNone
				return
			}
		}
	}
	n.canonicalSym = symmetry.Inverse(minSym)
	n.canonicalState = canonicalKnown
}

// GameOver reports whether this node ends the game: two consecutive passes.
// Resignation never produces a node.
func (n *Node) GameOver() bool {
	return n.position.IsGameOver()
}

// Accessors. The unexported fields stay unexported so all mutation goes
// through the tree.

func (n *Node) Parent() *Node           { return n.parent }
func (n *Node) Move() game.Coord        { return n.move }
func (n *Node) Position() game.Position { return n.position }
func (n *Node) Expanded() bool          { return n.expanded }
func (n *Node) N() uint32               { return n.stats.N }
func (n *Node) W() float32              { return n.stats.W }
func (n *Node) Q() float32              { return n.stats.Q() }
func (n *Node) VirtualLosses() uint32   { return n.virtualLosses }

func (n *Node) ChildN(c game.Coord) uint32          { return n.edges[c].N }
func (n *Node) ChildW(c game.Coord) float32         { return n.edges[c].W }
func (n *Node) ChildQ(c game.Coord) float32         { return n.edges[c].Q() }
func (n *Node) ChildP(c game.Coord) float32         { return n.edges[c].P }
func (n *Node) ChildOriginalP(c game.Coord) float32 { return n.edges[c].POriginal }

// SumVirtualLosses returns the total virtual losses applied over the
// subtree rooted at n. It is zero outside of in-flight evaluations.
func (n *Node) SumVirtualLosses() uint32 {
	total := n.virtualLosses
	for _, child := range n.children {
		total += child.SumVirtualLosses()
	}
	return total
}

// PositionHistory returns up to k positions ending the line at this node,
// most recent first.
func (n *Node) PositionHistory(k int) []game.Position {
	history := make([]game.Position, 0, k)
	for node := n; node != nil && len(history) < k; node = node.parent {
		history = append(history, node.position)
	}
	return history
}

// checkChildInvariants panics when the structural invariants between n and
// one of its children are broken. Used by the tree after structural
// mutations; these are programmer-contract checks, not runtime errors.
func (n *Node) checkChildInvariants(c game.Coord, child *Node) {
	if child.parent != n {
		exceptions.Panicf("mcts: child %s of node %s has wrong parent",
			c.Format(n.position.Size()), n.move.Format(n.position.Size()))
	}
	if child.stats != &n.edges[c] {
		exceptions.Panicf("mcts: child %s does not read its stats from the parent edge",
			c.Format(n.position.Size()))
	}
	if child.move != c {
		exceptions.Panicf("mcts: child keyed %s carries move %s",
			c.Format(n.position.Size()), child.move.Format(n.position.Size()))
	}
}

// actionScoreInputs are the per-node parts of the PUCT formula that don't
// depend on the edge.
type actionScoreInputs struct {
	// uMul is uScale(n) * sqrt(max(1, N(n)-1)).
	uMul float32

	// toPlaySign is +1 for Black to play, -1 for White: values are stored
	// from Black's perspective.
	toPlaySign float32
}

const (
	puctBase = float32(19652)
	puctInit = float32(1.25)

	// illegalPenalty keeps illegal moves in the dense edge array while
	// making them unselectable.
	illegalPenalty = float32(1000)
)

func (n *Node) scoreInputs() actionScoreInputs {
	nN := float32(n.stats.N)
	uScale := 2 * (math32.Log((1+nN+puctBase)/puctBase) + puctInit)
	return actionScoreInputs{
		uMul:       uScale * math32.Sqrt(math32.Max(1, nN-1)),
		toPlaySign: n.position.ToPlay().Sign(),
	}
}

// computeActionScores fills dst with the PUCT child action score of every
// edge. penalties must hold 0 for legal moves and -illegalPenalty
// otherwise, padded like the edges. The loop is unrolled four wide; the
// edge array padding guarantees no tail iteration. Keep the arithmetic of
// scoreOne and this loop identical.
func computeActionScores(dst []float32, edges []EdgeStats, penalties []float32, in actionScoreInputs) {
	for i := 0; i+3 < len(edges); i += 4 {
		dst[i] = scoreOne(&edges[i], penalties[i], in)
		dst[i+1] = scoreOne(&edges[i+1], penalties[i+1], in)
		dst[i+2] = scoreOne(&edges[i+2], penalties[i+2], in)
		dst[i+3] = scoreOne(&edges[i+3], penalties[i+3], in)
	}
}

func scoreOne(e *EdgeStats, penalty float32, in actionScoreInputs) float32 {
	recip := 1 / float32(1+e.N)
	return e.W*recip*in.toPlaySign + penalty + in.uMul*e.P*recip
}

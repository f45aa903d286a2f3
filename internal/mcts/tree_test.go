package mcts

import (
	"testing"

	"github.com/chewxy/math32"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/rand"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/game/gametest"
)

const testBoardSize = 9

func testNumMoves() int { return game.NumMoves(testBoardSize) }

func uniformPolicy() []float32 {
	policy := make([]float32, testNumMoves())
	for i := range policy {
		policy[i] = 1 / float32(len(policy))
	}
	return policy
}

func terminalValue(score float32) float32 {
	if score > 0 {
		return 1
	}
	return -1
}

// runReadouts drives the tree like a driver would, evaluating every leaf
// with the given policy and value and scoring terminals directly.
func runReadouts(t *testing.T, tree *Tree, readouts uint32, policy []float32, value float32, allowPass bool) {
	t.Helper()
	for tree.RootN() < readouts {
		leaf := tree.SelectLeaf(allowPass)
		require.NotNil(t, leaf)
		if leaf.GameOver() {
			tree.IncorporateEndGameResult(leaf, terminalValue(leaf.Position().CalculateScore(0)))
			continue
		}
		tree.IncorporateResults(leaf, policy, value)
	}
}

// checkTreeInvariants walks the subtree checking the structural and
// statistical invariants that must hold outside of in-flight evaluations.
func checkTreeInvariants(t *testing.T, node *Node) {
	t.Helper()
	require.Zero(t, node.VirtualLosses())
	for c, child := range node.children {
		require.Same(t, node, child.parent)
		require.Same(t, &node.edges[c], child.stats)
		require.Equal(t, c, child.move)
		require.LessOrEqual(t, child.N(), node.N())
		require.LessOrEqual(t, math32.Abs(child.W()), 1+float32(child.N()))
		checkTreeInvariants(t, child)
	}
}

func TestActionScoreAfterOneTraversal(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})

	leaf := tree.SelectLeaf(true)
	require.Same(t, tree.Root(), leaf)
	tree.IncorporateResults(leaf, uniformPolicy(), 0.5)
	require.Equal(t, uint32(1), tree.RootN())

	root := tree.Root()
	tree.fillPenalties(root)
	computeActionScores(tree.scores, root.edges, tree.penalties, root.scoreInputs())

	// With uniform prior 1/82, root N=1 and every child seeded to 0.5:
	//   U(0) = 2·(ln((1+1+19652)/19652) + 1.25) · (1/82) · √1 / 1
	wantU := 2 * (math32.Log(float32(1+1+19652)/19652) + 1.25) / 82
	wantScore := 0.5 + wantU
	require.InDelta(t, wantScore, tree.scores[0], 1e-6)

	// All children tie; the next selection breaks the tie to child 0.
	leaf = tree.SelectLeaf(true)
	require.Equal(t, game.Coord(0), leaf.Move())
	require.Same(t, tree.Root(), leaf.Parent())
}

func TestBackup(t *testing.T) {
	// White to play at the root: the value -1 favors White, so the second
	// selection revisits the first leaf and descends below it.
	position := gametest.New(gametest.Options{Size: testBoardSize}).WithToPlay(game.White)
	tree := NewTree(position, Options{})

	root := tree.SelectLeaf(true)
	tree.IncorporateResults(root, uniformPolicy(), 0)

	leaf := tree.SelectLeaf(true)
	require.Same(t, tree.Root(), leaf.Parent())
	tree.IncorporateResults(leaf, uniformPolicy(), -1)

	leaf2 := tree.SelectLeaf(true)
	require.Same(t, leaf, leaf2.Parent())
	tree.IncorporateResults(leaf2, uniformPolicy(), -0.2)

	require.InDelta(t, -0.3, tree.RootQ(), 1e-6)
	require.InDelta(t, -0.4, tree.Root().ChildQ(leaf.Move()), 1e-6)
	require.InDelta(t, -0.6, leaf.ChildQ(leaf2.Move()), 1e-6)
	checkTreeInvariants(t, tree.Root())
}

func TestDoNotPassIfLosing(t *testing.T) {
	// White holds point 0, komi 0: passing loses by one. Black's capture
	// at 0 flips the count; the only other legal reply at 40 merely
	// evens it, which still scores as a loss.
	const winning, losing = game.Coord(0), game.Coord(40)
	position := gametest.New(gametest.Options{
		Size:        testBoardSize,
		LegalPoints: map[game.Coord]bool{winning: true, losing: true},
	}).PlaceStones(game.White, winning)
	tree := NewTree(position, Options{})

	runReadouts(t, tree, 20, uniformPolicy(), 0, true)

	rng := rand.New(rand.NewSource(1))
	picked := tree.PickMove(rng, false)
	require.Equal(t, winning, picked)

	pass := game.Pass(testBoardSize)
	require.Less(t, tree.Root().ChildQ(pass), float32(0))
	require.Greater(t, tree.Root().ChildQ(winning), float32(0))
	checkTreeInvariants(t, tree.Root())
}

func TestVirtualLossBatch(t *testing.T) {
	// A nearly finished position: two open points left.
	position := gametest.New(gametest.Options{
		Size:        testBoardSize,
		LegalPoints: map[game.Coord]bool{60: true, 61: true},
	})
	tree := NewTree(position, Options{})
	root := tree.SelectLeaf(true)
	tree.IncorporateResults(root, uniformPolicy(), 0)

	var batch []*Node
	for i := 0; i < 50; i++ {
		leaf := tree.SelectLeaf(true)
		require.NotNil(t, leaf)
		if leaf.GameOver() {
			tree.IncorporateEndGameResult(leaf, terminalValue(leaf.Position().CalculateScore(0)))
			continue
		}
		tree.AddVirtualLoss(leaf)
		batch = append(batch, leaf)
	}
	require.NotEmpty(t, batch)
	require.NotZero(t, tree.Root().SumVirtualLosses())

	for _, leaf := range batch {
		tree.IncorporateResults(leaf, uniformPolicy(), 0)
		tree.RevertVirtualLoss(leaf)
	}
	require.Zero(t, tree.Root().SumVirtualLosses())
	checkTreeInvariants(t, tree.Root())
}

func TestReshapeFinalVisits(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})

	// One dominant prior, everything else cheap exploration.
	policy := make([]float32, testNumMoves())
	dominant := game.Coord(33)
	for i := range policy {
		policy[i] = 0.1 / float32(len(policy)-1)
	}
	policy[dominant] = 0.9
	runReadouts(t, tree, 10000, policy, 0, false)

	root := tree.Root()
	best := tree.bestMove(false)
	require.Equal(t, dominant, best)

	in := root.scoreInputs()
	tree.fillPenalties(root)
	computeActionScores(tree.scores, root.edges, tree.penalties, in)
	preScores := append([]float32(nil), tree.scores...)

	tree.ReshapeFinalVisits(false)

	computeActionScores(tree.scores, root.edges, tree.penalties, in)
	require.Equal(t, preScores[best], tree.scores[best],
		"the best move's action score must be untouched")
	for i := 0; i < testNumMoves(); i++ {
		require.GreaterOrEqual(t, tree.scores[i], preScores[i], "move %d", i)
	}

	var childVisits uint32
	for i := 0; i < testNumMoves(); i++ {
		childVisits += root.edges[i].N
	}
	require.Less(t, childVisits, tree.RootN())
	require.Greater(t, float64(childVisits), 0.9*float64(tree.RootN()))
}

func TestSuperkoDetectedFromEveryOffset(t *testing.T) {
	// A capture cycle on one point recreates the position two plies
	// earlier. The filler offset shifts the cycle across the superko
	// cache stride, so both the cached and the linear ancestor walks are
	// exercised.
	const cyclePoint = game.Coord(70)
	for offset := 0; offset < 18; offset++ {
		position := gametest.New(gametest.Options{Size: testBoardSize})
		tree := NewTree(position, Options{})
		for i := 0; i < offset; i++ {
			tree.PlayMove(game.Coord(i))
		}
		require.True(t, tree.Root().Position().Legal(cyclePoint), "offset %d", offset)

		tree.PlayMove(cyclePoint) // first occupation
		tree.PlayMove(cyclePoint) // opponent captures back
		require.False(t, tree.Root().Position().Legal(cyclePoint),
			"offset %d: recapture recreates the position two plies back", offset)
	}
}

func TestForcedDoublePassInvestigation(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	root := tree.SelectLeaf(true)
	tree.IncorporateResults(root, uniformPolicy(), 0)

	tree.PlayMove(game.Pass(testBoardSize))
	leaf := tree.SelectLeaf(true)
	tree.IncorporateResults(leaf, uniformPolicy(), 0)

	// The opponent just passed and the pass reply is unvisited: the next
	// selection must investigate the double pass, however small its
	// prior.
	leaf = tree.SelectLeaf(true)
	require.True(t, leaf.Move().IsPass(testBoardSize))
	require.True(t, leaf.GameOver())
}

func TestForcedPassWhenNothingElseIsLegal(t *testing.T) {
	position := gametest.New(gametest.Options{
		Size:        testBoardSize,
		LegalPoints: map[game.Coord]bool{},
	})
	tree := NewTree(position, Options{})
	root := tree.SelectLeaf(false)
	tree.IncorporateResults(root, uniformPolicy(), 0)

	// allow_pass is false but pass is the only legal move: the fallback
	// still returns it.
	leaf := tree.SelectLeaf(false)
	require.True(t, leaf.Move().IsPass(testBoardSize))
}

func TestIncorporateNormalizesPolicyOverLegalMoves(t *testing.T) {
	legal := map[game.Coord]bool{3: true, 5: true, 7: true}
	position := gametest.New(gametest.Options{Size: testBoardSize, LegalPoints: legal})
	tree := NewTree(position, Options{})

	// Put most of the raw policy mass on illegal moves.
	policy := make([]float32, testNumMoves())
	for i := range policy {
		policy[i] = 1 / float32(len(policy))
	}
	policy[3] = 0.2

	leaf := tree.SelectLeaf(true)
	tree.IncorporateResults(leaf, policy, 0)

	root := tree.Root()
	var sum float32
	for i := 0; i < testNumMoves(); i++ {
		c := game.Coord(i)
		if position.Legal(c) {
			sum += root.ChildP(c)
			require.Equal(t, root.ChildP(c), root.ChildOriginalP(c))
		} else {
			require.Zero(t, root.ChildP(c), "illegal move %d must have no prior", i)
		}
	}
	require.InDelta(t, 1, sum, 1e-6)
}

func TestIncorporateZeroLegalMassLeavesZeros(t *testing.T) {
	position := gametest.New(gametest.Options{
		Size:        testBoardSize,
		LegalPoints: map[game.Coord]bool{10: true},
	})
	tree := NewTree(position, Options{})
	leaf := tree.SelectLeaf(true)

	policy := make([]float32, testNumMoves())
	policy[20] = 1 // all mass on an illegal move
	tree.IncorporateResults(leaf, policy, 0.25)

	root := tree.Root()
	for i := 0; i < testNumMoves(); i++ {
		require.Zero(t, root.ChildP(game.Coord(i)))
	}
	// The value is still backed up.
	require.Equal(t, uint32(1), tree.RootN())
	require.InDelta(t, 0.125, tree.RootQ(), 1e-6)
}

func TestIncorporateTwiceIsNoOp(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	leaf := tree.SelectLeaf(true)
	tree.IncorporateResults(leaf, uniformPolicy(), 0.5)
	n, w := tree.RootN(), tree.Root().W()

	// A second result for the same leaf (it was queued twice in one
	// batch) must be dropped.
	tree.IncorporateResults(leaf, uniformPolicy(), -0.5)
	require.Equal(t, n, tree.RootN())
	require.Equal(t, w, tree.Root().W())
}

func TestValueInitPenaltySeedsChildren(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{ValueInitPenalty: 2})
	leaf := tree.SelectLeaf(true)
	tree.IncorporateResults(leaf, uniformPolicy(), 0.3)

	// Black to play: reduced = clamp(0.3 - 2·(+1), -1, 1) = -1.
	require.InDelta(t, -1, tree.Root().ChildQ(game.Coord(0)), 1e-6)
	// The un-reduced value is what reaches the root.
	require.InDelta(t, 0.15, tree.RootQ(), 1e-6)
}

func TestInjectNoise(t *testing.T) {
	legal := map[game.Coord]bool{1: true, 2: true, 3: true}
	position := gametest.New(gametest.Options{Size: testBoardSize, LegalPoints: legal})
	tree := NewTree(position, Options{})
	leaf := tree.SelectLeaf(true)
	tree.IncorporateResults(leaf, uniformPolicy(), 0)

	noise := make([]float32, testNumMoves())
	noise[1] = 3 // renormalized over legal moves to 0.75
	noise[2] = 1
	noise[50] = 100 // illegal, must be ignored
	tree.InjectNoise(noise, 0.25)

	root := tree.Root()
	var sum float32
	for i := 0; i < testNumMoves(); i++ {
		c := game.Coord(i)
		if !position.Legal(c) {
			require.Zero(t, root.ChildP(c))
			continue
		}
		sum += root.ChildP(c)
		require.InDelta(t, 0.25, root.ChildOriginalP(c), 1e-6,
			"original priors must survive noise injection")
	}
	require.InDelta(t, 1, sum, 1e-6)
	require.InDelta(t, 0.75*0.25+0.25*0.75, root.ChildP(game.Coord(1)), 1e-6)
}

func TestPlayMovePrunesSiblings(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	runReadouts(t, tree, 30, uniformPolicy(), 0, false)

	oldRoot := tree.Root()
	require.Greater(t, len(oldRoot.children), 1)
	c := tree.bestMove(false)
	tree.PlayMove(c)
	require.Len(t, oldRoot.children, 1)
	require.Same(t, oldRoot.children[c], tree.Root())
	require.Same(t, oldRoot, tree.Root().Parent())
}

func TestClearSubtrees(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	runReadouts(t, tree, 30, uniformPolicy(), 0, false)
	tree.PlayMove(tree.bestMove(false))
	require.NotZero(t, tree.RootN())

	tree.ClearSubtrees()
	require.Zero(t, tree.RootN())
	require.Zero(t, tree.Root().W())
	require.False(t, tree.Root().Expanded())
	require.Empty(t, tree.Root().children)
	for i := range tree.Root().edges {
		require.Equal(t, EdgeStats{}, tree.Root().edges[i])
	}
}

func TestSoftPickSamplesVisitedMoves(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{
		SoftPick:          true,
		SoftPickCutoff:    30,
		PolicySoftmaxTemp: 0.98,
	})
	runReadouts(t, tree, 50, uniformPolicy(), 0, false)

	rng := rand.New(rand.NewSource(42))
	for i := 0; i < 20; i++ {
		c := tree.PickMove(rng, false)
		require.True(t, c.OnBoard(testBoardSize))
		require.NotZero(t, tree.Root().ChildN(c), "soft pick must only sample visited moves")
	}
}

func TestSoftPickEmptyDistributionReturnsPass(t *testing.T) {
	position := gametest.New(gametest.Options{
		Size:        testBoardSize,
		LegalPoints: map[game.Coord]bool{},
	})
	tree := NewTree(position, Options{
		SoftPick:          true,
		SoftPickCutoff:    30,
		PolicySoftmaxTemp: 0.98,
	})
	leaf := tree.SelectLeaf(true)
	tree.IncorporateResults(leaf, uniformPolicy(), 0)

	rng := rand.New(rand.NewSource(7))
	require.True(t, tree.PickMove(rng, false).IsPass(testBoardSize))
}

func TestPickMoveRestrictsPassAlive(t *testing.T) {
	passAlive := make([]bool, testBoardSize*testBoardSize)
	for i := range passAlive {
		passAlive[i] = true
	}
	passAlive[12] = false
	position := gametest.New(gametest.Options{Size: testBoardSize, PassAlive: passAlive})
	tree := NewTree(position, Options{})
	runReadouts(t, tree, 30, uniformPolicy(), 0, false)

	rng := rand.New(rand.NewSource(3))
	c := tree.PickMove(rng, true)
	if c.OnBoard(testBoardSize) {
		require.Equal(t, game.Coord(12), c)
	} else {
		require.True(t, c.IsPass(testBoardSize))
	}
}

func TestSelectLeafOnFinishedGameReturnsNil(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	pass := game.Pass(testBoardSize)
	tree.PlayMove(pass)
	tree.PlayMove(pass)
	require.True(t, tree.Root().GameOver())
	require.Nil(t, tree.SelectLeaf(true))
}

func TestTerminalLeafIsNeverExpanded(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	root := tree.SelectLeaf(true)
	tree.IncorporateResults(root, uniformPolicy(), 0)

	tree.PlayMove(game.Pass(testBoardSize))
	leaf := tree.SelectLeaf(true)
	tree.IncorporateResults(leaf, uniformPolicy(), 0)

	terminal := tree.SelectLeaf(true)
	require.True(t, terminal.GameOver())
	tree.IncorporateEndGameResult(terminal, -1)
	require.False(t, terminal.Expanded())

	// Selected again, the same terminal node is handed back.
	again := tree.SelectLeaf(true)
	require.Same(t, terminal, again)
	tree.IncorporateEndGameResult(again, -1)
	require.Equal(t, uint32(2), terminal.N())
}

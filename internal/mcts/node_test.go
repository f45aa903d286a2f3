package mcts

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/game/gametest"
	"github.com/janpfeifer/goZero/internal/symmetry"
)

func TestCanonicalFormOfSymmetricPositionIsAbsent(t *testing.T) {
	// The empty board hashes identically under all eight symmetries, so
	// it has no canonical form and must never use the cache.
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	_, _, ok := tree.Root().CanonicalForm()
	require.False(t, ok)
}

func TestCanonicalFormPicksMinimalHash(t *testing.T) {
	// A lone off-axis stone breaks every symmetry.
	position := gametest.New(gametest.Options{Size: testBoardSize}).
		PlaceStones(game.Black, game.Coord(1))
	tree := NewTree(position, Options{})

	sym, hash, ok := tree.Root().CanonicalForm()
	require.True(t, ok)

	minHash := position.SymmetryHash(symmetry.Identity)
	for s := symmetry.Symmetry(1); s < symmetry.NumSymmetries; s++ {
		if h := position.SymmetryHash(s); h < minHash {
			minHash = h
		}
	}
	require.Equal(t, minHash, hash)
	// sym maps the canonical form back to the position, so its inverse
	// maps the position to the minimal hash.
	require.Equal(t, minHash, position.SymmetryHash(symmetry.Inverse(sym)))
}

func TestCanonicalFormSharedBetweenSymmetricPositions(t *testing.T) {
	stones := []game.Coord{1, 12, 30}
	pos1 := gametest.New(gametest.Options{Size: testBoardSize}).
		PlaceStones(game.Black, stones...)

	rotated := make([]game.Coord, len(stones))
	for i, c := range stones {
		rotated[i] = game.Coord(symmetry.ApplyIndex(symmetry.Rot90, testBoardSize, int(c)))
	}
	pos2 := gametest.New(gametest.Options{Size: testBoardSize}).
		PlaceStones(game.Black, rotated...)

	_, hash1, ok1 := NewTree(pos1, Options{}).Root().CanonicalForm()
	_, hash2, ok2 := NewTree(pos2, Options{}).Root().CanonicalForm()
	require.True(t, ok1)
	require.True(t, ok2)
	require.Equal(t, hash1, hash2, "symmetric positions share the canonical hash")
}

func TestCanonicalFormInheritedFromParent(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize}).
		PlaceStones(game.Black, game.Coord(1))
	tree := NewTree(position, Options{})

	parentSym, _, ok := tree.Root().CanonicalForm()
	require.True(t, ok)

	tree.PlayMove(game.Coord(40))
	childSym, _, ok := tree.Root().CanonicalForm()
	require.True(t, ok)
	require.Equal(t, parentSym, childSym)
}

func TestSuperkoCacheEveryEighthPly(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})

	wantHashes := []uint64{position.StoneHash()}
	for i := 0; i < 10; i++ {
		tree.PlayMove(game.Coord(i))
		wantHashes = append(wantHashes, tree.Root().Position().StoneHash())
	}

	// Walk back up: nodes at move numbers 0 and 8 carry caches, the rest
	// don't.
	node := tree.Root()
	for node != nil {
		moveNum := node.Position().MoveNum()
		if moveNum%superkoCacheStride == 0 {
			require.NotNil(t, node.superkoCache, "move %d", moveNum)
			require.Len(t, node.superkoCache, moveNum+1)
			for _, h := range wantHashes[:moveNum+1] {
				require.True(t, node.superkoCache.Has(h), "move %d missing ancestor hash", moveNum)
			}
		} else {
			require.Nil(t, node.superkoCache, "move %d", moveNum)
		}
		node = node.Parent()
	}

	// Every hash on the path is found, whether through a cache or the
	// linear walk.
	for _, h := range wantHashes {
		require.True(t, tree.Root().HasPositionBeenPlayedBefore(h))
	}
	require.False(t, tree.Root().HasPositionBeenPlayedBefore(0xdeadbeef))
}

func TestPositionHistoryOrder(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	for i := 0; i < 5; i++ {
		tree.PlayMove(game.Coord(i))
	}

	history := tree.Root().PositionHistory(3)
	require.Len(t, history, 3)
	require.Equal(t, 5, history[0].MoveNum())
	require.Equal(t, 4, history[1].MoveNum())
	require.Equal(t, 3, history[2].MoveNum())

	// Near the game start the history is truncated, not padded.
	short := gametest.New(gametest.Options{Size: testBoardSize})
	shortTree := NewTree(short, Options{})
	require.Len(t, shortTree.Root().PositionHistory(8), 1)
}

func TestEdgeArrayPadding(t *testing.T) {
	require.Equal(t, 84, paddedSize(game.NumMoves(9)))
	require.Equal(t, 364, paddedSize(game.NumMoves(19)))

	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	require.Len(t, tree.Root().edges, 84)
}

func TestRevertVirtualLossNeverAppliedPanics(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	require.Panics(t, func() { tree.RevertVirtualLoss(tree.Root()) })
}

func TestIncorporateEndGameOnLiveNodePanics(t *testing.T) {
	position := gametest.New(gametest.Options{Size: testBoardSize})
	tree := NewTree(position, Options{})
	require.Panics(t, func() { tree.IncorporateEndGameResult(tree.Root(), 1) })
}

package game

import "github.com/janpfeifer/goZero/internal/symmetry"

// ZobristHistory is the superko capability the search hands to the rules
// layer: PlayMove calls HasPositionBeenPlayedBefore with each candidate
// stone hash so the resulting legality bitmap accounts for positional
// superko. The search implements it by walking the tree's ancestor chain.
type ZobristHistory interface {
	HasPositionBeenPlayedBefore(stoneHash uint64) bool
}

// Position is an immutable snapshot of a board state, provided by the rules
// layer. All mutating operations return a new Position.
//
// Implementations must be safe for concurrent reads; the search never writes
// through this interface.
type Position interface {
	// Size returns the board side n (9 or 19).
	Size() int

	// ToPlay returns the side to move.
	ToPlay() Color

	// MoveNum returns the number of moves played to reach this position.
	MoveNum() int

	// LastMove returns the move that produced this position, or
	// InvalidCoord for the initial position.
	LastMove() Coord

	// StoneHash returns the Zobrist hash of the stones (side to play and
	// ko state excluded, as required by positional superko).
	StoneHash() uint64

	// SymmetryHash returns the stone hash of the position transformed by
	// sym. SymmetryHash(Identity) == StoneHash().
	SymmetryHash(sym symmetry.Symmetry) uint64

	// Legal reports whether c is a legal move for the side to play,
	// including the superko determination made when this position was
	// created.
	Legal(c Coord) bool

	// LegalMoves returns the dense legality bitmap over all NumMoves(n)
	// entries. The returned slice must not be modified.
	LegalMoves() []bool

	// PlayMove returns the position after the side to play plays c.
	// history is consulted for positional superko when computing the new
	// position's legality bitmap. Playing an illegal move is a contract
	// violation and panics.
	PlayMove(c Coord, history ZobristHistory) Position

	// IsGameOver reports whether the game ended by two consecutive
	// passes.
	IsGameOver() bool

	// CalculateScore returns the Tromp-Taylor score from Black's
	// perspective, minus komi. Positive means Black wins.
	CalculateScore(komi float32) float32

	// PassAliveRegions returns a bitmap over the n² points marking every
	// point that belongs to a pass-alive region of either color. The
	// returned slice must not be modified.
	PassAliveRegions() []bool

	// AllPassAlive reports whether the whole board is pass-alive.
	AllPassAlive() bool
}

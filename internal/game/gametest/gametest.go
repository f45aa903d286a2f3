// Package gametest provides a scripted game.Position implementation for
// tests of the search, cache and self-play layers, which only ever talk to
// the rules layer through the game.Position interface.
//
// It is not a Go rules engine. Stones are placed without liberties or
// suicide rules, and playing on an opponent stone replaces it. The replace
// rule is deliberate: it makes positional repetitions (ko-like cycles)
// reachable in a handful of moves, which is what the superko tests need.
// Hashes are Zobrist-style XORs over (point, color) so that repetitions and
// board symmetries produce the hash collisions a real rules layer would.
package gametest

import (
	"github.com/gomlx/exceptions"

	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/symmetry"
)

// Options configure a scripted position tree. The same Options value is
// shared by all positions derived from one root.
type Options struct {
	// Size is the board side.
	Size int

	// LegalPoints, if non-nil, restricts legal board points to the ones
	// present with a true value. Pass stays legal regardless.
	LegalPoints map[game.Coord]bool

	// PassAlive, if non-nil, is returned from PassAliveRegions.
	PassAlive []bool

	// AllPassAlive is returned from AllPassAlive.
	AllPassAlive bool

	// ScoreFunc, if non-nil, overrides the stone-count score.
	ScoreFunc func(p *Position) float32
}

// Position is a scripted game.Position.
type Position struct {
	opts *Options

	stones  map[game.Coord]game.Color
	toPlay  game.Color
	moveNum int

	lastMove          game.Coord
	consecutivePasses int

	hash  uint64
	legal []bool
}

var _ game.Position = (*Position)(nil)

// New returns an empty scripted position.
func New(opts Options) *Position {
	p := &Position{
		opts:     &opts,
		stones:   make(map[game.Coord]game.Color),
		lastMove: game.InvalidCoord,
	}
	p.rebuildLegal(nil)
	return p
}

// zobrist returns the deterministic hash contribution of a stone. A
// splitmix64 finalizer over the (point, color) pair is plenty for tests.
func zobrist(c game.Coord, color game.Color) uint64 {
	z := uint64(c)*2 + uint64(color) + 0x9e3779b97f4a7c15
	z ^= z >> 30
	z *= 0xbf58476d1ce4e5b9
	z ^= z >> 27
	z *= 0x94d049bb133111eb
	z ^= z >> 31
	return z
}

// PlaceStones places stones on the board directly, for test setup. It
// resets nothing else; call it before handing the position to the search.
func (p *Position) PlaceStones(color game.Color, coords ...game.Coord) *Position {
	for _, c := range coords {
		if old, ok := p.stones[c]; ok {
			p.hash ^= zobrist(c, old)
		}
		p.stones[c] = color
		p.hash ^= zobrist(c, color)
	}
	p.rebuildLegal(nil)
	return p
}

// WithToPlay sets the side to move, for test setup.
func (p *Position) WithToPlay(color game.Color) *Position {
	p.toPlay = color
	p.rebuildLegal(nil)
	return p
}

// hashAfter returns the stone hash that playing c would produce.
func (p *Position) hashAfter(c game.Coord) uint64 {
	h := p.hash
	if old, ok := p.stones[c]; ok {
		h ^= zobrist(c, old)
	}
	return h ^ zobrist(c, p.toPlay)
}

// rebuildLegal recomputes the legality bitmap, consulting history for
// positional superko when given.
func (p *Position) rebuildLegal(history game.ZobristHistory) {
	n := p.opts.Size
	p.legal = make([]bool, game.NumMoves(n))
	p.legal[game.Pass(n)] = true
	for i := 0; i < n*n; i++ {
		c := game.Coord(i)
		if color, ok := p.stones[c]; ok && color == p.toPlay {
			continue
		}
		if p.opts.LegalPoints != nil && !p.opts.LegalPoints[c] {
			continue
		}
		if history != nil && history.HasPositionBeenPlayedBefore(p.hashAfter(c)) {
			continue
		}
		p.legal[i] = true
	}
}

func (p *Position) Size() int            { return p.opts.Size }
func (p *Position) ToPlay() game.Color   { return p.toPlay }
func (p *Position) MoveNum() int         { return p.moveNum }
func (p *Position) LastMove() game.Coord { return p.lastMove }
func (p *Position) StoneHash() uint64    { return p.hash }

func (p *Position) SymmetryHash(sym symmetry.Symmetry) uint64 {
	var h uint64
	for c, color := range p.stones {
		h ^= zobrist(game.Coord(symmetry.ApplyIndex(sym, p.opts.Size, int(c))), color)
	}
	return h
}

func (p *Position) Legal(c game.Coord) bool {
	if !c.OnBoard(p.opts.Size) && !c.IsPass(p.opts.Size) {
		return false
	}
	return p.legal[c]
}

func (p *Position) LegalMoves() []bool { return p.legal }

func (p *Position) PlayMove(c game.Coord, history game.ZobristHistory) game.Position {
	if !p.Legal(c) {
		exceptions.Panicf("gametest: playing illegal move %s", c.Format(p.opts.Size))
	}
	child := &Position{
		opts:     p.opts,
		stones:   make(map[game.Coord]game.Color, len(p.stones)+1),
		toPlay:   p.toPlay.Other(),
		moveNum:  p.moveNum + 1,
		lastMove: c,
		hash:     p.hash,
	}
	for k, v := range p.stones {
		child.stones[k] = v
	}
	if c.IsPass(p.opts.Size) {
		child.consecutivePasses = p.consecutivePasses + 1
	} else {
		if old, ok := child.stones[c]; ok {
			child.hash ^= zobrist(c, old)
		}
		child.stones[c] = p.toPlay
		child.hash ^= zobrist(c, p.toPlay)
	}
	child.rebuildLegal(history)
	return child
}

func (p *Position) IsGameOver() bool {
	return p.consecutivePasses >= 2
}

func (p *Position) CalculateScore(komi float32) float32 {
	if p.opts.ScoreFunc != nil {
		return p.opts.ScoreFunc(p)
	}
	var black, white int
	for _, color := range p.stones {
		if color == game.Black {
			black++
		} else {
			white++
		}
	}
	return float32(black-white) - komi
}

func (p *Position) PassAliveRegions() []bool {
	if p.opts.PassAlive != nil {
		return p.opts.PassAlive
	}
	return make([]bool, p.opts.Size*p.opts.Size)
}

func (p *Position) AllPassAlive() bool { return p.opts.AllPassAlive }

// NumStones returns the stone count per color, for test assertions.
func (p *Position) NumStones(color game.Color) int {
	var count int
	for _, c := range p.stones {
		if c == color {
			count++
		}
	}
	return count
}

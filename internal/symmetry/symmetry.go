// Package symmetry implements the eight symmetries of the square board (the
// dihedral group D4) on feature grids, policy vectors and move indices.
//
// Symmetries are used in two places: to canonicalize positions for the
// inference cache (symmetric positions share one cache entry), and to
// randomly rotate/reflect the features fed to the model so the policy output
// doesn't overfit one orientation.
package symmetry

import "github.com/gomlx/exceptions"

// Symmetry identifies one of the eight symmetries of the square.
//
// The four Flip* symmetries are the transpose composed with the rotation of
// the same name.
type Symmetry uint8

const (
	Identity Symmetry = iota
	Rot90
	Rot180
	Rot270
	Flip
	FlipRot90
	FlipRot180
	FlipRot270

	// NumSymmetries is the size of the group.
	NumSymmetries = 8
)

// String implements fmt.Stringer.
func (s Symmetry) String() string {
	if int(s) >= NumSymmetries {
		return "InvalidSymmetry"
	}
	return [NumSymmetries]string{
		"Identity", "Rot90", "Rot180", "Rot270",
		"Flip", "FlipRot90", "FlipRot180", "FlipRot270",
	}[s]
}

var (
	concatTable  [NumSymmetries][NumSymmetries]Symmetry
	inverseTable [NumSymmetries]Symmetry
)

// applyPoint maps the point (row, col) of an n×n board through s.
func applyPoint(s Symmetry, n, row, col int) (int, int) {
	switch s {
	case Identity:
		return row, col
	case Rot90:
		return col, n - 1 - row
	case Rot180:
		return n - 1 - row, n - 1 - col
	case Rot270:
		return n - 1 - col, row
	case Flip:
		return col, row
	case FlipRot90:
		return row, n - 1 - col
	case FlipRot180:
		return n - 1 - col, n - 1 - row
	case FlipRot270:
		return n - 1 - row, col
	}
	exceptions.Panicf("symmetry: invalid symmetry %d", s)
	return 0, 0
}

// The concat and inverse tables are derived rather than hand-written: a 3×3
// board is enough to tell all eight symmetries apart.
func init() {
	const n = 3
	type pointMap [n * n]int
	var maps [NumSymmetries]pointMap
	for s := Symmetry(0); s < NumSymmetries; s++ {
		for row := 0; row < n; row++ {
			for col := 0; col < n; col++ {
				tr, tc := applyPoint(s, n, row, col)
				maps[s][row*n+col] = tr*n + tc
			}
		}
	}
	composed := func(a, b Symmetry) Symmetry {
		var target pointMap
		for p := range target {
			target[p] = maps[b][maps[a][p]]
		}
		for s := Symmetry(0); s < NumSymmetries; s++ {
			if maps[s] == target {
				return s
			}
		}
		exceptions.Panicf("symmetry: no composition for %s then %s", a, b)
		return Identity
	}
	for a := Symmetry(0); a < NumSymmetries; a++ {
		for b := Symmetry(0); b < NumSymmetries; b++ {
			concatTable[a][b] = composed(a, b)
		}
	}
	for a := Symmetry(0); a < NumSymmetries; a++ {
		for b := Symmetry(0); b < NumSymmetries; b++ {
			if concatTable[a][b] == Identity {
				inverseTable[a] = b
				break
			}
		}
	}
}

// Inverse returns the symmetry that undoes s.
func Inverse(s Symmetry) Symmetry {
	return inverseTable[s]
}

// Concat returns the single symmetry equivalent to applying a and then b.
func Concat(a, b Symmetry) Symmetry {
	return concatTable[a][b]
}

// ApplyGrid transforms an n×n grid with numChannels interleaved float32
// channels per point, writing the result into dst. src and dst must not
// alias and must both have n*n*numChannels elements.
func ApplyGrid(s Symmetry, n, numChannels int, src, dst []float32) {
	if len(src) != n*n*numChannels || len(dst) != len(src) {
		exceptions.Panicf("symmetry: ApplyGrid on %d×%d×%d grid given len(src)=%d, len(dst)=%d",
			n, n, numChannels, len(src), len(dst))
	}
	if s == Identity {
		copy(dst, src)
		return
	}
	for row := 0; row < n; row++ {
		for col := 0; col < n; col++ {
			tr, tc := applyPoint(s, n, row, col)
			copy(dst[(tr*n+tc)*numChannels:(tr*n+tc+1)*numChannels],
				src[(row*n+col)*numChannels:(row*n+col+1)*numChannels])
		}
	}
}

// ApplyIndex transforms a flat move index on an n×n board. Indices outside
// the board (pass, resign, invalid) are returned unchanged.
func ApplyIndex(s Symmetry, n, idx int) int {
	if idx < 0 || idx >= n*n {
		return idx
	}
	tr, tc := applyPoint(s, n, idx/n, idx%n)
	return tr*n + tc
}

// ApplyPolicy transforms a policy vector of n*n+1 entries (board moves plus
// the trailing pass entry). The pass entry is copied through untransformed.
// src and dst must not alias.
func ApplyPolicy(s Symmetry, n int, src, dst []float32) {
	if len(src) != n*n+1 || len(dst) != len(src) {
		exceptions.Panicf("symmetry: ApplyPolicy wants %d entries, got len(src)=%d, len(dst)=%d",
			n*n+1, len(src), len(dst))
	}
	ApplyGrid(s, n, 1, src[:n*n], dst[:n*n])
	dst[n*n] = src[n*n]
}

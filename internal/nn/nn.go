// Package nn defines the boundary to the neural-network evaluator -- the
// engine's sole hard external dependency -- together with the shared
// inference cache and the evaluator handle pool.
//
// The evaluator itself (model architecture, device placement, hot reload of
// weights) lives outside the engine. The engine only ever sees batches of
// ModelInput going in and batches of ModelOutput coming out.
package nn

import (
	"github.com/janpfeifer/goZero/internal/game"
	"github.com/janpfeifer/goZero/internal/symmetry"
)

// ModelInput describes one position to evaluate: the symmetry to apply to
// the features and the recent position history, most recent first, already
// truncated to the evaluator's history length. Feature-plane extraction is
// the evaluator's concern.
type ModelInput struct {
	Sym symmetry.Symmetry

	// Positions holds the position to evaluate followed by up to
	// historyLen-1 of its predecessors.
	Positions []game.Position
}

// ModelOutput is the evaluation of one position: a policy over all moves
// (pass included) and a value in [-1, +1] from Black's perspective.
type ModelOutput struct {
	Policy []float32
	Value  float32
}

// Evaluator is a handle to one instance of the model.
//
// RunMany is pure: outputs[i] corresponds to inputs[i] and the batch size
// is the caller's choice. The evaluator extracts features from the input
// positions with the input's symmetry applied, and the returned policy is
// in that transformed frame: undoing the symmetry is the caller's
// responsibility. A handle may be used from any thread, but only by one
// caller at a time.
type Evaluator interface {
	// RunMany evaluates the batch and returns the model name, or "" when
	// the evaluator has no name to report.
	RunMany(inputs []*ModelInput, outputs []*ModelOutput) string
}

// UniformEvaluator is an Evaluator returning a uniform policy and a zero
// value. It bootstraps self-play before any trained checkpoint exists, and
// serves as the scripted evaluator in tests.
type UniformEvaluator struct {
	// BoardSize of the positions evaluated.
	BoardSize int
}

var _ Evaluator = &UniformEvaluator{}

// RunMany implements Evaluator.
func (u *UniformEvaluator) RunMany(inputs []*ModelInput, outputs []*ModelOutput) string {
	numMoves := game.NumMoves(u.BoardSize)
	for i := range outputs {
		out := outputs[i]
		if len(out.Policy) != numMoves {
			out.Policy = make([]float32, numMoves)
		}
		for j := range out.Policy {
			out.Policy[j] = 1 / float32(numMoves)
		}
		out.Value = 0
	}
	return "uniform"
}

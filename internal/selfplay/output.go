package selfplay

import (
	"fmt"
	"sync"

	"k8s.io/klog/v2"
)

// Emitter serializes one finished game. SGF emission and training-example
// emission are both collaborators behind this interface; their I/O errors
// are theirs to report and never abort the run.
type Emitter interface {
	// EmitGame writes the game under dir with the given base name.
	// featureDescriptor names the feature-plane layout training examples
	// are written with.
	EmitGame(g *Game, dir, name, featureDescriptor string) error
}

// gameQueue is an unbounded multi-producer multi-consumer queue of
// finished games. A nil item is the per-consumer shutdown sentinel.
//
// Channels are bounded, and a full queue must never block a worker that is
// in the middle of its play loop, hence the cond-based implementation.
type gameQueue struct {
	mu    sync.Mutex
	cond  *sync.Cond
	items []*Game
}

func newGameQueue() *gameQueue {
	q := &gameQueue{}
	q.cond = sync.NewCond(&q.mu)
	return q
}

func (q *gameQueue) push(g *Game) {
	q.mu.Lock()
	q.items = append(q.items, g)
	q.mu.Unlock()
	q.cond.Signal()
}

// pop blocks until an item is available.
func (q *gameQueue) pop() *Game {
	q.mu.Lock()
	defer q.mu.Unlock()
	for len(q.items) == 0 {
		q.cond.Wait()
	}
	g := q.items[0]
	q.items = q.items[1:]
	return g
}

// outputWriter consumes finished games from the queue and hands them to
// the emitters, routing held-out games to their own directory.
type outputWriter struct {
	id                int
	queue             *gameQueue
	emitters          []Emitter
	outputDir         string
	holdoutDir        string
	featureDescriptor string
}

// run consumes until it pops the nil sentinel.
func (w *outputWriter) run() error {
	for {
		g := w.queue.pop()
		if g == nil {
			klog.V(1).Infof("Output writer %d done", w.id)
			return nil
		}
		dir := w.outputDir
		if g.Holdout() {
			dir = w.holdoutDir
		}
		name := fmt.Sprintf("%06d", g.ID())
		for _, emitter := range w.emitters {
			if err := emitter.EmitGame(g, dir, name, w.featureDescriptor); err != nil {
				klog.Errorf("Emitting game %s: %v", name, err)
			}
		}
		if klog.V(2).Enabled() {
			klog.Infof("Game %s: %s in %d moves (%s), models=%v",
				name, g.Result(), len(g.Moves()), g.Duration().Round(timeRounding), g.ModelNames())
		}
	}
}

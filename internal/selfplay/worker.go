package selfplay

import (
	"sync/atomic"

	"k8s.io/klog/v2"

	"github.com/janpfeifer/goZero/internal/nn"
)

// worker owns a slice of concurrent games and drives them through the
// select → infer → incorporate → play cycle. Worker threads share the
// inference cache, the evaluator pool and the sharded executor through the
// coordinator; the games and trees are theirs alone.
type worker struct {
	id    int
	coord *Coordinator
	games []*Game

	// buffers hold each shard's queued inferences between SelectLeaves
	// and ProcessInferences, reused across iterations.
	buffers [][]*inference

	// inputs/outputs are the concatenated batch views handed to the
	// evaluator, reused across iterations.
	inputs  []*nn.ModelInput
	outputs []*nn.ModelOutput
}

func newWorker(id int, coord *Coordinator) *worker {
	return &worker{
		id:      id,
		coord:   coord,
		games:   make([]*Game, coord.opts.ConcurrentGamesPerThread),
		buffers: make([][]*inference, coord.executor.NumShards()),
	}
}

// run iterates until the coordinator stops handing out games and every
// owned game has finished.
func (w *worker) run() error {
	for w.iterate() {
	}
	klog.V(1).Infof("Selfplay worker %d done", w.id)
	return nil
}

func (w *worker) iterate() bool {
	w.startNewGames()
	if len(w.games) == 0 {
		return false
	}
	w.selectLeaves()
	modelName := w.runInferences()
	w.updateCache()
	w.processInferences(modelName)
	w.playMoves()
	return true
}

// startNewGames fills empty slots with fresh games from the coordinator,
// dropping slots (swap with last) once the budget is exhausted.
func (w *worker) startNewGames() {
	for i := 0; i < len(w.games); {
		if w.games[i] != nil {
			i++
			continue
		}
		if g := w.coord.startNewGame(); g != nil {
			w.games[i] = g
			i++
			continue
		}
		w.games[i] = w.games[len(w.games)-1]
		w.games = w.games[:len(w.games)-1]
	}
}

// selectLeaves gathers leaves from all games, sharded over the executor.
// Games are claimed round-robin through an atomic index so each batch
// mixes leaves from all of the worker's games.
func (w *worker) selectLeaves() {
	var next atomic.Int64
	w.coord.executor.Execute(func(shard, numShards int) {
		buf := w.buffers[shard][:0]
		for {
			i := int(next.Add(1)) - 1
			if i >= len(w.games) {
				break
			}
			buf, _ = w.games[i].SelectLeaves(w.coord.cache, buf)
		}
		w.buffers[shard] = buf
	})
}

// runInferences concatenates the shard buffers into one batch and runs it
// on an evaluator handle from the pool. It returns the model name, or ""
// when there was nothing to evaluate.
func (w *worker) runInferences() string {
	w.inputs = w.inputs[:0]
	w.outputs = w.outputs[:0]
	for _, buf := range w.buffers {
		for _, req := range buf {
			w.inputs = append(w.inputs, &req.input)
			w.outputs = append(w.outputs, &req.output)
		}
	}
	if len(w.inputs) == 0 {
		return ""
	}
	evaluator := w.coord.pool.Acquire()
	name := evaluator.RunMany(w.inputs, w.outputs)
	w.coord.pool.Release(evaluator, name)
	return name
}

// updateCache merges every fresh evaluation into the shared cache. Merge
// overwrites the output with the averaged canonical value, so the tree
// incorporates exactly what a concurrent cache reader would see.
func (w *worker) updateCache() {
	for _, buf := range w.buffers {
		for _, req := range buf {
			if !req.cacheable {
				continue
			}
			w.coord.cache.Merge(req.key, req.canonicalSym, req.inferenceSym, &req.output)
		}
	}
}

// processInferences routes each game's contiguous sub-slice of the batch
// back to its driver.
func (w *worker) processInferences(modelName string) {
	for _, buf := range w.buffers {
		for start := 0; start < len(buf); {
			end := start + 1
			for end < len(buf) && buf[end].g == buf[start].g {
				end++
			}
			buf[start].g.ProcessInferences(modelName, buf[start:end])
			start = end
		}
	}
}

// playMoves advances any game that reached its readout target and hands
// finished games to the coordinator.
func (w *worker) playMoves() {
	for i, g := range w.games {
		_, finished := g.MaybePlayMove()
		if finished {
			w.coord.endGame(g)
			w.games[i] = nil
		}
	}
}

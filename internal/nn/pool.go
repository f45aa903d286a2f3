package nn

import (
	"sync"

	"k8s.io/klog/v2"
)

// Pool hands out evaluator handles to worker threads, blocking when all
// handles are in use. Keeping fewer handles than workers is how CPU tree
// search and model inference overlap: while one worker runs a batch, the
// others search.
//
// The pool also implements graceful model rollover: once SetLatest names a
// newer model, released handles that reported an older name are discarded
// instead of recycled. The watcher that detected the new checkpoint is
// responsible for adding fresh handles.
type Pool struct {
	handles chan Evaluator

	mu     sync.Mutex
	latest string
}

// NewPool creates a pool able to hold up to capacity handles.
func NewPool(capacity int) *Pool {
	return &Pool{handles: make(chan Evaluator, capacity)}
}

// Add makes a handle available. A handle that doesn't fit (rollover added
// handles faster than stale ones were dropped) is discarded with a log.
func (p *Pool) Add(e Evaluator) {
	select {
	case p.handles <- e:
	default:
		klog.Warningf("Evaluator pool full, discarding extra handle")
	}
}

// Acquire blocks until a handle is free.
func (p *Pool) Acquire() Evaluator {
	return <-p.handles
}

// Release returns a handle to the pool. reportedName is the model name the
// handle returned from its last RunMany ("" when the evaluator reports no
// name, which keeps the handle alive). Handles reporting a stale name are
// dropped.
func (p *Pool) Release(e Evaluator, reportedName string) {
	p.mu.Lock()
	stale := p.latest != "" && reportedName != "" && reportedName != p.latest
	p.mu.Unlock()
	if stale {
		klog.Infof("Dropping evaluator handle for superseded model %q (latest is %q)",
			reportedName, p.Latest())
		return
	}
	p.handles <- e
}

// SetLatest records the newest model name for rollover decisions.
func (p *Pool) SetLatest(name string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.latest = name
}

// Latest returns the newest model name seen, or "".
func (p *Pool) Latest() string {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.latest
}

package nn

import (
	"context"
	"path/filepath"
	"strings"

	"github.com/fsnotify/fsnotify"
	"github.com/pkg/errors"
	"k8s.io/klog/v2"
)

// Factory loads an evaluator handle from a checkpoint path, returning the
// handle and its model name.
type Factory func(path string) (Evaluator, string, error)

// WatchModelDir watches dir for newly written checkpoint files with the
// given suffix and rolls the pool over to them: the pool's latest name is
// updated so stale handles get dropped on release, and one fresh handle per
// new checkpoint is added.
//
// It blocks until ctx is cancelled. Errors loading an individual checkpoint
// are logged and skipped; only failing to watch at all is returned.
func WatchModelDir(ctx context.Context, dir, suffix string, pool *Pool, factory Factory) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return errors.Wrapf(err, "creating watcher for model directory %q", dir)
	}
	defer func() { _ = watcher.Close() }()
	if err := watcher.Add(dir); err != nil {
		return errors.Wrapf(err, "watching model directory %q", dir)
	}
	klog.Infof("Watching %q for new model checkpoints", dir)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			if suffix != "" && !strings.HasSuffix(event.Name, suffix) {
				continue
			}
			handle, name, err := factory(event.Name)
			if err != nil {
				klog.Errorf("Failed to load model checkpoint %q: %v", event.Name, err)
				continue
			}
			klog.Infof("New model %q from %q", name, filepath.Base(event.Name))
			pool.SetLatest(name)
			pool.Add(handle)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			klog.Errorf("Model directory watcher: %v", err)
		}
	}
}

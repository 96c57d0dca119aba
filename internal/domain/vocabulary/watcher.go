package vocabulary

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Watcher reloads a Holder when any of the watched fixture files change.
// Events are debounced so an editor's write-rename sequence triggers one
// reload.
type Watcher struct {
	holder   *Holder
	paths    map[string]bool
	debounce time.Duration
	logger   zerolog.Logger
	watcher  *fsnotify.Watcher
}

// NewWatcher watches the parent directories of paths, so files replaced by
// rename are still seen.
func NewWatcher(holder *Holder, logger zerolog.Logger, paths ...string) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create fsnotify watcher: %w", err)
	}
	w := &Watcher{
		holder:   holder,
		paths:    make(map[string]bool),
		debounce: 500 * time.Millisecond,
		logger:   logger,
		watcher:  fsw,
	}
	dirs := make(map[string]bool)
	for _, p := range paths {
		if p == "" {
			continue
		}
		abs, err := filepath.Abs(p)
		if err != nil {
			abs = p
		}
		w.paths[filepath.Clean(abs)] = true
		dirs[filepath.Dir(abs)] = true
	}
	for dir := range dirs {
		if err := fsw.Add(dir); err != nil {
			_ = fsw.Close()
			return nil, fmt.Errorf("watch %s: %w", dir, err)
		}
	}
	return w, nil
}

func (w *Watcher) relevant(ev fsnotify.Event) bool {
	if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
		return false
	}
	abs, err := filepath.Abs(ev.Name)
	if err != nil {
		abs = ev.Name
	}
	return w.paths[filepath.Clean(abs)]
}

// Run blocks until ctx is done, reloading after each burst of changes.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if w.relevant(ev) {
				timer.Reset(w.debounce)
			}
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn().Err(err).Msg("vocabulary watcher error")
		case <-timer.C:
			if err := w.holder.Reload(ctx); err != nil {
				w.logger.Error().Err(err).Msg("vocabulary reload failed, keeping previous index")
			}
		}
	}
}

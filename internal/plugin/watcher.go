package plugin

import (
	"context"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/wudi/injector/internal/logging"
)

// Watcher watches the plugin file and purges the source cache when it changes.
type Watcher struct {
	watcher   *fsnotify.Watcher
	source    *Source
	callbacks []func(Info)
	mu        sync.RWMutex
	debounce  time.Duration
}

// NewWatcher creates a watcher for source.
func NewWatcher(source *Source) (*Watcher, error) {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	return &Watcher{
		watcher:  fsWatcher,
		source:   source,
		debounce: 200 * time.Millisecond,
	}, nil
}

// OnChange registers a callback invoked after each debounced change.
func (w *Watcher) OnChange(callback func(Info)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, callback)
}

// SetDebounce sets the debounce duration for file changes
func (w *Watcher) SetDebounce(d time.Duration) {
	w.debounce = d
}

// Run watches until ctx is done. The directory is watched rather than the
// file so that editors replacing the file via rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.watcher.Close()

	dir := filepath.Dir(w.source.Path())
	if err := w.watcher.Add(dir); err != nil {
		return err
	}
	logging.Debug("watching plugin file", zap.String("path", w.source.Path()))

	name := filepath.Base(w.source.Path())
	var debounceTimer *time.Timer
	defer func() {
		if debounceTimer != nil {
			debounceTimer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Base(event.Name) != name {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}

			// Drop stale content right away, notify once things settle.
			w.source.Purge()
			if debounceTimer != nil {
				debounceTimer.Stop()
			}
			debounceTimer = time.AfterFunc(w.debounce, w.changed)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			logging.Error("plugin watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) changed() {
	info := w.source.Info()
	if info.Available {
		logging.Info("plugin file changed",
			zap.String("path", info.Path),
			zap.Int64("size", info.Size),
			zap.String("digest", info.Digest),
		)
	} else {
		logging.Warn("plugin file unavailable", zap.String("path", info.Path))
	}

	w.mu.RLock()
	callbacks := make([]func(Info), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.RUnlock()

	for _, cb := range callbacks {
		cb(info)
	}
}

// SPDX-License-Identifier: Apache-2.0
// Copyright 2026 VRCX Plugin System Contributors

package settings

import (
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/samber/oops"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher invokes a callback when the settings document changes on disk.
//
// The parent directory is watched rather than the file itself: editors and
// the registry's own atomic writes replace the file by rename, which would
// silently drop a watch on the file. Bursts of events are debounced so one
// external edit triggers one callback.
type Watcher struct {
	path     string
	debounce time.Duration
	onChange func()
	logger   *slog.Logger

	fsw  *fsnotify.Watcher
	done chan struct{}
	wg   sync.WaitGroup

	mu      sync.Mutex
	timer   *time.Timer
	started bool
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce sets how long events for the file must stay quiet before the
// callback fires.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// NewWatcher creates a watcher for the document at path. The callback runs
// on the watcher's goroutine.
func NewWatcher(path string, onChange func(), logger *slog.Logger, opts ...WatcherOption) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, oops.In("settings").With("path", path).Wrap(err)
	}
	w := &Watcher{
		path:     abs,
		debounce: defaultDebounce,
		onChange: onChange,
		logger:   logger.With("component", "settings_watcher"),
		done:     make(chan struct{}),
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Start begins watching. The document's directory must exist.
func (w *Watcher) Start() error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}

	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return oops.In("settings").Wrapf(err, "create file watcher")
	}
	if err := fsw.Add(filepath.Dir(w.path)); err != nil {
		fsw.Close()
		return oops.
			In("settings").
			With("dir", filepath.Dir(w.path)).
			Wrapf(err, "watch settings directory")
	}

	w.fsw = fsw
	w.started = true
	w.wg.Add(1)
	go w.loop()
	return nil
}

// Close stops watching. A debounce already in flight is cancelled.
func (w *Watcher) Close() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return nil
	}
	w.started = false
	close(w.done)
	if w.timer != nil {
		w.timer.Stop()
	}
	fsw := w.fsw
	w.mu.Unlock()

	err := fsw.Close()
	w.wg.Wait()
	return err
}

func (w *Watcher) loop() {
	defer w.wg.Done()
	for {
		select {
		case <-w.done:
			return
		case ev, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != w.path {
				continue
			}
			if !ev.Op.Has(fsnotify.Create) && !ev.Op.Has(fsnotify.Write) && !ev.Op.Has(fsnotify.Rename) {
				continue
			}
			w.bump()
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("settings watcher error", "error", err.Error())
		}
	}
}

// bump restarts the debounce timer.
func (w *Watcher) bump() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(w.debounce, w.fire)
}

func (w *Watcher) fire() {
	select {
	case <-w.done:
		return
	default:
	}
	w.onChange()
}

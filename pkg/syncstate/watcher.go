// Copyright 2025 KrakLabs
//
// SPDX-License-Identifier: AGPL-3.0-or-later

package syncstate

import (
	"context"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// debounce is the default per-event-key debounce (spec.md §4.5:
// "Batching & debouncing... default 250ms"), applied per watched file
// the same way cmd/cie/watch.go debounces a whole repo tree to a single
// reindex trigger, narrowed here to three well-known files instead of
// an entire directory walk.
const debounce = 250 * time.Millisecond

// Paths names the three files the watcher mirrors (spec.md §4.6).
type Paths struct {
	Operations string // mcp-operations.json
	State      string // specforge-sync.json
	Results    string // mcp-results.json
}

// Handlers are invoked (on the caller's goroutine, via Watcher.Run) once
// a debounced change settles for each file.
type Handlers struct {
	OnOperationsChanged func()
	OnStateChanged      func()
	OnResultsChanged    func()
}

// Watcher registers fsnotify watches on the three well-known paths,
// each with its own keyed debounce timer, and dispatches to Handlers
// once a burst of writes for a given key settles.
type Watcher struct {
	paths    Paths
	handlers Handlers
	logger   *slog.Logger

	fsw     *fsnotify.Watcher
	timers  map[string]*time.Timer
	fired   chan string
}

// NewWatcher constructs a Watcher over paths. Call Run to start watching;
// Close to stop.
func NewWatcher(paths Paths, handlers Handlers, logger *slog.Logger) (*Watcher, error) {
	if logger == nil {
		logger = slog.Default()
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	for _, p := range []string{paths.Operations, paths.State, paths.Results} {
		if p == "" {
			continue
		}
		if err := fsw.Add(filepath.Dir(p)); err != nil {
			logger.Warn("syncstate: failed to watch directory", "path", p, "err", err)
		}
	}
	return &Watcher{
		paths:    paths,
		handlers: handlers,
		logger:   logger,
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
		fired:    make(chan string, 8),
	}, nil
}

// Close releases the underlying fsnotify watcher.
func (w *Watcher) Close() error {
	return w.fsw.Close()
}

// Run drives the watch loop until ctx is cancelled. Each filesystem
// event for a watched path resets that path's debounce timer; once the
// timer fires, the matching handler runs.
func (w *Watcher) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			for _, t := range w.timers {
				t.Stop()
			}
			return

		case event, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			key := w.keyFor(event.Name)
			if key == "" {
				continue
			}
			if t, exists := w.timers[key]; exists {
				t.Stop()
			}
			w.timers[key] = time.AfterFunc(debounce, func() {
				select {
				case w.fired <- key:
				case <-ctx.Done():
				}
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			w.logger.Warn("syncstate: fsnotify error", "err", err)

		case key := <-w.fired:
			w.dispatch(key)
		}
	}
}

func (w *Watcher) keyFor(name string) string {
	switch filepath.Clean(name) {
	case filepath.Clean(w.paths.Operations):
		return "operations"
	case filepath.Clean(w.paths.State):
		return "state"
	case filepath.Clean(w.paths.Results):
		return "results"
	default:
		return ""
	}
}

func (w *Watcher) dispatch(key string) {
	switch key {
	case "operations":
		if w.handlers.OnOperationsChanged != nil {
			w.handlers.OnOperationsChanged()
		}
	case "state":
		if w.handlers.OnStateChanged != nil {
			w.handlers.OnStateChanged()
		}
	case "results":
		if w.handlers.OnResultsChanged != nil {
			w.handlers.OnResultsChanged()
		}
	}
}

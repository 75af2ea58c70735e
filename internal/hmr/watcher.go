// Copyright 2026 Robert Macrae. All rights reserved.
// SPDX-License-Identifier: LicenseRef-Proprietary

// Package hmr turns source tree changes into hot-reload notifications.
package hmr

import (
	"context"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

// DefaultSettle is how long a file must be quiet before its change is
// reported. Editors often write a file in several steps.
const DefaultSettle = 100 * time.Millisecond

var skipDirs = map[string]bool{
	"node_modules": true,
	"vendor":       true,
	"dist":         true,
	"build":        true,
}

// Watcher reports settled file changes under a directory tree.
type Watcher struct {
	root     string
	settle   time.Duration
	onChange func(relPath string)
	logger   *slog.Logger

	fsw *fsnotify.Watcher

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// New creates a watcher for root. onChange is called from a timer
// goroutine once per settled change.
func New(root string, onChange func(relPath string), logger *slog.Logger) (*Watcher, error) {
	abs, err := filepath.Abs(root)
	if err != nil {
		return nil, err
	}
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Watcher{
		root:     abs,
		settle:   DefaultSettle,
		onChange: onChange,
		logger:   logger.With("component", "hmr"),
		fsw:      fsw,
		timers:   make(map[string]*time.Timer),
	}, nil
}

// SetSettle overrides DefaultSettle. Call before Run.
func (w *Watcher) SetSettle(d time.Duration) {
	w.settle = d
}

// Run watches until ctx is done.
func (w *Watcher) Run(ctx context.Context) error {
	defer w.shutdown()

	if err := w.addTree(w.root); err != nil {
		return err
	}
	w.logger.Info("watching for changes", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			w.handle(event)
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == root {
				return err
			}
			return nil
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && ignored(d.Name()) {
			return filepath.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			w.logger.Warn("failed to watch directory", "path", path, "error", err)
		}
		return nil
	})
}

func (w *Watcher) handle(event fsnotify.Event) {
	if ignored(filepath.Base(event.Name)) {
		return
	}
	rel, err := filepath.Rel(w.root, event.Name)
	if err != nil {
		return
	}

	info, statErr := os.Lstat(event.Name)
	if statErr == nil && info.Mode()&os.ModeSymlink != 0 {
		return
	}
	if event.Has(fsnotify.Create) && statErr == nil && info.IsDir() {
		if err := w.addTree(event.Name); err != nil {
			w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
		}
		return
	}
	if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) &&
		!event.Has(fsnotify.Remove) && !event.Has(fsnotify.Rename) {
		return
	}

	w.timersMu.Lock()
	defer w.timersMu.Unlock()
	if w.timers == nil {
		return
	}
	if t, ok := w.timers[rel]; ok {
		t.Stop()
	}
	w.timers[rel] = time.AfterFunc(w.settle, func() {
		w.timersMu.Lock()
		if w.timers == nil {
			w.timersMu.Unlock()
			return
		}
		delete(w.timers, rel)
		w.timersMu.Unlock()

		w.logger.Debug("file changed", "path", rel)
		w.onChange(rel)
	})
}

func (w *Watcher) shutdown() {
	w.timersMu.Lock()
	for _, t := range w.timers {
		t.Stop()
	}
	w.timers = nil
	w.timersMu.Unlock()
	w.fsw.Close()
}

// ignored reports whether a file or directory name is outside the
// tree a dev server would reload for.
func ignored(name string) bool {
	if name == "" {
		return false
	}
	return name[0] == '.' || skipDirs[name]
}

// Package watch reruns an action whenever files below a tree root change.
package watch

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/schaermu/pismo/internal/scan"
)

// DefaultDelay is how long the tree must be quiet before the action runs.
const DefaultDelay = 2 * time.Second

// Watcher watches a directory tree, hidden entries excluded.
type Watcher struct {
	root     string
	logger   *slog.Logger
	fsw      *fsnotify.Watcher
	debounce *debouncer
	flight   singleFlight
}

// New starts watching root and every non-hidden directory below it. Changes
// are reported once Run is called.
func New(root string, delay time.Duration, logger *slog.Logger) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}

	w := &Watcher{
		root:     root,
		logger:   logger,
		fsw:      fsw,
		debounce: &debouncer{delay: delay},
	}

	if err := w.addTree(root); err != nil {
		_ = fsw.Close()
		return nil, err
	}
	return w, nil
}

// addTree watches dir and its non-hidden subdirectories.
func (w *Watcher) addTree(dir string) error {
	return filepath.WalkDir(dir, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			if path == dir {
				return err
			}
			w.logger.Warn("skipping unreadable directory", "path", path, "error", err)
			return fs.SkipDir
		}
		if !d.IsDir() {
			return nil
		}
		if path != w.root && w.hidden(path) {
			return fs.SkipDir
		}
		if err := w.fsw.Add(path); err != nil {
			return fmt.Errorf("failed to watch %s: %w", path, err)
		}
		return nil
	})
}

func (w *Watcher) hidden(path string) bool {
	rel, err := filepath.Rel(w.root, path)
	if err != nil {
		return false
	}
	return scan.IsHidden(filepath.ToSlash(rel))
}

// Run calls onChange after every burst of changes until ctx is cancelled.
// Calls never overlap; changes seen while one runs cause exactly one more.
// Run returns only after a call in progress has finished.
func (w *Watcher) Run(ctx context.Context, onChange func(context.Context)) error {
	defer func() {
		w.debounce.stop()
		w.debounce.wait()
		_ = w.fsw.Close()
	}()

	w.logger.Info("watching tree", "root", w.root)

	for {
		select {
		case <-ctx.Done():
			w.logger.Info("stopped watching tree", "root", w.root)
			return nil

		case event, ok := <-w.fsw.Events:
			if !ok {
				return nil
			}
			if !w.handle(event) {
				continue
			}
			w.debounce.trigger(func() {
				if ctx.Err() != nil {
					return
				}
				w.flight.run(func() {
					if ctx.Err() != nil {
						return
					}
					onChange(ctx)
				})
			})

		case err, ok := <-w.fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", "error", err)
		}
	}
}

// handle reports whether event is relevant and watches new directories.
func (w *Watcher) handle(event fsnotify.Event) bool {
	if w.hidden(event.Name) {
		return false
	}
	w.logger.Debug("change detected", "path", event.Name, "op", event.Op.String())

	if event.Has(fsnotify.Create) {
		if info, err := os.Lstat(event.Name); err == nil && info.IsDir() {
			if err := w.addTree(event.Name); err != nil {
				w.logger.Warn("failed to watch new directory", "path", event.Name, "error", err)
			}
		}
	}
	return true
}

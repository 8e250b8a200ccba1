package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce is how long a file must stay quiet before a change fires.
const DefaultDebounce = 300 * time.Millisecond

// Watcher reports changes to a set of files. Directories are watched rather
// than the files themselves so editors that save by rename are still seen.
type Watcher struct {
	files    map[string]bool
	debounce time.Duration
	logger   zerolog.Logger
}

// NewWatcher creates a watcher for files.
func NewWatcher(logger zerolog.Logger, debounce time.Duration, files ...string) *Watcher {
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	w := &Watcher{
		files:    make(map[string]bool, len(files)),
		debounce: debounce,
		logger:   logger.With().Str("component", "watcher").Logger(),
	}
	for _, f := range files {
		if abs, err := filepath.Abs(f); err == nil {
			f = abs
		}
		w.files[filepath.Clean(f)] = true
	}
	return w
}

// Run blocks until ctx is done. onChange runs on the caller's goroutine once
// the watched files have been quiet for the debounce interval.
func (w *Watcher) Run(ctx context.Context, onChange func(ctx context.Context)) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer fsw.Close()

	dirs := make(map[string]bool)
	for f := range w.files {
		dir := filepath.Dir(f)
		if dirs[dir] {
			continue
		}
		if err := fsw.Add(dir); err != nil {
			return fmt.Errorf("failed to watch %s: %w", dir, err)
		}
		dirs[dir] = true
	}
	w.logger.Info().Int("files", len(w.files)).Msg("Watching for changes")

	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !w.relevant(event) {
				continue
			}
			w.logger.Debug().Str("file", event.Name).Str("op", event.Op.String()).Msg("File changed")
			timer.Reset(w.debounce)

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Error().Err(err).Msg("Watcher error")

		case <-timer.C:
			onChange(ctx)
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
		return false
	}
	name := event.Name
	if abs, err := filepath.Abs(name); err == nil {
		name = abs
	}
	return w.files[filepath.Clean(name)]
}

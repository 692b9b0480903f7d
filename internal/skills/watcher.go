package skills

import (
	"context"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher reloads a Loader whenever a SKILL.md (or its containing
// directory) changes on disk, so a running agent picks up edited or newly
// added skills without a restart.
type Watcher struct {
	loader *Loader
	fsw    *fsnotify.Watcher
	done   chan struct{}
}

// NewWatcher sets up an fsnotify watch on every directory loader scans, plus
// every skill subdirectory already discovered at construction time.
func NewWatcher(loader *Loader) (*Watcher, error) {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}

	w := &Watcher{loader: loader, fsw: fsw, done: make(chan struct{})}
	for _, dir := range loader.dirs {
		// Best-effort: a directory that doesn't exist yet simply isn't
		// watched until it's created and the loader is reloaded manually.
		_ = fsw.Add(dir)
	}
	for _, s := range loader.ListSkills() {
		_ = fsw.Add(s.Path)
	}
	return w, nil
}

// Start begins watching in a background goroutine, debouncing bursts of
// filesystem events (editors often emit several per save) before triggering
// a single Reload. Returns immediately; stops when ctx is canceled or Stop
// is called.
func (w *Watcher) Start(ctx context.Context) error {
	go w.run(ctx)
	return nil
}

func (w *Watcher) run(ctx context.Context) {
	const debounce = 300 * time.Millisecond
	var timer *time.Timer

	reload := func() {
		if err := w.loader.Reload(); err != nil {
			slog.Warn("skills: reload failed", "error", err)
			return
		}
		for _, s := range w.loader.ListSkills() {
			_ = w.fsw.Add(s.Path)
		}
	}

	for {
		select {
		case <-ctx.Done():
			return
		case <-w.done:
			return
		case _, ok := <-w.fsw.Events:
			if !ok {
				return
			}
			if timer == nil {
				timer = time.AfterFunc(debounce, reload)
			} else {
				timer.Reset(debounce)
			}
		case err, ok := <-w.fsw.Errors:
			if !ok {
				return
			}
			slog.Warn("skills: watch error", "error", err)
		}
	}
}

// Stop closes the underlying fsnotify watcher and stops the watch goroutine.
func (w *Watcher) Stop() {
	close(w.done)
	_ = w.fsw.Close()
}

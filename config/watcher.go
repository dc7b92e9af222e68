package config

import (
	"context"
	"os"
	"sync"
	"time"

	"go.uber.org/zap"
)

// FileEvent describes an observed change to a watched file.
type FileEvent struct {
	Path    string
	ModTime time.Time
}

// FileWatcher polls a set of files for modification-time changes and
// dispatches debounced callbacks. Polling keeps it portable; config
// files change rarely enough that an interval in the hundreds of
// milliseconds is plenty.
type FileWatcher struct {
	mu sync.Mutex

	paths    []string
	interval time.Duration

	callbacks []func(FileEvent)
	lastMod   map[string]time.Time
	pending   map[string]FileEvent

	running bool
	stop    chan struct{}
	done    chan struct{}

	logger *zap.Logger
}

// NewFileWatcher watches the given paths at the given poll interval.
func NewFileWatcher(paths []string, interval time.Duration, logger *zap.Logger) *FileWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	if interval <= 0 {
		interval = 500 * time.Millisecond
	}
	return &FileWatcher{
		paths:    paths,
		interval: interval,
		lastMod:  make(map[string]time.Time),
		pending:  make(map[string]FileEvent),
		logger:   logger.With(zap.String("component", "config_watcher")),
	}
}

// OnChange registers a callback invoked for each debounced change.
// Must be called before Start.
func (w *FileWatcher) OnChange(fn func(FileEvent)) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.callbacks = append(w.callbacks, fn)
}

// Start begins polling. It records current modification times first,
// so only changes after Start are reported.
func (w *FileWatcher) Start(ctx context.Context) {
	w.mu.Lock()
	if w.running {
		w.mu.Unlock()
		return
	}
	w.running = true
	w.stop = make(chan struct{})
	w.done = make(chan struct{})
	for _, path := range w.paths {
		if info, err := os.Stat(path); err == nil {
			w.lastMod[path] = info.ModTime()
		}
	}
	w.mu.Unlock()

	go w.loop(ctx)
}

// Stop halts polling and waits for the loop to exit. Idempotent.
func (w *FileWatcher) Stop() {
	w.mu.Lock()
	if !w.running {
		w.mu.Unlock()
		return
	}
	w.running = false
	close(w.stop)
	done := w.done
	w.mu.Unlock()

	<-done
}

func (w *FileWatcher) loop(ctx context.Context) {
	defer close(w.done)
	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			w.poll()
			w.dispatchDue()
		case <-w.stop:
			return
		case <-ctx.Done():
			return
		}
	}
}

func (w *FileWatcher) poll() {
	w.mu.Lock()
	defer w.mu.Unlock()

	for _, path := range w.paths {
		info, err := os.Stat(path)
		if err != nil {
			continue
		}
		mod := info.ModTime()
		if last, seen := w.lastMod[path]; seen && !mod.After(last) {
			continue
		}
		w.lastMod[path] = mod
		// Debounce: a burst of writes collapses into the newest event.
		w.pending[path] = FileEvent{Path: path, ModTime: mod}
		w.logger.Debug("config file changed", zap.String("path", path), zap.Time("mod_time", mod))
	}
}

func (w *FileWatcher) dispatchDue() {
	w.mu.Lock()
	var due []FileEvent
	for path, ev := range w.pending {
		due = append(due, ev)
		delete(w.pending, path)
	}
	callbacks := make([]func(FileEvent), len(w.callbacks))
	copy(callbacks, w.callbacks)
	w.mu.Unlock()

	for _, ev := range due {
		for _, fn := range callbacks {
			fn(ev)
		}
	}
}

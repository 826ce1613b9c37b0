// Package watch re-runs the sync when new files land in a local intake
// directory.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
)

const DefaultDebounce = 2 * time.Second

type Options struct {
	Dir string
	// Debounce is the quiet period after the last event before a run fires.
	Debounce time.Duration
	Logger   *slog.Logger
}

// Trigger watches one directory. Only creates and writes of visible files
// count; renames out of the directory are the sync's own moves.
type Trigger struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
	watcher  *fsnotify.Watcher

	mu      sync.Mutex
	running bool
}

// New starts watching opts.Dir immediately, so files created after New
// returns are never missed.
func New(opts Options) (*Trigger, error) {
	dir := strings.TrimSpace(opts.Dir)
	if dir == "" {
		return nil, fmt.Errorf("watch directory is required")
	}
	debounce := opts.Debounce
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	if err := watcher.Add(dir); err != nil {
		_ = watcher.Close()
		return nil, fmt.Errorf("failed to watch %s: %w", dir, err)
	}
	return &Trigger{dir: dir, debounce: debounce, logger: logger, watcher: watcher}, nil
}

// Run calls fn after each burst of relevant events until ctx is done. A
// failing fn is logged and the watch continues. Run closes the watcher on
// return and may only be called once.
func (t *Trigger) Run(ctx context.Context, fn func(context.Context) error) error {
	t.mu.Lock()
	if t.running {
		t.mu.Unlock()
		return fmt.Errorf("watcher already running")
	}
	t.running = true
	t.mu.Unlock()
	defer t.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	t.logger.Info("watching for new files", "dir", t.dir)
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-t.watcher.Events:
			if !ok {
				return nil
			}
			if !relevant(event) {
				continue
			}
			t.logger.Debug("intake changed", "path", event.Name, "op", event.Op.String())
			if timer == nil {
				timer = time.NewTimer(t.debounce)
			} else {
				timer.Reset(t.debounce)
			}
			fire = timer.C
		case err, ok := <-t.watcher.Errors:
			if !ok {
				return nil
			}
			t.logger.Warn("watch error", "error", err)
		case <-fire:
			fire = nil
			if err := fn(ctx); err != nil {
				if ctx.Err() != nil || errors.Is(err, context.Canceled) {
					return nil
				}
				t.logger.Error("triggered sync failed", "error", err)
			}
		}
	}
}

// Close stops a trigger that was never run.
func (t *Trigger) Close() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.running {
		return nil
	}
	t.running = true
	return t.watcher.Close()
}

func relevant(event fsnotify.Event) bool {
	if strings.HasPrefix(filepath.Base(event.Name), ".") {
		return false
	}
	return event.Has(fsnotify.Create) || event.Has(fsnotify.Write)
}

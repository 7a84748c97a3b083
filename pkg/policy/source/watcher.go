package source

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watcher watches a policy directory and triggers eager reloads between the
// store's lazy refreshes. Change bursts are debounced so an editor writing
// several files produces one reload.
type Watcher struct {
	dir      string
	debounce time.Duration
	logger   *slog.Logger
}

// WatcherConfig configures a Watcher.
type WatcherConfig struct {
	// Debounce is the quiet interval required before a reload fires.
	// Default: 100ms.
	Debounce time.Duration

	// Logger receives watch events. Defaults to slog.Default.
	Logger *slog.Logger
}

// NewWatcher creates a watcher over the given policy directory.
func NewWatcher(dir string, cfg WatcherConfig) *Watcher {
	if cfg.Debounce <= 0 {
		cfg.Debounce = 100 * time.Millisecond
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default().With("component", "policy.watcher")
	}
	return &Watcher{dir: dir, debounce: cfg.Debounce, logger: logger}
}

// Watch blocks until the context is cancelled, invoking onReload after each
// debounced batch of YAML changes. Reload errors are logged, not fatal.
func (w *Watcher) Watch(ctx context.Context, onReload func(context.Context) error) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create fsnotify watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("failed to watch %q: %w", w.dir, err)
	}
	w.logger.Info("policy watcher started", "dir", w.dir, "debounce_ms", w.debounce.Milliseconds())

	var timer *time.Timer
	var fire <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}
			if !isYAML(event.Name) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				fire = timer.C
			} else {
				timer.Reset(w.debounce)
			}

		case <-fire:
			timer, fire = nil, nil
			if err := onReload(ctx); err != nil {
				w.logger.Warn("policy reload failed after file change", "error", err)
			} else {
				w.logger.Info("policies reloaded after file change")
			}

		case err, ok := <-fsw.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("policy watcher error", "error", err)
		}
	}
}

func isYAML(name string) bool {
	ext := strings.ToLower(filepath.Ext(name))
	return ext == ".yaml" || ext == ".yml"
}

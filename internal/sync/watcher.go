package sync

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce coalesces bursts of filesystem events into one sync run.
const watchDebounce = 2 * time.Second

// Watcher triggers a callback when documents in the data directory change,
// debouncing event bursts. Used by `fit sync --watch` to push local edits to
// the relay without polling.
type Watcher struct {
	dir      string
	interval time.Duration
	logger   *slog.Logger
	onChange func(context.Context) error
}

// NewWatcher builds a watcher over the given data directory. interval is an
// additional periodic trigger (zero disables it) so remote changes are
// eventually pulled even when nothing changes locally.
func NewWatcher(dir string, interval time.Duration, logger *slog.Logger, onChange func(context.Context) error) *Watcher {
	return &Watcher{
		dir:      dir,
		interval: interval,
		logger:   logger,
		onChange: onChange,
	}
}

// Run watches until the context is cancelled. Callback errors are logged,
// not fatal: a failed sync should not stop the watch loop.
func (w *Watcher) Run(ctx context.Context) error {
	fsw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("sync: creating filesystem watcher: %w", err)
	}
	defer fsw.Close()

	if err := fsw.Add(w.dir); err != nil {
		return fmt.Errorf("sync: watching %s: %w", w.dir, err)
	}

	var debounce *time.Timer

	var debounceC <-chan time.Time

	var tickC <-chan time.Time

	if w.interval > 0 {
		ticker := time.NewTicker(w.interval)
		defer ticker.Stop()

		tickC = ticker.C
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case event, ok := <-fsw.Events:
			if !ok {
				return nil
			}

			if !event.Op.Has(fsnotify.Write) && !event.Op.Has(fsnotify.Create) && !event.Op.Has(fsnotify.Rename) {
				continue
			}

			// Restart the debounce window on every relevant event.
			if debounce == nil {
				debounce = time.NewTimer(watchDebounce)
				debounceC = debounce.C
			} else {
				if !debounce.Stop() {
					select {
					case <-debounce.C:
					default:
					}
				}

				debounce.Reset(watchDebounce)
			}

		case <-debounceC:
			debounce = nil
			debounceC = nil
			w.runOnce(ctx)

		case <-tickC:
			w.runOnce(ctx)

		case watchErr, ok := <-fsw.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("filesystem watcher error", slog.String("error", watchErr.Error()))
		}
	}
}

// runOnce invokes the callback, logging failures.
func (w *Watcher) runOnce(ctx context.Context) {
	err := w.onChange(ctx)
	if err == nil {
		return
	}

	if errors.Is(err, context.Canceled) {
		return
	}

	w.logger.Warn("sync run failed", slog.String("error", err.Error()))
}

package catalog

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch calls onChange whenever a document in src.Dir is written, created or
// removed. Bursts of events within debounce are coalesced into one call.
// Watch blocks until ctx is done.
func Watch(ctx context.Context, src *DirSource, debounce time.Duration, logger *slog.Logger, onChange func(context.Context)) error {
	if logger == nil {
		logger = slog.Default()
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	defer watcher.Close()

	if err := watcher.Add(src.Dir); err != nil {
		return fmt.Errorf("failed to watch %s: %w", src.Dir, err)
	}
	logger.Info("watching license directory", slog.String("dir", src.Dir))

	timer := time.NewTimer(debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !src.Matches(ev.Name) || ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Remove|fsnotify.Rename) == 0 {
				continue
			}
			logger.Debug("license directory changed",
				slog.String("file", ev.Name),
				slog.String("op", ev.Op.String()))
			timer.Reset(debounce)
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("license directory watch error", slog.String("error", err.Error()))
		case <-timer.C:
			onChange(ctx)
		}
	}
}

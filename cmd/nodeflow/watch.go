package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sort"
	"time"

	"github.com/fsnotify/fsnotify"
)

// watchDebounce batches the burst of events editors emit for one save.
const watchDebounce = 100 * time.Millisecond

// watchDir calls fn for each plugin source in dir that is created or
// written, once per debounce window. It blocks until ctx is done.
func watchDir(ctx context.Context, dir string, logger *slog.Logger, fn func(path string)) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watch plugins: %w", err)
	}
	defer watcher.Close()
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch plugins: %w", err)
	}
	logger.Info("watching plugins", slog.String("dir", dir))

	pending := make(map[string]struct{})
	timer := time.NewTimer(watchDebounce)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if !event.Has(fsnotify.Create) && !event.Has(fsnotify.Write) {
				continue
			}
			if _, ok := pluginKey(event.Name); !ok {
				continue
			}
			pending[event.Name] = struct{}{}
			timer.Reset(watchDebounce)

		case <-timer.C:
			paths := make([]string, 0, len(pending))
			for p := range pending {
				paths = append(paths, p)
			}
			clear(pending)
			sort.Strings(paths)
			for _, p := range paths {
				// Removed again before the window closed.
				if _, err := os.Stat(p); err != nil {
					continue
				}
				fn(p)
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("plugin watcher", slog.String("error", err.Error()))
		}
	}
}

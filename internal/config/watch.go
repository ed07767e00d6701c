package config

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

// Watch reloads the config file whenever it changes on disk and hands the
// freshly validated result to onChange. Invalid edits are logged and skipped.
// Watch blocks until ctx is cancelled.
func Watch(ctx context.Context, path string, log *slog.Logger, onChange func(Config)) error {
	if path == "" {
		return nil
	}
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create config watcher: %w", err)
	}
	defer watcher.Close()

	// Watch the directory: editors commonly replace the file instead of writing in place.
	abs, err := filepath.Abs(path)
	if err != nil {
		return fmt.Errorf("resolve config path: %w", err)
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return fmt.Errorf("watch config dir: %w", err)
	}

	const settle = 200 * time.Millisecond
	var pending <-chan time.Time
	for {
		select {
		case <-ctx.Done():
			return nil
		case evt, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(evt.Name) != abs {
				continue
			}
			if evt.Has(fsnotify.Write) || evt.Has(fsnotify.Create) || evt.Has(fsnotify.Rename) {
				pending = time.After(settle)
			}
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn("config watcher error", slog.String("error", err.Error()))
		case <-pending:
			pending = nil
			cfg, err := Load(path)
			if err != nil {
				log.Warn("ignoring invalid config change", slog.String("path", path), slog.String("error", err.Error()))
				continue
			}
			log.Info("config reloaded", slog.String("path", path))
			onChange(cfg)
		}
	}
}

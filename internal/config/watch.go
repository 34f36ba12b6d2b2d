package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const debounceInterval = 200 * time.Millisecond

// Watch reloads path whenever it changes and hands the validated result
// to apply. A file that fails to load or validate is logged and skipped,
// so the previous configuration stays active. Blocks until ctx is done.
//
// The parent directory is watched rather than the file itself because
// editors and config management tools typically replace the file, which
// would otherwise drop the watch.
func Watch(ctx context.Context, path string, logger zerolog.Logger, apply func(*Config) error) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	target := filepath.Clean(path)

	var timer *time.Timer
	reload := make(chan struct{}, 1)

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()

		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if !ev.Has(fsnotify.Write) && !ev.Has(fsnotify.Create) && !ev.Has(fsnotify.Rename) {
				continue
			}
			// debounce: editors fire several events per save
			if timer == nil {
				timer = time.AfterFunc(debounceInterval, func() {
					select {
					case reload <- struct{}{}:
					default:
					}
				})
			} else {
				timer.Reset(debounceInterval)
			}

		case <-reload:
			timer = nil
			cfg, err := Load(path)
			if err != nil {
				logger.Warn().Err(err).Str("path", path).Msg("config reload rejected, keeping previous")
				continue
			}
			if err := apply(cfg); err != nil {
				logger.Warn().Err(err).Msg("config apply failed, keeping previous")
				continue
			}
			logger.Info().Str("path", path).Msg("config reloaded")

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn().Err(err).Msg("config watcher error")
		}
	}
}

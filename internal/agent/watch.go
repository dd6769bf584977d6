package agent

import (
	"context"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"

	"tunfleet/internal/config"
)

const DefaultDebounce = 200 * time.Millisecond

// WatchConfig calls onChange with the re-read config each time the file at
// path is written or replaced, until ctx ends. Editors often write through a
// rename, so the parent directory is watched. Files that fail to load or
// validate are logged and skipped.
func WatchConfig(ctx context.Context, path string, debounce time.Duration, onChange func(config.Config), log zerolog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return err
	}
	defer watcher.Close()

	abs, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	if err := watcher.Add(filepath.Dir(abs)); err != nil {
		return err
	}

	reload := make(chan struct{}, 1)
	var timer *time.Timer
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(ev.Name) != abs {
				continue
			}
			if ev.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(debounce, func() {
				select {
				case reload <- struct{}{}:
				default:
				}
			})
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			log.Warn().Err(err).Msg("config watcher error")
		case <-reload:
			cfg, err := config.Load(abs)
			if err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("config reload skipped")
				continue
			}
			if err := config.Validate(cfg); err != nil {
				log.Warn().Err(err).Str("path", abs).Msg("config reload skipped")
				continue
			}
			onChange(cfg)
		}
	}
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

const reloadDebounce = 500 * time.Millisecond

// ReloadFunc receives every successfully rebuilt configuration
type ReloadFunc func(*Config)

// Watch reloads the configuration file whenever it changes on disk until
// ctx is cancelled. The parent directory is watched so that editors which
// replace the file atomically are handled. A file that fails to load keeps
// the previous configuration in place.
func Watch(ctx context.Context, path, environment string, log zerolog.Logger, onReload ReloadFunc) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("creating watcher: %w", err)
	}
	dir := filepath.Dir(path)
	if err := watcher.Add(dir); err != nil {
		watcher.Close()
		return fmt.Errorf("watching %s: %w", dir, err)
	}
	log = log.With().Str("component", "config-watcher").Str("path", path).Logger()

	go func() {
		defer watcher.Close()
		target := filepath.Clean(path)
		var pending <-chan time.Time
		for {
			select {
			case <-ctx.Done():
				return
			case event, ok := <-watcher.Events:
				if !ok {
					return
				}
				if filepath.Clean(event.Name) != target {
					continue
				}
				if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
					continue
				}
				pending = time.After(reloadDebounce)
			case err, ok := <-watcher.Errors:
				if !ok {
					return
				}
				log.Warn().Err(err).Msg("Config watcher error")
			case <-pending:
				pending = nil
				cfg, err := Load(path, environment)
				if err != nil {
					log.Error().Err(err).Msg("Config reload failed, keeping previous configuration")
					continue
				}
				if problems := cfg.Problems(); problems != nil {
					log.Warn().Err(problems).Msg("Config reloaded with refused rules")
				}
				log.Info().Msg("Config reloaded")
				onReload(cfg)
			}
		}
	}()
	return nil
}

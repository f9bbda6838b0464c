package main

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
)

const settingsDebounce = 250 * time.Millisecond

// watchSettings reloads the settings file when it is edited on disk and
// calls reconnect when the connection fields changed. The directory is
// watched rather than the file so editors that replace the file are seen.
func watchSettings(ctx context.Context, settings *SettingsFile, reconnect func(), logger *slog.Logger) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create settings watcher: %w", err)
	}
	defer watcher.Close()

	path := filepath.Clean(settings.Path())
	if err := watcher.Add(filepath.Dir(path)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(path), err)
	}
	logger.Debug("watching settings", "path", path)

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)
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
			if filepath.Clean(ev.Name) != path || !ev.Has(fsnotify.Write|fsnotify.Create) {
				continue
			}
			// Editors write in bursts; reload once things settle.
			if timer == nil {
				timer = time.NewTimer(settingsDebounce)
			} else {
				timer.Reset(settingsDebounce)
			}
			timerCh = timer.C

		case <-timerCh:
			timerCh = nil
			changed, err := settings.Reload()
			if err != nil {
				logger.Warn("settings reload failed", "path", path, "error", err)
				continue
			}
			if changed {
				logger.Info("connection settings changed on disk", "path", path)
				reconnect()
			}

		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			logger.Warn("settings watcher error", "error", err)
		}
	}
}

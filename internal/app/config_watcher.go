package app

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"webinteract/internal/domain"
	"webinteract/internal/infra/telemetry"
)

// ConfigWatcher reloads the config file after it changes on disk and hands
// each valid result to apply. Invalid edits are logged and skipped.
type ConfigWatcher struct {
	path     string
	loader   *ConfigLoader
	apply    func(Config)
	debounce time.Duration
	logger   *zap.Logger
}

func NewConfigWatcher(path string, loader *ConfigLoader, apply func(Config), logger *zap.Logger) *ConfigWatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &ConfigWatcher{
		path:     path,
		loader:   loader,
		apply:    apply,
		debounce: time.Duration(domain.DefaultReloadDebounceMillis) * time.Millisecond,
		logger:   logger.Named("config_watcher"),
	}
}

// Run blocks until ctx is done. The parent directory is watched so editors
// that replace the file by rename are still seen.
func (w *ConfigWatcher) Run(ctx context.Context) error {
	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("config watcher: %w", err)
	}
	defer watcher.Close()

	target := filepath.Clean(w.path)
	if err := watcher.Add(filepath.Dir(target)); err != nil {
		return fmt.Errorf("watch %s: %w", filepath.Dir(target), err)
	}

	var timer *time.Timer
	for {
		select {
		case <-ctx.Done():
			if timer != nil {
				timer.Stop()
			}
			return nil
		case err, ok := <-watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		case event, ok := <-watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != target || event.Op == fsnotify.Chmod {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(w.debounce)
				continue
			}
			if !timer.Stop() {
				select {
				case <-timer.C:
				default:
				}
			}
			timer.Reset(w.debounce)
		case <-timerChan(timer):
			timer = nil
			w.reload(ctx)
		}
	}
}

func (w *ConfigWatcher) reload(ctx context.Context) {
	cfg, err := w.loader.Load(ctx, w.path)
	if err != nil {
		w.logger.Warn("config reload rejected", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.apply(cfg)
	w.logger.Info("config reloaded", telemetry.EventField(telemetry.EventConfigReload), zap.String("path", w.path))
}

func timerChan(timer *time.Timer) <-chan time.Time {
	if timer == nil {
		return nil
	}
	return timer.C
}

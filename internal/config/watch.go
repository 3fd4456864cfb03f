package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/agentworkforce/ordersync/internal/logging"
)

const defaultDebounce = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk. Only the log
// level, poll interval and event reasons are meant to be applied live.
type Watcher struct {
	path     string
	onChange func(*Config)
	logger   *zap.Logger
	debounce time.Duration
}

func NewWatcher(path string, onChange func(*Config), logger *zap.Logger) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("no config file to watch")
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	return &Watcher{
		path:     abs,
		onChange: onChange,
		logger:   logging.OrNop(logger).Named("config"),
		debounce: defaultDebounce,
	}, nil
}

// Run watches until ctx is done. The parent directory is watched so editors
// that replace the file by rename are still seen.
func (w *Watcher) Run(ctx context.Context) error {
	fsWatcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create file watcher: %w", err)
	}
	defer fsWatcher.Close()
	if err := fsWatcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch %s: %w", w.path, err)
	}
	w.logger.Info("watching config file", zap.String("path", w.path))

	var (
		mu    sync.Mutex
		timer *time.Timer
	)
	defer func() {
		mu.Lock()
		if timer != nil {
			timer.Stop()
		}
		mu.Unlock()
	}()

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-fsWatcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
			mu.Unlock()
		case err, ok := <-fsWatcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Error("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous settings", zap.String("path", w.path), zap.Error(err))
		return
	}
	w.logger.Info("config reloaded",
		zap.String("log_level", cfg.Log.Level),
		zap.Duration("poll_interval", cfg.Poll.Interval),
		zap.Strings("event_reasons", cfg.Poll.EventReasons),
	)
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

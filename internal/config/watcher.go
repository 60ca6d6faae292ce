package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// debounce coalesces the write-then-rename event bursts editors and atomic
// writers produce into one reload.
const debounce = 200 * time.Millisecond

// Watcher re-reads the config file when it changes and hands the fresh
// feature-flag map to the callback.
type Watcher struct {
	path    string
	logger  *zap.Logger
	onFlags func(flags map[string]bool)
}

// NewWatcher creates a watcher for path. onFlags is called with the new
// flag map after every successful reload.
func NewWatcher(path string, logger *zap.Logger, onFlags func(flags map[string]bool)) *Watcher {
	return &Watcher{path: path, logger: logger.Named("config"), onFlags: onFlags}
}

// Run watches until the context is canceled. The parent directory is
// watched, not the file: atomic writes replace the inode and a file watch
// would go quiet after the first rename.
func (w *Watcher) Run(ctx context.Context) error {
	notifier, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("create fs watcher: %w", err)
	}

	defer func() { _ = notifier.Close() }()

	dir := filepath.Dir(w.path)

	err = notifier.Add(dir)
	if err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}

	w.logger.Info("watching config", zap.String("path", w.path))

	var (
		timer   *time.Timer
		timerCh <-chan time.Time
	)

	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-notifier.Events:
			if !ok {
				return nil
			}

			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}

			if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
				continue
			}

			if timer == nil {
				timer = time.NewTimer(debounce)
				timerCh = timer.C
			} else {
				timer.Reset(debounce)
			}
		case <-timerCh:
			timer = nil
			timerCh = nil

			w.reload()
		case watchErr, ok := <-notifier.Errors:
			if !ok {
				return nil
			}

			w.logger.Warn("config watch error", zap.Error(watchErr))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error("config reload failed, keeping previous flags", zap.Error(err))

		return
	}

	w.logger.Info("feature flags reloaded", zap.Int("flags", len(cfg.FeatureFlags)))
	w.onFlags(cfg.FeatureFlags)
}

package config

import (
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// Watcher reloads the configuration file on change and hands every valid
// result to apply. Invalid files are logged and ignored.
type Watcher struct {
	log      *zap.Logger
	path     string
	debounce time.Duration
	apply    func(*Config)
}

func NewWatcher(log *zap.Logger, path string, debounce time.Duration, apply func(*Config)) *Watcher {
	if debounce <= 0 {
		debounce = 750 * time.Millisecond
	}
	if abs, err := filepath.Abs(path); err == nil {
		path = abs
	}
	return &Watcher{
		log:      log.Named("config_watch"),
		path:     path,
		debounce: debounce,
		apply:    apply,
	}
}

// Run watches the file's directory until ctx is done. Editors replace files
// by rename, so the directory is watched rather than the file.
func (w *Watcher) Run(ctx context.Context) error {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("watcher init: %w", err)
	}
	defer fw.Close()

	dir := filepath.Dir(w.path)
	if err := fw.Add(dir); err != nil {
		return fmt.Errorf("watch %s: %w", dir, err)
	}
	w.log.Info("watching", zap.String("path", w.path))

	var t *time.Timer
	defer func() {
		if t != nil {
			t.Stop()
		}
	}()
	reset := func() {
		if t != nil {
			t.Stop()
		}
		t = time.AfterFunc(w.debounce, w.reload)
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case ev, ok := <-fw.Events:
			if !ok {
				return nil
			}
			if ev.Name != w.path {
				continue
			}
			if ev.Has(fsnotify.Write) || ev.Has(fsnotify.Create) || ev.Has(fsnotify.Rename) {
				reset()
			}
		case err, ok := <-fw.Errors:
			if !ok {
				return nil
			}
			w.log.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.log.Warn("reload failed", zap.Error(err))
		return
	}
	w.log.Info("config reloaded", zap.Int("tiers", len(cfg.Tiers)))
	w.apply(cfg)
}

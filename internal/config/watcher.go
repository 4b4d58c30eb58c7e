package config

import (
	"context"
	"log/slog"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/marzan3698/omni-sub004/internal/logging"
)

var configLog = logging.ForComponent(logging.CompConfig)

const watchDebounce = 200 * time.Millisecond

// Watcher reloads config.toml when it changes on disk and hands the new
// config to onChange. Parse errors are logged and the previous config stays
// in effect.
type Watcher struct {
	path     string
	watcher  *fsnotify.Watcher
	onChange func(*Config)

	ctx    context.Context
	cancel context.CancelFunc

	mu    sync.Mutex
	timer *time.Timer
}

// NewWatcher watches the directory holding path. The directory is watched
// rather than the file so editors that replace the file by rename are seen.
func NewWatcher(path string, onChange func(*Config)) (*Watcher, error) {
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, err
	}
	if err := fw.Add(filepath.Dir(path)); err != nil {
		_ = fw.Close()
		return nil, err
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Watcher{
		path:     path,
		watcher:  fw,
		onChange: onChange,
		ctx:      ctx,
		cancel:   cancel,
	}, nil
}

// Run processes file events until Stop is called. Must be called in a goroutine.
func (w *Watcher) Run() {
	for {
		select {
		case <-w.ctx.Done():
			return
		case event, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(event.Name) != filepath.Clean(w.path) {
				continue
			}
			if event.Op&(fsnotify.Create|fsnotify.Write|fsnotify.Rename) == 0 {
				continue
			}
			w.schedule()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			configLog.Warn("config_watch_error", slog.String("error", err.Error()))
		}
	}
}

func (w *Watcher) schedule() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.timer = time.AfterFunc(watchDebounce, w.reload)
}

func (w *Watcher) reload() {
	if w.ctx.Err() != nil {
		return
	}
	cfg, err := LoadFile(w.path)
	if err != nil {
		configLog.Error("config_reload_failed", slog.String("path", w.path), slog.String("error", err.Error()))
		return
	}
	ClearCache()
	configLog.Info("config_reloaded", slog.String("path", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Stop shuts down the watcher.
func (w *Watcher) Stop() {
	w.cancel()
	w.mu.Lock()
	if w.timer != nil {
		w.timer.Stop()
	}
	w.mu.Unlock()
	_ = w.watcher.Close()
}

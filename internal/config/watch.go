package config

import (
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

const debounceInterval = 500 * time.Millisecond

// Watcher reloads the config file when it changes on disk and hands the
// fresh Config to a callback. Editors often replace files rather than
// rewrite them in place, so the watch is on the containing directory.
type Watcher struct {
	path      string
	fsWatcher *fsnotify.Watcher
	onChange  func(*Config)
	logger    *zap.Logger

	mu     sync.Mutex
	timer  *time.Timer
	cancel chan struct{}
}

// NewWatcher starts watching the given config file. onChange runs after
// each successful reload, debounced so rapid write bursts collapse into
// one reload.
func NewWatcher(path string, logger *zap.Logger, onChange func(*Config)) (*Watcher, error) {
	if path == "" {
		return nil, fmt.Errorf("no config file to watch")
	}

	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve config path: %w", err)
	}

	fsW, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("create watcher: %w", err)
	}
	if err := fsW.Add(filepath.Dir(abs)); err != nil {
		fsW.Close()
		return nil, fmt.Errorf("watch config directory: %w", err)
	}

	w := &Watcher{
		path:      abs,
		fsWatcher: fsW,
		onChange:  onChange,
		logger:    logger,
		cancel:    make(chan struct{}),
	}

	go w.watchLoop()
	return w, nil
}

// watchLoop processes fsnotify events with debouncing.
func (w *Watcher) watchLoop() {
	for {
		select {
		case <-w.cancel:
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.mu.Unlock()
			return

		case event, ok := <-w.fsWatcher.Events:
			if !ok {
				return
			}
			if !w.isConfigEvent(event) {
				continue
			}

			// Debounce: reset timer on each event.
			w.mu.Lock()
			if w.timer != nil {
				w.timer.Stop()
			}
			w.timer = time.AfterFunc(debounceInterval, w.reload)
			w.mu.Unlock()

		case err, ok := <-w.fsWatcher.Errors:
			if !ok {
				return
			}
			w.logger.Warn("config watcher error", zap.Error(err))
		}
	}
}

func (w *Watcher) isConfigEvent(event fsnotify.Event) bool {
	if !event.Has(fsnotify.Write) && !event.Has(fsnotify.Create) && !event.Has(fsnotify.Rename) {
		return false
	}
	name, err := filepath.Abs(event.Name)
	if err != nil {
		return false
	}
	return name == w.path
}

// reload re-reads the file and notifies the callback. A file that fails
// to parse keeps the previous configuration in effect.
func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Warn("config reload failed, keeping previous settings",
			zap.String("file", w.path), zap.Error(err))
		return
	}

	w.logger.Info("config reloaded", zap.String("file", w.path))
	if w.onChange != nil {
		w.onChange(cfg)
	}
}

// Close stops the watcher.
func (w *Watcher) Close() {
	close(w.cancel)
	w.fsWatcher.Close()
}

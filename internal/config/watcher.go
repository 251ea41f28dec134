package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ChangeHandler is called with the previous and the new snapshot after a reload.
type ChangeHandler func(old, new *Config)

// Watcher reloads the configuration file when it changes and publishes each
// valid result as a new immutable snapshot. An invalid edit keeps the previous
// snapshot in place.
type Watcher struct {
	path     string
	current  atomic.Pointer[Config]
	handlers []ChangeHandler
	watcher  *fsnotify.Watcher
	debounce time.Duration
	logger   *zap.Logger

	mu      sync.Mutex
	started bool
	stopCh  chan struct{}
	doneCh  chan struct{}
}

// NewWatcher creates a watcher seeded with initial. initial.Path must name an
// existing file for changes to be observed.
func NewWatcher(initial *Config, logger *zap.Logger) (*Watcher, error) {
	if initial == nil {
		return nil, fmt.Errorf("initial config cannot be nil")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create file watcher: %w", err)
	}
	w := &Watcher{
		path:     initial.Path,
		watcher:  fw,
		debounce: 50 * time.Millisecond,
		logger:   logger.With(zap.String("component", "config_watcher")),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	w.current.Store(initial)
	return w, nil
}

// Current returns the latest valid snapshot.
func (w *Watcher) Current() *Config {
	return w.current.Load()
}

// OnChange registers a handler. Handlers must be registered before Start.
func (w *Watcher) OnChange(h ChangeHandler) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.handlers = append(w.handlers, h)
}

// Start begins watching. The parent directory is watched so editors that
// replace the file by rename are handled.
func (w *Watcher) Start(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.started {
		return nil
	}
	if w.path == "" {
		return fmt.Errorf("no config file to watch")
	}
	if err := w.watcher.Add(filepath.Dir(w.path)); err != nil {
		return fmt.Errorf("failed to watch config directory: %w", err)
	}
	w.started = true
	go w.loop(ctx)

	w.logger.Info("Configuration watcher started", zap.String("path", w.path))
	return nil
}

// Stop ends watching and waits for the loop to exit.
func (w *Watcher) Stop() error {
	w.mu.Lock()
	if !w.started {
		w.mu.Unlock()
		return w.watcher.Close()
	}
	w.started = false
	close(w.stopCh)
	w.mu.Unlock()

	<-w.doneCh
	if err := w.watcher.Close(); err != nil {
		w.logger.Error("Error closing file watcher", zap.Error(err))
		return err
	}
	w.logger.Info("Configuration watcher stopped")
	return nil
}

func (w *Watcher) loop(ctx context.Context) {
	defer close(w.doneCh)
	defer func() {
		if r := recover(); r != nil {
			w.logger.Error("Watch loop panicked", zap.Any("panic", r))
		}
	}()

	target := filepath.Clean(w.path)
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case ev, ok := <-w.watcher.Events:
			if !ok {
				return
			}
			if filepath.Clean(ev.Name) != target {
				continue
			}
			if ev.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			// Coalesce bursts of writes from a single save.
			time.Sleep(w.debounce)
			w.Reload()
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return
			}
			w.logger.Error("File watcher error", zap.Error(err))
		}
	}
}

// Reload reads the file again and publishes the result when it is valid.
func (w *Watcher) Reload() bool {
	next, err := Load(w.path)
	if err != nil {
		w.logger.Error("Configuration reload rejected, keeping previous snapshot",
			zap.String("path", w.path),
			zap.Error(err))
		return false
	}
	old := w.current.Swap(next)
	w.logger.Info("Configuration reloaded",
		zap.String("path", w.path),
		zap.Int("max_retry", next.Diagnosis.MaxRetry),
		zap.Bool("self_reflection", next.Diagnosis.SelfReflection))

	w.mu.Lock()
	handlers := append([]ChangeHandler(nil), w.handlers...)
	w.mu.Unlock()
	for _, h := range handlers {
		h(old, next)
	}
	return true
}

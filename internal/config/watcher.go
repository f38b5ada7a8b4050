package config

import (
	"context"
	"fmt"
	"path/filepath"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// DefaultDebounce coalesces the burst of events editors emit on save.
const DefaultDebounce = 200 * time.Millisecond

// Watcher reloads a config file whenever it changes on disk. Invalid
// versions are reported to onError and the previous config stays in effect.
type Watcher struct {
	watcher  *fsnotify.Watcher
	path     string
	debounce time.Duration
	onChange func(*Config)
	onError  func(error)
	logger   zerolog.Logger
}

// NewWatcher watches the directory holding path, which keeps working across
// editors that save by rename.
func NewWatcher(path string, debounce time.Duration, logger zerolog.Logger, onChange func(*Config), onError func(error)) (*Watcher, error) {
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, err
	}
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := w.Add(filepath.Dir(abs)); err != nil {
		w.Close()
		return nil, fmt.Errorf("failed to watch directory %s: %w", filepath.Dir(abs), err)
	}
	if debounce <= 0 {
		debounce = DefaultDebounce
	}
	if onError == nil {
		onError = func(error) {}
	}
	return &Watcher{
		watcher:  w,
		path:     abs,
		debounce: debounce,
		onChange: onChange,
		onError:  onError,
		logger:   logger.With().Str("component", "config-watcher").Logger(),
	}, nil
}

// Start blocks until ctx is done or the watcher is closed.
func (w *Watcher) Start(ctx context.Context) error {
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
			return ctx.Err()
		case event, ok := <-w.watcher.Events:
			if !ok {
				return fmt.Errorf("watcher channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			mu.Lock()
			if timer != nil {
				timer.Stop()
			}
			timer = time.AfterFunc(w.debounce, w.reload)
			mu.Unlock()

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return fmt.Errorf("watcher error channel closed")
			}
			if err != nil {
				w.logger.Warn().Err(err).Msg("watcher error")
			}
		}
	}
}

func (w *Watcher) relevant(event fsnotify.Event) bool {
	name, err := filepath.Abs(event.Name)
	if err != nil || name != w.path {
		return false
	}
	return event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) != 0
}

func (w *Watcher) reload() {
	cfg, err := Load(w.path)
	if err != nil {
		w.logger.Error().Err(err).Str("path", w.path).Msg("config reload failed, keeping previous config")
		w.onError(err)
		return
	}
	w.logger.Info().Str("path", w.path).Msg("config reloaded")
	w.onChange(cfg)
}

// Close stops the watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

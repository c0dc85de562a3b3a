package catalog

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"
)

// ErrWatcherFailed indicates the filesystem watcher could not be created.
var ErrWatcherFailed = errors.New("failed to initialize catalog watcher")

// DefaultDebounce coalesces bursts of editor writes into one reload.
const DefaultDebounce = 250 * time.Millisecond

// Watcher reloads a catalog file into a Store when it changes on disk.
// A file that fails to parse or validate is logged and the previous
// snapshot stays active.
type Watcher struct {
	path     string
	store    *Store
	logger   *zap.Logger
	debounce time.Duration
	onReload func(*Catalog)
	onError  func(error)
	watcher  *fsnotify.Watcher
}

// WatcherOption configures a Watcher.
type WatcherOption func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) WatcherOption {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithReloadHook is called after every successful swap.
func WithReloadHook(fn func(*Catalog)) WatcherOption {
	return func(w *Watcher) { w.onReload = fn }
}

// WithErrorHook is called when a changed file is rejected.
func WithErrorHook(fn func(error)) WatcherOption {
	return func(w *Watcher) { w.onError = fn }
}

// NewWatcher creates a watcher for path. The containing directory is
// watched so atomic rename-into-place saves are observed.
func NewWatcher(path string, store *Store, logger *zap.Logger, opts ...WatcherOption) (*Watcher, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	abs, err := filepath.Abs(path)
	if err != nil {
		return nil, fmt.Errorf("resolve catalog path: %w", err)
	}

	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	if err := fw.Add(filepath.Dir(abs)); err != nil {
		_ = fw.Close()
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}

	w := &Watcher{
		path:     abs,
		store:    store,
		logger:   logger.With(zap.String("catalog.path", abs)),
		debounce: DefaultDebounce,
		watcher:  fw,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Run processes filesystem events until ctx is cancelled.
func (w *Watcher) Run(ctx context.Context) error {
	defer func() { _ = w.watcher.Close() }()

	timer := time.NewTimer(time.Hour)
	timer.Stop()
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			if filepath.Clean(event.Name) != w.path {
				continue
			}
			if event.Op&(fsnotify.Write|fsnotify.Create|fsnotify.Rename) == 0 {
				continue
			}
			timer.Reset(w.debounce)

		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("catalog watcher error", zap.Error(err))

		case <-timer.C:
			w.Reload()
		}
	}
}

// Reload loads the file and swaps it in when valid.
func (w *Watcher) Reload() {
	c, err := LoadFile(w.path)
	if err != nil {
		w.logger.Error("catalog reload rejected, keeping previous snapshot", zap.Error(err))
		if w.onError != nil {
			w.onError(err)
		}
		return
	}

	old := w.store.Swap(c)
	fields := []zap.Field{
		zap.String("catalog.version", c.Version),
		zap.Int("rules", len(c.Rules)),
		zap.Int("packages", len(c.Packages)),
		zap.Uint64("generation", w.store.Generation()),
	}
	if old != nil {
		fields = append(fields, zap.String("catalog.previous_version", old.Version))
	}
	w.logger.Info("catalog reloaded", fields...)

	if w.onReload != nil {
		w.onReload(c)
	}
}

// Package watch re-classifies artifacts when files in a workspace change, so
// a stale approved artifact is reported as soon as it is edited rather than
// at the next transition attempt.
package watch

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"go.uber.org/zap"

	"github.com/kingrea/ratchet/internal/integrity"
)

// DefaultDebounce is how long the watcher waits for a burst of writes to settle.
const DefaultDebounce = 250 * time.Millisecond

// ErrWatcherFailed indicates the filesystem watcher failed to initialize.
var ErrWatcherFailed = errors.New("failed to initialize filesystem watcher")

// Refresher re-scans one work item's workspace.
type Refresher interface {
	Refresh(ctx context.Context, id string) (integrity.Registry, error)
}

// Handler receives the registry produced by a refresh.
type Handler func(id string, reg integrity.Registry)

// Watcher maps filesystem events back to work items and refreshes them.
type Watcher struct {
	refresher Refresher
	watcher   *fsnotify.Watcher
	debounce  time.Duration
	handler   Handler
	logger    *zap.Logger

	mu    sync.Mutex
	roots map[string]string
}

// Option customizes the watcher.
type Option func(*Watcher)

// WithDebounce overrides DefaultDebounce.
func WithDebounce(d time.Duration) Option {
	return func(w *Watcher) {
		if d > 0 {
			w.debounce = d
		}
	}
}

// WithHandler is called after every refresh.
func WithHandler(h Handler) Option {
	return func(w *Watcher) {
		w.handler = h
	}
}

// WithLogger attaches a logger.
func WithLogger(logger *zap.Logger) Option {
	return func(w *Watcher) {
		if logger != nil {
			w.logger = logger
		}
	}
}

// New creates a watcher. Call Add for each workspace, then Run.
func New(refresher Refresher, opts ...Option) (*Watcher, error) {
	if refresher == nil {
		return nil, fmt.Errorf("watch: refresher is required")
	}
	fw, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrWatcherFailed, err)
	}
	w := &Watcher{
		refresher: refresher,
		watcher:   fw,
		debounce:  DefaultDebounce,
		logger:    zap.NewNop(),
		roots:     map[string]string{},
	}
	for _, opt := range opts {
		opt(w)
	}
	return w, nil
}

// Add watches a work item's workspace and every directory below it.
func (w *Watcher) Add(id, root string) error {
	abs, err := filepath.Abs(root)
	if err != nil {
		return err
	}
	w.mu.Lock()
	w.roots[abs] = id
	w.mu.Unlock()
	return w.addTree(abs)
}

// Close releases the underlying watcher.
func (w *Watcher) Close() error {
	return w.watcher.Close()
}

// Run dispatches events until ctx is done. Bursts of changes to one work item
// produce a single refresh.
func (w *Watcher) Run(ctx context.Context) error {
	pending := map[string]struct{}{}
	timer := time.NewTimer(w.debounce)
	if !timer.Stop() {
		<-timer.C
	}
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case event, ok := <-w.watcher.Events:
			if !ok {
				return nil
			}
			id, ok := w.owner(event.Name)
			if !ok {
				continue
			}
			if event.Op&fsnotify.Create == fsnotify.Create {
				if info, err := os.Stat(event.Name); err == nil && info.IsDir() {
					if err := w.addTree(event.Name); err != nil {
						w.logger.Warn("watch new directory", zap.String("path", event.Name), zap.Error(err))
					}
				}
			}
			pending[id] = struct{}{}
			timer.Reset(w.debounce)
		case <-timer.C:
			for id := range pending {
				w.refresh(ctx, id)
			}
			clear(pending)
		case err, ok := <-w.watcher.Errors:
			if !ok {
				return nil
			}
			w.logger.Warn("watch error", zap.Error(err))
		}
	}
}

func (w *Watcher) refresh(ctx context.Context, id string) {
	reg, err := w.refresher.Refresh(ctx, id)
	if err != nil {
		w.logger.Warn("refresh after change failed", zap.String("work_item", id), zap.Error(err))
		return
	}
	for _, art := range reg.Stale() {
		w.logger.Warn("approved artifact changed",
			zap.String("work_item", id),
			zap.String("path", art.Path),
			zap.String("approved_at", art.LockStage),
		)
	}
	if w.handler != nil {
		w.handler(id, reg)
	}
}

// owner finds the work item whose workspace contains path.
func (w *Watcher) owner(path string) (string, bool) {
	w.mu.Lock()
	defer w.mu.Unlock()
	best, id := "", ""
	for root, candidate := range w.roots {
		if path != root && !strings.HasPrefix(path, root+string(filepath.Separator)) {
			continue
		}
		if len(root) > len(best) {
			best, id = root, candidate
		}
	}
	return id, best != ""
}

func (w *Watcher) addTree(root string) error {
	return filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if !d.IsDir() {
			return nil
		}
		if path != root && strings.HasPrefix(d.Name(), ".") {
			return filepath.SkipDir
		}
		return w.watcher.Add(path)
	})
}

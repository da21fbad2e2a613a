package fs

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"runtime/debug"
	"strings"
	"time"

	"github.com/aretw0/lifecycle"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/fsnotify/fsnotify"

	"github.com/aretw0/tagmesh/pkg/core"
)

const debounceInterval = 50 * time.Millisecond

// Watch signals after every revision stored by this handle and, while an
// fsnotify worker runs, after files edited by other processes have been
// reconciled. Signals stop when ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, core.ErrClosed
	}
	ch := make(chan struct{}, 1)
	s.watchers[ch] = struct{}{}
	s.mu.Unlock()

	w := newWatchWorker(s)
	if err := w.Start(ctx); err != nil {
		s.config.Logger.Warn("filesystem watch unavailable, only local writes will signal", "store", s.name, "error", err)
	} else {
		s.mu.Lock()
		s.workers = append(s.workers, w)
		s.mu.Unlock()
	}

	lifecycle.Go(ctx, func(ctx context.Context) error {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
		return nil
	})
	return ch, nil
}

type watchWorker struct {
	*worker.BaseWorker
	store   *Store
	watcher *fsnotify.Watcher
	cancel  context.CancelFunc
}

func newWatchWorker(store *Store) *watchWorker {
	return &watchWorker{
		BaseWorker: worker.NewBaseWorker("fs-watcher"),
		store:      store,
	}
}

func (w *watchWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("watcher already started (status: %s)", status)
	}

	watcher, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	if err := watcher.Add(w.store.Path); err != nil {
		_ = watcher.Close()
		return fmt.Errorf("failed to watch %s: %w", w.store.Path, err)
	}

	w.watcher = watcher
	w.store.setWatcherActive(true)

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *watchWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}

	return w.BaseWorker.Stop(ctx)
}

func (w *watchWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

// relevant reports whether event touches a document file of this store.
func (w *watchWorker) relevant(event fsnotify.Event) bool {
	name := filepath.Base(event.Name)
	if isTempFile(name) || strings.HasPrefix(name, ".") {
		return false
	}
	if !strings.HasSuffix(name, w.store.serializer.Ext()) {
		return false
	}
	return event.Has(fsnotify.Write) || event.Has(fsnotify.Create) || event.Has(fsnotify.Rename) || event.Has(fsnotify.Remove)
}

func (w *watchWorker) reconcile(ctx context.Context) {
	changed, err := w.store.Reconcile(ctx)
	if err != nil {
		if ctx.Err() != nil || errors.Is(err, core.ErrClosed) {
			return
		}
		w.store.config.Logger.Error("reconcile failed", "store", w.store.name, "error", err)
		if w.store.config.ErrorHandler != nil {
			w.store.config.ErrorHandler(err)
		}
		return
	}
	if len(changed) > 0 {
		w.store.config.Logger.Debug("external edits reconciled", "store", w.store.name, "ids", changed)
	}
}

func (w *watchWorker) run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("watcher panic: %v", recovered)
			logger := w.store.config.Logger
			if logger.Enabled(ctx, slog.LevelDebug) {
				logger.Error("watcher panic", "error", err, "stack", string(debug.Stack()))
			} else {
				logger.Error("watcher panic", "error", err)
			}
		}
	}()
	defer w.store.setWatcherActive(false)
	defer w.watcher.Close()

	var timer *time.Timer
	var fire <-chan time.Time
	defer func() {
		if timer != nil {
			timer.Stop()
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return nil

		case event, ok := <-w.watcher.Events:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher events channel closed")
			}
			if !w.relevant(event) {
				continue
			}
			if timer == nil {
				timer = time.NewTimer(debounceInterval)
			} else {
				timer.Reset(debounceInterval)
			}
			fire = timer.C

		case <-fire:
			fire = nil
			w.reconcile(ctx)

		case wErr, ok := <-w.watcher.Errors:
			if !ok {
				if w.StopRequested || ctx.Err() != nil {
					return nil
				}
				return fmt.Errorf("watcher errors channel closed")
			}
			w.store.config.Logger.Error("fsnotify error", "error", wErr)
			if w.store.config.ErrorHandler != nil {
				w.store.config.ErrorHandler(wErr)
			}
		}
	}
}

package replication

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime/debug"
	"sync"
	"time"

	"github.com/aretw0/lifecycle/pkg/core/supervisor"
	"github.com/aretw0/lifecycle/pkg/core/worker"
	"github.com/google/uuid"

	"github.com/aretw0/tagmesh/pkg/core"
)

// EventType classifies what a running sync reports.
type EventType string

const (
	EventChange   EventType = "change"
	EventError    EventType = "error"
	EventPaused   EventType = "paused"
	EventComplete EventType = "complete"
)

// Event is emitted on Handle.Events.
type Event struct {
	Type      EventType
	Direction Direction
	Result    Result
	Err       error
}

func (e Event) String() string {
	switch e.Type {
	case EventChange:
		return fmt.Sprintf("sync %s: %s wrote %d", e.Type, e.Direction, e.Result.DocsWritten)
	case EventError:
		return fmt.Sprintf("sync %s: %s: %v", e.Type, e.Direction, e.Err)
	default:
		return fmt.Sprintf("sync %s", e.Type)
	}
}

// Backoff bounds restarts of a failing live sync.
type Backoff struct {
	InitialInterval time.Duration
	MaxInterval     time.Duration
	MaxRestarts     int
	MaxDuration     time.Duration
}

// DefaultBackoff retries from one second up to a minute apart.
func DefaultBackoff() Backoff {
	return Backoff{
		InitialInterval: time.Second,
		MaxInterval:     time.Minute,
		MaxRestarts:     10,
		MaxDuration:     10 * time.Minute,
	}
}

// SyncOptions configures Sync.
type SyncOptions struct {
	// Live keeps the sync running until cancelled. Without it Sync performs
	// a single pull and push and then completes.
	Live bool
	// Retry restarts a failed live sync with Backoff.
	Retry    bool
	Backoff  Backoff
	Interval time.Duration
	Logger   *slog.Logger
	Metrics  *Metrics
}

const (
	defaultInterval = 5 * time.Second
	eventBuffer     = 64
)

// Handle controls a running sync.
type Handle struct {
	id     string
	local  core.Store
	remote core.Store
	opts   SyncOptions
	logger *slog.Logger

	events chan Event
	cancel context.CancelFunc
	sup    interface{ Stop(context.Context) error }
	done   chan struct{}

	mu     sync.RWMutex
	closed bool
	once   sync.Once
	err    error
}

// Sync replicates remote into local and local into remote. The returned
// Handle must be cancelled to release its goroutines.
func Sync(ctx context.Context, local, remote core.Store, opts SyncOptions) (*Handle, error) {
	if opts.Interval <= 0 {
		opts.Interval = defaultInterval
	}
	if opts.Backoff == (Backoff{}) {
		opts.Backoff = DefaultBackoff()
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	h := &Handle{
		id:     uuid.NewString(),
		local:  local,
		remote: remote,
		opts:   opts,
		events: make(chan Event, eventBuffer),
		cancel: cancel,
		done:   make(chan struct{}),
	}
	h.logger = logger.With("sync", h.id, "local", local.Name(), "remote", remote.Name())

	if !opts.Live || !opts.Retry {
		loop := h.single
		if opts.Live {
			loop = h.loop
			opts.Metrics.syncStarted()
		}
		go func() {
			defer close(h.done)
			if err := loop(runCtx); err != nil {
				h.logger.Warn("sync stopped", "error", err)
			}
			h.finish()
		}()
		return h, nil
	}

	spec := supervisor.Spec{
		Name: "sync-" + h.id,
		Type: string(worker.TypeGoroutine),
		Factory: func() (worker.Worker, error) {
			return newSyncWorker(h), nil
		},
		Backoff: supervisor.Backoff{
			InitialInterval: opts.Backoff.InitialInterval,
			MaxInterval:     opts.Backoff.MaxInterval,
			Multiplier:      2,
			ResetDuration:   opts.Backoff.MaxInterval,
			MaxRestarts:     opts.Backoff.MaxRestarts,
			MaxDuration:     opts.Backoff.MaxDuration,
		},
		RestartPolicy: supervisor.RestartOnFailure,
	}

	sup := supervisor.New("tagmesh-sync", supervisor.StrategyOneForOne, spec)
	if err := sup.Start(runCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start sync: %w", err)
	}
	h.sup = sup
	close(h.done)
	opts.Metrics.syncStarted()
	h.logger.Info("live sync started")
	return h, nil
}

// ID identifies the sync session in logs.
func (h *Handle) ID() string { return h.id }

// Events delivers sync progress. The channel closes after EventComplete.
func (h *Handle) Events() <-chan Event { return h.events }

// Err returns the last error the sync reported, if any.
func (h *Handle) Err() error {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.err
}

// Cancel stops the sync and waits for it to wind down.
func (h *Handle) Cancel(ctx context.Context) error {
	var stopErr error
	h.once.Do(func() {
		h.cancel()
		if h.sup != nil {
			stopErr = h.sup.Stop(ctx)
		}
		select {
		case <-h.done:
		case <-ctx.Done():
			stopErr = errors.Join(stopErr, ctx.Err())
		}
		if h.opts.Live {
			h.opts.Metrics.syncStopped()
			h.logger.Info("live sync stopped")
		}
		h.finish()
	})
	return stopErr
}

// finish emits EventComplete and closes the events channel once.
func (h *Handle) finish() {
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.closed {
		return
	}
	h.closed = true
	select {
	case h.events <- Event{Type: EventComplete}:
	default:
	}
	close(h.events)
}

func (h *Handle) emit(ctx context.Context, ev Event) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if h.closed {
		return
	}
	select {
	case h.events <- ev:
	case <-ctx.Done():
	}
}

func (h *Handle) fail(ctx context.Context, dir Direction, err error) error {
	h.mu.Lock()
	h.err = err
	h.mu.Unlock()
	h.emit(ctx, Event{Type: EventError, Direction: dir, Err: err})
	return err
}

// single runs one cycle for a non-live sync.
func (h *Handle) single(ctx context.Context) error {
	_, err := h.cycle(ctx)
	return err
}

// cycle runs one pull followed by one push and reports how many documents
// it wrote.
func (h *Handle) cycle(ctx context.Context) (int, error) {
	pull, err := Replicate(ctx, h.remote, h.local, Options{Logger: h.logger, Metrics: h.opts.Metrics, Direction: Pull})
	if err != nil {
		if ctx.Err() != nil {
			return 0, nil
		}
		return 0, h.fail(ctx, Pull, err)
	}
	if pull.DocsWritten > 0 {
		h.emit(ctx, Event{Type: EventChange, Direction: Pull, Result: pull})
	}

	push, err := Replicate(ctx, h.local, h.remote, Options{Logger: h.logger, Metrics: h.opts.Metrics, Direction: Push})
	if err != nil {
		if ctx.Err() != nil {
			return pull.DocsWritten, nil
		}
		return pull.DocsWritten, h.fail(ctx, Push, err)
	}
	if push.DocsWritten > 0 {
		h.emit(ctx, Event{Type: EventChange, Direction: Push, Result: push})
	}
	return pull.DocsWritten + push.DocsWritten, nil
}

type syncWorker struct {
	*worker.BaseWorker
	h      *Handle
	cancel context.CancelFunc
}

func newSyncWorker(h *Handle) *syncWorker {
	return &syncWorker{
		BaseWorker: worker.NewBaseWorker("sync-worker"),
		h:          h,
	}
}

func (w *syncWorker) Start(ctx context.Context) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}

	status := w.State().Status
	if status != worker.StatusCreated && status != worker.StatusPending {
		return fmt.Errorf("sync worker already started (status: %s)", status)
	}

	runCtx, cancel := context.WithCancel(ctx)
	w.cancel = cancel

	w.SetStatus(worker.StatusRunning)
	return w.StartFunc(runCtx, w.run)
}

func (w *syncWorker) Stop(ctx context.Context) error {
	if w.cancel != nil {
		w.StopRequested = true
		w.cancel()
	}
	return w.BaseWorker.Stop(ctx)
}

func (w *syncWorker) State() worker.State {
	return w.ExportState(func(s *worker.State) {
		s.Metadata = map[string]string{
			worker.MetadataType: string(worker.TypeGoroutine),
		}
	})
}

func (w *syncWorker) run(ctx context.Context) (err error) {
	defer func() {
		if recovered := recover(); recovered != nil {
			err = fmt.Errorf("sync panic: %v", recovered)
			if w.h.logger.Enabled(ctx, slog.LevelDebug) {
				w.h.logger.Error("sync panic", "error", err, "stack", string(debug.Stack()))
			} else {
				w.h.logger.Error("sync panic", "error", err)
			}
		}
	}()

	return w.h.loop(ctx)
}

// loop cycles until ctx is done or a cycle fails, waking on the interval or
// on change signals. A cycle that wrote documents is followed by
// EventPaused once the replicas are caught up.
func (h *Handle) loop(ctx context.Context) error {
	wake := h.subscribe(ctx)
	ticker := time.NewTicker(h.opts.Interval)
	defer ticker.Stop()

	for {
		written, err := h.cycle(ctx)
		if err != nil {
			h.logger.Warn("sync cycle failed", "error", err)
			return err
		}
		if written > 0 {
			h.emit(ctx, Event{Type: EventPaused})
		}
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
		case <-wake:
		}
	}
}

// subscribe merges change signals from whichever replicas can push them.
func (h *Handle) subscribe(ctx context.Context) <-chan struct{} {
	wake := make(chan struct{}, 1)
	for _, s := range []core.Store{h.local, h.remote} {
		watchable, ok := s.(core.Watchable)
		if !ok {
			continue
		}
		signals, err := watchable.Watch(ctx)
		if err != nil {
			h.logger.Debug("watch unavailable, polling", "store", s.Name(), "error", err)
			continue
		}
		go func() {
			for {
				select {
				case <-ctx.Done():
					return
				case _, ok := <-signals:
					if !ok {
						return
					}
					select {
					case wake <- struct{}{}:
					default:
					}
				}
			}
		}()
	}
	return wake
}

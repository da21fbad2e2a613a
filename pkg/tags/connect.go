package tags

import (
	"context"
	"errors"
	"fmt"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/replication"
)

// UnknownUser fills the user fields that credentials cannot provide.
const UnknownUser = "Unknown"

const (
	schemaChannel  = "schema"
	subjectChannel = "subject"
)

// ConnectOptions locate and authenticate the remote stores. Headers are
// used when Username is empty; a Basic Authorization header is decoded.
type ConnectOptions struct {
	BaseURL  string
	Username string
	Password string
	Headers  map[string]string
}

func (o ConnectOptions) credentials() core.Credentials {
	return core.Credentials{Username: o.Username, Password: o.Password, Headers: o.Headers}
}

// channel is one local store kept in live sync with its remote counterpart.
type channel struct {
	kind   string
	remote core.Store
	handle *replication.Handle
	done   chan struct{}
}

// Connect attaches the schema and subject stores to their remote
// counterparts. Each channel pulls once, reloads, then syncs live in both
// directions. A schema channel that is already running is kept.
//
// The repository stays usable locally when either channel fails; the
// failures are returned joined.
func (r *Repository) Connect(ctx context.Context, opts ConnectOptions) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	return r.connectLocked(ctx, opts)
}

func (r *Repository) connectLocked(ctx context.Context, opts ConnectOptions) error {
	if opts.BaseURL == "" {
		return errors.New("connect: base url is required")
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrClosed
	}
	schemaLocal, subjectLocal, storageID := r.schemaLocal, r.subjectLocal, r.storageID
	r.mu.Unlock()

	saved := opts
	r.lastConnect = &saved

	var schemaErr error
	if r.schemaCh == nil {
		ch, err := r.openChannel(ctx, schemaChannel, opts, schemaLocal, r.cfg.Identity.SchemaStoreName())
		if err != nil {
			schemaErr = fmt.Errorf("schema channel: %w", err)
			r.logger.Warn("schema sync unavailable, tag definitions stay local", "error", err)
		} else {
			r.schemaCh = ch
		}
	}

	if r.subjectCh != nil {
		_ = r.closeChannel(ctx, r.subjectCh)
		r.subjectCh = nil
	}
	var subjectErr error
	ch, err := r.openChannel(ctx, subjectChannel, opts, subjectLocal, storageID)
	if err != nil {
		subjectErr = fmt.Errorf("subject channel: %w", err)
		r.logger.Error("subject sync unavailable", "store", storageID, "error", err)
	} else {
		r.subjectCh = ch
	}

	r.mu.Lock()
	r.schemaLive = r.schemaCh != nil
	r.subjectLive = r.subjectCh != nil
	r.connected = r.schemaCh != nil && r.subjectCh != nil
	if subjectErr == nil {
		username, _ := opts.credentials().Resolve()
		if username == "" {
			username = UnknownUser
		}
		r.user = &core.User{Username: username, Email: UnknownUser}
	}
	connected := r.connected
	r.mu.Unlock()

	if connected {
		r.logger.Info("connected", "url", opts.BaseURL, "store", storageID)
		r.publish(core.EventConnected)
	}
	return errors.Join(schemaErr, subjectErr)
}

func (r *Repository) openChannel(ctx context.Context, kind string, opts ConnectOptions, local core.Store, name string) (*channel, error) {
	remote, err := r.cfg.Opener.OpenRemote(ctx, opts.BaseURL, name, opts.credentials())
	if err != nil {
		return nil, fmt.Errorf("open remote %s: %w", name, err)
	}

	res, err := replication.Replicate(ctx, remote, local, replication.Options{
		Logger:    r.logger,
		Metrics:   r.cfg.Metrics,
		Direction: replication.Pull,
	})
	if err != nil {
		_ = remote.Close()
		return nil, fmt.Errorf("%w: replicate %s: %v", core.ErrConnection, name, err)
	}
	r.logger.Info("replicated from remote", "channel", kind, "docs", res.DocsWritten)

	if err := r.reload(ctx); err != nil {
		_ = remote.Close()
		return nil, err
	}

	h, err := replication.Sync(ctx, local, remote, replication.SyncOptions{
		Live:     true,
		Retry:    true,
		Backoff:  r.cfg.Backoff,
		Interval: r.cfg.SyncInterval,
		Logger:   r.logger.With("channel", kind),
		Metrics:  r.cfg.Metrics,
	})
	if err != nil {
		_ = remote.Close()
		return nil, err
	}

	ch := &channel{kind: kind, remote: remote, handle: h, done: make(chan struct{})}
	lifecycle.Go(r.ctx, func(ctx context.Context) error {
		r.follow(ctx, ch)
		return nil
	})
	return ch, nil
}

// follow reacts to sync events until the handle is cancelled. Every pull
// that wrote documents triggers a full reload.
func (r *Repository) follow(ctx context.Context, ch *channel) {
	defer close(ch.done)
	for ev := range ch.handle.Events() {
		switch ev.Type {
		case replication.EventChange:
			if ev.Direction != replication.Pull {
				continue
			}
			if ch.kind == subjectChannel {
				r.setSubjectReachable(true)
			}
			if err := r.reload(ctx); err != nil {
				r.logger.Warn("reload after sync failed", "channel", ch.kind, "error", err)
			}
		case replication.EventError:
			r.logger.Error("sync failed", "channel", ch.kind, "error", ev.Err)
			if ch.kind == subjectChannel {
				r.setSubjectReachable(false)
			}
		}
	}
}

func (r *Repository) setSubjectReachable(ok bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return
	}
	r.connected = ok && r.schemaLive && r.subjectLive
}

func (r *Repository) reload(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	err := r.loadStateLocked(ctx)
	r.mu.Unlock()
	if err != nil {
		return err
	}
	r.publish(core.EventReload)
	return nil
}

func (r *Repository) closeChannel(ctx context.Context, ch *channel) error {
	err := ch.handle.Cancel(ctx)
	select {
	case <-ch.done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}
	return errors.Join(err, ch.remote.Close())
}

// Disconnect stops the subject channel. The local stores stay writable and
// the schema channel keeps running until Close.
func (r *Repository) Disconnect(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	var err error
	if r.subjectCh != nil {
		err = r.closeChannel(ctx, r.subjectCh)
		r.subjectCh = nil
	}

	r.mu.Lock()
	r.connected = false
	r.subjectLive = false
	r.mu.Unlock()

	r.logger.Info("disconnected")
	r.publish(core.EventDisconnected)
	return err
}

// ChangeSubject rebinds the repository to another subject. Pending writes
// are flushed and the old subject store is closed. The schema store and tag
// definitions are kept. When the repository was connected before, it
// reconnects with the previous options; a non-empty username replaces the
// previous credentials.
func (r *Repository) ChangeSubject(ctx context.Context, subjectID string, sink core.Sink, username, password string) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	if err := r.Flush(ctx); err != nil {
		return err
	}

	var errs []error
	if r.subjectCh != nil {
		errs = append(errs, r.closeChannel(ctx, r.subjectCh))
		r.subjectCh = nil
	}

	storageID := r.cfg.Identity.StorageID(subjectID)
	store, err := r.cfg.Opener.OpenLocal(ctx, storageID)
	if err != nil {
		return errors.Join(append(errs, fmt.Errorf("open subject store: %w", err))...)
	}
	if sink == nil {
		sink = core.NewMapSink()
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		_ = store.Close()
		return core.ErrClosed
	}
	old := r.subjectLocal
	r.subjectID = subjectID
	r.storageID = storageID
	r.sink = sink
	r.subjectLocal = store
	r.user = nil
	r.connected = false
	r.subjectLive = false
	loadErr := r.loadStateLocked(ctx)
	r.mu.Unlock()

	// Mutations that slipped in after the first flush were queued against
	// the old store; let them land before it closes.
	if err := r.Flush(ctx); err != nil {
		errs = append(errs, err)
	}
	errs = append(errs, old.Close())
	if loadErr != nil {
		return errors.Join(append(errs, loadErr)...)
	}
	r.logger.Info("subject changed", "subject", subjectID, "store", storageID)
	r.publish(core.EventSubjectChanged)

	if r.lastConnect != nil {
		opts := *r.lastConnect
		if username != "" {
			opts.Username = username
			opts.Password = password
		}
		errs = append(errs, r.connectLocked(ctx, opts))
	}
	return errors.Join(errs...)
}

// Close flushes pending writes, stops both channels and closes the local
// stores. Watch channels are closed. Calling Close again is a no-op.
func (r *Repository) Close(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	errs := []error{r.Flush(ctx)}
	for _, ch := range []*channel{r.subjectCh, r.schemaCh} {
		if ch != nil {
			errs = append(errs, r.closeChannel(ctx, ch))
		}
	}
	r.subjectCh, r.schemaCh = nil, nil

	r.mu.Lock()
	errs = append(errs, r.subjectLocal.Close(), r.schemaLocal.Close())
	r.connected = false
	r.schemaLive = false
	r.subjectLive = false
	r.mu.Unlock()

	r.cancel()
	r.events.close()
	return errors.Join(errs...)
}

// Package tags implements the tag repository: the in-memory annotation set of
// one subject, kept in step with that subject's store and with a schema store
// of tag definitions shared by every subject of a deployment.
//
// Mutations update the caller's Sink first and persist in the background.
// Changes that arrive through replication trigger a full reload of both
// stores, announced on Watch.
package tags

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/bmatcuk/doublestar/v4"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/identity"
	"github.com/aretw0/tagmesh/pkg/replication"
)

// SchemaDocumentID is the key of the tag definitions document in the schema
// store.
const SchemaDocumentID = "tag_definitions"

// Config holds the collaborators of a Repository.
type Config struct {
	Identity identity.Config
	// Opener builds the local and remote store handles. Required.
	Opener  core.Opener
	Logger  *slog.Logger
	Metrics *replication.Metrics
	// SyncInterval is how often live syncs poll stores that cannot signal.
	SyncInterval time.Duration
	Backoff      replication.Backoff
}

// Repository is the aggregate root for one subject at a time.
type Repository struct {
	cfg    Config
	logger *slog.Logger

	// mu guards the in-memory view and the local store handles. Reloads and
	// mutations are applied under it, one at a time.
	mu           sync.Mutex
	subjectID    string
	storageID    string
	sink         core.Sink
	defs         core.TagDefinitions
	connected    bool
	user         *core.User
	closed       bool
	schemaLocal  core.Store
	subjectLocal core.Store
	schemaLive   bool
	subjectLive  bool
	reloads      int
	lastReload   *time.Time
	inflight     int

	// connMu serializes channel lifecycle: connect, disconnect, subject
	// changes and close.
	connMu      sync.Mutex
	schemaCh    *channel
	subjectCh   *channel
	lastConnect *ConnectOptions

	writeMu sync.Mutex
	pending sync.WaitGroup

	ctx    context.Context
	cancel context.CancelFunc

	events *broker
}

// New opens the local stores for subjectID and loads them into sink. A nil
// sink gets a fresh core.MapSink.
func New(ctx context.Context, cfg Config, subjectID string, sink core.Sink) (*Repository, error) {
	if cfg.Opener == nil {
		return nil, errors.New("tags: opener is required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	if sink == nil {
		sink = core.NewMapSink()
	}
	identity.WarnIfDefault(cfg.Identity, cfg.Logger)

	r := &Repository{
		cfg:    cfg,
		logger: cfg.Logger,
		defs:   make(core.TagDefinitions),
		events: newBroker(),
	}
	r.ctx, r.cancel = context.WithCancel(context.Background())

	schema, err := cfg.Opener.OpenLocal(ctx, cfg.Identity.SchemaStoreName())
	if err != nil {
		return nil, fmt.Errorf("open schema store: %w", err)
	}
	storageID := cfg.Identity.StorageID(subjectID)
	subject, err := cfg.Opener.OpenLocal(ctx, storageID)
	if err != nil {
		_ = schema.Close()
		return nil, fmt.Errorf("open subject store: %w", err)
	}

	r.subjectID = subjectID
	r.storageID = storageID
	r.sink = sink
	r.schemaLocal = schema
	r.subjectLocal = subject

	if err := r.LoadState(ctx); err != nil {
		_ = subject.Close()
		_ = schema.Close()
		r.cancel()
		return nil, err
	}
	r.logger.Debug("repository opened", "subject", subjectID, "store", storageID)
	return r, nil
}

// SubjectID returns the caller-chosen name of the current subject.
func (r *Repository) SubjectID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.subjectID
}

// MetaDataDocumentID returns the derived name of the current subject store.
func (r *Repository) MetaDataDocumentID() string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.storageID
}

// Sink returns the container the repository currently writes into.
func (r *Repository) Sink() core.Sink {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.sink
}

// Connected reports whether both sync channels are attached.
func (r *Repository) Connected() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.connected
}

// User returns the user derived from the last successful connect, or nil.
func (r *Repository) User() *core.User {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.user == nil {
		return nil
	}
	u := *r.user
	return &u
}

// TagDefinitions returns a copy of the cached tag definitions.
func (r *Repository) TagDefinitions() core.TagDefinitions {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.defs.Clone()
}

// Get returns the entity stored under id, or an unsaved entity named id.
// It never adds to the sink.
func (r *Repository) Get(id string) *core.Entity {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.getLocked(id)
}

func (r *Repository) getLocked(id string) *core.Entity {
	if e, ok := r.sink.Get(id); ok && e != nil {
		return e
	}
	return core.NewEntity(id)
}

// Find returns the entities whose id matches the doublestar pattern, in id
// order.
func (r *Repository) Find(pattern string) ([]*core.Entity, error) {
	if !doublestar.ValidatePattern(pattern) {
		return nil, fmt.Errorf("invalid pattern %q: %w", pattern, doublestar.ErrBadPattern)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	var out []*core.Entity
	r.sink.Range(func(id string, e *core.Entity) bool {
		if e == nil {
			return true
		}
		if ok, _ := doublestar.Match(pattern, id); ok {
			out = append(out, e)
		}
		return true
	})
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (r *Repository) username() string {
	if r.user == nil {
		return ""
	}
	return r.user.Username
}

func (r *Repository) publish(t core.EventType) {
	r.mu.Lock()
	subject := r.subjectID
	r.mu.Unlock()
	r.events.publish(core.Event{Type: t, Subject: subject, Timestamp: time.Now().Unix()})
}

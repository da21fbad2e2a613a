// Package memory provides an in-process core.Store. A Registry hands out
// one shared store per name, so several repositories (or a repository and a
// "remote") can meet on the same data inside one process.
package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/google/uuid"

	"github.com/aretw0/tagmesh/pkg/core"
)

type entry struct {
	rev  string
	seq  int64
	body map[string]any
}

// dataset is the state shared by every handle opened on one name.
type dataset struct {
	mu       sync.RWMutex
	docs     map[string]*entry
	local    map[string]map[string]any
	seq      int64
	watchers map[chan struct{}]struct{}
}

func newDataset() *dataset {
	return &dataset{
		docs:     make(map[string]*entry),
		local:    make(map[string]map[string]any),
		watchers: make(map[chan struct{}]struct{}),
	}
}

// Store is a concurrency-safe in-memory document store handle.
type Store struct {
	name       string
	instanceID string
	*dataset
	closed bool
}

// NewStore returns an empty store.
func NewStore(name string) *Store {
	return newHandle(name, newDataset())
}

func newHandle(name string, d *dataset) *Store {
	return &Store{
		name:       name,
		instanceID: uuid.NewString(),
		dataset:    d,
	}
}

func (s *Store) Name() string { return s.name }

// InstanceID identifies this replica in logs.
func (s *Store) InstanceID() string { return s.instanceID }

func (s *Store) Get(ctx context.Context, id string) (core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.Document{}, core.ErrClosed
	}

	if core.IsLocalID(id) {
		body, ok := s.local[id]
		if !ok {
			return core.Document{}, core.ErrNotFound
		}
		cp, err := core.CloneBody(body)
		if err != nil {
			return core.Document{}, err
		}
		return core.Document{ID: id, Body: cp}, nil
	}

	e, ok := s.docs[id]
	if !ok {
		return core.Document{}, core.ErrNotFound
	}
	cp, err := core.CloneBody(e.body)
	if err != nil {
		return core.Document{}, err
	}
	return core.Document{ID: id, Rev: e.rev, Body: cp}, nil
}

func (s *Store) Put(ctx context.Context, doc core.Document) (string, error) {
	body, err := core.CloneBody(doc.Body)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrClosed
	}

	if core.IsLocalID(doc.ID) {
		s.local[doc.ID] = body
		return "", nil
	}

	current, exists := s.docs[doc.ID]
	currentRev := ""
	if exists {
		currentRev = current.rev
	}
	if err := core.CheckRevision(doc.ID, currentRev, exists, doc.Rev); err != nil {
		return "", err
	}
	rev, err := core.NextRevision(currentRev, body)
	if err != nil {
		return "", err
	}
	s.storeLocked(doc.ID, rev, body)
	return rev, nil
}

func (s *Store) Apply(ctx context.Context, doc core.Document) (bool, error) {
	body, err := core.CloneBody(doc.Body)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.ErrClosed
	}

	current, exists := s.docs[doc.ID]
	currentRev := ""
	if exists {
		currentRev = current.rev
	}
	if !core.Wins(doc.Rev, currentRev, exists) {
		return false, nil
	}
	s.storeLocked(doc.ID, doc.Rev, body)
	return true, nil
}

// storeLocked must be called with mu held for writing.
func (s *Store) storeLocked(id, rev string, body map[string]any) {
	s.seq++
	s.docs[id] = &entry{rev: rev, seq: s.seq, body: body}
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) List(ctx context.Context, includeBody bool) ([]core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrClosed
	}

	docs := make([]core.Document, 0, len(s.docs))
	for id, e := range s.docs {
		doc := core.Document{ID: id, Rev: e.rev}
		if includeBody {
			cp, err := core.CloneBody(e.body)
			if err != nil {
				return nil, err
			}
			doc.Body = cp
		}
		docs = append(docs, doc)
	}
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })
	return docs, nil
}

func (s *Store) Changes(ctx context.Context, since int64) ([]core.Change, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, core.ErrClosed
	}

	var changes []core.Change
	for id, e := range s.docs {
		if e.seq > since {
			changes = append(changes, core.Change{Seq: e.seq, ID: id, Rev: e.rev})
		}
	}
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	return changes, s.seq, nil
}

// Watch signals after every stored revision until ctx is done.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}

	ch := make(chan struct{}, 1)
	s.watchers[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

// Close marks this handle closed. The data stays available to other
// handles of the same Registry.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

var (
	_ core.Store     = (*Store)(nil)
	_ core.Watchable = (*Store)(nil)
)

package core

import (
	"sort"
	"sync"
)

// Sink is the caller-owned container a repository writes entities into.
// Host applications pass their own implementation to observe live updates;
// the repository only ever mutates it through these methods.
type Sink interface {
	Get(id string) (*Entity, bool)
	Set(id string, e *Entity)
	Delete(id string)
	// Range calls fn for each entity until fn returns false.
	Range(fn func(id string, e *Entity) bool)
}

// MapSink is a concurrency-safe map-backed Sink.
type MapSink struct {
	mu       sync.RWMutex
	entities map[string]*Entity
}

// NewMapSink returns an empty MapSink.
func NewMapSink() *MapSink {
	return &MapSink{entities: make(map[string]*Entity)}
}

func (s *MapSink) Get(id string) (*Entity, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	e, ok := s.entities[id]
	return e, ok
}

func (s *MapSink) Set(id string, e *Entity) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entities[id] = e
}

func (s *MapSink) Delete(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.entities, id)
}

// Range visits entities in ID order over a snapshot, so fn may call back
// into the sink.
func (s *MapSink) Range(fn func(id string, e *Entity) bool) {
	s.mu.RLock()
	ids := make([]string, 0, len(s.entities))
	for id := range s.entities {
		ids = append(ids, id)
	}
	snapshot := make(map[string]*Entity, len(s.entities))
	for id, e := range s.entities {
		snapshot[id] = e
	}
	s.mu.RUnlock()

	sort.Strings(ids)
	for _, id := range ids {
		if !fn(id, snapshot[id]) {
			return
		}
	}
}

// Len returns the number of entities held.
func (s *MapSink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.entities)
}

package fs

import (
	"time"

	"github.com/aretw0/introspection"
)

// StoreState exposes internal state for observability.
type StoreState struct {
	Name          string     `json:"name"`
	Path          string     `json:"path"`
	SystemDir     string     `json:"system_dir"`
	Format        string     `json:"format"`
	Documents     int        `json:"documents"`
	LastSeq       int64      `json:"last_seq"`
	History       bool       `json:"history"`
	Closed        bool       `json:"closed"`
	Watchers      int        `json:"watchers"`
	WatcherActive bool       `json:"watcher_active"`
	LastReconcile *time.Time `json:"last_reconcile,omitempty"`
}

// State implements introspection.Introspectable.
func (s *Store) State() any {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return StoreState{
		Name:          s.name,
		Path:          s.Path,
		SystemDir:     s.config.SystemDir,
		Format:        s.serializer.Ext()[1:],
		Documents:     s.cache.Len(),
		LastSeq:       s.cache.Seq(),
		History:       s.git != nil,
		Closed:        s.closed,
		Watchers:      len(s.watchers),
		WatcherActive: s.activeWorkers > 0,
		LastReconcile: s.lastReconcile,
	}
}

// ComponentType implements introspection.Component.
func (s *Store) ComponentType() string {
	return "store"
}

var _ introspection.Introspectable = (*Store)(nil)
var _ introspection.Component = (*Store)(nil)

func (s *Store) setWatcherActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if active {
		s.activeWorkers++
	} else if s.activeWorkers > 0 {
		s.activeWorkers--
	}
}

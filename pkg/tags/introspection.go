package tags

import (
	"time"

	"github.com/aretw0/introspection"

	"github.com/aretw0/tagmesh/pkg/core"
)

// RepositoryState exposes internal state for observability.
type RepositoryState struct {
	SubjectID      string     `json:"subject_id"`
	StorageID      string     `json:"storage_id"`
	SchemaStore    string     `json:"schema_store"`
	Connected      bool       `json:"connected"`
	User           string     `json:"user,omitempty"`
	Entities       int        `json:"entities"`
	Annotations    int        `json:"annotations"`
	TagDefinitions int        `json:"tag_definitions"`
	SchemaSync     bool       `json:"schema_sync"`
	SubjectSync    bool       `json:"subject_sync"`
	PendingWrites  int        `json:"pending_writes"`
	Watchers       int        `json:"watchers"`
	Reloads        int        `json:"reloads"`
	LastReload     *time.Time `json:"last_reload,omitempty"`
	Closed         bool       `json:"closed"`
}

// State implements introspection.Introspectable.
func (r *Repository) State() any {
	r.mu.Lock()
	defer r.mu.Unlock()

	st := RepositoryState{
		SubjectID:      r.subjectID,
		StorageID:      r.storageID,
		SchemaStore:    r.cfg.Identity.SchemaStoreName(),
		Connected:      r.connected,
		User:           r.username(),
		TagDefinitions: len(r.defs),
		SchemaSync:     r.schemaLive,
		SubjectSync:    r.subjectLive,
		PendingWrites:  r.inflight,
		Watchers:       r.events.len(),
		Reloads:        r.reloads,
		LastReload:     r.lastReload,
		Closed:         r.closed,
	}
	r.sink.Range(func(_ string, e *core.Entity) bool {
		if e != nil {
			st.Entities++
			st.Annotations += len(e.Tags)
		}
		return true
	})
	return st
}

// ComponentType implements introspection.Component.
func (r *Repository) ComponentType() string {
	return "repository"
}

var _ introspection.Introspectable = (*Repository)(nil)
var _ introspection.Component = (*Repository)(nil)

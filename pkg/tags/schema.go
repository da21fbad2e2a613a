package tags

import (
	"context"
	"fmt"

	"github.com/aretw0/tagmesh/pkg/core"
)

const schemaAttempts = 3

// GetOrCreateTag returns the shared definition of name, creating it with
// color when no subject has used the name yet. An existing definition keeps
// its color.
func (r *Repository) GetOrCreateTag(ctx context.Context, name, color string) (*core.Tag, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, core.ErrClosed
	}
	return r.getOrCreateTagLocked(ctx, name, color)
}

// getOrCreateTagLocked is a read-modify-write of the schema document. A lost
// race re-reads the document and adopts whatever definition won.
func (r *Repository) getOrCreateTagLocked(ctx context.Context, name, color string) (*core.Tag, error) {
	if t, ok := r.defs[name]; ok && t != nil {
		return t, nil
	}

	var err error
	for attempt := 0; attempt < schemaAttempts; attempt++ {
		stored, rev, _, readErr := readSchema(ctx, r.schemaLocal)
		if readErr != nil {
			return nil, readErr
		}
		if t, ok := stored[name]; ok && t != nil {
			r.mergeDefinitionsLocked(stored)
			return r.defs[name], nil
		}

		stored[name] = &core.Tag{Name: name, Color: color}
		body, encErr := core.EncodeBody(stored)
		if encErr != nil {
			return nil, encErr
		}
		_, err = r.schemaLocal.Put(ctx, core.Document{ID: SchemaDocumentID, Rev: rev, Body: body})
		if err == nil {
			r.mergeDefinitionsLocked(stored)
			r.logger.Debug("tag created", "tag", name, "color", color)
			return r.defs[name], nil
		}
		if !core.IsConflict(err) {
			return nil, fmt.Errorf("save tag definitions: %w", err)
		}
		r.logger.Warn("tag definitions changed concurrently, retrying", "tag", name, "attempt", attempt+1)
	}
	return nil, fmt.Errorf("create tag %s: %w", name, err)
}

// readSchema loads the tag definitions document. A missing document reads
// as an empty set.
func readSchema(ctx context.Context, store core.Store) (core.TagDefinitions, string, bool, error) {
	doc, err := store.Get(ctx, SchemaDocumentID)
	if core.IsNotFound(err) {
		return make(core.TagDefinitions), "", false, nil
	}
	if err != nil {
		return nil, "", false, fmt.Errorf("read tag definitions: %w", err)
	}

	defs := make(core.TagDefinitions)
	if err := core.DecodeBody(doc.Body, &defs); err != nil {
		return nil, "", false, fmt.Errorf("decode tag definitions: %w", err)
	}
	for name, t := range defs {
		if t == nil {
			delete(defs, name)
			continue
		}
		t.Name = name
	}
	return defs, doc.Rev, true, nil
}

// mergeDefinitionsLocked adopts stored definitions into the cache. A
// definition whose color changed gets a new value and every annotation is
// rebound to it.
func (r *Repository) mergeDefinitionsLocked(stored core.TagDefinitions) {
	rebind := false
	for name, t := range stored {
		cur, ok := r.defs[name]
		if ok && cur != nil && *cur == *t {
			continue
		}
		r.defs[name] = &core.Tag{Name: name, Color: t.Color}
		rebind = rebind || ok
	}
	if rebind {
		r.rebindLocked()
	}
}

// rebindLocked points every annotation at the cached definition of its tag.
// Entities are replaced, never edited in place.
func (r *Repository) rebindLocked() {
	r.sink.Range(func(id string, e *core.Entity) bool {
		if e == nil {
			return true
		}
		stale := false
		for name, a := range e.Tags {
			if def, ok := r.defs[name]; ok && a != nil && a.Definition != def {
				stale = true
				break
			}
		}
		if !stale {
			return true
		}
		e = e.Clone()
		for name, a := range e.Tags {
			if def, ok := r.defs[name]; ok && a != nil {
				a.Definition = def
			}
		}
		r.sink.Set(id, e)
		return true
	})
}

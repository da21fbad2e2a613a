package tags

import (
	"context"
	"fmt"
	"time"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/identity"
)

// LoadState reloads tag definitions and entities from the local stores.
// Entities found in the store replace their sink entry wholesale; entities
// only in the sink are left alone.
func (r *Repository) LoadState(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return core.ErrClosed
	}
	return r.loadStateLocked(ctx)
}

func (r *Repository) loadStateLocked(ctx context.Context) error {
	if err := r.loadSchemaLocked(ctx); err != nil {
		return err
	}
	n, err := r.loadSubjectLocked(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	r.lastReload = &now
	r.reloads++
	r.logger.Debug("state loaded", "subject", r.subjectID, "entities", n, "tags", len(r.defs))
	return nil
}

func (r *Repository) loadSchemaLocked(ctx context.Context) error {
	stored, _, exists, err := readSchema(ctx, r.schemaLocal)
	if err != nil {
		return err
	}
	if exists {
		r.mergeDefinitionsLocked(stored)
		return nil
	}

	body, err := core.EncodeBody(r.defs.Clone())
	if err != nil {
		return err
	}
	_, err = r.schemaLocal.Put(ctx, core.Document{ID: SchemaDocumentID, Body: body})
	switch {
	case err == nil:
		return nil
	case core.IsConflict(err):
		// Someone seeded it first; adopt theirs.
		stored, _, _, err = readSchema(ctx, r.schemaLocal)
		if err != nil {
			return err
		}
		r.mergeDefinitionsLocked(stored)
		return nil
	default:
		return fmt.Errorf("seed tag definitions: %w", err)
	}
}

func (r *Repository) loadSubjectLocked(ctx context.Context) (int, error) {
	docs, err := r.subjectLocal.List(ctx, true)
	if err != nil {
		return 0, fmt.Errorf("list %s: %w", r.storageID, err)
	}

	n := 0
	for _, doc := range docs {
		if doc.ID == r.storageID {
			continue
		}
		id, ok := identity.ParseEntityKey(r.subjectID, doc.ID)
		if !ok {
			r.logger.Debug("skipping document outside subject", "id", doc.ID)
			continue
		}

		var e core.Entity
		if err := core.DecodeBody(doc.Body, &e); err != nil {
			r.logger.Warn("skipping malformed entity", "id", doc.ID, "error", err)
			continue
		}
		e.ID = id
		if e.Name == "" {
			e.Name = id
		}
		if e.Tags == nil {
			e.Tags = make(map[string]*core.Annotation)
		}
		for name, a := range e.Tags {
			if a == nil {
				delete(e.Tags, name)
				continue
			}
			if def, ok := r.defs[name]; ok {
				a.Definition = def
			}
		}
		r.sink.Set(id, &e)
		n++
	}
	return n, nil
}

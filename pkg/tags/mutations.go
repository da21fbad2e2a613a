package tags

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/identity"
)

const metaDataAttempts = 3

// SaveTagRequest describes one application of a tag to an entity.
type SaveTagRequest struct {
	EntityName string
	Tag        string
	Notes      string
	// Color is used only when the tag does not exist yet.
	Color string
	// Type, when set, overwrites the entity type.
	Type string
}

// SaveTag applies a tag to an entity, creating both as needed, and schedules
// a write of the whole entity. Applying the same tag again updates its notes.
func (r *Repository) SaveTag(ctx context.Context, req SaveTagRequest) (*core.Entity, error) {
	if req.EntityName == "" || req.Tag == "" {
		return nil, errors.New("save tag: entity name and tag are required")
	}

	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return nil, core.ErrClosed
	}

	def, err := r.getOrCreateTagLocked(ctx, req.Tag, req.Color)
	if err != nil {
		return nil, err
	}

	e := r.getLocked(req.EntityName).Clone()
	if req.Type != "" {
		e.Type = req.Type
	}
	if a, ok := e.Tags[req.Tag]; ok && a != nil {
		a.Definition = def
		a.Notes = req.Notes
		if a.Username == "" {
			a.Username = r.username()
		}
	} else {
		e.Tags[req.Tag] = core.NewAnnotation(def, req.Notes, r.username())
	}
	r.sink.Set(e.ID, e)

	r.scheduleLocked(r.jobLocked(e.ID))
	return e, nil
}

// RemoveTag removes a tag from an entity and schedules a write. Removing a
// tag that is not applied is a logged no-op.
func (r *Repository) RemoveTag(ctx context.Context, entityID, tag string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.closed {
		return core.ErrClosed
	}

	e, ok := r.sink.Get(entityID)
	if !ok || e == nil {
		r.logger.Warn("remove tag: unknown entity", "entity", entityID, "tag", tag)
		return nil
	}
	if e.Tags[tag] == nil {
		r.logger.Warn("remove tag: tag not applied", "entity", entityID, "tag", tag)
		return nil
	}
	if r.removeLocked(entityID, tag) {
		r.scheduleLocked(r.jobLocked(entityID))
	}
	return nil
}

// RemoveAnnotation removes an annotation from its entity and writes the
// entity before returning.
func (r *Repository) RemoveAnnotation(ctx context.Context, entityID string, a *core.Annotation) error {
	if a == nil {
		r.logger.Warn("remove annotation: no annotation given", "entity", entityID)
		return nil
	}

	r.mu.Lock()
	key := r.annotationKeyLocked(entityID, a)
	r.mu.Unlock()
	return r.removeNow(ctx, entityID, key)
}

// removeNow removes the annotation stored under key and writes the entity
// before returning.
func (r *Repository) removeNow(ctx context.Context, entityID, key string) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrClosed
	}
	if !r.removeLocked(entityID, key) {
		r.mu.Unlock()
		return nil
	}
	job := r.jobLocked(entityID)
	r.mu.Unlock()

	return r.write(ctx, job)
}

// annotationKeyLocked returns the key a is stored under. Annotations loaded
// without a known definition may carry a tag name that differs from their
// key, so the pointer is matched first.
func (r *Repository) annotationKeyLocked(entityID string, a *core.Annotation) string {
	if e, ok := r.sink.Get(entityID); ok && e != nil {
		for key, candidate := range e.Tags {
			if candidate == a {
				return key
			}
		}
	}
	return a.Tag()
}

func (r *Repository) removeLocked(entityID, key string) bool {
	e, ok := r.sink.Get(entityID)
	if !ok || e == nil || e.IsVirtual() {
		r.logger.Warn("remove annotation: entity has no annotations", "entity", entityID, "tag", key)
		return false
	}
	if _, ok := e.Tags[key]; !ok {
		r.logger.Warn("remove annotation: tag not applied", "entity", entityID, "tag", key)
		return false
	}
	e = e.Clone()
	delete(e.Tags, key)
	r.sink.Set(entityID, e)
	return true
}

// Clear removes every annotation of every entity, one write per annotation,
// in entity then tag order. It stops early when ctx is done.
func (r *Repository) Clear(ctx context.Context) error {
	type target struct {
		entity string
		key    string
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrClosed
	}
	var targets []target
	r.sink.Range(func(id string, e *core.Entity) bool {
		if e == nil {
			return true
		}
		names := make([]string, 0, len(e.Tags))
		for name := range e.Tags {
			names = append(names, name)
		}
		sort.Strings(names)
		for _, name := range names {
			targets = append(targets, target{entity: id, key: name})
		}
		return true
	})
	r.mu.Unlock()

	var errs []error
	for _, t := range targets {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := r.removeNow(ctx, t.entity, t.key); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

// SaveMetaData writes data to the reserved slot of the subject store. The
// loader never maps it to an entity.
func (r *Repository) SaveMetaData(ctx context.Context, data map[string]any) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return core.ErrClosed
	}
	store, id := r.subjectLocal, r.storageID
	r.mu.Unlock()

	var err error
	for attempt := 0; attempt < metaDataAttempts; attempt++ {
		var rev string
		rev, err = currentRev(ctx, store, id)
		if err != nil {
			return err
		}
		if _, err = store.Put(ctx, core.Document{ID: id, Rev: rev, Body: data}); err == nil {
			return nil
		}
		if !core.IsConflict(err) {
			break
		}
	}
	return fmt.Errorf("save metadata: %w", err)
}

// Flush waits until every scheduled entity write has finished.
func (r *Repository) Flush(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		r.pending.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// writeJob names an entity to persist. The body is read when the job runs,
// so a burst of mutations collapses onto the latest state.
type writeJob struct {
	store    core.Store
	key      string
	entityID string
	sink     core.Sink
}

func (r *Repository) jobLocked(entityID string) writeJob {
	return writeJob{
		store:    r.subjectLocal,
		key:      identity.EntityKey(r.subjectID, entityID),
		entityID: entityID,
		sink:     r.sink,
	}
}

// scheduleLocked runs job in the background. The wait group is raised under
// r.mu so Close cannot miss it.
func (r *Repository) scheduleLocked(job writeJob) {
	r.pending.Add(1)
	r.inflight++
	lifecycle.Go(r.ctx, func(ctx context.Context) error {
		defer func() {
			r.mu.Lock()
			r.inflight--
			r.mu.Unlock()
			r.pending.Done()
		}()
		if err := r.write(ctx, job); err != nil {
			r.logger.Warn("entity write failed", "entity", job.entityID, "error", err)
		}
		return nil
	}, lifecycle.WithErrorHandler(func(err error) {
		r.logger.Error("entity write panic", "entity", job.entityID, "error", err)
	}))
}

func (r *Repository) write(ctx context.Context, job writeJob) error {
	r.writeMu.Lock()
	defer r.writeMu.Unlock()

	// The job carries the sink and store of the subject it was queued for,
	// so a write queued before ChangeSubject still lands in the old store.
	r.mu.Lock()
	e, ok := job.sink.Get(job.entityID)
	if !ok || e == nil {
		r.mu.Unlock()
		return nil
	}
	body, err := core.EncodeBody(e)
	r.mu.Unlock()
	if err != nil {
		return err
	}

	rev, err := currentRev(ctx, job.store, job.key)
	if err != nil {
		return err
	}
	newRev, err := job.store.Put(ctx, core.Document{ID: job.key, Rev: rev, Body: body})
	if err != nil {
		return fmt.Errorf("write %s: %w", job.key, err)
	}
	r.logger.Debug("entity written", "entity", job.entityID, "rev", newRev)
	return nil
}

func currentRev(ctx context.Context, store core.Store, id string) (string, error) {
	doc, err := store.Get(ctx, id)
	switch {
	case err == nil:
		return doc.Rev, nil
	case core.IsNotFound(err):
		return "", nil
	default:
		return "", fmt.Errorf("read %s: %w", id, err)
	}
}

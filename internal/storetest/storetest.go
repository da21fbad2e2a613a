// Package storetest is the conformance suite every core.Store adapter runs.
package storetest

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tagmesh/pkg/core"
)

// OpenFunc returns a fresh, empty store. Cleanup is the caller's business
// (t.Cleanup inside the func is fine).
type OpenFunc func(t *testing.T) core.Store

// Run executes the full suite against stores produced by open.
func Run(t *testing.T, open OpenFunc) {
	t.Run("Get missing", func(t *testing.T) { testGetMissing(t, open(t)) })
	t.Run("Put and Get", func(t *testing.T) { testPutGet(t, open(t)) })
	t.Run("Optimistic concurrency", func(t *testing.T) { testConflicts(t, open(t)) })
	t.Run("List", func(t *testing.T) { testList(t, open(t)) })
	t.Run("Changes feed", func(t *testing.T) { testChanges(t, open(t)) })
	t.Run("Apply winner policy", func(t *testing.T) { testApply(t, open(t)) })
	t.Run("Local documents", func(t *testing.T) { testLocal(t, open(t)) })
	t.Run("Watch", func(t *testing.T) { testWatch(t, open(t)) })
}

func testGetMissing(t *testing.T, s core.Store) {
	_, err := s.Get(context.Background(), "nope")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrNotFound), "expected ErrNotFound, got %v", err)
}

func testPutGet(t *testing.T, s core.Store) {
	ctx := context.Background()

	rev, err := s.Put(ctx, core.Document{ID: "subject:A", Body: map[string]any{"name": "A", "n": 1.0}})
	require.NoError(t, err)
	gen, _, err := core.ParseRevision(rev)
	require.NoError(t, err)
	assert.Equal(t, 1, gen)

	doc, err := s.Get(ctx, "subject:A")
	require.NoError(t, err)
	assert.Equal(t, "subject:A", doc.ID)
	assert.Equal(t, rev, doc.Rev)
	assert.Equal(t, "A", doc.Body["name"])
	assert.EqualValues(t, 1, doc.Body["n"])

	rev2, err := s.Put(ctx, core.Document{ID: "subject:A", Rev: rev, Body: map[string]any{"name": "A2"}})
	require.NoError(t, err)
	gen, _, err = core.ParseRevision(rev2)
	require.NoError(t, err)
	assert.Equal(t, 2, gen)

	doc, err = s.Get(ctx, "subject:A")
	require.NoError(t, err)
	assert.Equal(t, "A2", doc.Body["name"])
	_, stale := doc.Body["n"]
	assert.False(t, stale, "put replaces the whole body")
}

func testConflicts(t *testing.T, s core.Store) {
	ctx := context.Background()

	_, err := s.Put(ctx, core.Document{ID: "ghost", Rev: "1-abc", Body: map[string]any{}})
	assert.True(t, core.IsConflict(err), "rev on missing doc must conflict, got %v", err)

	rev, err := s.Put(ctx, core.Document{ID: "doc", Body: map[string]any{"v": "1"}})
	require.NoError(t, err)

	_, err = s.Put(ctx, core.Document{ID: "doc", Body: map[string]any{"v": "x"}})
	assert.True(t, core.IsConflict(err), "missing rev on existing doc must conflict, got %v", err)

	_, err = s.Put(ctx, core.Document{ID: "doc", Rev: rev, Body: map[string]any{"v": "2"}})
	require.NoError(t, err)

	_, err = s.Put(ctx, core.Document{ID: "doc", Rev: rev, Body: map[string]any{"v": "3"}})
	assert.True(t, core.IsConflict(err), "stale rev must conflict, got %v", err)

	doc, err := s.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, "2", doc.Body["v"])
}

func testList(t *testing.T, s core.Store) {
	ctx := context.Background()
	for _, id := range []string{"s:b", "s:a", "s:c"} {
		_, err := s.Put(ctx, core.Document{ID: id, Body: map[string]any{"id": id}})
		require.NoError(t, err)
	}
	_, err := s.Put(ctx, core.Document{ID: core.LocalPrefix + "hidden", Body: map[string]any{}})
	require.NoError(t, err)

	docs, err := s.List(ctx, true)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Equal(t, "s:a", docs[0].ID)
	assert.Equal(t, "s:b", docs[1].ID)
	assert.Equal(t, "s:c", docs[2].ID)
	assert.Equal(t, "s:a", docs[0].Body["id"])
	assert.NotEmpty(t, docs[0].Rev)

	docs, err = s.List(ctx, false)
	require.NoError(t, err)
	require.Len(t, docs, 3)
	assert.Nil(t, docs[0].Body)
	assert.NotEmpty(t, docs[0].Rev)
}

func testChanges(t *testing.T, s core.Store) {
	ctx := context.Background()

	changes, last, err := s.Changes(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, changes)

	revA, err := s.Put(ctx, core.Document{ID: "a", Body: map[string]any{"v": 1.0}})
	require.NoError(t, err)
	_, err = s.Put(ctx, core.Document{ID: "b", Body: map[string]any{"v": 1.0}})
	require.NoError(t, err)

	changes, mid, err := s.Changes(ctx, last)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "a", changes[0].ID)
	assert.Equal(t, "b", changes[1].ID)
	assert.Less(t, changes[0].Seq, changes[1].Seq)
	assert.Equal(t, changes[1].Seq, mid)

	revA2, err := s.Put(ctx, core.Document{ID: "a", Rev: revA, Body: map[string]any{"v": 2.0}})
	require.NoError(t, err)

	changes, end, err := s.Changes(ctx, mid)
	require.NoError(t, err)
	require.Len(t, changes, 1)
	assert.Equal(t, "a", changes[0].ID)
	assert.Equal(t, revA2, changes[0].Rev)
	assert.Greater(t, end, mid)

	// latest change per id only
	changes, _, err = s.Changes(ctx, 0)
	require.NoError(t, err)
	require.Len(t, changes, 2)
	assert.Equal(t, "b", changes[0].ID)
	assert.Equal(t, "a", changes[1].ID)
}

func testApply(t *testing.T, s core.Store) {
	ctx := context.Background()

	body := map[string]any{"v": "remote"}
	rev1, err := core.NextRevision("", body)
	require.NoError(t, err)

	applied, err := s.Apply(ctx, core.Document{ID: "r", Rev: rev1, Body: body})
	require.NoError(t, err)
	assert.True(t, applied)

	doc, err := s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, rev1, doc.Rev, "apply keeps the incoming revision")

	applied, err = s.Apply(ctx, core.Document{ID: "r", Rev: rev1, Body: body})
	require.NoError(t, err)
	assert.False(t, applied, "same revision is a no-op")

	newer := map[string]any{"v": "newer"}
	rev2, err := core.NextRevision(rev1, newer)
	require.NoError(t, err)
	applied, err = s.Apply(ctx, core.Document{ID: "r", Rev: rev2, Body: newer})
	require.NoError(t, err)
	assert.True(t, applied)

	older := map[string]any{"v": "older"}
	applied, err = s.Apply(ctx, core.Document{ID: "r", Rev: rev1, Body: older})
	require.NoError(t, err)
	assert.False(t, applied, "losing revision must not overwrite")

	doc, err = s.Get(ctx, "r")
	require.NoError(t, err)
	assert.Equal(t, "newer", doc.Body["v"])
	assert.Equal(t, rev2, doc.Rev)

	// a local put continues from the applied revision
	rev3, err := s.Put(ctx, core.Document{ID: "r", Rev: rev2, Body: map[string]any{"v": "local"}})
	require.NoError(t, err)
	gen, _, _ := core.ParseRevision(rev3)
	assert.Equal(t, 3, gen)
}

func testLocal(t *testing.T, s core.Store) {
	ctx := context.Background()
	id := core.LocalPrefix + "checkpoint"

	_, err := s.Put(ctx, core.Document{ID: id, Body: map[string]any{"seq": 1.0}})
	require.NoError(t, err)
	_, err = s.Put(ctx, core.Document{ID: id, Body: map[string]any{"seq": 2.0}})
	require.NoError(t, err, "local documents are last-write-wins")

	doc, err := s.Get(ctx, id)
	require.NoError(t, err)
	assert.EqualValues(t, 2, doc.Body["seq"])

	changes, _, err := s.Changes(ctx, 0)
	require.NoError(t, err)
	assert.Empty(t, changes)

	docs, err := s.List(ctx, false)
	require.NoError(t, err)
	assert.Empty(t, docs)
}

func testWatch(t *testing.T, s core.Store) {
	w, ok := s.(core.Watchable)
	if !ok {
		t.Skip("store does not implement core.Watchable")
	}
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	signals, err := w.Watch(ctx)
	require.NoError(t, err)

	_, err = s.Put(context.Background(), core.Document{ID: "watched", Body: map[string]any{}})
	require.NoError(t, err)

	select {
	case <-signals:
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for change signal")
	}
}

package sqlite_test

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tagmesh/internal/storetest"
	"github.com/aretw0/tagmesh/pkg/adapters/sqlite"
	"github.com/aretw0/tagmesh/pkg/core"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		s, err := sqlite.Open(context.Background(), t.TempDir(), "test")
		require.NoError(t, err)
		t.Cleanup(func() { _ = s.Close() })
		return s
	})
}

func TestStore_ReopenKeepsDocumentsAndSequence(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	s, err := sqlite.Open(ctx, dir, "tagmesh_metadata__schema")
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "tagmesh_metadata__schema.db"), s.Path())

	rev, err := s.Put(ctx, core.Document{ID: "tag_definitions", Body: map[string]any{
		"flag": map[string]any{"name": "flag", "color": "#f00"},
	}})
	require.NoError(t, err)
	_, err = s.Put(ctx, core.Document{ID: "_local/replication-x", Body: map[string]any{"last_seq": 1}})
	require.NoError(t, err)
	require.NoError(t, s.Close())

	_, err = s.Get(ctx, "tag_definitions")
	assert.ErrorIs(t, err, core.ErrClosed)

	reopened, err := sqlite.Open(ctx, dir, "tagmesh_metadata__schema")
	require.NoError(t, err)
	defer reopened.Close()

	doc, err := reopened.Get(ctx, "tag_definitions")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.Rev)
	assert.Equal(t, map[string]any{"name": "flag", "color": "#f00"}, doc.Body["flag"])

	_, last, err := reopened.Changes(ctx, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(1), last)

	local, err := reopened.Get(ctx, "_local/replication-x")
	require.NoError(t, err)
	assert.Equal(t, 1.0, local.Body["last_seq"])
}

func TestStore_SeparateNamesSeparateFiles(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	a, err := sqlite.Open(ctx, dir, "a")
	require.NoError(t, err)
	defer a.Close()
	b, err := sqlite.Open(ctx, dir, "b")
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Put(ctx, core.Document{ID: "doc", Body: map[string]any{}})
	require.NoError(t, err)

	_, err = b.Get(ctx, "doc")
	assert.True(t, core.IsNotFound(err))
}

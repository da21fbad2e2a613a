package redis_test

import (
	"context"
	"errors"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tagmesh/internal/storetest"
	"github.com/aretw0/tagmesh/pkg/adapters/redis"
	"github.com/aretw0/tagmesh/pkg/core"
)

func setupTestRedis(t *testing.T, name string) (*redis.Store, *miniredis.Miniredis) {
	s := miniredis.RunT(t)
	store, err := redis.Open(context.Background(), "redis://"+s.Addr(), name, core.Credentials{})
	require.NoError(t, err)
	t.Cleanup(func() { _ = store.Close() })
	return store, s
}

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		store, _ := setupTestRedis(t, "test")
		return store
	})
}

func TestOpen_Unreachable(t *testing.T) {
	s := miniredis.RunT(t)
	addr := s.Addr()
	s.Close()

	_, err := redis.Open(context.Background(), "redis://"+addr, "x", core.Credentials{})
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConnection))
}

func TestOpen_Credentials(t *testing.T) {
	s := miniredis.RunT(t)
	s.RequireUserAuth("alice", "secret")
	ctx := context.Background()

	_, err := redis.Open(ctx, "redis://"+s.Addr(), "x", core.Credentials{Username: "alice", Password: "wrong"})
	assert.True(t, errors.Is(err, core.ErrConnection))

	store, err := redis.Open(ctx, "redis://"+s.Addr(), "x", core.Credentials{
		Headers: map[string]string{"Authorization": "Basic YWxpY2U6c2VjcmV0"},
	})
	require.NoError(t, err, "basic auth header resolves to username and password")
	require.NoError(t, store.Ping(ctx))
	require.NoError(t, store.Close())
}

func TestStore_NamesAreIsolated(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)

	a, err := redis.Open(ctx, "redis://"+server.Addr(), "tagmesh_metadata__a", core.Credentials{})
	require.NoError(t, err)
	defer a.Close()
	b, err := redis.Open(ctx, "redis://"+server.Addr(), "tagmesh_metadata__b", core.Credentials{})
	require.NoError(t, err)
	defer b.Close()

	_, err = a.Put(ctx, core.Document{ID: "s:e", Body: map[string]any{"name": "e"}})
	require.NoError(t, err)

	_, err = b.Get(ctx, "s:e")
	assert.True(t, core.IsNotFound(err))

	assert.True(t, server.Exists("tagmesh:tagmesh_metadata__a:doc:s:e"))
	seq, err := server.Get("tagmesh:tagmesh_metadata__a:seq")
	require.NoError(t, err)
	assert.Equal(t, "1", seq)
}

func TestStore_SharedServerSeesOtherWriters(t *testing.T) {
	ctx := context.Background()
	server := miniredis.RunT(t)

	writer, err := redis.Open(ctx, "redis://"+server.Addr(), "shared", core.Credentials{})
	require.NoError(t, err)
	defer writer.Close()
	reader, err := redis.Open(ctx, "redis://"+server.Addr(), "shared", core.Credentials{})
	require.NoError(t, err)
	defer reader.Close()

	rev, err := writer.Put(ctx, core.Document{ID: "doc", Body: map[string]any{"v": "1"}})
	require.NoError(t, err)

	doc, err := reader.Get(ctx, "doc")
	require.NoError(t, err)
	assert.Equal(t, rev, doc.Rev)

	_, err = reader.Put(ctx, core.Document{ID: "doc", Rev: rev, Body: map[string]any{"v": "2"}})
	require.NoError(t, err)

	_, err = writer.Put(ctx, core.Document{ID: "doc", Rev: rev, Body: map[string]any{"v": "3"}})
	assert.True(t, core.IsConflict(err), "second writer holding the old revision loses")
}

package memory_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tagmesh/internal/storetest"
	"github.com/aretw0/tagmesh/pkg/adapters/memory"
	"github.com/aretw0/tagmesh/pkg/core"
)

func TestConformance(t *testing.T) {
	storetest.Run(t, func(t *testing.T) core.Store {
		return memory.NewStore("test")
	})
}

func TestRegistry_SharesDataAcrossHandles(t *testing.T) {
	ctx := context.Background()
	reg := memory.NewRegistry()

	a := reg.Open("shared")
	b := reg.Open("shared")

	_, err := a.Put(ctx, core.Document{ID: "x", Body: map[string]any{"v": "1"}})
	require.NoError(t, err)

	doc, err := b.Get(ctx, "x")
	require.NoError(t, err)
	assert.Equal(t, "1", doc.Body["v"])

	require.NoError(t, a.Close())
	_, err = a.Get(ctx, "x")
	assert.True(t, errors.Is(err, core.ErrClosed))

	_, err = b.Get(ctx, "x")
	assert.NoError(t, err, "closing one handle leaves the others usable")
}

func TestOpener_Authentication(t *testing.T) {
	ctx := context.Background()
	o := memory.NewOpener()
	o.Server("mem://couch").RequireUser("alice", "pw")

	_, err := o.OpenRemote(ctx, "mem://couch", "db", core.Credentials{Username: "alice", Password: "bad"})
	assert.True(t, errors.Is(err, core.ErrConnection))

	s, err := o.OpenRemote(ctx, "mem://couch", "db", core.Credentials{Username: "alice", Password: "pw"})
	require.NoError(t, err)
	assert.Equal(t, "db", s.Name())

	other, err := o.OpenRemote(ctx, "mem://elsewhere", "db", core.Credentials{})
	require.NoError(t, err, "servers without users accept anyone")
	_, err = other.Put(ctx, core.Document{ID: "k", Body: map[string]any{}})
	require.NoError(t, err)

	_, err = s.Get(ctx, "k")
	assert.True(t, core.IsNotFound(err), "servers are isolated by base URL")
}

func TestStore_BodiesAreDetached(t *testing.T) {
	ctx := context.Background()
	s := memory.NewStore("t")

	body := map[string]any{"v": "before"}
	_, err := s.Put(ctx, core.Document{ID: "d", Body: body})
	require.NoError(t, err)
	body["v"] = "after"

	doc, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "before", doc.Body["v"])

	doc.Body["v"] = "mutated"
	again, err := s.Get(ctx, "d")
	require.NoError(t, err)
	assert.Equal(t, "before", again.Body["v"])
}

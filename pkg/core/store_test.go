package core_test

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tagmesh/pkg/core"
)

func TestNextRevision(t *testing.T) {
	body := map[string]any{"name": "X"}

	first, err := core.NextRevision("", body)
	require.NoError(t, err)
	gen, hash, err := core.ParseRevision(first)
	require.NoError(t, err)
	assert.Equal(t, 1, gen)
	assert.Len(t, hash, 32)

	again, err := core.NextRevision("", body)
	require.NoError(t, err)
	assert.Equal(t, first, again, "revisions must be deterministic")

	second, err := core.NextRevision(first, body)
	require.NoError(t, err)
	gen, _, err = core.ParseRevision(second)
	require.NoError(t, err)
	assert.Equal(t, 2, gen)
	assert.NotEqual(t, first, second)
}

func TestNextRevision_RejectsMalformedPrevious(t *testing.T) {
	_, err := core.NextRevision("garbage", nil)
	assert.Error(t, err)
}

func TestCompareRevisions(t *testing.T) {
	assert.Equal(t, 1, core.CompareRevisions("2-aaa", "1-fff"))
	assert.Equal(t, -1, core.CompareRevisions("1-aaa", "1-bbb"))
	assert.Equal(t, 0, core.CompareRevisions("3-abc", "3-abc"))
	assert.Equal(t, 1, core.CompareRevisions("10-a", "9-z"), "generation compares numerically")
	assert.Equal(t, -1, core.CompareRevisions("bad", "1-a"))
}

func TestCheckRevision(t *testing.T) {
	assert.NoError(t, core.CheckRevision("a", "", false, ""))
	assert.NoError(t, core.CheckRevision("a", "1-x", true, "1-x"))

	err := core.CheckRevision("a", "2-y", true, "1-x")
	require.Error(t, err)
	assert.True(t, errors.Is(err, core.ErrConflict))

	var conflict *core.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, "2-y", conflict.Current)

	assert.True(t, core.IsConflict(core.CheckRevision("a", "", false, "1-x")))
	assert.True(t, core.IsConflict(core.CheckRevision("a", "1-x", true, "")))
}

func TestWins(t *testing.T) {
	assert.True(t, core.Wins("1-a", "", false))
	assert.True(t, core.Wins("2-a", "1-z", true))
	assert.False(t, core.Wins("1-a", "1-a", true))
	assert.False(t, core.Wins("1-a", "1-b", true))
}

func TestCredentialsResolve(t *testing.T) {
	user, pass := core.Credentials{Username: "alice", Password: "pw"}.Resolve()
	assert.Equal(t, "alice", user)
	assert.Equal(t, "pw", pass)

	header := "Basic " + base64.StdEncoding.EncodeToString([]byte("bob:secret"))
	user, pass = core.Credentials{Headers: map[string]string{"Authorization": header}}.Resolve()
	assert.Equal(t, "bob", user)
	assert.Equal(t, "secret", pass)

	user, pass = core.Credentials{Headers: map[string]string{"Authorization": "Bearer token"}}.Resolve()
	assert.Empty(t, user)
	assert.Empty(t, pass)
}

func TestIsLocalID(t *testing.T) {
	assert.True(t, core.IsLocalID("_local/checkpoint"))
	assert.False(t, core.IsLocalID("subject:entity"))
}

func TestEntityBodyRoundTrip(t *testing.T) {
	e := core.NewEntity("X")
	e.Type = "gene"
	e.Tags["important"] = core.NewAnnotation(&core.Tag{Name: "important", Color: "#fff"}, "n1", "alice")

	body, err := core.EncodeBody(e)
	require.NoError(t, err)

	tags, ok := body["tags"].(map[string]any)
	require.True(t, ok)
	anno, ok := tags["important"].(map[string]any)
	require.True(t, ok)
	assert.Equal(t, "important", anno["tag"])
	assert.Equal(t, "#fff", anno["color"])
	assert.Equal(t, "n1", anno["notes"])

	var back core.Entity
	require.NoError(t, core.DecodeBody(body, &back))
	assert.Equal(t, "X", back.ID)
	assert.Equal(t, "gene", back.Type)
	assert.Equal(t, "important", back.Tags["important"].Tag())
	assert.Equal(t, "#fff", back.Tags["important"].Color())
	assert.Equal(t, "alice", back.Tags["important"].Username)
}

func TestAnnotationOmitsEmptyUsername(t *testing.T) {
	data, err := json.Marshal(core.NewAnnotation(&core.Tag{Name: "t", Color: "c"}, "", ""))
	require.NoError(t, err)
	assert.NotContains(t, string(data), "username")
}

func TestEntityCloneIsDeep(t *testing.T) {
	def := &core.Tag{Name: "t", Color: "red"}
	e := core.NewEntity("A")
	e.Tags["t"] = core.NewAnnotation(def, "one", "")

	cp := e.Clone()
	cp.Tags["t"].Notes = "two"
	delete(cp.Tags, "t")

	assert.Equal(t, "one", e.Tags["t"].Notes)
	assert.False(t, e.IsVirtual())
	assert.True(t, cp.IsVirtual())
}

func TestMapSink(t *testing.T) {
	s := core.NewMapSink()
	s.Set("b", core.NewEntity("b"))
	s.Set("a", core.NewEntity("a"))

	var order []string
	s.Range(func(id string, e *core.Entity) bool {
		order = append(order, id)
		s.Delete(id) // callbacks may mutate
		return true
	})
	assert.Equal(t, []string{"a", "b"}, order)
	assert.Equal(t, 0, s.Len())
}

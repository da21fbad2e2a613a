package tags_test

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tagmesh/pkg/adapters/memory"
	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/identity"
	"github.com/aretw0/tagmesh/pkg/replication"
	"github.com/aretw0/tagmesh/pkg/tags"
)

var testIdentity = identity.Config{SecretRoot: "test-secret", DocumentIDRoot: "tm__"}

func testConfig(opener core.Opener) tags.Config {
	return tags.Config{
		Identity:     testIdentity,
		Opener:       opener,
		SyncInterval: 20 * time.Millisecond,
		Backoff: replication.Backoff{
			InitialInterval: 10 * time.Millisecond,
			MaxInterval:     50 * time.Millisecond,
			MaxRestarts:     5,
			MaxDuration:     time.Second,
		},
	}
}

func newRepo(t *testing.T, opener core.Opener, subject string, sink core.Sink) *tags.Repository {
	t.Helper()
	repo, err := tags.New(context.Background(), testConfig(opener), subject, sink)
	require.NoError(t, err)
	t.Cleanup(func() { _ = repo.Close(context.Background()) })
	return repo
}

// countingOpener counts Put calls per local store.
type countingOpener struct {
	*memory.Opener

	mu   sync.Mutex
	puts map[string]*atomic.Int64
}

func newCountingOpener() *countingOpener {
	return &countingOpener{Opener: memory.NewOpener(), puts: make(map[string]*atomic.Int64)}
}

func (o *countingOpener) counter(name string) *atomic.Int64 {
	o.mu.Lock()
	defer o.mu.Unlock()
	c, ok := o.puts[name]
	if !ok {
		c = new(atomic.Int64)
		o.puts[name] = c
	}
	return c
}

func (o *countingOpener) OpenLocal(ctx context.Context, name string) (core.Store, error) {
	s, err := o.Opener.OpenLocal(ctx, name)
	if err != nil {
		return nil, err
	}
	return countingStore{Store: s, puts: o.counter(name)}, nil
}

type countingStore struct {
	core.Store
	puts *atomic.Int64
}

func (s countingStore) Put(ctx context.Context, doc core.Document) (string, error) {
	s.puts.Add(1)
	return s.Store.Put(ctx, doc)
}

func TestGet_UnknownEntityIsTransient(t *testing.T) {
	sink := core.NewMapSink()
	repo := newRepo(t, memory.NewOpener(), "patient-42", sink)

	e := repo.Get("BRCA1")
	assert.Equal(t, "BRCA1", e.ID)
	assert.Equal(t, "BRCA1", e.Name)
	assert.Empty(t, e.Tags)
	assert.Equal(t, 0, sink.Len(), "a read never adds to the sink")
}

func TestSaveTag_ReapplyingUpdatesInPlace(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, memory.NewOpener(), "patient-42", nil)

	_, err := repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "important", Notes: "n1", Color: "#fff"})
	require.NoError(t, err)
	e, err := repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "important", Notes: "n2", Color: "#fff", Type: "gene"})
	require.NoError(t, err)

	want := &core.Entity{
		ID:   "X",
		Name: "X",
		Type: "gene",
		Tags: map[string]*core.Annotation{
			"important": {Definition: &core.Tag{Name: "important", Color: "#fff"}, Notes: "n2"},
		},
	}
	if diff := cmp.Diff(want, e); diff != "" {
		t.Errorf("entity mismatch (-want +got):\n%s", diff)
	}
	assert.Equal(t, e, repo.Get("X"))
}

func TestSaveTag_RoundTripsThroughStore(t *testing.T) {
	ctx := context.Background()
	opener := memory.NewOpener()

	repo, err := tags.New(ctx, testConfig(opener), "patient-42", nil)
	require.NoError(t, err)
	_, err = repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "important", Notes: "n1", Color: "#fff"})
	require.NoError(t, err)
	require.NoError(t, repo.Close(ctx))

	sink := core.NewMapSink()
	reopened := newRepo(t, opener, "patient-42", sink)

	got := reopened.Get("X")
	require.Contains(t, got.Tags, "important")
	assert.Equal(t, "n1", got.Tags["important"].Notes)
	assert.Equal(t, "#fff", got.Tags["important"].Color())
	assert.Equal(t, "important", got.Tags["important"].Tag())
	assert.Equal(t, 1, sink.Len())
}

func TestGetOrCreateTag_FirstColorWins(t *testing.T) {
	ctx := context.Background()
	opener := memory.NewOpener()
	a := newRepo(t, opener, "subject-a", nil)
	b := newRepo(t, opener, "subject-b", nil)

	first, err := a.GetOrCreateTag(ctx, "flag", "#f00")
	require.NoError(t, err)
	assert.Equal(t, "#f00", first.Color)

	second, err := b.GetOrCreateTag(ctx, "flag", "#0f0")
	require.NoError(t, err)
	assert.Equal(t, "#f00", second.Color, "the schema store is shared across subjects")

	again, err := a.GetOrCreateTag(ctx, "flag", "#00f")
	require.NoError(t, err)
	assert.Same(t, first, again, "cache hit returns the shared definition")
}

// conflictOnceStore makes the first Put of the schema document lose a race
// against another writer.
type conflictOnceStore struct {
	core.Store
	raced atomic.Bool
}

func (s *conflictOnceStore) Put(ctx context.Context, doc core.Document) (string, error) {
	if doc.ID == tags.SchemaDocumentID && doc.Rev != "" && s.raced.CompareAndSwap(false, true) {
		cur, err := s.Store.Get(ctx, doc.ID)
		if err != nil {
			return "", err
		}
		if cur.Body == nil {
			cur.Body = map[string]any{}
		}
		cur.Body["flag"] = map[string]any{"name": "flag", "color": "#abc"}
		if _, err := s.Store.Put(ctx, cur); err != nil {
			return "", err
		}
	}
	return s.Store.Put(ctx, doc)
}

type racingOpener struct {
	*memory.Opener
	schema *conflictOnceStore
}

func (o *racingOpener) OpenLocal(ctx context.Context, name string) (core.Store, error) {
	s, err := o.Opener.OpenLocal(ctx, name)
	if err != nil {
		return nil, err
	}
	if name == testIdentity.SchemaStoreName() {
		o.schema = &conflictOnceStore{Store: s}
		return o.schema, nil
	}
	return s, nil
}

func TestGetOrCreateTag_AdoptsWinnerAfterConflict(t *testing.T) {
	opener := &racingOpener{Opener: memory.NewOpener()}
	repo := newRepo(t, opener, "patient-42", nil)

	tag, err := repo.GetOrCreateTag(context.Background(), "flag", "#f00")
	require.NoError(t, err)
	assert.True(t, opener.schema.raced.Load())
	assert.Equal(t, "#abc", tag.Color, "the concurrent writer's definition wins")
}

func TestRemoveTag(t *testing.T) {
	ctx := context.Background()
	opener := memory.NewOpener()
	repo := newRepo(t, opener, "patient-42", nil)

	_, err := repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "important", Color: "#fff"})
	require.NoError(t, err)
	_, err = repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "later", Color: "#000"})
	require.NoError(t, err)

	require.NoError(t, repo.RemoveTag(ctx, "X", "important"))
	assert.NotContains(t, repo.Get("X").Tags, "important")
	assert.Contains(t, repo.Get("X").Tags, "later")

	require.NoError(t, repo.RemoveTag(ctx, "X", "important"), "second removal is a no-op")
	require.NoError(t, repo.RemoveTag(ctx, "missing", "important"))
	require.NoError(t, repo.RemoveAnnotation(ctx, "X", nil))

	require.NoError(t, repo.Flush(ctx))
	reloaded := newRepo(t, opener, "patient-42", nil)
	assert.NotContains(t, reloaded.Get("X").Tags, "important")
}

func TestClear_OneWritePerAnnotation(t *testing.T) {
	ctx := context.Background()
	opener := newCountingOpener()
	repo := newRepo(t, opener, "patient-42", nil)

	for _, req := range []tags.SaveTagRequest{
		{EntityName: "A", Tag: "t1"},
		{EntityName: "A", Tag: "t2"},
		{EntityName: "B", Tag: "t3"},
	} {
		_, err := repo.SaveTag(ctx, req)
		require.NoError(t, err)
	}
	require.NoError(t, repo.Flush(ctx))

	writes := opener.counter(repo.MetaDataDocumentID())
	writes.Store(0)

	require.NoError(t, repo.Clear(ctx))
	assert.Equal(t, int64(3), writes.Load())
	assert.Empty(t, repo.Get("A").Tags)
	assert.Empty(t, repo.Get("B").Tags)
}

func TestLoadState_SkipsMetadataAndForeignDocuments(t *testing.T) {
	ctx := context.Background()
	opener := memory.NewOpener()
	sink := core.NewMapSink()
	repo := newRepo(t, opener, "patient-42", sink)

	require.NoError(t, repo.SaveMetaData(ctx, map[string]any{"title": "Patient 42"}))
	require.NoError(t, repo.SaveMetaData(ctx, map[string]any{"title": "Patient 42 (revised)"}))

	store := opener.Local.Open(repo.MetaDataDocumentID())
	_, err := store.Put(ctx, core.Document{ID: identity.EntityKey("patient-7", "Y"), Body: map[string]any{"name": "Y"}})
	require.NoError(t, err)
	_, err = store.Put(ctx, core.Document{ID: identity.EntityKey("patient-42", "Z"), Body: map[string]any{
		"name": "Z",
		"tags": map[string]any{"flag": map[string]any{"tag": "flag", "color": "#f00", "notes": "from elsewhere"}},
	}})
	require.NoError(t, err)

	require.NoError(t, repo.LoadState(ctx))

	assert.Equal(t, 1, sink.Len())
	z, ok := sink.Get("Z")
	require.True(t, ok)
	assert.Equal(t, "from elsewhere", z.Tags["flag"].Notes)

	meta, err := store.Get(ctx, repo.MetaDataDocumentID())
	require.NoError(t, err)
	assert.Equal(t, "Patient 42 (revised)", meta.Body["title"])
}

type brokenListStore struct{ core.Store }

func (brokenListStore) List(context.Context, bool) ([]core.Document, error) {
	return nil, errors.New("disk on fire")
}

type brokenOpener struct{ *memory.Opener }

func (o brokenOpener) OpenLocal(ctx context.Context, name string) (core.Store, error) {
	s, err := o.Opener.OpenLocal(ctx, name)
	if err != nil || name == testIdentity.SchemaStoreName() {
		return s, err
	}
	return brokenListStore{s}, nil
}

func TestNew_PropagatesLoadFailure(t *testing.T) {
	_, err := tags.New(context.Background(), testConfig(brokenOpener{memory.NewOpener()}), "patient-42", nil)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "disk on fire")
}

func TestNew_RequiresOpener(t *testing.T) {
	_, err := tags.New(context.Background(), tags.Config{}, "patient-42", nil)
	assert.Error(t, err)
}

func TestFind(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, memory.NewOpener(), "patient-42", nil)
	for _, name := range []string{"gene/BRCA1", "gene/BRCA2", "variant/rs123"} {
		_, err := repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: name, Tag: "seen"})
		require.NoError(t, err)
	}

	found, err := repo.Find("gene/*")
	require.NoError(t, err)
	require.Len(t, found, 2)
	assert.Equal(t, "gene/BRCA1", found[0].ID)
	assert.Equal(t, "gene/BRCA2", found[1].ID)

	_, err = repo.Find("gene/[")
	assert.Error(t, err)
}

func TestClose_RejectsMutations(t *testing.T) {
	ctx := context.Background()
	repo, err := tags.New(ctx, testConfig(memory.NewOpener()), "patient-42", nil)
	require.NoError(t, err)

	require.NoError(t, repo.Close(ctx))
	require.NoError(t, repo.Close(ctx), "close is idempotent")

	_, err = repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "t"})
	assert.ErrorIs(t, err, core.ErrClosed)
	assert.ErrorIs(t, repo.Clear(ctx), core.ErrClosed)
	assert.ErrorIs(t, repo.LoadState(ctx), core.ErrClosed)
}

func TestState(t *testing.T) {
	ctx := context.Background()
	repo := newRepo(t, memory.NewOpener(), "patient-42", nil)
	_, err := repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "a"})
	require.NoError(t, err)
	_, err = repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "X", Tag: "b"})
	require.NoError(t, err)
	require.NoError(t, repo.Flush(ctx))

	st, ok := repo.State().(tags.RepositoryState)
	require.True(t, ok)
	assert.Equal(t, "patient-42", st.SubjectID)
	assert.Equal(t, testIdentity.StorageID("patient-42"), st.StorageID)
	assert.Equal(t, "tm____schema", st.SchemaStore)
	assert.Equal(t, 1, st.Entities)
	assert.Equal(t, 2, st.Annotations)
	assert.Equal(t, 2, st.TagDefinitions)
	assert.Equal(t, 0, st.PendingWrites)
	assert.False(t, st.Connected)
	assert.Equal(t, "repository", repo.ComponentType())
}

func TestRemove_AnnotationStoredUnderForeignKey(t *testing.T) {
	ctx := context.Background()
	opener := memory.NewOpener()
	store := opener.Local.Open(testIdentity.StorageID("patient-42"))
	_, err := store.Put(ctx, core.Document{ID: "patient-42:X", Body: map[string]any{
		"id":   "X",
		"name": "X",
		"tags": map[string]any{
			"orphan":  map[string]any{"tag": "", "color": "#000", "notes": "legacy"},
			"renamed": map[string]any{"tag": "other", "color": "#111", "notes": ""},
		},
	}})
	require.NoError(t, err)

	repo := newRepo(t, opener, "patient-42", nil)
	require.Len(t, repo.Get("X").Tags, 2)

	require.NoError(t, repo.RemoveTag(ctx, "X", "orphan"))
	assert.NotContains(t, repo.Get("X").Tags, "orphan")

	require.NoError(t, repo.RemoveAnnotation(ctx, "X", repo.Get("X").Tags["renamed"]))
	assert.Empty(t, repo.Get("X").Tags)

	require.NoError(t, repo.Flush(ctx))
	doc, err := store.Get(ctx, "patient-42:X")
	require.NoError(t, err)
	assert.Empty(t, doc.Body["tags"], "both removals reach the store")
}

// hookOpener runs onOpen before opening a local store.
type hookOpener struct {
	*memory.Opener
	onOpen func(name string)
}

func (o *hookOpener) OpenLocal(ctx context.Context, name string) (core.Store, error) {
	if o.onOpen != nil {
		o.onOpen(name)
	}
	return o.Opener.OpenLocal(ctx, name)
}

func TestChangeSubject_KeepsWritesQueuedDuringSwitch(t *testing.T) {
	ctx := context.Background()
	opener := &hookOpener{Opener: memory.NewOpener()}
	repo := newRepo(t, opener, "patient-42", nil)

	// The save lands after ChangeSubject flushed but before it swaps stores.
	opener.onOpen = func(name string) {
		if name == testIdentity.StorageID("patient-7") {
			_, err := repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: "late", Tag: "flag"})
			assert.NoError(t, err)
		}
	}
	require.NoError(t, repo.ChangeSubject(ctx, "patient-7", nil, "", ""))

	old := opener.Local.Open(testIdentity.StorageID("patient-42"))
	doc, err := old.Get(ctx, "patient-42:late")
	require.NoError(t, err, "the write reaches the old subject store")
	assert.Contains(t, doc.Body["tags"], "flag")
	assert.True(t, repo.Get("late").IsVirtual(), "the new subject does not see it")
}

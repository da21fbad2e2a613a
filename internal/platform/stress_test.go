package platform

import (
	"context"
	"fmt"
	"math/rand"
	"sync"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/require"

	"github.com/aretw0/tagmesh/pkg/tags"
)

// TestConcurrentMutations hammers one repository from several goroutines and
// checks that what reaches the fs store matches the final in-memory state.
func TestConcurrentMutations(t *testing.T) {
	if testing.Short() {
		t.Skip("skipping stress test in short mode")
	}

	ctx := context.Background()
	dir := t.TempDir()
	opts := []Option{WithDataDir(dir), WithSecretRoot("stress")}

	repo, err := New(ctx, "patient-42", nil, opts...)
	require.NoError(t, err)

	var wg sync.WaitGroup
	for w := range 4 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			rng := rand.New(rand.NewSource(int64(w)))
			for range 50 {
				entity := fmt.Sprintf("e-%d", rng.Intn(5))
				tag := fmt.Sprintf("t-%d", rng.Intn(3))
				if rng.Intn(3) == 0 {
					_ = repo.RemoveTag(ctx, entity, tag)
					continue
				}
				_, err := repo.SaveTag(ctx, tags.SaveTagRequest{EntityName: entity, Tag: tag, Notes: fmt.Sprintf("w%d", w)})
				if err != nil {
					t.Errorf("save: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()

	want := snapshot(repo)
	require.NoError(t, repo.Close(ctx))

	reopened, err := New(ctx, "patient-42", nil, opts...)
	require.NoError(t, err)
	defer reopened.Close(ctx)

	if diff := cmp.Diff(want, snapshot(reopened)); diff != "" {
		t.Errorf("persisted state differs (-memory +disk):\n%s", diff)
	}
}

// snapshot flattens entities into id -> tag -> notes.
func snapshot(repo *tags.Repository) map[string]map[string]string {
	out := make(map[string]map[string]string)
	entities, _ := repo.Find("*")
	for _, e := range entities {
		if len(e.Tags) == 0 {
			continue
		}
		out[e.ID] = make(map[string]string)
		for name, a := range e.Tags {
			out[e.ID][name] = a.Notes
		}
	}
	return out
}


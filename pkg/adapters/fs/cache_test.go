package fs

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestCache_Load(t *testing.T) {
	t.Run("Starts Empty if File Missing", func(t *testing.T) {
		c := newCache(t.TempDir(), ".cache")

		if err := c.Load(); err != nil {
			t.Fatalf("Load failed: %v", err)
		}
		if c.Len() != 0 || c.Seq() != 0 {
			t.Errorf("Expected empty index, got %d entries at seq %d", c.Len(), c.Seq())
		}
	})

	t.Run("Loads Valid JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		cacheDir := filepath.Join(tmpDir, ".cache")
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			t.Fatal(err)
		}

		jsonContent := `{
			"version": 1,
			"seq": 7,
			"entries": {
				"doc1": {"rev": "3-abc", "seq": 7, "digest": "d"}
			}
		}`
		if err := os.WriteFile(filepath.Join(cacheDir, "index.json"), []byte(jsonContent), 0644); err != nil {
			t.Fatal(err)
		}

		c := newCache(tmpDir, ".cache")
		if err := c.Load(); err != nil {
			t.Fatalf("Load failed: %v", err)
		}

		entry, ok := c.Get("doc1")
		if !ok {
			t.Fatal("Expected entry doc1 not found")
		}
		if entry.Rev != "3-abc" || c.Seq() != 7 {
			t.Errorf("unexpected entry %+v at seq %d", entry, c.Seq())
		}
	})

	t.Run("Resets on Corrupted JSON", func(t *testing.T) {
		tmpDir := t.TempDir()
		cacheDir := filepath.Join(tmpDir, ".cache")
		if err := os.MkdirAll(cacheDir, 0755); err != nil {
			t.Fatal(err)
		}
		if err := os.WriteFile(filepath.Join(cacheDir, "index.json"), []byte("{ invalid json"), 0644); err != nil {
			t.Fatal(err)
		}

		c := newCache(tmpDir, ".cache")
		if err := c.Load(); err != nil {
			t.Fatalf("Load should self-heal, got: %v", err)
		}
		if c.Len() != 0 {
			t.Errorf("Expected empty entries after corruption, got %d", c.Len())
		}
	})
}

func TestCache_RecordAndSave(t *testing.T) {
	tmpDir := t.TempDir()
	c := newCache(tmpDir, ".cache")
	now := time.Now().Truncate(time.Second)

	if seq := c.Record("a", "1-x", "d1", now); seq != 1 {
		t.Errorf("first seq = %d, want 1", seq)
	}
	if seq := c.Record("b", "1-y", "d2", now); seq != 2 {
		t.Errorf("second seq = %d, want 2", seq)
	}
	if seq := c.Record("a", "2-z", "d3", now); seq != 3 {
		t.Errorf("third seq = %d, want 3", seq)
	}

	if !c.Fresh("a", now) {
		t.Error("entry should be fresh for its recorded mtime")
	}
	if c.Fresh("a", now.Add(time.Second)) {
		t.Error("entry should be stale for a newer mtime")
	}

	if err := c.Save(); err != nil {
		t.Fatalf("Save failed: %v", err)
	}

	reloaded := newCache(tmpDir, ".cache")
	if err := reloaded.Load(); err != nil {
		t.Fatal(err)
	}
	entry, ok := reloaded.Get("a")
	if !ok || entry.Rev != "2-z" || entry.Seq != 3 {
		t.Errorf("unexpected reloaded entry %+v", entry)
	}
	if reloaded.Seq() != 3 {
		t.Errorf("reloaded seq = %d, want 3", reloaded.Seq())
	}
}

func TestCache_Prune(t *testing.T) {
	c := newCache(t.TempDir(), ".cache")
	now := time.Now()
	c.Record("keep", "1-a", "d", now)
	c.Record("drop", "1-b", "d", now)

	if removed := c.Prune(map[string]bool{"keep": true}); removed != 1 {
		t.Errorf("removed = %d, want 1", removed)
	}
	if _, ok := c.Get("drop"); ok {
		t.Error("pruned entry still present")
	}
	if c.Seq() != 2 {
		t.Error("pruning must not rewind the sequence")
	}
}

package fs

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// indexEntry records what the store knows about one document file.
type indexEntry struct {
	Rev          string    `json:"rev"`
	Seq          int64     `json:"seq"`
	Digest       string    `json:"digest"`
	LastModified time.Time `json:"lastModified"`
}

// index is the persistent sequence and revision state of a store directory.
type index struct {
	Version int                    `json:"version"`
	Seq     int64                  `json:"seq"`
	Entries map[string]*indexEntry `json:"entries"` // keyed by document ID
	dirty   bool
	mu      sync.RWMutex
}

// cache manages loading, updating and saving the index.
type cache struct {
	Path  string // {dir}/{systemDir}/index.json
	index *index
}

func newCache(dir, systemDir string) *cache {
	return &cache{
		Path: filepath.Join(dir, systemDir, "index.json"),
		index: &index{
			Version: 1,
			Entries: make(map[string]*indexEntry),
		},
	}
}

// Load reads the index from disk, replacing what is held in memory. Other
// handles on the same directory may have saved since the last load. A
// missing or corrupt index starts empty; reconciliation then rebuilds it
// from the document files.
func (c *cache) Load() error {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	data, err := os.ReadFile(c.Path)
	if os.IsNotExist(err) {
		return nil
	}
	if err != nil {
		return fmt.Errorf("failed to read index: %w", err)
	}

	var loaded index
	if err := json.Unmarshal(data, &loaded); err != nil || loaded.Entries == nil {
		c.index.Entries = make(map[string]*indexEntry)
		c.index.Seq = 0
		return nil
	}

	c.index.Version = loaded.Version
	c.index.Seq = loaded.Seq
	c.index.Entries = loaded.Entries
	c.index.dirty = false
	return nil
}

// Save persists the index if it changed since the last save.
func (c *cache) Save() error {
	c.index.mu.RLock()
	if !c.index.dirty {
		c.index.mu.RUnlock()
		return nil
	}
	data, err := json.MarshalIndent(c.index, "", "  ")
	c.index.mu.RUnlock()

	if err != nil {
		return err
	}

	if err := os.MkdirAll(filepath.Dir(c.Path), 0755); err != nil {
		return err
	}

	if err := writeFileAtomic(c.Path, data, 0644); err != nil {
		return err
	}

	c.index.mu.Lock()
	c.index.dirty = false
	c.index.mu.Unlock()

	return nil
}

// Get returns the entry for id.
func (c *cache) Get(id string) (indexEntry, bool) {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()

	entry, ok := c.index.Entries[id]
	if !ok {
		return indexEntry{}, false
	}
	return *entry, true
}

// Fresh reports whether the entry for id was recorded for a file with the
// given modification time.
func (c *cache) Fresh(id string, mtime time.Time) bool {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()

	entry, ok := c.index.Entries[id]
	return ok && entry.LastModified.Equal(mtime)
}

// Record stores a new revision of id under the next sequence number and
// returns that number.
func (c *cache) Record(id, rev, digest string, mtime time.Time) int64 {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	c.index.Seq++
	c.index.Entries[id] = &indexEntry{Rev: rev, Seq: c.index.Seq, Digest: digest, LastModified: mtime}
	c.index.dirty = true
	return c.index.Seq
}

// Touch refreshes the modification time of id without a new sequence.
func (c *cache) Touch(id string, mtime time.Time) {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	if entry, ok := c.index.Entries[id]; ok {
		entry.LastModified = mtime
		c.index.dirty = true
	}
}

// Prune removes entries that are not in the keep set.
func (c *cache) Prune(keep map[string]bool) int {
	c.index.mu.Lock()
	defer c.index.mu.Unlock()

	removed := 0
	for id := range c.index.Entries {
		if !keep[id] {
			delete(c.index.Entries, id)
			c.index.dirty = true
			removed++
		}
	}
	return removed
}

// Range iterates over all entries. callback returns false to stop.
func (c *cache) Range(callback func(id string, entry indexEntry) bool) {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()

	for k, v := range c.index.Entries {
		if !callback(k, *v) {
			break
		}
	}
}

// Seq returns the last assigned sequence number.
func (c *cache) Seq() int64 {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()
	return c.index.Seq
}

// Len returns the number of entries.
func (c *cache) Len() int {
	c.index.mu.RLock()
	defer c.index.mu.RUnlock()
	return len(c.index.Entries)
}

// Package fs implements core.Store on the local filesystem: one JSON or YAML
// file per document, atomic writes, a sequence index under a system
// directory, fsnotify-driven reconciliation of external edits, and optional
// git history.
package fs

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/url"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/git"
)

// DefaultSystemDir holds the index and local documents of a store.
const DefaultSystemDir = ".tagmesh"

// Config holds the configuration for filesystem stores.
type Config struct {
	// Path is the root directory. Each store lives in its own subdirectory.
	Path      string
	SystemDir string
	// Format selects the document serializer ("json" or "yaml").
	Format string
	// History commits every document write to a git repository in the
	// store directory.
	History   bool
	MustExist bool
	Logger    *slog.Logger
	// ErrorHandler receives failures from background watch workers.
	ErrorHandler func(error)
}

// Store implements core.Store on a directory.
type Store struct {
	Path       string
	name       string
	config     Config
	serializer Serializer
	git        *git.Client
	cache      *cache
	lockPath   string

	mu            sync.RWMutex
	closed        bool
	watchers      map[chan struct{}]struct{}
	workers       []*watchWorker
	activeWorkers int
	lastReconcile *time.Time
}

// NewStore creates a store handle for name under config.Path. Initialize
// must run before use; Open does both.
func NewStore(config Config, name string) (*Store, error) {
	if config.SystemDir == "" {
		config.SystemDir = DefaultSystemDir
	}
	if config.Logger == nil {
		config.Logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	serializer, err := SerializerFor(config.Format)
	if err != nil {
		return nil, err
	}

	dir := filepath.Join(config.Path, url.QueryEscape(name))
	s := &Store{
		Path:       dir,
		name:       name,
		config:     config,
		serializer: serializer,
		cache:      newCache(dir, config.SystemDir),
		lockPath:   filepath.Join(dir, config.SystemDir, "write.lock"),
		watchers:   make(map[chan struct{}]struct{}),
	}
	if config.History {
		s.git = git.NewClient(dir, config.SystemDir+".lock", config.Logger)
		s.git.Author = "tagmesh"
		s.git.Email = "tagmesh@localhost"
	}
	return s, nil
}

// Open creates and initializes a store.
func Open(ctx context.Context, config Config, name string) (*Store, error) {
	s, err := NewStore(config, name)
	if err != nil {
		return nil, err
	}
	if err := s.Initialize(ctx); err != nil {
		return nil, err
	}
	return s, nil
}

// Initialize creates the directories, loads the index, prepares git history
// when enabled, and reconciles files changed while the store was closed.
func (s *Store) Initialize(ctx context.Context) error {
	if s.config.MustExist {
		info, err := os.Stat(s.config.Path)
		if os.IsNotExist(err) {
			return fmt.Errorf("data path does not exist: %s", s.config.Path)
		}
		if err == nil && !info.IsDir() {
			return fmt.Errorf("data path is not a directory: %s", s.config.Path)
		}
	}
	if err := os.MkdirAll(filepath.Join(s.Path, s.config.SystemDir, "local"), 0755); err != nil {
		return fmt.Errorf("failed to create store directory: %w", err)
	}

	if err := s.cache.Load(); err != nil {
		return err
	}

	if s.git != nil {
		if err := s.initHistory(ctx); err != nil {
			return err
		}
	}

	if _, err := s.Reconcile(ctx); err != nil {
		return fmt.Errorf("failed to reconcile %s: %w", s.name, err)
	}
	return nil
}

func (s *Store) initHistory(ctx context.Context) error {
	if !git.IsInstalled() {
		return fmt.Errorf("git is not installed")
	}

	wasNewRepo := false
	if !s.git.IsRepo(ctx) {
		if err := s.git.Init(ctx); err != nil {
			return fmt.Errorf("failed to git init: %w", err)
		}
		wasNewRepo = true
	}

	mod, err := s.ensureIgnore()
	if err != nil {
		return fmt.Errorf("failed to ensure .gitignore: %w", err)
	}

	if mod && wasNewRepo {
		if err := s.git.Add(ctx, ".gitignore"); err != nil {
			return fmt.Errorf("failed to add .gitignore: %w", err)
		}
		if err := s.git.Commit(ctx, fmt.Sprintf("chore: configure %s ignore", s.config.SystemDir)); err != nil {
			return fmt.Errorf("failed to commit .gitignore: %w", err)
		}
	}
	return nil
}

func (s *Store) ensureIgnore() (bool, error) {
	ignorePath := filepath.Join(s.Path, ".gitignore")
	wanted := []string{s.config.SystemDir + "/", s.config.SystemDir + ".lock", TempFilePrefix + "*"}

	content, err := os.ReadFile(ignorePath)
	if err != nil && !os.IsNotExist(err) {
		return false, err
	}

	present := make(map[string]bool)
	for _, line := range strings.Split(string(content), "\n") {
		present[strings.TrimSpace(line)] = true
	}

	var missing []string
	for _, entry := range wanted {
		if !present[entry] {
			missing = append(missing, entry)
		}
	}
	if len(missing) == 0 {
		return false, nil
	}

	f, err := os.OpenFile(ignorePath, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0644)
	if err != nil {
		return false, err
	}
	defer f.Close()

	if len(content) > 0 && !strings.HasSuffix(string(content), "\n") {
		if _, err := f.WriteString("\n"); err != nil {
			return false, err
		}
	}
	if _, err := f.WriteString(strings.Join(missing, "\n") + "\n"); err != nil {
		return false, err
	}
	return true, nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) fileName(id string) string {
	return url.QueryEscape(id) + s.serializer.Ext()
}

func (s *Store) docPath(id string) string {
	return filepath.Join(s.Path, s.fileName(id))
}

func (s *Store) localPath(id string) string {
	name := url.QueryEscape(strings.TrimPrefix(id, core.LocalPrefix)) + ".json"
	return filepath.Join(s.Path, s.config.SystemDir, "local", name)
}

func (s *Store) read(id string) (envelope, error) {
	data, err := os.ReadFile(s.docPath(id))
	if os.IsNotExist(err) {
		return envelope{}, core.ErrNotFound
	}
	if err != nil {
		return envelope{}, fmt.Errorf("failed to read %s: %w", id, err)
	}
	env, err := s.serializer.Unmarshal(data)
	if err != nil {
		return envelope{}, fmt.Errorf("failed to parse %s: %w", id, err)
	}
	return env, nil
}

func (s *Store) Get(ctx context.Context, id string) (core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return core.Document{}, core.ErrClosed
	}

	if core.IsLocalID(id) {
		data, err := os.ReadFile(s.localPath(id))
		if os.IsNotExist(err) {
			return core.Document{}, core.ErrNotFound
		}
		if err != nil {
			return core.Document{}, err
		}
		var body map[string]any
		if err := json.Unmarshal(data, &body); err != nil {
			return core.Document{}, fmt.Errorf("failed to parse %s: %w", id, err)
		}
		return core.Document{ID: id, Body: body}, nil
	}

	env, err := s.read(id)
	if err != nil {
		return core.Document{}, err
	}
	return core.Document{ID: id, Rev: env.Rev, Body: env.Body}, nil
}

func (s *Store) Put(ctx context.Context, doc core.Document) (string, error) {
	if doc.ID == "" {
		return "", fmt.Errorf("document has no ID")
	}
	body, err := core.CloneBody(doc.Body)
	if err != nil {
		return "", err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrClosed
	}

	if core.IsLocalID(doc.ID) {
		data, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		if err := writeFileAtomic(s.localPath(doc.ID), data, 0644); err != nil {
			return "", fmt.Errorf("failed to write file: %w", err)
		}
		return "", nil
	}

	unlock, err := s.lockIndex(ctx)
	if err != nil {
		return "", err
	}
	defer unlock()

	current, exists, err := s.currentLocked(doc.ID)
	if err != nil {
		return "", err
	}
	if err := core.CheckRevision(doc.ID, current, exists, doc.Rev); err != nil {
		return "", err
	}
	rev, err := core.NextRevision(current, body)
	if err != nil {
		return "", err
	}
	if err := s.writeLocked(ctx, doc.ID, rev, body); err != nil {
		return "", err
	}
	return rev, nil
}

func (s *Store) Apply(ctx context.Context, doc core.Document) (bool, error) {
	body, err := core.CloneBody(doc.Body)
	if err != nil {
		return false, err
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.ErrClosed
	}

	unlock, err := s.lockIndex(ctx)
	if err != nil {
		return false, err
	}
	defer unlock()

	current, exists, err := s.currentLocked(doc.ID)
	if err != nil {
		return false, err
	}
	if !core.Wins(doc.Rev, current, exists) {
		return false, nil
	}
	if err := s.writeLocked(ctx, doc.ID, doc.Rev, body); err != nil {
		return false, err
	}
	return true, nil
}

// lockIndex takes the directory lock shared with other handles and reloads
// the index they may have advanced. Sequence numbers are only assigned while
// it is held.
func (s *Store) lockIndex(ctx context.Context) (func(), error) {
	unlock, err := lockFile(ctx, s.lockPath)
	if err != nil {
		return nil, err
	}
	if err := s.cache.Load(); err != nil {
		unlock()
		return nil, err
	}
	return unlock, nil
}

// currentLocked returns the revision on disk for id.
func (s *Store) currentLocked(id string) (string, bool, error) {
	env, err := s.read(id)
	if core.IsNotFound(err) {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return env.Rev, true, nil
}

// writeLocked stores a revision of id, indexes it and signals watchers. It
// must be called with mu held for writing and the directory lock taken.
func (s *Store) writeLocked(ctx context.Context, id, rev string, body map[string]any) error {
	data, err := s.serializer.Marshal(envelope{ID: id, Rev: rev, Body: body})
	if err != nil {
		return fmt.Errorf("failed to serialize document: %w", err)
	}

	path := s.docPath(id)
	if err := writeFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write file: %w", err)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	sum, err := digest(body)
	if err != nil {
		return err
	}
	s.cache.Record(id, rev, sum, info.ModTime())
	if err := s.cache.Save(); err != nil {
		return fmt.Errorf("failed to save index: %w", err)
	}

	if s.git != nil {
		s.commit(ctx, s.fileName(id), "update "+id)
	}

	s.notifyLocked()
	return nil
}

// commit records a file in git history. Failures are logged; the document
// write has already succeeded.
func (s *Store) commit(ctx context.Context, file, msg string) {
	unlock, err := s.git.Lock(ctx)
	if err != nil {
		s.config.Logger.Warn("git history skipped", "file", file, "error", err)
		return
	}
	defer unlock()

	if err := s.git.Add(ctx, file); err != nil {
		s.config.Logger.Warn("git add failed", "file", file, "error", err)
		return
	}
	if err := s.git.Commit(ctx, msg); err != nil {
		s.config.Logger.Warn("git commit failed", "file", file, "error", err)
	}
}

func (s *Store) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) List(ctx context.Context, includeBody bool) ([]core.Document, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	if err := s.cache.Load(); err != nil {
		return nil, err
	}

	var docs []core.Document
	s.cache.Range(func(id string, entry indexEntry) bool {
		docs = append(docs, core.Document{ID: id, Rev: entry.Rev})
		return true
	})
	sort.Slice(docs, func(i, j int) bool { return docs[i].ID < docs[j].ID })

	if !includeBody {
		return docs, nil
	}

	out := docs[:0]
	for _, doc := range docs {
		env, err := s.read(doc.ID)
		if core.IsNotFound(err) {
			s.config.Logger.Debug("indexed document missing on disk", "id", doc.ID)
			continue
		}
		if err != nil {
			return nil, err
		}
		doc.Rev = env.Rev
		doc.Body = env.Body
		out = append(out, doc)
	}
	return out, nil
}

func (s *Store) Changes(ctx context.Context, since int64) ([]core.Change, int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return nil, 0, core.ErrClosed
	}
	if err := s.cache.Load(); err != nil {
		return nil, 0, err
	}

	var changes []core.Change
	s.cache.Range(func(id string, entry indexEntry) bool {
		if entry.Seq > since {
			changes = append(changes, core.Change{Seq: entry.Seq, ID: id, Rev: entry.Rev})
		}
		return true
	})
	sort.Slice(changes, func(i, j int) bool { return changes[i].Seq < changes[j].Seq })
	return changes, s.cache.Seq(), nil
}

// Reconcile scans the store directory and indexes files written or edited
// outside this handle. Hand edits that keep the old revision get a new one.
// It returns the IDs that changed.
func (s *Store) Reconcile(ctx context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}

	unlock, err := s.lockIndex(ctx)
	if err != nil {
		return nil, err
	}
	defer unlock()

	entries, err := os.ReadDir(s.Path)
	if err != nil {
		return nil, err
	}

	ext := s.serializer.Ext()
	keep := make(map[string]bool)
	var changed []string

	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || isTempFile(name) || !strings.HasSuffix(name, ext) {
			continue
		}
		id, err := url.QueryUnescape(strings.TrimSuffix(name, ext))
		if err != nil || id == "" || core.IsLocalID(id) {
			continue
		}
		keep[id] = true

		info, err := e.Info()
		if err != nil {
			continue
		}
		if s.cache.Fresh(id, info.ModTime()) {
			continue
		}

		env, err := s.read(id)
		if err != nil {
			s.config.Logger.Warn("skipping unreadable document", "id", id, "error", err)
			continue
		}
		sum, err := digest(env.Body)
		if err != nil {
			return changed, err
		}

		prev, known := s.cache.Get(id)
		_, _, revErr := core.ParseRevision(env.Rev)
		switch {
		case known && prev.Rev == env.Rev && prev.Digest == sum:
			s.cache.Touch(id, info.ModTime())
		case revErr != nil || (known && prev.Rev == env.Rev):
			base := env.Rev
			if revErr != nil {
				base = ""
			}
			rev, err := core.NextRevision(base, env.Body)
			if err != nil {
				return changed, err
			}
			if err := s.writeLocked(ctx, id, rev, env.Body); err != nil {
				return changed, err
			}
			changed = append(changed, id)
		default:
			s.cache.Record(id, env.Rev, sum, info.ModTime())
			changed = append(changed, id)
		}
	}

	pruned := s.cache.Prune(keep)
	if err := s.cache.Save(); err != nil {
		return changed, err
	}
	if len(changed) > 0 || pruned > 0 {
		s.config.Logger.Debug("reconciled store", "store", s.name, "changed", len(changed), "pruned", pruned)
		s.notifyLocked()
	}

	now := time.Now()
	s.lastReconcile = &now
	return changed, nil
}

// Close stops watch workers and releases the handle.
func (s *Store) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	workers := s.workers
	s.workers = nil
	for ch := range s.watchers {
		delete(s.watchers, ch)
	}
	s.mu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	for _, w := range workers {
		_ = w.Stop(ctx)
	}
	return nil
}

func digest(body map[string]any) (string, error) {
	data, err := json.Marshal(body)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:]), nil
}

var (
	_ core.Store     = (*Store)(nil)
	_ core.Watchable = (*Store)(nil)
)

// Package sqlite implements core.Store on SQLite, one database file per store.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"sync"

	_ "modernc.org/sqlite" // pure go sqlite driver

	"github.com/aretw0/tagmesh/pkg/core"
)

const schema = `
CREATE TABLE IF NOT EXISTS docs (
	id   TEXT PRIMARY KEY,
	rev  TEXT NOT NULL,
	seq  INTEGER NOT NULL,
	body BLOB NOT NULL
);
CREATE INDEX IF NOT EXISTS docs_seq ON docs(seq);
CREATE TABLE IF NOT EXISTS local_docs (
	id   TEXT PRIMARY KEY,
	body BLOB NOT NULL
);`

// Store persists documents in a SQLite database.
type Store struct {
	name string
	path string
	db   *sql.DB

	mu       sync.Mutex
	closed   bool
	watchers map[chan struct{}]struct{}
}

// Open opens (creating if needed) the database for name inside dir.
func Open(ctx context.Context, dir, name string) (*Store, error) {
	if dir == "" {
		dir = "."
	}
	if err := os.MkdirAll(dir, 0o750); err != nil && !errors.Is(err, os.ErrExist) {
		return nil, fmt.Errorf("create dirs: %w", err)
	}
	path := filepath.Join(dir, url.QueryEscape(name)+".db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)
	if _, err := db.ExecContext(ctx, schema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create tables: %w", err)
	}
	return &Store{
		name:     name,
		path:     path,
		db:       db,
		watchers: make(map[chan struct{}]struct{}),
	}, nil
}

func (s *Store) Name() string { return s.name }

// Path returns the database file.
func (s *Store) Path() string { return s.path }

func (s *Store) Get(ctx context.Context, id string) (core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.Document{}, core.ErrClosed
	}

	if core.IsLocalID(id) {
		var raw []byte
		err := s.db.QueryRowContext(ctx, `SELECT body FROM local_docs WHERE id = ?`, id).Scan(&raw)
		if errors.Is(err, sql.ErrNoRows) {
			return core.Document{}, core.ErrNotFound
		}
		if err != nil {
			return core.Document{}, fmt.Errorf("select local %s: %w", id, err)
		}
		body, err := decode(raw)
		if err != nil {
			return core.Document{}, err
		}
		return core.Document{ID: id, Body: body}, nil
	}

	var rev string
	var raw []byte
	err := s.db.QueryRowContext(ctx, `SELECT rev, body FROM docs WHERE id = ?`, id).Scan(&rev, &raw)
	if errors.Is(err, sql.ErrNoRows) {
		return core.Document{}, core.ErrNotFound
	}
	if err != nil {
		return core.Document{}, fmt.Errorf("select %s: %w", id, err)
	}
	body, err := decode(raw)
	if err != nil {
		return core.Document{}, err
	}
	return core.Document{ID: id, Rev: rev, Body: body}, nil
}

func (s *Store) Put(ctx context.Context, doc core.Document) (string, error) {
	raw, err := json.Marshal(nonNil(doc.Body))
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return "", core.ErrClosed
	}

	if core.IsLocalID(doc.ID) {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO local_docs (id, body) VALUES (?, ?)
			 ON CONFLICT(id) DO UPDATE SET body = excluded.body`, doc.ID, raw)
		if err != nil {
			return "", fmt.Errorf("upsert local %s: %w", doc.ID, err)
		}
		return "", nil
	}

	var rev string
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, exists, err := currentRev(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		if err := core.CheckRevision(doc.ID, current, exists, doc.Rev); err != nil {
			return err
		}
		rev, err = core.NextRevision(current, nonNil(doc.Body))
		if err != nil {
			return err
		}
		return upsert(ctx, tx, doc.ID, rev, raw)
	})
	if err != nil {
		return "", err
	}
	s.notifyLocked()
	return rev, nil
}

func (s *Store) Apply(ctx context.Context, doc core.Document) (bool, error) {
	raw, err := json.Marshal(nonNil(doc.Body))
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", doc.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false, core.ErrClosed
	}

	applied := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, exists, err := currentRev(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		if !core.Wins(doc.Rev, current, exists) {
			return nil
		}
		applied = true
		return upsert(ctx, tx, doc.ID, doc.Rev, raw)
	})
	if err != nil {
		return false, err
	}
	if applied {
		s.notifyLocked()
	}
	return applied, nil
}

func (s *Store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) (retErr error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin: %w", err)
	}
	defer func() {
		if retErr != nil {
			_ = tx.Rollback()
		}
	}()
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func currentRev(ctx context.Context, tx *sql.Tx, id string) (string, bool, error) {
	var rev string
	err := tx.QueryRowContext(ctx, `SELECT rev FROM docs WHERE id = ?`, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select rev %s: %w", id, err)
	}
	return rev, true, nil
}

func upsert(ctx context.Context, tx *sql.Tx, id, rev string, raw []byte) error {
	var seq int64
	if err := tx.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) + 1 FROM docs`).Scan(&seq); err != nil {
		return fmt.Errorf("next seq: %w", err)
	}
	_, err := tx.ExecContext(ctx,
		`INSERT INTO docs (id, rev, seq, body) VALUES (?, ?, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET rev = excluded.rev, seq = excluded.seq, body = excluded.body`,
		id, rev, seq, raw)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, includeBody bool) ([]core.Document, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT id, rev, body FROM docs ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("select docs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var docs []core.Document
	for rows.Next() {
		var doc core.Document
		var raw []byte
		if err := rows.Scan(&doc.ID, &doc.Rev, &raw); err != nil {
			return nil, fmt.Errorf("scan: %w", err)
		}
		if includeBody {
			if doc.Body, err = decode(raw); err != nil {
				return nil, err
			}
		}
		docs = append(docs, doc)
	}
	return docs, rows.Err()
}

func (s *Store) Changes(ctx context.Context, since int64) ([]core.Change, int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, 0, core.ErrClosed
	}

	rows, err := s.db.QueryContext(ctx, `SELECT seq, id, rev FROM docs WHERE seq > ? ORDER BY seq`, since)
	if err != nil {
		return nil, 0, fmt.Errorf("select changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []core.Change
	for rows.Next() {
		var ch core.Change
		if err := rows.Scan(&ch.Seq, &ch.ID, &ch.Rev); err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		changes = append(changes, ch)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}

	var last int64
	if err := s.db.QueryRowContext(ctx, `SELECT COALESCE(MAX(seq), 0) FROM docs`).Scan(&last); err != nil {
		return nil, 0, fmt.Errorf("last seq: %w", err)
	}
	return changes, last, nil
}

// Watch signals after every revision stored through this handle.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, core.ErrClosed
	}
	ch := make(chan struct{}, 1)
	s.watchers[ch] = struct{}{}
	go func() {
		<-ctx.Done()
		s.mu.Lock()
		delete(s.watchers, ch)
		s.mu.Unlock()
	}()
	return ch, nil
}

func (s *Store) notifyLocked() {
	for ch := range s.watchers {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.db.Close()
}

func decode(raw []byte) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal(raw, &body); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return nonNil(body), nil
}

func nonNil(body map[string]any) map[string]any {
	if body == nil {
		return map[string]any{}
	}
	return body
}

var (
	_ core.Store     = (*Store)(nil)
	_ core.Watchable = (*Store)(nil)
)

// Package postgres implements core.Store on PostgreSQL. Many stores share
// one pair of tables, partitioned by store name.
package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"net/url"
	"sync"

	_ "github.com/jackc/pgx/v5/stdlib" // register pgx as a database/sql driver

	"github.com/aretw0/tagmesh/pkg/core"
)

const defaultDriver = "pgx"

var ddl = []string{
	`CREATE SEQUENCE IF NOT EXISTS tagmesh_seq`,
	`CREATE TABLE IF NOT EXISTS tagmesh_docs (
		store TEXT NOT NULL,
		id    TEXT NOT NULL,
		rev   TEXT NOT NULL,
		seq   BIGINT NOT NULL,
		body  JSONB NOT NULL,
		PRIMARY KEY (store, id)
	)`,
	`CREATE INDEX IF NOT EXISTS tagmesh_docs_seq ON tagmesh_docs (store, seq)`,
	`CREATE TABLE IF NOT EXISTS tagmesh_local (
		store TEXT NOT NULL,
		id    TEXT NOT NULL,
		body  JSONB NOT NULL,
		PRIMARY KEY (store, id)
	)`,
}

// Store is one named document store inside a PostgreSQL database.
type Store struct {
	db   *sql.DB
	name string

	mu     sync.Mutex
	closed bool
}

// Open connects to dsn and ensures the tables exist. Credentials, when set,
// replace the user info of dsn.
func Open(ctx context.Context, dsn, name string, creds core.Credentials) (*Store, error) {
	dsn, err := withCredentials(dsn, creds)
	if err != nil {
		return nil, err
	}
	db, err := sql.Open(defaultDriver, dsn)
	if err != nil {
		return nil, fmt.Errorf("open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("%w: ping postgres: %v", core.ErrConnection, err)
	}
	for _, stmt := range ddl {
		if _, err := db.ExecContext(ctx, stmt); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("apply ddl: %w", err)
		}
	}
	return &Store{db: db, name: name}, nil
}

func withCredentials(dsn string, creds core.Credentials) (string, error) {
	user, pass := creds.Resolve()
	if user == "" {
		return dsn, nil
	}
	u, err := url.Parse(dsn)
	if err != nil {
		return "", fmt.Errorf("parse dsn: %w", err)
	}
	if pass == "" {
		u.User = url.User(user)
	} else {
		u.User = url.UserPassword(user, pass)
	}
	return u.String(), nil
}

func (s *Store) Name() string { return s.name }

func (s *Store) check() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return core.ErrClosed
	}
	return nil
}

func (s *Store) Get(ctx context.Context, id string) (core.Document, error) {
	if err := s.check(); err != nil {
		return core.Document{}, err
	}

	if core.IsLocalID(id) {
		var raw []byte
		err := s.db.QueryRowContext(ctx,
			`SELECT body FROM tagmesh_local WHERE store = $1 AND id = $2`, s.name, id).Scan(&raw)
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
	err := s.db.QueryRowContext(ctx,
		`SELECT rev, body FROM tagmesh_docs WHERE store = $1 AND id = $2`, s.name, id).Scan(&rev, &raw)
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
	if err := s.check(); err != nil {
		return "", err
	}
	raw, err := json.Marshal(nonNil(doc.Body))
	if err != nil {
		return "", fmt.Errorf("encode %s: %w", doc.ID, err)
	}

	if core.IsLocalID(doc.ID) {
		_, err := s.db.ExecContext(ctx,
			`INSERT INTO tagmesh_local (store, id, body) VALUES ($1, $2, $3)
			 ON CONFLICT (store, id) DO UPDATE SET body = EXCLUDED.body`, s.name, doc.ID, raw)
		if err != nil {
			return "", fmt.Errorf("upsert local %s: %w", doc.ID, err)
		}
		return "", nil
	}

	var rev string
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, exists, err := s.currentRev(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		if err := core.CheckRevision(doc.ID, current, exists, doc.Rev); err != nil {
			return err
		}
		if rev, err = core.NextRevision(current, nonNil(doc.Body)); err != nil {
			return err
		}
		return s.upsert(ctx, tx, doc.ID, rev, raw)
	})
	if err != nil {
		return "", err
	}
	return rev, nil
}

func (s *Store) Apply(ctx context.Context, doc core.Document) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}
	raw, err := json.Marshal(nonNil(doc.Body))
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", doc.ID, err)
	}

	applied := false
	err = s.inTx(ctx, func(tx *sql.Tx) error {
		current, exists, err := s.currentRev(ctx, tx, doc.ID)
		if err != nil {
			return err
		}
		if !core.Wins(doc.Rev, current, exists) {
			return nil
		}
		applied = true
		return s.upsert(ctx, tx, doc.ID, doc.Rev, raw)
	})
	if err != nil {
		return false, err
	}
	return applied, nil
}

// inTx runs fn holding a transaction-scoped advisory lock on the store name,
// so sequence numbers commit in the order they were drawn.
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
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock(hashtext($1))`, s.name); err != nil {
		return fmt.Errorf("lock store: %w", err)
	}
	if err := fn(tx); err != nil {
		return err
	}
	return tx.Commit()
}

func (s *Store) currentRev(ctx context.Context, tx *sql.Tx, id string) (string, bool, error) {
	var rev string
	err := tx.QueryRowContext(ctx,
		`SELECT rev FROM tagmesh_docs WHERE store = $1 AND id = $2 FOR UPDATE`, s.name, id).Scan(&rev)
	if errors.Is(err, sql.ErrNoRows) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("select rev %s: %w", id, err)
	}
	return rev, true, nil
}

func (s *Store) upsert(ctx context.Context, tx *sql.Tx, id, rev string, raw []byte) error {
	_, err := tx.ExecContext(ctx,
		`INSERT INTO tagmesh_docs (store, id, rev, seq, body) VALUES ($1, $2, $3, nextval('tagmesh_seq'), $4)
		 ON CONFLICT (store, id) DO UPDATE SET rev = EXCLUDED.rev, seq = EXCLUDED.seq, body = EXCLUDED.body`,
		s.name, id, rev, raw)
	if err != nil {
		return fmt.Errorf("upsert %s: %w", id, err)
	}
	return nil
}

func (s *Store) List(ctx context.Context, includeBody bool) ([]core.Document, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT id, rev, body FROM tagmesh_docs WHERE store = $1 ORDER BY id`, s.name)
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
	if err := s.check(); err != nil {
		return nil, 0, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT seq, id, rev FROM tagmesh_docs WHERE store = $1 AND seq > $2 ORDER BY seq`, s.name, since)
	if err != nil {
		return nil, 0, fmt.Errorf("select changes: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var changes []core.Change
	last := since
	for rows.Next() {
		var ch core.Change
		if err := rows.Scan(&ch.Seq, &ch.ID, &ch.Rev); err != nil {
			return nil, 0, fmt.Errorf("scan: %w", err)
		}
		changes = append(changes, ch)
		last = ch.Seq
	}
	if err := rows.Err(); err != nil {
		return nil, 0, err
	}
	if len(changes) == 0 {
		if err := s.db.QueryRowContext(ctx,
			`SELECT COALESCE(MAX(seq), 0) FROM tagmesh_docs WHERE store = $1`, s.name).Scan(&last); err != nil {
			return nil, 0, fmt.Errorf("last seq: %w", err)
		}
	}
	return changes, last, nil
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

var _ core.Store = (*Store)(nil)

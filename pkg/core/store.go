package core

import (
	"context"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// LocalPrefix marks documents that belong to one replica only. Local
// documents are never listed, never appear in the changes feed and are
// therefore never replicated.
const LocalPrefix = "_local/"

// IsLocalID reports whether id names a local document.
func IsLocalID(id string) bool {
	return strings.HasPrefix(id, LocalPrefix)
}

// Document is the opaque record a Store round-trips.
type Document struct {
	ID   string
	Rev  string
	Body map[string]any
}

// Change is one entry of a store's changes feed.
type Change struct {
	Seq int64
	ID  string
	Rev string
}

// Store defines the contract for one logical replicated document store.
// Adhering to this interface allows the repository to be independent of the
// underlying storage mechanism (Filesystem, SQLite, Redis, Postgres, memory).
type Store interface {
	// Name returns the logical store name (the derived identifier for subject stores).
	Name() string

	// Get retrieves a document by ID. A miss returns ErrNotFound.
	Get(ctx context.Context, id string) (Document, error)

	// Put writes a document with optimistic concurrency. doc.Rev must be the
	// current revision, or empty for a new document; otherwise a
	// *ConflictError is returned. It returns the new revision.
	Put(ctx context.Context, doc Document) (string, error)

	// Apply stores a replicated document under its own revision when that
	// revision wins over the current one. It reports whether it was stored.
	Apply(ctx context.Context, doc Document) (bool, error)

	// List returns every non-local document ordered by ID.
	List(ctx context.Context, includeBody bool) ([]Document, error)

	// Changes returns the latest change per ID with a sequence greater than
	// since, ordered by sequence, and the last sequence of the store.
	Changes(ctx context.Context, since int64) ([]Change, int64, error)

	// Close releases the store's resources.
	Close() error
}

// Watchable is implemented by stores that can signal that new changes may
// be available. Signals are coalesced; receivers re-read the changes feed.
type Watchable interface {
	Watch(ctx context.Context) (<-chan struct{}, error)
}

// Credentials authenticate a remote store handle.
type Credentials struct {
	Username string
	Password string
	Headers  map[string]string
}

// Resolve returns the username and password to use. An explicit username
// wins; otherwise a Basic Authorization header is decoded.
func (c Credentials) Resolve() (string, string) {
	if c.Username != "" {
		return c.Username, c.Password
	}
	auth := c.Headers["Authorization"]
	if auth == "" {
		auth = c.Headers["authorization"]
	}
	scheme, value, ok := strings.Cut(auth, " ")
	if !ok || !strings.EqualFold(scheme, "basic") {
		return "", ""
	}
	raw, err := base64.StdEncoding.DecodeString(strings.TrimSpace(value))
	if err != nil {
		return "", ""
	}
	user, pass, _ := strings.Cut(string(raw), ":")
	return user, pass
}

// Opener constructs store handles. Local stores are keyed by name; remote
// stores additionally by the server base URL.
type Opener interface {
	OpenLocal(ctx context.Context, name string) (Store, error)
	OpenRemote(ctx context.Context, baseURL, name string, creds Credentials) (Store, error)
}

// NextRevision computes the revision that follows prev for the given body.
func NextRevision(prev string, body map[string]any) (string, error) {
	gen := 0
	if prev != "" {
		g, _, err := ParseRevision(prev)
		if err != nil {
			return "", err
		}
		gen = g
	}
	data, err := json.Marshal(body)
	if err != nil {
		return "", fmt.Errorf("encode body: %w", err)
	}
	h := sha256.New()
	h.Write([]byte(prev))
	h.Write(data)
	return strconv.Itoa(gen+1) + "-" + hex.EncodeToString(h.Sum(nil))[:32], nil
}

// ParseRevision splits a revision into its generation and hash.
func ParseRevision(rev string) (int, string, error) {
	genPart, hash, ok := strings.Cut(rev, "-")
	if !ok || hash == "" {
		return 0, "", fmt.Errorf("malformed revision %q", rev)
	}
	gen, err := strconv.Atoi(genPart)
	if err != nil || gen < 1 {
		return 0, "", fmt.Errorf("malformed revision %q", rev)
	}
	return gen, hash, nil
}

// CompareRevisions orders revisions by generation, then by hash.
// Malformed revisions sort before well-formed ones.
func CompareRevisions(a, b string) int {
	ga, ha, errA := ParseRevision(a)
	gb, hb, errB := ParseRevision(b)
	switch {
	case errA != nil && errB != nil:
		return strings.Compare(a, b)
	case errA != nil:
		return -1
	case errB != nil:
		return 1
	case ga != gb:
		if ga < gb {
			return -1
		}
		return 1
	default:
		return strings.Compare(ha, hb)
	}
}

// CheckRevision validates the revision supplied to Put against the stored one.
func CheckRevision(id string, current string, exists bool, supplied string) error {
	if !exists {
		if supplied != "" {
			return &ConflictError{ID: id, Expected: supplied}
		}
		return nil
	}
	if supplied != current {
		return &ConflictError{ID: id, Expected: supplied, Current: current}
	}
	return nil
}

// Wins reports whether an incoming revision replaces the current one under
// the deterministic winner policy every replica applies.
func Wins(incoming, current string, exists bool) bool {
	if !exists {
		return true
	}
	return CompareRevisions(incoming, current) > 0
}

// CloneBody returns a detached copy of a document body.
func CloneBody(body map[string]any) (map[string]any, error) {
	if body == nil {
		return nil, nil
	}
	data, err := json.Marshal(body)
	if err != nil {
		return nil, fmt.Errorf("encode body: %w", err)
	}
	var out map[string]any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, fmt.Errorf("decode body: %w", err)
	}
	return out, nil
}

// EncodeBody converts a typed value into a document body.
func EncodeBody(v any) (map[string]any, error) {
	data, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal typed data: %w", err)
	}
	var body map[string]any
	if err := json.Unmarshal(data, &body); err != nil {
		return nil, fmt.Errorf("failed to convert typed data to map: %w", err)
	}
	return body, nil
}

// DecodeBody converts a document body into a typed value.
func DecodeBody(body map[string]any, v any) error {
	data, err := json.Marshal(body)
	if err != nil {
		return fmt.Errorf("failed to marshal document body: %w", err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("failed to unmarshal document body: %w", err)
	}
	return nil
}

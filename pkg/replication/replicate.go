// Package replication moves documents between core.Store replicas: one-shot
// directional replication with checkpoints, and continuous bidirectional
// sync supervised with restart backoff.
package replication

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/aretw0/tagmesh/pkg/core"
)

// Direction names which way documents flow, seen from the local store.
type Direction string

const (
	Pull Direction = "pull"
	Push Direction = "push"
)

// Options tunes a one-shot replication.
type Options struct {
	Logger    *slog.Logger
	Metrics   *Metrics
	Direction Direction
}

// Result summarizes a replication run.
type Result struct {
	DocsRead    int
	DocsWritten int
	LastSeq     int64
}

// ReplicaDocumentID holds the persistent identity of a store replica.
const ReplicaDocumentID = core.LocalPrefix + "replica"

// ReplicaID returns the identity of store, creating it on first use. Two
// handles on the same data share it; two replicas of the same logical
// store, such as a client's local copy and the server copy, never do.
func ReplicaID(ctx context.Context, store core.Store) (string, error) {
	doc, err := store.Get(ctx, ReplicaDocumentID)
	switch {
	case err == nil:
		if id, ok := doc.Body["id"].(string); ok && id != "" {
			return id, nil
		}
	case !core.IsNotFound(err):
		return "", fmt.Errorf("read replica id of %s: %w", store.Name(), err)
	}

	_, err = store.Put(ctx, core.Document{
		ID:   ReplicaDocumentID,
		Body: map[string]any{"id": uuid.NewString(), "store": store.Name()},
	})
	if err != nil {
		return "", fmt.Errorf("write replica id of %s: %w", store.Name(), err)
	}
	// Re-read so concurrent first openers settle on the stored value.
	doc, err = store.Get(ctx, ReplicaDocumentID)
	if err != nil {
		return "", fmt.Errorf("read replica id of %s: %w", store.Name(), err)
	}
	id, _ := doc.Body["id"].(string)
	return id, nil
}

// ID returns the replication identifier of a source/target pair, derived
// from their replica ids. It names the checkpoint document kept in the
// target, so each client keeps its own checkpoint on a shared server.
func ID(ctx context.Context, source, target core.Store) (string, error) {
	src, err := ReplicaID(ctx, source)
	if err != nil {
		return "", err
	}
	dst, err := ReplicaID(ctx, target)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256([]byte(src + "\x00" + dst))
	return hex.EncodeToString(sum[:16]), nil
}

// Replicate copies every document changed in source since the last
// checkpoint into target. Target keeps whichever revision wins its winner
// policy, so replaying a range is harmless.
func Replicate(ctx context.Context, source, target core.Store, opts Options) (Result, error) {
	logger := opts.Logger
	if logger == nil {
		logger = slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	started := time.Now()

	id, err := ID(ctx, source, target)
	if err != nil {
		opts.Metrics.observeFailure(opts.Direction)
		return Result{}, err
	}
	checkpoint := core.LocalPrefix + "replication-" + id

	since, err := readCheckpoint(ctx, target, checkpoint)
	if err != nil {
		opts.Metrics.observeFailure(opts.Direction)
		return Result{}, err
	}

	changes, last, err := source.Changes(ctx, since)
	if err != nil {
		opts.Metrics.observeFailure(opts.Direction)
		return Result{}, fmt.Errorf("read changes from %s: %w", source.Name(), err)
	}

	res := Result{LastSeq: last}
	for _, ch := range changes {
		if err := ctx.Err(); err != nil {
			return res, err
		}
		doc, err := source.Get(ctx, ch.ID)
		if err != nil {
			if core.IsNotFound(err) {
				logger.Debug("changed document vanished before replication", "id", ch.ID)
				continue
			}
			opts.Metrics.observeFailure(opts.Direction)
			return res, fmt.Errorf("read %s from %s: %w", ch.ID, source.Name(), err)
		}
		res.DocsRead++

		applied, err := target.Apply(ctx, doc)
		if err != nil {
			opts.Metrics.observeFailure(opts.Direction)
			return res, fmt.Errorf("write %s to %s: %w", ch.ID, target.Name(), err)
		}
		if applied {
			res.DocsWritten++
		}
	}

	if last != since {
		if err := writeCheckpoint(ctx, source, target, checkpoint, last); err != nil {
			opts.Metrics.observeFailure(opts.Direction)
			return res, err
		}
	}

	opts.Metrics.observeDocs(opts.Direction, res.DocsWritten)
	logger.Debug("replication complete",
		"source", source.Name(),
		"target", target.Name(),
		"read", res.DocsRead,
		"written", res.DocsWritten,
		"last_seq", res.LastSeq,
		"duration", time.Since(started),
	)
	return res, nil
}

func readCheckpoint(ctx context.Context, target core.Store, id string) (int64, error) {
	doc, err := target.Get(ctx, id)
	if core.IsNotFound(err) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read checkpoint from %s: %w", target.Name(), err)
	}
	switch v := doc.Body["last_seq"].(type) {
	case float64:
		return int64(v), nil
	case int64:
		return v, nil
	case int:
		return int64(v), nil
	case json.Number:
		n, err := v.Int64()
		if err != nil {
			return 0, nil
		}
		return n, nil
	default:
		return 0, nil
	}
}

func writeCheckpoint(ctx context.Context, source, target core.Store, id string, seq int64) error {
	_, err := target.Put(ctx, core.Document{
		ID: id,
		Body: map[string]any{
			"source":   source.Name(),
			"last_seq": seq,
		},
	})
	if err != nil {
		return fmt.Errorf("write checkpoint to %s: %w", target.Name(), err)
	}
	return nil
}

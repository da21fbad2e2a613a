// Package redis implements core.Store on Redis. Documents are hashes, the
// changes feed is a sorted set scored by a per-store sequence, and writes
// are announced on a pub/sub channel.
package redis

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/aretw0/tagmesh/pkg/core"
)

// casWrite stores a document only if its current revision is still ARGV[1].
// It returns the new sequence number, or -1 when the revision moved.
var casWrite = redis.NewScript(`
local cur = redis.call('HGET', KEYS[1], 'rev')
if not cur then cur = '' end
if cur ~= ARGV[1] then return -1 end
local seq = redis.call('INCR', KEYS[2])
redis.call('HSET', KEYS[1], 'rev', ARGV[2], 'body', ARGV[3])
redis.call('ZADD', KEYS[3], seq, ARGV[4])
return seq
`)

const applyAttempts = 3

// Store is a core.Store backed by one Redis logical database.
type Store struct {
	client *redis.Client
	name   string
	prefix string

	mu     sync.Mutex
	closed bool
}

// Open connects to the Redis server at redisURL. Credentials, when set,
// override the ones embedded in the URL.
func Open(ctx context.Context, redisURL, name string, creds core.Credentials) (*Store, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	if user, pass := creds.Resolve(); user != "" || pass != "" {
		opts.Username = user
		opts.Password = pass
	}

	client := redis.NewClient(opts)

	pingCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("%w: connect to redis: %v", core.ErrConnection, err)
	}

	return NewStoreWithClient(client, name), nil
}

// NewStoreWithClient creates a store from an existing client. Close closes
// the client.
func NewStoreWithClient(client *redis.Client, name string) *Store {
	return &Store{
		client: client,
		name:   name,
		prefix: "tagmesh:" + name + ":",
	}
}

func (s *Store) Name() string { return s.name }

func (s *Store) docKey(id string) string   { return s.prefix + "doc:" + id }
func (s *Store) localKey(id string) string { return s.prefix + "local:" + id }
func (s *Store) seqKey() string            { return s.prefix + "seq" }
func (s *Store) changesKey() string        { return s.prefix + "changes" }
func (s *Store) notifyChannel() string     { return s.prefix + "notify" }

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
		raw, err := s.client.Get(ctx, s.localKey(id)).Result()
		if err == redis.Nil {
			return core.Document{}, core.ErrNotFound
		}
		if err != nil {
			return core.Document{}, fmt.Errorf("get %s: %w", id, err)
		}
		body, err := decode(raw)
		if err != nil {
			return core.Document{}, err
		}
		return core.Document{ID: id, Body: body}, nil
	}

	vals, err := s.client.HMGet(ctx, s.docKey(id), "rev", "body").Result()
	if err != nil {
		return core.Document{}, fmt.Errorf("get %s: %w", id, err)
	}
	rev, _ := vals[0].(string)
	raw, _ := vals[1].(string)
	if rev == "" {
		return core.Document{}, core.ErrNotFound
	}
	body, err := decode(raw)
	if err != nil {
		return core.Document{}, err
	}
	return core.Document{ID: id, Rev: rev, Body: body}, nil
}

func (s *Store) currentRev(ctx context.Context, id string) (string, bool, error) {
	rev, err := s.client.HGet(ctx, s.docKey(id), "rev").Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("get rev %s: %w", id, err)
	}
	return rev, true, nil
}

// write runs the compare-and-set script. ok is false when another writer
// moved the revision first.
func (s *Store) write(ctx context.Context, id, expected, rev string, body map[string]any) (bool, error) {
	raw, err := json.Marshal(nonNil(body))
	if err != nil {
		return false, fmt.Errorf("encode %s: %w", id, err)
	}
	seq, err := casWrite.Run(ctx, s.client,
		[]string{s.docKey(id), s.seqKey(), s.changesKey()},
		expected, rev, string(raw), id,
	).Int64()
	if err != nil {
		return false, fmt.Errorf("write %s: %w", id, err)
	}
	if seq < 0 {
		return false, nil
	}
	if err := s.client.Publish(ctx, s.notifyChannel(), id).Err(); err != nil {
		return true, fmt.Errorf("notify %s: %w", id, err)
	}
	return true, nil
}

func (s *Store) Put(ctx context.Context, doc core.Document) (string, error) {
	if err := s.check(); err != nil {
		return "", err
	}

	if core.IsLocalID(doc.ID) {
		raw, err := json.Marshal(nonNil(doc.Body))
		if err != nil {
			return "", fmt.Errorf("encode %s: %w", doc.ID, err)
		}
		if err := s.client.Set(ctx, s.localKey(doc.ID), raw, 0).Err(); err != nil {
			return "", fmt.Errorf("set %s: %w", doc.ID, err)
		}
		return "", nil
	}

	current, exists, err := s.currentRev(ctx, doc.ID)
	if err != nil {
		return "", err
	}
	if err := core.CheckRevision(doc.ID, current, exists, doc.Rev); err != nil {
		return "", err
	}
	rev, err := core.NextRevision(current, nonNil(doc.Body))
	if err != nil {
		return "", err
	}
	ok, err := s.write(ctx, doc.ID, current, rev, doc.Body)
	if err != nil {
		return "", err
	}
	if !ok {
		latest, _, _ := s.currentRev(ctx, doc.ID)
		return "", &core.ConflictError{ID: doc.ID, Expected: doc.Rev, Current: latest}
	}
	return rev, nil
}

func (s *Store) Apply(ctx context.Context, doc core.Document) (bool, error) {
	if err := s.check(); err != nil {
		return false, err
	}

	for attempt := 0; attempt < applyAttempts; attempt++ {
		current, exists, err := s.currentRev(ctx, doc.ID)
		if err != nil {
			return false, err
		}
		if !core.Wins(doc.Rev, current, exists) {
			return false, nil
		}
		ok, err := s.write(ctx, doc.ID, current, doc.Rev, doc.Body)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, fmt.Errorf("apply %s: revision kept moving", doc.ID)
}

func (s *Store) ids(ctx context.Context) ([]string, error) {
	ids, err := s.client.ZRange(ctx, s.changesKey(), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) List(ctx context.Context, includeBody bool) ([]core.Document, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	ids, err := s.ids(ctx)
	if err != nil {
		return nil, err
	}

	cmds := make([]*redis.SliceCmd, len(ids))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, id := range ids {
			cmds[i] = pipe.HMGet(ctx, s.docKey(id), "rev", "body")
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("list docs: %w", err)
	}

	docs := make([]core.Document, 0, len(ids))
	for i, id := range ids {
		vals := cmds[i].Val()
		rev, _ := vals[0].(string)
		if rev == "" {
			continue
		}
		doc := core.Document{ID: id, Rev: rev}
		if includeBody {
			raw, _ := vals[1].(string)
			if doc.Body, err = decode(raw); err != nil {
				return nil, err
			}
		}
		docs = append(docs, doc)
	}
	return docs, nil
}

func (s *Store) Changes(ctx context.Context, since int64) ([]core.Change, int64, error) {
	if err := s.check(); err != nil {
		return nil, 0, err
	}

	last, err := s.client.Get(ctx, s.seqKey()).Int64()
	if err != nil && err != redis.Nil {
		return nil, 0, fmt.Errorf("read seq: %w", err)
	}

	entries, err := s.client.ZRangeByScoreWithScores(ctx, s.changesKey(), &redis.ZRangeBy{
		Min: "(" + strconv.FormatInt(since, 10),
		Max: strconv.FormatInt(last, 10),
	}).Result()
	if err != nil {
		return nil, 0, fmt.Errorf("read changes: %w", err)
	}

	cmds := make([]*redis.StringCmd, len(entries))
	_, err = s.client.Pipelined(ctx, func(pipe redis.Pipeliner) error {
		for i, z := range entries {
			cmds[i] = pipe.HGet(ctx, s.docKey(z.Member.(string)), "rev")
		}
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return nil, 0, fmt.Errorf("read change revisions: %w", err)
	}

	changes := make([]core.Change, 0, len(entries))
	for i, z := range entries {
		changes = append(changes, core.Change{
			Seq: int64(z.Score),
			ID:  z.Member.(string),
			Rev: cmds[i].Val(),
		})
	}
	return changes, last, nil
}

// Watch subscribes to the store's notification channel. The subscription
// is confirmed before Watch returns, so writes made afterwards signal.
func (s *Store) Watch(ctx context.Context) (<-chan struct{}, error) {
	if err := s.check(); err != nil {
		return nil, err
	}

	pubsub := s.client.Subscribe(ctx, s.notifyChannel())
	if _, err := pubsub.Receive(ctx); err != nil {
		_ = pubsub.Close()
		return nil, fmt.Errorf("subscribe: %w", err)
	}

	signals := make(chan struct{}, 1)
	messages := pubsub.Channel()
	go func() {
		defer pubsub.Close()
		for {
			select {
			case <-ctx.Done():
				return
			case _, ok := <-messages:
				if !ok {
					return
				}
				select {
				case signals <- struct{}{}:
				default:
				}
			}
		}
	}()
	return signals, nil
}

// Ping checks if Redis is reachable.
func (s *Store) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// Close closes the Redis connection.
func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	s.closed = true
	return s.client.Close()
}

func decode(raw string) (map[string]any, error) {
	var body map[string]any
	if err := json.Unmarshal([]byte(raw), &body); err != nil {
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

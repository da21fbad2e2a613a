package platform

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"

	"github.com/aretw0/tagmesh/pkg/adapters/fs"
	"github.com/aretw0/tagmesh/pkg/adapters/memory"
	"github.com/aretw0/tagmesh/pkg/adapters/postgres"
	"github.com/aretw0/tagmesh/pkg/adapters/redis"
	"github.com/aretw0/tagmesh/pkg/adapters/sqlite"
	"github.com/aretw0/tagmesh/pkg/core"
)

// Opener opens local stores with the configured adapter and remote stores
// by URL scheme.
type Opener struct {
	Adapter string
	DataDir string
	Format  string
	History bool
	Logger  *slog.Logger

	memory *memory.Opener
}

// NewOpener returns an opener for the given local adapter.
func NewOpener(adapter, dataDir string) *Opener {
	return &Opener{Adapter: adapter, DataDir: dataDir, memory: memory.NewOpener()}
}

func (o *Opener) fsConfig(path string) fs.Config {
	return fs.Config{
		Path:    path,
		Format:  o.Format,
		History: o.History,
		Logger:  o.Logger,
	}
}

func (o *Opener) OpenLocal(ctx context.Context, name string) (core.Store, error) {
	switch o.Adapter {
	case "", "fs":
		return fs.Open(ctx, o.fsConfig(o.DataDir), name)
	case "sqlite":
		return sqlite.Open(ctx, o.DataDir, name)
	case "memory":
		return o.memory.OpenLocal(ctx, name)
	default:
		return nil, fmt.Errorf("unknown adapter: %s", o.Adapter)
	}
}

// OpenRemote dispatches on the scheme of baseURL. A file:// URL names a
// shared directory of fs stores; fs handles coordinate through a lock file,
// so processes on one host can share it.
func (o *Opener) OpenRemote(ctx context.Context, baseURL, name string, creds core.Credentials) (core.Store, error) {
	u, err := url.Parse(baseURL)
	if err != nil {
		return nil, fmt.Errorf("parse server url: %w", err)
	}

	switch u.Scheme {
	case "redis", "rediss":
		return redis.Open(ctx, baseURL, name, creds)
	case "postgres", "postgresql":
		return postgres.Open(ctx, baseURL, name, creds)
	case "file":
		cfg := o.fsConfig(u.Path)
		cfg.History = false
		return fs.Open(ctx, cfg, name)
	case "mem":
		return o.memory.OpenRemote(ctx, baseURL, name, creds)
	default:
		return nil, fmt.Errorf("%w: unsupported server url scheme %q", core.ErrConnection, u.Scheme)
	}
}

var _ core.Opener = (*Opener)(nil)

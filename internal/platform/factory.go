package platform

import (
	"context"
	"io"
	"log/slog"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/replication"
	"github.com/aretw0/tagmesh/pkg/tags"
)

// New creates a repository for subjectID writing into sink.
//
//	repo, err := tagmesh.Create(ctx, "patient-42", sink, tagmesh.WithServerURL("redis://localhost:6379"))
//
// With a server URL configured the repository connects before it is
// returned. A failed connect is logged and the repository works locally.
func New(ctx context.Context, subjectID string, sink core.Sink, opts ...Option) (*tags.Repository, error) {
	o := applyOptions(opts)
	cfg := o.repositoryConfig()

	repo, err := tags.New(ctx, cfg, subjectID, sink)
	if err != nil {
		return nil, err
	}

	if o.serverURL != "" {
		if err := repo.Connect(ctx, o.connectOptions()); err != nil {
			cfg.Logger.Warn("connect failed, working locally", "url", o.serverURL, "error", err)
		}
	}
	return repo, nil
}

func (o *options) repositoryConfig() tags.Config {
	return tags.Config{
		Identity:     o.identity,
		Opener:       o.buildOpener(),
		Logger:       o.log(),
		Metrics:      replication.NewMetrics(o.registerer),
		SyncInterval: o.syncInterval,
	}
}

func (o *options) connectOptions() tags.ConnectOptions {
	return tags.ConnectOptions{
		BaseURL:  o.serverURL,
		Username: o.username,
		Password: o.password,
		Headers:  o.headers,
	}
}

func (o *options) credentials() core.Credentials {
	return core.Credentials{Username: o.username, Password: o.password, Headers: o.headers}
}

func (o *options) log() *slog.Logger {
	if o.logger == nil {
		return slog.New(slog.NewTextHandler(io.Discard, nil))
	}
	return o.logger
}

// buildOpener resolves the data directory under the dev sandbox rules and
// returns the opener for the configured adapter.
func (o *options) buildOpener() core.Opener {
	if o.opener != nil {
		return o.opener
	}

	useTemp := o.forceTemp || (IsDevRun() && o.devSafety && o.adapter != "memory")
	dir := ResolveDataDir(o.dataDir, useTemp)
	if useTemp && dir != o.dataDir {
		o.log().Warn("running in SAFE MODE (Dev/Test)", "original_path", o.dataDir, "resolved_path", dir)
	}

	opener := NewOpener(o.adapter, dir)
	opener.Format = o.format
	opener.History = o.history
	opener.Logger = o.logger
	return opener
}

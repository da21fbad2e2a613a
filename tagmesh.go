package tagmesh

import (
	"context"
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/tagmesh/internal/platform"
	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/identity"
	"github.com/aretw0/tagmesh/pkg/tags"
)

// --- Types ---

// Repository is the tag repository of one subject.
type Repository = tags.Repository

// SaveTagRequest describes one tag application.
type SaveTagRequest = tags.SaveTagRequest

// ConnectOptions locates and authenticates the remote server.
type ConnectOptions = tags.ConnectOptions

// SyncReport sums up a one-shot Sync.
type SyncReport = platform.SyncReport

// FileConfig is the shape of tagmesh.yaml.
type FileConfig = platform.FileConfig

// --- Configuration ---

// Option defines a functional option for configuring a repository.
type Option = platform.Option

// WithLogger sets the logger for the repository and its stores.
func WithLogger(logger *slog.Logger) Option {
	return platform.WithLogger(logger)
}

// WithAdapter selects the local store by name: fs, sqlite or memory.
func WithAdapter(name string) Option {
	return platform.WithAdapter(name)
}

// WithDataDir sets the directory holding local stores.
func WithDataDir(dir string) Option {
	return platform.WithDataDir(dir)
}

// WithFormat sets the document format of the fs adapter (json or yaml).
func WithFormat(format string) Option {
	return platform.WithFormat(format)
}

// WithHistory records every fs write as a git commit.
func WithHistory(enabled bool) Option {
	return platform.WithHistory(enabled)
}

// WithDevSafety toggles re-rooting of the data directory under go run and go test.
func WithDevSafety(enabled bool) Option {
	return platform.WithDevSafety(enabled)
}

// WithForceTemp forces the use of a temporary directory (useful for testing).
func WithForceTemp(force bool) Option {
	return platform.WithForceTemp(force)
}

// WithServerURL sets the remote server. The scheme picks the backend.
func WithServerURL(url string) Option {
	return platform.WithServerURL(url)
}

// WithCredentials sets basic credentials for the remote server.
func WithCredentials(username, password string) Option {
	return platform.WithCredentials(username, password)
}

// WithHeaders sets request headers; an Authorization Basic header is
// decoded into credentials.
func WithHeaders(headers map[string]string) Option {
	return platform.WithHeaders(headers)
}

// WithIdentity replaces the whole identity configuration.
func WithIdentity(cfg identity.Config) Option {
	return platform.WithIdentity(cfg)
}

// WithSecretRoot sets the secret salting every derived identifier.
func WithSecretRoot(secret string) Option {
	return platform.WithSecretRoot(secret)
}

// WithDocumentIDRoot sets the prefix of store names.
func WithDocumentIDRoot(root string) Option {
	return platform.WithDocumentIDRoot(root)
}

// WithOpener injects a custom store opener.
func WithOpener(opener core.Opener) Option {
	return platform.WithOpener(opener)
}

// WithMetrics registers replication metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return platform.WithMetrics(reg)
}

// WithSyncInterval sets the polling interval of live replication.
func WithSyncInterval(d time.Duration) Option {
	return platform.WithSyncInterval(d)
}

// --- Factory ---

// Create opens the repository of subjectID, loads it into sink and connects
// when a server URL is configured. A nil sink gets an in-memory one.
func Create(ctx context.Context, subjectID string, sink core.Sink, opts ...Option) (*Repository, error) {
	return platform.New(ctx, subjectID, sink, opts...)
}

// --- Operations ---

// DeriveStorageID returns the store name of subjectID.
func DeriveStorageID(subjectID string, opts ...Option) string {
	return platform.DeriveStorageID(subjectID, opts...)
}

// Sync pulls then pushes both stores of subjectID once.
func Sync(ctx context.Context, subjectID string, opts ...Option) (SyncReport, error) {
	return platform.Sync(ctx, subjectID, opts...)
}

// LoadConfig reads tagmesh.yaml. A missing file yields an empty config.
func LoadConfig(path string) (FileConfig, error) {
	return platform.LoadConfig(path)
}

// --- Safety & Utils ---

// ResolveDataDir determines the actual data directory based on safety rules.
func ResolveDataDir(userPath string, forceTemp bool) string {
	return platform.ResolveDataDir(userPath, forceTemp)
}

// IsDevRun checks if the current process is running via `go run` or `go test`.
func IsDevRun() bool {
	return platform.IsDevRun()
}

// FindRoot recursively looks upwards for a tagmesh.yaml or a data directory.
func FindRoot(startDir string) (string, error) {
	return platform.FindRoot(startDir)
}

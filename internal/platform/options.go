package platform

import (
	"log/slog"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/aretw0/tagmesh/pkg/core"
	"github.com/aretw0/tagmesh/pkg/identity"
)

// options holds the internal configuration for a tagmesh repository.
type options struct {
	logger       *slog.Logger
	adapter      string
	dataDir      string
	format       string
	history      bool
	devSafety    bool
	forceTemp    bool
	serverURL    string
	username     string
	password     string
	headers      map[string]string
	identity     identity.Config
	opener       core.Opener
	registerer   prometheus.Registerer
	syncInterval time.Duration
}

// Option defines a functional option for configuring tagmesh.
type Option func(*options)

// defaultOptions returns the default configuration.
func defaultOptions() *options {
	return &options{
		adapter:   "fs",
		dataDir:   DefaultDataDir,
		format:    "json",
		devSafety: true,
		identity:  identity.DefaultConfig(),
	}
}

func applyOptions(opts []Option) *options {
	o := defaultOptions()
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// WithLogger sets the logger for the repository and its stores.
func WithLogger(logger *slog.Logger) Option {
	return func(o *options) {
		o.logger = logger
	}
}

// WithAdapter selects the local store adapter by name: "fs", "sqlite" or
// "memory". Defaults to "fs".
func WithAdapter(name string) Option {
	return func(o *options) {
		o.adapter = name
	}
}

// WithDataDir sets the directory local stores are kept in.
func WithDataDir(dir string) Option {
	return func(o *options) {
		o.dataDir = dir
	}
}

// WithFormat selects the document format of the fs adapter ("json" or "yaml").
func WithFormat(format string) Option {
	return func(o *options) {
		o.format = format
	}
}

// WithHistory commits every fs adapter write to git.
func WithHistory(enabled bool) Option {
	return func(o *options) {
		o.history = enabled
	}
}

// WithDevSafety controls the sandbox used under `go run` and `go test`.
// By default (true) the data directory is re-rooted into a temporary one.
//
// CAUTION: Only disable this if you are sure your code is safe.
func WithDevSafety(enabled bool) Option {
	return func(o *options) {
		o.devSafety = enabled
	}
}

// WithForceTemp forces the use of a temporary data directory.
func WithForceTemp(force bool) Option {
	return func(o *options) {
		o.forceTemp = force
	}
}

// WithServerURL connects the repository to a remote after it is created.
// The scheme selects the remote adapter: redis://, postgres://, file:// or mem://.
func WithServerURL(url string) Option {
	return func(o *options) {
		o.serverURL = url
	}
}

// WithCredentials sets the username and password used to connect.
func WithCredentials(username, password string) Option {
	return func(o *options) {
		o.username = username
		o.password = password
	}
}

// WithHeaders sets connection headers, used when no username is given.
func WithHeaders(headers map[string]string) Option {
	return func(o *options) {
		o.headers = headers
	}
}

// WithIdentity replaces the whole identity configuration.
func WithIdentity(cfg identity.Config) Option {
	return func(o *options) {
		o.identity = cfg
	}
}

// WithSecretRoot sets the secret every store identifier is derived from.
func WithSecretRoot(secret string) Option {
	return func(o *options) {
		o.identity.SecretRoot = secret
	}
}

// WithDocumentIDRoot sets the non-secret prefix of store names.
func WithDocumentIDRoot(root string) Option {
	return func(o *options) {
		o.identity.DocumentIDRoot = root
	}
}

// WithOpener injects a custom store opener. Adapter, data directory and
// format options are then ignored.
func WithOpener(opener core.Opener) Option {
	return func(o *options) {
		o.opener = opener
	}
}

// WithMetrics registers replication metrics on reg.
func WithMetrics(reg prometheus.Registerer) Option {
	return func(o *options) {
		o.registerer = reg
	}
}

// WithSyncInterval sets how often live syncs poll stores that cannot signal.
func WithSyncInterval(d time.Duration) Option {
	return func(o *options) {
		o.syncInterval = d
	}
}

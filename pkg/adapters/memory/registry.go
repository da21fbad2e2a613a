package memory

import (
	"context"
	"fmt"
	"sync"

	"github.com/aretw0/tagmesh/pkg/core"
)

// Registry owns named datasets and hands out handles on them.
type Registry struct {
	mu       sync.Mutex
	datasets map[string]*dataset
	users    map[string]string
}

// NewRegistry returns an empty registry that accepts any credentials.
func NewRegistry() *Registry {
	return &Registry{datasets: make(map[string]*dataset)}
}

// RequireUser makes Authenticate accept only the registered users.
func (r *Registry) RequireUser(username, password string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users == nil {
		r.users = make(map[string]string)
	}
	r.users[username] = password
}

// Authenticate checks credentials against the registered users.
func (r *Registry) Authenticate(creds core.Credentials) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.users == nil {
		return nil
	}
	user, pass := creds.Resolve()
	if want, ok := r.users[user]; !ok || want != pass {
		return fmt.Errorf("%w: invalid credentials for %q", core.ErrConnection, user)
	}
	return nil
}

// Open returns a new handle on the named dataset, creating it if needed.
func (r *Registry) Open(name string) *Store {
	r.mu.Lock()
	defer r.mu.Unlock()
	d, ok := r.datasets[name]
	if !ok {
		d = newDataset()
		r.datasets[name] = d
	}
	return newHandle(name, d)
}

// Names returns the names of every dataset created so far.
func (r *Registry) Names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	names := make([]string, 0, len(r.datasets))
	for name := range r.datasets {
		names = append(names, name)
	}
	return names
}

// Opener implements core.Opener over registries: one for local stores and
// one per remote base URL.
type Opener struct {
	Local *Registry

	mu      sync.Mutex
	remotes map[string]*Registry
}

// NewOpener returns an opener with a fresh local registry.
func NewOpener() *Opener {
	return &Opener{Local: NewRegistry(), remotes: make(map[string]*Registry)}
}

// Server returns (creating on first use) the registry that serves baseURL.
func (o *Opener) Server(baseURL string) *Registry {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.remotes == nil {
		o.remotes = make(map[string]*Registry)
	}
	r, ok := o.remotes[baseURL]
	if !ok {
		r = NewRegistry()
		o.remotes[baseURL] = r
	}
	return r
}

func (o *Opener) OpenLocal(ctx context.Context, name string) (core.Store, error) {
	return o.Local.Open(name), nil
}

func (o *Opener) OpenRemote(ctx context.Context, baseURL, name string, creds core.Credentials) (core.Store, error) {
	server := o.Server(baseURL)
	if err := server.Authenticate(creds); err != nil {
		return nil, err
	}
	return server.Open(name), nil
}

var _ core.Opener = (*Opener)(nil)

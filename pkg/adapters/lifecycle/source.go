// Package lifecycle exposes repository events as a lifecycle Source so a
// host application can route them through its own event loop.
package lifecycle

import (
	"context"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tagmesh/pkg/core"
)

type repositorySource struct {
	events <-chan core.Event
	out    chan lifecycle.Event
}

// NewSource wraps a repository event channel, as returned by
// Repository.Watch, in a lifecycle.Source.
func NewSource(events <-chan core.Event) lifecycle.Source {
	return &repositorySource{
		events: events,
		out:    make(chan lifecycle.Event),
	}
}

func (s *repositorySource) Events() <-chan lifecycle.Event {
	return s.out
}

// Start forwards events until ctx is done or the input closes, then closes
// the output channel.
func (s *repositorySource) Start(ctx context.Context) error {
	lifecycle.Go(ctx, func(ctx context.Context) error {
		defer close(s.out)
		for {
			select {
			case <-ctx.Done():
				return nil
			case e, ok := <-s.events:
				if !ok {
					return nil
				}
				// core.Event satisfies lifecycle.Event through String.
				select {
				case s.out <- e:
				case <-ctx.Done():
					return nil
				}
			}
		}
	})
	return nil
}

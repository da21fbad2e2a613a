package tags

import (
	"context"
	"sync"

	"github.com/aretw0/lifecycle"

	"github.com/aretw0/tagmesh/pkg/core"
)

const watchBuffer = 16

// Watch returns a channel of repository events. It is closed when ctx is
// done or the repository is closed. Events are dropped for subscribers that
// fall behind.
func (r *Repository) Watch(ctx context.Context) <-chan core.Event {
	ch, done := r.events.subscribe()
	if done == nil {
		return ch
	}
	lifecycle.Go(ctx, func(ctx context.Context) error {
		select {
		case <-ctx.Done():
			r.events.unsubscribe(ch)
		case <-done:
		}
		return nil
	})
	return ch
}

type broker struct {
	mu     sync.Mutex
	subs   map[chan core.Event]struct{}
	done   chan struct{}
	closed bool
}

func newBroker() *broker {
	return &broker{
		subs: make(map[chan core.Event]struct{}),
		done: make(chan struct{}),
	}
}

// subscribe returns a closed channel and a nil done once the broker is closed.
func (b *broker) subscribe() (chan core.Event, <-chan struct{}) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch := make(chan core.Event, watchBuffer)
	if b.closed {
		close(ch)
		return ch, nil
	}
	b.subs[ch] = struct{}{}
	return ch, b.done
}

func (b *broker) unsubscribe(ch chan core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if _, ok := b.subs[ch]; ok {
		delete(b.subs, ch)
		close(ch)
	}
}

func (b *broker) publish(ev core.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for ch := range b.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (b *broker) close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	close(b.done)
	for ch := range b.subs {
		close(ch)
	}
	b.subs = nil
}

func (b *broker) len() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// Package eventbus is an in-process publish/subscribe bus for run-updated
// events. The catalog backing this engine is embedded SQLite, so there is
// no Postgres LISTEN/NOTIFY channel to ride on; this bus is the in-process
// equivalent of it, fanning out to every live SSE subscriber within the
// same process rather than across a cluster.
package eventbus

import (
	"context"
	"log/slog"
	"sync"

	"github.com/rdvflow/engine/internal/domain"
)

// subscriber holds one subscription's delivery channel and done signal.
type subscriber struct {
	ch   chan domain.RunEvent
	done chan struct{}
}

// subscriberBufferSize bounds how far a slow SSE consumer can lag before
// events are dropped for it rather than blocking every other subscriber.
const subscriberBufferSize = 32

// Bus fans out run-updated events to every live subscriber. The zero value
// is an empty bus ready for use; New returns one.
type Bus struct {
	mu          sync.Mutex
	subscribers []subscriber
}

// New creates an empty event bus.
func New() *Bus {
	return &Bus{}
}

// Publish delivers event to every current subscriber. Delivery is
// best-effort: a subscriber whose buffer is full has the event dropped for
// it rather than stalling the publisher, since the catalog row (not the
// event stream) is the source of truth a client can always re-fetch.
func (b *Bus) Publish(_ context.Context, event domain.RunEvent) {
	b.mu.Lock()
	subs := make([]subscriber, len(b.subscribers))
	copy(subs, b.subscribers)
	b.mu.Unlock()

	for _, sub := range subs {
		select {
		case <-sub.done:
		case sub.ch <- event:
		default:
			slog.Warn("eventbus: subscriber buffer full, dropping event", "run_id", event.RunID)
		}
	}
}

// Subscribe registers a new listener and returns its event channel plus an
// unsubscribe function the caller must call exactly once when done.
func (b *Bus) Subscribe() (<-chan domain.RunEvent, func()) {
	sub := subscriber{
		ch:   make(chan domain.RunEvent, subscriberBufferSize),
		done: make(chan struct{}),
	}

	b.mu.Lock()
	b.subscribers = append(b.subscribers, sub)
	b.mu.Unlock()

	cancel := func() {
		close(sub.done)
		b.mu.Lock()
		defer b.mu.Unlock()
		for i, s := range b.subscribers {
			if s.ch == sub.ch {
				b.subscribers = append(b.subscribers[:i], b.subscribers[i+1:]...)
				close(sub.ch)
				break
			}
		}
	}
	return sub.ch, cancel
}

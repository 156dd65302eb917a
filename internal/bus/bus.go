// Package bus is an in-process typed publish/subscribe channel owned by
// the component that publishes on it.
package bus

import (
	"context"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
)

const DefaultBufferSize = 64

// Bus fans values out to subscribers. Publish never blocks; values are
// dropped for subscribers whose buffer is full.
type Bus[T any] struct {
	name   string
	buffer int

	mu     sync.RWMutex
	subs   map[string]chan T
	closed bool
}

func New[T any](name string, buffer int) *Bus[T] {
	if buffer <= 0 {
		buffer = DefaultBufferSize
	}
	return &Bus[T]{name: name, buffer: buffer, subs: make(map[string]chan T)}
}

// Subscribe registers a subscriber until ctx is done or Unsubscribe is
// called. The returned channel is closed on removal.
func (b *Bus[T]) Subscribe(ctx context.Context) (<-chan T, string) {
	id := uuid.NewString()
	ch := make(chan T, b.buffer)

	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		close(ch)
		return ch, id
	}
	b.subs[id] = ch
	b.mu.Unlock()

	log.Trace().Str("bus", b.name).Str("sub_id", id).Msg("bus.Bus.Subscribe")
	context.AfterFunc(ctx, func() { b.Unsubscribe(id) })
	return ch, id
}

func (b *Bus[T]) Publish(v T) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for id, ch := range b.subs {
		select {
		case ch <- v:
		default:
			log.Debug().Str("bus", b.name).Str("sub_id", id).Msg("bus.Bus.Publish dropped for slow subscriber")
		}
	}
}

func (b *Bus[T]) Unsubscribe(id string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ch, ok := b.subs[id]
	if !ok {
		return
	}
	delete(b.subs, id)
	close(ch)
}

func (b *Bus[T]) Len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Close removes every subscriber. Later subscriptions receive a closed channel.
func (b *Bus[T]) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, ch := range b.subs {
		close(ch)
		delete(b.subs, id)
	}
	b.closed = true
}

// Package eventq holds the non-blocking channel helpers used to hand
// notifications to presentation subscribers without stalling ingestion.
package eventq

import (
	"context"
	"sync"
)

// Offer performs a non-blocking send.
// It returns true when the value was sent and false when the channel is full
// or closed.
func Offer[T any](ch chan<- T, value T) (sent bool) {
	defer func() {
		if recover() != nil {
			sent = false
		}
	}()
	select {
	case ch <- value:
		return true
	default:
		return false
	}
}

// OfferContext performs a non-blocking send that also respects context cancellation.
// It returns false if ctx is already done or if the channel is full.
func OfferContext[T any](ctx context.Context, ch chan<- T, value T) bool {
	select {
	case <-ctx.Done():
		return false
	default:
	}
	return Offer(ch, value)
}

// Fanout delivers values to any number of buffered subscribers. A subscriber
// whose buffer is full misses the value; Publish reports how many did.
type Fanout[T any] struct {
	mu     sync.Mutex
	subs   map[int]chan T
	nextID int
	closed bool
}

// Subscribe registers a subscriber with the given buffer size. The returned
// cancel func unregisters and closes the channel; it is safe to call twice.
func (f *Fanout[T]) Subscribe(buffer int) (<-chan T, func()) {
	if buffer < 1 {
		buffer = 1
	}
	ch := make(chan T, buffer)

	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		close(ch)
		return ch, func() {}
	}
	if f.subs == nil {
		f.subs = make(map[int]chan T)
	}
	id := f.nextID
	f.nextID++
	f.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			f.mu.Lock()
			if c, ok := f.subs[id]; ok {
				delete(f.subs, id)
				close(c)
			}
			f.mu.Unlock()
		})
	}
}

// Publish offers value to every subscriber and returns the number of
// subscribers that dropped it.
func (f *Fanout[T]) Publish(value T) (dropped int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, ch := range f.subs {
		if !Offer(ch, value) {
			dropped++
		}
	}
	return dropped
}

// Len returns the number of active subscribers.
func (f *Fanout[T]) Len() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

// Close closes every subscriber channel. Later subscriptions receive an
// already-closed channel.
func (f *Fanout[T]) Close() {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.closed {
		return
	}
	f.closed = true
	for id, ch := range f.subs {
		delete(f.subs, id)
		close(ch)
	}
}

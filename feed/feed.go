// Package feed provides ordered, unbounded subscriptions used to publish
// store and chain changes.
package feed

import (
	"context"
	"errors"
	"sync"

	"github.com/lightningnetwork/lnd/queue"
)

// ErrSubscriptionClosed is returned by Next once the subscription is cancelled.
var ErrSubscriptionClosed = errors.New("subscription closed")

// Subscription delivers items in publication order. Its queue is unbounded,
// so publishers never wait on a slow reader.
type Subscription[T any] struct {
	updates *queue.ConcurrentQueue
	quit    chan struct{}
	once    sync.Once

	// detach removes the subscription from its publisher.
	detach func()
}

// New starts a subscription. detach is invoked once on Cancel, before the
// queue stops, and must remove the subscription from its publisher.
func New[T any](detach func()) *Subscription[T] {
	s := &Subscription[T]{
		updates: queue.NewConcurrentQueue(20),
		quit:    make(chan struct{}),
		detach:  detach,
	}
	s.updates.Start()
	return s
}

// Next blocks until the next item, cancellation, or ctx expiry.
func (s *Subscription[T]) Next(ctx context.Context) (T, error) {
	var zero T
	select {
	case item := <-s.updates.ChanOut():
		return item.(T), nil
	case <-s.quit:
		return zero, ErrSubscriptionClosed
	case <-ctx.Done():
		return zero, ctx.Err()
	}
}

// Cancel stops delivery and releases the subscription's goroutine.
func (s *Subscription[T]) Cancel() {
	s.once.Do(func() {
		if s.detach != nil {
			s.detach()
		}
		s.updates.Stop()
		close(s.quit)
	})
}

// Send must only be called while the subscription is attached.
func (s *Subscription[T]) Send(item T) {
	s.updates.ChanIn() <- item
}

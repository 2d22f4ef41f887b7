// Package events provides dispatcher-owned publish/subscribe channels and the
// notification sinks that carry entity changes out of the core.
package events

import (
	"context"
	"sync"

	"schemahub/internal/dispatch"
)

// Handler receives one event.
type Handler[E any] func(ctx context.Context, e E)

type subscription[E any] struct {
	id int
	fn Handler[E]
}

// Channel is a publish/subscribe channel for a single event kind. Subscribe
// and Publish must run inside the owning dispatcher; handlers run
// synchronously in subscription order.
type Channel[E any] struct {
	owner *dispatch.Dispatcher

	mu   sync.Mutex
	next int
	subs []subscription[E]
}

// NewChannel returns a channel owned by owner.
func NewChannel[E any](owner *dispatch.Dispatcher) *Channel[E] {
	return &Channel[E]{owner: owner}
}

// Subscribe registers fn and returns a function that removes it.
func (c *Channel[E]) Subscribe(ctx context.Context, fn Handler[E]) (func(), error) {
	if err := c.owner.VerifyAccess(ctx); err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.next++
	id := c.next
	c.subs = append(c.subs, subscription[E]{id: id, fn: fn})
	return func() { c.unsubscribe(id) }, nil
}

func (c *Channel[E]) unsubscribe(id int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for i, s := range c.subs {
		if s.id == id {
			c.subs = append(c.subs[:i:i], c.subs[i+1:]...)
			return
		}
	}
}

// Publish delivers e to every current subscriber.
func (c *Channel[E]) Publish(ctx context.Context, e E) error {
	if err := c.owner.VerifyAccess(ctx); err != nil {
		return err
	}
	c.mu.Lock()
	subs := append([]subscription[E](nil), c.subs...)
	c.mu.Unlock()
	for _, s := range subs {
		s.fn(ctx, e)
	}
	return nil
}

// Len returns the number of subscribers.
func (c *Channel[E]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.subs)
}

package bus

import (
	"sync"
)

// DefaultCapacity is the number of records buffered per subscription.
const DefaultCapacity = 16

// Bus fans out records to every live Subscription.
type Bus struct {
	capacity int

	m      sync.RWMutex
	closed bool
	subs   map[*Subscription]struct{}
}

// New builds a bus whose subscriptions each buffer up to capacity records.
// A capacity below 1 uses DefaultCapacity.
func New(capacity int) *Bus {
	if capacity < 1 {
		capacity = DefaultCapacity
	}
	return &Bus{
		capacity: capacity,
		subs:     map[*Subscription]struct{}{},
	}
}

// Publish delivers the record to every current subscription and returns how many received it.
// It never blocks on a slow subscriber. Publishing on a closed bus is a no-op.
func (b *Bus) Publish(record string) int {
	b.m.RLock()
	defer b.m.RUnlock()
	if b.closed {
		return 0
	}
	for s := range b.subs {
		s.push(record)
	}
	return len(b.subs)
}

// Subscribe returns a new subscription starting from the current moment.
// Subscribing to a closed bus succeeds, but the subscription will only ever return ErrClosed.
func (b *Bus) Subscribe() *Subscription {
	s := newSubscription(b, b.capacity)

	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		s.closed = true
	}
	b.subs[s] = struct{}{}
	return s
}

// Close marks the producer side as gone. Subscriptions keep whatever they have buffered,
// and stay counted by Len until they are closed themselves.
func (b *Bus) Close() {
	b.m.Lock()
	defer b.m.Unlock()
	if b.closed {
		return
	}
	b.closed = true
	for s := range b.subs {
		s.markClosed()
	}
}

// Closed reports whether Close has been called.
func (b *Bus) Closed() bool {
	b.m.RLock()
	defer b.m.RUnlock()
	return b.closed
}

// Len returns the number of subscriptions that have not been closed, including after the bus itself is closed.
func (b *Bus) Len() int {
	b.m.RLock()
	defer b.m.RUnlock()
	return len(b.subs)
}

func (b *Bus) remove(s *Subscription) {
	b.m.Lock()
	defer b.m.Unlock()
	delete(b.subs, s)
}

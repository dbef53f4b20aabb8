package bus

import (
	"context"
	"sync"
)

// Subscription is a receive-only view onto a Bus.
// Recv is meant to be called from a single goroutine.
type Subscription struct {
	bus *Bus

	m      sync.Mutex
	ring   []string
	head   int
	count  int
	missed uint64
	closed bool

	// notify has capacity 1 and is poked whenever the ring or closed state changes.
	notify chan struct{}

	closeOnce sync.Once
}

func newSubscription(b *Bus, capacity int) *Subscription {
	return &Subscription{
		bus:    b,
		ring:   make([]string, capacity),
		notify: make(chan struct{}, 1),
	}
}

// push appends a record, evicting the oldest one when the ring is full.
func (s *Subscription) push(record string) {
	s.m.Lock()
	if s.closed {
		s.m.Unlock()
		return
	}
	if s.count == len(s.ring) {
		s.ring[s.head] = ""
		s.head = (s.head + 1) % len(s.ring)
		s.count--
		s.missed++
	}
	s.ring[(s.head+s.count)%len(s.ring)] = record
	s.count++
	s.m.Unlock()
	s.wake()
}

func (s *Subscription) markClosed() {
	s.m.Lock()
	s.closed = true
	s.m.Unlock()
	s.wake()
}

func (s *Subscription) wake() {
	select {
	case s.notify <- struct{}{}:
	default:
	}
}

// next pops the next record. ok is false when nothing is ready.
func (s *Subscription) next() (record string, ok bool, err error) {
	s.m.Lock()
	defer s.m.Unlock()
	if s.missed > 0 {
		missed := s.missed
		s.missed = 0
		return "", false, &LaggedError{Missed: missed}
	}
	if s.count > 0 {
		record = s.ring[s.head]
		s.ring[s.head] = ""
		s.head = (s.head + 1) % len(s.ring)
		s.count--
		return record, true, nil
	}
	if s.closed {
		return "", false, ErrClosed
	}
	return "", false, nil
}

// Recv blocks until a record is available, the context is done, or the bus is closed and drained.
// If records were evicted since the last call, Recv returns a *LaggedError first;
// the subscription stays usable and the following call resumes with the oldest retained record.
func (s *Subscription) Recv(ctx context.Context) (string, error) {
	for {
		record, ok, err := s.next()
		if err != nil {
			return "", err
		}
		if ok {
			return record, nil
		}
		select {
		case <-s.notify:
		case <-ctx.Done():
			return "", ctx.Err()
		}
	}
}

// Len returns the number of buffered records.
func (s *Subscription) Len() int {
	s.m.Lock()
	defer s.m.Unlock()
	return s.count
}

// Close detaches the subscription from its bus and discards its buffer. It is safe to call more than once.
func (s *Subscription) Close() {
	s.closeOnce.Do(func() {
		s.bus.remove(s)
		s.m.Lock()
		s.closed = true
		s.count = 0
		s.missed = 0
		for i := range s.ring {
			s.ring[i] = ""
		}
		s.m.Unlock()
		s.wake()
	})
}

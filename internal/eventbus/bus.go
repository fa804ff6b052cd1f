// Package eventbus broadcasts runtime events to any number of
// subscribers. Producers never block: each subscriber owns a bounded
// buffer and a subscriber that lags past it loses the oldest events,
// with the loss counted and observable.
package eventbus

import (
	"context"
	"sync"
	"sync/atomic"
)

// DefaultCapacity bounds each subscriber's buffer unless the bus was
// built with an explicit capacity.
const DefaultCapacity = 1024

// Bus fans events out to the current set of subscriptions.
type Bus struct {
	mu       sync.RWMutex
	subs     map[*Subscription]struct{}
	capacity int
}

// New creates a bus whose subscribers buffer up to capacity events.
// Non-positive capacity falls back to DefaultCapacity.
func New(capacity int) *Bus {
	if capacity <= 0 {
		capacity = DefaultCapacity
	}
	return &Bus{
		subs:     make(map[*Subscription]struct{}),
		capacity: capacity,
	}
}

// Subscribe registers a new subscription receiving every event published
// after this call.
func (b *Bus) Subscribe() *Subscription {
	s := &Subscription{
		bus: b,
		ch:  make(chan Event, b.capacity),
	}
	b.mu.Lock()
	b.subs[s] = struct{}{}
	b.mu.Unlock()
	return s
}

// Publish delivers e to every subscriber. Never blocks: slow subscribers
// drop their oldest buffered event instead.
func (b *Bus) Publish(e Event) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	for s := range b.subs {
		s.push(e)
	}
}

func (b *Bus) remove(s *Subscription) {
	b.mu.Lock()
	delete(b.subs, s)
	b.mu.Unlock()
}

// Subscription is one consumer's bounded view of the event stream.
type Subscription struct {
	bus     *Bus
	ch      chan Event
	pushMu  sync.Mutex
	dropped atomic.Uint64
}

// push enqueues e, evicting the oldest buffered event when full. pushMu
// serializes pushers so eviction makes room for this event and not a
// concurrent one.
func (s *Subscription) push(e Event) {
	s.pushMu.Lock()
	defer s.pushMu.Unlock()
	for {
		select {
		case s.ch <- e:
			return
		default:
		}
		select {
		case <-s.ch:
			s.dropped.Add(1)
		default:
		}
	}
}

// Recv returns the next buffered event, blocking until one arrives or the
// context ends.
func (s *Subscription) Recv(ctx context.Context) (Event, error) {
	select {
	case e := <-s.ch:
		return e, nil
	case <-ctx.Done():
		return Event{}, ctx.Err()
	}
}

// TryRecv returns a buffered event without blocking.
func (s *Subscription) TryRecv() (Event, bool) {
	select {
	case e := <-s.ch:
		return e, true
	default:
		return Event{}, false
	}
}

// Dropped reports how many events this subscription lost to lag.
func (s *Subscription) Dropped() uint64 {
	return s.dropped.Load()
}

// Close detaches the subscription from the bus. Buffered events remain
// receivable.
func (s *Subscription) Close() {
	s.bus.remove(s)
}

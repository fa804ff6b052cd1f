package ingredient

import (
	"sync"

	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/revision"
)

type cellState uint8

const (
	cellVacant cellState = iota
	cellRunning
	cellReady
	cellPoisoned
)

// cell holds the memoized state for one (kind, key) pair. The mutex is
// held only for state inspection and transitions; computes and waits
// happen outside it, so peers can observe Running without contending on
// the lock.
//
// done is non-nil exactly while the state is Running and is closed on
// every transition out of Running. Waiters capture it under the lock, so
// a waiter registered before the transition always observes it.
type cell[V any] struct {
	mu         sync.Mutex
	state      cellState
	startedAt  revision.Revision // Running
	value      V                 // Ready
	verifiedAt revision.Revision // Ready, Poisoned
	deps       []key.Dep         // Ready
	err        error             // Poisoned, shared by all waiters
	done       chan struct{}
}

func newCell[V any]() *cell[V] {
	return &cell[V]{}
}

func newReadyCell[V any](value V, verifiedAt revision.Revision, deps []key.Dep) *cell[V] {
	return &cell[V]{
		state:      cellReady,
		value:      value,
		verifiedAt: verifiedAt,
		deps:       deps,
	}
}

// finalize moves a Running cell to Ready or Poisoned and wakes all
// waiters. Must only be called by the goroutine that owns the Running
// transition.
func (c *cell[V]) finalize(value V, verifiedAt revision.Revision, deps []key.Dep, err error) {
	c.mu.Lock()
	if err != nil {
		var zero V
		c.state = cellPoisoned
		c.value = zero
		c.err = err
		c.deps = nil
	} else {
		c.state = cellReady
		c.value = value
		c.err = nil
		c.deps = deps
	}
	c.verifiedAt = verifiedAt
	done := c.done
	c.done = nil
	c.mu.Unlock()

	close(done)
}

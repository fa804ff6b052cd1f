// Package runtime holds the shared state of a picante database: the
// revision clock plus its two publication channels, a latest-value watch
// and a bounded event bus.
package runtime

import (
	"sync"
	"sync/atomic"

	"github.com/ShabbirHasan1/picante/internal/eventbus"
	"github.com/ShabbirHasan1/picante/internal/revision"
)

// Runtime is the revision clock for one database. The counter itself is
// a plain atomic; publications (watch + bus) go out under a mutex so
// observers see them in a single total order.
type Runtime struct {
	current atomic.Uint64

	publishMu sync.Mutex
	watch     *watch
	bus       *eventbus.Bus
}

// New creates a runtime starting at revision 0.
func New() *Runtime {
	return &Runtime{
		watch: newWatch(0),
		bus:   eventbus.New(eventbus.DefaultCapacity),
	}
}

// Current reads the latest published revision.
func (r *Runtime) Current() revision.Revision {
	return revision.Revision(r.current.Load())
}

// Bump atomically increments the revision and publishes the new value to
// the watch and the event bus. Returns the new revision.
func (r *Runtime) Bump() revision.Revision {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	next := revision.Revision(r.current.Add(1))
	r.watch.set(next)
	r.bus.Publish(eventbus.Event{Type: eventbus.EventRevisionBumped, Revision: next})
	return next
}

// Set stores rev and publishes it. Only cache loading uses this.
func (r *Runtime) Set(rev revision.Revision) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	r.current.Store(uint64(rev))
	r.watch.set(rev)
	r.bus.Publish(eventbus.Event{Type: eventbus.EventRevisionSet, Revision: rev})
}

// Emit publishes an ingredient event (InputSet, InputRemoved) in the same
// total order as revision publications.
func (r *Runtime) Emit(e eventbus.Event) {
	r.publishMu.Lock()
	defer r.publishMu.Unlock()
	r.bus.Publish(e)
}

// SubscribeRevisions returns a coalescing latest-value subscription to
// the clock. Receivers may miss intermediate revisions but always observe
// the newest.
func (r *Runtime) SubscribeRevisions() *RevisionWatch {
	return r.watch.subscribe()
}

// SubscribeEvents returns a bounded subscription to the runtime event
// stream. Subscribers that lag drop their oldest events.
func (r *Runtime) SubscribeEvents() *eventbus.Subscription {
	return r.bus.Subscribe()
}

// HasRuntime is implemented by database types that expose their Runtime.
// Ingredients reach the clock only through it.
type HasRuntime interface {
	Runtime() *Runtime
}

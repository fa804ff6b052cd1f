package runtime

import (
	"context"
	"sync"

	"github.com/ShabbirHasan1/picante/internal/revision"
)

// watch is a single-value broadcast: it stores the latest revision and a
// generation counter, and wakes waiters by closing the current changed
// channel on every publish.
type watch struct {
	mu      sync.Mutex
	current revision.Revision
	seq     uint64
	changed chan struct{}
}

func newWatch(initial revision.Revision) *watch {
	return &watch{
		current: initial,
		changed: make(chan struct{}),
	}
}

func (w *watch) set(rev revision.Revision) {
	w.mu.Lock()
	w.current = rev
	w.seq++
	close(w.changed)
	w.changed = make(chan struct{})
	w.mu.Unlock()
}

func (w *watch) subscribe() *RevisionWatch {
	w.mu.Lock()
	defer w.mu.Unlock()
	// The value at subscribe time counts as observed; Changed fires only
	// for later publishes.
	return &RevisionWatch{w: w, seen: w.seq}
}

// RevisionWatch is one receiver's coalescing view of the clock. It tracks
// the last generation it observed; intermediate values published between
// observations are skipped, never buffered.
type RevisionWatch struct {
	w    *watch
	seen uint64
}

// Latest returns the current revision and marks it observed.
func (s *RevisionWatch) Latest() revision.Revision {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	s.seen = s.w.seq
	return s.w.current
}

// Peek returns the current revision without marking it observed.
func (s *RevisionWatch) Peek() revision.Revision {
	s.w.mu.Lock()
	defer s.w.mu.Unlock()
	return s.w.current
}

// Changed blocks until a value newer than the last observed one has been
// published, then marks it observed. Returns immediately if one already
// has.
func (s *RevisionWatch) Changed(ctx context.Context) error {
	for {
		s.w.mu.Lock()
		if s.w.seq > s.seen {
			s.seen = s.w.seq
			s.w.mu.Unlock()
			return nil
		}
		ch := s.w.changed
		s.w.mu.Unlock()

		select {
		case <-ch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

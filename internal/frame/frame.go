// Package frame tracks the stack of in-flight query computations for one
// task. The stack rides on the context.Context so it follows the call
// chain through user compute functions without those functions ever
// holding a frame directly. A goroutine waiting on another goroutine's
// cell blocks on a notification, never on a frame, so cycle detection
// only has to look at its own context chain.
package frame

import (
	"context"
	"sync"

	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/revision"
)

// Frame records the dependencies of one in-flight computation.
type Frame struct {
	key       key.DynKey
	startedAt revision.Revision

	mu   sync.Mutex
	deps []key.Dep
}

// New creates a frame for the given query at the revision the computation
// started at.
func New(k key.DynKey, startedAt revision.Revision) *Frame {
	return &Frame{key: k, startedAt: startedAt}
}

// Key returns the query this frame is computing.
func (f *Frame) Key() key.DynKey { return f.key }

// StartedAt returns the revision the computation started under.
func (f *Frame) StartedAt() revision.Revision { return f.startedAt }

func (f *Frame) record(d key.Dep) {
	f.mu.Lock()
	f.deps = append(f.deps, d)
	f.mu.Unlock()
}

// TakeDeps removes and returns the recorded dependency edges in insertion
// order. The owner calls it once when the compute ends.
func (f *Frame) TakeDeps() []key.Dep {
	f.mu.Lock()
	deps := f.deps
	f.deps = nil
	f.mu.Unlock()
	return deps
}

// stack is the per-task frame stack. It is shared by reference through
// the context, so pushes from nested calls land on the same stack.
type stack struct {
	mu     sync.Mutex
	frames []*Frame
}

type ctxKey struct{}

func fromContext(ctx context.Context) *stack {
	s, _ := ctx.Value(ctxKey{}).(*stack)
	return s
}

// Scope ensures a frame stack exists on the context. Idempotent: if the
// context already carries one, it is returned unchanged. Top-level
// queries call this before touching any other frame operation.
func Scope(ctx context.Context) context.Context {
	if fromContext(ctx) != nil {
		return ctx
	}
	return context.WithValue(ctx, ctxKey{}, &stack{})
}

// Push adds f to the stack and returns the paired pop. Callers must defer
// the pop so the stack stays balanced on every exit path, including
// panics. Push panics if the context was never scoped.
func Push(ctx context.Context, f *Frame) (pop func()) {
	s := fromContext(ctx)
	if s == nil {
		panic("frame: Push on unscoped context")
	}
	s.mu.Lock()
	s.frames = append(s.frames, f)
	s.mu.Unlock()
	return func() {
		s.mu.Lock()
		s.frames = s.frames[:len(s.frames)-1]
		s.mu.Unlock()
	}
}

// HasActiveFrame reports whether the current task is inside a computation.
func HasActiveFrame(ctx context.Context) bool {
	s := fromContext(ctx)
	if s == nil {
		return false
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.frames) > 0
}

// RecordDep appends a dependency edge to the innermost frame. No-op when
// the task has no active frame.
func RecordDep(ctx context.Context, d key.Dep) {
	s := fromContext(ctx)
	if s == nil {
		return
	}
	s.mu.Lock()
	var inner *Frame
	if n := len(s.frames); n > 0 {
		inner = s.frames[n-1]
	}
	s.mu.Unlock()
	if inner != nil {
		inner.record(d)
	}
}

// FindCycle reports whether requesting `requested` from the current task
// would reenter a computation already on the stack. On a hit it returns a
// root-first snapshot of the stack, which includes the frame computing
// the requested key. Equality is (kind, encoded bytes).
func FindCycle(ctx context.Context, requested key.DynKey) ([]key.DynKey, bool) {
	s := fromContext(ctx)
	if s == nil {
		return nil, false
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	hit := false
	for _, f := range s.frames {
		if f.key.Equal(requested) {
			hit = true
			break
		}
	}
	if !hit {
		return nil, false
	}
	snapshot := make([]key.DynKey, len(s.frames))
	for i, f := range s.frames {
		snapshot[i] = f.key
	}
	return snapshot, true
}

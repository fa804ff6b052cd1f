// Package ingredient implements the three ingredient families of a
// picante database: derived queries memoized per key, revision-stamped
// inputs, and immutable interned values. All three record dependency
// edges into the calling task's frame and take part in cache files.
package ingredient

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/ShabbirHasan1/picante/internal/frame"
	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/persist"
	"github.com/ShabbirHasan1/picante/internal/qerr"
	"github.com/ShabbirHasan1/picante/internal/revision"
	"github.com/ShabbirHasan1/picante/internal/runtime"
)

// ComputeFunc produces the value for one key. It may call Get on other
// ingredients, which records dependency edges and may recurse into the
// cell protocol.
type ComputeFunc[DB any, K comparable, V any] func(ctx context.Context, db DB, k K) (V, error)

// Derived memoizes a compute function per key. Results are valid for the
// revision they were computed under; any later revision makes them stale
// and the next Get recomputes.
type Derived[DB runtime.HasRuntime, K comparable, V any] struct {
	kind     key.QueryKindID
	kindName string
	cells    sync.Map // K -> *cell[V]
	compute  ComputeFunc[DB, K, V]
}

// NewDerived creates a derived ingredient with the given stable kind id,
// debug name, and compute function.
func NewDerived[DB runtime.HasRuntime, K comparable, V any](kind key.QueryKindID, kindName string, compute ComputeFunc[DB, K, V]) *Derived[DB, K, V] {
	return &Derived[DB, K, V]{
		kind:     kind,
		kindName: kindName,
		compute:  compute,
	}
}

// Kind returns the stable kind id.
func (d *Derived[DB, K, V]) Kind() key.QueryKindID { return d.kind }

// KindName returns the debug name.
func (d *Derived[DB, K, V]) KindName() string { return d.kindName }

// Get returns the value for k at the database's current revision,
// computing it if no fresh memo exists.
//
// At most one goroutine computes a given (key, revision); peers observing
// Running wait on the cell's notification and reread. A value produced
// under a revision that moved on before return is discarded and the
// protocol loops, so the returned value is always legitimate at the
// revision observed immediately before return.
func (d *Derived[DB, K, V]) Get(ctx context.Context, db DB, k K) (V, error) {
	var zero V

	encoded, err := key.Encode(k)
	if err != nil {
		return zero, &qerr.EncodeError{What: "derived key", Message: err.Error()}
	}
	requested := key.DynKey{Kind: d.kind, Key: encoded}

	ctx = frame.Scope(ctx)
	if stack, found := frame.FindCycle(ctx, requested); found {
		// Cycle errors bypass the cell entirely: they describe this call
		// chain, not the key's state.
		return zero, &qerr.CycleError{Requested: requested, Stack: stack}
	}
	if frame.HasActiveFrame(ctx) {
		frame.RecordDep(ctx, key.Dep{Kind: d.kind, Key: encoded})
	}

	c := d.cellFor(k)

	for {
		rev := db.Runtime().Current()

		c.mu.Lock()
		switch {
		case c.state == cellReady && c.verifiedAt == rev:
			v := c.value
			c.mu.Unlock()
			if db.Runtime().Current() == rev {
				return v, nil
			}
			continue

		case c.state == cellPoisoned && c.verifiedAt == rev:
			cerr := c.err
			c.mu.Unlock()
			if db.Runtime().Current() == rev {
				return zero, cerr
			}
			continue

		case c.state == cellRunning:
			done := c.done
			c.mu.Unlock()
			select {
			case <-done:
			case <-ctx.Done():
				// Abandoning the wait does not disturb the computing
				// goroutine; it will finalize and wake the rest.
				return zero, ctx.Err()
			}
			continue
		}

		// Vacant or stale: take the job. Still under the lock, so no one
		// can slip in between classification and transition.
		c.state = cellRunning
		c.startedAt = rev
		c.done = make(chan struct{})
		c.mu.Unlock()

		v, cerr := d.runCompute(ctx, db, k, requested, rev, c)
		if db.Runtime().Current() == rev {
			return v, cerr
		}
		// An input changed while we computed; the result is already
		// memoized for rev but must not escape as current.
		continue
	}
}

// runCompute executes the user compute under a fresh frame and finalizes
// the cell on every exit path. A panic poisons the cell with the panic
// payload and is swallowed; a compute torn down by runtime.Goexit poisons
// it with ErrCancelled so waiters never strand on a Running cell.
func (d *Derived[DB, K, V]) runCompute(ctx context.Context, db DB, k K, requested key.DynKey, rev revision.Revision, c *cell[V]) (v V, err error) {
	fr := frame.New(requested, rev)
	pop := frame.Push(ctx, fr)
	defer pop()

	finalized := false
	defer func() {
		if finalized {
			return
		}
		var zero V
		if p := recover(); p != nil {
			err = &qerr.PanicError{Message: panicMessage(p)}
		} else {
			err = qerr.ErrCancelled
		}
		fr.TakeDeps()
		c.finalize(zero, rev, nil, err)
	}()

	v, err = d.compute(ctx, db, k)
	deps := fr.TakeDeps()

	if err != nil {
		if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
			err = qerr.ErrCancelled
		}
		var zero V
		v = zero
		c.finalize(zero, rev, nil, err)
	} else {
		c.finalize(v, rev, deps, nil)
	}
	finalized = true
	return v, err
}

// cellFor returns the cell for k, creating a vacant one on first access.
// LoadOrStore guarantees concurrent first accesses observe the same cell.
func (d *Derived[DB, K, V]) cellFor(k K) *cell[V] {
	if got, ok := d.cells.Load(k); ok {
		return got.(*cell[V])
	}
	got, _ := d.cells.LoadOrStore(k, newCell[V]())
	return got.(*cell[V])
}

func panicMessage(p any) string {
	switch m := p.(type) {
	case string:
		return m
	case error:
		return m.Error()
	default:
		return fmt.Sprintf("%v", m)
	}
}

type depRecord struct {
	KindID   uint32 `cbor:"kind_id"`
	KeyBytes []byte `cbor:"key_bytes"`
}

type derivedRecord[K comparable, V any] struct {
	Key        K           `cbor:"key"`
	Value      V           `cbor:"value"`
	VerifiedAt uint64      `cbor:"verified_at"`
	Deps       []depRecord `cbor:"deps"`
}

// SectionType marks derived sections in cache files.
func (d *Derived[DB, K, V]) SectionType() persist.SectionType { return persist.SectionDerived }

// Clear drops all cells.
func (d *Derived[DB, K, V]) Clear() {
	d.cells.Range(func(k, _ any) bool {
		d.cells.Delete(k)
		return true
	})
}

// SaveRecords serializes every Ready cell. The key-cell pairs are
// snapshotted in a read pass first and each cell locked individually
// afterwards, so no map state is held across a lock acquisition.
// Running, Poisoned, and Vacant cells are skipped. Records are sorted by
// encoded key so the section is byte-stable for a given state.
func (d *Derived[DB, K, V]) SaveRecords(ctx context.Context) ([][]byte, error) {
	type pair struct {
		k K
		c *cell[V]
	}
	var snapshot []pair
	d.cells.Range(func(k, c any) bool {
		snapshot = append(snapshot, pair{k: k.(K), c: c.(*cell[V])})
		return true
	})

	type entry struct {
		sortKey []byte
		bytes   []byte
	}
	entries := make([]entry, 0, len(snapshot))
	for _, p := range snapshot {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		p.c.mu.Lock()
		if p.c.state != cellReady {
			p.c.mu.Unlock()
			continue
		}
		rec := derivedRecord[K, V]{
			Key:        p.k,
			Value:      p.c.value,
			VerifiedAt: uint64(p.c.verifiedAt),
			Deps:       make([]depRecord, len(p.c.deps)),
		}
		for i, dep := range p.c.deps {
			rec.Deps[i] = depRecord{KindID: uint32(dep.Kind), KeyBytes: dep.Key.Bytes()}
		}
		p.c.mu.Unlock()

		encoded, err := key.Encode(p.k)
		if err != nil {
			return nil, &qerr.EncodeError{What: "derived key", Message: err.Error()}
		}
		b, err := key.Marshal(rec)
		if err != nil {
			return nil, &qerr.EncodeError{What: "derived record", Message: err.Error()}
		}
		entries = append(entries, entry{sortKey: encoded.Bytes(), bytes: b})
	}

	sort.Slice(entries, func(i, j int) bool {
		return string(entries[i].sortKey) < string(entries[j].sortKey)
	})
	records := make([][]byte, len(entries))
	for i, e := range entries {
		records[i] = e.bytes
	}
	return records, nil
}

// LoadRecords rebuilds Ready cells from raw record bytes.
func (d *Derived[DB, K, V]) LoadRecords(records [][]byte) error {
	for _, b := range records {
		var rec derivedRecord[K, V]
		if err := key.Unmarshal(b, &rec); err != nil {
			return &qerr.DecodeError{What: "derived record", Message: err.Error()}
		}
		deps := make([]key.Dep, len(rec.Deps))
		for i, dr := range rec.Deps {
			deps[i] = key.Dep{Kind: key.QueryKindID(dr.KindID), Key: key.FromBytes(dr.KeyBytes)}
		}
		d.cells.Store(rec.Key, newReadyCell(rec.Value, revision.Revision(rec.VerifiedAt), deps))
	}
	return nil
}

package ingredient

import (
	"context"
	"sort"
	"sync"
	"sync/atomic"

	"github.com/ShabbirHasan1/picante/internal/frame"
	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/persist"
	"github.com/ShabbirHasan1/picante/internal/qerr"
	"github.com/ShabbirHasan1/picante/internal/revision"
	"github.com/ShabbirHasan1/picante/internal/runtime"
)

// InternID is a dense identifier handed out by an interned ingredient.
// Ids are never reused within a process lifetime unless the ingredient is
// cleared.
type InternID uint32

// Interned maintains a bijection between values and dense ids. Interned
// values are immutable: interning does not bump the database revision.
type Interned[K any] struct {
	kind     key.QueryKindID
	kindName string

	nextID atomic.Uint32

	mu      sync.RWMutex
	byValue map[string]InternID // encoded key bytes -> id
	byID    map[InternID]K
}

// NewInterned creates an empty interned ingredient.
func NewInterned[K any](kind key.QueryKindID, kindName string) *Interned[K] {
	return &Interned[K]{
		kind:     kind,
		kindName: kindName,
		byValue:  make(map[string]InternID),
		byID:     make(map[InternID]K),
	}
}

// Kind returns the stable kind id.
func (ing *Interned[K]) Kind() key.QueryKindID { return ing.kind }

// KindName returns the debug name.
func (ing *Interned[K]) KindName() string { return ing.kindName }

// Intern returns the id for v, allocating the next dense id on first
// sight. Safe under concurrent callers: racing interns of equal values
// observe the same id.
func (ing *Interned[K]) Intern(v K) (InternID, error) {
	encoded, err := key.Encode(v)
	if err != nil {
		return 0, &qerr.EncodeError{What: "interned value", Message: err.Error()}
	}
	ks := string(encoded.Bytes())

	ing.mu.RLock()
	id, ok := ing.byValue[ks]
	ing.mu.RUnlock()
	if ok {
		return id, nil
	}

	ing.mu.Lock()
	defer ing.mu.Unlock()
	if id, ok := ing.byValue[ks]; ok {
		return id, nil
	}
	id = InternID(ing.nextID.Add(1) - 1)
	ing.byValue[ks] = id
	ing.byID[id] = v
	return id, nil
}

// Get looks up an interned value by id. Inside a frame it records a
// dependency on (kind, encoded id); interned values never change, but the
// uniform edge keeps dep graphs symmetric with the other ingredients.
func (ing *Interned[K]) Get(ctx context.Context, db runtime.HasRuntime, id InternID) (K, error) {
	var zero K
	if frame.HasActiveFrame(ctx) {
		encoded, err := key.Encode(id)
		if err != nil {
			return zero, &qerr.EncodeError{What: "intern id", Message: err.Error()}
		}
		frame.RecordDep(ctx, key.Dep{Kind: ing.kind, Key: encoded})
	}

	ing.mu.RLock()
	v, ok := ing.byID[id]
	ing.mu.RUnlock()
	if !ok {
		return zero, &qerr.MissingInternedValueError{Kind: ing.kind, ID: uint32(id)}
	}
	return v, nil
}

// Touch resolves an encoded intern id for cross-ingredient probes.
// Interned values are immutable, so a known id always reports Revision 0.
func (ing *Interned[K]) Touch(ctx context.Context, k key.Key) (revision.Revision, error) {
	var id InternID
	if err := k.Decode(&id); err != nil {
		return 0, &qerr.DecodeError{What: "intern id", Message: err.Error()}
	}
	ing.mu.RLock()
	_, ok := ing.byID[id]
	ing.mu.RUnlock()
	if !ok {
		return 0, &qerr.MissingInternedValueError{Kind: ing.kind, ID: uint32(id)}
	}
	return revision.Revision(0), nil
}

type internedRecord[K any] struct {
	ID    uint32 `cbor:"id"`
	Value K      `cbor:"value"`
}

// SectionType marks interned sections in cache files.
func (ing *Interned[K]) SectionType() persist.SectionType { return persist.SectionInterned }

// Clear drops both maps and resets the id counter.
func (ing *Interned[K]) Clear() {
	ing.mu.Lock()
	ing.byValue = make(map[string]InternID)
	ing.byID = make(map[InternID]K)
	ing.nextID.Store(0)
	ing.mu.Unlock()
}

// SaveRecords serializes all id-value pairs in id order.
func (ing *Interned[K]) SaveRecords(ctx context.Context) ([][]byte, error) {
	ing.mu.RLock()
	ids := make([]InternID, 0, len(ing.byID))
	for id := range ing.byID {
		ids = append(ids, id)
	}
	sort.Slice(ids, func(i, j int) bool { return ids[i] < ids[j] })
	snapshot := make([]internedRecord[K], len(ids))
	for i, id := range ids {
		snapshot[i] = internedRecord[K]{ID: uint32(id), Value: ing.byID[id]}
	}
	ing.mu.RUnlock()

	records := make([][]byte, len(snapshot))
	for i, rec := range snapshot {
		b, err := key.Marshal(rec)
		if err != nil {
			return nil, &qerr.EncodeError{What: "interned record", Message: err.Error()}
		}
		records[i] = b
	}
	return records, nil
}

// LoadRecords rebuilds both maps. Duplicate ids or duplicate values in
// the section are corruption and fail the load. The id counter is
// restored to the highest loaded id plus one, even for an empty section.
func (ing *Interned[K]) LoadRecords(records [][]byte) error {
	ing.Clear()

	ing.mu.Lock()
	defer ing.mu.Unlock()

	var maxID uint32
	for _, b := range records {
		var rec internedRecord[K]
		if err := key.Unmarshal(b, &rec); err != nil {
			return &qerr.DecodeError{What: "interned record", Message: err.Error()}
		}

		id := InternID(rec.ID)
		if rec.ID > maxID {
			maxID = rec.ID
		}
		if _, dup := ing.byID[id]; dup {
			return qerr.Cachef("duplicate interned id %d in %q", rec.ID, ing.kindName)
		}

		encoded, err := key.Encode(rec.Value)
		if err != nil {
			return &qerr.EncodeError{What: "interned value", Message: err.Error()}
		}
		ks := string(encoded.Bytes())
		if existing, dup := ing.byValue[ks]; dup {
			return qerr.Cachef("duplicate interned value in %q (ids %d and %d)",
				ing.kindName, existing, rec.ID)
		}

		ing.byValue[ks] = id
		ing.byID[id] = rec.Value
	}

	ing.nextID.Store(maxID + 1)
	return nil
}

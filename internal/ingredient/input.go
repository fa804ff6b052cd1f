package ingredient

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/ShabbirHasan1/picante/internal/eventbus"
	"github.com/ShabbirHasan1/picante/internal/frame"
	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/persist"
	"github.com/ShabbirHasan1/picante/internal/qerr"
	"github.com/ShabbirHasan1/picante/internal/revision"
	"github.com/ShabbirHasan1/picante/internal/runtime"
)

// ErrNoEntry reports a Touch probe on an input key with no entry.
var ErrNoEntry = errors.New("picante: no entry for key")

type inputEntry[V any] struct {
	value     V
	changedAt revision.Revision
}

// Input is a revision-stamped key-value store. Writing to it is what
// advances the database revision and invalidates derived values.
type Input[DB runtime.HasRuntime, K comparable, V any] struct {
	kind     key.QueryKindID
	kindName string

	mu      sync.RWMutex
	entries map[K]inputEntry[V]
}

// NewInput creates an empty input ingredient.
func NewInput[DB runtime.HasRuntime, K comparable, V any](kind key.QueryKindID, kindName string) *Input[DB, K, V] {
	return &Input[DB, K, V]{
		kind:     kind,
		kindName: kindName,
		entries:  make(map[K]inputEntry[V]),
	}
}

// Kind returns the stable kind id.
func (in *Input[DB, K, V]) Kind() key.QueryKindID { return in.kind }

// KindName returns the debug name.
func (in *Input[DB, K, V]) KindName() string { return in.kindName }

// Set inserts or replaces the entry for k. The write, the revision bump,
// and the InputSet event happen under the ingredient lock, so observers
// never see the entry without its revision. Returns the new revision.
func (in *Input[DB, K, V]) Set(ctx context.Context, db DB, k K, v V) (revision.Revision, error) {
	encoded, err := key.Encode(k)
	if err != nil {
		return 0, &qerr.EncodeError{What: "input key", Message: err.Error()}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	rev := db.Runtime().Bump()
	in.entries[k] = inputEntry[V]{value: v, changedAt: rev}
	db.Runtime().Emit(eventbus.Event{
		Type:     eventbus.EventInputSet,
		Revision: rev,
		Kind:     in.kind,
		Key:      encoded,
		KeyHash:  encoded.Hash(),
	})
	return rev, nil
}

// Remove deletes the entry for k if present. The clock is bumped and
// InputRemoved emitted either way, so a remove always invalidates.
func (in *Input[DB, K, V]) Remove(ctx context.Context, db DB, k K) (revision.Revision, error) {
	encoded, err := key.Encode(k)
	if err != nil {
		return 0, &qerr.EncodeError{What: "input key", Message: err.Error()}
	}

	in.mu.Lock()
	defer in.mu.Unlock()
	rev := db.Runtime().Bump()
	delete(in.entries, k)
	db.Runtime().Emit(eventbus.Event{
		Type:     eventbus.EventInputRemoved,
		Revision: rev,
		Kind:     in.kind,
		Key:      encoded,
		KeyHash:  encoded.Hash(),
	})
	return rev, nil
}

// Get returns the entry for k. Inside a frame it records a dependency
// edge before reading, so the caller's memo is tied to this input.
func (in *Input[DB, K, V]) Get(ctx context.Context, db DB, k K) (V, bool, error) {
	var zero V
	if frame.HasActiveFrame(ctx) {
		encoded, err := key.Encode(k)
		if err != nil {
			return zero, false, &qerr.EncodeError{What: "input key", Message: err.Error()}
		}
		frame.RecordDep(ctx, key.Dep{Kind: in.kind, Key: encoded})
	}

	in.mu.RLock()
	e, ok := in.entries[k]
	in.mu.RUnlock()
	if !ok {
		return zero, false, nil
	}
	return e.value, true, nil
}

// Touch reports when the entry behind an encoded key last changed.
func (in *Input[DB, K, V]) Touch(ctx context.Context, k key.Key) (revision.Revision, error) {
	var typed K
	if err := k.Decode(&typed); err != nil {
		return 0, &qerr.DecodeError{What: "input key", Message: err.Error()}
	}
	in.mu.RLock()
	e, ok := in.entries[typed]
	in.mu.RUnlock()
	if !ok {
		return 0, ErrNoEntry
	}
	return e.changedAt, nil
}

type inputRecord[K comparable, V any] struct {
	Key       K      `cbor:"key"`
	Value     V      `cbor:"value"`
	ChangedAt uint64 `cbor:"changed_at"`
}

// SectionType marks input sections in cache files.
func (in *Input[DB, K, V]) SectionType() persist.SectionType { return persist.SectionInput }

// Clear drops all entries.
func (in *Input[DB, K, V]) Clear() {
	in.mu.Lock()
	in.entries = make(map[K]inputEntry[V])
	in.mu.Unlock()
}

// SaveRecords serializes all entries, sorted by encoded key so the
// section is byte-stable for a given state.
func (in *Input[DB, K, V]) SaveRecords(ctx context.Context) ([][]byte, error) {
	in.mu.RLock()
	snapshot := make(map[K]inputEntry[V], len(in.entries))
	for k, e := range in.entries {
		snapshot[k] = e
	}
	in.mu.RUnlock()

	type entry struct {
		sortKey []byte
		bytes   []byte
	}
	entries := make([]entry, 0, len(snapshot))
	for k, e := range snapshot {
		encoded, err := key.Encode(k)
		if err != nil {
			return nil, &qerr.EncodeError{What: "input key", Message: err.Error()}
		}
		b, err := key.Marshal(inputRecord[K, V]{
			Key:       k,
			Value:     e.value,
			ChangedAt: uint64(e.changedAt),
		})
		if err != nil {
			return nil, &qerr.EncodeError{What: "input record", Message: err.Error()}
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

// LoadRecords rebuilds entries from raw record bytes.
func (in *Input[DB, K, V]) LoadRecords(records [][]byte) error {
	in.mu.Lock()
	defer in.mu.Unlock()
	for _, b := range records {
		var rec inputRecord[K, V]
		if err := key.Unmarshal(b, &rec); err != nil {
			return &qerr.DecodeError{What: "input record", Message: err.Error()}
		}
		in.entries[rec.Key] = inputEntry[V]{
			value:     rec.Value,
			changedAt: revision.Revision(rec.ChangedAt),
		}
	}
	return nil
}

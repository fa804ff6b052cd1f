// Package picante is an asynchronous incremental query runtime: a
// library for building computations whose results are memoized,
// invalidated when their inputs change, and recomputed lazily on demand.
//
// An embedder constructs a Runtime and one or more ingredients, wiring
// them into a database type that exposes a Runtime() accessor. Derived
// ingredients memoize a compute function per key with single-flight
// semantics; input ingredients drive invalidation by bumping the
// revision clock; interned ingredients hand out dense stable ids.
// SaveCache and LoadCache persist the whole set to a versioned binary
// file.
//
// This package is a thin facade; the implementation lives under
// internal/.
package picante

import (
	"context"

	"github.com/ShabbirHasan1/picante/internal/eventbus"
	"github.com/ShabbirHasan1/picante/internal/ingredient"
	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/persist"
	"github.com/ShabbirHasan1/picante/internal/qerr"
	"github.com/ShabbirHasan1/picante/internal/revision"
	"github.com/ShabbirHasan1/picante/internal/runtime"
)

// Core types for identifying queries and revisions.
type (
	Revision    = revision.Revision
	QueryKindID = key.QueryKindID
	Key         = key.Key
	DynKey      = key.DynKey
	Dep         = key.Dep
	InternID    = ingredient.InternID
)

// Runtime state and its subscriptions.
type (
	Runtime       = runtime.Runtime
	HasRuntime    = runtime.HasRuntime
	RevisionWatch = runtime.RevisionWatch
	Event         = eventbus.Event
	EventType     = eventbus.EventType
	Subscription  = eventbus.Subscription
)

// Event types published by the runtime.
const (
	EventRevisionBumped = eventbus.EventRevisionBumped
	EventRevisionSet    = eventbus.EventRevisionSet
	EventInputSet       = eventbus.EventInputSet
	EventInputRemoved   = eventbus.EventInputRemoved
)

// Ingredient families.
type (
	DerivedIngredient[DB runtime.HasRuntime, K comparable, V any] = ingredient.Derived[DB, K, V]
	InputIngredient[DB runtime.HasRuntime, K comparable, V any]   = ingredient.Input[DB, K, V]
	InternedIngredient[K any]                                     = ingredient.Interned[K]
	ComputeFunc[DB any, K comparable, V any]                      = ingredient.ComputeFunc[DB, K, V]
	Toucher                                                       = ingredient.Toucher
)

// Persistence capability and section taxonomy.
type (
	Persistable = persist.Persistable
	SectionType = persist.SectionType
)

const (
	SectionInput    = persist.SectionInput
	SectionDerived  = persist.SectionDerived
	SectionInterned = persist.SectionInterned

	// CacheFormatVersion is the on-disk container version.
	CacheFormatVersion = persist.FormatVersion
)

// Error kinds. Errors returned by a compute, and its panics, are cached in
// the poisoned cell and shared by every waiter at the same revision. A
// cycle error is not cached by the Get that detects it.
type (
	CycleError                = qerr.CycleError
	PanicError                = qerr.PanicError
	EncodeError               = qerr.EncodeError
	DecodeError               = qerr.DecodeError
	CacheError                = qerr.CacheError
	MissingInternedValueError = qerr.MissingInternedValueError
)

// ErrCancelled marks a computation torn down before finalization.
var ErrCancelled = qerr.ErrCancelled

// NewRuntime creates a runtime starting at revision 0.
func NewRuntime() *Runtime {
	return runtime.New()
}

// NewDerived creates a derived ingredient memoizing compute per key.
func NewDerived[DB runtime.HasRuntime, K comparable, V any](kind QueryKindID, kindName string, compute ComputeFunc[DB, K, V]) *DerivedIngredient[DB, K, V] {
	return ingredient.NewDerived(kind, kindName, compute)
}

// NewInput creates an empty input ingredient.
func NewInput[DB runtime.HasRuntime, K comparable, V any](kind QueryKindID, kindName string) *InputIngredient[DB, K, V] {
	return ingredient.NewInput[DB, K, V](kind, kindName)
}

// NewInterned creates an empty interned ingredient.
func NewInterned[K any](kind QueryKindID, kindName string) *InternedIngredient[K] {
	return ingredient.NewInterned[K](kind, kindName)
}

// EncodeKey produces the deterministic encoded form of a typed key.
func EncodeKey(v any) (Key, error) {
	return key.Encode(v)
}

// SaveCache snapshots the runtime and ingredients into the cache file at
// path, atomically.
func SaveCache(ctx context.Context, path string, rt *Runtime, ingredients []Persistable) error {
	return persist.Save(ctx, path, rt, ingredients)
}

// LoadCache restores the runtime and ingredients from the cache file at
// path. Returns false without error when no file exists.
func LoadCache(ctx context.Context, path string, rt *Runtime, ingredients []Persistable) (bool, error) {
	return persist.Load(ctx, path, rt, ingredients)
}

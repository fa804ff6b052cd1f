// Package qerr defines the error kinds surfaced by the query runtime.
// Errors cached in poisoned cells are handed to every waiter observing at
// the same revision, so they are plain shared values and must be safe to
// return from multiple goroutines.
package qerr

import (
	"errors"
	"fmt"
	"strings"

	"github.com/ShabbirHasan1/picante/internal/key"
)

// ErrCancelled marks a computation that was torn down before it could
// finalize its cell. It is distinct from a panic: the compute function
// did not fail, its task went away.
var ErrCancelled = errors.New("picante: computation cancelled before finalization")

// CycleError reports a synchronous reentry chain within a single task.
// The Get that detects it returns it immediately without touching the
// requested key's cell. A compute that returns it as its own error has
// it cached in that compute's cell like any other error.
type CycleError struct {
	Requested key.DynKey
	// Stack is a root-first snapshot of the active frames at detection,
	// including the frame currently computing the requested key.
	Stack []key.DynKey
}

func (e *CycleError) Error() string {
	var b strings.Builder
	fmt.Fprintf(&b, "picante: dependency cycle on %s (stack:", e.Requested)
	for _, f := range e.Stack {
		fmt.Fprintf(&b, " %s", f)
	}
	b.WriteString(")")
	return b.String()
}

// PanicError wraps the payload of a panicking compute function.
type PanicError struct {
	Message string
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("picante: compute panicked: %s", e.Message)
}

// EncodeError reports a key or record that could not be encoded.
type EncodeError struct {
	What    string
	Message string
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("picante: encoding %s: %s", e.What, e.Message)
}

// DecodeError reports bytes that could not be decoded.
type DecodeError struct {
	What    string
	Message string
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("picante: decoding %s: %s", e.What, e.Message)
}

// CacheError reports an I/O, version, duplication, or schema mismatch
// during persistence.
type CacheError struct {
	Message string
}

func (e *CacheError) Error() string {
	return "picante: cache: " + e.Message
}

// Cachef builds a CacheError from a format string.
func Cachef(format string, args ...any) *CacheError {
	return &CacheError{Message: fmt.Sprintf(format, args...)}
}

// MissingInternedValueError reports a lookup of an unknown intern id.
type MissingInternedValueError struct {
	Kind key.QueryKindID
	ID   uint32
}

func (e *MissingInternedValueError) Error() string {
	return fmt.Sprintf("picante: no interned value for id %d in kind %d", e.ID, e.Kind)
}

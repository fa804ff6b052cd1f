// Package key provides the deterministic byte encoding and stable hashing
// of typed query keys. Every ingredient identifies its entries by the
// encoded form, so equal typed keys must produce byte-equal encodings
// across runs and across processes.
package key

import (
	"bytes"
	"fmt"

	"github.com/dchest/siphash"
	"github.com/fxamacker/cbor/v2"
)

// Fixed SipHash-2-4 keys. The hash is used for diagnostics and cycle
// lookup acceleration only, never for equality, so the keys just need to
// be stable across processes.
const (
	hashK0 = 0x7069636165746b30 // "picaetk0"
	hashK1 = 0x7069636165746b31 // "picaetk1"
)

var (
	encMode cbor.EncMode
	decMode cbor.DecMode
)

func init() {
	var err error
	encMode, err = cbor.CoreDetEncOptions().EncMode()
	if err != nil {
		panic(fmt.Sprintf("key: building deterministic encode mode: %v", err))
	}
	decMode, err = cbor.DecOptions{DupMapKey: cbor.DupMapKeyEnforcedAPF}.DecMode()
	if err != nil {
		panic(fmt.Sprintf("key: building decode mode: %v", err))
	}
}

// QueryKindID identifies an ingredient within a database instance. The
// embedder assigns it; it must be unique per database and stable across
// runs because it also keys cache file sections.
type QueryKindID uint32

// Key is the immutable encoded form of a typed key.
type Key struct {
	b []byte
}

// Encode produces the deterministic encoding of v. Semantically equal
// values yield byte-equal keys: the codec is the CBOR core deterministic
// profile, so map entries are sorted and integer widths are canonical.
func Encode(v any) (Key, error) {
	b, err := Marshal(v)
	if err != nil {
		return Key{}, err
	}
	return Key{b: b}, nil
}

// FromBytes wraps raw encoded bytes as a Key. The caller must not mutate b
// afterwards.
func FromBytes(b []byte) Key {
	return Key{b: b}
}

// Bytes returns the encoded form. The caller must not mutate it.
func (k Key) Bytes() []byte { return k.b }

// Decode decodes the key into out, the inverse of Encode.
func (k Key) Decode(out any) error {
	return Unmarshal(k.b, out)
}

// Hash returns a stable 64-bit hash of the encoded bytes.
func (k Key) Hash() uint64 {
	return siphash.Hash(hashK0, hashK1, k.b)
}

// Equal reports whether two keys have byte-equal encodings.
func (k Key) Equal(o Key) bool {
	return bytes.Equal(k.b, o.b)
}

func (k Key) String() string {
	return fmt.Sprintf("%016x", k.Hash())
}

// Marshal encodes v with the same deterministic codec used for keys.
// Ingredient records and the cache container share it so the whole cache
// file is byte-stable for a given state.
func Marshal(v any) ([]byte, error) {
	return encMode.Marshal(v)
}

// Unmarshal is the inverse of Marshal.
func Unmarshal(b []byte, out any) error {
	return decMode.Unmarshal(b, out)
}

// DynKey is the global identity of a query invocation.
type DynKey struct {
	Kind QueryKindID
	Key  Key
}

// Equal compares kind and encoded bytes.
func (d DynKey) Equal(o DynKey) bool {
	return d.Kind == o.Kind && d.Key.Equal(o.Key)
}

func (d DynKey) String() string {
	return fmt.Sprintf("kind=%d key=%s", d.Kind, d.Key)
}

// Dep is a dependency edge recorded while a query computes.
type Dep struct {
	Kind QueryKindID
	Key  Key
}

// Package persist writes and restores the cache file: one section per
// ingredient, each section a list of opaque self-describing records,
// under a versioned container header.
package persist

import (
	"bytes"
	"context"
	"errors"
	"io/fs"
	"log"
	"os"
	"path/filepath"

	"github.com/natefinch/atomic"
	"golang.org/x/sync/errgroup"

	"github.com/ShabbirHasan1/picante/internal/key"
	"github.com/ShabbirHasan1/picante/internal/qerr"
	"github.com/ShabbirHasan1/picante/internal/revision"
	"github.com/ShabbirHasan1/picante/internal/runtime"
)

// FormatVersion is the cache container version. Readers refuse any other
// value.
const FormatVersion = 1

// SectionType tells a reader which ingredient family wrote a section.
type SectionType uint8

const (
	// SectionInput holds key-value input records.
	SectionInput SectionType = 0
	// SectionDerived holds memoized Ready cells.
	SectionDerived SectionType = 1
	// SectionInterned holds id-value pairs.
	SectionInterned SectionType = 2
)

func (t SectionType) String() string {
	switch t {
	case SectionInput:
		return "input"
	case SectionDerived:
		return "derived"
	case SectionInterned:
		return "interned"
	default:
		return "unknown"
	}
}

// Persistable is the capability an ingredient implements to take part in
// cache files.
type Persistable interface {
	// Kind is the stable id, unique within a database and its cache file.
	Kind() key.QueryKindID
	// KindName is the human name, used for mismatch detection.
	KindName() string
	// SectionType declares the ingredient family.
	SectionType() SectionType
	// Clear drops all in-memory data.
	Clear()
	// SaveRecords serializes the ingredient's current records.
	SaveRecords(ctx context.Context) ([][]byte, error)
	// LoadRecords rebuilds the ingredient from raw record bytes.
	LoadRecords(records [][]byte) error
}

type section struct {
	KindID      uint32   `cbor:"kind_id"`
	KindName    string   `cbor:"kind_name"`
	SectionType uint8    `cbor:"section_type"`
	Records     [][]byte `cbor:"records"`
}

type cacheFile struct {
	FormatVersion   uint32    `cbor:"format_version"`
	CurrentRevision uint64    `cbor:"current_revision"`
	Sections        []section `cbor:"sections"`
}

// Save snapshots rt and ingredients into the cache file at path. The
// write is atomic: a temp file in the same directory is renamed onto
// path, so a failed save leaves any previous file untouched. The parent
// directory is created if missing.
func Save(ctx context.Context, path string, rt *runtime.Runtime, ingredients []Persistable) error {
	if err := ensureUniqueKinds(ingredients); err != nil {
		return err
	}

	sections := make([]section, len(ingredients))
	g, gctx := errgroup.WithContext(ctx)
	for i, ing := range ingredients {
		g.Go(func() error {
			records, err := ing.SaveRecords(gctx)
			if err != nil {
				return err
			}
			sections[i] = section{
				KindID:      uint32(ing.Kind()),
				KindName:    ing.KindName(),
				SectionType: uint8(ing.SectionType()),
				Records:     records,
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	file := cacheFile{
		FormatVersion:   FormatVersion,
		CurrentRevision: uint64(rt.Current()),
		Sections:        sections,
	}
	data, err := key.Marshal(file)
	if err != nil {
		return &qerr.EncodeError{What: "cache file", Message: err.Error()}
	}

	if dir := filepath.Dir(path); dir != "." && dir != string(filepath.Separator) {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return qerr.Cachef("creating %s: %v", dir, err)
		}
	}
	if err := atomic.WriteFile(path, bytes.NewReader(data)); err != nil {
		return qerr.Cachef("writing %s: %v", path, err)
	}

	log.Printf("picante: saved cache %s (%d bytes, %d sections, revision %d)",
		path, len(data), len(sections), file.CurrentRevision)
	return nil
}

// Load restores rt and ingredients from the cache file at path. Returns
// false without error when no file exists. All provided ingredients are
// cleared before any section is ingested, so a failed load never blends
// old and new state.
func Load(ctx context.Context, path string, rt *runtime.Runtime, ingredients []Persistable) (bool, error) {
	if err := ensureUniqueKinds(ingredients); err != nil {
		return false, err
	}

	data, err := os.ReadFile(path)
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, qerr.Cachef("reading %s: %v", path, err)
	}

	var file cacheFile
	if err := key.Unmarshal(data, &file); err != nil {
		return false, &qerr.DecodeError{What: "cache file", Message: err.Error()}
	}
	if file.FormatVersion != FormatVersion {
		return false, qerr.Cachef("unsupported cache format version %d; expected %d",
			file.FormatVersion, FormatVersion)
	}

	byKind := make(map[uint32]Persistable, len(ingredients))
	for _, ing := range ingredients {
		byKind[uint32(ing.Kind())] = ing
	}
	for _, ing := range ingredients {
		ing.Clear()
	}

	for _, sec := range file.Sections {
		ing, ok := byKind[sec.KindID]
		if !ok {
			// Unknown kinds are skipped, not rejected, so older caches
			// keep loading after an ingredient is retired.
			log.Printf("picante: ignoring unknown cache section %d (%s)", sec.KindID, sec.KindName)
			continue
		}
		if sec.KindName != ing.KindName() {
			return false, qerr.Cachef("kind name mismatch for id %d: file has %q, runtime has %q",
				sec.KindID, sec.KindName, ing.KindName())
		}
		if SectionType(sec.SectionType) != ing.SectionType() {
			return false, qerr.Cachef("section type mismatch for id %d (%q): file has %s, runtime has %s",
				sec.KindID, sec.KindName, SectionType(sec.SectionType), ing.SectionType())
		}
		if err := ing.LoadRecords(sec.Records); err != nil {
			return false, err
		}
	}

	rt.Set(revision.Revision(file.CurrentRevision))

	log.Printf("picante: loaded cache %s (%d bytes, revision %d)",
		path, len(data), file.CurrentRevision)
	return true, nil
}

func ensureUniqueKinds(ingredients []Persistable) error {
	seen := make(map[key.QueryKindID]string, len(ingredients))
	for _, ing := range ingredients {
		if prev, dup := seen[ing.Kind()]; dup {
			return qerr.Cachef("duplicate ingredient kind id %d (%q and %q)",
				ing.Kind(), prev, ing.KindName())
		}
		seen[ing.Kind()] = ing.KindName()
	}
	return nil
}

package store

import (
	"sync/atomic"

	"github.com/warmstart-dev/warmstart/internal/image"
)

// Entry is one cached unit: the immutable descriptor identity plus the mutable lifecycle
// flags of this process. Entries are never deleted in place; a superseded entry stays in the
// index carrying FlagNotEntrant until the next seal reconciles it.
type Entry struct {
	store *Store
	desc  image.Descriptor
	name  string
	// flags holds the live lifecycle bits. Seeded from desc.Flags, mutated only here, and
	// reconciled back into descriptors by FinishWrite.
	flags atomic.Uint32
	// next is the successor in a clinit-barrier invalidation chain, newest-reachable-first.
	next *Entry
	// fromImage marks entries materializable from the sealed image rather than the arena.
	fromImage bool
}

func newEntry(s *Store, desc image.Descriptor, name string, fromImage bool) *Entry {
	e := &Entry{store: s, desc: desc, name: name, fromImage: fromImage}
	e.flags.Store(desc.Flags)
	return e
}

// Kind returns the entry kind.
func (e *Entry) Kind() image.EntryKind { return e.desc.Kind }

// ID returns the content/identity hash of the logical unit.
func (e *Entry) ID() uint32 { return e.desc.ID }

// Name returns the entry name.
func (e *Entry) Name() string { return e.name }

// CompLevel returns the compilation level the code was produced at.
func (e *Entry) CompLevel() uint32 { return e.desc.CompLevel }

// CompID returns the compilation id, for diagnostics.
func (e *Entry) CompID() uint32 { return e.desc.CompID }

// DecompileCount returns the owning method's decompilation count at store time.
func (e *Entry) DecompileCount() uint32 { return e.desc.DecompileCount }

// Size returns the payload size in bytes.
func (e *Entry) Size() uint32 { return e.desc.Size }

// Flags returns the current lifecycle flags.
func (e *Entry) Flags() image.Flags { return e.flags.Load() }

func (e *Entry) has(f image.Flags) bool { return e.flags.Load()&f != 0 }

// NotEntrant reports whether the entry's live code was deoptimized.
func (e *Entry) NotEntrant() bool { return e.has(image.FlagNotEntrant) }

// ForPreload reports whether the entry was pre-selected for preload installation.
func (e *Entry) ForPreload() bool { return e.has(image.FlagForPreload) }

// HasClinitBarriers reports whether the code carries class-initialization barriers.
func (e *Entry) HasClinitBarriers() bool { return e.has(image.FlagHasClinitBarriers) }

// Loaded reports whether the entry materialized successfully in this process.
func (e *Entry) Loaded() bool { return e.has(image.FlagLoaded) }

// LoadFailed reports whether materialization failed; terminal for this record.
func (e *Entry) LoadFailed() bool { return e.has(image.FlagLoadFail) }

// setFlag sets f and reports whether this call was the one that set it.
func (e *Entry) setFlag(f image.Flags) bool {
	for {
		old := e.flags.Load()
		if old&f != 0 {
			return false
		}
		if e.flags.CompareAndSwap(old, old|f) {
			return true
		}
	}
}

// matchesLookup reports whether the entry satisfies one find_entry probe.
func (e *Entry) matchesLookup(kind image.EntryKind, id, compLevel, decompileCount uint32) bool {
	if e.desc.Kind != kind || e.desc.ID != id {
		return false
	}
	if e.desc.CompLevel != compLevel {
		return false
	}
	if !e.has(image.FlagIgnoreDecompileCount) && e.desc.DecompileCount != decompileCount {
		return false
	}
	// Deoptimized entries record history; they are retried only after a reseal.
	if e.NotEntrant() {
		return false
	}
	// Barrier variants are installed by the preload path via their chain, never by lookup.
	if e.HasClinitBarriers() {
		return false
	}
	return true
}

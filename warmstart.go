// Package warmstart is a persistent cache for JIT-compiled code. A hosting virtual machine
// stores compiled method bodies, stubs, adapters and runtime blobs during a training run,
// seals them into a relocatable image, and later processes install the cached code instead of
// recompiling it.
//
// Addresses embedded in code never survive a process boundary as raw pointers. The embedder
// populates an AddressTable with its runtime entry points, stubs and blobs; relocations are
// stored as stable table identifiers plus position-relative offsets and are re-resolved
// against the consuming process at materialization time. References to classes, methods and
// objects are stored as symbolic values and re-resolved through the api collaborators.
//
// See api for the collaborator interfaces an embedder implements.
package warmstart

import (
	"github.com/warmstart-dev/warmstart/internal/addrtable"
	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/store"
)

// EntryKind classifies one cached unit.
type EntryKind = image.EntryKind

const (
	// EntryKindAdapter is an i2c/c2i adapter.
	EntryKindAdapter EntryKind = image.EntryAdapter
	// EntryKindStub is a generated runtime stub.
	EntryKindStub EntryKind = image.EntryStub
	// EntryKindSharedBlob is a code blob shared by all compilation tiers.
	EntryKindSharedBlob EntryKind = image.EntrySharedBlob
	// EntryKindC1Blob is a tier-1 (client compiler) runtime blob.
	EntryKindC1Blob EntryKind = image.EntryC1Blob
	// EntryKindC2Blob is a tier-2 (server compiler) runtime blob.
	EntryKindC2Blob EntryKind = image.EntryC2Blob
	// EntryKindCode is a compiled method body.
	EntryKindCode EntryKind = image.EntryCode
)

// Flags are the lifecycle bits carried by an entry.
type Flags = image.Flags

const (
	// FlagHasClinitBarriers marks code compiled with class-initialization barriers; such an
	// entry chains to its barrier-free successor.
	FlagHasClinitBarriers Flags = image.FlagHasClinitBarriers
	// FlagForPreload marks an entry pre-selected for installation before application code runs.
	FlagForPreload Flags = image.FlagForPreload
	// FlagIgnoreDecompileCount exempts lookups of this entry from decompile-count matching.
	FlagIgnoreDecompileCount Flags = image.FlagIgnoreDecompileCount
)

// Fingerprint captures the configuration of the producing process; see image.Fingerprint.
type Fingerprint = image.Fingerprint

const (
	// FingerprintAssertions is set when the VM runs with assertions enabled.
	FingerprintAssertions = image.FingerprintAssertions
	// FingerprintDebugBuild is set for debug builds.
	FingerprintDebugBuild = image.FingerprintDebugBuild
)

// AddressTable maps live addresses to process-independent identifiers and back. The embedder
// populates one per process during startup; see the Init methods on addrtable.Table.
type AddressTable = addrtable.Table

// NewAddressTable returns an empty AddressTable.
func NewAddressTable() *AddressTable { return addrtable.New() }

// Entry is one cached unit of code.
type Entry = store.Entry

// Meta is the compilation metadata stored alongside one code buffer.
type Meta = store.Meta

// Code is one entry reconstituted for installation in the current process.
type Code = store.Code

// Errors returned by Cache operations.
var (
	// ErrCacheFailed reports the sticky cache-wide failed state.
	ErrCacheFailed = store.ErrFailed
	// ErrCapacity reports a write refused because the buffer is full.
	ErrCapacity = store.ErrCapacity
	// ErrSealed reports a write after Seal.
	ErrSealed = store.ErrSealed
	// ErrClosed reports use after Close.
	ErrClosed = store.ErrClosed
	// ErrReadOnly reports a write to a cache opened read-only.
	ErrReadOnly = store.ErrReadOnly
	// ErrEntryUnusable reports a per-entry materialization failure; the cache stays usable.
	ErrEntryUnusable = store.ErrEntryUnusable
	// ErrMismatch reports a configuration-fingerprint disagreement with a stored image.
	ErrMismatch = store.ErrMismatch
	// ErrCorrupt reports structurally invalid image contents.
	ErrCorrupt = store.ErrCorrupt
)

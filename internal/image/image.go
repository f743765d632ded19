// Package image defines the binary layout of a sealed code-cache image.
//
// A sealed image is one contiguous, word-aligned byte region:
//
//	[Header][code payloads, each section aligned][interned strings]
//	[search index: (u32 content id, u32 entry index) pairs, ascending]
//	[preload subset: u32 entry indices][entry descriptor array]
//
// All multi-byte fields are little-endian. The header sits at offset 0 and carries the offsets
// and counts of every trailer section plus the configuration fingerprint of the producing
// process. A consumer must reject the whole image when the magic, format version, size or
// fingerprint disagree with the current process.
package image

import (
	"errors"
	"fmt"

	"github.com/warmstart-dev/warmstart/internal/u32"
	"github.com/warmstart-dev/warmstart/internal/u64"
)

// Magic identifies a warmstart code-cache image.
var Magic = [4]byte{'W', 'S', 'T', 'C'}

// FormatVersion is bumped on any incompatible layout change.
const FormatVersion uint32 = 1

// WordSize is the alignment unit of the image. Stored code is mapped back at the same
// alignment, so every descriptor and code section starts on a WordSize boundary.
const WordSize = 8

// AlignUp rounds off up to the next WordSize boundary.
func AlignUp(off uint32) uint32 {
	return (off + WordSize - 1) &^ (WordSize - 1)
}

// NoIndex marks an absent entry index or method offset.
const NoIndex = ^uint32(0)

// EntryKind classifies one cached unit.
type EntryKind = uint32

const (
	// EntryNone is the zero kind; it never appears in a sealed image.
	EntryNone EntryKind = iota
	// EntryAdapter is an i2c/c2i adapter.
	EntryAdapter
	// EntryStub is a generated runtime stub.
	EntryStub
	// EntrySharedBlob is a code blob shared by all compilation tiers.
	EntrySharedBlob
	// EntryC1Blob is a tier-1 (client compiler) runtime blob.
	EntryC1Blob
	// EntryC2Blob is a tier-2 (server compiler) runtime blob.
	EntryC2Blob
	// EntryCode is a compiled method body.
	EntryCode
)

// KindCount is the number of entry kinds including EntryNone. Deliberately untyped so size
// arithmetic built on it (HeaderSize) stays untyped and usable as both int and uint32.
const KindCount = 7

// KindName returns a short human-readable name for k, for logs and the CLI.
func KindName(k EntryKind) string {
	switch k {
	case EntryAdapter:
		return "adapter"
	case EntryStub:
		return "stub"
	case EntrySharedBlob:
		return "shared_blob"
	case EntryC1Blob:
		return "c1_blob"
	case EntryC2Blob:
		return "c2_blob"
	case EntryCode:
		return "code"
	}
	return fmt.Sprintf("kind(%d)", k)
}

// Flags are the lifecycle bits of one entry descriptor.
type Flags = uint32

const (
	// FlagHasClinitBarriers marks code compiled with class-initialization barriers. Such an
	// entry is only usable while its class initializer has not completed and chains to a
	// barrier-free successor via Descriptor.Next.
	FlagHasClinitBarriers Flags = 1 << iota
	// FlagForPreload marks an entry pre-selected for installation before application code runs.
	FlagForPreload
	// FlagLoaded is set after the entry materialized successfully in this process.
	FlagLoaded
	// FlagNotEntrant marks an entry whose live code was deoptimized; it must not be reused as-is.
	FlagNotEntrant
	// FlagLoadFail is set after the entry failed to materialize; terminal for this record.
	FlagLoadFail
	// FlagIgnoreDecompileCount exempts lookups of this entry from decompile-count matching.
	FlagIgnoreDecompileCount
)

// DescriptorSize is the encoded size of one entry descriptor. Fixed so the descriptor array
// is indexable, and a multiple of WordSize so the array stays aligned.
const DescriptorSize = 56

// Descriptor is the fixed-size record describing one cached unit. Offsets are image-relative;
// NameOffset and CodeOffset point inside the entry's payload [Offset, Offset+Size).
type Descriptor struct {
	Kind EntryKind
	// ID is the content/identity hash of the logical unit. Not unique across kinds.
	ID     uint32
	Offset uint32
	Size   uint32
	// NameOffset/NameSize locate the entry name bytes.
	NameOffset uint32
	NameSize   uint32
	// CodeOffset locates the start of the code section; code runs to Offset+Size.
	CodeOffset uint32
	CompLevel  uint32
	CompID     uint32
	// DecompileCount is the decompilation count of the method at store time.
	DecompileCount uint32
	Flags          Flags
	// Next is the entry index of the successor in a clinit-barrier invalidation chain,
	// or NoIndex.
	Next uint32
	// MethodOffset is the trusted-archive offset of the owning method, or NoIndex.
	MethodOffset uint32
}

// AppendTo appends the DescriptorSize-byte encoding of d to b.
func (d *Descriptor) AppendTo(b []byte) []byte {
	for _, v := range [...]uint32{
		d.Kind, d.ID, d.Offset, d.Size, d.NameOffset, d.NameSize, d.CodeOffset,
		d.CompLevel, d.CompID, d.DecompileCount, d.Flags, d.Next, d.MethodOffset,
	} {
		b = append(b, u32.LeBytes(v)...)
	}
	return append(b, 0, 0, 0, 0) // pad to DescriptorSize
}

// DecodeDescriptor decodes one descriptor from the first DescriptorSize bytes of b.
func DecodeDescriptor(b []byte) (d Descriptor, err error) {
	if len(b) < DescriptorSize {
		return d, fmt.Errorf("short descriptor: %d bytes", len(b))
	}
	fields := [...]*uint32{
		&d.Kind, &d.ID, &d.Offset, &d.Size, &d.NameOffset, &d.NameSize, &d.CodeOffset,
		&d.CompLevel, &d.CompID, &d.DecompileCount, &d.Flags, &d.Next, &d.MethodOffset,
	}
	for i, p := range fields {
		*p = u32.FromLeBytes(b[i*4:])
	}
	if d.Kind == EntryNone || d.Kind >= KindCount {
		return d, fmt.Errorf("invalid entry kind: %d", d.Kind)
	}
	return d, nil
}

// Fingerprint captures the configuration of the producing process. A consumer whose own
// fingerprint differs in any field must reject the image: the stored code was compiled against
// these parameters and is wrong under any others.
type Fingerprint struct {
	// GCKind identifies the collector, since barriers are compiled into code.
	GCKind uint32
	// OopShift is the pointer-compression shift, or 0 when compressed oops are off.
	OopShift uint32
	// ObjectAlignment is the heap object alignment in bytes.
	ObjectAlignment uint32
	// Flags holds FingerprintAssertions and FingerprintDebugBuild.
	Flags uint32
	// OopBase is the pointer-compression base address.
	OopBase uint64
}

const (
	// FingerprintAssertions is set when the VM runs with assertions enabled.
	FingerprintAssertions uint32 = 1 << iota
	// FingerprintDebugBuild is set for debug (non-product) builds.
	FingerprintDebugBuild
)

const fingerprintSize = 4*4 + 8

// HeaderSize is the encoded size of the Header, a multiple of WordSize.
const HeaderSize = 4 /* magic */ + 4 /* format version */ +
	10*4 /* image size, section counts and offsets */ +
	(KindCount-1)*4 /* per-kind counts */ + fingerprintSize

// Header is the fixed record at offset 0 of a sealed image.
type Header struct {
	ImageSize     uint32
	StringsCount  uint32
	StringsOffset uint32
	IndexCount    uint32
	IndexOffset   uint32
	PreloadCount  uint32
	PreloadOffset uint32
	EntriesCount  uint32
	EntriesOffset uint32
	// CodeSize is the total size of the code-payload region, for diagnostics.
	CodeSize uint32
	// KindCounts holds raw per-kind entry counts, indexed by EntryKind-1.
	KindCounts  [KindCount - 1]uint32
	Fingerprint Fingerprint
}

// AppendTo appends the HeaderSize-byte encoding of h to b.
func (h *Header) AppendTo(b []byte) []byte {
	b = append(b, Magic[:]...)
	b = append(b, u32.LeBytes(FormatVersion)...)
	for _, v := range [...]uint32{
		h.ImageSize, h.StringsCount, h.StringsOffset, h.IndexCount, h.IndexOffset,
		h.PreloadCount, h.PreloadOffset, h.EntriesCount, h.EntriesOffset, h.CodeSize,
	} {
		b = append(b, u32.LeBytes(v)...)
	}
	for _, v := range h.KindCounts {
		b = append(b, u32.LeBytes(v)...)
	}
	fp := &h.Fingerprint
	for _, v := range [...]uint32{fp.GCKind, fp.OopShift, fp.ObjectAlignment, fp.Flags} {
		b = append(b, u32.LeBytes(v)...)
	}
	return append(b, u64.LeBytes(fp.OopBase)...)
}

var (
	// ErrNotAnImage reports bytes that do not begin with the image magic.
	ErrNotAnImage = errors.New("image: bad magic")
	// ErrStaleFormat reports an image written by an incompatible format version.
	ErrStaleFormat = errors.New("image: stale format version")
	// ErrTruncated reports an image shorter than its header claims.
	ErrTruncated = errors.New("image: truncated")
)

// DecodeHeader validates the magic and format version and decodes the header of img.
func DecodeHeader(img []byte) (h Header, err error) {
	if len(img) < HeaderSize {
		return h, fmt.Errorf("%w: %d bytes", ErrTruncated, len(img))
	}
	if [4]byte(img[:4]) != Magic {
		return h, ErrNotAnImage
	}
	if v := u32.FromLeBytes(img[4:]); v != FormatVersion {
		return h, fmt.Errorf("%w: %d, want %d", ErrStaleFormat, v, FormatVersion)
	}
	off := 8
	next := func() uint32 {
		v := u32.FromLeBytes(img[off:])
		off += 4
		return v
	}
	for _, p := range [...]*uint32{
		&h.ImageSize, &h.StringsCount, &h.StringsOffset, &h.IndexCount, &h.IndexOffset,
		&h.PreloadCount, &h.PreloadOffset, &h.EntriesCount, &h.EntriesOffset, &h.CodeSize,
	} {
		*p = next()
	}
	for i := range h.KindCounts {
		h.KindCounts[i] = next()
	}
	fp := &h.Fingerprint
	for _, p := range [...]*uint32{&fp.GCKind, &fp.OopShift, &fp.ObjectAlignment, &fp.Flags} {
		*p = next()
	}
	fp.OopBase = u64.FromLeBytes(img[off:])
	if uint32(len(img)) < h.ImageSize {
		return h, fmt.Errorf("%w: have %d bytes, header claims %d", ErrTruncated, len(img), h.ImageSize)
	}
	return h, nil
}

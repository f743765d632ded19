// Package store implements the cache engine: the scratch write buffer and its entry index on
// the write side, the sealed mapped image on the read side, and the finalize step that merges
// both into a new sealed image.
//
// Concurrency contract (see also guard.go): lookups and materialization may run on any number
// of threads; writes and FinishWrite are single-writer, serialized externally by the caller's
// compilation lock. The store only adds a short internal lock around the append path and the
// interned-string table, and the reader-drain guard around teardown.
package store

import (
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"go.uber.org/zap"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/addrtable"
	"github.com/warmstart-dev/warmstart/internal/arena"
	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/reloc"
	"github.com/warmstart-dev/warmstart/internal/u32"
	"github.com/warmstart-dev/warmstart/internal/valuecodec"
)

var (
	// ErrFailed reports the sticky cache-wide failed state; all writes are no-ops once set.
	ErrFailed = errors.New("store: cache failed")
	// ErrCapacity reports a write refused because it would cross the entry region.
	ErrCapacity = errors.New("store: capacity exceeded")
	// ErrSealed reports a write after FinishWrite.
	ErrSealed = errors.New("store: cache already sealed")
	// ErrClosed reports use after Close.
	ErrClosed = errors.New("store: cache closed")
	// ErrReadOnly reports a write to a store opened without a write buffer.
	ErrReadOnly = errors.New("store: cache is read-only")
	// ErrEntryUnusable reports a per-entry materialization failure; the cache stays usable.
	ErrEntryUnusable = errors.New("store: entry unusable")
	// ErrMismatch reports a configuration-fingerprint disagreement at open time.
	ErrMismatch = errors.New("store: configuration mismatch")
	// ErrCorrupt reports structurally invalid image contents.
	ErrCorrupt = errors.New("store: corrupt image")
)

// Options configures a Store.
type Options struct {
	// Capacity bounds the scratch write buffer, payload and entry records together.
	Capacity uint32
	// Fingerprint is this process's configuration; stamped at seal, enforced at open.
	Fingerprint image.Fingerprint
	// Table is the process address table. Required for writing and for materialization.
	Table *addrtable.Table
	// Archive is the trusted metadata archive collaborator; may be nil.
	Archive api.MetadataArchive
	// Loaders is the class-loading collaborator; may be nil.
	Loaders api.ClassLoading
	// Logger receives cache events; nil means no logging.
	Logger *zap.Logger
}

func (o *Options) logger() *zap.Logger {
	if o.Logger == nil {
		return zap.NewNop()
	}
	return o.Logger
}

type indexPair struct{ id, idx uint32 }

// Store owns the write buffer and/or the sealed read image.
type Store struct {
	opts Options
	log  *zap.Logger

	// mu serializes the append path and the fresh-entry slice.
	mu     sync.Mutex
	arena  *arena.Arena
	fresh  []*Entry // oldest first
	failed atomic.Bool
	sealed bool

	// Read side, immutable after open.
	img     []byte
	hdr     image.Header
	loaded  []*Entry
	index   []indexPair // ascending by id over loaded
	preload []uint32

	g guard
}

// NewWritable returns an empty Store with a scratch write buffer of opts.Capacity bytes.
func NewWritable(opts Options) (*Store, error) {
	if opts.Capacity < image.HeaderSize+image.DescriptorSize {
		return nil, fmt.Errorf("store: capacity %d below minimum", opts.Capacity)
	}
	s := &Store{opts: opts, log: opts.logger()}
	s.arena = arena.New(opts.Capacity, image.HeaderSize, image.DescriptorSize)
	return s, nil
}

// Open maps a sealed image read-only. The whole image is rejected on any version, size or
// fingerprint disagreement; a rejected cache is disabled, never partially trusted.
func Open(img []byte, opts Options) (*Store, error) {
	s := &Store{opts: opts, log: opts.logger()}
	if err := s.load(img); err != nil {
		return nil, err
	}
	return s, nil
}

// OpenForUpdate maps a sealed image and attaches a fresh write buffer, so FinishWrite merges
// the prior entries with newly written ones.
func OpenForUpdate(img []byte, opts Options) (*Store, error) {
	s, err := Open(img, opts)
	if err != nil {
		return nil, err
	}
	if opts.Capacity < image.HeaderSize+image.DescriptorSize {
		return nil, fmt.Errorf("store: capacity %d below minimum", opts.Capacity)
	}
	s.arena = arena.New(opts.Capacity, image.HeaderSize, image.DescriptorSize)
	return s, nil
}

func (s *Store) load(img []byte) error {
	h, err := image.DecodeHeader(img)
	if err != nil {
		return err
	}
	if h.Fingerprint != s.opts.Fingerprint {
		return fmt.Errorf("%w: image %+v, process %+v", ErrMismatch, h.Fingerprint, s.opts.Fingerprint)
	}
	// Section counts come off disk; bound each one against the image before it sizes an
	// allocation. Strings are variable-length but carry at least a u32 length prefix each.
	for _, sec := range [...]struct {
		name       string
		off, count uint32
		recordSize uint32
	}{
		{"string table", h.StringsOffset, h.StringsCount, 4},
		{"search index", h.IndexOffset, h.IndexCount, 8},
		{"preload subset", h.PreloadOffset, h.PreloadCount, 4},
		{"descriptor array", h.EntriesOffset, h.EntriesCount, image.DescriptorSize},
	} {
		if uint64(sec.off) > uint64(len(img)) ||
			uint64(sec.count)*uint64(sec.recordSize) > uint64(len(img))-uint64(sec.off) {
			return fmt.Errorf("%w: %s of %d records at offset %d beyond image of %d bytes",
				ErrCorrupt, sec.name, sec.count, sec.off, len(img))
		}
	}
	strings := make([]string, 0, h.StringsCount)
	cur := image.NewCursor(img, h.StringsOffset)
	for i := uint32(0); i < h.StringsCount; i++ {
		strings = append(strings, cur.String())
	}
	if err := cur.Err(); err != nil {
		return fmt.Errorf("%w: string table: %v", ErrCorrupt, err)
	}
	if s.opts.Table != nil {
		s.opts.Table.InitStrings(strings)
	}

	entries := make([]*Entry, 0, h.EntriesCount)
	descs := make([]image.Descriptor, 0, h.EntriesCount)
	cur = image.NewCursor(img, h.EntriesOffset)
	for i := uint32(0); i < h.EntriesCount; i++ {
		raw := cur.Bytes(image.DescriptorSize)
		if cur.Err() != nil {
			return fmt.Errorf("%w: descriptor array: %v", ErrCorrupt, cur.Err())
		}
		d, err := image.DecodeDescriptor(raw)
		if err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrCorrupt, i, err)
		}
		if err := validateDescriptor(&d, h.ImageSize); err != nil {
			return fmt.Errorf("%w: entry %d: %v", ErrCorrupt, i, err)
		}
		// Loaded/LoadFail are per-process state and never trusted from disk.
		d.Flags &^= image.FlagLoaded | image.FlagLoadFail
		name := string(img[d.NameOffset : d.NameOffset+d.NameSize])
		descs = append(descs, d)
		entries = append(entries, newEntry(s, d, name, true))
	}
	for i := range descs {
		if n := descs[i].Next; n != image.NoIndex {
			if n >= uint32(len(entries)) {
				return fmt.Errorf("%w: entry %d: successor %d out of range", ErrCorrupt, i, n)
			}
			entries[i].next = entries[n]
		}
	}

	index := make([]indexPair, 0, h.IndexCount)
	cur = image.NewCursor(img, h.IndexOffset)
	prev := uint32(0)
	for i := uint32(0); i < h.IndexCount; i++ {
		p := indexPair{id: cur.U32(), idx: cur.U32()}
		if cur.Err() != nil {
			return fmt.Errorf("%w: search index: %v", ErrCorrupt, cur.Err())
		}
		if p.idx >= uint32(len(entries)) || (i > 0 && p.id < prev) {
			return fmt.Errorf("%w: search index pair %d", ErrCorrupt, i)
		}
		prev = p.id
		index = append(index, p)
	}

	pre := make([]uint32, 0, h.PreloadCount)
	cur = image.NewCursor(img, h.PreloadOffset)
	for i := uint32(0); i < h.PreloadCount; i++ {
		idx := cur.U32()
		if cur.Err() != nil || idx >= uint32(len(entries)) {
			return fmt.Errorf("%w: preload subset", ErrCorrupt)
		}
		pre = append(pre, idx)
	}

	s.img, s.hdr, s.loaded, s.index, s.preload = img, h, entries, index, pre
	s.log.Info("opened code cache image",
		zap.Uint32("entries", h.EntriesCount),
		zap.Uint32("strings", h.StringsCount),
		zap.Uint32("preload", h.PreloadCount),
		zap.Uint32("size", h.ImageSize))
	return nil
}

func validateDescriptor(d *image.Descriptor, imageSize uint32) error {
	end := uint64(d.Offset) + uint64(d.Size)
	if end > uint64(imageSize) {
		return fmt.Errorf("payload [%d,%d) beyond image size %d", d.Offset, end, imageSize)
	}
	if d.NameOffset < d.Offset || uint64(d.NameOffset)+uint64(d.NameSize) > end {
		return fmt.Errorf("name outside payload")
	}
	if d.CodeOffset < d.Offset || uint64(d.CodeOffset) > end {
		return fmt.Errorf("code offset outside payload")
	}
	return nil
}

// Failed reports the sticky failed state.
func (s *Store) Failed() bool { return s.failed.Load() }

// Fail flips the cache into the sticky failed state on behalf of a caller whose own step of
// a cache-wide operation went wrong, e.g. persisting the sealed image.
func (s *Store) Fail(reason string) { s.fail(reason) }

// fail flips the cache into the sticky failed state. Per-entry problems never come here;
// only conditions that make further writes unsafe do.
func (s *Store) fail(reason string, fields ...zap.Field) {
	if s.failed.CompareAndSwap(false, true) {
		if s.arena != nil {
			s.arena.SetFailed()
		}
		s.log.Error("code cache disabled: "+reason, fields...)
	}
}

func (s *Store) writable() error {
	switch {
	case s.failed.Load():
		return ErrFailed
	case s.g.isClosed():
		return ErrClosed
	case s.arena == nil:
		return ErrReadOnly
	case s.sealed:
		return ErrSealed
	}
	return nil
}

// WriteBytes appends p at the write cursor and returns its offset. On a capacity collision the
// whole cache transitions to failed and all subsequent writes become no-ops.
//
// Callers must hold the external compilation lock; StoreCode is the usual entry point.
func (s *Store) WriteBytes(p []byte) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.writeBytesLocked(p)
}

func (s *Store) writeBytesLocked(p []byte) (uint32, error) {
	if err := s.writable(); err != nil {
		return 0, err
	}
	off, ok := s.arena.WriteBytes(p)
	if !ok {
		s.fail("write would exceed capacity", zap.Int("bytes", len(p)))
		return 0, ErrCapacity
	}
	return off, nil
}

// Reserve appends an n-byte hole to fill later via Patch.
func (s *Store) Reserve(n uint32) (uint32, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return 0, err
	}
	off, ok := s.arena.Reserve(n)
	if !ok {
		s.fail("reserve would exceed capacity", zap.Uint32("bytes", n))
		return 0, ErrCapacity
	}
	return off, nil
}

// Patch fills a previously Reserved hole.
func (s *Store) Patch(off uint32, p []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return err
	}
	if !s.arena.Patch(off, p) {
		return fmt.Errorf("store: patch of %d bytes at %d outside reserved region", len(p), off)
	}
	return nil
}

// AlignWrite pads the write cursor to the platform word alignment. Required before any entry
// record or code-section boundary, since stored code is mapped back at matching alignment.
func (s *Store) AlignWrite() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.alignLocked()
}

func (s *Store) alignLocked() error {
	if err := s.writable(); err != nil {
		return err
	}
	if !s.arena.Align() {
		s.fail("alignment padding would exceed capacity")
		return ErrCapacity
	}
	return nil
}

// Meta carries the compilation metadata stored alongside one code buffer.
type Meta struct {
	CompLevel      uint32
	CompID         uint32
	DecompileCount uint32
	Flags          image.Flags

	// MethodOffset is the trusted-archive offset of the owning method. Both 0 and
	// image.NoIndex mean no owning method: offset 0 is the archive base, never a method
	// record, so the zero value of Meta stores as method-less.
	MethodOffset uint32

	// ContentBase is the live base address the code was compiled at.
	ContentBase api.Address

	Values       []api.Value
	Relocs       []api.Reloc
	DebugInfo    []byte
	OopMaps      []byte
	Dependencies []byte

	// Successor links a clinit-barrier variant to its barrier-free replacement.
	Successor *Entry
}

// StoreCode writes one entry: name, serialized values, relocations, debug tables, then the
// aligned code bytes, and allocates its entry record from the top of the buffer.
func (s *Store) StoreCode(kind image.EntryKind, id uint32, name string, code []byte, m *Meta) (*Entry, error) {
	if kind == image.EntryNone || kind >= image.KindCount {
		return nil, fmt.Errorf("store: invalid entry kind %d", kind)
	}
	if m == nil {
		m = &Meta{MethodOffset: image.NoIndex}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.writable(); err != nil {
		return nil, err
	}

	// Serialize the middle sections first; value encoding and relocation classification can
	// fail without touching the buffer.
	mid := u32.LeBytes(uint32(len(m.Values)))
	var err error
	for i := range m.Values {
		if mid, err = valuecodec.Append(mid, &m.Values[i], s.opts.Archive); err != nil {
			return nil, err
		}
	}
	if mid, err = reloc.AppendAll(mid, m.Relocs, s.opts.Table, m.ContentBase); err != nil {
		s.fail("unclassifiable relocation target",
			zap.String("kind", image.KindName(kind)), zap.Uint32("id", id), zap.String("name", name),
			zap.Error(err))
		return nil, err
	}
	for _, blob := range [][]byte{m.DebugInfo, m.OopMaps, m.Dependencies} {
		mid = append(mid, u32.LeBytes(uint32(len(blob)))...)
		mid = append(mid, blob...)
	}

	if err = s.alignLocked(); err != nil {
		return nil, err
	}
	start := s.arena.WriteOffset()
	if _, err = s.writeBytesLocked([]byte(name)); err != nil {
		return nil, err
	}
	if _, err = s.writeBytesLocked(mid); err != nil {
		return nil, err
	}
	if err = s.alignLocked(); err != nil {
		return nil, err
	}
	codeOff, err := s.writeBytesLocked(code)
	if err != nil {
		return nil, err
	}

	desc := image.Descriptor{
		Kind:           kind,
		ID:             id,
		Offset:         start,
		Size:           s.arena.WriteOffset() - start,
		NameOffset:     start,
		NameSize:       uint32(len(name)),
		CodeOffset:     codeOff,
		CompLevel:      m.CompLevel,
		CompID:         m.CompID,
		DecompileCount: m.DecompileCount,
		Flags:          m.Flags &^ (image.FlagLoaded | image.FlagLoadFail | image.FlagNotEntrant),
		Next:           image.NoIndex,
		MethodOffset:   m.MethodOffset,
	}
	if m.MethodOffset == 0 {
		desc.MethodOffset = image.NoIndex
	}

	// The record slot is bump-allocated downward; this is what enforces the capacity limit
	// against the payload cursor.
	slot, ok := s.arena.AllocSlot()
	if !ok {
		s.fail("entry record would exceed capacity",
			zap.String("kind", image.KindName(kind)), zap.Uint32("id", id), zap.String("name", name))
		return nil, ErrCapacity
	}
	copy(slot, desc.AppendTo(nil))

	e := newEntry(s, desc, name, false)
	e.next = m.Successor
	s.fresh = append(s.fresh, e)
	s.log.Debug("stored code cache entry",
		zap.String("kind", image.KindName(kind)),
		zap.Uint32("id", id),
		zap.String("name", name),
		zap.Uint32("size", desc.Size),
		zap.Uint32("comp_level", m.CompLevel))
	return e, nil
}

// FindEntry looks up an entry by content id, disambiguated by kind, compilation level and
// decompile count. Entries marked not-entrant or carrying pending clinit barriers never match.
func (s *Store) FindEntry(kind image.EntryKind, id, compLevel, decompileCount uint32) (*Entry, bool) {
	if !s.g.enter() {
		return nil, false
	}
	defer s.g.exit()

	// Newly written entries first, newest first.
	s.mu.Lock()
	for i := len(s.fresh) - 1; i >= 0; i-- {
		if e := s.fresh[i]; e.matchesLookup(kind, id, compLevel, decompileCount) {
			s.mu.Unlock()
			return e, true
		}
	}
	s.mu.Unlock()

	// Then the sealed index: binary search to the start of the id's run, then a local linear
	// scan over duplicates differing in kind/level/decompile count.
	lo, hi := 0, len(s.index)
	for lo < hi {
		mid := (lo + hi) / 2
		if s.index[mid].id < id {
			lo = mid + 1
		} else {
			hi = mid
		}
	}
	for ; lo < len(s.index) && s.index[lo].id == id; lo++ {
		if e := s.loaded[s.index[lo].idx]; e.matchesLookup(kind, id, compLevel, decompileCount) {
			return e, true
		}
	}
	return nil, false
}

// Invalidate marks an entry not-entrant. Idempotent. A clinit-barrier variant cascades to its
// successor, so the whole chain reports not-entrant.
func (s *Store) Invalidate(e *Entry) {
	if e == nil {
		return
	}
	if e.setFlag(image.FlagNotEntrant) {
		s.log.Info("invalidated code cache entry",
			zap.String("kind", image.KindName(e.Kind())),
			zap.Uint32("id", e.ID()),
			zap.String("name", e.Name()))
	}
	// Always walk the chain: a partially invalidated chain left by an earlier race must
	// still converge.
	s.Invalidate(e.next)
}

// LoadedEntries returns the entries of the opened image, in image order.
func (s *Store) LoadedEntries() []*Entry { return s.loaded }

// PreloadEntries returns the preload-subset entries of the opened image.
func (s *Store) PreloadEntries() []*Entry {
	out := make([]*Entry, 0, len(s.preload))
	for _, idx := range s.preload {
		out = append(out, s.loaded[idx])
	}
	return out
}

// Header returns the header of the opened image. Zero when no image is attached.
func (s *Store) Header() image.Header { return s.hdr }

// backing returns the byte region an entry's payload offsets point into.
func (s *Store) backing(e *Entry) []byte {
	if e.fromImage {
		return s.img
	}
	return s.arena.Bytes()
}

// Close blocks new readers, waits for in-flight ones to drain, then releases the buffers.
// Safe to call more than once.
func (s *Store) Close() {
	s.g.close()
	s.mu.Lock()
	defer s.mu.Unlock()
	s.img = nil
	s.arena = nil
	s.log.Info("closed code cache")
}

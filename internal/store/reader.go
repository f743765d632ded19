package store

import (
	"fmt"
	"unsafe"

	"go.uber.org/zap"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/reloc"
	"github.com/warmstart-dev/warmstart/internal/valuecodec"
)

// Reader is a short-lived cursor over one sealed entry, reconstructing its code, values,
// relocations and debug tables. A failed re-resolution sets the lookup-failed flag rather
// than erroring: it means this one entry is unusable, not that the cache is corrupt. Callers
// check LookupFailed after each read and abandon the entry.
type Reader struct {
	s   *Store
	e   *Entry
	cur *image.Cursor
	// lookupFailed accumulates recoverable resolution failures.
	lookupFailed bool
}

// NewReader positions a Reader after the entry's name, at its value table. The caller must
// hold a reader slot on the store's guard for the Reader's lifetime; Materialize does both.
func (s *Store) NewReader(e *Entry) (*Reader, error) {
	backing := s.backing(e)
	end := uint64(e.desc.Offset) + uint64(e.desc.Size)
	if backing == nil || end > uint64(len(backing)) {
		// An undersized backing region cannot be read around; reject the cache.
		s.fail("entry payload beyond mapped region",
			zap.String("kind", image.KindName(e.Kind())),
			zap.Uint32("id", e.ID()),
			zap.String("name", e.Name()))
		return nil, ErrCorrupt
	}
	return &Reader{s: s, e: e, cur: image.NewCursor(backing, e.desc.NameOffset+e.desc.NameSize)}, nil
}

// LookupFailed reports whether any read so far failed to re-resolve.
func (r *Reader) LookupFailed() bool { return r.lookupFailed }

// ReadValues decodes the entry's value table, re-resolving each value against the current
// process. Klass, method, oop and metadata references all arrive through here.
func (r *Reader) ReadValues() ([]valuecodec.Resolved, error) {
	n := r.cur.U32()
	if err := r.cur.Err(); err != nil {
		return nil, err
	}
	// Each value is at least a tag byte, so a count beyond the payload is corruption, not a
	// large table.
	if n > r.e.desc.Size {
		return nil, fmt.Errorf("value count %d beyond entry payload of %d bytes", n, r.e.desc.Size)
	}
	out := make([]valuecodec.Resolved, 0, n)
	for i := uint32(0); i < n; i++ {
		v, failed, err := valuecodec.Decode(r.cur, r.s.opts.Archive, r.s.opts.Loaders)
		if err != nil {
			return nil, err
		}
		if failed {
			r.lookupFailed = true
		}
		out = append(out, v)
	}
	return out, nil
}

// ReadRelocations decodes and fixes up the entry's relocations against the current address
// table, the resolved value addresses, and the materialized copy's base address.
func (r *Reader) ReadRelocations(values []valuecodec.Resolved, newBase api.Address) ([]reloc.Resolved, error) {
	addrs := make([]api.Address, len(values))
	for i := range values {
		addrs[i] = valueAddress(&values[i])
	}
	return reloc.ResolveAll(r.cur, r.s.opts.Table, addrs, newBase)
}

func valueAddress(v *valuecodec.Resolved) api.Address {
	switch {
	case v.Addr != 0:
		return v.Addr
	case v.Klass != nil:
		return v.Klass.Address()
	case v.Method != nil:
		return v.Method.Address()
	case v.Str != "":
		// Content-decoded string constant: anchor on a fresh owned copy.
		b := []byte(v.Str)
		return api.Address(unsafe.Pointer(&b[0]))
	}
	return 0
}

func (r *Reader) readBlob() ([]byte, error) {
	b := r.cur.Blob()
	if err := r.cur.Err(); err != nil {
		return nil, err
	}
	// Copied out of the backing region, which may be unmapped after Close.
	return append([]byte(nil), b...), nil
}

// ReadDebugInfo returns the entry's debug metadata.
func (r *Reader) ReadDebugInfo() ([]byte, error) { return r.readBlob() }

// ReadOopMaps returns the entry's oop map set.
func (r *Reader) ReadOopMaps() ([]byte, error) { return r.readBlob() }

// ReadDependencies returns the entry's dependency records.
func (r *Reader) ReadDependencies() ([]byte, error) { return r.readBlob() }

// ReadCode copies the entry's code section. The section is located by the descriptor rather
// than the cursor, so it may be read at any point of the entry walk.
func (r *Reader) ReadCode() []byte {
	backing := r.s.backing(r.e)
	end := r.e.desc.Offset + r.e.desc.Size
	return append([]byte(nil), backing[r.e.desc.CodeOffset:end]...)
}

// Code is one entry reconstituted into the host JIT's working representation.
type Code struct {
	Name string
	// Bytes is a fresh copy of the stored machine code.
	Bytes []byte
	// Base is the live address of Bytes[0]: the load-time content base that position-relative
	// relocations were rebased onto.
	Base         api.Address
	Values       []valuecodec.Resolved
	Relocs       []reloc.Resolved
	DebugInfo    []byte
	OopMaps      []byte
	Dependencies []byte
}

// Materialize reconstructs one entry. A resolution failure marks that entry load-failed and
// returns ErrEntryUnusable; the cache as a whole stays usable. Corruption mid-fixup instead
// disables the cache, since continuing could install half-relocated code.
func (s *Store) Materialize(e *Entry) (*Code, error) {
	if e.LoadFailed() || e.NotEntrant() {
		return nil, ErrEntryUnusable
	}
	if !s.g.enter() {
		return nil, ErrClosed
	}
	defer s.g.exit()

	r, err := s.NewReader(e)
	if err != nil {
		return nil, err
	}
	values, err := r.ReadValues()
	if err != nil {
		return nil, s.corruptEntry(e, "value table", err)
	}
	if r.LookupFailed() {
		return nil, s.unusableEntry(e, "unresolvable value")
	}

	// The code copy must exist before fixup so internal references rebase onto its address.
	code := r.ReadCode()
	var base api.Address
	if len(code) > 0 {
		base = api.Address(unsafe.Pointer(&code[0]))
	}
	relocs, err := r.ReadRelocations(values, base)
	if err != nil {
		return nil, s.corruptEntry(e, "relocation fixup", err)
	}
	debug, err := r.ReadDebugInfo()
	if err != nil {
		return nil, s.corruptEntry(e, "debug info", err)
	}
	oopMaps, err := r.ReadOopMaps()
	if err != nil {
		return nil, s.corruptEntry(e, "oop maps", err)
	}
	deps, err := r.ReadDependencies()
	if err != nil {
		return nil, s.corruptEntry(e, "dependencies", err)
	}

	e.setFlag(image.FlagLoaded)
	s.log.Debug("materialized code cache entry",
		zap.String("kind", image.KindName(e.Kind())),
		zap.Uint32("id", e.ID()),
		zap.String("name", e.Name()),
		zap.Int("code_bytes", len(code)))
	return &Code{
		Name:         e.Name(),
		Bytes:        code,
		Base:         base,
		Values:       values,
		Relocs:       relocs,
		DebugInfo:    debug,
		OopMaps:      oopMaps,
		Dependencies: deps,
	}, nil
}

func (s *Store) unusableEntry(e *Entry, reason string) error {
	e.setFlag(image.FlagLoadFail)
	s.log.Warn("code cache entry unusable: "+reason,
		zap.String("kind", image.KindName(e.Kind())),
		zap.Uint32("id", e.ID()),
		zap.String("name", e.Name()))
	return ErrEntryUnusable
}

// corruptEntry handles malformed bytes discovered while an entry was being reconstructed.
// Unlike a resolution failure this cannot be safely skipped, so the cache is disabled.
func (s *Store) corruptEntry(e *Entry, section string, err error) error {
	e.setFlag(image.FlagLoadFail)
	s.fail("corrupt entry "+section,
		zap.String("kind", image.KindName(e.Kind())),
		zap.Uint32("id", e.ID()),
		zap.String("name", e.Name()),
		zap.Error(err))
	return ErrCorrupt
}

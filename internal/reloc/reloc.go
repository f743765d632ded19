// Package reloc encodes and re-resolves the relocation records of one cached code entry.
//
// Writing substitutes every live target with something stable: calls and jumps out of the
// entry become address-table ids, embedded oop/metadata constants become indexes into the
// entry's own value table, and position-relative internal references become deltas from the
// entry's dump-time content base. Reading performs the inverse substitution against the
// current process's address table and value table, then rebases internal references onto the
// materialized copy's base.
//
// A call site whose target equals its own address is a trampoline-stub pattern, not a real
// target; it is carried through unresolved on both sides.
package reloc

import (
	"fmt"

	"github.com/warmstart-dev/warmstart/api"
	"github.com/warmstart-dev/warmstart/internal/addrtable"
	"github.com/warmstart-dev/warmstart/internal/image"
	"github.com/warmstart-dev/warmstart/internal/u32"
)

const (
	// flagSelfCall marks the static-call-to-self sentinel.
	flagSelfCall uint16 = 1 << iota
	// flagCString marks a call whose target is an interned C string, not code.
	flagCString
)

// recordSize is the wire size of one relocation: u32 site, u8 kind, u8 reserved, u16 flags,
// u32 value.
const recordSize = 12

// Resolved is one relocation fixed up for the current process.
type Resolved struct {
	// Site is the byte offset of the relocation site within the materialized code.
	Site uint32
	Kind api.RelocKind
	// Target is the re-resolved live target. Zero when Self is set.
	Target api.Address
	// Self marks the static-call-to-self sentinel, passed through unresolved.
	Self bool
}

func appendRecord(dst []byte, site uint32, kind api.RelocKind, flags uint16, value uint32) []byte {
	dst = append(dst, u32.LeBytes(site)...)
	dst = append(dst, byte(kind), 0, byte(flags), byte(flags>>8))
	return append(dst, u32.LeBytes(value)...)
}

// AppendAll appends the wire form of rs to dst: a u32 count then fixed-size records.
// contentBase is the live base address of the code being stored, used to turn internal targets
// into deltas and to recognize self-call sentinels.
func AppendAll(dst []byte, rs []api.Reloc, tbl *addrtable.Table, contentBase api.Address) ([]byte, error) {
	dst = append(dst, u32.LeBytes(uint32(len(rs)))...)
	for i := range rs {
		r := &rs[i]
		switch r.Kind {
		case api.RelocCall:
			if r.Target != 0 && r.Target == contentBase+api.Address(r.Site) {
				dst = appendRecord(dst, r.Site, r.Kind, flagSelfCall, 0)
				continue
			}
			if r.CString != "" {
				id := tbl.IDForCString(r.Target, r.CString)
				dst = appendRecord(dst, r.Site, r.Kind, flagCString, id)
				continue
			}
			id, err := tbl.IDForAddress(r.Target)
			if err != nil {
				// Unclassifiable call target: the address table is out of sync with the
				// runtime's registered entry points. Not recoverable per entry.
				return nil, fmt.Errorf("reloc: site %d: %w", r.Site, err)
			}
			dst = appendRecord(dst, r.Site, r.Kind, 0, id)
		case api.RelocOop, api.RelocMetadata:
			dst = appendRecord(dst, r.Site, r.Kind, 0, r.ValueIndex)
		case api.RelocInternal:
			if r.Target < contentBase {
				return nil, fmt.Errorf("reloc: site %d: internal target %#x below content base %#x",
					r.Site, r.Target, contentBase)
			}
			dst = appendRecord(dst, r.Site, r.Kind, 0, uint32(r.Target-contentBase))
		default:
			return nil, fmt.Errorf("reloc: site %d: unknown relocation kind %d", r.Site, r.Kind)
		}
	}
	return dst, nil
}

// ResolveAll decodes one entry's relocations from cur and resolves each against the current
// process: tbl for external targets, values for embedded constants (the entry's resolved value
// addresses, indexed by value-table position), and newBase for internal references.
func ResolveAll(cur *image.Cursor, tbl *addrtable.Table, values []api.Address, newBase api.Address) ([]Resolved, error) {
	n := cur.U32()
	if err := cur.Err(); err != nil {
		return nil, err
	}
	// The count comes off disk; bound it against the bytes actually present before it sizes
	// an allocation.
	if rem := cur.Remaining(); uint64(n)*recordSize > uint64(rem) {
		return nil, fmt.Errorf("reloc: count %d beyond %d remaining bytes", n, rem)
	}
	out := make([]Resolved, 0, n)
	for i := uint32(0); i < n; i++ {
		site := cur.U32()
		kind := cur.U8()
		_ = cur.U8() // reserved
		flags := cur.U16()
		value := cur.U32()
		if err := cur.Err(); err != nil {
			return nil, err
		}
		r := Resolved{Site: site, Kind: kind}
		switch {
		case flags&flagSelfCall != 0:
			r.Self = true
		case kind == api.RelocCall:
			addr, err := tbl.AddressForID(value)
			if err != nil {
				return nil, fmt.Errorf("reloc: site %d: %w", site, err)
			}
			r.Target = addr
		case kind == api.RelocOop, kind == api.RelocMetadata:
			if value >= uint32(len(values)) {
				return nil, fmt.Errorf("reloc: site %d: value index %d beyond table of %d",
					site, value, len(values))
			}
			r.Target = values[value]
		case kind == api.RelocInternal:
			r.Target = newBase + api.Address(value)
		default:
			return nil, fmt.Errorf("reloc: site %d: unknown relocation kind %d", site, kind)
		}
		out = append(out, r)
	}
	return out, nil
}

// Package addrtable maps live addresses to process-independent identifiers and back.
//
// Compiled code refers to addresses that change on every process start: VM runtime entry
// points, generated stubs and blobs, and interned C strings. Persisting such an address would
// be meaningless, so each category gets a closed, append-only array populated once during
// single-threaded startup, and an address is stored as its (category base + array index)
// integer. A later process repopulates the arrays with its own addresses and the same integer
// re-resolves to the right place.
//
// Population order matters only in that later categories may assume earlier ones are complete:
// stubs are registered after early stubs, blobs after stubs. Once a category is populated it
// is read-only and lock-free; only the interned-string partition keeps a lock, since strings
// are interned lazily from both the write path and read-adjacent work.
package addrtable

import (
	"fmt"
	"sync"
	"unsafe"

	"github.com/warmstart-dev/warmstart/api"
)

// Category is one id range of the table.
type Category int

const (
	CategoryRuntime Category = iota
	CategoryEarlyStubs
	CategoryStubs
	CategorySharedBlobs
	CategoryC1Blobs
	CategoryC2Blobs
	// CategoryStrings is the open-ended final range holding interned C strings.
	CategoryStrings

	categoryCount
)

// rangeSpan is the id capacity of each closed category. Ranges are disjoint by construction:
// category i owns [i*rangeSpan, (i+1)*rangeSpan).
const rangeSpan = 1 << 20

// stringsBase is the first id of the interned-string range.
const stringsBase = uint32(CategoryStrings) * rangeSpan

type internedString struct {
	// orig is the caller's address at interning time, kept for pointer-identity dedupe.
	// The content may be transient at that address, which is why data is an owned copy.
	orig api.Address
	data []byte
}

// Table is the address table. The zero value is not usable; call New.
type Table struct {
	ranges [CategoryStrings][]api.Address
	// byAddr indexes every populated code address for IDForAddress.
	byAddr map[api.Address]uint32

	// mu guards the string partition, the one structure touched by both read-adjacent work
	// and the writer. The closed categories are populated before concurrent use and stay
	// lock-free.
	mu      sync.Mutex
	strings []internedString
	// diagnosticBase anchors AddressForID for ids beyond every known range.
	diagnosticBase api.Address
}

// New returns an empty Table.
func New() *Table {
	return &Table{byAddr: map[api.Address]uint32{}}
}

// SetDiagnosticBase sets the base address used to print ids beyond all known ranges.
func (t *Table) SetDiagnosticBase(base api.Address) { t.diagnosticBase = base }

func (t *Table) populate(c Category, addrs []api.Address) error {
	if t.ranges[c] != nil {
		// Population is idempotent; repeated init of a category is a no-op.
		return nil
	}
	if len(addrs) > rangeSpan {
		return fmt.Errorf("addrtable: category %d overflows its range: %d addresses", c, len(addrs))
	}
	owned := make([]api.Address, len(addrs))
	copy(owned, addrs)
	base := uint32(c) * rangeSpan
	for i, a := range owned {
		if _, dup := t.byAddr[a]; !dup {
			t.byAddr[a] = base + uint32(i)
		}
	}
	t.ranges[c] = owned
	return nil
}

// InitRuntime populates the VM runtime entry-point range.
func (t *Table) InitRuntime(addrs []api.Address) error {
	return t.populate(CategoryRuntime, addrs)
}

// InitEarlyStubs populates the early (pre-universe) stub range.
func (t *Table) InitEarlyStubs(addrs []api.Address) error {
	return t.populate(CategoryEarlyStubs, addrs)
}

// InitStubs populates the remaining generated-stub range. Early stubs must be populated first.
func (t *Table) InitStubs(addrs []api.Address) error {
	if t.ranges[CategoryEarlyStubs] == nil {
		return fmt.Errorf("addrtable: stubs initialized before early stubs")
	}
	return t.populate(CategoryStubs, addrs)
}

// InitSharedBlobs populates the tier-independent code blob range.
func (t *Table) InitSharedBlobs(addrs []api.Address) error {
	if t.ranges[CategoryStubs] == nil {
		return fmt.Errorf("addrtable: shared blobs initialized before stubs")
	}
	return t.populate(CategorySharedBlobs, addrs)
}

// InitC1Blobs populates the tier-1 blob range.
func (t *Table) InitC1Blobs(addrs []api.Address) error {
	if t.ranges[CategorySharedBlobs] == nil {
		return fmt.Errorf("addrtable: c1 blobs initialized before shared blobs")
	}
	return t.populate(CategoryC1Blobs, addrs)
}

// InitC2Blobs populates the tier-2 blob range.
func (t *Table) InitC2Blobs(addrs []api.Address) error {
	if t.ranges[CategorySharedBlobs] == nil {
		return fmt.Errorf("addrtable: c2 blobs initialized before shared blobs")
	}
	return t.populate(CategoryC2Blobs, addrs)
}

// Complete reports whether every closed category has been populated.
func (t *Table) Complete() bool {
	for _, r := range t.ranges {
		if r == nil {
			return false
		}
	}
	return true
}

// IDForAddress returns the stable id of a populated code address. An unknown address is a
// configuration error: the table must cover every entry point compiled code can target, so
// callers treat this as fatal, not as a per-entry condition.
func (t *Table) IDForAddress(addr api.Address) (uint32, error) {
	if id, ok := t.byAddr[addr]; ok {
		return id, nil
	}
	return 0, fmt.Errorf("addrtable: address %#x is not a registered runtime entry point", addr)
}

// IDForCString interns the C string at addr with content s and returns its id. Previously
// interned strings are found first by pointer identity, then by content; the content is copied
// into owned storage since the original may be transient.
func (t *Table) IDForCString(addr api.Address, s string) uint32 {
	t.mu.Lock()
	defer t.mu.Unlock()
	for i := range t.strings {
		if t.strings[i].orig == addr {
			return stringsBase + uint32(i)
		}
	}
	for i := range t.strings {
		if string(t.strings[i].data) == s {
			return stringsBase + uint32(i)
		}
	}
	t.strings = append(t.strings, internedString{orig: addr, data: []byte(s)})
	return stringsBase + uint32(len(t.strings)-1)
}

// InitStrings repopulates the interned-string range from a sealed image, in image order, so
// that string ids recorded in relocations keep resolving. Idempotent like the Init* calls.
func (t *Table) InitStrings(ss []string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if len(t.strings) != 0 {
		return
	}
	t.strings = make([]internedString, 0, len(ss))
	for _, s := range ss {
		data := []byte(s)
		var orig api.Address
		if len(data) > 0 {
			orig = api.Address(unsafe.Pointer(&data[0]))
		}
		t.strings = append(t.strings, internedString{orig: orig, data: data})
	}
}

// Strings snapshots the interned strings in id order, for the seal pass.
func (t *Table) Strings() []string {
	t.mu.Lock()
	defer t.mu.Unlock()
	out := make([]string, len(t.strings))
	for i := range t.strings {
		out[i] = string(t.strings[i].data)
	}
	return out
}

// StringForID returns the interned string content for a CategoryStrings id.
func (t *Table) StringForID(id uint32) (string, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if id < stringsBase || id >= stringsBase+uint32(len(t.strings)) {
		return "", false
	}
	return string(t.strings[id-stringsBase].data), true
}

// AddressForID resolves id back to a live address in the current process. String ids resolve
// to the table's owned copy. Ids beyond every known range are interpreted as an offset from
// the diagnostic base; that path exists only for diagnostic printing, never for code.
func (t *Table) AddressForID(id uint32) (api.Address, error) {
	c := Category(id / rangeSpan)
	idx := id % rangeSpan
	switch {
	case c < CategoryStrings:
		r := t.ranges[c]
		if r == nil {
			return 0, fmt.Errorf("addrtable: id %d in unpopulated category %d", id, c)
		}
		if uint32(len(r)) <= idx {
			return 0, fmt.Errorf("addrtable: id %d beyond category %d size %d", id, c, len(r))
		}
		return r[idx], nil
	default:
		t.mu.Lock()
		defer t.mu.Unlock()
		if id-stringsBase < uint32(len(t.strings)) {
			is := &t.strings[id-stringsBase]
			if len(is.data) == 0 {
				return 0, nil
			}
			return api.Address(unsafe.Pointer(&is.data[0])), nil
		}
		// Diagnostic interpretation of an id beyond every known range.
		return t.diagnosticBase + api.Address(id-stringsBase), nil
	}
}

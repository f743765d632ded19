// Package arena implements the scratch write buffer of a code cache being built.
//
// One fixed-capacity region serves two growth directions: serialized payload bytes advance
// upward from the reserved header area, while fixed-size entry slots are bump-allocated
// downward from the top. The two cursors crossing is the cache's capacity limit; any
// allocation that would cross flips the arena into a sticky failed state and is refused, so
// an out-of-bounds write can never happen.
//
// An Arena is not safe for concurrent use; the store serializes writers externally.
package arena

// Arena is the two-ended scratch buffer.
type Arena struct {
	buf []byte
	// wr is the payload cursor, growing upward.
	wr uint32
	// top is the slot cursor, growing downward. Slots live at [top, len(buf)).
	top      uint32
	slotSize uint32
	slots    uint32
	failed   bool
}

// New returns an Arena of the given capacity with reserve bytes kept for the header at offset 0
// and downward slots of slotSize bytes each. Capacity must be large enough for the reservation.
func New(capacity, reserve, slotSize uint32) *Arena {
	a := &Arena{buf: make([]byte, capacity), top: capacity, slotSize: slotSize}
	a.wr = align(reserve)
	if a.wr > capacity {
		a.failed = true
	}
	return a
}

func align(off uint32) uint32 {
	const word = 8
	return (off + word - 1) &^ (word - 1)
}

// Failed reports whether a previous allocation was refused. Once failed, every subsequent
// write is a no-op.
func (a *Arena) Failed() bool { return a.failed }

// SetFailed forces the arena into the failed state.
func (a *Arena) SetFailed() { a.failed = true }

// WriteOffset returns the current payload cursor.
func (a *Arena) WriteOffset() uint32 { return a.wr }

// SlotCount returns how many downward slots were allocated.
func (a *Arena) SlotCount() uint32 { return a.slots }

// Reserve allocates n payload bytes and returns their offset, leaving the contents zero for the
// caller to fill later. ok is false when the allocation would collide with the slot region.
func (a *Arena) Reserve(n uint32) (off uint32, ok bool) {
	if a.failed {
		return 0, false
	}
	if uint64(a.wr)+uint64(n) > uint64(a.top) {
		a.failed = true
		return 0, false
	}
	off = a.wr
	a.wr += n
	return off, true
}

// WriteBytes appends p to the payload region and returns its offset.
func (a *Arena) WriteBytes(p []byte) (off uint32, ok bool) {
	off, ok = a.Reserve(uint32(len(p)))
	if ok {
		copy(a.buf[off:], p)
	}
	return
}

// Align pads the payload cursor up to the platform word alignment. Required before any entry
// slot or code-section boundary, since stored code is mapped back at matching alignment.
func (a *Arena) Align() (ok bool) {
	if a.failed {
		return false
	}
	_, ok = a.Reserve(align(a.wr) - a.wr)
	return
}

// AllocSlot carves one slot from the top of the buffer and returns it for in-place
// initialization. The slice aliases the arena.
func (a *Arena) AllocSlot() (slot []byte, ok bool) {
	if a.failed {
		return nil, false
	}
	if uint64(a.top)-uint64(a.slotSize) < uint64(a.wr) || a.top < a.slotSize {
		a.failed = true
		return nil, false
	}
	a.top -= a.slotSize
	a.slots++
	return a.buf[a.top : a.top+a.slotSize : a.top+a.slotSize], true
}

// Bytes returns the payload region written so far. The slice aliases the arena.
func (a *Arena) Bytes() []byte { return a.buf[:a.wr] }

// Patch overwrites previously reserved bytes at off with p. The caller must have reserved the
// range; Patch never grows the payload region.
func (a *Arena) Patch(off uint32, p []byte) (ok bool) {
	if a.failed || uint64(off)+uint64(len(p)) > uint64(a.wr) {
		return false
	}
	copy(a.buf[off:], p)
	return true
}

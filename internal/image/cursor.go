package image

import (
	"fmt"

	"github.com/warmstart-dev/warmstart/internal/u32"
	"github.com/warmstart-dev/warmstart/internal/u64"
)

// Cursor reads sequentially from an in-memory image region. Errors are sticky: after the first
// short read every subsequent call returns zero values, so callers may decode a whole section
// and check Err once.
type Cursor struct {
	b   []byte
	off uint32
	err error
}

// NewCursor returns a Cursor over b starting at offset off.
func NewCursor(b []byte, off uint32) *Cursor {
	c := &Cursor{b: b, off: off}
	if uint64(off) > uint64(len(b)) {
		c.err = fmt.Errorf("%w: cursor offset %d beyond %d", ErrTruncated, off, len(b))
	}
	return c
}

// Err returns the first decoding error, if any.
func (c *Cursor) Err() error { return c.err }

// Offset returns the current read offset.
func (c *Cursor) Offset() uint32 { return c.off }

// Remaining returns the byte count between the cursor and the end of the region, letting
// callers bound a record count read off disk before sizing an allocation by it.
func (c *Cursor) Remaining() uint32 {
	if c.err != nil {
		return 0
	}
	return uint32(len(c.b)) - c.off
}

// Align advances the cursor to the next WordSize boundary.
func (c *Cursor) Align() {
	if c.err == nil {
		c.skip(AlignUp(c.off) - c.off)
	}
}

func (c *Cursor) skip(n uint32) {
	if uint64(c.off)+uint64(n) > uint64(len(c.b)) {
		c.fail(n)
		return
	}
	c.off += n
}

func (c *Cursor) fail(n uint32) {
	if c.err == nil {
		c.err = fmt.Errorf("%w: reading %d bytes at offset %d of %d", ErrTruncated, n, c.off, len(c.b))
	}
}

// Bytes returns the next n bytes without copying. The returned slice aliases the image and must
// be treated as read-only.
func (c *Cursor) Bytes(n uint32) []byte {
	if c.err != nil {
		return nil
	}
	if uint64(c.off)+uint64(n) > uint64(len(c.b)) {
		c.fail(n)
		return nil
	}
	b := c.b[c.off : c.off+n : c.off+n]
	c.off += n
	return b
}

// U8 reads one byte.
func (c *Cursor) U8() byte {
	b := c.Bytes(1)
	if b == nil {
		return 0
	}
	return b[0]
}

// U16 reads a little-endian uint16.
func (c *Cursor) U16() uint16 {
	b := c.Bytes(2)
	if b == nil {
		return 0
	}
	return uint16(b[0]) | uint16(b[1])<<8
}

// U32 reads a little-endian uint32.
func (c *Cursor) U32() uint32 {
	b := c.Bytes(4)
	if b == nil {
		return 0
	}
	return u32.FromLeBytes(b)
}

// U64 reads a little-endian uint64.
func (c *Cursor) U64() uint64 {
	b := c.Bytes(8)
	if b == nil {
		return 0
	}
	return u64.FromLeBytes(b)
}

// Blob reads a u32 length prefix followed by that many bytes.
func (c *Cursor) Blob() []byte {
	n := c.U32()
	return c.Bytes(n)
}

// String reads a u32 length prefix followed by string bytes.
func (c *Cursor) String() string {
	return string(c.Blob())
}

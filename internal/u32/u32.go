package u32

// LeBytes returns a byte slice corresponding to the 4 bytes of the uint32 in little-endian byte order.
func LeBytes(v uint32) []byte {
	return []byte{
		byte(v),
		byte(v >> 8),
		byte(v >> 16),
		byte(v >> 24),
	}
}

// FromLeBytes decodes the first 4 bytes of b as a little-endian uint32.
func FromLeBytes(b []byte) uint32 {
	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24
}

// PutLeBytes writes v into the first 4 bytes of b in little-endian byte order.
func PutLeBytes(b []byte, v uint32) {
	b[0] = byte(v)
	b[1] = byte(v >> 8)
	b[2] = byte(v >> 16)
	b[3] = byte(v >> 24)
}

package u64

// LeBytes returns a byte slice corresponding to the 8 bytes of the uint64 in little-endian byte order.
func LeBytes(v uint64) []byte {
	return []byte{
		byte(v),
		byte(v >> 8),
		byte(v >> 16),
		byte(v >> 24),
		byte(v >> 32),
		byte(v >> 40),
		byte(v >> 48),
		byte(v >> 56),
	}
}

// FromLeBytes decodes the first 8 bytes of b as a little-endian uint64.
func FromLeBytes(b []byte) uint64 {
	return uint64(b[0]) | uint64(b[1])<<8 | uint64(b[2])<<16 | uint64(b[3])<<24 |
		uint64(b[4])<<32 | uint64(b[5])<<40 | uint64(b[6])<<48 | uint64(b[7])<<56
}

// PutLeBytes writes v into the first 8 bytes of b in little-endian byte order.
func PutLeBytes(b []byte, v uint64) {
	for i := 0; i < 8; i++ {
		b[i] = byte(v >> (8 * i))
	}
}

package zdo

// bitField extracts width bits of b starting at bit offset, LSB first.
func bitField(b byte, offset, width uint) byte {
	return (b >> offset) & (1<<width - 1)
}

// bitSet reports whether bit offset of b is set.
func bitSet(b byte, offset uint) bool {
	return (b>>offset)&1 == 1
}

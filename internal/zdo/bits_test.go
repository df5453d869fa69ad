package zdo

import "testing"

func TestBitField(t *testing.T) {
	tests := []struct {
		b      byte
		offset uint
		width  uint
		want   byte
	}{
		{0b00011001, 0, 3, 0b001},
		{0b00011001, 3, 1, 0b1},
		{0b00011001, 4, 1, 0b1},
		{0b00000011, 0, 5, 0b00011},
		{0b11111111, 0, 8, 0xFF},
		{0b11101001, 0, 3, 0b001},
		{0x00, 0, 8, 0x00},
	}
	for _, tt := range tests {
		if got := bitField(tt.b, tt.offset, tt.width); got != tt.want {
			t.Errorf("bitField(0b%08b, %d, %d) = 0b%b, want 0b%b", tt.b, tt.offset, tt.width, got, tt.want)
		}
	}
}

func TestBitSet(t *testing.T) {
	b := byte(0b00001001)
	for offset, want := range map[uint]bool{0: true, 1: false, 2: false, 3: true, 7: false} {
		if got := bitSet(b, offset); got != want {
			t.Errorf("bitSet(0b%08b, %d) = %t, want %t", b, offset, got, want)
		}
	}
}

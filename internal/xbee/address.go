// Package xbee implements the Digi XBee API-mode frame transport: addresses,
// API frames, and a serial device that sends addressed frames and dispatches
// every received frame to registered handlers.
package xbee

import (
	"encoding/binary"
	"fmt"
	"strings"
)

// Addr16 is a 16-bit network address.
type Addr16 uint16

const (
	// Addr16Broadcast is the 16-bit broadcast address.
	Addr16Broadcast Addr16 = 0xFFFF
	// Addr16Unknown is used when the 16-bit address is not known; the radio
	// resolves the destination from the 64-bit address instead.
	Addr16Unknown Addr16 = 0xFFFE
	// Addr16Coordinator is the fixed address of the network coordinator.
	Addr16Coordinator Addr16 = 0x0000
)

// LSB returns the low byte of the address.
func (a Addr16) LSB() byte { return byte(a) }

// MSB returns the high byte of the address.
func (a Addr16) MSB() byte { return byte(a >> 8) }

func (a Addr16) String() string { return fmt.Sprintf("%04X", uint16(a)) }

// Addr16FromBytes composes an address from its high and low bytes.
func Addr16FromBytes(msb, lsb byte) Addr16 {
	return Addr16(uint16(msb)<<8 | uint16(lsb))
}

// Addr64 is a 64-bit IEEE address, stored big-endian as it appears on the wire.
type Addr64 [8]byte

var (
	// Addr64Broadcast is the 64-bit broadcast address.
	Addr64Broadcast = Addr64{0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0xFF, 0xFF}
	// Addr64Unknown is used when the 64-bit address is not known.
	Addr64Unknown = Addr64{0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF, 0xFF}
)

func (a Addr64) String() string { return fmt.Sprintf("%016X", a.Uint64()) }

// Uint64 returns the address as an integer.
func (a Addr64) Uint64() uint64 { return binary.BigEndian.Uint64(a[:]) }

// Addr64FromUint64 builds an address from an integer.
func Addr64FromUint64(v uint64) Addr64 {
	var a Addr64
	binary.BigEndian.PutUint64(a[:], v)
	return a
}

// ParseAddr64 parses a hex string like "0013A20040522BAA", with optional
// colon or dash separators.
func ParseAddr64(s string) (Addr64, error) {
	clean := strings.NewReplacer(":", "", "-", "", " ", "").Replace(s)
	if len(clean) != 16 {
		return Addr64{}, fmt.Errorf("addr64 %q: want 16 hex digits, got %d", s, len(clean))
	}
	var v uint64
	if _, err := fmt.Sscanf(clean, "%016X", &v); err != nil {
		return Addr64{}, fmt.Errorf("addr64 %q: %w", s, err)
	}
	return Addr64FromUint64(v), nil
}

// Protocol identifies the wireless protocol an XBee module runs.
type Protocol uint8

const (
	ProtocolZigbee Protocol = iota
	ProtocolSmartEnergy
	ProtocolDigiMesh
	ProtocolRaw802154
	ProtocolUnknown
)

func (p Protocol) String() string {
	switch p {
	case ProtocolZigbee:
		return "Zigbee"
	case ProtocolSmartEnergy:
		return "Smart Energy"
	case ProtocolDigiMesh:
		return "DigiMesh"
	case ProtocolRaw802154:
		return "802.15.4"
	default:
		return "Unknown"
	}
}

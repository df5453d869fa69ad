package zdo

import (
	"encoding/binary"
	"fmt"

	"xbee-topology/internal/xbee"
)

const (
	clusterNodeDescriptorReq = 0x0002
	clusterNodeDescriptorRsp = 0x8002

	nodeDescriptorLen = 15
)

// Role is the device role reported in a node descriptor.
type Role uint8

const (
	RoleCoordinator Role = 0
	RoleRouter      Role = 1
	RoleEndDevice   Role = 2
	RoleUnknown     Role = 0xFF
)

func (r Role) String() string {
	switch r {
	case RoleCoordinator:
		return "coordinator"
	case RoleRouter:
		return "router"
	case RoleEndDevice:
		return "end device"
	default:
		return "unknown"
	}
}

func roleFromValue(v byte) Role {
	if v <= 2 {
		return Role(v)
	}
	return RoleUnknown
}

// Frequency band bits (low 5 bits of the descriptor's band byte).
const (
	FreqBand868MHz  = 1 << 0
	FreqBand900MHz  = 1 << 2
	FreqBand2400MHz = 1 << 3
)

// MAC capability bits.
const (
	MACCapAlternatePANCoordinator = 1 << 0
	MACCapDeviceType              = 1 << 1
	MACCapPowerSource             = 1 << 2
	MACCapReceiverOnWhenIdle      = 1 << 3
	MACCapSecurityCapability      = 1 << 6
	MACCapAllocateAddress         = 1 << 7
)

// Descriptor capability bits.
const (
	DescCapExtendedActiveEndpointList   = 1 << 0
	DescCapExtendedSimpleDescriptorList = 1 << 1
)

// NodeDescriptor is the decoded node descriptor of a Zigbee node. Values
// are set once by a successful read and never mutated.
type NodeDescriptor struct {
	Role                       Role   `json:"role"`
	ComplexDescriptorSupported bool   `json:"complex_descriptor_supported"`
	UserDescriptorSupported    bool   `json:"user_descriptor_supported"`
	FrequencyBand              uint8  `json:"frequency_band"`   // 5-bit mask, FreqBand*
	MACCapabilities            uint8  `json:"mac_capabilities"` // 8-bit mask, MACCap*
	ManufacturerCode           uint16 `json:"manufacturer_code"`
	MaxBufferSize              uint8  `json:"max_buffer_size"`
	MaxInTransferSize          uint16 `json:"max_in_transfer_size"`
	MaxOutTransferSize         uint16 `json:"max_out_transfer_size"`
	DescriptorCapabilities     uint8  `json:"descriptor_capabilities"` // 2-bit mask, DescCap*
}

// NodeDescriptorReader reads the node descriptor of a node with a single
// ZDO request/response round.
type NodeDescriptorReader struct {
	cmd    *command
	target xbee.Node
	desc   *NodeDescriptor
}

// NewNodeDescriptorReader creates a reader for target. The reader is
// single-use.
func NewNodeDescriptorReader(target xbee.Node, opts ...Option) (*NodeDescriptorReader, error) {
	r := &NodeDescriptorReader{target: target}
	cmd, err := newCommand(target, clusterNodeDescriptorReq, clusterNodeDescriptorRsp, r, opts...)
	if err != nil {
		return nil, err
	}
	r.cmd = cmd
	return r, nil
}

// Read runs the exchange on the calling goroutine and returns the decoded
// descriptor. Protocol-level failures (timeout, remote status, delivery
// failure) are returned as the error after cleanup has run.
func (r *NodeDescriptorReader) Read() (*NodeDescriptor, error) {
	r.cmd.start(true, nil)
	if err := r.cmd.Err(); err != nil {
		return nil, err
	}
	return r.desc, nil
}

// Stop aborts an in-progress read. See command.Stop.
func (r *NodeDescriptorReader) Stop() { r.cmd.Stop() }

func (r *NodeDescriptorReader) resetState() { r.desc = nil }

func (r *NodeDescriptorReader) isBroadcast() bool { return false }

// requestPayload keys the request to the target's own 16-bit address,
// low byte first.
func (r *NodeDescriptorReader) requestPayload() []byte {
	a := r.target.Addr16()
	return []byte{r.cmd.txn, a.LSB(), a.MSB()}
}

func (r *NodeDescriptorReader) parseResponse(data []byte) bool {
	if len(data) < nodeDescriptorLen {
		r.cmd.fail(fmt.Errorf("zdo: node descriptor truncated (%d bytes)", len(data)))
		return false
	}
	// The response embeds the subject's 16-bit address; a mismatch means
	// this is not a descriptor for our target. A target known only by its
	// 64-bit address is exempt.
	addr := xbee.Addr16FromBytes(data[1], data[0])
	if target := r.target.Addr16(); target != xbee.Addr16Unknown && addr != target {
		r.cmd.fail(fmt.Errorf("zdo: node descriptor address mismatch: got %s, want %s", addr, r.target.Addr16()))
		return false
	}

	r.desc = &NodeDescriptor{
		// Byte 2: bits 0-2 role, bit 3 complex descriptor, bit 4 user descriptor.
		Role:                       roleFromValue(bitField(data[2], 0, 3)),
		ComplexDescriptorSupported: bitSet(data[2], 3),
		UserDescriptorSupported:    bitSet(data[2], 4),
		FrequencyBand:              bitField(data[3], 0, 5),
		MACCapabilities:            data[4],
		ManufacturerCode:           binary.LittleEndian.Uint16(data[5:7]),
		MaxBufferSize:              data[7],
		MaxInTransferSize:          binary.LittleEndian.Uint16(data[8:10]),
		// Bytes 10-11 are reserved.
		MaxOutTransferSize:     binary.LittleEndian.Uint16(data[12:14]),
		DescriptorCapabilities: bitField(data[14], 0, 2),
	}
	return true
}

func (r *NodeDescriptorReader) onSuccess() {}

package xbee

import (
	"bufio"
	"fmt"
)

// FrameType is the API identifier byte of an XBee API frame.
type FrameType byte

const (
	FrameTypeATCommand          FrameType = 0x08
	FrameTypeExplicitAddressing FrameType = 0x11
	FrameTypeATCommandResponse  FrameType = 0x88
	FrameTypeTransmitStatus     FrameType = 0x8B
	FrameTypeExplicitRx         FrameType = 0x91
)

const frameDelimiter = 0x7E

// Frame is a decoded inbound API frame.
type Frame interface {
	Type() FrameType
}

// DeliveryStatus is the result code of a TransmitStatus frame.
type DeliveryStatus byte

const (
	DeliverySuccess          DeliveryStatus = 0x00
	DeliveryMACAckFailure    DeliveryStatus = 0x01
	DeliveryCCAFailure       DeliveryStatus = 0x02
	DeliveryInvalidEndpoint  DeliveryStatus = 0x15
	DeliveryNetworkAckFail   DeliveryStatus = 0x21
	DeliveryNotJoined        DeliveryStatus = 0x22
	DeliverySelfAddressed    DeliveryStatus = 0x23
	DeliveryAddressNotFound  DeliveryStatus = 0x24
	DeliveryRouteNotFound    DeliveryStatus = 0x25
	DeliveryPayloadTooLarge  DeliveryStatus = 0x74
	DeliveryIndirectMsgUnreq DeliveryStatus = 0x75
)

func (s DeliveryStatus) String() string {
	switch s {
	case DeliverySuccess:
		return "success"
	case DeliveryMACAckFailure:
		return "MAC ACK failure"
	case DeliveryCCAFailure:
		return "CCA failure"
	case DeliveryInvalidEndpoint:
		return "invalid destination endpoint"
	case DeliveryNetworkAckFail:
		return "network ACK failure"
	case DeliveryNotJoined:
		return "not joined to network"
	case DeliverySelfAddressed:
		return "self-addressed"
	case DeliveryAddressNotFound:
		return "address not found"
	case DeliveryRouteNotFound:
		return "route not found"
	case DeliveryPayloadTooLarge:
		return "data payload too large"
	case DeliveryIndirectMsgUnreq:
		return "indirect message unrequested"
	default:
		return fmt.Sprintf("status 0x%02X", byte(s))
	}
}

// ExplicitRxFrame is an Explicit RX Indicator (0x91): an addressed
// application frame received by the local radio.
type ExplicitRxFrame struct {
	Src64       Addr64
	Src16       Addr16
	SrcEndpoint uint8
	DstEndpoint uint8
	ClusterID   uint16
	ProfileID   uint16
	Options     uint8
	Data        []byte
}

func (f *ExplicitRxFrame) Type() FrameType { return FrameTypeExplicitRx }

// TransmitStatusFrame is a Transmit Status (0x8B): the link-layer
// acknowledgement for an outbound frame, correlated by FrameID.
type TransmitStatusFrame struct {
	FrameID         uint8
	Dst16           Addr16
	RetryCount      uint8
	DeliveryStatus  DeliveryStatus
	DiscoveryStatus uint8
}

func (f *TransmitStatusFrame) Type() FrameType { return FrameTypeTransmitStatus }

// ATCommandResponseFrame is an AT Command Response (0x88).
type ATCommandResponseFrame struct {
	FrameID uint8
	Command [2]byte
	Status  uint8
	Value   []byte
}

func (f *ATCommandResponseFrame) Type() FrameType { return FrameTypeATCommandResponse }

// checksum computes the API frame checksum over the frame data.
func checksum(data []byte) byte {
	var sum byte
	for _, b := range data {
		sum += b
	}
	return 0xFF - sum
}

// encodeAPIFrame wraps frame data in the API mode 1 envelope:
// 0x7E + length(2, big-endian) + data + checksum.
func encodeAPIFrame(data []byte) []byte {
	out := make([]byte, 0, len(data)+4)
	out = append(out, frameDelimiter, byte(len(data)>>8), byte(len(data)))
	out = append(out, data...)
	out = append(out, checksum(data))
	return out
}

// encodeExplicitAddressing builds an Explicit Addressing Command (0x11)
// frame ready to write to the serial port.
func encodeExplicitAddressing(frameID uint8, dst64 Addr64, dst16 Addr16,
	srcEP, dstEP uint8, clusterID, profileID uint16, radius, options uint8, payload []byte) []byte {
	data := make([]byte, 0, 20+len(payload))
	data = append(data, byte(FrameTypeExplicitAddressing), frameID)
	data = append(data, dst64[:]...)
	data = append(data, dst16.MSB(), dst16.LSB())
	data = append(data, srcEP, dstEP)
	data = append(data, byte(clusterID>>8), byte(clusterID))
	data = append(data, byte(profileID>>8), byte(profileID))
	data = append(data, radius, options)
	data = append(data, payload...)
	return encodeAPIFrame(data)
}

// encodeATCommand builds an AT Command (0x08) frame.
func encodeATCommand(frameID uint8, cmd [2]byte, param []byte) []byte {
	data := make([]byte, 0, 4+len(param))
	data = append(data, byte(FrameTypeATCommand), frameID, cmd[0], cmd[1])
	data = append(data, param...)
	return encodeAPIFrame(data)
}

// readAPIFrame reads one API mode 1 frame from the reader, skipping noise
// bytes before the delimiter, and returns the verified frame data.
func readAPIFrame(r *bufio.Reader) ([]byte, error) {
	for {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}
		if b == frameDelimiter {
			break
		}
	}

	hi, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	lo, err := r.ReadByte()
	if err != nil {
		return nil, err
	}
	length := int(hi)<<8 | int(lo)
	if length == 0 || length > 0xFFF {
		return nil, fmt.Errorf("api frame: implausible length %d", length)
	}

	data := make([]byte, length+1) // frame data + checksum
	for i := 0; i < len(data); {
		n, err := r.Read(data[i:])
		if err != nil {
			return nil, err
		}
		i += n
	}
	if got, want := data[length], checksum(data[:length]); got != want {
		return nil, fmt.Errorf("api frame: bad checksum 0x%02X, want 0x%02X", got, want)
	}
	return data[:length], nil
}

// decodeFrame parses verified frame data into a typed frame. Frame types
// this transport does not consume decode to nil without error.
func decodeFrame(data []byte) (Frame, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("api frame: empty")
	}
	switch FrameType(data[0]) {
	case FrameTypeExplicitRx:
		// type(1) + src64(8) + src16(2) + srcEP(1) + dstEP(1) +
		// cluster(2) + profile(2) + options(1) + data
		if len(data) < 18 {
			return nil, fmt.Errorf("explicit rx: truncated (%d bytes)", len(data))
		}
		f := &ExplicitRxFrame{
			Src16:       Addr16FromBytes(data[9], data[10]),
			SrcEndpoint: data[11],
			DstEndpoint: data[12],
			ClusterID:   uint16(data[13])<<8 | uint16(data[14]),
			ProfileID:   uint16(data[15])<<8 | uint16(data[16]),
			Options:     data[17],
			Data:        append([]byte(nil), data[18:]...),
		}
		copy(f.Src64[:], data[1:9])
		return f, nil

	case FrameTypeTransmitStatus:
		// type(1) + frameID(1) + dst16(2) + retries(1) + delivery(1) + discovery(1)
		if len(data) < 7 {
			return nil, fmt.Errorf("transmit status: truncated (%d bytes)", len(data))
		}
		return &TransmitStatusFrame{
			FrameID:         data[1],
			Dst16:           Addr16FromBytes(data[2], data[3]),
			RetryCount:      data[4],
			DeliveryStatus:  DeliveryStatus(data[5]),
			DiscoveryStatus: data[6],
		}, nil

	case FrameTypeATCommandResponse:
		// type(1) + frameID(1) + cmd(2) + status(1) + value
		if len(data) < 5 {
			return nil, fmt.Errorf("at response: truncated (%d bytes)", len(data))
		}
		return &ATCommandResponseFrame{
			FrameID: data[1],
			Command: [2]byte{data[2], data[3]},
			Status:  data[4],
			Value:   append([]byte(nil), data[5:]...),
		}, nil
	}
	return nil, nil
}

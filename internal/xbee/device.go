package xbee

import (
	"bufio"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"go.bug.st/serial"
)

// FrameHandler receives every inbound application frame (explicit RX and
// transmit status). Handlers are responsible for their own filtering and
// must not block.
type FrameHandler func(Frame)

// Transport is the capability a ZDO exchange needs from the local radio:
// send an addressed frame, observe every inbound frame, and access the
// API output mode (AO) register.
type Transport interface {
	SendExplicit(frameID uint8, dst64 Addr64, dst16 Addr16,
		srcEP, dstEP uint8, clusterID, profileID uint16, radius, options uint8, payload []byte) error
	AddFrameHandler(h FrameHandler) int
	RemoveFrameHandler(id int)
	OutputMode() ([]byte, error)
	SetOutputMode(value []byte) error
}

// Node is an addressed radio: the local device itself or a remote node
// reached through it. Responses always arrive at the local radio, so
// Transport returns the local device in both cases.
type Node interface {
	Addr64() Addr64
	Addr16() Addr16
	Protocol() Protocol
	Transport() Transport
}

const atResponseTimeout = 2 * time.Second

// Device is a local XBee radio in API operating mode on a serial port.
type Device struct {
	port   io.ReadWriteCloser
	reader *bufio.Reader
	logger *slog.Logger

	// AT command request/response tracking, keyed by frame ID.
	atFrameID atomic.Uint32
	atPending map[uint8]chan *ATCommandResponseFrame
	atMu      sync.Mutex

	writeMu sync.Mutex

	handlerMu   sync.RWMutex
	handlers    map[int]FrameHandler
	nextHandler int

	localAddr64 Addr64
	localAddr16 Addr16
	protocol    Protocol

	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// Open opens the serial port and starts the read loop, then reads the
// local radio's 64-bit (SH/SL) and 16-bit (MY) addresses.
func Open(portName string, baudRate int, logger *slog.Logger) (*Device, error) {
	mode := &serial.Mode{
		BaudRate: baudRate,
		DataBits: 8,
		Parity:   serial.NoParity,
		StopBits: serial.OneStopBit,
	}
	port, err := serial.Open(portName, mode)
	if err != nil {
		return nil, fmt.Errorf("xbee: open %s: %w", portName, err)
	}
	_ = port.SetDTR(true)
	_ = port.SetRTS(true)

	d := newDevice(port, logger)
	if err := d.readLocalAddresses(); err != nil {
		d.Close()
		return nil, fmt.Errorf("xbee: read local addresses: %w", err)
	}
	d.logger.Info("xbee device ready",
		"addr64", d.localAddr64.String(), "addr16", d.localAddr16.String())
	return d, nil
}

func newDevice(rw io.ReadWriteCloser, logger *slog.Logger) *Device {
	d := &Device{
		port:      rw,
		reader:    bufio.NewReader(rw),
		logger:    logger,
		atPending: make(map[uint8]chan *ATCommandResponseFrame),
		handlers:  make(map[int]FrameHandler),
		protocol:  ProtocolZigbee, // API-mode XBee ZB firmware
		done:      make(chan struct{}),
	}
	d.wg.Add(1)
	go d.readLoop()
	return d
}

// Addr64 returns the local radio's 64-bit address.
func (d *Device) Addr64() Addr64 { return d.localAddr64 }

// Addr16 returns the local radio's 16-bit address.
func (d *Device) Addr16() Addr16 { return d.localAddr16 }

// Protocol returns the wireless protocol the radio runs.
func (d *Device) Protocol() Protocol { return d.protocol }

// Transport returns the device itself: the local radio is its own transport.
func (d *Device) Transport() Transport { return d }

// AddFrameHandler registers a handler for all inbound application frames
// and returns a token for RemoveFrameHandler.
func (d *Device) AddFrameHandler(h FrameHandler) int {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = h
	return id
}

// RemoveFrameHandler deregisters a previously added handler.
func (d *Device) RemoveFrameHandler(id int) {
	d.handlerMu.Lock()
	defer d.handlerMu.Unlock()
	delete(d.handlers, id)
}

// SendExplicit writes an Explicit Addressing Command frame to the radio.
func (d *Device) SendExplicit(frameID uint8, dst64 Addr64, dst16 Addr16,
	srcEP, dstEP uint8, clusterID, profileID uint16, radius, options uint8, payload []byte) error {
	raw := encodeExplicitAddressing(frameID, dst64, dst16, srcEP, dstEP, clusterID, profileID, radius, options, payload)
	d.writeMu.Lock()
	_, err := d.port.Write(raw)
	d.writeMu.Unlock()
	if err != nil {
		return fmt.Errorf("xbee: write explicit frame: %w", err)
	}
	d.logger.Debug("explicit TX",
		"frame_id", frameID, "dst64", dst64.String(), "dst16", dst16.String(),
		"cluster", fmt.Sprintf("0x%04X", clusterID), "payload", fmt.Sprintf("%X", payload))
	return nil
}

// nextATFrameID allocates the next AT command frame ID, skipping 0
// (frame ID 0 suppresses the response).
func (d *Device) nextATFrameID() uint8 {
	for {
		id := uint8(d.atFrameID.Add(1))
		if id != 0 {
			return id
		}
	}
}

// ATCommand sends an AT command and waits for its response value.
func (d *Device) ATCommand(cmd string, param []byte) ([]byte, error) {
	if len(cmd) != 2 {
		return nil, fmt.Errorf("xbee: AT command %q: want 2 characters", cmd)
	}
	frameID := d.nextATFrameID()

	ch := make(chan *ATCommandResponseFrame, 1)
	d.atMu.Lock()
	d.atPending[frameID] = ch
	d.atMu.Unlock()
	defer func() {
		d.atMu.Lock()
		delete(d.atPending, frameID)
		d.atMu.Unlock()
	}()

	raw := encodeATCommand(frameID, [2]byte{cmd[0], cmd[1]}, param)
	d.writeMu.Lock()
	_, err := d.port.Write(raw)
	d.writeMu.Unlock()
	if err != nil {
		return nil, fmt.Errorf("xbee: write AT %s: %w", cmd, err)
	}

	select {
	case resp := <-ch:
		if resp.Status != 0 {
			return nil, fmt.Errorf("xbee: AT %s failed with status 0x%02X", cmd, resp.Status)
		}
		return resp.Value, nil
	case <-time.After(atResponseTimeout):
		return nil, fmt.Errorf("xbee: AT %s: response timeout", cmd)
	case <-d.done:
		return nil, fmt.Errorf("xbee: device closed")
	}
}

// OutputMode reads the API output mode (AO) register.
func (d *Device) OutputMode() ([]byte, error) {
	return d.ATCommand("AO", nil)
}

// SetOutputMode writes the API output mode (AO) register.
func (d *Device) SetOutputMode(value []byte) error {
	_, err := d.ATCommand("AO", value)
	return err
}

func (d *Device) readLocalAddresses() error {
	sh, err := d.ATCommand("SH", nil)
	if err != nil {
		return err
	}
	sl, err := d.ATCommand("SL", nil)
	if err != nil {
		return err
	}
	if len(sh) != 4 || len(sl) != 4 {
		return fmt.Errorf("SH/SL length %d/%d, want 4/4", len(sh), len(sl))
	}
	copy(d.localAddr64[0:4], sh)
	copy(d.localAddr64[4:8], sl)

	my, err := d.ATCommand("MY", nil)
	if err != nil {
		return err
	}
	if len(my) != 2 {
		return fmt.Errorf("MY length %d, want 2", len(my))
	}
	d.localAddr16 = Addr16FromBytes(my[0], my[1])
	return nil
}

func (d *Device) readLoop() {
	defer d.wg.Done()

	for {
		select {
		case <-d.done:
			return
		default:
		}

		data, err := readAPIFrame(d.reader)
		if err != nil {
			select {
			case <-d.done:
				return
			default:
			}
			if err != io.EOF && !strings.Contains(err.Error(), "closed") {
				d.logger.Warn("xbee read error", "err", err)
				continue
			}
			return
		}

		frame, err := decodeFrame(data)
		if err != nil {
			d.logger.Warn("xbee frame decode error", "err", err)
			continue
		}
		if frame == nil {
			continue // frame type this transport does not consume
		}

		if at, ok := frame.(*ATCommandResponseFrame); ok {
			d.atMu.Lock()
			ch, pending := d.atPending[at.FrameID]
			d.atMu.Unlock()
			if pending {
				select {
				case ch <- at:
				default:
				}
			} else {
				d.logger.Debug("orphaned AT response", "frame_id", at.FrameID)
			}
			continue
		}

		d.dispatch(frame)
	}
}

// dispatch invokes every registered handler with the frame. The handler
// map is copied so a handler may deregister itself (or be removed by a
// concurrent exchange winding down) without deadlocking.
func (d *Device) dispatch(frame Frame) {
	d.handlerMu.RLock()
	handlers := make([]FrameHandler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.handlerMu.RUnlock()

	for _, h := range handlers {
		h(frame)
	}
}

// Close stops the read loop and closes the serial port.
func (d *Device) Close() error {
	var err error
	d.closeOnce.Do(func() {
		close(d.done)
		err = d.port.Close()
	})
	d.wg.Wait()
	return err
}

// Remote returns a Node for a remote radio reached through this device.
func (d *Device) Remote(addr64 Addr64, addr16 Addr16) Node {
	return NewRemoteNode(d, addr64, addr16)
}

// RemoteNode is a remote radio reached through a local device.
type RemoteNode struct {
	local  *Device
	addr64 Addr64
	addr16 Addr16
}

// NewRemoteNode creates a remote node. Either address may be the unknown
// sentinel when only the other kind is known.
func NewRemoteNode(local *Device, addr64 Addr64, addr16 Addr16) *RemoteNode {
	return &RemoteNode{local: local, addr64: addr64, addr16: addr16}
}

func (r *RemoteNode) Addr64() Addr64 { return r.addr64 }

func (r *RemoteNode) Addr16() Addr16 { return r.addr16 }

// SetAddr16 updates the cached 16-bit address after discovery.
func (r *RemoteNode) SetAddr16(a Addr16) { r.addr16 = a }

// Protocol returns the protocol of the network, which is the local radio's.
func (r *RemoteNode) Protocol() Protocol { return r.local.Protocol() }

// Transport returns the local radio the remote node is reached through.
func (r *RemoteNode) Transport() Transport { return r.local }

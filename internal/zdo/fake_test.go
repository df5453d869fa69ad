package zdo

import (
	"sync"

	"xbee-topology/internal/xbee"
)

// sentFrame records one SendExplicit call on the fake transport.
type sentFrame struct {
	FrameID   uint8
	Dst64     xbee.Addr64
	Dst16     xbee.Addr16
	SrcEP     uint8
	DstEP     uint8
	ClusterID uint16
	ProfileID uint16
	Payload   []byte
}

// fakeTransport is an in-memory xbee.Transport. Tests deliver inbound
// frames with deliver(), or install onSend to answer requests as the
// remote device would.
type fakeTransport struct {
	mu       sync.Mutex
	handlers map[int]xbee.FrameHandler
	nextID   int

	sent    []sentFrame
	sendErr error
	onSend  func(sentFrame)

	queue       []xbee.Frame
	dispatching bool

	outputMode    []byte
	outputModeErr error
	setModes      [][]byte
	setModeErr    error
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{
		handlers:   make(map[int]xbee.FrameHandler),
		outputMode: []byte{0x01}, // explicit delivery already enabled
	}
}

func (f *fakeTransport) SendExplicit(frameID uint8, dst64 xbee.Addr64, dst16 xbee.Addr16,
	srcEP, dstEP uint8, clusterID, profileID uint16, radius, options uint8, payload []byte) error {
	f.mu.Lock()
	sf := sentFrame{
		FrameID: frameID, Dst64: dst64, Dst16: dst16,
		SrcEP: srcEP, DstEP: dstEP, ClusterID: clusterID, ProfileID: profileID,
		Payload: append([]byte(nil), payload...),
	}
	f.sent = append(f.sent, sf)
	err := f.sendErr
	hook := f.onSend
	f.mu.Unlock()
	if err != nil {
		return err
	}
	if hook != nil {
		hook(sf)
	}
	return nil
}

func (f *fakeTransport) AddFrameHandler(h xbee.FrameHandler) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	id := f.nextID
	f.nextID++
	f.handlers[id] = h
	return id
}

func (f *fakeTransport) RemoveFrameHandler(id int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.handlers, id)
}

func (f *fakeTransport) OutputMode() ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.outputModeErr != nil {
		return nil, f.outputModeErr
	}
	return append([]byte(nil), f.outputMode...), nil
}

func (f *fakeTransport) SetOutputMode(value []byte) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.setModeErr != nil {
		return f.setModeErr
	}
	f.setModes = append(f.setModes, append([]byte(nil), value...))
	f.outputMode = append([]byte(nil), value...)
	return nil
}

// deliver dispatches an inbound frame to every registered handler. Like
// the device read loop, dispatch is serialized: a frame delivered from
// inside a handler (through onSend) is queued and dispatched after the
// current handler returns, never re-entrantly.
func (f *fakeTransport) deliver(frame xbee.Frame) {
	f.mu.Lock()
	f.queue = append(f.queue, frame)
	if f.dispatching {
		f.mu.Unlock()
		return
	}
	f.dispatching = true
	for len(f.queue) > 0 {
		next := f.queue[0]
		f.queue = f.queue[1:]
		handlers := make([]xbee.FrameHandler, 0, len(f.handlers))
		for _, h := range f.handlers {
			handlers = append(handlers, h)
		}
		f.mu.Unlock()
		for _, h := range handlers {
			h(next)
		}
		f.mu.Lock()
	}
	f.dispatching = false
	f.mu.Unlock()
}

func (f *fakeTransport) handlerCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.handlers)
}

func (f *fakeTransport) sentFrames() []sentFrame {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]sentFrame(nil), f.sent...)
}

// fakeNode is an in-memory xbee.Node backed by a fakeTransport.
type fakeNode struct {
	tr     *fakeTransport
	addr64 xbee.Addr64
	addr16 xbee.Addr16
	proto  xbee.Protocol
}

func newFakeNode(tr *fakeTransport) *fakeNode {
	return &fakeNode{
		tr:     tr,
		addr64: xbee.Addr64FromUint64(0x0013A20012345678),
		addr16: 0x1234,
		proto:  xbee.ProtocolZigbee,
	}
}

func (n *fakeNode) Addr64() xbee.Addr64     { return n.addr64 }
func (n *fakeNode) Addr16() xbee.Addr16     { return n.addr16 }
func (n *fakeNode) Protocol() xbee.Protocol { return n.proto }
func (n *fakeNode) Transport() xbee.Transport {
	if n.tr == nil {
		return nil
	}
	return n.tr
}

// response builds a matching application response frame for the node with
// the given transaction ID, status byte, and body.
func (n *fakeNode) response(clusterID uint16, txn, status uint8, body []byte) *xbee.ExplicitRxFrame {
	return &xbee.ExplicitRxFrame{
		Src64:     n.addr64,
		Src16:     n.addr16,
		ClusterID: clusterID,
		ProfileID: 0x0000,
		Data:      append([]byte{txn, status}, body...),
	}
}

// transmitStatus builds a matching link-layer acknowledgement.
func transmitStatus(txn uint8, status xbee.DeliveryStatus) *xbee.TransmitStatusFrame {
	return &xbee.TransmitStatusFrame{FrameID: txn, Dst16: 0x1234, DeliveryStatus: status}
}

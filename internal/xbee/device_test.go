package xbee

import (
	"bufio"
	"bytes"
	"io"
	"log/slog"
	"net"
	"testing"
	"time"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// newTestDevice wires a Device to one end of an in-memory pipe and returns
// the other end for the test to play the radio.
func newTestDevice(t *testing.T) (*Device, net.Conn) {
	t.Helper()
	devSide, radioSide := net.Pipe()
	d := newDevice(devSide, testLogger())
	t.Cleanup(func() {
		d.Close()
		radioSide.Close()
	})
	return d, radioSide
}

func TestATCommandCorrelation(t *testing.T) {
	d, radio := newTestDevice(t)

	// Radio side: read the AT request, answer with the matching frame ID.
	go func() {
		r := bufio.NewReader(radio)
		data, err := readAPIFrame(r)
		if err != nil {
			return
		}
		if FrameType(data[0]) != FrameTypeATCommand {
			return
		}
		frameID := data[1]
		resp := []byte{byte(FrameTypeATCommandResponse), frameID, data[2], data[3], 0x00, 0x01}
		radio.Write(encodeAPIFrame(resp))
	}()

	value, err := d.ATCommand("AO", nil)
	if err != nil {
		t.Fatal(err)
	}
	if !bytes.Equal(value, []byte{0x01}) {
		t.Errorf("AO value = %X, want 01", value)
	}
}

func TestATCommandErrorStatus(t *testing.T) {
	d, radio := newTestDevice(t)

	go func() {
		r := bufio.NewReader(radio)
		data, err := readAPIFrame(r)
		if err != nil {
			return
		}
		resp := []byte{byte(FrameTypeATCommandResponse), data[1], data[2], data[3], 0x02} // invalid command
		radio.Write(encodeAPIFrame(resp))
	}()

	if _, err := d.ATCommand("AO", nil); err == nil {
		t.Fatal("want error for non-zero AT status")
	}
}

func TestFrameHandlerDispatchAndRemove(t *testing.T) {
	d, radio := newTestDevice(t)

	got := make(chan Frame, 2)
	id := d.AddFrameHandler(func(f Frame) { got <- f })

	ts := []byte{byte(FrameTypeTransmitStatus), 0x07, 0xFF, 0xFE, 0x00, 0x00, 0x00}
	if _, err := radio.Write(encodeAPIFrame(ts)); err != nil {
		t.Fatal(err)
	}

	select {
	case f := <-got:
		if _, ok := f.(*TransmitStatusFrame); !ok {
			t.Fatalf("frame type %T", f)
		}
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}

	d.RemoveFrameHandler(id)
	if _, err := radio.Write(encodeAPIFrame(ts)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-got:
		t.Fatal("handler invoked after removal")
	case <-time.After(100 * time.Millisecond):
	}
}

func TestHandlerMayRemoveItselfDuringDispatch(t *testing.T) {
	d, radio := newTestDevice(t)

	fired := make(chan struct{}, 1)
	var id int
	id = d.AddFrameHandler(func(Frame) {
		d.RemoveFrameHandler(id)
		fired <- struct{}{}
	})

	ts := []byte{byte(FrameTypeTransmitStatus), 0x01, 0xFF, 0xFE, 0x00, 0x00, 0x00}
	if _, err := radio.Write(encodeAPIFrame(ts)); err != nil {
		t.Fatal(err)
	}
	select {
	case <-fired:
	case <-time.After(time.Second):
		t.Fatal("handler not invoked")
	}
}

func TestSendExplicitWritesFrame(t *testing.T) {
	d, radio := newTestDevice(t)

	readDone := make(chan []byte, 1)
	go func() {
		data, err := readAPIFrame(bufio.NewReader(radio))
		if err != nil {
			return
		}
		readDone <- data
	}()

	err := d.SendExplicit(0x0A, Addr64Broadcast, Addr16Broadcast, 0x00, 0x00, 0x0032, 0x0000, 0, 0, []byte{0x0A, 0x00})
	if err != nil {
		t.Fatal(err)
	}

	select {
	case data := <-readDone:
		if FrameType(data[0]) != FrameTypeExplicitAddressing {
			t.Errorf("type = 0x%02X", data[0])
		}
		if data[1] != 0x0A {
			t.Errorf("frame id = %d", data[1])
		}
	case <-time.After(time.Second):
		t.Fatal("no frame written")
	}
}

func TestRemoteNodeTransportIsLocalDevice(t *testing.T) {
	d, _ := newTestDevice(t)

	remote := NewRemoteNode(d, Addr64FromUint64(0x0013A20012345678), 0x1234)
	if remote.Transport() != Transport(d) {
		t.Error("remote transport is not the local device")
	}
	if remote.Protocol() != ProtocolZigbee {
		t.Errorf("protocol = %s", remote.Protocol())
	}
	remote.SetAddr16(0x4321)
	if remote.Addr16() != 0x4321 {
		t.Errorf("addr16 = %s", remote.Addr16())
	}
}

package zdo

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"xbee-topology/internal/xbee"
)

// ZDO requests go out on endpoint 0 / profile 0x0000; responses come back
// the same way.
const (
	sourceEndpoint  = 0x00
	destEndpoint    = 0x00
	zdoProfileID    = 0x0000
	statusSuccess   = 0x00
	broadcastRadius = 0

	// AO register bit 0: explicit RX indicator frames.
	outputModeExplicit = 0x01
)

// DefaultTimeout is the per-round wait for a transmit status plus
// application response.
const DefaultTimeout = 20 * time.Second

var (
	// ErrNotSent is reported when no transmit status arrived within the
	// timeout: the request never left the local radio.
	ErrNotSent = errors.New("zdo: command not sent")
	// ErrAnswerNotReceived is reported when the frame was transmitted but
	// no matching application response arrived within the timeout.
	ErrAnswerNotReceived = errors.New("zdo: answer not received")
)

// StatusError is a non-zero status byte in the application response.
type StatusError struct {
	Status uint8
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("zdo: command failed with status %d", e.Status)
}

// DeliveryError is a transmit status reporting a failed delivery.
type DeliveryError struct {
	Status xbee.DeliveryStatus
}

func (e *DeliveryError) Error() string {
	return fmt.Sprintf("zdo: command not delivered: %s", e.Status)
}

// variant supplies the per-command encode/decode logic the engine is
// parameterized by.
type variant interface {
	// resetState clears per-run accumulators before the first send.
	resetState()
	// isBroadcast reports whether the request goes to the broadcast address.
	isBroadcast() bool
	// requestPayload builds the outbound payload, including the leading
	// transaction ID byte.
	requestPayload() []byte
	// parseResponse consumes the response payload after the status byte and
	// reports whether the exchange is complete. A pagination variant may
	// issue the next request from inside parseResponse.
	parseResponse(data []byte) bool
	// onSuccess runs once when the exchange terminates without error,
	// before the completion notification.
	onSuccess()
}

type commandState int

const (
	stateIdle commandState = iota
	stateRunning
	stateFinished
)

// Option configures a reader.
type Option func(*commandOptions)

type commandOptions struct {
	timeout             time.Duration
	configureOutputMode bool
	seq                 *Sequence
}

// WithTimeout sets the per-round timeout. Must not be negative.
func WithTimeout(d time.Duration) Option {
	return func(o *commandOptions) { o.timeout = d }
}

// WithConfigureOutputMode controls whether the local radio's AO register is
// forced to explicit frame delivery for the duration of the exchange and
// restored afterwards. Enabled by default; responses arriving as
// non-explicit frames cannot be parsed.
func WithConfigureOutputMode(enabled bool) Option {
	return func(o *commandOptions) { o.configureOutputMode = enabled }
}

// WithSequence sets the transaction ID sequence, replacing DefaultSequence.
func WithSequence(s *Sequence) Option {
	return func(o *commandOptions) { o.seq = s }
}

// command owns the request/response lifecycle of one ZDO exchange: frame
// handler registration, transient AO reconfiguration, transaction
// correlation, the timed wait, and cleanup on every exit path.
type command struct {
	target              xbee.Node
	tr                  xbee.Transport
	clusterID           uint16
	receiveClusterID    uint16
	configureOutputMode bool
	timeout             time.Duration
	txn                 uint8
	variant             variant

	mu                     sync.Mutex
	st                     commandState
	err                    error
	receivedTransmitStatus bool
	receivedAnswer         bool
	parsed                 bool
	savedOutputMode        []byte // non-nil only when AO was changed

	signal     chan struct{}
	signalOnce sync.Once
	runDone    chan struct{}
}

func newCommand(target xbee.Node, clusterID, receiveClusterID uint16, v variant, opts ...Option) (*command, error) {
	if target == nil {
		return nil, errors.New("zdo: target cannot be nil")
	}
	o := commandOptions{
		timeout:             DefaultTimeout,
		configureOutputMode: true,
		seq:                 DefaultSequence,
	}
	for _, opt := range opts {
		opt(&o)
	}
	if o.timeout < 0 {
		return nil, errors.New("zdo: timeout cannot be negative")
	}
	switch target.Protocol() {
	case xbee.ProtocolZigbee, xbee.ProtocolSmartEnergy:
	default:
		return nil, fmt.Errorf("zdo: commands are not supported on %s", target.Protocol())
	}
	tr := target.Transport()
	if tr == nil {
		return nil, errors.New("zdo: target has no transport")
	}

	return &command{
		target:              target,
		tr:                  tr,
		clusterID:           clusterID,
		receiveClusterID:    receiveClusterID,
		configureOutputMode: o.configureOutputMode,
		timeout:             o.timeout,
		txn:                 o.seq.Next(),
		variant:             v,
		signal:              make(chan struct{}),
		runDone:             make(chan struct{}),
	}, nil
}

// Err returns the error recorded by the exchange, if any.
func (c *command) Err() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.err
}

// Running reports whether the exchange is in progress.
func (c *command) Running() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.st == stateRunning
}

// start begins the exchange. When synchronous it returns after the
// exchange has finished; otherwise the exchange runs on its own goroutine
// and notify (if non-nil) is invoked there when it finishes. A command is
// single-use: starting a command that is running or finished is a no-op.
func (c *command) start(synchronous bool, notify func()) {
	c.mu.Lock()
	if c.st != stateIdle {
		c.mu.Unlock()
		return
	}
	c.st = stateRunning
	c.err = nil
	c.receivedTransmitStatus = false
	c.receivedAnswer = false
	c.parsed = false
	c.mu.Unlock()

	if synchronous {
		c.run(notify)
	} else {
		go c.run(notify)
	}
}

// Stop signals the in-progress wait to return immediately and blocks until
// the exchange has fully unwound (handler deregistered, device restored,
// completion notified). Idempotent. Must not be called from inside a frame
// or route callback: the exchange's cleanup may need the frame read loop
// the callback runs on.
func (c *command) Stop() {
	c.raiseSignal()
	c.mu.Lock()
	running := c.st == stateRunning
	c.mu.Unlock()
	if running {
		<-c.runDone
	}
}

func (c *command) raiseSignal() {
	c.signalOnce.Do(func() { close(c.signal) })
}

// fail records err (first error wins) and ends the round.
func (c *command) fail(err error) {
	c.mu.Lock()
	if c.err == nil {
		c.err = err
	}
	c.mu.Unlock()
	c.raiseSignal()
}

func (c *command) run(notify func()) {
	// Responses always arrive at the local radio, so that is where the
	// frame handler lives.
	handlerID := c.tr.AddFrameHandler(c.handleFrame)
	c.variant.resetState()

	c.exchange()

	// Cleanup on every exit path. The state flips first so late frames are
	// ignored before the handler is deregistered, closing the race window.
	c.mu.Lock()
	c.st = stateFinished
	c.mu.Unlock()
	c.tr.RemoveFrameHandler(handlerID)
	c.restoreDevice()
	if notify != nil {
		notify()
	}
	close(c.runDone)
}

func (c *command) exchange() {
	if err := c.prepareDevice(); err != nil {
		c.fail(err)
		return
	}
	if err := c.sendRequest(); err != nil {
		c.fail(err)
		return
	}

	timer := time.NewTimer(c.timeout)
	defer timer.Stop()
	select {
	case <-c.signal:
	case <-timer.C:
	}

	c.mu.Lock()
	success := false
	switch {
	case !c.receivedTransmitStatus:
		if c.err == nil {
			c.err = ErrNotSent
		}
	case !c.receivedAnswer:
		if c.err == nil {
			c.err = ErrAnswerNotReceived
		}
	default:
		// Answered but never finished parsing: a pagination round timed
		// out waiting for its page.
		if c.err == nil && !c.parsed {
			c.err = ErrAnswerNotReceived
		}
		success = c.err == nil
	}
	c.mu.Unlock()

	if success {
		c.variant.onSuccess()
	}
}

// prepareDevice forces explicit frame delivery on the local radio when
// configured, remembering the previous AO value if it had to change.
func (c *command) prepareDevice() error {
	if !c.configureOutputMode {
		return nil
	}
	mode, err := c.tr.OutputMode()
	if err != nil {
		return fmt.Errorf("zdo: read output mode: %w", err)
	}
	if len(mode) > 0 && bitSet(mode[0], 0) {
		return nil // already explicit, nothing to restore
	}
	if err := c.tr.SetOutputMode([]byte{outputModeExplicit}); err != nil {
		return fmt.Errorf("zdo: set output mode: %w", err)
	}
	c.mu.Lock()
	c.savedOutputMode = mode
	c.mu.Unlock()
	return nil
}

// restoreDevice puts the AO register back if prepareDevice changed it. A
// restore failure becomes the exchange error only when none is set.
func (c *command) restoreDevice() {
	c.mu.Lock()
	saved := c.savedOutputMode
	c.savedOutputMode = nil
	c.mu.Unlock()
	if saved == nil {
		return
	}
	if err := c.tr.SetOutputMode(saved); err != nil {
		c.mu.Lock()
		if c.err == nil {
			c.err = fmt.Errorf("zdo: restore output mode: %w", err)
		}
		c.mu.Unlock()
	}
}

// sendRequest builds and sends the request frame under the exchange's
// transaction ID. Pagination variants call this again for follow-up pages.
func (c *command) sendRequest() error {
	dst64, dst16 := c.target.Addr64(), c.target.Addr16()
	if c.variant.isBroadcast() {
		dst64, dst16 = xbee.Addr64Broadcast, xbee.Addr16Broadcast
	}
	return c.tr.SendExplicit(c.txn, dst64, dst16,
		sourceEndpoint, destEndpoint, c.clusterID, zdoProfileID, broadcastRadius, 0,
		c.variant.requestPayload())
}

// handleFrame is the single frame handler for the exchange. It runs on the
// transport's dispatch goroutine, concurrently with the waiting exchange
// goroutine: it only updates flags, delegates decoding, and raises the
// signal. It never blocks on the exchange itself.
func (c *command) handleFrame(f xbee.Frame) {
	switch frame := f.(type) {
	case *xbee.ExplicitRxFrame:
		c.handleResponse(frame)
	case *xbee.TransmitStatusFrame:
		c.handleTransmitStatus(frame)
	}
}

func (c *command) handleResponse(f *xbee.ExplicitRxFrame) {
	c.mu.Lock()
	if c.st != stateRunning || !c.responseMatches(f) {
		c.mu.Unlock()
		return
	}
	c.receivedAnswer = true
	if f.Data[1] != statusSuccess {
		if c.err == nil {
			c.err = &StatusError{Status: f.Data[1]}
		}
		c.mu.Unlock()
		c.raiseSignal()
		return
	}
	c.mu.Unlock()

	// Decode outside the lock: the variant may invoke a user callback or
	// send the next pagination request. Frame dispatch is serialized by the
	// transport, so variant state is never touched concurrently.
	parsed := c.variant.parseResponse(f.Data[2:])

	c.mu.Lock()
	c.parsed = parsed
	done := parsed && c.receivedTransmitStatus
	c.mu.Unlock()
	if done {
		c.raiseSignal()
	}
}

// responseMatches applies the matching rules for an application response.
// Caller holds c.mu.
func (c *command) responseMatches(f *xbee.ExplicitRxFrame) bool {
	if !c.variant.isBroadcast() {
		// A node may be known by only one address kind; reject only when
		// every known address disagrees.
		a64, a16 := c.target.Addr64(), c.target.Addr16()
		if a64 != xbee.Addr64Unknown && a64 != f.Src64 &&
			a16 != xbee.Addr16Unknown && a16 != f.Src16 {
			return false
		}
	}
	if f.ProfileID != zdoProfileID ||
		f.SrcEndpoint != sourceEndpoint || f.DstEndpoint != destEndpoint {
		return false
	}
	if f.ClusterID != c.receiveClusterID {
		return false
	}
	// Payload byte 0 is the transaction ID, byte 1 the status.
	if len(f.Data) < 2 || f.Data[0] != c.txn {
		return false
	}
	return true
}

func (c *command) handleTransmitStatus(f *xbee.TransmitStatusFrame) {
	c.mu.Lock()
	if c.st != stateRunning || f.FrameID != c.txn {
		c.mu.Unlock()
		return
	}
	c.receivedTransmitStatus = true
	if f.DeliveryStatus != xbee.DeliverySuccess && f.DeliveryStatus != xbee.DeliverySelfAddressed {
		if c.err == nil {
			c.err = &DeliveryError{Status: f.DeliveryStatus}
		}
		c.mu.Unlock()
		c.raiseSignal()
		return
	}
	done := c.parsed
	c.mu.Unlock()
	if done {
		c.raiseSignal()
	}
}

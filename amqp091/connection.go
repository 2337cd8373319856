package amqp091

import (
	"fmt"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// ConnectionState is the lifecycle state of a connection
type ConnectionState int32

const (
	ConnectionConnecting ConnectionState = iota
	ConnectionOpen
	ConnectionClosing
	ConnectionClosed
)

func (s ConnectionState) String() string {
	switch s {
	case ConnectionConnecting:
		return "connecting"
	case ConnectionOpen:
		return "open"
	case ConnectionClosing:
		return "closing"
	case ConnectionClosed:
		return "closed"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// BlockedListener is notified when the broker blocks or unblocks publishing
// on the connection, e.g. under a resource alarm.
type BlockedListener func(blocked bool, reason string)

// ConnectionCloseListener is notified when the connection reaches the closed
// state.
type ConnectionCloseListener func(reason *Error)

// Connection is one AMQP connection multiplexing many channels. Inbound
// frames are demultiplexed by a single dispatch goroutine that owns all
// channel state; channel callbacks and listeners run on it.
type Connection struct {
	config config

	conn   net.Conn
	reader *frame.Reader
	writer *frame.Writer

	callbacks *callbackRegistry
	logger    *logrus.Entry
	metrics   MetricsCollector

	channelMax uint16
	frameMax   uint32

	serverProperties Table
	capabilities     Table

	state     atomic.Int32
	closed    chan struct{}
	closeOnce sync.Once

	// closingReason is set on the dispatch goroutine before a local close
	// handshake and read when CloseOk arrives.
	closingReason *Error
	// closeReason is the final reason, set once before closed is closed
	closeReason *Error

	dispatchFns chan func()

	channelMu   sync.Mutex
	channels    map[uint16]*Channel
	nextChannel uint16

	listenerMu       sync.Mutex
	blockedListeners []BlockedListener
	closeListeners   []ConnectionCloseListener
}

// open dials the broker, performs the protocol handshake and starts the
// dispatch goroutine. Called by the factory.
func (c *Connection) open() error {
	addr := net.JoinHostPort(c.config.host, fmt.Sprintf("%d", c.config.port))

	conn, err := net.DialTimeout("tcp", addr, c.config.connectTimeout)
	if err != nil {
		return fmt.Errorf("dial %s: %w", addr, err)
	}
	c.conn = conn
	c.reader = frame.NewReader(conn, protocol.FrameMinSize)
	c.writer = frame.NewWriter(conn, protocol.FrameMinSize)

	if err := c.handshake(); err != nil {
		conn.Close()
		return fmt.Errorf("handshake: %w", err)
	}

	c.setState(ConnectionOpen)
	c.metrics.ConnectionOpened()
	c.logger.WithFields(logrus.Fields{
		"channel_max": c.channelMax,
		"frame_max":   c.frameMax,
	}).Info("connection opened")

	go c.dispatchLoop()

	return nil
}

// handshake runs the connection negotiation sequence: protocol header,
// Start/StartOk, Tune/TuneOk, Open/OpenOk. It runs before the dispatch
// goroutine starts, so it may read frames directly.
func (c *Connection) handshake() error {
	if err := c.writer.WriteProtocolHeader(); err != nil {
		return err
	}

	start, err := c.expectConnectionMethod(protocol.ConnectionStart)
	if err != nil {
		return err
	}
	if err := c.handleStart(start); err != nil {
		return err
	}

	tune, err := c.expectConnectionMethod(protocol.ConnectionTune)
	if err != nil {
		return err
	}
	if err := c.handleTune(tune); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteShortString(c.config.vhost); err != nil {
		return err
	}
	if err := args.WriteShortString(""); err != nil { // reserved (capabilities)
		return err
	}
	if err := args.WriteBool(false); err != nil { // reserved (insist)
		return err
	}
	if err := c.sendFrame(frame.NewMethodFrame(0, frame.NewMethod(protocol.ConnectionOpen, args.Bytes()))); err != nil {
		return err
	}

	if _, err := c.expectConnectionMethod(protocol.ConnectionOpenOk); err != nil {
		return err
	}

	return nil
}

// expectConnectionMethod reads one frame and requires it to be the given
// connection-class method.
func (c *Connection) expectConnectionMethod(verb protocol.Verb) (*frame.Method, error) {
	f, err := c.reader.ReadFrame()
	if err != nil {
		return nil, err
	}
	if f.Channel != 0 || f.Type != protocol.FrameMethod {
		return nil, &UnexpectedFrameError{FrameType: f.Type, Channel: f.Channel, Detail: "expected " + verb.String()}
	}

	m, err := f.ParseMethod()
	if err != nil {
		return nil, err
	}

	// A broker that refuses the handshake says so with Connection.Close
	if m.Verb == protocol.ConnectionClose && verb != protocol.ConnectionClose {
		args := m.Fields()
		code, _ := args.ReadUint16()
		text, _ := args.ReadShortString()
		return nil, fmt.Errorf("broker refused connection (%d): %s", code, text)
	}

	if m.Verb != verb {
		return nil, fmt.Errorf("expected %s, got %s", verb, m.Verb)
	}

	return m, nil
}

// handleStart records the server's properties and answers with StartOk using
// PLAIN authentication.
func (c *Connection) handleStart(m *frame.Method) error {
	args := m.Fields()
	versionMajor, err := args.ReadUint8()
	if err != nil {
		return fmt.Errorf("parse Connection.Start: %w", err)
	}
	versionMinor, err := args.ReadUint8()
	if err != nil {
		return fmt.Errorf("parse Connection.Start: %w", err)
	}
	if versionMajor != protocol.ProtocolVersionMajor || versionMinor != protocol.ProtocolVersionMinor {
		return fmt.Errorf("unsupported protocol version %d.%d", versionMajor, versionMinor)
	}

	serverProps, err := args.ReadTable()
	if err != nil {
		return fmt.Errorf("parse server properties: %w", err)
	}
	c.serverProperties = serverProps
	if caps, ok := serverProps["capabilities"].(Table); ok {
		c.capabilities = caps
	} else {
		c.capabilities = Table{}
	}

	clientProps := Table{
		"product": "qmux-amqp091",
		"platform": "golang",
		"capabilities": Table{
			"basic.nack":             true,
			"consumer_cancel_notify": true,
			"connection.blocked":     true,
			"publisher_confirms":     true,
		},
	}
	for k, v := range c.config.clientProperties {
		clientProps[k] = v
	}

	response := "\x00" + c.config.username + "\x00" + c.config.password

	reply := frame.NewMethodArgsBuilder()
	if err := reply.WriteTable(clientProps); err != nil {
		return err
	}
	if err := reply.WriteShortString("PLAIN"); err != nil {
		return err
	}
	if err := reply.WriteLongString([]byte(response)); err != nil {
		return err
	}
	if err := reply.WriteShortString("en_US"); err != nil {
		return err
	}

	return c.sendFrame(frame.NewMethodFrame(0, frame.NewMethod(protocol.ConnectionStartOk, reply.Bytes())))
}

// handleTune negotiates channel and frame limits and answers with TuneOk.
// Heartbeats are declined.
func (c *Connection) handleTune(m *frame.Method) error {
	args := m.Fields()
	serverChannelMax, err := args.ReadUint16()
	if err != nil {
		return fmt.Errorf("parse Connection.Tune: %w", err)
	}
	serverFrameMax, err := args.ReadUint32()
	if err != nil {
		return fmt.Errorf("parse Connection.Tune: %w", err)
	}

	c.channelMax = negotiateUint16(c.config.channelMax, serverChannelMax, protocol.ChannelNumberMax)
	c.frameMax = negotiateUint32(c.config.frameMax, serverFrameMax, defaultFrameMax)

	c.reader.SetMaxFrameSize(c.frameMax)
	c.writer.SetMaxFrameSize(c.frameMax)

	reply := frame.NewMethodArgsBuilder()
	if err := reply.WriteUint16(c.channelMax); err != nil {
		return err
	}
	if err := reply.WriteUint32(c.frameMax); err != nil {
		return err
	}
	if err := reply.WriteUint16(0); err != nil { // heartbeat disabled
		return err
	}

	return c.sendFrame(frame.NewMethodFrame(0, frame.NewMethod(protocol.ConnectionTuneOk, reply.Bytes())))
}

// negotiateUint16 picks the smaller of the client and server limits, where
// zero means unlimited on either side.
func negotiateUint16(client, server, fallback uint16) uint16 {
	switch {
	case client == 0 && server == 0:
		return fallback
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	default:
		return server
	}
}

func negotiateUint32(client, server, fallback uint32) uint32 {
	switch {
	case client == 0 && server == 0:
		return fallback
	case client == 0:
		return server
	case server == 0:
		return client
	case client < server:
		return client
	default:
		return server
	}
}

// dispatchLoop is the connection's event loop. It owns all channel state:
// every inbound frame and every posted closure runs here, one at a time.
func (c *Connection) dispatchLoop() {
	frames := make(chan *frame.Frame)
	readErr := make(chan error, 1)
	go c.readLoop(frames, readErr)

	for {
		select {
		case fn := <-c.dispatchFns:
			fn()

		case f := <-frames:
			c.handleFrame(f)

		case err := <-readErr:
			if c.State() == ConnectionClosing && c.closingReason != nil {
				// The socket died after we asked to close; treat
				// it as the close we wanted.
				c.teardown(c.closingReason)
			} else {
				c.logger.WithError(err).Warn("connection lost")
				c.teardown(ErrConnectionLost)
			}
			return

		case <-c.closed:
			return
		}
	}
}

// readLoop reads frames off the socket and feeds the dispatch loop
func (c *Connection) readLoop(frames chan<- *frame.Frame, readErr chan<- error) {
	for {
		f, err := c.reader.ReadFrame()
		if err != nil {
			readErr <- err
			return
		}

		select {
		case frames <- f:
		case <-c.closed:
			return
		}
	}
}

// handleFrame demultiplexes one inbound frame. Channel 0 is the connection's
// own control channel; everything else belongs to a channel.
func (c *Connection) handleFrame(f *frame.Frame) {
	if f.Type == protocol.FrameHeartbeat {
		return
	}

	if f.Channel == 0 {
		c.handleConnectionFrame(f)
		return
	}

	c.channelMu.Lock()
	ch := c.channels[f.Channel]
	c.channelMu.Unlock()

	if ch == nil {
		c.logger.WithField("channel", f.Channel).Warn("dropping frame for unknown channel")
		c.metrics.UnexpectedFrame()
		return
	}

	ch.handleFrame(f)
}

func (c *Connection) handleConnectionFrame(f *frame.Frame) {
	m, err := f.ParseMethod()
	if err != nil {
		c.logger.WithError(err).Warn("dropping malformed connection frame")
		c.metrics.UnexpectedFrame()
		return
	}

	switch m.Verb {
	case protocol.ConnectionClose:
		c.onCloseFromBroker(m)

	case protocol.ConnectionCloseOk:
		reason := c.closingReason
		if reason == nil {
			reason = ErrConnectionForced
		}
		c.teardown(reason)

	case protocol.ConnectionBlocked:
		reason, _ := m.Fields().ReadShortString()
		c.logger.WithField("reason", reason).Warn("connection blocked by broker")
		c.notifyBlocked(true, reason)

	case protocol.ConnectionUnblocked:
		c.logger.Info("connection unblocked by broker")
		c.notifyBlocked(false, "")

	default:
		if !c.callbacks.fire(0, m) {
			c.logger.WithField("method", m.String()).Warn("dropping unexpected connection method")
			c.metrics.UnexpectedFrame()
		}
	}
}

// onCloseFromBroker answers a broker-initiated Connection.Close and tears
// the connection down.
func (c *Connection) onCloseFromBroker(m *frame.Method) {
	args := m.Fields()
	code, _ := args.ReadUint16()
	text, _ := args.ReadShortString()

	c.logger.WithFields(logrus.Fields{"code": code, "text": text}).Warn("connection closed by broker")

	if err := c.sendFrame(frame.NewMethodFrame(0, frame.NewMethod(protocol.ConnectionCloseOk, nil))); err != nil {
		c.logger.WithError(err).Debug("failed to send Connection.CloseOk")
	}

	c.teardown(&Error{Code: int(code), Reason: text, Origin: OriginRemote})
}

// startClose begins a graceful close. Runs on the dispatch goroutine.
func (c *Connection) startClose(code int, text string) {
	if c.State() != ConnectionOpen {
		return
	}

	c.setState(ConnectionClosing)
	c.closingReason = &Error{Code: code, Reason: text, Origin: OriginLocal}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(uint16(code)); err != nil {
		c.teardown(c.closingReason)
		return
	}
	if err := args.WriteShortString(text); err != nil {
		c.teardown(c.closingReason)
		return
	}
	if err := args.WriteUint16(0); err != nil { // failing class id
		c.teardown(c.closingReason)
		return
	}
	if err := args.WriteUint16(0); err != nil { // failing method id
		c.teardown(c.closingReason)
		return
	}

	if err := c.sendFrame(frame.NewMethodFrame(0, frame.NewMethod(protocol.ConnectionClose, args.Bytes()))); err != nil {
		c.logger.WithError(err).Warn("failed to send Connection.Close")
		c.teardown(c.closingReason)
	}
}

// teardown is the terminal transition: every channel still open resolves as
// closed with the given reason, without any further protocol exchange.
func (c *Connection) teardown(reason *Error) {
	c.closeOnce.Do(func() {
		c.setState(ConnectionClosed)
		c.closeReason = reason

		c.channelMu.Lock()
		channels := make([]*Channel, 0, len(c.channels))
		for _, ch := range c.channels {
			channels = append(channels, ch)
		}
		c.channels = make(map[uint16]*Channel)
		c.channelMu.Unlock()

		for _, ch := range channels {
			ch.onCloseMeta(reason)
		}

		c.listenerMu.Lock()
		listeners := make([]ConnectionCloseListener, len(c.closeListeners))
		copy(listeners, c.closeListeners)
		c.listenerMu.Unlock()

		for _, l := range listeners {
			l(reason)
		}

		c.conn.Close()
		close(c.closed)
		c.metrics.ConnectionClosed()
		c.logger.WithField("reason", reason).Info("connection closed")
	})
}

// Close gracefully closes the connection and every channel on it
func (c *Connection) Close() error {
	return c.CloseWithCode(protocol.ReplySuccess, "connection closed")
}

// CloseWithCode gracefully closes the connection, waiting up to the
// configured close timeout for the broker's CloseOk before forcing the
// socket shut. Must not be called from a callback running on the dispatch
// goroutine; callbacks should post the close via Dispatch instead.
func (c *Connection) CloseWithCode(code int, text string) error {
	if c.State() == ConnectionClosed {
		return nil
	}

	c.Dispatch(func() { c.startClose(code, text) })

	select {
	case <-c.closed:
	case <-time.After(c.config.closeTimeout):
		c.logger.Warn("close handshake timed out, forcing socket shut")
		c.conn.Close()
		<-c.closed
	}

	return nil
}

// Dispatch posts a closure onto the connection's dispatch goroutine, where
// it may safely touch channel state. Closures posted after the connection
// closes are dropped.
func (c *Connection) Dispatch(fn func()) {
	select {
	case c.dispatchFns <- fn:
	case <-c.closed:
	}
}

// Channel allocates a channel and begins opening it. The returned channel is
// not yet usable: onOpen fires on the dispatch goroutine once the broker
// confirms it.
func (c *Connection) Channel(onOpen func(*Channel)) (*Channel, error) {
	if c.State() != ConnectionOpen {
		return nil, fmt.Errorf("amqp: connection is %s", c.State())
	}

	c.channelMu.Lock()
	number, err := c.allocateChannelNumber()
	if err != nil {
		c.channelMu.Unlock()
		return nil, err
	}

	ch := newChannel(c, number, c.callbacks, c.logger, c.metrics, onOpen)
	c.channels[number] = ch
	c.channelMu.Unlock()

	ch.addCleanupHook(c.removeChannel)

	c.Dispatch(func() {
		if err := ch.open(); err != nil {
			c.logger.WithError(err).WithField("channel", number).Warn("failed to open channel")
			c.removeChannel(ch)
		}
	})

	return ch, nil
}

// allocateChannelNumber finds a free channel number, scanning upward from
// the last allocation and wrapping. Caller holds channelMu.
func (c *Connection) allocateChannelNumber() (uint16, error) {
	if len(c.channels) >= int(c.channelMax) {
		return 0, fmt.Errorf("amqp: all %d channels in use", c.channelMax)
	}

	for i := 0; i < int(c.channelMax); i++ {
		candidate := c.nextChannel + 1
		if candidate > c.channelMax || candidate < protocol.ChannelNumberMin {
			candidate = protocol.ChannelNumberMin
		}
		c.nextChannel = candidate

		if _, inUse := c.channels[candidate]; !inUse {
			return candidate, nil
		}
	}

	return 0, fmt.Errorf("amqp: all %d channels in use", c.channelMax)
}

// removeChannel releases a channel's number for reuse. Registered as a
// cleanup hook, so it runs whenever a channel reaches the closed state.
func (c *Connection) removeChannel(ch *Channel) {
	c.channelMu.Lock()
	if c.channels[ch.number] == ch {
		delete(c.channels, ch.number)
	}
	c.channelMu.Unlock()
}

// AddBlockedListener registers a listener for broker flow-control
// notifications on the connection.
func (c *Connection) AddBlockedListener(l BlockedListener) {
	c.listenerMu.Lock()
	c.blockedListeners = append(c.blockedListeners, l)
	c.listenerMu.Unlock()
}

// AddCloseListener registers a listener fired when the connection closes
func (c *Connection) AddCloseListener(l ConnectionCloseListener) {
	c.listenerMu.Lock()
	c.closeListeners = append(c.closeListeners, l)
	c.listenerMu.Unlock()
}

func (c *Connection) notifyBlocked(blocked bool, reason string) {
	c.listenerMu.Lock()
	listeners := make([]BlockedListener, len(c.blockedListeners))
	copy(listeners, c.blockedListeners)
	c.listenerMu.Unlock()

	for _, l := range listeners {
		l(blocked, reason)
	}
}

// State returns the connection's lifecycle state
func (c *Connection) State() ConnectionState {
	return ConnectionState(c.state.Load())
}

func (c *Connection) setState(s ConnectionState) {
	c.state.Store(int32(s))
}

// IsOpen reports whether the connection is open
func (c *Connection) IsOpen() bool {
	return c.State() == ConnectionOpen
}

// CloseReason returns the reason the connection closed, or nil while it is
// still up.
func (c *Connection) CloseReason() *Error {
	select {
	case <-c.closed:
		return c.closeReason
	default:
		return nil
	}
}

// ServerProperties returns the property table the broker sent during the
// handshake.
func (c *Connection) ServerProperties() Table {
	return c.serverProperties
}

// ChannelMax returns the negotiated channel limit
func (c *Connection) ChannelMax() uint16 {
	return c.channelMax
}

// FrameMax returns the negotiated frame size limit
func (c *Connection) FrameMax() uint32 {
	return c.frameMax
}

// transport implementation for channels

func (c *Connection) sendFrame(f *frame.Frame) error {
	return c.writer.WriteFrame(f)
}

func (c *Connection) sendFrames(frames ...*frame.Frame) error {
	return c.writer.WriteFrames(frames...)
}

func (c *Connection) maxFrameSize() uint32 {
	return c.frameMax
}

// serverSupports reports whether the broker advertised a capability in its
// server properties.
func (c *Connection) serverSupports(capability string) bool {
	enabled, ok := c.capabilities[capability].(bool)
	return ok && enabled
}

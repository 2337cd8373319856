package amqp091

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// fakeBroker accepts one connection on loopback and walks it through the
// AMQP handshake, then hands control to a per-test script.
type fakeBroker struct {
	t        *testing.T
	listener net.Listener
	conn     net.Conn
	reader   *frame.Reader
	writer   *frame.Writer
	done     chan struct{}
}

func startFakeBroker(t *testing.T, script func(b *fakeBroker)) *fakeBroker {
	t.Helper()

	listener, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)

	b := &fakeBroker{t: t, listener: listener, done: make(chan struct{})}
	t.Cleanup(func() { listener.Close() })

	go func() {
		defer close(b.done)

		conn, err := listener.Accept()
		if err != nil {
			return
		}
		b.conn = conn
		defer conn.Close()

		b.reader = frame.NewReader(conn, defaultFrameMax)
		b.writer = frame.NewWriter(conn, defaultFrameMax)

		b.handshake()
		if script != nil {
			script(b)
		}
	}()

	return b
}

func (b *fakeBroker) addr() (string, int) {
	addr := b.listener.Addr().(*net.TCPAddr)
	return addr.IP.String(), addr.Port
}

func (b *fakeBroker) handshake() {
	header, err := b.reader.ReadProtocolHeader()
	require.NoError(b.t, err)
	require.Equal(b.t, protocol.ProtocolHeader, header)

	start := frame.NewMethodArgsBuilder()
	require.NoError(b.t, start.WriteUint8(protocol.ProtocolVersionMajor))
	require.NoError(b.t, start.WriteUint8(protocol.ProtocolVersionMinor))
	require.NoError(b.t, start.WriteTable(protocol.Table{
		"product": "fake-broker",
		"capabilities": protocol.Table{
			"publisher_confirms":     true,
			"consumer_cancel_notify": true,
		},
	}))
	require.NoError(b.t, start.WriteLongString([]byte("PLAIN")))
	require.NoError(b.t, start.WriteLongString([]byte("en_US")))
	b.send(0, protocol.ConnectionStart, start.Bytes())

	b.expect(protocol.ConnectionStartOk)

	tune := frame.NewMethodArgsBuilder()
	require.NoError(b.t, tune.WriteUint16(2047))
	require.NoError(b.t, tune.WriteUint32(131072))
	require.NoError(b.t, tune.WriteUint16(60))
	b.send(0, protocol.ConnectionTune, tune.Bytes())

	b.expect(protocol.ConnectionTuneOk)
	b.expect(protocol.ConnectionOpen)

	openOk := frame.NewMethodArgsBuilder()
	require.NoError(b.t, openOk.WriteShortString(""))
	b.send(0, protocol.ConnectionOpenOk, openOk.Bytes())
}

func (b *fakeBroker) send(channel uint16, verb protocol.Verb, args []byte) {
	require.NoError(b.t, b.writer.WriteFrame(frame.NewMethodFrame(channel, frame.NewMethod(verb, args))))
}

// expect reads method frames until one with the given verb arrives,
// returning it. Heartbeats are skipped.
func (b *fakeBroker) expect(verb protocol.Verb) *frame.Method {
	for {
		f, err := b.reader.ReadFrame()
		require.NoError(b.t, err)
		if f.Type != protocol.FrameMethod {
			continue
		}
		m, err := f.ParseMethod()
		require.NoError(b.t, err)
		if m.Verb == verb {
			return m
		}
	}
}

func (b *fakeBroker) wait(t *testing.T) {
	t.Helper()
	select {
	case <-b.done:
	case <-time.After(5 * time.Second):
		t.Fatal("fake broker script did not finish")
	}
}

func dialFakeBroker(t *testing.T, b *fakeBroker, opts ...Option) *Connection {
	t.Helper()

	host, port := b.addr()
	opts = append([]Option{
		WithHost(host),
		WithPort(port),
		WithCloseTimeout(2 * time.Second),
	}, opts...)

	factory, err := NewConnectionFactory(opts...)
	require.NoError(t, err)

	conn, err := factory.NewConnection()
	require.NoError(t, err)
	return conn
}

func TestConnectionHandshakeAndClose(t *testing.T) {
	broker := startFakeBroker(t, func(b *fakeBroker) {
		b.expect(protocol.ConnectionClose)
		b.send(0, protocol.ConnectionCloseOk, nil)
	})

	conn := dialFakeBroker(t, broker)

	assert.True(t, conn.IsOpen())
	assert.Equal(t, uint16(2047), conn.ChannelMax())
	assert.Equal(t, uint32(131072), conn.FrameMax())
	assert.Equal(t, "fake-broker", string(conn.ServerProperties()["product"].([]byte)))
	assert.Nil(t, conn.CloseReason())

	var closedWith *Error
	closed := make(chan struct{})
	conn.AddCloseListener(func(reason *Error) {
		closedWith = reason
		close(closed)
	})

	require.NoError(t, conn.Close())

	select {
	case <-closed:
	case <-time.After(2 * time.Second):
		t.Fatal("close listener did not fire")
	}

	require.NotNil(t, closedWith)
	assert.Equal(t, OriginLocal, closedWith.Origin)
	assert.Equal(t, ConnectionClosed, conn.State())
	broker.wait(t)
}

func TestConnectionOpensChannel(t *testing.T) {
	broker := startFakeBroker(t, func(b *fakeBroker) {
		b.expect(protocol.ChannelOpen)

		openOk := frame.NewMethodArgsBuilder()
		require.NoError(b.t, openOk.WriteLongString(nil))
		require.NoError(b.t, b.writer.WriteFrame(
			frame.NewMethodFrame(1, frame.NewMethod(protocol.ChannelOpenOk, openOk.Bytes()))))

		b.expect(protocol.ConnectionClose)
		b.send(0, protocol.ConnectionCloseOk, nil)
	})

	conn := dialFakeBroker(t, broker)

	opened := make(chan *Channel, 1)
	ch, err := conn.Channel(func(ch *Channel) { opened <- ch })
	require.NoError(t, err)
	assert.Equal(t, uint16(1), ch.Number())

	select {
	case got := <-opened:
		assert.Same(t, ch, got)
		assert.True(t, got.IsOpen())
	case <-time.After(2 * time.Second):
		t.Fatal("channel did not open")
	}

	require.NoError(t, conn.Close())
	broker.wait(t)
}

func TestConnectionLostResolvesChannels(t *testing.T) {
	broker := startFakeBroker(t, func(b *fakeBroker) {
		// Drop the socket without a close handshake once a channel is
		// being opened.
		b.expect(protocol.ChannelOpen)
		b.conn.Close()
	})

	conn := dialFakeBroker(t, broker)

	reasons := make(chan *Error, 1)
	conn.AddCloseListener(func(reason *Error) { reasons <- reason })

	chanReasons := make(chan *Error, 1)
	ch, err := conn.Channel(nil)
	require.NoError(t, err)
	conn.Dispatch(func() {
		// On the dispatch goroutine the channel state is safe to read
		if ch.State() == ChannelClosed {
			chanReasons <- ch.closingReason
		} else {
			ch.AddCloseListener(func(_ *Channel, reason *Error) { chanReasons <- reason })
		}
	})

	select {
	case reason := <-chanReasons:
		assert.Equal(t, OriginConnectionLost, reason.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("channel close listener did not fire")
	}

	select {
	case reason := <-reasons:
		assert.Equal(t, OriginConnectionLost, reason.Origin)
	case <-time.After(2 * time.Second):
		t.Fatal("connection close listener did not fire")
	}

	assert.Equal(t, ConnectionClosed, conn.State())
	broker.wait(t)
}

func TestConnectionRefusesChannelsWhenClosed(t *testing.T) {
	broker := startFakeBroker(t, func(b *fakeBroker) {
		b.expect(protocol.ConnectionClose)
		b.send(0, protocol.ConnectionCloseOk, nil)
	})

	conn := dialFakeBroker(t, broker)
	require.NoError(t, conn.Close())

	_, err := conn.Channel(nil)
	require.Error(t, err)
	broker.wait(t)
}

func TestBrokerInitiatedConnectionClose(t *testing.T) {
	broker := startFakeBroker(t, func(b *fakeBroker) {
		args := frame.NewMethodArgsBuilder()
		require.NoError(b.t, args.WriteUint16(protocol.ReplyConnectionForced))
		require.NoError(b.t, args.WriteShortString("CONNECTION_FORCED - shutting down"))
		require.NoError(b.t, args.WriteUint16(0))
		require.NoError(b.t, args.WriteUint16(0))
		b.send(0, protocol.ConnectionClose, args.Bytes())

		b.expect(protocol.ConnectionCloseOk)
	})

	conn := dialFakeBroker(t, broker)

	reasons := make(chan *Error, 1)
	conn.AddCloseListener(func(reason *Error) { reasons <- reason })

	select {
	case reason := <-reasons:
		assert.Equal(t, OriginRemote, reason.Origin)
		assert.Equal(t, protocol.ReplyConnectionForced, reason.Code)
	case <-time.After(2 * time.Second):
		t.Fatal("close listener did not fire")
	}
	broker.wait(t)
}

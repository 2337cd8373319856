package amqp091

import (
	"io"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"

	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// scriptTransport records every frame a channel sends and lets tests script
// the broker's side by feeding replies back through handleFrame.
type scriptTransport struct {
	sent     []*frame.Frame
	sendErr  error
	frameMax uint32
	caps     map[string]bool
}

func newScriptTransport() *scriptTransport {
	return &scriptTransport{
		frameMax: protocol.FrameMinSize,
		caps:     map[string]bool{"publisher_confirms": true},
	}
}

func (s *scriptTransport) sendFrame(f *frame.Frame) error {
	if s.sendErr != nil {
		return s.sendErr
	}
	s.sent = append(s.sent, f)
	return nil
}

func (s *scriptTransport) sendFrames(frames ...*frame.Frame) error {
	for _, f := range frames {
		if err := s.sendFrame(f); err != nil {
			return err
		}
	}
	return nil
}

func (s *scriptTransport) maxFrameSize() uint32 {
	return s.frameMax
}

func (s *scriptTransport) serverSupports(capability string) bool {
	return s.caps[capability]
}

// sentVerbs decodes the verb of every method frame sent so far
func (s *scriptTransport) sentVerbs(t *testing.T) []protocol.Verb {
	t.Helper()

	var verbs []protocol.Verb
	for _, f := range s.sent {
		if f.Type != protocol.FrameMethod {
			continue
		}
		m, err := f.ParseMethod()
		require.NoError(t, err)
		verbs = append(verbs, m.Verb)
	}
	return verbs
}

// lastSentMethod decodes the most recently sent method frame
func (s *scriptTransport) lastSentMethod(t *testing.T) *frame.Method {
	t.Helper()

	for i := len(s.sent) - 1; i >= 0; i-- {
		if s.sent[i].Type == protocol.FrameMethod {
			m, err := s.sent[i].ParseMethod()
			require.NoError(t, err)
			return m
		}
	}
	t.Fatal("no method frame sent")
	return nil
}

func testLogger() *logrus.Entry {
	logger := logrus.New()
	logger.SetOutput(io.Discard)
	return logrus.NewEntry(logger)
}

// newTestChannel creates a channel wired to a script transport, still in the
// closed state.
func newTestChannel(t *testing.T, onOpen func(*Channel)) (*Channel, *scriptTransport, *StandardMetricsCollector) {
	t.Helper()

	transport := newScriptTransport()
	metrics := NewStandardMetricsCollector()
	ch := newChannel(transport, 1, newCallbackRegistry(), testLogger(), metrics, onOpen)
	return ch, transport, metrics
}

// openTestChannel creates a channel and walks it through the open handshake
func openTestChannel(t *testing.T) (*Channel, *scriptTransport, *StandardMetricsCollector) {
	t.Helper()

	ch, transport, metrics := newTestChannel(t, nil)
	require.NoError(t, ch.open())
	require.Equal(t, ChannelOpening, ch.State())

	deliverMethod(t, ch, protocol.ChannelOpenOk, nil)
	require.Equal(t, ChannelOpen, ch.State())

	return ch, transport, metrics
}

// deliverMethod feeds a broker method frame into the channel
func deliverMethod(t *testing.T, ch *Channel, verb protocol.Verb, args []byte) {
	t.Helper()
	ch.handleFrame(frame.NewMethodFrame(ch.Number(), frame.NewMethod(verb, args)))
}

// deliverContent feeds a full content message (method, header, single body
// frame) into the channel.
func deliverContent(t *testing.T, ch *Channel, verb protocol.Verb, args []byte, props Properties, body []byte) {
	t.Helper()

	encoded, err := EncodeProperties(props)
	require.NoError(t, err)

	ch.handleFrame(frame.NewMethodFrame(ch.Number(), frame.NewMethod(verb, args)))
	ch.handleFrame(frame.NewHeaderFrame(ch.Number(), protocol.ClassBasic, uint64(len(body)), encoded))
	if len(body) > 0 {
		ch.handleFrame(frame.NewBodyFrame(ch.Number(), body))
	}
}

// brokerCloseArgs encodes Channel.Close arguments as a broker would send them
func brokerCloseArgs(t *testing.T, code uint16, text string) []byte {
	t.Helper()

	args := frame.NewMethodArgsBuilder()
	require.NoError(t, args.WriteUint16(code))
	require.NoError(t, args.WriteShortString(text))
	require.NoError(t, args.WriteUint16(0))
	require.NoError(t, args.WriteUint16(0))
	return args.Bytes()
}

// shortStringArgs encodes a single short-string argument, the layout of
// ConsumeOk, CancelOk and broker Cancel.
func shortStringArgs(t *testing.T, s string) []byte {
	t.Helper()

	args := frame.NewMethodArgsBuilder()
	require.NoError(t, args.WriteShortString(s))
	return args.Bytes()
}

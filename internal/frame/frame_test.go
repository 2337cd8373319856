package frame

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmux/amqp091/internal/protocol"
)

func TestMethodFrameRoundTrip(t *testing.T) {
	args := NewMethodArgsBuilder()
	require.NoError(t, args.WriteUint16(0))
	require.NoError(t, args.WriteShortString("work"))
	require.NoError(t, args.WriteFlags(false, true, false, true, false))
	require.NoError(t, args.WriteTable(protocol.Table{"x-max-length": int32(100)}))

	f := NewMethodFrame(7, NewMethod(protocol.QueueDeclare, args.Bytes()))

	var wire bytes.Buffer
	w := NewWriter(&wire, protocol.FrameMinSize)
	require.NoError(t, w.WriteFrame(f))

	r := NewReader(&wire, protocol.FrameMinSize)
	got, err := r.ReadFrame()
	require.NoError(t, err)

	assert.Equal(t, uint8(protocol.FrameMethod), got.Type)
	assert.Equal(t, uint16(7), got.Channel)

	m, err := got.ParseMethod()
	require.NoError(t, err)
	assert.Equal(t, protocol.QueueDeclare, m.Verb)

	fields := m.Fields()
	_, err = fields.ReadUint16()
	require.NoError(t, err)
	name, err := fields.ReadShortString()
	require.NoError(t, err)
	assert.Equal(t, "work", name)
	flags, err := fields.ReadUint8()
	require.NoError(t, err)
	assert.Equal(t, uint8(0b01010), flags)
	table, err := fields.ReadTable()
	require.NoError(t, err)
	assert.Equal(t, int32(100), table["x-max-length"])
}

func TestHeaderFrameRoundTrip(t *testing.T) {
	f := NewHeaderFrame(3, protocol.ClassBasic, 1234, []byte{0x80, 0x00, 0x04, 'j', 's', 'o', 'n'})

	h, err := f.ParseHeader()
	require.NoError(t, err)

	assert.Equal(t, uint16(protocol.ClassBasic), h.ClassID)
	assert.Equal(t, uint16(0), h.Weight)
	assert.Equal(t, uint64(1234), h.BodySize)
	assert.Equal(t, []byte{0x80, 0x00, 0x04, 'j', 's', 'o', 'n'}, h.Properties)
}

func TestReaderRejectsBadFrames(t *testing.T) {
	t.Run("invalid frame type", func(t *testing.T) {
		var wire bytes.Buffer
		wire.Write([]byte{99, 0, 1, 0, 0, 0, 0, protocol.FrameEnd})

		_, err := NewReader(&wire, protocol.FrameMinSize).ReadFrame()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "invalid frame type")
	})

	t.Run("missing end marker", func(t *testing.T) {
		var wire bytes.Buffer
		wire.Write([]byte{protocol.FrameMethod, 0, 1, 0, 0, 0, 1, 0xAB, 0x00})

		_, err := NewReader(&wire, protocol.FrameMinSize).ReadFrame()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "frame end")
	})

	t.Run("oversized payload", func(t *testing.T) {
		var wire bytes.Buffer
		wire.Write([]byte{protocol.FrameMethod, 0, 1, 0xFF, 0xFF, 0xFF, 0xFF})

		_, err := NewReader(&wire, protocol.FrameMinSize).ReadFrame()
		require.Error(t, err)
		assert.Contains(t, err.Error(), "too large")
	})
}

func TestWriterRejectsOversizedFrame(t *testing.T) {
	w := NewWriter(&bytes.Buffer{}, protocol.FrameMinSize)

	err := w.WriteFrame(NewBodyFrame(1, make([]byte, protocol.FrameMinSize+1)))
	require.Error(t, err)
}

func TestWriteFramesKeepsSequence(t *testing.T) {
	var wire bytes.Buffer
	w := NewWriter(&wire, protocol.FrameMinSize)

	require.NoError(t, w.WriteFrames(
		NewMethodFrame(1, NewMethod(protocol.BasicPublish, nil)),
		NewHeaderFrame(1, protocol.ClassBasic, 2, []byte{0, 0}),
		NewBodyFrame(1, []byte("ab")),
	))

	r := NewReader(&wire, protocol.FrameMinSize)
	types := []uint8{}
	for i := 0; i < 3; i++ {
		f, err := r.ReadFrame()
		require.NoError(t, err)
		types = append(types, f.Type)
	}
	assert.Equal(t, []uint8{protocol.FrameMethod, protocol.FrameHeader, protocol.FrameBody}, types)
}

func TestWriteFlagsPacksAcrossOctets(t *testing.T) {
	b := NewMethodArgsBuilder()
	flags := make([]bool, 10)
	flags[0] = true // bit 0 of first octet
	flags[8] = true // bit 0 of second octet
	require.NoError(t, b.WriteFlags(flags...))

	assert.Equal(t, []byte{0x01, 0x01}, b.Bytes())
}

func TestProtocolHeaderRoundTrip(t *testing.T) {
	var wire bytes.Buffer
	w := NewWriter(&wire, 0)
	require.NoError(t, w.WriteProtocolHeader())

	header, err := NewReader(&wire, 0).ReadProtocolHeader()
	require.NoError(t, err)
	assert.Equal(t, protocol.ProtocolHeader, header)
}

package amqp091

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

func deliverArgs(t *testing.T, consumerTag string, deliveryTag uint64) []byte {
	t.Helper()

	args := frame.NewMethodArgsBuilder()
	require.NoError(t, args.WriteShortString(consumerTag))
	require.NoError(t, args.WriteUint64(deliveryTag))
	require.NoError(t, args.WriteBool(false))
	require.NoError(t, args.WriteShortString("ex"))
	require.NoError(t, args.WriteShortString("rk"))
	return args.Bytes()
}

func TestAssemblerZeroSizeBodyCompletesAtHeader(t *testing.T) {
	var a contentAssembler

	content, err := a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 1))))
	require.NoError(t, err)
	require.Nil(t, content)

	content, err = a.feed(frame.NewHeaderFrame(1, protocol.ClassBasic, 0, []byte{0, 0}))
	require.NoError(t, err)
	require.NotNil(t, content)

	assert.Equal(t, protocol.BasicDeliver, content.Method.Verb)
	assert.Empty(t, content.Body)
}

func TestAssemblerConcatenatesFragments(t *testing.T) {
	var a contentAssembler

	_, err := a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 1))))
	require.NoError(t, err)

	content, err := a.feed(frame.NewHeaderFrame(1, protocol.ClassBasic, 10, []byte{0, 0}))
	require.NoError(t, err)
	require.Nil(t, content)

	content, err = a.feed(frame.NewBodyFrame(1, []byte("hello")))
	require.NoError(t, err)
	require.Nil(t, content, "message must not complete before all body bytes arrive")

	content, err = a.feed(frame.NewBodyFrame(1, []byte("world")))
	require.NoError(t, err)
	require.NotNil(t, content)

	assert.Equal(t, []byte("helloworld"), content.Body)
	assert.Equal(t, uint64(10), content.Header.BodySize)
}

func TestAssemblerBodyOverrun(t *testing.T) {
	var a contentAssembler

	_, err := a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 1))))
	require.NoError(t, err)
	_, err = a.feed(frame.NewHeaderFrame(1, protocol.ClassBasic, 4, []byte{0, 0}))
	require.NoError(t, err)

	// One byte past the declared size
	_, err = a.feed(frame.NewBodyFrame(1, []byte("12345")))
	require.Error(t, err)

	var overrun *BodyOverrunError
	require.ErrorAs(t, err, &overrun)
	assert.Equal(t, uint64(5), overrun.Received)
	assert.Equal(t, uint64(4), overrun.Declared)

	// The assembler must have reset: a fresh message goes through cleanly
	_, err = a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 2))))
	require.NoError(t, err)
	content, err := a.feed(frame.NewHeaderFrame(1, protocol.ClassBasic, 0, []byte{0, 0}))
	require.NoError(t, err)
	require.NotNil(t, content)
}

func TestAssemblerOverrunAcrossFrames(t *testing.T) {
	var a contentAssembler

	_, err := a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 1))))
	require.NoError(t, err)
	_, err = a.feed(frame.NewHeaderFrame(1, protocol.ClassBasic, 6, []byte{0, 0}))
	require.NoError(t, err)

	_, err = a.feed(frame.NewBodyFrame(1, []byte("1234")))
	require.NoError(t, err)

	_, err = a.feed(frame.NewBodyFrame(1, []byte("567")))
	var overrun *BodyOverrunError
	require.ErrorAs(t, err, &overrun)
	assert.Equal(t, uint64(7), overrun.Received)
}

func TestAssemblerRejectsOutOfOrderFrames(t *testing.T) {
	t.Run("header without method", func(t *testing.T) {
		var a contentAssembler
		_, err := a.feed(frame.NewHeaderFrame(1, protocol.ClassBasic, 0, []byte{0, 0}))

		var unexpected *UnexpectedFrameError
		require.ErrorAs(t, err, &unexpected)
	})

	t.Run("body without header", func(t *testing.T) {
		var a contentAssembler
		_, err := a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 1))))
		require.NoError(t, err)

		_, err = a.feed(frame.NewBodyFrame(1, []byte("stray")))

		var unexpected *UnexpectedFrameError
		require.ErrorAs(t, err, &unexpected)
	})

	t.Run("body with nothing pending", func(t *testing.T) {
		var a contentAssembler
		_, err := a.feed(frame.NewBodyFrame(1, []byte("stray")))

		var unexpected *UnexpectedFrameError
		require.ErrorAs(t, err, &unexpected)
	})

	t.Run("method without content", func(t *testing.T) {
		var a contentAssembler
		_, err := a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicQosOk, nil)))

		var unexpected *UnexpectedFrameError
		require.ErrorAs(t, err, &unexpected)
	})
}

func TestAssemblerMethodRestartsPendingMessage(t *testing.T) {
	var a contentAssembler

	_, err := a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 1))))
	require.NoError(t, err)

	// A new content method before the previous header abandons the old one
	_, err = a.feed(frame.NewMethodFrame(1, frame.NewMethod(protocol.BasicDeliver, deliverArgs(t, "tag", 2))))
	require.NoError(t, err)

	content, err := a.feed(frame.NewHeaderFrame(1, protocol.ClassBasic, 0, []byte{0, 0}))
	require.NoError(t, err)
	require.NotNil(t, content)

	args := content.Method.Fields()
	_, err = args.ReadShortString()
	require.NoError(t, err)
	deliveryTag, err := args.ReadUint64()
	require.NoError(t, err)
	assert.Equal(t, uint64(2), deliveryTag)
}

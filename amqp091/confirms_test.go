package amqp091

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

func confirmArgs(t *testing.T, deliveryTag uint64, multiple bool) []byte {
	t.Helper()

	args := frame.NewMethodArgsBuilder()
	require.NoError(t, args.WriteUint64(deliveryTag))
	require.NoError(t, args.WriteBool(multiple))
	return args.Bytes()
}

func TestConfirmSelectRequiresCapability(t *testing.T) {
	ch, transport, _ := openTestChannel(t)
	transport.caps = map[string]bool{}

	err := ch.ConfirmSelect(false, func(Confirmation) {}, nil)

	var capErr *CapabilityError
	require.ErrorAs(t, err, &capErr)
	assert.Equal(t, "publisher_confirms", capErr.Capability)
	assert.False(t, ch.ConfirmsEnabled())
}

func TestConfirmSelectEnablesConfirms(t *testing.T) {
	ch, _, metrics := openTestChannel(t)

	var confirms []Confirmation
	completed := false
	require.NoError(t, ch.ConfirmSelect(false,
		func(c Confirmation) { confirms = append(confirms, c) },
		func() { completed = true },
	))

	assert.False(t, ch.ConfirmsEnabled(), "confirm mode starts at SelectOk, not before")

	deliverMethod(t, ch, protocol.ConfirmSelectOk, nil)
	assert.True(t, completed)
	assert.True(t, ch.ConfirmsEnabled())
	assert.Equal(t, uint64(1), ch.NextPublishSeqNo())

	require.NoError(t, ch.BasicPublish("", "q", false, false, Publishing{Body: []byte("a")}))
	require.NoError(t, ch.BasicPublish("", "q", false, false, Publishing{Body: []byte("b")}))
	assert.Equal(t, uint64(3), ch.NextPublishSeqNo())

	deliverMethod(t, ch, protocol.BasicAck, confirmArgs(t, 1, false))
	deliverMethod(t, ch, protocol.BasicNack, confirmArgs(t, 2, true))

	require.Len(t, confirms, 2)
	assert.Equal(t, Confirmation{DeliveryTag: 1, Multiple: false, Ack: true}, confirms[0])
	assert.Equal(t, Confirmation{DeliveryTag: 2, Multiple: true, Ack: false}, confirms[1])
	assert.Equal(t, int64(1), metrics.ConfirmsAcked())
	assert.Equal(t, int64(1), metrics.ConfirmsNacked())
}

func TestConfirmSelectContractChecks(t *testing.T) {
	var contract *ContractError

	t.Run("nil listener", func(t *testing.T) {
		ch, _, _ := openTestChannel(t)
		require.ErrorAs(t, ch.ConfirmSelect(false, nil, nil), &contract)
	})

	t.Run("completion with noWait", func(t *testing.T) {
		ch, _, _ := openTestChannel(t)
		err := ch.ConfirmSelect(true, func(Confirmation) {}, func() {})
		require.ErrorAs(t, err, &contract)
	})

	t.Run("transaction mode excludes confirms", func(t *testing.T) {
		ch, _, _ := openTestChannel(t)
		require.NoError(t, ch.TxSelect(nil))
		deliverMethod(t, ch, protocol.TxSelectOk, nil)

		err := ch.ConfirmSelect(false, func(Confirmation) {}, nil)
		require.ErrorAs(t, err, &contract)
	})

	t.Run("double select", func(t *testing.T) {
		ch, _, _ := openTestChannel(t)
		require.NoError(t, ch.ConfirmSelect(true, func(Confirmation) {}, nil))
		err := ch.ConfirmSelect(true, func(Confirmation) {}, nil)
		require.ErrorAs(t, err, &contract)
	})
}

func TestConfirmSelectNoWait(t *testing.T) {
	ch, _, _ := openTestChannel(t)

	require.NoError(t, ch.ConfirmSelect(true, func(Confirmation) {}, nil))
	assert.True(t, ch.ConfirmsEnabled(), "no-wait select takes effect immediately")
	assert.Equal(t, uint64(1), ch.NextPublishSeqNo())
}

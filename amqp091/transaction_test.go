package amqp091

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/qmux/amqp091/internal/protocol"
)

func TestTransactionLifecycle(t *testing.T) {
	ch, transport, _ := openTestChannel(t)

	selected := false
	require.NoError(t, ch.TxSelect(func() { selected = true }))
	deliverMethod(t, ch, protocol.TxSelectOk, nil)
	require.True(t, selected)

	committed := false
	require.NoError(t, ch.TxCommit(func() { committed = true }))
	deliverMethod(t, ch, protocol.TxCommitOk, nil)
	assert.True(t, committed)

	rolledBack := false
	require.NoError(t, ch.TxRollback(func() { rolledBack = true }))
	deliverMethod(t, ch, protocol.TxRollbackOk, nil)
	assert.True(t, rolledBack)

	assert.Equal(t, []protocol.Verb{
		protocol.ChannelOpen,
		protocol.TxSelect,
		protocol.TxCommit,
		protocol.TxRollback,
	}, transport.sentVerbs(t))
}

func TestTransactionRequiresSelect(t *testing.T) {
	ch, transport, _ := openTestChannel(t)

	var contract *ContractError
	require.ErrorAs(t, ch.TxCommit(nil), &contract)
	require.ErrorAs(t, ch.TxRollback(nil), &contract)

	// Nothing hit the wire
	assert.Equal(t, []protocol.Verb{protocol.ChannelOpen}, transport.sentVerbs(t))
}

func TestTxSelectExcludedInConfirmMode(t *testing.T) {
	ch, _, _ := openTestChannel(t)

	require.NoError(t, ch.ConfirmSelect(true, func(Confirmation) {}, nil))

	var contract *ContractError
	require.ErrorAs(t, ch.TxSelect(nil), &contract)
}

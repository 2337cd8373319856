package amqp091

import (
	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// TxSelect puts the channel into transaction mode. Publishes and
// acknowledgements after this point are staged until TxCommit or TxRollback.
// Transaction mode and confirm mode are mutually exclusive on a channel.
func (ch *Channel) TxSelect(completion func()) error {
	if err := ch.requireOpen("Tx.Select"); err != nil {
		return err
	}
	if ch.confirmsEnabled {
		return &ContractError{Op: "Tx.Select", Reason: "channel is in confirm mode"}
	}

	wrapped := func(*frame.Method) {
		ch.txSelected = true
		if completion != nil {
			completion()
		}
	}

	return ch.invoke(
		frame.NewMethod(protocol.TxSelect, nil),
		wrapped,
		[]replyExpectation{{verb: protocol.TxSelectOk}},
	)
}

// TxCommit commits the staged publishes and acknowledgements
func (ch *Channel) TxCommit(completion func()) error {
	if err := ch.requireOpen("Tx.Commit"); err != nil {
		return err
	}
	if !ch.txSelected {
		return &ContractError{Op: "Tx.Commit", Reason: "channel is not in transaction mode"}
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(*frame.Method) { completion() }
	}

	return ch.invoke(
		frame.NewMethod(protocol.TxCommit, nil),
		wrapped,
		[]replyExpectation{{verb: protocol.TxCommitOk}},
	)
}

// TxRollback discards the staged publishes and acknowledgements
func (ch *Channel) TxRollback(completion func()) error {
	if err := ch.requireOpen("Tx.Rollback"); err != nil {
		return err
	}
	if !ch.txSelected {
		return &ContractError{Op: "Tx.Rollback", Reason: "channel is not in transaction mode"}
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(*frame.Method) { completion() }
	}

	return ch.invoke(
		frame.NewMethod(protocol.TxRollback, nil),
		wrapped,
		[]replyExpectation{{verb: protocol.TxRollbackOk}},
	)
}

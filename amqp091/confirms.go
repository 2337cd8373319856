package amqp091

import (
	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// publisherConfirms is the capability brokers advertise when they support
// the confirm class.
const publisherConfirms = "publisher_confirms"

// Confirmation is a publisher confirm for one or more published messages.
// With Multiple set, every unconfirmed message up to and including
// DeliveryTag is settled at once.
type Confirmation struct {
	DeliveryTag uint64
	Multiple    bool
	Ack         bool
}

// ConfirmSelect puts the channel into publisher-confirm mode. listener
// receives an acknowledgement or rejection for every message published after
// this point; publish sequence numbers start at 1. completion fires when the
// broker confirms the mode switch, and must be nil with noWait.
//
// Returns CapabilityError if the broker did not advertise publisher
// confirms, and ContractError if the channel is in transaction mode.
func (ch *Channel) ConfirmSelect(noWait bool, listener ConfirmListener, completion func()) error {
	if err := ch.requireOpen("Confirm.Select"); err != nil {
		return err
	}
	if listener == nil {
		return &ContractError{Op: "Confirm.Select", Reason: "nil confirm listener"}
	}
	if ch.txSelected {
		return &ContractError{Op: "Confirm.Select", Reason: "channel is in transaction mode"}
	}
	if ch.confirmsEnabled {
		return &ContractError{Op: "Confirm.Select", Reason: "channel is already in confirm mode"}
	}
	if !ch.conn.serverSupports(publisherConfirms) {
		return &CapabilityError{Capability: publisherConfirms}
	}
	if noWait && completion != nil {
		return &ContractError{Op: "Confirm.Select", Reason: "completion callback with noWait"}
	}

	// Confirms arrive as Basic.Ack/Basic.Nack for the channel's lifetime
	ch.callbacks.add(ch.number, protocol.BasicAck, ch.confirmHandler(listener, true), false, nil)
	ch.callbacks.add(ch.number, protocol.BasicNack, ch.confirmHandler(listener, false), false, nil)

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteBool(noWait); err != nil {
		return err
	}

	m := frame.NewMethod(protocol.ConfirmSelect, args.Bytes())

	if noWait {
		if err := ch.invoke(m, nil, nil); err != nil {
			return err
		}
		ch.enterConfirmMode()
		return nil
	}

	wrapped := func(*frame.Method) {
		ch.enterConfirmMode()
		if completion != nil {
			completion()
		}
	}

	return ch.invoke(m, wrapped, []replyExpectation{{verb: protocol.ConfirmSelectOk}})
}

func (ch *Channel) enterConfirmMode() {
	ch.confirmsEnabled = true
	ch.publishSeq = 0
	ch.logger.Debug("channel entered confirm mode")
}

// confirmHandler decodes Basic.Ack/Basic.Nack into Confirmations. The two
// methods share their leading fields; Nack carries a trailing requeue bit
// that is meaningless for confirms.
func (ch *Channel) confirmHandler(listener ConfirmListener, ack bool) methodHandler {
	return func(m *frame.Method) {
		args := m.Fields()
		deliveryTag, err := args.ReadUint64()
		if err != nil {
			ch.logger.WithError(err).Warn("malformed publisher confirm")
			return
		}
		// multiple shares its octet with Nack's requeue bit
		bits, _ := args.ReadUint8()
		multiple := bits&0x01 != 0

		ch.metrics.ConfirmReceived(ack)
		listener(Confirmation{
			DeliveryTag: deliveryTag,
			Multiple:    multiple,
			Ack:         ack,
		})
	}
}

// ConfirmsEnabled reports whether the channel is in publisher-confirm mode
func (ch *Channel) ConfirmsEnabled() bool {
	return ch.confirmsEnabled
}

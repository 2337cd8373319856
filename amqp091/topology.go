package amqp091

import (
	"github.com/qmux/amqp091/internal/frame"
	"github.com/qmux/amqp091/internal/protocol"
)

// Queue describes a queue as reported by Queue.DeclareOk
type Queue struct {
	Name      string
	Messages  int
	Consumers int
}

// ExchangeDeclareOptions configures an Exchange.Declare request
type ExchangeDeclareOptions struct {
	Durable    bool
	AutoDelete bool
	Internal   bool
	NoWait     bool
	Arguments  Table
}

// QueueDeclareOptions configures a Queue.Declare request
type QueueDeclareOptions struct {
	Durable    bool
	Exclusive  bool
	AutoDelete bool
	NoWait     bool
	Arguments  Table
}

// ExchangeDeclare declares an exchange. completion fires when the broker
// confirms the declaration, and must be nil with NoWait.
func (ch *Channel) ExchangeDeclare(name, kind string, opts ExchangeDeclareOptions, completion func()) error {
	return ch.exchangeDeclare(name, kind, false, opts, completion)
}

// ExchangeDeclarePassive checks that an exchange exists with the given
// configuration. The broker closes the channel with a 404 if it does not.
func (ch *Channel) ExchangeDeclarePassive(name, kind string, opts ExchangeDeclareOptions, completion func()) error {
	return ch.exchangeDeclare(name, kind, true, opts, completion)
}

func (ch *Channel) exchangeDeclare(name, kind string, passive bool, opts ExchangeDeclareOptions, completion func()) error {
	if err := ch.requireOpen("Exchange.Declare"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(name); err != nil {
		return err
	}
	if err := args.WriteShortString(kind); err != nil {
		return err
	}
	if err := args.WriteFlags(passive, opts.Durable, opts.AutoDelete, opts.Internal, opts.NoWait); err != nil {
		return err
	}
	if err := args.WriteTable(opts.Arguments); err != nil {
		return err
	}

	return ch.invokeTopology(
		"Exchange.Declare",
		frame.NewMethod(protocol.ExchangeDeclare, args.Bytes()),
		protocol.ExchangeDeclareOk,
		opts.NoWait,
		completion,
	)
}

// ExchangeDelete deletes an exchange. With ifUnused set the broker refuses
// if the exchange still has bindings.
func (ch *Channel) ExchangeDelete(name string, ifUnused, noWait bool, completion func()) error {
	if err := ch.requireOpen("Exchange.Delete"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(name); err != nil {
		return err
	}
	if err := args.WriteFlags(ifUnused, noWait); err != nil {
		return err
	}

	return ch.invokeTopology(
		"Exchange.Delete",
		frame.NewMethod(protocol.ExchangeDelete, args.Bytes()),
		protocol.ExchangeDeleteOk,
		noWait,
		completion,
	)
}

// ExchangeBind binds the destination exchange to receive messages routed to
// the source exchange with the routing key.
func (ch *Channel) ExchangeBind(destination, source, routingKey string, noWait bool, arguments Table, completion func()) error {
	if err := ch.requireOpen("Exchange.Bind"); err != nil {
		return err
	}

	args, err := exchangeBindArgs(destination, source, routingKey, noWait, arguments)
	if err != nil {
		return err
	}

	return ch.invokeTopology(
		"Exchange.Bind",
		frame.NewMethod(protocol.ExchangeBind, args),
		protocol.ExchangeBindOk,
		noWait,
		completion,
	)
}

// ExchangeUnbind removes an exchange-to-exchange binding
func (ch *Channel) ExchangeUnbind(destination, source, routingKey string, noWait bool, arguments Table, completion func()) error {
	if err := ch.requireOpen("Exchange.Unbind"); err != nil {
		return err
	}

	args, err := exchangeBindArgs(destination, source, routingKey, noWait, arguments)
	if err != nil {
		return err
	}

	return ch.invokeTopology(
		"Exchange.Unbind",
		frame.NewMethod(protocol.ExchangeUnbind, args),
		protocol.ExchangeUnbindOk,
		noWait,
		completion,
	)
}

// exchangeBindArgs encodes the shared argument layout of Exchange.Bind and
// Exchange.Unbind.
func exchangeBindArgs(destination, source, routingKey string, noWait bool, arguments Table) ([]byte, error) {
	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return nil, err
	}
	if err := args.WriteShortString(destination); err != nil {
		return nil, err
	}
	if err := args.WriteShortString(source); err != nil {
		return nil, err
	}
	if err := args.WriteShortString(routingKey); err != nil {
		return nil, err
	}
	if err := args.WriteBool(noWait); err != nil {
		return nil, err
	}
	if err := args.WriteTable(arguments); err != nil {
		return nil, err
	}
	return args.Bytes(), nil
}

// QueueDeclare declares a queue. An empty name asks the broker to generate
// one; completion receives the declared queue including the name in effect.
func (ch *Channel) QueueDeclare(name string, opts QueueDeclareOptions, completion func(Queue)) error {
	return ch.queueDeclare(name, false, opts, completion)
}

// QueueDeclarePassive checks that a queue exists with the given
// configuration. The broker closes the channel with a 404 if it does not.
func (ch *Channel) QueueDeclarePassive(name string, opts QueueDeclareOptions, completion func(Queue)) error {
	return ch.queueDeclare(name, true, opts, completion)
}

func (ch *Channel) queueDeclare(name string, passive bool, opts QueueDeclareOptions, completion func(Queue)) error {
	if err := ch.requireOpen("Queue.Declare"); err != nil {
		return err
	}
	if opts.NoWait && completion != nil {
		return &ContractError{Op: "Queue.Declare", Reason: "completion callback with NoWait"}
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(name); err != nil {
		return err
	}
	if err := args.WriteFlags(passive, opts.Durable, opts.Exclusive, opts.AutoDelete, opts.NoWait); err != nil {
		return err
	}
	if err := args.WriteTable(opts.Arguments); err != nil {
		return err
	}

	m := frame.NewMethod(protocol.QueueDeclare, args.Bytes())

	if opts.NoWait {
		return ch.invoke(m, nil, nil)
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(reply *frame.Method) {
			queue, err := parseQueueDeclareOk(reply)
			if err != nil {
				ch.logger.WithError(err).Warn("malformed Queue.DeclareOk")
				return
			}
			completion(queue)
		}
	}

	return ch.invoke(m, wrapped, []replyExpectation{{verb: protocol.QueueDeclareOk}})
}

func parseQueueDeclareOk(m *frame.Method) (Queue, error) {
	args := m.Fields()
	name, err := args.ReadShortString()
	if err != nil {
		return Queue{}, err
	}
	messages, err := args.ReadUint32()
	if err != nil {
		return Queue{}, err
	}
	consumers, err := args.ReadUint32()
	if err != nil {
		return Queue{}, err
	}
	return Queue{Name: name, Messages: int(messages), Consumers: int(consumers)}, nil
}

// QueueBind binds a queue to an exchange with the routing key
func (ch *Channel) QueueBind(queue, exchange, routingKey string, noWait bool, arguments Table, completion func()) error {
	if err := ch.requireOpen("Queue.Bind"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(queue); err != nil {
		return err
	}
	if err := args.WriteShortString(exchange); err != nil {
		return err
	}
	if err := args.WriteShortString(routingKey); err != nil {
		return err
	}
	if err := args.WriteBool(noWait); err != nil {
		return err
	}
	if err := args.WriteTable(arguments); err != nil {
		return err
	}

	return ch.invokeTopology(
		"Queue.Bind",
		frame.NewMethod(protocol.QueueBind, args.Bytes()),
		protocol.QueueBindOk,
		noWait,
		completion,
	)
}

// QueueUnbind removes a queue-to-exchange binding. Queue.Unbind has no
// no-wait variant in the protocol.
func (ch *Channel) QueueUnbind(queue, exchange, routingKey string, arguments Table, completion func()) error {
	if err := ch.requireOpen("Queue.Unbind"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(queue); err != nil {
		return err
	}
	if err := args.WriteShortString(exchange); err != nil {
		return err
	}
	if err := args.WriteShortString(routingKey); err != nil {
		return err
	}
	if err := args.WriteTable(arguments); err != nil {
		return err
	}

	return ch.invokeTopology(
		"Queue.Unbind",
		frame.NewMethod(protocol.QueueUnbind, args.Bytes()),
		protocol.QueueUnbindOk,
		false,
		completion,
	)
}

// QueuePurge removes all ready messages from a queue. completion receives
// the number of messages purged.
func (ch *Channel) QueuePurge(queue string, noWait bool, completion func(messageCount int)) error {
	if err := ch.requireOpen("Queue.Purge"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(queue); err != nil {
		return err
	}
	if err := args.WriteBool(noWait); err != nil {
		return err
	}

	return ch.invokeCounted(
		"Queue.Purge",
		frame.NewMethod(protocol.QueuePurge, args.Bytes()),
		protocol.QueuePurgeOk,
		noWait,
		completion,
	)
}

// QueueDelete deletes a queue. completion receives the number of messages
// deleted with it.
func (ch *Channel) QueueDelete(queue string, ifUnused, ifEmpty, noWait bool, completion func(messageCount int)) error {
	if err := ch.requireOpen("Queue.Delete"); err != nil {
		return err
	}

	args := frame.NewMethodArgsBuilder()
	if err := args.WriteUint16(0); err != nil { // reserved (ticket)
		return err
	}
	if err := args.WriteShortString(queue); err != nil {
		return err
	}
	if err := args.WriteFlags(ifUnused, ifEmpty, noWait); err != nil {
		return err
	}

	return ch.invokeCounted(
		"Queue.Delete",
		frame.NewMethod(protocol.QueueDelete, args.Bytes()),
		protocol.QueueDeleteOk,
		noWait,
		completion,
	)
}

// invokeTopology sends a topology method whose reply carries no fields
func (ch *Channel) invokeTopology(op string, m *frame.Method, reply protocol.Verb, noWait bool, completion func()) error {
	if noWait {
		if completion != nil {
			return &ContractError{Op: op, Reason: "completion callback with no-wait"}
		}
		return ch.invoke(m, nil, nil)
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(*frame.Method) { completion() }
	}

	return ch.invoke(m, wrapped, []replyExpectation{{verb: reply}})
}

// invokeCounted sends a queue method whose reply carries a message count
func (ch *Channel) invokeCounted(op string, m *frame.Method, reply protocol.Verb, noWait bool, completion func(messageCount int)) error {
	if noWait {
		if completion != nil {
			return &ContractError{Op: op, Reason: "completion callback with no-wait"}
		}
		return ch.invoke(m, nil, nil)
	}

	var wrapped methodHandler
	if completion != nil {
		wrapped = func(replyMethod *frame.Method) {
			count, err := replyMethod.Fields().ReadUint32()
			if err != nil {
				ch.logger.WithError(err).WithField("method", replyMethod.String()).
					Warn("malformed message count in reply")
				return
			}
			completion(int(count))
		}
	}

	return ch.invoke(m, wrapped, []replyExpectation{{verb: reply}})
}

// Package amqp091 is an event-driven AMQP 0-9-1 client.
//
// A Connection multiplexes many channels over one TCP connection. A single
// dispatch goroutine per connection reads frames, assembles content, and
// runs all channel callbacks; channels themselves carry no locks.
//
// Synchronous protocol methods (declares, binds, consumes, cancels) do not
// block the caller. Each takes a completion callback that fires when the
// broker's reply arrives. Only one synchronous method may be awaiting its
// reply on a channel at a time; further ones are queued in call order and
// sent as replies arrive, so completions observe replies first-in
// first-out.
//
// Callbacks and listeners run on the dispatch goroutine and may call channel
// methods directly. Code running on other goroutines must serialize through
// Connection.Dispatch before touching a channel.
//
//	factory, err := amqp091.NewConnectionFactory(
//		amqp091.WithHost("broker.internal"),
//		amqp091.WithCredentials("app", "secret"),
//	)
//	if err != nil {
//		log.Fatal(err)
//	}
//	conn, err := factory.NewConnection()
//	if err != nil {
//		log.Fatal(err)
//	}
//	defer conn.Close()
//
//	_, err = conn.Channel(func(ch *amqp091.Channel) {
//		ch.QueueDeclare("work", amqp091.QueueDeclareOptions{Durable: true}, func(q amqp091.Queue) {
//			ch.BasicConsume(q.Name, "", amqp091.ConsumeOptions{}, handleDelivery, nil)
//		})
//	})
package amqp091

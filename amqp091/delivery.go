package amqp091

// Delivery is a message pushed to a consumer via Basic.Deliver
type Delivery struct {
	ConsumerTag string
	DeliveryTag uint64
	Redelivered bool
	Exchange    string
	RoutingKey  string
	Properties  Properties
	Body        []byte

	channel *Channel
}

// Ack acknowledges the delivery. With multiple set, all unacknowledged
// deliveries up to and including this one are acknowledged.
func (d *Delivery) Ack(multiple bool) error {
	return d.channel.BasicAck(d.DeliveryTag, multiple)
}

// Nack negatively acknowledges the delivery, optionally requeueing it
func (d *Delivery) Nack(multiple, requeue bool) error {
	return d.channel.BasicNack(d.DeliveryTag, multiple, requeue)
}

// Reject rejects the delivery, optionally requeueing it
func (d *Delivery) Reject(requeue bool) error {
	return d.channel.BasicReject(d.DeliveryTag, requeue)
}

// GetMessage is a message fetched with Basic.Get. MessageCount reports how
// many messages remained on the queue after this one was removed.
type GetMessage struct {
	DeliveryTag  uint64
	Redelivered  bool
	Exchange     string
	RoutingKey   string
	MessageCount uint32
	Properties   Properties
	Body         []byte

	channel *Channel
}

// Ack acknowledges the message
func (g *GetMessage) Ack(multiple bool) error {
	return g.channel.BasicAck(g.DeliveryTag, multiple)
}

// Nack negatively acknowledges the message, optionally requeueing it
func (g *GetMessage) Nack(multiple, requeue bool) error {
	return g.channel.BasicNack(g.DeliveryTag, multiple, requeue)
}

// Reject rejects the message, optionally requeueing it
func (g *GetMessage) Reject(requeue bool) error {
	return g.channel.BasicReject(g.DeliveryTag, requeue)
}

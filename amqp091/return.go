package amqp091

// Return is a published message bounced back by the broker because it could
// not be routed (mandatory) or consumed immediately (immediate).
type Return struct {
	ReplyCode  uint16
	ReplyText  string
	Exchange   string
	RoutingKey string
	Properties Properties
	Body       []byte
}

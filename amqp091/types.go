package amqp091

import "github.com/qmux/amqp091/internal/protocol"

// Table is an AMQP field table, used for headers, consume arguments and
// declare arguments. Values must be one of the AMQP field types: bool,
// signed and unsigned integers, floats, string, []byte, time.Time, nested
// Table, []interface{} or nil.
type Table = protocol.Table

// Built-in exchange types
const (
	ExchangeTypeDirect  = protocol.ExchangeTypeDirect
	ExchangeTypeFanout  = protocol.ExchangeTypeFanout
	ExchangeTypeTopic   = protocol.ExchangeTypeTopic
	ExchangeTypeHeaders = protocol.ExchangeTypeHeaders
)

// DefaultExchange is the nameless direct exchange every queue is bound to
const DefaultExchange = protocol.DefaultExchange

// Delivery modes for the Properties.DeliveryMode field
const (
	DeliveryModeNonPersistent = protocol.DeliveryModeNonPersistent
	DeliveryModePersistent    = protocol.DeliveryModePersistent
)

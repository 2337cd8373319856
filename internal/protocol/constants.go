package protocol

// AMQP protocol version
const (
	ProtocolVersionMajor    = 0
	ProtocolVersionMinor    = 9
	ProtocolVersionRevision = 1

	ProtocolHeader = "AMQP\x00\x00\x09\x01"
)

// Frame types
const (
	FrameMethod    = 1
	FrameHeader    = 2
	FrameBody      = 3
	FrameHeartbeat = 8
	FrameEnd       = 0xCE // Frame terminator byte
)

// AMQP class IDs
const (
	ClassConnection = 10
	ClassChannel    = 20
	ClassExchange   = 40
	ClassQueue      = 50
	ClassBasic      = 60
	ClassConfirm    = 85
	ClassTx         = 90
)

// AMQP reply codes
const (
	ReplySuccess            = 200
	ReplyContentTooLarge    = 311
	ReplyNoRoute            = 312
	ReplyNoConsumers        = 313
	ReplyConnectionForced   = 320
	ReplyInvalidPath        = 402
	ReplyAccessRefused      = 403
	ReplyNotFound           = 404
	ReplyResourceLocked     = 405
	ReplyPreconditionFailed = 406
	ReplyFrameError         = 501
	ReplySyntaxError        = 502
	ReplyCommandInvalid     = 503
	ReplyChannelError       = 504
	ReplyUnexpectedFrame    = 505
	ReplyResourceError      = 506
	ReplyNotAllowed         = 530
	ReplyNotImplemented     = 540
	ReplyInternalError      = 541
)

// Built-in exchange types
const (
	ExchangeTypeDirect  = "direct"
	ExchangeTypeFanout  = "fanout"
	ExchangeTypeTopic   = "topic"
	ExchangeTypeHeaders = "headers"
)

// Default exchange name
const DefaultExchange = ""

// Delivery modes
const (
	DeliveryModeNonPersistent = 1
	DeliveryModePersistent    = 2
)

// Channel number bounds. Channel 0 is reserved for connection-level methods.
const (
	ChannelNumberMin = 1
	ChannelNumberMax = 65535
)

// Frame size constants
const (
	FrameMinSize    = 4096
	FrameHeaderSize = 7 // Frame type (1) + Channel number (2) + Size (4)
	FrameEndSize    = 1 // Frame end marker
)

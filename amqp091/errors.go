package amqp091

import (
	"fmt"

	"github.com/qmux/amqp091/internal/protocol"
)

// CloseOrigin records which side ended a channel or connection.
type CloseOrigin int

const (
	// OriginLocal means this client initiated the close.
	OriginLocal CloseOrigin = iota
	// OriginRemote means the broker sent Channel.Close or Connection.Close.
	OriginRemote
	// OriginConnectionLost means the transport failed underneath us.
	OriginConnectionLost
)

func (o CloseOrigin) String() string {
	switch o {
	case OriginLocal:
		return "local"
	case OriginRemote:
		return "remote"
	case OriginConnectionLost:
		return "connection-lost"
	default:
		return fmt.Sprintf("origin(%d)", int(o))
	}
}

// Error is an AMQP-level close reason carrying the reply code and text from
// the Close method (or a synthesized pair when the transport fails). It is
// handed to close listeners and recorded as the channel's closing reason.
type Error struct {
	Code    int         // AMQP reply code, e.g. 404
	Reason  string      // reply text
	Origin  CloseOrigin // which side produced the close
	Recover bool        // true when a fresh channel on the same connection can retry
}

func (e *Error) Error() string {
	return fmt.Sprintf("amqp: %s close, code=%d, reason=%q", e.Origin, e.Code, e.Reason)
}

// NewError creates an error from a reply code and text received from the
// broker. Soft errors (4xx) leave the connection usable, so a new channel
// can recover from them.
func NewError(code int, reason string) *Error {
	return &Error{
		Code:    code,
		Reason:  reason,
		Origin:  OriginRemote,
		Recover: isSoftError(code),
	}
}

// isSoftError reports whether the reply code closes only the channel,
// leaving the connection usable
func isSoftError(code int) bool {
	switch code {
	case protocol.ReplyContentTooLarge,
		protocol.ReplyNoRoute,
		protocol.ReplyNoConsumers,
		protocol.ReplyAccessRefused,
		protocol.ReplyNotFound,
		protocol.ReplyResourceLocked,
		protocol.ReplyPreconditionFailed:
		return true
	default:
		return false
	}
}

// Predefined close reasons for transport-level failures.
var (
	// ErrConnectionLost is the closing reason fanned out to every open
	// channel when the underlying socket fails.
	ErrConnectionLost = &Error{
		Code:   protocol.ReplyConnectionForced,
		Reason: "connection lost",
		Origin: OriginConnectionLost,
	}

	// ErrConnectionForced is used when the local side tears the
	// connection down without a close handshake.
	ErrConnectionForced = &Error{
		Code:   protocol.ReplyConnectionForced,
		Reason: "connection forced closed",
		Origin: OriginLocal,
	}
)

// WrongStateError reports an operation attempted while the channel was not
// in a state that allows it.
type WrongStateError struct {
	Op    string       // protocol operation, e.g. "Basic.Consume"
	State ChannelState // channel state at the time of the call
}

func (e *WrongStateError) Error() string {
	var detail string
	switch e.State {
	case ChannelOpening:
		detail = "channel is still opening"
	case ChannelClosing:
		detail = "channel is closing"
	default:
		detail = "channel is closed"
	}
	return fmt.Sprintf("amqp: %s: %s", e.Op, detail)
}

// ContractError reports a caller mistake that no broker round trip can fix:
// a nil handler, a duplicate consumer tag, a completion callback on a
// no-wait call, and the like.
type ContractError struct {
	Op     string
	Reason string
}

func (e *ContractError) Error() string {
	return fmt.Sprintf("amqp: %s: %s", e.Op, e.Reason)
}

// UnexpectedFrameError reports a frame that arrived outside any legal
// position in the content stream, such as a body frame with no preceding
// header.
type UnexpectedFrameError struct {
	FrameType uint8
	Channel   uint16
	Detail    string
}

func (e *UnexpectedFrameError) Error() string {
	return fmt.Sprintf("amqp: unexpected frame type %d on channel %d: %s", e.FrameType, e.Channel, e.Detail)
}

// BodyOverrunError reports body frames whose accumulated size exceeded the
// size declared by the content header.
type BodyOverrunError struct {
	Received uint64
	Declared uint64
}

func (e *BodyOverrunError) Error() string {
	return fmt.Sprintf("amqp: received %d bytes of content body, header declared %d", e.Received, e.Declared)
}

// CapabilityError reports use of a protocol extension the connected broker
// did not advertise in its server capabilities.
type CapabilityError struct {
	Capability string
}

func (e *CapabilityError) Error() string {
	return fmt.Sprintf("amqp: broker does not support capability %q", e.Capability)
}

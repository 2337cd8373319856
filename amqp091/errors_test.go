package amqp091

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/qmux/amqp091/internal/protocol"
)

func TestNewErrorClassifiesSoftErrors(t *testing.T) {
	soft := NewError(protocol.ReplyNotFound, "NOT_FOUND")
	assert.True(t, soft.Recover)
	assert.Equal(t, OriginRemote, soft.Origin)

	hard := NewError(protocol.ReplyCommandInvalid, "COMMAND_INVALID")
	assert.False(t, hard.Recover)
}

func TestWrongStateErrorMessages(t *testing.T) {
	assert.Contains(t,
		(&WrongStateError{Op: "Basic.Publish", State: ChannelOpening}).Error(),
		"still opening")
	assert.Contains(t,
		(&WrongStateError{Op: "Basic.Publish", State: ChannelClosing}).Error(),
		"closing")
	assert.Contains(t,
		(&WrongStateError{Op: "Basic.Publish", State: ChannelClosed}).Error(),
		"closed")
}

func TestErrorStringsNameTheirOrigin(t *testing.T) {
	local := &Error{Code: 200, Reason: "bye", Origin: OriginLocal}
	assert.Contains(t, local.Error(), "local")

	lost := ErrConnectionLost
	assert.Contains(t, lost.Error(), "connection-lost")
}

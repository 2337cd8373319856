package protocol

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestMakeVerbSplitsCleanly(t *testing.T) {
	v := MakeVerb(60, 20)

	assert.Equal(t, BasicConsume, v)
	assert.Equal(t, uint16(60), v.ClassID())
	assert.Equal(t, uint16(20), v.MethodID())
}

func TestVerbClassification(t *testing.T) {
	// Synchronous methods expect a reply before the next synchronous send
	assert.True(t, ChannelOpen.Synchronous())
	assert.True(t, QueueDeclare.Synchronous())
	assert.True(t, BasicConsume.Synchronous())
	assert.True(t, ChannelClose.Synchronous())

	// Their replies and fire-and-forget methods are not
	assert.False(t, ChannelOpenOk.Synchronous())
	assert.False(t, BasicPublish.Synchronous())
	assert.False(t, BasicAck.Synchronous())

	// Content-bearing methods announce a header and body
	assert.True(t, BasicPublish.CarriesContent())
	assert.True(t, BasicDeliver.CarriesContent())
	assert.True(t, BasicReturn.CarriesContent())
	assert.True(t, BasicGetOk.CarriesContent())

	// GetEmpty answers a get but carries nothing
	assert.False(t, BasicGetEmpty.CarriesContent())
	assert.False(t, BasicConsumeOk.CarriesContent())
}

func TestVerbString(t *testing.T) {
	assert.Equal(t, "Basic.Consume", BasicConsume.String())
	assert.Equal(t, "Channel.CloseOk", ChannelCloseOk.String())
	assert.Equal(t, "Unknown(99.1)", MakeVerb(99, 1).String())
}

func TestVerbKnown(t *testing.T) {
	assert.True(t, ExchangeUnbindOk.Known())
	assert.False(t, MakeVerb(40, 41).Known(), "Exchange.UnbindOk is 40.51, not 40.41")
}

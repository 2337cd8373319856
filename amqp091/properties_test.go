package amqp091

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPropertiesRoundTrip(t *testing.T) {
	sent := Properties{
		ContentType:   "application/json",
		DeliveryMode:  DeliveryModePersistent,
		Priority:      5,
		CorrelationId: "corr-1",
		ReplyTo:       "replies",
		MessageId:     "msg-1",
		Timestamp:     time.Unix(1700000000, 0),
		Headers: Table{
			"retry-count": int32(3),
			"origin":      "ingest",
		},
	}

	encoded, err := EncodeProperties(sent)
	require.NoError(t, err)

	got, err := DecodeProperties(encoded)
	require.NoError(t, err)

	assert.Equal(t, sent.ContentType, got.ContentType)
	assert.Equal(t, sent.DeliveryMode, got.DeliveryMode)
	assert.Equal(t, sent.Priority, got.Priority)
	assert.Equal(t, sent.CorrelationId, got.CorrelationId)
	assert.Equal(t, sent.ReplyTo, got.ReplyTo)
	assert.Equal(t, sent.MessageId, got.MessageId)
	assert.True(t, sent.Timestamp.Equal(got.Timestamp))
	assert.Equal(t, int32(3), got.Headers["retry-count"])

	// Headers are long strings on the wire
	assert.Equal(t, []byte("ingest"), got.Headers["origin"])
}

func TestPropertiesEmptyEncodesFlagsOnly(t *testing.T) {
	encoded, err := EncodeProperties(Properties{})
	require.NoError(t, err)
	assert.Equal(t, []byte{0, 0}, encoded)

	got, err := DecodeProperties(encoded)
	require.NoError(t, err)
	assert.Equal(t, Properties{}, got)
}

func TestPropertiesUnsetFieldsStayUnset(t *testing.T) {
	encoded, err := EncodeProperties(Properties{AppId: "svc", Type: "event"})
	require.NoError(t, err)

	got, err := DecodeProperties(encoded)
	require.NoError(t, err)

	assert.Equal(t, "svc", got.AppId)
	assert.Equal(t, "event", got.Type)
	assert.Empty(t, got.ContentType)
	assert.Zero(t, got.DeliveryMode)
	assert.True(t, got.Timestamp.IsZero())
}

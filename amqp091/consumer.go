package amqp091

import (
	"fmt"

	"github.com/hashicorp/go-uuid"
)

// DeliveryHandler receives messages pushed to a consumer. It runs on the
// connection's dispatch goroutine; long work should be handed off.
type DeliveryHandler func(ch *Channel, d Delivery)

// GetHandler receives the outcome of a BasicGet. msg is nil when the queue
// was empty.
type GetHandler func(ch *Channel, msg *GetMessage)

// CloseListener is notified when a channel reaches the closed state, with
// the reason recorded at close time.
type CloseListener func(ch *Channel, reason *Error)

// ReturnListener receives messages the broker could not route
type ReturnListener func(ch *Channel, ret Return)

// CancelListener is notified when the broker cancels a consumer, e.g.
// because its queue was deleted.
type CancelListener func(ch *Channel, consumerTag string)

// FlowListener is notified when the broker pauses or resumes outbound flow
// on the channel.
type FlowListener func(ch *Channel, active bool)

// ConfirmListener receives publisher confirms on a channel in confirm mode
type ConfirmListener func(c Confirmation)

// ConsumeOptions configures a Basic.Consume request
type ConsumeOptions struct {
	AutoAck   bool
	Exclusive bool
	NoLocal   bool
	NoWait    bool
	Arguments Table
}

// generateConsumerTag creates a unique consumer tag for callers that do not
// supply one
func generateConsumerTag() (string, error) {
	id, err := uuid.GenerateUUID()
	if err != nil {
		return "", fmt.Errorf("generate consumer tag: %w", err)
	}
	return "ctag-" + id, nil
}

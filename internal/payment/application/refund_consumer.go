package application

import (
	"context"
	"encoding/json"
	"log/slog"

	"github.com/google/uuid"

	bookingDomain "github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/eventbus"
)

// RefundConsumer executes refund requests emitted when a captured
// reservation is cancelled. Dispatch is at-least-once; IntentService.Refund
// is a compare-and-swap no-op on a repeat delivery.
type RefundConsumer struct {
	intents *IntentService
	logger  *slog.Logger
}

// NewRefundConsumer creates a new refund consumer.
func NewRefundConsumer(intents *IntentService, logger *slog.Logger) *RefundConsumer {
	return &RefundConsumer{intents: intents, logger: logger}
}

// EventTypes returns the routing keys this consumer handles.
func (c *RefundConsumer) EventTypes() []string {
	return []string{bookingDomain.EventTypeRefundRequested}
}

// Handle processes a refund request event.
func (c *RefundConsumer) Handle(ctx context.Context, event *eventbus.ConsumedEvent) error {
	var payload struct {
		PaymentIntentID uuid.UUID `json:"payment_intent_id"`
		Reason          string    `json:"reason"`
	}
	if err := json.Unmarshal(event.Payload, &payload); err != nil {
		// Malformed payload: log and drop, a redelivery cannot fix it.
		c.logger.Error("unparseable refund request",
			"event_id", event.EventID,
			"error", err,
		)
		return nil
	}

	if err := c.intents.Refund(ctx, payload.PaymentIntentID); err != nil {
		return err
	}

	c.logger.Info("refund request handled",
		"payment_intent_id", payload.PaymentIntentID,
		"reason", payload.Reason,
	)
	return nil
}

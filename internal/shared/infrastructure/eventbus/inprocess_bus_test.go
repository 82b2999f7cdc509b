package eventbus

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubConsumer struct {
	types    []string
	handled  []*ConsumedEvent
	failWith error
}

func (c *stubConsumer) EventTypes() []string { return c.types }

func (c *stubConsumer) Handle(ctx context.Context, event *ConsumedEvent) error {
	c.handled = append(c.handled, event)
	return c.failWith
}

func TestConsumerRegistryDispatch(t *testing.T) {
	registry := NewConsumerRegistry(nil)
	refunds := &stubConsumer{types: []string{"reservation.refund_requested"}}
	all := &stubConsumer{types: []string{"reservation.refund_requested", "reservation.cancelled"}}
	registry.Register(refunds)
	registry.Register(all)

	assert.Equal(t, 3, registry.ConsumerCount())
	assert.Len(t, registry.GetConsumers("reservation.refund_requested"), 2)

	event := &ConsumedEvent{
		EventID:    uuid.New(),
		RoutingKey: "reservation.refund_requested",
		OccurredAt: time.Now().UTC(),
	}
	require.NoError(t, registry.Dispatch(context.Background(), event))
	assert.Len(t, refunds.handled, 1)
	assert.Len(t, all.handled, 1)

	// No consumer for the routing key: dropped without error.
	require.NoError(t, registry.Dispatch(context.Background(), &ConsumedEvent{RoutingKey: "reservation.hold_placed"}))
}

func TestConsumerRegistryDispatchContinuesPastFailure(t *testing.T) {
	registry := NewConsumerRegistry(nil)
	failing := &stubConsumer{types: []string{"reservation.cancelled"}, failWith: errors.New("boom")}
	healthy := &stubConsumer{types: []string{"reservation.cancelled"}}
	registry.Register(failing)
	registry.Register(healthy)

	err := registry.Dispatch(context.Background(), &ConsumedEvent{RoutingKey: "reservation.cancelled"})
	assert.Error(t, err)
	// The healthy consumer still saw the event.
	assert.Len(t, healthy.handled, 1)
}

func TestInProcessBusDeliversEnvelope(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	consumer := &stubConsumer{types: []string{"reservation.refund_requested"}}
	bus.RegisterConsumer(consumer)

	intentID := uuid.New()
	body, err := json.Marshal(map[string]any{"payment_intent_id": intentID, "reason": "REQUESTER_CANCELLED"})
	require.NoError(t, err)
	payload, err := json.Marshal(ConsumedEvent{
		EventID:       uuid.New(),
		AggregateID:   uuid.New(),
		AggregateType: "reservation",
		RoutingKey:    "reservation.refund_requested",
		DedupKey:      "refund:" + intentID.String(),
		OccurredAt:    time.Now().UTC(),
		Payload:       body,
	})
	require.NoError(t, err)

	require.NoError(t, bus.Publish(context.Background(), "reservation.refund_requested", payload))

	require.Len(t, consumer.handled, 1)
	var decoded struct {
		PaymentIntentID uuid.UUID `json:"payment_intent_id"`
	}
	require.NoError(t, json.Unmarshal(consumer.handled[0].Payload, &decoded))
	assert.Equal(t, intentID, decoded.PaymentIntentID)
}

func TestInProcessBusDropsUnparseablePayload(t *testing.T) {
	bus := NewInProcessEventBus(nil)
	consumer := &stubConsumer{types: []string{"reservation.cancelled"}}
	bus.RegisterConsumer(consumer)

	// Garbage never reaches consumers and never errors the publisher.
	require.NoError(t, bus.Publish(context.Background(), "reservation.cancelled", []byte("not json")))
	assert.Empty(t, consumer.handled)
}

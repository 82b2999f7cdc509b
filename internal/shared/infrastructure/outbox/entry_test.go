package outbox

import (
	"encoding/json"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bookingDomain "github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/eventbus"
)

func TestNewEntryBuildsBrokerEnvelope(t *testing.T) {
	reservationID := uuid.New()
	intentID := uuid.New()
	event := bookingDomain.NewRefundRequested(reservationID, intentID, "REQUESTER_CANCELLED")

	entry, err := NewEntry(event)
	require.NoError(t, err)

	assert.Equal(t, StateQueued, entry.State)
	assert.Equal(t, reservationID, entry.AggregateID)
	assert.Equal(t, bookingDomain.EventTypeRefundRequested, entry.RoutingKey)
	assert.Equal(t, "refund:"+intentID.String(), entry.IdempotencyKey)

	// The stored payload is exactly what consumers unmarshal off the broker.
	var consumed eventbus.ConsumedEvent
	require.NoError(t, json.Unmarshal(entry.Payload, &consumed))
	assert.Equal(t, entry.EventID, consumed.EventID)
	assert.Equal(t, reservationID, consumed.AggregateID)
	assert.Equal(t, bookingDomain.EventTypeRefundRequested, consumed.RoutingKey)

	var body struct {
		PaymentIntentID uuid.UUID `json:"payment_intent_id"`
		Reason          string    `json:"reason"`
	}
	require.NoError(t, json.Unmarshal(consumed.Payload, &body))
	assert.Equal(t, intentID, body.PaymentIntentID)
	assert.Equal(t, "REQUESTER_CANCELLED", body.Reason)
}

func TestEntryRetryBudget(t *testing.T) {
	entry := &Entry{State: StateQueued}
	assert.True(t, entry.CanRetry(3))
	entry.Attempts = 3
	assert.False(t, entry.CanRetry(3))
	assert.False(t, entry.IsTerminal())
	entry.State = StateFailed
	assert.True(t, entry.IsTerminal())
}

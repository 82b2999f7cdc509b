package outbox

import (
	"encoding/json"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-io/holdfast/internal/shared/domain"
)

// State is the dispatch lifecycle of an outbox entry.
type State string

const (
	StateQueued    State = "queued"
	StateInFlight  State = "in_flight"
	StateCommitted State = "committed"
	StateFailed    State = "failed"
)

// Entry is a side-effect intent recorded in the same transaction as the
// state change that produced it. Entries are never deleted while failed;
// committed entries are only removed by retention cleanup.
type Entry struct {
	ID             int64
	EventID        uuid.UUID
	AggregateType  string
	AggregateID    uuid.UUID
	EventType      string
	RoutingKey     string
	IdempotencyKey string
	State          State
	Payload        json.RawMessage
	Attempts       int
	LeasedUntil    *time.Time
	CreatedAt      time.Time
	ProcessedAt    *time.Time
	LastError      *string
}

// envelope is the wire shape published to the broker. Consumers unmarshal
// the same shape as eventbus.ConsumedEvent.
type envelope struct {
	EventID       uuid.UUID       `json:"event_id"`
	AggregateID   uuid.UUID       `json:"aggregate_id"`
	AggregateType string          `json:"aggregate_type"`
	RoutingKey    string          `json:"routing_key"`
	DedupKey      string          `json:"dedup_key"`
	OccurredAt    time.Time       `json:"occurred_at"`
	Payload       json.RawMessage `json:"payload"`
}

// NewEntry creates a queued outbox entry from a domain event. The stored
// payload is the full broker envelope, so dispatch is a plain byte copy.
func NewEntry(event domain.DomainEvent) (*Entry, error) {
	body, err := json.Marshal(event)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(envelope{
		EventID:       event.EventID(),
		AggregateID:   event.AggregateID(),
		AggregateType: event.AggregateType(),
		RoutingKey:    event.RoutingKey(),
		DedupKey:      event.DedupKey(),
		OccurredAt:    event.OccurredAt(),
		Payload:       body,
	})
	if err != nil {
		return nil, err
	}

	return &Entry{
		EventID:        event.EventID(),
		AggregateType:  event.AggregateType(),
		AggregateID:    event.AggregateID(),
		EventType:      event.RoutingKey(),
		RoutingKey:     event.RoutingKey(),
		IdempotencyKey: event.DedupKey(),
		State:          StateQueued,
		Payload:        payload,
		CreatedAt:      event.OccurredAt(),
	}, nil
}

// IsTerminal reports whether the entry reached a final state.
func (e *Entry) IsTerminal() bool {
	return e.State == StateCommitted || e.State == StateFailed
}

// CanRetry reports whether another dispatch attempt is allowed.
func (e *Entry) CanRetry(maxRetries int) bool {
	return e.Attempts < maxRetries
}

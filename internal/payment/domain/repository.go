package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// IntentRepository persists payment intents.
type IntentRepository interface {
	// Insert stores a new intent. A duplicate idempotency key surfaces the
	// existing row instead of re-inserting.
	Insert(ctx context.Context, intent *Intent) error
	FindByID(ctx context.Context, id uuid.UUID) (*Intent, error)
	// FindByExternalID resolves the unique (provider, external_id) pair for
	// webhook correlation.
	FindByExternalID(ctx context.Context, provider, externalID string) (*Intent, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Intent, error)
	// TransitionStatus performs a compare-and-swap on the status column.
	// It returns false when the row was not in the expected status.
	TransitionStatus(ctx context.Context, id uuid.UUID, from, to Status) (bool, error)
	// AttachReservation binds the intent to the reservation it funds.
	AttachReservation(ctx context.Context, id, reservationID uuid.UUID) error
}

// WebhookEventRegistry records processed external event ids. Insert-once; a
// duplicate insert reports false without error.
type WebhookEventRegistry interface {
	Record(ctx context.Context, provider, eventID string) (bool, error)
}

// AuditOutcome classifies a webhook application.
type AuditOutcome string

const (
	AuditApplied AuditOutcome = "applied"
	AuditIgnored AuditOutcome = "ignored"
)

// AuditRecord is written for every webhook apply, including ignored ones.
type AuditRecord struct {
	ID              int64
	EventID         string
	Provider        string
	EventType       string
	ReservationID   *uuid.UUID
	PaymentIntentID *uuid.UUID
	Outcome         AuditOutcome
	Reason          string
	CreatedAt       time.Time
}

// AuditLog persists webhook audit records.
type AuditLog interface {
	Append(ctx context.Context, rec *AuditRecord) error
}

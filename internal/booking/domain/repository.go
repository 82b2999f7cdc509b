package domain

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// SlotRepository persists availability slots. Claim and Release are the
// contended operations and must be safe under concurrent callers.
type SlotRepository interface {
	// Create inserts an open slot. Overlapping an existing claimable slot of
	// the same owner returns ErrSlotConflict.
	Create(ctx context.Context, slot *AvailabilitySlot) error
	// CreateClaimed inserts a slot already claimed, for ad-hoc intervals that
	// have no pre-published slot. The overlap constraint still applies.
	CreateClaimed(ctx context.Context, slot *AvailabilitySlot) error
	FindByID(ctx context.Context, id uuid.UUID) (*AvailabilitySlot, error)
	FindByOwnerWindow(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]*AvailabilitySlot, error)
	// Claim atomically flips an available slot to claimed. Exactly one of N
	// concurrent callers succeeds; the rest get ErrSlotConflict.
	Claim(ctx context.Context, id uuid.UUID) error
	// Release returns a claimed slot to the open pool.
	Release(ctx context.Context, id uuid.UUID) error
}

// ReservationRepository persists reservations. State changes go through
// compare-and-swap updates so lost webhooks and races cannot skip states.
type ReservationRepository interface {
	Create(ctx context.Context, r *Reservation) error
	FindByID(ctx context.Context, id uuid.UUID) (*Reservation, error)
	FindByIdempotencyKey(ctx context.Context, key string) (*Reservation, error)
	// TransitionState performs a compare-and-swap on the state column and
	// reports whether the row was in the expected state.
	TransitionState(ctx context.Context, id uuid.UUID, from, to State) (bool, error)
	// Confirm sets CONFIRMED and confirmed_at in one statement, guarded on
	// the current state.
	Confirm(ctx context.Context, id uuid.UUID, from State, confirmedAt time.Time) (bool, error)
	// Cancel sets CANCELLED with reason, guarded on any non-terminal state.
	Cancel(ctx context.Context, id uuid.UUID, reason string, cancelledAt time.Time) (bool, error)
	// CancelFrom sets CANCELLED only if the row is still in the expected
	// state. The reaper uses it so a hold confirmed between scan and sweep
	// survives.
	CancelFrom(ctx context.Context, id uuid.UUID, from State, reason string, cancelledAt time.Time) (bool, error)
	// SwapSlot rebinds the reservation to a new slot during a reschedule.
	SwapSlot(ctx context.Context, id, newSlotID uuid.UUID) error
	// FindExpiredHolds returns reservations still in HOLD_PLACED whose hold
	// was placed before the cutoff.
	FindExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]*Reservation, error)
	// FindStuck returns non-terminal reservations older than the threshold,
	// for the reaper's alerting pass.
	FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*Reservation, error)
}

// TransitionRecord is one row of the reservation audit trail. Every state
// change appends one, including reaper and webhook driven ones.
type TransitionRecord struct {
	ID            int64
	ReservationID uuid.UUID
	FromState     State
	ToState       State
	Actor         string
	Reason        string
	CreatedAt     time.Time
}

// Audit actors.
const (
	ActorRequester = "requester"
	ActorProvider  = "provider"
	ActorWebhook   = "webhook"
	ActorReaper    = "reaper"
)

// TransitionLog persists the reservation audit trail.
type TransitionLog interface {
	Append(ctx context.Context, rec *TransitionRecord) error
	ListByReservation(ctx context.Context, reservationID uuid.UUID) ([]*TransitionRecord, error)
}

package domain

import (
	"time"

	"github.com/google/uuid"

	sharedDomain "github.com/holdfast-io/holdfast/internal/shared/domain"
)

// State is the lifecycle state of a reservation.
type State string

const (
	StateHoldPlaced        State = "HOLD_PLACED"
	StateProviderConfirmed State = "PROVIDER_CONFIRMED"
	StateConfirmed         State = "CONFIRMED"
	StateCancelled         State = "CANCELLED"
)

// Cancellation reasons recorded on the terminal transition.
const (
	ReasonProviderTimeout = "PROVIDER_TIMEOUT"
	ReasonPaymentFailed   = "PAYMENT_FAILED"
	ReasonRequester       = "REQUESTER_CANCELLED"
)

// validTransitions lists the legal edges. CANCELLED is reachable from any
// non-terminal state; CONFIRMED is reachable only through the webhook guard
// observing a successful payment capture.
var validTransitions = map[State][]State{
	StateHoldPlaced:        {StateProviderConfirmed, StateConfirmed, StateCancelled},
	StateProviderConfirmed: {StateConfirmed, StateCancelled},
	StateConfirmed:         {},
	StateCancelled:         {},
}

// CanTransition reports whether from → to is a legal edge.
func CanTransition(from, to State) bool {
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether a state admits no further transitions.
func IsTerminal(s State) bool {
	return len(validTransitions[s]) == 0
}

// Reservation owns the lifecycle of a booking. The slot reference is set
// exactly once at creation; a reschedule swaps it inside one transaction.
type Reservation struct {
	sharedDomain.BaseAggregateRoot
	slotID          uuid.UUID
	requesterID     uuid.UUID
	ownerID         uuid.UUID
	paymentIntentID uuid.UUID
	idempotencyKey  string
	state           State
	confirmedAt     *time.Time
	cancelledAt     *time.Time
	cancelledReason string
}

// NewReservation places a hold. confirmedAt stays nil on this path; only a
// capture webhook application sets it.
func NewReservation(slotID, requesterID, ownerID, paymentIntentID uuid.UUID, idempotencyKey string) *Reservation {
	return NewReservationWithID(uuid.New(), slotID, requesterID, ownerID, paymentIntentID, idempotencyKey)
}

// NewReservationWithID places a hold under a caller-chosen id, for flows that
// record the id before the slot is resolved.
func NewReservationWithID(id, slotID, requesterID, ownerID, paymentIntentID uuid.UUID, idempotencyKey string) *Reservation {
	r := &Reservation{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(sharedDomain.NewBaseEntityWithID(id)),
		slotID:            slotID,
		requesterID:       requesterID,
		ownerID:           ownerID,
		paymentIntentID:   paymentIntentID,
		idempotencyKey:    idempotencyKey,
		state:             StateHoldPlaced,
	}
	r.AddDomainEvent(NewHoldPlaced(r.ID(), slotID, ownerID, idempotencyKey))
	return r
}

func (r *Reservation) SlotID() uuid.UUID          { return r.slotID }
func (r *Reservation) RequesterID() uuid.UUID     { return r.requesterID }
func (r *Reservation) OwnerID() uuid.UUID         { return r.ownerID }
func (r *Reservation) PaymentIntentID() uuid.UUID { return r.paymentIntentID }
func (r *Reservation) IdempotencyKey() string     { return r.idempotencyKey }
func (r *Reservation) State() State               { return r.state }
func (r *Reservation) ConfirmedAt() *time.Time    { return r.confirmedAt }
func (r *Reservation) CancelledAt() *time.Time    { return r.cancelledAt }
func (r *Reservation) CancelledReason() string    { return r.cancelledReason }

// ProviderConfirm records the owning party's explicit confirmation signal.
// Payment success alone never triggers this edge.
func (r *Reservation) ProviderConfirm() error {
	if !CanTransition(r.state, StateProviderConfirmed) {
		if IsTerminal(r.state) {
			return ErrAlreadyTerminal
		}
		return ErrInvalidTransition
	}
	r.state = StateProviderConfirmed
	r.Touch()
	r.AddDomainEvent(NewProviderConfirmed(r.ID(), r.slotID, r.ownerID))
	return nil
}

// Confirm finalizes the reservation after a successful payment capture.
// Reservation confirmation and payment success are the same causal event.
func (r *Reservation) Confirm() error {
	if !CanTransition(r.state, StateConfirmed) {
		if IsTerminal(r.state) {
			return ErrAlreadyTerminal
		}
		return ErrInvalidTransition
	}
	now := time.Now().UTC()
	r.state = StateConfirmed
	r.confirmedAt = &now
	r.Touch()
	r.AddDomainEvent(NewReservationConfirmed(r.ID(), r.slotID, r.requesterID))
	return nil
}

// Cancel moves any non-terminal reservation to CANCELLED.
func (r *Reservation) Cancel(reason string) error {
	if IsTerminal(r.state) {
		return ErrAlreadyTerminal
	}
	now := time.Now().UTC()
	r.state = StateCancelled
	r.cancelledAt = &now
	r.cancelledReason = reason
	r.Touch()
	r.AddDomainEvent(NewReservationCancelled(r.ID(), r.slotID, reason))
	return nil
}

// SwapSlot replaces the slot reference during an atomic reschedule.
func (r *Reservation) SwapSlot(newSlotID uuid.UUID) error {
	if IsTerminal(r.state) {
		return ErrAlreadyTerminal
	}
	oldSlotID := r.slotID
	r.slotID = newSlotID
	r.Touch()
	r.AddDomainEvent(NewReservationRescheduled(r.ID(), oldSlotID, newSlotID))
	return nil
}

// RehydrateReservation recreates a reservation from persisted state.
func RehydrateReservation(
	id uuid.UUID,
	slotID, requesterID, ownerID, paymentIntentID uuid.UUID,
	idempotencyKey string,
	state State,
	confirmedAt, cancelledAt *time.Time,
	cancelledReason string,
	createdAt, updatedAt time.Time,
) *Reservation {
	base := sharedDomain.RehydrateBaseEntity(id, createdAt, updatedAt)
	return &Reservation{
		BaseAggregateRoot: sharedDomain.RehydrateBaseAggregateRoot(base),
		slotID:            slotID,
		requesterID:       requesterID,
		ownerID:           ownerID,
		paymentIntentID:   paymentIntentID,
		idempotencyKey:    idempotencyKey,
		state:             state,
		confirmedAt:       confirmedAt,
		cancelledAt:       cancelledAt,
		cancelledReason:   cancelledReason,
	}
}

package domain

import (
	"github.com/google/uuid"

	sharedDomain "github.com/holdfast-io/holdfast/internal/shared/domain"
)

const AggregateTypeReservation = "reservation"

// Event types carried on the outbox. Routing keys follow the
// "reservation.<action>" convention of the topic exchange.
const (
	EventTypeHoldPlaced             = "reservation.hold_placed"
	EventTypeProviderConfirmed      = "reservation.provider_confirmed"
	EventTypeReservationConfirmed   = "reservation.confirmed"
	EventTypeReservationCancelled   = "reservation.cancelled"
	EventTypeReservationRescheduled = "reservation.rescheduled"
	EventTypeRefundRequested        = "reservation.refund_requested"
)

// HoldPlaced fires when a slot claim and reservation row commit together.
type HoldPlaced struct {
	sharedDomain.BaseEvent
	SlotID         uuid.UUID `json:"slot_id"`
	OwnerID        uuid.UUID `json:"owner_id"`
	IdempotencyKey string    `json:"idempotency_key"`
}

func NewHoldPlaced(reservationID, slotID, ownerID uuid.UUID, idempotencyKey string) HoldPlaced {
	return HoldPlaced{
		BaseEvent: sharedDomain.NewBaseEvent(
			reservationID, AggregateTypeReservation,
			EventTypeHoldPlaced,
			"hold_placed:"+reservationID.String(),
		),
		SlotID:         slotID,
		OwnerID:        ownerID,
		IdempotencyKey: idempotencyKey,
	}
}

// ProviderConfirmed fires on the owner's explicit confirmation.
type ProviderConfirmed struct {
	sharedDomain.BaseEvent
	SlotID  uuid.UUID `json:"slot_id"`
	OwnerID uuid.UUID `json:"owner_id"`
}

func NewProviderConfirmed(reservationID, slotID, ownerID uuid.UUID) ProviderConfirmed {
	return ProviderConfirmed{
		BaseEvent: sharedDomain.NewBaseEvent(
			reservationID, AggregateTypeReservation,
			EventTypeProviderConfirmed,
			"provider_confirmed:"+reservationID.String(),
		),
		SlotID:  slotID,
		OwnerID: ownerID,
	}
}

// ReservationConfirmed fires when a payment capture finalizes the booking.
type ReservationConfirmed struct {
	sharedDomain.BaseEvent
	SlotID      uuid.UUID `json:"slot_id"`
	RequesterID uuid.UUID `json:"requester_id"`
}

func NewReservationConfirmed(reservationID, slotID, requesterID uuid.UUID) ReservationConfirmed {
	return ReservationConfirmed{
		BaseEvent: sharedDomain.NewBaseEvent(
			reservationID, AggregateTypeReservation,
			EventTypeReservationConfirmed,
			"confirmed:"+reservationID.String(),
		),
		SlotID:      slotID,
		RequesterID: requesterID,
	}
}

// ReservationCancelled fires for every cancellation, carrying the reason
// (requester, payment failure, provider timeout).
type ReservationCancelled struct {
	sharedDomain.BaseEvent
	SlotID uuid.UUID `json:"slot_id"`
	Reason string    `json:"reason"`
}

func NewReservationCancelled(reservationID, slotID uuid.UUID, reason string) ReservationCancelled {
	return ReservationCancelled{
		BaseEvent: sharedDomain.NewBaseEvent(
			reservationID, AggregateTypeReservation,
			EventTypeReservationCancelled,
			"cancelled:"+reservationID.String(),
		),
		SlotID: slotID,
		Reason: reason,
	}
}

// ReservationRescheduled fires when a reschedule swaps slots atomically.
type ReservationRescheduled struct {
	sharedDomain.BaseEvent
	OldSlotID uuid.UUID `json:"old_slot_id"`
	NewSlotID uuid.UUID `json:"new_slot_id"`
}

func NewReservationRescheduled(reservationID, oldSlotID, newSlotID uuid.UUID) ReservationRescheduled {
	return ReservationRescheduled{
		BaseEvent: sharedDomain.NewBaseEvent(
			reservationID, AggregateTypeReservation,
			EventTypeReservationRescheduled,
			"rescheduled:"+reservationID.String()+":"+newSlotID.String(),
		),
		OldSlotID: oldSlotID,
		NewSlotID: newSlotID,
	}
}

// RefundRequested instructs the payment worker to refund a captured intent
// after a cancellation. Dedup-keyed on the intent so retries stay safe.
type RefundRequested struct {
	sharedDomain.BaseEvent
	PaymentIntentID uuid.UUID `json:"payment_intent_id"`
	Reason          string    `json:"reason"`
}

func NewRefundRequested(reservationID, paymentIntentID uuid.UUID, reason string) RefundRequested {
	return RefundRequested{
		BaseEvent: sharedDomain.NewBaseEvent(
			reservationID, AggregateTypeReservation,
			EventTypeRefundRequested,
			"refund:"+paymentIntentID.String(),
		),
		PaymentIntentID: paymentIntentID,
		Reason:          reason,
	}
}

// Package application orchestrates reservation use cases. Every mutating
// operation runs its invariant-bearing writes (ledger row, slot claim,
// reservation row, outbox entries, audit trail) in one unit of work so they
// commit or roll back together.
package application

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/idempotency"
	paymentDomain "github.com/holdfast-io/holdfast/internal/payment/domain"
	sharedApp "github.com/holdfast-io/holdfast/internal/shared/application"
	sharedDomain "github.com/holdfast-io/holdfast/internal/shared/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/outbox"
)

// OpCreateReservation scopes idempotency keys in the ledger.
const OpCreateReservation = "reservation.create"

// CreateReservationCommand carries a hold request. Either SlotID points at a
// published slot, or Start/End describe an ad-hoc interval that gets a
// claimed slot of its own.
type CreateReservationCommand struct {
	SlotID          *uuid.UUID
	OwnerID         uuid.UUID
	RequesterID     uuid.UUID
	PaymentIntentID uuid.UUID
	Start           time.Time
	End             time.Time
	AmountCents     int64
	Currency        string
	IdempotencyKey  string
}

// Fingerprint is a stable digest of the request body. The ledger compares it
// on key reuse to distinguish a retry from a different request.
func (c CreateReservationCommand) Fingerprint() string {
	slotID := ""
	if c.SlotID != nil {
		slotID = c.SlotID.String()
	}
	sum := sha256.Sum256(fmt.Appendf(nil, "%s|%s|%s|%s|%d|%d|%d|%s",
		slotID, c.OwnerID, c.RequesterID, c.PaymentIntentID,
		c.Start.UnixNano(), c.End.UnixNano(), c.AmountCents, c.Currency,
	))
	return hex.EncodeToString(sum[:])
}

// CreateReservationResult distinguishes a fresh hold from an idempotent replay.
type CreateReservationResult struct {
	Reservation *domain.Reservation
	Replayed    bool
}

// ReservationService implements the reservation use cases.
type ReservationService struct {
	slots        domain.SlotRepository
	reservations domain.ReservationRepository
	intents      paymentDomain.IntentRepository
	ledger       idempotency.Ledger
	outboxRepo   outbox.Repository
	audit        domain.TransitionLog
	uow          sharedApp.UnitOfWork
	logger       *slog.Logger
}

// NewReservationService creates a new reservation service.
func NewReservationService(
	slots domain.SlotRepository,
	reservations domain.ReservationRepository,
	intents paymentDomain.IntentRepository,
	ledger idempotency.Ledger,
	outboxRepo outbox.Repository,
	audit domain.TransitionLog,
	uow sharedApp.UnitOfWork,
	logger *slog.Logger,
) *ReservationService {
	return &ReservationService{
		slots:        slots,
		reservations: reservations,
		intents:      intents,
		ledger:       ledger,
		outboxRepo:   outboxRepo,
		audit:        audit,
		uow:          uow,
		logger:       logger,
	}
}

// CreateReservation places a hold: it validates the payment intent, claims
// the slot, writes the reservation in HOLD_PLACED, and enqueues the outbox
// event, all in one transaction. A duplicate idempotency key replays the
// prior reservation instead of claiming twice.
func (s *ReservationService) CreateReservation(ctx context.Context, cmd CreateReservationCommand) (*CreateReservationResult, error) {
	if cmd.IdempotencyKey == "" {
		return nil, idempotency.ErrMissingKey
	}

	var result CreateReservationResult
	err := sharedApp.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		// The ledger decides first. A replayed key must never touch the slot
		// table; an ad-hoc interval retry would otherwise trip the overlap
		// constraint against the row its first attempt inserted.
		reservationID := uuid.New()
		record, won, err := s.ledger.Acquire(txCtx,
			OpCreateReservation, cmd.IdempotencyKey, cmd.Fingerprint(), reservationID.String())
		if err != nil {
			return err
		}
		if !won {
			prior, err := uuid.Parse(record.ResultReference)
			if err != nil {
				return fmt.Errorf("ledger holds unparseable result reference %q: %w", record.ResultReference, err)
			}
			existing, err := s.reservations.FindByID(txCtx, prior)
			if err != nil {
				return err
			}
			result = CreateReservationResult{Reservation: existing, Replayed: true}
			return errReplay
		}

		intent, err := s.intents.FindByID(txCtx, cmd.PaymentIntentID)
		if err != nil {
			return err
		}
		if paymentDomain.IsTerminal(intent.Status) {
			return paymentDomain.ErrInvalidPaymentIntentState
		}
		if cmd.AmountCents > 0 && !intent.Matches(cmd.AmountCents, cmd.Currency) {
			return paymentDomain.ErrPaymentAmountMismatch
		}

		slotID, err := s.resolveSlot(txCtx, cmd)
		if err != nil {
			return err
		}

		reservation := domain.NewReservationWithID(reservationID, slotID, cmd.RequesterID, cmd.OwnerID, intent.ID, cmd.IdempotencyKey)

		if cmd.SlotID != nil {
			if err := s.slots.Claim(txCtx, slotID); err != nil {
				return err
			}
		}
		if err := s.reservations.Create(txCtx, reservation); err != nil {
			return err
		}
		if err := s.intents.AttachReservation(txCtx, intent.ID, reservation.ID()); err != nil {
			return err
		}
		if err := s.enqueueEvents(txCtx, reservation); err != nil {
			return err
		}
		if err := s.audit.Append(txCtx, &domain.TransitionRecord{
			ReservationID: reservation.ID(),
			FromState:     "",
			ToState:       domain.StateHoldPlaced,
			Actor:         domain.ActorRequester,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}

		result = CreateReservationResult{Reservation: reservation}
		return nil
	})
	if errors.Is(err, errReplay) {
		s.logger.Info("reservation create replayed",
			"idempotency_key", cmd.IdempotencyKey,
			"reservation_id", result.Reservation.ID())
		return &result, nil
	}
	if err != nil {
		return nil, err
	}

	s.logger.Info("hold placed",
		"reservation_id", result.Reservation.ID(),
		"slot_id", result.Reservation.SlotID(),
		"payment_intent_id", cmd.PaymentIntentID)
	return &result, nil
}

// errReplay unwinds the transaction when the ledger reports a prior winner.
// Never surfaces to callers.
var errReplay = errors.New("idempotent replay")

func (s *ReservationService) resolveSlot(ctx context.Context, cmd CreateReservationCommand) (uuid.UUID, error) {
	if cmd.SlotID != nil {
		slot, err := s.slots.FindByID(ctx, *cmd.SlotID)
		if err != nil {
			return uuid.Nil, err
		}
		return slot.ID, nil
	}

	slot, err := domain.NewSlot(cmd.OwnerID, cmd.Start, cmd.End)
	if err != nil {
		return uuid.Nil, err
	}
	if err := s.slots.CreateClaimed(ctx, slot); err != nil {
		return uuid.Nil, err
	}
	return slot.ID, nil
}

// Get returns a reservation by id.
func (s *ReservationService) Get(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	return s.reservations.FindByID(ctx, id)
}

// AuditTrail returns the recorded transitions for a reservation.
func (s *ReservationService) AuditTrail(ctx context.Context, id uuid.UUID) ([]*domain.TransitionRecord, error) {
	if _, err := s.reservations.FindByID(ctx, id); err != nil {
		return nil, err
	}
	return s.audit.ListByReservation(ctx, id)
}

// ProviderConfirm records the owning party's confirmation of a hold. A
// duplicate confirm on an already confirmed reservation is a no-op.
func (s *ReservationService) ProviderConfirm(ctx context.Context, reservationID, ownerID uuid.UUID) (*domain.Reservation, error) {
	var out *domain.Reservation
	err := sharedApp.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		reservation, err := s.reservations.FindByID(txCtx, reservationID)
		if err != nil {
			return err
		}
		if reservation.OwnerID() != ownerID {
			return domain.ErrNotRequester
		}
		if reservation.State() == domain.StateProviderConfirmed {
			out = reservation
			return nil
		}
		if err := reservation.ProviderConfirm(); err != nil {
			return err
		}

		swapped, err := s.reservations.TransitionState(txCtx, reservationID,
			domain.StateHoldPlaced, domain.StateProviderConfirmed)
		if err != nil {
			return err
		}
		if !swapped {
			return domain.ErrInvalidTransition
		}
		if err := s.enqueueEvents(txCtx, reservation); err != nil {
			return err
		}
		if err := s.audit.Append(txCtx, &domain.TransitionRecord{
			ReservationID: reservationID,
			FromState:     domain.StateHoldPlaced,
			ToState:       domain.StateProviderConfirmed,
			Actor:         domain.ActorProvider,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		out = reservation
		return nil
	})
	if err != nil {
		return nil, err
	}
	return out, nil
}

// Cancel moves a non-terminal reservation to CANCELLED, releases its slot,
// and requests a refund when the payment was already captured.
func (s *ReservationService) Cancel(ctx context.Context, reservationID, requesterID uuid.UUID, reason string) (*domain.Reservation, error) {
	if reason == "" {
		reason = domain.ReasonRequester
	}

	var out *domain.Reservation
	err := sharedApp.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		reservation, err := s.reservations.FindByID(txCtx, reservationID)
		if err != nil {
			return err
		}
		if reservation.RequesterID() != requesterID && reservation.OwnerID() != requesterID {
			return domain.ErrNotRequester
		}

		fromState := reservation.State()
		if err := reservation.Cancel(reason); err != nil {
			return err
		}

		cancelled, err := s.reservations.Cancel(txCtx, reservationID, reason, *reservation.CancelledAt())
		if err != nil {
			return err
		}
		if !cancelled {
			return domain.ErrAlreadyTerminal
		}
		if err := s.slots.Release(txCtx, reservation.SlotID()); err != nil {
			return err
		}

		intent, err := s.intents.FindByID(txCtx, reservation.PaymentIntentID())
		if err != nil {
			return err
		}
		if intent.Status == paymentDomain.StatusCaptured {
			reservation.AddDomainEvent(domain.NewRefundRequested(reservationID, intent.ID, reason))
		}
		if err := s.enqueueEvents(txCtx, reservation); err != nil {
			return err
		}
		if err := s.audit.Append(txCtx, &domain.TransitionRecord{
			ReservationID: reservationID,
			FromState:     fromState,
			ToState:       domain.StateCancelled,
			Actor:         domain.ActorRequester,
			Reason:        reason,
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		out = reservation
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation cancelled", "reservation_id", reservationID, "reason", reason)
	return out, nil
}

// Reschedule swaps the reservation onto a new slot atomically: the new claim
// and the old release commit together, so a conflict on the new slot leaves
// the original claim untouched.
func (s *ReservationService) Reschedule(ctx context.Context, reservationID, requesterID, newSlotID uuid.UUID) (*domain.Reservation, error) {
	var out *domain.Reservation
	err := sharedApp.WithUnitOfWork(ctx, s.uow, func(txCtx context.Context) error {
		reservation, err := s.reservations.FindByID(txCtx, reservationID)
		if err != nil {
			return err
		}
		if reservation.RequesterID() != requesterID {
			return domain.ErrNotRequester
		}
		oldSlotID := reservation.SlotID()
		if err := reservation.SwapSlot(newSlotID); err != nil {
			return err
		}

		if err := s.slots.Claim(txCtx, newSlotID); err != nil {
			return err
		}
		if err := s.slots.Release(txCtx, oldSlotID); err != nil {
			return err
		}
		if err := s.reservations.SwapSlot(txCtx, reservationID, newSlotID); err != nil {
			return err
		}
		if err := s.enqueueEvents(txCtx, reservation); err != nil {
			return err
		}
		if err := s.audit.Append(txCtx, &domain.TransitionRecord{
			ReservationID: reservationID,
			FromState:     reservation.State(),
			ToState:       reservation.State(),
			Actor:         domain.ActorRequester,
			Reason:        "rescheduled to slot " + newSlotID.String(),
			CreatedAt:     time.Now().UTC(),
		}); err != nil {
			return err
		}
		out = reservation
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.logger.Info("reservation rescheduled", "reservation_id", reservationID, "new_slot_id", newSlotID)
	return out, nil
}

func (s *ReservationService) enqueueEvents(ctx context.Context, aggregate sharedDomain.AggregateRoot) error {
	for _, event := range aggregate.DomainEvents() {
		entry, err := outbox.NewEntry(event)
		if err != nil {
			return err
		}
		if err := s.outboxRepo.Enqueue(ctx, entry); err != nil {
			return err
		}
	}
	aggregate.ClearDomainEvents()
	return nil
}

package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	bookingDomain "github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/payment/domain"
	sharedApp "github.com/holdfast-io/holdfast/internal/shared/application"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/outbox"
)

// Webhook event types the guard understands. Anything else is recorded and
// ignored.
const (
	WebhookPaymentAuthorized = "payment.authorized"
	WebhookPaymentCaptured   = "payment.captured"
	WebhookPaymentFailed     = "payment.failed"
	WebhookPaymentRefunded   = "payment.refunded"
)

// WebhookEvent is a provider notification after signature verification.
type WebhookEvent struct {
	Provider          string
	EventID           string
	Type              string
	ExternalPaymentID string
	OccurredAt        time.Time
}

// Outcome classifies what the guard did with an event.
type Outcome struct {
	Applied bool
	Reason  string
}

func applied() Outcome              { return Outcome{Applied: true} }
func ignored(reason string) Outcome { return Outcome{Reason: reason} }

// EventDeduper is an advisory duplicate cache in front of the durable
// registry. Seen true means a prior delivery of the event committed; the
// registry stays the only authority on whether an event was processed, so a
// lost or stale cache costs a redundant lookup, never a lost event.
type EventDeduper interface {
	Seen(ctx context.Context, provider, eventID string) (bool, error)
	// Mark records the event after its transaction committed.
	Mark(ctx context.Context, provider, eventID string) error
}

// WebhookGuard applies provider webhooks to payment and reservation state.
// Deliveries are at-least-once and unordered; the guard makes every apply
// idempotent and every out-of-order or unknown event a recorded no-op.
type WebhookGuard struct {
	deduper      EventDeduper
	registry     domain.WebhookEventRegistry
	intents      domain.IntentRepository
	reservations bookingDomain.ReservationRepository
	slots        bookingDomain.SlotRepository
	transitions  bookingDomain.TransitionLog
	outboxRepo   outbox.Repository
	auditLog     domain.AuditLog
	uow          sharedApp.UnitOfWork
	logger       *slog.Logger
}

// NewWebhookGuard creates a new webhook guard.
func NewWebhookGuard(
	deduper EventDeduper,
	registry domain.WebhookEventRegistry,
	intents domain.IntentRepository,
	reservations bookingDomain.ReservationRepository,
	slots bookingDomain.SlotRepository,
	transitions bookingDomain.TransitionLog,
	outboxRepo outbox.Repository,
	auditLog domain.AuditLog,
	uow sharedApp.UnitOfWork,
	logger *slog.Logger,
) *WebhookGuard {
	return &WebhookGuard{
		deduper:      deduper,
		registry:     registry,
		intents:      intents,
		reservations: reservations,
		slots:        slots,
		transitions:  transitions,
		outboxRepo:   outboxRepo,
		auditLog:     auditLog,
		uow:          uow,
		logger:       logger,
	}
}

// Apply processes one verified webhook event. It returns an error only for
// system faults the provider should retry; every business-level rejection is
// an ignored outcome with an audit row, answered with success upstream.
func (g *WebhookGuard) Apply(ctx context.Context, event WebhookEvent) (Outcome, error) {
	// Advisory only. The cache never declares an event processed; a delivery
	// it flags as seen still runs the durable path so the registry judges it
	// and the delivery gets its audit row.
	cached, err := g.deduper.Seen(ctx, event.Provider, event.EventID)
	if err != nil {
		g.logger.Warn("webhook dedup cache unavailable", "error", err)
		cached = false
	}

	var outcome Outcome
	err = sharedApp.WithUnitOfWork(ctx, g.uow, func(txCtx context.Context) error {
		first, err := g.registry.Record(txCtx, event.Provider, event.EventID)
		if err != nil {
			return err
		}
		if !first {
			outcome = ignored("duplicate delivery")
			return g.audit(txCtx, event, nil, outcome)
		}

		intent, err := g.intents.FindByExternalID(txCtx, event.Provider, event.ExternalPaymentID)
		if err != nil {
			if errors.Is(err, domain.ErrIntentNotFound) {
				outcome = ignored("unknown payment object")
				return g.audit(txCtx, event, nil, outcome)
			}
			return err
		}

		outcome, err = g.applyToIntent(txCtx, event, intent)
		if err != nil {
			return err
		}
		return g.audit(txCtx, event, intent, outcome)
	})
	if err != nil {
		return Outcome{}, err
	}

	// Marked only after the commit, so a failed transaction leaves the event
	// retryable instead of shadow-banned by its own cache entry.
	if !cached {
		if markErr := g.deduper.Mark(ctx, event.Provider, event.EventID); markErr != nil {
			g.logger.Warn("webhook dedup cache mark failed", "error", markErr)
		}
	}

	g.logger.Info("webhook processed",
		"provider", event.Provider,
		"event_id", event.EventID,
		"type", event.Type,
		"applied", outcome.Applied,
		"reason", outcome.Reason,
		"cache_hit", cached)
	return outcome, nil
}

func (g *WebhookGuard) applyToIntent(ctx context.Context, event WebhookEvent, intent *domain.Intent) (Outcome, error) {
	var target domain.Status
	switch event.Type {
	case WebhookPaymentAuthorized:
		target = domain.StatusAuthorized
	case WebhookPaymentCaptured:
		target = domain.StatusCaptured
	case WebhookPaymentRefunded:
		target = domain.StatusRefunded
	case WebhookPaymentFailed:
		return g.applyFailure(ctx, intent)
	default:
		return ignored("unrecognized event type " + event.Type), nil
	}

	if intent.Status == target {
		return ignored("status already " + string(target)), nil
	}
	if !domain.CanTransition(intent.Status, target) {
		return ignored("illegal transition " + string(intent.Status) + " -> " + string(target)), nil
	}

	swapped, err := g.intents.TransitionStatus(ctx, intent.ID, intent.Status, target)
	if err != nil {
		return Outcome{}, err
	}
	if !swapped {
		return ignored("lost transition race"), nil
	}

	if target == domain.StatusCaptured && intent.ReservationID != nil {
		if err := g.confirmReservation(ctx, *intent.ReservationID); err != nil {
			return Outcome{}, err
		}
	}
	return applied(), nil
}

// confirmReservation finalizes the reservation funded by a captured payment.
// An already terminal reservation leaves the capture standing; the refund
// path picks it up.
func (g *WebhookGuard) confirmReservation(ctx context.Context, reservationID uuid.UUID) error {
	reservation, err := g.reservations.FindByID(ctx, reservationID)
	if err != nil {
		return err
	}
	if bookingDomain.IsTerminal(reservation.State()) {
		return nil
	}

	now := time.Now().UTC()
	confirmed, err := g.reservations.Confirm(ctx, reservationID, reservation.State(), now)
	if err != nil {
		return err
	}
	if !confirmed {
		return nil
	}

	entry, err := outbox.NewEntry(bookingDomain.NewReservationConfirmed(
		reservationID, reservation.SlotID(), reservation.RequesterID()))
	if err != nil {
		return err
	}
	if err := g.outboxRepo.Enqueue(ctx, entry); err != nil {
		return err
	}
	return g.transitions.Append(ctx, &bookingDomain.TransitionRecord{
		ReservationID: reservationID,
		FromState:     reservation.State(),
		ToState:       bookingDomain.StateConfirmed,
		Actor:         bookingDomain.ActorWebhook,
		Reason:        "payment captured",
		CreatedAt:     now,
	})
}

// applyFailure cancels the funded reservation when the payment fails before
// capture. A failure after capture is ignored; refunds handle that path.
func (g *WebhookGuard) applyFailure(ctx context.Context, intent *domain.Intent) (Outcome, error) {
	if intent.Status == domain.StatusCaptured || intent.Status == domain.StatusRefunded {
		return ignored("failure reported after capture"), nil
	}
	if intent.ReservationID == nil {
		return applied(), nil
	}

	reservationID := *intent.ReservationID
	reservation, err := g.reservations.FindByID(ctx, reservationID)
	if err != nil {
		if errors.Is(err, bookingDomain.ErrReservationNotFound) {
			return applied(), nil
		}
		return Outcome{}, err
	}
	if bookingDomain.IsTerminal(reservation.State()) {
		return ignored("reservation already terminal"), nil
	}

	now := time.Now().UTC()
	cancelled, err := g.reservations.Cancel(ctx, reservationID, bookingDomain.ReasonPaymentFailed, now)
	if err != nil {
		return Outcome{}, err
	}
	if !cancelled {
		return ignored("lost cancellation race"), nil
	}
	if err := g.slots.Release(ctx, reservation.SlotID()); err != nil {
		return Outcome{}, err
	}

	entry, err := outbox.NewEntry(bookingDomain.NewReservationCancelled(
		reservationID, reservation.SlotID(), bookingDomain.ReasonPaymentFailed))
	if err != nil {
		return Outcome{}, err
	}
	if err := g.outboxRepo.Enqueue(ctx, entry); err != nil {
		return Outcome{}, err
	}
	if err := g.transitions.Append(ctx, &bookingDomain.TransitionRecord{
		ReservationID: reservationID,
		FromState:     reservation.State(),
		ToState:       bookingDomain.StateCancelled,
		Actor:         bookingDomain.ActorWebhook,
		Reason:        bookingDomain.ReasonPaymentFailed,
		CreatedAt:     now,
	}); err != nil {
		return Outcome{}, err
	}
	return applied(), nil
}

func (g *WebhookGuard) audit(ctx context.Context, event WebhookEvent, intent *domain.Intent, outcome Outcome) error {
	rec := &domain.AuditRecord{
		EventID:   event.EventID,
		Provider:  event.Provider,
		EventType: event.Type,
		Outcome:   domain.AuditIgnored,
		Reason:    outcome.Reason,
		CreatedAt: time.Now().UTC(),
	}
	if outcome.Applied {
		rec.Outcome = domain.AuditApplied
	}
	if intent != nil {
		id := intent.ID
		rec.PaymentIntentID = &id
		rec.ReservationID = intent.ReservationID
	}
	return g.auditLog.Append(ctx, rec)
}

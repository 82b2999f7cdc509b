package application

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	bookingDomain "github.com/holdfast-io/holdfast/internal/booking/domain"
	bookingPersistence "github.com/holdfast-io/holdfast/internal/booking/infrastructure/persistence"
	"github.com/holdfast-io/holdfast/internal/payment/domain"
	"github.com/holdfast-io/holdfast/internal/payment/infrastructure/cache"
	paymentPersistence "github.com/holdfast-io/holdfast/internal/payment/infrastructure/persistence"
	sharedApp "github.com/holdfast-io/holdfast/internal/shared/application"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/outbox"
	"github.com/holdfast-io/holdfast/pkg/chaos"
)

type guardFixture struct {
	deduper      EventDeduper
	registry     *paymentPersistence.InMemoryWebhookEventRegistry
	intents      *paymentPersistence.InMemoryIntentRepository
	reservations *bookingPersistence.InMemoryReservationRepository
	slots        *bookingPersistence.InMemorySlotRepository
	transitions  *bookingPersistence.InMemoryTransitionLog
	outboxRepo   *outbox.InMemoryRepository
	auditLog     *paymentPersistence.InMemoryAuditLog
	guard        *WebhookGuard
}

func newGuardFixture(deduper EventDeduper) *guardFixture {
	if deduper == nil {
		deduper = cache.NewInMemoryEventDeduper()
	}
	f := &guardFixture{
		deduper:      deduper,
		registry:     paymentPersistence.NewInMemoryWebhookEventRegistry(),
		intents:      paymentPersistence.NewInMemoryIntentRepository(),
		reservations: bookingPersistence.NewInMemoryReservationRepository(),
		slots:        bookingPersistence.NewInMemorySlotRepository(),
		transitions:  bookingPersistence.NewInMemoryTransitionLog(),
		outboxRepo:   outbox.NewInMemoryRepository(),
		auditLog:     paymentPersistence.NewInMemoryAuditLog(),
	}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	f.guard = NewWebhookGuard(
		f.deduper, f.registry, f.intents,
		f.reservations, f.slots, f.transitions,
		f.outboxRepo, f.auditLog, sharedApp.NoopUnitOfWork{}, logger,
	)
	return f
}

func (f *guardFixture) seedIntent(t *testing.T, status domain.Status) *domain.Intent {
	t.Helper()
	now := time.Now().UTC()
	intent := &domain.Intent{
		ID:               uuid.New(),
		OwnerID:          uuid.New(),
		AmountCents:      5000,
		Currency:         "EUR",
		ExternalProvider: "stripe",
		ExternalID:       "pi_" + uuid.NewString(),
		IdempotencyKey:   uuid.NewString(),
		Status:           status,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, f.intents.Insert(context.Background(), intent))
	return intent
}

// seedFundedReservation links a claimed slot and a reservation to the intent.
func (f *guardFixture) seedFundedReservation(t *testing.T, intent *domain.Intent, state bookingDomain.State) *bookingDomain.Reservation {
	t.Helper()
	ctx := context.Background()

	slot, err := bookingDomain.NewSlot(uuid.New(), time.Now().UTC().Add(time.Hour), time.Now().UTC().Add(2*time.Hour))
	require.NoError(t, err)
	require.NoError(t, f.slots.Create(ctx, slot))
	require.NoError(t, f.slots.Claim(ctx, slot.ID))

	now := time.Now().UTC()
	reservation := bookingDomain.RehydrateReservation(
		uuid.New(), slot.ID, uuid.New(), uuid.New(), intent.ID,
		uuid.NewString(), state,
		nil, nil, "",
		now, now,
	)
	require.NoError(t, f.reservations.Create(ctx, reservation))
	require.NoError(t, f.intents.AttachReservation(ctx, intent.ID, reservation.ID()))
	return reservation
}

func webhookEvent(eventType, externalPaymentID string) WebhookEvent {
	return WebhookEvent{
		Provider:          "stripe",
		EventID:           "evt_" + uuid.NewString(),
		Type:              eventType,
		ExternalPaymentID: externalPaymentID,
		OccurredAt:        time.Now().UTC(),
	}
}

func TestGuardAppliesCapture(t *testing.T) {
	f := newGuardFixture(nil)
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusAuthorized)
	reservation := f.seedFundedReservation(t, intent, bookingDomain.StateProviderConfirmed)

	outcome, err := f.guard.Apply(ctx, webhookEvent(WebhookPaymentCaptured, intent.ExternalID))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	stored, err := f.intents.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, stored.Status)

	confirmed, err := f.reservations.FindByID(ctx, reservation.ID())
	require.NoError(t, err)
	assert.Equal(t, bookingDomain.StateConfirmed, confirmed.State())
	require.NotNil(t, confirmed.ConfirmedAt())

	assert.Len(t, f.outboxRepo.EntriesByType(bookingDomain.EventTypeReservationConfirmed), 1)

	trail, err := f.transitions.ListByReservation(ctx, reservation.ID())
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, bookingDomain.ActorWebhook, trail[0].Actor)
	assert.Equal(t, bookingDomain.StateConfirmed, trail[0].ToState)

	records := f.auditLog.Records()
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditApplied, records[0].Outcome)
	require.NotNil(t, records[0].PaymentIntentID)
	assert.Equal(t, intent.ID, *records[0].PaymentIntentID)
}

func TestGuardDuplicateDelivery(t *testing.T) {
	f := newGuardFixture(nil)
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusCreated)
	event := webhookEvent(WebhookPaymentAuthorized, intent.ExternalID)

	outcome, err := f.guard.Apply(ctx, event)
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	// Same event id again: a cache hit never swallows the delivery, the
	// registry judges it and the duplicate still gets its audit row.
	outcome, err = f.guard.Apply(ctx, event)
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, "duplicate delivery", outcome.Reason)

	records := f.auditLog.Records()
	require.Len(t, records, 2)
	assert.Equal(t, domain.AuditApplied, records[0].Outcome)
	assert.Equal(t, domain.AuditIgnored, records[1].Outcome)

	stored, err := f.intents.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorized, stored.Status)
}

// alwaysFreshDeduper simulates a restarted cache that forgot every event.
type alwaysFreshDeduper struct{}

func (alwaysFreshDeduper) Seen(ctx context.Context, provider, eventID string) (bool, error) {
	return false, nil
}

func (alwaysFreshDeduper) Mark(ctx context.Context, provider, eventID string) error {
	return nil
}

// flakyRegistry fails its first Record calls, simulating a database fault
// mid-transaction.
type flakyRegistry struct {
	*paymentPersistence.InMemoryWebhookEventRegistry
	failures int
}

func (r *flakyRegistry) Record(ctx context.Context, provider, eventID string) (bool, error) {
	if r.failures > 0 {
		r.failures--
		return false, errors.New("connection reset by peer")
	}
	return r.InMemoryWebhookEventRegistry.Record(ctx, provider, eventID)
}

func TestGuardRetryAfterSystemFault(t *testing.T) {
	f := newGuardFixture(nil)
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusAuthorized)
	reservation := f.seedFundedReservation(t, intent, bookingDomain.StateProviderConfirmed)

	flaky := &flakyRegistry{InMemoryWebhookEventRegistry: f.registry, failures: 1}
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	guard := NewWebhookGuard(
		f.deduper, flaky, f.intents,
		f.reservations, f.slots, f.transitions,
		f.outboxRepo, f.auditLog, sharedApp.NoopUnitOfWork{}, logger,
	)

	event := webhookEvent(WebhookPaymentCaptured, intent.ExternalID)
	_, err := guard.Apply(ctx, event)
	require.Error(t, err)

	// The provider retries the failed delivery. The first attempt must not
	// have poisoned the dedup cache, or the capture would be lost for good.
	outcome, err := guard.Apply(ctx, event)
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	stored, err := f.intents.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, stored.Status)

	confirmed, err := f.reservations.FindByID(ctx, reservation.ID())
	require.NoError(t, err)
	assert.Equal(t, bookingDomain.StateConfirmed, confirmed.State())
}

func TestGuardDuplicateDeliveryDurableRegistry(t *testing.T) {
	f := newGuardFixture(alwaysFreshDeduper{})
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusCreated)
	event := webhookEvent(WebhookPaymentAuthorized, intent.ExternalID)

	_, err := f.guard.Apply(ctx, event)
	require.NoError(t, err)

	outcome, err := f.guard.Apply(ctx, event)
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, "duplicate delivery", outcome.Reason)

	// The duplicate still leaves an audit row.
	records := f.auditLog.Records()
	require.Len(t, records, 2)
	assert.Equal(t, domain.AuditIgnored, records[1].Outcome)

	// And the intent advanced exactly once.
	stored, err := f.intents.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusAuthorized, stored.Status)
}

func TestGuardUnknownPaymentObject(t *testing.T) {
	f := newGuardFixture(nil)

	outcome, err := f.guard.Apply(context.Background(), webhookEvent(WebhookPaymentCaptured, "pi_unknown"))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, "unknown payment object", outcome.Reason)

	records := f.auditLog.Records()
	require.Len(t, records, 1)
	assert.Equal(t, domain.AuditIgnored, records[0].Outcome)
	assert.Nil(t, records[0].PaymentIntentID)
}

func TestGuardOutOfOrderDelivery(t *testing.T) {
	f := newGuardFixture(nil)
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusCreated)

	// Capture arrives before authorization.
	outcome, err := f.guard.Apply(ctx, webhookEvent(WebhookPaymentCaptured, intent.ExternalID))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Contains(t, outcome.Reason, "illegal transition")

	stored, err := f.intents.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, stored.Status)

	// The skipped authorization still applies afterwards.
	outcome, err = f.guard.Apply(ctx, webhookEvent(WebhookPaymentAuthorized, intent.ExternalID))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)
}

func TestGuardSameStatusIsNoOp(t *testing.T) {
	f := newGuardFixture(nil)
	intent := f.seedIntent(t, domain.StatusAuthorized)

	outcome, err := f.guard.Apply(context.Background(), webhookEvent(WebhookPaymentAuthorized, intent.ExternalID))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Contains(t, outcome.Reason, "status already")
}

func TestGuardUnrecognizedEventType(t *testing.T) {
	f := newGuardFixture(nil)
	intent := f.seedIntent(t, domain.StatusCreated)

	outcome, err := f.guard.Apply(context.Background(), webhookEvent("payment.mandate_updated", intent.ExternalID))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Contains(t, outcome.Reason, "unrecognized event type")
	assert.Len(t, f.auditLog.Records(), 1)
}

func TestGuardFailureCancelsReservation(t *testing.T) {
	f := newGuardFixture(nil)
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusAuthorized)
	reservation := f.seedFundedReservation(t, intent, bookingDomain.StateHoldPlaced)

	outcome, err := f.guard.Apply(ctx, webhookEvent(WebhookPaymentFailed, intent.ExternalID))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	cancelled, err := f.reservations.FindByID(ctx, reservation.ID())
	require.NoError(t, err)
	assert.Equal(t, bookingDomain.StateCancelled, cancelled.State())
	assert.Equal(t, bookingDomain.ReasonPaymentFailed, cancelled.CancelledReason())

	slot, err := f.slots.FindByID(ctx, reservation.SlotID())
	require.NoError(t, err)
	assert.True(t, slot.IsAvailable)

	assert.Len(t, f.outboxRepo.EntriesByType(bookingDomain.EventTypeReservationCancelled), 1)
}

func TestGuardFailureAfterCaptureIsIgnored(t *testing.T) {
	f := newGuardFixture(nil)
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusCaptured)
	reservation := f.seedFundedReservation(t, intent, bookingDomain.StateConfirmed)

	outcome, err := f.guard.Apply(ctx, webhookEvent(WebhookPaymentFailed, intent.ExternalID))
	require.NoError(t, err)
	assert.False(t, outcome.Applied)
	assert.Equal(t, "failure reported after capture", outcome.Reason)

	stored, err := f.reservations.FindByID(ctx, reservation.ID())
	require.NoError(t, err)
	assert.Equal(t, bookingDomain.StateConfirmed, stored.State())
}

func TestGuardCaptureOnTerminalReservation(t *testing.T) {
	f := newGuardFixture(nil)
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusAuthorized)
	reservation := f.seedFundedReservation(t, intent, bookingDomain.StateCancelled)

	// The capture stands; the refund path settles the money later.
	outcome, err := f.guard.Apply(ctx, webhookEvent(WebhookPaymentCaptured, intent.ExternalID))
	require.NoError(t, err)
	assert.True(t, outcome.Applied)

	stored, err := f.intents.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCaptured, stored.Status)

	untouched, err := f.reservations.FindByID(ctx, reservation.ID())
	require.NoError(t, err)
	assert.Equal(t, bookingDomain.StateCancelled, untouched.State())
	assert.Empty(t, f.outboxRepo.EntriesByType(bookingDomain.EventTypeReservationConfirmed))
}

func TestGuardAuditsEveryProcessedDelivery(t *testing.T) {
	f := newGuardFixture(alwaysFreshDeduper{})
	ctx := context.Background()
	intent := f.seedIntent(t, domain.StatusCreated)

	events := []WebhookEvent{
		webhookEvent(WebhookPaymentAuthorized, intent.ExternalID),
		webhookEvent(WebhookPaymentCaptured, intent.ExternalID),
		webhookEvent(WebhookPaymentCaptured, intent.ExternalID),
		webhookEvent("payment.mandate_updated", intent.ExternalID),
		webhookEvent(WebhookPaymentAuthorized, "pi_unknown"),
	}
	for _, event := range events {
		_, err := f.guard.Apply(ctx, event)
		require.NoError(t, err)
	}

	// Applied or ignored, every delivery that reached the registry has a row.
	assert.Len(t, f.auditLog.Records(), len(events))
}

// TestGuardChaoticDeliveryConverges replays a duplicated, reordered webhook
// stream. Whatever the interleaving, the intent must land on a legal status
// and the reservation must end confirmed exactly when a capture applied.
func TestGuardChaoticDeliveryConverges(t *testing.T) {
	for _, seed := range []int64{1, 7, 42, 1337} {
		f := newGuardFixture(alwaysFreshDeduper{})
		ctx := context.Background()
		intent := f.seedIntent(t, domain.StatusCreated)
		reservation := f.seedFundedReservation(t, intent, bookingDomain.StateHoldPlaced)

		var events []WebhookEvent
		for range 3 {
			events = append(events,
				webhookEvent(WebhookPaymentAuthorized, intent.ExternalID),
				webhookEvent(WebhookPaymentCaptured, intent.ExternalID),
			)
		}

		rng := chaos.NewRNG(seed)
		for i := len(events) - 1; i > 0; i-- {
			j := rng.IntN(i + 1)
			events[i], events[j] = events[j], events[i]
		}
		for _, event := range events {
			_, err := f.guard.Apply(ctx, event)
			require.NoError(t, err, "seed %d", seed)
		}

		stored, err := f.intents.FindByID(ctx, intent.ID)
		require.NoError(t, err)
		assert.Contains(t, []domain.Status{domain.StatusAuthorized, domain.StatusCaptured}, stored.Status, "seed %d", seed)

		final, err := f.reservations.FindByID(ctx, reservation.ID())
		require.NoError(t, err)
		if stored.Status == domain.StatusCaptured {
			assert.Equal(t, bookingDomain.StateConfirmed, final.State(), "seed %d", seed)
			assert.NotNil(t, final.ConfirmedAt(), "seed %d", seed)
		} else {
			assert.Equal(t, bookingDomain.StateHoldPlaced, final.State(), "seed %d", seed)
		}
		assert.Len(t, f.auditLog.Records(), len(events), "seed %d", seed)
	}
}

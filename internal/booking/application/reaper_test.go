package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast-io/holdfast/internal/booking/domain"
	bookingPersistence "github.com/holdfast-io/holdfast/internal/booking/infrastructure/persistence"
	paymentDomain "github.com/holdfast-io/holdfast/internal/payment/domain"
	sharedApp "github.com/holdfast-io/holdfast/internal/shared/application"
)

func newReaper(f *fixture, config ReaperConfig) *Reaper {
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewReaper(f.reservations, f.slots, f.intents, f.outboxRepo, f.audit, sharedApp.NoopUnitOfWork{}, config, logger)
}

// seedHold writes a claimed slot and a reservation whose creation time lies
// age in the past, funded by an intent in the given payment status.
func (f *fixture) seedHold(t *testing.T, age time.Duration, state domain.State, paymentStatus paymentDomain.Status) *domain.Reservation {
	t.Helper()
	ctx := context.Background()
	slot := f.seedSlot(t, uuid.New(), time.Now().UTC().Add(time.Hour))
	require.NoError(t, f.slots.Claim(ctx, slot.ID))
	intent := f.seedIntent(t, paymentStatus)

	created := time.Now().UTC().Add(-age)
	reservation := domain.RehydrateReservation(
		uuid.New(), slot.ID, uuid.New(), uuid.New(), intent.ID,
		uuid.NewString(), state,
		nil, nil, "",
		created, created,
	)
	require.NoError(t, f.reservations.Create(ctx, reservation))
	return reservation
}

func TestReaperCancelsExpiredHold(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	config := DefaultReaperConfig()
	reaper := newReaper(f, config)

	expired := f.seedHold(t, 30*time.Minute, domain.StateHoldPlaced, paymentDomain.StatusAuthorized)
	fresh := f.seedHold(t, time.Minute, domain.StateHoldPlaced, paymentDomain.StatusAuthorized)

	require.NoError(t, reaper.RunOnce(ctx))

	reaped, err := f.reservations.FindByID(ctx, expired.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, reaped.State())
	assert.Equal(t, domain.ReasonProviderTimeout, reaped.CancelledReason())

	slot, err := f.slots.FindByID(ctx, expired.SlotID())
	require.NoError(t, err)
	assert.True(t, slot.IsAvailable)

	untouched, err := f.reservations.FindByID(ctx, fresh.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateHoldPlaced, untouched.State())

	cancelEvents := f.outboxRepo.EntriesByType(domain.EventTypeReservationCancelled)
	require.Len(t, cancelEvents, 1)
	assert.Equal(t, expired.ID(), cancelEvents[0].AggregateID)
	// An authorized-only intent holds no money, so no refund is requested.
	assert.Empty(t, f.outboxRepo.EntriesByType(domain.EventTypeRefundRequested))

	trail, err := f.audit.ListByReservation(ctx, expired.ID())
	require.NoError(t, err)
	require.Len(t, trail, 1)
	assert.Equal(t, domain.ActorReaper, trail[0].Actor)
	assert.Equal(t, domain.ReasonProviderTimeout, trail[0].Reason)

	stats := reaper.GetStats()
	assert.Equal(t, int64(1), stats.ReapedCount)
	assert.Zero(t, stats.LostRaces)
	assert.False(t, stats.LastSweepAt.IsZero())
}

func TestReaperRequestsRefundForCapturedIntent(t *testing.T) {
	f := newFixture()
	ctx := context.Background()
	reaper := newReaper(f, DefaultReaperConfig())

	expired := f.seedHold(t, 30*time.Minute, domain.StateHoldPlaced, paymentDomain.StatusCaptured)

	require.NoError(t, reaper.RunOnce(ctx))

	reaped, err := f.reservations.FindByID(ctx, expired.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateCancelled, reaped.State())

	refunds := f.outboxRepo.EntriesByType(domain.EventTypeRefundRequested)
	require.Len(t, refunds, 1)
	assert.Equal(t, expired.ID(), refunds[0].AggregateID)
}

// cancelRacingRepo simulates a webhook winning the transition between the
// reaper's scan and its compare-and-swap.
type cancelRacingRepo struct {
	*bookingPersistence.InMemoryReservationRepository
}

func (r *cancelRacingRepo) CancelFrom(ctx context.Context, id uuid.UUID, from domain.State, reason string, cancelledAt time.Time) (bool, error) {
	return false, nil
}

func TestReaperLosesRaceQuietly(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	expired := f.seedHold(t, 30*time.Minute, domain.StateHoldPlaced, paymentDomain.StatusAuthorized)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	racing := &cancelRacingRepo{InMemoryReservationRepository: f.reservations}
	reaper := NewReaper(racing, f.slots, f.intents, f.outboxRepo, f.audit,
		sharedApp.NoopUnitOfWork{}, DefaultReaperConfig(), logger)

	require.NoError(t, reaper.RunOnce(ctx))

	// Nothing released, emitted, or audited.
	slot, err := f.slots.FindByID(ctx, expired.SlotID())
	require.NoError(t, err)
	assert.False(t, slot.IsAvailable)
	assert.Empty(t, f.outboxRepo.Entries())

	stats := reaper.GetStats()
	assert.Zero(t, stats.ReapedCount)
	assert.Equal(t, int64(1), stats.LostRaces)
	assert.Empty(t, stats.LastError)
}

// staleScanRepo serves a fixed scan snapshot, so a reservation that moved on
// after the scan still reaches the sweep.
type staleScanRepo struct {
	*bookingPersistence.InMemoryReservationRepository
	scan []*domain.Reservation
}

func (r *staleScanRepo) FindExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	return r.scan, nil
}

func TestReaperSparesHoldConfirmedMidSweep(t *testing.T) {
	f := newFixture()
	ctx := context.Background()

	expired := f.seedHold(t, 30*time.Minute, domain.StateHoldPlaced, paymentDomain.StatusAuthorized)
	stale := &staleScanRepo{
		InMemoryReservationRepository: f.reservations,
		scan:                          []*domain.Reservation{expired},
	}

	// The owner confirms between the scan and the sweep.
	swapped, err := f.reservations.TransitionState(ctx, expired.ID(),
		domain.StateHoldPlaced, domain.StateProviderConfirmed)
	require.NoError(t, err)
	require.True(t, swapped)

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	reaper := NewReaper(stale, f.slots, f.intents, f.outboxRepo, f.audit,
		sharedApp.NoopUnitOfWork{}, DefaultReaperConfig(), logger)
	require.NoError(t, reaper.RunOnce(ctx))

	// The confirmed hold keeps its state and its slot.
	stored, err := f.reservations.FindByID(ctx, expired.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateProviderConfirmed, stored.State())

	slot, err := f.slots.FindByID(ctx, expired.SlotID())
	require.NoError(t, err)
	assert.False(t, slot.IsAvailable)
	assert.Empty(t, f.outboxRepo.Entries())

	stats := reaper.GetStats()
	assert.Zero(t, stats.ReapedCount)
	assert.Equal(t, int64(1), stats.LostRaces)
}

func TestReaperReportsStuckReservations(t *testing.T) {
	f := newFixture()
	reaper := newReaper(f, DefaultReaperConfig())

	stuck := f.seedHold(t, 48*time.Hour, domain.StateProviderConfirmed, paymentDomain.StatusAuthorized)

	require.NoError(t, reaper.RunOnce(context.Background()))

	// Stuck reservations are reported, never auto-cancelled.
	stored, err := f.reservations.FindByID(context.Background(), stuck.ID())
	require.NoError(t, err)
	assert.Equal(t, domain.StateProviderConfirmed, stored.State())

	stats := reaper.GetStats()
	assert.Equal(t, int64(1), stats.StuckCount)
	assert.Zero(t, stats.ReapedCount)
}

func TestReaperStartStop(t *testing.T) {
	f := newFixture()
	config := DefaultReaperConfig()
	config.Interval = 10 * time.Millisecond
	reaper := newReaper(f, config)

	expired := f.seedHold(t, 30*time.Minute, domain.StateHoldPlaced, paymentDomain.StatusAuthorized)

	reaper.Start(context.Background())
	defer reaper.Stop()

	assert.Eventually(t, func() bool {
		res, err := f.reservations.FindByID(context.Background(), expired.ID())
		return err == nil && res.State() == domain.StateCancelled
	}, time.Second, 10*time.Millisecond)
}

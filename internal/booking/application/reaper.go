package application

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/holdfast-io/holdfast/internal/booking/domain"
	paymentDomain "github.com/holdfast-io/holdfast/internal/payment/domain"
	sharedApp "github.com/holdfast-io/holdfast/internal/shared/application"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/outbox"
)

// ReaperConfig controls the timeout reaper.
type ReaperConfig struct {
	// Interval between sweeps.
	Interval time.Duration
	// HoldTTL is how long a HOLD_PLACED reservation may wait for provider
	// action before it is cancelled.
	HoldTTL time.Duration
	// StuckThreshold is the age past which any non-terminal reservation is
	// reported as stuck.
	StuckThreshold time.Duration
	// BatchSize caps reservations swept per run.
	BatchSize int
}

// DefaultReaperConfig returns sensible defaults.
func DefaultReaperConfig() ReaperConfig {
	return ReaperConfig{
		Interval:       30 * time.Second,
		HoldTTL:        15 * time.Minute,
		StuckThreshold: 24 * time.Hour,
		BatchSize:      100,
	}
}

// ReaperStats tracks sweep outcomes for the ops endpoint.
type ReaperStats struct {
	ReapedCount int64
	LostRaces   int64
	StuckCount  int64
	LastSweepAt time.Time
	LastError   string
	LastErrorAt time.Time
}

// Reaper cancels expired holds. Cancellation goes through the same guarded
// compare-and-swap as every other transition, so a webhook landing mid-sweep
// wins or loses cleanly instead of racing.
type Reaper struct {
	reservations domain.ReservationRepository
	slots        domain.SlotRepository
	intents      paymentDomain.IntentRepository
	outboxRepo   outbox.Repository
	audit        domain.TransitionLog
	uow          sharedApp.UnitOfWork
	config       ReaperConfig
	logger       *slog.Logger

	mu      sync.Mutex
	stats   ReaperStats
	running bool
	cancel  context.CancelFunc
	done    chan struct{}
}

// NewReaper creates a new timeout reaper.
func NewReaper(
	reservations domain.ReservationRepository,
	slots domain.SlotRepository,
	intents paymentDomain.IntentRepository,
	outboxRepo outbox.Repository,
	audit domain.TransitionLog,
	uow sharedApp.UnitOfWork,
	config ReaperConfig,
	logger *slog.Logger,
) *Reaper {
	return &Reaper{
		reservations: reservations,
		slots:        slots,
		intents:      intents,
		outboxRepo:   outboxRepo,
		audit:        audit,
		uow:          uow,
		config:       config,
		logger:       logger,
	}
}

// Start launches the sweep loop.
func (r *Reaper) Start(ctx context.Context) {
	r.mu.Lock()
	if r.running {
		r.mu.Unlock()
		return
	}
	ctx, r.cancel = context.WithCancel(ctx)
	r.done = make(chan struct{})
	r.running = true
	r.mu.Unlock()

	r.logger.Info("reaper started",
		"interval", r.config.Interval,
		"hold_ttl", r.config.HoldTTL)

	go func() {
		defer close(r.done)
		ticker := time.NewTicker(r.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if err := r.RunOnce(ctx); err != nil {
					r.recordError(err)
					r.logger.Error("reaper sweep failed", "error", err)
				}
			}
		}
	}()
}

// Stop halts the sweep loop and waits for the current sweep to finish.
func (r *Reaper) Stop() {
	r.mu.Lock()
	if !r.running {
		r.mu.Unlock()
		return
	}
	r.running = false
	cancel, done := r.cancel, r.done
	r.mu.Unlock()

	cancel()
	<-done
	r.logger.Info("reaper stopped")
}

// RunOnce performs one sweep: cancel expired holds, then report stuck
// reservations.
func (r *Reaper) RunOnce(ctx context.Context) error {
	cutoff := time.Now().UTC().Add(-r.config.HoldTTL)
	expired, err := r.reservations.FindExpiredHolds(ctx, cutoff, r.config.BatchSize)
	if err != nil {
		return err
	}

	for _, reservation := range expired {
		if err := r.reapOne(ctx, reservation); err != nil {
			r.recordError(err)
			r.logger.Error("reap failed",
				"reservation_id", reservation.ID(),
				"error", err)
		}
	}

	stuckBefore := time.Now().UTC().Add(-r.config.StuckThreshold)
	stuck, err := r.reservations.FindStuck(ctx, stuckBefore, r.config.BatchSize)
	if err != nil {
		return err
	}
	r.mu.Lock()
	r.stats.StuckCount = int64(len(stuck))
	r.stats.LastSweepAt = time.Now().UTC()
	r.mu.Unlock()
	for _, reservation := range stuck {
		r.logger.Warn("reservation stuck in non-terminal state",
			"reservation_id", reservation.ID(),
			"state", reservation.State(),
			"age", time.Since(reservation.CreatedAt()))
	}
	return nil
}

// reapOne cancels a single expired hold. The cancel is guarded on the row
// still being HOLD_PLACED; a hold confirmed between the scan and the sweep
// loses the race quietly and keeps its state.
func (r *Reaper) reapOne(ctx context.Context, reservation *domain.Reservation) error {
	return sharedApp.WithUnitOfWork(ctx, r.uow, func(txCtx context.Context) error {
		now := time.Now().UTC()
		cancelled, err := r.reservations.CancelFrom(txCtx, reservation.ID(),
			domain.StateHoldPlaced, domain.ReasonProviderTimeout, now)
		if err != nil {
			return err
		}
		if !cancelled {
			r.mu.Lock()
			r.stats.LostRaces++
			r.mu.Unlock()
			return nil
		}

		if err := r.slots.Release(txCtx, reservation.SlotID()); err != nil {
			return err
		}

		entry, err := outbox.NewEntry(domain.NewReservationCancelled(
			reservation.ID(), reservation.SlotID(), domain.ReasonProviderTimeout))
		if err != nil {
			return err
		}
		if err := r.outboxRepo.Enqueue(txCtx, entry); err != nil {
			return err
		}

		// A hold can expire after its payment was captured if the confirm
		// webhook never arrived. The money must follow the cancellation.
		intent, err := r.intents.FindByID(txCtx, reservation.PaymentIntentID())
		if err != nil {
			return err
		}
		if intent.Status == paymentDomain.StatusCaptured {
			refund, err := outbox.NewEntry(domain.NewRefundRequested(
				reservation.ID(), intent.ID, domain.ReasonProviderTimeout))
			if err != nil {
				return err
			}
			if err := r.outboxRepo.Enqueue(txCtx, refund); err != nil {
				return err
			}
		}
		if err := r.audit.Append(txCtx, &domain.TransitionRecord{
			ReservationID: reservation.ID(),
			FromState:     domain.StateHoldPlaced,
			ToState:       domain.StateCancelled,
			Actor:         domain.ActorReaper,
			Reason:        domain.ReasonProviderTimeout,
			CreatedAt:     now,
		}); err != nil {
			return err
		}

		r.mu.Lock()
		r.stats.ReapedCount++
		r.mu.Unlock()
		r.logger.Info("expired hold reaped",
			"reservation_id", reservation.ID(),
			"slot_id", reservation.SlotID())
		return nil
	})
}

// GetStats returns a snapshot of sweep statistics.
func (r *Reaper) GetStats() ReaperStats {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.stats
}

func (r *Reaper) recordError(err error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.stats.LastError = err.Error()
	r.stats.LastErrorAt = time.Now().UTC()
}

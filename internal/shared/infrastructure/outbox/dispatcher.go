package outbox

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/eventbus"
)

// DispatcherConfig holds configuration for the outbox dispatcher.
type DispatcherConfig struct {
	PollInterval     time.Duration
	BatchSize        int
	MaxRetries       int
	LeaseGrace       time.Duration
	RetryBackoffBase time.Duration
	RetryBackoffMax  time.Duration
}

// DefaultDispatcherConfig returns sensible defaults.
func DefaultDispatcherConfig() DispatcherConfig {
	return DispatcherConfig{
		PollInterval:     200 * time.Millisecond,
		BatchSize:        100,
		MaxRetries:       5,
		LeaseGrace:       30 * time.Second,
		RetryBackoffBase: 1 * time.Second,
		RetryBackoffMax:  1 * time.Minute,
	}
}

// Dispatcher drains the outbox and performs the recorded side effects through
// the event publisher. It is explicitly constructed with a Start/Stop
// lifecycle; multiple replicas are safe because leasing is a conditional
// write and expired leases are reclaimed by any instance.
type Dispatcher struct {
	repo      Repository
	publisher eventbus.Publisher
	config    DispatcherConfig
	logger    *slog.Logger

	wg       sync.WaitGroup
	stopChan chan struct{}
	running  bool
	mu       sync.Mutex

	statsMu sync.Mutex
	stats   Stats
}

// NewDispatcher creates a new outbox dispatcher.
func NewDispatcher(repo Repository, publisher eventbus.Publisher, config DispatcherConfig, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{
		repo:      repo,
		publisher: publisher,
		config:    config,
		logger:    logger,
		stopChan:  make(chan struct{}),
	}
}

// Start begins the polling loop in a goroutine.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.mu.Lock()
	if d.running {
		d.mu.Unlock()
		return nil
	}
	d.running = true
	d.stopChan = make(chan struct{})
	d.mu.Unlock()

	d.wg.Add(1)
	go d.run(ctx)

	d.logger.Info("outbox dispatcher started",
		"poll_interval", d.config.PollInterval,
		"batch_size", d.config.BatchSize,
	)

	return nil
}

// Stop gracefully stops the dispatcher.
func (d *Dispatcher) Stop() {
	d.mu.Lock()
	if !d.running {
		d.mu.Unlock()
		return
	}
	d.running = false
	close(d.stopChan)
	d.mu.Unlock()

	d.wg.Wait()
	d.logger.Info("outbox dispatcher stopped")
}

// IsRunning returns true if the dispatcher is running.
func (d *Dispatcher) IsRunning() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.running
}

func (d *Dispatcher) run(ctx context.Context) {
	defer d.wg.Done()

	ticker := time.NewTicker(d.config.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stopChan:
			return
		case <-ticker.C:
			if err := d.dispatchBatch(ctx); err != nil {
				d.logger.Error("failed to dispatch outbox batch", "error", err)
			}
		}
	}
}

func (d *Dispatcher) dispatchBatch(ctx context.Context) error {
	entries, err := d.repo.Lease(ctx, d.config.BatchSize, d.config.LeaseGrace)
	if err != nil {
		d.recordError(err)
		return err
	}

	d.recordLeased(entries)

	for _, entry := range entries {
		if err := d.publisher.Publish(ctx, entry.RoutingKey, entry.Payload); err != nil {
			d.logger.Warn("failed to dispatch entry",
				"id", entry.ID,
				"routing_key", entry.RoutingKey,
				"event_id", entry.EventID,
				"attempts", entry.Attempts,
				"error", err,
			)
			errStr := err.Error()
			if !entry.CanRetry(d.config.MaxRetries - 1) {
				d.recordDead(err)
				if markErr := d.repo.MarkFailed(ctx, entry.ID, errStr); markErr != nil {
					d.logger.Error("failed to mark entry as failed",
						"id", entry.ID,
						"error", markErr,
					)
				}
			} else {
				d.recordRetry(err)
				retryAt := time.Now().Add(d.retryBackoff(entry.Attempts + 1))
				if markErr := d.repo.Requeue(ctx, entry.ID, errStr, retryAt); markErr != nil {
					d.logger.Error("failed to requeue entry",
						"id", entry.ID,
						"error", markErr,
					)
				}
			}
			continue
		}

		if err := d.repo.MarkCommitted(ctx, entry.ID); err != nil {
			d.logger.Error("failed to mark entry as committed",
				"id", entry.ID,
				"event_id", entry.EventID,
				"error", err,
			)
		} else {
			d.recordCommitted()
		}
	}

	return nil
}

func (d *Dispatcher) retryBackoff(attempt int) time.Duration {
	base := d.config.RetryBackoffBase
	if base <= 0 {
		base = time.Second
	}
	max := d.config.RetryBackoffMax
	if max <= 0 {
		max = time.Minute
	}
	if attempt < 1 {
		attempt = 1
	}
	if attempt > 30 {
		attempt = 30
	}

	backoff := base * time.Duration(1<<uint(attempt-1))
	if backoff > max {
		return max
	}
	return backoff
}

// DispatchOnce processes a single batch synchronously (useful for testing).
func (d *Dispatcher) DispatchOnce(ctx context.Context) error {
	return d.dispatchBatch(ctx)
}

// Stats holds dispatcher statistics.
type Stats struct {
	IsRunning       bool
	CommittedCount  uint64
	RetriedCount    uint64
	FailedCount     uint64
	LagSeconds      float64
	LastError       string
	LastErrorAt     *time.Time
	LastDispatchAt  *time.Time
	OldestEntryAt   *time.Time
}

// GetStats returns current dispatcher statistics.
func (d *Dispatcher) GetStats() Stats {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()

	stats := d.stats
	stats.IsRunning = d.IsRunning()
	return stats
}

func (d *Dispatcher) recordCommitted() {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.CommittedCount++
}

func (d *Dispatcher) recordRetry(err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.RetriedCount++
	now := time.Now()
	d.stats.LastError = err.Error()
	d.stats.LastErrorAt = &now
}

func (d *Dispatcher) recordDead(err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	d.stats.FailedCount++
	now := time.Now()
	d.stats.LastError = err.Error()
	d.stats.LastErrorAt = &now
}

func (d *Dispatcher) recordError(err error) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	now := time.Now()
	d.stats.LastError = err.Error()
	d.stats.LastErrorAt = &now
}

func (d *Dispatcher) recordLeased(entries []*Entry) {
	d.statsMu.Lock()
	defer d.statsMu.Unlock()
	now := time.Now()
	d.stats.LastDispatchAt = &now
	if len(entries) == 0 {
		d.stats.LagSeconds = 0
		d.stats.OldestEntryAt = nil
		return
	}

	oldest := entries[0].CreatedAt
	for _, e := range entries[1:] {
		if e.CreatedAt.Before(oldest) {
			oldest = e.CreatedAt
		}
	}
	d.stats.OldestEntryAt = &oldest
	d.stats.LagSeconds = now.Sub(oldest).Seconds()
}

package outbox

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingPublisher struct {
	mu        sync.Mutex
	published []string
	failures  int
}

func (p *recordingPublisher) Publish(ctx context.Context, routingKey string, payload []byte) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.failures > 0 {
		p.failures--
		return errors.New("broker unavailable")
	}
	p.published = append(p.published, routingKey)
	return nil
}

func (p *recordingPublisher) Close() error { return nil }

func (p *recordingPublisher) publishedKeys() []string {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]string, len(p.published))
	copy(out, p.published)
	return out
}

func enqueueTestEntry(t *testing.T, repo *InMemoryRepository, routingKey string) *Entry {
	t.Helper()
	entry := &Entry{
		EventID:        uuid.New(),
		AggregateType:  "reservation",
		AggregateID:    uuid.New(),
		EventType:      routingKey,
		RoutingKey:     routingKey,
		IdempotencyKey: uuid.NewString(),
		Payload:        []byte(`{}`),
		CreatedAt:      time.Now().Add(-time.Second),
	}
	require.NoError(t, repo.Enqueue(context.Background(), entry))
	return entry
}

func TestDispatcherCommitsEntries(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &recordingPublisher{}
	dispatcher := NewDispatcher(repo, publisher, DefaultDispatcherConfig(), nil)

	enqueueTestEntry(t, repo, "reservation.hold_placed")
	enqueueTestEntry(t, repo, "reservation.confirmed")

	require.NoError(t, dispatcher.DispatchOnce(context.Background()))

	assert.Equal(t, []string{"reservation.hold_placed", "reservation.confirmed"}, publisher.publishedKeys())
	for _, e := range repo.Entries() {
		assert.Equal(t, StateCommitted, e.State)
		assert.NotNil(t, e.ProcessedAt)
	}

	stats := dispatcher.GetStats()
	assert.Equal(t, uint64(2), stats.CommittedCount)
	assert.Zero(t, stats.FailedCount)
}

func TestDispatcherRequeuesOnFailure(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &recordingPublisher{failures: 1}
	dispatcher := NewDispatcher(repo, publisher, DefaultDispatcherConfig(), nil)

	entry := enqueueTestEntry(t, repo, "reservation.hold_placed")

	require.NoError(t, dispatcher.DispatchOnce(context.Background()))

	entries := repo.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateQueued, entries[0].State)
	assert.Equal(t, 1, entries[0].Attempts)
	require.NotNil(t, entries[0].LastError)
	require.NotNil(t, entries[0].LeasedUntil)
	// Backoff: the entry is not due yet.
	assert.True(t, entries[0].LeasedUntil.After(time.Now()))

	// Not leased again while backing off.
	require.NoError(t, dispatcher.DispatchOnce(context.Background()))
	assert.Empty(t, publisher.publishedKeys())

	// Force the retry due and dispatch again.
	past := time.Now().Add(-time.Millisecond)
	require.NoError(t, repo.Requeue(context.Background(), entry.ID, "forced", past))
	require.NoError(t, dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, []string{"reservation.hold_placed"}, publisher.publishedKeys())
	assert.Equal(t, StateCommitted, repo.Entries()[0].State)
}

func TestDispatcherMarksFailedAfterMaxRetries(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &recordingPublisher{failures: 10}
	config := DefaultDispatcherConfig()
	config.MaxRetries = 1
	dispatcher := NewDispatcher(repo, publisher, config, nil)

	enqueueTestEntry(t, repo, "reservation.hold_placed")

	require.NoError(t, dispatcher.DispatchOnce(context.Background()))

	entries := repo.Entries()
	require.Len(t, entries, 1)
	assert.Equal(t, StateFailed, entries[0].State)
	assert.NotNil(t, entries[0].ProcessedAt)
	assert.True(t, entries[0].IsTerminal())

	// Terminal entries are never leased again.
	require.NoError(t, dispatcher.DispatchOnce(context.Background()))
	assert.Empty(t, publisher.publishedKeys())

	stats := dispatcher.GetStats()
	assert.Equal(t, uint64(1), stats.FailedCount)
}

func TestDispatcherReclaimsExpiredLease(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &recordingPublisher{}
	dispatcher := NewDispatcher(repo, publisher, DefaultDispatcherConfig(), nil)

	entry := enqueueTestEntry(t, repo, "reservation.hold_placed")

	// Simulate a crashed dispatcher holding an expired lease.
	_, err := repo.Lease(context.Background(), 10, -time.Second)
	require.NoError(t, err)
	require.Equal(t, StateInFlight, repo.Entries()[0].State)
	_ = entry

	require.NoError(t, dispatcher.DispatchOnce(context.Background()))
	assert.Equal(t, []string{"reservation.hold_placed"}, publisher.publishedKeys())
	assert.Equal(t, StateCommitted, repo.Entries()[0].State)
}

func TestDispatcherStartStop(t *testing.T) {
	repo := NewInMemoryRepository()
	publisher := &recordingPublisher{}
	config := DefaultDispatcherConfig()
	config.PollInterval = 10 * time.Millisecond
	dispatcher := NewDispatcher(repo, publisher, config, nil)

	enqueueTestEntry(t, repo, "reservation.hold_placed")

	require.NoError(t, dispatcher.Start(context.Background()))
	assert.True(t, dispatcher.IsRunning())

	assert.Eventually(t, func() bool {
		entries := repo.Entries()
		return len(entries) == 1 && entries[0].State == StateCommitted
	}, time.Second, 10*time.Millisecond)

	dispatcher.Stop()
	assert.False(t, dispatcher.IsRunning())
}

package outbox

import (
	"context"
	"sync"
	"time"
)

// InMemoryRepository is an in-memory implementation for testing/development.
// It emulates the storage guarantees (atomic lease, conditional transitions)
// behind a mutex; production code relies on the database instead.
type InMemoryRepository struct {
	mu      sync.Mutex
	entries []*Entry
	nextID  int64
	txFree  bool
}

// NewInMemoryRepository creates a new in-memory outbox repository. Enqueue
// accepts writes without a transaction in context.
func NewInMemoryRepository() *InMemoryRepository {
	return &InMemoryRepository{
		entries: make([]*Entry, 0),
		nextID:  1,
		txFree:  true,
	}
}

func (r *InMemoryRepository) Enqueue(ctx context.Context, entry *Entry) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry.ID = r.nextID
	r.nextID++
	entry.State = StateQueued
	if entry.CreatedAt.IsZero() {
		entry.CreatedAt = time.Now()
	}
	r.entries = append(r.entries, entry)
	return nil
}

func (r *InMemoryRepository) Lease(ctx context.Context, limit int, grace time.Duration) ([]*Entry, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := time.Now()
	var result []*Entry
	for _, e := range r.entries {
		due := e.LeasedUntil == nil || !e.LeasedUntil.After(now)
		switch {
		case e.State == StateQueued && due, e.State == StateInFlight && due:
			e.State = StateInFlight
			until := now.Add(grace)
			e.LeasedUntil = &until
			result = append(result, e)
		}
		if len(result) >= limit {
			break
		}
	}
	return result, nil
}

func (r *InMemoryRepository) MarkCommitted(ctx context.Context, id int64) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(id); e != nil {
		now := time.Now()
		e.State = StateCommitted
		e.ProcessedAt = &now
		e.LeasedUntil = nil
	}
	return nil
}

func (r *InMemoryRepository) Requeue(ctx context.Context, id int64, errMsg string, retryAt time.Time) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(id); e != nil {
		e.State = StateQueued
		e.Attempts++
		e.LastError = &errMsg
		e.LeasedUntil = &retryAt
	}
	return nil
}

func (r *InMemoryRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e := r.find(id); e != nil {
		now := time.Now()
		e.State = StateFailed
		e.Attempts++
		e.LastError = &errMsg
		e.ProcessedAt = &now
		e.LeasedUntil = nil
	}
	return nil
}

func (r *InMemoryRepository) PendingCount(ctx context.Context, aggregateID string) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	count := 0
	for _, e := range r.entries {
		if e.AggregateID.String() == aggregateID && !e.IsTerminal() {
			count++
		}
	}
	return count, nil
}

func (r *InMemoryRepository) DeleteCommitted(ctx context.Context, olderThan time.Duration) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	cutoff := time.Now().Add(-olderThan)
	var kept []*Entry
	var deleted int64
	for _, e := range r.entries {
		if e.State == StateCommitted && e.ProcessedAt != nil && e.ProcessedAt.Before(cutoff) {
			deleted++
			continue
		}
		kept = append(kept, e)
	}
	r.entries = kept
	return deleted, nil
}

// Entries returns a snapshot of all entries, oldest first.
func (r *InMemoryRepository) Entries() []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]*Entry, len(r.entries))
	copy(out, r.entries)
	return out
}

// EntriesByType returns entries matching an event type, oldest first.
func (r *InMemoryRepository) EntriesByType(eventType string) []*Entry {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*Entry
	for _, e := range r.entries {
		if e.EventType == eventType {
			out = append(out, e)
		}
	}
	return out
}

func (r *InMemoryRepository) find(id int64) *Entry {
	for _, e := range r.entries {
		if e.ID == id {
			return e
		}
	}
	return nil
}

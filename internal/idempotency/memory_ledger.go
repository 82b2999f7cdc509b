package idempotency

import (
	"context"
	"sync"
	"time"
)

// InMemoryLedger is an in-memory implementation for testing/development.
// The mutex stands in for the database's unique-constraint atomicity.
type InMemoryLedger struct {
	mu      sync.Mutex
	records map[string]*Record
}

// NewInMemoryLedger creates a new in-memory ledger.
func NewInMemoryLedger() *InMemoryLedger {
	return &InMemoryLedger{records: make(map[string]*Record)}
}

func (l *InMemoryLedger) Acquire(ctx context.Context, operation, key, fingerprint, resultReference string) (*Record, bool, error) {
	l.mu.Lock()
	defer l.mu.Unlock()

	mapKey := operation + "\x00" + key
	if existing, ok := l.records[mapKey]; ok {
		if existing.RequestFingerprint != fingerprint {
			return nil, false, ErrConflict
		}
		return existing, false, nil
	}

	rec := &Record{
		Operation:          operation,
		IdempotencyKey:     key,
		RequestFingerprint: fingerprint,
		ResultReference:    resultReference,
		CreatedAt:          time.Now().UTC(),
	}
	l.records[mapKey] = rec
	return rec, true, nil
}

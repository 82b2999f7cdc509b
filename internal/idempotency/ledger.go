// Package idempotency deduplicates client-submitted mutating requests by a
// caller-supplied key, so a timed-out caller can safely retry without the
// operation executing twice.
package idempotency

import (
	"context"
	"errors"
	"time"
)

var (
	// ErrConflict is returned when a key is reused with a different request
	// fingerprint. The caller reused a key for a different logical request; a
	// client error, not a system fault.
	ErrConflict = errors.New("idempotency key reused with a different request fingerprint")

	// ErrMissingKey is returned when a mutating request arrives without an
	// idempotency key.
	ErrMissingKey = errors.New("idempotency key is required")
)

// Record is one row per distinct (operation, idempotency key).
type Record struct {
	Operation          string
	IdempotencyKey     string
	RequestFingerprint string
	ResultReference    string
	CreatedAt          time.Time
}

// Ledger is the insert-or-return primitive. Acquire must be a single atomic
// insert with conflict handling, never read-then-write, to close the
// check-then-act race between two identical concurrent requests.
type Ledger interface {
	// Acquire returns (record, true, nil) when this call won the key, or the
	// prior record with false when the key was already taken with the same
	// fingerprint. A fingerprint mismatch fails fast with ErrConflict.
	Acquire(ctx context.Context, operation, key, fingerprint, resultReference string) (*Record, bool, error)
}

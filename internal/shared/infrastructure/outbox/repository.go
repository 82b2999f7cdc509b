package outbox

import (
	"context"
	"errors"
	"time"
)

// ErrNoTransaction is returned when Enqueue is called outside a transaction.
// Writing an entry after the owning state change committed would reopen the
// dual-write race the outbox exists to close.
var ErrNoTransaction = errors.New("outbox: enqueue requires an open transaction")

// Repository persists outbox entries.
type Repository interface {
	// Enqueue records a queued entry inside the caller's transaction.
	Enqueue(ctx context.Context, entry *Entry) error
	// Lease atomically claims up to limit dispatchable entries (queued and
	// due, or in_flight past their lease) and moves them to in_flight until
	// now+grace. Any dispatcher replica may lease; expired leases are
	// reclaimed so a crashed worker never strands an entry.
	Lease(ctx context.Context, limit int, grace time.Duration) ([]*Entry, error)
	// MarkCommitted finalizes a successfully dispatched entry.
	MarkCommitted(ctx context.Context, id int64) error
	// Requeue returns a failed attempt to the queue, due again at retryAt.
	Requeue(ctx context.Context, id int64, errMsg string, retryAt time.Time) error
	// MarkFailed terminally fails an entry after retries are exhausted.
	MarkFailed(ctx context.Context, id int64, errMsg string) error
	// PendingCount returns the number of non-terminal entries for an aggregate.
	PendingCount(ctx context.Context, aggregateID string) (int, error)
	// DeleteCommitted removes committed entries older than the retention period.
	DeleteCommitted(ctx context.Context, olderThan time.Duration) (int64, error)
}

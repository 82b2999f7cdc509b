package outbox

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
)

// PostgresRepository implements Repository using PostgreSQL.
type PostgresRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresRepository creates a new PostgreSQL outbox repository.
func NewPostgresRepository(pool *pgxpool.Pool) *PostgresRepository {
	return &PostgresRepository{pool: pool}
}

// Enqueue stores a queued entry. It refuses to run outside a transaction so
// the entry always commits or rolls back together with the state change.
func (r *PostgresRepository) Enqueue(ctx context.Context, entry *Entry) error {
	info, ok := persistence.TxInfoFromContext(ctx)
	if !ok {
		return ErrNoTransaction
	}

	query := `
		INSERT INTO outbox (
			event_id, aggregate_type, aggregate_id, event_type, routing_key,
			idempotency_key, state, payload, created_at
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING id
	`
	return info.Tx.QueryRow(ctx, query,
		entry.EventID,
		entry.AggregateType,
		entry.AggregateID,
		entry.EventType,
		entry.RoutingKey,
		entry.IdempotencyKey,
		string(StateQueued),
		entry.Payload,
		entry.CreatedAt,
	).Scan(&entry.ID)
}

// Lease claims dispatchable entries in creation order. SKIP LOCKED keeps
// concurrent dispatcher replicas from contending on the same rows.
func (r *PostgresRepository) Lease(ctx context.Context, limit int, grace time.Duration) ([]*Entry, error) {
	query := `
		UPDATE outbox SET
			state = 'in_flight',
			leased_until = NOW() + $2
		WHERE id IN (
			SELECT id FROM outbox
			WHERE (state = 'queued' AND (leased_until IS NULL OR leased_until <= NOW()))
			   OR (state = 'in_flight' AND leased_until <= NOW())
			ORDER BY created_at
			LIMIT $1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING id, event_id, aggregate_type, aggregate_id, event_type, routing_key,
		          idempotency_key, state, payload, attempts, leased_until, created_at,
		          processed_at, last_error
	`
	rows, err := r.pool.Query(ctx, query, limit, grace)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	return scanEntries(rows)
}

// MarkCommitted finalizes a successfully dispatched entry.
func (r *PostgresRepository) MarkCommitted(ctx context.Context, id int64) error {
	query := `
		UPDATE outbox
		SET state = 'committed', processed_at = NOW(), leased_until = NULL
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id)
	return err
}

// Requeue records a failed attempt and schedules the next one.
func (r *PostgresRepository) Requeue(ctx context.Context, id int64, errMsg string, retryAt time.Time) error {
	query := `
		UPDATE outbox
		SET state = 'queued',
			attempts = attempts + 1,
			last_error = $2,
			leased_until = $3
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, errMsg, retryAt)
	return err
}

// MarkFailed terminally fails an entry. The row stays queryable for
// operational recovery.
func (r *PostgresRepository) MarkFailed(ctx context.Context, id int64, errMsg string) error {
	query := `
		UPDATE outbox
		SET state = 'failed',
			attempts = attempts + 1,
			last_error = $2,
			processed_at = NOW(),
			leased_until = NULL
		WHERE id = $1
	`
	_, err := r.pool.Exec(ctx, query, id, errMsg)
	return err
}

// PendingCount returns the number of non-terminal entries for an aggregate.
func (r *PostgresRepository) PendingCount(ctx context.Context, aggregateID string) (int, error) {
	query := `
		SELECT COUNT(*) FROM outbox
		WHERE aggregate_id = $1 AND state IN ('queued', 'in_flight')
	`
	var count int
	execer := persistence.Executor(ctx, r.pool)
	err := execer.QueryRow(ctx, query, aggregateID).Scan(&count)
	return count, err
}

// DeleteCommitted removes committed entries older than the retention period.
// Failed entries are never deleted.
func (r *PostgresRepository) DeleteCommitted(ctx context.Context, olderThan time.Duration) (int64, error) {
	query := `
		DELETE FROM outbox
		WHERE state = 'committed' AND processed_at < NOW() - $1
	`
	result, err := r.pool.Exec(ctx, query, olderThan)
	if err != nil {
		return 0, err
	}
	return result.RowsAffected(), nil
}

func scanEntries(rows pgx.Rows) ([]*Entry, error) {
	var entries []*Entry

	for rows.Next() {
		var e Entry
		var state string
		err := rows.Scan(
			&e.ID,
			&e.EventID,
			&e.AggregateType,
			&e.AggregateID,
			&e.EventType,
			&e.RoutingKey,
			&e.IdempotencyKey,
			&state,
			&e.Payload,
			&e.Attempts,
			&e.LeasedUntil,
			&e.CreatedAt,
			&e.ProcessedAt,
			&e.LastError,
		)
		if err != nil {
			return nil, err
		}
		e.State = State(state)
		entries = append(entries, &e)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return entries, nil
}

package idempotency

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
)

// PostgresLedger implements Ledger using PostgreSQL. It joins the caller's
// transaction when one is in context, so the ledger row commits or rolls
// back together with the operation it guards.
type PostgresLedger struct {
	pool *pgxpool.Pool
}

// NewPostgresLedger creates a new PostgreSQL idempotency ledger.
func NewPostgresLedger(pool *pgxpool.Pool) *PostgresLedger {
	return &PostgresLedger{pool: pool}
}

// Acquire performs a single atomic insert-or-return on the primary key
// (operation, idempotency_key).
func (l *PostgresLedger) Acquire(ctx context.Context, operation, key, fingerprint, resultReference string) (*Record, bool, error) {
	execer := persistence.Executor(ctx, l.pool)

	insert := `
		INSERT INTO idempotency_records (
			operation, idempotency_key, request_fingerprint, result_reference, created_at
		) VALUES ($1, $2, $3, $4, NOW())
		ON CONFLICT (operation, idempotency_key) DO NOTHING
		RETURNING operation, idempotency_key, request_fingerprint, result_reference, created_at
	`

	var rec Record
	err := execer.QueryRow(ctx, insert, operation, key, fingerprint, resultReference).Scan(
		&rec.Operation,
		&rec.IdempotencyKey,
		&rec.RequestFingerprint,
		&rec.ResultReference,
		&rec.CreatedAt,
	)
	if err == nil {
		return &rec, true, nil
	}
	if !errors.Is(err, pgx.ErrNoRows) {
		return nil, false, fmt.Errorf("acquire idempotency key: %w", err)
	}

	// The key already exists; return the original result.
	query := `
		SELECT operation, idempotency_key, request_fingerprint, result_reference, created_at
		FROM idempotency_records
		WHERE operation = $1 AND idempotency_key = $2
	`
	err = execer.QueryRow(ctx, query, operation, key).Scan(
		&rec.Operation,
		&rec.IdempotencyKey,
		&rec.RequestFingerprint,
		&rec.ResultReference,
		&rec.CreatedAt,
	)
	if err != nil {
		return nil, false, fmt.Errorf("load idempotency record: %w", err)
	}

	if rec.RequestFingerprint != fingerprint {
		return nil, false, ErrConflict
	}

	return &rec, false, nil
}

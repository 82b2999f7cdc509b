package persistence

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holdfast-io/holdfast/internal/payment/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
)

const uniqueViolation = "23505"

const intentColumns = `id, owner_type, owner_id, reservation_id, amount_cents, currency,
	external_provider, external_id, idempotency_key, status, created_at, updated_at`

// PostgresIntentRepository implements domain.IntentRepository using PostgreSQL.
type PostgresIntentRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresIntentRepository creates a new PostgreSQL intent repository.
func NewPostgresIntentRepository(pool *pgxpool.Pool) *PostgresIntentRepository {
	return &PostgresIntentRepository{pool: pool}
}

// Insert stores a new intent. On an idempotency key collision the existing
// row is loaded into the argument instead of failing.
func (r *PostgresIntentRepository) Insert(ctx context.Context, intent *domain.Intent) error {
	query := `
		INSERT INTO payment_intents (` + intentColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	execer := persistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		intent.ID,
		intent.OwnerType,
		intent.OwnerID,
		intent.ReservationID,
		intent.AmountCents,
		intent.Currency,
		intent.ExternalProvider,
		intent.ExternalID,
		intent.IdempotencyKey,
		string(intent.Status),
		intent.CreatedAt,
		intent.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == uniqueViolation {
			existing, findErr := r.FindByIdempotencyKey(ctx, intent.IdempotencyKey)
			if findErr != nil {
				return err
			}
			*intent = *existing
			return nil
		}
		return err
	}
	return nil
}

// FindByID returns an intent by id.
func (r *PostgresIntentRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE id = $1`
	execer := persistence.Executor(ctx, r.pool)
	return scanIntent(execer.QueryRow(ctx, query, id))
}

// FindByExternalID resolves the unique (provider, external_id) pair.
func (r *PostgresIntentRepository) FindByExternalID(ctx context.Context, provider, externalID string) (*domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE external_provider = $1 AND external_id = $2`
	execer := persistence.Executor(ctx, r.pool)
	return scanIntent(execer.QueryRow(ctx, query, provider, externalID))
}

// FindByIdempotencyKey returns the intent a prior identical request created.
func (r *PostgresIntentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Intent, error) {
	query := `SELECT ` + intentColumns + ` FROM payment_intents WHERE idempotency_key = $1`
	execer := persistence.Executor(ctx, r.pool)
	return scanIntent(execer.QueryRow(ctx, query, key))
}

// TransitionStatus compare-and-swaps the status column.
func (r *PostgresIntentRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	query := `
		UPDATE payment_intents
		SET status = $3, updated_at = NOW()
		WHERE id = $1 AND status = $2
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// AttachReservation binds the intent to the reservation it funds.
func (r *PostgresIntentRepository) AttachReservation(ctx context.Context, id, reservationID uuid.UUID) error {
	query := `
		UPDATE payment_intents
		SET reservation_id = $2, updated_at = NOW()
		WHERE id = $1
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, id, reservationID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrIntentNotFound
	}
	return nil
}

func scanIntent(row pgx.Row) (*domain.Intent, error) {
	var intent domain.Intent
	var status string
	err := row.Scan(
		&intent.ID,
		&intent.OwnerType,
		&intent.OwnerID,
		&intent.ReservationID,
		&intent.AmountCents,
		&intent.Currency,
		&intent.ExternalProvider,
		&intent.ExternalID,
		&intent.IdempotencyKey,
		&status,
		&intent.CreatedAt,
		&intent.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrIntentNotFound
		}
		return nil, err
	}
	intent.Status = domain.Status(status)
	return &intent, nil
}

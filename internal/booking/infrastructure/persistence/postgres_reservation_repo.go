package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
)

const reservationColumns = `id, slot_id, requester_id, owner_id, payment_intent_id,
	idempotency_key, state, confirmed_at, cancelled_at, cancelled_reason,
	created_at, updated_at`

// PostgresReservationRepository implements domain.ReservationRepository using
// PostgreSQL. Every state change is a guarded UPDATE; the caller learns from
// the rows-affected count whether its expectation still held.
type PostgresReservationRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresReservationRepository creates a new PostgreSQL reservation repository.
func NewPostgresReservationRepository(pool *pgxpool.Pool) *PostgresReservationRepository {
	return &PostgresReservationRepository{pool: pool}
}

// Create inserts a new reservation.
func (r *PostgresReservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	query := `
		INSERT INTO reservations (` + reservationColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12)
	`
	execer := persistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		res.ID(),
		res.SlotID(),
		res.RequesterID(),
		res.OwnerID(),
		res.PaymentIntentID(),
		res.IdempotencyKey(),
		string(res.State()),
		res.ConfirmedAt(),
		res.CancelledAt(),
		nullableString(res.CancelledReason()),
		res.CreatedAt(),
		res.UpdatedAt(),
	)
	return err
}

// FindByID returns a reservation by id.
func (r *PostgresReservationRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE id = $1`
	execer := persistence.Executor(ctx, r.pool)
	return r.scanOne(execer.QueryRow(ctx, query, id))
}

// FindByIdempotencyKey returns the reservation a prior identical request created.
func (r *PostgresReservationRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	query := `SELECT ` + reservationColumns + ` FROM reservations WHERE idempotency_key = $1`
	execer := persistence.Executor(ctx, r.pool)
	return r.scanOne(execer.QueryRow(ctx, query, key))
}

// TransitionState compare-and-swaps the state column.
func (r *PostgresReservationRepository) TransitionState(ctx context.Context, id uuid.UUID, from, to domain.State) (bool, error) {
	query := `
		UPDATE reservations
		SET state = $3, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, id, string(from), string(to))
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Confirm sets CONFIRMED and confirmed_at in one guarded statement.
func (r *PostgresReservationRepository) Confirm(ctx context.Context, id uuid.UUID, from domain.State, confirmedAt time.Time) (bool, error) {
	query := `
		UPDATE reservations
		SET state = $3, confirmed_at = $4, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, id, string(from), string(domain.StateConfirmed), confirmedAt)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// Cancel moves any non-terminal reservation to CANCELLED with a reason.
func (r *PostgresReservationRepository) Cancel(ctx context.Context, id uuid.UUID, reason string, cancelledAt time.Time) (bool, error) {
	query := `
		UPDATE reservations
		SET state = $2, cancelled_at = $3, cancelled_reason = $4, updated_at = NOW()
		WHERE id = $1 AND state NOT IN ($5, $6)
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query,
		id,
		string(domain.StateCancelled),
		cancelledAt,
		reason,
		string(domain.StateConfirmed),
		string(domain.StateCancelled),
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// CancelFrom moves the reservation to CANCELLED only if it is still in the
// expected state.
func (r *PostgresReservationRepository) CancelFrom(ctx context.Context, id uuid.UUID, from domain.State, reason string, cancelledAt time.Time) (bool, error) {
	query := `
		UPDATE reservations
		SET state = $3, cancelled_at = $4, cancelled_reason = $5, updated_at = NOW()
		WHERE id = $1 AND state = $2
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query,
		id,
		string(from),
		string(domain.StateCancelled),
		cancelledAt,
		reason,
	)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// SwapSlot rebinds the reservation to a new slot.
func (r *PostgresReservationRepository) SwapSlot(ctx context.Context, id, newSlotID uuid.UUID) error {
	query := `
		UPDATE reservations
		SET slot_id = $2, updated_at = NOW()
		WHERE id = $1
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, id, newSlotID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrReservationNotFound
	}
	return nil
}

// FindExpiredHolds returns HOLD_PLACED reservations created before the cutoff.
func (r *PostgresReservationRepository) FindExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE state = $1 AND created_at < $2
		ORDER BY created_at
		LIMIT $3
	`
	return r.queryMany(ctx, query, string(domain.StateHoldPlaced), cutoff, limit)
}

// FindStuck returns non-terminal reservations older than the threshold.
func (r *PostgresReservationRepository) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Reservation, error) {
	query := `
		SELECT ` + reservationColumns + `
		FROM reservations
		WHERE state IN ($1, $2) AND created_at < $3
		ORDER BY created_at
		LIMIT $4
	`
	return r.queryMany(ctx, query,
		string(domain.StateHoldPlaced), string(domain.StateProviderConfirmed), olderThan, limit)
}

func (r *PostgresReservationRepository) queryMany(ctx context.Context, query string, args ...any) ([]*domain.Reservation, error) {
	execer := persistence.Executor(ctx, r.pool)
	rows, err := execer.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var reservations []*domain.Reservation
	for rows.Next() {
		res, err := scanReservation(rows)
		if err != nil {
			return nil, err
		}
		reservations = append(reservations, res)
	}
	return reservations, rows.Err()
}

func (r *PostgresReservationRepository) scanOne(row pgx.Row) (*domain.Reservation, error) {
	res, err := scanReservation(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrReservationNotFound
		}
		return nil, err
	}
	return res, nil
}

func scanReservation(row pgx.Row) (*domain.Reservation, error) {
	var (
		id, slotID, requesterID, ownerID, paymentIntentID uuid.UUID
		idempotencyKey, state                             string
		confirmedAt, cancelledAt                          *time.Time
		cancelledReason                                   *string
		createdAt, updatedAt                              time.Time
	)
	err := row.Scan(
		&id, &slotID, &requesterID, &ownerID, &paymentIntentID,
		&idempotencyKey, &state, &confirmedAt, &cancelledAt, &cancelledReason,
		&createdAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}
	reason := ""
	if cancelledReason != nil {
		reason = *cancelledReason
	}
	return domain.RehydrateReservation(
		id, slotID, requesterID, ownerID, paymentIntentID,
		idempotencyKey, domain.State(state),
		confirmedAt, cancelledAt, reason,
		createdAt, updatedAt,
	), nil
}

func nullableString(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

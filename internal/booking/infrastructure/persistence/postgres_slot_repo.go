package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
)

// SQLSTATE codes raised by the availability_slots constraints.
const (
	exclusionViolation = "23P01"
	uniqueViolation    = "23505"
)

// PostgresSlotRepository implements domain.SlotRepository using PostgreSQL.
// Overlap safety comes from the table's exclusion constraint; claims use a
// conditional UPDATE so exactly one contender wins.
type PostgresSlotRepository struct {
	pool *pgxpool.Pool
}

// NewPostgresSlotRepository creates a new PostgreSQL slot repository.
func NewPostgresSlotRepository(pool *pgxpool.Pool) *PostgresSlotRepository {
	return &PostgresSlotRepository{pool: pool}
}

// Create inserts an open slot.
func (r *PostgresSlotRepository) Create(ctx context.Context, slot *domain.AvailabilitySlot) error {
	return r.insert(ctx, slot)
}

// CreateClaimed inserts a slot that is claimed from birth, used when a
// reservation targets an ad-hoc interval with no pre-published slot.
func (r *PostgresSlotRepository) CreateClaimed(ctx context.Context, slot *domain.AvailabilitySlot) error {
	slot.IsAvailable = false
	return r.insert(ctx, slot)
}

func (r *PostgresSlotRepository) insert(ctx context.Context, slot *domain.AvailabilitySlot) error {
	query := `
		INSERT INTO availability_slots (id, owner_id, start_time, end_time, is_available, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`
	execer := persistence.Executor(ctx, r.pool)
	_, err := execer.Exec(ctx, query,
		slot.ID,
		slot.OwnerID,
		slot.StartTime,
		slot.EndTime,
		slot.IsAvailable,
		slot.CreatedAt,
		slot.UpdatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && (pgErr.Code == exclusionViolation || pgErr.Code == uniqueViolation) {
			return domain.ErrSlotConflict
		}
		return err
	}
	return nil
}

// FindByID returns a slot by id.
func (r *PostgresSlotRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.AvailabilitySlot, error) {
	query := `
		SELECT id, owner_id, start_time, end_time, is_available, created_at, updated_at
		FROM availability_slots
		WHERE id = $1
	`
	execer := persistence.Executor(ctx, r.pool)
	var slot domain.AvailabilitySlot
	err := execer.QueryRow(ctx, query, id).Scan(
		&slot.ID,
		&slot.OwnerID,
		&slot.StartTime,
		&slot.EndTime,
		&slot.IsAvailable,
		&slot.CreatedAt,
		&slot.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, domain.ErrSlotNotFound
		}
		return nil, err
	}
	return &slot, nil
}

// FindByOwnerWindow lists an owner's slots intersecting [from, to).
func (r *PostgresSlotRepository) FindByOwnerWindow(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]*domain.AvailabilitySlot, error) {
	query := `
		SELECT id, owner_id, start_time, end_time, is_available, created_at, updated_at
		FROM availability_slots
		WHERE owner_id = $1 AND start_time < $3 AND end_time > $2
		ORDER BY start_time
	`
	execer := persistence.Executor(ctx, r.pool)
	rows, err := execer.Query(ctx, query, ownerID, from, to)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var slots []*domain.AvailabilitySlot
	for rows.Next() {
		var slot domain.AvailabilitySlot
		err := rows.Scan(
			&slot.ID,
			&slot.OwnerID,
			&slot.StartTime,
			&slot.EndTime,
			&slot.IsAvailable,
			&slot.CreatedAt,
			&slot.UpdatedAt,
		)
		if err != nil {
			return nil, err
		}
		slots = append(slots, &slot)
	}
	return slots, rows.Err()
}

// Claim flips is_available false only if it is currently true. Zero rows
// affected means someone else won or the slot does not exist.
func (r *PostgresSlotRepository) Claim(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE availability_slots
		SET is_available = FALSE, updated_at = NOW()
		WHERE id = $1 AND is_available = TRUE
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSlotConflict
	}
	return nil
}

// Release reopens a claimed slot.
func (r *PostgresSlotRepository) Release(ctx context.Context, id uuid.UUID) error {
	query := `
		UPDATE availability_slots
		SET is_available = TRUE, updated_at = NOW()
		WHERE id = $1 AND is_available = FALSE
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, id)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return domain.ErrSlotNotFound
	}
	return nil
}

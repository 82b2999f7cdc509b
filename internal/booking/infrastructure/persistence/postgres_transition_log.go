package persistence

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
)

// PostgresTransitionLog implements domain.TransitionLog using PostgreSQL.
type PostgresTransitionLog struct {
	pool *pgxpool.Pool
}

// NewPostgresTransitionLog creates a new PostgreSQL transition log.
func NewPostgresTransitionLog(pool *pgxpool.Pool) *PostgresTransitionLog {
	return &PostgresTransitionLog{pool: pool}
}

// Append writes one audit row. Runs on the ambient transaction when present
// so the trail commits together with the transition it records.
func (l *PostgresTransitionLog) Append(ctx context.Context, rec *domain.TransitionRecord) error {
	query := `
		INSERT INTO reservation_audit_log (reservation_id, from_state, to_state, actor, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id
	`
	execer := persistence.Executor(ctx, l.pool)
	return execer.QueryRow(ctx, query,
		rec.ReservationID,
		string(rec.FromState),
		string(rec.ToState),
		rec.Actor,
		rec.Reason,
		rec.CreatedAt,
	).Scan(&rec.ID)
}

// ListByReservation returns the audit trail for one reservation, oldest first.
func (l *PostgresTransitionLog) ListByReservation(ctx context.Context, reservationID uuid.UUID) ([]*domain.TransitionRecord, error) {
	query := `
		SELECT id, reservation_id, from_state, to_state, actor, reason, created_at
		FROM reservation_audit_log
		WHERE reservation_id = $1
		ORDER BY id
	`
	execer := persistence.Executor(ctx, l.pool)
	rows, err := execer.Query(ctx, query, reservationID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var records []*domain.TransitionRecord
	for rows.Next() {
		var rec domain.TransitionRecord
		var from, to string
		err := rows.Scan(&rec.ID, &rec.ReservationID, &from, &to, &rec.Actor, &rec.Reason, &rec.CreatedAt)
		if err != nil {
			return nil, err
		}
		rec.FromState = domain.State(from)
		rec.ToState = domain.State(to)
		records = append(records, &rec)
	}
	return records, rows.Err()
}

package persistence

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/holdfast-io/holdfast/internal/payment/domain"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/persistence"
)

// PostgresWebhookEventRegistry implements domain.WebhookEventRegistry using
// PostgreSQL. The primary key on (provider, event_id) makes Record an atomic
// insert-once.
type PostgresWebhookEventRegistry struct {
	pool *pgxpool.Pool
}

// NewPostgresWebhookEventRegistry creates a new PostgreSQL webhook registry.
func NewPostgresWebhookEventRegistry(pool *pgxpool.Pool) *PostgresWebhookEventRegistry {
	return &PostgresWebhookEventRegistry{pool: pool}
}

// Record inserts the event id, reporting false on a duplicate.
func (r *PostgresWebhookEventRegistry) Record(ctx context.Context, provider, eventID string) (bool, error) {
	query := `
		INSERT INTO webhook_events (provider, event_id, received_at)
		VALUES ($1, $2, NOW())
		ON CONFLICT (provider, event_id) DO NOTHING
	`
	execer := persistence.Executor(ctx, r.pool)
	tag, err := execer.Exec(ctx, query, provider, eventID)
	if err != nil {
		return false, err
	}
	return tag.RowsAffected() > 0, nil
}

// PostgresAuditLog implements domain.AuditLog using PostgreSQL.
type PostgresAuditLog struct {
	pool *pgxpool.Pool
}

// NewPostgresAuditLog creates a new PostgreSQL webhook audit log.
func NewPostgresAuditLog(pool *pgxpool.Pool) *PostgresAuditLog {
	return &PostgresAuditLog{pool: pool}
}

// Append writes one audit row for a webhook application.
func (l *PostgresAuditLog) Append(ctx context.Context, rec *domain.AuditRecord) error {
	query := `
		INSERT INTO webhook_audit_log (event_id, provider, event_type, reservation_id, payment_intent_id, outcome, reason, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING id
	`
	execer := persistence.Executor(ctx, l.pool)
	return execer.QueryRow(ctx, query,
		rec.EventID,
		rec.Provider,
		rec.EventType,
		rec.ReservationID,
		rec.PaymentIntentID,
		string(rec.Outcome),
		rec.Reason,
		rec.CreatedAt,
	).Scan(&rec.ID)
}

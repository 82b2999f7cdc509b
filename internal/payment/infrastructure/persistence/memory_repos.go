package persistence

import (
	"context"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-io/holdfast/internal/payment/domain"
)

// InMemoryIntentRepository is a mutex-guarded implementation for tests.
type InMemoryIntentRepository struct {
	mu      sync.Mutex
	intents map[uuid.UUID]*domain.Intent
}

// NewInMemoryIntentRepository creates an empty in-memory intent repository.
func NewInMemoryIntentRepository() *InMemoryIntentRepository {
	return &InMemoryIntentRepository{intents: make(map[uuid.UUID]*domain.Intent)}
}

func (r *InMemoryIntentRepository) Insert(ctx context.Context, intent *domain.Intent) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.intents {
		if existing.IdempotencyKey == intent.IdempotencyKey {
			*intent = *existing
			return nil
		}
	}
	cp := *intent
	r.intents[intent.ID] = &cp
	return nil
}

func (r *InMemoryIntentRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[id]
	if !ok {
		return nil, domain.ErrIntentNotFound
	}
	cp := *intent
	return &cp, nil
}

func (r *InMemoryIntentRepository) FindByExternalID(ctx context.Context, provider, externalID string) (*domain.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, intent := range r.intents {
		if intent.ExternalProvider == provider && intent.ExternalID == externalID {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, domain.ErrIntentNotFound
}

func (r *InMemoryIntentRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Intent, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, intent := range r.intents {
		if intent.IdempotencyKey == key {
			cp := *intent
			return &cp, nil
		}
	}
	return nil, domain.ErrIntentNotFound
}

func (r *InMemoryIntentRepository) TransitionStatus(ctx context.Context, id uuid.UUID, from, to domain.Status) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[id]
	if !ok || intent.Status != from {
		return false, nil
	}
	intent.Status = to
	intent.UpdatedAt = time.Now().UTC()
	return true, nil
}

func (r *InMemoryIntentRepository) AttachReservation(ctx context.Context, id, reservationID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	intent, ok := r.intents[id]
	if !ok {
		return domain.ErrIntentNotFound
	}
	rid := reservationID
	intent.ReservationID = &rid
	intent.UpdatedAt = time.Now().UTC()
	return nil
}

// InMemoryWebhookEventRegistry is a mutex-guarded registry for tests.
type InMemoryWebhookEventRegistry struct {
	mu   sync.Mutex
	seen map[string]struct{}
}

// NewInMemoryWebhookEventRegistry creates an empty in-memory registry.
func NewInMemoryWebhookEventRegistry() *InMemoryWebhookEventRegistry {
	return &InMemoryWebhookEventRegistry{seen: make(map[string]struct{})}
}

func (r *InMemoryWebhookEventRegistry) Record(ctx context.Context, provider, eventID string) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	key := provider + "\x00" + eventID
	if _, ok := r.seen[key]; ok {
		return false, nil
	}
	r.seen[key] = struct{}{}
	return true, nil
}

// InMemoryAuditLog is a mutex-guarded audit log for tests.
type InMemoryAuditLog struct {
	mu      sync.Mutex
	nextID  int64
	records []*domain.AuditRecord
}

// NewInMemoryAuditLog creates an empty in-memory audit log.
func NewInMemoryAuditLog() *InMemoryAuditLog {
	return &InMemoryAuditLog{nextID: 1}
}

func (l *InMemoryAuditLog) Append(ctx context.Context, rec *domain.AuditRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.ID = l.nextID
	l.nextID++
	cp := *rec
	l.records = append(l.records, &cp)
	return nil
}

// Records returns a snapshot for test assertions.
func (l *InMemoryAuditLog) Records() []*domain.AuditRecord {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]*domain.AuditRecord, len(l.records))
	copy(out, l.records)
	return out
}

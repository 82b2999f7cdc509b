package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-io/holdfast/internal/booking/domain"
)

// InMemorySlotRepository is a mutex-guarded implementation for tests. It
// emulates the database guarantees: overlap rejection on insert and
// exactly-one-winner claims.
type InMemorySlotRepository struct {
	mu    sync.Mutex
	slots map[uuid.UUID]*domain.AvailabilitySlot
}

// NewInMemorySlotRepository creates an empty in-memory slot repository.
func NewInMemorySlotRepository() *InMemorySlotRepository {
	return &InMemorySlotRepository{slots: make(map[uuid.UUID]*domain.AvailabilitySlot)}
}

func (r *InMemorySlotRepository) Create(ctx context.Context, slot *domain.AvailabilitySlot) error {
	return r.insert(slot)
}

func (r *InMemorySlotRepository) CreateClaimed(ctx context.Context, slot *domain.AvailabilitySlot) error {
	slot.IsAvailable = false
	return r.insert(slot)
}

func (r *InMemorySlotRepository) insert(slot *domain.AvailabilitySlot) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, existing := range r.slots {
		if existing.OwnerID == slot.OwnerID && existing.Overlaps(slot.StartTime, slot.EndTime) {
			return domain.ErrSlotConflict
		}
	}
	cp := *slot
	r.slots[slot.ID] = &cp
	return nil
}

func (r *InMemorySlotRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[id]
	if !ok {
		return nil, domain.ErrSlotNotFound
	}
	cp := *slot
	return &cp, nil
}

func (r *InMemorySlotRepository) FindByOwnerWindow(ctx context.Context, ownerID uuid.UUID, from, to time.Time) ([]*domain.AvailabilitySlot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.AvailabilitySlot
	for _, slot := range r.slots {
		if slot.OwnerID == ownerID && slot.Overlaps(from, to) {
			cp := *slot
			out = append(out, &cp)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartTime.Before(out[j].StartTime) })
	return out, nil
}

func (r *InMemorySlotRepository) Claim(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[id]
	if !ok || !slot.IsAvailable {
		return domain.ErrSlotConflict
	}
	slot.IsAvailable = false
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

func (r *InMemorySlotRepository) Release(ctx context.Context, id uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	slot, ok := r.slots[id]
	if !ok || slot.IsAvailable {
		return domain.ErrSlotNotFound
	}
	slot.IsAvailable = true
	slot.UpdatedAt = time.Now().UTC()
	return nil
}

// InMemoryReservationRepository is a mutex-guarded implementation for tests.
type InMemoryReservationRepository struct {
	mu           sync.Mutex
	reservations map[uuid.UUID]*domain.Reservation
}

// NewInMemoryReservationRepository creates an empty in-memory reservation repository.
func NewInMemoryReservationRepository() *InMemoryReservationRepository {
	return &InMemoryReservationRepository{reservations: make(map[uuid.UUID]*domain.Reservation)}
}

func (r *InMemoryReservationRepository) Create(ctx context.Context, res *domain.Reservation) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.reservations[res.ID()] = clone(res)
	return nil
}

func (r *InMemoryReservationRepository) FindByID(ctx context.Context, id uuid.UUID) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok {
		return nil, domain.ErrReservationNotFound
	}
	return clone(res), nil
}

func (r *InMemoryReservationRepository) FindByIdempotencyKey(ctx context.Context, key string) (*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	for _, res := range r.reservations {
		if res.IdempotencyKey() == key {
			return clone(res), nil
		}
	}
	return nil, domain.ErrReservationNotFound
}

func (r *InMemoryReservationRepository) TransitionState(ctx context.Context, id uuid.UUID, from, to domain.State) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok || res.State() != from {
		return false, nil
	}
	r.reservations[id] = rebuild(res, to, res.ConfirmedAt(), res.CancelledAt(), res.CancelledReason())
	return true, nil
}

func (r *InMemoryReservationRepository) Confirm(ctx context.Context, id uuid.UUID, from domain.State, confirmedAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok || res.State() != from {
		return false, nil
	}
	r.reservations[id] = rebuild(res, domain.StateConfirmed, &confirmedAt, nil, "")
	return true, nil
}

func (r *InMemoryReservationRepository) Cancel(ctx context.Context, id uuid.UUID, reason string, cancelledAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok || domain.IsTerminal(res.State()) {
		return false, nil
	}
	r.reservations[id] = rebuild(res, domain.StateCancelled, res.ConfirmedAt(), &cancelledAt, reason)
	return true, nil
}

func (r *InMemoryReservationRepository) CancelFrom(ctx context.Context, id uuid.UUID, from domain.State, reason string, cancelledAt time.Time) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok || res.State() != from {
		return false, nil
	}
	r.reservations[id] = rebuild(res, domain.StateCancelled, res.ConfirmedAt(), &cancelledAt, reason)
	return true, nil
}

func (r *InMemoryReservationRepository) SwapSlot(ctx context.Context, id, newSlotID uuid.UUID) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	res, ok := r.reservations[id]
	if !ok {
		return domain.ErrReservationNotFound
	}
	r.reservations[id] = domain.RehydrateReservation(
		res.ID(), newSlotID, res.RequesterID(), res.OwnerID(), res.PaymentIntentID(),
		res.IdempotencyKey(), res.State(),
		res.ConfirmedAt(), res.CancelledAt(), res.CancelledReason(),
		res.CreatedAt(), time.Now().UTC(),
	)
	return nil
}

func (r *InMemoryReservationRepository) FindExpiredHolds(ctx context.Context, cutoff time.Time, limit int) ([]*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Reservation
	for _, res := range r.reservations {
		if res.State() == domain.StateHoldPlaced && res.CreatedAt().Before(cutoff) {
			out = append(out, clone(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *InMemoryReservationRepository) FindStuck(ctx context.Context, olderThan time.Time, limit int) ([]*domain.Reservation, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*domain.Reservation
	for _, res := range r.reservations {
		if !domain.IsTerminal(res.State()) && res.CreatedAt().Before(olderThan) {
			out = append(out, clone(res))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt().Before(out[j].CreatedAt()) })
	if len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func clone(res *domain.Reservation) *domain.Reservation {
	return domain.RehydrateReservation(
		res.ID(), res.SlotID(), res.RequesterID(), res.OwnerID(), res.PaymentIntentID(),
		res.IdempotencyKey(), res.State(),
		res.ConfirmedAt(), res.CancelledAt(), res.CancelledReason(),
		res.CreatedAt(), res.UpdatedAt(),
	)
}

func rebuild(res *domain.Reservation, state domain.State, confirmedAt, cancelledAt *time.Time, reason string) *domain.Reservation {
	return domain.RehydrateReservation(
		res.ID(), res.SlotID(), res.RequesterID(), res.OwnerID(), res.PaymentIntentID(),
		res.IdempotencyKey(), state,
		confirmedAt, cancelledAt, reason,
		res.CreatedAt(), time.Now().UTC(),
	)
}

// InMemoryTransitionLog is a mutex-guarded audit trail for tests.
type InMemoryTransitionLog struct {
	mu      sync.Mutex
	nextID  int64
	records []*domain.TransitionRecord
}

// NewInMemoryTransitionLog creates an empty in-memory transition log.
func NewInMemoryTransitionLog() *InMemoryTransitionLog {
	return &InMemoryTransitionLog{nextID: 1}
}

func (l *InMemoryTransitionLog) Append(ctx context.Context, rec *domain.TransitionRecord) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	rec.ID = l.nextID
	l.nextID++
	cp := *rec
	l.records = append(l.records, &cp)
	return nil
}

func (l *InMemoryTransitionLog) ListByReservation(ctx context.Context, reservationID uuid.UUID) ([]*domain.TransitionRecord, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	var out []*domain.TransitionRecord
	for _, rec := range l.records {
		if rec.ReservationID == reservationID {
			cp := *rec
			out = append(out, &cp)
		}
	}
	return out, nil
}

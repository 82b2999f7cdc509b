package domain

import (
	"time"

	"github.com/google/uuid"
)

// AvailabilitySlot is a time-bound resource owned by a provider. No two
// claimable slots of the same owner may overlap; the storage layer's
// exclusion constraint enforces this, not application logic.
type AvailabilitySlot struct {
	ID          uuid.UUID
	OwnerID     uuid.UUID
	StartTime   time.Time
	EndTime     time.Time
	IsAvailable bool
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// NewSlot creates an open availability slot. Intervals are half-open
// [start, end); an empty or inverted interval is rejected.
func NewSlot(ownerID uuid.UUID, start, end time.Time) (*AvailabilitySlot, error) {
	if !end.After(start) {
		return nil, ErrInvalidTimeRange
	}
	now := time.Now().UTC()
	return &AvailabilitySlot{
		ID:          uuid.New(),
		OwnerID:     ownerID,
		StartTime:   start.UTC(),
		EndTime:     end.UTC(),
		IsAvailable: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}, nil
}

// Overlaps reports whether two half-open intervals intersect.
func (s *AvailabilitySlot) Overlaps(start, end time.Time) bool {
	return s.StartTime.Before(end) && start.Before(s.EndTime)
}

package domain

import "errors"

var (
	// ErrSlotConflict is the contention error: another contender won the
	// slot or the interval overlaps a claimable one. Expected under load.
	ErrSlotConflict = errors.New("slot already claimed or interval overlaps an existing slot")

	ErrSlotNotFound        = errors.New("availability slot not found")
	ErrInvalidTimeRange    = errors.New("end time must be after start time")
	ErrReservationNotFound = errors.New("reservation not found")
	ErrNotRequester        = errors.New("caller does not own the reservation")
	ErrInvalidTransition   = errors.New("invalid reservation state transition")
	ErrAlreadyTerminal     = errors.New("reservation is in a terminal state")
)

package domain

import (
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrIntentNotFound            = errors.New("payment intent not found")
	ErrInvalidStatusTransition   = errors.New("invalid payment status transition")
	ErrInvalidPaymentIntent      = errors.New("payment intent does not exist at the provider")
	ErrInvalidPaymentIntentState = errors.New("payment intent is not in a state compatible with the operation")
	ErrPaymentAmountMismatch     = errors.New("payment intent amount or currency does not match")
)

// Status is the lifecycle state of a payment authorization.
type Status string

const (
	StatusCreated    Status = "created"
	StatusAuthorized Status = "authorized"
	StatusCaptured   Status = "captured"
	StatusRefunded   Status = "refunded"
)

// validTransitions is the fixed transition table. Only these edges are
// legal; refunded is terminal.
var validTransitions = map[Status][]Status{
	StatusCreated:    {StatusAuthorized},
	StatusAuthorized: {StatusCaptured},
	StatusCaptured:   {StatusRefunded},
	StatusRefunded:   {},
}

// CanTransition reports whether from → to is a legal edge. Re-applying the
// same target status is allowed so duplicate webhook deliveries stay safe.
func CanTransition(from, to Status) bool {
	if from == to {
		return true
	}
	for _, next := range validTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no further transitions are allowed.
func IsTerminal(s Status) bool {
	return len(validTransitions[s]) == 0
}

// Intent is a payment authorization against an external provider.
type Intent struct {
	ID               uuid.UUID
	OwnerType        string
	OwnerID          uuid.UUID
	ReservationID    *uuid.UUID
	AmountCents      int64
	Currency         string
	ExternalProvider string
	ExternalID       string
	IdempotencyKey   string
	Status           Status
	CreatedAt        time.Time
	UpdatedAt        time.Time
}

// Matches reports whether the intent covers the expected amount and currency.
func (i *Intent) Matches(amountCents int64, currency string) bool {
	return i.AmountCents == amountCents && i.Currency == currency
}

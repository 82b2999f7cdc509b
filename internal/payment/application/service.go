// Package application orchestrates payment intent use cases and the webhook
// ingestion guard.
package application

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/holdfast-io/holdfast/internal/idempotency"
	"github.com/holdfast-io/holdfast/internal/payment/domain"
)

// OpCreateIntent scopes idempotency keys in the ledger.
const OpCreateIntent = "payment_intent.create"

// CreateIntentCommand registers an externally created payment object with the
// engine.
type CreateIntentCommand struct {
	OwnerType        string
	OwnerID          uuid.UUID
	AmountCents      int64
	Currency         string
	ExternalProvider string
	ExternalID       string
	IdempotencyKey   string
}

// IntentService implements payment intent use cases. Intent creation is
// idempotent through the unique idempotency key on the intents table; the
// shared ledger is not needed here.
type IntentService struct {
	intents  domain.IntentRepository
	provider domain.Provider
	logger   *slog.Logger
}

// NewIntentService creates a new intent service.
func NewIntentService(
	intents domain.IntentRepository,
	provider domain.Provider,
	logger *slog.Logger,
) *IntentService {
	return &IntentService{
		intents:  intents,
		provider: provider,
		logger:   logger,
	}
}

// CreateIntent verifies the payment object against the provider before
// persisting it. A forged or mistyped external id never enters the engine.
func (s *IntentService) CreateIntent(ctx context.Context, cmd CreateIntentCommand) (*domain.Intent, error) {
	if cmd.IdempotencyKey == "" {
		return nil, idempotency.ErrMissingKey
	}

	if existing, err := s.intents.FindByIdempotencyKey(ctx, cmd.IdempotencyKey); err == nil {
		// A reused key must carry the same request. Anything else is a
		// different intent hiding behind an old key.
		if existing.AmountCents != cmd.AmountCents ||
			existing.Currency != cmd.Currency ||
			existing.ExternalProvider != cmd.ExternalProvider ||
			existing.ExternalID != cmd.ExternalID {
			return nil, idempotency.ErrConflict
		}
		return existing, nil
	} else if !errors.Is(err, domain.ErrIntentNotFound) {
		return nil, err
	}

	obj, err := s.provider.Retrieve(ctx, cmd.ExternalID)
	if err != nil {
		return nil, err
	}
	if obj == nil {
		return nil, domain.ErrInvalidPaymentIntent
	}
	if !domain.CompatibleForHold(obj.Status) {
		return nil, domain.ErrInvalidPaymentIntentState
	}
	if obj.AmountCents != cmd.AmountCents || obj.Currency != cmd.Currency {
		return nil, domain.ErrPaymentAmountMismatch
	}

	now := time.Now().UTC()
	intent := &domain.Intent{
		ID:               uuid.New(),
		OwnerType:        cmd.OwnerType,
		OwnerID:          cmd.OwnerID,
		AmountCents:      cmd.AmountCents,
		Currency:         cmd.Currency,
		ExternalProvider: cmd.ExternalProvider,
		ExternalID:       cmd.ExternalID,
		IdempotencyKey:   cmd.IdempotencyKey,
		Status:           domain.StatusCreated,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	if err := s.intents.Insert(ctx, intent); err != nil {
		return nil, err
	}

	s.logger.Info("payment intent registered",
		"payment_intent_id", intent.ID,
		"provider", intent.ExternalProvider,
		"external_id", intent.ExternalID)
	return intent, nil
}

// Get returns an intent by id.
func (s *IntentService) Get(ctx context.Context, id uuid.UUID) (*domain.Intent, error) {
	return s.intents.FindByID(ctx, id)
}

// Refund asks the provider to refund a captured intent and records the
// transition. Called by the worker when a refund_requested event dispatches.
func (s *IntentService) Refund(ctx context.Context, id uuid.UUID) error {
	intent, err := s.intents.FindByID(ctx, id)
	if err != nil {
		return err
	}
	if intent.Status == domain.StatusRefunded {
		return nil
	}
	if intent.Status != domain.StatusCaptured {
		return domain.ErrInvalidStatusTransition
	}

	if err := s.provider.Refund(ctx, intent.ExternalID); err != nil {
		return err
	}
	swapped, err := s.intents.TransitionStatus(ctx, id, domain.StatusCaptured, domain.StatusRefunded)
	if err != nil {
		return err
	}
	if !swapped {
		// Another worker refunded concurrently. The provider call is
		// idempotent on its side, so nothing to undo.
		return nil
	}

	s.logger.Info("payment refunded", "payment_intent_id", id)
	return nil
}

package application

import (
	"context"
	"io"
	"log/slog"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/holdfast-io/holdfast/internal/idempotency"
	"github.com/holdfast-io/holdfast/internal/payment/domain"
	paymentPersistence "github.com/holdfast-io/holdfast/internal/payment/infrastructure/persistence"
	"github.com/holdfast-io/holdfast/internal/payment/infrastructure/provider"
)

func newIntentService(fake *provider.FakeProvider) (*IntentService, *paymentPersistence.InMemoryIntentRepository) {
	intents := paymentPersistence.NewInMemoryIntentRepository()
	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	return NewIntentService(intents, fake, logger), intents
}

func registerObject(fake *provider.FakeProvider, status string) domain.ProviderObject {
	obj := domain.ProviderObject{
		ID:          "pi_" + uuid.NewString(),
		Status:      status,
		AmountCents: 5000,
		Currency:    "EUR",
	}
	fake.Register(obj)
	return obj
}

func intentCommand(obj domain.ProviderObject) CreateIntentCommand {
	return CreateIntentCommand{
		OwnerType:        "user",
		OwnerID:          uuid.New(),
		AmountCents:      obj.AmountCents,
		Currency:         obj.Currency,
		ExternalProvider: "stripe",
		ExternalID:       obj.ID,
		IdempotencyKey:   uuid.NewString(),
	}
}

func TestCreateIntent(t *testing.T) {
	fake := provider.NewFakeProvider()
	service, _ := newIntentService(fake)
	obj := registerObject(fake, domain.ProviderStatusRequiresCapture)

	intent, err := service.CreateIntent(context.Background(), intentCommand(obj))
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCreated, intent.Status)
	assert.Equal(t, obj.ID, intent.ExternalID)
	assert.Equal(t, int64(5000), intent.AmountCents)
}

func TestCreateIntentMissingKey(t *testing.T) {
	fake := provider.NewFakeProvider()
	service, _ := newIntentService(fake)
	obj := registerObject(fake, domain.ProviderStatusRequiresCapture)

	cmd := intentCommand(obj)
	cmd.IdempotencyKey = ""
	_, err := service.CreateIntent(context.Background(), cmd)
	assert.ErrorIs(t, err, idempotency.ErrMissingKey)
}

func TestCreateIntentIdempotentReplay(t *testing.T) {
	fake := provider.NewFakeProvider()
	service, _ := newIntentService(fake)
	obj := registerObject(fake, domain.ProviderStatusRequiresCapture)
	cmd := intentCommand(obj)

	first, err := service.CreateIntent(context.Background(), cmd)
	require.NoError(t, err)

	// Replay never re-verifies against the provider.
	fake.FailNext = provider.ErrProviderUnavailable
	second, err := service.CreateIntent(context.Background(), cmd)
	require.NoError(t, err)
	assert.Equal(t, first.ID, second.ID)
}

func TestCreateIntentKeyReuseDifferentRequest(t *testing.T) {
	fake := provider.NewFakeProvider()
	service, _ := newIntentService(fake)
	obj := registerObject(fake, domain.ProviderStatusRequiresCapture)
	cmd := intentCommand(obj)

	_, err := service.CreateIntent(context.Background(), cmd)
	require.NoError(t, err)

	// Same key, different amount: not a retry, and never silently replayed.
	cmd.AmountCents = 9999
	_, err = service.CreateIntent(context.Background(), cmd)
	assert.ErrorIs(t, err, idempotency.ErrConflict)

	// Same key, different payment object: same verdict.
	other := registerObject(fake, domain.ProviderStatusRequiresCapture)
	mismatch := intentCommand(other)
	mismatch.IdempotencyKey = cmd.IdempotencyKey
	_, err = service.CreateIntent(context.Background(), mismatch)
	assert.ErrorIs(t, err, idempotency.ErrConflict)
}

func TestCreateIntentProviderValidation(t *testing.T) {
	t.Run("unknown payment object", func(t *testing.T) {
		fake := provider.NewFakeProvider()
		service, _ := newIntentService(fake)

		cmd := intentCommand(domain.ProviderObject{ID: "pi_missing", AmountCents: 5000, Currency: "EUR"})
		_, err := service.CreateIntent(context.Background(), cmd)
		assert.ErrorIs(t, err, domain.ErrInvalidPaymentIntent)
	})

	t.Run("incompatible provider status", func(t *testing.T) {
		fake := provider.NewFakeProvider()
		service, _ := newIntentService(fake)
		obj := registerObject(fake, domain.ProviderStatusCanceled)

		_, err := service.CreateIntent(context.Background(), intentCommand(obj))
		assert.ErrorIs(t, err, domain.ErrInvalidPaymentIntentState)
	})

	t.Run("amount mismatch", func(t *testing.T) {
		fake := provider.NewFakeProvider()
		service, _ := newIntentService(fake)
		obj := registerObject(fake, domain.ProviderStatusRequiresCapture)

		cmd := intentCommand(obj)
		cmd.AmountCents = 100
		_, err := service.CreateIntent(context.Background(), cmd)
		assert.ErrorIs(t, err, domain.ErrPaymentAmountMismatch)
	})
}

func TestRefund(t *testing.T) {
	fake := provider.NewFakeProvider()
	service, intents := newIntentService(fake)
	obj := registerObject(fake, domain.ProviderStatusSucceeded)
	ctx := context.Background()

	now := time.Now().UTC()
	intent := &domain.Intent{
		ID:               uuid.New(),
		AmountCents:      obj.AmountCents,
		Currency:         obj.Currency,
		ExternalProvider: "stripe",
		ExternalID:       obj.ID,
		IdempotencyKey:   uuid.NewString(),
		Status:           domain.StatusCaptured,
		CreatedAt:        now,
		UpdatedAt:        now,
	}
	require.NoError(t, intents.Insert(ctx, intent))

	require.NoError(t, service.Refund(ctx, intent.ID))

	stored, err := intents.FindByID(ctx, intent.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusRefunded, stored.Status)

	// Refunding a refunded intent is a no-op.
	require.NoError(t, service.Refund(ctx, intent.ID))
}

func TestRefundRequiresCapture(t *testing.T) {
	fake := provider.NewFakeProvider()
	service, intents := newIntentService(fake)
	obj := registerObject(fake, domain.ProviderStatusRequiresCapture)
	ctx := context.Background()

	now := time.Now().UTC()
	intent := &domain.Intent{
		ID:             uuid.New(),
		AmountCents:    obj.AmountCents,
		Currency:       obj.Currency,
		ExternalID:     obj.ID,
		IdempotencyKey: uuid.NewString(),
		Status:         domain.StatusAuthorized,
		CreatedAt:      now,
		UpdatedAt:      now,
	}
	require.NoError(t, intents.Insert(ctx, intent))

	err := service.Refund(ctx, intent.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidStatusTransition)

	_, err = service.Get(ctx, uuid.New())
	assert.ErrorIs(t, err, domain.ErrIntentNotFound)
}

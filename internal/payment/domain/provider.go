package domain

import "context"

// Provider statuses reported by the external payment provider for a payment
// object. The engine only depends on this reduced vocabulary.
const (
	ProviderStatusRequiresCapture = "requires_capture"
	ProviderStatusProcessing      = "processing"
	ProviderStatusSucceeded       = "succeeded"
	ProviderStatusCanceled        = "canceled"
)

// ProviderObject is the provider-side view of a payment.
type ProviderObject struct {
	ID          string
	Status      string
	AmountCents int64
	Currency    string
}

// Provider is the capability abstraction over the external payment provider.
// Tests inject deterministic fakes instead of relying on randomness or the
// real provider.
type Provider interface {
	Retrieve(ctx context.Context, externalID string) (*ProviderObject, error)
	Confirm(ctx context.Context, externalID string) error
	Capture(ctx context.Context, externalID string) error
	Refund(ctx context.Context, externalID string) error
}

// CompatibleForHold reports whether a provider status allows binding the
// payment to a new hold.
func CompatibleForHold(status string) bool {
	switch status {
	case ProviderStatusRequiresCapture, ProviderStatusProcessing, ProviderStatusSucceeded:
		return true
	}
	return false
}

package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestCanTransition(t *testing.T) {
	tests := []struct {
		name string
		from Status
		to   Status
		want bool
	}{
		{"created to authorized", StatusCreated, StatusAuthorized, true},
		{"authorized to captured", StatusAuthorized, StatusCaptured, true},
		{"captured to refunded", StatusCaptured, StatusRefunded, true},
		{"created to captured skips", StatusCreated, StatusCaptured, false},
		{"captured to authorized backwards", StatusCaptured, StatusAuthorized, false},
		{"refunded is terminal", StatusRefunded, StatusCaptured, false},
		// Duplicate deliveries re-apply the same status as a no-op.
		{"same status created", StatusCreated, StatusCreated, true},
		{"same status captured", StatusCaptured, StatusCaptured, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, CanTransition(tt.from, tt.to))
		})
	}
}

func TestIsTerminal(t *testing.T) {
	assert.False(t, IsTerminal(StatusCreated))
	assert.False(t, IsTerminal(StatusAuthorized))
	assert.False(t, IsTerminal(StatusCaptured))
	assert.True(t, IsTerminal(StatusRefunded))
}

func TestIntentMatches(t *testing.T) {
	intent := &Intent{AmountCents: 5000, Currency: "EUR"}

	assert.True(t, intent.Matches(5000, "EUR"))
	assert.False(t, intent.Matches(5001, "EUR"))
	assert.False(t, intent.Matches(5000, "USD"))
}

func TestCompatibleForHold(t *testing.T) {
	assert.True(t, CompatibleForHold(ProviderStatusRequiresCapture))
	assert.True(t, CompatibleForHold(ProviderStatusProcessing))
	assert.True(t, CompatibleForHold(ProviderStatusSucceeded))
	assert.False(t, CompatibleForHold(ProviderStatusCanceled))
	assert.False(t, CompatibleForHold("something_else"))
}

// Package provider contains adapters for the external payment provider.
package provider

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/sony/gobreaker/v2"

	"github.com/holdfast-io/holdfast/internal/payment/domain"
)

// ErrProviderUnavailable is returned when the provider is down or the
// circuit breaker is open. Callers treat it as retryable.
var ErrProviderUnavailable = errors.New("payment provider unavailable")

// HTTPProviderConfig configures the HTTP provider adapter.
type HTTPProviderConfig struct {
	BaseURL string
	APIKey  string
	Timeout time.Duration
}

// HTTPProvider implements domain.Provider against the provider's REST API.
// A circuit breaker sheds load when the provider misbehaves so booking
// requests fail fast instead of piling up on a dead upstream.
type HTTPProvider struct {
	config  HTTPProviderConfig
	client  *http.Client
	breaker *gobreaker.CircuitBreaker[*domain.ProviderObject]
	logger  *slog.Logger
}

// NewHTTPProvider creates a new HTTP provider adapter.
func NewHTTPProvider(config HTTPProviderConfig, logger *slog.Logger) *HTTPProvider {
	if config.Timeout == 0 {
		config.Timeout = 10 * time.Second
	}
	settings := gobreaker.Settings{
		Name:    "payment-provider",
		Timeout: 30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.Warn("provider circuit state changed",
				"breaker", name, "from", from.String(), "to", to.String())
		},
	}
	return &HTTPProvider{
		config:  config,
		client:  &http.Client{Timeout: config.Timeout},
		breaker: gobreaker.NewCircuitBreaker[*domain.ProviderObject](settings),
		logger:  logger,
	}
}

// Retrieve fetches the provider-side payment object.
func (p *HTTPProvider) Retrieve(ctx context.Context, externalID string) (*domain.ProviderObject, error) {
	obj, err := p.breaker.Execute(func() (*domain.ProviderObject, error) {
		return p.get(ctx, externalID)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return nil, ErrProviderUnavailable
		}
		return nil, err
	}
	return obj, nil
}

// Confirm asks the provider to confirm the payment.
func (p *HTTPProvider) Confirm(ctx context.Context, externalID string) error {
	return p.post(ctx, externalID, "confirm")
}

// Capture asks the provider to capture the authorized amount.
func (p *HTTPProvider) Capture(ctx context.Context, externalID string) error {
	return p.post(ctx, externalID, "capture")
}

// Refund asks the provider to refund the captured amount. The provider
// treats a repeated refund of the same payment as a no-op.
func (p *HTTPProvider) Refund(ctx context.Context, externalID string) error {
	return p.post(ctx, externalID, "refund")
}

func (p *HTTPProvider) get(ctx context.Context, externalID string) (*domain.ProviderObject, error) {
	url := fmt.Sprintf("%s/v1/payment_intents/%s", p.config.BaseURL, externalID)
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

	resp, err := p.client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNotFound:
		return nil, domain.ErrInvalidPaymentIntent
	default:
		body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
		return nil, fmt.Errorf("provider returned %d: %s", resp.StatusCode, body)
	}

	var payload struct {
		ID       string `json:"id"`
		Status   string `json:"status"`
		Amount   int64  `json:"amount"`
		Currency string `json:"currency"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return nil, err
	}
	return &domain.ProviderObject{
		ID:          payload.ID,
		Status:      payload.Status,
		AmountCents: payload.Amount,
		Currency:    payload.Currency,
	}, nil
}

func (p *HTTPProvider) post(ctx context.Context, externalID, action string) error {
	_, err := p.breaker.Execute(func() (*domain.ProviderObject, error) {
		url := fmt.Sprintf("%s/v1/payment_intents/%s/%s", p.config.BaseURL, externalID, action)
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, nil)
		if err != nil {
			return nil, err
		}
		req.Header.Set("Authorization", "Bearer "+p.config.APIKey)

		resp, err := p.client.Do(req)
		if err != nil {
			return nil, err
		}
		defer resp.Body.Close()

		switch resp.StatusCode {
		case http.StatusOK, http.StatusNoContent:
			return nil, nil
		case http.StatusNotFound:
			return nil, domain.ErrInvalidPaymentIntent
		case http.StatusConflict:
			return nil, domain.ErrInvalidPaymentIntentState
		default:
			body, _ := io.ReadAll(io.LimitReader(resp.Body, 1024))
			return nil, fmt.Errorf("provider %s returned %d: %s", action, resp.StatusCode, body)
		}
	})
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return ErrProviderUnavailable
	}
	return err
}

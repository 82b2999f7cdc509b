package api

import (
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"io"
	"log/slog"
	"net/http"
	"time"

	paymentApp "github.com/holdfast-io/holdfast/internal/payment/application"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives payment provider notifications. Once an event is
// durably recorded the handler answers success, even for ignored events, so
// the provider's retry machinery stops.
type WebhookHandler struct {
	guard    *paymentApp.WebhookGuard
	secret   []byte
	provider string
	logger   *slog.Logger
}

// NewWebhookHandler creates a new webhook handler.
func NewWebhookHandler(guard *paymentApp.WebhookGuard, secret, providerName string, logger *slog.Logger) *WebhookHandler {
	return &WebhookHandler{
		guard:    guard,
		secret:   []byte(secret),
		provider: providerName,
		logger:   logger,
	}
}

type providerEvent struct {
	ID        string `json:"id"`
	Type      string `json:"type"`
	CreatedAt int64  `json:"created"`
	Data      struct {
		Object struct {
			ID string `json:"id"`
		} `json:"object"`
	} `json:"data"`
}

// HandleProviderEvent verifies the signature and hands the event to the guard.
func (h *WebhookHandler) HandleProviderEvent(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, maxWebhookBody))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "unreadable body")
		return
	}

	if !h.verifySignature(body, r.Header.Get("X-Signature")) {
		h.logger.Warn("webhook signature rejected", "remote", r.RemoteAddr)
		writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "signature verification failed")
		return
	}

	var evt providerEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if evt.ID == "" || evt.Data.Object.ID == "" {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "event id and payment object id are required")
		return
	}

	outcome, err := h.guard.Apply(r.Context(), paymentApp.WebhookEvent{
		Provider:          h.provider,
		EventID:           evt.ID,
		Type:              evt.Type,
		ExternalPaymentID: evt.Data.Object.ID,
		OccurredAt:        time.Unix(evt.CreatedAt, 0).UTC(),
	})
	if err != nil {
		// System fault: signal the provider to retry.
		h.logger.Error("webhook apply failed", "event_id", evt.ID, "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "event could not be recorded")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"received": true,
		"applied":  outcome.Applied,
	})
}

func (h *WebhookHandler) verifySignature(body []byte, signature string) bool {
	if len(h.secret) == 0 || signature == "" {
		return false
	}
	mac := hmac.New(sha256.New, h.secret)
	mac.Write(body)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(signature))
}

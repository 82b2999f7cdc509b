package api

import (
	"log/slog"
	"net/http"

	bookingApp "github.com/holdfast-io/holdfast/internal/booking/application"
	"github.com/holdfast-io/holdfast/internal/shared/infrastructure/outbox"
)

// OpsHandler exposes operational metrics: outbox dispatch health and reaper
// sweep outcomes.
type OpsHandler struct {
	dispatcher *outbox.Dispatcher
	reaper     *bookingApp.Reaper
	logger     *slog.Logger
}

// NewOpsHandler creates a new ops handler. Either component may be nil when
// the process does not run it.
func NewOpsHandler(dispatcher *outbox.Dispatcher, reaper *bookingApp.Reaper, logger *slog.Logger) *OpsHandler {
	return &OpsHandler{dispatcher: dispatcher, reaper: reaper, logger: logger}
}

// Metrics returns a snapshot of worker statistics.
func (h *OpsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	payload := map[string]any{}
	if h.dispatcher != nil {
		payload["outbox"] = h.dispatcher.GetStats()
	}
	if h.reaper != nil {
		payload["reaper"] = h.reaper.GetStats()
	}
	writeJSON(w, http.StatusOK, payload)
}

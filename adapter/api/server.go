// Package api provides the HTTP surface of the booking engine: reservation
// endpoints, the payment provider webhook, and the ops metrics view.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"
)

// Server is the HTTP API server.
type Server struct {
	mux          *http.ServeMux
	server       *http.Server
	logger       *slog.Logger
	reservations *ReservationHandler
	webhooks     *WebhookHandler
	ops          *OpsHandler
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns the default server configuration.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Addr:         "0.0.0.0:8080",
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig, reservations *ReservationHandler, webhooks *WebhookHandler, ops *OpsHandler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}

	mux := http.NewServeMux()

	s := &Server{
		mux:          mux,
		logger:       logger,
		reservations: reservations,
		webhooks:     webhooks,
		ops:          ops,
	}

	s.registerRoutes()

	s.server = &http.Server{
		Addr:         cfg.Addr,
		Handler:      s.mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}

	return s
}

// registerRoutes sets up the API routes.
func (s *Server) registerRoutes() {
	s.mux.HandleFunc("GET /health", s.handleHealth)

	// Reservations API v1
	s.mux.HandleFunc("POST /api/v1/reservations", s.reservations.Create)
	s.mux.HandleFunc("GET /api/v1/reservations/{reservationID}", s.reservations.Get)
	s.mux.HandleFunc("GET /api/v1/reservations/{reservationID}/audit", s.reservations.AuditTrail)
	s.mux.HandleFunc("POST /api/v1/reservations/{reservationID}/provider-confirm", s.reservations.ProviderConfirm)
	s.mux.HandleFunc("POST /api/v1/reservations/{reservationID}/cancel", s.reservations.Cancel)
	s.mux.HandleFunc("POST /api/v1/reservations/{reservationID}/reschedule", s.reservations.Reschedule)
	s.mux.HandleFunc("POST /api/v1/bookings/confirm", s.reservations.ConfirmBooking)
	s.mux.HandleFunc("POST /api/v1/payment-intents", s.reservations.CreatePaymentIntent)

	// External webhook surface
	s.mux.HandleFunc("POST /webhooks/payment-provider", s.webhooks.HandleProviderEvent)

	// Ops
	s.mux.HandleFunc("GET /api/v1/ops/metrics", s.ops.Metrics)
}

// handleHealth handles health check requests.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
		"time":   time.Now().UTC().Format(time.RFC3339),
	})
}

// Start starts the API server.
func (s *Server) Start() error {
	s.logger.Info("starting API server", "addr", s.server.Addr)
	return s.server.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("shutting down API server")
	return s.server.Shutdown(ctx)
}

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		if err := json.NewEncoder(w).Encode(data); err != nil {
			slog.Error("failed to encode JSON response", "error", err)
		}
	}
}

// writeError writes a JSON error response with a machine-readable code.
func writeError(w http.ResponseWriter, status int, code, message string) {
	writeJSON(w, status, map[string]string{
		"code":    code,
		"message": message,
	})
}

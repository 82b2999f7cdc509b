package api

import (
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	bookingApp "github.com/holdfast-io/holdfast/internal/booking/application"
	bookingDomain "github.com/holdfast-io/holdfast/internal/booking/domain"
	"github.com/holdfast-io/holdfast/internal/idempotency"
	paymentApp "github.com/holdfast-io/holdfast/internal/payment/application"
	paymentDomain "github.com/holdfast-io/holdfast/internal/payment/domain"
	"github.com/holdfast-io/holdfast/internal/payment/infrastructure/provider"
)

// ReservationHandler serves the reservation and payment intent endpoints.
type ReservationHandler struct {
	reservations *bookingApp.ReservationService
	intents      *paymentApp.IntentService
	logger       *slog.Logger
}

// NewReservationHandler creates a new reservation handler.
func NewReservationHandler(reservations *bookingApp.ReservationService, intents *paymentApp.IntentService, logger *slog.Logger) *ReservationHandler {
	return &ReservationHandler{
		reservations: reservations,
		intents:      intents,
		logger:       logger,
	}
}

type createReservationRequest struct {
	OwnerID         string `json:"ownerId"`
	RequesterID     string `json:"requesterId"`
	SlotID          string `json:"slotId,omitempty"`
	SlotStartTime   string `json:"slotStartTime,omitempty"`
	SlotEndTime     string `json:"slotEndTime,omitempty"`
	PaymentIntentID string `json:"paymentIntentId"`
	AmountCents     int64  `json:"amountCents,omitempty"`
	Currency        string `json:"currency,omitempty"`
	IdempotencyKey  string `json:"idempotencyKey"`
}

type reservationResponse struct {
	ReservationID   string     `json:"reservationId"`
	SlotID          string     `json:"slotId"`
	RequesterID     string     `json:"requesterId"`
	OwnerID         string     `json:"ownerId"`
	PaymentIntentID string     `json:"paymentIntentId"`
	State           string     `json:"state"`
	ConfirmedAt     *time.Time `json:"confirmedAt,omitempty"`
	CancelledAt     *time.Time `json:"cancelledAt,omitempty"`
	CancelledReason string     `json:"cancelledReason,omitempty"`
	CreatedAt       time.Time  `json:"createdAt"`
}

func toReservationResponse(r *bookingDomain.Reservation) reservationResponse {
	return reservationResponse{
		ReservationID:   r.ID().String(),
		SlotID:          r.SlotID().String(),
		RequesterID:     r.RequesterID().String(),
		OwnerID:         r.OwnerID().String(),
		PaymentIntentID: r.PaymentIntentID().String(),
		State:           string(r.State()),
		ConfirmedAt:     r.ConfirmedAt(),
		CancelledAt:     r.CancelledAt(),
		CancelledReason: r.CancelledReason(),
		CreatedAt:       r.CreatedAt(),
	}
}

// Create places a hold on a slot.
func (h *ReservationHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req createReservationRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}

	cmd, err := h.buildCreateCommand(req)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", err.Error())
		return
	}

	result, err := h.reservations.CreateReservation(r.Context(), cmd)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	status := http.StatusCreated
	if result.Replayed {
		status = http.StatusOK
	}
	writeJSON(w, status, toReservationResponse(result.Reservation))
}

// ConfirmBooking creates a HOLD_PLACED reservation bound to a pre-verified
// payment intent. It never sets confirmed_at; only the capture webhook does.
func (h *ReservationHandler) ConfirmBooking(w http.ResponseWriter, r *http.Request) {
	h.Create(w, r)
}

func (h *ReservationHandler) buildCreateCommand(req createReservationRequest) (bookingApp.CreateReservationCommand, error) {
	var cmd bookingApp.CreateReservationCommand
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		return cmd, errors.New("ownerId must be a UUID")
	}
	requesterID, err := uuid.Parse(req.RequesterID)
	if err != nil {
		return cmd, errors.New("requesterId must be a UUID")
	}
	intentID, err := uuid.Parse(req.PaymentIntentID)
	if err != nil {
		return cmd, errors.New("paymentIntentId must be a UUID")
	}

	cmd = bookingApp.CreateReservationCommand{
		OwnerID:         ownerID,
		RequesterID:     requesterID,
		PaymentIntentID: intentID,
		AmountCents:     req.AmountCents,
		Currency:        req.Currency,
		IdempotencyKey:  req.IdempotencyKey,
	}

	if req.SlotID != "" {
		slotID, err := uuid.Parse(req.SlotID)
		if err != nil {
			return cmd, errors.New("slotId must be a UUID")
		}
		cmd.SlotID = &slotID
		return cmd, nil
	}

	start, err := time.Parse(time.RFC3339, req.SlotStartTime)
	if err != nil {
		return cmd, errors.New("slotStartTime must be RFC3339")
	}
	end, err := time.Parse(time.RFC3339, req.SlotEndTime)
	if err != nil {
		return cmd, errors.New("slotEndTime must be RFC3339")
	}
	cmd.Start, cmd.End = start, end
	return cmd, nil
}

// Get returns a reservation snapshot.
func (h *ReservationHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	reservation, err := h.reservations.Get(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(reservation))
}

// AuditTrail returns the recorded state transitions.
func (h *ReservationHandler) AuditTrail(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	records, err := h.reservations.AuditTrail(r.Context(), id)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	type entry struct {
		FromState string    `json:"fromState"`
		ToState   string    `json:"toState"`
		Actor     string    `json:"actor"`
		Reason    string    `json:"reason,omitempty"`
		At        time.Time `json:"at"`
	}
	out := make([]entry, 0, len(records))
	for _, rec := range records {
		out = append(out, entry{
			FromState: string(rec.FromState),
			ToState:   string(rec.ToState),
			Actor:     rec.Actor,
			Reason:    rec.Reason,
			At:        rec.CreatedAt,
		})
	}
	writeJSON(w, http.StatusOK, map[string]any{"transitions": out})
}

// ProviderConfirm records the owner's confirmation of a hold.
func (h *ReservationHandler) ProviderConfirm(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		OwnerID string `json:"ownerId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "ownerId must be a UUID")
		return
	}

	reservation, err := h.reservations.ProviderConfirm(r.Context(), id, ownerID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(reservation))
}

// Cancel cancels a non-terminal reservation.
func (h *ReservationHandler) Cancel(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		RequesterID string `json:"requesterId"`
		Reason      string `json:"reason,omitempty"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	requesterID, err := uuid.Parse(req.RequesterID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "requesterId must be a UUID")
		return
	}

	reservation, err := h.reservations.Cancel(r.Context(), id, requesterID, req.Reason)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(reservation))
}

// Reschedule swaps the reservation onto a new slot atomically.
func (h *ReservationHandler) Reschedule(w http.ResponseWriter, r *http.Request) {
	id, ok := h.pathID(w, r)
	if !ok {
		return
	}
	var req struct {
		RequesterID string `json:"requesterId"`
		SlotID      string `json:"slotId"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	requesterID, err := uuid.Parse(req.RequesterID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "requesterId must be a UUID")
		return
	}
	slotID, err := uuid.Parse(req.SlotID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "slotId must be a UUID")
		return
	}

	reservation, err := h.reservations.Reschedule(r.Context(), id, requesterID, slotID)
	if err != nil {
		h.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toReservationResponse(reservation))
}

// CreatePaymentIntent registers an externally created payment object.
func (h *ReservationHandler) CreatePaymentIntent(w http.ResponseWriter, r *http.Request) {
	var req struct {
		OwnerType        string `json:"ownerType"`
		OwnerID          string `json:"ownerId"`
		AmountCents      int64  `json:"amountCents"`
		Currency         string `json:"currency"`
		ExternalProvider string `json:"externalProvider"`
		ExternalID       string `json:"externalId"`
		IdempotencyKey   string `json:"idempotencyKey"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "invalid JSON body")
		return
	}
	if req.IdempotencyKey == "" {
		req.IdempotencyKey = r.Header.Get("Idempotency-Key")
	}
	ownerID, err := uuid.Parse(req.OwnerID)
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "ownerId must be a UUID")
		return
	}

	intent, err := h.intents.CreateIntent(r.Context(), paymentApp.CreateIntentCommand{
		OwnerType:        req.OwnerType,
		OwnerID:          ownerID,
		AmountCents:      req.AmountCents,
		Currency:         req.Currency,
		ExternalProvider: req.ExternalProvider,
		ExternalID:       req.ExternalID,
		IdempotencyKey:   req.IdempotencyKey,
	})
	if err != nil {
		h.writeServiceError(w, err)
		return
	}

	writeJSON(w, http.StatusCreated, map[string]string{
		"paymentIntentId": intent.ID.String(),
		"status":          string(intent.Status),
	})
}

func (h *ReservationHandler) pathID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(r.PathValue("reservationID"))
	if err != nil {
		writeError(w, http.StatusBadRequest, "BAD_REQUEST", "reservation id must be a UUID")
		return uuid.Nil, false
	}
	return id, true
}

// writeServiceError maps domain errors onto HTTP status codes and stable
// error codes clients can branch on.
func (h *ReservationHandler) writeServiceError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, bookingDomain.ErrSlotConflict):
		writeError(w, http.StatusConflict, "SLOT_CONFLICT", "slot is already claimed or overlaps an existing slot")
	case errors.Is(err, idempotency.ErrConflict):
		writeError(w, http.StatusConflict, "IDEMPOTENCY_CONFLICT", "idempotency key reused with a different request")
	case errors.Is(err, idempotency.ErrMissingKey):
		writeError(w, http.StatusBadRequest, "MISSING_IDEMPOTENCY_KEY", "idempotency key is required")
	case errors.Is(err, paymentDomain.ErrInvalidPaymentIntent), errors.Is(err, paymentDomain.ErrIntentNotFound):
		writeError(w, http.StatusBadRequest, "INVALID_PAYMENT_INTENT", "payment intent does not exist")
	case errors.Is(err, paymentDomain.ErrInvalidPaymentIntentState):
		writeError(w, http.StatusBadRequest, "INVALID_PAYMENT_INTENT_STATE", "payment intent state does not allow this operation")
	case errors.Is(err, paymentDomain.ErrPaymentAmountMismatch):
		writeError(w, http.StatusBadRequest, "PAYMENT_AMOUNT_MISMATCH", "payment intent amount or currency does not match")
	case errors.Is(err, bookingDomain.ErrInvalidTimeRange):
		writeError(w, http.StatusBadRequest, "INVALID_TIME_RANGE", "end time must be after start time")
	case errors.Is(err, bookingDomain.ErrReservationNotFound), errors.Is(err, bookingDomain.ErrSlotNotFound):
		writeError(w, http.StatusNotFound, "NOT_FOUND", "resource not found")
	case errors.Is(err, bookingDomain.ErrNotRequester):
		writeError(w, http.StatusForbidden, "FORBIDDEN", "caller does not own the reservation")
	case errors.Is(err, bookingDomain.ErrAlreadyTerminal), errors.Is(err, bookingDomain.ErrInvalidTransition):
		writeError(w, http.StatusConflict, "INVALID_STATE", "reservation state does not allow this operation")
	case errors.Is(err, provider.ErrProviderUnavailable):
		writeError(w, http.StatusServiceUnavailable, "PROVIDER_UNAVAILABLE", "payment provider is unavailable")
	default:
		h.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "INTERNAL_ERROR", "internal server error")
	}
}

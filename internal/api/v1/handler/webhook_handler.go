package handler

import (
	"errors"
	"io"
	"net/http"

	"coachapi/internal/service"

	"github.com/rs/zerolog"
)

const maxWebhookBody = 1 << 20

// WebhookHandler receives Stripe events.
type WebhookHandler struct {
	payments service.PaymentService
	logger   zerolog.Logger
}

func NewWebhookHandler(payments service.PaymentService, logger zerolog.Logger) *WebhookHandler {
	return &WebhookHandler{payments: payments, logger: logger}
}

func (h *WebhookHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("POST /stripe/webhook", h.handleWebhook)
}

// handleWebhook verifies and reconciles one event. Failures answer 500 so
// Stripe retries; bad signatures answer 400 and are never retried into
// success.
func (h *WebhookHandler) handleWebhook(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxWebhookBody))
	if err != nil {
		h.logger.Warn().Err(err).Msg("Failed to read webhook body")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	event, err := h.payments.ConstructEvent(payload, r.Header.Get("Stripe-Signature"))
	if err != nil {
		if errors.Is(err, service.ErrInvalidSignature) {
			h.logger.Warn().Err(err).Msg("Rejected Stripe webhook")
			http.Error(w, "invalid signature", http.StatusBadRequest)
			return
		}
		h.logger.Error().Err(err).Msg("Failed to parse Stripe webhook")
		http.Error(w, "invalid payload", http.StatusBadRequest)
		return
	}

	outcome, err := h.payments.HandleEvent(r.Context(), event)
	if err != nil {
		h.logger.Error().Err(err).Str("event_id", event.ID).Str("event_type", string(event.Type)).Msg("Failed to handle Stripe webhook")
		http.Error(w, "webhook handling failed", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"received": true, "outcome": outcome}, h.logger)
}

package handler

import (
	"net/http"

	"coachapi/internal/api/v1/dto"
	"coachapi/internal/model"
	"coachapi/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// SubscriptionHandler handles checkout and customer portal endpoints.
type SubscriptionHandler struct {
	billing  service.BillingPortal
	validate *validator.Validate
	logger   zerolog.Logger
}

// NewSubscriptionHandler creates a new SubscriptionHandler.
func NewSubscriptionHandler(billing service.BillingPortal, validate *validator.Validate, logger zerolog.Logger) *SubscriptionHandler {
	return &SubscriptionHandler{billing: billing, validate: validate, logger: logger}
}

// RegisterRoutes registers the billing endpoints.
func (h *SubscriptionHandler) RegisterRoutes(mux *http.ServeMux, openSession, knownSession func(http.Handler) http.Handler) {
	mux.Handle("POST /billing/checkout", openSession(http.HandlerFunc(h.Checkout)))
	mux.Handle("POST /billing/portal", knownSession(http.HandlerFunc(h.Portal)))
}

// Checkout starts a hosted subscription checkout for the resolved account.
// The session id travels in the checkout metadata so the webhook can find
// the account again.
func (h *SubscriptionHandler) Checkout(w http.ResponseWriter, r *http.Request) {
	res, err := resolution(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	var req dto.CheckoutRequestDTO
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, err, h.logger)
		return
	}
	in := service.CheckoutInput{
		SessionID: res.SessionID,
		Plan:      model.ParsePlan(req.Plan),
	}
	if res.Account.AuthEmail != nil {
		in.Email = *res.Account.AuthEmail
	}
	if res.Account.StripeCustomerID != nil {
		in.CustomerID = *res.Account.StripeCustomerID
	}
	url, err := h.billing.CreateCheckoutSession(r.Context(), in)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.URLResponseDTO{URL: url}, h.logger)
}

// Portal creates a Stripe Customer Portal session for accounts with a customer.
func (h *SubscriptionHandler) Portal(w http.ResponseWriter, r *http.Request) {
	res, err := resolution(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	customerID := ""
	if res.Account.StripeCustomerID != nil {
		customerID = *res.Account.StripeCustomerID
	}
	url, err := h.billing.CreatePortalSession(r.Context(), customerID)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.URLResponseDTO{URL: url}, h.logger)
}

package handler

import (
	"net/http"

	"coachapi/internal/api/v1/dto"
	"coachapi/internal/apperr"
	"coachapi/internal/service"
	"coachapi/internal/session"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

// AccountHandler serves the resolved account: snapshot, onboarding and erasure.
type AccountHandler struct {
	accountSvc service.AccountService
	transport  session.Transport
	validate   *validator.Validate
	logger     zerolog.Logger
}

func NewAccountHandler(accountSvc service.AccountService, transport session.Transport, validate *validator.Validate, logger zerolog.Logger) *AccountHandler {
	return &AccountHandler{accountSvc: accountSvc, transport: transport, validate: validate, logger: logger}
}

// RegisterRoutes mounts account routes. openSession may mint a new session;
// knownSession requires one.
func (h *AccountHandler) RegisterRoutes(mux *http.ServeMux, openSession, knownSession func(http.Handler) http.Handler) {
	mux.Handle("GET /me", openSession(http.HandlerFunc(h.getMe)))
	mux.Handle("POST /onboarding", knownSession(http.HandlerFunc(h.saveOnboarding)))
	mux.Handle("POST /account/delete", knownSession(http.HandlerFunc(h.deleteAccount)))
}

func (h *AccountHandler) getMe(w http.ResponseWriter, r *http.Request) {
	res, err := resolution(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	me, err := h.accountSvc.Me(r.Context(), res.Account)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, me, h.logger)
}

func (h *AccountHandler) saveOnboarding(w http.ResponseWriter, r *http.Request) {
	res, err := resolution(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	var req dto.OnboardingRequestDTO
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, err, h.logger)
		return
	}
	acct, err := h.accountSvc.SaveOnboarding(r.Context(), res.SessionID, req.ProfileUpdate())
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewProfileResponseDTO(acct), h.logger)
}

// deleteAccount erases the signed-in caller's account and clears the marker.
func (h *AccountHandler) deleteAccount(w http.ResponseWriter, r *http.Request) {
	res, err := resolution(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if !res.Authenticated {
		writeError(w, apperr.ErrUnauthorized, h.logger)
		return
	}
	if err := h.accountSvc.Erase(r.Context(), res.SessionID); err != nil {
		writeError(w, err, h.logger)
		return
	}
	h.transport.Clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true}, h.logger)
}

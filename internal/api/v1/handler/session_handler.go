package handler

import (
	"net/http"

	"coachapi/internal/api/v1/dto"
	"coachapi/internal/model"
	"coachapi/internal/session"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

// SessionHandler issues and clears the anonymous session marker. It never
// touches the account store; accounts are created on first resolution.
type SessionHandler struct {
	transport session.Transport
	logger    zerolog.Logger
}

func NewSessionHandler(transport session.Transport, logger zerolog.Logger) *SessionHandler {
	return &SessionHandler{transport: transport, logger: logger}
}

func (h *SessionHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /session", h.getSession)
	mux.HandleFunc("POST /session", h.newSession)
	mux.HandleFunc("POST /session/reset", h.resetSession)
}

// getSession returns the presented session, or a new one when none was sent.
func (h *SessionHandler) getSession(w http.ResponseWriter, r *http.Request) {
	sessionID := model.SanitizeKey(h.transport.Read(r).Cookie)
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	h.transport.Persist(w, sessionID)
	writeJSON(w, http.StatusOK, dto.SessionResponseDTO{SessionID: sessionID}, h.logger)
}

// newSession always issues a fresh id; a client-provided one is never accepted.
func (h *SessionHandler) newSession(w http.ResponseWriter, r *http.Request) {
	sessionID := uuid.NewString()
	h.transport.Persist(w, sessionID)
	writeJSON(w, http.StatusOK, dto.SessionResponseDTO{SessionID: sessionID}, h.logger)
}

func (h *SessionHandler) resetSession(w http.ResponseWriter, r *http.Request) {
	h.transport.Clear(w)
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true}, h.logger)
}

package handler

import (
	"net/http"

	"coachapi/internal/api/v1/dto"
	"coachapi/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type ChatHandler struct {
	chatService service.ChatService
	validate    *validator.Validate
	logger      zerolog.Logger
}

func NewChatHandler(chatService service.ChatService, validate *validator.Validate, logger zerolog.Logger) *ChatHandler {
	return &ChatHandler{
		chatService: chatService,
		validate:    validate,
		logger:      logger,
	}
}

func (h *ChatHandler) RegisterRoutes(mux *http.ServeMux, sessionMw func(http.Handler) http.Handler) {
	mux.Handle("POST /chat", sessionMw(http.HandlerFunc(h.sendMessage)))
	mux.Handle("GET /chat/history", sessionMw(http.HandlerFunc(h.history)))
}

// sendMessage charges one message against the daily quota and returns the
// coach's reply. Subject chats require a plan with subjects.
func (h *ChatHandler) sendMessage(w http.ResponseWriter, r *http.Request) {
	res, err := resolution(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	var req dto.ChatRequestDTO
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, err, h.logger)
		return
	}

	reply, err := h.chatService.Send(r.Context(), service.ChatRequest{
		SessionID: res.SessionID,
		Plan:      res.Account.Plan,
		Message:   req.Message,
		SubjectID: req.SubjectID,
		Mode:      req.Mode,
	})
	if err != nil {
		writeError(w, err, h.logger)
		return
	}

	writeJSON(w, http.StatusOK, dto.ChatResponseDTO{
		Reply:     reply.Reply,
		SubjectID: reply.SubjectID,
		Usage:     reply.Usage,
		CreatedAt: reply.CreatedAt,
	}, h.logger)
}

func (h *ChatHandler) history(w http.ResponseWriter, r *http.Request) {
	res, err := resolution(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	msgs, err := h.chatService.History(r.Context(), res.SessionID)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": dto.NewThreadMessageDTOs(msgs)}, h.logger)
}

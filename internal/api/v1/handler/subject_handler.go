package handler

import (
	"net/http"
	"strconv"

	"coachapi/internal/api/v1/dto"
	"coachapi/internal/apperr"
	"coachapi/internal/entitlement"
	"coachapi/internal/model"
	"coachapi/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

type SubjectHandler struct {
	subjectSvc service.SubjectService
	validate   *validator.Validate
	logger     zerolog.Logger
}

func NewSubjectHandler(subjectSvc service.SubjectService, validate *validator.Validate, logger zerolog.Logger) *SubjectHandler {
	return &SubjectHandler{subjectSvc: subjectSvc, validate: validate, logger: logger}
}

func (h *SubjectHandler) RegisterRoutes(mux *http.ServeMux, sessionMw func(http.Handler) http.Handler) {
	mux.Handle("GET /subjects", sessionMw(http.HandlerFunc(h.listSubjects)))
	mux.Handle("POST /subjects", sessionMw(http.HandlerFunc(h.createSubject)))
	mux.Handle("GET /subjects/{id}", sessionMw(http.HandlerFunc(h.getSubject)))
	mux.Handle("PATCH /subjects/{id}", sessionMw(http.HandlerFunc(h.updateSubject)))
	mux.Handle("DELETE /subjects/{id}", sessionMw(http.HandlerFunc(h.deleteSubject)))
	mux.Handle("GET /subjects/{id}/messages", sessionMw(http.HandlerFunc(h.listMessages)))
}

// subjectAccount resolves the caller and checks that its plan has subjects.
func (h *SubjectHandler) subjectAccount(r *http.Request) (*service.Resolution, error) {
	res, err := resolution(r)
	if err != nil {
		return nil, err
	}
	if !entitlement.For(res.Account.Plan).SubjectsEnabled() {
		return nil, apperr.New(apperr.CodeUpgradeRequired, "Subjects are available on Pro and Elite plans.")
	}
	return res, nil
}

func (h *SubjectHandler) listSubjects(w http.ResponseWriter, r *http.Request) {
	res, err := h.subjectAccount(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	subjects, err := h.subjectSvc.List(r.Context(), res.SessionID)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	out := make([]dto.SubjectResponseDTO, len(subjects))
	for i := range subjects {
		out[i] = dto.NewSubjectResponseDTO(&subjects[i])
	}
	writeJSON(w, http.StatusOK, map[string]any{"subjects": out}, h.logger)
}

func (h *SubjectHandler) createSubject(w http.ResponseWriter, r *http.Request) {
	res, err := h.subjectAccount(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	var req dto.SubjectCreateDTO
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, err, h.logger)
		return
	}
	subject, err := h.subjectSvc.Create(r.Context(), res.SessionID, service.CreateSubjectInput{Title: req.Title, Mode: req.Mode}, res.Account.Plan)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusCreated, dto.NewSubjectResponseDTO(subject), h.logger)
}

func (h *SubjectHandler) getSubject(w http.ResponseWriter, r *http.Request) {
	res, err := h.subjectAccount(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	subject, err := h.subjectSvc.Get(r.Context(), res.SessionID, r.PathValue("id"))
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewSubjectResponseDTO(subject), h.logger)
}

func (h *SubjectHandler) updateSubject(w http.ResponseWriter, r *http.Request) {
	res, err := h.subjectAccount(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	var req dto.SubjectUpdateDTO
	if err := decodeJSON(r, h.validate, &req); err != nil {
		writeError(w, err, h.logger)
		return
	}
	upd := model.SubjectUpdate{Title: req.Title}
	if req.Mode != nil {
		mode := model.Mode(*req.Mode)
		upd.Mode = &mode
	}
	subject, err := h.subjectSvc.Update(r.Context(), res.SessionID, r.PathValue("id"), upd)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, dto.NewSubjectResponseDTO(subject), h.logger)
}

func (h *SubjectHandler) deleteSubject(w http.ResponseWriter, r *http.Request) {
	res, err := h.subjectAccount(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	if err := h.subjectSvc.Delete(r.Context(), res.SessionID, r.PathValue("id")); err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]bool{"ok": true}, h.logger)
}

// listMessages returns the newest messages of a subject, oldest first.
func (h *SubjectHandler) listMessages(w http.ResponseWriter, r *http.Request) {
	res, err := h.subjectAccount(r)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	limit := 0
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if parsed, err := strconv.Atoi(limitStr); err == nil && parsed > 0 {
			limit = parsed
		}
	}
	msgs, err := h.subjectSvc.ListMessages(r.Context(), res.SessionID, r.PathValue("id"), limit)
	if err != nil {
		writeError(w, err, h.logger)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"messages": dto.NewSubjectMessageDTOs(msgs)}, h.logger)
}

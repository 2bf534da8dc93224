package handler

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"coachapi/internal/apperr"
	"coachapi/internal/middleware"
	"coachapi/internal/service"

	"github.com/go-playground/validator/v10"
	"github.com/rs/zerolog"
)

const maxRequestBody = 1 << 20

type errorBody struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any, logger zerolog.Logger) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Error().Err(err).Msg("Failed to encode response")
	}
}

// statusFor maps an error code to its HTTP status.
func statusFor(code apperr.Code) int {
	switch code {
	case apperr.CodeSessionRequired, apperr.CodeUnauthorized:
		return http.StatusUnauthorized
	case apperr.CodeUpgradeRequired, apperr.CodeLimitReached, apperr.CodeForbidden:
		return http.StatusForbidden
	case apperr.CodeNotFound:
		return http.StatusNotFound
	case apperr.CodeBadRequest, apperr.CodeInvalidTitle, apperr.CodeInvalidMode,
		apperr.CodeInvalidSubject, apperr.CodeNoUpdates:
		return http.StatusBadRequest
	default:
		return http.StatusInternalServerError
	}
}

// writeError renders coded errors with their status. Anything else is an
// internal failure and its detail is not sent to the client.
func writeError(w http.ResponseWriter, err error, logger zerolog.Logger) {
	var body errorBody
	status := http.StatusInternalServerError
	var appErr *apperr.Error
	if errors.As(err, &appErr) {
		status = statusFor(appErr.Code)
		body.Error.Code = string(appErr.Code)
		body.Error.Message = appErr.Error()
	} else {
		logger.Error().Err(err).Msg("Request failed")
		body.Error.Code = "INTERNAL"
		body.Error.Message = "Internal server error."
	}
	writeJSON(w, status, body, logger)
}

// decodeJSON reads and validates a request body.
func decodeJSON(r *http.Request, validate *validator.Validate, v any) error {
	dec := json.NewDecoder(io.LimitReader(r.Body, maxRequestBody))
	if err := dec.Decode(v); err != nil {
		return apperr.New(apperr.CodeBadRequest, "Invalid JSON payload.")
	}
	if err := validate.Struct(v); err != nil {
		return apperr.New(apperr.CodeBadRequest, "Invalid request: %s", validationMessage(err))
	}
	return nil
}

func validationMessage(err error) string {
	var verrs validator.ValidationErrors
	if errors.As(err, &verrs) && len(verrs) > 0 {
		fe := verrs[0]
		return fe.Field() + " failed " + fe.Tag()
	}
	return err.Error()
}

// resolution returns the identity resolved by the session middleware.
func resolution(r *http.Request) (*service.Resolution, error) {
	res, ok := middleware.ResolutionFrom(r.Context())
	if !ok || res.Account == nil {
		return nil, apperr.ErrSessionRequired
	}
	return res, nil
}

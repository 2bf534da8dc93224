// Package apperr defines the coded errors every core operation returns so the
// web layer can map them to transport status codes without string matching.
package apperr

import (
	"errors"
	"fmt"
)

// Code is a stable, machine-readable error identifier.
type Code string

const (
	CodeSessionRequired Code = "SESSION_REQUIRED"
	CodeUpgradeRequired Code = "UPGRADE_REQUIRED"
	CodeLimitReached    Code = "LIMIT_REACHED"
	CodeNotFound        Code = "NOT_FOUND"
	CodeForbidden       Code = "FORBIDDEN"
	CodeUnauthorized    Code = "UNAUTHORIZED"

	// Request validation codes used by the HTTP layer.
	CodeBadRequest     Code = "BAD_REQUEST"
	CodeInvalidTitle   Code = "INVALID_TITLE"
	CodeInvalidMode    Code = "INVALID_MODE"
	CodeInvalidSubject Code = "INVALID_SUBJECT"
	CodeNoUpdates      Code = "NO_UPDATES"
)

// Error is an expected, user-facing condition. Infrastructure failures are
// plain wrapped errors and never carry a Code.
type Error struct {
	Code    Code
	Message string
}

func (e *Error) Error() string {
	if e.Message == "" {
		return string(e.Code)
	}
	return e.Message
}

// Is matches any *Error with the same code, so callers can compare against
// the sentinels below regardless of message.
func (e *Error) Is(target error) bool {
	t, ok := target.(*Error)
	if !ok {
		return false
	}
	return t.Code == e.Code
}

var (
	ErrSessionRequired = &Error{Code: CodeSessionRequired, Message: "Session is required."}
	ErrUpgradeRequired = &Error{Code: CodeUpgradeRequired, Message: "This feature is not available on your plan."}
	ErrLimitReached    = &Error{Code: CodeLimitReached, Message: "Limit reached for this plan."}
	ErrNotFound        = &Error{Code: CodeNotFound, Message: "Not found."}
	ErrForbidden       = &Error{Code: CodeForbidden, Message: "Forbidden."}
	ErrUnauthorized    = &Error{Code: CodeUnauthorized, Message: "Not signed in."}
)

// New returns a coded error with a custom message.
func New(code Code, format string, args ...any) *Error {
	return &Error{Code: code, Message: fmt.Sprintf(format, args...)}
}

// CodeOf extracts the code from err, if any error in its chain is an *Error.
func CodeOf(err error) (Code, bool) {
	var e *Error
	if errors.As(err, &e) {
		return e.Code, true
	}
	return "", false
}

package middleware

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"

	"coachapi/internal/apperr"
	"coachapi/internal/service"
	"coachapi/internal/session"

	"github.com/rs/zerolog"
)

// SessionOptions controls how a route treats requests without a marker.
type SessionOptions struct {
	// AllowGenerate mints a new anonymous session when none was presented.
	AllowGenerate bool
	// AllowHeader accepts the legacy header when no cookie was sent.
	AllowHeader bool
}

// Session resolves the canonical Account of every request and makes the
// Resolution available through ResolutionFrom. The marker cookie is reissued
// whenever it differs from the resolved session.
func Session(resolver service.IdentityService, transport session.Transport, opts SessionOptions, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			tok := transport.Read(r)
			in := service.ResolveInput{
				SessionToken:  tok.Cookie,
				AllowGenerate: opts.AllowGenerate,
			}
			if opts.AllowHeader {
				in.FallbackToken = tok.Header
			}
			if ident, ok := IdentityFrom(r.Context()); ok {
				in.AuthEmail = ident.Email
				in.AuthUserID = ident.UserID
			}

			res, err := resolver.Resolve(r.Context(), in)
			if err != nil {
				if errors.Is(err, apperr.ErrSessionRequired) {
					writeError(w, http.StatusUnauthorized, string(apperr.CodeSessionRequired), "Session is required.")
					return
				}
				logger.Error().Err(err).Str("path", r.URL.Path).Str("op", "resolve_session").Msg("Failed to resolve session")
				writeError(w, http.StatusInternalServerError, "INTERNAL", "Failed to resolve session.")
				return
			}
			if res.ShouldSetCookie {
				transport.Persist(w, res.SessionID)
			}
			next.ServeHTTP(w, r.WithContext(WithResolution(r.Context(), res)))
		})
	}
}

func WithResolution(ctx context.Context, res *service.Resolution) context.Context {
	return context.WithValue(ctx, resolutionContextKey, res)
}

func ResolutionFrom(ctx context.Context) (*service.Resolution, bool) {
	res, ok := ctx.Value(resolutionContextKey).(*service.Resolution)
	return res, ok && res != nil
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(map[string]any{
		"error": map[string]string{"code": code, "message": message},
	})
}

package middleware

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"coachapi/internal/apperr"

	"github.com/golang-jwt/jwt/v5"
	"github.com/rs/zerolog"
)

// Injected key type to avoid context collisions
type contextKey string

const (
	identityContextKey   = contextKey("identity")
	resolutionContextKey = contextKey("resolution")
)

// Identity is what the external auth provider vouches for.
type Identity struct {
	Email  string
	UserID string
}

var errMissingEmail = errors.New("token has no email claim")

// OptionalAuth attaches the caller's Identity when a valid token is sent as a
// bearer header or in cookieName. Requests without a token pass through
// anonymously; requests with a bad token are rejected. An empty secret
// disables authentication.
func OptionalAuth(secret, cookieName string, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if secret == "" {
				next.ServeHTTP(w, r)
				return
			}
			tokenString, ok := tokenFromRequest(r, cookieName)
			if !ok {
				next.ServeHTTP(w, r)
				return
			}
			ident, err := ParseToken(tokenString, secret)
			if err != nil {
				logger.Warn().Err(err).Str("path", r.URL.Path).Msg("Invalid auth token")
				writeError(w, http.StatusUnauthorized, string(apperr.CodeUnauthorized), "Invalid auth token.")
				return
			}
			next.ServeHTTP(w, r.WithContext(WithIdentity(r.Context(), ident)))
		})
	}
}

func tokenFromRequest(r *http.Request, cookieName string) (string, bool) {
	if authHeader := r.Header.Get("Authorization"); authHeader != "" {
		parts := strings.SplitN(authHeader, " ", 2)
		if len(parts) == 2 && strings.EqualFold(parts[0], "Bearer") && strings.TrimSpace(parts[1]) != "" {
			return strings.TrimSpace(parts[1]), true
		}
	}
	if cookieName != "" {
		if c, err := r.Cookie(cookieName); err == nil && c.Value != "" {
			return c.Value, true
		}
	}
	return "", false
}

// ParseToken validates an HS256 token and extracts its email and subject.
func ParseToken(tokenString, secret string) (Identity, error) {
	claims := jwt.MapClaims{}
	_, err := jwt.ParseWithClaims(tokenString, claims, func(t *jwt.Token) (any, error) {
		return []byte(secret), nil
	}, jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}), jwt.WithExpirationRequired())
	if err != nil {
		return Identity{}, err
	}
	email, _ := claims["email"].(string)
	email = strings.TrimSpace(email)
	if email == "" {
		return Identity{}, errMissingEmail
	}
	sub, _ := claims.GetSubject()
	return Identity{Email: email, UserID: sub}, nil
}

func WithIdentity(ctx context.Context, ident Identity) context.Context {
	return context.WithValue(ctx, identityContextKey, ident)
}

func IdentityFrom(ctx context.Context) (Identity, bool) {
	ident, ok := ctx.Value(identityContextKey).(Identity)
	return ident, ok && ident.Email != ""
}

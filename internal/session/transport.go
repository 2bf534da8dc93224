// Package session carries the anonymous session marker between the server
// and the browser.
package session

import (
	"net/http"
	"net/url"
	"strings"
	"time"
)

// Transport reads and writes the session marker cookie.
type Transport struct {
	CookieName string
	// HeaderName is the fallback for clients that cannot store cookies.
	HeaderName string
	MaxAge     time.Duration
	Secure     bool
}

// Token is the session marker found on a request.
type Token struct {
	// Cookie is the URL-decoded cookie value.
	Cookie string
	// Header is the fallback header value, read only when no cookie was sent.
	Header string
}

func (t Transport) Read(r *http.Request) Token {
	var tok Token
	if c, err := r.Cookie(t.CookieName); err == nil && c.Value != "" {
		v, err := url.QueryUnescape(c.Value)
		if err != nil {
			v = c.Value
		}
		tok.Cookie = strings.TrimSpace(v)
	}
	if tok.Cookie == "" && t.HeaderName != "" {
		tok.Header = strings.TrimSpace(r.Header.Get(t.HeaderName))
	}
	return tok
}

// Persist sets the marker to sessionID.
func (t Transport) Persist(w http.ResponseWriter, sessionID string) {
	http.SetCookie(w, &http.Cookie{
		Name:     t.CookieName,
		Value:    sessionID,
		Path:     "/",
		MaxAge:   int(t.MaxAge.Seconds()),
		HttpOnly: true,
		Secure:   t.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Clear expires the marker.
func (t Transport) Clear(w http.ResponseWriter) {
	http.SetCookie(w, &http.Cookie{
		Name:     t.CookieName,
		Value:    "",
		Path:     "/",
		MaxAge:   -1,
		HttpOnly: true,
		Secure:   t.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

package api

import (
	"net/http"
	"strings"
	"time"
)

// writeSessionCookie sets the session id cookie. It carries no expiry; the
// server-side inactivity timeout decides when the session ends.
func (a *API) writeSessionCookie(w http.ResponseWriter, r *http.Request, id string) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    id,
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
	})
}

func (a *API) clearSessionCookie(w http.ResponseWriter, r *http.Request) {
	http.SetCookie(w, &http.Cookie{
		Name:     a.cfg.CookieName,
		Value:    "",
		Path:     "/",
		HttpOnly: true,
		Secure:   requestIsSecure(r),
		SameSite: http.SameSiteLaxMode,
		Expires:  time.Unix(0, 0),
		MaxAge:   -1,
	})
}

// currentHandle returns the transport handle of the live session named by
// the request cookie, or "" when there is none.
func (a *API) currentHandle(r *http.Request) string {
	c, err := r.Cookie(a.cfg.CookieName)
	if err != nil || c.Value == "" {
		return ""
	}
	if s, ok := a.sessions.Get(c.Value); ok {
		return s.Handle
	}
	return ""
}

func requestIsSecure(r *http.Request) bool {
	if r.TLS != nil {
		return true
	}
	if strings.EqualFold(r.Header.Get("X-Forwarded-Proto"), "https") {
		return true
	}
	return strings.Contains(strings.ToLower(r.Header.Get("Forwarded")), "proto=https")
}

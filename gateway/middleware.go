package gateway

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/jmcleod/gatekeeper/auth"
)

type contextKey int

const (
	principalKey contextKey = iota
	sessionIDKey
	providerKey
)

// Middleware runs Authenticate and only calls next for accepted requests.
// Rejections carry a generic body; 404s are indistinguishable from a
// missing route.
func (g *Gateway) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		out := g.Authenticate(r)
		if !out.OK() {
			WriteOutcome(w, r, out)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithOutcome(r.Context(), out)))
	})
}

// WriteOutcome renders a rejection.
func WriteOutcome(w http.ResponseWriter, r *http.Request, out Outcome) {
	for k, vs := range out.Header {
		for _, v := range vs {
			w.Header().Add(k, v)
		}
	}
	if out.Status == http.StatusNotFound {
		http.NotFound(w, r)
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusUnauthorized)
	_ = json.NewEncoder(w).Encode(map[string]string{"error": "unauthorized"})
}

// WithOutcome stores an accepted outcome on ctx.
func WithOutcome(ctx context.Context, out Outcome) context.Context {
	ctx = context.WithValue(ctx, principalKey, out.Principal)
	ctx = context.WithValue(ctx, providerKey, out.Provider)
	if out.SessionID != "" {
		ctx = context.WithValue(ctx, sessionIDKey, out.SessionID)
	}
	return ctx
}

func PrincipalFromContext(ctx context.Context) (*auth.Principal, bool) {
	p, ok := ctx.Value(principalKey).(*auth.Principal)
	return p, ok && p != nil
}

// SessionIDFromContext returns the session id when the principal came from
// the session provider.
func SessionIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(sessionIDKey).(string)
	return id, ok && id != ""
}

func ProviderFromContext(ctx context.Context) string {
	p, _ := ctx.Value(providerKey).(string)
	return p
}

// Package gateway is the entry point the HTTP router calls for every
// protected request. It filters by destination port, resolves a principal
// through the auth chain, enforces the session rules (lock, expiry,
// credential rotation, XSRF) and maps every failure to 401 or 404.
package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/jmcleod/gatekeeper/auth"
	"github.com/jmcleod/gatekeeper/session"
)

const (
	DefaultCookieName = "gatekeeper_session"
	DefaultXSRFHeader = "X-XSRF-Token"
)

var (
	ErrPortNotAllowed   = errors.New("destination port not allowed")
	ErrUnauthenticated  = errors.New("no provider authenticated the request")
	ErrUnexpectedFailed = errors.New("unexpected gateway failure")
)

// Authenticator resolves a request to a principal.
type Authenticator interface {
	Authenticate(ctx context.Context, req *auth.RequestContext) (auth.Result, bool)
}

// Sessions is the subset of session.Store the gateway drives.
type Sessions interface {
	IsLocked(id string) (bool, error)
	IsExpired(id string, timeout time.Duration) bool
	CredentialsChanged(ctx context.Context, id string) (bool, error)
	UpdateActivity(id string) error
	Invalidate(id string, reason session.State) bool
}

// XSRFValidator checks a supplied anti-forgery token against a session.
type XSRFValidator interface {
	Validate(id, token string) bool
}

// Config holds the gateway policy.
type Config struct {
	// AllowedPorts restricts the destination ports served. Empty allows all.
	AllowedPorts []int
	// LockedAllowedPaths are reachable by locked sessions.
	LockedAllowedPaths []string
	// XSRFExemptPaths skip the XSRF check for session principals.
	XSRFExemptPaths []string
	// InactivityTimeout is the idle limit for sessions; <= 0 disables expiry.
	InactivityTimeout time.Duration
	CookieName        string
	XSRFHeader        string
	// BasicRealm, when set, adds a WWW-Authenticate challenge to 401s.
	BasicRealm string
}

// Outcome is the result of authenticating one request. Status is 0 on
// success, otherwise 401 or 404.
type Outcome struct {
	Principal *auth.Principal
	Provider  string
	SessionID string
	Status    int
	Header    http.Header
	// Err is the internal reason for a rejection. It is never sent to the
	// client.
	Err error
	// Invalidated is set when the rejection terminated the session.
	Invalidated bool
}

func (o Outcome) OK() bool { return o.Status == 0 && o.Principal != nil }

// RejectionObserver is told about every rejected request.
type RejectionObserver func(r *http.Request, o Outcome)

// Gateway applies Config to incoming requests.
type Gateway struct {
	cfg      Config
	ports    map[int]struct{}
	locked   map[string]struct{}
	exempt   map[string]struct{}
	chain    Authenticator
	sessions Sessions
	xsrf     XSRFValidator
	logger   *slog.Logger
	observer RejectionObserver
}

type Option func(*Gateway)

func WithLogger(logger *slog.Logger) Option {
	return func(g *Gateway) { g.logger = logger }
}

func WithRejectionObserver(o RejectionObserver) Option {
	return func(g *Gateway) { g.observer = o }
}

func New(cfg Config, chain Authenticator, sessions Sessions, xsrf XSRFValidator, opts ...Option) *Gateway {
	if cfg.CookieName == "" {
		cfg.CookieName = DefaultCookieName
	}
	if cfg.XSRFHeader == "" {
		cfg.XSRFHeader = DefaultXSRFHeader
	}
	g := &Gateway{
		cfg:      cfg,
		ports:    make(map[int]struct{}, len(cfg.AllowedPorts)),
		locked:   pathSet(cfg.LockedAllowedPaths),
		exempt:   pathSet(cfg.XSRFExemptPaths),
		chain:    chain,
		sessions: sessions,
		xsrf:     xsrf,
		logger:   slog.Default(),
	}
	for _, p := range cfg.AllowedPorts {
		g.ports[p] = struct{}{}
	}
	for _, opt := range opts {
		opt(g)
	}
	g.logger = g.logger.With("component", "gateway")
	return g
}

// NormalizePath strips trailing slashes so "/a/" and "/a" match the same
// allow-list entry.
func NormalizePath(p string) string {
	if p == "" {
		return "/"
	}
	if trimmed := strings.TrimRight(p, "/"); trimmed != "" {
		return trimmed
	}
	return "/"
}

func pathSet(paths []string) map[string]struct{} {
	set := make(map[string]struct{}, len(paths))
	for _, p := range paths {
		set[NormalizePath(p)] = struct{}{}
	}
	return set
}

// RequestPort returns the local port the request arrived on.
func RequestPort(r *http.Request) int {
	if addr, ok := r.Context().Value(http.LocalAddrContextKey).(net.Addr); ok {
		if tcp, ok := addr.(*net.TCPAddr); ok {
			return tcp.Port
		}
		if _, port, err := net.SplitHostPort(addr.String()); err == nil {
			if n, err := strconv.Atoi(port); err == nil {
				return n
			}
		}
	}
	if _, port, err := net.SplitHostPort(r.Host); err == nil {
		if n, err := strconv.Atoi(port); err == nil {
			return n
		}
	}
	if r.TLS != nil {
		return 443
	}
	return 80
}

// RequestContext builds the provider view of r.
func (g *Gateway) RequestContext(r *http.Request) *auth.RequestContext {
	req := &auth.RequestContext{
		Header:     r.Header,
		Path:       NormalizePath(r.URL.Path),
		Port:       RequestPort(r),
		RemoteAddr: r.RemoteAddr,
	}
	if r.TLS != nil {
		req.PeerCertificates = r.TLS.PeerCertificates
	}
	if c, err := r.Cookie(g.cfg.CookieName); err == nil {
		req.SessionID = c.Value
	}
	return req
}

// PortAllowed reports whether r arrived on an allow-listed port.
func (g *Gateway) PortAllowed(r *http.Request) bool {
	if len(g.ports) == 0 {
		return true
	}
	_, ok := g.ports[RequestPort(r)]
	return ok
}

func (g *Gateway) reject(r *http.Request, status int, err error, invalidated bool) Outcome {
	o := Outcome{Status: status, Err: err, Invalidated: invalidated, Header: http.Header{}}
	if status == http.StatusUnauthorized && g.cfg.BasicRealm != "" {
		o.Header.Set("WWW-Authenticate", fmt.Sprintf("Basic realm=%q", g.cfg.BasicRealm))
	}
	if g.observer != nil {
		g.observer(r, o)
	}
	return o
}

// Authenticate evaluates r. Panics and internal errors become 401.
func (g *Gateway) Authenticate(r *http.Request) (out Outcome) {
	defer func() {
		if rec := recover(); rec != nil {
			g.logger.Error("gateway panic", "panic", rec, "path", r.URL.Path)
			out = g.reject(r, http.StatusUnauthorized, fmt.Errorf("%w: %v", ErrUnexpectedFailed, rec), false)
		}
	}()

	if !g.PortAllowed(r) {
		return g.reject(r, http.StatusNotFound, ErrPortNotAllowed, false)
	}

	req := g.RequestContext(r)
	res, ok := g.chain.Authenticate(r.Context(), req)
	if !ok || res.Principal == nil {
		return g.reject(r, http.StatusUnauthorized, ErrUnauthenticated, false)
	}

	if res.Provider == auth.ProviderSession {
		if rej, failed := g.checkSession(r, req); failed {
			return rej
		}
	}

	return Outcome{Principal: res.Principal, Provider: res.Provider, SessionID: sessionIDFor(res, req)}
}

func sessionIDFor(res auth.Result, req *auth.RequestContext) string {
	if res.Provider == auth.ProviderSession {
		return req.SessionID
	}
	return ""
}

func (g *Gateway) invalidate(r *http.Request, id string, state session.State, err error) Outcome {
	terminated := g.sessions.Invalidate(id, state)
	return g.reject(r, http.StatusUnauthorized, err, terminated)
}

// checkSession applies the session-only rules. failed is true when out is a
// rejection.
func (g *Gateway) checkSession(r *http.Request, req *auth.RequestContext) (out Outcome, failed bool) {
	id := req.SessionID

	locked, err := g.sessions.IsLocked(id)
	if err != nil {
		return g.reject(r, http.StatusUnauthorized, err, false), true
	}
	if locked {
		if _, allowed := g.locked[req.Path]; !allowed {
			return g.invalidate(r, id, session.StateInvalidated, session.ErrSessionLocked), true
		}
	}

	if g.sessions.IsExpired(id, g.cfg.InactivityTimeout) {
		return g.reject(r, http.StatusUnauthorized, session.ErrSessionExpired, true), true
	}

	changed, err := g.sessions.CredentialsChanged(r.Context(), id)
	if err != nil {
		g.logger.Warn("credential check failed", "error", err)
		return g.invalidate(r, id, session.StateInvalidated, fmt.Errorf("%w: %v", ErrUnexpectedFailed, err)), true
	}
	if changed {
		return g.invalidate(r, id, session.StateInvalidated, session.ErrCredentialsChanged), true
	}

	if _, exempt := g.exempt[req.Path]; !exempt {
		// A forged token must not let an attacker log the victim out, so
		// the session survives an XSRF mismatch.
		if !g.xsrf.Validate(id, r.Header.Get(g.cfg.XSRFHeader)) {
			return g.reject(r, http.StatusUnauthorized, session.ErrInvalidXSRFToken, false), true
		}
	}

	if err := g.sessions.UpdateActivity(id); err != nil {
		return g.reject(r, http.StatusUnauthorized, err, false), true
	}
	return Outcome{}, false
}

package api

import (
	"context"
	_ "embed"
	"fmt"
	"log/slog"
	"net/http"
	"net/netip"
	"os"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-openapi/runtime/middleware"

	"github.com/jmcleod/gatekeeper/auth"
	"github.com/jmcleod/gatekeeper/credentials"
	"github.com/jmcleod/gatekeeper/gateway"
	"github.com/jmcleod/gatekeeper/session"
)

// BasePath is where the server mounts Router.
const BasePath = "/session/v1"

// Users is the credential store the session endpoints drive.
type Users interface {
	VerifyPassword(ctx context.Context, username, password string) error
	NeedsPasswordChange(ctx context.Context, username string) (bool, error)
	ChangePassword(ctx context.Context, username, newPassword string) error
	Permissions(ctx context.Context, username string) ([]string, error)
}

// Config toggles the session endpoints.
type Config struct {
	// SessionManagement disables every endpoint except authenticationMethods
	// when false.
	SessionManagement bool
	PasswordAuth      bool
	CertificateAuth   bool
	// CertificateAuthPorts are the listener ports that request client
	// certificates.
	CertificateAuthPorts []int
	LoginMessage         string
	// PasswordPolicy is enforced on POST /changePassword.
	PasswordPolicy credentials.PasswordPolicy
	CookieName     string
}

// Deps are the collaborators the handlers need.
type Deps struct {
	Users    Users
	Sessions *session.Store
	XSRF     *session.XSRFTokens
	Gateway  *gateway.Gateway
	// Certificates authenticates login/certificate. Nil disables it.
	Certificates auth.Provider
}

// API holds the dependencies needed by the REST handlers.
type API struct {
	cfg            Config
	users          Users
	sessions       *session.Store
	xsrf           *session.XSRFTokens
	gateway        *gateway.Gateway
	certificates   auth.Provider
	loginLimiter   *backoffLimiter
	ipLimiter      *backoffLimiter
	globalLimiter  *globalRateLimiter
	trustedProxies []netip.Prefix
	audit          *AuditLogger
	metrics        *Metrics
	logger         *slog.Logger
}

//go:embed openapi.yaml
var openapiSpec []byte

// Option configures the API instance.
type Option func(*API)

// WithLogger sets the logger for operational messages.
func WithLogger(logger *slog.Logger) Option {
	return func(a *API) {
		a.logger = logger
	}
}

// WithAudit sets the audit sink shared with the providers and the gateway.
// If not set, a default JSON logger writing to stderr is used.
func WithAudit(al *AuditLogger) Option {
	return func(a *API) {
		a.audit = al
	}
}

// WithMetrics counts login endpoint outcomes.
func WithMetrics(m *Metrics) Option {
	return func(a *API) {
		a.metrics = m
	}
}

// WithTrustedProxies lets rate limiting honour forwarding headers from the
// given networks. Bare addresses are treated as single-host prefixes.
func WithTrustedProxies(cidrs []string) (Option, error) {
	prefixes := make([]netip.Prefix, 0, len(cidrs))
	for _, c := range cidrs {
		c = strings.TrimSpace(c)
		if !strings.Contains(c, "/") {
			addr, err := netip.ParseAddr(c)
			if err != nil {
				return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
			}
			prefixes = append(prefixes, netip.PrefixFrom(addr, addr.BitLen()))
			continue
		}
		p, err := netip.ParsePrefix(c)
		if err != nil {
			return nil, fmt.Errorf("trusted proxy %q: %w", c, err)
		}
		prefixes = append(prefixes, p.Masked())
	}
	return func(a *API) {
		a.trustedProxies = prefixes
	}, nil
}

// New creates a new API instance.
func New(deps Deps, cfg Config, opts ...Option) *API {
	if cfg.CookieName == "" {
		cfg.CookieName = gateway.DefaultCookieName
	}
	a := &API{
		cfg:           cfg,
		users:         deps.Users,
		sessions:      deps.Sessions,
		xsrf:          deps.XSRF,
		gateway:       deps.Gateway,
		certificates:  deps.Certificates,
		loginLimiter:  newLoginRateLimiter(),
		ipLimiter:     newIPRateLimiter(),
		globalLimiter: newGlobalRateLimiter(),
		logger:        slog.Default(),
	}
	for _, opt := range opts {
		opt(a)
	}
	if a.audit == nil {
		a.audit = NewAuditLogger(slog.New(slog.NewJSONHandler(os.Stderr, nil)))
	}
	a.logger = a.logger.With("component", "api")
	return a
}

// Router returns a chi.Router with all session routes. Mount it at BasePath.
func (a *API) Router() chi.Router {
	r := chi.NewRouter()

	r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "text/yaml")
		w.Write(openapiSpec)
	})

	r.Handle("/docs*", middleware.SwaggerUI(middleware.SwaggerUIOpts{
		SpecURL: BasePath + "/openapi.yaml",
		Path:    "session/v1/docs",
	}, nil))

	r.Handle("/redoc*", middleware.Redoc(middleware.RedocOpts{
		SpecURL: BasePath + "/openapi.yaml",
		Path:    "session/v1/redoc",
	}, nil))

	r.Get("/authenticationMethods", a.AuthenticationMethods)

	r.Group(func(r chi.Router) {
		r.Use(a.requireSessionManagement)
		r.Use(a.requireAllowedPort)
		r.Post("/login/password", a.LoginPassword)
		r.Post("/login/certificate", a.LoginCertificate)

		r.Group(func(r chi.Router) {
			r.Use(a.authenticated)
			r.Get("/xsrfToken", a.XSRFToken)
			r.Post("/changePassword", a.ChangePassword)
			r.Post("/logout", a.Logout)
			r.Get("/currentIdentity", a.CurrentIdentity)
		})
	})

	return r
}

// Close stops background work owned by the API.
func (a *API) Close() {
	a.audit.Close()
}

func (a *API) requireSessionManagement(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.cfg.SessionManagement {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

// requireAllowedPort hides the login endpoints on ports outside the
// gateway allow-list.
func (a *API) requireAllowedPort(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !a.gateway.PortAllowed(r) {
			http.NotFound(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (a *API) authenticated(next http.Handler) http.Handler {
	return a.gateway.Middleware(next)
}

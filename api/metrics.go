package api

import (
	"errors"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/jmcleod/gatekeeper/auth"
	"github.com/jmcleod/gatekeeper/gateway"
	"github.com/jmcleod/gatekeeper/session"
)

// Metrics is the Prometheus view of authentication outcomes. A nil *Metrics
// records nothing.
type Metrics struct {
	registry *prometheus.Registry

	authAttempts     *prometheus.CounterVec
	providerDuration *prometheus.HistogramVec
	rejections       *prometheus.CounterVec
	terminated       *prometheus.CounterVec
	logins           *prometheus.CounterVec
	auditEvents      *prometheus.CounterVec
}

// NewMetrics registers the gatekeeper collectors on reg.
func NewMetrics(reg *prometheus.Registry) *Metrics {
	return &Metrics{
		registry: reg,
		authAttempts: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_auth_attempts_total",
				Help: "Provider evaluations by provider and result",
			},
			[]string{"provider", "result"}, // "success", "no_match", "failure", "error"
		),
		providerDuration: promauto.With(reg).NewHistogramVec(
			prometheus.HistogramOpts{
				Name: "gatekeeper_provider_duration_milliseconds",
				Help: "Duration of a single provider evaluation in milliseconds",
				Buckets: []float64{
					0.1, // session lookups
					1,
					10,
					50,
					100, // argon2id comparisons
					250,
					500,
					1000,
				},
			},
			[]string{"provider"},
		),
		rejections: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_gateway_rejections_total",
				Help: "Requests rejected by the gateway by reason",
			},
			[]string{"reason"},
		),
		terminated: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_sessions_terminated_total",
				Help: "Sessions that left the active state by terminal state",
			},
			[]string{"state"},
		),
		logins: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_logins_total",
				Help: "Login endpoint outcomes by method and result",
			},
			[]string{"method", "result"},
		),
		auditEvents: promauto.With(reg).NewCounterVec(
			prometheus.CounterOpts{
				Name: "gatekeeper_audit_events_total",
				Help: "Audit events emitted by event type",
			},
			[]string{"event"},
		),
	}
}

// WatchSessions exposes count as the active-session gauge.
func (m *Metrics) WatchSessions(count func() int) {
	if m == nil {
		return
	}
	promauto.With(m.registry).NewGaugeFunc(
		prometheus.GaugeOpts{
			Name: "gatekeeper_sessions_active",
			Help: "Number of live sessions",
		},
		func() float64 { return float64(count()) },
	)
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// ObserveProvider matches auth.ChainObserver.
func (m *Metrics) ObserveProvider(provider string, err error, elapsed time.Duration) {
	if m == nil {
		return
	}
	m.authAttempts.WithLabelValues(provider, providerResult(err)).Inc()
	m.providerDuration.WithLabelValues(provider).Observe(float64(elapsed) / float64(time.Millisecond))
}

func providerResult(err error) string {
	switch {
	case err == nil:
		return "success"
	case errors.Is(err, auth.ErrNoMatch):
		return "no_match"
	case errors.Is(err, auth.ErrUnexpected):
		return "error"
	default:
		return "failure"
	}
}

// SessionTerminated matches session.Observer.
func (m *Metrics) SessionTerminated(_ session.Session, state session.State) {
	if m == nil {
		return
	}
	m.terminated.WithLabelValues(state.String()).Inc()
}

// GatewayRejected matches gateway.RejectionObserver.
func (m *Metrics) GatewayRejected(_ *http.Request, o gateway.Outcome) {
	if m == nil {
		return
	}
	m.rejections.WithLabelValues(rejectionReason(o.Err)).Inc()
}

func rejectionReason(err error) string {
	switch {
	case errors.Is(err, gateway.ErrPortNotAllowed):
		return "port_not_allowed"
	case errors.Is(err, gateway.ErrUnauthenticated):
		return "unauthenticated"
	case errors.Is(err, session.ErrSessionLocked):
		return "session_locked"
	case errors.Is(err, session.ErrSessionExpired):
		return "session_expired"
	case errors.Is(err, session.ErrCredentialsChanged):
		return "credentials_changed"
	case errors.Is(err, session.ErrInvalidXSRFToken):
		return "xsrf"
	default:
		return "unexpected"
	}
}

func (m *Metrics) recordLogin(method string, ok bool) {
	if m == nil {
		return
	}
	result := "success"
	if !ok {
		result = "failure"
	}
	m.logins.WithLabelValues(method, result).Inc()
}

func (m *Metrics) recordAudit(event AuditEvent) {
	if m == nil {
		return
	}
	m.auditEvents.WithLabelValues(string(event)).Inc()
}

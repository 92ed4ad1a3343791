package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/jmcleod/gatekeeper/auth"
	"github.com/jmcleod/gatekeeper/gateway"
	"github.com/jmcleod/gatekeeper/session"
)

// AuditEvent identifies the type of security-relevant action being logged.
type AuditEvent string

const (
	AuditLoginSuccess           AuditEvent = "login_success"
	AuditLoginFailure           AuditEvent = "login_failure"
	AuditLoginRateLimited       AuditEvent = "login_rate_limited"
	AuditLogout                 AuditEvent = "logout"
	AuditPasswordChanged        AuditEvent = "password_changed"
	AuditPasswordChangeFailure  AuditEvent = "password_change_failure"
	AuditSessionInvalidated     AuditEvent = "session_invalidated"
	AuditBasicAuthSuccess       AuditEvent = "basic_auth_success"
	AuditBasicAuthFailure       AuditEvent = "basic_auth_failure"
	AuditCertificateAuthFailure AuditEvent = "certificate_auth_failure"
	AuditXSRFRejected           AuditEvent = "xsrf_rejected"
)

// auditRecord is one audit entry. The same value is logged through slog and
// delivered to the webhook. Empty fields are left out of both.
type auditRecord struct {
	ID                  string     `json:"id"`
	Event               AuditEvent `json:"event"`
	Timestamp           time.Time  `json:"timestamp"`
	Username            string     `json:"username,omitempty"`
	RemoteAddr          string     `json:"remote_addr,omitempty"`
	Provider            string     `json:"provider,omitempty"`
	Method              string     `json:"method,omitempty"`
	Reason              string     `json:"reason,omitempty"`
	Path                string     `json:"path,omitempty"`
	NeedsPasswordChange bool       `json:"needs_password_change,omitempty"`
}

func (rec auditRecord) attrs() []slog.Attr {
	attrs := []slog.Attr{
		slog.String("event", string(rec.Event)),
		slog.String("event_id", rec.ID),
		slog.String("remote_addr", rec.RemoteAddr),
		slog.String("timestamp", rec.Timestamp.Format(time.RFC3339)),
	}
	optional := []struct{ key, value string }{
		{"username", rec.Username},
		{"provider", rec.Provider},
		{"method", rec.Method},
		{"reason", rec.Reason},
		{"path", rec.Path},
	}
	for _, o := range optional {
		if o.value != "" {
			attrs = append(attrs, slog.String(o.key, o.value))
		}
	}
	if rec.Event == AuditLoginSuccess && rec.Method == "password" {
		attrs = append(attrs, slog.Bool("needs_password_change", rec.NeedsPasswordChange))
	}
	return attrs
}

// AuditLogger writes security audit records through slog and fans them out
// to the optional webhook, alert and metrics sinks. It implements
// auth.Recorder.
type AuditLogger struct {
	logger  *slog.Logger
	alerts  *alertCollector
	webhook *auditWebhook
	metrics *Metrics
	now     func() time.Time
}

// AuditOption configures an AuditLogger.
type AuditOption func(*AuditLogger)

// WithWebhook delivers audit records to cfg.URL in batches. An empty URL
// leaves the webhook off.
func WithWebhook(cfg WebhookConfig) AuditOption {
	return func(al *AuditLogger) {
		if cfg.URL != "" {
			al.webhook = newAuditWebhook(cfg, al.logger)
		}
	}
}

// WithAlertFunc enables anomaly alerts.
func WithAlertFunc(fn AlertFunc) AuditOption {
	return func(al *AuditLogger) {
		al.alerts = newAlertCollector(fn)
	}
}

// WithAuditMetrics counts audit events.
func WithAuditMetrics(m *Metrics) AuditOption {
	return func(al *AuditLogger) {
		al.metrics = m
	}
}

func NewAuditLogger(logger *slog.Logger, opts ...AuditOption) *AuditLogger {
	al := &AuditLogger{
		logger: logger.With("component", "audit"),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(al)
	}
	return al
}

// Close flushes the webhook.
func (al *AuditLogger) Close() {
	if al.webhook != nil {
		al.webhook.close()
		al.webhook = nil
	}
}

// write stamps rec and hands it to every sink. Passwords never reach it.
func (al *AuditLogger) write(ctx context.Context, rec auditRecord) {
	rec.ID = uuid.NewString()
	rec.Timestamp = al.now().UTC().Truncate(time.Second)
	al.logger.LogAttrs(ctx, slog.LevelInfo, "audit", rec.attrs()...)

	al.alerts.recordEvent(rec.Event)
	al.metrics.recordAudit(rec.Event)
	if al.webhook != nil {
		al.webhook.enqueue(rec)
	}
}

// record writes rec for the caller of r.
func (al *AuditLogger) record(r *http.Request, rec auditRecord) {
	rec.RemoteAddr = r.RemoteAddr
	al.write(r.Context(), rec)
}

// RecordAttempt receives provider-level credential checks. Successful
// certificate checks are left to the login endpoint, which records the
// session it creates.
func (al *AuditLogger) RecordAttempt(ctx context.Context, a auth.Attempt) {
	rec := auditRecord{Username: a.Username, RemoteAddr: a.RemoteAddr, Provider: a.Provider}
	if a.Err != nil {
		rec.Reason = string(failureReason(a.Err))
	}
	switch a.Provider {
	case auth.ProviderBasic:
		rec.Event = AuditBasicAuthSuccess
		if a.Err != nil {
			rec.Event = AuditBasicAuthFailure
		}
	case auth.ProviderCertificate:
		if a.Err == nil {
			return
		}
		rec.Event = AuditCertificateAuthFailure
	default:
		return
	}
	al.write(ctx, rec)
}

func failureReason(err error) auth.Reason {
	if reason := auth.ReasonOf(err); reason != "" {
		return reason
	}
	return auth.ReasonAuthenticationFailed
}

// GatewayRejected matches gateway.RejectionObserver.
func (al *AuditLogger) GatewayRejected(r *http.Request, o gateway.Outcome) {
	switch {
	case errors.Is(o.Err, session.ErrInvalidXSRFToken):
		al.record(r, auditRecord{Event: AuditXSRFRejected, Path: r.URL.Path})
	case o.Invalidated:
		al.record(r, auditRecord{Event: AuditSessionInvalidated, Reason: rejectionReason(o.Err), Path: r.URL.Path})
	}
}

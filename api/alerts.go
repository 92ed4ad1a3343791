package api

import (
	"sync"
	"time"
)

// AlertType identifies the kind of anomaly detected.
type AlertType string

const (
	AlertLoginFailureSpike  AlertType = "login_failure_spike"
	AlertXSRFRejectionSpike AlertType = "xsrf_rejection_spike"
)

// AlertEvent describes an anomaly that triggered an alert.
type AlertEvent struct {
	Type      AlertType `json:"type"`
	Message   string    `json:"message"`
	Count     int       `json:"count"`
	Threshold int       `json:"threshold"`
	Timestamp time.Time `json:"timestamp"`
}

// AlertFunc is the callback invoked when an anomaly is detected.
type AlertFunc func(AlertEvent)

// alertCollector tracks sliding window counters for anomaly detection.
type alertCollector struct {
	mu sync.Mutex

	// Sliding window for login failures of any kind.
	loginFailures  []time.Time
	loginWindow    time.Duration
	loginThreshold int

	// Sliding window for forged or missing XSRF tokens.
	xsrfRejections []time.Time
	xsrfWindow     time.Duration
	xsrfThreshold  int

	alertFn AlertFunc
	now     func() time.Time
}

const (
	defaultLoginFailureWindow    = 1 * time.Minute
	defaultLoginFailureThreshold = 50
	defaultXSRFWindow            = 5 * time.Minute
	defaultXSRFThreshold         = 20
)

func newAlertCollector(alertFn AlertFunc) *alertCollector {
	return &alertCollector{
		loginWindow:    defaultLoginFailureWindow,
		loginThreshold: defaultLoginFailureThreshold,
		xsrfWindow:     defaultXSRFWindow,
		xsrfThreshold:  defaultXSRFThreshold,
		alertFn:        alertFn,
		now:            time.Now,
	}
}

// recordEvent inspects an audit event and updates the relevant counters.
func (m *alertCollector) recordEvent(event AuditEvent) {
	if m == nil || m.alertFn == nil {
		return
	}
	switch event {
	case AuditLoginFailure, AuditBasicAuthFailure, AuditCertificateAuthFailure:
		m.record(&m.loginFailures, m.loginWindow, m.loginThreshold,
			AlertLoginFailureSpike, "login failure rate exceeds threshold")
	case AuditXSRFRejected:
		m.record(&m.xsrfRejections, m.xsrfWindow, m.xsrfThreshold,
			AlertXSRFRejectionSpike, "xsrf rejection rate exceeds threshold")
	}
}

func (m *alertCollector) record(window *[]time.Time, span time.Duration, threshold int, typ AlertType, msg string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	*window = trimWindow(append(*window, now), now, span)

	if len(*window) >= threshold {
		m.alertFn(AlertEvent{
			Type:      typ,
			Message:   msg,
			Count:     len(*window),
			Threshold: threshold,
			Timestamp: now,
		})
		// Reset to avoid repeated alerts within the same spike.
		*window = (*window)[:0]
	}
}

// trimWindow removes entries older than (now - window) from the sorted slice.
func trimWindow(times []time.Time, now time.Time, window time.Duration) []time.Time {
	cutoff := now.Add(-window)
	start := 0
	for start < len(times) && times[start].Before(cutoff) {
		start++
	}
	return times[start:]
}

package api

import (
	"net"
	"net/http"
	"net/netip"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/auth"
)

// backoffLimiter tracks consecutive failed logins per key and enforces
// exponential backoff once a threshold is reached. Keys are usernames or
// client IPs; passwords never reach it.
type backoffLimiter struct {
	mu          sync.Mutex
	attempts    map[string]*attemptRecord
	maxFailures int
	baseLockout time.Duration
	maxLockout  time.Duration
	now         func() time.Time
}

type attemptRecord struct {
	failures    int
	lastFailure time.Time
	lockedUntil time.Time
}

const (
	// maxFailures is the number of consecutive failures before lockout begins.
	maxFailures = 5
	// baseLockout is the initial lockout duration after maxFailures is reached.
	baseLockout = 1 * time.Minute
	// maxLockout caps the exponential backoff.
	maxLockout = 15 * time.Minute
	// attemptExpiry is how long after the last failure before the record is
	// garbage-collected.
	attemptExpiry = 1 * time.Hour

	ipMaxFailures = 20
	ipBaseLockout = 1 * time.Minute
	ipMaxLockout  = 30 * time.Minute
)

func newLoginRateLimiter() *backoffLimiter {
	return newBackoffLimiter(maxFailures, baseLockout, maxLockout)
}

func newIPRateLimiter() *backoffLimiter {
	return newBackoffLimiter(ipMaxFailures, ipBaseLockout, ipMaxLockout)
}

func newBackoffLimiter(threshold int, base, ceiling time.Duration) *backoffLimiter {
	return &backoffLimiter{
		attempts:    make(map[string]*attemptRecord),
		maxFailures: threshold,
		baseLockout: base,
		maxLockout:  ceiling,
		now:         time.Now,
	}
}

// check returns true if key is currently locked out, along with how long the
// caller should wait. A zero duration means the request may proceed.
func (rl *backoffLimiter) check(key string) (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		return false, 0
	}
	now := rl.now()
	if now.Sub(rec.lastFailure) > attemptExpiry {
		delete(rl.attempts, key)
		return false, 0
	}
	if now.Before(rec.lockedUntil) {
		return true, rec.lockedUntil.Sub(now)
	}
	return false, 0
}

// recordFailure increments the failure counter and applies exponential
// backoff once maxFailures is reached.
func (rl *backoffLimiter) recordFailure(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rec, ok := rl.attempts[key]
	if !ok {
		rec = &attemptRecord{}
		rl.attempts[key] = rec
	}
	now := rl.now()
	rec.failures++
	rec.lastFailure = now

	if rec.failures >= rl.maxFailures {
		// baseLockout * 2^(failures - maxFailures)
		shift := rec.failures - rl.maxFailures
		lockout := rl.baseLockout
		for i := 0; i < shift; i++ {
			lockout *= 2
			if lockout > rl.maxLockout {
				lockout = rl.maxLockout
				break
			}
		}
		rec.lockedUntil = now.Add(lockout)
	}
}

// recordSuccess resets the failure counter on a successful login.
func (rl *backoffLimiter) recordSuccess(key string) {
	rl.mu.Lock()
	defer rl.mu.Unlock()
	delete(rl.attempts, key)
}

// sweep removes expired records.
func (rl *backoffLimiter) sweep() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	for key, rec := range rl.attempts {
		if now.Sub(rec.lastFailure) > attemptExpiry {
			delete(rl.attempts, key)
		}
	}
}

// writeRateLimited sends a 429 Too Many Requests response.
func writeRateLimited(w http.ResponseWriter, retryAfter time.Duration) {
	w.Header().Set("Retry-After", retryAfterString(retryAfter))
	writeError(w, http.StatusTooManyRequests, "too many failed login attempts; try again later")
}

func retryAfterString(d time.Duration) string {
	secs := int(d.Seconds())
	if secs < 1 {
		secs = 1
	}
	return strconv.Itoa(secs)
}

// ---------------------------------------------------------------------------
// Global rate limiter (sliding window)
// ---------------------------------------------------------------------------

const (
	globalWindow      = 1 * time.Minute
	globalMaxFailures = 100
	globalLockout     = 5 * time.Minute
)

// globalRateLimiter tracks total failed login attempts across all users
// using a sliding window.
type globalRateLimiter struct {
	mu          sync.Mutex
	failures    []time.Time
	lockedUntil time.Time
	now         func() time.Time
}

func newGlobalRateLimiter() *globalRateLimiter {
	return &globalRateLimiter{now: time.Now}
}

func (rl *globalRateLimiter) check() (blocked bool, retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	if now.Before(rl.lockedUntil) {
		return true, rl.lockedUntil.Sub(now)
	}
	return false, 0
}

func (rl *globalRateLimiter) recordFailure() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	now := rl.now()
	rl.failures = trimWindow(append(rl.failures, now), now, globalWindow)

	if len(rl.failures) >= globalMaxFailures {
		rl.lockedUntil = now.Add(globalLockout)
	}
}

// checkLogin consults every limiter for a login attempt.
func (a *API) checkLogin(username, ip string) (blocked bool, retryAfter time.Duration) {
	if blocked, retry := a.globalLimiter.check(); blocked {
		return true, retry
	}
	if blocked, retry := a.ipLimiter.check(ip); blocked {
		return true, retry
	}
	if username != "" {
		return a.loginLimiter.check(username)
	}
	return false, 0
}

func (a *API) recordLoginFailure(username, ip string) {
	a.globalLimiter.recordFailure()
	a.ipLimiter.recordFailure(ip)
	if username != "" {
		a.loginLimiter.recordFailure(username)
	}
}

func (a *API) recordLoginSuccess(username, ip string) {
	a.ipLimiter.recordSuccess(ip)
	if username != "" {
		a.loginLimiter.recordSuccess(username)
	}
}

// BasicThrottle returns the guard for Basic credentials presented on
// gateway routes. It shares counters with POST /login/password, so guesses
// made either way count toward the same lockouts.
func (a *API) BasicThrottle() auth.Throttle {
	return basicThrottle{a: a}
}

type basicThrottle struct {
	a *API
}

func (t basicThrottle) ip(req *auth.RequestContext) string {
	return clientIP(req.RemoteAddr, req.Header, t.a.trustedProxies)
}

func (t basicThrottle) Allow(req *auth.RequestContext, username string) bool {
	blocked, _ := t.a.checkLogin(username, t.ip(req))
	return !blocked
}

func (t basicThrottle) Failed(req *auth.RequestContext, username string) {
	t.a.recordLoginFailure(username, t.ip(req))
}

func (t basicThrottle) Succeeded(req *auth.RequestContext, username string) {
	t.a.recordLoginSuccess(username, t.ip(req))
}

// SweepLimiters drops stale rate-limit records.
func (a *API) SweepLimiters() {
	a.loginLimiter.sweep()
	a.ipLimiter.sweep()
}

// ---------------------------------------------------------------------------
// Helper: extract client IP
// ---------------------------------------------------------------------------

// extractClientIP returns the client IP for rate limiting. It delegates to
// extractClientIPWithProxies using the API's configured trusted proxies.
func (a *API) extractClientIP(r *http.Request) string {
	return extractClientIPWithProxies(r, a.trustedProxies)
}

// extractClientIPWithProxies returns the best-effort client IP address.
//
// Proxy headers (X-Forwarded-For, Forwarded, X-Real-IP) are only honored
// if trustedProxies is non-empty AND the request's RemoteAddr falls within
// one of the trusted CIDR ranges. This prevents untrusted clients from
// spoofing their source IP via headers.
//
// When trustedProxies is nil or empty (the default), proxy headers are
// never consulted and RemoteAddr is always returned. To trust proxy
// headers the operator must configure trusted_proxies.
//
// Priority when proxy headers are trusted:
// 1. First valid entry in X-Forwarded-For
// 2. First valid "for=" value in Forwarded
// 3. X-Real-IP
// 4. RemoteAddr
func extractClientIPWithProxies(r *http.Request, trustedProxies []netip.Prefix) string {
	return clientIP(r.RemoteAddr, r.Header, trustedProxies)
}

func clientIP(remoteAddr string, header http.Header, trustedProxies []netip.Prefix) string {
	remoteIP, _ := parseIPCandidate(remoteAddr)

	// Determine whether the direct peer is trusted.
	// Default: trust no proxy headers unless explicitly configured.
	proxyTrusted := false
	if len(trustedProxies) > 0 && remoteIP != "" {
		if addr, err := netip.ParseAddr(remoteIP); err == nil {
			for _, prefix := range trustedProxies {
				if prefix.Contains(addr) {
					proxyTrusted = true
					break
				}
			}
		}
	}

	if proxyTrusted {
		if xff := strings.TrimSpace(header.Get("X-Forwarded-For")); xff != "" {
			for _, part := range strings.Split(xff, ",") {
				if ip, ok := parseIPCandidate(part); ok {
					return ip
				}
			}
		}

		if fwd := strings.TrimSpace(header.Get("Forwarded")); fwd != "" {
			for _, elem := range strings.Split(fwd, ",") {
				for _, param := range strings.Split(elem, ";") {
					param = strings.TrimSpace(param)
					if !strings.HasPrefix(strings.ToLower(param), "for=") {
						continue
					}
					raw := strings.TrimSpace(param[4:])
					if ip, ok := parseIPCandidate(raw); ok {
						return ip
					}
				}
			}
		}

		if xrip := strings.TrimSpace(header.Get("X-Real-IP")); xrip != "" {
			if ip, ok := parseIPCandidate(xrip); ok {
				return ip
			}
		}
	}

	if remoteIP != "" {
		return remoteIP
	}
	return ""
}

func parseIPCandidate(raw string) (string, bool) {
	s := strings.TrimSpace(raw)
	s = strings.Trim(s, "\"")
	if s == "" {
		return "", false
	}

	// RFC 7239 quoted IPv6 may appear as [::1]:1234.
	if host, _, err := net.SplitHostPort(s); err == nil {
		s = host
	}

	// Remove IPv6 brackets if present.
	s = strings.TrimPrefix(s, "[")
	s = strings.TrimSuffix(s, "]")
	// Drop zone if any (e.g. fe80::1%eth0).
	if i := strings.IndexByte(s, '%'); i >= 0 {
		s = s[:i]
	}

	if addr, err := netip.ParseAddr(s); err == nil {
		return addr.String(), true
	}
	// As a fallback, allow net.ParseIP normalization.
	if ip := net.ParseIP(s); ip != nil {
		return ip.String(), true
	}
	return "", false
}

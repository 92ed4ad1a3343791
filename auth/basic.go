package auth

import (
	"context"
	"encoding/base64"
	"errors"
	"log/slog"
	"strings"
)

// BasicProvider authenticates "Authorization: Basic" credentials against a
// CredentialStore. Accounts that must change their password are refused even
// with a correct password.
type BasicProvider struct {
	store    CredentialStore
	recorder Recorder
	throttle Throttle
	logger   *slog.Logger
}

// Throttle slows down password guessing. Allow is asked before every
// password check; Failed and Succeeded report rejected and accepted
// passwords for the same caller.
type Throttle interface {
	Allow(req *RequestContext, username string) bool
	Failed(req *RequestContext, username string)
	Succeeded(req *RequestContext, username string)
}

type nopThrottle struct{}

func (nopThrottle) Allow(*RequestContext, string) bool { return true }
func (nopThrottle) Failed(*RequestContext, string)     {}
func (nopThrottle) Succeeded(*RequestContext, string)  {}

type BasicOption func(*BasicProvider)

// WithThrottle makes the provider refuse callers the throttle has locked
// out, even when their password is correct.
func WithThrottle(t Throttle) BasicOption {
	return func(p *BasicProvider) { p.throttle = t }
}

func NewBasicProvider(store CredentialStore, recorder Recorder, logger *slog.Logger, opts ...BasicOption) *BasicProvider {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	p := &BasicProvider{
		store:    store,
		recorder: recorder,
		throttle: nopThrottle{},
		logger:   logger.With("provider", ProviderBasic),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *BasicProvider) Name() string { return ProviderBasic }

// parseBasic splits a Basic Authorization header. ok is false when the
// header is absent or uses another scheme; err is set when it is Basic but
// malformed.
func parseBasic(header string) (username, password string, ok bool, err error) {
	scheme, payload, found := strings.Cut(strings.TrimSpace(header), " ")
	if !found || !strings.EqualFold(scheme, "Basic") {
		return "", "", false, nil
	}
	decoded, err := base64.StdEncoding.DecodeString(strings.TrimSpace(payload))
	if err != nil {
		return "", "", true, err
	}
	username, password, found = strings.Cut(string(decoded), ":")
	if !found {
		return "", "", true, errors.New("missing ':' separator")
	}
	return username, password, true, nil
}

func (p *BasicProvider) Authenticate(ctx context.Context, req *RequestContext) (*Principal, error) {
	username, password, ok, err := parseBasic(req.Header.Get("Authorization"))
	if !ok {
		return nil, ErrNoMatch
	}
	if err != nil {
		// Logged as a parse failure, never as a failed login.
		p.logger.Debug("malformed basic credentials", "remote_addr", req.RemoteAddr, "error", err)
		return nil, ErrNoMatch
	}

	attempt := Attempt{Provider: ProviderBasic, Username: username, RemoteAddr: req.RemoteAddr}

	if !p.throttle.Allow(req, username) {
		attempt.Err = fail(ReasonRateLimited, nil)
		p.recorder.RecordAttempt(ctx, attempt)
		return nil, attempt.Err
	}

	// The password is checked before the change flag so an unknown user and
	// a flagged user cost the same hash comparison.
	if err := p.store.VerifyPassword(ctx, username, password); err != nil {
		if errors.Is(err, ErrAuthenticationFailed) {
			p.throttle.Failed(req, username)
			attempt.Err = fail(ReasonAuthenticationFailed, err)
		} else {
			attempt.Err = fail(ReasonUnexpectedError, err)
		}
		p.recorder.RecordAttempt(ctx, attempt)
		return nil, attempt.Err
	}
	p.throttle.Succeeded(req, username)
	needsChange, err := p.store.NeedsPasswordChange(ctx, username)
	if err != nil {
		attempt.Err = fail(ReasonUnexpectedError, err)
		p.recorder.RecordAttempt(ctx, attempt)
		return nil, attempt.Err
	}
	if needsChange {
		attempt.Err = fail(ReasonPasswordChange, nil)
		p.recorder.RecordAttempt(ctx, attempt)
		return nil, attempt.Err
	}

	p.recorder.RecordAttempt(ctx, attempt)
	return &Principal{Name: username}, nil
}

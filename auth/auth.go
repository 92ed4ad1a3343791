// Package auth resolves the caller of an HTTP request to a Principal.
//
// Independent Providers (Basic credentials, client certificate, session
// cookie) are registered on a Chain with a priority. The Chain asks them in
// ascending priority order and the first Principal wins. A provider abstains
// by returning ErrNoMatch; any other error is logged and also treated as an
// abstention so one broken provider can never stop the chain.
package auth

import (
	"context"
	"crypto/x509"
	"errors"
	"fmt"
	"net/http"
)

const (
	ProviderBasic       = "basic"
	ProviderCertificate = "certificate"
	ProviderSession     = "session"
)

var (
	// ErrNoMatch means the provider found nothing it could use in the request.
	ErrNoMatch = errors.New("auth: no match")
	// ErrAuthenticationFailed means credentials were presented but rejected.
	ErrAuthenticationFailed = errors.New("auth: authentication failed")
	ErrIdentityNotFound     = errors.New("auth: identity not found")
	ErrMissingCommonName    = errors.New("auth: certificate has no common name")
	ErrUnexpected           = errors.New("auth: unexpected error")
	ErrRateLimited          = errors.New("auth: too many failed attempts")
)

// Reason categorises a rejected credential for audit logs.
type Reason string

const (
	ReasonAuthenticationFailed Reason = "AUTHENTICATION_FAILED"
	ReasonIdentityNotFound     Reason = "IDENTITY_NOT_FOUND"
	ReasonMissingCommonName    Reason = "MISSING_COMMON_NAME"
	ReasonUnexpectedError      Reason = "UNEXPECTED_ERROR"
	ReasonMalformed            Reason = "MALFORMED"
	ReasonPasswordChange       Reason = "PASSWORD_CHANGE_REQUIRED"
	ReasonRateLimited          Reason = "RATE_LIMITED"
)

// Failure is returned by providers that recognised the request but refused
// it. errors.Is matches both the sentinel for its Reason and the cause.
type Failure struct {
	Reason Reason
	Err    error
}

func (f *Failure) Error() string {
	if f.Err == nil {
		return fmt.Sprintf("auth: %s", f.Reason)
	}
	return fmt.Sprintf("auth: %s: %v", f.Reason, f.Err)
}

func (f *Failure) Unwrap() []error {
	errs := []error{f.sentinel()}
	if f.Err != nil {
		errs = append(errs, f.Err)
	}
	return errs
}

func (f *Failure) sentinel() error {
	switch f.Reason {
	case ReasonIdentityNotFound:
		return ErrIdentityNotFound
	case ReasonMissingCommonName:
		return ErrMissingCommonName
	case ReasonUnexpectedError:
		return ErrUnexpected
	case ReasonRateLimited:
		return ErrRateLimited
	default:
		return ErrAuthenticationFailed
	}
}

func fail(reason Reason, err error) error {
	return &Failure{Reason: reason, Err: err}
}

// ReasonOf extracts the Reason carried by err, or "" if there is none.
func ReasonOf(err error) Reason {
	var f *Failure
	if errors.As(err, &f) {
		return f.Reason
	}
	return ""
}

// Principal identifies an authenticated caller.
type Principal struct {
	Name string
}

// RequestContext is the per-request view a Provider authenticates against.
type RequestContext struct {
	Header           http.Header
	Path             string
	Port             int
	PeerCertificates []*x509.Certificate
	// SessionID is the transport-level session handle read from the cookie.
	SessionID  string
	RemoteAddr string
}

// Provider is one authentication strategy. Implementations must be safe for
// concurrent use and must return (nil, ErrNoMatch) to abstain.
type Provider interface {
	Name() string
	Authenticate(ctx context.Context, req *RequestContext) (*Principal, error)
}

// CredentialStore is the user store the Basic and Certificate providers
// consult.
type CredentialStore interface {
	// VerifyPassword returns nil only for a matching password. A rejected
	// password must wrap ErrAuthenticationFailed; any other error is a store
	// failure. Unknown users must be indistinguishable from a wrong password.
	VerifyPassword(ctx context.Context, username, password string) error
	NeedsPasswordChange(ctx context.Context, username string) (bool, error)
	// CredentialsFingerprint changes whenever the user's credentials rotate.
	CredentialsFingerprint(ctx context.Context, username string) (string, error)
	// FindByCommonName maps a certificate CN to a username.
	FindByCommonName(ctx context.Context, cn string) (string, bool, error)
}

// Attempt describes one credential check for audit sinks. The password is
// never included.
type Attempt struct {
	Provider   string
	Username   string
	RemoteAddr string
	Err        error
}

// Recorder receives every credential Attempt a provider makes.
type Recorder interface {
	RecordAttempt(ctx context.Context, a Attempt)
}

// RecorderFunc adapts a function to Recorder.
type RecorderFunc func(ctx context.Context, a Attempt)

func (f RecorderFunc) RecordAttempt(ctx context.Context, a Attempt) { f(ctx, a) }

type nopRecorder struct{}

func (nopRecorder) RecordAttempt(context.Context, Attempt) {}

// Package session owns the server-side session state machine: creation,
// lookup, locking, inactivity expiry, credential-change detection and
// termination, plus the per-session XSRF token binding.
package session

import (
	"errors"
	"time"
)

var (
	ErrNotFound           = errors.New("session not found")
	ErrSessionExpired     = errors.New("session expired")
	ErrSessionLocked      = errors.New("session locked")
	ErrCredentialsChanged = errors.New("credentials changed since session was created")
	ErrInvalidXSRFToken   = errors.New("invalid xsrf token")
)

// State is the lifecycle state of a session. Every state other than
// StateActive is terminal and is reported as absent by lookups.
type State int

const (
	StateAbsent State = iota
	StateActive
	StateExpired
	StateLoggedOut
	StateInvalidated
	StateReplaced
)

func (s State) String() string {
	switch s {
	case StateActive:
		return "active"
	case StateExpired:
		return "expired"
	case StateLoggedOut:
		return "logged_out"
	case StateInvalidated:
		return "invalidated"
	case StateReplaced:
		return "replaced"
	default:
		return "absent"
	}
}

// Session is a snapshot of one authenticated interaction. Values returned by
// the Store are copies; mutating them has no effect.
type Session struct {
	ID                     string    `json:"id"`
	Handle                 string    `json:"handle"`
	Username               string    `json:"username"`
	CreatedAt              time.Time `json:"created_at"`
	LastActivityAt         time.Time `json:"last_activity_at"`
	CredentialsFingerprint string    `json:"credentials_fingerprint"`
	Locked                 bool      `json:"locked"`
	XSRFToken              string    `json:"xsrf_token,omitempty"`
	State                  State     `json:"state"`
}

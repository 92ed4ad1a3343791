package session

import (
	"crypto/subtle"

	"github.com/jmcleod/gatekeeper/internal/util"
)

const xsrfTokenBytes = 32

// XSRFTokens binds one anti-forgery token to each session. A token is created
// on first request and lives exactly as long as its session.
type XSRFTokens struct {
	store *Store
}

func NewXSRFTokens(store *Store) *XSRFTokens {
	return &XSRFTokens{store: store}
}

// GetOrCreate returns the session's token, generating it on first use.
func (x *XSRFTokens) GetOrCreate(id string) (string, error) {
	e := x.store.acquire(id)
	if e == nil {
		return "", ErrNotFound
	}
	defer e.mu.Unlock()
	if e.sess.XSRFToken != "" {
		return e.sess.XSRFToken, nil
	}
	token, err := util.RandomToken(xsrfTokenBytes)
	if err != nil {
		return "", err
	}
	e.sess.XSRFToken = token
	x.store.persist(e)
	return token, nil
}

// Validate compares supplied with the session's token in constant time. An
// absent session or a session without a token rejects every value.
func (x *XSRFTokens) Validate(id, supplied string) bool {
	e := x.store.acquire(id)
	if e == nil {
		return false
	}
	bound := e.sess.XSRFToken
	e.mu.Unlock()
	if bound == "" || supplied == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(bound), []byte(supplied)) == 1
}

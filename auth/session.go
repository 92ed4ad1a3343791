package auth

import (
	"context"

	"github.com/jmcleod/gatekeeper/session"
)

// SessionLookup resolves a session id to its live session.
type SessionLookup interface {
	Get(id string) (*session.Session, bool)
}

// SessionProvider authenticates requests carrying the id of a live session.
// Locking, expiry, credential-change and XSRF checks are left to the gateway
// because they depend on the request path.
type SessionProvider struct {
	sessions SessionLookup
}

func NewSessionProvider(sessions SessionLookup) *SessionProvider {
	return &SessionProvider{sessions: sessions}
}

func (p *SessionProvider) Name() string { return ProviderSession }

func (p *SessionProvider) Authenticate(_ context.Context, req *RequestContext) (*Principal, error) {
	if req.SessionID == "" {
		return nil, ErrNoMatch
	}
	s, ok := p.sessions.Get(req.SessionID)
	if !ok {
		return nil, ErrNoMatch
	}
	return &Principal{Name: s.Username}, nil
}

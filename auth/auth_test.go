package auth

import (
	"context"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeUser struct {
	password    string
	needsChange bool
	cn          string
}

type fakeCredentials struct {
	mu      sync.Mutex
	users   map[string]fakeUser
	lookups int
	err     error
}

func newFakeCredentials() *fakeCredentials {
	return &fakeCredentials{users: map[string]fakeUser{
		"alice": {password: "wonderland"},
		"bob":   {password: "builder", needsChange: true},
		"blank": {password: ""},
		"agent": {password: "x", cn: "device-1"},
	}}
}

func (f *fakeCredentials) VerifyPassword(_ context.Context, username, password string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.lookups++
	if f.err != nil {
		return f.err
	}
	u, ok := f.users[username]
	if !ok || u.password != password {
		return fmt.Errorf("invalid credentials: %w", ErrAuthenticationFailed)
	}
	return nil
}

func (f *fakeCredentials) NeedsPasswordChange(_ context.Context, username string) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[username].needsChange, nil
}

func (f *fakeCredentials) CredentialsFingerprint(_ context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.users[username].password, nil
}

func (f *fakeCredentials) FindByCommonName(_ context.Context, cn string) (string, bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", false, f.err
	}
	for name, u := range f.users {
		if u.cn != "" && u.cn == cn {
			return name, true, nil
		}
	}
	return "", false, nil
}

type recorded struct {
	mu       sync.Mutex
	attempts []Attempt
}

func (r *recorded) RecordAttempt(_ context.Context, a Attempt) {
	r.mu.Lock()
	r.attempts = append(r.attempts, a)
	r.mu.Unlock()
}

func (r *recorded) all() []Attempt {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Attempt(nil), r.attempts...)
}

func newCert(t *testing.T, subject pkix.Name) *x509.Certificate {
	t.Helper()
	key, err := ecdsa.GenerateKey(elliptic.P256(), rand.Reader)
	require.NoError(t, err)
	tmpl := &x509.Certificate{
		SerialNumber: big.NewInt(1),
		Subject:      subject,
		NotBefore:    time.Now().Add(-time.Hour),
		NotAfter:     time.Now().Add(time.Hour),
	}
	der, err := x509.CreateCertificate(rand.Reader, tmpl, tmpl, &key.PublicKey, key)
	require.NoError(t, err)
	cert, err := x509.ParseCertificate(der)
	require.NoError(t, err)
	return cert
}

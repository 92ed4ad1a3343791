package pki

import (
	"crypto"
	"crypto/ecdsa"
	"crypto/elliptic"
	"crypto/rand"
	"crypto/x509"
	"encoding/pem"
	"fmt"
	"io"
	"sync"
)

// SoftwareKeyStore holds ECDSA P-256 private keys in memory. It is the
// default KeyStore.
//
// Keys in this store are ephemeral; the Authority persists the CA key in
// its sealed record via ExportPEM/ImportPEM.
type SoftwareKeyStore struct {
	mu   sync.Mutex
	keys map[string]*ecdsa.PrivateKey
	rand io.Reader
	seq  int
}

var _ KeyStore = (*SoftwareKeyStore)(nil)

func NewSoftwareKeyStore() *SoftwareKeyStore {
	return &SoftwareKeyStore{
		keys: make(map[string]*ecdsa.PrivateKey),
		rand: rand.Reader,
	}
}

func (s *SoftwareKeyStore) add(priv *ecdsa.PrivateKey) string {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.seq++
	id := fmt.Sprintf("sw-%d", s.seq)
	s.keys[id] = priv
	return id
}

func (s *SoftwareKeyStore) get(keyID string) (*ecdsa.PrivateKey, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	priv, ok := s.keys[keyID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrKeyNotFound, keyID)
	}
	return priv, nil
}

// GenerateKey creates a new ECDSA P-256 key pair.
func (s *SoftwareKeyStore) GenerateKey() (string, error) {
	priv, err := ecdsa.GenerateKey(elliptic.P256(), s.rand)
	if err != nil {
		return "", fmt.Errorf("generating ECDSA P-256 key: %w", err)
	}
	return s.add(priv), nil
}

func (s *SoftwareKeyStore) Signer(keyID string) (crypto.Signer, error) {
	return s.get(keyID)
}

// ExportPEM encodes the private key as SEC1 "EC PRIVATE KEY" PEM.
func (s *SoftwareKeyStore) ExportPEM(keyID string) (string, error) {
	priv, err := s.get(keyID)
	if err != nil {
		return "", err
	}
	der, err := x509.MarshalECPrivateKey(priv)
	if err != nil {
		return "", err
	}
	return string(pem.EncodeToMemory(&pem.Block{Type: "EC PRIVATE KEY", Bytes: der})), nil
}

// ImportPEM parses an SEC1 or PKCS8 ECDSA private key.
func (s *SoftwareKeyStore) ImportPEM(pemData string) (string, error) {
	block, _ := pem.Decode([]byte(pemData))
	if block == nil {
		return "", fmt.Errorf("%w: no PEM block found", ErrInvalidPEM)
	}

	var priv *ecdsa.PrivateKey
	var err error

	switch block.Type {
	case "EC PRIVATE KEY":
		priv, err = x509.ParseECPrivateKey(block.Bytes)
	case "PRIVATE KEY":
		key, e := x509.ParsePKCS8PrivateKey(block.Bytes)
		if e != nil {
			return "", fmt.Errorf("%w: %v", ErrInvalidPEM, e)
		}
		var ok bool
		priv, ok = key.(*ecdsa.PrivateKey)
		if !ok {
			return "", fmt.Errorf("%w: not an ECDSA key", ErrInvalidPEM)
		}
	default:
		return "", fmt.Errorf("%w: unexpected PEM type %q", ErrInvalidPEM, block.Type)
	}
	if err != nil {
		return "", fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return s.add(priv), nil
}

func (s *SoftwareKeyStore) Delete(keyID string) error {
	s.mu.Lock()
	delete(s.keys, keyID)
	s.mu.Unlock()
	return nil
}

// Package pki is a small certificate authority for client certificates. The
// CA key, serial counter and revocation list live in one sealed record of a
// storage.Repository. Issued certificates carry the user's common name so the
// certificate provider can map them to an account.
package pki

import (
	"context"
	"crypto"
	"crypto/rand"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/hex"
	"encoding/json"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage"
)

var (
	// ErrNotCA is returned when a CA operation is attempted before InitCA.
	ErrNotCA = errors.New("certificate authority is not initialized")

	// ErrAlreadyCA is returned when InitCA is called twice.
	ErrAlreadyCA = errors.New("certificate authority is already initialized")

	// ErrCertNotFound is returned when a serial number was not issued by
	// this authority.
	ErrCertNotFound = errors.New("certificate not found")

	ErrCertAlreadyRevoked = errors.New("certificate is already revoked")

	// ErrInvalidPEM is returned when PEM data cannot be decoded or parsed.
	ErrInvalidPEM = errors.New("invalid PEM data")

	ErrInvalidCommonName = errors.New("common name must not be empty")
)

const (
	namespace    = "__pki"
	recordTypeCA = "CA"
	caRecordID   = "authority"

	DefaultCAValidityYears    = 10
	DefaultClientValidityDays = 365
)

// CRL reason codes used by this package.
const (
	ReasonUnspecified   = 0
	ReasonKeyCompromise = 1
	ReasonSuperseded    = 4
)

// RevocationEntry records a single revoked certificate.
type RevocationEntry struct {
	SerialNumber string    `json:"serial_number"`
	RevokedAt    time.Time `json:"revoked_at"`
	Reason       int       `json:"reason"`
}

// IssuedEntry records a certificate the authority signed.
type IssuedEntry struct {
	SerialNumber string    `json:"serial_number"`
	CommonName   string    `json:"common_name"`
	NotAfter     time.Time `json:"not_after"`
	Revoked      bool      `json:"revoked"`
}

type caRecord struct {
	CertificatePEM string            `json:"certificate"`
	PrivateKeyPEM  string            `json:"private_key"`
	NextSerial     int64             `json:"next_serial"`
	CRLNumber      int64             `json:"crl_number"`
	Issued         []IssuedEntry     `json:"issued,omitempty"`
	Revocations    []RevocationEntry `json:"revocations,omitempty"`
}

// CAInfo is the public information about the authority.
type CAInfo struct {
	Subject      string    `json:"subject"`
	NotBefore    time.Time `json:"not_before"`
	NotAfter     time.Time `json:"not_after"`
	NextSerial   int64     `json:"next_serial"`
	CRLNumber    int64     `json:"crl_number"`
	CertCount    int       `json:"cert_count"`
	RevokedCount int       `json:"revoked_count"`
}

// IssueCertRequest holds the parameters for a client certificate.
type IssueCertRequest struct {
	CommonName     string
	Organization   []string
	ValidityDays   int
	EmailAddresses []string
}

// IssuedCertificate is a freshly signed client certificate and its key.
type IssuedCertificate struct {
	SerialNumber   string
	CertificatePEM string
	PrivateKeyPEM  string
	NotAfter       time.Time
}

// Authority signs and revokes client certificates.
type Authority struct {
	repo storage.Repository
	key  *memguard.Enclave
	ks   KeyStore
	now  func() time.Time

	// mu serialises read-modify-write cycles within this process; PutCAS
	// catches writers in other processes.
	mu sync.Mutex
}

type Option func(*Authority)

// WithKeyStore replaces the default SoftwareKeyStore.
func WithKeyStore(ks KeyStore) Option {
	return func(a *Authority) { a.ks = ks }
}

func WithClock(now func() time.Time) Option {
	return func(a *Authority) { a.now = now }
}

// New returns an Authority whose record is sealed with key.
func New(repo storage.Repository, key *memguard.Enclave, opts ...Option) *Authority {
	a := &Authority{
		repo: repo,
		key:  key,
		ks:   NewSoftwareKeyStore(),
		now:  time.Now,
	}
	for _, opt := range opts {
		opt(a)
	}
	return a
}

func (a *Authority) load(ctx context.Context) (*caRecord, uint64, error) {
	env, err := a.repo.Get(ctx, namespace, recordTypeCA, caRecordID)
	if storage.IsNotFound(err) {
		return nil, 0, ErrNotCA
	}
	if err != nil {
		return nil, 0, fmt.Errorf("loading CA record: %w", err)
	}
	var plain []byte
	err = storage.WithKey(a.key, func(raw []byte) error {
		var err error
		plain, err = storage.OpenRecord(raw, env, storage.RecordAAD(namespace, recordTypeCA, caRecordID))
		return err
	})
	if err != nil {
		return nil, 0, fmt.Errorf("opening CA record: %w", err)
	}
	defer util.WipeBytes(plain)
	var rec caRecord
	if err := json.Unmarshal(plain, &rec); err != nil {
		return nil, 0, fmt.Errorf("decoding CA record: %w", err)
	}
	return &rec, env.Version, nil
}

func (a *Authority) save(ctx context.Context, rec *caRecord, prev uint64) error {
	plain, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("encoding CA record: %w", err)
	}
	defer util.WipeBytes(plain)
	var env *storage.Envelope
	err = storage.WithKey(a.key, func(raw []byte) error {
		var err error
		env, err = storage.SealRecord(raw, plain, storage.RecordAAD(namespace, recordTypeCA, caRecordID), prev+1)
		return err
	})
	if err != nil {
		return err
	}
	err = a.repo.PutCAS(ctx, namespace, recordTypeCA, caRecordID, prev, env)
	if prev == 0 && errors.Is(err, storage.ErrCASFailed) {
		return ErrAlreadyCA
	}
	return err
}

// update applies fn to the stored record under a compare-and-swap.
func (a *Authority) update(ctx context.Context, fn func(rec *caRecord) error) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	rec, version, err := a.load(ctx)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	return a.save(ctx, rec, version)
}

// InitCA generates a CA key pair and a self-signed root certificate.
func (a *Authority) InitCA(ctx context.Context, subject pkix.Name, validityYears int) error {
	if validityYears <= 0 {
		validityYears = DefaultCAValidityYears
	}
	a.mu.Lock()
	defer a.mu.Unlock()

	if _, _, err := a.load(ctx); err == nil {
		return ErrAlreadyCA
	} else if !errors.Is(err, ErrNotCA) {
		return err
	}

	keyID, err := a.ks.GenerateKey()
	if err != nil {
		return fmt.Errorf("generating CA key: %w", err)
	}
	signer, err := a.ks.Signer(keyID)
	if err != nil {
		return fmt.Errorf("getting CA signer: %w", err)
	}

	now := a.now().UTC()
	template := &x509.Certificate{
		SerialNumber:          big.NewInt(1),
		Subject:               subject,
		NotBefore:             now,
		NotAfter:              now.AddDate(validityYears, 0, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		MaxPathLenZero:        true,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, signer.Public(), signer)
	if err != nil {
		return fmt.Errorf("creating CA certificate: %w", err)
	}

	keyPEM, err := a.ks.ExportPEM(keyID)
	if err != nil {
		return fmt.Errorf("exporting CA private key: %w", err)
	}

	return a.save(ctx, &caRecord{
		CertificatePEM: encodeCertPEM(der),
		PrivateKeyPEM:  keyPEM,
		NextSerial:     2, // serial 1 is the CA certificate itself
	}, 0)
}

// CACertificatePEM returns the root certificate. Write it to the file named
// by tls.client_ca so listeners trust the certificates issued here.
func (a *Authority) CACertificatePEM(ctx context.Context) (string, error) {
	rec, _, err := a.load(ctx)
	if err != nil {
		return "", err
	}
	return rec.CertificatePEM, nil
}

// Info describes the authority.
func (a *Authority) Info(ctx context.Context) (*CAInfo, error) {
	rec, _, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	caCert, err := parseCertPEM(rec.CertificatePEM)
	if err != nil {
		return nil, err
	}
	revoked := 0
	for _, e := range rec.Issued {
		if e.Revoked {
			revoked++
		}
	}
	return &CAInfo{
		Subject:      subjectString(caCert.Subject),
		NotBefore:    caCert.NotBefore,
		NotAfter:     caCert.NotAfter,
		NextSerial:   rec.NextSerial,
		CRLNumber:    rec.CRLNumber,
		CertCount:    len(rec.Issued),
		RevokedCount: revoked,
	}, nil
}

// Issued lists every certificate signed by the authority.
func (a *Authority) Issued(ctx context.Context) ([]IssuedEntry, error) {
	rec, _, err := a.load(ctx)
	if err != nil {
		return nil, err
	}
	return rec.Issued, nil
}

func (a *Authority) signer(rec *caRecord) (crypto.Signer, func(), error) {
	keyID, err := a.ks.ImportPEM(rec.PrivateKeyPEM)
	if err != nil {
		return nil, nil, fmt.Errorf("importing CA key into keystore: %w", err)
	}
	release := func() { _ = a.ks.Delete(keyID) }
	s, err := a.ks.Signer(keyID)
	if err != nil {
		release()
		return nil, nil, err
	}
	return s, release, nil
}

// IssueClientCertificate signs a new client-auth certificate for
// req.CommonName. The private key is returned to the caller and not kept.
func (a *Authority) IssueClientCertificate(ctx context.Context, req IssueCertRequest) (*IssuedCertificate, error) {
	if strings.TrimSpace(req.CommonName) == "" {
		return nil, ErrInvalidCommonName
	}
	if req.ValidityDays <= 0 {
		req.ValidityDays = DefaultClientValidityDays
	}

	var issued *IssuedCertificate
	err := a.update(ctx, func(rec *caRecord) error {
		caCert, err := parseCertPEM(rec.CertificatePEM)
		if err != nil {
			return err
		}
		caSigner, release, err := a.signer(rec)
		if err != nil {
			return err
		}
		defer release()

		leafID, err := a.ks.GenerateKey()
		if err != nil {
			return fmt.Errorf("generating leaf key: %w", err)
		}
		defer a.ks.Delete(leafID)
		leafSigner, err := a.ks.Signer(leafID)
		if err != nil {
			return fmt.Errorf("getting leaf signer: %w", err)
		}

		serial := big.NewInt(rec.NextSerial)
		now := a.now().UTC()
		notAfter := now.AddDate(0, 0, req.ValidityDays)
		if notAfter.After(caCert.NotAfter) {
			notAfter = caCert.NotAfter
		}
		template := &x509.Certificate{
			SerialNumber:          serial,
			Subject:               pkix.Name{CommonName: req.CommonName, Organization: req.Organization},
			NotBefore:             now,
			NotAfter:              notAfter,
			KeyUsage:              x509.KeyUsageDigitalSignature,
			ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
			BasicConstraintsValid: true,
			EmailAddresses:        req.EmailAddresses,
		}
		der, err := x509.CreateCertificate(rand.Reader, template, caCert, leafSigner.Public(), caSigner)
		if err != nil {
			return fmt.Errorf("signing leaf certificate: %w", err)
		}
		keyPEM, err := a.ks.ExportPEM(leafID)
		if err != nil {
			return fmt.Errorf("exporting leaf private key: %w", err)
		}

		serialHex := serialString(serial)
		rec.NextSerial++
		rec.Issued = append(rec.Issued, IssuedEntry{
			SerialNumber: serialHex,
			CommonName:   req.CommonName,
			NotAfter:     notAfter,
		})
		issued = &IssuedCertificate{
			SerialNumber:   serialHex,
			CertificatePEM: encodeCertPEM(der),
			PrivateKeyPEM:  keyPEM,
			NotAfter:       notAfter,
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	return issued, nil
}

// RevokeCertificate adds the certificate with the given hex serial number to
// the revocation list. The reason is an x509 CRL reason code.
func (a *Authority) RevokeCertificate(ctx context.Context, serial string, reason int) error {
	serial = strings.ToLower(strings.TrimPrefix(serial, "0x"))
	return a.update(ctx, func(rec *caRecord) error {
		for i := range rec.Issued {
			e := &rec.Issued[i]
			if e.SerialNumber != serial {
				continue
			}
			if e.Revoked {
				return ErrCertAlreadyRevoked
			}
			e.Revoked = true
			rec.Revocations = append(rec.Revocations, RevocationEntry{
				SerialNumber: serial,
				RevokedAt:    a.now().UTC(),
				Reason:       reason,
			})
			return nil
		}
		return fmt.Errorf("%s: %w", serial, ErrCertNotFound)
	})
}

// IsRevoked reports whether cert was issued by this authority and has since
// been revoked. Certificates from other issuers are never reported revoked.
func (a *Authority) IsRevoked(ctx context.Context, cert *x509.Certificate) (bool, error) {
	rec, _, err := a.load(ctx)
	if err != nil {
		return false, err
	}
	caCert, err := parseCertPEM(rec.CertificatePEM)
	if err != nil {
		return false, err
	}
	if cert.CheckSignatureFrom(caCert) != nil {
		return false, nil
	}
	serial := serialString(cert.SerialNumber)
	for _, r := range rec.Revocations {
		if r.SerialNumber == serial {
			return true, nil
		}
	}
	return false, nil
}

// GenerateCRL signs a revocation list covering every revoked certificate
// and returns it PEM encoded. Each call bumps the CRL number.
func (a *Authority) GenerateCRL(ctx context.Context) ([]byte, error) {
	var crlPEM []byte
	err := a.update(ctx, func(rec *caRecord) error {
		caCert, err := parseCertPEM(rec.CertificatePEM)
		if err != nil {
			return err
		}
		caSigner, release, err := a.signer(rec)
		if err != nil {
			return err
		}
		defer release()

		entries := make([]x509.RevocationListEntry, 0, len(rec.Revocations))
		for _, r := range rec.Revocations {
			serialBytes, err := hex.DecodeString(r.SerialNumber)
			if err != nil {
				continue
			}
			entries = append(entries, x509.RevocationListEntry{
				SerialNumber:   new(big.Int).SetBytes(serialBytes),
				RevocationTime: r.RevokedAt,
				ReasonCode:     r.Reason,
			})
		}

		rec.CRLNumber++
		now := a.now().UTC()
		template := &x509.RevocationList{
			Number:                    big.NewInt(rec.CRLNumber),
			ThisUpdate:                now,
			NextUpdate:                now.Add(7 * 24 * time.Hour),
			RevokedCertificateEntries: entries,
		}
		der, err := x509.CreateRevocationList(rand.Reader, template, caCert, caSigner)
		if err != nil {
			return fmt.Errorf("creating CRL: %w", err)
		}
		crlPEM = pem.EncodeToMemory(&pem.Block{Type: "X509 CRL", Bytes: der})
		return nil
	})
	if err != nil {
		return nil, err
	}
	return crlPEM, nil
}

func serialString(serial *big.Int) string {
	return hex.EncodeToString(serial.Bytes())
}

func encodeCertPEM(der []byte) string {
	return string(pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der}))
}

func parseCertPEM(certPEM string) (*x509.Certificate, error) {
	block, _ := pem.Decode([]byte(certPEM))
	if block == nil || block.Type != "CERTIFICATE" {
		return nil, ErrInvalidPEM
	}
	cert, err := x509.ParseCertificate(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPEM, err)
	}
	return cert, nil
}

// subjectString formats a pkix.Name as a readable DN string.
func subjectString(name pkix.Name) string {
	var parts []string
	if name.CommonName != "" {
		parts = append(parts, "CN="+name.CommonName)
	}
	for _, ou := range name.OrganizationalUnit {
		parts = append(parts, "OU="+ou)
	}
	for _, o := range name.Organization {
		parts = append(parts, "O="+o)
	}
	for _, c := range name.Country {
		parts = append(parts, "C="+c)
	}
	return strings.Join(parts, ", ")
}

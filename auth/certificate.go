package auth

import (
	"context"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"fmt"
	"log/slog"
)

var oidCommonName = asn1.ObjectIdentifier{2, 5, 4, 3}

// CertificateProvider maps the leaf of an already verified client
// certificate chain to a user via its subject Common Name. It does not
// re-verify the chain.
type CertificateProvider struct {
	store    CredentialStore
	recorder Recorder
	logger   *slog.Logger
}

func NewCertificateProvider(store CredentialStore, recorder Recorder, logger *slog.Logger) *CertificateProvider {
	if recorder == nil {
		recorder = nopRecorder{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CertificateProvider{store: store, recorder: recorder, logger: logger.With("provider", ProviderCertificate)}
}

func (p *CertificateProvider) Name() string { return ProviderCertificate }

func (p *CertificateProvider) Authenticate(ctx context.Context, req *RequestContext) (principal *Principal, err error) {
	if len(req.PeerCertificates) == 0 || req.PeerCertificates[0] == nil {
		return nil, ErrNoMatch
	}

	attempt := Attempt{Provider: ProviderCertificate, RemoteAddr: req.RemoteAddr}
	defer func() {
		if rec := recover(); rec != nil {
			principal, err = nil, fail(ReasonUnexpectedError, fmt.Errorf("panic: %v", rec))
		}
		attempt.Err = err
		if principal != nil {
			attempt.Username = principal.Name
		}
		p.recorder.RecordAttempt(ctx, attempt)
	}()

	cn, err := CommonName(req.PeerCertificates[0])
	if err != nil {
		return nil, fail(ReasonUnexpectedError, err)
	}
	if cn == "" {
		return nil, fail(ReasonMissingCommonName, nil)
	}
	attempt.Username = cn

	username, found, err := p.store.FindByCommonName(ctx, cn)
	if err != nil {
		return nil, fail(ReasonUnexpectedError, err)
	}
	if !found {
		return nil, fail(ReasonIdentityNotFound, fmt.Errorf("cn %q", cn))
	}
	return &Principal{Name: username}, nil
}

// CommonName returns the first CN attribute of the certificate subject, or ""
// if the subject has none.
func CommonName(cert *x509.Certificate) (string, error) {
	if len(cert.RawSubject) == 0 {
		return cert.Subject.CommonName, nil
	}
	var rdns pkix.RDNSequence
	rest, err := asn1.Unmarshal(cert.RawSubject, &rdns)
	if err != nil {
		return "", fmt.Errorf("parsing subject: %w", err)
	}
	if len(rest) != 0 {
		return "", fmt.Errorf("parsing subject: trailing data")
	}
	for _, rdn := range rdns {
		for _, atv := range rdn {
			if !atv.Type.Equal(oidCommonName) {
				continue
			}
			s, ok := atv.Value.(string)
			if !ok {
				return "", fmt.Errorf("common name has type %T", atv.Value)
			}
			return s, nil
		}
	}
	return "", nil
}

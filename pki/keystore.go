package pki

import (
	"crypto"
	"fmt"
)

// KeyStore abstracts private-key operations so the authority can sign with
// software keys or with keys held by an external device.
//
// A keyID uniquely identifies a key managed by the store; its format is
// implementation-defined.
type KeyStore interface {
	// GenerateKey creates a new signing key and returns an opaque identifier.
	GenerateKey() (keyID string, err error)

	// Signer returns a [crypto.Signer] for the key identified by keyID. It is
	// handed to x509.CreateCertificate and x509.CreateRevocationList.
	Signer(keyID string) (crypto.Signer, error)

	// ExportPEM returns the private key in PEM form. Stores that keep keys on
	// a device may return ErrKeyNotExportable.
	ExportPEM(keyID string) (string, error)

	// ImportPEM loads a PEM-encoded private key and returns its key ID.
	ImportPEM(pemData string) (keyID string, err error)

	// Delete forgets the key identified by keyID.
	Delete(keyID string) error
}

// ErrKeyNotExportable is returned by KeyStore.ExportPEM when private key
// material cannot leave the backing store.
var ErrKeyNotExportable = fmt.Errorf("private key is not exportable")

// ErrKeyNotFound is returned when the referenced key ID does not exist.
var ErrKeyNotFound = fmt.Errorf("key not found")

package storage

import (
	"fmt"

	"github.com/jmcleod/gatekeeper/internal/util"
)

const (
	envelopeVersion = 1
	envelopeScheme  = "aes256gcm"
	nonceSize       = 12
)

// Envelope is a sealed record. Version is a caller-managed revision used for
// compare-and-swap and is not covered by the ciphertext.
type Envelope struct {
	Ver        int    `json:"ver"`
	Scheme     string `json:"scheme"`
	Nonce      []byte `json:"nonce"`
	Ciphertext []byte `json:"ciphertext"`
	Version    uint64 `json:"version,omitempty"`
}

// Clone returns a deep copy of e.
func (e *Envelope) Clone() *Envelope {
	if e == nil {
		return nil
	}
	return &Envelope{
		Ver:        e.Ver,
		Scheme:     e.Scheme,
		Nonce:      util.CopyBytes(e.Nonce),
		Ciphertext: util.CopyBytes(e.Ciphertext),
		Version:    e.Version,
	}
}

// SealRecord encrypts plaintext into an Envelope at the given revision.
func SealRecord(recordKey, plaintext, aad []byte, version uint64) (*Envelope, error) {
	sealed, err := util.EncryptAESWithAAD(plaintext, recordKey, aad)
	if err != nil {
		return nil, err
	}
	return &Envelope{
		Ver:        envelopeVersion,
		Scheme:     envelopeScheme,
		Nonce:      sealed[:nonceSize],
		Ciphertext: sealed[nonceSize:],
		Version:    version,
	}, nil
}

// OpenRecord decrypts an Envelope using the given record key and AAD.
func OpenRecord(recordKey []byte, envelope *Envelope, aad []byte) ([]byte, error) {
	if envelope == nil {
		return nil, fmt.Errorf("nil envelope")
	}
	if envelope.Ver != envelopeVersion {
		return nil, fmt.Errorf("unsupported envelope version: %d", envelope.Ver)
	}
	if envelope.Scheme != envelopeScheme {
		return nil, fmt.Errorf("unsupported envelope scheme: %s", envelope.Scheme)
	}
	sealed := make([]byte, 0, len(envelope.Nonce)+len(envelope.Ciphertext))
	sealed = append(sealed, envelope.Nonce...)
	sealed = append(sealed, envelope.Ciphertext...)
	return util.DecryptAESWithAAD(sealed, recordKey, aad)
}

// RecordAAD binds a ciphertext to its storage address so a sealed record
// cannot be replayed under another key.
func RecordAAD(namespace, recordType, recordID string) []byte {
	return []byte(namespace + "\x00" + recordType + "\x00" + recordID)
}

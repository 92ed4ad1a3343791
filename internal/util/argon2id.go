package util

import (
	"crypto/subtle"
	"fmt"

	"golang.org/x/crypto/argon2"
)

// Argon2idParams are stored next to every password hash so that the cost
// can be raised without invalidating existing hashes.
type Argon2idParams struct {
	Time        uint32 `json:"time"`
	MemoryKiB   uint32 `json:"memory"`
	Parallelism uint8  `json:"parallelism"`
	KeyLen      uint32 `json:"key_len"`
}

func DefaultArgon2idParams() Argon2idParams {
	return Argon2idParams{
		Time:        1,
		MemoryKiB:   64 * 1024,
		Parallelism: 4,
		KeyLen:      32,
	}
}

func (p Argon2idParams) validate() error {
	if p.KeyLen != 32 {
		return fmt.Errorf("argon2id key length must be 32 bytes")
	}
	if p.Time == 0 || p.MemoryKiB == 0 || p.Parallelism == 0 {
		return fmt.Errorf("argon2id parameters must be non-zero")
	}
	return nil
}

// HashPassword derives an Argon2id hash from the NFKD-normalised password.
func HashPassword(password string, salt []byte, params Argon2idParams) ([]byte, error) {
	if err := params.validate(); err != nil {
		return nil, err
	}
	normalized := []byte(Normalize(password))
	defer WipeBytes(normalized)
	return argon2.IDKey(normalized, salt, params.Time, params.MemoryKiB, params.Parallelism, params.KeyLen), nil
}

// ComparePassword hashes password and compares it to expected in constant time.
func ComparePassword(password string, salt []byte, params Argon2idParams, expected []byte) (bool, error) {
	key, err := HashPassword(password, salt, params)
	if err != nil {
		return false, err
	}
	defer WipeBytes(key)
	return subtle.ConstantTimeCompare(key, expected) == 1, nil
}

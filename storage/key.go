package storage

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/gatekeeper/internal/util"
)

// LoadOrCreateKey reads a 32-byte sealing key from path, creating it with
// mode 0600 when it does not exist. The key is returned sealed in a
// memguard Enclave and the file contents are wiped from the heap.
func LoadOrCreateKey(path string) (*memguard.Enclave, error) {
	data, err := os.ReadFile(path)
	if err == nil {
		if len(data) != util.AESKeySize {
			util.WipeBytes(data)
			return nil, fmt.Errorf("key file %s: expected %d bytes, got %d", path, util.AESKeySize, len(data))
		}
		return memguard.NewEnclave(data), nil
	}
	if !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("reading key file: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("creating key directory: %w", err)
	}
	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	if err := os.WriteFile(path, key, 0o600); err != nil {
		util.WipeBytes(key)
		return nil, fmt.Errorf("writing key file: %w", err)
	}
	return memguard.NewEnclave(key), nil
}

// NewEphemeralKey returns a random sealing key that is never written to disk.
func NewEphemeralKey() *memguard.Enclave {
	return memguard.NewEnclaveRandom(util.AESKeySize)
}

// WithKey opens the enclave for the duration of fn.
func WithKey(key *memguard.Enclave, fn func(raw []byte) error) error {
	if key == nil {
		return fmt.Errorf("sealing key is not configured")
	}
	buf, err := key.Open()
	if err != nil {
		return fmt.Errorf("opening sealing key: %w", err)
	}
	defer buf.Destroy()
	return fn(buf.Bytes())
}

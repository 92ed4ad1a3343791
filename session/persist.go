package session

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/awnumar/memguard"

	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage"
)

const (
	sessionNamespace      = "__sessions"
	sessionRecordType     = "SESSION"
	sessionKeyType        = "SESSION_KEY"
	sessionKeyID          = "current"
	sessionKeyWrappingAAD = "gatekeeper:session_key:v1"
)

// RepositoryBackend persists sessions in a storage.Repository, sealed with a
// per-deployment session key. That key is itself stored sealed under an
// external wrapping key, so the repository alone cannot reveal session ids
// or XSRF tokens.
type RepositoryBackend struct {
	repo   storage.Repository
	key    *memguard.Enclave
	logger *slog.Logger
}

var _ Backend = (*RepositoryBackend)(nil)

// NewRepositoryBackend loads or creates the session key. If the wrapping key
// has changed, a fresh session key is generated and previously persisted
// sessions become unreadable and are discarded on Load.
func NewRepositoryBackend(ctx context.Context, repo storage.Repository, wrappingKey *memguard.Enclave, logger *slog.Logger) (*RepositoryBackend, error) {
	if logger == nil {
		logger = slog.Default()
	}
	key, err := loadOrCreateSessionKey(ctx, repo, wrappingKey)
	if err != nil {
		return nil, err
	}
	return &RepositoryBackend{repo: repo, key: key, logger: logger.With("component", "session_backend")}, nil
}

func loadOrCreateSessionKey(ctx context.Context, repo storage.Repository, wrappingKey *memguard.Enclave) (*memguard.Enclave, error) {
	aad := []byte(sessionKeyWrappingAAD)

	env, err := repo.Get(ctx, sessionNamespace, sessionKeyType, sessionKeyID)
	if err != nil && !storage.IsNotFound(err) {
		return nil, err
	}
	if err == nil {
		var key []byte
		openErr := storage.WithKey(wrappingKey, func(raw []byte) error {
			var err error
			key, err = storage.OpenRecord(raw, env, aad)
			return err
		})
		if openErr == nil && len(key) == util.AESKeySize {
			return memguard.NewEnclave(key), nil
		}
		util.WipeBytes(key)
	}

	key, err := util.NewAESKey()
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(key)
	var sealed *storage.Envelope
	err = storage.WithKey(wrappingKey, func(raw []byte) error {
		var err error
		sealed, err = storage.SealRecord(raw, key, aad, 0)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("sealing new session key: %w", err)
	}
	if err := repo.Put(ctx, sessionNamespace, sessionKeyType, sessionKeyID, sealed); err != nil {
		return nil, fmt.Errorf("persisting session key: %w", err)
	}
	return memguard.NewEnclave(util.CopyBytes(key)), nil
}

func (b *RepositoryBackend) Save(ctx context.Context, s Session) error {
	data, err := json.Marshal(s)
	if err != nil {
		return err
	}
	defer util.WipeBytes(data)
	var env *storage.Envelope
	err = storage.WithKey(b.key, func(raw []byte) error {
		var err error
		env, err = storage.SealRecord(raw, data, storage.RecordAAD(sessionNamespace, sessionRecordType, s.ID), 0)
		return err
	})
	if err != nil {
		return err
	}
	return b.repo.Put(ctx, sessionNamespace, sessionRecordType, s.ID, env)
}

func (b *RepositoryBackend) Delete(ctx context.Context, id string) error {
	err := b.repo.Delete(ctx, sessionNamespace, sessionRecordType, id)
	if storage.IsNotFound(err) {
		return nil
	}
	return err
}

// Load returns every readable session. Records that fail to open are deleted.
func (b *RepositoryBackend) Load(ctx context.Context) ([]Session, error) {
	ids, err := b.repo.List(ctx, sessionNamespace, sessionRecordType)
	if err != nil {
		return nil, err
	}
	out := make([]Session, 0, len(ids))
	for _, id := range ids {
		env, err := b.repo.Get(ctx, sessionNamespace, sessionRecordType, id)
		if err != nil {
			continue
		}
		var data []byte
		err = storage.WithKey(b.key, func(raw []byte) error {
			var err error
			data, err = storage.OpenRecord(raw, env, storage.RecordAAD(sessionNamespace, sessionRecordType, id))
			return err
		})
		if err != nil {
			b.logger.Warn("discarding unreadable session record")
			_ = b.Delete(ctx, id)
			continue
		}
		var s Session
		err = json.Unmarshal(data, &s)
		util.WipeBytes(data) // wipe now; defer would accumulate in loop
		if err != nil || s.ID != id {
			_ = b.Delete(ctx, id)
			continue
		}
		out = append(out, s)
	}
	return out, nil
}

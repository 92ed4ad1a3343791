package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/awnumar/memguard"
	"go.etcd.io/bbolt"

	"github.com/jmcleod/gatekeeper/credentials"
	"github.com/jmcleod/gatekeeper/internal/config"
	"github.com/jmcleod/gatekeeper/pki"
	"github.com/jmcleod/gatekeeper/storage"
	bboltstorage "github.com/jmcleod/gatekeeper/storage/bbolt"
	"github.com/jmcleod/gatekeeper/storage/memory"
	"github.com/jmcleod/gatekeeper/storage/postgres"
)

var errVolatileStorage = errors.New("the memory storage driver does not keep data between runs; configure storage.driver bbolt or postgres")

// backend is an opened repository together with its sealing key.
type backend struct {
	repo  storage.Repository
	key   *memguard.Enclave
	close func()
}

func openBackend(ctx context.Context, cfg config.StorageConfig, logger *slog.Logger) (*backend, error) {
	key, err := loadKey(cfg.KeyFile, logger)
	if err != nil {
		return nil, err
	}

	switch cfg.Driver {
	case "memory":
		return &backend{repo: memory.NewRepository(), key: key, close: func() {}}, nil
	case "bbolt":
		if err := os.MkdirAll(filepath.Dir(cfg.Path), 0o700); err != nil {
			return nil, fmt.Errorf("failed to create data directory: %w", err)
		}
		repo, err := bboltstorage.NewRepositoryFromFile(cfg.Path, &bbolt.Options{Timeout: time.Second})
		if err != nil {
			return nil, fmt.Errorf("failed to open bbolt storage: %w", err)
		}
		return &backend{repo: repo, key: key, close: func() {
			if err := repo.Close(); err != nil {
				logger.Warn("closing bbolt storage failed", "error", err)
			}
		}}, nil
	case "postgres":
		repo, err := postgres.NewRepositoryFromDSN(ctx, cfg.DSN)
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres storage: %w", err)
		}
		return &backend{repo: repo, key: key, close: repo.Close}, nil
	default:
		return nil, fmt.Errorf("unknown storage driver %q", cfg.Driver)
	}
}

func loadKey(path string, logger *slog.Logger) (*memguard.Enclave, error) {
	if path == "" {
		logger.Warn("no storage.key_file configured, using an ephemeral sealing key")
		return storage.NewEphemeralKey(), nil
	}
	key, err := storage.LoadOrCreateKey(path)
	if err != nil {
		return nil, fmt.Errorf("failed to load sealing key: %w", err)
	}
	return key, nil
}

func (b *backend) users() (*credentials.Store, error) {
	users, err := credentials.NewStore(b.repo, b.key)
	if err != nil {
		return nil, fmt.Errorf("failed to open credential store: %w", err)
	}
	return users, nil
}

func (b *backend) authority() *pki.Authority {
	return pki.New(b.repo, b.key)
}

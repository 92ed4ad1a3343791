// Package storagetest holds a conformance suite shared by every
// storage.Repository backend.
package storagetest

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/storage"
)

func envelope(version uint64, body string) *storage.Envelope {
	return &storage.Envelope{
		Ver:        1,
		Scheme:     "aes256gcm",
		Nonce:      []byte("nonce1234567"),
		Ciphertext: []byte(body),
		Version:    version,
	}
}

// Run exercises repo against the storage.Repository contract. Each call must
// be given an empty repository.
func Run(t *testing.T, repo storage.Repository) {
	t.Helper()
	ctx := context.Background()

	t.Run("PutGet", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "USER", "alice", envelope(1, "a")))

		got, err := repo.Get(ctx, "ns1", "USER", "alice")
		require.NoError(t, err)
		assert.Equal(t, 1, got.Ver)
		assert.Equal(t, "aes256gcm", got.Scheme)
		assert.Equal(t, []byte("a"), got.Ciphertext)
		assert.Equal(t, uint64(1), got.Version)
	})

	t.Run("GetMissingNamespace", func(t *testing.T) {
		_, err := repo.Get(ctx, "missing", "USER", "alice")
		require.Error(t, err)
		assert.True(t, errors.Is(err, storage.ErrNamespaceNotFound))
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("GetMissingRecord", func(t *testing.T) {
		_, err := repo.Get(ctx, "ns1", "USER", "nobody")
		require.Error(t, err)
		assert.True(t, errors.Is(err, storage.ErrNotFound))
	})

	t.Run("List", func(t *testing.T) {
		require.NoError(t, repo.Put(ctx, "ns1", "USER", "bob", envelope(1, "b")))
		require.NoError(t, repo.Put(ctx, "ns1", "CN", "bob.example", envelope(1, "x")))

		ids, err := repo.List(ctx, "ns1", "USER")
		require.NoError(t, err)
		assert.ElementsMatch(t, []string{"alice", "bob"}, ids)

		ids, err = repo.List(ctx, "empty", "USER")
		require.NoError(t, err)
		assert.Empty(t, ids)
	})

	t.Run("Delete", func(t *testing.T) {
		require.NoError(t, repo.Delete(ctx, "ns1", "CN", "bob.example"))
		_, err := repo.Get(ctx, "ns1", "CN", "bob.example")
		assert.True(t, errors.Is(err, storage.ErrNotFound))

		err = repo.Delete(ctx, "ns1", "CN", "bob.example")
		assert.True(t, storage.IsNotFound(err))
	})

	t.Run("PutCAS", func(t *testing.T) {
		require.NoError(t, repo.PutCAS(ctx, "ns2", "USER", "carol", 0, envelope(1, "v1")))

		err := repo.PutCAS(ctx, "ns2", "USER", "carol", 0, envelope(1, "dup"))
		assert.True(t, errors.Is(err, storage.ErrCASFailed), "create over existing record must fail")

		err = repo.PutCAS(ctx, "ns2", "USER", "carol", 5, envelope(6, "stale"))
		assert.True(t, errors.Is(err, storage.ErrCASFailed), "stale version must fail")

		require.NoError(t, repo.PutCAS(ctx, "ns2", "USER", "carol", 1, envelope(2, "v2")))
		got, err := repo.Get(ctx, "ns2", "USER", "carol")
		require.NoError(t, err)
		assert.Equal(t, uint64(2), got.Version)
		assert.Equal(t, []byte("v2"), got.Ciphertext)

		err = repo.PutCAS(ctx, "ns2", "USER", "dave", 3, envelope(4, "nope"))
		assert.True(t, errors.Is(err, storage.ErrCASFailed), "update of missing record must fail")
	})

	t.Run("BatchCommit", func(t *testing.T) {
		err := repo.Batch(ctx, "ns3", func(tx storage.BatchTx) error {
			if err := tx.PutCAS("USER", "erin", 0, envelope(1, "e")); err != nil {
				return err
			}
			return tx.Put("CN", "erin.example", envelope(1, "erin"))
		})
		require.NoError(t, err)

		_, err = repo.Get(ctx, "ns3", "USER", "erin")
		assert.NoError(t, err)
		_, err = repo.Get(ctx, "ns3", "CN", "erin.example")
		assert.NoError(t, err)
	})

	t.Run("BatchRollback", func(t *testing.T) {
		sentinel := errors.New("abort")
		err := repo.Batch(ctx, "ns3", func(tx storage.BatchTx) error {
			if err := tx.Put("USER", "frank", envelope(1, "f")); err != nil {
				return err
			}
			if err := tx.Delete("CN", "erin.example"); err != nil {
				return err
			}
			return sentinel
		})
		assert.True(t, errors.Is(err, sentinel))

		_, err = repo.Get(ctx, "ns3", "USER", "frank")
		assert.True(t, errors.Is(err, storage.ErrNotFound), "rolled back put must not be visible")
		_, err = repo.Get(ctx, "ns3", "CN", "erin.example")
		assert.NoError(t, err, "rolled back delete must not be visible")
	})

	t.Run("BatchCASConflict", func(t *testing.T) {
		err := repo.Batch(ctx, "ns3", func(tx storage.BatchTx) error {
			return tx.PutCAS("USER", "erin", 0, envelope(1, "again"))
		})
		assert.True(t, errors.Is(err, storage.ErrCASFailed))
	})
}

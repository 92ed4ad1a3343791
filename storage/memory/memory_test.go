package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/storage"
	"github.com/jmcleod/gatekeeper/storage/storagetest"
)

func TestMemoryRepository(t *testing.T) {
	storagetest.Run(t, NewRepository())
}

func TestMemoryRepositoryReturnsClones(t *testing.T) {
	repo := NewRepository()
	ctx := context.Background()
	env := &storage.Envelope{Ver: 1, Scheme: "aes256gcm", Nonce: []byte("nonce1234567"), Ciphertext: []byte("c")}
	require.NoError(t, repo.Put(ctx, "ns", "USER", "alice", env))

	env.Nonce[0] = 'Y'
	got, err := repo.Get(ctx, "ns", "USER", "alice")
	require.NoError(t, err)
	assert.Equal(t, byte('n'), got.Nonce[0], "stored envelope must not alias the caller's")

	got.Nonce[0] = 'X'
	again, _ := repo.Get(ctx, "ns", "USER", "alice")
	assert.Equal(t, byte('n'), again.Nonce[0], "returned envelope must not alias the stored one")
}

package session

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/storage"
	"github.com/jmcleod/gatekeeper/storage/memory"
)

func TestRepositoryBackendRoundTrip(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	wrap := storage.NewEphemeralKey()

	backend, err := NewRepositoryBackend(ctx, repo, wrap, nil)
	require.NoError(t, err)

	clock := newFakeClock()
	fps := newFakeFingerprints("alice")
	s := NewStore(fps, WithClock(clock.Now), WithBackend(backend))
	sess, err := s.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	require.NoError(t, s.Lock(sess.ID))
	tok, err := NewXSRFTokens(s).GetOrCreate(sess.ID)
	require.NoError(t, err)

	gone, err := s.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	s.Logout(gone.ID)

	env, err := repo.Get(ctx, sessionNamespace, sessionRecordType, sess.ID)
	require.NoError(t, err)
	assert.NotContains(t, string(env.Ciphertext), "alice")

	// A new process with the same wrapping key sees the live session only.
	backend2, err := NewRepositoryBackend(ctx, repo, wrap, nil)
	require.NoError(t, err)
	restoredStore := NewStore(fps, WithClock(clock.Now), WithBackend(backend2))
	n, err := restoredStore.Restore(ctx, time.Hour)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, ok := restoredStore.Get(sess.ID)
	require.True(t, ok)
	assert.True(t, got.Locked)
	assert.Equal(t, "alice-v1", got.CredentialsFingerprint)
	assert.True(t, NewXSRFTokens(restoredStore).Validate(sess.ID, tok))
	_, ok = restoredStore.Get(gone.ID)
	assert.False(t, ok)
}

func TestRestoreDropsIdleSessions(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()
	wrap := storage.NewEphemeralKey()
	backend, err := NewRepositoryBackend(ctx, repo, wrap, nil)
	require.NoError(t, err)

	clock := newFakeClock()
	s := NewStore(newFakeFingerprints("alice"), WithClock(clock.Now), WithBackend(backend))
	sess, err := s.CreateSession(ctx, "alice", "")
	require.NoError(t, err)

	clock.Advance(time.Hour)
	restored := NewStore(newFakeFingerprints("alice"), WithClock(clock.Now), WithBackend(backend))
	n, err := restored.Restore(ctx, 15*time.Minute)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	_, err = repo.Get(ctx, sessionNamespace, sessionRecordType, sess.ID)
	assert.True(t, storage.IsNotFound(err))
}

func TestRepositoryBackendWrongWrappingKey(t *testing.T) {
	ctx := context.Background()
	repo := memory.NewRepository()

	backend, err := NewRepositoryBackend(ctx, repo, storage.NewEphemeralKey(), nil)
	require.NoError(t, err)
	require.NoError(t, backend.Save(ctx, Session{ID: "s1", Handle: "s1", Username: "alice", State: StateActive}))

	other, err := NewRepositoryBackend(ctx, repo, storage.NewEphemeralKey(), nil)
	require.NoError(t, err)
	loaded, err := other.Load(ctx)
	require.NoError(t, err)
	assert.Empty(t, loaded, "sessions sealed under the old key are discarded")

	ids, err := repo.List(ctx, sessionNamespace, sessionRecordType)
	require.NoError(t, err)
	assert.Empty(t, ids)
}

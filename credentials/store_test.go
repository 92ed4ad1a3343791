package credentials

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage"
	"github.com/jmcleod/gatekeeper/storage/memory"
)

var testParams = util.Argon2idParams{Time: 1, MemoryKiB: 1024, Parallelism: 1, KeyLen: 32}

func newTestStore(t *testing.T) (*Store, storage.Repository) {
	t.Helper()
	repo := memory.NewRepository()
	s, err := NewStore(repo, storage.NewEphemeralKey(), WithArgon2idParams(testParams))
	require.NoError(t, err)
	return s, repo
}

func TestCreateAndVerify(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "alice", Password: "correct horse", Permissions: []string{"admin"}}))

	assert.NoError(t, s.VerifyPassword(ctx, "alice", "correct horse"))
	assert.ErrorIs(t, s.VerifyPassword(ctx, "alice", "wrong"), ErrInvalidCredentials)
	assert.ErrorIs(t, s.VerifyPassword(ctx, "alice", ""), ErrInvalidCredentials)
	assert.ErrorIs(t, s.VerifyPassword(ctx, "Alice", "correct horse"), ErrInvalidCredentials, "usernames are case-sensitive")
	assert.ErrorIs(t, s.VerifyPassword(ctx, "nobody", "correct horse"), ErrInvalidCredentials, "unknown users look like wrong passwords")

	perms, err := s.Permissions(ctx, "alice")
	require.NoError(t, err)
	assert.Equal(t, []string{"admin"}, perms)

	err = s.CreateUser(ctx, NewUser{Username: "alice", Password: "x"})
	assert.ErrorIs(t, err, ErrUserExists)

	assert.ErrorIs(t, s.CreateUser(ctx, NewUser{Password: "x"}), ErrInvalidUsername)
}

func TestEmptyPasswordIsOrdinary(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "blank", Password: ""}))

	assert.NoError(t, s.VerifyPassword(ctx, "blank", ""))
	assert.ErrorIs(t, s.VerifyPassword(ctx, "blank", " "), ErrInvalidCredentials)
}

func TestNormalizedPasswords(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "zoe", Password: "caf\u00e9"}))
	assert.NoError(t, s.VerifyPassword(ctx, "zoe", "cafe\u0301"))
}

func TestChangePasswordRotatesFingerprint(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "bob", Password: "initial", NeedsPasswordChange: true}))

	needs, err := s.NeedsPasswordChange(ctx, "bob")
	require.NoError(t, err)
	assert.True(t, needs)

	before, err := s.CredentialsFingerprint(ctx, "bob")
	require.NoError(t, err)

	assert.ErrorIs(t, s.ChangePassword(ctx, "bob", "initial"), ErrSamePassword)

	require.NoError(t, s.ChangePassword(ctx, "bob", "rotated"))
	after, err := s.CredentialsFingerprint(ctx, "bob")
	require.NoError(t, err)
	assert.NotEqual(t, before, after)

	needs, err = s.NeedsPasswordChange(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, needs)

	assert.ErrorIs(t, s.VerifyPassword(ctx, "bob", "initial"), ErrInvalidCredentials)
	assert.NoError(t, s.VerifyPassword(ctx, "bob", "rotated"))

	require.NoError(t, s.SetPasswordChangeRequired(ctx, "bob", true))
	unchanged, err := s.CredentialsFingerprint(ctx, "bob")
	require.NoError(t, err)
	assert.Equal(t, after, unchanged, "flag changes do not rotate the fingerprint")
}

func TestUnknownUserLookups(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()

	_, err := s.NeedsPasswordChange(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrUserNotFound))
	_, err = s.CredentialsFingerprint(ctx, "ghost")
	assert.True(t, errors.Is(err, ErrUserNotFound))
	assert.ErrorIs(t, s.ChangePassword(ctx, "ghost", "x"), ErrUserNotFound)
}

func TestFindByCommonName(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "agent", Password: "pw", CommonName: "device-1"}))

	name, ok, err := s.FindByCommonName(ctx, "device-1")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "agent", name)

	_, ok, err = s.FindByCommonName(ctx, "device-7")
	require.NoError(t, err)
	assert.False(t, ok)

	_, ok, err = s.FindByCommonName(ctx, "")
	require.NoError(t, err)
	assert.False(t, ok)

	err = s.CreateUser(ctx, NewUser{Username: "other", Password: "pw", CommonName: "device-1"})
	assert.ErrorIs(t, err, ErrCommonNameInUse)

	// The failed batch must not leave "other" behind.
	assert.ErrorIs(t, s.VerifyPassword(ctx, "other", "pw"), ErrInvalidCredentials)
	users, err := s.Users(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"agent"}, users)
}

func TestFindByCommonNameMatchesUsername(t *testing.T) {
	s, _ := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "carol", Password: "pw"}))
	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "dave", Password: "pw", CommonName: "carol-laptop"}))

	name, ok, err := s.FindByCommonName(ctx, "carol")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "carol", name)

	name, ok, err = s.FindByCommonName(ctx, "dave")
	require.NoError(t, err)
	assert.True(t, ok, "a bound CN does not hide the username itself")
	assert.Equal(t, "dave", name)

	_, ok, err = s.FindByCommonName(ctx, "Carol")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestRecordsAreSealed(t *testing.T) {
	s, repo := newTestStore(t)
	ctx := context.Background()
	require.NoError(t, s.CreateUser(ctx, NewUser{Username: "carol", Password: "secret-password"}))

	env, err := repo.Get(ctx, namespace, recordTypeUser, "carol")
	require.NoError(t, err)
	assert.NotContains(t, string(env.Ciphertext), "carol")

	// A record copied under another name fails authentication of its AAD.
	require.NoError(t, repo.Put(ctx, namespace, recordTypeUser, "mallory", env))
	assert.Error(t, s.VerifyPassword(ctx, "mallory", "secret-password"))
}

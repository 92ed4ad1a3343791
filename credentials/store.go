// Package credentials is the reference user store consulted by the
// authentication providers. Users are kept as sealed records in a
// storage.Repository, one USER record per username plus a CN index for
// certificate logins.
package credentials

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/awnumar/memguard"
	"github.com/google/uuid"

	"github.com/jmcleod/gatekeeper/auth"
	"github.com/jmcleod/gatekeeper/internal/util"
	"github.com/jmcleod/gatekeeper/storage"
)

const (
	namespace      = "__identities"
	recordTypeUser = "USER"
	recordTypeCN   = "CN"
	saltSize       = 16
)

var (
	ErrUserNotFound = errors.New("user not found")
	ErrUserExists   = errors.New("user already exists")
	// ErrInvalidCredentials wraps auth.ErrAuthenticationFailed so providers
	// can tell a rejected password from a store failure.
	ErrInvalidCredentials = fmt.Errorf("invalid credentials: %w", auth.ErrAuthenticationFailed)
	ErrSamePassword       = errors.New("new password must differ from the current password")
	ErrCommonNameInUse    = errors.New("common name already bound to another user")
	ErrInvalidUsername    = errors.New("username must not be empty")
)

type userRecord struct {
	ID                  string              `json:"id"`
	Username            string              `json:"username"`
	PasswordHash        []byte              `json:"password_hash"`
	Salt                []byte              `json:"salt"`
	Params              util.Argon2idParams `json:"params"`
	NeedsPasswordChange bool                `json:"needs_password_change"`
	CommonName          string              `json:"common_name,omitempty"`
	Permissions         []string            `json:"permissions,omitempty"`
	Revision            uint64              `json:"revision"`
	UpdatedAt           time.Time           `json:"updated_at"`
}

// NewUser describes an account to create.
type NewUser struct {
	Username            string
	Password            string
	CommonName          string
	Permissions         []string
	NeedsPasswordChange bool
}

// Store implements the credential lookups used by the auth providers.
type Store struct {
	repo   storage.Repository
	key    *memguard.Enclave
	params util.Argon2idParams
	now    func() time.Time

	// dummy is hashed for unknown usernames so VerifyPassword takes the
	// same time whether or not the account exists.
	dummySalt []byte
	dummyHash []byte
}

// Option configures a Store.
type Option func(*Store)

// WithArgon2idParams overrides the hashing cost. Tests use a cheap setting.
func WithArgon2idParams(p util.Argon2idParams) Option {
	return func(s *Store) { s.params = p }
}

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

// NewStore returns a Store over repo. Records are sealed with key.
func NewStore(repo storage.Repository, key *memguard.Enclave, opts ...Option) (*Store, error) {
	s := &Store{
		repo:   repo,
		key:    key,
		params: util.DefaultArgon2idParams(),
		now:    time.Now,
	}
	for _, opt := range opts {
		opt(s)
	}
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, err
	}
	hash, err := util.HashPassword("", salt, s.params)
	if err != nil {
		return nil, err
	}
	s.dummySalt, s.dummyHash = salt, hash
	return s, nil
}

func (s *Store) seal(recordType, recordID string, v any, version uint64) (*storage.Envelope, error) {
	plain, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	defer util.WipeBytes(plain)
	var env *storage.Envelope
	err = storage.WithKey(s.key, func(raw []byte) error {
		var err error
		env, err = storage.SealRecord(raw, plain, storage.RecordAAD(namespace, recordType, recordID), version)
		return err
	})
	return env, err
}

func (s *Store) open(recordType, recordID string, env *storage.Envelope, v any) error {
	var plain []byte
	err := storage.WithKey(s.key, func(raw []byte) error {
		var err error
		plain, err = storage.OpenRecord(raw, env, storage.RecordAAD(namespace, recordType, recordID))
		return err
	})
	if err != nil {
		return fmt.Errorf("opening %s record: %w", recordType, err)
	}
	defer util.WipeBytes(plain)
	return json.Unmarshal(plain, v)
}

func (s *Store) load(ctx context.Context, username string) (*userRecord, error) {
	env, err := s.repo.Get(ctx, namespace, recordTypeUser, username)
	if storage.IsNotFound(err) {
		return nil, fmt.Errorf("%s: %w", username, ErrUserNotFound)
	}
	if err != nil {
		return nil, err
	}
	var rec userRecord
	if err := s.open(recordTypeUser, username, env, &rec); err != nil {
		return nil, err
	}
	return &rec, nil
}

func (s *Store) hash(password string) ([]byte, []byte, error) {
	salt, err := util.RandomBytes(saltSize)
	if err != nil {
		return nil, nil, err
	}
	hash, err := util.HashPassword(password, salt, s.params)
	if err != nil {
		return nil, nil, err
	}
	return hash, salt, nil
}

// CreateUser adds a new account. The USER record and the CN index are written
// in one batch so a CN can never point at a missing user.
func (s *Store) CreateUser(ctx context.Context, u NewUser) error {
	if u.Username == "" {
		return ErrInvalidUsername
	}
	hash, salt, err := s.hash(u.Password)
	if err != nil {
		return err
	}
	rec := userRecord{
		ID:                  uuid.NewString(),
		Username:            u.Username,
		PasswordHash:        hash,
		Salt:                salt,
		Params:              s.params,
		NeedsPasswordChange: u.NeedsPasswordChange,
		CommonName:          u.CommonName,
		Permissions:         u.Permissions,
		Revision:            1,
		UpdatedAt:           s.now().UTC(),
	}
	userEnv, err := s.seal(recordTypeUser, u.Username, rec, rec.Revision)
	if err != nil {
		return err
	}
	var cnEnv *storage.Envelope
	if u.CommonName != "" {
		if cnEnv, err = s.seal(recordTypeCN, u.CommonName, u.Username, 1); err != nil {
			return err
		}
	}

	err = s.repo.Batch(ctx, namespace, func(tx storage.BatchTx) error {
		if err := tx.PutCAS(recordTypeUser, u.Username, 0, userEnv); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("%s: %w", u.Username, ErrUserExists)
			}
			return err
		}
		if cnEnv == nil {
			return nil
		}
		if err := tx.PutCAS(recordTypeCN, u.CommonName, 0, cnEnv); err != nil {
			if errors.Is(err, storage.ErrCASFailed) {
				return fmt.Errorf("%s: %w", u.CommonName, ErrCommonNameInUse)
			}
			return err
		}
		return nil
	})
	return err
}

// VerifyPassword returns ErrInvalidCredentials for a wrong password and for
// an unknown user alike.
func (s *Store) VerifyPassword(ctx context.Context, username, password string) error {
	rec, err := s.load(ctx, username)
	if errors.Is(err, ErrUserNotFound) {
		_, _ = util.ComparePassword(password, s.dummySalt, s.params, s.dummyHash)
		return ErrInvalidCredentials
	}
	if err != nil {
		return err
	}
	ok, err := util.ComparePassword(password, rec.Salt, rec.Params, rec.PasswordHash)
	if err != nil {
		return err
	}
	if !ok {
		return ErrInvalidCredentials
	}
	return nil
}

func (s *Store) NeedsPasswordChange(ctx context.Context, username string) (bool, error) {
	rec, err := s.load(ctx, username)
	if err != nil {
		return false, err
	}
	return rec.NeedsPasswordChange, nil
}

// CredentialsFingerprint changes whenever the stored password changes. Other
// profile updates leave it untouched.
func (s *Store) CredentialsFingerprint(ctx context.Context, username string) (string, error) {
	rec, err := s.load(ctx, username)
	if err != nil {
		return "", err
	}
	return fingerprint(rec), nil
}

func fingerprint(rec *userRecord) string {
	h := sha256.New()
	h.Write(rec.PasswordHash)
	h.Write(rec.Salt)
	return hex.EncodeToString(h.Sum(nil))
}

// FindByCommonName resolves a certificate CN to its username. A CN bound
// with NewUser.CommonName wins; otherwise the CN names the user directly.
func (s *Store) FindByCommonName(ctx context.Context, cn string) (string, bool, error) {
	if cn == "" {
		return "", false, nil
	}
	env, err := s.repo.Get(ctx, namespace, recordTypeCN, cn)
	if storage.IsNotFound(err) {
		if _, err := s.load(ctx, cn); errors.Is(err, ErrUserNotFound) {
			return "", false, nil
		} else if err != nil {
			return "", false, err
		}
		return cn, true, nil
	}
	if err != nil {
		return "", false, err
	}
	var username string
	if err := s.open(recordTypeCN, cn, env, &username); err != nil {
		return "", false, err
	}
	if _, err := s.load(ctx, username); errors.Is(err, ErrUserNotFound) {
		return "", false, nil
	} else if err != nil {
		return "", false, err
	}
	return username, true, nil
}

func (s *Store) Permissions(ctx context.Context, username string) ([]string, error) {
	rec, err := s.load(ctx, username)
	if err != nil {
		return nil, err
	}
	return rec.Permissions, nil
}

func (s *Store) update(ctx context.Context, username string, fn func(rec *userRecord) error) error {
	rec, err := s.load(ctx, username)
	if err != nil {
		return err
	}
	if err := fn(rec); err != nil {
		return err
	}
	prev := rec.Revision
	rec.Revision++
	rec.UpdatedAt = s.now().UTC()
	env, err := s.seal(recordTypeUser, username, rec, rec.Revision)
	if err != nil {
		return err
	}
	return s.repo.PutCAS(ctx, namespace, recordTypeUser, username, prev, env)
}

// ChangePassword replaces the password, clears the mandatory change flag and
// rotates the fingerprint.
func (s *Store) ChangePassword(ctx context.Context, username, newPassword string) error {
	return s.update(ctx, username, func(rec *userRecord) error {
		same, err := util.ComparePassword(newPassword, rec.Salt, rec.Params, rec.PasswordHash)
		if err != nil {
			return err
		}
		if same {
			return ErrSamePassword
		}
		hash, salt, err := s.hash(newPassword)
		if err != nil {
			return err
		}
		rec.PasswordHash, rec.Salt, rec.Params = hash, salt, s.params
		rec.NeedsPasswordChange = false
		return nil
	})
}

// SetPasswordChangeRequired flags the account so Basic auth is refused and
// new sessions start locked until the password is changed.
func (s *Store) SetPasswordChangeRequired(ctx context.Context, username string, required bool) error {
	return s.update(ctx, username, func(rec *userRecord) error {
		rec.NeedsPasswordChange = required
		return nil
	})
}

// Users lists every stored username.
func (s *Store) Users(ctx context.Context) ([]string, error) {
	return s.repo.List(ctx, namespace, recordTypeUser)
}

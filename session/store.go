package session

import (
	"context"
	"fmt"
	"hash/maphash"
	"log/slog"
	"sync"
	"time"

	"github.com/jmcleod/gatekeeper/internal/util"
)

const (
	idBytes        = 32
	handleStripes  = 64
	backendTimeout = 5 * time.Second
)

// Fingerprinter returns the current credentials fingerprint for a user.
type Fingerprinter interface {
	CredentialsFingerprint(ctx context.Context, username string) (string, error)
}

// Backend persists live sessions so they survive a restart.
type Backend interface {
	Save(ctx context.Context, s Session) error
	Delete(ctx context.Context, id string) error
	Load(ctx context.Context) ([]Session, error)
}

// Observer is told about every session that reaches a terminal state. It is
// called with the session's lock held and must not call back into the Store.
type Observer func(s Session, state State)

type entry struct {
	mu   sync.Mutex
	sess Session
}

// Store is the session state machine. Operations on one session are
// serialised by a per-session mutex; different sessions proceed in parallel.
// Lock order is always entry.mu before Store.mu.
type Store struct {
	fp       Fingerprinter
	backend  Backend
	now      func() time.Time
	logger   *slog.Logger
	observer Observer

	mu       sync.RWMutex
	sessions map[string]*entry
	handles  map[string]string

	seed        maphash.Seed
	handleLocks [handleStripes]sync.Mutex

	stopOnce sync.Once
	stopCh   chan struct{}
	wg       sync.WaitGroup
}

// Option configures a Store.
type Option func(*Store)

func WithClock(now func() time.Time) Option {
	return func(s *Store) { s.now = now }
}

func WithLogger(logger *slog.Logger) Option {
	return func(s *Store) { s.logger = logger }
}

// WithBackend enables write-through persistence.
func WithBackend(b Backend) Option {
	return func(s *Store) { s.backend = b }
}

func WithObserver(o Observer) Option {
	return func(s *Store) { s.observer = o }
}

// NewStore returns an empty Store that captures fingerprints from fp.
func NewStore(fp Fingerprinter, opts ...Option) *Store {
	s := &Store{
		fp:       fp,
		now:      time.Now,
		logger:   slog.Default(),
		sessions: make(map[string]*entry),
		handles:  make(map[string]string),
		seed:     maphash.MakeSeed(),
		stopCh:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(s)
	}
	s.logger = s.logger.With("component", "session")
	return s
}

func (s *Store) handleLock(handle string) *sync.Mutex {
	return &s.handleLocks[maphash.String(s.seed, handle)%handleStripes]
}

func (s *Store) lookup(id string) *entry {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.sessions[id]
}

// acquire returns the entry for id locked, or nil if the session is absent
// or terminal.
func (s *Store) acquire(id string) *entry {
	e := s.lookup(id)
	if e == nil {
		return nil
	}
	e.mu.Lock()
	if e.sess.State != StateActive {
		e.mu.Unlock()
		return nil
	}
	return e
}

func (s *Store) persist(e *entry) {
	if s.backend == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
	defer cancel()
	if err := s.backend.Save(ctx, e.sess); err != nil {
		s.logger.Warn("persisting session failed", "error", err)
	}
}

// terminateLocked moves e to a terminal state and unpublishes it. The caller
// holds e.mu, so no other operation can observe the session half-removed.
func (s *Store) terminateLocked(e *entry, state State) {
	e.sess.State = state

	s.mu.Lock()
	delete(s.sessions, e.sess.ID)
	if s.handles[e.sess.Handle] == e.sess.ID {
		delete(s.handles, e.sess.Handle)
	}
	s.mu.Unlock()

	if s.backend != nil {
		ctx, cancel := context.WithTimeout(context.Background(), backendTimeout)
		if err := s.backend.Delete(ctx, e.sess.ID); err != nil {
			s.logger.Warn("deleting persisted session failed", "error", err)
		}
		cancel()
	}
	s.logger.Debug("session terminated", "username", e.sess.Username, "state", state.String())
	if s.observer != nil {
		s.observer(e.sess, state)
	}
}

// CreateSession starts an ACTIVE, unlocked session for username. If handle
// already has a live session it is terminated as replaced before the new one
// becomes visible. An empty handle gives the session its own handle.
func (s *Store) CreateSession(ctx context.Context, username, handle string) (*Session, error) {
	if username == "" {
		return nil, fmt.Errorf("creating session: empty username")
	}
	fp, err := s.fp.CredentialsFingerprint(ctx, username)
	if err != nil {
		return nil, fmt.Errorf("capturing credentials fingerprint: %w", err)
	}
	id, err := util.RandomToken(idBytes)
	if err != nil {
		return nil, err
	}
	if handle == "" {
		handle = id
	}

	hl := s.handleLock(handle)
	hl.Lock()
	defer hl.Unlock()

	s.mu.RLock()
	prior := s.sessions[s.handles[handle]]
	s.mu.RUnlock()
	if prior != nil {
		prior.mu.Lock()
		if prior.sess.State == StateActive {
			s.terminateLocked(prior, StateReplaced)
		}
		prior.mu.Unlock()
	}

	now := s.now()
	e := &entry{sess: Session{
		ID:                     id,
		Handle:                 handle,
		Username:               username,
		CreatedAt:              now,
		LastActivityAt:         now,
		CredentialsFingerprint: fp,
		State:                  StateActive,
	}}
	e.mu.Lock()
	defer e.mu.Unlock()

	s.mu.Lock()
	s.sessions[id] = e
	s.handles[handle] = id
	s.mu.Unlock()

	s.persist(e)
	out := e.sess
	return &out, nil
}

// Get returns a copy of the live session with the given id.
func (s *Store) Get(id string) (*Session, bool) {
	e := s.acquire(id)
	if e == nil {
		return nil, false
	}
	defer e.mu.Unlock()
	out := e.sess
	return &out, true
}

func (s *Store) setLocked(id string, locked bool) error {
	e := s.acquire(id)
	if e == nil {
		return ErrNotFound
	}
	defer e.mu.Unlock()
	if e.sess.Locked != locked {
		e.sess.Locked = locked
		s.persist(e)
	}
	return nil
}

// Lock marks the session as restricted to the locked-session allow-list.
func (s *Store) Lock(id string) error { return s.setLocked(id, true) }

func (s *Store) Unlock(id string) error { return s.setLocked(id, false) }

func (s *Store) IsLocked(id string) (bool, error) {
	e := s.acquire(id)
	if e == nil {
		return false, ErrNotFound
	}
	defer e.mu.Unlock()
	return e.sess.Locked, nil
}

// IsExpired reports whether the session has been idle longer than timeout
// and terminates it if so. Absent sessions are reported as expired. A
// non-positive timeout disables expiry.
func (s *Store) IsExpired(id string, timeout time.Duration) bool {
	e := s.acquire(id)
	if e == nil {
		return true
	}
	defer e.mu.Unlock()
	if timeout <= 0 {
		return false
	}
	if s.now().Sub(e.sess.LastActivityAt) > timeout {
		s.terminateLocked(e, StateExpired)
		return true
	}
	return false
}

// UpdateActivity records a successful request. LastActivityAt never moves
// backwards, even if the clock does.
func (s *Store) UpdateActivity(id string) error {
	e := s.acquire(id)
	if e == nil {
		return ErrNotFound
	}
	defer e.mu.Unlock()
	if now := s.now(); now.After(e.sess.LastActivityAt) {
		e.sess.LastActivityAt = now
		s.persist(e)
	}
	return nil
}

// CredentialsChanged compares the fingerprint captured at creation with the
// user's current one. It never mutates the session; the caller decides
// whether to Invalidate.
func (s *Store) CredentialsChanged(ctx context.Context, id string) (bool, error) {
	e := s.acquire(id)
	if e == nil {
		return false, ErrNotFound
	}
	username, captured := e.sess.Username, e.sess.CredentialsFingerprint
	e.mu.Unlock()

	current, err := s.fp.CredentialsFingerprint(ctx, username)
	if err != nil {
		return false, fmt.Errorf("looking up credentials fingerprint: %w", err)
	}
	return current != captured, nil
}

// Refresh re-captures the credentials fingerprint of a live session. It is
// used after the session's own user changes their password.
func (s *Store) Refresh(ctx context.Context, id string) error {
	e := s.lookup(id)
	if e == nil {
		return ErrNotFound
	}
	e.mu.Lock()
	username := e.sess.Username
	e.mu.Unlock()

	fp, err := s.fp.CredentialsFingerprint(ctx, username)
	if err != nil {
		return fmt.Errorf("looking up credentials fingerprint: %w", err)
	}
	if e = s.acquire(id); e == nil {
		return ErrNotFound
	}
	defer e.mu.Unlock()
	e.sess.CredentialsFingerprint = fp
	s.persist(e)
	return nil
}

// Invalidate terminates the session with the given terminal state. It
// reports whether a live session was terminated.
func (s *Store) Invalidate(id string, reason State) bool {
	if reason == StateActive || reason == StateAbsent {
		reason = StateInvalidated
	}
	e := s.acquire(id)
	if e == nil {
		return false
	}
	defer e.mu.Unlock()
	s.terminateLocked(e, reason)
	return true
}

func (s *Store) Logout(id string) bool {
	return s.Invalidate(id, StateLoggedOut)
}

// Count returns the number of live sessions.
func (s *Store) Count() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.sessions)
}

// Sweep terminates every session idle for longer than timeout and returns
// how many were evicted.
func (s *Store) Sweep(timeout time.Duration) int {
	if timeout <= 0 {
		return 0
	}
	s.mu.RLock()
	ids := make([]string, 0, len(s.sessions))
	for id := range s.sessions {
		ids = append(ids, id)
	}
	s.mu.RUnlock()

	evicted := 0
	for _, id := range ids {
		if e := s.lookup(id); e != nil {
			e.mu.Lock()
			if e.sess.State == StateActive && s.now().Sub(e.sess.LastActivityAt) > timeout {
				s.terminateLocked(e, StateExpired)
				evicted++
			}
			e.mu.Unlock()
		}
	}
	return evicted
}

// StartSweeper evicts expired sessions every interval until Close is called.
func (s *Store) StartSweeper(interval, timeout time.Duration) {
	if interval <= 0 || timeout <= 0 {
		return
	}
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-s.stopCh:
				return
			case <-ticker.C:
				if n := s.Sweep(timeout); n > 0 {
					s.logger.Info("evicted idle sessions", "count", n)
				}
			}
		}
	}()
}

// Close stops the sweeper.
func (s *Store) Close() {
	s.stopOnce.Do(func() {
		close(s.stopCh)
	})
	s.wg.Wait()
}

// Restore loads persisted sessions into the Store. Sessions idle longer than
// timeout are discarded.
func (s *Store) Restore(ctx context.Context, timeout time.Duration) (int, error) {
	if s.backend == nil {
		return 0, nil
	}
	loaded, err := s.backend.Load(ctx)
	if err != nil {
		return 0, fmt.Errorf("loading sessions: %w", err)
	}
	restored := 0
	now := s.now()
	for _, sess := range loaded {
		if sess.State != StateActive || sess.ID == "" || sess.Username == "" {
			continue
		}
		if timeout > 0 && now.Sub(sess.LastActivityAt) > timeout {
			if err := s.backend.Delete(ctx, sess.ID); err != nil {
				s.logger.Warn("deleting stale session failed", "error", err)
			}
			continue
		}
		s.mu.Lock()
		if _, taken := s.handles[sess.Handle]; !taken {
			s.sessions[sess.ID] = &entry{sess: sess}
			s.handles[sess.Handle] = sess.ID
			restored++
		}
		s.mu.Unlock()
	}
	return restored, nil
}

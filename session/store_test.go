package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeFingerprints struct {
	mu  sync.Mutex
	fps map[string]string
	err error
}

func newFakeFingerprints(users ...string) *fakeFingerprints {
	f := &fakeFingerprints{fps: make(map[string]string)}
	for _, u := range users {
		f.fps[u] = u + "-v1"
	}
	return f
}

func (f *fakeFingerprints) CredentialsFingerprint(_ context.Context, username string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.err != nil {
		return "", f.err
	}
	fp, ok := f.fps[username]
	if !ok {
		return "", errors.New("unknown user")
	}
	return fp, nil
}

func (f *fakeFingerprints) rotate(username, fp string) {
	f.mu.Lock()
	f.fps[username] = fp
	f.mu.Unlock()
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

func newTestStore(t *testing.T, opts ...Option) (*Store, *fakeFingerprints, *fakeClock) {
	t.Helper()
	fps := newFakeFingerprints("alice", "bob")
	clock := newFakeClock()
	s := NewStore(fps, append([]Option{WithClock(clock.Now)}, opts...)...)
	t.Cleanup(s.Close)
	return s, fps, clock
}

func TestCreateSession(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	sess, err := s.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	assert.NotEmpty(t, sess.ID)
	assert.Equal(t, sess.ID, sess.Handle)
	assert.Equal(t, "alice", sess.Username)
	assert.Equal(t, clock.Now(), sess.CreatedAt)
	assert.Equal(t, "alice-v1", sess.CredentialsFingerprint)
	assert.Equal(t, StateActive, sess.State)
	assert.False(t, sess.Locked)

	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, *sess, *got)

	got.Locked = true
	again, _ := s.Get(sess.ID)
	assert.False(t, again.Locked, "callers receive copies")

	_, err = s.CreateSession(ctx, "", "")
	assert.Error(t, err)
	_, err = s.CreateSession(ctx, "nobody", "")
	assert.Error(t, err)
	assert.Equal(t, 1, s.Count())
}

func TestCreateSessionReplacesHandle(t *testing.T) {
	var terminated []State
	s, _, _ := newTestStore(t, WithObserver(func(_ Session, st State) { terminated = append(terminated, st) }))
	ctx := context.Background()

	first, err := s.CreateSession(ctx, "alice", "handle-1")
	require.NoError(t, err)
	second, err := s.CreateSession(ctx, "alice", "handle-1")
	require.NoError(t, err)

	assert.NotEqual(t, first.ID, second.ID)
	_, ok := s.Get(first.ID)
	assert.False(t, ok, "replaced session must be absent")
	_, ok = s.Get(second.ID)
	assert.True(t, ok)
	assert.Equal(t, 1, s.Count())
	assert.Equal(t, []State{StateReplaced}, terminated)

	other, err := s.CreateSession(ctx, "bob", "handle-2")
	require.NoError(t, err)
	_, ok = s.Get(other.ID)
	assert.True(t, ok, "different handles are independent")
	assert.Equal(t, 2, s.Count())
}

func TestConcurrentCreateSameHandle(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	var wg sync.WaitGroup
	for i := 0; i < 32; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.CreateSession(ctx, "alice", "shared")
			assert.NoError(t, err)
		}()
	}
	wg.Wait()
	assert.Equal(t, 1, s.Count(), "exactly one live session per handle")
}

func TestConcurrentCreateAndInvalidate(t *testing.T) {
	s, _, _ := newTestStore(t)
	ctx := context.Background()

	for i := 0; i < 50; i++ {
		prior, err := s.CreateSession(ctx, "alice", "h")
		require.NoError(t, err)

		var wg sync.WaitGroup
		wg.Add(2)
		go func() {
			defer wg.Done()
			s.Invalidate(prior.ID, StateInvalidated)
		}()
		go func() {
			defer wg.Done()
			_, err := s.CreateSession(ctx, "alice", "h")
			assert.NoError(t, err)
		}()
		wg.Wait()

		_, ok := s.Get(prior.ID)
		assert.False(t, ok)
		assert.Equal(t, 1, s.Count())
	}
}

func TestLockUnlock(t *testing.T) {
	s, _, _ := newTestStore(t)
	sess, err := s.CreateSession(context.Background(), "alice", "")
	require.NoError(t, err)

	require.NoError(t, s.Lock(sess.ID))
	locked, err := s.IsLocked(sess.ID)
	require.NoError(t, err)
	assert.True(t, locked)

	_, ok := s.Get(sess.ID)
	assert.True(t, ok, "locked sessions still resolve")

	require.NoError(t, s.Unlock(sess.ID))
	locked, err = s.IsLocked(sess.ID)
	require.NoError(t, err)
	assert.False(t, locked)

	assert.ErrorIs(t, s.Lock("missing"), ErrNotFound)
	assert.ErrorIs(t, s.Unlock("missing"), ErrNotFound)
	_, err = s.IsLocked("missing")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestIsExpired(t *testing.T) {
	s, _, clock := newTestStore(t)
	sess, err := s.CreateSession(context.Background(), "alice", "")
	require.NoError(t, err)

	clock.Advance(10 * time.Minute)
	assert.False(t, s.IsExpired(sess.ID, 10*time.Minute), "exactly at the timeout is still live")
	got, ok := s.Get(sess.ID)
	require.True(t, ok)
	assert.Equal(t, StateActive, got.State)

	assert.False(t, s.IsExpired(sess.ID, 0), "non-positive timeout disables expiry")
	assert.False(t, s.IsExpired(sess.ID, -time.Second))

	clock.Advance(time.Second)
	assert.True(t, s.IsExpired(sess.ID, 10*time.Minute))
	_, ok = s.Get(sess.ID)
	assert.False(t, ok, "expired session is invalidated as a side effect")

	// Activity after expiry cannot resurrect it.
	assert.ErrorIs(t, s.UpdateActivity(sess.ID), ErrNotFound)
	assert.True(t, s.IsExpired(sess.ID, time.Hour))
	assert.True(t, s.IsExpired("never-existed", time.Hour))
}

func TestUpdateActivityIsMonotonic(t *testing.T) {
	s, _, clock := newTestStore(t)
	sess, err := s.CreateSession(context.Background(), "alice", "")
	require.NoError(t, err)

	clock.Advance(5 * time.Minute)
	require.NoError(t, s.UpdateActivity(sess.ID))
	got, _ := s.Get(sess.ID)
	assert.Equal(t, clock.Now(), got.LastActivityAt)

	later := got.LastActivityAt
	clock.Advance(-time.Hour)
	require.NoError(t, s.UpdateActivity(sess.ID))
	got, _ = s.Get(sess.ID)
	assert.Equal(t, later, got.LastActivityAt)
}

func TestCredentialsChanged(t *testing.T) {
	s, fps, _ := newTestStore(t)
	ctx := context.Background()
	a1, err := s.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	a2, err := s.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	b, err := s.CreateSession(ctx, "bob", "")
	require.NoError(t, err)

	changed, err := s.CredentialsChanged(ctx, a1.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	fps.rotate("alice", "alice-v2")
	for _, id := range []string{a1.ID, a2.ID} {
		changed, err = s.CredentialsChanged(ctx, id)
		require.NoError(t, err)
		assert.True(t, changed)
		_, ok := s.Get(id)
		assert.True(t, ok, "detection alone does not invalidate")
	}
	changed, err = s.CredentialsChanged(ctx, b.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	a3, err := s.CreateSession(ctx, "alice", "")
	require.NoError(t, err)
	changed, err = s.CredentialsChanged(ctx, a3.ID)
	require.NoError(t, err)
	assert.False(t, changed, "sessions created after the change are current")

	require.NoError(t, s.Refresh(ctx, a1.ID))
	changed, err = s.CredentialsChanged(ctx, a1.ID)
	require.NoError(t, err)
	assert.False(t, changed)

	_, err = s.CredentialsChanged(ctx, "missing")
	assert.ErrorIs(t, err, ErrNotFound)

	fps.err = errors.New("store down")
	_, err = s.CredentialsChanged(ctx, b.ID)
	assert.Error(t, err)
}

func TestInvalidateAndLogout(t *testing.T) {
	var states []State
	s, _, _ := newTestStore(t, WithObserver(func(_ Session, st State) { states = append(states, st) }))
	ctx := context.Background()

	a, _ := s.CreateSession(ctx, "alice", "")
	b, _ := s.CreateSession(ctx, "bob", "")

	assert.True(t, s.Logout(a.ID))
	assert.False(t, s.Logout(a.ID), "second logout is a no-op")
	assert.True(t, s.Invalidate(b.ID, StateActive))
	assert.Equal(t, []State{StateLoggedOut, StateInvalidated}, states)
	assert.Equal(t, 0, s.Count())
}

func TestSweep(t *testing.T) {
	s, _, clock := newTestStore(t)
	ctx := context.Background()

	old, _ := s.CreateSession(ctx, "alice", "")
	clock.Advance(20 * time.Minute)
	fresh, _ := s.CreateSession(ctx, "bob", "")

	assert.Equal(t, 0, s.Sweep(0))
	assert.Equal(t, 1, s.Sweep(15*time.Minute))
	_, ok := s.Get(old.ID)
	assert.False(t, ok)
	_, ok = s.Get(fresh.ID)
	assert.True(t, ok)
}

func TestStartSweeper(t *testing.T) {
	var evicted atomic.Int32
	s := NewStore(newFakeFingerprints("alice"), WithObserver(func(_ Session, st State) {
		if st == StateExpired {
			evicted.Add(1)
		}
	}))
	_, err := s.CreateSession(context.Background(), "alice", "")
	require.NoError(t, err)

	s.StartSweeper(10*time.Millisecond, time.Nanosecond)
	assert.Eventually(t, func() bool { return evicted.Load() == 1 }, time.Second, 10*time.Millisecond)
	s.Close()
	s.Close()
}

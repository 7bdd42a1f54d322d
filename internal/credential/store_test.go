package credential

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

const testKey = "3f0e0c4a-8a51-4f39-9f3e-4d4e0d1b2c3a"

func TestNewStoreRequiresKey(t *testing.T) {
	_, err := NewStore("", Options{})
	require.Error(t, err)
}

func TestIssueRejectsWrongKey(t *testing.T) {
	s, err := NewStore(testKey, Options{})
	require.NoError(t, err)

	for _, key := range []string{"", "wrong", testKey + " "} {
		_, err := s.Issue(key)
		require.ErrorIs(t, err, ErrUnauthorized)
	}
	require.Zero(t, s.Len())
}

func TestTokenAcceptedUntilWindowCloses(t *testing.T) {
	clock := newFakeClock()
	s, err := NewStore(testKey, Options{TTL: 10 * time.Second, Clock: clock})
	require.NoError(t, err)

	issuedAt := clock.Now()
	cred, err := s.Issue(testKey)
	require.NoError(t, err)
	require.NotEmpty(t, cred.Token)
	require.Equal(t, issuedAt.Add(10*time.Second), cred.ExpiresAt)

	require.NoError(t, s.Validate(cred.Token))

	clock.Advance(10*time.Second - time.Nanosecond)
	require.NoError(t, s.Validate(cred.Token), "repeat checks inside the window stay valid")

	clock.Advance(time.Nanosecond)
	require.ErrorIs(t, s.Validate(cred.Token), ErrUnauthorized)
}

func TestValidateUnknownToken(t *testing.T) {
	s, err := NewStore(testKey, Options{})
	require.NoError(t, err)
	require.ErrorIs(t, s.Validate("never-issued"), ErrUnauthorized)
	require.ErrorIs(t, s.Validate(""), ErrUnauthorized)
}

func TestSingleUseConsumesToken(t *testing.T) {
	s, err := NewStore(testKey, Options{SingleUse: true, Clock: newFakeClock()})
	require.NoError(t, err)

	cred, err := s.Issue(testKey)
	require.NoError(t, err)

	require.NoError(t, s.Validate(cred.Token))
	require.ErrorIs(t, s.Validate(cred.Token), ErrUnauthorized)
}

func TestPruneRemovesOnlyExpired(t *testing.T) {
	clock := newFakeClock()
	s, err := NewStore(testKey, Options{TTL: 10 * time.Second, Clock: clock})
	require.NoError(t, err)

	old, err := s.Issue(testKey)
	require.NoError(t, err)
	clock.Advance(6 * time.Second)
	fresh, err := s.Issue(testKey)
	require.NoError(t, err)
	clock.Advance(5 * time.Second)

	require.Equal(t, 2, s.Len(), "expired tokens persist until pruned")
	require.Equal(t, 1, s.Prune())
	require.Equal(t, 1, s.Len())

	require.ErrorIs(t, s.Validate(old.Token), ErrUnauthorized)
	require.NoError(t, s.Validate(fresh.Token))
}

func TestDefaultTTL(t *testing.T) {
	s, err := NewStore(testKey, Options{})
	require.NoError(t, err)
	require.Equal(t, DefaultTTL, s.TTL())
}

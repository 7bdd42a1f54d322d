// Package credential issues the short-lived tokens that gate websocket
// upgrades. A token is minted only for callers presenting the configured API
// key and is accepted until its expiry instant.
package credential

import (
	"crypto/subtle"
	"errors"
	"sync"
	"time"

	"github.com/google/uuid"
)

// DefaultTTL is the credential window used when none is configured.
const DefaultTTL = 10 * time.Second

// ErrUnauthorized is returned for a wrong API key and for unknown or expired
// tokens.
var ErrUnauthorized = errors.New("unauthorized")

// Clock supplies the current time. Tests substitute a fake.
type Clock interface {
	Now() time.Time
}

type realClock struct{}

func (realClock) Now() time.Time { return time.Now() }

// RealClock returns a Clock backed by time.Now.
func RealClock() Clock { return realClock{} }

// Credential is an issued token and the instant it stops being accepted.
type Credential struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expiresAt"`
}

// Options configures a Store.
type Options struct {
	// TTL is the credential window. Zero means DefaultTTL.
	TTL time.Duration
	// SingleUse makes Validate consume a token on success.
	SingleUse bool
	// Clock defaults to RealClock.
	Clock Clock
}

// Store holds issued tokens. It is safe for concurrent use.
type Store struct {
	apiKey    []byte
	ttl       time.Duration
	singleUse bool
	clock     Clock

	mu     sync.Mutex
	tokens map[string]time.Time
}

// NewStore returns a Store that issues tokens to holders of apiKey.
func NewStore(apiKey string, opts Options) (*Store, error) {
	if apiKey == "" {
		return nil, errors.New("credential: api key must not be empty")
	}
	if opts.TTL <= 0 {
		opts.TTL = DefaultTTL
	}
	if opts.Clock == nil {
		opts.Clock = RealClock()
	}
	return &Store{
		apiKey:    []byte(apiKey),
		ttl:       opts.TTL,
		singleUse: opts.SingleUse,
		clock:     opts.Clock,
		tokens:    make(map[string]time.Time),
	}, nil
}

// Issue mints a token if presented matches the configured API key.
func (s *Store) Issue(presented string) (Credential, error) {
	if subtle.ConstantTimeCompare([]byte(presented), s.apiKey) != 1 {
		return Credential{}, ErrUnauthorized
	}

	cred := Credential{
		Token:     uuid.NewString(),
		ExpiresAt: s.clock.Now().Add(s.ttl),
	}

	s.mu.Lock()
	s.tokens[cred.Token] = cred.ExpiresAt
	s.mu.Unlock()

	return cred, nil
}

// Validate accepts a token that was issued and whose expiry has not been
// reached. Tokens stay valid across repeated checks unless the store is
// single-use.
func (s *Store) Validate(token string) error {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	expiresAt, ok := s.tokens[token]
	if !ok || !now.Before(expiresAt) {
		return ErrUnauthorized
	}
	if s.singleUse {
		delete(s.tokens, token)
	}
	return nil
}

// Prune drops expired tokens and returns how many were removed.
func (s *Store) Prune() int {
	now := s.clock.Now()

	s.mu.Lock()
	defer s.mu.Unlock()

	removed := 0
	for token, expiresAt := range s.tokens {
		if !now.Before(expiresAt) {
			delete(s.tokens, token)
			removed++
		}
	}
	return removed
}

// Len returns the number of stored tokens, expired ones included.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()

	return len(s.tokens)
}

// TTL returns the credential window.
func (s *Store) TTL() time.Duration {
	return s.ttl
}

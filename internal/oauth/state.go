// internal/oauth/state.go
package oauth

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/courseloop/lti-bridge/internal/tokens"
)

/*
The OAuth2 state parameter doubles as a CSRF check. The state value sent to
the provider is a signed token naming the user, their registration and a
random CSRF secret; the same secret is stashed server-side under the
authorization attempt id. Redeeming the state on callback requires both the
signature to verify and the embedded secret to match the stashed copy, so a
forged or cross-session callback fails even with a structurally valid token.
The stash entry is consumed on first take; redeeming twice fails.
*/

var ErrInvalidCSRF = errors.New("oauth: state CSRF mismatch")

// StateStash holds one CSRF secret per in-flight authorization attempt.
type StateStash interface {
	Put(ctx context.Context, attemptID, csrf string, ttl time.Duration) error
	// Take removes and returns the stashed secret; ok is false when the
	// attempt is unknown or already consumed.
	Take(ctx context.Context, attemptID string) (csrf string, ok bool, err error)
}

// MemStash is a process-local StateStash for single-instance deployments
// and tests.
type MemStash struct {
	mu      sync.Mutex
	entries map[string]memStashEntry
	Now     func() time.Time
}

type memStashEntry struct {
	csrf    string
	expires time.Time
}

func (m *MemStash) now() time.Time {
	if m.Now != nil {
		return m.Now()
	}
	return time.Now()
}

func (m *MemStash) Put(_ context.Context, attemptID, csrf string, ttl time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.entries == nil {
		m.entries = make(map[string]memStashEntry)
	}
	m.entries[attemptID] = memStashEntry{csrf: csrf, expires: m.now().Add(ttl)}
	return nil
}

func (m *MemStash) Take(_ context.Context, attemptID string) (string, bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := m.entries[attemptID]
	if !ok {
		return "", false, nil
	}
	delete(m.entries, attemptID)
	if m.now().After(e.expires) {
		return "", false, nil
	}
	return e.csrf, true, nil
}

// RedisStash shares attempts across instances. GETDEL makes the take
// atomic: two callbacks racing on the same state see exactly one winner.
type RedisStash struct {
	Client *redis.Client
	Prefix string
}

func (s *RedisStash) key(attemptID string) string {
	prefix := s.Prefix
	if prefix == "" {
		prefix = "oauth_state"
	}
	return prefix + ":" + attemptID
}

func (s *RedisStash) Put(ctx context.Context, attemptID, csrf string, ttl time.Duration) error {
	if err := s.Client.Set(ctx, s.key(attemptID), csrf, ttl).Err(); err != nil {
		return fmt.Errorf("stash oauth state: %w", err)
	}
	return nil
}

func (s *RedisStash) Take(ctx context.Context, attemptID string) (string, bool, error) {
	v, err := s.Client.GetDel(ctx, s.key(attemptID)).Result()
	if errors.Is(err, redis.Nil) {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("take oauth state: %w", err)
	}
	return v, true, nil
}

// StateCodec mints and redeems state parameters.
type StateCodec struct {
	Codec    *tokens.Codec
	Secret   []byte
	Stash    StateStash
	Lifetime time.Duration // defaults to 1 hour
}

func (c *StateCodec) lifetime() time.Duration {
	if c.Lifetime > 0 {
		return c.Lifetime
	}
	return time.Hour
}

// StateClaims is what a redeemed state parameter asserts.
type StateClaims struct {
	UserID         string
	RegistrationID int64
}

// Issue mints a state parameter for a new authorization attempt.
func (c *StateCodec) Issue(ctx context.Context, userID string, registrationID int64) (string, error) {
	attemptID := uuid.NewString()
	csrf := uuid.NewString()
	if err := c.Stash.Put(ctx, attemptID, csrf, c.lifetime()); err != nil {
		return "", err
	}
	return c.Codec.Encode(map[string]any{
		"user": userID,
		"reg":  registrationID,
		"csrf": csrf,
		"aid":  attemptID,
	}, c.Secret, c.lifetime())
}

// Redeem validates a state parameter returned on the provider callback.
// Signature or expiry failures surface the token codec's errors; a missing
// or mismatched stashed secret is ErrInvalidCSRF.
func (c *StateCodec) Redeem(ctx context.Context, state string) (StateClaims, error) {
	payload, err := c.Codec.Decode(state, c.Secret)
	if err != nil {
		return StateClaims{}, err
	}
	attemptID, _ := payload["aid"].(string)
	presented, _ := payload["csrf"].(string)
	if attemptID == "" || presented == "" {
		return StateClaims{}, ErrInvalidCSRF
	}
	stashed, ok, err := c.Stash.Take(ctx, attemptID)
	if err != nil {
		return StateClaims{}, err
	}
	if !ok || subtle.ConstantTimeCompare([]byte(presented), []byte(stashed)) != 1 {
		return StateClaims{}, ErrInvalidCSRF
	}

	claims := StateClaims{}
	claims.UserID, _ = payload["user"].(string)
	switch v := payload["reg"].(type) {
	case float64:
		claims.RegistrationID = int64(v)
	case int64:
		claims.RegistrationID = v
	}
	return claims, nil
}

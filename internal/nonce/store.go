// internal/nonce/store.go
package nonce

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"
)

/*
Single-use value tracking for OIDC nonces, OAuth1 nonces and assertion jtis.

Use marks (kind, value) as consumed for ttl and reports whether this was the
first sighting. Two concurrent launches racing with the same nonce must not
both succeed, so implementations have to make the check-and-set atomic: the
Redis store rides on SET NX, the in-memory store on a mutex.
*/

// Store enforces single-use semantics on a (kind, value) pair.
type Store interface {
	// Use returns true if (kind, value) has not been seen within its TTL,
	// marking it seen as a side effect. It returns false on replay.
	Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error)
}

// InMemory is a process-local Store, safe for concurrent use. It purges
// expired entries opportunistically on writes.
type InMemory struct {
	mu       sync.Mutex
	entries  map[string]time.Time
	useCount uint64
	purgeN   uint64
}

// NewInMemory creates an in-memory store that purges expired entries every
// purgeEvery calls to Use (default 1024).
func NewInMemory(purgeEvery int) *InMemory {
	if purgeEvery <= 0 {
		purgeEvery = 1024
	}
	return &InMemory{
		entries: make(map[string]time.Time, 1024),
		purgeN:  uint64(purgeEvery),
	}
}

func (m *InMemory) Use(_ context.Context, kind, value string, ttl time.Duration) (bool, error) {
	k, err := key(kind, value)
	if err != nil {
		return false, err
	}
	now := time.Now()

	m.mu.Lock()
	defer m.mu.Unlock()

	m.useCount++
	if m.useCount%m.purgeN == 0 {
		for e, until := range m.entries {
			if !until.After(now) {
				delete(m.entries, e)
			}
		}
	}

	if until, ok := m.entries[k]; ok && until.After(now) {
		return false, nil
	}
	m.entries[k] = now.Add(ttl)
	return true, nil
}

// Redis is a shared Store backed by SET NX with TTL, linearizable across
// replicas of the tool.
type Redis struct {
	Client *redis.Client
	// Prefix namespaces keys; defaults to "nonce".
	Prefix string
}

func (r *Redis) Use(ctx context.Context, kind, value string, ttl time.Duration) (bool, error) {
	k, err := key(kind, value)
	if err != nil {
		return false, err
	}
	prefix := r.Prefix
	if prefix == "" {
		prefix = "nonce"
	}
	ok, err := r.Client.SetNX(ctx, prefix+":"+k, "1", ttl).Result()
	if err != nil {
		return false, fmt.Errorf("nonce: redis setnx: %w", err)
	}
	return ok, nil
}

func key(kind, value string) (string, error) {
	kind = strings.TrimSpace(strings.ToLower(kind))
	value = strings.TrimSpace(value)
	if kind == "" || value == "" {
		return "", fmt.Errorf("nonce: kind and value are required")
	}
	return kind + "|" + value, nil
}

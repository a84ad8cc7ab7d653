// internal/launch/keyset.go
package launch

import (
	"context"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

/*
JWKS fetching for id_token verification.

Platforms publish their signing keys at the Registration's key_set_url; we
fetch the set, cache it briefly, and match keys by kid. The cache is
read-mostly and refreshed by whichever request observes a miss or expiry;
concurrent fetches for the same URL are collapsed through singleflight. A
kid that is absent from a cached set forces one refetch before failing, so
key rotation does not strand launches for the cache lifetime.
*/

var ErrKeyNotFound = errors.New("launch: no RSA key matching kid in key set")

type cachedKeys struct {
	keys      map[string]*rsa.PublicKey // kid -> key
	fetchedAt time.Time
}

// KeysetFetcher loads and caches platform JWKS documents.
type KeysetFetcher struct {
	HTTP *http.Client
	// TTL bounds cache staleness; default 10 minutes.
	TTL time.Duration
	Now func() time.Time

	mu    sync.RWMutex
	cache map[string]cachedKeys
	group singleflight.Group
}

func NewKeysetFetcher(client *http.Client) *KeysetFetcher {
	if client == nil {
		client = &http.Client{Timeout: 15 * time.Second}
	}
	return &KeysetFetcher{
		HTTP:  client,
		cache: make(map[string]cachedKeys),
	}
}

func (f *KeysetFetcher) now() time.Time {
	if f.Now != nil {
		return f.Now()
	}
	return time.Now()
}

func (f *KeysetFetcher) ttl() time.Duration {
	if f.TTL > 0 {
		return f.TTL
	}
	return 10 * time.Minute
}

// Key returns the RSA public key with the given kid from the Registration's
// key set URL.
func (f *KeysetFetcher) Key(ctx context.Context, keySetURL, kid string) (*rsa.PublicKey, error) {
	f.mu.RLock()
	entry, ok := f.cache[keySetURL]
	f.mu.RUnlock()

	fromCache := ok && f.now().Sub(entry.fetchedAt) < f.ttl()
	if fromCache {
		if k, ok := entry.keys[kid]; ok {
			return k, nil
		}
		// Cached set may predate a key rotation; fall through to refetch.
	}

	keys, err := f.fetch(ctx, keySetURL)
	if err != nil {
		return nil, err
	}
	if k, ok := keys[kid]; ok {
		return k, nil
	}
	return nil, fmt.Errorf("%w: %q", ErrKeyNotFound, kid)
}

func (f *KeysetFetcher) fetch(ctx context.Context, keySetURL string) (map[string]*rsa.PublicKey, error) {
	v, err, _ := f.group.Do(keySetURL, func() (any, error) {
		req, err := http.NewRequestWithContext(ctx, http.MethodGet, keySetURL, nil)
		if err != nil {
			return nil, err
		}
		resp, err := f.HTTP.Do(req)
		if err != nil {
			return nil, fmt.Errorf("launch: fetch key set: %w", err)
		}
		defer resp.Body.Close()
		if resp.StatusCode/100 != 2 {
			return nil, fmt.Errorf("launch: fetch key set: platform returned %s", resp.Status)
		}

		var doc struct {
			Keys []map[string]any `json:"keys"`
		}
		if err := json.NewDecoder(resp.Body).Decode(&doc); err != nil {
			return nil, fmt.Errorf("launch: decode key set: %w", err)
		}
		keys := rsaKeysFromJWKS(doc.Keys)
		if len(keys) == 0 {
			return nil, errors.New("launch: key set contains no usable RSA keys")
		}

		f.mu.Lock()
		f.cache[keySetURL] = cachedKeys{keys: keys, fetchedAt: f.now()}
		f.mu.Unlock()
		return keys, nil
	})
	if err != nil {
		return nil, err
	}
	return v.(map[string]*rsa.PublicKey), nil
}

func rsaKeysFromJWKS(raw []map[string]any) map[string]*rsa.PublicKey {
	out := make(map[string]*rsa.PublicKey)
	for _, k := range raw {
		if t, _ := k["kty"].(string); t != "RSA" {
			continue
		}
		kid, _ := k["kid"].(string)
		nStr, _ := k["n"].(string)
		eStr, _ := k["e"].(string)
		if kid == "" || nStr == "" || eStr == "" {
			continue
		}
		nb, err := base64.RawURLEncoding.DecodeString(nStr)
		if err != nil {
			continue
		}
		eb, err := base64.RawURLEncoding.DecodeString(eStr)
		if err != nil {
			continue
		}
		e := 0
		for _, b := range eb {
			e = (e << 8) | int(b)
		}
		if e == 0 {
			continue
		}
		out[kid] = &rsa.PublicKey{N: new(big.Int).SetBytes(nb), E: e}
	}
	return out
}

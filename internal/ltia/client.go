// internal/ltia/client.go
package ltia

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"crypto/rsa"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/courseloop/lti-bridge/internal/registry"
)

/*
Authenticated HTTP client for LTI Advantage services (AGS, NRPS).

Service access tokens come from the platform's token endpoint via the
client_credentials grant with a private_key_jwt assertion, and are cached
per (registration, scope set) until shortly before expiry. A 401 from the
platform invalidates the cached token and the request is retried exactly
once with a newly minted one; a second 401 is the platform's answer.
*/

const assertionType = "urn:ietf:params:oauth:client-assertion-type:jwt-bearer"

// Platform calls must not hang on a stalled connection even when the
// caller's context carries no deadline.
var defaultHTTP = &http.Client{Timeout: 15 * time.Second}

// ExternalRequestError wraps any failure talking to the platform: transport
// errors, token grant failures and non-2xx service responses alike.
type ExternalRequestError struct {
	Op         string
	StatusCode int // 0 when the request never completed
	Body       string
	Err        error
}

func (e *ExternalRequestError) Error() string {
	if e.StatusCode != 0 {
		return fmt.Sprintf("ltia: %s: platform returned %d", e.Op, e.StatusCode)
	}
	return fmt.Sprintf("ltia: %s: %v", e.Op, e.Err)
}

func (e *ExternalRequestError) Unwrap() error { return e.Err }

type serviceToken struct {
	value   string
	expires time.Time
}

// Client signs and sends LTI Advantage service requests.
type Client struct {
	HTTP *http.Client
	// Key signs client assertions; KeyID goes into the assertion header so
	// the platform can find the matching JWK in the tool's key set.
	Key   *rsa.PrivateKey
	KeyID string
	Now   func() time.Time
	// Margin is subtracted from token lifetimes so a token is never used
	// within its final moments. Default 60s.
	Margin time.Duration

	mu    sync.Mutex
	cache map[string]serviceToken
}

func (c *Client) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now()
}

func (c *Client) margin() time.Duration {
	if c.Margin > 0 {
		return c.Margin
	}
	return time.Minute
}

func (c *Client) httpClient() *http.Client {
	if c.HTTP != nil {
		return c.HTTP
	}
	return defaultHTTP
}

// Request performs an authenticated call against a platform service URL.
// The caller owns the response body. Any non-2xx status is returned as an
// *ExternalRequestError with the body captured for classification.
func (c *Client) Request(ctx context.Context, reg registry.Registration, method, rawURL string, scopes []string, body []byte, header http.Header) (*http.Response, error) {
	op := method + " " + rawURL

	token, err := c.serviceToken(ctx, reg, scopes, false)
	if err != nil {
		return nil, err
	}
	resp, err := c.do(ctx, op, method, rawURL, token, body, header)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode == http.StatusUnauthorized {
		drain(resp)
		// Token may have been revoked before its recorded expiry.
		token, err = c.serviceToken(ctx, reg, scopes, true)
		if err != nil {
			return nil, err
		}
		resp, err = c.do(ctx, op, method, rawURL, token, body, header)
		if err != nil {
			return nil, err
		}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		captured, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		drain(resp)
		return nil, &ExternalRequestError{Op: op, StatusCode: resp.StatusCode, Body: string(captured)}
	}
	return resp, nil
}

func (c *Client) do(ctx context.Context, op, method, rawURL, token string, body []byte, header http.Header) (*http.Response, error) {
	var rd io.Reader
	if body != nil {
		rd = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, rawURL, rd)
	if err != nil {
		return nil, &ExternalRequestError{Op: op, Err: err}
	}
	for k, vs := range header {
		for _, v := range vs {
			req.Header.Add(k, v)
		}
	}
	req.Header.Set("Authorization", "Bearer "+token)

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return nil, &ExternalRequestError{Op: op, Err: err}
	}
	return resp, nil
}

func cacheKey(reg registry.Registration, scopes []string) string {
	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	return fmt.Sprintf("%d|%s", reg.ID, strings.Join(sorted, " "))
}

func (c *Client) serviceToken(ctx context.Context, reg registry.Registration, scopes []string, force bool) (string, error) {
	key := cacheKey(reg, scopes)

	c.mu.Lock()
	if !force {
		if tok, ok := c.cache[key]; ok && c.now().Before(tok.expires) {
			c.mu.Unlock()
			return tok.value, nil
		}
	}
	c.mu.Unlock()

	tok, err := c.grant(ctx, reg, scopes)
	if err != nil {
		return "", err
	}

	c.mu.Lock()
	if c.cache == nil {
		c.cache = make(map[string]serviceToken)
	}
	c.cache[key] = tok
	c.mu.Unlock()
	return tok.value, nil
}

func (c *Client) grant(ctx context.Context, reg registry.Registration, scopes []string) (serviceToken, error) {
	op := "token grant " + reg.TokenURL
	now := c.now()

	assertion := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"iss": reg.ClientID,
		"sub": reg.ClientID,
		"aud": reg.TokenURL,
		"iat": now.Unix(),
		"exp": now.Add(5 * time.Minute).Unix(),
		"jti": uuid.NewString(),
	})
	if c.KeyID != "" {
		assertion.Header["kid"] = c.KeyID
	}
	signed, err := assertion.SignedString(c.Key)
	if err != nil {
		return serviceToken{}, &ExternalRequestError{Op: op, Err: err}
	}

	sorted := append([]string(nil), scopes...)
	sort.Strings(sorted)
	form := url.Values{
		"grant_type":            {"client_credentials"},
		"client_assertion_type": {assertionType},
		"client_assertion":      {signed},
		"scope":                 {strings.Join(sorted, " ")},
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reg.TokenURL, strings.NewReader(form.Encode()))
	if err != nil {
		return serviceToken{}, &ExternalRequestError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	resp, err := c.httpClient().Do(req)
	if err != nil {
		return serviceToken{}, &ExternalRequestError{Op: op, Err: err}
	}
	defer drain(resp)

	if resp.StatusCode != http.StatusOK {
		captured, _ := io.ReadAll(io.LimitReader(resp.Body, 64<<10))
		return serviceToken{}, &ExternalRequestError{Op: op, StatusCode: resp.StatusCode, Body: string(captured)}
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   int64  `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return serviceToken{}, &ExternalRequestError{Op: op, Err: err}
	}
	if payload.AccessToken == "" {
		return serviceToken{}, &ExternalRequestError{Op: op, Err: fmt.Errorf("empty access_token in grant response")}
	}

	ttl := time.Duration(payload.ExpiresIn) * time.Second
	if ttl <= c.margin() {
		ttl = c.margin() + time.Second
	}
	return serviceToken{value: payload.AccessToken, expires: now.Add(ttl - c.margin())}, nil
}

func drain(resp *http.Response) {
	_, _ = io.Copy(io.Discard, io.LimitReader(resp.Body, 1<<20))
	_ = resp.Body.Close()
}

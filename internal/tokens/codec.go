// internal/tokens/codec.go
package tokens

import (
	"errors"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

/*
Compact signed tokens used for internal state (launch sessions, the OAuth2
`state` parameter, deep-link data echoes).

Encode embeds an absolute expiry derived from now+lifetime. Decode fails in
one of two distinguishable ways:

  - ErrExpiredToken: the signature is fine but the token is past its expiry.
    Callers typically react by silently re-authenticating.
  - ErrInvalidToken: the signature does not verify or the structure is
    malformed. Callers treat this as an attack or a bug.

Claims must never be read from a token that failed to decode.
*/

var (
	ErrExpiredToken = errors.New("tokens: token expired")
	ErrInvalidToken = errors.New("tokens: token invalid")
)

// Codec signs and verifies HS256 tokens with a shared secret.
// The zero value is usable; Now is a clock override for tests.
type Codec struct {
	Now func() time.Time
}

func (c *Codec) now() time.Time {
	if c.Now != nil {
		return c.Now()
	}
	return time.Now().UTC()
}

// Encode signs payload with secret, valid for lifetime from now.
// The reserved claims "exp" and "iat" are managed by the codec and must not
// appear in payload.
func (c *Codec) Encode(payload map[string]any, secret []byte, lifetime time.Duration) (string, error) {
	claims := jwt.MapClaims{}
	for k, v := range payload {
		if k == "exp" || k == "iat" {
			return "", errors.New("tokens: payload must not carry exp/iat")
		}
		claims[k] = v
	}
	now := c.now()
	claims["iat"] = now.Unix()
	claims["exp"] = now.Add(lifetime).Unix()

	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(secret)
}

// Decode verifies raw against secret and returns the original payload.
func (c *Codec) Decode(raw string, secret []byte) (map[string]any, error) {
	tok, err := jwt.Parse(raw,
		func(*jwt.Token) (any, error) { return secret, nil },
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(c.now),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrExpiredToken
		}
		return nil, ErrInvalidToken
	}
	claims, ok := tok.Claims.(jwt.MapClaims)
	if !ok {
		return nil, ErrInvalidToken
	}
	payload := make(map[string]any, len(claims))
	for k, v := range claims {
		if k == "exp" || k == "iat" {
			continue
		}
		payload[k] = v
	}
	return payload, nil
}

// internal/oauth/store.go
package oauth

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

/*
Persistent OAuth2 token storage.

One row per (registration, user, service): a user authorizing the same
external service twice replaces the previous grant rather than stacking
rows. Expiry is derived, not stored: a token is expired once the clock
passes received_at + expires_in, so reading back an old row naturally
reports it as stale.
*/

// ErrTokenNotFound is returned when no token has been saved for the owner.
var ErrTokenNotFound = errors.New("oauth: token not found")

// OwnerKey identifies whose token for which service.
type OwnerKey struct {
	RegistrationID int64
	UserID         string
	Service        string
}

// Token is a stored OAuth2 grant.
type Token struct {
	Owner        OwnerKey
	AccessToken  string
	RefreshToken string
	ReceivedAt   time.Time
	ExpiresIn    time.Duration
}

// Expired reports whether the access token has outlived expires_in.
// Tokens with no recorded lifetime never expire on their own.
func (t Token) Expired(now time.Time) bool {
	if t.ExpiresIn <= 0 {
		return false
	}
	return !now.Before(t.ReceivedAt.Add(t.ExpiresIn))
}

// Store persists one token per owner.
type Store interface {
	Get(ctx context.Context, owner OwnerKey) (Token, error)
	Save(ctx context.Context, tok Token) error
}

// SQLStore keeps tokens in the oauth2_tokens table.
type SQLStore struct {
	DB *sql.DB
}

func (s *SQLStore) Get(ctx context.Context, owner OwnerKey) (Token, error) {
	const q = `
SELECT access_token, refresh_token, received_at, expires_in
FROM oauth2_tokens
WHERE registration_id = $1 AND user_id = $2 AND service = $3`
	var (
		tok       = Token{Owner: owner}
		expiresIn int64
	)
	err := s.DB.QueryRowContext(ctx, q, owner.RegistrationID, owner.UserID, owner.Service).
		Scan(&tok.AccessToken, &tok.RefreshToken, &tok.ReceivedAt, &expiresIn)
	if errors.Is(err, sql.ErrNoRows) {
		return Token{}, fmt.Errorf("%w: user %s service %s", ErrTokenNotFound, owner.UserID, owner.Service)
	}
	if err != nil {
		return Token{}, fmt.Errorf("load oauth2 token: %w", err)
	}
	tok.ExpiresIn = time.Duration(expiresIn) * time.Second
	return tok, nil
}

func (s *SQLStore) Save(ctx context.Context, tok Token) error {
	const q = `
INSERT INTO oauth2_tokens (registration_id, user_id, service, access_token, refresh_token, received_at, expires_in)
VALUES ($1, $2, $3, $4, $5, $6, $7)
ON CONFLICT (registration_id, user_id, service) DO UPDATE SET
  access_token = EXCLUDED.access_token,
  refresh_token = EXCLUDED.refresh_token,
  received_at = EXCLUDED.received_at,
  expires_in = EXCLUDED.expires_in`
	_, err := s.DB.ExecContext(ctx, q,
		tok.Owner.RegistrationID, tok.Owner.UserID, tok.Owner.Service,
		tok.AccessToken, tok.RefreshToken, tok.ReceivedAt, int64(tok.ExpiresIn/time.Second))
	if err != nil {
		return fmt.Errorf("save oauth2 token: %w", err)
	}
	return nil
}

// internal/oauth/refresher.go
package oauth

import (
	"context"
	"fmt"
	"time"

	"golang.org/x/oauth2"
)

/*
Access token lifecycle against an external OAuth2 provider.

Exchange handles the authorization-code callback leg; Access hands out a
live token, transparently refreshing a stale one. A refresh is attempted
exactly once per Access call: providers commonly rotate refresh tokens,
so replaying a consumed one would only dig the hole deeper.
*/

// Refresher wraps a Store with grant exchange and refresh.
type Refresher struct {
	Store Store
	Now   func() time.Time
}

func (r *Refresher) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

// Exchange redeems an authorization code and persists the resulting token
// for the owner. cfg carries the provider's endpoints and client credentials.
func (r *Refresher) Exchange(ctx context.Context, cfg *oauth2.Config, owner OwnerKey, code string) (Token, error) {
	ot, err := cfg.Exchange(ctx, code)
	if err != nil {
		return Token{}, fmt.Errorf("authorization code exchange: %w", err)
	}
	tok := r.fromOAuth2(owner, ot)
	if err := r.Store.Save(ctx, tok); err != nil {
		return Token{}, err
	}
	return tok, nil
}

// Access returns a currently-valid access token for the owner. A stale token
// with a refresh token is refreshed once and the replacement saved; a stale
// token without one surfaces ErrTokenNotFound so the caller can restart the
// authorization flow.
func (r *Refresher) Access(ctx context.Context, cfg *oauth2.Config, owner OwnerKey) (Token, error) {
	tok, err := r.Store.Get(ctx, owner)
	if err != nil {
		return Token{}, err
	}
	if !tok.Expired(r.now()) {
		return tok, nil
	}
	if tok.RefreshToken == "" {
		return Token{}, fmt.Errorf("%w: expired with no refresh token", ErrTokenNotFound)
	}

	src := cfg.TokenSource(ctx, &oauth2.Token{RefreshToken: tok.RefreshToken})
	ot, err := src.Token()
	if err != nil {
		return Token{}, fmt.Errorf("refresh access token: %w", err)
	}
	fresh := r.fromOAuth2(owner, ot)
	if fresh.RefreshToken == "" {
		// Provider did not rotate; keep the one we had.
		fresh.RefreshToken = tok.RefreshToken
	}
	if err := r.Store.Save(ctx, fresh); err != nil {
		return Token{}, err
	}
	return fresh, nil
}

func (r *Refresher) fromOAuth2(owner OwnerKey, ot *oauth2.Token) Token {
	now := r.now()
	tok := Token{
		Owner:        owner,
		AccessToken:  ot.AccessToken,
		RefreshToken: ot.RefreshToken,
		ReceivedAt:   now,
	}
	if !ot.Expiry.IsZero() {
		tok.ExpiresIn = ot.Expiry.Sub(now)
	}
	return tok
}

// internal/api/http/oauth_handlers.go
package http

import (
	"context"
	"errors"
	"log"
	"net/http"

	"golang.org/x/oauth2"

	"github.com/courseloop/lti-bridge/internal/oauth"
	"github.com/courseloop/lti-bridge/internal/tokens"
)

// ProviderConfigs resolves the OAuth2 provider settings for a registration.
// Each LMS registration points at its own authorize/token endpoints.
type ProviderConfigs func(ctx context.Context, registrationID int64) (*oauth2.Config, error)

// GET /oauth/authorize — start the authorization-code flow for the API of
// the platform behind the current launch session.
func OAuthAuthorizeHandler(states *oauth.StateCodec, providers ProviderConfigs) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "launch session required", http.StatusUnauthorized)
			return
		}
		cfg, err := providers(r.Context(), sess.RegistrationID)
		if err != nil {
			http.Error(w, "no API access configured for this platform", http.StatusNotFound)
			return
		}
		state, err := states.Issue(r.Context(), sess.UserID, sess.RegistrationID)
		if err != nil {
			log.Printf("oauth state: %v", err)
			http.Error(w, "authorization error", http.StatusInternalServerError)
			return
		}
		http.Redirect(w, r, cfg.AuthCodeURL(state), http.StatusFound)
	}
}

// GET /oauth/callback — the provider's redirect back. The state parameter
// is redeemed before the code is touched; a bad state never reaches the
// token endpoint.
func OAuthCallbackHandler(states *oauth.StateCodec, refresher *oauth.Refresher, providers ProviderConfigs, service string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		q := r.URL.Query()
		claims, err := states.Redeem(r.Context(), q.Get("state"))
		switch {
		case errors.Is(err, oauth.ErrInvalidCSRF),
			errors.Is(err, tokens.ErrInvalidToken),
			errors.Is(err, tokens.ErrExpiredToken):
			http.Error(w, "authorization state invalid", http.StatusForbidden)
			return
		case err != nil:
			log.Printf("oauth state redeem: %v", err)
			http.Error(w, "authorization error", http.StatusInternalServerError)
			return
		}
		if msg := q.Get("error"); msg != "" {
			http.Error(w, "authorization denied by platform", http.StatusForbidden)
			return
		}

		cfg, err := providers(r.Context(), claims.RegistrationID)
		if err != nil {
			http.Error(w, "no API access configured for this platform", http.StatusNotFound)
			return
		}
		owner := oauth.OwnerKey{
			RegistrationID: claims.RegistrationID,
			UserID:         claims.UserID,
			Service:        service,
		}
		if _, err := refresher.Exchange(r.Context(), cfg, owner, q.Get("code")); err != nil {
			log.Printf("oauth exchange: %v", err)
			http.Error(w, "authorization failed", http.StatusBadGateway)
			return
		}
		http.Redirect(w, r, "/app/", http.StatusSeeOther)
	}
}

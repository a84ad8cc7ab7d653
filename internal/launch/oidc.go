// internal/launch/oidc.go
package launch

import (
	"context"
	"net/url"

	"github.com/google/uuid"
)

/*
OIDC login initiation, the first step of the LTI 1.3 handshake.

The platform posts iss + client_id (+ hints); we look up the matching
Registration and bounce the browser to its auth_login_url with the fixed
parameter set the IMS security spec prescribes. state and nonce are fresh
random values per redirect; the nonce comes back inside the id_token and is
consumed by the Authenticator's replay check.
*/

// LoginRequest carries the parameters of a third-party login initiation.
type LoginRequest struct {
	Issuer         string
	ClientID       string
	LoginHint      string
	LTIMessageHint string
	TargetLinkURI  string
}

// Login validates the initiation against the registration store and returns
// the redirect URL plus the state/nonce pair minted for this attempt.
// Unknown (issuer, client_id) pairs fail with registry.ErrRegistrationNotFound.
func (a *Authenticator) Login(ctx context.Context, req LoginRequest) (redirectURL, state, n string, err error) {
	reg, err := a.Registrations.FindRegistration(ctx, req.Issuer, req.ClientID)
	if err != nil {
		return "", "", "", err
	}

	state = randomValue()
	n = randomValue()

	// Fixed values per the IMS security spec authentication request.
	q := url.Values{}
	q.Set("scope", "openid")
	q.Set("response_type", "id_token")
	q.Set("response_mode", "form_post")
	q.Set("prompt", "none")
	q.Set("client_id", reg.ClientID)
	q.Set("login_hint", req.LoginHint)
	q.Set("lti_message_hint", req.LTIMessageHint)
	q.Set("state", state)
	q.Set("nonce", n)
	q.Set("redirect_uri", req.TargetLinkURI)

	return reg.AuthLoginURL + "?" + q.Encode(), state, n, nil
}

// randomValue returns an unguessable 128-bit hex value.
func randomValue() string {
	u := uuid.New()
	buf := make([]byte, 0, 32)
	const hexdigits = "0123456789abcdef"
	for _, b := range u {
		buf = append(buf, hexdigits[b>>4], hexdigits[b&0x0f])
	}
	return string(buf)
}

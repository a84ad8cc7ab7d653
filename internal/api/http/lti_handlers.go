// internal/api/http/lti_handlers.go
package http

import (
	"log"
	"net/http"
	"time"

	"github.com/courseloop/lti-bridge/internal/launch"
	"github.com/courseloop/lti-bridge/internal/product"
)

const stateCookie = "ltibridge_oidc_state"

// GET|POST /lti/login — OIDC third-party login initiation. The platform
// sends the user here first; we answer with a redirect into the platform's
// authorization endpoint carrying our state and nonce.
func OIDCLoginHandler(auth *launch.Authenticator) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		req := launch.LoginRequest{
			Issuer:         r.Form.Get("iss"),
			ClientID:       r.Form.Get("client_id"),
			LoginHint:      r.Form.Get("login_hint"),
			LTIMessageHint: r.Form.Get("lti_message_hint"),
			TargetLinkURI:  r.Form.Get("target_link_uri"),
		}
		if req.Issuer == "" || req.LoginHint == "" {
			http.Error(w, "not an OIDC login initiation", http.StatusBadRequest)
			return
		}

		redirect, state, _, err := auth.Login(r.Context(), req)
		if err != nil {
			log.Printf("oidc login: %v", err)
			http.Error(w, "unknown platform", http.StatusBadRequest)
			return
		}
		// The state comes back in the launch form; the cookie proves the
		// launch returned to the browser that started the login.
		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    state,
			Path:     "/",
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
			Expires:  time.Now().Add(10 * time.Minute),
		})
		http.Redirect(w, r, redirect, http.StatusFound)
	}
}

// launchStateBound ties an OIDC launch back to the browser that started the
// login: the form's state must equal the cookie set at login initiation, and
// both must be present. OAuth1 form launches carry no state and pass through.
func launchStateBound(r *http.Request) bool {
	if r.Form.Get("id_token") == "" {
		return true
	}
	state := r.Form.Get("state")
	if state == "" {
		return false
	}
	c, err := r.Cookie(stateCookie)
	return err == nil && c.Value == state
}

// POST /lti/launch — launch endpoint for both protocol generations. On
// success a session cookie is minted; on any verification failure the
// response is a generic rejection with no verifier detail.
func LaunchHandler(auth *launch.Authenticator, sessions *Sessions, appURL string) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			http.Error(w, "bad form", http.StatusBadRequest)
			return
		}
		if !launchStateBound(r) {
			log.Printf("launch rejected: state not bound to login cookie")
			http.Error(w, "launch could not be verified", http.StatusForbidden)
			return
		}

		user, err := auth.Authenticate(r.Context(), r)
		if err != nil {
			log.Printf("launch rejected: %v", err)
			http.Error(w, "launch could not be verified", http.StatusForbidden)
			return
		}
		// The state has done its job; a replayed form must start a new login.
		http.SetCookie(w, &http.Cookie{
			Name:     stateCookie,
			Value:    "",
			Path:     "/",
			MaxAge:   -1,
			HttpOnly: true,
			Secure:   true,
			SameSite: http.SameSiteNoneMode,
		})

		family := product.New(user.ProductFamilyCode).Family
		if err := sessions.Issue(w, sessionFromUser(user, string(family))); err != nil {
			log.Printf("session mint: %v", err)
			http.Error(w, "session error", http.StatusInternalServerError)
			return
		}

		target := appURL
		if target == "" {
			target = "/app/"
		}
		http.Redirect(w, r, target, http.StatusSeeOther)
	}
}

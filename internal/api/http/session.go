// internal/api/http/session.go
package http

import (
	"context"
	"net/http"
	"time"

	"github.com/courseloop/lti-bridge/internal/launch"
	"github.com/courseloop/lti-bridge/internal/tokens"
)

// Session is the authenticated launch context carried between requests
// after a successful launch.
type Session struct {
	UserID            string
	RegistrationID    int64
	DeploymentID      string
	ContextID         string
	Roles             []string
	LTIVersion        string
	LineItemURL       string
	LineItemsURL      string
	ResourceLinkID    string
	OutcomeServiceURL string
	ResultSourcedID   string
	ProductFamily     string
}

const sessionCookie = "ltibridge_session"

// Sessions mints and reads the launch session cookie. The cookie value is
// an HMAC-signed token, so the browser can hold it without the server
// keeping per-session state.
type Sessions struct {
	Codec    *tokens.Codec
	Secret   []byte
	Lifetime time.Duration // default 8 hours
}

func (s *Sessions) lifetime() time.Duration {
	if s.Lifetime > 0 {
		return s.Lifetime
	}
	return 8 * time.Hour
}

func (s *Sessions) Issue(w http.ResponseWriter, sess Session) error {
	value, err := s.Codec.Encode(map[string]any{
		"user":    sess.UserID,
		"reg":     sess.RegistrationID,
		"dep":     sess.DeploymentID,
		"ctx":     sess.ContextID,
		"roles":   sess.Roles,
		"ver":     sess.LTIVersion,
		"li":      sess.LineItemURL,
		"lis":     sess.LineItemsURL,
		"rl":      sess.ResourceLinkID,
		"out":     sess.OutcomeServiceURL,
		"sourced": sess.ResultSourcedID,
		"fam":     sess.ProductFamily,
	}, s.Secret, s.lifetime())
	if err != nil {
		return err
	}
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    value,
		Path:     "/",
		HttpOnly: true,
		Secure:   true,
		// Launches arrive inside LMS iframes; Lax would drop the cookie.
		SameSite: http.SameSiteNoneMode,
		Expires:  time.Now().Add(s.lifetime()),
	})
	return nil
}

func (s *Sessions) Read(r *http.Request) (Session, error) {
	c, err := r.Cookie(sessionCookie)
	if err != nil {
		return Session{}, err
	}
	payload, err := s.Codec.Decode(c.Value, s.Secret)
	if err != nil {
		return Session{}, err
	}
	sess := Session{}
	sess.UserID, _ = payload["user"].(string)
	sess.DeploymentID, _ = payload["dep"].(string)
	sess.ContextID, _ = payload["ctx"].(string)
	sess.LTIVersion, _ = payload["ver"].(string)
	sess.LineItemURL, _ = payload["li"].(string)
	sess.LineItemsURL, _ = payload["lis"].(string)
	sess.ResourceLinkID, _ = payload["rl"].(string)
	sess.OutcomeServiceURL, _ = payload["out"].(string)
	sess.ResultSourcedID, _ = payload["sourced"].(string)
	sess.ProductFamily, _ = payload["fam"].(string)
	if v, ok := payload["reg"].(float64); ok {
		sess.RegistrationID = int64(v)
	}
	if vs, ok := payload["roles"].([]any); ok {
		for _, v := range vs {
			if role, ok := v.(string); ok {
				sess.Roles = append(sess.Roles, role)
			}
		}
	}
	return sess, nil
}

type ctxKey int

const sessionKey ctxKey = 1

// SessionFromContext returns the launch session placed by RequireSession.
func SessionFromContext(ctx context.Context) (Session, bool) {
	sess, ok := ctx.Value(sessionKey).(Session)
	return sess, ok
}

// RequireSession gates a route group on a valid launch session cookie.
func RequireSession(sessions *Sessions) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			sess, err := sessions.Read(r)
			if err != nil {
				http.Error(w, "launch session required", http.StatusUnauthorized)
				return
			}
			next.ServeHTTP(w, r.WithContext(context.WithValue(r.Context(), sessionKey, sess)))
		})
	}
}

func sessionFromUser(user launch.LTIUser, family string) Session {
	return Session{
		UserID:            user.UserID,
		RegistrationID:    user.RegistrationID,
		DeploymentID:      user.DeploymentID,
		ContextID:         user.ContextID,
		Roles:             user.Roles,
		LTIVersion:        string(user.LTIVersion),
		LineItemURL:       user.LineItemURL,
		LineItemsURL:      user.LineItemsURL,
		ResourceLinkID:    user.ResourceLinkID,
		OutcomeServiceURL: user.OutcomeServiceURL,
		ResultSourcedID:   user.ResultSourcedID,
		ProductFamily:     family,
	}
}

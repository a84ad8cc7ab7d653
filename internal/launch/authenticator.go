// internal/launch/authenticator.go
package launch

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/courseloop/lti-bridge/internal/nonce"
	"github.com/courseloop/lti-bridge/internal/oauth1"
	"github.com/courseloop/lti-bridge/internal/registry"
)

/*
Launch authentication state machine.

An inbound launch starts Unverified. Signature/JWT verification moves it to
Verified, claim extraction to Authenticated; any failure lands in Rejected.
Authenticated and Rejected are terminal. Verifying the same well-formed
request twice yields the same LTIUser, except that an id_token nonce is
single-use: the second attempt is Rejected.

Rejections surface as *VerificationError carrying a short user-displayable
reason. Callers must render a generic "launch failed" page from it; verifier
internals stay out of responses.
*/

// LTI claim URIs (1EdTech).
const (
	claimMessageType = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimDeployment  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimRoles       = "https://purl.imsglobal.org/spec/lti/claim/roles"
	claimContext     = "https://purl.imsglobal.org/spec/lti/claim/context"
	claimCustom      = "https://purl.imsglobal.org/spec/lti/claim/custom"
	claimResource    = "https://purl.imsglobal.org/spec/lti/claim/resource_link"
	claimPlatform    = "https://purl.imsglobal.org/spec/lti/claim/tool_platform"

	// AGS endpoint claim, captured for the grading services.
	claimAGSEndpoint = "https://purl.imsglobal.org/spec/lti-ags/claim/endpoint"
)

// State tracks a launch attempt through verification.
type State int

const (
	StateUnverified State = iota
	StateVerified
	StateAuthenticated
	StateRejected
)

func (s State) String() string {
	switch s {
	case StateUnverified:
		return "unverified"
	case StateVerified:
		return "verified"
	case StateAuthenticated:
		return "authenticated"
	case StateRejected:
		return "rejected"
	}
	return "unknown"
}

// LTIUser is the trusted principal produced by a successful launch.
// It is constructed once per request and never mutated afterwards.
type LTIUser struct {
	UserID         string
	Roles          []string
	RegistrationID int64
	DeploymentID   string
	ContextID      string
	Name           string
	Email          string
	Custom         map[string]string
	LTIVersion     registry.LTIVersion
	ResourceLinkID string

	// ProductFamilyCode is the platform's self-reported vendor family,
	// e.g. "canvas" or "moodle". Empty when the launch omitted it.
	ProductFamilyCode string

	// AGS endpoints advertised in the launch, empty for LTI 1.1.
	LineItemsURL string
	LineItemURL  string
	AGSScopes    []string

	// LTI 1.1 grading references.
	OutcomeServiceURL string
	ResultSourcedID   string
}

// VerificationError is the terminal Rejected outcome. Reason is safe to show
// to end users; the wrapped error is for logs only.
type VerificationError struct {
	Reason string
	Err    error
}

func (e *VerificationError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("launch rejected: %s: %v", e.Reason, e.Err)
	}
	return "launch rejected: " + e.Reason
}

func (e *VerificationError) Unwrap() error { return e.Err }

// Authenticator verifies inbound launches for both protocol generations.
type Authenticator struct {
	Registrations registry.Store
	Keys          *KeysetFetcher
	Nonces        nonce.Store

	// NonceTTL must cover the id_token expiry window; default 1 hour.
	NonceTTL time.Duration
	Now      func() time.Time
}

func (a *Authenticator) now() time.Time {
	if a.Now != nil {
		return a.Now()
	}
	return time.Now().UTC()
}

func (a *Authenticator) nonceTTL() time.Duration {
	if a.NonceTTL > 0 {
		return a.NonceTTL
	}
	return time.Hour
}

type attempt struct {
	state State
}

func (at *attempt) reject(reason string, err error) (LTIUser, error) {
	at.state = StateRejected
	return LTIUser{}, &VerificationError{Reason: reason, Err: err}
}

// Authenticate verifies the raw launch request and returns the trusted
// principal. The protocol generation is detected from the request: a JWT
// id_token parameter selects LTI 1.3, its absence LTI 1.1.
func (a *Authenticator) Authenticate(ctx context.Context, r *http.Request) (LTIUser, error) {
	at := &attempt{state: StateUnverified}
	if err := r.ParseForm(); err != nil {
		return at.reject("malformed launch request", err)
	}
	if idToken := strings.TrimSpace(r.Form.Get("id_token")); idToken != "" {
		return a.authenticate13(ctx, at, idToken)
	}
	return a.authenticate11(ctx, at, r)
}

func (a *Authenticator) authenticate13(ctx context.Context, at *attempt, idToken string) (LTIUser, error) {
	iss, aud, err := peekIssuerAudience(idToken)
	if err != nil {
		return at.reject("malformed id_token", err)
	}
	reg, err := a.Registrations.FindRegistration(ctx, iss, aud)
	if err != nil {
		return at.reject("unknown registration", err)
	}

	claims := jwt.MapClaims{}
	parser := jwt.NewParser(
		jwt.WithValidMethods([]string{jwt.SigningMethodRS256.Alg()}),
		jwt.WithIssuer(reg.Issuer),
		jwt.WithAudience(reg.ClientID),
		jwt.WithTimeFunc(a.now),
		jwt.WithExpirationRequired(),
	)
	_, err = parser.ParseWithClaims(idToken, claims, func(t *jwt.Token) (any, error) {
		kid, _ := t.Header["kid"].(string)
		if kid == "" {
			return nil, errors.New("id_token header missing kid")
		}
		return a.Keys.Key(ctx, reg.KeySetURL, kid)
	})
	if err != nil {
		return at.reject("id_token verification failed", err)
	}
	at.state = StateVerified

	n, _ := claims["nonce"].(string)
	if n == "" {
		return at.reject("id_token missing nonce", nil)
	}
	fresh, err := a.Nonces.Use(ctx, "launch_nonce", n, a.nonceTTL())
	if err != nil {
		return at.reject("nonce check unavailable", err)
	}
	if !fresh {
		return at.reject("replayed launch", nil)
	}

	deploymentID, _ := claims[claimDeployment].(string)
	if deploymentID == "" {
		return at.reject("launch missing deployment_id", nil)
	}
	if _, err := a.Registrations.FindDeployment(ctx, reg.ID, deploymentID); err != nil {
		return at.reject("unknown deployment", err)
	}

	sub, _ := claims["sub"].(string)
	if sub == "" {
		return at.reject("launch missing subject", nil)
	}

	user := LTIUser{
		UserID:            sub,
		Roles:             stringSlice(claims[claimRoles]),
		RegistrationID:    reg.ID,
		DeploymentID:      deploymentID,
		ContextID:         nestedString(claims[claimContext], "id"),
		Name:              stringClaim(claims, "name"),
		Email:             stringClaim(claims, "email"),
		Custom:            stringMap(claims[claimCustom]),
		LTIVersion:        registry.LTI13,
		ResourceLinkID:    nestedString(claims[claimResource], "id"),
		ProductFamilyCode: nestedString(claims[claimPlatform], "product_family_code"),
	}
	if ep, ok := claims[claimAGSEndpoint].(map[string]any); ok {
		user.LineItemsURL, _ = ep["lineitems"].(string)
		user.LineItemURL, _ = ep["lineitem"].(string)
		user.AGSScopes = stringSlice(ep["scope"])
	}

	at.state = StateAuthenticated
	return user, nil
}

func (a *Authenticator) authenticate11(ctx context.Context, at *attempt, r *http.Request) (LTIUser, error) {
	params := r.Form
	consumerKey := params.Get("oauth_consumer_key")
	if consumerKey == "" {
		return at.reject("not an LTI launch", nil)
	}
	reg, err := a.Registrations.FindRegistrationByConsumerKey(ctx, consumerKey)
	if err != nil {
		return at.reject("unknown consumer key", err)
	}

	if err := oauth1.Verify(r.Method, requestURL(r), params, reg.SharedSecret, a.now()); err != nil {
		return at.reject("launch signature invalid", err)
	}
	at.state = StateVerified

	fresh, err := a.Nonces.Use(ctx, "oauth1_nonce", consumerKey+"|"+params.Get("oauth_nonce"), oauth1.TimestampWindow)
	if err != nil {
		return at.reject("nonce check unavailable", err)
	}
	if !fresh {
		return at.reject("replayed launch", nil)
	}

	userID := params.Get("user_id")
	if userID == "" {
		return at.reject("launch missing user_id", nil)
	}

	custom := map[string]string{}
	for k := range params {
		if strings.HasPrefix(k, "custom_") {
			custom[strings.TrimPrefix(k, "custom_")] = params.Get(k)
		}
	}
	var roles []string
	for _, role := range strings.Split(params.Get("roles"), ",") {
		if role = strings.TrimSpace(role); role != "" {
			roles = append(roles, role)
		}
	}

	at.state = StateAuthenticated
	return LTIUser{
		UserID:            userID,
		Roles:             roles,
		RegistrationID:    reg.ID,
		ContextID:         params.Get("context_id"),
		Name:              params.Get("lis_person_name_full"),
		Email:             params.Get("lis_person_contact_email_primary"),
		Custom:            custom,
		LTIVersion:        registry.LTI11,
		ResourceLinkID:    params.Get("resource_link_id"),
		ProductFamilyCode: params.Get("tool_consumer_info_product_family_code"),
		OutcomeServiceURL: params.Get("lis_outcome_service_url"),
		ResultSourcedID:   params.Get("lis_result_sourcedid"),
	}, nil
}

// peekIssuerAudience reads iss/aud without verifying; the values are only
// used to pick the Registration whose keys then verify the token proper.
func peekIssuerAudience(idToken string) (iss, aud string, err error) {
	claims := jwt.MapClaims{}
	if _, _, err = jwt.NewParser().ParseUnverified(idToken, claims); err != nil {
		return "", "", err
	}
	iss, err = claims.GetIssuer()
	if err != nil || iss == "" {
		return "", "", errors.New("id_token missing iss")
	}
	auds, err := claims.GetAudience()
	if err != nil || len(auds) == 0 {
		return "", "", errors.New("id_token missing aud")
	}
	return iss, auds[0], nil
}

func requestURL(r *http.Request) string {
	scheme := "https"
	if xf := r.Header.Get("X-Forwarded-Proto"); xf != "" {
		scheme = strings.TrimSpace(strings.Split(xf, ",")[0])
	} else if r.TLS == nil {
		scheme = "http"
	}
	return scheme + "://" + r.Host + r.URL.Path
}

func stringClaim(claims jwt.MapClaims, key string) string {
	s, _ := claims[key].(string)
	return s
}

func stringSlice(v any) []string {
	items, ok := v.([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(items))
	for _, it := range items {
		if s, ok := it.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func stringMap(v any) map[string]string {
	items, ok := v.(map[string]any)
	if !ok {
		return nil
	}
	out := make(map[string]string, len(items))
	for k, it := range items {
		if s, ok := it.(string); ok {
			out[k] = s
		}
	}
	return out
}

func nestedString(v any, key string) string {
	m, ok := v.(map[string]any)
	if !ok {
		return ""
	}
	s, _ := m[key].(string)
	return s
}

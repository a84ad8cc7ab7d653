package launch

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/courseloop/lti-bridge/internal/nonce"
	"github.com/courseloop/lti-bridge/internal/oauth1"
	"github.com/courseloop/lti-bridge/internal/registry"
)

/* ------------------------- fakes and fixtures ------------------------------ */

type fakeRegistry struct {
	regs        map[string]registry.Registration // issuer|clientID
	byConsumer  map[string]registry.Registration
	deployments map[string]bool // regID|deploymentID
}

func (f *fakeRegistry) FindRegistration(_ context.Context, issuer, clientID string) (registry.Registration, error) {
	r, ok := f.regs[issuer+"|"+clientID]
	if !ok {
		return registry.Registration{}, registry.ErrRegistrationNotFound
	}
	return r, nil
}

func (f *fakeRegistry) FindRegistrationByID(_ context.Context, id int64) (registry.Registration, error) {
	for _, r := range f.regs {
		if r.ID == id {
			return r, nil
		}
	}
	return registry.Registration{}, registry.ErrRegistrationNotFound
}

func (f *fakeRegistry) FindRegistrationByConsumerKey(_ context.Context, key string) (registry.Registration, error) {
	r, ok := f.byConsumer[key]
	if !ok {
		return registry.Registration{}, registry.ErrRegistrationNotFound
	}
	return r, nil
}

func (f *fakeRegistry) FindDeployment(_ context.Context, regID int64, depID string) (registry.Deployment, error) {
	if !f.deployments[strconv.FormatInt(regID, 10)+"|"+depID] {
		return registry.Deployment{}, registry.ErrDeploymentNotFound
	}
	return registry.Deployment{RegistrationID: regID, DeploymentID: depID}, nil
}

type fixture struct {
	auth   *Authenticator
	reg    registry.Registration
	key    *rsa.PrivateKey
	jwks   *httptest.Server
	now    time.Time
	launch string // launch endpoint URL used in requests
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		t.Fatalf("generate key: %v", err)
	}

	jwks := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		doc := map[string]any{"keys": []map[string]any{{
			"kty": "RSA",
			"kid": "kid-1",
			"alg": "RS256",
			"use": "sig",
			"n":   base64.RawURLEncoding.EncodeToString(key.N.Bytes()),
			"e":   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(key.E)).Bytes()),
		}}}
		_ = json.NewEncoder(w).Encode(doc)
	}))
	t.Cleanup(jwks.Close)

	reg := registry.Registration{
		ID:         7,
		LTIVersion: registry.LTI13,
		Issuer:     "https://lms.example.com",
		ClientID:   "client-1",
		KeySetURL:  jwks.URL,
	}
	reg11 := registry.Registration{
		ID:           8,
		LTIVersion:   registry.LTI11,
		ConsumerKey:  "consumer-1",
		SharedSecret: "secret-1",
	}
	regs := &fakeRegistry{
		regs:        map[string]registry.Registration{reg.Issuer + "|" + reg.ClientID: reg},
		byConsumer:  map[string]registry.Registration{reg11.ConsumerKey: reg11},
		deployments: map[string]bool{"7|dep-1": true},
	}

	now := time.Date(2026, 8, 1, 10, 0, 0, 0, time.UTC)
	auth := &Authenticator{
		Registrations: regs,
		Keys:          NewKeysetFetcher(jwks.Client()),
		Nonces:        nonce.NewInMemory(0),
		Now:           func() time.Time { return now },
	}
	return &fixture{auth: auth, reg: reg, key: key, jwks: jwks, now: now,
		launch: "https://tool.example.com/lti/launch"}
}

func (f *fixture) idToken(t *testing.T, mutate func(jwt.MapClaims)) string {
	t.Helper()
	claims := jwt.MapClaims{
		"iss":   f.reg.Issuer,
		"aud":   f.reg.ClientID,
		"sub":   "user-42",
		"iat":   f.now.Unix(),
		"exp":   f.now.Add(5 * time.Minute).Unix(),
		"nonce": "nonce-" + strconv.FormatInt(time.Now().UnixNano(), 36),
		"name":  "Ada Learner",
		"email": "ada@example.com",
		claimDeployment: "dep-1",
		claimRoles: []any{
			"http://purl.imsglobal.org/vocab/lis/v2/membership#Learner",
		},
		claimContext: map[string]any{"id": "course-9"},
		claimCustom:  map[string]any{"assignment": "a-1"},
		claimAGSEndpoint: map[string]any{
			"lineitems": "https://lms.example.com/courses/9/line_items",
			"scope":     []any{"https://purl.imsglobal.org/spec/lti-ags/scope/score"},
		},
	}
	if mutate != nil {
		mutate(claims)
	}
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = "kid-1"
	raw, err := tok.SignedString(f.key)
	if err != nil {
		t.Fatalf("sign id_token: %v", err)
	}
	return raw
}

func launchRequest(rawURL string, form url.Values) *http.Request {
	r := httptest.NewRequest(http.MethodPost, rawURL, strings.NewReader(form.Encode()))
	r.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	return r
}

/* ------------------------------- LTI 1.3 ----------------------------------- */

func TestAuthenticate13_Valid(t *testing.T) {
	f := newFixture(t)
	form := url.Values{"id_token": {f.idToken(t, nil)}}

	user, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, form))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.UserID != "user-42" || user.RegistrationID != 7 || user.DeploymentID != "dep-1" {
		t.Fatalf("principal mismatch: %+v", user)
	}
	if user.ContextID != "course-9" || user.Custom["assignment"] != "a-1" {
		t.Fatalf("claims not extracted: %+v", user)
	}
	if user.LineItemsURL == "" || len(user.AGSScopes) != 1 {
		t.Fatalf("AGS endpoint not captured: %+v", user)
	}
	if user.LTIVersion != registry.LTI13 {
		t.Fatalf("version: %v", user.LTIVersion)
	}
}

func TestAuthenticate13_ReplayedNonce(t *testing.T) {
	f := newFixture(t)
	idTok := f.idToken(t, func(c jwt.MapClaims) { c["nonce"] = "fixed-nonce" })

	if _, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {idTok}})); err != nil {
		t.Fatalf("first launch: %v", err)
	}
	// Same id_token again: signature verification alone would pass, but the
	// nonce has been consumed.
	_, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {idTok}}))
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("want VerificationError, got %v", err)
	}
}

func TestAuthenticate13_TamperedSignature(t *testing.T) {
	f := newFixture(t)
	idTok := f.idToken(t, nil)
	i := strings.LastIndexByte(idTok, '.') + 1
	b := []byte(idTok)
	if b[i] == 'A' {
		b[i] = 'B'
	} else {
		b[i] = 'A'
	}

	_, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {string(b)}}))
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("want VerificationError, got %v", err)
	}
}

func TestAuthenticate13_Expired(t *testing.T) {
	f := newFixture(t)
	idTok := f.idToken(t, func(c jwt.MapClaims) {
		c["exp"] = f.now.Add(-time.Minute).Unix()
	})
	if _, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {idTok}})); err == nil {
		t.Fatal("expired id_token must be rejected")
	}
}

func TestAuthenticate13_UnknownRegistration(t *testing.T) {
	f := newFixture(t)
	idTok := f.idToken(t, func(c jwt.MapClaims) { c["iss"] = "https://other.example.com" })

	_, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {idTok}}))
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("want VerificationError, got %v", err)
	}
	if !errors.Is(err, registry.ErrRegistrationNotFound) {
		t.Fatalf("cause should be registration lookup, got %v", err)
	}
}

func TestAuthenticate13_UnknownDeployment(t *testing.T) {
	f := newFixture(t)
	idTok := f.idToken(t, func(c jwt.MapClaims) { c[claimDeployment] = "dep-unknown" })
	if _, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {idTok}})); err == nil {
		t.Fatal("unknown deployment must be rejected")
	}
}

func TestAuthenticate13_Idempotent(t *testing.T) {
	f := newFixture(t)
	// Two tokens identical except for their nonces: both authenticate and
	// yield the same principal.
	a := f.idToken(t, func(c jwt.MapClaims) { c["nonce"] = "n-a" })
	b := f.idToken(t, func(c jwt.MapClaims) { c["nonce"] = "n-b" })

	ua, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {a}}))
	if err != nil {
		t.Fatalf("a: %v", err)
	}
	ub, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, url.Values{"id_token": {b}}))
	if err != nil {
		t.Fatalf("b: %v", err)
	}
	if ua.UserID != ub.UserID || ua.DeploymentID != ub.DeploymentID {
		t.Fatalf("principals differ: %+v vs %+v", ua, ub)
	}
}

/* ------------------------------- LTI 1.1 ----------------------------------- */

func TestAuthenticate11_Valid(t *testing.T) {
	f := newFixture(t)
	form := url.Values{}
	form.Set("oauth_consumer_key", "consumer-1")
	form.Set("oauth_nonce", "n-11")
	form.Set("oauth_signature_method", oauth1.SignatureMethodHMACSHA1)
	form.Set("oauth_timestamp", strconv.FormatInt(f.now.Unix(), 10))
	form.Set("oauth_version", "1.0")
	form.Set("lti_message_type", "basic-lti-launch-request")
	form.Set("user_id", "legacy-user")
	form.Set("roles", "Instructor, urn:lti:instrole:ims/lis/Staff")
	form.Set("context_id", "course-legacy")
	form.Set("custom_assignment", "a-2")
	form.Set("lis_outcome_service_url", "https://lms.example.com/outcomes")
	form.Set("lis_result_sourcedid", "sourced-1")
	form.Set("oauth_signature", oauth1.Signature("POST", f.launch, form, "secret-1"))

	user, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, form))
	if err != nil {
		t.Fatalf("authenticate: %v", err)
	}
	if user.UserID != "legacy-user" || user.LTIVersion != registry.LTI11 {
		t.Fatalf("principal: %+v", user)
	}
	if len(user.Roles) != 2 || user.Custom["assignment"] != "a-2" {
		t.Fatalf("claims: %+v", user)
	}
	if user.OutcomeServiceURL == "" || user.ResultSourcedID != "sourced-1" {
		t.Fatalf("outcome refs: %+v", user)
	}
}

func TestAuthenticate11_BadSignature(t *testing.T) {
	f := newFixture(t)
	form := url.Values{}
	form.Set("oauth_consumer_key", "consumer-1")
	form.Set("oauth_nonce", "n-bad")
	form.Set("oauth_signature_method", oauth1.SignatureMethodHMACSHA1)
	form.Set("oauth_timestamp", strconv.FormatInt(f.now.Unix(), 10))
	form.Set("user_id", "legacy-user")
	form.Set("oauth_signature", "bm90IHJlYWw=")

	_, err := f.auth.Authenticate(context.Background(), launchRequest(f.launch, form))
	var verr *VerificationError
	if !errors.As(err, &verr) {
		t.Fatalf("want VerificationError, got %v", err)
	}
}

/* --------------------------------- OIDC ------------------------------------ */

func TestLogin_RedirectParams(t *testing.T) {
	f := newFixture(t)
	f.reg.AuthLoginURL = "https://lms.example.com/api/lti/authorize_redirect"
	f.auth.Registrations.(*fakeRegistry).regs[f.reg.Issuer+"|"+f.reg.ClientID] = f.reg

	redirect, state, n, err := f.auth.Login(context.Background(), LoginRequest{
		Issuer:         f.reg.Issuer,
		ClientID:       f.reg.ClientID,
		LoginHint:      "hint-1",
		LTIMessageHint: "mh-1",
		TargetLinkURI:  "https://tool.example.com/lti/launch",
	})
	if err != nil {
		t.Fatalf("login: %v", err)
	}
	u, err := url.Parse(redirect)
	if err != nil {
		t.Fatalf("parse redirect: %v", err)
	}
	q := u.Query()
	for k, want := range map[string]string{
		"scope":            "openid",
		"response_type":    "id_token",
		"response_mode":    "form_post",
		"prompt":           "none",
		"client_id":        "client-1",
		"login_hint":       "hint-1",
		"lti_message_hint": "mh-1",
		"redirect_uri":     "https://tool.example.com/lti/launch",
	} {
		if q.Get(k) != want {
			t.Fatalf("param %s = %q, want %q", k, q.Get(k), want)
		}
	}
	if len(state) < 32 || len(n) < 32 {
		t.Fatalf("state/nonce too short: %q %q", state, n)
	}
	if state == n {
		t.Fatal("state and nonce must be independent values")
	}
}

func TestLogin_UnknownRegistration(t *testing.T) {
	f := newFixture(t)
	_, _, _, err := f.auth.Login(context.Background(), LoginRequest{Issuer: "https://nobody", ClientID: "x"})
	if !errors.Is(err, registry.ErrRegistrationNotFound) {
		t.Fatalf("want ErrRegistrationNotFound, got %v", err)
	}
}

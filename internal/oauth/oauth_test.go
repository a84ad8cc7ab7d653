package oauth

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"golang.org/x/oauth2"

	"github.com/courseloop/lti-bridge/internal/tokens"
)

type memStore struct {
	mu   sync.Mutex
	rows map[OwnerKey]Token
}

func (m *memStore) Get(_ context.Context, owner OwnerKey) (Token, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	tok, ok := m.rows[owner]
	if !ok {
		return Token{}, ErrTokenNotFound
	}
	return tok, nil
}

func (m *memStore) Save(_ context.Context, tok Token) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.rows == nil {
		m.rows = make(map[OwnerKey]Token)
	}
	m.rows[tok.Owner] = tok
	return nil
}

var owner = OwnerKey{RegistrationID: 1, UserID: "u-1", Service: "lms_api"}

func TestTokenExpired(t *testing.T) {
	now := time.Date(2026, 8, 1, 12, 0, 0, 0, time.UTC)
	tok := Token{ReceivedAt: now, ExpiresIn: time.Hour}

	if tok.Expired(now.Add(59 * time.Minute)) {
		t.Fatal("token expired early")
	}
	if !tok.Expired(now.Add(time.Hour)) {
		t.Fatal("token live at exact expiry instant")
	}
	if (Token{ReceivedAt: now}).Expired(now.Add(1000 * time.Hour)) {
		t.Fatal("token with no lifetime must not expire")
	}
}

func TestSaveReplacesPerOwner(t *testing.T) {
	store := &memStore{}
	ctx := context.Background()
	now := time.Now()

	first := Token{Owner: owner, AccessToken: "a1", ReceivedAt: now, ExpiresIn: time.Hour}
	second := Token{Owner: owner, AccessToken: "a2", ReceivedAt: now.Add(time.Minute), ExpiresIn: time.Hour}
	if err := store.Save(ctx, first); err != nil {
		t.Fatal(err)
	}
	if err := store.Save(ctx, second); err != nil {
		t.Fatal(err)
	}
	got, err := store.Get(ctx, owner)
	if err != nil {
		t.Fatal(err)
	}
	if got.AccessToken != "a2" {
		t.Fatalf("second save did not replace: %+v", got)
	}
}

func tokenEndpoint(t *testing.T, refreshes *atomic.Int32, fail bool) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			t.Errorf("parse token form: %v", err)
		}
		switch r.Form.Get("grant_type") {
		case "authorization_code":
			if r.Form.Get("code") != "code-1" {
				w.WriteHeader(http.StatusBadRequest)
				return
			}
		case "refresh_token":
			refreshes.Add(1)
			if fail {
				w.WriteHeader(http.StatusBadRequest)
				_, _ = w.Write([]byte(`{"error":"invalid_grant"}`))
				return
			}
		default:
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{
			"access_token":  "fresh-access",
			"refresh_token": "fresh-refresh",
			"token_type":    "Bearer",
			"expires_in":    3600,
		})
	}))
}

func providerConfig(srv *httptest.Server) *oauth2.Config {
	return &oauth2.Config{
		ClientID:     "cid",
		ClientSecret: "csecret",
		Endpoint:     oauth2.Endpoint{TokenURL: srv.URL, AuthStyle: oauth2.AuthStyleInParams},
	}
}

func TestExchangeSavesToken(t *testing.T) {
	var refreshes atomic.Int32
	srv := tokenEndpoint(t, &refreshes, false)
	defer srv.Close()

	store := &memStore{}
	r := &Refresher{Store: store}
	tok, err := r.Exchange(context.Background(), providerConfig(srv), owner, "code-1")
	if err != nil {
		t.Fatalf("exchange: %v", err)
	}
	if tok.AccessToken != "fresh-access" || tok.RefreshToken != "fresh-refresh" {
		t.Fatalf("token: %+v", tok)
	}
	if saved, _ := store.Get(context.Background(), owner); saved.AccessToken != "fresh-access" {
		t.Fatalf("not persisted: %+v", saved)
	}
}

func TestAccessLiveTokenNoRefresh(t *testing.T) {
	var refreshes atomic.Int32
	srv := tokenEndpoint(t, &refreshes, false)
	defer srv.Close()

	store := &memStore{}
	now := time.Now()
	_ = store.Save(context.Background(), Token{
		Owner: owner, AccessToken: "live", RefreshToken: "r", ReceivedAt: now, ExpiresIn: time.Hour,
	})
	r := &Refresher{Store: store, Now: func() time.Time { return now }}

	tok, err := r.Access(context.Background(), providerConfig(srv), owner)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "live" {
		t.Fatalf("live token replaced: %+v", tok)
	}
	if refreshes.Load() != 0 {
		t.Fatal("refreshed a live token")
	}
}

func TestAccessRefreshesStaleToken(t *testing.T) {
	var refreshes atomic.Int32
	srv := tokenEndpoint(t, &refreshes, false)
	defer srv.Close()

	store := &memStore{}
	received := time.Now().Add(-2 * time.Hour)
	_ = store.Save(context.Background(), Token{
		Owner: owner, AccessToken: "stale", RefreshToken: "r", ReceivedAt: received, ExpiresIn: time.Hour,
	})
	r := &Refresher{Store: store}

	tok, err := r.Access(context.Background(), providerConfig(srv), owner)
	if err != nil {
		t.Fatal(err)
	}
	if tok.AccessToken != "fresh-access" {
		t.Fatalf("token not refreshed: %+v", tok)
	}
	if refreshes.Load() != 1 {
		t.Fatalf("refresh count %d, want 1", refreshes.Load())
	}
	if saved, _ := store.Get(context.Background(), owner); saved.AccessToken != "fresh-access" {
		t.Fatal("refreshed token not saved")
	}
}

func TestAccessRefreshFailureSurfacesOnce(t *testing.T) {
	var refreshes atomic.Int32
	srv := tokenEndpoint(t, &refreshes, true)
	defer srv.Close()

	store := &memStore{}
	_ = store.Save(context.Background(), Token{
		Owner: owner, AccessToken: "stale", RefreshToken: "dead",
		ReceivedAt: time.Now().Add(-2 * time.Hour), ExpiresIn: time.Hour,
	})
	r := &Refresher{Store: store}

	if _, err := r.Access(context.Background(), providerConfig(srv), owner); err == nil {
		t.Fatal("expected refresh failure")
	}
	if refreshes.Load() != 1 {
		t.Fatalf("refresh attempted %d times, want exactly 1", refreshes.Load())
	}
	// The dead grant stays put; the caller decides whether to reauthorize.
	if saved, _ := store.Get(context.Background(), owner); saved.AccessToken != "stale" {
		t.Fatalf("store mutated on failure: %+v", saved)
	}
}

func TestAccessExpiredWithoutRefreshToken(t *testing.T) {
	store := &memStore{}
	_ = store.Save(context.Background(), Token{
		Owner: owner, AccessToken: "stale",
		ReceivedAt: time.Now().Add(-2 * time.Hour), ExpiresIn: time.Hour,
	})
	r := &Refresher{Store: store}
	_, err := r.Access(context.Background(), nil, owner)
	if !errors.Is(err, ErrTokenNotFound) {
		t.Fatalf("want ErrTokenNotFound, got %v", err)
	}
}

/* ------------------------------ state param -------------------------------- */

func newStateCodec() *StateCodec {
	return &StateCodec{
		Codec:  &tokens.Codec{},
		Secret: []byte("state-secret"),
		Stash:  &MemStash{},
	}
}

func TestStateRoundTrip(t *testing.T) {
	c := newStateCodec()
	ctx := context.Background()

	state, err := c.Issue(ctx, "u-1", 7)
	if err != nil {
		t.Fatal(err)
	}
	claims, err := c.Redeem(ctx, state)
	if err != nil {
		t.Fatalf("redeem: %v", err)
	}
	if claims.UserID != "u-1" || claims.RegistrationID != 7 {
		t.Fatalf("claims: %+v", claims)
	}
}

func TestStateSingleUse(t *testing.T) {
	c := newStateCodec()
	ctx := context.Background()

	state, _ := c.Issue(ctx, "u-1", 7)
	if _, err := c.Redeem(ctx, state); err != nil {
		t.Fatal(err)
	}
	if _, err := c.Redeem(ctx, state); !errors.Is(err, ErrInvalidCSRF) {
		t.Fatalf("second redeem: want ErrInvalidCSRF, got %v", err)
	}
}

func TestStateForgedSecret(t *testing.T) {
	c := newStateCodec()
	ctx := context.Background()

	// Signed by someone who knows the HMAC secret but not the stashed CSRF
	// value: structurally valid, still rejected.
	forged, err := c.Codec.Encode(map[string]any{
		"user": "u-1", "reg": int64(7), "csrf": "guess", "aid": "unknown-attempt",
	}, c.Secret, time.Hour)
	if err != nil {
		t.Fatal(err)
	}
	if _, err := c.Redeem(ctx, forged); !errors.Is(err, ErrInvalidCSRF) {
		t.Fatalf("want ErrInvalidCSRF, got %v", err)
	}
}

func TestStateBadSignature(t *testing.T) {
	c := newStateCodec()
	ctx := context.Background()

	state, _ := c.Issue(ctx, "u-1", 7)
	wrong := &StateCodec{Codec: c.Codec, Secret: []byte("other"), Stash: c.Stash}
	if _, err := wrong.Redeem(ctx, state); !errors.Is(err, tokens.ErrInvalidToken) {
		t.Fatalf("want ErrInvalidToken, got %v", err)
	}
}

func TestStateExpired(t *testing.T) {
	now := time.Now()
	codec := &tokens.Codec{Now: func() time.Time { return now }}
	c := &StateCodec{Codec: codec, Secret: []byte("s"), Stash: &MemStash{}, Lifetime: time.Minute}
	ctx := context.Background()

	state, _ := c.Issue(ctx, "u-1", 7)
	now = now.Add(2 * time.Minute)
	if _, err := c.Redeem(ctx, state); !errors.Is(err, tokens.ErrExpiredToken) {
		t.Fatalf("want ErrExpiredToken, got %v", err)
	}
}

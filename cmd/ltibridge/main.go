package main

import (
	"context"
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"golang.org/x/oauth2"

	api "github.com/courseloop/lti-bridge/internal/api/http"
	"github.com/courseloop/lti-bridge/internal/config"
	"github.com/courseloop/lti-bridge/internal/db"
	"github.com/courseloop/lti-bridge/internal/deeplink"
	"github.com/courseloop/lti-bridge/internal/gradesync"
	"github.com/courseloop/lti-bridge/internal/grading"
	"github.com/courseloop/lti-bridge/internal/launch"
	"github.com/courseloop/lti-bridge/internal/ltia"
	"github.com/courseloop/lti-bridge/internal/nonce"
	"github.com/courseloop/lti-bridge/internal/oauth"
	"github.com/courseloop/lti-bridge/internal/registry"
	"github.com/courseloop/lti-bridge/internal/tokens"
)

func main() {
	_ = godotenv.Load()
	cfg := config.FromEnv()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	dbh, err := db.Open(ctx, db.Driver(cfg.DBDriver), cfg.DBDSN)
	if err != nil {
		log.Fatalf("db open failed: %v", err)
	}

	toolKey, err := loadRSAKey(cfg.ToolKeyPath)
	if err != nil {
		log.Fatalf("tool key: %v", err)
	}

	// Shared stores when Redis is configured, in-process otherwise.
	var (
		nonces nonce.Store = nonce.NewInMemory(0)
		stash  oauth.StateStash = &oauth.MemStash{}
	)
	if cfg.RedisURL != "" {
		opts, err := redis.ParseURL(cfg.RedisURL)
		if err != nil {
			log.Fatalf("redis url: %v", err)
		}
		rdb := redis.NewClient(opts)
		if err := rdb.Ping(ctx).Err(); err != nil {
			log.Fatalf("redis ping: %v", err)
		}
		nonces = &nonce.Redis{Client: rdb, Prefix: "ltibridge"}
		stash = &oauth.RedisStash{Client: rdb, Prefix: "ltibridge:oauth_state"}
	}

	regs := &registry.SQLStore{DB: dbh}
	codec := &tokens.Codec{}
	secret := []byte(cfg.SessionSecret)

	authn := &launch.Authenticator{
		Registrations: regs,
		Keys:          launch.NewKeysetFetcher(nil),
		Nonces:        nonces,
		NonceTTL:      cfg.NonceTTL,
	}
	sessions := &api.Sessions{Codec: codec, Secret: secret, Lifetime: cfg.SessionLifetime}
	states := &oauth.StateCodec{Codec: codec, Secret: secret, Stash: stash}
	refresher := &oauth.Refresher{Store: &oauth.SQLStore{DB: dbh}}
	svcClient := &ltia.Client{Key: toolKey, KeyID: cfg.ToolKeyID}

	gradingFor := func(ctx context.Context, sess api.Session) (grading.Service, error) {
		reg, err := regs.FindRegistrationByID(ctx, sess.RegistrationID)
		if err != nil {
			return nil, err
		}
		return gradingService(svcClient, reg, sess.LTIVersion, sess.LineItemURL, sess.LineItemsURL, sess.OutcomeServiceURL)
	}

	syncStore := &gradesync.SQLStore{DB: dbh}
	syncer := gradesync.New(syncStore, func(ctx context.Context, sub gradesync.Submission, lineItemURL string) (grading.Service, error) {
		reg, err := regs.FindRegistrationByID(ctx, sub.RegistrationID)
		if err != nil {
			return nil, err
		}
		return gradingService(svcClient, reg, string(reg.LTIVersion), lineItemURL, "", "")
	})

	providers := func(ctx context.Context, registrationID int64) (*oauth2.Config, error) {
		reg, err := regs.FindRegistrationByID(ctx, registrationID)
		if err != nil {
			return nil, err
		}
		if reg.TokenURL == "" {
			return nil, fmt.Errorf("registration %d has no token endpoint", registrationID)
		}
		return &oauth2.Config{
			ClientID:    reg.ClientID,
			Endpoint:    oauth2.Endpoint{AuthURL: reg.AuthLoginURL, TokenURL: reg.TokenURL},
			RedirectURL: cfg.PublicURL + "/oauth/callback",
		}, nil
	}

	router := api.NewRouter(api.Deps{
		Authenticator: authn,
		Sessions:      sessions,
		Registrations: regs,
		States:        states,
		Refresher:     refresher,
		Providers:     providers,
		Grading:       gradingFor,
		Syncer:        syncer,
		DeepLink:      &deeplink.Responder{Key: toolKey, KeyID: cfg.ToolKeyID},
		ToolKeys:      api.JWKS{Keys: []api.JWK{api.FromRSA(&toolKey.PublicKey, cfg.ToolKeyID)}},

		AppURL:         cfg.AppURL,
		OAuthService:   cfg.OAuthService,
		AllowedOrigins: cfg.CORSOrigins,
	})

	log.Printf("listening on %s", cfg.HTTPAddr)
	if err := http.ListenAndServe(cfg.HTTPAddr, router); err != nil {
		log.Fatalf("http server: %v", err)
	}
}

func gradingService(client *ltia.Client, reg registry.Registration, version, lineItemURL, lineItemsURL, outcomeURL string) (grading.Service, error) {
	switch version {
	case string(registry.LTI11):
		if outcomeURL == "" {
			return nil, errors.New("launch carried no outcome service url")
		}
		return &grading.V11{Registration: reg, OutcomeServiceURL: outcomeURL}, nil
	default:
		return &grading.V13{
			Client:       client,
			Registration: reg,
			LineItemURL:  lineItemURL,
			LineItemsURL: lineItemsURL,
		}, nil
	}
}

func loadRSAKey(path string) (*rsa.PrivateKey, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	block, _ := pem.Decode(raw)
	if block == nil {
		return nil, errors.New("no PEM block in " + path)
	}
	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}
	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, err
	}
	key, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("tool key is not RSA")
	}
	return key, nil
}

// internal/api/http/router.go
package http

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/courseloop/lti-bridge/internal/deeplink"
	"github.com/courseloop/lti-bridge/internal/gradesync"
	"github.com/courseloop/lti-bridge/internal/launch"
	"github.com/courseloop/lti-bridge/internal/oauth"
	"github.com/courseloop/lti-bridge/internal/registry"
)

// Deps is everything the HTTP surface needs wired in.
type Deps struct {
	Authenticator *launch.Authenticator
	Sessions      *Sessions
	Registrations registry.Store
	States        *oauth.StateCodec
	Refresher     *oauth.Refresher
	Providers     ProviderConfigs
	Grading       GradingServices
	Syncer        *gradesync.Syncer
	DeepLink      *deeplink.Responder
	ToolKeys      JWKS

	// AppURL is where launched users land; OAuthService names the stored
	// token's service key.
	AppURL         string
	OAuthService   string
	AllowedOrigins []string
}

// NewRouter builds the full route tree.
func NewRouter(d Deps) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Logger, middleware.Recoverer)
	r.Use(middleware.Timeout(30 * time.Second))

	origins := d.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   origins,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Authorization", "Content-Type"},
		ExposedHeaders:   []string{"Content-Length"},
		AllowCredentials: true,
		MaxAge:           300,
	}))

	// Platform-facing endpoints: no session yet.
	r.Get("/.well-known/jwks.json", JWKSHandler(d.ToolKeys))
	r.HandleFunc("/lti/login", OIDCLoginHandler(d.Authenticator))
	r.Post("/lti/launch", LaunchHandler(d.Authenticator, d.Sessions, d.AppURL))
	r.Get("/oauth/callback", OAuthCallbackHandler(d.States, d.Refresher, d.Providers, d.OAuthService))

	// Everything else requires an authenticated launch session.
	r.Group(func(pr chi.Router) {
		pr.Use(RequireSession(d.Sessions))
		pr.Get("/oauth/authorize", OAuthAuthorizeHandler(d.States, d.Providers))
		pr.Get("/grade", ReadGradeHandler(d.Grading))
		pr.Post("/grade", RecordGradeHandler(d.Grading))
		pr.Post("/submissions/{submissionID}/sync", SyncSubmissionHandler(d.Syncer))
		pr.Post("/deeplink/respond", DeepLinkRespondHandler(d.DeepLink, d.Registrations))
	})

	return r
}

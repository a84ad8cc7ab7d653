package config

import (
	"os"
	"strings"
	"time"
)

type Config struct {
	HTTPAddr  string
	PublicURL string

	DBDriver string
	DBDSN    string

	// RedisURL enables shared nonce and state storage across instances;
	// empty means in-process stores (single instance or dev).
	RedisURL string

	// SessionSecret signs launch session cookies and OAuth state tokens.
	SessionSecret string
	// ToolKeyPath is the PEM file with the tool's RSA signing key.
	ToolKeyPath string
	ToolKeyID   string

	AppURL       string
	OAuthService string

	NonceTTL        time.Duration
	SessionLifetime time.Duration

	CORSOrigins []string
}

func FromEnv() Config {
	pub := os.Getenv("PUBLIC_URL")
	return Config{
		HTTPAddr:        envOr("HTTP_ADDR", ":8080"),
		PublicURL:       pub,
		DBDriver:        envOr("DB_DRIVER", "sqlite"),
		DBDSN:           envOr("DB_DSN", ""),
		RedisURL:        os.Getenv("REDIS_URL"),
		SessionSecret:   envOr("SESSION_SECRET", "dev-only-secret"),
		ToolKeyPath:     envOr("TOOL_KEY_PATH", "./tool_key.pem"),
		ToolKeyID:       envOr("TOOL_KEY_ID", "tool-key-1"),
		AppURL:          envOr("APP_URL", "/app/"),
		OAuthService:    envOr("OAUTH_SERVICE", "lms_api"),
		NonceTTL:        envDuration("NONCE_TTL", time.Hour),
		SessionLifetime: envDuration("SESSION_LIFETIME", 8*time.Hour),
		CORSOrigins:     csvOr("CORS_ORIGINS", strings.TrimSuffix(pub, "/")),
	}
}

func envOr(k, def string) string {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	return v
}

func envDuration(k string, def time.Duration) time.Duration {
	v := os.Getenv(k)
	if v == "" {
		return def
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return def
	}
	return d
}

func csvOr(k, def string) []string {
	v := envOr(k, def)
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// internal/api/http/jwks.go
package http

import (
	"crypto/rsa"
	"encoding/base64"
	"encoding/json"
	"math/big"
	"net/http"
)

// JWK is one published key in the tool's key set. Platforms fetch this to
// verify client assertions and deep linking responses we sign.
type JWK struct {
	Kty string `json:"kty"`
	N   string `json:"n,omitempty"`
	E   string `json:"e,omitempty"`
	Use string `json:"use,omitempty"`
	Kid string `json:"kid,omitempty"`
	Alg string `json:"alg,omitempty"`
}

type JWKS struct {
	Keys []JWK `json:"keys"`
}

// FromRSA publishes a tool signing key.
func FromRSA(pub *rsa.PublicKey, kid string) JWK {
	return JWK{
		Kty: "RSA",
		N:   base64.RawURLEncoding.EncodeToString(pub.N.Bytes()),
		E:   base64.RawURLEncoding.EncodeToString(big.NewInt(int64(pub.E)).Bytes()),
		Use: "sig",
		Kid: kid,
		Alg: "RS256",
	}
}

// GET /.well-known/jwks.json
func JWKSHandler(static JWKS) http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(static)
	}
}

// internal/deeplink/deeplink.go
package deeplink

import (
	"crypto/rsa"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/google/uuid"

	"github.com/courseloop/lti-bridge/internal/registry"
)

/*
Deep linking response messages. After a content-selection launch the tool
answers with a signed JWT the platform POSTs back through the user's
browser; the response must echo the deployment id and the opaque data
value from the request settings or the platform discards it.
*/

const (
	claimMessageType = "https://purl.imsglobal.org/spec/lti/claim/message_type"
	claimVersion     = "https://purl.imsglobal.org/spec/lti/claim/version"
	claimDeployment  = "https://purl.imsglobal.org/spec/lti/claim/deployment_id"
	claimContent     = "https://purl.imsglobal.org/spec/lti-dl/claim/content_items"
	claimData        = "https://purl.imsglobal.org/spec/lti-dl/claim/data"
)

// ContentItem is one selected resource link going back to the platform.
type ContentItem struct {
	Type  string         `json:"type"`
	Title string         `json:"title,omitempty"`
	URL   string         `json:"url,omitempty"`
	// Custom becomes launch custom parameters when the link is used.
	Custom map[string]string `json:"custom,omitempty"`
	// LineItem asks the platform to create a gradebook column with the link.
	LineItem map[string]any `json:"lineItem,omitempty"`
}

// Responder signs deep linking responses with the tool's key.
type Responder struct {
	Key      *rsa.PrivateKey
	KeyID    string
	Lifetime time.Duration // default 5 minutes
	Now      func() time.Time
}

func (r *Responder) now() time.Time {
	if r.Now != nil {
		return r.Now()
	}
	return time.Now()
}

func (r *Responder) lifetime() time.Duration {
	if r.Lifetime > 0 {
		return r.Lifetime
	}
	return 5 * time.Minute
}

// Response builds the signed response JWT. data is the platform's opaque
// deep_linking_settings data value, empty when the request carried none.
func (r *Responder) Response(reg registry.Registration, deploymentID, data string, items []ContentItem) (string, error) {
	now := r.now()
	encoded := make([]map[string]any, 0, len(items))
	for _, it := range items {
		m := map[string]any{"type": it.Type}
		if it.Title != "" {
			m["title"] = it.Title
		}
		if it.URL != "" {
			m["url"] = it.URL
		}
		if len(it.Custom) > 0 {
			m["custom"] = it.Custom
		}
		if len(it.LineItem) > 0 {
			m["lineItem"] = it.LineItem
		}
		encoded = append(encoded, m)
	}

	claims := jwt.MapClaims{
		"iss":            reg.ClientID,
		"aud":            reg.Issuer,
		"iat":            now.Unix(),
		"exp":            now.Add(r.lifetime()).Unix(),
		"nonce":          uuid.NewString(),
		claimMessageType: "LtiDeepLinkingResponse",
		claimVersion:     "1.3.0",
		claimDeployment:  deploymentID,
		claimContent:     encoded,
	}
	if data != "" {
		claims[claimData] = data
	}

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	if r.KeyID != "" {
		tok.Header["kid"] = r.KeyID
	}
	signed, err := tok.SignedString(r.Key)
	if err != nil {
		return "", fmt.Errorf("sign deep linking response: %w", err)
	}
	return signed, nil
}

// internal/oauth1/oauth1.go
package oauth1

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"net/url"
	"sort"
	"strconv"
	"strings"
	"time"
)

/*
OAuth 1.0a HMAC-SHA1 signing and verification (RFC 5849).

LTI 1.1 launches arrive as OAuth1-signed form posts; Basic Outcomes grade
calls go back out the same way, with an oauth_body_hash covering the POX
body. Both directions share the signature base string construction here.

Only HMAC-SHA1 is supported: that is the method every LMS vendor actually
uses for LTI 1.1.
*/

const SignatureMethodHMACSHA1 = "HMAC-SHA1"

var (
	ErrSignatureMismatch  = errors.New("oauth1: signature mismatch")
	ErrUnsupportedMethod  = errors.New("oauth1: unsupported signature method")
	ErrMissingParameter   = errors.New("oauth1: missing oauth parameter")
	ErrTimestampTooOld    = errors.New("oauth1: timestamp outside allowed window")
	ErrMalformedTimestamp = errors.New("oauth1: malformed timestamp")
)

// TimestampWindow bounds how far an inbound oauth_timestamp may drift from
// the verifier's clock.
const TimestampWindow = 15 * time.Minute

// Verify recomputes the HMAC-SHA1 signature of an inbound request and
// compares it in constant time against the presented oauth_signature.
// params holds every request parameter (query + form), oauth_* included.
func Verify(method, rawURL string, params url.Values, consumerSecret string, now time.Time) error {
	for _, k := range []string{"oauth_consumer_key", "oauth_signature", "oauth_timestamp", "oauth_nonce", "oauth_signature_method"} {
		if params.Get(k) == "" {
			return fmt.Errorf("%w: %s", ErrMissingParameter, k)
		}
	}
	if m := params.Get("oauth_signature_method"); m != SignatureMethodHMACSHA1 {
		return fmt.Errorf("%w: %s", ErrUnsupportedMethod, m)
	}
	ts, err := strconv.ParseInt(params.Get("oauth_timestamp"), 10, 64)
	if err != nil {
		return ErrMalformedTimestamp
	}
	if d := now.Sub(time.Unix(ts, 0)); d > TimestampWindow || d < -TimestampWindow {
		return ErrTimestampTooOld
	}

	presented := params.Get("oauth_signature")
	want := Signature(method, rawURL, params, consumerSecret)
	if subtle.ConstantTimeCompare([]byte(presented), []byte(want)) != 1 {
		return ErrSignatureMismatch
	}
	return nil
}

// Sign produces an OAuth1 Authorization header value for an outbound
// request. extra carries protocol parameters beyond the oauth_* core, e.g.
// oauth_body_hash for signed POX bodies.
func Sign(method, rawURL, consumerKey, consumerSecret, nonce string, now time.Time, extra url.Values) string {
	params := url.Values{}
	params.Set("oauth_consumer_key", consumerKey)
	params.Set("oauth_nonce", nonce)
	params.Set("oauth_signature_method", SignatureMethodHMACSHA1)
	params.Set("oauth_timestamp", strconv.FormatInt(now.Unix(), 10))
	params.Set("oauth_version", "1.0")
	for k, vs := range extra {
		for _, v := range vs {
			params.Add(k, v)
		}
	}
	params.Set("oauth_signature", Signature(method, rawURL, params, consumerSecret))

	keys := make([]string, 0, len(params))
	for k := range params {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	parts := make([]string, 0, len(keys))
	for _, k := range keys {
		parts = append(parts, fmt.Sprintf("%s=%q", encode(k), encode(params.Get(k))))
	}
	return "OAuth " + strings.Join(parts, ", ")
}

// BodyHash returns the oauth_body_hash value for a signed request body.
func BodyHash(body []byte) string {
	sum := sha1.Sum(body)
	return base64.StdEncoding.EncodeToString(sum[:])
}

// Signature computes the HMAC-SHA1 signature over a full parameter set.
// params must not already contain oauth_signature (it is excluded from the
// base string either way).
func Signature(method, rawURL string, params url.Values, consumerSecret string) string {
	base := baseString(method, rawURL, params)
	// Token secret is always empty for LTI; the key still ends with '&'.
	key := encode(consumerSecret) + "&"
	mac := hmac.New(sha1.New, []byte(key))
	mac.Write([]byte(base))
	return base64.StdEncoding.EncodeToString(mac.Sum(nil))
}

func baseString(method, rawURL string, params url.Values) string {
	return strings.ToUpper(method) + "&" + encode(baseURL(rawURL)) + "&" + encode(normalizedParams(rawURL, params))
}

// baseURL lowercases scheme/host, strips default ports and drops the query.
func baseURL(rawURL string) string {
	u, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	switch {
	case scheme == "http" && strings.HasSuffix(host, ":80"):
		host = strings.TrimSuffix(host, ":80")
	case scheme == "https" && strings.HasSuffix(host, ":443"):
		host = strings.TrimSuffix(host, ":443")
	}
	return scheme + "://" + host + u.EscapedPath()
}

func normalizedParams(rawURL string, params url.Values) string {
	type pair struct{ k, v string }
	var pairs []pair

	add := func(k, v string) {
		if k == "oauth_signature" || k == "realm" {
			return
		}
		pairs = append(pairs, pair{encode(k), encode(v)})
	}
	for k, vs := range params {
		for _, v := range vs {
			add(k, v)
		}
	}
	// Query parameters count too, unless the caller already merged them.
	if u, err := url.Parse(rawURL); err == nil {
		for k, vs := range u.Query() {
			if _, merged := params[k]; merged {
				continue
			}
			for _, v := range vs {
				add(k, v)
			}
		}
	}

	sort.Slice(pairs, func(i, j int) bool {
		if pairs[i].k != pairs[j].k {
			return pairs[i].k < pairs[j].k
		}
		return pairs[i].v < pairs[j].v
	})
	parts := make([]string, len(pairs))
	for i, p := range pairs {
		parts[i] = p.k + "=" + p.v
	}
	return strings.Join(parts, "&")
}

// encode applies the strict RFC 3986 percent-encoding OAuth1 requires.
func encode(s string) string {
	var b strings.Builder
	for i := 0; i < len(s); i++ {
		c := s[i]
		switch {
		case c >= 'A' && c <= 'Z', c >= 'a' && c <= 'z', c >= '0' && c <= '9',
			c == '-', c == '.', c == '_', c == '~':
			b.WriteByte(c)
		default:
			fmt.Fprintf(&b, "%%%02X", c)
		}
	}
	return b.String()
}

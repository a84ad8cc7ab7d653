// internal/grading/v11.go
package grading

import (
	"bytes"
	"context"
	"encoding/xml"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/courseloop/lti-bridge/internal/ltia"
	"github.com/courseloop/lti-bridge/internal/oauth1"
	"github.com/courseloop/lti-bridge/internal/registry"
)

/*
Basic Outcomes backend (LTI 1.1).

Grades travel as OAuth1-signed POX (plain old XML) posts to the launch's
lis_outcome_service_url. The user is addressed by the result sourcedid the
platform handed out at launch time, so the userID passed in here is that
sourcedid. Scores are fractional in both directions, no normalization
needed. Line item management does not exist in this generation.
*/

// Outcome posts must not hang when the caller's context has no deadline.
var defaultOutcomeHTTP = &http.Client{Timeout: 15 * time.Second}

// V11 talks Basic Outcomes for one launched resource link.
type V11 struct {
	HTTP              *http.Client
	Registration      registry.Registration
	OutcomeServiceURL string
	Now               func() time.Time
}

func (s *V11) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *V11) httpClient() *http.Client {
	if s.HTTP != nil {
		return s.HTTP
	}
	return defaultOutcomeHTTP
}

func (s *V11) ReadResult(ctx context.Context, userID string) (float64, bool, error) {
	body := poxEnvelope("readResultRequest", userID, "")
	resp, err := s.post(ctx, body)
	if err != nil {
		return 0, false, err
	}

	var parsed poxResponse
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return 0, false, nil
	}
	if !strings.EqualFold(parsed.CodeMajor, "success") {
		return 0, false, nil
	}
	text := strings.TrimSpace(parsed.ResultScore)
	if text == "" {
		return 0, false, nil
	}
	score, err := strconv.ParseFloat(text, 64)
	if err != nil {
		return 0, false, nil
	}
	return score, true, nil
}

func (s *V11) RecordResult(ctx context.Context, userID string, score float64, hook RecordHook) (map[string]any, error) {
	// Hooks are a v1.3 affordance; the POX envelope has no room for vendor
	// extensions, so they are ignored here.
	body := poxEnvelope("replaceResultRequest", userID, strconv.FormatFloat(score, 'f', -1, 64))
	resp, err := s.post(ctx, body)
	if err != nil {
		return nil, err
	}

	var parsed poxResponse
	if err := xml.Unmarshal(resp, &parsed); err != nil {
		return nil, fmt.Errorf("grading: malformed outcome response: %w", err)
	}
	if !strings.EqualFold(parsed.CodeMajor, "success") {
		return nil, &ltia.ExternalRequestError{
			Op:   "replaceResult " + s.OutcomeServiceURL,
			Body: parsed.Description,
			Err:  fmt.Errorf("platform reported %s", parsed.CodeMajor),
		}
	}
	return map[string]any{"codeMajor": parsed.CodeMajor, "description": parsed.Description}, nil
}

func (s *V11) CreateLineItem(context.Context, string, string, float64) (map[string]any, error) {
	return nil, fmt.Errorf("%w: line items require LTI 1.3", ErrUnsupported)
}

func (s *V11) post(ctx context.Context, body []byte) ([]byte, error) {
	op := "POST " + s.OutcomeServiceURL
	extra := url.Values{"oauth_body_hash": {oauth1.BodyHash(body)}}
	authz := oauth1.Sign(http.MethodPost, s.OutcomeServiceURL,
		s.Registration.ConsumerKey, s.Registration.SharedSecret,
		uuid.NewString(), s.now(), extra)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, s.OutcomeServiceURL, bytes.NewReader(body))
	if err != nil {
		return nil, &ltia.ExternalRequestError{Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/xml")
	req.Header.Set("Authorization", authz)

	resp, err := s.httpClient().Do(req)
	if err != nil {
		return nil, &ltia.ExternalRequestError{Op: op, Err: err}
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, &ltia.ExternalRequestError{Op: op, Err: err}
	}
	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &ltia.ExternalRequestError{Op: op, StatusCode: resp.StatusCode, Body: string(payload)}
	}
	return payload, nil
}

// poxResponse plucks the fields that matter out of an outcome response
// envelope, wherever the platform nests them.
type poxResponse struct {
	CodeMajor   string `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_codeMajor"`
	Description string `xml:"imsx_POXHeader>imsx_POXResponseHeaderInfo>imsx_statusInfo>imsx_description"`
	ResultScore string `xml:"imsx_POXBody>readResultResponse>result>resultScore>textString"`
}

func poxEnvelope(operation, sourcedID, score string) []byte {
	var b bytes.Buffer
	b.WriteString(xml.Header)
	b.WriteString(`<imsx_POXEnvelopeRequest xmlns="http://www.imsglobal.org/services/ltiv1p1/xsd/imsoms_v1p0">`)
	b.WriteString(`<imsx_POXHeader><imsx_POXRequestHeaderInfo>`)
	b.WriteString(`<imsx_version>V1.0</imsx_version>`)
	b.WriteString(`<imsx_messageIdentifier>` + uuid.NewString() + `</imsx_messageIdentifier>`)
	b.WriteString(`</imsx_POXRequestHeaderInfo></imsx_POXHeader>`)
	b.WriteString(`<imsx_POXBody><` + operation + `><resultRecord>`)
	b.WriteString(`<sourcedGUID><sourcedId>`)
	_ = xml.EscapeText(&b, []byte(sourcedID))
	b.WriteString(`</sourcedId></sourcedGUID>`)
	if score != "" {
		b.WriteString(`<result><resultScore><language>en</language><textString>` + score + `</textString></resultScore></result>`)
	}
	b.WriteString(`</resultRecord></` + operation + `></imsx_POXBody>`)
	b.WriteString(`</imsx_POXEnvelopeRequest>`)
	return b.Bytes()
}

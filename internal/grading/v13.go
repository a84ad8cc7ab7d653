// internal/grading/v13.go
package grading

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/courseloop/lti-bridge/internal/ltia"
	"github.com/courseloop/lti-bridge/internal/registry"
)

/*
Assignment and Grade Services backend (LTI 1.3).

Vendor platforms fold domain conditions into generic HTTP errors, so some
statuses are reclassified by sniffing the response body:

  - 400 "... could not be found" and 403 "... not enrolled" both mean the
    student left the course; the caller gets ErrStudentNotInCourse.
  - 422 "maximum number of allowed attempts" means the platform is
    enforcing its own attempt cap. The grade it already has is the final
    one, so the submission is dropped silently.
  - 404 on a results read is an empty gradebook cell, not a failure.
*/

const (
	mediaTypeScore           = "application/vnd.ims.lis.v1.score+json"
	mediaTypeLineItem        = "application/vnd.ims.lis.v2.lineitem+json"
	mediaTypeResultContainer = "application/vnd.ims.lis.v2.resultcontainer+json"

	scopeLineItem       = "https://purl.imsglobal.org/spec/lti-ags/scope/lineitem"
	scopeScore          = "https://purl.imsglobal.org/spec/lti-ags/scope/score"
	scopeResultReadOnly = "https://purl.imsglobal.org/spec/lti-ags/scope/result.readonly"
)

// V13 talks AGS for one launched resource link.
type V13 struct {
	Client       *ltia.Client
	Registration registry.Registration
	// LineItemURL is the launch's claimed line item; empty until one is
	// created or claimed.
	LineItemURL  string
	LineItemsURL string
	Now          func() time.Time
}

func (s *V13) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now()
}

func (s *V13) ReadResult(ctx context.Context, userID string) (float64, bool, error) {
	if s.LineItemURL == "" {
		return 0, false, fmt.Errorf("grading: no line item to read results from")
	}
	resp, err := s.Client.Request(ctx, s.Registration, http.MethodGet,
		resultsURL(s.LineItemURL, userID), []string{scopeResultReadOnly}, nil,
		http.Header{"Accept": {mediaTypeResultContainer}})
	if err != nil {
		var reqErr *ltia.ExternalRequestError
		if errors.As(err, &reqErr) && reqErr.StatusCode == http.StatusNotFound {
			return 0, false, nil
		}
		return 0, false, err
	}
	defer resp.Body.Close()

	var results []struct {
		ResultScore   *float64 `json:"resultScore"`
		ResultMaximum *float64 `json:"resultMaximum"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&results); err != nil {
		return 0, false, nil
	}
	if len(results) == 0 {
		return 0, false, nil
	}
	// Platforms append rather than replace; the last entry is current.
	last := results[len(results)-1]
	if last.ResultScore == nil || last.ResultMaximum == nil || *last.ResultMaximum == 0 {
		return 0, false, nil
	}
	return *last.ResultScore / *last.ResultMaximum, true, nil
}

func (s *V13) RecordResult(ctx context.Context, userID string, score float64, hook RecordHook) (map[string]any, error) {
	if s.LineItemURL == "" {
		return nil, fmt.Errorf("grading: no line item to record against")
	}
	payload := map[string]any{
		"scoreMaximum":     1,
		"scoreGiven":       score,
		"userId":           userID,
		"timestamp":        s.now().Format(time.RFC3339),
		"activityProgress": "Completed",
		"gradingProgress":  "FullyGraded",
	}
	if hook != nil {
		payload = hook(payload, score)
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode score: %w", err)
	}

	resp, err := s.Client.Request(ctx, s.Registration, http.MethodPost,
		scoresURL(s.LineItemURL), []string{scopeScore}, body,
		http.Header{"Content-Type": {mediaTypeScore}})
	if err != nil {
		err = classifyScoreError(err)
		if errors.Is(err, errDropSilently) {
			return nil, nil
		}
		return nil, err
	}
	defer resp.Body.Close()

	out := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, nil
	}
	return out, nil
}

func (s *V13) CreateLineItem(ctx context.Context, resourceLinkID, label string, scoreMaximum float64) (map[string]any, error) {
	if s.LineItemsURL == "" {
		return nil, fmt.Errorf("grading: launch carried no line item container")
	}
	body, err := json.Marshal(map[string]any{
		"scoreMaximum":   scoreMaximum,
		"label":          label,
		"resourceLinkId": resourceLinkID,
	})
	if err != nil {
		return nil, fmt.Errorf("encode line item: %w", err)
	}
	resp, err := s.Client.Request(ctx, s.Registration, http.MethodPost,
		s.LineItemsURL, []string{scopeLineItem}, body,
		http.Header{"Content-Type": {mediaTypeLineItem}, "Accept": {mediaTypeLineItem}})
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	item := map[string]any{}
	if err := json.NewDecoder(resp.Body).Decode(&item); err != nil {
		return nil, fmt.Errorf("decode line item response: %w", err)
	}
	if u, ok := item["id"].(string); ok {
		s.LineItemURL = u
	}
	return item, nil
}

// resultsURL appends /results to the line item path, keeping any query the
// platform put on the claimed URL, and filters to one user.
func resultsURL(lineItemURL, userID string) string {
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return lineItemURL + "/results"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/results"
	q := u.Query()
	q.Set("user_id", userID)
	u.RawQuery = q.Encode()
	return u.String()
}

func scoresURL(lineItemURL string) string {
	u, err := url.Parse(lineItemURL)
	if err != nil {
		return lineItemURL + "/scores"
	}
	u.Path = strings.TrimSuffix(u.Path, "/") + "/scores"
	return u.String()
}

func classifyScoreError(err error) error {
	var reqErr *ltia.ExternalRequestError
	if !errors.As(err, &reqErr) {
		return err
	}
	switch reqErr.StatusCode {
	case http.StatusBadRequest:
		if strings.Contains(reqErr.Body, "could not be found") {
			return fmt.Errorf("%w: %s", ErrStudentNotInCourse, reqErr.Op)
		}
	case http.StatusForbidden:
		if strings.Contains(reqErr.Body, "not enrolled") {
			return fmt.Errorf("%w: %s", ErrStudentNotInCourse, reqErr.Op)
		}
	case http.StatusUnprocessableEntity:
		if strings.Contains(reqErr.Body, "maximum number of allowed attempts") {
			return errDropSilently
		}
	}
	return err
}

// errDropSilently is internal plumbing: RecordResult translates it to a
// nil, nil return.
var errDropSilently = errors.New("grading: drop silently")

// internal/api/http/grade_handlers.go
package http

import (
	"context"
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/courseloop/lti-bridge/internal/gradesync"
	"github.com/courseloop/lti-bridge/internal/grading"
	"github.com/courseloop/lti-bridge/internal/product"
)

// GradingServices builds a grading backend for the current session.
type GradingServices func(ctx context.Context, sess Session) (grading.Service, error)

// GET /grade — the current user's grade for the launched resource.
func ReadGradeHandler(services GradingServices) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "launch session required", http.StatusUnauthorized)
			return
		}
		svc, err := services(r.Context(), sess)
		if err != nil {
			http.Error(w, "grading unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		score, found, err := svc.ReadResult(r.Context(), gradeUserID(sess))
		if err != nil {
			log.Printf("read result: %v", err)
			http.Error(w, "platform error", http.StatusBadGateway)
			return
		}
		resp := map[string]any{"graded": found}
		if found {
			resp["score"] = score
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(resp)
	}
}

type recordGradeReq struct {
	Score float64 `json:"score"` // fraction in [0, 1]
}

// POST /grade — submit the current user's grade back to the platform.
func RecordGradeHandler(services GradingServices) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		sess, ok := SessionFromContext(r.Context())
		if !ok {
			http.Error(w, "launch session required", http.StatusUnauthorized)
			return
		}
		var req recordGradeReq
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			http.Error(w, "bad json: "+err.Error(), http.StatusBadRequest)
			return
		}
		if req.Score < 0 || req.Score > 1 {
			http.Error(w, "score must be in [0, 1]", http.StatusBadRequest)
			return
		}
		svc, err := services(r.Context(), sess)
		if err != nil {
			http.Error(w, "grading unavailable: "+err.Error(), http.StatusServiceUnavailable)
			return
		}
		hook := product.Product{Family: product.Family(sess.ProductFamily)}.ScoreHook()
		out, err := svc.RecordResult(r.Context(), gradeUserID(sess), req.Score, hook)
		if errors.Is(err, grading.ErrStudentNotInCourse) {
			http.Error(w, "student is no longer in the course", http.StatusConflict)
			return
		}
		if err != nil {
			log.Printf("record result: %v", err)
			http.Error(w, "platform error", http.StatusBadGateway)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		_ = json.NewEncoder(w).Encode(map[string]any{"recorded": true, "platform": out})
	}
}

// POST /submissions/{submissionID}/sync — push a stored submission's grade.
func SyncSubmissionHandler(syncer *gradesync.Syncer) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		id := strings.TrimSpace(chi.URLParam(r, "submissionID"))
		if id == "" {
			http.Error(w, "submissionID required", http.StatusBadRequest)
			return
		}
		if err := syncer.SyncSubmission(r.Context(), id); err != nil {
			log.Printf("sync submission %s: %v", id, err)
			http.Error(w, "sync failed: "+err.Error(), http.StatusBadGateway)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// gradeUserID picks the identifier the platform grades by: the 1.3 subject
// or the 1.1 result sourcedid.
func gradeUserID(sess Session) string {
	if sess.LTIVersion == "1.1" {
		return sess.ResultSourcedID
	}
	return sess.UserID
}

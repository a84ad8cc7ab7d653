// internal/gradesync/syncer.go
package gradesync

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/courseloop/lti-bridge/internal/grading"
)

/*
Grade passback orchestration. Submissions are recorded locally first and
pushed to the platform asynchronously; every push updates a sync status so
failed passbacks are visible and retryable. Line items are created lazily
on the first submission for a resource link and remembered after that.
*/

// Submission is a locally recorded grade awaiting passback.
type Submission struct {
	ID             string
	RegistrationID int64
	ResourceLinkID string
	// PlatformUserID addresses the learner on the platform side: the LTI 1.3
	// subject, or the 1.1 result sourcedid.
	PlatformUserID string
	// Score is fractional in [0, 1].
	Score       float64
	Label       string
	SubmittedAt *time.Time
}

// LineItemRef remembers the gradebook column created for a resource link.
type LineItemRef struct {
	RegistrationID int64
	ResourceLinkID string
	URL            string
	Label          string
}

var ErrLineItemNotFound = errors.New("gradesync: line item not found")

// Store persists submissions, line item refs and sync status.
type Store interface {
	GetSubmission(ctx context.Context, id string) (Submission, error)
	FindLineItem(ctx context.Context, registrationID int64, resourceLinkID string) (LineItemRef, error)
	UpsertLineItem(ctx context.Context, ref LineItemRef) error
	MarkSyncPending(ctx context.Context, submissionID string) error
	MarkSyncOK(ctx context.Context, submissionID string) error
	MarkSyncFailed(ctx context.Context, submissionID, reason string) error
}

// ServiceFactory builds the grading backend for a submission. lineItemURL
// is empty when no gradebook column exists yet.
type ServiceFactory func(ctx context.Context, sub Submission, lineItemURL string) (grading.Service, error)

// Syncer pushes recorded submissions to the platform gradebook.
type Syncer struct {
	Store    Store
	Services ServiceFactory
	// Hook is applied to every outgoing score payload; typically the
	// vendor quirk hook for the launching product.
	Hook grading.RecordHook
}

func New(store Store, services ServiceFactory) *Syncer {
	return &Syncer{Store: store, Services: services}
}

// EnsureLineItem returns the gradebook column for the submission's resource
// link, creating one on the platform when none is known yet.
func (s *Syncer) EnsureLineItem(ctx context.Context, sub Submission) (LineItemRef, error) {
	if ref, err := s.Store.FindLineItem(ctx, sub.RegistrationID, sub.ResourceLinkID); err == nil && ref.URL != "" {
		return ref, nil
	}

	svc, err := s.Services(ctx, sub, "")
	if err != nil {
		return LineItemRef{}, err
	}
	item, err := svc.CreateLineItem(ctx, sub.ResourceLinkID, sub.Label, 1)
	if err != nil {
		return LineItemRef{}, fmt.Errorf("create line item: %w", err)
	}
	url, _ := item["id"].(string)
	if url == "" {
		return LineItemRef{}, errors.New("platform returned line item without id")
	}
	ref := LineItemRef{
		RegistrationID: sub.RegistrationID,
		ResourceLinkID: sub.ResourceLinkID,
		URL:            url,
		Label:          sub.Label,
	}
	if err := s.Store.UpsertLineItem(ctx, ref); err != nil {
		return LineItemRef{}, err
	}
	return ref, nil
}

// SyncSubmission pushes one submission's grade and records the outcome.
func (s *Syncer) SyncSubmission(ctx context.Context, submissionID string) error {
	sub, err := s.Store.GetSubmission(ctx, submissionID)
	if err != nil {
		return err
	}
	if sub.SubmittedAt == nil {
		return errors.New("submission not finalized")
	}
	_ = s.Store.MarkSyncPending(ctx, sub.ID)

	ref, err := s.EnsureLineItem(ctx, sub)
	if err != nil {
		_ = s.Store.MarkSyncFailed(ctx, sub.ID, err.Error())
		return err
	}
	svc, err := s.Services(ctx, sub, ref.URL)
	if err != nil {
		_ = s.Store.MarkSyncFailed(ctx, sub.ID, err.Error())
		return err
	}
	if _, err := svc.RecordResult(ctx, sub.PlatformUserID, sub.Score, s.Hook); err != nil {
		// A departed student is terminal; retrying will never succeed.
		if errors.Is(err, grading.ErrStudentNotInCourse) {
			_ = s.Store.MarkSyncFailed(ctx, sub.ID, "student not in course")
			return err
		}
		_ = s.Store.MarkSyncFailed(ctx, sub.ID, err.Error())
		return err
	}
	return s.Store.MarkSyncOK(ctx, sub.ID)
}

// internal/gradesync/sqlstore.go
package gradesync

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

// SQLStore keeps submissions and line item refs in the database. Sync
// status lives on the submission row: new → pending → ok | failed.
type SQLStore struct {
	DB *sql.DB
}

func (s *SQLStore) GetSubmission(ctx context.Context, id string) (Submission, error) {
	const q = `
SELECT id, registration_id, resource_link_id, platform_user_id, score, label, submitted_at
FROM submissions WHERE id = $1`
	var (
		sub         Submission
		submittedAt sql.NullTime
	)
	err := s.DB.QueryRowContext(ctx, q, id).Scan(
		&sub.ID, &sub.RegistrationID, &sub.ResourceLinkID, &sub.PlatformUserID,
		&sub.Score, &sub.Label, &submittedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Submission{}, fmt.Errorf("submission %q not found", id)
	}
	if err != nil {
		return Submission{}, fmt.Errorf("load submission: %w", err)
	}
	if submittedAt.Valid {
		t := submittedAt.Time
		sub.SubmittedAt = &t
	}
	return sub, nil
}

func (s *SQLStore) FindLineItem(ctx context.Context, registrationID int64, resourceLinkID string) (LineItemRef, error) {
	const q = `
SELECT registration_id, resource_link_id, lineitem_url, label
FROM gradebook_line_items
WHERE registration_id = $1 AND resource_link_id = $2`
	var ref LineItemRef
	err := s.DB.QueryRowContext(ctx, q, registrationID, resourceLinkID).
		Scan(&ref.RegistrationID, &ref.ResourceLinkID, &ref.URL, &ref.Label)
	if errors.Is(err, sql.ErrNoRows) {
		return LineItemRef{}, ErrLineItemNotFound
	}
	if err != nil {
		return LineItemRef{}, fmt.Errorf("load line item: %w", err)
	}
	return ref, nil
}

func (s *SQLStore) UpsertLineItem(ctx context.Context, ref LineItemRef) error {
	const q = `
INSERT INTO gradebook_line_items (registration_id, resource_link_id, lineitem_url, label)
VALUES ($1, $2, $3, $4)
ON CONFLICT (registration_id, resource_link_id) DO UPDATE SET
  lineitem_url = EXCLUDED.lineitem_url,
  label = EXCLUDED.label`
	if _, err := s.DB.ExecContext(ctx, q, ref.RegistrationID, ref.ResourceLinkID, ref.URL, ref.Label); err != nil {
		return fmt.Errorf("upsert line item: %w", err)
	}
	return nil
}

func (s *SQLStore) MarkSyncPending(ctx context.Context, submissionID string) error {
	return s.markSync(ctx, submissionID, "pending", "")
}

func (s *SQLStore) MarkSyncOK(ctx context.Context, submissionID string) error {
	return s.markSync(ctx, submissionID, "ok", "")
}

func (s *SQLStore) MarkSyncFailed(ctx context.Context, submissionID, reason string) error {
	const q = `
UPDATE submissions
SET sync_status = 'failed', sync_error = $2, sync_retries = sync_retries + 1
WHERE id = $1`
	if _, err := s.DB.ExecContext(ctx, q, submissionID, reason); err != nil {
		return fmt.Errorf("mark sync failed: %w", err)
	}
	return nil
}

func (s *SQLStore) markSync(ctx context.Context, submissionID, status, reason string) error {
	const q = `UPDATE submissions SET sync_status = $2, sync_error = $3 WHERE id = $1`
	if _, err := s.DB.ExecContext(ctx, q, submissionID, status, reason); err != nil {
		return fmt.Errorf("mark sync %s: %w", status, err)
	}
	return nil
}

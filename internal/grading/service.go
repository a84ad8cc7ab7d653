// internal/grading/service.go
package grading

import (
	"context"
	"errors"
)

/*
Grade read/write against the launching platform, behind one interface for
both protocol generations. Scores are fractions in [0, 1] on both sides:
the v1.3 backend normalizes by the result's scoreMaximum, the v1.1 POX
protocol is fractional natively.
*/

// ErrStudentNotInCourse reports that the platform refused the grade because
// the student is no longer enrolled where the line item lives.
var ErrStudentNotInCourse = errors.New("grading: student not in course")

// ErrUnsupported marks operations a protocol generation cannot perform.
var ErrUnsupported = errors.New("grading: operation not supported by this LTI version")

// RecordHook lets platform quirks rewrite the outgoing score payload just
// before submission. It returns the body to send.
type RecordHook func(body map[string]any, score float64) map[string]any

// Service reads and records grades for one launched resource.
type Service interface {
	// ReadResult returns the user's current grade as a fraction. ok is
	// false when the platform has no grade recorded: an empty gradebook
	// cell is an answer, not an error.
	ReadResult(ctx context.Context, userID string) (score float64, ok bool, err error)

	// RecordResult submits a fractional grade. hook may be nil. The returned
	// map is the platform's response payload when it sent one; a nil map
	// with nil error means the platform accepted silently or the submission
	// was dropped by policy (e.g. the attempt limit was already reached).
	RecordResult(ctx context.Context, userID string, score float64, hook RecordHook) (map[string]any, error)

	// CreateLineItem creates a gradebook column for the resource and returns
	// the platform's line item representation.
	CreateLineItem(ctx context.Context, resourceLinkID, label string, scoreMaximum float64) (map[string]any, error)
}

package command

import (
	"strings"
	"time"
)

const (
	TypeHandleCourseCompleted = "issuance.command.course_completed.handle"
	TypeRunIssuance           = "issuance.command.issuance.run"
	TypeRequeuePending        = "issuance.command.pending.requeue"

	MaxRequeueBatch = 500
)

// HandleCourseCompletedMessage carries one course-completion event.
type HandleCourseCompletedMessage struct {
	LearnerID   string
	CourseID    string
	CompletedAt time.Time
}

func (HandleCourseCompletedMessage) Type() string { return TypeHandleCourseCompleted }

func (m HandleCourseCompletedMessage) Validate() error {
	if strings.TrimSpace(m.LearnerID) == "" {
		return commandValidationError("learner_id", "learner id is required")
	}
	if strings.TrimSpace(m.CourseID) == "" {
		return commandValidationError("course_id", "course id is required")
	}
	if m.CompletedAt.IsZero() {
		return commandValidationError("completed_at", "completion time is required")
	}
	return nil
}

type RunIssuanceMessage struct {
	IssuanceID string
}

func (RunIssuanceMessage) Type() string { return TypeRunIssuance }

func (m RunIssuanceMessage) Validate() error {
	if strings.TrimSpace(m.IssuanceID) == "" {
		return commandValidationError("issuance_id", "issuance id is required")
	}
	return nil
}

// RequeuePendingMessage sweeps pending issuances back onto the scheduler.
// A zero Limit uses the configured batch size.
type RequeuePendingMessage struct {
	Limit int
}

func (RequeuePendingMessage) Type() string { return TypeRequeuePending }

func (m RequeuePendingMessage) Validate() error {
	if m.Limit < 0 {
		return commandValidationError("limit", "limit must be >= 0")
	}
	if m.Limit > MaxRequeueBatch {
		return commandInvalidInputError("command: requeue limit exceeds maximum batch")
	}
	return nil
}

package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

type CompletionOutcome string

const (
	CompletionOutcomeCreated  CompletionOutcome = "created"
	CompletionOutcomeExisting CompletionOutcome = "existing"
	CompletionOutcomeSkipped  CompletionOutcome = "skipped"
)

const (
	SkipReasonNotConfigured = "course_not_configured"
	SkipReasonTenantPaused  = "tenant_paused"
	SkipReasonLockTimeout   = "lock_timeout"
)

type CompletionResult struct {
	Outcome    CompletionOutcome
	Issuance   *Issuance
	SkipReason string
	FirstRunAt *time.Time
}

// HandleCourseCompleted creates the issuance for a completion event and
// schedules its first run. Concurrent events for the same learner and course
// create at most one blocking issuance.
func (s *Service) HandleCourseCompleted(ctx context.Context, event CompletionEvent) (result CompletionResult, err error) {
	startedAt := time.Now()
	fields := map[string]any{
		"learner_id": strings.TrimSpace(event.LearnerID),
		"course_id":  strings.TrimSpace(event.CourseID),
	}
	defer func() {
		fields["outcome"] = string(result.Outcome)
		if result.SkipReason != "" {
			fields["skip_reason"] = result.SkipReason
		}
		if result.Issuance != nil {
			fields["issuance_id"] = result.Issuance.ID
		}
		s.observeOperation(ctx, startedAt, "course_completed", err, fields)
	}()

	if err := event.Validate(); err != nil {
		return CompletionResult{}, s.mapError(err)
	}
	if s.policies == nil || s.issuances == nil || s.scheduler == nil {
		return CompletionResult{}, s.mapError(fmt.Errorf("core: tenant policy store, issuance store and task scheduler are required"))
	}
	event.LearnerID = strings.TrimSpace(event.LearnerID)
	event.CourseID = strings.TrimSpace(event.CourseID)

	policy, ok, err := s.policies.Resolve(ctx, event.CourseID)
	if err != nil {
		return CompletionResult{}, s.mapError(err)
	}
	if !ok || !policy.Enabled {
		return CompletionResult{Outcome: CompletionOutcomeSkipped, SkipReason: SkipReasonNotConfigured}, nil
	}
	fields["tenant"] = tenantLabel(policy.TenantID)
	if policy.Paused && !s.config.Completion.QueueWhenPaused {
		return CompletionResult{Outcome: CompletionOutcomeSkipped, SkipReason: SkipReasonTenantPaused}, nil
	}

	acquired, err := s.guard.WithLock(ctx, event.CourseID, event.LearnerID, s.config.LockTimeout(), func(ctx context.Context) error {
		existing, found, err := s.issuances.FindBlocking(ctx, event.LearnerID, event.CourseID)
		if err != nil {
			return err
		}
		if found {
			// An unfinished issuance may have lost its unit of work; scheduling
			// with the stable identity is a no-op when the task is still queued.
			if !existing.Status.Terminal() {
				if err := s.scheduler.ScheduleAt(ctx, IssuanceTaskIdentity(existing.ID), IssuanceTaskPayload(existing), s.now()); err != nil {
					return err
				}
			}
			result = CompletionResult{Outcome: CompletionOutcomeExisting, Issuance: &existing}
			return nil
		}

		now := s.now()
		issuance := Issuance{
			ID:            s.newID(),
			LearnerID:     event.LearnerID,
			CourseID:      event.CourseID,
			TemplateID:    strings.TrimSpace(policy.TemplateID),
			TenantID:      policy.TenantID,
			Status:        IssuanceStatusPending,
			TimeCompleted: event.CompletedAt.UTC(),
			CreatedAt:     now,
			UpdatedAt:     now,
		}
		created, err := s.issuances.Create(ctx, issuance)
		if err != nil {
			return err
		}

		runAt := now
		if policy.SendGrade {
			runAt = now.Add(s.config.InitialGradeDelay())
		}
		if err := s.scheduler.ScheduleAt(ctx, IssuanceTaskIdentity(created.ID), IssuanceTaskPayload(created), runAt); err != nil {
			return err
		}
		result = CompletionResult{Outcome: CompletionOutcomeCreated, Issuance: &created, FirstRunAt: &runAt}
		return nil
	})
	if err != nil {
		return CompletionResult{}, s.mapError(err)
	}
	if !acquired {
		s.logWarn(ctx, "completion skipped: duplicate guard busy", fields)
		return CompletionResult{Outcome: CompletionOutcomeSkipped, SkipReason: SkipReasonLockTimeout}, nil
	}
	return result, nil
}

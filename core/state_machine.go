package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

type RunOutcome string

const (
	RunOutcomeIssued          RunOutcome = "issued"
	RunOutcomeFailed          RunOutcome = "failed"
	RunOutcomeRetryScheduled  RunOutcome = "retry_scheduled"
	RunOutcomeGradeWait       RunOutcome = "grade_wait"
	RunOutcomePaused          RunOutcome = "paused"
	RunOutcomeRateLimited     RunOutcome = "rate_limited"
	RunOutcomeAlreadyTerminal RunOutcome = "already_terminal"
)

type RunResult struct {
	IssuanceID string
	Outcome    RunOutcome
	Status     IssuanceStatus
	Attempts   int
	NextRunAt  *time.Time
	ErrorCode  string
}

// runContext holds what one execution has resolved so far.
type runContext struct {
	issuance  Issuance
	learner   *Learner
	course    *Course
	policy    TenantPolicy
	gradeItem *GradeItem
}

// RunIssuance executes one step of the issuance state machine. Errors are
// returned only for infrastructure failures; domain failures end in the
// failed status and a nil error.
func (s *Service) RunIssuance(ctx context.Context, issuanceID string) (result RunResult, err error) {
	startedAt := time.Now()
	issuanceID = strings.TrimSpace(issuanceID)
	fields := map[string]any{"issuance_id": issuanceID}
	defer func() {
		if result.Outcome != "" {
			fields["outcome"] = string(result.Outcome)
			fields["attempts"] = result.Attempts
		}
		if result.ErrorCode != "" {
			fields["error_code"] = result.ErrorCode
		}
		s.observeOperation(ctx, startedAt, "run", err, fields)
	}()

	if issuanceID == "" {
		return RunResult{}, s.mapError(fmt.Errorf("core: issuance id is required"))
	}
	if err := s.requireRunDependencies(); err != nil {
		return RunResult{}, s.mapError(err)
	}

	acquired, err := s.guard.WithRunLock(ctx, issuanceID, s.runLockTTL(), s.config.LockTimeout(), func(ctx context.Context) error {
		var runErr error
		result, runErr = s.runLocked(ctx, issuanceID, fields)
		return runErr
	})
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	if !acquired {
		return RunResult{}, s.mapError(fmt.Errorf("%w: issuance %s is already running", ErrLockTimeout, issuanceID))
	}
	return result, nil
}

// runLockTTL bounds a run lease by the credential API timeout plus the lock
// TTL used for completion.
func (s *Service) runLockTTL() time.Duration {
	return s.config.APITimeout() + defaultLockTTL
}

func (s *Service) runLocked(ctx context.Context, issuanceID string, fields map[string]any) (RunResult, error) {
	issuance, err := s.issuances.Get(ctx, issuanceID)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	if issuance.Status.Terminal() {
		return resultFor(issuance, RunOutcomeAlreadyTerminal, nil), nil
	}
	run := &runContext{issuance: issuance}

	learner, learnerFound, err := s.directory.GetLearner(ctx, issuance.LearnerID)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	course, courseFound, err := s.directory.GetCourse(ctx, issuance.CourseID)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	if learnerFound {
		run.learner = &learner
	}
	if courseFound {
		run.course = &course
	}
	if !learnerFound || !courseFound {
		return s.fail(ctx, run, ErrorCodeUserOrCourseNotFound,
			fmt.Sprintf("learner %q or course %q not found", issuance.LearnerID, issuance.CourseID))
	}

	policy, ok, err := s.policies.Resolve(ctx, issuance.CourseID)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	if !ok || !policy.Enabled {
		return s.fail(ctx, run, ErrorCodeCourseConfigNotFound,
			fmt.Sprintf("no enabled credential config for course %q", issuance.CourseID))
	}
	run.policy = policy
	fields["tenant"] = tenantLabel(policy.TenantID)

	if policy.Paused {
		return s.hold(ctx, run, s.config.PausedDelay(), RunOutcomePaused)
	}
	if policy.RateLimited() {
		allowed, err := s.rateLimiter.Allow(ctx, policy.TenantID, policy.RateLimitPerHour)
		if err != nil {
			return RunResult{}, s.mapError(err)
		}
		if !allowed {
			return s.hold(ctx, run, s.config.RateLimitDelay(), RunOutcomeRateLimited)
		}
	}

	if policy.SendGrade {
		result, done, err := s.awaitFreshGrade(ctx, run)
		if err != nil || done {
			return result, err
		}
	}

	return s.issue(ctx, run)
}

func (s *Service) requireRunDependencies() error {
	switch {
	case s.issuances == nil:
		return fmt.Errorf("core: issuance store is required")
	case s.directory == nil:
		return fmt.Errorf("core: directory is required")
	case s.policies == nil:
		return fmt.Errorf("core: tenant policy store is required")
	case s.credentialAPI == nil:
		return fmt.Errorf("core: credential api is required")
	case s.scheduler == nil:
		return fmt.Errorf("core: task scheduler is required")
	case s.guard == nil || s.guard.Locker == nil:
		return fmt.Errorf("core: locker is required")
	}
	return nil
}

// awaitFreshGrade runs the grade freshness step. done is true when the run
// ended here, either waiting for the gradebook or failed.
func (s *Service) awaitFreshGrade(ctx context.Context, run *runContext) (RunResult, bool, error) {
	if s.grades == nil {
		return RunResult{}, true, s.mapError(fmt.Errorf("core: grade store is required"))
	}
	issuance := &run.issuance
	execution := issuance.Attempts + 1

	if _, err := s.oracle.PrepareRecompute(ctx, issuance.LearnerID, issuance.CourseID, execution); err != nil {
		return RunResult{}, true, s.mapError(err)
	}
	assessment, err := s.oracle.Assess(ctx, issuance.LearnerID, issuance.CourseID, issuance.TimeCompleted, execution)
	if err != nil {
		return RunResult{}, true, s.mapError(err)
	}
	run.gradeItem = assessment.GradeItem

	if assessment.Reason == FreshnessNoGradeItem {
		result, err := s.fail(ctx, run, ErrorCodeNoGradeItem,
			fmt.Sprintf("course %q has no grade item", issuance.CourseID))
		return result, true, err
	}

	if !assessment.Fresh {
		if !s.schedule.Exhausted(RetryKindGradeWait, issuance.Attempts) {
			delay := s.schedule.NextDelay(RetryKindGradeWait, issuance.Attempts)
			issuance.Attempts++
			if err := issuance.TransitionTo(IssuanceStatusRetrying, s.now()); err != nil {
				return RunResult{}, true, s.mapError(err)
			}
			issuance.RecordError(ErrorCodeGradePending, fmt.Sprintf("Grade not ready (%s)", assessment.Reason))
			result, err := s.retryAfter(ctx, run, delay, RunOutcomeGradeWait)
			return result, true, err
		}
		waited := s.schedule.TotalWaited(RetryKindGradeWait, issuance.Attempts)
		message := fmt.Sprintf(
			"Grade not ready after %d attempts (~%ds / %d min wait). %s",
			issuance.Attempts,
			int64(waited/time.Second),
			int64(waited/time.Minute),
			assessment.Diagnostic(issuance.TimeCompleted),
		)
		result, err := s.fail(ctx, run, ErrorCodeGradeTimeout, message)
		return result, true, err
	}

	issuance.AcceptGrade(assessment.Grade)
	if run.gradeItem != nil && run.gradeItem.PassGrade > 0 && issuance.Grade != nil && *issuance.Grade < run.gradeItem.PassGrade {
		s.logWarn(ctx, "issuing credential below pass grade", map[string]any{
			"issuance_id": issuance.ID,
			"grade":       *issuance.Grade,
			"pass_grade":  run.gradeItem.PassGrade,
		})
	}
	return RunResult{}, false, nil
}

func (s *Service) issue(ctx context.Context, run *runContext) (RunResult, error) {
	issuance := &run.issuance
	issuance.Attempts++
	issuance.UpdatedAt = s.now()
	saved, err := s.issuances.Update(ctx, *issuance)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	*issuance = saved

	templateID := strings.TrimSpace(issuance.TemplateID)
	if templateID == "" {
		templateID = strings.TrimSpace(run.policy.TemplateID)
	}
	completedAt := issuance.TimeCompleted.UTC()
	request := IssueRequest{
		Endpoint:       run.policy.Endpoint(),
		TemplateID:     templateID,
		Learner:        *run.learner,
		Course:         *run.course,
		CompletionDate: &completedAt,
	}
	if run.policy.SendGrade {
		request.Grade = formatGrade(issuance.Grade, run.gradeItem)
	}

	callCtx, cancel := context.WithTimeout(ctx, s.config.APITimeout())
	response, apiErr := s.credentialAPI.IssueCredential(callCtx, request)
	cancel()
	if apiErr == nil {
		return s.succeed(ctx, run, response)
	}

	issuance.RecordError(ErrorCodeAPIError, apiErr.Error())
	if s.schedule.Exhausted(RetryKindAPIError, issuance.Attempts) {
		return s.fail(ctx, run, ErrorCodeAPIError, apiErr.Error())
	}
	if err := issuance.TransitionTo(IssuanceStatusRetrying, s.now()); err != nil {
		return RunResult{}, s.mapError(err)
	}
	delay := s.schedule.NextDelay(RetryKindAPIError, issuance.Attempts)
	return s.retryAfter(ctx, run, delay, RunOutcomeRetryScheduled)
}

func (s *Service) succeed(ctx context.Context, run *runContext, response IssueResponse) (RunResult, error) {
	issuance := &run.issuance
	now := s.now()
	if err := issuance.TransitionTo(IssuanceStatusIssued, now); err != nil {
		return RunResult{}, s.mapError(err)
	}
	issuance.IssuedAt = &now
	issuance.CredentialID = strings.TrimSpace(response.CredentialID)
	issuance.ClearError()
	saved, err := s.issuances.Update(ctx, *issuance)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	*issuance = saved

	s.emit(ctx, run, EventCredentialIssued)
	s.notify(ctx, run, NotificationCredentialIssued, map[string]any{
		"credential_id": issuance.CredentialID,
		"template_id":   issuance.TemplateID,
	})
	return resultFor(*issuance, RunOutcomeIssued, nil), nil
}

// fail moves the issuance to the terminal failed status.
func (s *Service) fail(ctx context.Context, run *runContext, code string, message string) (RunResult, error) {
	issuance := &run.issuance
	if err := issuance.TransitionTo(IssuanceStatusFailed, s.now()); err != nil {
		return RunResult{}, s.mapError(err)
	}
	issuance.RecordError(code, message)
	saved, err := s.issuances.Update(ctx, *issuance)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	*issuance = saved

	s.emit(ctx, run, EventCredentialFailed)
	if run.learner != nil && run.course != nil {
		s.notify(ctx, run, NotificationCredentialFailed, map[string]any{
			"error_code":    issuance.ErrorCode,
			"error_message": issuance.ErrorMessage,
		})
	}
	return resultFor(*issuance, RunOutcomeFailed, nil), nil
}

// retryAfter persists the issuance and moves its unit of work to now+delay.
func (s *Service) retryAfter(ctx context.Context, run *runContext, delay time.Duration, outcome RunOutcome) (RunResult, error) {
	saved, err := s.issuances.Update(ctx, run.issuance)
	if err != nil {
		return RunResult{}, s.mapError(err)
	}
	run.issuance = saved
	return s.hold(ctx, run, delay, outcome)
}

// hold reschedules without touching the issuance record.
func (s *Service) hold(ctx context.Context, run *runContext, delay time.Duration, outcome RunOutcome) (RunResult, error) {
	runAt := s.now().Add(delay)
	identity := IssuanceTaskIdentity(run.issuance.ID)
	if err := s.scheduler.RescheduleOrQueue(ctx, identity, IssuanceTaskPayload(run.issuance), runAt); err != nil {
		return RunResult{}, s.mapError(err)
	}
	return resultFor(run.issuance, outcome, &runAt), nil
}

func (s *Service) emit(ctx context.Context, run *runContext, name string) {
	if s.events == nil {
		return
	}
	issuance := run.issuance
	event := IssuanceEvent{
		ID:           s.newID(),
		Name:         name,
		IssuanceID:   issuance.ID,
		LearnerID:    issuance.LearnerID,
		CourseID:     issuance.CourseID,
		TenantID:     issuance.TenantID,
		TemplateID:   issuance.TemplateID,
		Attempts:     issuance.Attempts,
		CredentialID: issuance.CredentialID,
		ErrorCode:    issuance.ErrorCode,
		ErrorMessage: issuance.ErrorMessage,
		OccurredAt:   s.now(),
	}
	if err := s.events.Emit(ctx, event); err != nil {
		s.logWarn(ctx, "issuance event emit failed", map[string]any{
			"issuance_id": issuance.ID,
			"event":       name,
			"error":       err.Error(),
		})
	}
}

func (s *Service) notify(ctx context.Context, run *runContext, templateKey string, data map[string]any) {
	if s.notifier == nil || run.learner == nil || run.course == nil {
		return
	}
	payload := cloneFields(data)
	payload["issuance_id"] = run.issuance.ID
	payload["course_name"] = run.course.FullName
	err := s.notifier.Notify(ctx, Notification{
		Learner:     *run.learner,
		Course:      *run.course,
		TemplateKey: templateKey,
		Context:     payload,
	})
	if err != nil {
		s.logWarn(ctx, "learner notification failed", map[string]any{
			"issuance_id":  run.issuance.ID,
			"template_key": templateKey,
			"error":        err.Error(),
		})
	}
}

func resultFor(issuance Issuance, outcome RunOutcome, nextRunAt *time.Time) RunResult {
	return RunResult{
		IssuanceID: issuance.ID,
		Outcome:    outcome,
		Status:     issuance.Status,
		Attempts:   issuance.Attempts,
		NextRunAt:  nextRunAt,
		ErrorCode:  issuance.ErrorCode,
	}
}

// formatGrade renders points as a percentage of the grade item maximum, or
// the raw points when no maximum is known.
func formatGrade(grade *float64, item *GradeItem) *string {
	if grade == nil {
		return nil
	}
	var formatted string
	if item != nil && item.MaxGrade > 0 {
		percent := math.Round((*grade/item.MaxGrade)*100*100) / 100
		formatted = strconv.FormatFloat(percent, 'f', -1, 64) + "%"
	} else {
		formatted = strconv.FormatFloat(*grade, 'f', -1, 64)
	}
	return &formatted
}

func tenantLabel(tenantID *string) string {
	if tenantID == nil || strings.TrimSpace(*tenantID) == "" {
		return "global"
	}
	return strings.TrimSpace(*tenantID)
}

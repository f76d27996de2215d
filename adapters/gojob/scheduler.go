package gojob

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-issuance/core"
)

const (
	ParamRunAt   = "run_at"
	ParamTaskKey = "task_key"
)

// Scheduler publishes issuance tasks to a go-job queue. The task identity key
// is the idempotency key, so the queue collapses duplicate schedules.
type Scheduler struct {
	enqueuer core.JobEnqueuer
}

func NewScheduler(enqueuer core.JobEnqueuer) *Scheduler {
	return &Scheduler{enqueuer: enqueuer}
}

func (s *Scheduler) ScheduleAt(ctx context.Context, identity core.TaskIdentity, payload core.TaskPayload, runAt time.Time) error {
	return s.enqueue(ctx, identity, payload, runAt, DedupPolicyDrop)
}

func (s *Scheduler) RescheduleOrQueue(ctx context.Context, identity core.TaskIdentity, payload core.TaskPayload, runAt time.Time) error {
	return s.enqueue(ctx, identity, payload, runAt, DedupPolicyReplace)
}

func (s *Scheduler) enqueue(
	ctx context.Context,
	identity core.TaskIdentity,
	payload core.TaskPayload,
	runAt time.Time,
	policy string,
) error {
	if s == nil || s.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	msg, err := TaskMessage(identity, payload, runAt, policy)
	if err != nil {
		return err
	}
	return s.enqueuer.Enqueue(ctx, msg)
}

// TaskMessage renders a scheduled task as a job execution message.
func TaskMessage(identity core.TaskIdentity, payload core.TaskPayload, runAt time.Time, policy string) (*core.JobExecutionMessage, error) {
	key := strings.TrimSpace(identity.Key)
	if key == "" {
		return nil, fmt.Errorf("gojob: task identity key is required")
	}
	if strings.TrimSpace(payload.IssuanceID) == "" {
		return nil, fmt.Errorf("gojob: issuance id is required")
	}
	jobID := strings.TrimSpace(identity.TaskType)
	if jobID == "" {
		jobID = JobIDIssueCredential
	}
	scriptPath := strings.TrimSpace(identity.Executor)
	if scriptPath == "" {
		scriptPath = ScriptPathIssueCredential
	}
	params := payload.Parameters()
	params[ParamTaskKey] = key
	if !runAt.IsZero() {
		params[ParamRunAt] = runAt.UTC().Format(time.RFC3339Nano)
	}
	return &core.JobExecutionMessage{
		JobID:          jobID,
		ScriptPath:     scriptPath,
		Parameters:     params,
		IdempotencyKey: key,
		DedupPolicy:    policy,
	}, nil
}

// runAtFromParameters reads the scheduled time; ok is false when none was set.
func runAtFromParameters(params map[string]any) (time.Time, bool) {
	raw, ok := params[ParamRunAt].(string)
	if !ok || strings.TrimSpace(raw) == "" {
		return time.Time{}, false
	}
	parsed, err := time.Parse(time.RFC3339Nano, strings.TrimSpace(raw))
	if err != nil {
		return time.Time{}, false
	}
	return parsed.UTC(), true
}

var _ core.TaskScheduler = (*Scheduler)(nil)

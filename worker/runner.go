package worker

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-issuance/core"
	glog "github.com/goliatone/go-logger/glog"
)

const (
	DefaultBatchSize     = 1
	DefaultPollInterval  = 5 * time.Second
	DefaultRetryDelay    = 30 * time.Second
	DefaultMaxRetryDelay = 30 * time.Minute
	DefaultOutboxBatch   = 25
)

type RunStats struct {
	Claimed   int
	Completed int
	Released  int
	Dropped   int
	Events    core.DispatchStats
}

// PendingSweeper schedules a run for pending issuances that have no unit of
// work.
type PendingSweeper interface {
	RequeuePending(ctx context.Context, limit int) (core.RequeueResult, error)
}

// Runner drains a TaskQueue and hands every claimed task to the executor
// registered for its tag. Tasks run one after another.
type Runner struct {
	Queue         core.TaskQueue
	Registry      *Registry
	Dispatcher    core.EventDispatcher
	BatchSize     int
	OutboxBatch   int
	PollInterval  time.Duration
	RetryDelay    time.Duration
	MaxRetryDelay time.Duration
	// Sweeper runs every SweepInterval inside Run. A zero interval disables it.
	Sweeper       PendingSweeper
	SweepInterval time.Duration
	SweepBatch    int
	Logger        core.Logger
	Now           func() time.Time
}

func NewRunner(queue core.TaskQueue, registry *Registry, logger core.Logger) *Runner {
	return &Runner{
		Queue:         queue,
		Registry:      registry,
		BatchSize:     DefaultBatchSize,
		OutboxBatch:   DefaultOutboxBatch,
		PollInterval:  DefaultPollInterval,
		RetryDelay:    DefaultRetryDelay,
		MaxRetryDelay: DefaultMaxRetryDelay,
		Logger:        glog.Ensure(logger),
		Now: func() time.Time {
			return time.Now().UTC()
		},
	}
}

// RunOnce claims the due tasks, executes them and then drains pending
// outbox events when a dispatcher is set.
func (r *Runner) RunOnce(ctx context.Context) (RunStats, error) {
	if r == nil || r.Queue == nil {
		return RunStats{}, fmt.Errorf("worker: task queue is required")
	}
	if r.Registry == nil {
		return RunStats{}, fmt.Errorf("worker: executor registry is required")
	}
	tasks, err := r.Queue.ClaimDue(ctx, r.now(), r.batchSize())
	if err != nil {
		return RunStats{}, err
	}

	stats := RunStats{Claimed: len(tasks)}
	var errs error
	for _, task := range tasks {
		if err := ctx.Err(); err != nil {
			// Unstarted claims go back at once instead of waiting for the lease.
			if releaseErr := r.Queue.Release(context.WithoutCancel(ctx), task, task.RunAt, err); releaseErr != nil {
				errs = errors.Join(errs, releaseErr)
			}
			stats.Released++
			continue
		}
		switch outcome, err := r.execute(ctx, task); outcome {
		case taskCompleted:
			stats.Completed++
		case taskDropped:
			stats.Dropped++
		case taskReleased:
			stats.Released++
			if err != nil {
				errs = errors.Join(errs, err)
			}
		}
	}

	if r.Dispatcher != nil {
		events, err := r.Dispatcher.DispatchPending(ctx, r.outboxBatch())
		stats.Events = events
		if err != nil {
			r.log("warn", "outbox dispatch reported errors", map[string]any{"error": err.Error()})
		}
	}
	return stats, errs
}

// Run polls until ctx is done.
func (r *Runner) Run(ctx context.Context) error {
	interval := r.PollInterval
	if interval <= 0 {
		interval = DefaultPollInterval
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	var sweeps <-chan time.Time
	if r.Sweeper != nil && r.SweepInterval > 0 {
		sweepTicker := time.NewTicker(r.SweepInterval)
		defer sweepTicker.Stop()
		sweeps = sweepTicker.C
	}
	for {
		if _, err := r.RunOnce(ctx); err != nil && ctx.Err() == nil {
			r.log("error", "worker pass failed", map[string]any{"error": err.Error()})
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		case <-sweeps:
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if _, err := r.SweepOnce(ctx); err != nil && ctx.Err() == nil {
				r.log("error", "pending sweep failed", map[string]any{"error": err.Error()})
			}
		}
	}
}

// SweepOnce asks the sweeper to schedule pending issuances that lost their
// unit of work.
func (r *Runner) SweepOnce(ctx context.Context) (core.RequeueResult, error) {
	if r == nil || r.Sweeper == nil {
		return core.RequeueResult{}, fmt.Errorf("worker: pending sweeper is required")
	}
	result, err := r.Sweeper.RequeuePending(ctx, r.SweepBatch)
	if err != nil {
		return result, err
	}
	if result.Scheduled > 0 {
		r.log("info", "pending issuances requeued", map[string]any{
			"scanned":   result.Scanned,
			"scheduled": result.Scheduled,
		})
	}
	return result, nil
}

type taskOutcome int

const (
	taskCompleted taskOutcome = iota
	taskReleased
	taskDropped
)

func (r *Runner) execute(ctx context.Context, task core.ScheduledTask) (taskOutcome, error) {
	fields := map[string]any{
		"task_id":      task.ID,
		"task_type":    task.Identity.TaskType,
		"executor":     task.Identity.Executor,
		"identity_key": task.Identity.Key,
		"issuance_id":  task.Payload.IssuanceID,
		"claims":       task.Claims,
	}
	executor, ok := r.Registry.Lookup(task.Identity.Executor)
	if !ok {
		cause := fmt.Errorf("worker: no executor registered for %q", task.Identity.Executor)
		return r.release(ctx, task, cause, fields)
	}

	startedAt := time.Now()
	err := executor.Execute(ctx, Runnable{ID: task.ID, Payload: task.Payload})
	fields["duration_ms"] = time.Since(startedAt).Milliseconds()
	if err == nil {
		if err := r.Queue.Complete(ctx, task); err != nil {
			return taskReleased, err
		}
		r.log("info", "task completed", fields)
		return taskCompleted, nil
	}
	if isMissingIssuance(err) {
		fields["error"] = err.Error()
		if err := r.Queue.Complete(ctx, task); err != nil {
			return taskReleased, err
		}
		r.log("warn", "task dropped, issuance no longer exists", fields)
		return taskDropped, nil
	}
	return r.release(ctx, task, err, fields)
}

func (r *Runner) release(ctx context.Context, task core.ScheduledTask, cause error, fields map[string]any) (taskOutcome, error) {
	delay := r.retryDelay(task.Claims)
	fields["error"] = cause.Error()
	fields["retry_in_ms"] = delay.Milliseconds()
	if err := r.Queue.Release(ctx, task, r.now().Add(delay), cause); err != nil {
		return taskReleased, errors.Join(cause, err)
	}
	r.log("error", "task failed, released for retry", fields)
	return taskReleased, cause
}

// retryDelay doubles RetryDelay per claim, capped at MaxRetryDelay.
func (r *Runner) retryDelay(claims int) time.Duration {
	base := r.RetryDelay
	if base <= 0 {
		base = DefaultRetryDelay
	}
	maxDelay := r.MaxRetryDelay
	if maxDelay <= 0 {
		maxDelay = DefaultMaxRetryDelay
	}
	if claims < 1 {
		claims = 1
	}
	next := time.Duration(float64(base) * math.Pow(2, float64(claims-1)))
	if next <= 0 || next > maxDelay {
		return maxDelay
	}
	return next
}

func isMissingIssuance(err error) bool {
	if errors.Is(err, core.ErrIssuanceNotFound) {
		return true
	}
	var rich *goerrors.Error
	if goerrors.As(err, &rich) {
		return rich.TextCode == core.ErrorTextNotFound
	}
	return false
}

func (r *Runner) batchSize() int {
	if r.BatchSize <= 0 {
		return DefaultBatchSize
	}
	return r.BatchSize
}

func (r *Runner) outboxBatch() int {
	if r.OutboxBatch <= 0 {
		return DefaultOutboxBatch
	}
	return r.OutboxBatch
}

func (r *Runner) now() time.Time {
	if r.Now != nil {
		return r.Now().UTC()
	}
	return time.Now().UTC()
}

func (r *Runner) log(level string, message string, fields map[string]any) {
	if r == nil || r.Logger == nil {
		return
	}
	logger := r.Logger
	if fieldsLogger, ok := logger.(core.FieldsLogger); ok {
		logger = fieldsLogger.WithFields(fields)
	}
	args := make([]any, 0, len(fields)*2)
	for key, value := range fields {
		args = append(args, key, value)
	}
	switch strings.ToLower(level) {
	case "error":
		logger.Error(message, args...)
	case "warn":
		logger.Warn(message, args...)
	default:
		logger.Info(message, args...)
	}
}

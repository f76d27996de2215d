package worker

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/goliatone/go-issuance/core"
	glog "github.com/goliatone/go-logger/glog"
)

type stubIssuanceRunner struct {
	mu    sync.Mutex
	calls []string
	err   error
	hook  func(issuanceID string)
}

func (s *stubIssuanceRunner) RunIssuance(_ context.Context, issuanceID string) (core.RunResult, error) {
	s.mu.Lock()
	s.calls = append(s.calls, issuanceID)
	err := s.err
	hook := s.hook
	s.mu.Unlock()
	if hook != nil {
		hook(issuanceID)
	}
	if err != nil {
		return core.RunResult{}, err
	}
	return core.RunResult{IssuanceID: issuanceID, Outcome: core.RunOutcomeIssued}, nil
}

type stubDispatcher struct {
	calls     int
	batchSize int
}

func (d *stubDispatcher) DispatchPending(_ context.Context, batchSize int) (core.DispatchStats, error) {
	d.calls++
	d.batchSize = batchSize
	return core.DispatchStats{Claimed: 2, Delivered: 2}, nil
}

func newTestRunner(t *testing.T, queue core.TaskQueue, runner IssuanceRunner, now time.Time) *Runner {
	t.Helper()
	registry := NewRegistry()
	if err := RegisterIssuanceExecutor(registry, runner); err != nil {
		t.Fatalf("register executor: %v", err)
	}
	r := NewRunner(queue, registry, glog.Nop())
	r.BatchSize = 10
	r.Now = func() time.Time { return now }
	return r
}

func schedule(t *testing.T, queue core.TaskScheduler, issuanceID string, runAt time.Time) {
	t.Helper()
	err := queue.ScheduleAt(context.Background(), core.IssuanceTaskIdentity(issuanceID),
		core.TaskPayload{IssuanceID: issuanceID}, runAt)
	if err != nil {
		t.Fatalf("schedule %s: %v", issuanceID, err)
	}
}

func TestRunOnceExecutesDueTasksAndCompletesThem(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := core.NewMemoryTaskQueue()
	schedule(t, queue, "iss-1", now.Add(-time.Minute))
	schedule(t, queue, "iss-2", now)
	schedule(t, queue, "iss-3", now.Add(time.Minute))

	issuer := &stubIssuanceRunner{}
	stats, err := newTestRunner(t, queue, issuer, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Claimed != 2 || stats.Completed != 2 {
		t.Fatalf("expected two claimed and completed tasks, got %+v", stats)
	}
	if len(issuer.calls) != 2 || issuer.calls[0] != "iss-1" || issuer.calls[1] != "iss-2" {
		t.Fatalf("expected due tasks in run order, got %v", issuer.calls)
	}
	pending := queue.Pending()
	if len(pending) != 1 || pending[0].Payload.IssuanceID != "iss-3" {
		t.Fatalf("expected only the future task to remain, got %+v", pending)
	}
}

func TestRunOnceKeepsTaskRescheduledDuringExecution(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := core.NewMemoryTaskQueue()
	schedule(t, queue, "iss-1", now)

	retryAt := now.Add(10 * time.Minute)
	issuer := &stubIssuanceRunner{hook: func(issuanceID string) {
		err := queue.RescheduleOrQueue(context.Background(), core.IssuanceTaskIdentity(issuanceID),
			core.TaskPayload{IssuanceID: issuanceID}, retryAt)
		if err != nil {
			t.Errorf("reschedule: %v", err)
		}
	}}

	stats, err := newTestRunner(t, queue, issuer, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if stats.Completed != 1 {
		t.Fatalf("expected one completed execution, got %+v", stats)
	}
	pending := queue.Pending()
	if len(pending) != 1 {
		t.Fatalf("expected the rescheduled task to survive completion, got %d", len(pending))
	}
	if !pending[0].RunAt.Equal(retryAt) {
		t.Fatalf("expected run at %s, got %s", retryAt, pending[0].RunAt)
	}
}

func TestRunOnceReleasesFailedTaskWithBackoff(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := core.NewMemoryTaskQueue()
	schedule(t, queue, "iss-1", now)

	issuer := &stubIssuanceRunner{err: errors.New("database unavailable")}
	runner := newTestRunner(t, queue, issuer, now)
	runner.RetryDelay = time.Minute
	runner.MaxRetryDelay = 3 * time.Minute

	stats, err := runner.RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "database unavailable") {
		t.Fatalf("expected execution error, got %v", err)
	}
	if stats.Released != 1 {
		t.Fatalf("expected released task, got %+v", stats)
	}
	pending := queue.Pending()
	if len(pending) != 1 || !pending[0].RunAt.Equal(now.Add(time.Minute)) {
		t.Fatalf("expected first retry after one minute, got %+v", pending)
	}
	if pending[0].LastError != "database unavailable" {
		t.Fatalf("expected last error recorded, got %q", pending[0].LastError)
	}

	runner.Now = func() time.Time { return now.Add(time.Minute) }
	if _, err := runner.RunOnce(context.Background()); err == nil {
		t.Fatalf("expected second failure")
	}
	pending = queue.Pending()
	if want := now.Add(3 * time.Minute); !pending[0].RunAt.Equal(want) {
		t.Fatalf("expected doubled delay to %s, got %s", want, pending[0].RunAt)
	}
}

func TestRetryDelayIsCapped(t *testing.T) {
	runner := &Runner{RetryDelay: time.Second, MaxRetryDelay: 10 * time.Second}
	cases := []struct {
		claims int
		want   time.Duration
	}{
		{claims: 0, want: time.Second},
		{claims: 1, want: time.Second},
		{claims: 3, want: 4 * time.Second},
		{claims: 5, want: 10 * time.Second},
		{claims: 200, want: 10 * time.Second},
	}
	for _, tc := range cases {
		if got := runner.retryDelay(tc.claims); got != tc.want {
			t.Fatalf("claims %d: expected %s, got %s", tc.claims, tc.want, got)
		}
	}
}

func TestRunOnceDropsTaskForMissingIssuance(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := core.NewMemoryTaskQueue()
	schedule(t, queue, "gone", now)

	issuer := &stubIssuanceRunner{err: core.ErrIssuanceNotFound}
	stats, err := newTestRunner(t, queue, issuer, now).RunOnce(context.Background())
	if err != nil {
		t.Fatalf("expected drop without error, got %v", err)
	}
	if stats.Dropped != 1 || len(queue.Pending()) != 0 {
		t.Fatalf("expected task dropped, got %+v with %d pending", stats, len(queue.Pending()))
	}
}

func TestRunOnceReleasesTaskWithUnknownExecutor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := core.NewMemoryTaskQueue()
	identity := core.TaskIdentity{TaskType: "other", Executor: "unknown/executor", Key: "k-1"}
	if err := queue.ScheduleAt(context.Background(), identity, core.TaskPayload{IssuanceID: "iss-1"}, now); err != nil {
		t.Fatalf("schedule: %v", err)
	}

	stats, err := newTestRunner(t, queue, &stubIssuanceRunner{}, now).RunOnce(context.Background())
	if err == nil || !strings.Contains(err.Error(), "unknown/executor") {
		t.Fatalf("expected unknown executor error, got %v", err)
	}
	if stats.Released != 1 || len(queue.Pending()) != 1 {
		t.Fatalf("expected task released, got %+v", stats)
	}
}

func TestRunOnceDrainsOutboxAfterTasks(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := core.NewMemoryTaskQueue()
	dispatcher := &stubDispatcher{}
	runner := newTestRunner(t, queue, &stubIssuanceRunner{}, now)
	runner.Dispatcher = dispatcher
	runner.OutboxBatch = 7

	stats, err := runner.RunOnce(context.Background())
	if err != nil {
		t.Fatalf("run once: %v", err)
	}
	if dispatcher.calls != 1 || dispatcher.batchSize != 7 {
		t.Fatalf("expected one dispatch with batch 7, got %d/%d", dispatcher.calls, dispatcher.batchSize)
	}
	if stats.Events.Delivered != 2 {
		t.Fatalf("expected dispatch stats surfaced, got %+v", stats.Events)
	}
}

func TestRunStopsWhenContextIsCancelled(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	queue := core.NewMemoryTaskQueue()
	schedule(t, queue, "iss-1", now)

	ctx, cancel := context.WithCancel(context.Background())
	issuer := &stubIssuanceRunner{hook: func(string) { cancel() }}
	runner := newTestRunner(t, queue, issuer, now)
	runner.PollInterval = time.Millisecond

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner did not stop after cancellation")
	}
	if len(issuer.calls) != 1 {
		t.Fatalf("expected one execution, got %d", len(issuer.calls))
	}
}

type stubSweeper struct {
	mu     sync.Mutex
	limits []int
	cancel context.CancelFunc
}

func (s *stubSweeper) RequeuePending(_ context.Context, limit int) (core.RequeueResult, error) {
	s.mu.Lock()
	s.limits = append(s.limits, limit)
	cancel := s.cancel
	s.mu.Unlock()
	if cancel != nil {
		cancel()
	}
	return core.RequeueResult{Scanned: 1, Scheduled: 1}, nil
}

func TestRunSweepsPendingIssuancesOnInterval(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	sweeper := &stubSweeper{cancel: cancel}
	runner := newTestRunner(t, core.NewMemoryTaskQueue(), &stubIssuanceRunner{}, now)
	runner.PollInterval = time.Hour
	runner.Sweeper = sweeper
	runner.SweepInterval = time.Millisecond
	runner.SweepBatch = 50

	done := make(chan error, 1)
	go func() { done <- runner.Run(ctx) }()
	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Fatalf("expected context canceled, got %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatalf("runner never swept pending issuances")
	}
	sweeper.mu.Lock()
	defer sweeper.mu.Unlock()
	if len(sweeper.limits) != 1 || sweeper.limits[0] != 50 {
		t.Fatalf("expected one sweep with batch 50, got %v", sweeper.limits)
	}
}

func TestSweepOnceRequiresSweeper(t *testing.T) {
	if _, err := (&Runner{}).SweepOnce(context.Background()); err == nil {
		t.Fatalf("expected missing sweeper error")
	}
}

func TestRunOnceRequiresQueueAndRegistry(t *testing.T) {
	if _, err := (&Runner{}).RunOnce(context.Background()); err == nil {
		t.Fatalf("expected missing queue error")
	}
	if _, err := (&Runner{Queue: core.NewMemoryTaskQueue()}).RunOnce(context.Background()); err == nil {
		t.Fatalf("expected missing registry error")
	}
}

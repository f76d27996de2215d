package core

import (
	"context"
	"time"

	glog "github.com/goliatone/go-logger/glog"
)

type IssuanceStore interface {
	Create(ctx context.Context, issuance Issuance) (Issuance, error)
	Get(ctx context.Context, id string) (Issuance, error)
	Update(ctx context.Context, issuance Issuance) (Issuance, error)
	FindBlocking(ctx context.Context, learnerID string, courseID string) (Issuance, bool, error)
	CountIssuedSince(ctx context.Context, tenantID *string, since time.Time) (int, error)
	ListPending(ctx context.Context, limit int) ([]Issuance, error)
	List(ctx context.Context, filter IssuanceFilter) (IssuancePage, error)
	Stats(ctx context.Context, filter IssuanceFilter) (IssuanceStats, error)
}

type GradeStore interface {
	GetGradeItem(ctx context.Context, courseID string) (GradeItem, bool, error)
	GetGradeRecord(ctx context.Context, learnerID string, courseID string) (GradeRecord, bool, error)
	NeedsRecompute(ctx context.Context, courseID string) (bool, error)
	ForceRecompute(ctx context.Context, courseID string, learnerID string) error
}

type TenantPolicyStore interface {
	Resolve(ctx context.Context, courseID string) (TenantPolicy, bool, error)
}

type Directory interface {
	GetLearner(ctx context.Context, learnerID string) (Learner, bool, error)
	GetCourse(ctx context.Context, courseID string) (Course, bool, error)
}

type CredentialAPI interface {
	IssueCredential(ctx context.Context, req IssueRequest) (IssueResponse, error)
	ListTemplates(ctx context.Context, endpoint APIEndpoint, activeOnly bool) ([]Template, error)
}

type TaskScheduler interface {
	// ScheduleAt enqueues the unit of work unless one already exists for the identity.
	ScheduleAt(ctx context.Context, identity TaskIdentity, payload TaskPayload, runAt time.Time) error
	// RescheduleOrQueue moves the existing unit of work for the identity, or
	// enqueues one when none exists.
	RescheduleOrQueue(ctx context.Context, identity TaskIdentity, payload TaskPayload, runAt time.Time) error
}

type NotificationSink interface {
	Notify(ctx context.Context, notification Notification) error
}

type EventSink interface {
	Emit(ctx context.Context, event IssuanceEvent) error
}

type RateLimiter interface {
	Allow(ctx context.Context, tenantID *string, limitPerHour int) (bool, error)
}

type LockHandle interface {
	Unlock(ctx context.Context) error
}

type Locker interface {
	// Acquire waits up to timeout for the key and returns ErrLockTimeout when
	// the lock stays held.
	Acquire(ctx context.Context, key string, ttl time.Duration, timeout time.Duration) (LockHandle, error)
}

type MetricsRecorder interface {
	IncCounter(ctx context.Context, name string, value int64, tags map[string]string)
	ObserveHistogram(ctx context.Context, name string, value float64, tags map[string]string)
}

type StoreProvider interface {
	IssuanceStore() IssuanceStore
}

type RepositoryStoreFactory interface {
	BuildStores(persistenceClient any) (StoreProvider, error)
}

type Logger = glog.Logger

type LoggerProvider = glog.LoggerProvider

type FieldsLogger = glog.FieldsLogger

type JobExecutionMessage struct {
	JobID          string
	ScriptPath     string
	Parameters     map[string]any
	IdempotencyKey string
	DedupPolicy    string
}

type JobNackOptions struct {
	Delay      time.Duration
	Requeue    bool
	DeadLetter bool
	Reason     string
}

type JobEnqueuer interface {
	Enqueue(ctx context.Context, msg *JobExecutionMessage) error
}

type JobDelivery interface {
	Message() *JobExecutionMessage
	Ack(ctx context.Context) error
	Nack(ctx context.Context, opts JobNackOptions) error
}

type JobDequeuer interface {
	Dequeue(ctx context.Context) (JobDelivery, error)
}

type JobWorkerHook interface {
	OnStart(ctx context.Context, event JobWorkerEvent)
	OnSuccess(ctx context.Context, event JobWorkerEvent)
	OnFailure(ctx context.Context, event JobWorkerEvent)
	OnRetry(ctx context.Context, event JobWorkerEvent)
}

type JobWorkerEvent struct {
	Message   *JobExecutionMessage
	Attempt   int
	Delay     time.Duration
	Err       error
	StartedAt time.Time
	Duration  time.Duration
}

type IssuanceEventHandler interface {
	Handle(ctx context.Context, event IssuanceEvent) error
}

type DispatchStats struct {
	Claimed   int
	Delivered int
	Retried   int
	Failed    int
}

type EventDispatcher interface {
	DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error)
}

type EventHandlerRegistry interface {
	Register(name string, handler IssuanceEventHandler)
	Handlers() []IssuanceEventHandler
}

type OutboxStore interface {
	Enqueue(ctx context.Context, event IssuanceEvent) error
	ClaimBatch(ctx context.Context, limit int) ([]IssuanceEvent, error)
	Ack(ctx context.Context, eventID string) error
	Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error
}

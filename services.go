package issuance

import "github.com/goliatone/go-issuance/core"

type Config = core.Config

type Option = core.Option

type Service = core.Service

type ServiceDependencies = core.ServiceDependencies

type Issuance = core.Issuance
type IssuanceStatus = core.IssuanceStatus
type IssuanceFilter = core.IssuanceFilter
type TenantPolicy = core.TenantPolicy
type CompletionEvent = core.CompletionEvent
type CompletionResult = core.CompletionResult
type RunResult = core.RunResult
type RequeueResult = core.RequeueResult

type IssuanceStore = core.IssuanceStore
type GradeStore = core.GradeStore
type TenantPolicyStore = core.TenantPolicyStore
type Directory = core.Directory
type CredentialAPI = core.CredentialAPI
type TaskScheduler = core.TaskScheduler
type TaskQueue = core.TaskQueue
type NotificationSink = core.NotificationSink
type EventSink = core.EventSink
type Locker = core.Locker
type RateLimiter = core.RateLimiter

var (
	WithLogger            = core.WithLogger
	WithLoggerProvider    = core.WithLoggerProvider
	WithMetricsRecorder   = core.WithMetricsRecorder
	WithErrorFactory      = core.WithErrorFactory
	WithErrorMapper       = core.WithErrorMapper
	WithPersistenceClient = core.WithPersistenceClient
	WithRepositoryFactory = core.WithRepositoryFactory
	WithConfigProvider    = core.WithConfigProvider
	WithOptionsResolver   = core.WithOptionsResolver
	WithIssuanceStore     = core.WithIssuanceStore
	WithGradeStore        = core.WithGradeStore
	WithTenantPolicyStore = core.WithTenantPolicyStore
	WithDirectory         = core.WithDirectory
	WithCredentialAPI     = core.WithCredentialAPI
	WithTaskScheduler     = core.WithTaskScheduler
	WithNotificationSink  = core.WithNotificationSink
	WithEventSink         = core.WithEventSink
	WithLocker            = core.WithLocker
	WithRateLimiter       = core.WithRateLimiter
	WithClock             = core.WithClock
	WithIDGenerator       = core.WithIDGenerator
)

func DefaultConfig() Config {
	return core.DefaultConfig()
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	return core.NewService(cfg, opts...)
}

package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	goerrors "github.com/goliatone/go-errors"
	"github.com/goliatone/go-issuance/ratelimit"
	glog "github.com/goliatone/go-logger/glog"
	"github.com/google/uuid"
)

type Service struct {
	config            Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	issuances         IssuanceStore
	grades            GradeStore
	policies          TenantPolicyStore
	directory         Directory
	credentialAPI     CredentialAPI
	scheduler         TaskScheduler
	notifier          NotificationSink
	events            EventSink
	guard             *DuplicateGuard
	oracle            *GradeFreshnessOracle
	rateLimiter       RateLimiter
	schedule          RetrySchedule
	now               func() time.Time
	newID             func() string
}

type ServiceDependencies struct {
	Logger            Logger
	LoggerProvider    LoggerProvider
	MetricsRecorder   MetricsRecorder
	ErrorFactory      ErrorFactory
	ErrorMapper       ErrorMapper
	PersistenceClient any
	RepositoryFactory any
	ConfigProvider    ConfigProvider
	OptionsResolver   OptionsResolver
	IssuanceStore     IssuanceStore
	GradeStore        GradeStore
	TenantPolicyStore TenantPolicyStore
	Directory         Directory
	CredentialAPI     CredentialAPI
	TaskScheduler     TaskScheduler
	NotificationSink  NotificationSink
	EventSink         EventSink
	RateLimiter       RateLimiter
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	builder := defaultServiceBuilder(cfg)
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&builder)
	}

	provider, logger := glog.Resolve("issuance", builder.loggerProvider, builder.logger)
	logger = glog.Ensure(logger)
	if provider != nil {
		if named := provider.GetLogger("issuance"); named != nil {
			logger = glog.Ensure(named)
		}
	}

	if builder.errorFactory == nil {
		builder.errorFactory = goerrors.New
	}
	if builder.metricsRecorder == nil {
		builder.metricsRecorder = NopMetricsRecorder{}
	}
	if builder.errorMapper == nil {
		builder.errorMapper = defaultErrorMapper
	}
	if builder.configProvider == nil {
		builder.configProvider = NewCfgxConfigProvider(nil)
	}
	if builder.optionsResolver == nil {
		builder.optionsResolver = GoOptionsResolver{}
	}
	if builder.now == nil {
		builder.now = func() time.Time { return time.Now().UTC() }
	}
	if builder.newID == nil {
		builder.newID = uuid.NewString
	}

	defaults := DefaultConfig()
	loaded, err := builder.configProvider.Load(context.Background(), defaults)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	finalConfig, err := builder.optionsResolver.Resolve(defaults, loaded, builder.runtimeConfig)
	if err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}

	if err := resolveFactoryStores(&builder); err != nil {
		return nil, mapBuildError(builder.errorMapper, err)
	}
	if builder.issuanceStore == nil {
		builder.issuanceStore = NewMemoryIssuanceStore()
	}
	if builder.taskScheduler == nil {
		builder.taskScheduler = NewMemoryTaskQueue()
	}
	if builder.locker == nil {
		builder.locker = NewMemoryLocker()
	}
	if builder.rateLimiter == nil {
		limiter := ratelimit.NewWindowLimiter(builder.issuanceStore)
		limiter.Window = finalConfig.RateLimitWindow()
		limiter.RetryAfter = finalConfig.RateLimitDelay()
		limiter.Now = builder.now
		builder.rateLimiter = limiter
	}

	return &Service{
		config:            finalConfig,
		logger:            logger,
		loggerProvider:    provider,
		metricsRecorder:   builder.metricsRecorder,
		errorFactory:      builder.errorFactory,
		errorMapper:       builder.errorMapper,
		persistenceClient: builder.persistenceClient,
		repositoryFactory: builder.repositoryFactory,
		configProvider:    builder.configProvider,
		optionsResolver:   builder.optionsResolver,
		issuances:         builder.issuanceStore,
		grades:            builder.gradeStore,
		policies:          builder.policyStore,
		directory:         builder.directory,
		credentialAPI:     builder.credentialAPI,
		scheduler:         builder.taskScheduler,
		notifier:          builder.notificationSink,
		events:            builder.eventSink,
		guard:             NewDuplicateGuard(builder.locker),
		oracle:            NewGradeFreshnessOracle(builder.gradeStore, finalConfig.GradeTolerance()),
		rateLimiter:       builder.rateLimiter,
		schedule:          finalConfig.RetrySchedule(),
		now:               builder.now,
		newID:             builder.newID,
	}, nil
}

// resolveFactoryStores fills unset stores from the repository factory.
func resolveFactoryStores(builder *serviceBuilder) error {
	if builder.repositoryFactory == nil {
		return nil
	}
	factory := builder.repositoryFactory
	if storeFactory, ok := factory.(RepositoryStoreFactory); ok && builder.issuanceStore == nil {
		provider, err := storeFactory.BuildStores(builder.persistenceClient)
		if err != nil {
			return err
		}
		if provider != nil {
			builder.issuanceStore = provider.IssuanceStore()
		}
	} else if provider, ok := factory.(StoreProvider); ok && builder.issuanceStore == nil {
		builder.issuanceStore = provider.IssuanceStore()
	}
	if builder.taskScheduler == nil {
		if provider, ok := factory.(interface{ TaskScheduler() TaskScheduler }); ok {
			builder.taskScheduler = provider.TaskScheduler()
		}
	}
	if builder.locker == nil {
		if provider, ok := factory.(interface{ Locker() Locker }); ok {
			builder.locker = provider.Locker()
		}
	}
	if builder.eventSink == nil {
		if provider, ok := factory.(interface{ EventOutbox() OutboxStore }); ok {
			if outbox := provider.EventOutbox(); outbox != nil {
				builder.eventSink = OutboxEventSink{Store: outbox}
			}
		}
	}
	return nil
}

func (s *Service) Config() Config {
	if s == nil {
		return Config{}
	}
	return s.config
}

func (s *Service) Dependencies() ServiceDependencies {
	if s == nil {
		return ServiceDependencies{}
	}
	return ServiceDependencies{
		Logger:            s.logger,
		LoggerProvider:    s.loggerProvider,
		MetricsRecorder:   s.metricsRecorder,
		ErrorFactory:      s.errorFactory,
		ErrorMapper:       s.errorMapper,
		PersistenceClient: s.persistenceClient,
		RepositoryFactory: s.repositoryFactory,
		ConfigProvider:    s.configProvider,
		OptionsResolver:   s.optionsResolver,
		IssuanceStore:     s.issuances,
		GradeStore:        s.grades,
		TenantPolicyStore: s.policies,
		Directory:         s.directory,
		CredentialAPI:     s.credentialAPI,
		TaskScheduler:     s.scheduler,
		NotificationSink:  s.notifier,
		EventSink:         s.events,
		RateLimiter:       s.rateLimiter,
	}
}

func (s *Service) RetrySchedule() RetrySchedule {
	if s == nil {
		return DefaultRetrySchedule()
	}
	return s.schedule
}

func (s *Service) GetIssuance(ctx context.Context, id string) (issuance Issuance, err error) {
	startedAt := time.Now()
	fields := map[string]any{"issuance_id": strings.TrimSpace(id)}
	defer func() {
		s.observeOperation(ctx, startedAt, "get_issuance", err, fields)
	}()
	if strings.TrimSpace(id) == "" {
		return Issuance{}, s.mapError(fmt.Errorf("core: issuance id is required"))
	}
	if s.issuances == nil {
		return Issuance{}, s.mapError(fmt.Errorf("core: issuance store is required"))
	}
	issuance, err = s.issuances.Get(ctx, strings.TrimSpace(id))
	if err != nil {
		return Issuance{}, s.mapError(err)
	}
	return issuance, nil
}

func (s *Service) ListIssuances(ctx context.Context, filter IssuanceFilter) (page IssuancePage, err error) {
	startedAt := time.Now()
	fields := map[string]any{"status": string(filter.Status)}
	defer func() {
		s.observeOperation(ctx, startedAt, "list_issuances", err, fields)
	}()
	if filter.Status != "" && !filter.Status.Valid() {
		return IssuancePage{}, s.mapError(fmt.Errorf("core: invalid issuance status %q", filter.Status))
	}
	if s.issuances == nil {
		return IssuancePage{}, s.mapError(fmt.Errorf("core: issuance store is required"))
	}
	page, err = s.issuances.List(ctx, filter)
	if err != nil {
		return IssuancePage{}, s.mapError(err)
	}
	fields["total"] = page.Total
	return page, nil
}

func (s *Service) IssuanceStats(ctx context.Context, filter IssuanceFilter) (stats IssuanceStats, err error) {
	startedAt := time.Now()
	defer func() {
		s.observeOperation(ctx, startedAt, "issuance_stats", err, nil)
	}()
	if s.issuances == nil {
		return IssuanceStats{}, s.mapError(fmt.Errorf("core: issuance store is required"))
	}
	stats, err = s.issuances.Stats(ctx, filter)
	if err != nil {
		return IssuanceStats{}, s.mapError(err)
	}
	return stats, nil
}

// ListTemplates returns the credential templates available to the tenant of a course.
func (s *Service) ListTemplates(ctx context.Context, courseID string, activeOnly bool) (templates []Template, err error) {
	startedAt := time.Now()
	fields := map[string]any{"course_id": strings.TrimSpace(courseID)}
	defer func() {
		s.observeOperation(ctx, startedAt, "list_templates", err, fields)
	}()
	if strings.TrimSpace(courseID) == "" {
		return nil, s.mapError(fmt.Errorf("core: course id is required"))
	}
	if s.policies == nil || s.credentialAPI == nil {
		return nil, s.mapError(fmt.Errorf("core: tenant policy store and credential api are required"))
	}
	policy, ok, err := s.policies.Resolve(ctx, strings.TrimSpace(courseID))
	if err != nil {
		return nil, s.mapError(err)
	}
	if !ok {
		return nil, s.mapError(fmt.Errorf("core: course config not found for %q", courseID))
	}
	templates, err = s.credentialAPI.ListTemplates(ctx, policy.Endpoint(), activeOnly)
	if err != nil {
		return nil, s.mapError(err)
	}
	return templates, nil
}

type RequeueResult struct {
	Scanned   int
	Scheduled int
}

// RequeuePending schedules a run for the oldest pending issuances. Issuances
// that already have a unit of work keep it.
func (s *Service) RequeuePending(ctx context.Context, limit int) (result RequeueResult, err error) {
	startedAt := time.Now()
	fields := map[string]any{}
	defer func() {
		fields["scanned"] = result.Scanned
		fields["scheduled"] = result.Scheduled
		s.observeOperation(ctx, startedAt, "requeue_pending", err, fields)
	}()
	if s.issuances == nil || s.scheduler == nil {
		return RequeueResult{}, s.mapError(fmt.Errorf("core: issuance store and task scheduler are required"))
	}
	if limit <= 0 {
		limit = s.config.RequeueBatchSize()
	}
	pending, err := s.issuances.ListPending(ctx, limit)
	if err != nil {
		return RequeueResult{}, s.mapError(err)
	}
	result.Scanned = len(pending)
	now := s.now()
	for _, issuance := range pending {
		if err := s.scheduler.ScheduleAt(ctx, IssuanceTaskIdentity(issuance.ID), IssuanceTaskPayload(issuance), now); err != nil {
			return result, s.mapError(err)
		}
		result.Scheduled++
	}
	return result, nil
}

func (s *Service) mapError(err error) error {
	if err == nil {
		return nil
	}
	if s == nil || s.errorMapper == nil {
		return err
	}
	mapped := s.errorMapper(err)
	if mapped == nil {
		return err
	}
	return mapped
}

func mapBuildError(mapper ErrorMapper, err error) error {
	if err == nil {
		return nil
	}
	if mapper == nil {
		return err
	}
	if mapped := mapper(err); mapped != nil {
		return mapped
	}
	return err
}

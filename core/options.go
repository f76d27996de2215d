package core

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-config/cfgx"
	goerrors "github.com/goliatone/go-errors"
	glog "github.com/goliatone/go-logger/glog"
	opts "github.com/goliatone/go-options"
	"github.com/google/uuid"
)

type ErrorFactory func(message string, category ...goerrors.Category) *goerrors.Error

type ErrorMapper func(err error) *goerrors.Error

type ConfigProvider interface {
	Load(ctx context.Context, defaults Config) (Config, error)
}

type RawConfigLoader interface {
	LoadRaw(ctx context.Context) (map[string]any, error)
}

type OptionsResolver interface {
	Resolve(defaults Config, loaded Config, runtime Config) (Config, error)
}

type serviceBuilder struct {
	runtimeConfig     Config
	logger            Logger
	loggerProvider    LoggerProvider
	metricsRecorder   MetricsRecorder
	errorFactory      ErrorFactory
	errorMapper       ErrorMapper
	persistenceClient any
	repositoryFactory any
	configProvider    ConfigProvider
	optionsResolver   OptionsResolver
	issuanceStore     IssuanceStore
	gradeStore        GradeStore
	policyStore       TenantPolicyStore
	directory         Directory
	credentialAPI     CredentialAPI
	taskScheduler     TaskScheduler
	notificationSink  NotificationSink
	eventSink         EventSink
	locker            Locker
	rateLimiter       RateLimiter
	now               func() time.Time
	newID             func() string
}

type Option func(*serviceBuilder)

func WithLogger(logger Logger) Option {
	return func(b *serviceBuilder) {
		b.logger = logger
	}
}

func WithLoggerProvider(provider LoggerProvider) Option {
	return func(b *serviceBuilder) {
		b.loggerProvider = provider
	}
}

func WithMetricsRecorder(recorder MetricsRecorder) Option {
	return func(b *serviceBuilder) {
		b.metricsRecorder = recorder
	}
}

func WithErrorFactory(factory ErrorFactory) Option {
	return func(b *serviceBuilder) {
		b.errorFactory = factory
	}
}

func WithErrorMapper(mapper ErrorMapper) Option {
	return func(b *serviceBuilder) {
		b.errorMapper = mapper
	}
}

func WithPersistenceClient(client any) Option {
	return func(b *serviceBuilder) {
		b.persistenceClient = client
	}
}

func WithRepositoryFactory(factory any) Option {
	return func(b *serviceBuilder) {
		b.repositoryFactory = factory
	}
}

func WithConfigProvider(provider ConfigProvider) Option {
	return func(b *serviceBuilder) {
		b.configProvider = provider
	}
}

func WithOptionsResolver(resolver OptionsResolver) Option {
	return func(b *serviceBuilder) {
		b.optionsResolver = resolver
	}
}

func WithIssuanceStore(store IssuanceStore) Option {
	return func(b *serviceBuilder) {
		b.issuanceStore = store
	}
}

func WithGradeStore(store GradeStore) Option {
	return func(b *serviceBuilder) {
		b.gradeStore = store
	}
}

func WithTenantPolicyStore(store TenantPolicyStore) Option {
	return func(b *serviceBuilder) {
		b.policyStore = store
	}
}

func WithDirectory(directory Directory) Option {
	return func(b *serviceBuilder) {
		b.directory = directory
	}
}

func WithCredentialAPI(api CredentialAPI) Option {
	return func(b *serviceBuilder) {
		b.credentialAPI = api
	}
}

func WithTaskScheduler(scheduler TaskScheduler) Option {
	return func(b *serviceBuilder) {
		b.taskScheduler = scheduler
	}
}

func WithNotificationSink(sink NotificationSink) Option {
	return func(b *serviceBuilder) {
		b.notificationSink = sink
	}
}

func WithEventSink(sink EventSink) Option {
	return func(b *serviceBuilder) {
		b.eventSink = sink
	}
}

func WithLocker(locker Locker) Option {
	return func(b *serviceBuilder) {
		b.locker = locker
	}
}

func WithRateLimiter(limiter RateLimiter) Option {
	return func(b *serviceBuilder) {
		b.rateLimiter = limiter
	}
}

func WithClock(now func() time.Time) Option {
	return func(b *serviceBuilder) {
		b.now = now
	}
}

func WithIDGenerator(newID func() string) Option {
	return func(b *serviceBuilder) {
		b.newID = newID
	}
}

func defaultServiceBuilder(runtime Config) serviceBuilder {
	loggerProvider, logger := glog.Resolve("issuance", nil, nil)
	return serviceBuilder{
		runtimeConfig:   runtime,
		loggerProvider:  loggerProvider,
		logger:          logger,
		metricsRecorder: NopMetricsRecorder{},
		errorFactory:    goerrors.New,
		errorMapper:     defaultErrorMapper,
		configProvider:  NewCfgxConfigProvider(nil),
		optionsResolver: GoOptionsResolver{},
		now:             func() time.Time { return time.Now().UTC() },
		newID:           uuid.NewString,
	}
}

func defaultErrorMapper(err error) *goerrors.Error {
	if err == nil {
		return nil
	}
	return issuanceErrorMapper(err)
}

type staticRawConfigLoader struct {
	Values map[string]any
}

func (l staticRawConfigLoader) LoadRaw(context.Context) (map[string]any, error) {
	if len(l.Values) == 0 {
		return map[string]any{}, nil
	}
	out := make(map[string]any, len(l.Values))
	for key, value := range l.Values {
		out[key] = value
	}
	return out, nil
}

// StaticConfigLoader serves a fixed raw configuration map.
func StaticConfigLoader(values map[string]any) RawConfigLoader {
	return staticRawConfigLoader{Values: values}
}

type CfgxConfigProvider struct {
	Loader RawConfigLoader
}

func NewCfgxConfigProvider(loader RawConfigLoader) *CfgxConfigProvider {
	return &CfgxConfigProvider{Loader: loader}
}

func (p *CfgxConfigProvider) Load(ctx context.Context, defaults Config) (Config, error) {
	if p == nil {
		return defaults, nil
	}
	loader := p.Loader
	if loader == nil {
		loader = staticRawConfigLoader{}
	}
	raw, err := loader.LoadRaw(ctx)
	if err != nil {
		return Config{}, err
	}
	cfg, err := cfgx.Build[Config](raw,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	return cfg, nil
}

type GoOptionsResolver struct{}

func (GoOptionsResolver) Resolve(defaults Config, loaded Config, runtime Config) (Config, error) {
	stack, err := opts.NewStack(
		opts.NewLayer(
			opts.NewScope("defaults", 0),
			configToLayerMap(defaults, true),
			opts.WithSnapshotID[map[string]any]("defaults"),
		),
		opts.NewLayer(
			opts.NewScope("config", 10),
			configToLayerMap(loaded, false),
			opts.WithSnapshotID[map[string]any]("config"),
		),
		opts.NewLayer(
			opts.NewScope("runtime", 20),
			configToLayerMap(runtime, false),
			opts.WithSnapshotID[map[string]any]("runtime"),
		),
	)
	if err != nil {
		return Config{}, fmt.Errorf("core: options stack build failed: %w", err)
	}
	merged, err := stack.Merge()
	if err != nil {
		return Config{}, fmt.Errorf("core: options merge failed: %w", err)
	}
	resolved, err := cfgx.Build[Config](merged.Value,
		cfgx.WithDefaults(defaults),
		cfgx.WithValidator[Config]((*Config).Validate),
	)
	if err != nil {
		return Config{}, err
	}
	if err := resolved.Validate(); err != nil {
		return Config{}, err
	}
	return resolved, nil
}

// configToLayerMap drops zero values unless includeZero is set, so a sparse
// runtime Config only overrides the fields it carries.
func configToLayerMap(cfg Config, includeZero bool) map[string]any {
	layer := map[string]any{}
	if includeZero || strings.TrimSpace(cfg.ServiceName) != "" {
		layer["service_name"] = cfg.ServiceName
	}

	gradeWait := map[string]any{}
	if includeZero || len(cfg.GradeWait.DelaysSeconds) > 0 {
		gradeWait["delays_seconds"] = append([]int(nil), cfg.GradeWait.DelaysSeconds...)
	}
	putInt(gradeWait, "max_attempts", cfg.GradeWait.MaxAttempts, includeZero)
	putInt(gradeWait, "tolerance_seconds", cfg.GradeWait.ToleranceSeconds, includeZero)
	putSection(layer, "grade_wait", gradeWait)

	apiRetry := map[string]any{}
	putInt(apiRetry, "base_delay_seconds", cfg.APIRetry.BaseDelaySeconds, includeZero)
	putInt(apiRetry, "max_delay_seconds", cfg.APIRetry.MaxDelaySeconds, includeZero)
	putInt(apiRetry, "max_attempts", cfg.APIRetry.MaxAttempts, includeZero)
	putSection(layer, "api_retry", apiRetry)

	holds := map[string]any{}
	putInt(holds, "paused_delay_seconds", cfg.Holds.PausedDelaySeconds, includeZero)
	putInt(holds, "rate_limit_delay_seconds", cfg.Holds.RateLimitDelaySeconds, includeZero)
	putInt(holds, "rate_limit_window_seconds", cfg.Holds.RateLimitWindowSeconds, includeZero)
	putSection(layer, "holds", holds)

	completion := map[string]any{}
	putInt(completion, "lock_timeout_seconds", cfg.Completion.LockTimeoutSeconds, includeZero)
	putInt(completion, "initial_grade_delay_seconds", cfg.Completion.InitialGradeDelaySeconds, includeZero)
	if includeZero || cfg.Completion.QueueWhenPaused {
		completion["queue_when_paused"] = cfg.Completion.QueueWhenPaused
	}
	putSection(layer, "completion", completion)

	api := map[string]any{}
	putInt(api, "timeout_seconds", cfg.API.TimeoutSeconds, includeZero)
	putInt(api, "template_cache_ttl_seconds", cfg.API.TemplateCacheTTLSeconds, includeZero)
	putSection(layer, "api", api)

	requeue := map[string]any{}
	putInt(requeue, "batch_size", cfg.Requeue.BatchSize, includeZero)
	putSection(layer, "requeue", requeue)

	return layer
}

func putInt(section map[string]any, key string, value int, includeZero bool) {
	if includeZero || value != 0 {
		section[key] = value
	}
}

func putSection(layer map[string]any, key string, section map[string]any) {
	if len(section) > 0 {
		layer[key] = section
	}
}

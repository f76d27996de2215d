package issuance

import (
	"fmt"
	"time"

	"github.com/goliatone/go-command/dispatcher"
	"github.com/goliatone/go-issuance/adapters/gocommand"
	"github.com/goliatone/go-issuance/adapters/gologger"
	issuancecommand "github.com/goliatone/go-issuance/command"
	"github.com/goliatone/go-issuance/core"
	issuancequery "github.com/goliatone/go-issuance/query"
	"github.com/goliatone/go-issuance/worker"
)

type CommandQueryService interface {
	issuancecommand.MutatingService
	issuancequery.IssuanceReader
	issuancequery.TemplateReader
}

type Commands struct {
	HandleCourseCompleted *issuancecommand.HandleCourseCompletedCommand
	RunIssuance           *issuancecommand.RunIssuanceCommand
	RequeuePending        *issuancecommand.RequeuePendingCommand
}

type Queries struct {
	GetIssuance   *issuancequery.GetIssuanceQuery
	ListIssuances *issuancequery.ListIssuancesQuery
	IssuanceStats *issuancequery.IssuanceStatsQuery
	ListTemplates *issuancequery.ListTemplatesQuery
}

type Facade struct {
	service  CommandQueryService
	commands Commands
	queries  Queries
	runner   *worker.Runner
}

type FacadeOption func(*facadeOptions)

type facadeOptions struct {
	queue      core.TaskQueue
	dispatcher    core.EventDispatcher
	logger        core.Logger
	sweepInterval time.Duration
}

// WithTaskQueue sets the queue the facade runner drains. Without it the
// service's scheduler is used when it can be drained.
func WithTaskQueue(queue core.TaskQueue) FacadeOption {
	return func(options *facadeOptions) {
		options.queue = queue
	}
}

func WithEventDispatcher(eventDispatcher core.EventDispatcher) FacadeOption {
	return func(options *facadeOptions) {
		options.dispatcher = eventDispatcher
	}
}

func WithRunnerLogger(logger core.Logger) FacadeOption {
	return func(options *facadeOptions) {
		options.logger = logger
	}
}

// WithPendingSweep makes the runner requeue orphaned pending issuances every
// interval while it runs.
func WithPendingSweep(interval time.Duration) FacadeOption {
	return func(options *facadeOptions) {
		options.sweepInterval = interval
	}
}

func NewFacade(service CommandQueryService, opts ...FacadeOption) (*Facade, error) {
	if service == nil {
		return nil, fmt.Errorf("issuance: command/query service is required")
	}
	cfg := facadeOptions{}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		opt(&cfg)
	}

	facade := &Facade{service: service}
	facade.commands = Commands{
		HandleCourseCompleted: issuancecommand.NewHandleCourseCompletedCommand(service),
		RunIssuance:           issuancecommand.NewRunIssuanceCommand(service),
		RequeuePending:        issuancecommand.NewRequeuePendingCommand(service),
	}
	facade.queries = Queries{
		GetIssuance:   issuancequery.NewGetIssuanceQuery(service),
		ListIssuances: issuancequery.NewListIssuancesQuery(service),
		IssuanceStats: issuancequery.NewIssuanceStatsQuery(service),
		ListTemplates: issuancequery.NewListTemplatesQuery(service),
	}

	queue := cfg.queue
	if queue == nil {
		queue = resolveTaskQueue(service)
	}
	if queue != nil {
		registry := worker.NewRegistry()
		if err := worker.RegisterIssuanceExecutor(registry, service); err != nil {
			return nil, err
		}
		logger := cfg.logger
		if logger == nil {
			logger = resolveLogger(service)
		}
		facade.runner = worker.NewRunner(queue, registry, logger)
		facade.runner.Dispatcher = cfg.dispatcher
		if cfg.sweepInterval > 0 {
			facade.runner.Sweeper = service
			facade.runner.SweepInterval = cfg.sweepInterval
		}
	}

	return facade, nil
}

func (f *Facade) Commands() Commands {
	if f == nil {
		return Commands{}
	}
	return f.commands
}

func (f *Facade) Queries() Queries {
	if f == nil {
		return Queries{}
	}
	return f.queries
}

func (f *Facade) Service() CommandQueryService {
	if f == nil {
		return nil
	}
	return f.service
}

// Runner returns the task runner, or nil when no drainable queue was found.
func (f *Facade) Runner() *worker.Runner {
	if f == nil {
		return nil
	}
	return f.runner
}

// Register adds every command and query to the go-command registry and
// subscribes them to the dispatcher. On error the subscriptions made so far
// are released.
func (f *Facade) Register(adapter *gocommand.RegistryAdapter) (gocommand.Subscriptions, error) {
	if f == nil {
		return nil, fmt.Errorf("issuance: facade is nil")
	}
	subscriptions := make(gocommand.Subscriptions, 0, 7)
	steps := []func() (dispatcher.Subscription, error){
		func() (dispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribe(adapter, f.commands.HandleCourseCompleted)
		},
		func() (dispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribe(adapter, f.commands.RunIssuance)
		},
		func() (dispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribe(adapter, f.commands.RequeuePending)
		},
		func() (dispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribeQuery(adapter, f.queries.GetIssuance)
		},
		func() (dispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribeQuery(adapter, f.queries.ListIssuances)
		},
		func() (dispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribeQuery(adapter, f.queries.IssuanceStats)
		},
		func() (dispatcher.Subscription, error) {
			return gocommand.RegisterAndSubscribeQuery(adapter, f.queries.ListTemplates)
		},
	}
	for _, step := range steps {
		subscription, err := step()
		if err != nil {
			subscriptions.Unsubscribe()
			return nil, err
		}
		subscriptions = append(subscriptions, subscription)
	}
	return subscriptions, nil
}

type dependencyProvider interface {
	Dependencies() core.ServiceDependencies
}

func resolveTaskQueue(service CommandQueryService) core.TaskQueue {
	if queue, ok := service.(core.TaskQueue); ok {
		return queue
	}
	provider, ok := service.(dependencyProvider)
	if !ok {
		return nil
	}
	deps := provider.Dependencies()
	if queue, ok := deps.TaskScheduler.(core.TaskQueue); ok {
		return queue
	}
	return nil
}

func resolveLogger(service CommandQueryService) core.Logger {
	provider, ok := service.(dependencyProvider)
	if !ok {
		return gologger.ResolveWorker(nil, nil)
	}
	deps := provider.Dependencies()
	return gologger.ResolveWorker(deps.LoggerProvider, deps.Logger)
}

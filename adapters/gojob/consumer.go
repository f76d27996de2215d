package gojob

import (
	"context"
	"fmt"
	"math"
	"strings"
	"sync"
	"time"

	"github.com/goliatone/go-issuance/core"
	issuanceworker "github.com/goliatone/go-issuance/worker"
	glog "github.com/goliatone/go-logger/glog"
)

type ConsumerConfig struct {
	Policy       RetryPolicy
	RetryDelay   time.Duration
	WorkerHook   core.JobWorkerHook
	Logger       core.Logger
	Now          func() time.Time
	IdleInterval time.Duration
}

func DefaultConsumerConfig() ConsumerConfig {
	return ConsumerConfig{
		Policy: RetryPolicy{
			MaxAttempts:     8,
			MaxDelay:        30 * time.Minute,
			DeadLetterOnMax: true,
		},
		RetryDelay:   30 * time.Second,
		IdleInterval: time.Second,
	}
}

// Consumer pulls issuance jobs from a go-job dequeuer and runs them through
// the executor registry. Messages that arrive before their run_at are nacked
// back with the remaining delay.
type Consumer struct {
	dequeuer core.JobDequeuer
	registry *issuanceworker.Registry
	config   ConsumerConfig

	mu       sync.Mutex
	attempts map[string]int
}

func NewConsumer(dequeuer core.JobDequeuer, registry *issuanceworker.Registry, config ConsumerConfig) (*Consumer, error) {
	if dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is required")
	}
	if registry == nil {
		return nil, fmt.Errorf("gojob: executor registry is required")
	}
	defaults := DefaultConsumerConfig()
	if config.RetryDelay <= 0 {
		config.RetryDelay = defaults.RetryDelay
	}
	if config.IdleInterval <= 0 {
		config.IdleInterval = defaults.IdleInterval
	}
	if config.Policy == (RetryPolicy{}) {
		config.Policy = defaults.Policy
	}
	config.Logger = glog.Ensure(config.Logger)
	if config.Now == nil {
		config.Now = func() time.Time { return time.Now().UTC() }
	}
	return &Consumer{
		dequeuer: dequeuer,
		registry: registry,
		config:   config,
		attempts: make(map[string]int),
	}, nil
}

// ConsumeOne handles a single delivery.
func (c *Consumer) ConsumeOne(ctx context.Context) error {
	delivery, err := c.dequeuer.Dequeue(ctx)
	if err != nil {
		return err
	}
	if delivery == nil {
		return nil
	}
	return c.handle(ctx, delivery)
}

// Run consumes until ctx is done.
func (c *Consumer) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}
		if err := c.ConsumeOne(ctx); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			c.config.Logger.Error("issuance job consume failed", "error", err)
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(c.config.IdleInterval):
			}
		}
	}
}

func (c *Consumer) handle(ctx context.Context, delivery core.JobDelivery) error {
	msg := delivery.Message()
	if msg == nil {
		return delivery.Nack(ctx, core.JobNackOptions{DeadLetter: true, Reason: "empty message"})
	}
	if runAt, ok := runAtFromParameters(msg.Parameters); ok {
		if wait := runAt.Sub(c.config.Now()); wait > 0 {
			return delivery.Nack(ctx, core.JobNackOptions{Delay: wait, Requeue: true, Reason: "not due"})
		}
	}

	executor, ok := c.registry.Lookup(msg.ScriptPath)
	if !ok {
		return delivery.Nack(ctx, core.JobNackOptions{
			DeadLetter: true,
			Reason:     fmt.Sprintf("no executor registered for %q", msg.ScriptPath),
		})
	}

	key := strings.TrimSpace(msg.IdempotencyKey)
	attempt := c.nextAttempt(key)
	startedAt := c.config.Now()
	event := core.JobWorkerEvent{Message: msg, Attempt: attempt, StartedAt: startedAt}
	c.hook(func(h core.JobWorkerHook) { h.OnStart(ctx, event) })

	payload := core.TaskPayloadFromParameters(msg.Parameters)
	execErr := executor.Execute(ctx, issuanceworker.Runnable{ID: key, Payload: payload})
	event.Duration = c.config.Now().Sub(startedAt)
	if execErr == nil {
		c.resetAttempts(key)
		c.hook(func(h core.JobWorkerHook) { h.OnSuccess(ctx, event) })
		return delivery.Ack(ctx)
	}

	event.Err = execErr
	event.Delay = c.retryDelay(attempt)
	opts := core.JobNackOptions{Delay: event.Delay, Requeue: true, Reason: execErr.Error()}
	opts = c.policyFor(delivery).Bound(opts, attempt)
	if opts.Requeue {
		c.hook(func(h core.JobWorkerHook) { h.OnRetry(ctx, event) })
	} else {
		c.resetAttempts(key)
		c.hook(func(h core.JobWorkerHook) { h.OnFailure(ctx, event) })
	}
	c.config.Logger.Warn("issuance job failed",
		"job_id", msg.JobID,
		"idempotency_key", key,
		"attempt", attempt,
		"requeue", opts.Requeue,
		"error", execErr,
	)
	return delivery.Nack(ctx, opts)
}

// policyFor prefers the retry policy of the queue the delivery came from.
func (c *Consumer) policyFor(delivery core.JobDelivery) RetryPolicy {
	if adapter, ok := delivery.(*DeliveryAdapter); ok && adapter.policy != (RetryPolicy{}) {
		return adapter.policy
	}
	return c.config.Policy
}

func (c *Consumer) retryDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	next := time.Duration(float64(c.config.RetryDelay) * math.Pow(2, float64(attempt-1)))
	if next <= 0 {
		return c.config.Policy.MaxDelay
	}
	return next
}

func (c *Consumer) nextAttempt(key string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts[key]++
	return c.attempts[key]
}

func (c *Consumer) resetAttempts(key string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.attempts, key)
}

func (c *Consumer) hook(fn func(core.JobWorkerHook)) {
	if c.config.WorkerHook != nil {
		fn(c.config.WorkerHook)
	}
}

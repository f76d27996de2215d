package core

import (
	"context"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"
)

const MetadataKeyOutboxAttempts = "_outbox_attempts"

type OutboxDispatcherConfig struct {
	BatchSize      int
	MaxAttempts    int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
}

func DefaultOutboxDispatcherConfig() OutboxDispatcherConfig {
	return OutboxDispatcherConfig{
		BatchSize:      25,
		MaxAttempts:    6,
		InitialBackoff: 5 * time.Second,
		MaxBackoff:     10 * time.Minute,
	}
}

type OutboxDispatcher struct {
	store    OutboxStore
	registry EventHandlerRegistry
	config   OutboxDispatcherConfig
	now      func() time.Time
}

func NewOutboxDispatcher(
	store OutboxStore,
	registry EventHandlerRegistry,
	config OutboxDispatcherConfig,
) (*OutboxDispatcher, error) {
	if store == nil {
		return nil, fmt.Errorf("core: outbox store is required")
	}
	if config.BatchSize <= 0 {
		config.BatchSize = DefaultOutboxDispatcherConfig().BatchSize
	}
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = DefaultOutboxDispatcherConfig().MaxAttempts
	}
	if config.InitialBackoff <= 0 {
		config.InitialBackoff = DefaultOutboxDispatcherConfig().InitialBackoff
	}
	if config.MaxBackoff <= 0 {
		config.MaxBackoff = DefaultOutboxDispatcherConfig().MaxBackoff
	}
	return &OutboxDispatcher{
		store:    store,
		registry: registry,
		config:   config,
		now: func() time.Time {
			return time.Now().UTC()
		},
	}, nil
}

// DispatchPending claims a batch of outbox events and hands each one to every
// registered handler. A failing event is retried with backoff until
// MaxAttempts, then marked failed.
func (d *OutboxDispatcher) DispatchPending(ctx context.Context, batchSize int) (DispatchStats, error) {
	if d == nil || d.store == nil {
		return DispatchStats{}, fmt.Errorf("core: outbox dispatcher is not configured")
	}
	if batchSize <= 0 {
		batchSize = d.config.BatchSize
	}
	events, err := d.store.ClaimBatch(ctx, batchSize)
	if err != nil {
		return DispatchStats{}, err
	}

	stats := DispatchStats{Claimed: len(events)}
	var errs error
	for _, event := range events {
		eventID := strings.TrimSpace(event.ID)
		handleErr := d.dispatchOne(ctx, event)
		if handleErr == nil {
			if err := d.store.Ack(ctx, eventID); err != nil {
				errs = joinErrors(errs, err)
				continue
			}
			stats.Delivered++
			continue
		}

		errs = joinErrors(errs, handleErr)
		if err := d.retryEvent(ctx, event, handleErr); err != nil {
			errs = joinErrors(errs, err)
		}
		if d.exhausted(event) {
			stats.Failed++
		} else {
			stats.Retried++
		}
	}
	return stats, errs
}

func (d *OutboxDispatcher) exhausted(event IssuanceEvent) bool {
	return nextAttemptIndex(event)+1 >= d.config.MaxAttempts
}

func (d *OutboxDispatcher) dispatchOne(ctx context.Context, event IssuanceEvent) error {
	if d == nil || d.registry == nil {
		return nil
	}
	for i, handler := range d.registry.Handlers() {
		if handler == nil {
			continue
		}
		if err := handler.Handle(ctx, event); err != nil {
			return fmt.Errorf("core: event handler %d failed for %s event %q: %w", i, event.Name, event.ID, err)
		}
	}
	return nil
}

func (d *OutboxDispatcher) retryEvent(ctx context.Context, event IssuanceEvent, cause error) error {
	eventID := strings.TrimSpace(event.ID)
	if d.exhausted(event) {
		return d.store.Retry(ctx, eventID, cause, time.Time{})
	}
	delay := d.nextBackoffDelay(nextAttemptIndex(event) + 1)
	return d.store.Retry(ctx, eventID, cause, d.now().Add(delay))
}

func (d *OutboxDispatcher) nextBackoffDelay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}
	base := float64(d.config.InitialBackoff)
	multiplier := math.Pow(2, float64(attempt-1))
	next := time.Duration(base * multiplier)
	if next < 0 {
		return d.config.MaxBackoff
	}
	if next > d.config.MaxBackoff {
		return d.config.MaxBackoff
	}
	return next
}

func nextAttemptIndex(event IssuanceEvent) int {
	if len(event.Metadata) == 0 {
		return 0
	}
	raw, ok := event.Metadata[MetadataKeyOutboxAttempts]
	if !ok {
		return 0
	}
	switch typed := raw.(type) {
	case int:
		if typed < 0 {
			return 0
		}
		return typed
	case int64:
		if typed < 0 {
			return 0
		}
		return int(typed)
	case float64:
		if typed < 0 {
			return 0
		}
		return int(typed)
	case string:
		parsed, err := strconv.Atoi(strings.TrimSpace(typed))
		if err == nil && parsed >= 0 {
			return parsed
		}
	}
	return 0
}

func joinErrors(existing error, next error) error {
	if existing == nil {
		return next
	}
	if next == nil {
		return existing
	}
	return fmt.Errorf("%w; %v", existing, next)
}

var _ EventDispatcher = (*OutboxDispatcher)(nil)

package gojob

import (
	"context"
	"fmt"
	"maps"
	"strings"
	"time"

	"github.com/goliatone/go-issuance/core"

	job "github.com/goliatone/go-job"
	"github.com/goliatone/go-job/queue"
)

const (
	JobIDIssueCredential      = core.TaskTypeIssueCredential
	ScriptPathIssueCredential = core.ExecutorIssueCredential

	// DedupPolicyDrop keeps the message already queued for the key.
	DedupPolicyDrop = "drop"
	// DedupPolicyReplace swaps the queued message for the new one.
	DedupPolicyReplace = "replace"
)

// RetryPolicy bounds how long and how often a failed issuance job goes back
// to the queue.
type RetryPolicy struct {
	MaxAttempts     int
	MaxDelay        time.Duration
	DeadLetterOnMax bool
}

// Bound clamps the nack delay to MaxDelay and dead-letters the message once
// attempt reaches MaxAttempts when DeadLetterOnMax is set. Every other nack
// is requeued.
func (p RetryPolicy) Bound(opts core.JobNackOptions, attempt int) core.JobNackOptions {
	opts.Reason = strings.TrimSpace(opts.Reason)
	opts.Delay = max(opts.Delay, 0)
	if p.MaxDelay > 0 {
		opts.Delay = min(opts.Delay, p.MaxDelay)
	}
	exhausted := p.MaxAttempts > 0 && attempt >= p.MaxAttempts
	if opts.DeadLetter || (exhausted && p.DeadLetterOnMax) {
		opts.DeadLetter = true
		opts.Requeue = false
		return opts
	}
	opts.Requeue = true
	return opts
}

func toJobMessage(msg *core.JobExecutionMessage) *job.ExecutionMessage {
	if msg == nil {
		return nil
	}
	return &job.ExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    job.DeduplicationPolicy(strings.TrimSpace(msg.DedupPolicy)),
	}
}

func fromJobMessage(msg *job.ExecutionMessage) *core.JobExecutionMessage {
	if msg == nil {
		return nil
	}
	return &core.JobExecutionMessage{
		JobID:          strings.TrimSpace(msg.JobID),
		ScriptPath:     strings.TrimSpace(msg.ScriptPath),
		Parameters:     cloneParameters(msg.Parameters),
		IdempotencyKey: strings.TrimSpace(msg.IdempotencyKey),
		DedupPolicy:    strings.TrimSpace(string(msg.DedupPolicy)),
	}
}

// EnqueuerAdapter publishes issuance job messages to a go-job queue.
type EnqueuerAdapter struct {
	enqueuer queue.Enqueuer
}

func NewEnqueuerAdapter(enqueuer queue.Enqueuer) *EnqueuerAdapter {
	return &EnqueuerAdapter{enqueuer: enqueuer}
}

func (a *EnqueuerAdapter) Enqueue(ctx context.Context, msg *core.JobExecutionMessage) error {
	if a == nil || a.enqueuer == nil {
		return fmt.Errorf("gojob: enqueuer is not configured")
	}
	if msg == nil {
		return fmt.Errorf("gojob: execution message is required")
	}
	return a.enqueuer.Enqueue(ctx, toJobMessage(msg))
}

// DeliveryAdapter exposes a go-job delivery with its queue's retry policy.
type DeliveryAdapter struct {
	delivery queue.Delivery
	policy   RetryPolicy
}

func (d *DeliveryAdapter) Message() *core.JobExecutionMessage {
	if d == nil || d.delivery == nil {
		return nil
	}
	return fromJobMessage(d.delivery.Message())
}

func (d *DeliveryAdapter) Ack(ctx context.Context) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	return d.delivery.Ack(ctx)
}

// Nack hands the options to go-job with the delay clamped by the policy.
// Attempt accounting is left to the caller.
func (d *DeliveryAdapter) Nack(ctx context.Context, opts core.JobNackOptions) error {
	if d == nil || d.delivery == nil {
		return fmt.Errorf("gojob: delivery is not configured")
	}
	bounded := d.policy.Bound(opts, 0)
	return d.delivery.Nack(ctx, queue.NackOptions{
		Delay:      bounded.Delay,
		Requeue:    bounded.Requeue,
		DeadLetter: bounded.DeadLetter,
		Reason:     bounded.Reason,
	})
}

// DequeuerAdapter pulls deliveries from a go-job queue.
type DequeuerAdapter struct {
	dequeuer queue.Dequeuer
	policy   RetryPolicy
}

func NewDequeuerAdapter(dequeuer queue.Dequeuer, policy RetryPolicy) *DequeuerAdapter {
	return &DequeuerAdapter{dequeuer: dequeuer, policy: policy}
}

func (a *DequeuerAdapter) Dequeue(ctx context.Context) (core.JobDelivery, error) {
	if a == nil || a.dequeuer == nil {
		return nil, fmt.Errorf("gojob: dequeuer is not configured")
	}
	delivery, err := a.dequeuer.Dequeue(ctx)
	if err != nil {
		return nil, err
	}
	if delivery == nil {
		return nil, nil
	}
	return &DeliveryAdapter{delivery: delivery, policy: a.policy}, nil
}

func cloneParameters(in map[string]any) map[string]any {
	out := make(map[string]any, len(in))
	maps.Copy(out, in)
	return out
}

var (
	_ core.JobEnqueuer = (*EnqueuerAdapter)(nil)
	_ core.JobDelivery = (*DeliveryAdapter)(nil)
	_ core.JobDequeuer = (*DequeuerAdapter)(nil)
)

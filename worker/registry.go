package worker

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/goliatone/go-issuance/core"
)

// Runnable is the unit handed to an executor: the task row id and the payload
// the task was scheduled with.
type Runnable struct {
	ID      string
	Payload core.TaskPayload
}

type Executor interface {
	Execute(ctx context.Context, task Runnable) error
}

// ExecutorFunc adapts a function to Executor.
type ExecutorFunc func(ctx context.Context, task Runnable) error

func (f ExecutorFunc) Execute(ctx context.Context, task Runnable) error {
	if f == nil {
		return nil
	}
	return f(ctx, task)
}

// Registry maps executor tags to executors.
type Registry struct {
	mu        sync.RWMutex
	executors map[string]Executor
}

func NewRegistry() *Registry {
	return &Registry{executors: make(map[string]Executor)}
}

func (r *Registry) Register(tag string, executor Executor) error {
	if r == nil {
		return fmt.Errorf("worker: registry is nil")
	}
	tag = strings.TrimSpace(tag)
	if tag == "" {
		return fmt.Errorf("worker: executor tag is required")
	}
	if executor == nil {
		return fmt.Errorf("worker: executor for %q is nil", tag)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.executors == nil {
		r.executors = make(map[string]Executor)
	}
	if _, exists := r.executors[tag]; exists {
		return fmt.Errorf("worker: executor %q already registered", tag)
	}
	r.executors[tag] = executor
	return nil
}

func (r *Registry) Lookup(tag string) (Executor, bool) {
	if r == nil {
		return nil, false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	executor, ok := r.executors[strings.TrimSpace(tag)]
	return executor, ok
}

// Tags lists registered executor tags in sorted order.
func (r *Registry) Tags() []string {
	if r == nil {
		return nil
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.executors))
	for tag := range r.executors {
		out = append(out, tag)
	}
	sort.Strings(out)
	return out
}

// IssuanceRunner is the slice of the issuance service an executor needs.
type IssuanceRunner interface {
	RunIssuance(ctx context.Context, issuanceID string) (core.RunResult, error)
}

// IssuanceExecutor runs the issuance state machine for the task payload.
func IssuanceExecutor(runner IssuanceRunner) Executor {
	return ExecutorFunc(func(ctx context.Context, task Runnable) error {
		if runner == nil {
			return fmt.Errorf("worker: issuance runner is required")
		}
		issuanceID := strings.TrimSpace(task.Payload.IssuanceID)
		if issuanceID == "" {
			return fmt.Errorf("worker: task %q has no issuance id", task.ID)
		}
		_, err := runner.RunIssuance(ctx, issuanceID)
		return err
	})
}

// RegisterIssuanceExecutor binds IssuanceExecutor to the issuance task tag.
func RegisterIssuanceExecutor(registry *Registry, runner IssuanceRunner) error {
	return registry.Register(core.ExecutorIssueCredential, IssuanceExecutor(runner))
}

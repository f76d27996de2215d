package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// ScheduledTask is one outstanding unit of work. Version changes on every
// reschedule so a runner can tell whether the task moved while it ran.
type ScheduledTask struct {
	ID        string
	Identity  TaskIdentity
	Payload   TaskPayload
	RunAt     time.Time
	Version   int
	Claims    int
	LastError string
}

// TaskQueue is a TaskScheduler that a runner can drain.
type TaskQueue interface {
	TaskScheduler
	ClaimDue(ctx context.Context, now time.Time, limit int) ([]ScheduledTask, error)
	// Complete removes a claimed task unless it was rescheduled while running.
	Complete(ctx context.Context, task ScheduledTask) error
	// Release returns a claimed task to the queue at runAt unless it was
	// rescheduled while running.
	Release(ctx context.Context, task ScheduledTask, runAt time.Time, cause error) error
}

type memoryTask struct {
	task    ScheduledTask
	claimed bool
}

type MemoryTaskQueue struct {
	mu       sync.Mutex
	tasks    map[string]*memoryTask
	sequence int
}

func NewMemoryTaskQueue() *MemoryTaskQueue {
	return &MemoryTaskQueue{tasks: make(map[string]*memoryTask)}
}

func (q *MemoryTaskQueue) ScheduleAt(_ context.Context, identity TaskIdentity, payload TaskPayload, runAt time.Time) error {
	if err := validateTaskIdentity(identity); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if _, exists := q.tasks[identity.Key]; exists {
		return nil
	}
	q.insert(identity, payload, runAt)
	return nil
}

func (q *MemoryTaskQueue) RescheduleOrQueue(_ context.Context, identity TaskIdentity, payload TaskPayload, runAt time.Time) error {
	if err := validateTaskIdentity(identity); err != nil {
		return err
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	existing, ok := q.tasks[identity.Key]
	if !ok {
		q.insert(identity, payload, runAt)
		return nil
	}
	existing.task.Payload = payload
	existing.task.RunAt = runAt.UTC()
	existing.task.Version++
	existing.claimed = false
	return nil
}

func (q *MemoryTaskQueue) insert(identity TaskIdentity, payload TaskPayload, runAt time.Time) {
	q.sequence++
	q.tasks[identity.Key] = &memoryTask{task: ScheduledTask{
		ID:       fmt.Sprintf("task-%d", q.sequence),
		Identity: identity,
		Payload:  payload,
		RunAt:    runAt.UTC(),
		Version:  1,
	}}
}

func (q *MemoryTaskQueue) ClaimDue(_ context.Context, now time.Time, limit int) ([]ScheduledTask, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	due := make([]*memoryTask, 0)
	for _, entry := range q.tasks {
		if entry.claimed || entry.task.RunAt.After(now) {
			continue
		}
		due = append(due, entry)
	}
	sort.Slice(due, func(i, j int) bool {
		if due[i].task.RunAt.Equal(due[j].task.RunAt) {
			return due[i].task.ID < due[j].task.ID
		}
		return due[i].task.RunAt.Before(due[j].task.RunAt)
	})
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	out := make([]ScheduledTask, 0, len(due))
	for _, entry := range due {
		entry.claimed = true
		entry.task.Claims++
		out = append(out, entry.task)
	}
	return out, nil
}

func (q *MemoryTaskQueue) Complete(_ context.Context, task ScheduledTask) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.tasks[task.Identity.Key]
	if !ok || entry.task.Version != task.Version {
		return nil
	}
	delete(q.tasks, task.Identity.Key)
	return nil
}

func (q *MemoryTaskQueue) Release(_ context.Context, task ScheduledTask, runAt time.Time, cause error) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	entry, ok := q.tasks[task.Identity.Key]
	if !ok || entry.task.Version != task.Version {
		return nil
	}
	entry.claimed = false
	entry.task.RunAt = runAt.UTC()
	if cause != nil {
		entry.task.LastError = cause.Error()
	}
	return nil
}

// Pending lists the queued tasks ordered by run time.
func (q *MemoryTaskQueue) Pending() []ScheduledTask {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]ScheduledTask, 0, len(q.tasks))
	for _, entry := range q.tasks {
		out = append(out, entry.task)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].RunAt.Before(out[j].RunAt)
	})
	return out
}

func validateTaskIdentity(identity TaskIdentity) error {
	if strings.TrimSpace(identity.Key) == "" {
		return fmt.Errorf("core: task identity key is required")
	}
	if strings.TrimSpace(identity.Executor) == "" {
		return fmt.Errorf("core: task executor is required")
	}
	return nil
}

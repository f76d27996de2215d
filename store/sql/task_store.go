package sqlstore

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goliatone/go-issuance/core"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// DefaultTaskClaimTTL bounds how long a claimed task stays invisible to other
// runners before it becomes claimable again.
const DefaultTaskClaimTTL = 5 * time.Minute

// TaskStore is a durable core.TaskQueue keyed by task identity.
type TaskStore struct {
	db       *bun.DB
	claimTTL time.Duration
	now      func() time.Time
}

func NewTaskStore(db *bun.DB) (*TaskStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	return &TaskStore{
		db:       db,
		claimTTL: DefaultTaskClaimTTL,
		now:      func() time.Time { return time.Now().UTC() },
	}, nil
}

// WithClaimTTL overrides the claim lease.
func (s *TaskStore) WithClaimTTL(ttl time.Duration) *TaskStore {
	if s != nil && ttl > 0 {
		s.claimTTL = ttl
	}
	return s
}

func (s *TaskStore) ScheduleAt(ctx context.Context, identity core.TaskIdentity, payload core.TaskPayload, runAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task store is not configured")
	}
	if err := validateIdentity(identity); err != nil {
		return err
	}
	_, err := s.db.NewInsert().
		Model(s.newTaskRecord(identity, payload, runAt)).
		On("CONFLICT (identity_key) DO NOTHING").
		Exec(ctx)
	return err
}

func (s *TaskStore) RescheduleOrQueue(ctx context.Context, identity core.TaskIdentity, payload core.TaskPayload, runAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task store is not configured")
	}
	if err := validateIdentity(identity); err != nil {
		return err
	}
	return s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		moved, err := s.reschedule(ctx, tx, identity, payload, runAt)
		if err != nil || moved {
			return err
		}
		result, err := tx.NewInsert().
			Model(s.newTaskRecord(identity, payload, runAt)).
			On("CONFLICT (identity_key) DO NOTHING").
			Exec(ctx)
		if err != nil {
			return err
		}
		if inserted, err := result.RowsAffected(); err == nil && inserted == 0 {
			_, err = s.reschedule(ctx, tx, identity, payload, runAt)
			return err
		}
		return nil
	})
}

func (s *TaskStore) reschedule(
	ctx context.Context,
	tx bun.Tx,
	identity core.TaskIdentity,
	payload core.TaskPayload,
	runAt time.Time,
) (bool, error) {
	result, err := tx.NewUpdate().
		Model((*taskRecord)(nil)).
		Set("run_at = ?", runAt.UTC()).
		Set("issuance_id = ?", strings.TrimSpace(payload.IssuanceID)).
		Set("tenant_id = ?", trimmedStringPointer(payload.TenantID)).
		Set("version = version + 1").
		Set("claimed_until = NULL").
		Set("updated_at = ?", s.now()).
		Where("identity_key = ?", identity.Key).
		Exec(ctx)
	if err != nil {
		return false, err
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, err
	}
	return affected > 0, nil
}

// ClaimDue leases up to limit due tasks, oldest run time first.
func (s *TaskStore) ClaimDue(ctx context.Context, now time.Time, limit int) ([]core.ScheduledTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: task store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now = now.UTC()
	until := now.Add(s.claimTTL)
	var records []taskRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimable AS (
	SELECT id
	FROM issuance_tasks
	WHERE run_at <= ?
	  AND (claimed_until IS NULL OR claimed_until <= ?)
	ORDER BY run_at ASC, id ASC
	LIMIT ?
)
UPDATE issuance_tasks
SET claimed_until = ?, claims = claims + 1, updated_at = ?
WHERE id IN (SELECT id FROM claimable)
  AND (claimed_until IS NULL OR claimed_until <= ?)
RETURNING
	id,
	identity_key,
	task_type,
	executor,
	issuance_id,
	tenant_id,
	run_at,
	version,
	claimed_until,
	claims,
	last_error,
	created_at,
	updated_at
`
		return tx.NewRaw(query, now, now, limit, until, now, now).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	tasks := make([]core.ScheduledTask, 0, len(records))
	for i := range records {
		tasks = append(tasks, records[i].toDomain())
	}
	sortTasks(tasks)
	return tasks, nil
}

// Complete deletes the task unless it was rescheduled after the claim.
func (s *TaskStore) Complete(ctx context.Context, task core.ScheduledTask) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task store is not configured")
	}
	_, err := s.db.NewDelete().
		Model((*taskRecord)(nil)).
		Where("identity_key = ?", task.Identity.Key).
		Where("version = ?", task.Version).
		Exec(ctx)
	return err
}

// Release hands the task back at runAt unless it was rescheduled after the claim.
func (s *TaskStore) Release(ctx context.Context, task core.ScheduledTask, runAt time.Time, cause error) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: task store is not configured")
	}
	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	_, err := s.db.NewUpdate().
		Model((*taskRecord)(nil)).
		Set("run_at = ?", runAt.UTC()).
		Set("claimed_until = NULL").
		Set("last_error = ?", lastError).
		Set("updated_at = ?", s.now()).
		Where("identity_key = ?", task.Identity.Key).
		Where("version = ?", task.Version).
		Exec(ctx)
	return err
}

// Pending lists queued tasks ordered by run time.
func (s *TaskStore) Pending(ctx context.Context) ([]core.ScheduledTask, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: task store is not configured")
	}
	var records []taskRecord
	if err := s.db.NewSelect().
		Model(&records).
		Order("run_at ASC", "id ASC").
		Scan(ctx); err != nil {
		return nil, err
	}
	tasks := make([]core.ScheduledTask, 0, len(records))
	for i := range records {
		tasks = append(tasks, records[i].toDomain())
	}
	return tasks, nil
}

func (s *TaskStore) newTaskRecord(identity core.TaskIdentity, payload core.TaskPayload, runAt time.Time) *taskRecord {
	now := s.now()
	return &taskRecord{
		ID:          uuid.NewString(),
		IdentityKey: strings.TrimSpace(identity.Key),
		TaskType:    strings.TrimSpace(identity.TaskType),
		Executor:    strings.TrimSpace(identity.Executor),
		IssuanceID:  strings.TrimSpace(payload.IssuanceID),
		TenantID:    trimmedStringPointer(payload.TenantID),
		RunAt:       runAt.UTC(),
		Version:     1,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
}

func validateIdentity(identity core.TaskIdentity) error {
	if strings.TrimSpace(identity.Key) == "" {
		return fmt.Errorf("sqlstore: task identity key is required")
	}
	if strings.TrimSpace(identity.Executor) == "" {
		return fmt.Errorf("sqlstore: task executor is required")
	}
	return nil
}

func sortTasks(tasks []core.ScheduledTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		if tasks[i].RunAt.Equal(tasks[j].RunAt) {
			return tasks[i].ID < tasks[j].ID
		}
		return tasks[i].RunAt.Before(tasks[j].RunAt)
	})
}

package sqlstore

import (
	"strings"
	"time"

	"github.com/goliatone/go-issuance/core"
	"github.com/uptrace/bun"
)

type issuanceRecord struct {
	bun.BaseModel `bun:"table:issuances,alias:iss"`

	ID            string     `bun:"id,pk"`
	LearnerID     string     `bun:"learner_id,notnull"`
	CourseID      string     `bun:"course_id,notnull"`
	TemplateID    string     `bun:"template_id,notnull"`
	TenantID      *string    `bun:"tenant_id"`
	Status        string     `bun:"status,notnull"`
	Attempts      int        `bun:"attempts,notnull"`
	Grade         *float64   `bun:"grade"`
	TimeCompleted time.Time  `bun:"time_completed,notnull"`
	IssuedAt      *time.Time `bun:"issued_at,nullzero"`
	CredentialID  string     `bun:"credential_id,notnull"`
	ErrorCode     string     `bun:"error_code,notnull"`
	ErrorMessage  string     `bun:"error_message,notnull"`
	CreatedAt     time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt     time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type taskRecord struct {
	bun.BaseModel `bun:"table:issuance_tasks,alias:itk"`

	ID           string     `bun:"id,pk"`
	IdentityKey  string     `bun:"identity_key,notnull"`
	TaskType     string     `bun:"task_type,notnull"`
	Executor     string     `bun:"executor,notnull"`
	IssuanceID   string     `bun:"issuance_id,notnull"`
	TenantID     *string    `bun:"tenant_id"`
	RunAt        time.Time  `bun:"run_at,notnull"`
	Version      int        `bun:"version,notnull"`
	ClaimedUntil *time.Time `bun:"claimed_until,nullzero"`
	Claims       int        `bun:"claims,notnull"`
	LastError    string     `bun:"last_error,notnull"`
	CreatedAt    time.Time  `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt    time.Time  `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

type lockRecord struct {
	bun.BaseModel `bun:"table:issuance_locks,alias:ilk"`

	LockKey   string    `bun:"lock_key,pk"`
	Token     string    `bun:"token,notnull"`
	ExpiresAt time.Time `bun:"expires_at,notnull"`
	CreatedAt time.Time `bun:"created_at,nullzero,notnull,default:current_timestamp"`
}

type outboxRecord struct {
	bun.BaseModel `bun:"table:issuance_outbox,alias:iob"`

	ID          string         `bun:"id,pk"`
	EventID     string         `bun:"event_id,notnull"`
	EventName   string         `bun:"event_name,notnull"`
	IssuanceID  string         `bun:"issuance_id,notnull"`
	LearnerID   string         `bun:"learner_id,notnull"`
	CourseID    string         `bun:"course_id,notnull"`
	TenantID    *string        `bun:"tenant_id"`
	Payload     map[string]any `bun:"payload,type:jsonb,notnull"`
	Metadata    map[string]any `bun:"metadata,type:jsonb,notnull"`
	Status      string         `bun:"status,notnull"`
	Attempts    int            `bun:"attempts,notnull"`
	NextAttempt *time.Time     `bun:"next_attempt_at,nullzero"`
	LastError   string         `bun:"last_error,notnull"`
	OccurredAt  time.Time      `bun:"occurred_at,notnull"`
	CreatedAt   time.Time      `bun:"created_at,nullzero,notnull,default:current_timestamp"`
	UpdatedAt   time.Time      `bun:"updated_at,nullzero,notnull,default:current_timestamp"`
}

func newIssuanceRecord(issuance core.Issuance) *issuanceRecord {
	return &issuanceRecord{
		ID:            strings.TrimSpace(issuance.ID),
		LearnerID:     strings.TrimSpace(issuance.LearnerID),
		CourseID:      strings.TrimSpace(issuance.CourseID),
		TemplateID:    strings.TrimSpace(issuance.TemplateID),
		TenantID:      trimmedStringPointer(issuance.TenantID),
		Status:        string(issuance.Status),
		Attempts:      issuance.Attempts,
		Grade:         cloneFloatPointer(issuance.Grade),
		TimeCompleted: issuance.TimeCompleted.UTC(),
		IssuedAt:      cloneTimePointer(issuance.IssuedAt),
		CredentialID:  strings.TrimSpace(issuance.CredentialID),
		ErrorCode:     strings.TrimSpace(issuance.ErrorCode),
		ErrorMessage:  strings.TrimSpace(issuance.ErrorMessage),
		CreatedAt:     issuance.CreatedAt.UTC(),
		UpdatedAt:     issuance.UpdatedAt.UTC(),
	}
}

func (r *issuanceRecord) toDomain() core.Issuance {
	if r == nil {
		return core.Issuance{}
	}
	return core.Issuance{
		ID:            r.ID,
		LearnerID:     r.LearnerID,
		CourseID:      r.CourseID,
		TemplateID:    r.TemplateID,
		TenantID:      trimmedStringPointer(r.TenantID),
		Status:        core.IssuanceStatus(r.Status),
		Attempts:      r.Attempts,
		Grade:         cloneFloatPointer(r.Grade),
		TimeCompleted: r.TimeCompleted.UTC(),
		IssuedAt:      cloneTimePointer(r.IssuedAt),
		CredentialID:  r.CredentialID,
		ErrorCode:     r.ErrorCode,
		ErrorMessage:  r.ErrorMessage,
		CreatedAt:     r.CreatedAt.UTC(),
		UpdatedAt:     r.UpdatedAt.UTC(),
	}
}

func (r *taskRecord) toDomain() core.ScheduledTask {
	if r == nil {
		return core.ScheduledTask{}
	}
	return core.ScheduledTask{
		ID: r.ID,
		Identity: core.TaskIdentity{
			TaskType: r.TaskType,
			Executor: r.Executor,
			Key:      r.IdentityKey,
		},
		Payload: core.TaskPayload{
			IssuanceID: r.IssuanceID,
			TenantID:   trimmedStringPointer(r.TenantID),
		},
		RunAt:     r.RunAt.UTC(),
		Version:   r.Version,
		Claims:    r.Claims,
		LastError: r.LastError,
	}
}

func trimmedStringPointer(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func cloneFloatPointer(value *float64) *float64 {
	if value == nil {
		return nil
	}
	copied := *value
	return &copied
}

func cloneTimePointer(input *time.Time) *time.Time {
	if input == nil {
		return nil
	}
	value := input.UTC()
	return &value
}

func copyAnyMap(in map[string]any) map[string]any {
	if len(in) == 0 {
		return map[string]any{}
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		out[key] = value
	}
	return out
}

func isUniqueViolation(err error) bool {
	if err == nil {
		return false
	}
	message := strings.ToLower(strings.TrimSpace(err.Error()))
	return strings.Contains(message, "unique constraint failed") ||
		strings.Contains(message, "duplicate key value violates unique constraint")
}

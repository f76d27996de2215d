package sqlstore

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-issuance/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

const (
	outboxStatusPending    = "pending"
	outboxStatusProcessing = "processing"
	outboxStatusDelivered  = "delivered"
	outboxStatusFailed     = "failed"
)

const (
	payloadKeyTemplateID   = "template_id"
	payloadKeyAttempts     = "attempts"
	payloadKeyCredentialID = "credential_id"
	payloadKeyErrorCode    = "error_code"
	payloadKeyErrorMessage = "error_message"
)

type OutboxStore struct {
	db   *bun.DB
	repo repository.Repository[*outboxRecord]
}

func NewOutboxStore(db *bun.DB) (*OutboxStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*outboxRecord](db, outboxHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid outbox repository wiring: %w", err)
		}
	}
	return &OutboxStore{db: db, repo: repo}, nil
}

func (s *OutboxStore) Enqueue(ctx context.Context, event core.IssuanceEvent) error {
	if s == nil || s.repo == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if strings.TrimSpace(event.ID) == "" {
		return fmt.Errorf("sqlstore: outbox event id is required")
	}
	if strings.TrimSpace(event.Name) == "" {
		return fmt.Errorf("sqlstore: outbox event name is required")
	}
	if strings.TrimSpace(event.IssuanceID) == "" {
		return fmt.Errorf("sqlstore: outbox issuance id is required")
	}

	occurredAt := event.OccurredAt.UTC()
	if occurredAt.IsZero() {
		occurredAt = time.Now().UTC()
	}
	now := time.Now().UTC()
	record := &outboxRecord{
		ID:         uuid.NewString(),
		EventID:    strings.TrimSpace(event.ID),
		EventName:  strings.TrimSpace(event.Name),
		IssuanceID: strings.TrimSpace(event.IssuanceID),
		LearnerID:  strings.TrimSpace(event.LearnerID),
		CourseID:   strings.TrimSpace(event.CourseID),
		TenantID:   trimmedStringPointer(event.TenantID),
		Payload: map[string]any{
			payloadKeyTemplateID:   strings.TrimSpace(event.TemplateID),
			payloadKeyAttempts:     event.Attempts,
			payloadKeyCredentialID: strings.TrimSpace(event.CredentialID),
			payloadKeyErrorCode:    strings.TrimSpace(event.ErrorCode),
			payloadKeyErrorMessage: strings.TrimSpace(event.ErrorMessage),
		},
		Metadata:   copyAnyMap(event.Metadata),
		Status:     outboxStatusPending,
		OccurredAt: occurredAt,
		CreatedAt:  now,
		UpdatedAt:  now,
	}

	_, err := s.repo.Create(ctx, record)
	return err
}

func (s *OutboxStore) ClaimBatch(ctx context.Context, limit int) ([]core.IssuanceEvent, error) {
	if s == nil || s.db == nil {
		return nil, fmt.Errorf("sqlstore: outbox store is not configured")
	}
	if limit <= 0 {
		limit = 1
	}
	now := time.Now().UTC()
	var records []outboxRecord
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		query := `
WITH claimed AS (
	SELECT id
	FROM issuance_outbox
	WHERE status = ?
	  AND (next_attempt_at IS NULL OR next_attempt_at <= ?)
	ORDER BY occurred_at ASC
	LIMIT ?
)
UPDATE issuance_outbox
SET status = ?, updated_at = ?
WHERE id IN (SELECT id FROM claimed)
  AND status = ?
RETURNING
	id,
	event_id,
	event_name,
	issuance_id,
	learner_id,
	course_id,
	tenant_id,
	payload,
	metadata,
	status,
	attempts,
	next_attempt_at,
	last_error,
	occurred_at,
	created_at,
	updated_at
`
		return tx.NewRaw(
			query,
			outboxStatusPending,
			now,
			limit,
			outboxStatusProcessing,
			now,
			outboxStatusPending,
		).Scan(ctx, &records)
	})
	if err != nil {
		return nil, err
	}

	events := make([]core.IssuanceEvent, 0, len(records))
	for _, record := range records {
		events = append(events, outboxRecordToEvent(record))
	}
	return events, nil
}

func (s *OutboxStore) Ack(ctx context.Context, eventID string) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	_, err := s.db.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("status = ?", outboxStatusDelivered).
		Set("last_error = ?", "").
		Set("next_attempt_at = NULL").
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

// Retry returns the event to pending at nextAttemptAt. A zero time marks it failed.
func (s *OutboxStore) Retry(ctx context.Context, eventID string, cause error, nextAttemptAt time.Time) error {
	if s == nil || s.db == nil {
		return fmt.Errorf("sqlstore: outbox store is not configured")
	}
	eventID = strings.TrimSpace(eventID)
	if eventID == "" {
		return fmt.Errorf("sqlstore: event id is required")
	}
	status := outboxStatusPending
	var next *time.Time
	if !nextAttemptAt.IsZero() {
		nextValue := nextAttemptAt.UTC()
		next = &nextValue
	} else {
		status = outboxStatusFailed
	}

	lastError := ""
	if cause != nil {
		lastError = strings.TrimSpace(cause.Error())
	}
	_, err := s.db.NewUpdate().
		Model((*outboxRecord)(nil)).
		Set("status = ?", status).
		Set("attempts = attempts + 1").
		Set("next_attempt_at = ?", next).
		Set("last_error = ?", lastError).
		Set("updated_at = ?", time.Now().UTC()).
		Where("event_id = ?", eventID).
		Exec(ctx)
	return err
}

func outboxRecordToEvent(record outboxRecord) core.IssuanceEvent {
	event := core.IssuanceEvent{
		ID:           record.EventID,
		Name:         record.EventName,
		IssuanceID:   record.IssuanceID,
		LearnerID:    record.LearnerID,
		CourseID:     record.CourseID,
		TenantID:     trimmedStringPointer(record.TenantID),
		TemplateID:   payloadString(record.Payload, payloadKeyTemplateID),
		Attempts:     payloadInt(record.Payload, payloadKeyAttempts),
		CredentialID: payloadString(record.Payload, payloadKeyCredentialID),
		ErrorCode:    payloadString(record.Payload, payloadKeyErrorCode),
		ErrorMessage: payloadString(record.Payload, payloadKeyErrorMessage),
		Metadata:     copyAnyMap(record.Metadata),
		OccurredAt:   record.OccurredAt.UTC(),
	}
	event.Metadata[core.MetadataKeyOutboxAttempts] = record.Attempts
	return event
}

func payloadString(payload map[string]any, key string) string {
	value, _ := payload[key].(string)
	return strings.TrimSpace(value)
}

// payloadInt reads a number that may have come back from JSON as float64.
func payloadInt(payload map[string]any, key string) int {
	switch typed := payload[key].(type) {
	case int:
		return typed
	case int64:
		return int(typed)
	case float64:
		return int(typed)
	default:
		return 0
	}
}

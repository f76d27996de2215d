package sqlstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/goliatone/go-issuance/core"
	repository "github.com/goliatone/go-repository-bun"
	"github.com/google/uuid"
	"github.com/uptrace/bun"
)

// ErrBlockingIssuanceExists is returned when the database rejects a second
// pending, retrying or issued row for the same learner and course.
var ErrBlockingIssuanceExists = errors.New("sqlstore: blocking issuance already exists")

type IssuanceStore struct {
	db   *bun.DB
	repo repository.Repository[*issuanceRecord]
}

func NewIssuanceStore(db *bun.DB) (*IssuanceStore, error) {
	if db == nil {
		return nil, fmt.Errorf("sqlstore: bun db is required")
	}
	repo := repository.NewRepository[*issuanceRecord](db, issuanceHandlers())
	if validator, ok := repo.(repository.Validator); ok {
		if err := validator.Validate(); err != nil {
			return nil, fmt.Errorf("sqlstore: invalid issuance repository wiring: %w", err)
		}
	}
	return &IssuanceStore{db: db, repo: repo}, nil
}

func (s *IssuanceStore) Create(ctx context.Context, issuance core.Issuance) (core.Issuance, error) {
	if s == nil || s.repo == nil {
		return core.Issuance{}, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	if strings.TrimSpace(issuance.LearnerID) == "" || strings.TrimSpace(issuance.CourseID) == "" {
		return core.Issuance{}, fmt.Errorf("sqlstore: learner id and course id are required")
	}
	if strings.TrimSpace(issuance.ID) == "" {
		issuance.ID = uuid.NewString()
	}
	if issuance.Status == "" {
		issuance.Status = core.IssuanceStatusPending
	}
	if !issuance.Status.Valid() {
		return core.Issuance{}, fmt.Errorf("sqlstore: invalid issuance status %q", issuance.Status)
	}
	now := time.Now().UTC()
	if issuance.CreatedAt.IsZero() {
		issuance.CreatedAt = now
	}
	if issuance.UpdatedAt.IsZero() {
		issuance.UpdatedAt = issuance.CreatedAt
	}

	created, err := s.repo.Create(ctx, newIssuanceRecord(issuance))
	if err != nil {
		if isUniqueViolation(err) {
			return core.Issuance{}, fmt.Errorf("%w: learner %q course %q",
				ErrBlockingIssuanceExists, issuance.LearnerID, issuance.CourseID)
		}
		return core.Issuance{}, err
	}
	return created.toDomain(), nil
}

func (s *IssuanceStore) Get(ctx context.Context, id string) (core.Issuance, error) {
	if s == nil || s.db == nil {
		return core.Issuance{}, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	record, err := selectIssuance(ctx, s.db, id)
	if err != nil {
		return core.Issuance{}, err
	}
	return record.toDomain(), nil
}

// Update writes the issuance unless its attempt counter would go backwards or
// it would leave a terminal status. A nil grade keeps the stored one.
func (s *IssuanceStore) Update(ctx context.Context, issuance core.Issuance) (core.Issuance, error) {
	if s == nil || s.db == nil {
		return core.Issuance{}, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	issuance.ID = strings.TrimSpace(issuance.ID)
	if issuance.ID == "" {
		return core.Issuance{}, fmt.Errorf("sqlstore: issuance id is required")
	}

	var updated core.Issuance
	err := s.db.RunInTx(ctx, nil, func(ctx context.Context, tx bun.Tx) error {
		current, err := selectIssuance(ctx, tx, issuance.ID)
		if err != nil {
			return err
		}
		if core.IssuanceStatus(current.Status).Terminal() && issuance.Status != core.IssuanceStatus(current.Status) {
			return fmt.Errorf("%w: %s -> %s", core.ErrInvalidIssuanceStatusTransition, current.Status, issuance.Status)
		}
		if issuance.Attempts < current.Attempts {
			return fmt.Errorf("%w: %d -> %d", core.ErrAttemptsDecreased, current.Attempts, issuance.Attempts)
		}
		if issuance.Grade == nil {
			issuance.Grade = cloneFloatPointer(current.Grade)
		}
		issuance.CreatedAt = current.CreatedAt
		if issuance.UpdatedAt.IsZero() || issuance.UpdatedAt.Before(current.UpdatedAt) {
			issuance.UpdatedAt = time.Now().UTC()
		}

		record := newIssuanceRecord(issuance)
		result, err := tx.NewUpdate().
			Model(record).
			ExcludeColumn("id", "created_at").
			Where("id = ?", record.ID).
			Where("attempts <= ?", record.Attempts).
			Where("(status NOT IN (?) OR status = ?)", bun.In(terminalStatuses()), record.Status).
			Exec(ctx)
		if err != nil {
			if isUniqueViolation(err) {
				return fmt.Errorf("%w: learner %q course %q",
					ErrBlockingIssuanceExists, record.LearnerID, record.CourseID)
			}
			return err
		}
		if affected, err := result.RowsAffected(); err == nil && affected == 0 {
			return fmt.Errorf("%w: concurrent update of %s", core.ErrInvalidIssuanceStatusTransition, record.ID)
		}
		updated = record.toDomain()
		return nil
	})
	if err != nil {
		return core.Issuance{}, err
	}
	return updated, nil
}

func (s *IssuanceStore) FindBlocking(ctx context.Context, learnerID string, courseID string) (core.Issuance, bool, error) {
	if s == nil || s.repo == nil {
		return core.Issuance{}, false, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	records, _, err := s.repo.List(ctx,
		repository.SelectBy("learner_id", "=", strings.TrimSpace(learnerID)),
		repository.SelectBy("course_id", "=", strings.TrimSpace(courseID)),
		repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return q.Where("?TableAlias.status IN (?)", bun.In(blockingStatuses()))
		}),
		repository.OrderBy("created_at ASC"),
		repository.SelectPaginate(1, 0),
	)
	if err != nil {
		return core.Issuance{}, false, err
	}
	if len(records) == 0 {
		return core.Issuance{}, false, nil
	}
	return records[0].toDomain(), true, nil
}

func (s *IssuanceStore) CountIssuedSince(ctx context.Context, tenantID *string, since time.Time) (int, error) {
	if s == nil || s.db == nil {
		return 0, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	query := s.db.NewSelect().
		Model((*issuanceRecord)(nil)).
		Where("?TableAlias.status = ?", string(core.IssuanceStatusIssued)).
		Where("?TableAlias.issued_at >= ?", since.UTC())
	query = whereTenant(query, tenantID)
	return query.Count(ctx)
}

func (s *IssuanceStore) ListPending(ctx context.Context, limit int) ([]core.Issuance, error) {
	if s == nil || s.repo == nil {
		return nil, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.SelectBy("status", "=", string(core.IssuanceStatusPending)),
		repository.OrderBy("created_at ASC"),
	}
	if limit > 0 {
		selectors = append(selectors, repository.SelectPaginate(limit, 0))
	}
	records, _, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return nil, err
	}
	out := make([]core.Issuance, 0, len(records))
	for _, record := range records {
		out = append(out, record.toDomain())
	}
	return out, nil
}

func (s *IssuanceStore) List(ctx context.Context, filter core.IssuanceFilter) (core.IssuancePage, error) {
	if s == nil || s.repo == nil {
		return core.IssuancePage{}, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	selectors := []repository.SelectCriteria{
		repository.OrderBy("created_at DESC"),
	}
	if filter.Limit > 0 {
		offset := filter.Offset
		if offset < 0 {
			offset = 0
		}
		selectors = append(selectors, repository.SelectPaginate(filter.Limit, offset))
	}
	if status := strings.TrimSpace(string(filter.Status)); status != "" {
		selectors = append(selectors, repository.SelectBy("status", "=", status))
	}
	if learnerID := strings.TrimSpace(filter.LearnerID); learnerID != "" {
		selectors = append(selectors, repository.SelectBy("learner_id", "=", learnerID))
	}
	if courseID := strings.TrimSpace(filter.CourseID); courseID != "" {
		selectors = append(selectors, repository.SelectBy("course_id", "=", courseID))
	}
	if filter.TenantID != nil {
		tenantID := filter.TenantID
		selectors = append(selectors, repository.SelectRawProcessor(func(q *bun.SelectQuery) *bun.SelectQuery {
			return whereTenant(q, tenantID)
		}))
	}

	records, total, err := s.repo.List(ctx, selectors...)
	if err != nil {
		return core.IssuancePage{}, err
	}
	items := make([]core.Issuance, 0, len(records))
	for _, record := range records {
		items = append(items, record.toDomain())
	}
	return core.IssuancePage{Items: items, Total: total}, nil
}

type issuanceStatusCount struct {
	Status string `bun:"status"`
	Total  int    `bun:"total"`
}

func (s *IssuanceStore) Stats(ctx context.Context, filter core.IssuanceFilter) (core.IssuanceStats, error) {
	if s == nil || s.db == nil {
		return core.IssuanceStats{}, fmt.Errorf("sqlstore: issuance store is not configured")
	}
	query := s.db.NewSelect().
		Model((*issuanceRecord)(nil)).
		Column("status").
		ColumnExpr("COUNT(*) AS total").
		Group("status")
	if learnerID := strings.TrimSpace(filter.LearnerID); learnerID != "" {
		query = query.Where("?TableAlias.learner_id = ?", learnerID)
	}
	if courseID := strings.TrimSpace(filter.CourseID); courseID != "" {
		query = query.Where("?TableAlias.course_id = ?", courseID)
	}
	if filter.TenantID != nil {
		query = whereTenant(query, filter.TenantID)
	}

	var rows []issuanceStatusCount
	if err := query.Scan(ctx, &rows); err != nil {
		return core.IssuanceStats{}, err
	}
	stats := core.IssuanceStats{}
	for _, row := range rows {
		stats.Add(core.IssuanceStatus(row.Status), row.Total)
	}
	return stats, nil
}

func selectIssuance(ctx context.Context, db bun.IDB, id string) (*issuanceRecord, error) {
	id = strings.TrimSpace(id)
	record := &issuanceRecord{}
	err := db.NewSelect().
		Model(record).
		Where("?TableAlias.id = ?", id).
		Limit(1).
		Scan(ctx)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, fmt.Errorf("%w: %s", core.ErrIssuanceNotFound, id)
		}
		return nil, err
	}
	return record, nil
}

func whereTenant(query *bun.SelectQuery, tenantID *string) *bun.SelectQuery {
	if tenant := trimmedStringPointer(tenantID); tenant != nil {
		return query.Where("?TableAlias.tenant_id = ?", *tenant)
	}
	return query.Where("?TableAlias.tenant_id IS NULL")
}

func blockingStatuses() []string {
	statuses := core.BlockingIssuanceStatuses()
	out := make([]string, 0, len(statuses))
	for _, status := range statuses {
		out = append(out, string(status))
	}
	return out
}

func terminalStatuses() []string {
	return []string{string(core.IssuanceStatusIssued), string(core.IssuanceStatusFailed)}
}

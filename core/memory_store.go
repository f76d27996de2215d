package core

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"
)

// MemoryIssuanceStore keeps issuances in process. It backs tests and
// single-node deployments without a database.
type MemoryIssuanceStore struct {
	mu        sync.RWMutex
	issuances map[string]Issuance
	order     []string
}

func NewMemoryIssuanceStore() *MemoryIssuanceStore {
	return &MemoryIssuanceStore{issuances: make(map[string]Issuance)}
}

func (s *MemoryIssuanceStore) Create(_ context.Context, issuance Issuance) (Issuance, error) {
	if s == nil {
		return Issuance{}, fmt.Errorf("core: memory issuance store is nil")
	}
	issuance.ID = strings.TrimSpace(issuance.ID)
	if issuance.ID == "" {
		return Issuance{}, fmt.Errorf("core: issuance id is required")
	}
	if issuance.Status == "" {
		issuance.Status = IssuanceStatusPending
	}
	if !issuance.Status.Valid() {
		return Issuance{}, fmt.Errorf("core: invalid issuance status %q", issuance.Status)
	}
	now := time.Now().UTC()
	if issuance.CreatedAt.IsZero() {
		issuance.CreatedAt = now
	}
	if issuance.UpdatedAt.IsZero() {
		issuance.UpdatedAt = issuance.CreatedAt
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.issuances[issuance.ID]; exists {
		return Issuance{}, fmt.Errorf("core: issuance %q already exists", issuance.ID)
	}
	s.issuances[issuance.ID] = issuance.Clone()
	s.order = append(s.order, issuance.ID)
	return issuance.Clone(), nil
}

func (s *MemoryIssuanceStore) Get(_ context.Context, id string) (Issuance, error) {
	if s == nil {
		return Issuance{}, fmt.Errorf("core: memory issuance store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	issuance, ok := s.issuances[strings.TrimSpace(id)]
	if !ok {
		return Issuance{}, fmt.Errorf("%w: %s", ErrIssuanceNotFound, id)
	}
	return issuance.Clone(), nil
}

func (s *MemoryIssuanceStore) Update(_ context.Context, issuance Issuance) (Issuance, error) {
	if s == nil {
		return Issuance{}, fmt.Errorf("core: memory issuance store is nil")
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	current, ok := s.issuances[strings.TrimSpace(issuance.ID)]
	if !ok {
		return Issuance{}, fmt.Errorf("%w: %s", ErrIssuanceNotFound, issuance.ID)
	}
	if current.Status.Terminal() && issuance.Status != current.Status {
		return Issuance{}, fmt.Errorf("%w: %s -> %s", ErrInvalidIssuanceStatusTransition, current.Status, issuance.Status)
	}
	if issuance.Attempts < current.Attempts {
		return Issuance{}, fmt.Errorf("%w: %d -> %d", ErrAttemptsDecreased, current.Attempts, issuance.Attempts)
	}
	if issuance.Grade == nil {
		issuance.Grade = current.Grade
	}
	issuance.CreatedAt = current.CreatedAt
	if issuance.UpdatedAt.IsZero() || issuance.UpdatedAt.Before(current.UpdatedAt) {
		issuance.UpdatedAt = time.Now().UTC()
	}
	s.issuances[issuance.ID] = issuance.Clone()
	return issuance.Clone(), nil
}

func (s *MemoryIssuanceStore) FindBlocking(_ context.Context, learnerID string, courseID string) (Issuance, bool, error) {
	if s == nil {
		return Issuance{}, false, fmt.Errorf("core: memory issuance store is nil")
	}
	learnerID = strings.TrimSpace(learnerID)
	courseID = strings.TrimSpace(courseID)
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, id := range s.order {
		issuance := s.issuances[id]
		if issuance.LearnerID == learnerID && issuance.CourseID == courseID && issuance.Status.Blocking() {
			return issuance.Clone(), true, nil
		}
	}
	return Issuance{}, false, nil
}

func (s *MemoryIssuanceStore) CountIssuedSince(_ context.Context, tenantID *string, since time.Time) (int, error) {
	if s == nil {
		return 0, fmt.Errorf("core: memory issuance store is nil")
	}
	s.mu.RLock()
	defer s.mu.RUnlock()
	count := 0
	for _, issuance := range s.issuances {
		if issuance.Status != IssuanceStatusIssued || issuance.IssuedAt == nil {
			continue
		}
		if !SameTenant(issuance.TenantID, tenantID) {
			continue
		}
		if issuance.IssuedAt.Before(since) {
			continue
		}
		count++
	}
	return count, nil
}

func (s *MemoryIssuanceStore) ListPending(_ context.Context, limit int) ([]Issuance, error) {
	if s == nil {
		return nil, fmt.Errorf("core: memory issuance store is nil")
	}
	s.mu.RLock()
	out := make([]Issuance, 0)
	for _, id := range s.order {
		issuance := s.issuances[id]
		if issuance.Status == IssuanceStatusPending {
			out = append(out, issuance.Clone())
		}
	}
	s.mu.RUnlock()
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *MemoryIssuanceStore) List(_ context.Context, filter IssuanceFilter) (IssuancePage, error) {
	if s == nil {
		return IssuancePage{}, fmt.Errorf("core: memory issuance store is nil")
	}
	matches := s.matching(filter)
	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].CreatedAt.After(matches[j].CreatedAt)
	})
	page := IssuancePage{Total: len(matches)}
	start := filter.Offset
	if start < 0 {
		start = 0
	}
	if start > len(matches) {
		start = len(matches)
	}
	end := len(matches)
	if filter.Limit > 0 && start+filter.Limit < end {
		end = start + filter.Limit
	}
	page.Items = matches[start:end]
	return page, nil
}

func (s *MemoryIssuanceStore) Stats(_ context.Context, filter IssuanceFilter) (IssuanceStats, error) {
	if s == nil {
		return IssuanceStats{}, fmt.Errorf("core: memory issuance store is nil")
	}
	filter.Status = ""
	stats := IssuanceStats{}
	for _, issuance := range s.matching(filter) {
		stats.Add(issuance.Status, 1)
	}
	return stats, nil
}

func (s *MemoryIssuanceStore) matching(filter IssuanceFilter) []Issuance {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]Issuance, 0, len(s.order))
	for _, id := range s.order {
		issuance := s.issuances[id]
		if filter.Status != "" && issuance.Status != filter.Status {
			continue
		}
		if value := strings.TrimSpace(filter.LearnerID); value != "" && issuance.LearnerID != value {
			continue
		}
		if value := strings.TrimSpace(filter.CourseID); value != "" && issuance.CourseID != value {
			continue
		}
		if filter.TenantID != nil && !SameTenant(issuance.TenantID, filter.TenantID) {
			continue
		}
		out = append(out, issuance.Clone())
	}
	return out
}

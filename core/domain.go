package core

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	ErrInvalidIssuanceStatusTransition = errors.New("core: invalid issuance status transition")
	ErrIssuanceNotFound                = errors.New("core: issuance not found")
	ErrAttemptsDecreased               = errors.New("core: issuance attempts cannot decrease")
)

type IssuanceStatus string

const (
	IssuanceStatusPending  IssuanceStatus = "pending"
	IssuanceStatusRetrying IssuanceStatus = "retrying"
	IssuanceStatusIssued   IssuanceStatus = "issued"
	IssuanceStatusFailed   IssuanceStatus = "failed"
)

func (s IssuanceStatus) Valid() bool {
	switch s {
	case IssuanceStatusPending, IssuanceStatusRetrying, IssuanceStatusIssued, IssuanceStatusFailed:
		return true
	default:
		return false
	}
}

// Terminal reports whether no further run may change the issuance.
func (s IssuanceStatus) Terminal() bool {
	return s == IssuanceStatusIssued || s == IssuanceStatusFailed
}

// Blocking reports whether an issuance in this status prevents a new one for
// the same learner and course.
func (s IssuanceStatus) Blocking() bool {
	return s == IssuanceStatusPending || s == IssuanceStatusRetrying || s == IssuanceStatusIssued
}

// BlockingIssuanceStatuses lists the statuses checked at creation time.
func BlockingIssuanceStatuses() []IssuanceStatus {
	return []IssuanceStatus{IssuanceStatusPending, IssuanceStatusRetrying, IssuanceStatusIssued}
}

const (
	ErrorCodeCourseConfigNotFound = "COURSE_CONFIG_NOT_FOUND"
	ErrorCodeNoGradeItem          = "NO_GRADE_ITEM"
	ErrorCodeUserOrCourseNotFound = "USER_OR_COURSE_NOT_FOUND"
	ErrorCodeGradeTimeout         = "GRADE_TIMEOUT"
	ErrorCodeAPIError             = "API_ERROR"
	ErrorCodeGradePending         = "GRADE_PENDING"
)

type Issuance struct {
	ID            string
	LearnerID     string
	CourseID      string
	TemplateID    string
	TenantID      *string
	Status        IssuanceStatus
	Attempts      int
	Grade         *float64
	TimeCompleted time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
	IssuedAt      *time.Time
	CredentialID  string
	ErrorCode     string
	ErrorMessage  string
}

func (i *Issuance) TransitionTo(status IssuanceStatus, now time.Time) error {
	if i == nil {
		return nil
	}
	if !issuanceTransitionAllowed(i.Status, status) {
		return fmt.Errorf("%w: %s -> %s", ErrInvalidIssuanceStatusTransition, i.Status, status)
	}
	i.Status = status
	i.UpdatedAt = now
	return nil
}

// RecordError sets the operator-visible error fields.
func (i *Issuance) RecordError(code string, message string) {
	if i == nil {
		return
	}
	i.ErrorCode = strings.TrimSpace(code)
	i.ErrorMessage = strings.TrimSpace(message)
}

func (i *Issuance) ClearError() {
	if i == nil {
		return
	}
	i.ErrorCode = ""
	i.ErrorMessage = ""
}

// AcceptGrade stores a grade in points. A nil value never clears a stored grade.
func (i *Issuance) AcceptGrade(grade *float64) {
	if i == nil || grade == nil {
		return
	}
	value := *grade
	i.Grade = &value
}

func (i Issuance) Clone() Issuance {
	out := i
	if i.TenantID != nil {
		tenant := *i.TenantID
		out.TenantID = &tenant
	}
	if i.Grade != nil {
		grade := *i.Grade
		out.Grade = &grade
	}
	if i.IssuedAt != nil {
		issued := *i.IssuedAt
		out.IssuedAt = &issued
	}
	return out
}

func issuanceTransitionAllowed(current, next IssuanceStatus) bool {
	allowed := map[IssuanceStatus]map[IssuanceStatus]struct{}{
		IssuanceStatusPending: {
			IssuanceStatusRetrying: {},
			IssuanceStatusIssued:   {},
			IssuanceStatusFailed:   {},
		},
		IssuanceStatusRetrying: {
			IssuanceStatusRetrying: {},
			IssuanceStatusIssued:   {},
			IssuanceStatusFailed:   {},
		},
	}
	_, ok := allowed[current][next]
	return ok
}

// TenantPolicy carries the tenant scoped settings resolved for one course.
type TenantPolicy struct {
	TenantID         *string
	Paused           bool
	RateLimitPerHour int
	APIURL           string
	APIKey           string

	Enabled    bool
	TemplateID string
	SendGrade  bool
}

func (p TenantPolicy) Endpoint() APIEndpoint {
	return APIEndpoint{
		TenantID: p.TenantID,
		URL:      strings.TrimSpace(p.APIURL),
		Key:      strings.TrimSpace(p.APIKey),
	}
}

func (p TenantPolicy) RateLimited() bool {
	return p.RateLimitPerHour > 0
}

type APIEndpoint struct {
	TenantID *string
	URL      string
	Key      string
}

type Learner struct {
	ID         string
	Email      string
	GivenName  string
	FamilyName string
}

type Course struct {
	ID        string
	FullName  string
	ShortName string
}

type GradeItem struct {
	ID        string
	CourseID  string
	MaxGrade  float64
	PassGrade float64
}

type GradeRecord struct {
	Value      *float64
	ModifiedAt time.Time
}

type Template struct {
	ID     string
	Name   string
	Active bool
}

type CompletionEvent struct {
	LearnerID   string
	CourseID    string
	CompletedAt time.Time
}

func (e CompletionEvent) Validate() error {
	if strings.TrimSpace(e.LearnerID) == "" {
		return fmt.Errorf("core: learner id is required")
	}
	if strings.TrimSpace(e.CourseID) == "" {
		return fmt.Errorf("core: course id is required")
	}
	if e.CompletedAt.IsZero() {
		return fmt.Errorf("core: completion time is required")
	}
	return nil
}

type IssueRequest struct {
	Endpoint       APIEndpoint
	TemplateID     string
	Learner        Learner
	Course         Course
	Grade          *string
	CompletionDate *time.Time
}

type IssueResponse struct {
	CredentialID string
}

type TaskIdentity struct {
	TaskType string
	Executor string
	Key      string
}

type TaskPayload struct {
	IssuanceID string
	TenantID   *string
}

type Notification struct {
	Learner     Learner
	Course      Course
	TemplateKey string
	Context     map[string]any
}

const (
	NotificationCredentialIssued = "credential_issued"
	NotificationCredentialFailed = "credential_failed"
)

const (
	EventCredentialIssued = "credential.issued"
	EventCredentialFailed = "credential.failed"
)

type IssuanceEvent struct {
	ID           string
	Name         string
	IssuanceID   string
	LearnerID    string
	CourseID     string
	TenantID     *string
	TemplateID   string
	Attempts     int
	CredentialID string
	ErrorCode    string
	ErrorMessage string
	OccurredAt   time.Time
	Metadata     map[string]any
}

type IssuanceFilter struct {
	Status    IssuanceStatus
	LearnerID string
	CourseID  string
	TenantID  *string
	Limit     int
	Offset    int
}

type IssuancePage struct {
	Items []Issuance
	Total int
}

type IssuanceStats struct {
	Pending  int
	Retrying int
	Issued   int
	Failed   int
	Total    int
}

func (s *IssuanceStats) Add(status IssuanceStatus, count int) {
	if s == nil {
		return
	}
	switch status {
	case IssuanceStatusPending:
		s.Pending += count
	case IssuanceStatusRetrying:
		s.Retrying += count
	case IssuanceStatusIssued:
		s.Issued += count
	case IssuanceStatusFailed:
		s.Failed += count
	default:
		return
	}
	s.Total += count
}

// SameTenant compares optional tenant ids, nil matching only nil.
func SameTenant(a, b *string) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return strings.TrimSpace(*a) == strings.TrimSpace(*b)
}

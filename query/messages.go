package query

import (
	"strings"

	"github.com/goliatone/go-issuance/core"
)

const (
	TypeGetIssuance    = "issuance.query.issuance.get"
	TypeListIssuances  = "issuance.query.issuance.list"
	TypeIssuanceStats  = "issuance.query.issuance.stats"
	TypeListTemplates  = "issuance.query.templates.list"
	MaxIssuancePerPage = 200
)

type GetIssuanceMessage struct {
	IssuanceID string
}

func (GetIssuanceMessage) Type() string { return TypeGetIssuance }

func (m GetIssuanceMessage) Validate() error {
	if strings.TrimSpace(m.IssuanceID) == "" {
		return queryValidationError("issuance_id", "issuance id is required")
	}
	return nil
}

type ListIssuancesMessage struct {
	Filter core.IssuanceFilter
}

func (ListIssuancesMessage) Type() string { return TypeListIssuances }

func (m ListIssuancesMessage) Validate() error {
	return validateFilter(m.Filter)
}

type IssuanceStatsMessage struct {
	Filter core.IssuanceFilter
}

func (IssuanceStatsMessage) Type() string { return TypeIssuanceStats }

func (m IssuanceStatsMessage) Validate() error {
	return validateFilter(m.Filter)
}

// ListTemplatesMessage lists the credential templates available to the
// tenant that owns the course.
type ListTemplatesMessage struct {
	CourseID   string
	ActiveOnly bool
}

func (ListTemplatesMessage) Type() string { return TypeListTemplates }

func (m ListTemplatesMessage) Validate() error {
	if strings.TrimSpace(m.CourseID) == "" {
		return queryValidationError("course_id", "course id is required")
	}
	return nil
}

func validateFilter(filter core.IssuanceFilter) error {
	if filter.Status != "" && !filter.Status.Valid() {
		return queryValidationError("status", "unknown issuance status")
	}
	if filter.Limit < 0 {
		return queryValidationError("limit", "limit must be >= 0")
	}
	if filter.Offset < 0 {
		return queryValidationError("offset", "offset must be >= 0")
	}
	if filter.Limit > MaxIssuancePerPage {
		return queryInvalidInputError("query: limit exceeds maximum page size")
	}
	return nil
}

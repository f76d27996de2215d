package query

import (
	"context"

	"github.com/goliatone/go-issuance/core"
)

type IssuanceReader interface {
	GetIssuance(ctx context.Context, id string) (core.Issuance, error)
	ListIssuances(ctx context.Context, filter core.IssuanceFilter) (core.IssuancePage, error)
	IssuanceStats(ctx context.Context, filter core.IssuanceFilter) (core.IssuanceStats, error)
}

type TemplateReader interface {
	ListTemplates(ctx context.Context, courseID string, activeOnly bool) ([]core.Template, error)
}

type GetIssuanceQuery struct {
	reader IssuanceReader
}

func NewGetIssuanceQuery(reader IssuanceReader) *GetIssuanceQuery {
	return &GetIssuanceQuery{reader: reader}
}

func (q *GetIssuanceQuery) Query(ctx context.Context, msg GetIssuanceMessage) (core.Issuance, error) {
	if q == nil || q.reader == nil {
		return core.Issuance{}, queryDependencyError("query: issuance reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.Issuance{}, err
	}
	return q.reader.GetIssuance(ctx, msg.IssuanceID)
}

type ListIssuancesQuery struct {
	reader IssuanceReader
}

func NewListIssuancesQuery(reader IssuanceReader) *ListIssuancesQuery {
	return &ListIssuancesQuery{reader: reader}
}

func (q *ListIssuancesQuery) Query(ctx context.Context, msg ListIssuancesMessage) (core.IssuancePage, error) {
	if q == nil || q.reader == nil {
		return core.IssuancePage{}, queryDependencyError("query: issuance reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.IssuancePage{}, err
	}
	return q.reader.ListIssuances(ctx, msg.Filter)
}

type IssuanceStatsQuery struct {
	reader IssuanceReader
}

func NewIssuanceStatsQuery(reader IssuanceReader) *IssuanceStatsQuery {
	return &IssuanceStatsQuery{reader: reader}
}

func (q *IssuanceStatsQuery) Query(ctx context.Context, msg IssuanceStatsMessage) (core.IssuanceStats, error) {
	if q == nil || q.reader == nil {
		return core.IssuanceStats{}, queryDependencyError("query: issuance reader is required")
	}
	if err := msg.Validate(); err != nil {
		return core.IssuanceStats{}, err
	}
	return q.reader.IssuanceStats(ctx, msg.Filter)
}

type ListTemplatesQuery struct {
	reader TemplateReader
}

func NewListTemplatesQuery(reader TemplateReader) *ListTemplatesQuery {
	return &ListTemplatesQuery{reader: reader}
}

func (q *ListTemplatesQuery) Query(ctx context.Context, msg ListTemplatesMessage) ([]core.Template, error) {
	if q == nil || q.reader == nil {
		return nil, queryDependencyError("query: template reader is required")
	}
	if err := msg.Validate(); err != nil {
		return nil, err
	}
	return q.reader.ListTemplates(ctx, msg.CourseID, msg.ActiveOnly)
}

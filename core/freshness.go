package core

import (
	"context"
	"fmt"
	"strings"
	"time"
)

const DefaultGradeFreshnessTolerance = 60 * time.Second

type FreshnessReason string

const (
	FreshnessNoGradeItem               FreshnessReason = "NO_GRADE_ITEM"
	FreshnessNoGrade                   FreshnessReason = "NO_GRADE"
	FreshnessTimeModifiedFresh         FreshnessReason = "TIMEMODIFIED_FRESH"
	FreshnessGradebookSettled          FreshnessReason = "GRADEBOOK_SETTLED"
	FreshnessGradebookNeedsUpdate      FreshnessReason = "GRADEBOOK_NEEDS_UPDATE"
	FreshnessTimeModifiedStaleFirstRun FreshnessReason = "TIMEMODIFIED_STALE_FIRST_RUN"
)

// FreshnessAssessment captures whether a stored grade reflects post-completion state.
type FreshnessAssessment struct {
	Fresh           bool
	Grade           *float64
	Reason          FreshnessReason
	GradeItem       *GradeItem
	GradeModifiedAt *time.Time
	NeedsRecompute  bool
}

// Diagnostic renders the last-known gradebook state for operator messages.
func (a FreshnessAssessment) Diagnostic(timeCompleted time.Time) string {
	modified := "none"
	if a.GradeModifiedAt != nil {
		modified = a.GradeModifiedAt.UTC().Format(time.RFC3339)
	}
	return fmt.Sprintf(
		"Reason: %s, grade modified: %s, completion: %s, needs recompute: %t",
		a.Reason,
		modified,
		timeCompleted.UTC().Format(time.RFC3339),
		a.NeedsRecompute,
	)
}

// GradeFreshnessOracle decides when a gradebook value is trustworthy enough to submit.
type GradeFreshnessOracle struct {
	Grades    GradeStore
	Tolerance time.Duration
}

func NewGradeFreshnessOracle(grades GradeStore, tolerance time.Duration) *GradeFreshnessOracle {
	if tolerance <= 0 {
		tolerance = DefaultGradeFreshnessTolerance
	}
	return &GradeFreshnessOracle{Grades: grades, Tolerance: tolerance}
}

// Assess evaluates the stored grade of a learner against the completion time.
// execution is 1 for the first run of an issuance.
func (o *GradeFreshnessOracle) Assess(
	ctx context.Context,
	learnerID string,
	courseID string,
	timeCompleted time.Time,
	execution int,
) (FreshnessAssessment, error) {
	if o == nil || o.Grades == nil {
		return FreshnessAssessment{}, fmt.Errorf("core: grade store is required")
	}
	learnerID = strings.TrimSpace(learnerID)
	courseID = strings.TrimSpace(courseID)

	item, ok, err := o.Grades.GetGradeItem(ctx, courseID)
	if err != nil {
		return FreshnessAssessment{}, err
	}
	if !ok {
		return FreshnessAssessment{Reason: FreshnessNoGradeItem}, nil
	}
	assessment := FreshnessAssessment{GradeItem: &item}

	record, ok, err := o.Grades.GetGradeRecord(ctx, learnerID, courseID)
	if err != nil {
		return FreshnessAssessment{}, err
	}
	if !ok || record.Value == nil {
		assessment.Reason = FreshnessNoGrade
		return assessment, nil
	}
	grade := *record.Value
	modifiedAt := record.ModifiedAt.UTC()
	assessment.Grade = &grade
	assessment.GradeModifiedAt = &modifiedAt

	tolerance := o.Tolerance
	if tolerance <= 0 {
		tolerance = DefaultGradeFreshnessTolerance
	}
	if !modifiedAt.Before(timeCompleted.UTC().Add(-tolerance)) {
		assessment.Fresh = true
		assessment.Reason = FreshnessTimeModifiedFresh
		return assessment, nil
	}

	dirty, err := o.Grades.NeedsRecompute(ctx, courseID)
	if err != nil {
		return FreshnessAssessment{}, err
	}
	assessment.NeedsRecompute = dirty
	switch {
	case !dirty && execution > 1:
		assessment.Fresh = true
		assessment.Reason = FreshnessGradebookSettled
	case dirty:
		assessment.Reason = FreshnessGradebookNeedsUpdate
	default:
		assessment.Reason = FreshnessTimeModifiedStaleFirstRun
	}
	return assessment, nil
}

// PrepareRecompute forces a grade recomputation on the first execution, or
// whenever the gradebook reports pending updates. It reports whether a
// recomputation was requested.
func (o *GradeFreshnessOracle) PrepareRecompute(
	ctx context.Context,
	learnerID string,
	courseID string,
	execution int,
) (bool, error) {
	if o == nil || o.Grades == nil {
		return false, fmt.Errorf("core: grade store is required")
	}
	if _, ok, err := o.Grades.GetGradeItem(ctx, courseID); err != nil || !ok {
		return false, err
	}
	force := execution <= 1
	if !force {
		dirty, err := o.Grades.NeedsRecompute(ctx, courseID)
		if err != nil {
			return false, err
		}
		force = dirty
	}
	if !force {
		return false, nil
	}
	if err := o.Grades.ForceRecompute(ctx, courseID, learnerID); err != nil {
		return false, err
	}
	return true, nil
}

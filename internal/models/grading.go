package models

import (
	"errors"
	"strings"
)

// ErrNegativeMaxPoints indicates a grading result with an impossible maximum score.
var ErrNegativeMaxPoints = errors.New("max points must not be negative")

// ErrUnnamedCriterion indicates a criterion without a name.
var ErrUnnamedCriterion = errors.New("criterion name is required")

// Criterion is the outcome of one grading criterion.
type Criterion struct {
	Name     string   `json:"name"`
	Points   *float64 `json:"points,omitempty"`
	Passed   bool     `json:"passed"`
	Feedback string   `json:"feedback"`
}

// GradingResult is the scored outcome of evaluating a submission.
type GradingResult struct {
	MaxPoints       float64     `json:"max_points"`
	Points          float64     `json:"points"`
	GeneralFeedback *string     `json:"general_feedback,omitempty"`
	Criteria        []Criterion `json:"criteria"`
}

// Validate checks the structural invariants of a grading result.
func (r GradingResult) Validate() error {
	if r.MaxPoints < 0 {
		return ErrNegativeMaxPoints
	}
	for _, criterion := range r.Criteria {
		if strings.TrimSpace(criterion.Name) == "" {
			return ErrUnnamedCriterion
		}
	}
	return nil
}

// Clone returns a deep copy so callers never share the stored result.
func (r GradingResult) Clone() GradingResult {
	clone := GradingResult{
		MaxPoints: r.MaxPoints,
		Points:    r.Points,
		Criteria:  make([]Criterion, 0, len(r.Criteria)),
	}
	if r.GeneralFeedback != nil {
		feedback := *r.GeneralFeedback
		clone.GeneralFeedback = &feedback
	}
	for _, criterion := range r.Criteria {
		copied := criterion
		if criterion.Points != nil {
			points := *criterion.Points
			copied.Points = &points
		}
		clone.Criteria = append(clone.Criteria, copied)
	}
	return clone
}

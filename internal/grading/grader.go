package grading

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// ErrMalformedPayload is returned by graders that cannot decode the submission payload.
var ErrMalformedPayload = errors.New("malformed submission payload")

// Input is everything a grader may look at. Graders must treat it as read-only.
type Input struct {
	UserID        *string
	AssignmentID  *string
	TaskID        int64
	Language      string
	FeedbackLevel int
	Mode          models.SubmissionMode
	Payload       json.RawMessage
}

// Grader evaluates one submission. Implementations may be slow but must not keep state
// between calls.
type Grader interface {
	Grade(ctx context.Context, input Input) (models.GradingResult, error)
}

// GraderFunc adapts a plain function to the Grader interface.
type GraderFunc func(ctx context.Context, input Input) (models.GradingResult, error)

// Grade calls f(ctx, input).
func (f GraderFunc) Grade(ctx context.Context, input Input) (models.GradingResult, error) {
	return f(ctx, input)
}

// TaskLookup resolves the task a submission targets.
type TaskLookup interface {
	GetReference(ctx context.Context, id int64) (models.Task, error)
}

// wantsFeedback reports whether the requested feedback level allows textual feedback
// of the given detail (1 = summary, 2 = per criterion, 3 = diagnostics).
func wantsFeedback(input Input, detail int) bool {
	return input.FeedbackLevel >= detail
}

func splitPoints(maxPoints float64, parts int) float64 {
	if parts <= 0 {
		return 0
	}
	return roundPoints(maxPoints / float64(parts))
}

func roundPoints(value float64) float64 {
	if value < 0 {
		return 0
	}
	return float64(int64(value*100+0.5)) / 100
}

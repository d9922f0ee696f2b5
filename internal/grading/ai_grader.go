package grading

import (
	"context"
	"fmt"
	"strings"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
)

// AIGrader delegates the judgement to a language model and scales its fractional score
// to the task's maximum points.
type AIGrader struct {
	evaluator ai.Evaluator
	tasks     TaskLookup
}

// NewAIGrader constructs an AI backed grader.
func NewAIGrader(evaluator ai.Evaluator, tasks TaskLookup) *AIGrader {
	return &AIGrader{evaluator: evaluator, tasks: tasks}
}

// Grade implements Grader.
func (g *AIGrader) Grade(ctx context.Context, input Input) (models.GradingResult, error) {
	task, err := g.tasks.GetReference(ctx, input.TaskID)
	if err != nil {
		return models.GradingResult{}, fmt.Errorf("load task %d: %w", input.TaskID, err)
	}

	evaluation, err := g.evaluator.Evaluate(ctx, ai.EvaluationInput{
		TaskID:        input.TaskID,
		MaxPoints:     task.MaxPoints,
		Mode:          string(input.Mode),
		FeedbackLevel: input.FeedbackLevel,
		Language:      input.Language,
		Submission:    string(input.Payload),
	})
	if err != nil {
		return models.GradingResult{}, err
	}

	result := models.GradingResult{
		MaxPoints: task.MaxPoints,
		Points:    roundPoints(evaluation.Score * task.MaxPoints),
		Criteria:  make([]models.Criterion, 0, len(evaluation.Criteria)),
	}

	// RUN only reports whether the submission executes; points are withheld.
	if input.Mode == models.SubmissionModeRun {
		result.Points = 0
	}

	if wantsFeedback(input, 1) {
		if summary := strings.TrimSpace(evaluation.Feedback); summary != "" {
			result.GeneralFeedback = &summary
		}
	}

	share := splitPoints(task.MaxPoints, len(evaluation.Criteria))
	for _, item := range evaluation.Criteria {
		criterion := models.Criterion{Name: item.Name, Passed: item.Passed}
		if item.Score != nil && input.Mode != models.SubmissionModeRun {
			points := roundPoints(*item.Score * share)
			criterion.Points = &points
		}
		if wantsFeedback(input, 2) {
			criterion.Feedback = item.Feedback
		}
		result.Criteria = append(result.Criteria, criterion)
	}

	return result, nil
}

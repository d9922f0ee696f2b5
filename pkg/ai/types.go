package ai

import "context"

// EvaluationInput contains what the model needs to grade one submission.
type EvaluationInput struct {
	TaskID        int64
	MaxPoints     float64
	Mode          string
	FeedbackLevel int
	Language      string
	Submission    string
}

// CriterionEvaluation is the model's verdict for a single criterion.
type CriterionEvaluation struct {
	Name     string   `json:"name"`
	Score    *float64 `json:"score,omitempty"`
	Passed   bool     `json:"passed"`
	Feedback string   `json:"feedback"`
}

// EvaluationResult is the structured feedback returned by the AI evaluator. Scores are
// fractions in [0, 1].
type EvaluationResult struct {
	Score    float64               `json:"score"`
	Feedback string                `json:"feedback"`
	Verdict  string                `json:"verdict"`
	Criteria []CriterionEvaluation `json:"criteria,omitempty"`
}

// Evaluator describes an AI model capable of grading submissions.
type Evaluator interface {
	Evaluate(ctx context.Context, input EvaluationInput) (EvaluationResult, error)
}

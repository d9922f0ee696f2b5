package grading

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/noah-isme/gema-grading-api/internal/models"
)

// StaticGrader treats the payload's "expected_result" member as the grading result. It
// backs local development and load tests where no real evaluator is available.
type StaticGrader struct{}

// Grade implements Grader.
func (StaticGrader) Grade(_ context.Context, input Input) (models.GradingResult, error) {
	var payload struct {
		ExpectedResult *models.GradingResult `json:"expected_result"`
	}
	if err := json.Unmarshal(input.Payload, &payload); err != nil {
		return models.GradingResult{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}
	if payload.ExpectedResult == nil {
		return models.GradingResult{}, fmt.Errorf("%w: expected_result is missing", ErrMalformedPayload)
	}
	return payload.ExpectedResult.Clone(), nil
}

package grading

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
	"github.com/noah-isme/gema-grading-api/pkg/docker"
)

type stubTasks struct {
	task models.Task
	err  error
}

func (s stubTasks) GetReference(context.Context, int64) (models.Task, error) {
	if s.err != nil {
		return models.Task{}, s.err
	}
	return s.task, nil
}

type stubEvaluator struct {
	result ai.EvaluationResult
	err    error
	input  ai.EvaluationInput
}

func (s *stubEvaluator) Evaluate(_ context.Context, input ai.EvaluationInput) (ai.EvaluationResult, error) {
	s.input = input
	return s.result, s.err
}

type stubExecutor struct {
	result  docker.ExecutionResult
	err     error
	request docker.ExecutionRequest
}

func (s *stubExecutor) Run(_ context.Context, req docker.ExecutionRequest) (docker.ExecutionResult, error) {
	s.request = req
	return s.result, s.err
}

func floatPtr(value float64) *float64 { return &value }

func TestGraderFuncDelegates(t *testing.T) {
	grader := GraderFunc(func(_ context.Context, input Input) (models.GradingResult, error) {
		return models.GradingResult{MaxPoints: float64(input.TaskID)}, nil
	})

	result, err := grader.Grade(context.Background(), Input{TaskID: 4})
	require.NoError(t, err)
	require.Equal(t, 4.0, result.MaxPoints)
}

func TestPayloadValidatorNilAcceptsAnyJSON(t *testing.T) {
	var validator *PayloadValidator
	require.NoError(t, validator.Validate(json.RawMessage(`{"anything":[1,2]}`)))
	require.ErrorIs(t, validator.Validate(json.RawMessage(`null`)), ErrMalformedPayload)
	require.ErrorIs(t, validator.Validate(json.RawMessage(`{`)), ErrMalformedPayload)
}

func TestPayloadValidatorEnforcesSchema(t *testing.T) {
	validator, err := NewPayloadValidatorFromString(`{
		"type": "object",
		"required": ["query"],
		"properties": {"query": {"type": "string", "minLength": 1}}
	}`)
	require.NoError(t, err)

	require.NoError(t, validator.Validate(json.RawMessage(`{"query":"SELECT 1"}`)))
	require.ErrorIs(t, validator.Validate(json.RawMessage(`{"query":""}`)), ErrPayloadSchema)
	require.ErrorIs(t, validator.Validate(json.RawMessage(`{"source":"x"}`)), ErrPayloadSchema)
}

func TestNewPayloadValidatorFromFile(t *testing.T) {
	validator, err := NewPayloadValidator("")
	require.NoError(t, err)
	require.Nil(t, validator)

	path := filepath.Join(t.TempDir(), "payload.schema.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"type":"object","required":["source"]}`), 0o600))

	validator, err = NewPayloadValidator(path)
	require.NoError(t, err)
	require.NoError(t, validator.Validate(json.RawMessage(`{"source":"print(1)"}`)))
	require.ErrorIs(t, validator.Validate(json.RawMessage(`{}`)), ErrPayloadSchema)
}

func TestAIGraderScalesScoreToTaskPoints(t *testing.T) {
	evaluator := &stubEvaluator{result: ai.EvaluationResult{
		Score:    0.75,
		Feedback: "Solid work",
		Criteria: []ai.CriterionEvaluation{
			{Name: "Correctness", Score: floatPtr(1), Passed: true, Feedback: "correct"},
			{Name: "Style", Score: floatPtr(0.5), Passed: false, Feedback: "naming"},
		},
	}}
	grader := NewAIGrader(evaluator, stubTasks{task: models.Task{ID: 3, MaxPoints: 10}})

	result, err := grader.Grade(context.Background(), Input{
		TaskID:        3,
		Language:      "en",
		FeedbackLevel: 2,
		Mode:          models.SubmissionModeSubmit,
		Payload:       json.RawMessage(`{"query":"SELECT 1"}`),
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, result.MaxPoints)
	require.Equal(t, 7.5, result.Points)
	require.Equal(t, "Solid work", *result.GeneralFeedback)
	require.Len(t, result.Criteria, 2)
	require.Equal(t, 5.0, *result.Criteria[0].Points)
	require.Equal(t, 2.5, *result.Criteria[1].Points)
	require.Equal(t, "naming", result.Criteria[1].Feedback)

	require.Equal(t, "SUBMIT", evaluator.input.Mode)
	require.Equal(t, `{"query":"SELECT 1"}`, evaluator.input.Submission)
}

func TestAIGraderRespectsFeedbackLevelAndRunMode(t *testing.T) {
	evaluator := &stubEvaluator{result: ai.EvaluationResult{
		Score:    1,
		Feedback: "hidden",
		Criteria: []ai.CriterionEvaluation{{Name: "Syntax", Score: floatPtr(1), Passed: true, Feedback: "hidden"}},
	}}
	grader := NewAIGrader(evaluator, stubTasks{task: models.Task{MaxPoints: 4}})

	result, err := grader.Grade(context.Background(), Input{FeedbackLevel: 0, Mode: models.SubmissionModeRun})
	require.NoError(t, err)
	require.Zero(t, result.Points)
	require.Nil(t, result.GeneralFeedback)
	require.Nil(t, result.Criteria[0].Points)
	require.Empty(t, result.Criteria[0].Feedback)
}

func TestAIGraderPropagatesFailures(t *testing.T) {
	grader := NewAIGrader(&stubEvaluator{}, stubTasks{err: gorm.ErrRecordNotFound})
	_, err := grader.Grade(context.Background(), Input{TaskID: 9})
	require.ErrorIs(t, err, gorm.ErrRecordNotFound)

	boom := errors.New("model unavailable")
	grader = NewAIGrader(&stubEvaluator{err: boom}, stubTasks{task: models.Task{MaxPoints: 1}})
	_, err = grader.Grade(context.Background(), Input{TaskID: 9})
	require.ErrorIs(t, err, boom)
}

func TestExecutionGraderAwardsPointsForMatchingOutput(t *testing.T) {
	executor := &stubExecutor{result: docker.ExecutionResult{Stdout: "42\n"}}
	grader := NewExecutionGrader(executor, stubTasks{task: models.Task{MaxPoints: 10}}, ExecutionGraderConfig{})

	result, err := grader.Grade(context.Background(), Input{
		Language:      "de",
		FeedbackLevel: 2,
		Mode:          models.SubmissionModeSubmit,
		Payload:       json.RawMessage(`{"language":"python","source":"print(42)","expected_output":"42"}`),
	})
	require.NoError(t, err)
	require.Equal(t, 10.0, result.Points)
	require.Len(t, result.Criteria, 2)
	require.Equal(t, criterionExecution, result.Criteria[0].Name)
	require.True(t, result.Criteria[1].Passed)
	require.Equal(t, "Ausgabe stimmt.", result.Criteria[1].Feedback)
	require.Equal(t, "2 von 2 Prüfungen bestanden.", *result.GeneralFeedback)

	require.Equal(t, DefaultRuntimes["python"].Image, executor.request.Image)
	require.Contains(t, executor.request.Env, "SUBMISSION_SOURCE=print(42)")
}

func TestExecutionGraderTimeoutFailsCriteria(t *testing.T) {
	executor := &stubExecutor{result: docker.ExecutionResult{TimedOut: true}, err: errors.New("execution timed out")}
	grader := NewExecutionGrader(executor, stubTasks{task: models.Task{MaxPoints: 6}}, ExecutionGraderConfig{})

	result, err := grader.Grade(context.Background(), Input{
		Language:      "en",
		FeedbackLevel: 2,
		Mode:          models.SubmissionModeDiagnose,
		Payload:       json.RawMessage(`{"language":"shell","source":"sleep 100","expected_output":"done"}`),
	})
	require.NoError(t, err)
	require.Zero(t, result.Points)
	require.False(t, result.Criteria[0].Passed)
	require.Equal(t, "Time limit exceeded.", result.Criteria[0].Feedback)
	require.False(t, result.Criteria[1].Passed)
}

func TestExecutionGraderRunModeSkipsOutputCheck(t *testing.T) {
	executor := &stubExecutor{result: docker.ExecutionResult{ExitCode: 1, Stderr: "SyntaxError"}}
	grader := NewExecutionGrader(executor, stubTasks{task: models.Task{MaxPoints: 6}}, ExecutionGraderConfig{})

	result, err := grader.Grade(context.Background(), Input{
		FeedbackLevel: 3,
		Mode:          models.SubmissionModeRun,
		Payload:       json.RawMessage(`{"language":"python","source":"print(","expected_output":"x"}`),
	})
	require.NoError(t, err)
	require.Len(t, result.Criteria, 1)
	require.Nil(t, result.Criteria[0].Points)
	require.Equal(t, "SyntaxError", result.Criteria[0].Feedback)
}

func TestExecutionGraderRejectsUnknownLanguage(t *testing.T) {
	grader := NewExecutionGrader(&stubExecutor{}, stubTasks{}, ExecutionGraderConfig{})
	_, err := grader.Grade(context.Background(), Input{Payload: json.RawMessage(`{"language":"cobol","source":""}`)})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

func TestExecutionGraderPropagatesSandboxErrors(t *testing.T) {
	boom := errors.New("daemon down")
	grader := NewExecutionGrader(&stubExecutor{err: boom}, stubTasks{task: models.Task{MaxPoints: 1}}, ExecutionGraderConfig{})
	_, err := grader.Grade(context.Background(), Input{Payload: json.RawMessage(`{"language":"python","source":"x"}`)})
	require.ErrorIs(t, err, boom)
}

func TestStaticGraderReturnsEmbeddedResult(t *testing.T) {
	result, err := StaticGrader{}.Grade(context.Background(), Input{
		Payload: json.RawMessage(`{"expected_result":{"max_points":10,"points":7.5,"criteria":[{"name":"A","passed":true,"feedback":""}]}}`),
	})
	require.NoError(t, err)
	require.Equal(t, 7.5, result.Points)
	require.Len(t, result.Criteria, 1)

	_, err = StaticGrader{}.Grade(context.Background(), Input{Payload: json.RawMessage(`{}`)})
	require.ErrorIs(t, err, ErrMalformedPayload)
}

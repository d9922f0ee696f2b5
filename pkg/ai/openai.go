package ai

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var (
	aiDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "evaluation_duration_seconds",
		Help:      "Duration of AI evaluation requests",
	}, []string{"model"})

	aiFailures = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "ai",
		Name:      "evaluation_failures_total",
		Help:      "Number of AI evaluation failures",
	}, []string{"model"})
)

// OpenAIConfig defines configuration options for the OpenAI evaluator.
type OpenAIConfig struct {
	APIKey      string
	BaseURL     string
	Model       string
	MaxTokens   int
	Temperature float32
	Logger      zerolog.Logger
}

// OpenAIEvaluator implements Evaluator against the OpenAI chat completion API.
type OpenAIEvaluator struct {
	client *openai.Client
	cfg    OpenAIConfig
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewOpenAIEvaluator builds a new evaluator using the provided configuration.
func NewOpenAIEvaluator(cfg OpenAIConfig) (*OpenAIEvaluator, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("openai api key is required")
	}

	if cfg.Model == "" {
		cfg.Model = "gpt-4o-mini"
	}

	if cfg.MaxTokens == 0 {
		cfg.MaxTokens = 1024
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	config := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		config.BaseURL = cfg.BaseURL
	}

	return &OpenAIEvaluator{
		client: openai.NewClientWithConfig(config),
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/ai/openai"),
		logger: logger.With().Str("component", "openai_evaluator").Logger(),
	}, nil
}

// Evaluate sends the evaluation request to OpenAI and parses the response.
func (e *OpenAIEvaluator) Evaluate(parent context.Context, input EvaluationInput) (EvaluationResult, error) {
	ctx, span := e.tracer.Start(parent, "openai.evaluate", trace.WithAttributes(
		attribute.String("model", e.cfg.Model),
		attribute.Int64("task.id", input.TaskID),
		attribute.String("submission.mode", input.Mode),
	))
	defer span.End()

	start := time.Now()
	request := openai.ChatCompletionRequest{
		Model:       e.cfg.Model,
		MaxTokens:   e.cfg.MaxTokens,
		Temperature: e.cfg.Temperature,
		Messages: []openai.ChatCompletionMessage{
			{
				Role:    openai.ChatMessageRoleSystem,
				Content: evaluatorSystemPrompt(),
			},
			{
				Role:    openai.ChatMessageRoleUser,
				Content: buildUserPrompt(input),
			},
		},
		ResponseFormat: &openai.ChatCompletionResponseFormat{Type: openai.ChatCompletionResponseFormatTypeJSONObject},
	}

	resp, err := e.client.CreateChatCompletion(ctx, request)
	aiDuration.WithLabelValues(e.cfg.Model).Observe(time.Since(start).Seconds())
	if err != nil {
		return EvaluationResult{}, e.fail(span, fmt.Errorf("openai evaluate: %w", err))
	}

	if len(resp.Choices) == 0 {
		return EvaluationResult{}, e.fail(span, fmt.Errorf("no choices returned from openai"))
	}

	result, err := parseEvaluationResponse(strings.TrimSpace(resp.Choices[0].Message.Content))
	if err != nil {
		return EvaluationResult{}, e.fail(span, err)
	}

	e.logger.Debug().
		Int64("task_id", input.TaskID).
		Int("prompt_tokens", resp.Usage.PromptTokens).
		Int("completion_tokens", resp.Usage.CompletionTokens).
		Msg("submission evaluated")

	return result, nil
}

func (e *OpenAIEvaluator) fail(span trace.Span, err error) error {
	aiFailures.WithLabelValues(e.cfg.Model).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

func evaluatorSystemPrompt() string {
	return "You are an automated grader for programming and database exercises. Respond with a JSON object containing " +
		"score (0-1), verdict, feedback and a criteria array whose items have name, score (0-1), passed and feedback. " +
		"Judge correctness first, then quality."
}

func buildUserPrompt(input EvaluationInput) string {
	builder := strings.Builder{}
	builder.WriteString("# Task\n")
	builder.WriteString(strconv.FormatInt(input.TaskID, 10))
	builder.WriteString("\n\n## Mode\n")
	builder.WriteString(modeInstructions(input.Mode))
	builder.WriteString("\n\n## Feedback Level\n")
	builder.WriteString(strconv.Itoa(input.FeedbackLevel))
	builder.WriteString(" (0 = none, 3 = detailed)")
	builder.WriteString("\n\n## Feedback Language\n")
	builder.WriteString(languageName(input.Language))
	builder.WriteString("\n\n## Submission\n")
	builder.WriteString(input.Submission)
	builder.WriteString("\nReturn JSON.")
	return builder.String()
}

func modeInstructions(mode string) string {
	switch strings.ToUpper(mode) {
	case "RUN":
		return "Only report syntax errors. Do not judge semantics."
	case "SUBMIT":
		return "Grade the submission. Do not reveal how to fix mistakes."
	default:
		return "Grade the submission and explain every mistake."
	}
}

func languageName(code string) string {
	if strings.EqualFold(code, "de") {
		return "German"
	}
	return "English"
}

func parseEvaluationResponse(content string) (EvaluationResult, error) {
	var data EvaluationResult
	if err := json.Unmarshal([]byte(content), &data); err != nil {
		return EvaluationResult{}, fmt.Errorf("parse evaluation json: %w", err)
	}

	data.Score = clampFraction(data.Score)
	criteria := make([]CriterionEvaluation, 0, len(data.Criteria))
	for _, criterion := range data.Criteria {
		if strings.TrimSpace(criterion.Name) == "" {
			continue
		}
		if criterion.Score != nil {
			score := clampFraction(*criterion.Score)
			criterion.Score = &score
		}
		criteria = append(criteria, criterion)
	}
	data.Criteria = criteria

	return data, nil
}

func clampFraction(value float64) float64 {
	if value < 0 {
		return 0
	}
	if value > 1 {
		return 1
	}
	return value
}

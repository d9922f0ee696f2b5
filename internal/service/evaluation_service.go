package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/datatypes"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/dto"
	"github.com/noah-isme/gema-grading-api/internal/grading"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/worker"
)

const (
	defaultPageSize = 20
	maxPageSize     = 100
)

// sortableColumns maps the public sort keys to columns.
var sortableColumns = map[string]string{
	"submission_time": "submission_time",
	"user_id":         "user_id",
	"assignment_id":   "assignment_id",
	"task_id":         "task_id",
	"mode":            "mode",
}

// Dispatcher hands background jobs to workers.
type Dispatcher interface {
	Dispatch(job worker.Job) error
}

// EvaluationService is the entry point for submitting work and querying submissions.
type EvaluationService interface {
	Enqueue(ctx context.Context, req dto.SubmitSubmissionRequest) (uuid.UUID, error)
	Execute(ctx context.Context, req dto.SubmitSubmissionRequest, persist bool) (dto.GradingResultResponse, error)
	GetResult(ctx context.Context, id uuid.UUID) (*models.GradingResult, error)
	GetSubmissions(ctx context.Context, query dto.SubmissionQuery) (dto.SubmissionPage, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

type evaluationService struct {
	submissions repository.SubmissionRepository
	tasks       repository.TaskRepository
	runner      *GradingJobRunner
	dispatcher  Dispatcher
	payloads    *grading.PayloadValidator
	validator   *validator.Validate
	logger      zerolog.Logger
	tracer      trace.Tracer
	now         func() time.Time
}

// NewEvaluationService constructs the evaluation service. payloads may be nil.
func NewEvaluationService(
	submissions repository.SubmissionRepository,
	tasks repository.TaskRepository,
	runner *GradingJobRunner,
	dispatcher Dispatcher,
	payloads *grading.PayloadValidator,
	validate *validator.Validate,
	logger zerolog.Logger,
) EvaluationService {
	return &evaluationService{
		submissions: submissions,
		tasks:       tasks,
		runner:      runner,
		dispatcher:  dispatcher,
		payloads:    payloads,
		validator:   validate,
		logger:      logger.With().Str("component", "evaluation_service").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/evaluation"),
		now:         time.Now,
	}
}

// Enqueue stores the submission and hands grading to the worker pool. The id is
// returned even when the pool rejects the job; such a record never receives a result.
func (s *evaluationService) Enqueue(ctx context.Context, req dto.SubmitSubmissionRequest) (uuid.UUID, error) {
	input, err := s.prepare(req)
	if err != nil {
		return uuid.Nil, err
	}

	ctx, span := s.tracer.Start(ctx, "evaluation.enqueue", trace.WithAttributes(attribute.Int64("task.id", input.TaskID)))
	defer span.End()

	submission, err := s.createSubmission(ctx, input)
	if err != nil {
		span.RecordError(err)
		return uuid.Nil, err
	}

	id := submission.ID
	base := s.loggerFor(ctx)
	logger := base.With().Str("submission_id", id.String()).Logger()
	job := GradingJob{Input: input, SubmissionID: &id, Persist: true, Path: pathAsync}

	err = s.dispatcher.Dispatch(func(jobCtx context.Context) {
		if _, err := s.runner.Run(jobCtx, job); err != nil {
			switch {
			case errors.Is(err, ErrSubmissionNotFound):
				logger.Warn().Err(err).Msg("submission deleted before grading finished")
			case errors.Is(err, repository.ErrResultAlreadyRecorded):
				logger.Warn().Err(err).Msg("result already recorded by another job")
			default:
				logger.Error().Err(err).Msg("background grading failed")
			}
		}
	})
	if err != nil {
		observability.GradingJobs().WithLabelValues(pathAsync, "rejected").Inc()
		logger.Error().Err(err).Msg("failed to dispatch background grading")
		span.RecordError(err)
	}

	return id, nil
}

// Execute grades inline. With persist the submission is stored first and the result
// attached before returning.
func (s *evaluationService) Execute(ctx context.Context, req dto.SubmitSubmissionRequest, persist bool) (dto.GradingResultResponse, error) {
	input, err := s.prepare(req)
	if err != nil {
		return dto.GradingResultResponse{}, err
	}

	ctx, span := s.tracer.Start(ctx, "evaluation.execute", trace.WithAttributes(
		attribute.Int64("task.id", input.TaskID),
		attribute.Bool("submission.persist", persist),
	))
	defer span.End()

	job := GradingJob{Input: input, Persist: persist, Path: pathSync}
	if persist {
		submission, err := s.createSubmission(ctx, input)
		if err != nil {
			span.RecordError(err)
			return dto.GradingResultResponse{}, err
		}
		job.SubmissionID = &submission.ID
	} else if _, err := s.taskReference(ctx, input.TaskID); err != nil {
		return dto.GradingResultResponse{}, err
	}

	outcome, err := s.runner.Run(ctx, job)
	if err != nil {
		if job.SubmissionID != nil {
			logger := s.loggerFor(ctx)
			logger.Warn().Err(err).Str("submission_id", job.SubmissionID.String()).Msg("inline grading failed")
		}
		return dto.GradingResultResponse{}, err
	}

	return dto.GradingResultResponse{ID: outcome.SubmissionID, Result: outcome.Result}, nil
}

// loggerFor tags the service logger with the correlation id carried by ctx.
func (s *evaluationService) loggerFor(ctx context.Context) zerolog.Logger {
	if id := middleware.CorrelationIDFromContext(ctx); id != "" {
		return s.logger.With().Str("correlation_id", id).Logger()
	}
	return s.logger
}

// GetResult returns the stored result, nil while grading is pending, or
// ErrSubmissionNotFound.
func (s *evaluationService) GetResult(ctx context.Context, id uuid.UUID) (*models.GradingResult, error) {
	submission, err := s.submissions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrSubmissionNotFound
		}
		return nil, fmt.Errorf("load submission %s: %w", id, err)
	}
	if !submission.HasResult() {
		return nil, nil
	}
	result := submission.EvaluationResult.Clone()
	return &result, nil
}

func (s *evaluationService) GetSubmissions(ctx context.Context, query dto.SubmissionQuery) (dto.SubmissionPage, error) {
	filter, err := buildFilter(query)
	if err != nil {
		return dto.SubmissionPage{}, err
	}
	page, err := buildPageRequest(query)
	if err != nil {
		return dto.SubmissionPage{}, err
	}

	items, total, err := s.submissions.FindPage(ctx, filter, page)
	if err != nil {
		return dto.SubmissionPage{}, fmt.Errorf("list submissions: %w", err)
	}

	content := make([]dto.SubmissionResponse, 0, len(items))
	for _, item := range items {
		content = append(content, dto.NewSubmissionResponse(item))
	}

	totalPages := int(total / int64(page.Size))
	if total%int64(page.Size) != 0 {
		totalPages++
	}

	return dto.SubmissionPage{
		Content:       content,
		Page:          page.Page,
		Size:          page.Size,
		TotalElements: total,
		TotalPages:    totalPages,
	}, nil
}

func (s *evaluationService) Delete(ctx context.Context, id uuid.UUID) error {
	if err := s.submissions.DeleteByID(ctx, id); err != nil {
		return fmt.Errorf("delete submission %s: %w", id, err)
	}
	return nil
}

// prepare validates the request and converts it to grader input. Nothing is persisted
// when it fails.
func (s *evaluationService) prepare(req dto.SubmitSubmissionRequest) (grading.Input, error) {
	req.Mode = strings.ToUpper(strings.TrimSpace(req.Mode))
	req.Language = strings.ToLower(strings.TrimSpace(req.Language))
	if err := s.validator.Struct(req); err != nil {
		return grading.Input{}, err
	}

	if err := s.payloads.Validate(req.Submission); err != nil {
		return grading.Input{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	mode, err := models.ParseSubmissionMode(req.Mode)
	if err != nil {
		return grading.Input{}, fmt.Errorf("%w: %w", ErrInvalidPayload, err)
	}

	return grading.Input{
		UserID:        trimmedOrNil(req.UserID),
		AssignmentID:  trimmedOrNil(req.AssignmentID),
		TaskID:        req.TaskID,
		Language:      req.Language,
		FeedbackLevel: *req.FeedbackLevel,
		Mode:          mode,
		Payload:       req.Submission,
	}, nil
}

func (s *evaluationService) createSubmission(ctx context.Context, input grading.Input) (models.Submission, error) {
	task, err := s.taskReference(ctx, input.TaskID)
	if err != nil {
		return models.Submission{}, err
	}

	submission := models.Submission{
		UserID:         input.UserID,
		AssignmentID:   input.AssignmentID,
		TaskID:         task.ID,
		SubmissionTime: s.now().UTC(),
		Language:       input.Language,
		FeedbackLevel:  input.FeedbackLevel,
		Mode:           input.Mode,
		Payload:        datatypes.JSON(input.Payload),
	}
	if err := s.submissions.Create(ctx, &submission); err != nil {
		return models.Submission{}, fmt.Errorf("create submission: %w", err)
	}
	return submission, nil
}

func (s *evaluationService) taskReference(ctx context.Context, taskID int64) (models.Task, error) {
	task, err := s.tasks.GetReference(ctx, taskID)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return models.Task{}, fmt.Errorf("%w: %d", ErrTaskNotFound, taskID)
		}
		return models.Task{}, fmt.Errorf("load task %d: %w", taskID, err)
	}
	return task, nil
}

func buildFilter(query dto.SubmissionQuery) (repository.SubmissionFilter, error) {
	filter := repository.SubmissionFilter{
		UserID:       trimmedOrNil(query.UserFilter),
		TaskID:       query.TaskFilter,
		AssignmentID: trimmedOrNil(query.AssignmentFilter),
	}
	if query.ModeFilter != nil && strings.TrimSpace(*query.ModeFilter) != "" {
		mode, err := models.ParseSubmissionMode(*query.ModeFilter)
		if err != nil {
			return repository.SubmissionFilter{}, fmt.Errorf("%w: %w", ErrInvalidFilter, err)
		}
		filter.Mode = &mode
	}
	return filter, nil
}

func buildPageRequest(query dto.SubmissionQuery) (repository.PageRequest, error) {
	page := repository.PageRequest{Page: query.Page, Size: query.Size}
	if page.Page < 0 {
		page.Page = 0
	}
	if page.Size <= 0 {
		page.Size = defaultPageSize
	}
	if page.Size > maxPageSize {
		page.Size = maxPageSize
	}

	for _, expression := range query.Sort {
		expression = strings.TrimSpace(expression)
		if expression == "" {
			continue
		}
		field, direction, _ := strings.Cut(expression, ",")
		column, ok := sortableColumns[strings.ToLower(strings.TrimSpace(field))]
		if !ok {
			return repository.PageRequest{}, fmt.Errorf("%w: unknown field %q", ErrInvalidSort, field)
		}
		order := repository.SortOrder{Column: column}
		switch strings.ToLower(strings.TrimSpace(direction)) {
		case "", "asc":
		case "desc":
			order.Desc = true
		default:
			return repository.PageRequest{}, fmt.Errorf("%w: unknown direction %q", ErrInvalidSort, direction)
		}
		page.Sort = append(page.Sort, order)
	}
	return page, nil
}

func trimmedOrNil(value *string) *string {
	if value == nil {
		return nil
	}
	trimmed := strings.TrimSpace(*value)
	if trimmed == "" {
		return nil
	}
	return &trimmed
}

func isNotFound(err error) bool {
	return errors.Is(err, ErrSubmissionNotFound) || errors.Is(err, gorm.ErrRecordNotFound)
}

package service

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"gorm.io/gorm"

	"github.com/noah-isme/gema-grading-api/internal/grading"
	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
)

const (
	pathSync  = "sync"
	pathAsync = "async"
)

// GradingJob is one invocation of the grader.
type GradingJob struct {
	Input        grading.Input
	SubmissionID *uuid.UUID
	Persist      bool
	// Path labels metrics and logs; either "sync" or "async".
	Path string
}

// GradingOutcome is the result of a grading job. SubmissionID is nil when nothing was
// persisted.
type GradingOutcome struct {
	SubmissionID *uuid.UUID
	Result       models.GradingResult
}

// GradingJobRunner grades one submission and reconciles the submission store. It is
// shared by the inline and the background path and keeps no state between runs.
type GradingJobRunner struct {
	grader      grading.Grader
	submissions repository.SubmissionRepository
	notifier    ResultNotifier
	sanitizer   *bluemonday.Policy
	logger      zerolog.Logger
	tracer      trace.Tracer
}

// NewGradingJobRunner constructs a job runner. notifier may be nil.
func NewGradingJobRunner(grader grading.Grader, submissions repository.SubmissionRepository, notifier ResultNotifier, logger zerolog.Logger) *GradingJobRunner {
	return &GradingJobRunner{
		grader:      grader,
		submissions: submissions,
		notifier:    notifier,
		sanitizer:   bluemonday.UGCPolicy(),
		logger:      logger.With().Str("component", "grading_job_runner").Logger(),
		tracer:      otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/grading"),
	}
}

// Run grades the job's input. With a submission id and Persist set, the result is
// attached to the stored record; with an id and Persist unset, the record is deleted.
func (r *GradingJobRunner) Run(ctx context.Context, job GradingJob) (GradingOutcome, error) {
	path := job.Path
	if path == "" {
		path = pathSync
	}

	attrs := []attribute.KeyValue{
		attribute.String("grading.path", path),
		attribute.Int64("task.id", job.Input.TaskID),
		attribute.String("submission.mode", string(job.Input.Mode)),
	}
	if job.SubmissionID != nil {
		attrs = append(attrs, attribute.String("submission.id", job.SubmissionID.String()))
	}
	ctx, span := r.tracer.Start(ctx, "grading.job", trace.WithAttributes(attrs...))
	defer span.End()

	start := time.Now()
	result, err := r.grader.Grade(ctx, job.Input)
	observability.GradingDuration().WithLabelValues(path).Observe(time.Since(start).Seconds())
	if err != nil {
		return r.fail(span, path, "grading_failed", fmt.Errorf("%w: %w", ErrGradingFailed, err))
	}

	result = r.normalise(result)
	if err := result.Validate(); err != nil {
		return r.fail(span, path, "invalid_result", fmt.Errorf("%w: %w", ErrInvalidGradingResult, err))
	}

	if job.SubmissionID == nil {
		observability.GradingJobs().WithLabelValues(path, "graded").Inc()
		return GradingOutcome{Result: result}, nil
	}

	id := *job.SubmissionID
	if !job.Persist {
		if err := r.submissions.DeleteByID(ctx, id); err != nil {
			return r.fail(span, path, "storage_error", fmt.Errorf("discard submission %s: %w", id, err))
		}
		observability.GradingJobs().WithLabelValues(path, "discarded").Inc()
		return GradingOutcome{Result: result}, nil
	}

	if err := r.attach(ctx, id, result); err != nil {
		outcome := "storage_error"
		if errors.Is(err, ErrSubmissionNotFound) {
			outcome = "vanished"
		}
		return r.fail(span, path, outcome, err)
	}

	if r.notifier != nil {
		r.notifier.Notify(ctx, id)
	}
	observability.GradingJobs().WithLabelValues(path, "stored").Inc()
	return GradingOutcome{SubmissionID: &id, Result: result}, nil
}

func (r *GradingJobRunner) attach(ctx context.Context, id uuid.UUID, result models.GradingResult) error {
	submission, err := r.submissions.FindByID(ctx, id)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s vanished before its result was attached", ErrSubmissionNotFound, id)
		}
		return fmt.Errorf("load submission %s: %w", id, err)
	}

	stored := result.Clone()
	submission.EvaluationResult = &stored
	if err := r.submissions.Save(ctx, &submission); err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return fmt.Errorf("%w: %s vanished before its result was attached", ErrSubmissionNotFound, id)
		}
		return fmt.Errorf("save result of %s: %w", id, err)
	}
	return nil
}

// normalise copies the grader's result, sanitises feedback markup and guarantees a
// non-nil criteria list.
func (r *GradingJobRunner) normalise(result models.GradingResult) models.GradingResult {
	clean := result.Clone()
	if clean.GeneralFeedback != nil {
		feedback := strings.TrimSpace(r.sanitizer.Sanitize(*clean.GeneralFeedback))
		clean.GeneralFeedback = &feedback
	}
	for i := range clean.Criteria {
		clean.Criteria[i].Name = strings.TrimSpace(clean.Criteria[i].Name)
		clean.Criteria[i].Feedback = strings.TrimSpace(r.sanitizer.Sanitize(clean.Criteria[i].Feedback))
	}
	return clean
}

func (r *GradingJobRunner) fail(span trace.Span, path, outcome string, err error) (GradingOutcome, error) {
	observability.GradingJobs().WithLabelValues(path, outcome).Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return GradingOutcome{}, err
}

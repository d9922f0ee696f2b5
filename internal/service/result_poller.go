package service

import (
	"context"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

const (
	// DefaultPollTimeout is used when the client does not send a timeout.
	DefaultPollTimeout = 10
	// MaxPollTimeout is the upper bound of the poll budget in seconds.
	MaxPollTimeout = 60
	// DefaultPollInterval separates two checks of the same submission.
	DefaultPollInterval = time.Second
)

// PollState is the terminal state of a poll that did not fail.
type PollState string

const (
	PollStateDone    PollState = "done"
	PollStateTimeout PollState = "timeout"
)

// PollOutcome is what a poll ended with. Result is only set for PollStateDone.
type PollOutcome struct {
	State  PollState
	Result *models.GradingResult
}

// ResultSource is the single-shot lookup the poller repeats.
type ResultSource interface {
	GetResult(ctx context.Context, id uuid.UUID) (*models.GradingResult, error)
	Delete(ctx context.Context, id uuid.UUID) error
}

// PollerConfig tunes the poller.
type PollerConfig struct {
	Interval   time.Duration
	MaxTimeout int
}

// ResultPoller waits a bounded time for a submission's result.
type ResultPoller struct {
	source   ResultSource
	notifier ResultNotifier
	cfg      PollerConfig
	logger   zerolog.Logger
	tracer   trace.Tracer
}

// NewResultPoller constructs a poller. notifier may be nil, in which case the poller
// only wakes on its interval.
func NewResultPoller(source ResultSource, notifier ResultNotifier, cfg PollerConfig, logger zerolog.Logger) *ResultPoller {
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultPollInterval
	}
	if cfg.MaxTimeout <= 0 || cfg.MaxTimeout > MaxPollTimeout {
		cfg.MaxTimeout = MaxPollTimeout
	}
	return &ResultPoller{
		source:   source,
		notifier: notifier,
		cfg:      cfg,
		logger:   logger.With().Str("component", "result_poller").Logger(),
		tracer:   otel.Tracer("github.com/noah-isme/gema-grading-api/internal/service/poller"),
	}
}

// ClampTimeout bounds a client supplied timeout to [0, max].
func ClampTimeout(seconds, max int) int {
	if seconds < 0 {
		return 0
	}
	if seconds > max {
		return max
	}
	return seconds
}

// Poll checks for the result up to timeout times, waiting one interval between checks.
// A timeout of 0 or 1 performs exactly one check. An unknown id fails immediately with
// ErrSubmissionNotFound. Cancelling ctx while waiting ends the poll with
// PollStateTimeout. With deleteOnSuccess the record is removed once its result has been
// read.
func (p *ResultPoller) Poll(ctx context.Context, id uuid.UUID, timeout int, deleteOnSuccess bool) (PollOutcome, error) {
	remaining := ClampTimeout(timeout, p.cfg.MaxTimeout)

	ctx, span := p.tracer.Start(ctx, "result.poll", trace.WithAttributes(
		attribute.String("submission.id", id.String()),
		attribute.Int("poll.timeout", remaining),
		attribute.Bool("poll.delete", deleteOnSuccess),
	))
	defer span.End()

	start := time.Now()
	defer func() { observability.ResultPollWait().Observe(time.Since(start).Seconds()) }()

	var wake <-chan struct{}
	if remaining > 1 && p.notifier != nil {
		ch, unsubscribe := p.notifier.Subscribe(id)
		defer unsubscribe()
		wake = ch
	}

	attempts := 0
	for {
		attempts++
		result, err := p.source.GetResult(ctx, id)
		if err != nil {
			outcome := "error"
			if ctx.Err() != nil {
				// The client went away mid-check; report it like an expired budget.
				observability.ResultPolls().WithLabelValues("cancelled").Inc()
				return PollOutcome{State: PollStateTimeout}, nil
			}
			if isNotFound(err) {
				outcome = "not_found"
			}
			observability.ResultPolls().WithLabelValues(outcome).Inc()
			span.RecordError(err)
			return PollOutcome{}, err
		}

		if result != nil {
			if deleteOnSuccess {
				if err := p.source.Delete(ctx, id); err != nil {
					observability.ResultPolls().WithLabelValues("error").Inc()
					span.RecordError(err)
					return PollOutcome{}, err
				}
			}
			observability.ResultPolls().WithLabelValues("done").Inc()
			span.SetAttributes(attribute.Int("poll.attempts", attempts))
			return PollOutcome{State: PollStateDone, Result: result}, nil
		}

		remaining--
		if remaining <= 0 {
			break
		}

		if !p.wait(ctx, &wake) {
			observability.ResultPolls().WithLabelValues("cancelled").Inc()
			return PollOutcome{State: PollStateTimeout}, nil
		}
	}

	p.logger.Debug().Str("submission_id", id.String()).Int("attempts", attempts).Msg("result not available within budget")
	observability.ResultPolls().WithLabelValues("timeout").Inc()
	span.SetAttributes(attribute.Int("poll.attempts", attempts))
	return PollOutcome{State: PollStateTimeout}, nil
}

// wait blocks for one interval, a completion signal or cancellation. It returns false
// when ctx ended.
func (p *ResultPoller) wait(ctx context.Context, wake *<-chan struct{}) bool {
	timer := time.NewTimer(p.cfg.Interval)
	defer timer.Stop()

	select {
	case <-timer.C:
		return true
	case _, ok := <-*wake:
		if !ok {
			*wake = nil
		}
		return true
	case <-ctx.Done():
		return false
	}
}

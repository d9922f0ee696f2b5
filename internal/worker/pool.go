package worker

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

var (
	// ErrQueueFull is returned when the backlog is at capacity.
	ErrQueueFull = errors.New("worker queue is full")
	// ErrPoolClosed is returned once Shutdown has been called.
	ErrPoolClosed = errors.New("worker pool is closed")
)

// Job is a unit of background work. The context is detached from the request that
// dispatched the job and is never cancelled by the pool.
type Job func(ctx context.Context)

// Config sizes the pool.
type Config struct {
	Workers   int
	QueueSize int
	// Depth, when set, tracks the number of queued jobs.
	Depth prometheus.Gauge
}

// Pool runs jobs on a fixed number of workers fed by a bounded queue.
type Pool struct {
	cfg    Config
	queue  chan Job
	logger zerolog.Logger

	mu      sync.RWMutex
	closed  bool
	started bool
	done    chan struct{}
}

// New constructs a pool. Workers only start consuming after Start.
func New(cfg Config, logger zerolog.Logger) *Pool {
	if cfg.Workers <= 0 {
		cfg.Workers = 1
	}
	if cfg.QueueSize < 0 {
		cfg.QueueSize = 0
	}
	return &Pool{
		cfg:    cfg,
		queue:  make(chan Job, cfg.QueueSize),
		logger: logger.With().Str("component", "worker_pool").Logger(),
		done:   make(chan struct{}),
	}
}

// Start launches the workers. Values of ctx are visible to jobs but its cancellation is
// not; use Shutdown to stop the pool.
func (p *Pool) Start(ctx context.Context) {
	p.mu.Lock()
	if p.started {
		p.mu.Unlock()
		return
	}
	p.started = true
	p.mu.Unlock()

	jobCtx := context.WithoutCancel(ctx)
	group := new(errgroup.Group)
	for i := 0; i < p.cfg.Workers; i++ {
		id := i
		group.Go(func() error {
			p.work(jobCtx, id)
			return nil
		})
	}

	p.logger.Info().Int("workers", p.cfg.Workers).Int("queue_size", p.cfg.QueueSize).Msg("worker pool started")

	go func() {
		_ = group.Wait()
		close(p.done)
	}()
}

// Dispatch queues job without blocking.
func (p *Pool) Dispatch(job Job) error {
	p.mu.RLock()
	defer p.mu.RUnlock()

	if p.closed {
		return ErrPoolClosed
	}

	// Count before the send so a worker's Dec can never run ahead of it.
	if p.cfg.Depth != nil {
		p.cfg.Depth.Inc()
	}
	select {
	case p.queue <- job:
		return nil
	default:
		if p.cfg.Depth != nil {
			p.cfg.Depth.Dec()
		}
		return ErrQueueFull
	}
}

// Shutdown stops accepting jobs and waits until the queued ones have run or ctx ends.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if !p.closed {
		p.closed = true
		close(p.queue)
	}
	started := p.started
	p.mu.Unlock()

	if !started {
		return nil
	}

	select {
	case <-p.done:
		p.logger.Info().Msg("worker pool drained")
		return nil
	case <-ctx.Done():
		return fmt.Errorf("drain worker pool: %w", ctx.Err())
	}
}

// Pending returns the number of queued jobs.
func (p *Pool) Pending() int {
	return len(p.queue)
}

func (p *Pool) work(ctx context.Context, id int) {
	for job := range p.queue {
		if p.cfg.Depth != nil {
			p.cfg.Depth.Dec()
		}
		p.run(ctx, id, job)
	}
}

func (p *Pool) run(ctx context.Context, id int, job Job) {
	defer func() {
		if recovered := recover(); recovered != nil {
			p.logger.Error().Int("worker", id).Interface("panic", recovered).Msg("background job panicked")
		}
	}()
	job(ctx)
}

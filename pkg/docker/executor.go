package docker

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"

	"github.com/docker/docker/api/types"
	"github.com/docker/docker/api/types/container"
	"github.com/docker/docker/api/types/network"
	"github.com/docker/docker/client"
	"github.com/docker/docker/pkg/stdcopy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

// ErrImageRequired is returned when a request does not name an image.
var ErrImageRequired = errors.New("image is required")

// maxLogBytes caps how much container output is kept per stream.
const maxLogBytes = 64 * 1024

var (
	sandboxRuns = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: "grader",
		Subsystem: "sandbox",
		Name:      "runs_total",
		Help:      "Sandbox runs partitioned by image and outcome",
	}, []string{"image", "outcome"})

	sandboxDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Namespace: "grader",
		Subsystem: "sandbox",
		Name:      "run_duration_seconds",
		Help:      "Wall time of sandbox runs",
		Buckets:   prometheus.DefBuckets,
	}, []string{"image"})
)

// Executor runs a command inside an isolated container.
type Executor interface {
	Run(ctx context.Context, req ExecutionRequest) (ExecutionResult, error)
}

// ExecutionRequest describes one sandboxed run.
type ExecutionRequest struct {
	Image         string
	Cmd           []string
	Env           []string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
}

// ExecutionResult summarises a finished run.
type ExecutionResult struct {
	Stdout           string
	Stderr           string
	ExitCode         int
	Duration         time.Duration
	TimedOut         bool
	MemoryUsageBytes int64
}

// Succeeded reports whether the process exited cleanly inside its time budget.
func (r ExecutionResult) Succeeded() bool {
	return !r.TimedOut && r.ExitCode == 0
}

// Config groups executor defaults applied when a request leaves a field empty.
type Config struct {
	Host          string
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	WorkingDir    string
	Logger        zerolog.Logger
}

// DockerExecutor runs requests against a Docker daemon. Containers never get network
// access and always run with a read-only root filesystem.
type DockerExecutor struct {
	client *client.Client
	cfg    Config
	tracer trace.Tracer
	logger zerolog.Logger
}

// NewDockerExecutor constructs a Docker backed executor.
func NewDockerExecutor(cfg Config) (*DockerExecutor, error) {
	opts := []client.Opt{client.WithAPIVersionNegotiation()}
	if cfg.Host != "" {
		opts = append(opts, client.WithHost(cfg.Host))
	}

	cli, err := client.NewClientWithOpts(opts...)
	if err != nil {
		return nil, fmt.Errorf("create docker client: %w", err)
	}

	if cfg.WorkingDir == "" {
		cfg.WorkingDir = "/tmp"
	}

	logger := cfg.Logger
	if logger.GetLevel() == zerolog.Disabled {
		logger = zerolog.Nop()
	}

	return &DockerExecutor{
		client: cli,
		cfg:    cfg,
		tracer: otel.Tracer("github.com/noah-isme/gema-grading-api/pkg/docker"),
		logger: logger.With().Str("component", "docker_sandbox").Logger(),
	}, nil
}

// Run creates, starts and awaits a container, then collects its output. A run that
// exceeds its timeout is killed and reported with TimedOut set and a non-nil error.
func (e *DockerExecutor) Run(parent context.Context, req ExecutionRequest) (ExecutionResult, error) {
	if req.Image == "" {
		return ExecutionResult{}, ErrImageRequired
	}

	ctx, span := e.tracer.Start(parent, "sandbox.run", trace.WithAttributes(
		attribute.String("docker.image", req.Image),
	))
	defer span.End()

	timeout := req.Timeout
	if timeout <= 0 {
		timeout = e.cfg.Timeout
	}
	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	start := time.Now()
	resp, err := e.client.ContainerCreate(runCtx, e.containerConfig(req), e.hostConfig(req), &network.NetworkingConfig{}, nil, "")
	if err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container create: %w", err))
	}
	containerID := resp.ID
	defer e.remove(containerID)

	if err := e.client.ContainerStart(runCtx, containerID, container.StartOptions{}); err != nil {
		return ExecutionResult{}, e.fail(span, req.Image, fmt.Errorf("container start: %w", err))
	}

	result := ExecutionResult{}
	exitCode, waitErr := e.await(runCtx, containerID)
	result.Duration = time.Since(start)
	sandboxDuration.WithLabelValues(req.Image).Observe(result.Duration.Seconds())

	switch {
	case waitErr == nil:
		result.ExitCode = exitCode
	case errors.Is(waitErr, context.DeadlineExceeded) && ctx.Err() == nil:
		result.TimedOut = true
		e.kill(containerID)
	default:
		return result, e.fail(span, req.Image, fmt.Errorf("container wait: %w", waitErr))
	}

	// The run context may already be expired, so output is collected on the parent.
	e.collect(ctx, containerID, &result)

	if result.TimedOut {
		sandboxRuns.WithLabelValues(req.Image, "timeout").Inc()
		span.SetStatus(codes.Error, "execution timed out")
		return result, fmt.Errorf("execution timed out after %s", timeout)
	}

	outcome := "ok"
	if result.ExitCode != 0 {
		outcome = "nonzero_exit"
	}
	sandboxRuns.WithLabelValues(req.Image, outcome).Inc()
	return result, nil
}

func (e *DockerExecutor) containerConfig(req ExecutionRequest) *container.Config {
	return &container.Config{
		Image:           req.Image,
		Cmd:             req.Cmd,
		Env:             req.Env,
		WorkingDir:      e.cfg.WorkingDir,
		AttachStdout:    true,
		AttachStderr:    true,
		NetworkDisabled: true,
	}
}

func (e *DockerExecutor) hostConfig(req ExecutionRequest) *container.HostConfig {
	memory := req.MemoryLimitMB
	if memory == 0 {
		memory = e.cfg.MemoryLimitMB
	}
	shares := req.CPUShares
	if shares == 0 {
		shares = e.cfg.CPUShares
	}

	return &container.HostConfig{
		NetworkMode:    "none",
		ReadonlyRootfs: true,
		Tmpfs:          map[string]string{e.cfg.WorkingDir: "rw,size=16m"},
		Resources: container.Resources{
			Memory:    memory * 1024 * 1024,
			CPUShares: shares,
		},
	}
}

func (e *DockerExecutor) await(ctx context.Context, containerID string) (int, error) {
	statusCh, errCh := e.client.ContainerWait(ctx, containerID, container.WaitConditionNextExit)
	select {
	case err := <-errCh:
		if ctx.Err() != nil {
			return 0, ctx.Err()
		}
		return 0, err
	case status := <-statusCh:
		return int(status.StatusCode), nil
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

func (e *DockerExecutor) collect(ctx context.Context, containerID string, result *ExecutionResult) {
	logs, err := e.client.ContainerLogs(ctx, containerID, container.LogsOptions{ShowStdout: true, ShowStderr: true})
	if err != nil {
		e.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to fetch container logs")
	} else {
		defer logs.Close()
		stdout, stderr, err := splitDockerLogs(logs)
		if err != nil {
			e.logger.Warn().Err(err).Str("container_id", containerID).Msg("failed to read container logs")
		}
		result.Stdout = stdout
		result.Stderr = stderr
	}

	statsCtx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	stats, err := e.client.ContainerStatsOneShot(statsCtx, containerID)
	if err != nil {
		return
	}
	defer stats.Body.Close()
	var data types.StatsJSON
	if err := json.NewDecoder(stats.Body).Decode(&data); err == nil {
		result.MemoryUsageBytes = int64(data.MemoryStats.Usage)
	}
}

func (e *DockerExecutor) kill(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := e.client.ContainerKill(ctx, containerID, "KILL"); err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to kill timed out container")
	}
}

func (e *DockerExecutor) remove(containerID string) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := e.client.ContainerRemove(ctx, containerID, container.RemoveOptions{Force: true}); err != nil {
		e.logger.Error().Err(err).Str("container_id", containerID).Msg("failed to remove container")
	}
}

func (e *DockerExecutor) fail(span trace.Span, image string, err error) error {
	sandboxRuns.WithLabelValues(image, "error").Inc()
	span.RecordError(err)
	span.SetStatus(codes.Error, err.Error())
	return err
}

// Close shuts down the executor's underlying client.
func (e *DockerExecutor) Close() error {
	if e.client == nil {
		return nil
	}
	return e.client.Close()
}

func splitDockerLogs(reader io.Reader) (string, string, error) {
	stdout := &cappedBuffer{limit: maxLogBytes}
	stderr := &cappedBuffer{limit: maxLogBytes}
	_, err := stdcopy.StdCopy(stdout, stderr, reader)
	return stdout.String(), stderr.String(), err
}

// cappedBuffer keeps the first limit bytes and silently discards the rest.
type cappedBuffer struct {
	bytes.Buffer
	limit int
}

func (b *cappedBuffer) Write(p []byte) (int, error) {
	if room := b.limit - b.Len(); room > 0 {
		if len(p) > room {
			b.Buffer.Write(p[:room])
		} else {
			b.Buffer.Write(p)
		}
	}
	return len(p), nil
}

package grading

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/noah-isme/gema-grading-api/internal/models"
	"github.com/noah-isme/gema-grading-api/pkg/docker"
)

const (
	criterionExecution = "Execution"
	criterionOutput    = "Output"
)

// Runtime describes how source code of one language is run inside the sandbox. The
// source is handed over in the SUBMISSION_SOURCE environment variable.
type Runtime struct {
	Image string
	Cmd   []string
}

// DefaultRuntimes lists the languages the sandbox grader understands.
var DefaultRuntimes = map[string]Runtime{
	"python": {
		Image: "python:3.12-alpine",
		Cmd:   []string{"sh", "-c", `printf '%s' "$SUBMISSION_SOURCE" > main.py && python main.py`},
	},
	"javascript": {
		Image: "node:20-alpine",
		Cmd:   []string{"sh", "-c", `printf '%s' "$SUBMISSION_SOURCE" > main.js && node main.js`},
	},
	"shell": {
		Image: "alpine:3.20",
		Cmd:   []string{"sh", "-c", `printf '%s' "$SUBMISSION_SOURCE" > main.sh && sh main.sh`},
	},
}

// ExecutionPayload is the payload shape accepted by the sandbox grader.
type ExecutionPayload struct {
	Language       string  `json:"language"`
	Source         string  `json:"source"`
	ExpectedOutput *string `json:"expected_output,omitempty"`
}

// ExecutionGraderConfig groups sandbox limits.
type ExecutionGraderConfig struct {
	Timeout       time.Duration
	MemoryLimitMB int64
	CPUShares     int64
	Runtimes      map[string]Runtime
}

// ExecutionGrader runs submitted code in a container and compares its output.
type ExecutionGrader struct {
	executor docker.Executor
	tasks    TaskLookup
	cfg      ExecutionGraderConfig
}

// NewExecutionGrader constructs a sandbox grader.
func NewExecutionGrader(executor docker.Executor, tasks TaskLookup, cfg ExecutionGraderConfig) *ExecutionGrader {
	if cfg.Runtimes == nil {
		cfg.Runtimes = DefaultRuntimes
	}
	return &ExecutionGrader{executor: executor, tasks: tasks, cfg: cfg}
}

// Grade implements Grader.
func (g *ExecutionGrader) Grade(ctx context.Context, input Input) (models.GradingResult, error) {
	var payload ExecutionPayload
	if err := json.Unmarshal(input.Payload, &payload); err != nil {
		return models.GradingResult{}, fmt.Errorf("%w: %v", ErrMalformedPayload, err)
	}

	runtime, ok := g.cfg.Runtimes[strings.ToLower(payload.Language)]
	if !ok {
		return models.GradingResult{}, fmt.Errorf("%w: unsupported language %q", ErrMalformedPayload, payload.Language)
	}

	task, err := g.tasks.GetReference(ctx, input.TaskID)
	if err != nil {
		return models.GradingResult{}, fmt.Errorf("load task %d: %w", input.TaskID, err)
	}

	run, err := g.executor.Run(ctx, docker.ExecutionRequest{
		Image:         runtime.Image,
		Cmd:           runtime.Cmd,
		Env:           []string{"SUBMISSION_SOURCE=" + payload.Source},
		Timeout:       g.cfg.Timeout,
		MemoryLimitMB: g.cfg.MemoryLimitMB,
		CPUShares:     g.cfg.CPUShares,
	})
	if err != nil && !run.TimedOut {
		return models.GradingResult{}, fmt.Errorf("sandbox run: %w", err)
	}

	checkOutput := payload.ExpectedOutput != nil && input.Mode != models.SubmissionModeRun
	parts := 1
	if checkOutput {
		parts = 2
	}
	share := splitPoints(task.MaxPoints, parts)

	result := models.GradingResult{MaxPoints: task.MaxPoints, Criteria: make([]models.Criterion, 0, parts)}

	execution := models.Criterion{Name: criterionExecution, Passed: run.Succeeded()}
	if wantsFeedback(input, 2) {
		execution.Feedback = executionFeedback(input, run)
	}
	result.Criteria = append(result.Criteria, execution)

	if checkOutput {
		output := models.Criterion{
			Name:   criterionOutput,
			Passed: run.Succeeded() && strings.TrimSpace(run.Stdout) == strings.TrimSpace(*payload.ExpectedOutput),
		}
		if wantsFeedback(input, 2) {
			output.Feedback = outputFeedback(input, output.Passed)
		}
		result.Criteria = append(result.Criteria, output)
	}

	if input.Mode != models.SubmissionModeRun {
		for i := range result.Criteria {
			points := 0.0
			if result.Criteria[i].Passed {
				points = share
			}
			result.Criteria[i].Points = &points
			result.Points += points
		}
		result.Points = roundPoints(result.Points)
		if result.Points > result.MaxPoints {
			result.Points = result.MaxPoints
		}
	}

	if wantsFeedback(input, 1) {
		summary := fmt.Sprintf("%d of %d checks passed.", passedCount(result.Criteria), len(result.Criteria))
		if input.Language == "de" {
			summary = fmt.Sprintf("%d von %d Prüfungen bestanden.", passedCount(result.Criteria), len(result.Criteria))
		}
		result.GeneralFeedback = &summary
	}

	return result, nil
}

func executionFeedback(input Input, run docker.ExecutionResult) string {
	german := input.Language == "de"
	switch {
	case run.TimedOut && german:
		return "Zeitlimit überschritten."
	case run.TimedOut:
		return "Time limit exceeded."
	case run.ExitCode != 0 && wantsFeedback(input, 3):
		return strings.TrimSpace(run.Stderr)
	case run.ExitCode != 0 && german:
		return fmt.Sprintf("Programm endete mit Code %d.", run.ExitCode)
	case run.ExitCode != 0:
		return fmt.Sprintf("Program exited with code %d.", run.ExitCode)
	case german:
		return "Programm lief fehlerfrei."
	default:
		return "Program ran without errors."
	}
}

func outputFeedback(input Input, passed bool) string {
	german := input.Language == "de"
	switch {
	case passed && german:
		return "Ausgabe stimmt."
	case passed:
		return "Output matches."
	case german:
		return "Ausgabe weicht ab."
	default:
		return "Output differs."
	}
}

func passedCount(criteria []models.Criterion) int {
	count := 0
	for _, criterion := range criteria {
		if criterion.Passed {
			count++
		}
	}
	return count
}

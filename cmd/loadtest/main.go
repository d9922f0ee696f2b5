package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/loadtest"
)

func main() {
	baseURL := flag.String("base", "http://localhost:8080", "Base URL of the grading API")
	requests := flag.Int("requests", 1000, "Total number of submissions")
	clients := flag.Int("clients", 10, "Number of concurrent clients")
	factor := flag.Float64("factor", 0.3, "Spread of requests per client around the average (0..1)")
	initialSleep := flag.Duration("initial-sleep", 5*time.Second, "Upper bound of the random start delay per client")
	minPause := flag.Duration("min-pause", 100*time.Millisecond, "Lower bound of the pause between requests")
	maxPause := flag.Duration("max-pause", time.Second, "Upper bound of the pause between requests")
	pollTimeout := flag.Int("poll-timeout", 30, "Seconds a background result poll may wait")
	tasks := flag.String("tasks", "1", "Comma separated task ids to submit against")
	seed := flag.Uint64("seed", 0, "Random seed, 0 picks one from the clock")
	flag.Parse()

	logger := zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()

	taskIDs, err := parseTaskIDs(*tasks)
	if err != nil {
		fmt.Fprintf(os.Stderr, "invalid -tasks: %v\n", err)
		os.Exit(2)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	report, err := loadtest.Run(ctx, loadtest.Config{
		BaseURL:         *baseURL,
		TotalRequests:   *requests,
		Clients:         *clients,
		RequestFactor:   *factor,
		MaxInitialSleep: *initialSleep,
		MinPause:        *minPause,
		MaxPause:        *maxPause,
		PollTimeout:     *pollTimeout,
		TaskIDs:         taskIDs,
		Seed:            *seed,
		Logger:          logger,
	})
	if err != nil {
		logger.Error().Err(err).Msg("load test aborted")
	}

	for _, client := range report.Clients {
		summary := loadtest.Summarize(client.Stats)
		logger.Info().
			Str("client", client.Name).
			Int("planned", client.Planned).
			Int("sync", summary.SyncCount).
			Int("async", summary.AsyncCount).
			Dur("avg_sync", summary.AvgSync).
			Dur("avg_async", summary.AvgAsync).
			Int("failed_sync", summary.SyncFailed).
			Int("failed_async", summary.AsyncFailed).
			Msg("client statistics")
	}

	overall := report.Overall()
	logger.Info().
		Int("requests", overall.Requests).
		Int("failed", overall.Failed()).
		Dur("avg", overall.AvgDuration).
		Dur("avg_sync", overall.AvgSync).
		Dur("avg_async", overall.AvgAsync).
		Msg("overall statistics")

	if err != nil {
		os.Exit(1)
	}
}

func parseTaskIDs(raw string) ([]int64, error) {
	var ids []int64
	for _, part := range strings.Split(raw, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		id, err := strconv.ParseInt(part, 10, 64)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

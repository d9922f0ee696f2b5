package loadtest

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math/rand/v2"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// Kind separates foreground from background submissions in the statistics.
type Kind string

const (
	KindSync  Kind = "sync"
	KindAsync Kind = "async"
)

const timeoutHeader = "X-API-TIMEOUT"

var modes = []string{"RUN", "DIAGNOSE", "SUBMIT"}

// PayloadFunc builds the submission payload for one request.
type PayloadFunc func(rng *rand.Rand, taskID int64, iteration int) json.RawMessage

// Config describes a load test run.
type Config struct {
	BaseURL         string
	TotalRequests   int
	Clients         int
	RequestFactor   float64
	MaxInitialSleep time.Duration
	MinPause        time.Duration
	MaxPause        time.Duration
	PollTimeout     int
	TaskIDs         []int64
	Seed            uint64
	Payload         PayloadFunc
	HTTPClient      *http.Client
	Logger          zerolog.Logger
}

func (c Config) validate() error {
	switch {
	case strings.TrimSpace(c.BaseURL) == "":
		return errors.New("base url is required")
	case c.TotalRequests < 1:
		return errors.New("total requests must be greater than 0")
	case c.Clients < 1:
		return errors.New("clients must be greater than 0")
	case c.RequestFactor < 0 || c.RequestFactor > 1:
		return errors.New("request factor must be between 0 and 1")
	case c.MaxInitialSleep < 0:
		return errors.New("max initial sleep must not be negative")
	case c.MinPause < 0 || c.MaxPause < c.MinPause:
		return errors.New("pause range is invalid")
	case len(c.TaskIDs) == 0:
		return errors.New("at least one task id is required")
	}
	return nil
}

// RequestStat is the outcome of one submission round trip.
type RequestStat struct {
	Kind     Kind
	Duration time.Duration
	Failed   bool
}

// Summary aggregates request statistics.
type Summary struct {
	Requests    int
	SyncCount   int
	AsyncCount  int
	SyncFailed  int
	AsyncFailed int
	AvgDuration time.Duration
	AvgSync     time.Duration
	AvgAsync    time.Duration
}

// Failed returns the number of failed requests of both kinds.
func (s Summary) Failed() int {
	return s.SyncFailed + s.AsyncFailed
}

// Summarize aggregates stats.
func Summarize(stats []RequestStat) Summary {
	var (
		summary                  Summary
		total, syncSum, asyncSum time.Duration
	)
	for _, stat := range stats {
		summary.Requests++
		total += stat.Duration
		switch stat.Kind {
		case KindSync:
			summary.SyncCount++
			syncSum += stat.Duration
			if stat.Failed {
				summary.SyncFailed++
			}
		case KindAsync:
			summary.AsyncCount++
			asyncSum += stat.Duration
			if stat.Failed {
				summary.AsyncFailed++
			}
		}
	}
	if summary.Requests > 0 {
		summary.AvgDuration = total / time.Duration(summary.Requests)
	}
	if summary.SyncCount > 0 {
		summary.AvgSync = syncSum / time.Duration(summary.SyncCount)
	}
	if summary.AsyncCount > 0 {
		summary.AvgAsync = asyncSum / time.Duration(summary.AsyncCount)
	}
	return summary
}

// ClientReport holds the statistics of one simulated client.
type ClientReport struct {
	Name         string
	Planned      int
	InitialSleep time.Duration
	Pause        time.Duration
	Stats        []RequestStat
}

// Report is the result of a whole run.
type Report struct {
	Clients []ClientReport
}

// Overall aggregates the statistics of every client.
func (r Report) Overall() Summary {
	var stats []RequestStat
	for _, client := range r.Clients {
		stats = append(stats, client.Stats...)
	}
	return Summarize(stats)
}

type clientPlan struct {
	name         string
	requests     int
	initialSleep time.Duration
	pause        time.Duration
}

// plan spreads TotalRequests over the clients. Every client but the last draws its
// share from avg ± avg*RequestFactor; the last takes the remainder. Planning stops early
// when nothing is left to hand out.
func plan(cfg Config, rng *rand.Rand) []clientPlan {
	avg := cfg.TotalRequests / cfg.Clients
	lower := int(float64(avg) - float64(avg)*cfg.RequestFactor)
	upper := int(float64(avg) + float64(avg)*cfg.RequestFactor)

	plans := make([]clientPlan, 0, cfg.Clients)
	assigned := 0
	for i := 0; i < cfg.Clients; i++ {
		amount := lower
		if upper > lower {
			amount += rng.IntN(upper - lower)
		}
		if i == cfg.Clients-1 {
			amount = cfg.TotalRequests - assigned
		}
		if amount <= 0 {
			cfg.Logger.Warn().Int("client", i).Msg("client has no requests left, consider a smaller request factor")
			break
		}
		if assigned+amount > cfg.TotalRequests {
			amount = cfg.TotalRequests - assigned
		}
		assigned += amount

		plans = append(plans, clientPlan{
			name:         fmt.Sprintf("client-%d", i),
			requests:     amount,
			initialSleep: randomDuration(rng, 0, cfg.MaxInitialSleep),
			pause:        randomDuration(rng, cfg.MinPause, cfg.MaxPause),
		})
		if assigned == cfg.TotalRequests && i < cfg.Clients-1 {
			break
		}
	}
	return plans
}

func randomDuration(rng *rand.Rand, lower, upper time.Duration) time.Duration {
	if upper <= lower {
		return lower
	}
	return lower + time.Duration(rng.Int64N(int64(upper-lower)))
}

// Run executes the load test and blocks until every client finished or ctx is done.
func Run(ctx context.Context, cfg Config) (Report, error) {
	if err := cfg.validate(); err != nil {
		return Report{}, err
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{Timeout: time.Duration(cfg.PollTimeout+30) * time.Second}
	}
	if cfg.Payload == nil {
		cfg.Payload = StaticPayload
	}
	if cfg.Seed == 0 {
		cfg.Seed = uint64(time.Now().UnixNano())
	}
	cfg.BaseURL = strings.TrimRight(cfg.BaseURL, "/")

	plans := plan(cfg, rand.New(rand.NewPCG(cfg.Seed, 0)))
	cfg.Logger.Info().Int("clients", len(plans)).Int("requests", cfg.TotalRequests).Msg("starting load test")

	report := Report{Clients: make([]ClientReport, len(plans))}
	var mu sync.Mutex

	group, groupCtx := errgroup.WithContext(ctx)
	for i, p := range plans {
		group.Go(func() error {
			c := &client{
				cfg:    cfg,
				plan:   p,
				rng:    rand.New(rand.NewPCG(cfg.Seed, uint64(i+1))),
				logger: cfg.Logger.With().Str("client", p.name).Logger(),
			}
			stats := c.run(groupCtx)

			mu.Lock()
			report.Clients[i] = ClientReport{
				Name:         p.name,
				Planned:      p.requests,
				InitialSleep: p.initialSleep,
				Pause:        p.pause,
				Stats:        stats,
			}
			mu.Unlock()
			return nil
		})
	}
	if err := group.Wait(); err != nil {
		return report, err
	}
	return report, ctx.Err()
}

type client struct {
	cfg    Config
	plan   clientPlan
	rng    *rand.Rand
	logger zerolog.Logger
}

func (c *client) run(ctx context.Context) []RequestStat {
	stats := make([]RequestStat, 0, c.plan.requests)
	if !sleep(ctx, c.plan.initialSleep) {
		return stats
	}

	for i := 0; i < c.plan.requests; i++ {
		if i%10 == 0 {
			c.logger.Info().Int("iteration", i).Int("of", c.plan.requests).Msg("submitting")
		}
		body, err := c.body(i)
		if err != nil {
			c.logger.Error().Err(err).Msg("build submission body")
			stats = append(stats, RequestStat{Kind: KindSync, Failed: true})
			continue
		}

		if c.rng.IntN(2) == 0 {
			stats = append(stats, c.submitSync(ctx, body))
		} else {
			stats = append(stats, c.submitAsync(ctx, body))
		}

		if !sleep(ctx, c.plan.pause) {
			break
		}
	}
	c.logger.Info().Msg("client finished")
	return stats
}

func (c *client) body(iteration int) ([]byte, error) {
	taskID := c.cfg.TaskIDs[c.rng.IntN(len(c.cfg.TaskIDs))]
	language := "en"
	if c.rng.IntN(2) == 0 {
		language = "de"
	}
	return json.Marshal(map[string]interface{}{
		"user_id":        c.plan.name,
		"assignment_id":  strconv.Itoa(iteration),
		"task_id":        taskID,
		"language":       language,
		"mode":           modes[c.rng.IntN(len(modes))],
		"feedback_level": c.rng.IntN(4),
		"submission":     c.cfg.Payload(c.rng, taskID, iteration),
	})
}

func (c *client) submitSync(ctx context.Context, body []byte) RequestStat {
	start := time.Now()
	resp, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/api/submission?runInBackground=false", body, nil)
	stat := RequestStat{Kind: KindSync, Duration: time.Since(start)}
	if err != nil {
		c.logger.Error().Err(err).Msg("synchronous submission failed")
		stat.Failed = true
		return stat
	}
	stat.Failed = resp.status != http.StatusOK
	return stat
}

func (c *client) submitAsync(ctx context.Context, body []byte) RequestStat {
	start := time.Now()
	resp, err := c.do(ctx, http.MethodPost, c.cfg.BaseURL+"/api/submission?runInBackground=true&persist=true", body, nil)
	stat := RequestStat{Kind: KindAsync, Duration: time.Since(start)}
	if err != nil {
		c.logger.Error().Err(err).Msg("background submission failed")
		stat.Failed = true
		return stat
	}
	if resp.status != http.StatusAccepted {
		stat.Failed = true
		return stat
	}

	location, err := c.resultURL(resp)
	if err != nil {
		c.logger.Error().Err(err).Msg("resolve result location")
		stat.Failed = true
		return stat
	}

	start = time.Now()
	result, err := c.do(ctx, http.MethodGet, location, nil, map[string]string{timeoutHeader: strconv.Itoa(c.cfg.PollTimeout)})
	stat.Duration += time.Since(start)
	if err != nil {
		c.logger.Error().Err(err).Msg("result poll failed")
		stat.Failed = true
		return stat
	}
	stat.Failed = result.status != http.StatusOK
	return stat
}

// resultURL prefers the Location header and falls back to the id in the body.
func (c *client) resultURL(resp response) (string, error) {
	if resp.location != "" {
		if strings.HasPrefix(resp.location, "/") {
			return c.cfg.BaseURL + resp.location, nil
		}
		return resp.location, nil
	}

	var envelope struct {
		Data struct {
			ID string `json:"id"`
		} `json:"data"`
	}
	if err := json.Unmarshal(resp.body, &envelope); err != nil {
		return "", fmt.Errorf("decode enqueue response: %w", err)
	}
	if envelope.Data.ID == "" {
		return "", errors.New("enqueue response carries no id")
	}
	return c.cfg.BaseURL + "/api/submission/" + envelope.Data.ID + "/result", nil
}

type response struct {
	status   int
	location string
	body     []byte
}

func (c *client) do(ctx context.Context, method, url string, body []byte, headers map[string]string) (response, error) {
	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, url, reader)
	if err != nil {
		return response{}, err
	}
	req.Header.Set("Accept", "application/json")
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	req.Header.Set("X-Client-ID", c.plan.name)
	for key, value := range headers {
		req.Header.Set(key, value)
	}

	resp, err := c.cfg.HTTPClient.Do(req)
	if err != nil {
		return response{}, err
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		return response{}, err
	}
	return response{status: resp.StatusCode, location: resp.Header.Get("Location"), body: raw}, nil
}

func sleep(ctx context.Context, d time.Duration) bool {
	if d <= 0 {
		return ctx.Err() == nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-timer.C:
		return true
	}
}

// StaticPayload builds a payload the static grader answers with a fixed result.
func StaticPayload(rng *rand.Rand, _ int64, _ int) json.RawMessage {
	points := rng.IntN(11)
	raw, _ := json.Marshal(map[string]interface{}{
		"expected_result": map[string]interface{}{
			"max_points": 10,
			"points":     points,
			"criteria": []map[string]interface{}{
				{"name": "Load", "points": points, "passed": points > 5, "feedback": ""},
			},
		},
	})
	return raw
}

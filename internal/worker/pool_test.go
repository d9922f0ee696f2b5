package worker

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"
)

func TestPoolRunsDispatchedJobs(t *testing.T) {
	pool := New(Config{Workers: 3, QueueSize: 10}, zerolog.Nop())
	pool.Start(context.Background())

	var wg sync.WaitGroup
	var ran atomic.Int32
	for i := 0; i < 10; i++ {
		wg.Add(1)
		require.NoError(t, pool.Dispatch(func(context.Context) {
			defer wg.Done()
			ran.Add(1)
		}))
	}
	wg.Wait()
	require.Equal(t, int32(10), ran.Load())
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolRejectsWhenFull(t *testing.T) {
	depth := prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_queue_depth"})
	pool := New(Config{Workers: 1, QueueSize: 1, Depth: depth}, zerolog.Nop())

	// Not started, so the single slot stays occupied.
	require.NoError(t, pool.Dispatch(func(context.Context) {}))
	require.ErrorIs(t, pool.Dispatch(func(context.Context) {}), ErrQueueFull)
	var metric dto.Metric
	require.NoError(t, depth.Write(&metric))
	require.Equal(t, 1.0, metric.GetGauge().GetValue())
	require.Equal(t, 1, pool.Pending())
}

// floorGauge remembers whether the wrapped gauge ever dropped below zero after a Dec.
type floorGauge struct {
	prometheus.Gauge
	negative atomic.Bool
}

func (g *floorGauge) Dec() {
	g.Gauge.Dec()
	var metric dto.Metric
	if err := g.Gauge.Write(&metric); err == nil && metric.GetGauge().GetValue() < 0 {
		g.negative.Store(true)
	}
}

func TestPoolDepthNeverGoesNegative(t *testing.T) {
	depth := &floorGauge{Gauge: prometheus.NewGauge(prometheus.GaugeOpts{Name: "test_queue_depth_floor"})}
	pool := New(Config{Workers: 4, QueueSize: 2, Depth: depth}, zerolog.Nop())
	pool.Start(context.Background())

	var wg sync.WaitGroup
	var accepted, rejected atomic.Int32
	for producer := 0; producer < 4; producer++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 500; i++ {
				switch err := pool.Dispatch(func(context.Context) {}); err {
				case nil:
					accepted.Add(1)
				case ErrQueueFull:
					rejected.Add(1)
				default:
					t.Errorf("unexpected dispatch error: %v", err)
					return
				}
			}
		}()
	}
	wg.Wait()
	require.NoError(t, pool.Shutdown(context.Background()))

	require.Equal(t, int32(2000), accepted.Load()+rejected.Load())
	require.False(t, depth.negative.Load())
	var metric dto.Metric
	require.NoError(t, depth.Write(&metric))
	require.Zero(t, metric.GetGauge().GetValue())
}

func TestPoolShutdownDrainsQueue(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 5}, zerolog.Nop())

	var ran atomic.Int32
	for i := 0; i < 5; i++ {
		require.NoError(t, pool.Dispatch(func(context.Context) {
			time.Sleep(5 * time.Millisecond)
			ran.Add(1)
		}))
	}
	pool.Start(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, pool.Shutdown(ctx))
	require.Equal(t, int32(5), ran.Load())

	require.ErrorIs(t, pool.Dispatch(func(context.Context) {}), ErrPoolClosed)
}

func TestPoolJobContextIsDetached(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1}, zerolog.Nop())
	type key struct{}
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), key{}, "value"))
	pool.Start(ctx)
	cancel()

	result := make(chan context.Context, 1)
	require.NoError(t, pool.Dispatch(func(jobCtx context.Context) { result <- jobCtx }))

	jobCtx := <-result
	require.NoError(t, jobCtx.Err())
	require.Equal(t, "value", jobCtx.Value(key{}))
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolSurvivesPanickingJob(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 2}, zerolog.Nop())
	pool.Start(context.Background())

	done := make(chan struct{})
	require.NoError(t, pool.Dispatch(func(context.Context) { panic("boom") }))
	require.NoError(t, pool.Dispatch(func(context.Context) { close(done) }))

	select {
	case <-done:
	case <-time.After(2 * time.Second):
		t.Fatal("worker stopped after panic")
	}
	require.NoError(t, pool.Shutdown(context.Background()))
}

func TestPoolShutdownHonoursDeadline(t *testing.T) {
	pool := New(Config{Workers: 1, QueueSize: 1}, zerolog.Nop())
	pool.Start(context.Background())

	release := make(chan struct{})
	started := make(chan struct{})
	require.NoError(t, pool.Dispatch(func(context.Context) {
		close(started)
		<-release
	}))
	<-started

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	require.ErrorIs(t, pool.Shutdown(ctx), context.DeadlineExceeded)
	close(release)
}

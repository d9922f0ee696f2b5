package observability

import (
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/require"
)

func scrape(t *testing.T, handler fiber.Handler) string {
	t.Helper()
	app := fiber.New()
	app.Get("/metrics", handler)

	resp, err := app.Test(httptest.NewRequest(http.MethodGet, "/metrics", nil), -1)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return string(body)
}

func TestMetricsHandlerServesGradingCollectors(t *testing.T) {
	GradingQueueDepth().Set(3)
	t.Cleanup(func() { GradingQueueDepth().Set(0) })

	body := scrape(t, MetricsHandler(nil))
	require.Contains(t, body, "grading_queue_depth 3")
}

func TestMetricsHandlerUsesGivenGatherer(t *testing.T) {
	registry := prometheus.NewRegistry()
	counter := prometheus.NewCounter(prometheus.CounterOpts{Name: "isolated_total", Help: "test"})
	registry.MustRegister(counter)
	counter.Add(2)

	body := scrape(t, MetricsHandler(registry))
	require.Contains(t, body, "isolated_total 2")
	require.NotContains(t, body, "grading_queue_depth")
}

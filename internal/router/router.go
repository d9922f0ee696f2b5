package router

import (
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/observability"
)

// Dependencies groups router dependencies for registration.
type Dependencies struct {
	SubmissionHandler *handler.SubmissionHandler
	Database          handler.Pinger
	// Metrics is scraped at /metrics; nil uses the default registry.
	Metrics prometheus.Gatherer
}

// Register wires the HTTP routes into the fiber application.
func Register(app *fiber.App, cfg config.Config, deps Dependencies) {
	api := app.Group("/api/v1", func(c *fiber.Ctx) error {
		c.Set("X-Application", cfg.AppName)
		return c.Next()
	})
	api.Get("/health", handler.HealthCheck(cfg, deps.Database))

	app.Get("/metrics", observability.MetricsHandler(deps.Metrics))

	if deps.SubmissionHandler != nil {
		submissions := app.Group("/api/submission")
		deps.SubmissionHandler.Register(submissions, middleware.RateLimit("submit", cfg.SubmitRateLimit, time.Minute))
	}
}

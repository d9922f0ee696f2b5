package main

import (
	"context"
	"fmt"
	"io"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/gofiber/fiber/v2"
	"github.com/nats-io/nats.go"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/noah-isme/gema-grading-api/internal/config"
	"github.com/noah-isme/gema-grading-api/internal/database"
	"github.com/noah-isme/gema-grading-api/internal/grading"
	"github.com/noah-isme/gema-grading-api/internal/handler"
	"github.com/noah-isme/gema-grading-api/internal/middleware"
	"github.com/noah-isme/gema-grading-api/internal/observability"
	"github.com/noah-isme/gema-grading-api/internal/repository"
	"github.com/noah-isme/gema-grading-api/internal/router"
	"github.com/noah-isme/gema-grading-api/internal/service"
	"github.com/noah-isme/gema-grading-api/internal/worker"
	"github.com/noah-isme/gema-grading-api/pkg/ai"
	"github.com/noah-isme/gema-grading-api/pkg/docker"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("failed to load configuration: %v", err)
	}

	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil {
		level = zerolog.InfoLevel
	}
	logger := zerolog.New(os.Stdout).Level(level).With().Timestamp().Str("service", cfg.AppName).Logger()

	db, err := database.Connect(cfg.DatabaseDriver, cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("failed to connect to database: %v", err)
	}
	if err := database.Migrate(db); err != nil {
		log.Fatalf("failed to migrate database: %v", err)
	}
	sqlDB, err := db.DB()
	if err != nil {
		log.Fatalf("failed to access database handle: %v", err)
	}
	defer sqlDB.Close()

	var redisClient *redis.Client
	if cfg.RedisURL != "" {
		redisClient, err = database.ConnectRedis(context.Background(), cfg.RedisURL)
		if err != nil {
			logger.Warn().Err(err).Msg("redis unavailable, result events stay local")
			redisClient = nil
		} else {
			defer redisClient.Close()
		}
	}

	var natsConn *nats.Conn
	if cfg.NATSURL != "" {
		natsConn, err = database.ConnectNATS(cfg.NATSURL, cfg.AppName, logger)
		if err != nil {
			logger.Warn().Err(err).Msg("nats unavailable, result events stay local")
			natsConn = nil
		} else {
			defer natsConn.Close()
		}
	}

	submissionRepo := repository.NewSubmissionRepository(db)
	taskRepo := repository.NewTaskRepository(db)

	grader, closer, err := buildGrader(cfg, taskRepo, logger)
	if err != nil {
		log.Fatalf("failed to create grader: %v", err)
	}
	if closer != nil {
		defer closer.Close()
	}

	payloads, err := grading.NewPayloadValidator(cfg.PayloadSchemaFile)
	if err != nil {
		log.Fatalf("failed to load payload schema: %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	notifier := service.NewResultNotifier(redisClient, cfg.EventsChannel, natsConn, logger)
	notifier.Start(ctx)

	pool := worker.New(worker.Config{
		Workers:   cfg.GradingWorkers,
		QueueSize: cfg.GradingQueueSize,
		Depth:     observability.GradingQueueDepth(),
	}, logger)
	pool.Start(ctx)

	validate := validator.New(validator.WithRequiredStructEnabled())

	runner := service.NewGradingJobRunner(grader, submissionRepo, notifier, logger)
	evaluationService := service.NewEvaluationService(submissionRepo, taskRepo, runner, pool, payloads, validate, logger)
	poller := service.NewResultPoller(evaluationService, notifier, service.PollerConfig{
		Interval:   cfg.PollInterval,
		MaxTimeout: cfg.PollMaxTimeout,
	}, logger)
	submissionHandler := handler.NewSubmissionHandler(evaluationService, poller, cfg.PollDefaultTimeout, logger)

	app := fiber.New(fiber.Config{
		AppName:      cfg.AppName,
		ServerHeader: cfg.AppName,
		// result polls may hold a request open for the maximum poll timeout
		ReadTimeout:  time.Duration(cfg.PollMaxTimeout+30) * time.Second,
		WriteTimeout: time.Duration(cfg.PollMaxTimeout+30) * time.Second,
	})

	requestCtx, cancelRequests := context.WithCancel(context.Background())
	defer cancelRequests()

	middleware.Register(app, middleware.Config{Logger: &logger, BaseContext: requestCtx})
	router.Register(app, cfg, router.Dependencies{
		SubmissionHandler: submissionHandler,
		Database:          sqlDB,
	})

	go func() {
		if err := app.Listen(cfg.HTTPAddress()); err != nil {
			log.Fatalf("failed to start server: %v", err)
		}
	}()

	waitForShutdown(app, cancelRequests)

	drainCtx, drainCancel := context.WithTimeout(context.Background(), cfg.GradingShutdownTimeout)
	defer drainCancel()
	if err := pool.Shutdown(drainCtx); err != nil {
		logger.Warn().Err(err).Int("pending", pool.Pending()).Msg("grading queue not drained")
	}
}

// buildGrader selects the grading backend. The returned closer is nil when the backend
// holds no resources.
func buildGrader(cfg config.Config, tasks grading.TaskLookup, logger zerolog.Logger) (grading.Grader, io.Closer, error) {
	switch cfg.GraderKind {
	case config.GraderOpenAI:
		evaluator, err := ai.NewOpenAIEvaluator(ai.OpenAIConfig{
			APIKey:  cfg.OpenAIAPIKey,
			BaseURL: cfg.OpenAIBaseURL,
			Model:   cfg.OpenAIModel,
			Logger:  logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return grading.NewAIGrader(evaluator, tasks), nil, nil
	case config.GraderDocker:
		executor, err := docker.NewDockerExecutor(docker.Config{
			Host:          cfg.DockerHost,
			Timeout:       cfg.ExecutionTimeout,
			MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
			CPUShares:     int64(cfg.CodeRunCPUShares),
			Logger:        logger,
		})
		if err != nil {
			return nil, nil, err
		}
		return grading.NewExecutionGrader(executor, tasks, grading.ExecutionGraderConfig{
			Timeout:       cfg.ExecutionTimeout,
			MemoryLimitMB: int64(cfg.CodeRunMemoryMB),
			CPUShares:     int64(cfg.CodeRunCPUShares),
		}), executor, nil
	case config.GraderStatic:
		return grading.StaticGrader{}, nil, nil
	default:
		return nil, nil, fmt.Errorf("unknown grader kind %q", cfg.GraderKind)
	}
}

// waitForShutdown blocks until a termination signal arrives. cancelRequests releases
// requests parked in result polls so the server can drain within its deadline.
func waitForShutdown(app *fiber.App, cancelRequests context.CancelFunc) {
	shutdownCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	<-shutdownCtx.Done()
	cancelRequests()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := app.ShutdownWithContext(ctx); err != nil {
		log.Printf("graceful shutdown failed: %v", err)
	}

	log.Println("server stopped")
}

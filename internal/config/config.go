package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Grader kinds selectable through grader.kind.
const (
	GraderOpenAI = "openai"
	GraderDocker = "docker"
	GraderStatic = "static"
)

// Config holds runtime configuration values for the grading service.
type Config struct {
	AppName  string
	AppEnv   string
	AppPort  string
	LogLevel string

	DatabaseDriver string
	DatabaseURL    string
	RedisURL       string
	NATSURL        string
	EventsChannel  string

	GradingWorkers         int
	GradingQueueSize       int
	GradingShutdownTimeout time.Duration
	SubmitRateLimit        int

	PollDefaultTimeout int
	PollMaxTimeout     int
	PollInterval       time.Duration

	GraderKind        string
	OpenAIAPIKey      string
	OpenAIModel       string
	OpenAIBaseURL     string
	DockerHost        string
	ExecutionTimeout  time.Duration
	CodeRunMemoryMB   int
	CodeRunCPUShares  int
	PayloadSchemaFile string
}

// HTTPAddress returns the address the HTTP server should listen on.
func (c Config) HTTPAddress() string {
	if strings.HasPrefix(c.AppPort, ":") {
		return c.AppPort
	}

	return fmt.Sprintf(":%s", c.AppPort)
}

// Load reads configuration values from environment variables and an optional .env file.
func Load() (Config, error) {
	_ = godotenv.Load()

	v := viper.New()
	v.SetEnvPrefix("GRADER")
	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	v.SetDefault("app.name", "GEMA Grading API")
	v.SetDefault("app.env", "development")
	v.SetDefault("app.port", "8080")
	v.SetDefault("log.level", "info")
	v.SetDefault("database.driver", "postgres")
	v.SetDefault("events.channel", "gema:grading")
	v.SetDefault("grading.workers", 4)
	v.SetDefault("grading.queue_size", 128)
	v.SetDefault("grading.shutdown_timeout", "30s")
	v.SetDefault("grading.submit_rate_limit", 30)
	v.SetDefault("poll.default_timeout", 10)
	v.SetDefault("poll.max_timeout", 60)
	v.SetDefault("poll.interval", "1s")
	v.SetDefault("grader.kind", GraderStatic)
	v.SetDefault("openai.model", "gpt-4o-mini")
	v.SetDefault("execution_timeout_ms", 5000)
	v.SetDefault("code_run_memory_mb", 256)
	v.SetDefault("code_run_cpu_shares", 512)

	shutdownTimeout, err := time.ParseDuration(v.GetString("grading.shutdown_timeout"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid grading shutdown timeout: %w", err)
	}

	pollInterval, err := time.ParseDuration(v.GetString("poll.interval"))
	if err != nil {
		return Config{}, fmt.Errorf("invalid poll interval: %w", err)
	}

	timeoutMs := v.GetInt("execution_timeout_ms")
	if timeoutMs <= 0 {
		timeoutMs = 5000
	}

	cfg := Config{
		AppName:                v.GetString("app.name"),
		AppEnv:                 v.GetString("app.env"),
		AppPort:                v.GetString("app.port"),
		LogLevel:               strings.ToLower(v.GetString("log.level")),
		DatabaseDriver:         strings.ToLower(v.GetString("database.driver")),
		DatabaseURL:            v.GetString("database.url"),
		RedisURL:               v.GetString("redis.url"),
		NATSURL:                v.GetString("nats.url"),
		EventsChannel:          v.GetString("events.channel"),
		GradingWorkers:         v.GetInt("grading.workers"),
		GradingQueueSize:       v.GetInt("grading.queue_size"),
		GradingShutdownTimeout: shutdownTimeout,
		SubmitRateLimit:        v.GetInt("grading.submit_rate_limit"),
		PollDefaultTimeout:     v.GetInt("poll.default_timeout"),
		PollMaxTimeout:         v.GetInt("poll.max_timeout"),
		PollInterval:           pollInterval,
		GraderKind:             strings.ToLower(v.GetString("grader.kind")),
		OpenAIAPIKey:           v.GetString("openai.api_key"),
		OpenAIModel:            v.GetString("openai.model"),
		OpenAIBaseURL:          v.GetString("openai.base_url"),
		DockerHost:             v.GetString("docker_host"),
		ExecutionTimeout:       time.Duration(timeoutMs) * time.Millisecond,
		CodeRunMemoryMB:        v.GetInt("code_run_memory_mb"),
		CodeRunCPUShares:       v.GetInt("code_run_cpu_shares"),
		PayloadSchemaFile:      v.GetString("payload.schema_file"),
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}

	if cfg.CodeRunMemoryMB <= 0 {
		cfg.CodeRunMemoryMB = 256
	}

	if cfg.CodeRunCPUShares <= 0 {
		cfg.CodeRunCPUShares = 512
	}

	return cfg, nil
}

func (c Config) validate() error {
	if c.DatabaseDriver != "postgres" && c.DatabaseDriver != "sqlite" {
		return fmt.Errorf("unsupported database driver %q", c.DatabaseDriver)
	}
	if c.GradingWorkers <= 0 {
		return fmt.Errorf("grading.workers must be positive")
	}
	if c.GradingQueueSize <= 0 {
		return fmt.Errorf("grading.queue_size must be positive")
	}
	if c.PollMaxTimeout <= 0 || c.PollMaxTimeout > 60 {
		return fmt.Errorf("poll.max_timeout must be within 1..60 seconds")
	}
	if c.PollDefaultTimeout < 0 || c.PollDefaultTimeout > c.PollMaxTimeout {
		return fmt.Errorf("poll.default_timeout must be within 0..poll.max_timeout")
	}
	if c.PollInterval <= 0 {
		return fmt.Errorf("poll.interval must be positive")
	}
	switch c.GraderKind {
	case GraderStatic, GraderDocker:
	case GraderOpenAI:
		if c.OpenAIAPIKey == "" {
			return fmt.Errorf("openai.api_key is required for the openai grader")
		}
	default:
		return fmt.Errorf("unsupported grader kind %q", c.GraderKind)
	}
	return nil
}

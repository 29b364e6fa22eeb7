// Package config loads and validates application configuration from environment variables.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"
)

// Config holds all application configuration.
type Config struct {
	// Server settings.
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	// Storage settings. DATABASE_URL selects Postgres; when empty the
	// service falls back to SQLite at SQLitePath.
	DatabaseURL string
	SQLitePath  string

	// Agent capability endpoints.
	CompletionURL    string
	CompletionAPIKey string
	CompletionModel  string
	FetcherURL       string
	PublisherURL     string
	PublisherAPIKey  string

	// Stage configuration file (YAML). Empty means built-in defaults.
	StageConfigPath string

	// Budget defaults applied to organizations without explicit limits.
	DefaultMonthlyBudget float64
	DefaultArticleLimit  int
	BudgetAlertThreshold float64

	// Scheduling settings.
	MaxConcurrentPerOrg int64
	SubmitRate          float64
	SubmitBurst         int
	RunTimeout          time.Duration
	ResumeGrace         time.Duration

	// Retention: terminal runs older than this are purged hourly.
	// Zero disables purging.
	RunRetention time.Duration

	// OTEL settings.
	OTELEndpoint string
	ServiceName  string

	// Operational settings.
	LogLevel            string
	ProgressBufferSize  int
	MaxRequestBodyBytes int64
}

// Load reads configuration from environment variables with sensible defaults.
func Load() (Config, error) {
	cfg := Config{
		Port:                 envInt("PIPELINE_PORT", 8080),
		ReadTimeout:          envDuration("PIPELINE_READ_TIMEOUT", 30*time.Second),
		WriteTimeout:         envDuration("PIPELINE_WRITE_TIMEOUT", 30*time.Second),
		DatabaseURL:          envStr("DATABASE_URL", ""),
		SQLitePath:           envStr("PIPELINE_SQLITE_PATH", "./pipeline.db"),
		CompletionURL:        envStr("PIPELINE_COMPLETION_URL", "http://localhost:11434"),
		CompletionAPIKey:     envStr("PIPELINE_COMPLETION_API_KEY", ""),
		CompletionModel:      envStr("PIPELINE_COMPLETION_MODEL", "gpt-4o-mini"),
		FetcherURL:           envStr("PIPELINE_FETCHER_URL", "http://localhost:8091"),
		PublisherURL:         envStr("PIPELINE_PUBLISHER_URL", "http://localhost:8092"),
		PublisherAPIKey:      envStr("PIPELINE_PUBLISHER_API_KEY", ""),
		StageConfigPath:      envStr("PIPELINE_STAGE_CONFIG", ""),
		DefaultMonthlyBudget: envFloat("PIPELINE_DEFAULT_MONTHLY_BUDGET", 50),
		DefaultArticleLimit:  envInt("PIPELINE_DEFAULT_ARTICLE_LIMIT", 30),
		BudgetAlertThreshold: envFloat("PIPELINE_BUDGET_ALERT_THRESHOLD", 0.8),
		MaxConcurrentPerOrg:  int64(envInt("PIPELINE_MAX_CONCURRENT_PER_ORG", 3)),
		SubmitRate:           envFloat("PIPELINE_SUBMIT_RATE", 1),
		SubmitBurst:          envInt("PIPELINE_SUBMIT_BURST", 5),
		RunTimeout:           envDuration("PIPELINE_RUN_TIMEOUT", 30*time.Minute),
		ResumeGrace:          envDuration("PIPELINE_RESUME_GRACE", time.Hour),
		RunRetention:         envDuration("PIPELINE_RUN_RETENTION", 0),
		OTELEndpoint:         envStr("OTEL_EXPORTER_OTLP_ENDPOINT", ""),
		ServiceName:          envStr("OTEL_SERVICE_NAME", "pipeline"),
		LogLevel:             envStr("PIPELINE_LOG_LEVEL", "info"),
		ProgressBufferSize:   envInt("PIPELINE_PROGRESS_BUFFER_SIZE", 64),
		MaxRequestBodyBytes:  int64(envInt("PIPELINE_MAX_REQUEST_BODY_BYTES", 1*1024*1024)), // 1 MB default
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate checks that required configuration is present.
func (c Config) Validate() error {
	if c.DatabaseURL == "" && c.SQLitePath == "" {
		return fmt.Errorf("config: DATABASE_URL or PIPELINE_SQLITE_PATH is required")
	}
	if c.CompletionURL == "" {
		return fmt.Errorf("config: PIPELINE_COMPLETION_URL is required")
	}
	if c.BudgetAlertThreshold <= 0 || c.BudgetAlertThreshold > 1 {
		return fmt.Errorf("config: PIPELINE_BUDGET_ALERT_THRESHOLD must be in (0, 1]")
	}
	if c.MaxRequestBodyBytes <= 0 {
		return fmt.Errorf("config: PIPELINE_MAX_REQUEST_BODY_BYTES must be positive")
	}
	return nil
}

func envStr(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			return n
		}
	}
	return defaultVal
}

func envFloat(key string, defaultVal float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return f
		}
	}
	return defaultVal
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return defaultVal
}

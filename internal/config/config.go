package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

type Config struct {
	// NATS configuration
	NatsURL             string
	NatsRequestSubject  string
	NatsProgressSubject string
	NatsTimeout         time.Duration

	// Model configuration
	LLMProvider string
	LLMAPIKey   string
	LLMModel    string
	LLMBaseURL  string
	LLMTimeout  time.Duration

	// Checkpoint storage
	RedisURL   string
	SessionTTL time.Duration
	ArchiveTTL time.Duration

	// Step retry budgets
	ClassifierRetries int
	SearchRetries     int
	RetryBackoff      time.Duration

	// Search tools
	ToolConfigDir   string
	ToolRateLimit   float64
	MaxToolRounds   int
	ToolCallTimeout time.Duration

	// Observability
	MetricsAddr  string
	OtelEndpoint string
	LogLevel     string
	Env          string

	// Service configuration
	ServiceName string
}

var defaults = map[string]any{
	"NATS_URL":              "nats://localhost:4222",
	"NATS_REQUEST_SUBJECT":  "planner.turn",
	"NATS_PROGRESS_SUBJECT": "planner.progress",
	"NATS_TIMEOUT":          "30s",

	"LLM_PROVIDER": "openai",
	"LLM_API_KEY":  "",
	"LLM_MODEL":    "gpt-4o",
	"LLM_BASE_URL": "",
	"LLM_TIMEOUT":  "60s",

	"REDIS_URL":   "redis://localhost:6379/0",
	"SESSION_TTL": "24h",
	"ARCHIVE_TTL": "1h",

	"CLASSIFIER_RETRIES": 2,
	"SEARCH_RETRIES":     2,
	"RETRY_BACKOFF":      "500ms",

	"TOOL_CONFIG_DIR":   "./configs",
	"TOOL_RATE_LIMIT":   5.0,
	"MAX_TOOL_ROUNDS":   6,
	"TOOL_CALL_TIMEOUT": "30s",

	"METRICS_ADDR":  ":9090",
	"OTEL_ENDPOINT": "",
	"LOG_LEVEL":     "info",
	"ENV":           "development",

	"SERVICE_NAME": "planbuddy",
}

// Load reads configuration from the environment, optionally layered over a
// config file. Call Validate before wiring components.
func Load(configFile string) (*Config, error) {
	v := viper.New()
	for key, value := range defaults {
		v.SetDefault(key, value)
	}
	v.AutomaticEnv()

	if configFile != "" {
		v.SetConfigFile(configFile)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", configFile, err)
		}
	}

	return &Config{
		NatsURL:             v.GetString("NATS_URL"),
		NatsRequestSubject:  v.GetString("NATS_REQUEST_SUBJECT"),
		NatsProgressSubject: v.GetString("NATS_PROGRESS_SUBJECT"),
		NatsTimeout:         v.GetDuration("NATS_TIMEOUT"),

		LLMProvider: strings.ToLower(v.GetString("LLM_PROVIDER")),
		LLMAPIKey:   v.GetString("LLM_API_KEY"),
		LLMModel:    v.GetString("LLM_MODEL"),
		LLMBaseURL:  v.GetString("LLM_BASE_URL"),
		LLMTimeout:  v.GetDuration("LLM_TIMEOUT"),

		RedisURL:   v.GetString("REDIS_URL"),
		SessionTTL: v.GetDuration("SESSION_TTL"),
		ArchiveTTL: v.GetDuration("ARCHIVE_TTL"),

		ClassifierRetries: v.GetInt("CLASSIFIER_RETRIES"),
		SearchRetries:     v.GetInt("SEARCH_RETRIES"),
		RetryBackoff:      v.GetDuration("RETRY_BACKOFF"),

		ToolConfigDir:   v.GetString("TOOL_CONFIG_DIR"),
		ToolRateLimit:   v.GetFloat64("TOOL_RATE_LIMIT"),
		MaxToolRounds:   v.GetInt("MAX_TOOL_ROUNDS"),
		ToolCallTimeout: v.GetDuration("TOOL_CALL_TIMEOUT"),

		MetricsAddr:  v.GetString("METRICS_ADDR"),
		OtelEndpoint: v.GetString("OTEL_ENDPOINT"),
		LogLevel:     v.GetString("LOG_LEVEL"),
		Env:          v.GetString("ENV"),

		ServiceName: v.GetString("SERVICE_NAME"),
	}, nil
}

// Validate fails fast on configuration the service cannot start without
func (c *Config) Validate() error {
	var errs []error
	if c.LLMAPIKey == "" {
		errs = append(errs, errors.New("LLM_API_KEY environment variable is required"))
	}
	switch c.LLMProvider {
	case "openai", "anthropic":
	default:
		errs = append(errs, fmt.Errorf("unsupported LLM_PROVIDER %q", c.LLMProvider))
	}
	if c.LLMModel == "" {
		errs = append(errs, errors.New("LLM_MODEL must not be empty"))
	}
	if c.ClassifierRetries < 0 || c.SearchRetries < 0 {
		errs = append(errs, errors.New("retry budgets must not be negative"))
	}
	if c.MaxToolRounds < 1 {
		errs = append(errs, errors.New("MAX_TOOL_ROUNDS must be at least 1"))
	}
	return errors.Join(errs...)
}

// TurnTimeout bounds one turn: classification, one search, the fan-out pair
// and synthesis, plus every retry
func (c *Config) TurnTimeout() time.Duration {
	steps := 4 + c.ClassifierRetries + c.SearchRetries
	return time.Duration(steps) * c.LLMTimeout
}

// IsProduction reports whether production logging should be used
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

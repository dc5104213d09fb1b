// Package config provides application configuration management.
// Configuration is loaded from environment variables following 12-factor principles.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v10"
)

// Sink names accepted in SINKS.
const (
	SinkLog      = "log"
	SinkRedis    = "redis"
	SinkPostgres = "postgres"
)

// Config holds all application configuration.
// All fields are populated from environment variables.
type Config struct {
	// Application settings
	AppEnv  string `env:"APP_ENV" envDefault:"development"`
	AppPort int    `env:"APP_PORT" envDefault:"8080"`

	// Logging
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Server timeouts
	ReadTimeout     time.Duration `env:"READ_TIMEOUT" envDefault:"5s"`
	WriteTimeout    time.Duration `env:"WRITE_TIMEOUT" envDefault:"10s"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// TLS; the encrypted server variant is used when both are set
	TLSCertFile string `env:"TLS_CERT_FILE"`
	TLSKeyFile  string `env:"TLS_KEY_FILE"`

	// Collection
	CollectionInterval time.Duration `env:"COLLECTION_INTERVAL" envDefault:"10s"`

	// Reporting instance selection. A process with no APP_INSTANCE runs
	// standalone and reports the worker count; a numbered instance reports
	// only as instance 0 or when one of the other two signals is set.
	AppInstance       string `env:"APP_INSTANCE"`
	MetricsMasterMode string `env:"METRICS_MASTER_MODE"`
	Startup           bool   `env:"STARTUP" envDefault:"false"`

	// Known worker processes; 0 means unknown
	WorkerCount int `env:"WORKER_COUNT" envDefault:"0"`

	// Sinks, comma-separated (e.g., "log,redis")
	Sinks string `env:"SINKS" envDefault:"log"`

	// Cache (Redis) stream sink
	RedisURL         string `env:"REDIS_URL"`
	MetricsStreamKey string `env:"METRICS_STREAM_KEY" envDefault:"stream:http_metrics"`

	// Database (PostgreSQL) sink
	DatabaseURL string `env:"DATABASE_URL"`

	// Per-snapshot delivery timeout for remote sinks
	SinkTimeout time.Duration `env:"SINK_TIMEOUT" envDefault:"2s"`
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.AppEnv == "development"
}

// IsProduction returns true if running in production mode.
func (c *Config) IsProduction() bool {
	return c.AppEnv == "production"
}

// IsReportingInstance reports whether this process emits the worker-count metric.
func (c *Config) IsReportingInstance() bool {
	instance := strings.TrimSpace(c.AppInstance)
	return instance == "" || instance == "0" ||
		strings.TrimSpace(c.MetricsMasterMode) == "1" ||
		c.Startup
}

// TLSEnabled reports whether both certificate and key are configured.
func (c *Config) TLSEnabled() bool {
	return c.TLSCertFile != "" && c.TLSKeyFile != ""
}

// SinkNames parses the comma-separated sinks string into a slice.
// Names are lowercased; duplicates and blanks are dropped.
func (c *Config) SinkNames() []string {
	if c.Sinks == "" {
		return nil
	}

	parts := strings.Split(c.Sinks, ",")
	result := make([]string, 0, len(parts))
	seen := make(map[string]bool, len(parts))

	for _, part := range parts {
		name := strings.ToLower(strings.TrimSpace(part))
		if name == "" || seen[name] {
			continue
		}
		seen[name] = true
		result = append(result, name)
	}

	return result
}

// HasSink reports whether name is among the configured sinks.
func (c *Config) HasSink(name string) bool {
	for _, s := range c.SinkNames() {
		if s == name {
			return true
		}
	}
	return false
}

// ValidationError lists every configuration problem found.
type ValidationError struct {
	Problems []string
}

func (e *ValidationError) Error() string {
	return "invalid config: " + strings.Join(e.Problems, "; ")
}

// Validate checks settings that env parsing cannot.
func (c *Config) Validate() error {
	var problems []string

	if c.CollectionInterval <= 0 {
		problems = append(problems, fmt.Sprintf("COLLECTION_INTERVAL must be positive, got %s", c.CollectionInterval))
	}
	if c.AppPort <= 0 || c.AppPort > 65535 {
		problems = append(problems, fmt.Sprintf("APP_PORT out of range: %d", c.AppPort))
	}
	if c.WorkerCount < 0 {
		problems = append(problems, fmt.Sprintf("WORKER_COUNT must not be negative, got %d", c.WorkerCount))
	}
	if c.SinkTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("SINK_TIMEOUT must be positive, got %s", c.SinkTimeout))
	}
	if (c.TLSCertFile == "") != (c.TLSKeyFile == "") {
		problems = append(problems, "TLS_CERT_FILE and TLS_KEY_FILE must be set together")
	}

	names := c.SinkNames()
	if len(names) == 0 {
		problems = append(problems, "SINKS must name at least one sink")
	}
	for _, name := range names {
		switch name {
		case SinkLog:
		case SinkRedis:
			if c.RedisURL == "" {
				problems = append(problems, "REDIS_URL is required for the redis sink")
			}
		case SinkPostgres:
			if c.DatabaseURL == "" {
				problems = append(problems, "DATABASE_URL is required for the postgres sink")
			}
		default:
			problems = append(problems, fmt.Sprintf("unknown sink %q", name))
		}
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// Load parses environment variables and returns a validated Config.
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// RelayConfig holds configuration for the relay process that moves
// snapshots from the Redis stream into PostgreSQL.
type RelayConfig struct {
	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat string `env:"LOG_FORMAT" envDefault:"json"`

	// Health and metrics listener
	RelayPort       int           `env:"RELAY_PORT" envDefault:"9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	RedisURL         string `env:"REDIS_URL,required,notEmpty"`
	MetricsStreamKey string `env:"METRICS_STREAM_KEY" envDefault:"stream:http_metrics"`
	DatabaseURL      string `env:"DATABASE_URL,required,notEmpty"`

	ConsumerGroup string        `env:"RELAY_CONSUMER_GROUP" envDefault:"trafficmeter_relay"`
	BatchSize     int           `env:"RELAY_BATCH_SIZE" envDefault:"500"`
	BlockTimeout  time.Duration `env:"RELAY_BLOCK_TIMEOUT" envDefault:"5s"`
	MaxRetries    int           `env:"RELAY_MAX_RETRIES" envDefault:"3"`
}

// Validate checks settings that env parsing cannot.
func (c *RelayConfig) Validate() error {
	var problems []string

	if c.RelayPort <= 0 || c.RelayPort > 65535 {
		problems = append(problems, fmt.Sprintf("RELAY_PORT out of range: %d", c.RelayPort))
	}
	if c.MetricsStreamKey == "" {
		problems = append(problems, "METRICS_STREAM_KEY must not be empty")
	}
	if c.BatchSize <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_BATCH_SIZE must be positive, got %d", c.BatchSize))
	}
	if c.BlockTimeout <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_BLOCK_TIMEOUT must be positive, got %s", c.BlockTimeout))
	}
	if c.MaxRetries <= 0 {
		problems = append(problems, fmt.Sprintf("RELAY_MAX_RETRIES must be positive, got %d", c.MaxRetries))
	}

	if len(problems) > 0 {
		return &ValidationError{Problems: problems}
	}
	return nil
}

// LoadRelay parses environment variables and returns a validated RelayConfig.
func LoadRelay() (*RelayConfig, error) {
	cfg := &RelayConfig{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse relay config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

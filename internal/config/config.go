// Package config provides application configuration.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all application configuration.
type Config struct {
	Port        string
	FrontendURL string
	DBPath      string

	Backend   BackendConfig
	Poller    PollerConfig
	RateLimit RateLimitConfig
	Stream    StreamConfig
	Journal   JournalConfig

	// HistoryRetention is how long archived exchanges are kept before the
	// purge worker removes them.
	HistoryRetention time.Duration
}

// BackendConfig points at the analysis backend.
type BackendConfig struct {
	BaseURL        string
	RequestTimeout time.Duration
}

// PollerConfig tunes the background-task polling schedule. Defaults implement
// the production schedule: first poll delay 500ms, multiplied by 1.2 up to a
// 3s cap, at most 8 polls before the client stops waiting.
type PollerConfig struct {
	InitialDelay     time.Duration
	MaxDelay         time.Duration
	Multiplier       float64
	MaxAttempts      int
	TransientRetries int
	TransientDelay   time.Duration
}

// RateLimitConfig throttles message sends per user.
type RateLimitConfig struct {
	RequestsPerWindow int
	WindowDuration    time.Duration
}

// StreamConfig controls the SSE update stream.
type StreamConfig struct {
	RetryDelay         time.Duration
	KeepaliveInterval  time.Duration
	MaxRequestBodySize int64
}

// JournalConfig controls NDJSON conversation journaling.
type JournalConfig struct {
	Enabled       bool
	Dir           string
	GlobalEnabled bool
	GlobalPath    string
	QueueSize     int
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	queueSize := getEnvInt("JOURNAL_QUEUE_SIZE", 1000)
	if queueSize <= 0 {
		queueSize = 1000
	}

	cfg := &Config{
		Port:        getEnv("PORT", "8080"),
		FrontendURL: getEnv("FRONTEND_URL", ""),
		DBPath:      getEnv("DB_PATH", "./data/kindred.db"),
		Backend: BackendConfig{
			BaseURL:        getEnv("ANALYSIS_BACKEND_URL", "http://localhost:9090"),
			RequestTimeout: getEnvDuration("ANALYSIS_BACKEND_TIMEOUT", 15*time.Second),
		},
		Poller: PollerConfig{
			InitialDelay:     getEnvDuration("POLL_INITIAL_DELAY", 500*time.Millisecond),
			MaxDelay:         getEnvDuration("POLL_MAX_DELAY", 3*time.Second),
			Multiplier:       1.2,
			MaxAttempts:      getEnvInt("POLL_MAX_ATTEMPTS", 8),
			TransientRetries: getEnvInt("POLL_TRANSIENT_RETRIES", 3),
			TransientDelay:   getEnvDuration("POLL_TRANSIENT_DELAY", 250*time.Millisecond),
		},
		RateLimit: RateLimitConfig{
			RequestsPerWindow: getEnvInt("RATE_LIMIT_REQUESTS", 20),
			WindowDuration:    getEnvDuration("RATE_LIMIT_WINDOW", time.Minute),
		},
		Stream: StreamConfig{
			RetryDelay:         getEnvDuration("STREAM_RETRY_DELAY", 5*time.Second),
			KeepaliveInterval:  getEnvDuration("STREAM_KEEPALIVE_INTERVAL", 10*time.Second),
			MaxRequestBodySize: int64(getEnvInt("MAX_REQUEST_BODY_SIZE", 1<<20)),
		},
		Journal: JournalConfig{
			Enabled:       getEnvBool("JOURNAL_ENABLED", true),
			Dir:           getEnv("JOURNAL_DIR", "./data/journal"),
			GlobalEnabled: getEnvBool("JOURNAL_GLOBAL_ENABLED", false),
			GlobalPath:    getEnv("JOURNAL_GLOBAL_PATH", "./data/journal/all.ndjson"),
			QueueSize:     queueSize,
		},
		HistoryRetention: getEnvDuration("HISTORY_RETENTION", 30*24*time.Hour),
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	return cfg, nil
}

// Validate checks that all required configuration fields are set.
func (c *Config) Validate() error {
	if c.Port == "" {
		return fmt.Errorf("PORT cannot be empty")
	}
	if c.DBPath == "" {
		return fmt.Errorf("DB_PATH cannot be empty")
	}
	if c.Backend.BaseURL == "" {
		return fmt.Errorf("ANALYSIS_BACKEND_URL cannot be empty")
	}
	if c.Poller.MaxAttempts <= 0 {
		return fmt.Errorf("POLL_MAX_ATTEMPTS must be > 0")
	}
	if c.Poller.InitialDelay <= 0 || c.Poller.MaxDelay < c.Poller.InitialDelay {
		return fmt.Errorf("poll delays must satisfy 0 < POLL_INITIAL_DELAY <= POLL_MAX_DELAY")
	}
	if c.Poller.Multiplier < 1 {
		return fmt.Errorf("poll backoff multiplier must be >= 1")
	}
	if c.Journal.Dir == "" {
		return fmt.Errorf("JOURNAL_DIR cannot be empty")
	}
	if c.Journal.GlobalPath == "" {
		return fmt.Errorf("JOURNAL_GLOBAL_PATH cannot be empty")
	}
	if c.Journal.QueueSize <= 0 {
		return fmt.Errorf("JOURNAL_QUEUE_SIZE must be > 0")
	}
	return nil
}

// IsDevelopment returns true if running in development mode.
func (c *Config) IsDevelopment() bool {
	return c.FrontendURL == "" ||
		strings.Contains(c.FrontendURL, "localhost") ||
		strings.Contains(c.FrontendURL, "127.0.0.1")
}

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

func getEnvBool(key string, fallback bool) bool {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	switch strings.ToLower(strings.TrimSpace(value)) {
	case "1", "true", "yes", "on":
		return true
	case "0", "false", "no", "off":
		return false
	default:
		return fallback
	}
}

func getEnvInt(key string, fallback int) int {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return n
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	value, ok := os.LookupEnv(key)
	if !ok {
		return fallback
	}
	d, err := time.ParseDuration(strings.TrimSpace(value))
	if err != nil {
		return fallback
	}
	return d
}

package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration loaded from environment variables.
type Config struct {
	// General
	Environment string `envconfig:"ENVIRONMENT" default:"development"`
	LogLevel    string `envconfig:"LOG_LEVEL" default:"info"`
	HTTPAddr    string `envconfig:"HTTP_ADDR" default:":3002"`

	// Optional rotated log file in addition to stdout
	LogFile           string `envconfig:"LOG_FILE"`
	LogFileMaxMB      int    `envconfig:"LOG_FILE_MAX_MB" default:"50"`
	LogFileMaxBackups int    `envconfig:"LOG_FILE_MAX_BACKUPS" default:"3"`

	// Source-of-truth store
	DatabasePath string `envconfig:"DATABASE_PATH" default:"tasksync.db"`

	// Backend selection. ERPNext wins only when the flag is truthy and all three
	// ERPNEXT_* values are set; see ResolveBackend.
	UseERPNext       string `envconfig:"USE_ERPNEXT"`
	ERPNextURL       string `envconfig:"ERPNEXT_API_URL"`
	ERPNextAPIKey    string `envconfig:"ERPNEXT_API_KEY"`
	ERPNextAPISecret string `envconfig:"ERPNEXT_API_SECRET"`

	OpenProjectURL       string `envconfig:"OPENPROJECT_URL" default:"http://localhost:8080"`
	OpenProjectAPIKey    string `envconfig:"OPENPROJECT_API_KEY"`
	OpenProjectProjectID string `envconfig:"OPENPROJECT_PROJECT_ID"` // parsed by ResolveBackend

	// Upstream transport
	UpstreamTimeout        time.Duration `envconfig:"UPSTREAM_TIMEOUT" default:"10s"`
	UpstreamRateLimitRPS   float64       `envconfig:"UPSTREAM_RATE_LIMIT_RPS" default:"10"`
	UpstreamRateLimitBurst int           `envconfig:"UPSTREAM_RATE_LIMIT_BURST" default:"20"`

	// Retry tuning. Counts are retries after the first attempt.
	SyncMaxRetries       int `envconfig:"SYNC_MAX_RETRIES" default:"5"`
	SyncBaseDelayMs      int `envconfig:"SYNC_BASE_DELAY_MS" default:"500"`
	SyncMaxDelayMs       int `envconfig:"SYNC_MAX_DELAY_MS" default:"10000"`
	SyncJitterMs         int `envconfig:"SYNC_JITTER_MS" default:"100"`
	DictionaryMaxRetries int `envconfig:"DICTIONARY_MAX_RETRIES" default:"2"`

	// Idempotency cache
	IdempotencyCacheSize     int           `envconfig:"IDEMPOTENCY_CACHE_SIZE" default:"1000"`
	IdempotencyTTL           time.Duration `envconfig:"IDEMPOTENCY_TTL" default:"24h"`
	IdempotencySweepInterval time.Duration `envconfig:"IDEMPOTENCY_SWEEP_INTERVAL" default:"1h"`

	// Sync operation
	SyncOperationTimeout time.Duration `envconfig:"SYNC_OPERATION_TIMEOUT" default:"60s"`
	BulkSyncLimit        int           `envconfig:"BULK_SYNC_LIMIT" default:"50"`

	// Periodic bulk resync of pending/error tasks; 0 disables it
	ResyncInterval time.Duration `envconfig:"RESYNC_INTERVAL" default:"0s"`

	// Sync log retention
	SyncLogRetention  time.Duration `envconfig:"SYNC_LOG_RETENTION" default:"720h"`
	RetentionInterval time.Duration `envconfig:"RETENTION_INTERVAL" default:"6h"`

	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"15s"`

	// HTTP API
	APIAuthMode      string `envconfig:"API_AUTH_MODE" default:"none"` // none, api-key, jwt
	APIKey           string `envconfig:"API_KEY"`
	WebhookJWTSecret string `envconfig:"WEBHOOK_JWT_SECRET"`
	RateLimitRPS     int    `envconfig:"RATE_LIMIT_RPS" default:"100"`
	RateLimitBurst   int    `envconfig:"RATE_LIMIT_BURST" default:"200"`

	// Dictionary fallback ids, used only when the upstream load fails
	StatusNewID        string `envconfig:"STATUS_NEW_ID"`
	StatusInProgressID string `envconfig:"STATUS_IN_PROGRESS_ID"`
	StatusClosedID     string `envconfig:"STATUS_CLOSED_ID"`
	StatusRejectedID   string `envconfig:"STATUS_REJECTED_ID"`
	PriorityHighID     string `envconfig:"PRIORITY_HIGH_ID"`
	PriorityNormalID   string `envconfig:"PRIORITY_NORMAL_ID"`
	PriorityLowID      string `envconfig:"PRIORITY_LOW_ID"`
	TypeTaskID         string `envconfig:"TYPE_TASK_ID"`
	DictionaryFile     string `envconfig:"DICTIONARY_FALLBACK_FILE"`
}

// BaseDelay returns the sync retry base delay.
func (c *Config) BaseDelay() time.Duration {
	return time.Duration(c.SyncBaseDelayMs) * time.Millisecond
}

// MaxDelay returns the sync retry delay cap.
func (c *Config) MaxDelay() time.Duration {
	return time.Duration(c.SyncMaxDelayMs) * time.Millisecond
}

// JitterCeiling returns the upper bound of the random jitter added to each delay.
func (c *Config) JitterCeiling() time.Duration {
	return time.Duration(c.SyncJitterMs) * time.Millisecond
}

// FallbackIDs returns the raw per-dictionary fallback values keyed by
// dictionary and entry name. Empty values are omitted.
func (c *Config) FallbackIDs() map[string]map[string]string {
	out := map[string]map[string]string{
		"status":   {},
		"priority": {},
		"type":     {},
	}
	set := func(dict, name, v string) {
		if v != "" {
			out[dict][name] = v
		}
	}
	set("status", "new", c.StatusNewID)
	set("status", "in progress", c.StatusInProgressID)
	set("status", "closed", c.StatusClosedID)
	set("status", "rejected", c.StatusRejectedID)
	set("priority", "high", c.PriorityHighID)
	set("priority", "normal", c.PriorityNormalID)
	set("priority", "low", c.PriorityLowID)
	set("type", "task", c.TypeTaskID)
	return out
}

// Validate checks numeric tuning values.
func (c *Config) Validate() error {
	switch {
	case c.SyncMaxRetries < 0:
		return fmt.Errorf("SYNC_MAX_RETRIES must be >= 0")
	case c.DictionaryMaxRetries < 0:
		return fmt.Errorf("DICTIONARY_MAX_RETRIES must be >= 0")
	case c.SyncBaseDelayMs <= 0:
		return fmt.Errorf("SYNC_BASE_DELAY_MS must be > 0")
	case c.SyncMaxDelayMs < c.SyncBaseDelayMs:
		return fmt.Errorf("SYNC_MAX_DELAY_MS must be >= SYNC_BASE_DELAY_MS")
	case c.SyncJitterMs < 0:
		return fmt.Errorf("SYNC_JITTER_MS must be >= 0")
	case c.IdempotencyCacheSize < 1:
		return fmt.Errorf("IDEMPOTENCY_CACHE_SIZE must be >= 1")
	case c.IdempotencyTTL <= 0:
		return fmt.Errorf("IDEMPOTENCY_TTL must be > 0")
	case c.BulkSyncLimit < 1:
		return fmt.Errorf("BULK_SYNC_LIMIT must be >= 1")
	}
	return nil
}

// Load reads configuration from environment variables.
func Load() (*Config, error) {
	return LoadWithPrefix("")
}

// LoadWithPrefix reads configuration with a prefix.
func LoadWithPrefix(prefix string) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(prefix, &cfg); err != nil {
		return nil, fmt.Errorf("loading config with prefix %q: %w", prefix, err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("loading config: %w", err)
	}
	return &cfg, nil
}

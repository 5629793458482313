package config

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/joeshaw/envdecode"
	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// DatabaseConfig controls persistence.
type DatabaseConfig struct {
	Driver          string `json:"driver" env:"DATABASE_DRIVER"`
	DSN             string `json:"dsn" env:"DATABASE_DSN"`
	Host            string `json:"host" env:"DATABASE_HOST"`
	Port            int    `json:"port" env:"DATABASE_PORT"`
	User            string `json:"user" env:"DATABASE_USER"`
	Password        string `json:"password" env:"DATABASE_PASSWORD"`
	Name            string `json:"name" env:"DATABASE_NAME"`
	SSLMode         string `json:"sslmode" env:"DATABASE_SSLMODE"`
	MaxOpenConns    int    `json:"max_open_conns" env:"DATABASE_MAX_OPEN_CONNS"`
	MaxIdleConns    int    `json:"max_idle_conns" env:"DATABASE_MAX_IDLE_CONNS"`
	ConnMaxLifetime int    `json:"conn_max_lifetime" env:"DATABASE_CONN_MAX_LIFETIME"`
	MigrateOnStart  bool   `json:"migrate_on_start" yaml:"migrate_on_start" env:"DATABASE_MIGRATE_ON_START"`
}

// LoggingConfig controls application logging.
type LoggingConfig struct {
	Level      string `json:"level" env:"LOG_LEVEL"`
	Format     string `json:"format" env:"LOG_FORMAT"`
	Output     string `json:"output" env:"LOG_OUTPUT"`
	FilePrefix string `json:"file_prefix" env:"LOG_FILE_PREFIX"`
}

// SecurityConfig controls encryption-specific parameters.
type SecurityConfig struct {
	SecretEncryptionKey string `json:"secret_encryption_key" env:"SECRET_ENCRYPTION_KEY"`
}

// LaneConfig bounds one dispatcher lane: its concurrency ceiling, retry
// budget, and backoff shape. Lanes are keyed by name in DispatcherConfig.
type LaneConfig struct {
	MaxConcurrency int `json:"max_concurrency" yaml:"max_concurrency"`
	MaxRetries     int `json:"max_retries" yaml:"max_retries"`
	BackoffBaseMs  int `json:"backoff_base_ms" yaml:"backoff_base_ms"`
	BackoffCapMs   int `json:"backoff_cap_ms" yaml:"backoff_cap_ms"`
	TimeoutMs      int `json:"timeout_ms" yaml:"timeout_ms"`
}

// DispatcherConfig holds the per-lane concurrency and retry policy used by
// the Dispatcher/Runner.
type DispatcherConfig struct {
	Lanes map[string]LaneConfig `json:"lanes" yaml:"lanes"`
}

// SchedulerConfig controls the Scheduler's tick cadence and misfire/backfill
// bounds.
type SchedulerConfig struct {
	TickMs                     int `json:"tick_ms" yaml:"tick_ms" env:"SCHEDULER_TICK_MS"`
	DefaultMisfireGraceSeconds int `json:"default_misfire_grace_seconds" yaml:"default_misfire_grace_seconds" env:"SCHEDULER_MISFIRE_GRACE_SECONDS"`
	MaxLookbackWeeks           int `json:"max_lookback_weeks" yaml:"max_lookback_weeks" env:"SCHEDULER_MAX_LOOKBACK_WEEKS"`
}

// WorkItemConfig controls lease duration and reclaim sweep cadence for the
// Work-Item Queue.
type WorkItemConfig struct {
	LeaseTTLMs        int `json:"lease_ttl_ms" yaml:"lease_ttl_ms" env:"WORKITEM_LEASE_TTL_MS"`
	ReclaimIntervalMs int `json:"reclaim_interval_ms" yaml:"reclaim_interval_ms" env:"WORKITEM_RECLAIM_INTERVAL_MS"`
}

// AlertsConfig controls default channel throttling and auto-disable
// thresholds for the Alert Bus.
type AlertsConfig struct {
	ChannelDefaultThrottleMinutes          int `json:"channel_default_throttle_minutes" yaml:"channel_default_throttle_minutes" env:"ALERTS_DEFAULT_THROTTLE_MINUTES"`
	ChannelDisableAfterConsecutiveFailures int `json:"channel_disable_after_consecutive_failures" yaml:"channel_disable_after_consecutive_failures" env:"ALERTS_DISABLE_AFTER_FAILURES"`
}

// CaptureConfig controls capture_id derivation.
type CaptureConfig struct {
	Separator         string `json:"separator" yaml:"separator" env:"CAPTURE_ID_SEPARATOR"`
	TimestampHashAlgo string `json:"timestamp_hash_algo" yaml:"timestamp_hash_algo" env:"CAPTURE_ID_HASH_ALGO"`
	HashWidth         int    `json:"hash_width" yaml:"hash_width" env:"CAPTURE_ID_HASH_WIDTH"`
}

// Config is the top-level configuration structure.
type Config struct {
	Database   DatabaseConfig   `json:"database"`
	Logging    LoggingConfig    `json:"logging"`
	Security   SecurityConfig   `json:"security"`
	Dispatcher DispatcherConfig `json:"dispatcher"`
	Scheduler  SchedulerConfig  `json:"scheduler"`
	WorkItem   WorkItemConfig   `json:"workitem"`
	Alerts     AlertsConfig     `json:"alerts"`
	Capture    CaptureConfig    `json:"capture"`
}

// New returns a configuration populated with defaults.
func New() *Config {
	return &Config{
		Database: DatabaseConfig{
			Driver:          "postgres",
			MaxOpenConns:    10,
			MaxIdleConns:    5,
			ConnMaxLifetime: 300,
			MigrateOnStart:  true,
		},
		Logging: LoggingConfig{
			Level:      "info",
			Format:     "text",
			Output:     "stdout",
			FilePrefix: "spine",
		},
		Security: SecurityConfig{},
		Dispatcher: DispatcherConfig{
			Lanes: map[string]LaneConfig{
				"default": {
					MaxConcurrency: 4,
					MaxRetries:     5,
					BackoffBaseMs:  500,
					BackoffCapMs:   60_000,
					TimeoutMs:      300_000,
				},
			},
		},
		Scheduler: SchedulerConfig{
			TickMs:                     1000,
			DefaultMisfireGraceSeconds: 300,
			MaxLookbackWeeks:           12,
		},
		WorkItem: WorkItemConfig{
			LeaseTTLMs:        60_000,
			ReclaimIntervalMs: 15_000,
		},
		Alerts: AlertsConfig{
			ChannelDefaultThrottleMinutes:          15,
			ChannelDisableAfterConsecutiveFailures: 5,
		},
		Capture: CaptureConfig{
			Separator:         ":",
			TimestampHashAlgo: "sha256",
			HashWidth:         6,
		},
	}
}

// ConnectionString builds a PostgreSQL connection string using host parameters.
func (c DatabaseConfig) ConnectionString() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Name, c.SSLMode,
	)
}

// Load loads configuration from file (if present) and environment variables.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := New()

	if path := strings.TrimSpace(os.Getenv("SPINE_CONFIG")); path != "" {
		if err := loadFromFile(path, cfg); err != nil {
			return nil, err
		}
	} else {
		_ = loadFromFile("configs/config.yaml", cfg)
	}

	if err := envdecode.Decode(cfg); err != nil {
		// envdecode returns an error when no tagged fields are present in the
		// environment; treat that case as "no overrides" so local runs work
		// without exporting vars.
		if !strings.Contains(err.Error(), "none of the target fields were set") {
			return nil, fmt.Errorf("decode env: %w", err)
		}
	}

	applyDatabaseURLOverride(cfg)

	return cfg, nil
}

// LoadFile reads configuration from a YAML file.
func LoadFile(path string) (*Config, error) {
	cfg := New()
	if err := loadFromFile(path, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

func loadFromFile(path string, cfg *Config) error {
	expanded, err := filepath.Abs(path)
	if err != nil {
		return err
	}
	data, err := os.ReadFile(expanded)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return err
	}
	return nil
}

// LoadConfig is a helper used by tests to load JSON config snippets.
func LoadConfig(path string) (*Config, error) {
	cfg := New()
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}
	applyDatabaseURLOverride(cfg)
	return cfg, nil
}

// applyDatabaseURLOverride mirrors the composition root: DATABASE_URL
// overrides any file-based DSN to reduce setup friction.
func applyDatabaseURLOverride(cfg *Config) {
	if cfg == nil {
		return
	}
	if dsn := strings.TrimSpace(os.Getenv("DATABASE_URL")); dsn != "" {
		cfg.Database.DSN = dsn
	}
}

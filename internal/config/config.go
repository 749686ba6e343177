// Package config loads and validates the engine configuration from
// config.yaml under the QuoteFlow home directory, with env overrides for
// deployment settings.
package config

import (
	"fmt"
	"hash/fnv"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/basket/quoteflow/internal/otel"
	"github.com/basket/quoteflow/internal/retry"
)

// RetryConfig holds the backoff tunables, all hot-reloadable.
type RetryConfig struct {
	// BaseDelaySeconds is the first backoff. Default 5.
	BaseDelaySeconds int `yaml:"base_delay_seconds"`
	// MaxDelaySeconds caps the backoff. Default 600.
	MaxDelaySeconds int `yaml:"max_delay_seconds"`
	// Multiplier grows the backoff per attempt. Default 2.0.
	Multiplier float64 `yaml:"multiplier"`
}

// OperationConfig maps an operation kind to its delivery endpoint.
type OperationConfig struct {
	// WebhookURL receives the task payload as a JSON POST.
	WebhookURL string `yaml:"webhook_url"`
	// TimeoutSeconds bounds a single delivery. Zero falls back to the
	// executor default.
	TimeoutSeconds int `yaml:"timeout_seconds"`
}

// SweepConfig controls the recovery sweeper cadence.
type SweepConfig struct {
	// IntervalSeconds is the tick cadence. Default 30.
	IntervalSeconds int `yaml:"interval_seconds"`
	// Cron, when set, overrides the interval with a 5-field cron expression.
	Cron string `yaml:"cron"`
}

type Config struct {
	HomeDir string `yaml:"-"`

	DBPath              string `yaml:"db_path"`
	WorkerCount         int    `yaml:"worker_count"`
	PollIntervalMillis  int    `yaml:"poll_interval_millis"`
	TaskTimeoutSeconds  int    `yaml:"task_timeout_seconds"`
	DrainTimeoutSeconds int    `yaml:"drain_timeout_seconds"`
	LogLevel            string `yaml:"log_level"`

	// ClaimTimeoutSeconds is how long a claim may run before the sweeper
	// presumes the worker dead. Default 600.
	ClaimTimeoutSeconds int `yaml:"claim_timeout_seconds"`
	// DefaultMaxRetries is the retry budget for enqueues that set none. Default 3.
	DefaultMaxRetries int `yaml:"default_max_retries"`

	Retry RetryConfig `yaml:"retry"`
	Sweep SweepConfig `yaml:"sweep"`
	OTel  otel.Config `yaml:"otel"`

	// Operations maps operation kinds to their executors. Kinds without an
	// entry are rejected by workers as unroutable.
	Operations map[string]OperationConfig `yaml:"operations"`
}

// ConfigPath returns the path to config.yaml within the given home directory.
func ConfigPath(homeDir string) string {
	return filepath.Join(homeDir, "config.yaml")
}

func defaultConfig() Config {
	return Config{
		WorkerCount:         4,
		PollIntervalMillis:  250,
		TaskTimeoutSeconds:  int((5 * time.Minute).Seconds()),
		DrainTimeoutSeconds: 5,
		LogLevel:            "info",
		ClaimTimeoutSeconds: int((10 * time.Minute).Seconds()),
		DefaultMaxRetries:   3,
		Retry: RetryConfig{
			BaseDelaySeconds: 5,
			MaxDelaySeconds:  int((10 * time.Minute).Seconds()),
			Multiplier:       2.0,
		},
		Sweep: SweepConfig{
			IntervalSeconds: 30,
		},
	}
}

// HomeDir returns the QuoteFlow home directory, honoring QUOTEFLOW_HOME.
func HomeDir() string {
	if override := os.Getenv("QUOTEFLOW_HOME"); override != "" {
		return override
	}
	home, err := os.UserHomeDir()
	if err != nil || home == "" {
		home = "."
	}
	return filepath.Join(home, ".quoteflow")
}

// Load reads config.yaml from the home directory, applies env overrides, and
// normalizes defaults. A missing file yields the defaults.
func Load() (Config, error) {
	cfg := defaultConfig()
	cfg.HomeDir = HomeDir()

	if err := os.MkdirAll(cfg.HomeDir, 0o755); err != nil {
		return cfg, fmt.Errorf("create quoteflow home: %w", err)
	}

	data, err := os.ReadFile(ConfigPath(cfg.HomeDir))
	if err != nil && !os.IsNotExist(err) {
		return cfg, fmt.Errorf("read config.yaml: %w", err)
	}
	if len(data) > 0 {
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config.yaml: %w", err)
		}
	}

	applyEnvOverrides(&cfg)
	normalize(&cfg)
	if err := validate(&cfg); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("QUOTEFLOW_DB_PATH"); v != "" {
		cfg.DBPath = v
	}
	if v := os.Getenv("QUOTEFLOW_LOG_LEVEL"); v != "" {
		cfg.LogLevel = v
	}
	if v := os.Getenv("QUOTEFLOW_WORKER_COUNT"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.WorkerCount = n
		}
	}
	if v := os.Getenv("QUOTEFLOW_CLAIM_TIMEOUT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.ClaimTimeoutSeconds = n
		}
	}
	if v := os.Getenv("QUOTEFLOW_MAX_RETRIES"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			cfg.DefaultMaxRetries = n
		}
	}
}

func normalize(cfg *Config) {
	if cfg.DBPath == "" {
		cfg.DBPath = filepath.Join(cfg.HomeDir, "quoteflow.db")
	}
	if cfg.WorkerCount <= 0 {
		cfg.WorkerCount = 4
	}
	if cfg.PollIntervalMillis <= 0 {
		cfg.PollIntervalMillis = 250
	}
	if cfg.TaskTimeoutSeconds <= 0 {
		cfg.TaskTimeoutSeconds = int((5 * time.Minute).Seconds())
	}
	if cfg.DrainTimeoutSeconds <= 0 {
		cfg.DrainTimeoutSeconds = 5
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	if cfg.ClaimTimeoutSeconds <= 0 {
		cfg.ClaimTimeoutSeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = 3
	}
	if cfg.Retry.BaseDelaySeconds <= 0 {
		cfg.Retry.BaseDelaySeconds = 5
	}
	if cfg.Retry.MaxDelaySeconds <= 0 {
		cfg.Retry.MaxDelaySeconds = int((10 * time.Minute).Seconds())
	}
	if cfg.Retry.Multiplier < 1 {
		cfg.Retry.Multiplier = 2.0
	}
	if cfg.Sweep.IntervalSeconds <= 0 {
		cfg.Sweep.IntervalSeconds = 30
	}
}

// validate rejects combinations that would undermine recovery: an execution
// attempt must be allowed to finish (or time out) well before its claim is
// presumed stale, or healthy workers lose tasks mid-flight.
func validate(cfg *Config) error {
	if cfg.TaskTimeoutSeconds >= cfg.ClaimTimeoutSeconds {
		return fmt.Errorf("task_timeout_seconds (%d) must be less than claim_timeout_seconds (%d)",
			cfg.TaskTimeoutSeconds, cfg.ClaimTimeoutSeconds)
	}
	if cfg.Sweep.Cron != "" && len(strings.Fields(cfg.Sweep.Cron)) != 5 {
		return fmt.Errorf("sweep.cron must be a 5-field cron expression, got %q", cfg.Sweep.Cron)
	}
	for kind, op := range cfg.Operations {
		if op.WebhookURL == "" {
			return fmt.Errorf("operations.%s: webhook_url is required", kind)
		}
	}
	return nil
}

// ClaimTimeout returns the claim timeout as a duration.
func (c Config) ClaimTimeout() time.Duration {
	return time.Duration(c.ClaimTimeoutSeconds) * time.Second
}

// TaskTimeout returns the per-attempt execution timeout.
func (c Config) TaskTimeout() time.Duration {
	return time.Duration(c.TaskTimeoutSeconds) * time.Second
}

// PollInterval returns the worker idle poll interval.
func (c Config) PollInterval() time.Duration {
	return time.Duration(c.PollIntervalMillis) * time.Millisecond
}

// DrainTimeout returns the shutdown drain bound.
func (c Config) DrainTimeout() time.Duration {
	return time.Duration(c.DrainTimeoutSeconds) * time.Second
}

// SweepInterval returns the sweeper tick cadence.
func (c Config) SweepInterval() time.Duration {
	return time.Duration(c.Sweep.IntervalSeconds) * time.Second
}

// RetryPolicy returns the configured backoff policy.
func (c Config) RetryPolicy() retry.Policy {
	return retry.Policy{
		BaseDelay:  time.Duration(c.Retry.BaseDelaySeconds) * time.Second,
		MaxDelay:   time.Duration(c.Retry.MaxDelaySeconds) * time.Second,
		Multiplier: c.Retry.Multiplier,
	}
}

// Fingerprint returns a stable hash of the active config, logged on load and
// reload so operators can tell which settings a process is running with.
func (c Config) Fingerprint() string {
	h := fnv.New64a()
	fmt.Fprintf(h, "workers=%d|claim=%d|retries=%d|base=%d|max=%d|mult=%.2f|sweep=%d|cron=%s|log=%s",
		c.WorkerCount, c.ClaimTimeoutSeconds, c.DefaultMaxRetries,
		c.Retry.BaseDelaySeconds, c.Retry.MaxDelaySeconds, c.Retry.Multiplier,
		c.Sweep.IntervalSeconds, c.Sweep.Cron, c.LogLevel)
	return fmt.Sprintf("cfg-%x", h.Sum64())
}

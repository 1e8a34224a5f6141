package core

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds the process-wide settings of the orchestration core.
// Components receive their own config structs; this carries the shared
// feature flags, directories, and notification routing.
type Config struct {
	ServiceName string `yaml:"service_name"`

	// Feature flags
	ApprovalsEnabled     bool `yaml:"approvals_enabled"`
	FallbacksEnabled     bool `yaml:"fallbacks_enabled"`
	MetricsEnabled       bool `yaml:"metrics_enabled"`
	NotificationsEnabled bool `yaml:"notifications_enabled"`
	HealthChecksEnabled  bool `yaml:"health_checks_enabled"`

	// Notification routing
	NotifyChannel string   `yaml:"notify_channel"`
	NotifyUserIDs []string `yaml:"notify_user_ids"`
	WebhookURL    string   `yaml:"webhook_url"`

	// Persistence
	MetricsFile   string `yaml:"metrics_file"`
	JournalFile   string `yaml:"journal_file"`
	SummariesDir  string `yaml:"summaries_dir"`
	BackupDir     string `yaml:"backup_dir"`
	CSVDir        string `yaml:"csv_dir"`
	RetentionDays int    `yaml:"retention_days"`

	// Telemetry
	OTelEndpoint string `yaml:"otel_endpoint"`

	// Optional Redis mirror for execution state (dashboard consumer)
	RedisURL string `yaml:"redis_url"`
}

// DefaultConfig returns production-ready defaults
func DefaultConfig() *Config {
	return &Config{
		ServiceName:          "actioncore",
		ApprovalsEnabled:     true,
		FallbacksEnabled:     true,
		MetricsEnabled:       true,
		NotificationsEnabled: false,
		HealthChecksEnabled:  true,
		MetricsFile:          "logs/metrics.jsonl",
		JournalFile:          "",
		SummariesDir:         "logs/summaries",
		BackupDir:            "backups",
		CSVDir:               "logs/csv",
		RetentionDays:        30,
	}
}

// LoadConfig builds a Config from defaults, an optional YAML file, and
// environment overrides, in that order of increasing precedence.
func LoadConfig(path string) (*Config, error) {
	cfg := DefaultConfig()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// applyEnv overlays ACTIONCORE_* environment variables
func (c *Config) applyEnv() {
	if v := os.Getenv("ACTIONCORE_SERVICE_NAME"); v != "" {
		c.ServiceName = v
	}
	if v, ok := envBool("ACTIONCORE_APPROVALS_ENABLED"); ok {
		c.ApprovalsEnabled = v
	}
	if v, ok := envBool("ACTIONCORE_FALLBACKS_ENABLED"); ok {
		c.FallbacksEnabled = v
	}
	if v, ok := envBool("ACTIONCORE_METRICS_ENABLED"); ok {
		c.MetricsEnabled = v
	}
	if v, ok := envBool("ACTIONCORE_NOTIFICATIONS_ENABLED"); ok {
		c.NotificationsEnabled = v
	}
	if v, ok := envBool("ACTIONCORE_HEALTH_CHECKS_ENABLED"); ok {
		c.HealthChecksEnabled = v
	}
	if v := os.Getenv("ACTIONCORE_NOTIFY_CHANNEL"); v != "" {
		c.NotifyChannel = v
	}
	if v := os.Getenv("ACTIONCORE_NOTIFY_USER_IDS"); v != "" {
		c.NotifyUserIDs = splitAndTrim(v)
	}
	if v := os.Getenv("ACTIONCORE_WEBHOOK_URL"); v != "" {
		c.WebhookURL = v
	}
	if v := os.Getenv("ACTIONCORE_METRICS_FILE"); v != "" {
		c.MetricsFile = v
	}
	if v := os.Getenv("ACTIONCORE_JOURNAL_FILE"); v != "" {
		c.JournalFile = v
	}
	if v := os.Getenv("ACTIONCORE_SUMMARIES_DIR"); v != "" {
		c.SummariesDir = v
	}
	if v := os.Getenv("ACTIONCORE_BACKUP_DIR"); v != "" {
		c.BackupDir = v
	}
	if v := os.Getenv("ACTIONCORE_CSV_DIR"); v != "" {
		c.CSVDir = v
	}
	if v := os.Getenv("ACTIONCORE_RETENTION_DAYS"); v != "" {
		if days, err := strconv.Atoi(v); err == nil {
			c.RetentionDays = days
		}
	}
	if v := os.Getenv("ACTIONCORE_OTEL_ENDPOINT"); v != "" {
		c.OTelEndpoint = v
	}
	if v := os.Getenv("ACTIONCORE_REDIS_URL"); v != "" {
		c.RedisURL = v
	}
}

// Validate checks configuration invariants
func (c *Config) Validate() error {
	if c.ServiceName == "" {
		return fmt.Errorf("%w: service_name is required", ErrInvalidConfiguration)
	}
	if c.RetentionDays < 0 {
		return fmt.Errorf("%w: retention_days must be non-negative, got %d",
			ErrInvalidConfiguration, c.RetentionDays)
	}
	if c.MetricsEnabled && c.MetricsFile == "" {
		return fmt.Errorf("%w: metrics_file required when metrics are enabled",
			ErrInvalidConfiguration)
	}
	return nil
}

// Retention returns the configured retention window as a duration
func (c *Config) Retention() time.Duration {
	return time.Duration(c.RetentionDays) * 24 * time.Hour
}

func envBool(name string) (bool, bool) {
	v := os.Getenv(name)
	if v == "" {
		return false, false
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, false
	}
	return b, true
}

func splitAndTrim(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if trimmed := strings.TrimSpace(p); trimmed != "" {
			out = append(out, trimmed)
		}
	}
	return out
}

package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

// Default tunables used when the config file leaves a field unset.
const (
	DefaultConversationTTL = 4 * time.Hour
	DefaultHistoryCap      = 20
	DefaultRecentEntityCap = 10
	DefaultMaxConcurrent   = 3
	DefaultExecTimeout     = 30 * time.Second
	DefaultRetention       = 5 * time.Minute
	DefaultMaxInFlight     = 1000
	DefaultStatsInterval   = 5 * time.Second
	DefaultSummaryMessages = 10
	DefaultStorageBackend  = "memory"
)

// Config is the complete daemon configuration.
type Config struct {
	Storage      StorageConfig      `yaml:"storage"`
	Conversation ConversationConfig `yaml:"conversation"`
	Scheduler    SchedulerConfig    `yaml:"scheduler"`
	Session      SessionConfig      `yaml:"session"`
	Logging      LoggingConfig      `yaml:"logging"`
}

// StorageConfig selects and parameterizes the KV backend.
type StorageConfig struct {
	// Backend is one of "memory", "redis", "sqlite".
	Backend    string `yaml:"backend"`
	RedisURL   string `yaml:"redis_url"`
	SQLitePath string `yaml:"sqlite_path"`
}

// ConversationConfig holds conversation store tunables.
type ConversationConfig struct {
	TTL             time.Duration `yaml:"-"`
	HistoryCap      int           `yaml:"history_cap"`
	RecentEntityCap int           `yaml:"recent_entity_cap"`

	TTLRaw string `yaml:"ttl"`
}

// SchedulerConfig holds scheduler tunables.
type SchedulerConfig struct {
	MaxConcurrent int           `yaml:"max_concurrent"`
	MaxInFlight   int           `yaml:"max_in_flight"`
	ExecTimeout   time.Duration `yaml:"-"`
	Retention     time.Duration `yaml:"-"`

	ExecTimeoutRaw string `yaml:"exec_timeout"`
	RetentionRaw   string `yaml:"retention"`
}

// SessionConfig holds coordinator tunables.
type SessionConfig struct {
	StatsInterval   time.Duration `yaml:"-"`
	SummaryMessages int           `yaml:"summary_messages"`

	StatsIntervalRaw string `yaml:"stats_interval"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
}

// Default returns a configuration with every field at its default.
func Default() *Config {
	cfg := &Config{}
	cfg.applyDefaults()
	return cfg
}

// Load reads a YAML configuration file. Environment variables in ${VAR_NAME}
// form are expanded before parsing; duration fields accept Go duration
// strings ("30s", "4h"). Unset fields fall back to defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := cfg.parseDurations(); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding
// environment variable values. Unset variables expand to the empty string.
func expandEnvVars(s string) string {
	re := regexp.MustCompile(`\$\{([^}]+)\}`)
	return re.ReplaceAllStringFunc(s, func(match string) string {
		varName := re.FindStringSubmatch(match)[1]
		return os.Getenv(varName)
	})
}

// Validate checks the configuration for contradictions. Returns the first
// problem found.
func (c *Config) Validate() error {
	switch c.Storage.Backend {
	case "memory":
	case "redis":
		if c.Storage.RedisURL == "" {
			return fmt.Errorf("storage.redis_url is required for the redis backend")
		}
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return fmt.Errorf("storage.sqlite_path is required for the sqlite backend")
		}
	default:
		return fmt.Errorf("storage.backend must be one of memory, redis, sqlite (got %q)", c.Storage.Backend)
	}

	if c.Scheduler.MaxConcurrent < 1 {
		return fmt.Errorf("scheduler.max_concurrent must be at least 1")
	}

	return nil
}

func (c *Config) parseDurations() error {
	var err error

	if c.Conversation.TTLRaw != "" {
		c.Conversation.TTL, err = time.ParseDuration(c.Conversation.TTLRaw)
		if err != nil {
			return fmt.Errorf("parsing conversation.ttl %q: %w", c.Conversation.TTLRaw, err)
		}
	}

	if c.Scheduler.ExecTimeoutRaw != "" {
		c.Scheduler.ExecTimeout, err = time.ParseDuration(c.Scheduler.ExecTimeoutRaw)
		if err != nil {
			return fmt.Errorf("parsing scheduler.exec_timeout %q: %w", c.Scheduler.ExecTimeoutRaw, err)
		}
	}

	if c.Scheduler.RetentionRaw != "" {
		c.Scheduler.Retention, err = time.ParseDuration(c.Scheduler.RetentionRaw)
		if err != nil {
			return fmt.Errorf("parsing scheduler.retention %q: %w", c.Scheduler.RetentionRaw, err)
		}
	}

	if c.Session.StatsIntervalRaw != "" {
		c.Session.StatsInterval, err = time.ParseDuration(c.Session.StatsIntervalRaw)
		if err != nil {
			return fmt.Errorf("parsing session.stats_interval %q: %w", c.Session.StatsIntervalRaw, err)
		}
	}

	return nil
}

func (c *Config) applyDefaults() {
	if c.Storage.Backend == "" {
		c.Storage.Backend = DefaultStorageBackend
	}
	if c.Conversation.TTL <= 0 {
		c.Conversation.TTL = DefaultConversationTTL
	}
	if c.Conversation.HistoryCap <= 0 {
		c.Conversation.HistoryCap = DefaultHistoryCap
	}
	if c.Conversation.RecentEntityCap <= 0 {
		c.Conversation.RecentEntityCap = DefaultRecentEntityCap
	}
	if c.Scheduler.MaxConcurrent <= 0 {
		c.Scheduler.MaxConcurrent = DefaultMaxConcurrent
	}
	if c.Scheduler.MaxInFlight <= 0 {
		c.Scheduler.MaxInFlight = DefaultMaxInFlight
	}
	if c.Scheduler.ExecTimeout <= 0 {
		c.Scheduler.ExecTimeout = DefaultExecTimeout
	}
	if c.Scheduler.Retention <= 0 {
		c.Scheduler.Retention = DefaultRetention
	}
	if c.Session.StatsInterval <= 0 {
		c.Session.StatsInterval = DefaultStatsInterval
	}
	if c.Session.SummaryMessages <= 0 {
		c.Session.SummaryMessages = DefaultSummaryMessages
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
}

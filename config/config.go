// Package config loads the coordinator configuration with layered
// precedence: built-in defaults, then a YAML file, then environment
// variables. The merged result is validated before use.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// DefaultConfigFile is looked for in the working directory when no path
// is given.
const DefaultConfigFile = "squawk.yaml"

// EnvPrefix namespaces every environment override.
const EnvPrefix = "SQUAWK_"

// LLMConfig configures the planner's model client.
type LLMConfig struct {
	// Provider selects the client: anthropic, openai, google, or mock.
	Provider string `yaml:"provider"`
	APIKey   string `yaml:"api_key"`
	Model    string `yaml:"model"`
	// TimeoutMS bounds one planning call.
	TimeoutMS int `yaml:"timeout_ms"`
}

// Config is the full coordinator configuration.
type Config struct {
	// DataDir is the storage root: database, checkpoints, logs.
	DataDir string `yaml:"datadir"`
	// Port is the HTTP API listen port.
	Port int `yaml:"port"`

	LLM LLMConfig `yaml:"llm"`

	ReaperIntervalMS    int `yaml:"reaper_interval_ms"`
	HeartbeatIntervalMS int `yaml:"heartbeat_interval_ms"`
	HeartbeatTimeoutMS  int `yaml:"heartbeat_timeout_ms"`

	CheckpointRetentionDays int `yaml:"checkpoint_retention_days"`
	MetricsRetentionDays    int `yaml:"metrics_retention_days"`
	AlertRetentionDays      int `yaml:"alert_retention_days"`
	ConflictRetentionDays   int `yaml:"conflict_retention_days"`

	// AutoresolveThreshold is the highest conflict severity resolved
	// without an operator: low, medium, high, or critical.
	AutoresolveThreshold string `yaml:"autoresolve_threshold"`

	// TechOrdersDir holds extra guidance documents fed to the planner.
	TechOrdersDir string `yaml:"tech_orders_dir"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		DataDir:                 "./data",
		Port:                    8080,
		LLM:                     LLMConfig{Provider: "anthropic", TimeoutMS: 60000},
		ReaperIntervalMS:        5000,
		HeartbeatIntervalMS:     15000,
		HeartbeatTimeoutMS:      45000,
		CheckpointRetentionDays: 7,
		MetricsRetentionDays:    7,
		AlertRetentionDays:      30,
		ConflictRetentionDays:   7,
		AutoresolveThreshold:    "medium",
	}
}

// Load builds the configuration: defaults, then the YAML file at path
// (or ./squawk.yaml when path is empty and it exists), then environment
// overrides, then validation.
func Load(path string) (*Config, error) {
	cfg := Default()

	if path == "" {
		if _, err := os.Stat(DefaultConfigFile); err == nil {
			path = DefaultConfigFile
		}
	}
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, cfg); err != nil {
			return nil, fmt.Errorf("failed to parse config file: %w", err)
		}
	}

	cfg.applyEnv()

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() {
	envStr(&c.DataDir, "DATADIR")
	envInt(&c.Port, "PORT")
	envStr(&c.LLM.Provider, "LLM_PROVIDER")
	envStr(&c.LLM.APIKey, "LLM_API_KEY")
	envStr(&c.LLM.Model, "LLM_MODEL")
	envInt(&c.LLM.TimeoutMS, "LLM_TIMEOUT_MS")
	envInt(&c.ReaperIntervalMS, "REAPER_INTERVAL_MS")
	envInt(&c.HeartbeatIntervalMS, "HEARTBEAT_INTERVAL_MS")
	envInt(&c.HeartbeatTimeoutMS, "HEARTBEAT_TIMEOUT_MS")
	envInt(&c.CheckpointRetentionDays, "CHECKPOINT_RETENTION_DAYS")
	envInt(&c.MetricsRetentionDays, "METRICS_RETENTION_DAYS")
	envInt(&c.AlertRetentionDays, "ALERT_RETENTION_DAYS")
	envInt(&c.ConflictRetentionDays, "CONFLICT_RETENTION_DAYS")
	envStr(&c.AutoresolveThreshold, "AUTORESOLVE_THRESHOLD")
	envStr(&c.TechOrdersDir, "TECH_ORDERS_DIR")
}

func envStr(dst *string, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		*dst = v
	}
}

func envInt(dst *int, key string) {
	if v := os.Getenv(EnvPrefix + key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*dst = n
		}
	}
}

// Validate checks the merged configuration.
func (c *Config) Validate() error {
	if c.DataDir == "" {
		return fmt.Errorf("datadir is required")
	}
	if c.Port < 1 || c.Port > 65535 {
		return fmt.Errorf("port %d outside [1, 65535]", c.Port)
	}
	if c.HeartbeatIntervalMS <= 0 {
		return fmt.Errorf("heartbeat_interval_ms must be positive")
	}
	if c.HeartbeatTimeoutMS < c.HeartbeatIntervalMS {
		return fmt.Errorf("heartbeat_timeout_ms must be at least heartbeat_interval_ms")
	}
	if c.ReaperIntervalMS <= 0 {
		return fmt.Errorf("reaper_interval_ms must be positive")
	}
	if c.LLM.TimeoutMS <= 0 {
		return fmt.Errorf("llm.timeout_ms must be positive")
	}
	for name, days := range map[string]int{
		"checkpoint_retention_days": c.CheckpointRetentionDays,
		"metrics_retention_days":    c.MetricsRetentionDays,
		"alert_retention_days":      c.AlertRetentionDays,
		"conflict_retention_days":   c.ConflictRetentionDays,
	} {
		if days <= 0 {
			return fmt.Errorf("%s must be positive", name)
		}
	}
	switch c.AutoresolveThreshold {
	case "low", "medium", "high", "critical":
	default:
		return fmt.Errorf("autoresolve_threshold %q is not one of low, medium, high, critical", c.AutoresolveThreshold)
	}
	switch c.LLM.Provider {
	case "anthropic", "openai", "google", "mock":
	default:
		return fmt.Errorf("llm.provider %q is not one of anthropic, openai, google, mock", c.LLM.Provider)
	}
	return nil
}

// DatabasePath is the SQLite file under the data directory.
func (c *Config) DatabasePath() string { return filepath.Join(c.DataDir, "squawk.db") }

// CheckpointDir holds the file-backed checkpoints.
func (c *Config) CheckpointDir() string { return filepath.Join(c.DataDir, "checkpoints") }

// LogDir holds the recovery log and other structured logs.
func (c *Config) LogDir() string { return filepath.Join(c.DataDir, "logs") }

func (c *Config) LLMTimeout() time.Duration { return time.Duration(c.LLM.TimeoutMS) * time.Millisecond }

func (c *Config) ReaperInterval() time.Duration {
	return time.Duration(c.ReaperIntervalMS) * time.Millisecond
}

func (c *Config) HeartbeatInterval() time.Duration {
	return time.Duration(c.HeartbeatIntervalMS) * time.Millisecond
}

func (c *Config) HeartbeatTimeout() time.Duration {
	return time.Duration(c.HeartbeatTimeoutMS) * time.Millisecond
}

func (c *Config) CheckpointRetention() time.Duration {
	return time.Duration(c.CheckpointRetentionDays) * 24 * time.Hour
}

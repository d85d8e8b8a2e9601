package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

type Config struct {
	Router   RouterConfig   `toml:"router" yaml:"router"`
	Registry RegistryConfig `toml:"registry" yaml:"registry"`
	Modes    ModesConfig    `toml:"modes" yaml:"modes"`
	Agents   AgentsConfig   `toml:"agents" yaml:"agents"`
	Analyzer AnalyzerConfig `toml:"analyzer" yaml:"analyzer"`
	Server   ServerConfig   `toml:"server" yaml:"server"`
	Log      LogConfig      `toml:"log" yaml:"log"`
	Raw      map[string]any `toml:"-" yaml:"-"`
	Path     string         `toml:"-" yaml:"-"`
}

type RouterConfig struct {
	QueueSize              int `toml:"queue_size" yaml:"queue_size"`
	BatchSize              int `toml:"batch_size" yaml:"batch_size"`
	HistoryLimit           int `toml:"history_limit" yaml:"history_limit"`
	RecordLimit            int `toml:"record_limit" yaml:"record_limit"`
	DeliveryIntervalMS     int `toml:"delivery_interval_ms" yaml:"delivery_interval_ms"`
	SweepIntervalMS        int `toml:"sweep_interval_ms" yaml:"sweep_interval_ms"`
	MaxAttempts            int `toml:"max_attempts" yaml:"max_attempts"`
	ResponseTimeoutSeconds int `toml:"response_timeout_seconds" yaml:"response_timeout_seconds"`
}

type RegistryConfig struct {
	DefaultCapacity          int `toml:"default_capacity" yaml:"default_capacity"`
	CleanupIntervalMS        int `toml:"cleanup_interval_ms" yaml:"cleanup_interval_ms"`
	InactiveThresholdMinutes int `toml:"inactive_threshold_minutes" yaml:"inactive_threshold_minutes"`
}

type ModesConfig struct {
	Default string         `toml:"default" yaml:"default"`
	Manual  map[string]any `toml:"manual" yaml:"manual"`
	Auto    map[string]any `toml:"auto" yaml:"auto"`
}

// AgentsConfig controls the worker runtimes. An empty Command keeps the
// built-in echo executor.
type AgentsConfig struct {
	Command             string   `toml:"command" yaml:"command"`
	Args                []string `toml:"args" yaml:"args"`
	WorkDir             string   `toml:"work_dir" yaml:"work_dir"`
	InboxSize           int      `toml:"inbox_size" yaml:"inbox_size"`
	HeartbeatIntervalMS int      `toml:"heartbeat_interval_ms" yaml:"heartbeat_interval_ms"`
	QualityThreshold    float64  `toml:"quality_threshold" yaml:"quality_threshold"`
	StaticScore         float64  `toml:"static_score" yaml:"static_score"`
}

// AnalyzerConfig points auto mode at a Responses-compatible endpoint for
// objective analysis. An empty Endpoint keeps the keyword analyzer.
type AnalyzerConfig struct {
	Endpoint        string `toml:"endpoint" yaml:"endpoint"`
	Model           string `toml:"model" yaml:"model"`
	ReasoningEffort string `toml:"reasoning_effort" yaml:"reasoning_effort"`
	AuthTokenEnv    string `toml:"auth_token_env" yaml:"auth_token_env"`
	TimeoutSeconds  int    `toml:"timeout_seconds" yaml:"timeout_seconds"`
	Retries         int    `toml:"retries" yaml:"retries"`
}

type ServerConfig struct {
	Addr   string `toml:"addr" yaml:"addr"`
	DBPath string `toml:"db_path" yaml:"db_path"`
}

type LogConfig struct {
	Level       string `toml:"level" yaml:"level"`
	Development bool   `toml:"development" yaml:"development"`
}

// Default returns the configuration used when no file is present.
func Default() Config {
	cfg := Config{}
	cfg.applyDefaults()
	return cfg
}

func (c *Config) applyDefaults() {
	if c.Router.QueueSize <= 0 {
		c.Router.QueueSize = 1000
	}
	if c.Router.BatchSize <= 0 {
		c.Router.BatchSize = 10
	}
	if c.Router.HistoryLimit <= 0 {
		c.Router.HistoryLimit = 1000
	}
	if c.Router.RecordLimit <= 0 {
		c.Router.RecordLimit = 1000
	}
	if c.Router.DeliveryIntervalMS <= 0 {
		c.Router.DeliveryIntervalMS = 100
	}
	if c.Router.SweepIntervalMS <= 0 {
		c.Router.SweepIntervalMS = 1000
	}
	if c.Router.MaxAttempts <= 0 {
		c.Router.MaxAttempts = 3
	}
	if c.Router.ResponseTimeoutSeconds <= 0 {
		c.Router.ResponseTimeoutSeconds = 30
	}
	if c.Registry.DefaultCapacity <= 0 {
		c.Registry.DefaultCapacity = 3
	}
	if c.Registry.CleanupIntervalMS <= 0 {
		c.Registry.CleanupIntervalMS = 60000
	}
	if c.Registry.InactiveThresholdMinutes <= 0 {
		c.Registry.InactiveThresholdMinutes = 30
	}
	if c.Modes.Default == "" {
		c.Modes.Default = "manual"
	}
	if c.Agents.InboxSize <= 0 {
		c.Agents.InboxSize = 64
	}
	if c.Agents.HeartbeatIntervalMS <= 0 {
		c.Agents.HeartbeatIntervalMS = 5000
	}
	if c.Agents.QualityThreshold <= 0 {
		c.Agents.QualityThreshold = 0.8
	}
	if c.Agents.StaticScore <= 0 {
		c.Agents.StaticScore = 1
	}
	if c.Analyzer.TimeoutSeconds <= 0 {
		c.Analyzer.TimeoutSeconds = 60
	}
	if c.Analyzer.AuthTokenEnv == "" {
		c.Analyzer.AuthTokenEnv = "CREWHUB_ANALYZER_TOKEN"
	}
	if c.Server.Addr == "" {
		c.Server.Addr = ":8092"
	}
	if c.Log.Level == "" {
		c.Log.Level = "info"
	}
}

func (r RouterConfig) DeliveryInterval() time.Duration {
	return time.Duration(r.DeliveryIntervalMS) * time.Millisecond
}

func (r RouterConfig) SweepInterval() time.Duration {
	return time.Duration(r.SweepIntervalMS) * time.Millisecond
}

func (r RouterConfig) ResponseTimeout() time.Duration {
	return time.Duration(r.ResponseTimeoutSeconds) * time.Second
}

func (r RegistryConfig) CleanupInterval() time.Duration {
	return time.Duration(r.CleanupIntervalMS) * time.Millisecond
}

func (r RegistryConfig) InactiveThreshold() time.Duration {
	return time.Duration(r.InactiveThresholdMinutes) * time.Minute
}

func (a AgentsConfig) HeartbeatInterval() time.Duration {
	return time.Duration(a.HeartbeatIntervalMS) * time.Millisecond
}

func (a AnalyzerConfig) Timeout() time.Duration {
	return time.Duration(a.TimeoutSeconds) * time.Second
}

// Load reads a TOML file, or YAML when the extension is .yaml or .yml. With
// an empty path the default location is tried and a missing file yields
// defaults.
func Load(path string) (Config, error) {
	explicit := path != ""
	resolved := path
	if resolved == "" {
		resolved = defaultConfigPath()
	}
	if strings.HasPrefix(resolved, "~") {
		home, err := os.UserHomeDir()
		if err != nil {
			return Config{}, fmt.Errorf("resolve home directory: %w", err)
		}
		trimmed := strings.TrimPrefix(resolved, "~")
		trimmed = strings.TrimPrefix(trimmed, "\\")
		trimmed = strings.TrimPrefix(trimmed, "/")
		resolved = filepath.Join(home, trimmed)
	}
	resolved = filepath.Clean(resolved)

	bytes, err := os.ReadFile(resolved)
	if err != nil {
		if !explicit && errors.Is(err, os.ErrNotExist) {
			return Default(), nil
		}
		return Config{}, fmt.Errorf("read config file %s: %w", resolved, err)
	}

	cfg, err := decode(resolved, bytes)
	if err != nil {
		return Config{}, err
	}
	cfg.Path = resolved
	cfg.applyDefaults()
	return cfg, nil
}

func decode(path string, data []byte) (Config, error) {
	var (
		cfg Config
		raw map[string]any
	)
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
	default:
		if _, err := toml.Decode(string(data), &cfg); err != nil {
			return Config{}, fmt.Errorf("decode config file: %w", err)
		}
		if _, err := toml.Decode(string(data), &raw); err != nil {
			return Config{}, fmt.Errorf("decode raw config: %w", err)
		}
	}
	cfg.Raw = raw
	return cfg, nil
}

func defaultConfigPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".crewhub/config.toml"
	}
	return filepath.Join(home, ".crewhub", "config.toml")
}

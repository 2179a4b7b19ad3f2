// Package config handles TOML configuration for anchor.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/BurntSushi/toml"
)

// Config is the root configuration structure.
type Config struct {
	Server       ServerConfig       `toml:"server"`
	Storage      StorageConfig      `toml:"storage"`
	WAL          WALConfig          `toml:"wal"`
	Engine       EngineConfig       `toml:"engine"`
	Orchestrator OrchestratorConfig `toml:"orchestrator"`
	AWS          AWSConfig          `toml:"aws"`
	DynConfig    DynConfigConfig    `toml:"dynconfig"`
	Veto         VetoConfig         `toml:"veto"`
	Notifier     NotifierConfig     `toml:"notifier"`
	OTEL         OTELConfig         `toml:"otel"`
	Log          LogConfig          `toml:"log"`
}

// ServerConfig holds the listen addresses.
type ServerConfig struct {
	Listen        string `toml:"listen"`
	MetricsListen string `toml:"metrics_listen"`
}

// StorageConfig holds resource store settings.
type StorageConfig struct {
	Dir string `toml:"dir"`
	// KeepRevisions is how many store revisions compaction retains.
	KeepRevisions   int64         `toml:"keep_revisions"`
	CompactInterval time.Duration `toml:"compact_interval"`
}

// WALConfig holds audit log settings.
type WALConfig struct {
	Dir           string `toml:"dir"`
	RetentionDays int    `toml:"retention_days"`
}

// Retention returns the retention as a duration.
func (w WALConfig) Retention() time.Duration {
	return time.Duration(w.RetentionDays) * 24 * time.Hour
}

// EngineConfig holds convergence settings.
type EngineConfig struct {
	Workers        int           `toml:"workers"`
	MaxRetries     int           `toml:"max_retries"`
	AttemptTimeout time.Duration `toml:"attempt_timeout"`
	SweepInterval  time.Duration `toml:"sweep_interval"`
}

// OrchestratorConfig holds the orchestration service client settings.
type OrchestratorConfig struct {
	BaseURL   string        `toml:"base_url"`
	Timeout   time.Duration `toml:"timeout"`
	RateLimit float64       `toml:"rate_limit"`
	Burst     int           `toml:"burst"`
	User      string        `toml:"user"`
}

// AWSConfig holds AWS provider settings.
type AWSConfig struct {
	DefaultRegion string          `toml:"default_region"`
	Accounts      []AccountConfig `toml:"accounts"`
	// VpcCacheTTL bounds how long VPC name/id lookups are cached.
	VpcCacheTTL time.Duration `toml:"vpc_cache_ttl"`
}

// AccountConfig maps an account name to its id and credentials profile.
type AccountConfig struct {
	Name    string `toml:"name"`
	ID      string `toml:"id"`
	Profile string `toml:"profile"`
}

// Dynamic configuration sources.
const (
	DynConfigFile         = "file"
	DynConfigLaunchDarkly = "launchdarkly"
)

// DynConfigConfig selects the dynamic flag source.
type DynConfigConfig struct {
	Source     string `toml:"source"`
	Path       string `toml:"path"`
	SDKKey     string `toml:"sdk_key"`
	ContextKey string `toml:"context_key"`
}

// VetoConfig configures the veto plugins.
type VetoConfig struct {
	FlagKey   string `toml:"flag_key"`
	PolicyDir string `toml:"policy_dir"`
}

// Notifier backends.
const (
	NotifierMemory = "memory"
	NotifierNATS   = "nats"
)

// NotifierConfig selects the event notifier.
type NotifierConfig struct {
	Type          string `toml:"type"`
	URL           string `toml:"url"`
	SubjectPrefix string `toml:"subject_prefix"`
}

// OTELConfig holds OpenTelemetry settings.
type OTELConfig struct {
	Endpoint    string        `toml:"endpoint"`
	Insecure    bool          `toml:"insecure"`
	ServiceName string        `toml:"service_name"`
	Traces      TracesConfig  `toml:"traces"`
	Metrics     MetricsConfig `toml:"metrics"`
}

// TracesConfig holds tracing settings.
type TracesConfig struct {
	Enabled    bool    `toml:"enabled"`
	SampleRate float64 `toml:"sample_rate"`
}

// MetricsConfig holds metrics settings.
type MetricsConfig struct {
	Enabled bool `toml:"enabled"`
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level  string `toml:"level"`
	Pretty bool   `toml:"pretty"`
}

// Load reads and parses a TOML config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read config file: %w", err)
	}

	cfg := &Config{}
	md, err := toml.Decode(string(data), cfg)
	if err != nil {
		return nil, fmt.Errorf("parse config: %w", err)
	}
	if undecoded := md.Undecoded(); len(undecoded) > 0 {
		return nil, fmt.Errorf("parse config: unknown key %q", undecoded[0].String())
	}

	applyDefaults(cfg)
	return cfg, nil
}

// Default returns a configuration with every default applied.
func Default() *Config {
	cfg := &Config{}
	applyDefaults(cfg)
	return cfg
}

func applyDefaults(cfg *Config) {
	if cfg.Server.Listen == "" {
		cfg.Server.Listen = ":8080"
	}
	if cfg.Server.MetricsListen == "" {
		cfg.Server.MetricsListen = ":9090"
	}
	if cfg.Storage.Dir == "" {
		cfg.Storage.Dir = "data"
	}
	if cfg.Storage.KeepRevisions == 0 {
		cfg.Storage.KeepRevisions = 1000
	}
	if cfg.Storage.CompactInterval == 0 {
		cfg.Storage.CompactInterval = time.Hour
	}
	if cfg.WAL.Dir == "" {
		cfg.WAL.Dir = "data/wal"
	}
	if cfg.WAL.RetentionDays == 0 {
		cfg.WAL.RetentionDays = 7
	}
	if cfg.Engine.Workers == 0 {
		cfg.Engine.Workers = 4
	}
	if cfg.Engine.MaxRetries == 0 {
		cfg.Engine.MaxRetries = 10
	}
	if cfg.Engine.AttemptTimeout == 0 {
		cfg.Engine.AttemptTimeout = 30 * time.Second
	}
	if cfg.Engine.SweepInterval == 0 {
		cfg.Engine.SweepInterval = 5 * time.Minute
	}
	if cfg.Orchestrator.Timeout == 0 {
		cfg.Orchestrator.Timeout = 10 * time.Second
	}
	if cfg.Orchestrator.User == "" {
		cfg.Orchestrator.User = "anchor"
	}
	if cfg.AWS.DefaultRegion == "" {
		cfg.AWS.DefaultRegion = "us-east-1"
	}
	if cfg.AWS.VpcCacheTTL == 0 {
		cfg.AWS.VpcCacheTTL = 10 * time.Minute
	}
	if cfg.DynConfig.Source == "" {
		cfg.DynConfig.Source = DynConfigFile
	}
	if cfg.DynConfig.Path == "" {
		cfg.DynConfig.Path = "flags.yaml"
	}
	if cfg.DynConfig.ContextKey == "" {
		cfg.DynConfig.ContextKey = "anchor"
	}
	if cfg.Veto.FlagKey == "" {
		cfg.Veto.FlagKey = "anchor.converge.enabled"
	}
	if cfg.Notifier.Type == "" {
		cfg.Notifier.Type = NotifierMemory
	}
	if cfg.Notifier.SubjectPrefix == "" {
		cfg.Notifier.SubjectPrefix = "anchor.resources"
	}
	if cfg.OTEL.ServiceName == "" {
		cfg.OTEL.ServiceName = "anchor"
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
}

// Validate checks the configuration is valid.
func (c *Config) Validate() error {
	var errs []error

	if c.Orchestrator.BaseURL == "" {
		errs = append(errs, errors.New("orchestrator: base_url is required"))
	}
	if c.Engine.Workers < 0 {
		errs = append(errs, fmt.Errorf("engine: workers must not be negative (got %d)", c.Engine.Workers))
	}
	if c.Engine.AttemptTimeout < 0 {
		errs = append(errs, errors.New("engine: attempt_timeout must not be negative"))
	}
	if c.Storage.KeepRevisions < 0 {
		errs = append(errs, errors.New("storage: keep_revisions must not be negative"))
	}
	if len(c.AWS.Accounts) == 0 {
		errs = append(errs, errors.New("aws: at least one account required"))
	}

	seen := make(map[string]bool, len(c.AWS.Accounts))
	for i, a := range c.AWS.Accounts {
		if a.Name == "" || a.ID == "" {
			errs = append(errs, fmt.Errorf("aws: accounts[%d] needs name and id", i))
			continue
		}
		if seen[a.Name] {
			errs = append(errs, fmt.Errorf("aws: duplicate account %q", a.Name))
		}
		seen[a.Name] = true
	}

	switch c.DynConfig.Source {
	case DynConfigFile:
	case DynConfigLaunchDarkly:
		if c.DynConfig.SDKKey == "" {
			errs = append(errs, errors.New("dynconfig: sdk_key is required for launchdarkly"))
		}
	default:
		errs = append(errs, fmt.Errorf("dynconfig: unknown source %q", c.DynConfig.Source))
	}

	switch c.Notifier.Type {
	case NotifierMemory, NotifierNATS:
	default:
		errs = append(errs, fmt.Errorf("notifier: unknown type %q", c.Notifier.Type))
	}

	if c.OTEL.Traces.SampleRate < 0.0 || c.OTEL.Traces.SampleRate > 1.0 {
		errs = append(errs, fmt.Errorf("otel: traces.sample_rate must be between 0.0 and 1.0 (got %v)", c.OTEL.Traces.SampleRate))
	}

	return errors.Join(errs...)
}

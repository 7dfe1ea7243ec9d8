// Package config loads grocsync settings from a YAML file, environment
// variables, and flags, in that order of increasing precedence.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

// Config is the full grocsync configuration.
type Config struct {
	// DataDir holds the queue database, spool, and logs.
	DataDir string `mapstructure:"data_dir" yaml:"data_dir"`

	// Store selects the queue backend: sqlite, file, or memory.
	Store string `mapstructure:"store" yaml:"store"`

	Remote    RemoteConfig    `mapstructure:"remote" yaml:"remote"`
	Queue     QueueConfig     `mapstructure:"queue" yaml:"queue"`
	Dashboard DashboardConfig `mapstructure:"dashboard" yaml:"dashboard"`
	Log       LogConfig       `mapstructure:"log" yaml:"log"`
}

// RemoteConfig points at the list authority.
type RemoteConfig struct {
	URL     string        `mapstructure:"url" yaml:"url"`
	Token   string        `mapstructure:"token" yaml:"token,omitempty"`
	Timeout time.Duration `mapstructure:"timeout" yaml:"timeout"`
}

// QueueConfig tunes dispatch and retry behavior.
type QueueConfig struct {
	MaxRetries     int           `mapstructure:"max_retries" yaml:"max_retries"`
	InitialBackoff time.Duration `mapstructure:"initial_backoff" yaml:"initial_backoff"`
	MaxBackoff     time.Duration `mapstructure:"max_backoff" yaml:"max_backoff"`
	MaxParallel    int           `mapstructure:"max_parallel" yaml:"max_parallel"`
	PendingCap     int           `mapstructure:"pending_cap" yaml:"pending_cap"`
	Retention      time.Duration `mapstructure:"retention" yaml:"retention"`
}

// DashboardConfig tunes the WebSocket dashboard.
type DashboardConfig struct {
	Enabled bool `mapstructure:"enabled" yaml:"enabled"`
	Port    int  `mapstructure:"port" yaml:"port"`
}

// LogConfig tunes the rotating daemon log.
type LogConfig struct {
	File       string `mapstructure:"file" yaml:"file,omitempty"`
	MaxSizeMB  int    `mapstructure:"max_size_mb" yaml:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups" yaml:"max_backups"`
}

// Default returns the configuration used when no file is present.
func Default() *Config {
	home, err := os.UserHomeDir()
	if err != nil {
		home = "."
	}
	return &Config{
		DataDir: filepath.Join(home, ".grocsync"),
		Store:   "sqlite",
		Remote: RemoteConfig{
			URL:     "http://localhost:8090",
			Timeout: 30 * time.Second,
		},
		Queue: QueueConfig{
			MaxRetries:     5,
			InitialBackoff: time.Second,
			MaxBackoff:     60 * time.Second,
			MaxParallel:    10,
			PendingCap:     500,
			Retention:      24 * time.Hour,
		},
		Dashboard: DashboardConfig{
			Enabled: true,
			Port:    7341,
		},
		Log: LogConfig{
			MaxSizeMB:  10,
			MaxBackups: 3,
		},
	}
}

// Load reads configuration from path (or the default search locations when
// path is empty), layered over Default. Environment variables prefixed
// GROCSYNC_ override file values.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix("GROCSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	cfg := Default()
	setDefaults(v, cfg)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	} else {
		v.SetConfigName("config")
		v.AddConfigPath(cfg.DataDir)
		v.AddConfigPath(".")
		if err := v.ReadInConfig(); err != nil {
			var notFound viper.ConfigFileNotFoundError
			if !errorsAs(err, &notFound) {
				return nil, fmt.Errorf("failed to read config: %w", err)
			}
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// errorsAs wraps errors.As so the viper type assertion reads cleanly.
func errorsAs(err error, target *viper.ConfigFileNotFoundError) bool {
	if e, ok := err.(viper.ConfigFileNotFoundError); ok {
		*target = e
		return true
	}
	return false
}

func setDefaults(v *viper.Viper, cfg *Config) {
	v.SetDefault("data_dir", cfg.DataDir)
	v.SetDefault("store", cfg.Store)
	v.SetDefault("remote.url", cfg.Remote.URL)
	v.SetDefault("remote.token", cfg.Remote.Token)
	v.SetDefault("remote.timeout", cfg.Remote.Timeout)
	v.SetDefault("queue.max_retries", cfg.Queue.MaxRetries)
	v.SetDefault("queue.initial_backoff", cfg.Queue.InitialBackoff)
	v.SetDefault("queue.max_backoff", cfg.Queue.MaxBackoff)
	v.SetDefault("queue.max_parallel", cfg.Queue.MaxParallel)
	v.SetDefault("queue.pending_cap", cfg.Queue.PendingCap)
	v.SetDefault("queue.retention", cfg.Queue.Retention)
	v.SetDefault("dashboard.enabled", cfg.Dashboard.Enabled)
	v.SetDefault("dashboard.port", cfg.Dashboard.Port)
	v.SetDefault("log.file", cfg.Log.File)
	v.SetDefault("log.max_size_mb", cfg.Log.MaxSizeMB)
	v.SetDefault("log.max_backups", cfg.Log.MaxBackups)
}

// Validate rejects configurations the daemon cannot run with.
func (c *Config) Validate() error {
	switch c.Store {
	case "sqlite", "file", "memory":
	default:
		return fmt.Errorf("unknown store backend %q (want sqlite, file, or memory)", c.Store)
	}
	if c.Remote.URL == "" {
		return fmt.Errorf("remote.url is required")
	}
	if c.Queue.MaxParallel < 1 {
		return fmt.Errorf("queue.max_parallel must be at least 1")
	}
	if c.Queue.PendingCap < 1 {
		return fmt.Errorf("queue.pending_cap must be at least 1")
	}
	return nil
}

// StorePath returns where the selected backend keeps its data.
func (c *Config) StorePath() string {
	switch c.Store {
	case "file":
		return filepath.Join(c.DataDir, "queue.json")
	default:
		return filepath.Join(c.DataDir, "queue.db")
	}
}

// SpoolDir returns the mutation spool directory.
func (c *Config) SpoolDir() string {
	return filepath.Join(c.DataDir, "spool")
}

// LogFile returns the daemon log path, honoring an explicit override.
func (c *Config) LogFile() string {
	if c.Log.File != "" {
		return c.Log.File
	}
	return filepath.Join(c.DataDir, "grocsync.log")
}

// Write saves the configuration as YAML at path, creating the parent
// directory if needed.
func (c *Config) Write(path string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}
	data, err := yaml.Marshal(c)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}
	if err := os.WriteFile(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

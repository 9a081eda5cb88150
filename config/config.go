// Package config loads the relay daemon configuration from an optional
// YAML file with HUSHRELAY_* environment overrides on top. Precedence is
// environment over file over defaults.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds every daemon tunable.
type Config struct {
	// ListenAddr is the HTTP/WebSocket bind address.
	ListenAddr string `yaml:"listen_addr"`
	// DatabasePath is the SQLite file holding all durable state.
	DatabasePath string `yaml:"database_path"`
	// RetentionWindow is how long undelivered messages are kept.
	RetentionWindow time.Duration `yaml:"retention_window"`
	// SweepInterval is how often expired messages are purged.
	SweepInterval time.Duration `yaml:"sweep_interval"`
	// StoreTimeout bounds each durable-store operation.
	StoreTimeout time.Duration `yaml:"store_timeout"`
	// OutboundQueueSize bounds each connection's outbound push queue;
	// overflow drops the oldest pending frame.
	OutboundQueueSize int `yaml:"outbound_queue_size"`
	// LogLevel is a logrus level name (debug, info, warn, error).
	LogLevel string `yaml:"log_level"`
	// LogJSON switches logging from text to JSON output.
	LogJSON bool `yaml:"log_json"`
}

// Default returns the configuration used when nothing is specified.
func Default() Config {
	return Config{
		ListenAddr:        ":8089",
		DatabasePath:      "hushrelay.db",
		RetentionWindow:   24 * time.Hour,
		SweepInterval:     time.Hour,
		StoreTimeout:      5 * time.Second,
		OutboundQueueSize: 256,
		LogLevel:          "info",
	}
}

// Load builds the effective configuration. path may be empty, in which
// case only defaults and environment apply; a missing file at an explicit
// path is an error.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config file: %w", err)
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return Config{}, fmt.Errorf("parse config file: %w", err)
		}
	}

	if err := cfg.applyEnv(); err != nil {
		return Config{}, err
	}
	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c *Config) applyEnv() error {
	if v := os.Getenv("HUSHRELAY_LISTEN_ADDR"); v != "" {
		c.ListenAddr = v
	}
	if v := os.Getenv("HUSHRELAY_DATABASE_PATH"); v != "" {
		c.DatabasePath = v
	}
	if v := os.Getenv("HUSHRELAY_LOG_LEVEL"); v != "" {
		c.LogLevel = v
	}
	if v := os.Getenv("HUSHRELAY_LOG_JSON"); v != "" {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return fmt.Errorf("parse HUSHRELAY_LOG_JSON: %w", err)
		}
		c.LogJSON = b
	}
	for _, e := range []struct {
		name string
		dst  *time.Duration
	}{
		{"HUSHRELAY_RETENTION_WINDOW", &c.RetentionWindow},
		{"HUSHRELAY_SWEEP_INTERVAL", &c.SweepInterval},
		{"HUSHRELAY_STORE_TIMEOUT", &c.StoreTimeout},
	} {
		if v := os.Getenv(e.name); v != "" {
			d, err := time.ParseDuration(v)
			if err != nil {
				return fmt.Errorf("parse %s: %w", e.name, err)
			}
			*e.dst = d
		}
	}
	if v := os.Getenv("HUSHRELAY_OUTBOUND_QUEUE_SIZE"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			return fmt.Errorf("parse HUSHRELAY_OUTBOUND_QUEUE_SIZE: %w", err)
		}
		c.OutboundQueueSize = n
	}
	return nil
}

func (c *Config) validate() error {
	if c.ListenAddr == "" {
		return fmt.Errorf("listen_addr must not be empty")
	}
	if c.DatabasePath == "" {
		return fmt.Errorf("database_path must not be empty")
	}
	if c.RetentionWindow < 0 {
		return fmt.Errorf("retention_window must not be negative")
	}
	if c.SweepInterval <= 0 {
		return fmt.Errorf("sweep_interval must be positive")
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("store_timeout must be positive")
	}
	if c.OutboundQueueSize <= 0 {
		return fmt.Errorf("outbound_queue_size must be positive")
	}
	return nil
}

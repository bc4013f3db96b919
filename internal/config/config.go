// Copyright 2025 Joseph Cumines
//
// Permission to use, copy, modify, and distribute this software for any
// purpose with or without fee is hereby granted, provided that this copyright
// notice appears in all copies.

// Package config loads the daemon configuration: defaults, then an optional
// YAML file, then DEVRT_* environment variables.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/joeshaw/envdecode"
	"github.com/joeycumines/logiface"
	"gopkg.in/yaml.v3"
)

type (
	// Config is the daemon configuration.
	Config struct {
		Log      Log           `yaml:"log"`
		Metrics  Metrics       `yaml:"metrics"`
		Monitor  Monitor       `yaml:"monitor"`
		Shutdown time.Duration `yaml:"shutdown_timeout" env:"DEVRT_SHUTDOWN_TIMEOUT"`
	}

	// Log configures the process logger.
	Log struct {
		// Level is a syslog keyword, e.g. "info" or "debug".
		Level string `yaml:"level" env:"DEVRT_LOG_LEVEL"`
	}

	// Metrics configures the Prometheus endpoint.
	Metrics struct {
		// Addr is the listen address. Empty disables the endpoint.
		Addr      string `yaml:"addr" env:"DEVRT_METRICS_ADDR"`
		Path      string `yaml:"path" env:"DEVRT_METRICS_PATH"`
		Namespace string `yaml:"namespace" env:"DEVRT_METRICS_NAMESPACE"`
	}

	// Monitor configures the temperature monitor.
	Monitor struct {
		// ThermalRoot is the thermal zone directory.
		ThermalRoot  string        `yaml:"thermal_root" env:"DEVRT_THERMAL_ROOT"`
		PollInterval time.Duration `yaml:"poll_interval" env:"DEVRT_POLL_INTERVAL"`
		Sensors      []Sensor      `yaml:"sensors"`
	}

	// Sensor names a sensor to monitor and its thresholds, in degrees
	// Celsius.
	Sensor struct {
		Name       string           `yaml:"name"`
		Thresholds map[string]int32 `yaml:"thresholds"`
	}
)

// Default returns the configuration used where neither the file nor the
// environment sets a value.
func Default() Config {
	return Config{
		Log: Log{Level: "info"},
		Metrics: Metrics{
			Addr:      ":9464",
			Path:      "/metrics",
			Namespace: "devrt",
		},
		Monitor: Monitor{
			ThermalRoot:  "/sys/class/thermal",
			PollInterval: time.Second,
		},
		Shutdown: 5 * time.Second,
	}
}

// Load returns the configuration from path (skipped if empty) and the
// environment, over [Default].
func Load(path string) (Config, error) {
	cfg := Default()
	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("config: read %s: %w", path, err)
		}
		if err := Parse(b, &cfg); err != nil {
			return Config{}, fmt.Errorf("config: %s: %w", path, err)
		}
	}
	if err := envdecode.Decode(&cfg); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return Config{}, fmt.Errorf("config: environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Parse decodes YAML into cfg, rejecting unknown fields.
func Parse(b []byte, cfg *Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}

// Validate checks the configuration is usable.
func (c Config) Validate() error {
	if _, err := ParseLevel(c.Log.Level); err != nil {
		return err
	}
	if c.Shutdown <= 0 {
		return fmt.Errorf("config: shutdown_timeout must be positive, got %v", c.Shutdown)
	}
	if c.Monitor.PollInterval <= 0 {
		return fmt.Errorf("config: monitor.poll_interval must be positive, got %v", c.Monitor.PollInterval)
	}
	if c.Metrics.Addr != "" && !strings.HasPrefix(c.Metrics.Path, "/") {
		return fmt.Errorf("config: metrics.path must start with /, got %q", c.Metrics.Path)
	}
	seen := make(map[string]bool, len(c.Monitor.Sensors))
	for i, s := range c.Monitor.Sensors {
		if s.Name == "" {
			return fmt.Errorf("config: monitor.sensors[%d]: name is required", i)
		}
		if seen[s.Name] {
			return fmt.Errorf("config: monitor.sensors[%d]: duplicate sensor %q", i, s.Name)
		}
		seen[s.Name] = true
	}
	return nil
}

// ParseLevel maps a syslog keyword, as printed by [logiface.Level.String],
// to its level. Common aliases such as "warn" are also accepted.
func ParseLevel(s string) (logiface.Level, error) {
	switch s = strings.ToLower(strings.TrimSpace(s)); s {
	case "warn":
		return logiface.LevelWarning, nil
	case "error":
		return logiface.LevelError, nil
	case "information":
		return logiface.LevelInformational, nil
	}
	for l := logiface.LevelDisabled; l <= logiface.LevelTrace; l++ {
		if l.String() == s {
			return l, nil
		}
	}
	return 0, fmt.Errorf("config: unknown log level %q", s)
}

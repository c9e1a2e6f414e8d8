// Package config loads the reshape server configuration.
//
// Settings are resolved in order: built-in defaults, an optional YAML file,
// then RESHAPE_* environment variables. Command-line flags are applied on top
// by the caller.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"

	"github.com/VanDung-dev/Reshape-Engine/reshape-engine/monitoring"
	"gopkg.in/yaml.v3"
)

// ErrInvalidConfig is returned by Validate.
var ErrInvalidConfig = errors.New("invalid config")

// Config is the configuration of the reshape server.
type Config struct {
	// Listen addresses. An empty address disables that listener.
	TCPAddr     string `yaml:"tcp_addr"`
	FlightAddr  string `yaml:"flight_addr"`
	ZmqAddr     string `yaml:"zmq_addr"`
	MetricsAddr string `yaml:"metrics_addr"`

	Workers   int `yaml:"workers"`
	QueueSize int `yaml:"queue_size"`

	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"`

	Auth AuthConfig `yaml:"auth"`
}

// AuthConfig configures token authentication.
type AuthConfig struct {
	Enabled bool   `yaml:"enabled"`
	Token   string `yaml:"token"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		TCPAddr:     ":50051",
		FlightAddr:  ":50052",
		ZmqAddr:     "",
		MetricsAddr: ":9090",
		Workers:     4,
		QueueSize:   1000,
		LogLevel:    "info",
		LogFormat:   monitoring.FormatLogfmt,
	}
}

// Load reads the defaults, the YAML file at path when path is not empty, and
// the environment overrides.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		buf, err := os.ReadFile(filepath.Clean(path))
		if err != nil {
			return cfg, fmt.Errorf("error reading config file: %w", err)
		}
		if err := yaml.Unmarshal(buf, &cfg); err != nil {
			return cfg, fmt.Errorf("error parsing config file %s: %w", path, err)
		}
	}

	if err := cfg.ApplyEnv(os.LookupEnv); err != nil {
		return cfg, err
	}
	return cfg, nil
}

// ApplyEnv overrides settings from RESHAPE_* variables found by lookup.
func (c *Config) ApplyEnv(lookup func(string) (string, bool)) error {
	strs := map[string]*string{
		"RESHAPE_TCP_ADDR":     &c.TCPAddr,
		"RESHAPE_FLIGHT_ADDR":  &c.FlightAddr,
		"RESHAPE_ZMQ_ADDR":     &c.ZmqAddr,
		"RESHAPE_METRICS_ADDR": &c.MetricsAddr,
		"RESHAPE_LOG_LEVEL":    &c.LogLevel,
		"RESHAPE_LOG_FORMAT":   &c.LogFormat,
		"RESHAPE_AUTH_TOKEN":   &c.Auth.Token,
	}
	for name, dst := range strs {
		if v, ok := lookup(name); ok {
			*dst = v
		}
	}

	ints := map[string]*int{
		"RESHAPE_WORKERS":    &c.Workers,
		"RESHAPE_QUEUE_SIZE": &c.QueueSize,
	}
	for name, dst := range ints {
		if v, ok := lookup(name); ok {
			n, err := strconv.Atoi(v)
			if err != nil {
				return fmt.Errorf("%w: %s: %v", ErrInvalidConfig, name, err)
			}
			*dst = n
		}
	}

	if v, ok := lookup("RESHAPE_AUTH_ENABLED"); ok {
		c.Auth.Enabled = v == "true" || v == "1"
	}
	return nil
}

// Validate checks the configuration.
func (c *Config) Validate() error {
	if c.Workers <= 0 {
		return fmt.Errorf("%w: workers must be positive, got %d", ErrInvalidConfig, c.Workers)
	}
	if c.QueueSize < 0 {
		return fmt.Errorf("%w: queue_size must not be negative, got %d", ErrInvalidConfig, c.QueueSize)
	}
	if !slices.Contains(monitoring.Levels, c.LogLevel) {
		return fmt.Errorf("%w: unknown log level %q", ErrInvalidConfig, c.LogLevel)
	}
	if c.LogFormat != monitoring.FormatLogfmt && c.LogFormat != monitoring.FormatJSON {
		return fmt.Errorf("%w: unknown log format %q", ErrInvalidConfig, c.LogFormat)
	}
	if c.TCPAddr == "" && c.FlightAddr == "" && c.ZmqAddr == "" {
		return fmt.Errorf("%w: no listener configured", ErrInvalidConfig)
	}
	return nil
}

// Copyright (c) Abstract Machines
// SPDX-License-Identifier: Apache-2.0

// Package omniport holds the service configuration of the OmniPort port
// multiplexer.
package omniport

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	perrors "github.com/threefour/omniport/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config holds the service configuration.
type Config struct {
	FrontPorts     []int         `env:"FRONT_PORTS"     envDefault:"25566,25567,25568,25569" envSeparator:","`
	BindHost       string        `env:"BIND_HOST"       envDefault:""`
	BackendHost    string        `env:"BACKEND_HOST"    envDefault:"127.0.0.1"`
	BackendPort    int           `env:"BACKEND_PORT"    envDefault:"25565"`
	TimeoutMs      int           `env:"TIMEOUT_MS"      envDefault:"30000"`
	MaxConnections int           `env:"MAX_CONNECTIONS" envDefault:"100"`
	DialTimeout    time.Duration `env:"DIAL_TIMEOUT"    envDefault:"5s"`
	BufferSize     int           `env:"BUFFER_SIZE"     envDefault:"8192"`
	ProxyProtocol  bool          `env:"PROXY_PROTOCOL"  envDefault:"false"`
	ResolveNames   bool          `env:"RESOLVE_NAMES"   envDefault:"false"`
	Debug          bool          `env:"DEBUG"           envDefault:"false"`

	// Observability
	LogLevel        string        `env:"LOG_LEVEL"        envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT"       envDefault:"json"`
	AdminAddr       string        `env:"ADMIN_ADDR"       envDefault:"127.0.0.1:8080"`
	MetricsAddr     string        `env:"METRICS_ADDR"     envDefault:":9090"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// Circuit Breaker
	BreakerEnabled      bool          `env:"BREAKER_ENABLED"       envDefault:"false"`
	BreakerMaxFailures  int           `env:"BREAKER_MAX_FAILURES"  envDefault:"5"`
	BreakerResetTimeout time.Duration `env:"BREAKER_RESET_TIMEOUT" envDefault:"30s"`

	// Registry mirror
	RedisAddr     string        `env:"REDIS_ADDR"     envDefault:""`
	RedisPassword string        `env:"REDIS_PASSWORD" envDefault:""`
	RedisDB       int           `env:"REDIS_DB"       envDefault:"0"`
	RedisKeyTTL   time.Duration `env:"REDIS_KEY_TTL"  envDefault:"1h"`

	ConfigFile string `env:"CONFIG_FILE" envDefault:""`
}

// fileConfig is the shape of the YAML overlay.
type fileConfig struct {
	Ports      []int `yaml:"ports"`
	Connection struct {
		Timeout        *int `yaml:"timeout"`
		MaxConnections *int `yaml:"max-connections"`
	} `yaml:"connection"`
	Debug *bool `yaml:"debug"`
}

// NewConfig parses the environment, then applies the YAML file named by
// CONFIG_FILE on top of it, and validates the result.
func NewConfig(opts env.Options) (Config, error) {
	c := Config{}
	if err := env.ParseWithOptions(&c, opts); err != nil {
		return Config{}, err
	}

	if c.ConfigFile != "" {
		if err := c.LoadFile(c.ConfigFile); err != nil {
			return Config{}, err
		}
	}

	if err := c.Validate(); err != nil {
		return Config{}, err
	}
	return c, nil
}

// LoadFile overrides c with the values present in the YAML file at path.
func (c *Config) LoadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("failed to read config file: %w", err)
	}

	var fc fileConfig
	if err := yaml.Unmarshal(data, &fc); err != nil {
		return fmt.Errorf("failed to parse config file %s: %w", path, err)
	}

	if len(fc.Ports) > 0 {
		c.FrontPorts = fc.Ports
	}
	if fc.Connection.Timeout != nil {
		c.TimeoutMs = *fc.Connection.Timeout
	}
	if fc.Connection.MaxConnections != nil {
		c.MaxConnections = *fc.Connection.MaxConnections
	}
	if fc.Debug != nil {
		c.Debug = *fc.Debug
	}
	return nil
}

// Validate checks ports and limits.
func (c Config) Validate() error {
	var errs []error
	for _, p := range c.FrontPorts {
		if !validPort(p) {
			errs = append(errs, fmt.Errorf("front port %d out of range", p))
		}
	}
	if !validPort(c.BackendPort) {
		errs = append(errs, fmt.Errorf("backend port %d out of range", c.BackendPort))
	}
	if c.TimeoutMs <= 0 {
		errs = append(errs, fmt.Errorf("timeout must be positive, got %d ms", c.TimeoutMs))
	}
	if c.MaxConnections <= 0 {
		errs = append(errs, fmt.Errorf("max connections must be positive, got %d", c.MaxConnections))
	}
	if c.BufferSize < 0 {
		errs = append(errs, fmt.Errorf("buffer size must not be negative, got %d", c.BufferSize))
	}
	if len(errs) > 0 {
		return fmt.Errorf("%w: %w", perrors.ErrInvalidConfig, errors.Join(errs...))
	}
	return nil
}

// IdleTimeout returns the client idle timeout.
func (c Config) IdleTimeout() time.Duration {
	return time.Duration(c.TimeoutMs) * time.Millisecond
}

func validPort(p int) bool {
	return p >= 1 && p <= 65535
}

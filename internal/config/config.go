// SPDX-License-Identifier: MIT

// Package config loads the evbus daemon configuration with the precedence
// ENV > file > defaults. The YAML file is parsed strictly: unknown keys are
// rejected so typos fail at startup instead of silently falling back.
package config

import (
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/telemetry"
	"github.com/evergrid/evbus/pkg/evbus"
)

// Config is the effective daemon configuration after defaults, file and
// environment have been merged.
type Config struct {
	// Adapter selects the bus transport: memory, pubsub, broker or noop.
	Adapter string
	// Source is the service name stamped into published envelopes.
	Source string
	// LogLevel is a zerolog level name (debug, info, warn, error).
	LogLevel string
	// ListenAddr is the ops HTTP listen address for /healthz, /readyz
	// and /metrics.
	ListenAddr string
	// Version is the binary version, stamped by the loader.
	Version string

	Memory    MemorySettings
	Redis     RedisSettings
	AMQP      AMQPSettings
	Telemetry TelemetrySettings
}

// MemorySettings parameterizes the in-process adapter.
type MemorySettings struct {
	QueueSize  int
	RetryDelay time.Duration
}

// RedisSettings parameterizes the Redis pub/sub adapter. URL, when set,
// overrides the discrete fields.
type RedisSettings struct {
	URL       string
	Host      string
	Port      int
	Password  string
	DB        int
	KeyPrefix string
}

// AMQPSettings parameterizes the durable broker adapter. URL, when set,
// overrides the discrete fields.
type AMQPSettings struct {
	URL                string
	Host               string
	Port               int
	Username           string
	Password           string
	VHost              string
	Exchange           string
	DeadLetterExchange string
	Prefetch           int
	MaxRetries         int
}

// TelemetrySettings parameterizes the OpenTelemetry trace provider.
type TelemetrySettings struct {
	Enabled      bool
	ExporterType string
	Endpoint     string
	SamplingRate float64
	Environment  string
}

func defaults() Config {
	return Config{
		Adapter:    evbus.TypeMemory,
		Source:     "evbus",
		LogLevel:   "info",
		ListenAddr: ":8080",
		Telemetry: TelemetrySettings{
			ExporterType: "grpc",
			Endpoint:     "localhost:4317",
			SamplingRate: 1.0,
			Environment:  "development",
		},
	}
}

// Bus maps the daemon configuration onto the bus factory configuration.
func (c Config) Bus() evbus.Config {
	return evbus.Config{
		Adapter: c.Adapter,
		Source:  c.Source,
		Memory: evbus.MemoryConfig{
			QueueSize:  c.Memory.QueueSize,
			RetryDelay: c.Memory.RetryDelay,
		},
		Redis: evbus.RedisConfig{
			URL:       c.Redis.URL,
			Host:      c.Redis.Host,
			Port:      c.Redis.Port,
			Password:  c.Redis.Password,
			DB:        c.Redis.DB,
			KeyPrefix: c.Redis.KeyPrefix,
		},
		AMQP: evbus.AMQPConfig{
			URL:                c.AMQP.URL,
			Host:               c.AMQP.Host,
			Port:               c.AMQP.Port,
			Username:           c.AMQP.Username,
			Password:           c.AMQP.Password,
			VHost:              c.AMQP.VHost,
			Exchange:           c.AMQP.Exchange,
			DeadLetterExchange: c.AMQP.DeadLetterExchange,
			Prefetch:           c.AMQP.Prefetch,
			MaxRetries:         c.AMQP.MaxRetries,
		},
	}
}

// Tracing maps the daemon configuration onto the telemetry provider
// configuration.
func (c Config) Tracing() telemetry.Config {
	return telemetry.Config{
		Enabled:        c.Telemetry.Enabled,
		ServiceName:    c.Source,
		ServiceVersion: c.Version,
		Environment:    c.Telemetry.Environment,
		ExporterType:   c.Telemetry.ExporterType,
		Endpoint:       c.Telemetry.Endpoint,
		SamplingRate:   c.Telemetry.SamplingRate,
	}
}

// Validate checks the merged configuration and returns an error naming the
// offending field. It is called by the daemon after Load and by ConfigHolder
// before swapping in a reloaded configuration.
func Validate(cfg Config) error {
	switch cfg.Adapter {
	case evbus.TypeMemory, evbus.TypePubSub, evbus.TypeBroker, evbus.TypeNoop:
	default:
		return fmt.Errorf("adapter: unknown value %q (must be one of memory, pubsub, broker, noop)", cfg.Adapter)
	}

	if strings.TrimSpace(cfg.Source) == "" {
		return fmt.Errorf("source: must not be empty")
	}

	if cfg.LogLevel != "" {
		if _, err := zerolog.ParseLevel(cfg.LogLevel); err != nil {
			return fmt.Errorf("logLevel: %w", err)
		}
	}

	if err := validateListenAddr(cfg.ListenAddr); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	if cfg.Memory.QueueSize < 0 {
		return fmt.Errorf("memory.queueSize: must be >= 0, got %d", cfg.Memory.QueueSize)
	}
	if cfg.Memory.RetryDelay < 0 {
		return fmt.Errorf("memory.retryDelay: must be >= 0, got %s", cfg.Memory.RetryDelay)
	}

	if err := validateURL(cfg.Redis.URL, "redis", "rediss"); err != nil {
		return fmt.Errorf("redis.url: %w", err)
	}
	if err := validatePort(cfg.Redis.Port); err != nil {
		return fmt.Errorf("redis.port: %w", err)
	}
	if cfg.Redis.DB < 0 {
		return fmt.Errorf("redis.db: must be >= 0, got %d", cfg.Redis.DB)
	}

	if err := validateURL(cfg.AMQP.URL, "amqp", "amqps"); err != nil {
		return fmt.Errorf("amqp.url: %w", err)
	}
	if err := validatePort(cfg.AMQP.Port); err != nil {
		return fmt.Errorf("amqp.port: %w", err)
	}
	if cfg.AMQP.Prefetch < 0 {
		return fmt.Errorf("amqp.prefetch: must be >= 0, got %d", cfg.AMQP.Prefetch)
	}
	if cfg.AMQP.MaxRetries < 0 {
		return fmt.Errorf("amqp.maxRetries: must be >= 0, got %d", cfg.AMQP.MaxRetries)
	}

	switch cfg.Telemetry.ExporterType {
	case "", "grpc", "http":
	default:
		return fmt.Errorf("telemetry.exporter: unknown value %q (must be grpc or http)", cfg.Telemetry.ExporterType)
	}
	if cfg.Telemetry.SamplingRate < 0 || cfg.Telemetry.SamplingRate > 1 {
		return fmt.Errorf("telemetry.samplingRate: must be in [0, 1], got %g", cfg.Telemetry.SamplingRate)
	}
	if cfg.Telemetry.Enabled && strings.TrimSpace(cfg.Telemetry.Endpoint) == "" {
		return fmt.Errorf("telemetry.endpoint: must be set when telemetry is enabled")
	}

	return nil
}

func validateListenAddr(addr string) error {
	if strings.TrimSpace(addr) == "" {
		return fmt.Errorf("must not be empty")
	}
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid address %q: %w", addr, err)
	}
	n, err := strconv.Atoi(port)
	if err != nil || n < 0 || n > 65535 {
		return fmt.Errorf("invalid port %q", port)
	}
	return nil
}

func validatePort(port int) error {
	if port < 0 || port > 65535 {
		return fmt.Errorf("must be in [0, 65535], got %d", port)
	}
	return nil
}

func validateURL(raw string, schemes ...string) error {
	if raw == "" {
		return nil
	}
	for _, s := range schemes {
		if strings.HasPrefix(raw, s+"://") {
			return nil
		}
	}
	return fmt.Errorf("invalid scheme in %q (must be one of %s)", maskURL(raw), strings.Join(schemes, ", "))
}

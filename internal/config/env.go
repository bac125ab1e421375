// SPDX-License-Identifier: MIT

package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
)

// ParseString reads a string from environment variable or returns default value.
// It logs the source (environment or default) for observability.
func ParseString(key, defaultValue string) string {
	return parseStringWithLogger(log.WithComponent("config"), key, defaultValue)
}

// parseStringWithLogger reads an environment variable with custom logger.
func parseStringWithLogger(logger zerolog.Logger, key, defaultValue string) string {
	if value, exists := os.LookupEnv(key); exists {
		lowerKey := strings.ToLower(key)
		switch {
		case strings.Contains(lowerKey, "token") || strings.Contains(lowerKey, "password"):
			// For sensitive vars, just log that it was set
			logger.Debug().
				Str("key", key).
				Str("source", "environment").
				Bool("sensitive", true).
				Msg("using environment variable")
		case value == "":
			logger.Debug().
				Str("key", key).
				Str("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		default:
			logger.Debug().
				Str("key", key).
				Str("value", value).
				Str("source", "environment").
				Msg("using environment variable")
		}
		return value
	}
	logger.Debug().
		Str("key", key).
		Str("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseInt reads an integer from environment variable or returns default value.
// It validates the input and falls back to default on parse errors.
func ParseInt(key string, defaultValue int) int {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			logger.Debug().
				Str("key", key).
				Int("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		}
		if i, err := strconv.Atoi(v); err == nil {
			logger.Debug().
				Str("key", key).
				Int("value", i).
				Str("source", "environment").
				Msg("using environment variable")
			return i
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Int("default", defaultValue).
			Msg("invalid integer in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Int("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseDuration reads a duration from environment variable in Go duration format (e.g. "5s").
// It falls back to default on parse errors or empty variables and logs the choice.
func ParseDuration(key string, defaultValue time.Duration) time.Duration {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			logger.Debug().
				Str("key", key).
				Dur("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		}
		if d, err := time.ParseDuration(v); err == nil {
			logger.Debug().
				Str("key", key).
				Dur("value", d).
				Str("source", "environment").
				Msg("using environment variable")
			return d
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Dur("default", defaultValue).
			Msg("invalid duration in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Dur("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseBool reads a boolean from environment variable or returns default value.
// It accepts "true", "false", "1", "0", "yes", "no" (case-insensitive).
func ParseBool(key string, defaultValue bool) bool {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			logger.Debug().
				Str("key", key).
				Bool("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		}
		lowerV := strings.ToLower(v)
		switch lowerV {
		case "true", "1", "yes":
			logger.Debug().
				Str("key", key).
				Bool("value", true).
				Str("source", "environment").
				Msg("using environment variable")
			return true
		case "false", "0", "no":
			logger.Debug().
				Str("key", key).
				Bool("value", false).
				Str("source", "environment").
				Msg("using environment variable")
			return false
		default:
			logger.Warn().
				Str("key", key).
				Str("value", v).
				Bool("default", defaultValue).
				Msg("invalid boolean in environment variable, using default")
			return defaultValue
		}
	}
	logger.Debug().
		Str("key", key).
		Bool("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// ParseFloat reads a float64 from environment variable or returns default value.
func ParseFloat(key string, defaultValue float64) float64 {
	logger := log.WithComponent("config")
	if v, ok := os.LookupEnv(key); ok {
		if v == "" {
			logger.Debug().
				Str("key", key).
				Float64("default", defaultValue).
				Str("source", "default").
				Msg("using default value (environment variable is empty)")
			return defaultValue
		}
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			logger.Debug().
				Str("key", key).
				Float64("value", f).
				Str("source", "environment").
				Msg("using environment variable")
			return f
		}
		logger.Warn().
			Str("key", key).
			Str("value", v).
			Float64("default", defaultValue).
			Msg("invalid float in environment variable, using default")
		return defaultValue
	}
	logger.Debug().
		Str("key", key).
		Float64("default", defaultValue).
		Str("source", "default").
		Msg("using default value")
	return defaultValue
}

// expandEnv expands environment variables in the format ${VAR} or $VAR
func expandEnv(s string) string {
	return os.ExpandEnv(s)
}

// applyEnv overrides cfg with EVBUS_* environment variables. The current
// value is passed as the default so unset variables leave file and default
// values untouched.
func applyEnv(cfg *Config) {
	cfg.Adapter = ParseString("EVBUS_ADAPTER", cfg.Adapter)
	cfg.Source = ParseString("EVBUS_SOURCE", cfg.Source)
	cfg.LogLevel = ParseString("EVBUS_LOG_LEVEL", cfg.LogLevel)
	cfg.ListenAddr = ParseString("EVBUS_LISTEN", cfg.ListenAddr)

	cfg.Memory.QueueSize = ParseInt("EVBUS_MEMORY_QUEUE_SIZE", cfg.Memory.QueueSize)
	cfg.Memory.RetryDelay = ParseDuration("EVBUS_MEMORY_RETRY_DELAY", cfg.Memory.RetryDelay)

	cfg.Redis.URL = ParseString("EVBUS_REDIS_URL", cfg.Redis.URL)
	cfg.Redis.Host = ParseString("EVBUS_REDIS_HOST", cfg.Redis.Host)
	cfg.Redis.Port = ParseInt("EVBUS_REDIS_PORT", cfg.Redis.Port)
	cfg.Redis.Password = ParseString("EVBUS_REDIS_PASSWORD", cfg.Redis.Password)
	cfg.Redis.DB = ParseInt("EVBUS_REDIS_DB", cfg.Redis.DB)
	cfg.Redis.KeyPrefix = ParseString("EVBUS_REDIS_KEY_PREFIX", cfg.Redis.KeyPrefix)

	cfg.AMQP.URL = ParseString("EVBUS_AMQP_URL", cfg.AMQP.URL)
	cfg.AMQP.Host = ParseString("EVBUS_AMQP_HOST", cfg.AMQP.Host)
	cfg.AMQP.Port = ParseInt("EVBUS_AMQP_PORT", cfg.AMQP.Port)
	cfg.AMQP.Username = ParseString("EVBUS_AMQP_USERNAME", cfg.AMQP.Username)
	cfg.AMQP.Password = ParseString("EVBUS_AMQP_PASSWORD", cfg.AMQP.Password)
	cfg.AMQP.VHost = ParseString("EVBUS_AMQP_VHOST", cfg.AMQP.VHost)
	cfg.AMQP.Exchange = ParseString("EVBUS_AMQP_EXCHANGE", cfg.AMQP.Exchange)
	cfg.AMQP.DeadLetterExchange = ParseString("EVBUS_AMQP_DLX", cfg.AMQP.DeadLetterExchange)
	cfg.AMQP.Prefetch = ParseInt("EVBUS_AMQP_PREFETCH", cfg.AMQP.Prefetch)
	cfg.AMQP.MaxRetries = ParseInt("EVBUS_AMQP_MAX_RETRIES", cfg.AMQP.MaxRetries)

	cfg.Telemetry.Enabled = ParseBool("EVBUS_TELEMETRY_ENABLED", cfg.Telemetry.Enabled)
	cfg.Telemetry.ExporterType = ParseString("EVBUS_TELEMETRY_EXPORTER", cfg.Telemetry.ExporterType)
	cfg.Telemetry.Endpoint = ParseString("EVBUS_TELEMETRY_ENDPOINT", cfg.Telemetry.Endpoint)
	cfg.Telemetry.SamplingRate = ParseFloat("EVBUS_TELEMETRY_SAMPLING_RATE", cfg.Telemetry.SamplingRate)
	cfg.Telemetry.Environment = ParseString("EVBUS_TELEMETRY_ENVIRONMENT", cfg.Telemetry.Environment)
}

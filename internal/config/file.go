// SPDX-License-Identifier: MIT

package config

import (
	"bytes"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// FileConfig is the YAML shape of the config file. Zero values mean "not
// set"; pointers distinguish absent booleans and floats from explicit ones.
// Durations are millisecond integers, matching the wire envelope convention.
type FileConfig struct {
	Adapter   string                `yaml:"adapter"`
	Source    string                `yaml:"source"`
	LogLevel  string                `yaml:"logLevel"`
	Listen    string                `yaml:"listen"`
	Memory    FileMemorySettings    `yaml:"memory"`
	Redis     FileRedisSettings     `yaml:"redis"`
	AMQP      FileAMQPSettings      `yaml:"amqp"`
	Telemetry FileTelemetrySettings `yaml:"telemetry"`
}

type FileMemorySettings struct {
	QueueSize    int `yaml:"queueSize"`
	RetryDelayMS int `yaml:"retryDelayMs"`
}

type FileRedisSettings struct {
	URL       string `yaml:"url"`
	Host      string `yaml:"host"`
	Port      int    `yaml:"port"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"keyPrefix"`
}

type FileAMQPSettings struct {
	URL                string `yaml:"url"`
	Host               string `yaml:"host"`
	Port               int    `yaml:"port"`
	Username           string `yaml:"username"`
	Password           string `yaml:"password"`
	VHost              string `yaml:"vhost"`
	Exchange           string `yaml:"exchange"`
	DeadLetterExchange string `yaml:"deadLetterExchange"`
	Prefetch           int    `yaml:"prefetch"`
	MaxRetries         *int   `yaml:"maxRetries"`
}

type FileTelemetrySettings struct {
	Enabled      *bool    `yaml:"enabled"`
	ExporterType string   `yaml:"exporter"`
	Endpoint     string   `yaml:"endpoint"`
	SamplingRate *float64 `yaml:"samplingRate"`
	Environment  string   `yaml:"environment"`
}

func isYAMLUnknownFieldError(err error) bool {
	if err == nil {
		return false
	}
	msg := err.Error()
	return strings.Contains(msg, "field") && strings.Contains(msg, "not found")
}

// loadFile reads and strictly parses a YAML config file. Unknown fields are
// an error classified as ErrUnknownConfigField.
func loadFile(path string) (*FileConfig, error) {
	path = filepath.Clean(path)

	ext := strings.ToLower(filepath.Ext(path))
	if ext != ".yaml" && ext != ".yml" {
		return nil, fmt.Errorf("unsupported config format: %s (only YAML supported)", ext)
	}

	// #nosec G304 -- configuration file paths are provided by the operator via CLI/ENV
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read file: %w", err)
	}

	var fileCfg FileConfig
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true) // Reject unknown fields

	if err := dec.Decode(&fileCfg); err != nil {
		if err == io.EOF {
			return &FileConfig{}, nil
		}
		if isYAMLUnknownFieldError(err) {
			return nil, fmt.Errorf("strict config parse error: %w: %w", ErrUnknownConfigField, err)
		}
		return nil, fmt.Errorf("strict config parse error: %w", err)
	}

	// Strict: Ensure no multiple documents or trailing content
	if err := dec.Decode(&struct{}{}); err != io.EOF {
		return nil, fmt.Errorf("config file contains multiple documents or trailing content")
	}

	return &fileCfg, nil
}

// mergeFileConfig applies file values over the defaults. Strings go through
// ${VAR} expansion so secrets can stay out of the file.
func mergeFileConfig(dst *Config, src *FileConfig) {
	if src.Adapter != "" {
		dst.Adapter = expandEnv(src.Adapter)
	}
	if src.Source != "" {
		dst.Source = expandEnv(src.Source)
	}
	if src.LogLevel != "" {
		dst.LogLevel = src.LogLevel
	}
	if src.Listen != "" {
		dst.ListenAddr = src.Listen
	}

	if src.Memory.QueueSize > 0 {
		dst.Memory.QueueSize = src.Memory.QueueSize
	}
	if src.Memory.RetryDelayMS > 0 {
		dst.Memory.RetryDelay = time.Duration(src.Memory.RetryDelayMS) * time.Millisecond
	}

	if src.Redis.URL != "" {
		dst.Redis.URL = expandEnv(src.Redis.URL)
	}
	if src.Redis.Host != "" {
		dst.Redis.Host = expandEnv(src.Redis.Host)
	}
	if src.Redis.Port > 0 {
		dst.Redis.Port = src.Redis.Port
	}
	if src.Redis.Password != "" {
		dst.Redis.Password = expandEnv(src.Redis.Password)
	}
	if src.Redis.DB > 0 {
		dst.Redis.DB = src.Redis.DB
	}
	if src.Redis.KeyPrefix != "" {
		dst.Redis.KeyPrefix = src.Redis.KeyPrefix
	}

	if src.AMQP.URL != "" {
		dst.AMQP.URL = expandEnv(src.AMQP.URL)
	}
	if src.AMQP.Host != "" {
		dst.AMQP.Host = expandEnv(src.AMQP.Host)
	}
	if src.AMQP.Port > 0 {
		dst.AMQP.Port = src.AMQP.Port
	}
	if src.AMQP.Username != "" {
		dst.AMQP.Username = expandEnv(src.AMQP.Username)
	}
	if src.AMQP.Password != "" {
		dst.AMQP.Password = expandEnv(src.AMQP.Password)
	}
	if src.AMQP.VHost != "" {
		dst.AMQP.VHost = src.AMQP.VHost
	}
	if src.AMQP.Exchange != "" {
		dst.AMQP.Exchange = src.AMQP.Exchange
	}
	if src.AMQP.DeadLetterExchange != "" {
		dst.AMQP.DeadLetterExchange = src.AMQP.DeadLetterExchange
	}
	if src.AMQP.Prefetch > 0 {
		dst.AMQP.Prefetch = src.AMQP.Prefetch
	}
	if src.AMQP.MaxRetries != nil {
		dst.AMQP.MaxRetries = *src.AMQP.MaxRetries
	}

	if src.Telemetry.Enabled != nil {
		dst.Telemetry.Enabled = *src.Telemetry.Enabled
	}
	if src.Telemetry.ExporterType != "" {
		dst.Telemetry.ExporterType = src.Telemetry.ExporterType
	}
	if src.Telemetry.Endpoint != "" {
		dst.Telemetry.Endpoint = expandEnv(src.Telemetry.Endpoint)
	}
	if src.Telemetry.SamplingRate != nil {
		dst.Telemetry.SamplingRate = *src.Telemetry.SamplingRate
	}
	if src.Telemetry.Environment != "" {
		dst.Telemetry.Environment = src.Telemetry.Environment
	}
}

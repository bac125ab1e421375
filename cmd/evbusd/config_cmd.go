// SPDX-License-Identifier: MIT

package main

import (
	"encoding/json"
	"flag"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/evergrid/evbus/internal/config"
)

func runConfigCLI(args []string) int {
	if len(args) == 0 || args[0] == "-h" || args[0] == "--help" || args[0] == "help" {
		printConfigUsage()
		return 0
	}

	switch args[0] {
	case "validate":
		return runConfigValidate(args[1:])
	case "dump":
		return runConfigDump(args[1:])
	default:
		fmt.Fprintf(os.Stderr, "Unknown subcommand: %s\n\n", args[0])
		printConfigUsage()
		return 2
	}
}

func printConfigUsage() {
	fmt.Fprintln(os.Stderr, "Usage:")
	fmt.Fprintln(os.Stderr, "  evbusd config validate [--file|-f evbus.yaml]")
	fmt.Fprintln(os.Stderr, "  evbusd config dump --effective [--file|-f evbus.yaml] [--format=yaml|json]")
}

// resolveDefaultConfigPath picks the config file used when --config/--file is
// absent: EVBUS_CONFIG if set, otherwise ./evbus.yaml when it exists.
func resolveDefaultConfigPath() string {
	if p := strings.TrimSpace(os.Getenv("EVBUS_CONFIG")); p != "" {
		return p
	}
	if _, err := os.Stat("evbus.yaml"); err == nil {
		return "evbus.yaml"
	}
	return ""
}

func runConfigValidate(args []string) int {
	fs := flag.NewFlagSet("evbusd config validate", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file string
	fs.StringVar(&file, "file", "", "path to YAML configuration file")
	fs.StringVar(&file, "f", "", "path to YAML configuration file (shorthand)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	configPath := strings.TrimSpace(file)
	if configPath == "" {
		configPath = resolveDefaultConfigPath()
	}
	if configPath == "" {
		fmt.Fprintln(os.Stderr, "Error: --file is required (EVBUS_CONFIG unset and no evbus.yaml found)")
		return 2
	}

	loader := config.NewLoader(configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error in %s:\n  %v\n", configPath, err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error in %s:\n  %v\n", configPath, err)
		return 1
	}

	fmt.Printf("✓ %s is valid\n", configPath)
	return 0
}

func runConfigDump(args []string) int {
	fs := flag.NewFlagSet("evbusd config dump", flag.ContinueOnError)
	fs.SetOutput(os.Stderr)

	var file string
	var format string
	var effective bool

	fs.StringVar(&file, "file", "", "path to YAML configuration file")
	fs.StringVar(&file, "f", "", "path to YAML configuration file (shorthand)")
	fs.StringVar(&format, "format", "yaml", "output format: yaml or json")
	fs.BoolVar(&effective, "effective", false, "dump effective configuration (defaults + file + env)")

	if err := fs.Parse(args); err != nil {
		return 2
	}

	if !effective {
		fmt.Fprintln(os.Stderr, "Error: --effective is required")
		return 2
	}

	// An empty path is fine here: the effective config is then just
	// defaults plus environment.
	configPath := strings.TrimSpace(file)
	if configPath == "" {
		configPath = resolveDefaultConfigPath()
	}

	loader := config.NewLoader(configPath, version)
	cfg, err := loader.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error in %s:\n  %v\n", configPath, err)
		return 1
	}
	if err := config.Validate(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "Configuration error:\n  %v\n", err)
		return 1
	}

	fileCfg := fileConfigFromConfig(cfg)
	redactFileConfigSecrets(&fileCfg)

	switch strings.ToLower(strings.TrimSpace(format)) {
	case "yaml", "yml":
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		if err := enc.Encode(fileCfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode YAML: %v\n", err)
			return 1
		}
		_ = enc.Close()
		return 0
	case "json":
		enc := json.NewEncoder(os.Stdout)
		enc.SetIndent("", "  ")
		if err := enc.Encode(fileCfg); err != nil {
			fmt.Fprintf(os.Stderr, "Failed to encode JSON: %v\n", err)
			return 1
		}
		return 0
	default:
		fmt.Fprintf(os.Stderr, "Unsupported format: %s (use yaml or json)\n", format)
		return 2
	}
}

// fileConfigFromConfig maps the merged runtime configuration back onto the
// file shape so a dump round-trips through the same schema operators write.
func fileConfigFromConfig(cfg config.Config) config.FileConfig {
	maxRetries := cfg.AMQP.MaxRetries
	telemetryEnabled := cfg.Telemetry.Enabled
	samplingRate := cfg.Telemetry.SamplingRate

	return config.FileConfig{
		Adapter:  cfg.Adapter,
		Source:   cfg.Source,
		LogLevel: cfg.LogLevel,
		Listen:   cfg.ListenAddr,
		Memory: config.FileMemorySettings{
			QueueSize:    cfg.Memory.QueueSize,
			RetryDelayMS: int(cfg.Memory.RetryDelay / time.Millisecond),
		},
		Redis: config.FileRedisSettings{
			URL:       cfg.Redis.URL,
			Host:      cfg.Redis.Host,
			Port:      cfg.Redis.Port,
			Password:  cfg.Redis.Password,
			DB:        cfg.Redis.DB,
			KeyPrefix: cfg.Redis.KeyPrefix,
		},
		AMQP: config.FileAMQPSettings{
			URL:                cfg.AMQP.URL,
			Host:               cfg.AMQP.Host,
			Port:               cfg.AMQP.Port,
			Username:           cfg.AMQP.Username,
			Password:           cfg.AMQP.Password,
			VHost:              cfg.AMQP.VHost,
			Exchange:           cfg.AMQP.Exchange,
			DeadLetterExchange: cfg.AMQP.DeadLetterExchange,
			Prefetch:           cfg.AMQP.Prefetch,
			MaxRetries:         &maxRetries,
		},
		Telemetry: config.FileTelemetrySettings{
			Enabled:      &telemetryEnabled,
			ExporterType: cfg.Telemetry.ExporterType,
			Endpoint:     cfg.Telemetry.Endpoint,
			SamplingRate: &samplingRate,
			Environment:  cfg.Telemetry.Environment,
		},
	}
}

func redactFileConfigSecrets(cfg *config.FileConfig) {
	if cfg == nil {
		return
	}
	if cfg.Redis.Password != "" {
		cfg.Redis.Password = "***"
	}
	if cfg.AMQP.Password != "" {
		cfg.AMQP.Password = "***"
	}
	// URLs may embed credentials; keep the shape, drop the user info.
	if cfg.Redis.URL != "" {
		cfg.Redis.URL = maskURL(cfg.Redis.URL)
	}
	if cfg.AMQP.URL != "" {
		cfg.AMQP.URL = maskURL(cfg.AMQP.URL)
	}
}

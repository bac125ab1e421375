// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"flag"
	"fmt"
	"net/http"
	"net/url"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/config"
	"github.com/evergrid/evbus/internal/daemon"
	"github.com/evergrid/evbus/internal/health"
	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/internal/ops"
	"github.com/evergrid/evbus/internal/telemetry"
	"github.com/evergrid/evbus/pkg/evbus"
)

var (
	version   = "v1.0.0"
	commit    = "none"
	buildDate = "unknown"
)

// maskURL removes user info from a URL string for safe logging.
func maskURL(rawURL string) string {
	parsedURL, err := url.Parse(rawURL)
	if err != nil {
		return "invalid-url-redacted"
	}
	parsedURL.User = nil
	return parsedURL.String()
}

// redisTarget renders the pub/sub destination for startup logging without
// leaking credentials.
func redisTarget(cfg config.Config) string {
	if cfg.Redis.URL != "" {
		return maskURL(cfg.Redis.URL)
	}
	host := cfg.Redis.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.Redis.Port
	if port == 0 {
		port = 6379
	}
	return fmt.Sprintf("%s:%d (db: %d)", host, port, cfg.Redis.DB)
}

// brokerTarget renders the AMQP destination for startup logging without
// leaking credentials.
func brokerTarget(cfg config.Config) string {
	if cfg.AMQP.URL != "" {
		return maskURL(cfg.AMQP.URL)
	}
	host := cfg.AMQP.Host
	if host == "" {
		host = "localhost"
	}
	port := cfg.AMQP.Port
	if port == 0 {
		port = 5672
	}
	return fmt.Sprintf("%s:%d", host, port)
}

func main() {
	if len(os.Args) > 1 {
		switch os.Args[1] {
		case "config":
			os.Exit(runConfigCLI(os.Args[2:]))
		case "healthcheck":
			os.Exit(runHealthcheckCLI(os.Args[2:]))
		}
	}

	// Handle command-line flags
	showVersion := flag.Bool("version", false, "print version and exit")
	configPath := flag.String("config", "", "path to config file (YAML)")
	demoMode := flag.Bool("demo", false, "publish demo ticks and expose POST /demo/publish")
	flag.Parse()

	if *showVersion {
		fmt.Printf("%s (commit: %s, built: %s)\n", version, commit, buildDate)
		os.Exit(0)
	}

	// Configure logger with safe defaults until config is loaded
	log.Configure(log.Config{
		Level:   "info",
		Service: "evbus",
		Version: version,
	})

	logger := log.WithComponent("daemon")

	// Create a context that listens for the interrupt signal from the OS
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Determine config path:
	// - Explicit via --config
	// - Otherwise EVBUS_CONFIG, or ./evbus.yaml if it exists
	explicitConfigPath := strings.TrimSpace(*configPath)
	effectiveConfigPath := explicitConfigPath
	if effectiveConfigPath == "" {
		effectiveConfigPath = resolveDefaultConfigPath()
	}

	// Load configuration with precedence: ENV > File > Defaults
	loader := config.NewLoader(effectiveConfigPath, version)
	cfg, err := loader.Load()
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.load_failed").
			Str("config_path", effectiveConfigPath).
			Msg("failed to load configuration")
	}
	if err := config.Validate(cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "config.invalid").
			Msg("configuration failed validation")
	}

	// Re-configure logger with loaded configuration
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.Source,
		Version: cfg.Version,
	})

	// Log config source
	if explicitConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file").
			Str("path", explicitConfigPath).
			Msg("loaded configuration from file")
	} else if effectiveConfigPath != "" {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "file(auto)").
			Str("path", effectiveConfigPath).
			Msg("loaded configuration from file")
	} else {
		logger.Info().
			Str("event", "config.loaded").
			Str("source", "env+defaults").
			Msg("loaded configuration from environment and defaults")
	}

	// -------------------------------------------------------------------------
	// Pre-flight Checks (Fail Fast)
	// -------------------------------------------------------------------------
	if err := health.PerformStartupChecks(ctx, cfg); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "startup.check_failed").
			Msg("Startup checks failed. Please verify configuration and connectivity.")
	}
	// -------------------------------------------------------------------------

	// Parse server configuration
	serverCfg := config.ParseServerConfig(cfg.ListenAddr)

	logger.Info().
		Str("event", "startup").
		Str("version", version).
		Str("commit", commit).
		Str("build_date", buildDate).
		Str("addr", serverCfg.ListenAddr).
		Str("adapter", cfg.Adapter).
		Msg("starting evbusd")

	// Log key configuration
	logger.Info().Msgf("→ Adapter: %s (source: %s)", cfg.Adapter, cfg.Source)
	switch cfg.Adapter {
	case evbus.TypePubSub:
		logger.Info().Msgf("→ Redis: %s", redisTarget(cfg))
	case evbus.TypeBroker:
		exchange := cfg.AMQP.Exchange
		if exchange == "" {
			exchange = "evbus.events"
		}
		dlx := cfg.AMQP.DeadLetterExchange
		if dlx == "" {
			dlx = "evbus.dlx"
		}
		logger.Info().Msgf("→ Broker: %s (exchange: %s, dlx: %s)", brokerTarget(cfg), exchange, dlx)
	}
	if cfg.Telemetry.Enabled {
		logger.Info().Msgf("→ Tracing: OTLP/%s to %s (sampling: %.0f%%)",
			cfg.Telemetry.ExporterType, cfg.Telemetry.Endpoint, cfg.Telemetry.SamplingRate*100)
	} else {
		logger.Info().Msg("→ Tracing: disabled")
	}
	logger.Info().Msgf("→ Ops: %s (/healthz /readyz /metrics)", serverCfg.ListenAddr)

	// Initialize tracing before the bus so adapter spans have a provider.
	provider, err := telemetry.NewProvider(ctx, cfg.Tracing())
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "telemetry.init_failed").
			Msg("failed to initialize tracing")
	}

	// The bus handle lives in a holder so config reloads can swap the
	// adapter under the health checker and publish endpoint.
	hold := newBusHolder(log.WithComponent("bus"))
	if _, err := hold.Apply(ctx, cfg.Bus()); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "bus.init_failed").
			Str("adapter", cfg.Adapter).
			Msg("failed to initialize event bus")
	}

	// Hot reload support: watch config file and allow SIGHUP-triggered reload.
	cfgHolder := config.NewConfigHolder(cfg, config.NewLoader(effectiveConfigPath, version), effectiveConfigPath)

	// Health manager: readiness follows the live bus handle.
	hm := health.NewManager(version)
	hm.RegisterChecker(health.NewBusChecker(hold.Get))
	if effectiveConfigPath != "" {
		hm.RegisterChecker(health.NewFileChecker("config", effectiveConfigPath))
	}

	var demo *demoPublisher
	var publisher http.Handler
	if *demoMode {
		interval := config.ParseDuration("EVBUS_DEMO_INTERVAL", 5*time.Second)
		demo = newDemoPublisher(hold.Get, interval)
		if err := demo.Start(ctx); err != nil {
			logger.Fatal().
				Err(err).
				Str("event", "demo.start_failed").
				Msg("failed to start demo publisher")
		}
		publisher = ops.PublishHandler(hold.Get)
		logger.Info().Msgf("→ Demo: publishing %s every %s (POST /demo/publish enabled)", demoEventName, interval)
	}

	tracingService := ""
	if cfg.Telemetry.Enabled {
		tracingService = cfg.Source
	}
	opsHandler := ops.NewRouter(ops.Config{
		Service:      tracingService,
		Health:       hm,
		Metrics:      promhttp.Handler(),
		Publisher:    publisher,
		RateLimitRPM: config.ParseInt("EVBUS_OPS_RATE_LIMIT", 600),
	})

	// Build daemon dependencies
	deps := daemon.Deps{
		Logger:     logger,
		Config:     cfg,
		OpsHandler: opsHandler,
	}

	// Create daemon manager
	mgr, err := daemon.NewManager(serverCfg, deps)
	if err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.creation.failed").
			Msg("failed to create daemon manager")
	}

	// Hooks run LIFO: demo stops publishing first, then the bus closes,
	// then the trace provider flushes.
	mgr.RegisterShutdownHook("telemetry", provider.Shutdown)
	mgr.RegisterShutdownHook("bus", hold.Close)
	if demo != nil {
		mgr.RegisterShutdownHook("demo", demo.Stop)
	}

	// Start daemon app (blocks until shutdown)
	app := daemon.NewApp(logger, mgr, cfgHolder, func(ctx context.Context, next config.Config) {
		applyReload(ctx, logger, hold, demo, next)
	})
	if err := app.Run(ctx); err != nil {
		logger.Fatal().
			Err(err).
			Str("event", "manager.failed").
			Msg("daemon app failed")
	}

	logger.Info().Msg("server exiting")
}

// applyReload reacts to a validated config swap. The logger follows the new
// config immediately; the bus is rebuilt only when its transport settings
// changed, and the demo handler re-attaches to the replacement.
func applyReload(ctx context.Context, logger zerolog.Logger, hold *busHolder, demo *demoPublisher, cfg config.Config) {
	log.Configure(log.Config{
		Level:   cfg.LogLevel,
		Service: cfg.Source,
		Version: cfg.Version,
	})

	swapped, err := hold.Apply(ctx, cfg.Bus())
	if err != nil {
		logger.Error().
			Err(err).
			Str("event", "bus.reload_failed").
			Str("adapter", cfg.Adapter).
			Msg("keeping previous bus after failed rebuild")
		return
	}
	if !swapped {
		return
	}

	logger.Info().
		Str("event", "bus.reloaded").
		Str("adapter", cfg.Adapter).
		Msg("event bus rebuilt from new configuration")

	if demo != nil {
		if err := demo.Resubscribe(ctx); err != nil {
			logger.Error().
				Err(err).
				Str("event", "demo.resubscribe_failed").
				Msg("demo handler lost after bus swap")
		}
	}
}

// SPDX-License-Identifier: MIT

package health

import (
	"context"
	"fmt"
	"net"
	"strconv"
	"time"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/config"
	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/pkg/evbus"
)

// PerformStartupChecks validates the environment and dependencies before the
// daemon starts serving. It probes the configured bus adapter end to end, so
// an unreachable Redis or RabbitMQ fails the start instead of the first
// publish.
func PerformStartupChecks(ctx context.Context, cfg config.Config) error {
	logger := log.WithComponent("startup-check")
	logger.Info().Msg("Running pre-flight startup checks...")

	if err := checkListenAddr(logger, cfg.ListenAddr); err != nil {
		return fmt.Errorf("ops listen address check failed: %w", err)
	}

	if err := checkBusConfig(ctx, logger, cfg); err != nil {
		return fmt.Errorf("bus configuration check failed: %w", err)
	}

	logger.Info().Msg("✅ All startup checks passed")
	return nil
}

func checkListenAddr(logger zerolog.Logger, addr string) error {
	_, port, err := net.SplitHostPort(addr)
	if err != nil {
		return fmt.Errorf("invalid listen address %q: %w", addr, err)
	}
	portNum, err := strconv.Atoi(port)
	if err != nil || portNum < 0 || portNum > 65535 {
		return fmt.Errorf("invalid listen port %q in %q", port, addr)
	}
	logger.Info().Str("addr", addr).Msg("✓ ops listen address is valid")
	return nil
}

// checkBusConfig constructs, initializes, health-checks and cleans up the
// configured adapter. Transport adapters dial their backend here.
func checkBusConfig(ctx context.Context, logger zerolog.Logger, cfg config.Config) error {
	probeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()

	if err := evbus.Validate(probeCtx, cfg.Bus(), log.WithComponent("bus")); err != nil {
		return err
	}
	logger.Info().Str("adapter", cfg.Adapter).Msg("✓ bus configuration validated")
	return nil
}

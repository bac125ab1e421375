// SPDX-License-Identifier: MIT

package evbus

import (
	"context"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
)

// NoopConfig tunes the no-op adapter.
type NoopConfig struct {
	// Source is the producing service name stamped into envelopes.
	Source string
}

// NoopBus accepts the full bus contract, keeps the same counters as a real
// adapter, but performs no transport work and never invokes a handler. It
// disables eventing without touching call sites.
type NoopBus struct {
	*core
}

// NewNoopBus constructs the disabled sink.
func NewNoopBus(cfg NoopConfig, logger zerolog.Logger) *NoopBus {
	n := &NoopBus{}
	n.core = newCore(TypeNoop, cfg.Source, n, logger)
	return n
}

var _ EventBus = (*NoopBus)(nil)

// Initialize marks the adapter ready. There is no transport to open.
func (n *NoopBus) Initialize(ctx context.Context) error {
	if n.isInitialized() {
		return nil
	}
	n.markInitialized()
	n.logger.Info().
		Str(log.FieldEvent, "bus.initialized").
		Str(log.FieldAdapter, TypeNoop).
		Msg("no-op bus ready")
	return nil
}

// Cleanup clears the registry and resets counters. After Cleanup the adapter
// reports unhealthy until it is initialized again.
func (n *NoopBus) Cleanup(ctx context.Context) error {
	if !n.isInitialized() {
		return nil
	}
	n.markClosed()
	n.logger.Info().
		Str(log.FieldEvent, "bus.cleaned_up").
		Str(log.FieldAdapter, TypeNoop).
		Msg("no-op bus stopped")
	return nil
}

// Health reports healthy for the whole initialized window, unhealthy outside
// it. There is no transport that could degrade.
func (n *NoopBus) Health(ctx context.Context) Health {
	if !n.isInitialized() {
		return n.healthSnapshot(StatusUnhealthy, map[string]any{"reason": "not initialized"})
	}
	return n.healthSnapshot(StatusHealthy, map[string]any{"transport": "none"})
}

// Type reports the adapter identifier.
func (n *NoopBus) Type() string { return TypeNoop }

// doPublish accepts the envelope and discards it.
func (n *NoopBus) doPublish(ctx context.Context, env *envelope) error { return nil }

func (n *NoopBus) doSubscribe(ctx context.Context, eventName string) error { return nil }

func (n *NoopBus) doUnsubscribe(ctx context.Context, eventName string) error { return nil }

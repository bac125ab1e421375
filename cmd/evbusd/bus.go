// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/pkg/evbus"
)

// busHolder owns the process's bus handle. Config reloads rebuild the
// adapter behind it while the health checker and publish endpoint keep
// reading through Get, so a swap never hands out a half-initialized bus.
type busHolder struct {
	logger zerolog.Logger

	mu  sync.RWMutex
	bus evbus.EventBus
	cfg evbus.Config
}

func newBusHolder(logger zerolog.Logger) *busHolder {
	return &busHolder{logger: logger}
}

// Get returns the current bus handle, or nil before the first Apply.
func (h *busHolder) Get() evbus.EventBus {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return h.bus
}

// Apply installs a bus built from cfg. The replacement is constructed and
// initialized before the swap, so the previous bus keeps serving if the new
// config cannot connect. An unchanged config is a no-op. Reports whether a
// swap happened.
func (h *busHolder) Apply(ctx context.Context, cfg evbus.Config) (bool, error) {
	h.mu.RLock()
	unchanged := h.bus != nil && h.cfg == cfg
	h.mu.RUnlock()
	if unchanged {
		return false, nil
	}

	next, err := evbus.New(cfg, h.logger)
	if err != nil {
		return false, err
	}
	if err := next.Initialize(ctx); err != nil {
		return false, err
	}

	h.mu.Lock()
	prev := h.bus
	h.bus = next
	h.cfg = cfg
	h.mu.Unlock()

	if prev != nil {
		if err := prev.Cleanup(ctx); err != nil {
			h.logger.Warn().
				Err(err).
				Str(log.FieldAdapter, prev.Type()).
				Msg("failed to clean up replaced bus")
		}
	}
	return true, nil
}

// Close cleans up the current bus. Used as a shutdown hook.
func (h *busHolder) Close(ctx context.Context) error {
	h.mu.Lock()
	bus := h.bus
	h.bus = nil
	h.mu.Unlock()

	if bus == nil {
		return nil
	}
	return bus.Cleanup(ctx)
}

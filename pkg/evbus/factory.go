// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"fmt"
	"sync"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
)

// Config selects and parameterizes an adapter. Source, when set, is copied
// into the chosen adapter's config unless that config names its own.
type Config struct {
	// Adapter is one of memory, pubsub, broker, noop. Empty selects memory.
	Adapter string
	// Source is the producing service name stamped into envelopes.
	Source string

	Memory MemoryConfig
	Redis  RedisConfig
	AMQP   AMQPConfig
}

// New constructs the adapter selected by cfg. The adapter is returned
// uninitialized; callers own its lifecycle.
func New(cfg Config, logger zerolog.Logger) (EventBus, error) {
	switch cfg.Adapter {
	case TypeMemory, "":
		mc := cfg.Memory
		if mc.Source == "" {
			mc.Source = cfg.Source
		}
		return NewMemoryBus(mc, logger), nil
	case TypePubSub:
		rc := cfg.Redis
		if rc.Source == "" {
			rc.Source = cfg.Source
		}
		return NewRedisBus(rc, logger), nil
	case TypeBroker:
		ac := cfg.AMQP
		if ac.Source == "" {
			ac.Source = cfg.Source
		}
		return NewAMQPBus(ac, logger), nil
	case TypeNoop:
		return NewNoopBus(NoopConfig{Source: cfg.Source}, logger), nil
	default:
		return nil, fmt.Errorf("unknown bus adapter: %s", cfg.Adapter)
	}
}

// Validate constructs, initializes, health-checks and cleans up an adapter to
// confirm a configuration is usable, without wiring anything into the running
// process.
func Validate(ctx context.Context, cfg Config, logger zerolog.Logger) error {
	bus, err := New(cfg, logger)
	if err != nil {
		return err
	}
	if err := bus.Initialize(ctx); err != nil {
		return err
	}
	defer func() { _ = bus.Cleanup(ctx) }()

	if h := bus.Health(ctx); h.Status == StatusUnhealthy {
		return fmt.Errorf("%s adapter reports unhealthy: %v", bus.Type(), h.Details)
	}
	return nil
}

// The process-wide instance exists only behind the explicit GetOrCreate and
// Reset pair. Injection of a caller-owned EventBus remains the primary path;
// this is for processes that want exactly one shared bus without threading a
// handle everywhere.
var (
	sharedMu  sync.Mutex
	sharedBus EventBus
)

// GetOrCreate returns the process-wide bus, lazily constructing and
// initializing it from cfg on first call. Subsequent calls return the same
// instance and ignore cfg until Reset.
func GetOrCreate(ctx context.Context, cfg Config, logger zerolog.Logger) (EventBus, error) {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedBus != nil {
		return sharedBus, nil
	}

	bus, err := New(cfg, logger)
	if err != nil {
		return nil, err
	}
	if err := bus.Initialize(ctx); err != nil {
		return nil, err
	}
	sharedBus = bus
	logger.Info().
		Str(log.FieldEvent, "bus.shared_created").
		Str(log.FieldAdapter, bus.Type()).
		Msg("process-wide bus created")
	return bus, nil
}

// Reset cleans up and discards the process-wide bus. The next GetOrCreate
// constructs a fresh instance.
func Reset(ctx context.Context) error {
	sharedMu.Lock()
	defer sharedMu.Unlock()
	if sharedBus == nil {
		return nil
	}
	err := sharedBus.Cleanup(ctx)
	sharedBus = nil
	return err
}

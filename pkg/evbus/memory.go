// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/internal/metrics"
)

const (
	defaultMemoryQueueSize  = 1024
	defaultMemoryRetryDelay = time.Second
)

var errQueueFull = errors.New("delivery queue is full")

// MemoryConfig tunes the in-process adapter.
type MemoryConfig struct {
	// QueueSize caps the buffered delivery queue (default 1024). A full
	// queue rejects publishes instead of blocking the producer.
	QueueSize int
	// RetryDelay is the fixed pause before a failed delivery is re-enqueued
	// (default 1s).
	RetryDelay time.Duration
	// Source is the producing service name stamped into envelopes.
	Source string
}

// MemoryBus is the in-process adapter: a volatile buffered queue drained by
// a single goroutine. Delivery is at-most-once per process; nothing survives
// Cleanup or a crash. Same-name events are delivered in FIFO enqueue order
// except for delayed and retried entries.
type MemoryBus struct {
	*core
	cfg MemoryConfig

	stateMu sync.Mutex
	queue   chan *envelope
	done    chan struct{}
	drained chan struct{}
	timers  *timerSet
}

// NewMemoryBus constructs the adapter. Initialize starts the drain loop.
func NewMemoryBus(cfg MemoryConfig, logger zerolog.Logger) *MemoryBus {
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = defaultMemoryQueueSize
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = defaultMemoryRetryDelay
	}
	m := &MemoryBus{cfg: cfg}
	m.core = newCore(TypeMemory, cfg.Source, m, logger)
	return m
}

var _ EventBus = (*MemoryBus)(nil)

// Initialize starts the drain loop. Calling it on an initialized adapter is
// a no-op.
func (m *MemoryBus) Initialize(ctx context.Context) error {
	m.stateMu.Lock()
	defer m.stateMu.Unlock()
	if m.isInitialized() {
		return nil
	}

	m.queue = make(chan *envelope, m.cfg.QueueSize)
	m.done = make(chan struct{})
	m.drained = make(chan struct{})
	m.timers = newTimerSet()
	go m.drainLoop(m.queue, m.done, m.drained)

	m.markInitialized()
	m.logger.Info().
		Str(log.FieldEvent, "bus.initialized").
		Str(log.FieldAdapter, TypeMemory).
		Int("queue_capacity", m.cfg.QueueSize).
		Msg("in-process bus ready")
	return nil
}

// Cleanup stops the drain loop, cancels pending delay/retry timers, clears
// the registry and resets counters. It never fails and may run twice.
func (m *MemoryBus) Cleanup(ctx context.Context) error {
	m.stateMu.Lock()
	if !m.isInitialized() {
		m.stateMu.Unlock()
		return nil
	}
	close(m.done)
	m.timers.stopAll()
	drained := m.drained
	m.stateMu.Unlock()

	select {
	case <-drained:
	case <-ctx.Done():
	}

	m.markClosed()
	m.logger.Info().
		Str(log.FieldEvent, "bus.cleaned_up").
		Str(log.FieldAdapter, TypeMemory).
		Msg("in-process bus stopped")
	return nil
}

// Health reports queue pressure. A saturated queue degrades the adapter;
// publishes are being rejected while it stays full.
func (m *MemoryBus) Health(ctx context.Context) Health {
	if !m.isInitialized() {
		return m.healthSnapshot(StatusUnhealthy, map[string]any{"reason": "not initialized"})
	}

	m.stateMu.Lock()
	depth, capacity := len(m.queue), cap(m.queue)
	m.stateMu.Unlock()

	status := StatusHealthy
	if depth >= capacity {
		status = StatusDegraded
	}
	return m.healthSnapshot(status, map[string]any{
		"queueDepth":    depth,
		"queueCapacity": capacity,
	})
}

// Type reports the adapter identifier.
func (m *MemoryBus) Type() string { return TypeMemory }

func (m *MemoryBus) doPublish(ctx context.Context, env *envelope) error {
	opts := env.options()
	if opts != nil {
		env.retriesLeft = opts.RetryAttempts
	}

	m.stateMu.Lock()
	queue, done, timers := m.queue, m.done, m.timers
	m.stateMu.Unlock()

	if opts != nil && opts.Delay > 0 {
		if !timers.schedule(opts.Delay, func() { m.enqueueTo(queue, done, env) }) {
			return &NotInitializedError{Adapter: TypeMemory}
		}
		m.logger.Debug().
			Str(log.FieldEvent, "bus.publish_delayed").
			Str(log.FieldEventName, env.EventName).
			Str(log.FieldEventID, env.EventID).
			Int64(log.FieldDelay, opts.Delay.Milliseconds()).
			Msg("publish deferred")
		return nil
	}

	select {
	case <-done:
		return &NotInitializedError{Adapter: TypeMemory}
	case queue <- env:
		return nil
	default:
		metrics.IncDropped(TypeMemory, "queue_full")
		return &PublishError{Adapter: TypeMemory, Event: env.EventName, Err: errQueueFull}
	}
}

// doSubscribe is a no-op: the drain loop dispatches straight from the
// registry, so there is no per-name transport binding to create.
func (m *MemoryBus) doSubscribe(ctx context.Context, eventName string) error { return nil }

func (m *MemoryBus) doUnsubscribe(ctx context.Context, eventName string) error { return nil }

// enqueueTo re-queues delayed or retried envelopes into the lifecycle they
// were scheduled under. It runs from timer callbacks, so failures are
// accounted as drops rather than returned.
func (m *MemoryBus) enqueueTo(queue chan *envelope, done chan struct{}, env *envelope) {
	select {
	case <-done:
		metrics.IncDropped(TypeMemory, "shutdown")
	case queue <- env:
	default:
		metrics.IncDropped(TypeMemory, "queue_full")
		m.logger.Warn().
			Str(log.FieldEvent, "bus.enqueue_dropped").
			Str(log.FieldEventName, env.EventName).
			Str(log.FieldEventID, env.EventID).
			Str(log.FieldReason, "queue_full").
			Msg("dropping deferred event")
	}
}

func (m *MemoryBus) drainLoop(queue <-chan *envelope, done <-chan struct{}, drained chan<- struct{}) {
	defer close(drained)
	for {
		select {
		case <-done:
			return
		case env := <-queue:
			m.dispatch(env)
		}
	}
}

// dispatch checks TTL, fans the envelope out, and re-enqueues after handler
// failure until the retry budget is exhausted. Exhausted envelopes are
// dropped permanently; this adapter has no dead-letter store.
func (m *MemoryBus) dispatch(env *envelope) {
	if env.expired(time.Now()) {
		metrics.IncDropped(TypeMemory, "ttl_expired")
		m.logger.Debug().
			Str(log.FieldEvent, "bus.ttl_expired").
			Str(log.FieldEventName, env.EventName).
			Str(log.FieldEventID, env.EventID).
			Msg("dropping expired event")
		return
	}

	env.deliveryAttempt++
	failures := m.executeHandlers(context.Background(), env)
	if len(failures) == 0 {
		return
	}

	if env.retriesLeft > 0 {
		env.retriesLeft--
		metrics.IncRetry(TypeMemory, env.EventName)
		m.logger.Warn().
			Str(log.FieldEvent, "bus.redelivery_scheduled").
			Str(log.FieldEventName, env.EventName).
			Str(log.FieldEventID, env.EventID).
			Int(log.FieldAttempt, env.deliveryAttempt).
			Int("retries_left", env.retriesLeft).
			Msg("handler set failed, re-enqueueing")

		m.stateMu.Lock()
		queue, done, timers := m.queue, m.done, m.timers
		m.stateMu.Unlock()
		timers.schedule(m.cfg.RetryDelay, func() { m.enqueueTo(queue, done, env) })
		return
	}

	metrics.IncDropped(TypeMemory, "retries_exhausted")
	m.logger.Warn().
		Str(log.FieldEvent, "bus.retries_exhausted").
		Str(log.FieldEventName, env.EventName).
		Str(log.FieldEventID, env.EventID).
		Int(log.FieldAttempt, env.deliveryAttempt).
		Msg("dropping event after exhausting retries")
}

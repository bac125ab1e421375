// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"errors"
	"fmt"
	"runtime"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/internal/metrics"
)

// adapterOps is the transport seam concrete adapters implement. The core
// owns the handler registry and counters; adapters only move bytes.
type adapterOps interface {
	// doPublish hands one envelope to the transport.
	doPublish(ctx context.Context, env *envelope) error
	// doSubscribe creates the transport binding for an event name. It is
	// invoked exactly once per name, when the first handler is registered.
	doSubscribe(ctx context.Context, eventName string) error
	// doUnsubscribe tears the binding down again, after the last handler for
	// the name is removed.
	doUnsubscribe(ctx context.Context, eventName string) error
}

// Subscription is the handle returned by Subscribe. Handler functions are
// not comparable in Go, so removal of a single registration goes through the
// handle instead of handler identity.
type Subscription struct {
	ID    string
	Event string

	handler Handler
	core    *core
	once    sync.Once
}

// Unsubscribe removes exactly this registration. The transport binding for
// the event name is torn down when this was the last handler. Calling
// Unsubscribe twice is a no-op.
func (s *Subscription) Unsubscribe(ctx context.Context) error {
	var err error
	s.once.Do(func() {
		err = s.core.removeSubscription(ctx, s)
	})
	return err
}

// core is the shared behavior embedded by every adapter: handler registry,
// stats counters, lifecycle flags, and concurrent fan-out dispatch. The
// registry mutex also serializes transport bind/teardown so a name is bound
// exactly once regardless of concurrent subscribers.
type core struct {
	adapter string
	source  string
	ops     adapterOps
	logger  zerolog.Logger

	mu          sync.RWMutex
	subs        map[string][]*Subscription
	initialized bool
	startedAt   time.Time

	stats struct {
		published atomic.Int64
		consumed  atomic.Int64
		errors    atomic.Int64
	}
}

func newCore(adapter, source string, ops adapterOps, logger zerolog.Logger) *core {
	if source == "" {
		source = "evbus"
	}
	return &core{
		adapter: adapter,
		source:  source,
		ops:     ops,
		logger:  logger,
		subs:    make(map[string][]*Subscription),
	}
}

func (c *core) isInitialized() bool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.initialized
}

func (c *core) requireReady() error {
	if !c.isInitialized() {
		return &NotInitializedError{Adapter: c.adapter}
	}
	return nil
}

func (c *core) markInitialized() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.initialized {
		return
	}
	c.initialized = true
	c.startedAt = time.Now()
}

// markClosed clears the registry and resets the counters. Fresh counters
// after re-initialization are part of the lifecycle contract.
func (c *core) markClosed() {
	c.mu.Lock()
	c.initialized = false
	c.subs = make(map[string][]*Subscription)
	c.mu.Unlock()

	c.stats.published.Store(0)
	c.stats.consumed.Store(0)
	c.stats.errors.Store(0)
	metrics.ResetActiveSubscriptions(c.adapter)
}

func (c *core) uptime() time.Duration {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if !c.initialized {
		return 0
	}
	return time.Since(c.startedAt)
}

// Publish builds the wire envelope and hands it to the transport. The
// published counter moves only on success; failures count as errors and are
// returned to the caller as *PublishError.
func (c *core) Publish(ctx context.Context, eventName string, data any, opts *PublishOptions) error {
	if err := c.requireReady(); err != nil {
		return err
	}
	if eventName == "" {
		return &ValidationError{Field: "eventName", Reason: "must not be empty"}
	}

	env := c.newEnvelope(ctx, eventName, data, opts)
	if err := c.ops.doPublish(ctx, env); err != nil {
		c.stats.errors.Add(1)
		metrics.IncPublishError(c.adapter, eventName)
		c.logger.Error().Err(err).
			Str(log.FieldEvent, "bus.publish_failed").
			Str(log.FieldEventName, eventName).
			Str(log.FieldEventID, env.EventID).
			Msg("transport rejected publish")
		var pe *PublishError
		if errors.As(err, &pe) {
			return err
		}
		return &PublishError{Adapter: c.adapter, Event: eventName, Err: err}
	}

	c.stats.published.Add(1)
	metrics.IncPublished(c.adapter, eventName)
	c.logger.Debug().
		Str(log.FieldEvent, "bus.published").
		Str(log.FieldEventName, eventName).
		Str(log.FieldEventID, env.EventID).
		Str(log.FieldCorrelationID, env.CorrelationID).
		Msg("event published")
	return nil
}

// Subscribe registers a handler and lazily creates the transport binding on
// the first handler for the name. A binding failure rolls the registration
// back so the registry never references a dead binding.
func (c *core) Subscribe(ctx context.Context, eventName string, handler Handler) (*Subscription, error) {
	if err := c.requireReady(); err != nil {
		return nil, err
	}
	if eventName == "" {
		return nil, &ValidationError{Field: "eventName", Reason: "must not be empty"}
	}
	if handler == nil {
		return nil, &ValidationError{Field: "handler", Reason: "must not be nil"}
	}

	sub := &Subscription{
		ID:      uuid.NewString(),
		Event:   eventName,
		handler: handler,
		core:    c,
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if len(c.subs[eventName]) == 0 {
		if err := c.ops.doSubscribe(ctx, eventName); err != nil {
			c.stats.errors.Add(1)
			return nil, err
		}
	}
	c.subs[eventName] = append(c.subs[eventName], sub)
	metrics.AddActiveSubscriptions(c.adapter, 1)

	c.logger.Debug().
		Str(log.FieldEvent, "bus.subscribed").
		Str(log.FieldEventName, eventName).
		Str(log.FieldSubscription, sub.ID).
		Int("handlers", len(c.subs[eventName])).
		Msg("handler registered")
	return sub, nil
}

// Unsubscribe removes all handlers for an event name. Removing an unknown
// name is a no-op.
func (c *core) Unsubscribe(ctx context.Context, eventName string) error {
	if err := c.requireReady(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	removed := len(c.subs[eventName])
	if removed == 0 {
		return nil
	}
	delete(c.subs, eventName)
	metrics.AddActiveSubscriptions(c.adapter, -float64(removed))

	c.logger.Debug().
		Str(log.FieldEvent, "bus.unsubscribed").
		Str(log.FieldEventName, eventName).
		Int("handlers", removed).
		Msg("handlers removed")
	return c.ops.doUnsubscribe(ctx, eventName)
}

func (c *core) removeSubscription(ctx context.Context, sub *Subscription) error {
	if err := c.requireReady(); err != nil {
		return err
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	lst := c.subs[sub.Event]
	out := lst[:0]
	found := false
	for _, s := range lst {
		if s != sub {
			out = append(out, s)
		} else {
			found = true
		}
	}
	if !found {
		return nil
	}
	metrics.AddActiveSubscriptions(c.adapter, -1)
	if len(out) == 0 {
		delete(c.subs, sub.Event)
		return c.ops.doUnsubscribe(ctx, sub.Event)
	}
	c.subs[sub.Event] = out
	return nil
}

// Stats returns the adapter's counter snapshot.
func (c *core) Stats() Stats {
	c.mu.RLock()
	active := 0
	for _, lst := range c.subs {
		active += len(lst)
	}
	c.mu.RUnlock()

	var ms runtime.MemStats
	runtime.ReadMemStats(&ms)

	return Stats{
		Adapter:             c.adapter,
		Published:           c.stats.published.Load(),
		Consumed:            c.stats.consumed.Load(),
		Errors:              c.stats.errors.Load(),
		ActiveSubscriptions: int64(active),
		Uptime:              c.uptime(),
		MemoryBytes:         ms.Alloc,
	}
}

func (c *core) healthSnapshot(status Status, details map[string]any) Health {
	return Health{
		Status:    status,
		Adapter:   c.adapter,
		Uptime:    c.uptime(),
		LastCheck: time.Now(),
		Details:   details,
	}
}

func (c *core) newEnvelope(ctx context.Context, eventName string, data any, opts *PublishOptions) *envelope {
	correlationID := log.CorrelationIDFromContext(ctx)
	if correlationID == "" {
		correlationID = uuid.NewString()
	}
	return &envelope{
		EventID:       uuid.NewString(),
		EventName:     eventName,
		Data:          data,
		Timestamp:     time.Now().UTC(),
		Source:        c.source,
		CorrelationID: correlationID,
		Options:       toWireOptions(opts),
	}
}

// executeHandlers fans one envelope out to every handler registered for its
// event name. Handlers run concurrently and settle independently: one
// failure never prevents the others from running. Each failure increments
// the error counter and is logged; each success increments the consumed
// counter. The returned slice holds one *HandlerError per failed handler so
// transport adapters can decide ack/nack from per-delivery outcomes.
func (c *core) executeHandlers(ctx context.Context, env *envelope) []error {
	c.mu.RLock()
	subs := append([]*Subscription(nil), c.subs[env.EventName]...)
	c.mu.RUnlock()

	if len(subs) == 0 {
		return nil
	}

	ctx = log.ContextWithCorrelationID(ctx, env.CorrelationID)
	ctx = log.ContextWithEventID(ctx, env.EventID)
	meta := env.metadata()

	var (
		wg       sync.WaitGroup
		failMu   sync.Mutex
		failures []error
	)
	for _, sub := range subs {
		wg.Add(1)
		go func(sub *Subscription) {
			defer wg.Done()
			start := time.Now()
			err := c.invoke(ctx, sub, env.Data, meta)
			metrics.ObserveHandlerDuration(c.adapter, env.EventName, time.Since(start).Seconds())

			if err != nil {
				c.stats.errors.Add(1)
				metrics.IncConsumed(c.adapter, env.EventName, metrics.OutcomeError)
				c.logger.Error().Err(err).
					Str(log.FieldEvent, "bus.handler_failed").
					Str(log.FieldEventName, env.EventName).
					Str(log.FieldEventID, env.EventID).
					Str(log.FieldSubscription, sub.ID).
					Int(log.FieldAttempt, env.deliveryAttempt).
					Msg("handler failed")
				failMu.Lock()
				failures = append(failures, &HandlerError{Event: env.EventName, Err: err})
				failMu.Unlock()
				return
			}

			c.stats.consumed.Add(1)
			metrics.IncConsumed(c.adapter, env.EventName, metrics.OutcomeSuccess)
		}(sub)
	}
	wg.Wait()
	return failures
}

// invoke runs a single handler, converting panics into errors so one
// misbehaving subscriber cannot crash the dispatch path.
func (c *core) invoke(ctx context.Context, sub *Subscription, data any, meta Metadata) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()
	return sub.handler(ctx, data, meta)
}

// SPDX-License-Identifier: MIT

package main

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/pkg/evbus"
	"github.com/evergrid/evbus/pkg/evbus/middleware"
)

// demoEventName is the event the demo loop publishes and consumes.
const demoEventName = "demo.tick"

// demoPublisher drives a self-contained publish/consume loop so a fresh
// deployment shows events, logs, metrics and traces without any external
// producer. The handler goes through the full middleware chain.
type demoPublisher struct {
	getBus   func() evbus.EventBus
	logger   zerolog.Logger
	interval time.Duration
	handler  evbus.Handler

	seq      atomic.Uint64
	consumed atomic.Uint64

	mu   sync.Mutex
	sub  *evbus.Subscription
	done chan struct{}
}

func newDemoPublisher(getBus func() evbus.EventBus, interval time.Duration) *demoPublisher {
	logger := log.WithComponent("demo")
	d := &demoPublisher{
		getBus:   getBus,
		logger:   logger,
		interval: interval,
	}
	d.handler = middleware.Chain(d.handle,
		middleware.Tracing(),
		middleware.Logging(logger),
		middleware.Metrics("demo-tick"),
	)
	return d
}

func (d *demoPublisher) handle(_ context.Context, _ any, meta evbus.Metadata) error {
	d.consumed.Add(1)
	d.logger.Debug().
		Str(log.FieldEventID, meta.EventID).
		Str(log.FieldCorrelationID, meta.CorrelationID).
		Msg("tick consumed")
	return nil
}

// Start subscribes the demo handler and begins the tick loop. The loop stops
// when ctx is cancelled.
func (d *demoPublisher) Start(ctx context.Context) error {
	if err := d.Resubscribe(ctx); err != nil {
		return err
	}
	d.done = make(chan struct{})
	go d.loop(ctx)
	return nil
}

// Resubscribe attaches the demo handler to the current bus. A config reload
// that swaps the adapter discards the old registration along with the old
// bus, so the reload path calls this again on the replacement.
func (d *demoPublisher) Resubscribe(ctx context.Context) error {
	bus := d.getBus()
	if bus == nil {
		return fmt.Errorf("no bus available")
	}
	sub, err := bus.Subscribe(ctx, demoEventName, d.handler)
	if err != nil {
		return err
	}

	d.mu.Lock()
	d.sub = sub
	d.mu.Unlock()
	return nil
}

func (d *demoPublisher) loop(ctx context.Context) {
	defer close(d.done)

	ticker := time.NewTicker(d.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			d.publish(ctx)
		}
	}
}

func (d *demoPublisher) publish(ctx context.Context) {
	bus := d.getBus()
	if bus == nil {
		return
	}

	seq := d.seq.Add(1)
	payload := map[string]any{
		"seq":       seq,
		"emittedAt": time.Now().UTC().Format(time.RFC3339Nano),
	}
	if err := bus.Publish(ctx, demoEventName, payload, nil); err != nil {
		d.logger.Warn().
			Err(err).
			Str(log.FieldEventName, demoEventName).
			Uint64("seq", seq).
			Msg("demo publish failed")
	}
}

// Stop waits for the tick loop to drain and releases the subscription. Used
// as a shutdown hook; by the time it runs the run context is cancelled, so
// the wait is short.
func (d *demoPublisher) Stop(ctx context.Context) error {
	if d.done != nil {
		select {
		case <-d.done:
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	d.mu.Lock()
	sub := d.sub
	d.sub = nil
	d.mu.Unlock()

	if sub == nil {
		return nil
	}
	// The bus shutdown hook runs after this one; the registration may
	// already be gone if a reload swapped the adapter.
	if err := sub.Unsubscribe(ctx); err != nil {
		d.logger.Debug().
			Err(err).
			Str(log.FieldEventName, demoEventName).
			Msg("demo unsubscribe after shutdown")
	}
	return nil
}

// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/require"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/internal/metrics"
)

// setupRedisBus starts a miniredis server and an initialized adapter bound
// to it.
func setupRedisBus(t *testing.T) (*miniredis.Miniredis, *RedisBus) {
	t.Helper()

	mr := miniredis.NewMiniRedis()
	if err := mr.Start(); err != nil {
		t.Fatalf("failed to start miniredis: %v", err)
	}
	t.Cleanup(mr.Close)

	r := NewRedisBus(RedisConfig{URL: "redis://" + mr.Addr(), Source: "test"}, zerolog.Nop())
	if err := r.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize failed: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = r.Cleanup(ctx)
	})

	return mr, r
}

func TestRedisBus_PublishSubscribe(t *testing.T) {
	_, r := setupRedisBus(t)
	ctx := context.Background()

	type delivery struct {
		data any
		meta Metadata
	}
	got := make(chan delivery, 1)

	if _, err := r.Subscribe(ctx, "payment.settled", func(_ context.Context, data any, meta Metadata) error {
		got <- delivery{data: data, meta: meta}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	payload := map[string]any{"paymentId": "pay-1", "amount": 99.99}
	if err := r.Publish(ctx, "payment.settled", payload, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case d := <-got:
		// The payload crossed the wire as JSON, so numbers come back float64.
		data, ok := d.data.(map[string]any)
		if !ok {
			t.Fatalf("expected map payload, got %T", d.data)
		}
		if data["amount"] != 99.99 {
			t.Errorf("expected amount 99.99, got %v", data["amount"])
		}
		if data["paymentId"] != "pay-1" {
			t.Errorf("expected paymentId pay-1, got %v", data["paymentId"])
		}
		if d.meta.EventID == "" {
			t.Error("expected event ID in metadata")
		}
		if d.meta.EventName != "payment.settled" {
			t.Errorf("expected event name payment.settled, got %q", d.meta.EventName)
		}
		if d.meta.Source != "test" {
			t.Errorf("expected source test, got %q", d.meta.Source)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}

	require.Eventually(t, func() bool {
		s := r.Stats()
		return s.Published == 1 && s.Consumed == 1
	}, 2*time.Second, 10*time.Millisecond, "expected counters to settle")
}

func TestRedisBus_CorrelationIDPropagation(t *testing.T) {
	_, r := setupRedisBus(t)
	ctx := log.ContextWithCorrelationID(context.Background(), "corr-42")

	got := make(chan Metadata, 1)
	if _, err := r.Subscribe(ctx, "payment.settled", func(_ context.Context, _ any, meta Metadata) error {
		got <- meta
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := r.Publish(ctx, "payment.settled", "data", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case meta := <-got:
		if meta.CorrelationID != "corr-42" {
			t.Errorf("expected correlation corr-42 across the wire, got %q", meta.CorrelationID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for delivery")
	}
}

func TestRedisBus_PublishNoSubscribers(t *testing.T) {
	_, r := setupRedisBus(t)

	// Pub/sub has no retention: publishing into silence succeeds and the
	// message is gone.
	if err := r.Publish(context.Background(), "nobody.listens", "data", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if got := r.Stats().Published; got != 1 {
		t.Errorf("expected published 1, got %d", got)
	}
}

func TestRedisBus_ExpiredMessageDropped(t *testing.T) {
	mr, r := setupRedisBus(t)
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	if _, err := r.Subscribe(ctx, "stale.event", func(context.Context, any, Metadata) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	before := getCounterValue(t, metrics.DroppedTotal.WithLabelValues(TypePubSub, "ttl_expired"))

	// Inject a message whose TTL elapsed before it arrived.
	env := &envelope{
		EventID:       "evt-stale",
		EventName:     "stale.event",
		Data:          map[string]any{},
		Timestamp:     time.Now().UTC().Add(-time.Hour),
		Source:        "test",
		CorrelationID: "corr-stale",
		Options:       &wireOptions{TTLMs: 1000},
	}
	payload, err := env.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}
	mr.Publish("events:stale.event", string(payload))

	require.Eventually(t, func() bool {
		return getCounterValue(t, metrics.DroppedTotal.WithLabelValues(TypePubSub, "ttl_expired")) > before
	}, 2*time.Second, 10*time.Millisecond, "expected ttl_expired drop")

	select {
	case <-delivered:
		t.Fatal("expired message must not reach handlers")
	default:
	}
}

func TestRedisBus_UndecodableMessageDropped(t *testing.T) {
	mr, r := setupRedisBus(t)
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	if _, err := r.Subscribe(ctx, "binary.noise", func(context.Context, any, Metadata) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	before := getCounterValue(t, metrics.DroppedTotal.WithLabelValues(TypePubSub, "decode_error"))
	mr.Publish("events:binary.noise", "this is not json")

	require.Eventually(t, func() bool {
		return getCounterValue(t, metrics.DroppedTotal.WithLabelValues(TypePubSub, "decode_error")) > before
	}, 2*time.Second, 10*time.Millisecond, "expected decode_error drop")

	select {
	case <-delivered:
		t.Fatal("undecodable message must not reach handlers")
	default:
	}
	if got := r.Stats().Errors; got == 0 {
		t.Error("expected decode failure to count as an error")
	}
}

func TestRedisBus_Unsubscribe(t *testing.T) {
	_, r := setupRedisBus(t)
	ctx := context.Background()

	delivered := make(chan struct{}, 1)
	if _, err := r.Subscribe(ctx, "payment.settled", func(context.Context, any, Metadata) error {
		delivered <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if got := r.channelCount(); got != 1 {
		t.Fatalf("expected 1 open channel, got %d", got)
	}

	if err := r.Unsubscribe(ctx, "payment.settled"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := r.channelCount(); got != 0 {
		t.Errorf("expected channel teardown after Unsubscribe, got %d", got)
	}

	if err := r.Publish(ctx, "payment.settled", "data", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	select {
	case <-delivered:
		t.Fatal("message delivered after Unsubscribe")
	case <-time.After(200 * time.Millisecond):
	}
}

func TestRedisBus_DelayedPublish(t *testing.T) {
	_, r := setupRedisBus(t)
	ctx := context.Background()

	const delay = 80 * time.Millisecond
	got := make(chan time.Time, 1)
	if _, err := r.Subscribe(ctx, "delayed.event", func(context.Context, any, Metadata) error {
		got <- time.Now()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	start := time.Now()
	if err := r.Publish(ctx, "delayed.event", "data", &PublishOptions{Delay: delay}); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	select {
	case at := <-got:
		if elapsed := at.Sub(start); elapsed < delay {
			t.Errorf("delivered after %v, before the %v delay elapsed", elapsed, delay)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timeout waiting for delayed delivery")
	}
}

func TestRedisBus_Health(t *testing.T) {
	_, r := setupRedisBus(t)

	h := r.Health(context.Background())
	if h.Status != StatusHealthy {
		t.Fatalf("expected healthy adapter, got %s: %v", h.Status, h.Details)
	}
	if h.Adapter != TypePubSub {
		t.Errorf("expected adapter %s, got %s", TypePubSub, h.Adapter)
	}
	if h.Details["publisher"] != "up" || h.Details["subscriber"] != "up" {
		t.Errorf("expected both connections up, got %v", h.Details)
	}
	if h.Details["keyPrefix"] != DefaultKeyPrefix {
		t.Errorf("expected key prefix detail, got %v", h.Details["keyPrefix"])
	}
}

func TestRedisBus_HealthUninitialized(t *testing.T) {
	r := NewRedisBus(RedisConfig{}, zerolog.Nop())
	h := r.Health(context.Background())
	if h.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy before Initialize, got %s", h.Status)
	}
}

func TestRedisBus_HealthAfterServerLoss(t *testing.T) {
	mr, r := setupRedisBus(t)

	mr.Close()

	h := r.Health(context.Background())
	if h.Status != StatusUnhealthy {
		t.Errorf("expected unhealthy with the server gone, got %s: %v", h.Status, h.Details)
	}
}

func TestRedisBus_InitializeConnectionRefused(t *testing.T) {
	r := NewRedisBus(RedisConfig{URL: "redis://127.0.0.1:1"}, zerolog.Nop())

	err := r.Initialize(context.Background())
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *ConnectionError, got %T: %v", err, err)
	}
	if cerr.Adapter != TypePubSub {
		t.Errorf("expected adapter %s in error, got %s", TypePubSub, cerr.Adapter)
	}
	if r.isInitialized() {
		t.Error("expected adapter to stay uninitialized after failed Initialize")
	}
}

func TestRedisBus_InitializeBadURL(t *testing.T) {
	r := NewRedisBus(RedisConfig{URL: "::no-scheme"}, zerolog.Nop())
	var cerr *ConnectionError
	if err := r.Initialize(context.Background()); !errors.As(err, &cerr) {
		t.Fatalf("expected *ConnectionError for malformed URL, got %v", err)
	}
}

func TestRedisBus_CleanupIdempotent(t *testing.T) {
	_, r := setupRedisBus(t)
	ctx := context.Background()

	if _, err := r.Subscribe(ctx, "payment.settled", func(context.Context, any, Metadata) error { return nil }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := r.Cleanup(ctx); err != nil {
		t.Fatalf("Cleanup failed: %v", err)
	}
	if err := r.Cleanup(ctx); err != nil {
		t.Fatalf("second Cleanup failed: %v", err)
	}

	if err := r.Publish(ctx, "payment.settled", "data", nil); err == nil {
		t.Error("expected publish after Cleanup to fail")
	}
	if got := r.Stats().Published; got != 0 {
		t.Errorf("expected counters reset by Cleanup, got published %d", got)
	}
}

func TestRedisBus_FanOutToMultipleHandlers(t *testing.T) {
	_, r := setupRedisBus(t)
	ctx := context.Background()

	first := make(chan struct{}, 1)
	second := make(chan struct{}, 1)
	if _, err := r.Subscribe(ctx, "payment.settled", func(context.Context, any, Metadata) error {
		first <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := r.Subscribe(ctx, "payment.settled", func(context.Context, any, Metadata) error {
		second <- struct{}{}
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	if err := r.Publish(ctx, "payment.settled", "data", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	for i, ch := range []chan struct{}{first, second} {
		select {
		case <-ch:
		case <-time.After(3 * time.Second):
			t.Fatalf("timeout waiting for handler %d", i+1)
		}
	}
}

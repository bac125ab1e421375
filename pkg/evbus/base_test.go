// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"errors"
	"strings"
	"sync"
	"testing"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

// stubOps records transport calls so core behavior is testable without a
// real transport.
type stubOps struct {
	mu           sync.Mutex
	binds        map[string]int
	unbinds      map[string]int
	published    []*envelope
	publishErr   error
	subscribeErr error
}

func newStubOps() *stubOps {
	return &stubOps{
		binds:   make(map[string]int),
		unbinds: make(map[string]int),
	}
}

func (s *stubOps) doPublish(_ context.Context, env *envelope) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.publishErr != nil {
		return s.publishErr
	}
	s.published = append(s.published, env)
	return nil
}

func (s *stubOps) doSubscribe(_ context.Context, eventName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.subscribeErr != nil {
		return s.subscribeErr
	}
	s.binds[eventName]++
	return nil
}

func (s *stubOps) doUnsubscribe(_ context.Context, eventName string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.unbinds[eventName]++
	return nil
}

func (s *stubOps) bindCount(eventName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.binds[eventName]
}

func (s *stubOps) unbindCount(eventName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.unbinds[eventName]
}

func newTestCore(t *testing.T) (*core, *stubOps) {
	t.Helper()
	ops := newStubOps()
	c := newCore(TypeMemory, "test-source", ops, zerolog.Nop())
	c.markInitialized()
	return c, ops
}

func TestCore_PublishBeforeInitialize(t *testing.T) {
	ops := newStubOps()
	c := newCore(TypeMemory, "test", ops, zerolog.Nop())

	err := c.Publish(context.Background(), "order.created", "data", nil)
	var nerr *NotInitializedError
	if !errors.As(err, &nerr) {
		t.Fatalf("expected *NotInitializedError, got %T: %v", err, err)
	}
	if nerr.Adapter != TypeMemory {
		t.Errorf("expected adapter %q in error, got %q", TypeMemory, nerr.Adapter)
	}
}

func TestCore_PublishEnvelope(t *testing.T) {
	c, ops := newTestCore(t)

	if err := c.Publish(context.Background(), "order.created", map[string]any{"n": 1}, nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}

	ops.mu.Lock()
	defer ops.mu.Unlock()
	if len(ops.published) != 1 {
		t.Fatalf("expected 1 published envelope, got %d", len(ops.published))
	}
	env := ops.published[0]
	if env.EventID == "" {
		t.Error("expected generated event ID")
	}
	if env.EventName != "order.created" {
		t.Errorf("expected event name order.created, got %q", env.EventName)
	}
	if env.Source != "test-source" {
		t.Errorf("expected source test-source, got %q", env.Source)
	}
	if env.CorrelationID == "" {
		t.Error("expected generated correlation ID")
	}

	if got := c.Stats().Published; got != 1 {
		t.Errorf("expected published counter 1, got %d", got)
	}
}

func TestCore_PublishValidation(t *testing.T) {
	c, _ := newTestCore(t)

	err := c.Publish(context.Background(), "", "data", nil)
	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
}

func TestCore_PublishTransportFailure(t *testing.T) {
	c, ops := newTestCore(t)
	cause := errors.New("wire down")
	ops.publishErr = cause

	err := c.Publish(context.Background(), "order.created", "data", nil)
	var perr *PublishError
	if !errors.As(err, &perr) {
		t.Fatalf("expected *PublishError, got %T: %v", err, err)
	}
	if !errors.Is(err, cause) {
		t.Error("expected wrapped transport error")
	}

	stats := c.Stats()
	if stats.Published != 0 {
		t.Errorf("expected published counter 0 after failure, got %d", stats.Published)
	}
	if stats.Errors != 1 {
		t.Errorf("expected error counter 1, got %d", stats.Errors)
	}
}

func TestCore_SubscribeValidation(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	if _, err := c.Subscribe(ctx, "", func(context.Context, any, Metadata) error { return nil }); err == nil {
		t.Error("expected error for empty event name")
	}
	if _, err := c.Subscribe(ctx, "order.created", nil); err == nil {
		t.Error("expected error for nil handler")
	}
}

func TestCore_LazyBinding(t *testing.T) {
	c, ops := newTestCore(t)
	ctx := context.Background()
	noop := func(context.Context, any, Metadata) error { return nil }

	s1, err := c.Subscribe(ctx, "order.created", noop)
	if err != nil {
		t.Fatalf("first Subscribe failed: %v", err)
	}
	s2, err := c.Subscribe(ctx, "order.created", noop)
	if err != nil {
		t.Fatalf("second Subscribe failed: %v", err)
	}
	if _, err := c.Subscribe(ctx, "order.shipped", noop); err != nil {
		t.Fatalf("other-name Subscribe failed: %v", err)
	}

	if got := ops.bindCount("order.created"); got != 1 {
		t.Errorf("expected 1 transport bind for order.created, got %d", got)
	}
	if got := ops.bindCount("order.shipped"); got != 1 {
		t.Errorf("expected 1 transport bind for order.shipped, got %d", got)
	}
	if s1.ID == s2.ID {
		t.Error("expected distinct subscription IDs")
	}

	// Removing one of two handlers must not tear the binding down.
	if err := s1.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := ops.unbindCount("order.created"); got != 0 {
		t.Errorf("expected no unbind while a handler remains, got %d", got)
	}

	// Removing the last handler tears it down exactly once.
	if err := s2.Unsubscribe(ctx); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := ops.unbindCount("order.created"); got != 1 {
		t.Errorf("expected 1 unbind after last handler removed, got %d", got)
	}

	// A second Unsubscribe on the same handle is a no-op.
	if err := s2.Unsubscribe(ctx); err != nil {
		t.Fatalf("repeat Unsubscribe failed: %v", err)
	}
	if got := ops.unbindCount("order.created"); got != 1 {
		t.Errorf("expected unbind count to stay 1, got %d", got)
	}
}

func TestCore_SubscribeBindFailureRollsBack(t *testing.T) {
	c, ops := newTestCore(t)
	ops.subscribeErr = errors.New("bind refused")

	_, err := c.Subscribe(context.Background(), "order.created", func(context.Context, any, Metadata) error { return nil })
	if err == nil {
		t.Fatal("expected bind failure to surface")
	}
	if got := c.Stats().ActiveSubscriptions; got != 0 {
		t.Errorf("expected no registered handlers after failed bind, got %d", got)
	}
}

func TestCore_UnsubscribeAll(t *testing.T) {
	c, ops := newTestCore(t)
	ctx := context.Background()
	noop := func(context.Context, any, Metadata) error { return nil }

	for i := 0; i < 3; i++ {
		if _, err := c.Subscribe(ctx, "order.created", noop); err != nil {
			t.Fatalf("Subscribe failed: %v", err)
		}
	}
	if got := c.Stats().ActiveSubscriptions; got != 3 {
		t.Fatalf("expected 3 active subscriptions, got %d", got)
	}

	if err := c.Unsubscribe(ctx, "order.created"); err != nil {
		t.Fatalf("Unsubscribe failed: %v", err)
	}
	if got := c.Stats().ActiveSubscriptions; got != 0 {
		t.Errorf("expected 0 active subscriptions, got %d", got)
	}
	if got := ops.unbindCount("order.created"); got != 1 {
		t.Errorf("expected 1 unbind, got %d", got)
	}

	// Unknown names are a no-op.
	if err := c.Unsubscribe(ctx, "never.subscribed"); err != nil {
		t.Errorf("expected nil for unknown name, got %v", err)
	}
}

func TestCore_HandlerIsolation(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	cause := errors.New("handler exploded")
	var otherRan sync.WaitGroup
	otherRan.Add(1)

	if _, err := c.Subscribe(ctx, "order.created", func(context.Context, any, Metadata) error {
		return cause
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}
	if _, err := c.Subscribe(ctx, "order.created", func(context.Context, any, Metadata) error {
		otherRan.Done()
		return nil
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := c.newEnvelope(ctx, "order.created", "data", nil)
	env.deliveryAttempt = 1
	failures := c.executeHandlers(ctx, env)

	otherRan.Wait()
	if len(failures) != 1 {
		t.Fatalf("expected 1 failure, got %d", len(failures))
	}
	var herr *HandlerError
	if !errors.As(failures[0], &herr) {
		t.Fatalf("expected *HandlerError, got %T", failures[0])
	}
	if !errors.Is(failures[0], cause) {
		t.Error("expected wrapped handler error")
	}

	stats := c.Stats()
	if stats.Consumed != 1 {
		t.Errorf("expected consumed 1 for the succeeding handler, got %d", stats.Consumed)
	}
	if stats.Errors != 1 {
		t.Errorf("expected errors 1 for the failing handler, got %d", stats.Errors)
	}
}

func TestCore_HandlerPanicRecovered(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	if _, err := c.Subscribe(ctx, "order.created", func(context.Context, any, Metadata) error {
		panic("boom")
	}); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	env := c.newEnvelope(ctx, "order.created", "data", nil)
	env.deliveryAttempt = 1
	failures := c.executeHandlers(ctx, env)

	if len(failures) != 1 {
		t.Fatalf("expected panic to surface as 1 failure, got %d", len(failures))
	}
	if got := failures[0].Error(); !strings.Contains(got, "handler panic") {
		t.Errorf("expected panic marker in error, got %q", got)
	}
}

func TestCore_ExecuteHandlersNoSubscribers(t *testing.T) {
	c, _ := newTestCore(t)
	env := c.newEnvelope(context.Background(), "order.created", "data", nil)
	if failures := c.executeHandlers(context.Background(), env); failures != nil {
		t.Errorf("expected nil failures with no subscribers, got %v", failures)
	}
}

func TestCore_MarkClosedResetsCounters(t *testing.T) {
	c, _ := newTestCore(t)
	ctx := context.Background()

	if err := c.Publish(ctx, "order.created", "data", nil); err != nil {
		t.Fatalf("Publish failed: %v", err)
	}
	if _, err := c.Subscribe(ctx, "order.created", func(context.Context, any, Metadata) error { return nil }); err != nil {
		t.Fatalf("Subscribe failed: %v", err)
	}

	c.markClosed()

	stats := c.Stats()
	if stats.Published != 0 || stats.Consumed != 0 || stats.Errors != 0 {
		t.Errorf("expected zeroed counters after close, got %+v", stats)
	}
	if stats.ActiveSubscriptions != 0 {
		t.Errorf("expected cleared registry after close, got %d", stats.ActiveSubscriptions)
	}
	if stats.Uptime != 0 {
		t.Errorf("expected zero uptime after close, got %v", stats.Uptime)
	}

	if err := c.Publish(ctx, "order.created", "data", nil); err == nil {
		t.Error("expected publish after close to fail")
	}
}

func TestCore_ConcurrentPublishSubscribe(t *testing.T) {
	c, ops := newTestCore(t)
	ctx := context.Background()
	noop := func(context.Context, any, Metadata) error { return nil }

	var g errgroup.Group
	for i := 0; i < 8; i++ {
		g.Go(func() error {
			for j := 0; j < 50; j++ {
				if err := c.Publish(ctx, "load.test", j, nil); err != nil {
					return err
				}
			}
			return nil
		})
		g.Go(func() error {
			_, err := c.Subscribe(ctx, "load.test", noop)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		t.Fatalf("concurrent use failed: %v", err)
	}

	if got := c.Stats().Published; got != 400 {
		t.Errorf("expected 400 publishes, got %d", got)
	}
	if got := ops.bindCount("load.test"); got != 1 {
		t.Errorf("expected a single transport bind under concurrency, got %d", got)
	}
}

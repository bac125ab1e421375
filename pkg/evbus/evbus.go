// SPDX-License-Identifier: MIT

// Package evbus provides a pluggable publish/subscribe event bus with
// interchangeable transport adapters: an in-process queue, Redis pub/sub,
// a durable RabbitMQ broker, and a no-op sink. All adapters expose the same
// contract; delivery guarantees differ per transport and are documented on
// each adapter.
package evbus

import (
	"context"
	"time"
)

// Adapter type identifiers. The factory resolves these from configuration and
// Type() reports them back for stats and health.
const (
	TypeMemory = "memory"
	TypePubSub = "pubsub"
	TypeBroker = "broker"
	TypeNoop   = "noop"
)

// Status is the tri-state health classification of an adapter.
type Status string

const (
	StatusHealthy   Status = "healthy"
	StatusDegraded  Status = "degraded"
	StatusUnhealthy Status = "unhealthy"
)

// Handler processes one delivered event. Handlers for the same event name run
// concurrently and independently; a handler error is isolated, counted, and
// resolved by the adapter's retry or dead-letter policy, never surfaced to
// the publisher.
type Handler func(ctx context.Context, data any, meta Metadata) error

// Health is a point-in-time health report. Health() never fails; a broken
// adapter reports StatusUnhealthy or StatusDegraded instead of returning an
// error, so external monitoring keeps working while the transport is down.
type Health struct {
	Status    Status         `json:"status"`
	Adapter   string         `json:"adapter"`
	Uptime    time.Duration  `json:"uptime"`
	LastCheck time.Time      `json:"lastCheck"`
	Details   map[string]any `json:"details,omitempty"`
}

// Stats is a snapshot of an adapter's cumulative counters. Counters are
// monotonic for the lifetime of an adapter instance and reset only by
// Cleanup.
type Stats struct {
	Adapter             string        `json:"adapter"`
	Published           int64         `json:"published"`
	Consumed            int64         `json:"consumed"`
	Errors              int64         `json:"errors"`
	ActiveSubscriptions int64         `json:"activeSubscriptions"`
	Uptime              time.Duration `json:"uptime"`
	MemoryBytes         uint64        `json:"memoryBytes,omitempty"`
}

// EventBus is the transport-agnostic bus contract.
//
// Initialize and Cleanup are idempotent. Publish, Subscribe and Unsubscribe
// fail with *NotInitializedError outside the initialized lifecycle window.
// Health and Stats remain callable and truthful in every state.
type EventBus interface {
	// Initialize opens transport connections and asserts broker topology.
	// A setup failure is reported as *ConnectionError.
	Initialize(ctx context.Context) error

	// Publish serializes data into a wire envelope and hands it to the
	// transport. Transport rejections surface as *PublishError.
	Publish(ctx context.Context, eventName string, data any, opts *PublishOptions) error

	// Subscribe registers a handler for an event name. The transport binding
	// for a name is created lazily when its first handler is registered. The
	// returned Subscription removes exactly this registration again.
	Subscribe(ctx context.Context, eventName string, handler Handler) (*Subscription, error)

	// Unsubscribe removes all handlers for an event name and tears down the
	// transport binding. Unknown names are a no-op.
	Unsubscribe(ctx context.Context, eventName string) error

	// Health reports adapter health. It never fails.
	Health(ctx context.Context) Health

	// Stats returns the adapter's counter snapshot.
	Stats() Stats

	// Type reports the adapter type identifier.
	Type() string

	// Cleanup closes connections, clears the handler registry and resets
	// counters. It never fails and may be called more than once.
	Cleanup(ctx context.Context) error
}

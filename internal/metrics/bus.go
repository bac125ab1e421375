// SPDX-License-Identifier: MIT

// Package metrics exposes Prometheus collectors for event bus activity.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Handler outcome label values.
const (
	OutcomeSuccess = "success"
	OutcomeError   = "error"
)

var (
	PublishedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evbus_published_total",
		Help: "Total number of events accepted by an adapter for delivery",
	}, []string{"adapter", "event"})

	PublishErrorsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evbus_publish_errors_total",
		Help: "Total number of publish attempts rejected by the transport",
	}, []string{"adapter", "event"})

	ConsumedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evbus_consumed_total",
		Help: "Total number of handler invocations by outcome",
	}, []string{"adapter", "event", "outcome"})

	HandlerDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evbus_handler_duration_seconds",
		Help:    "Handler execution time per event",
		Buckets: prometheus.DefBuckets,
	}, []string{"adapter", "event"})

	DroppedTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evbus_dropped_total",
		Help: "Total number of events dropped before delivery by reason",
	}, []string{"adapter", "reason"})

	RetriesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evbus_retries_total",
		Help: "Total number of delivery retries scheduled",
	}, []string{"adapter", "event"})

	ActiveSubscriptions = promauto.NewGaugeVec(prometheus.GaugeOpts{
		Name: "evbus_active_subscriptions",
		Help: "Currently registered handler subscriptions",
	}, []string{"adapter"})

	HandledTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "evbus_handled_total",
		Help: "Total number of invocations per named handler by outcome",
	}, []string{"handler", "event", "outcome"})

	HandledDuration = promauto.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "evbus_handled_duration_seconds",
		Help:    "Execution time per named handler",
		Buckets: prometheus.DefBuckets,
	}, []string{"handler", "event"})
)

// IncPublished records a successfully published event.
func IncPublished(adapter, event string) {
	PublishedTotal.WithLabelValues(orUnknown(adapter), orUnknown(event)).Inc()
}

// IncPublishError records a publish rejected by the transport.
func IncPublishError(adapter, event string) {
	PublishErrorsTotal.WithLabelValues(orUnknown(adapter), orUnknown(event)).Inc()
}

// IncConsumed records a handler invocation with a concrete outcome.
func IncConsumed(adapter, event, outcome string) {
	ConsumedTotal.WithLabelValues(orUnknown(adapter), orUnknown(event), orUnknown(outcome)).Inc()
}

// ObserveHandlerDuration records handler execution time in seconds.
func ObserveHandlerDuration(adapter, event string, seconds float64) {
	HandlerDuration.WithLabelValues(orUnknown(adapter), orUnknown(event)).Observe(seconds)
}

// IncDropped records an event dropped before delivery.
func IncDropped(adapter, reason string) {
	DroppedTotal.WithLabelValues(orUnknown(adapter), orUnknown(reason)).Inc()
}

// IncRetry records a scheduled delivery retry.
func IncRetry(adapter, event string) {
	RetriesTotal.WithLabelValues(orUnknown(adapter), orUnknown(event)).Inc()
}

// AddActiveSubscriptions adjusts the live subscription gauge by delta.
func AddActiveSubscriptions(adapter string, delta float64) {
	ActiveSubscriptions.WithLabelValues(orUnknown(adapter)).Add(delta)
}

// ResetActiveSubscriptions zeroes the live subscription gauge for an adapter.
func ResetActiveSubscriptions(adapter string) {
	ActiveSubscriptions.WithLabelValues(orUnknown(adapter)).Set(0)
}

// ObserveHandled records one invocation of a named handler.
func ObserveHandled(handler, event string, seconds float64, ok bool) {
	outcome := OutcomeSuccess
	if !ok {
		outcome = OutcomeError
	}
	HandledTotal.WithLabelValues(orUnknown(handler), orUnknown(event), outcome).Inc()
	HandledDuration.WithLabelValues(orUnknown(handler), orUnknown(event)).Observe(seconds)
}

func orUnknown(v string) string {
	if v == "" {
		return "unknown"
	}
	return v
}

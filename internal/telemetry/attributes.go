// SPDX-License-Identifier: MIT

package telemetry

import (
	"go.opentelemetry.io/otel/attribute"
)

// Common attribute keys for consistent tracing across the bus.
const (
	// Event attributes
	EventNameKey        = "event.name"
	EventIDKey          = "event.id"
	EventCorrelationKey = "event.correlation_id"
	EventSourceKey      = "event.source"
	EventRetryCountKey  = "event.retry_count"

	// Transport attributes
	TransportAdapterKey  = "transport.adapter"
	TransportQueueKey    = "transport.queue"
	TransportChannelKey  = "transport.channel"
	TransportExchangeKey = "transport.exchange"

	// Handler attributes
	HandlerNameKey       = "handler.name"
	HandlerOutcomeKey    = "handler.outcome"
	HandlerDurationMSKey = "handler.duration_ms"

	// Error attributes
	ErrorKey     = "error"
	ErrorTypeKey = "error.type"
)

// EventAttributes creates span attributes for a delivered event. Empty
// correlation IDs are omitted rather than recorded as blanks.
func EventAttributes(name, id, correlationID string, retryCount int) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	attrs = append(attrs,
		attribute.String(EventNameKey, name),
		attribute.String(EventIDKey, id),
	)
	if correlationID != "" {
		attrs = append(attrs, attribute.String(EventCorrelationKey, correlationID))
	}
	attrs = append(attrs, attribute.Int(EventRetryCountKey, retryCount))
	return attrs
}

// TransportAttributes creates span attributes describing the transport a
// message travelled through. Empty fields are skipped.
func TransportAttributes(adapter, queue, channel, exchange string) []attribute.KeyValue {
	attrs := make([]attribute.KeyValue, 0, 4)
	if adapter != "" {
		attrs = append(attrs, attribute.String(TransportAdapterKey, adapter))
	}
	if queue != "" {
		attrs = append(attrs, attribute.String(TransportQueueKey, queue))
	}
	if channel != "" {
		attrs = append(attrs, attribute.String(TransportChannelKey, channel))
	}
	if exchange != "" {
		attrs = append(attrs, attribute.String(TransportExchangeKey, exchange))
	}
	return attrs
}

// HandlerAttributes creates span attributes for a handler invocation.
func HandlerAttributes(name, outcome string, durationMS int64) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.String(HandlerNameKey, name),
		attribute.String(HandlerOutcomeKey, outcome),
		attribute.Int64(HandlerDurationMSKey, durationMS),
	}
}

// ErrorAttributes creates error-related span attributes.
func ErrorAttributes(_ error, errorType string) []attribute.KeyValue {
	return []attribute.KeyValue{
		attribute.Bool(ErrorKey, true),
		attribute.String(ErrorTypeKey, errorType),
	}
}

// SPDX-License-Identifier: MIT

package log

// Canonical field name constants for structured logging.
const (
	// Identity fields
	FieldCorrelationID = "correlation_id"
	FieldCausationID   = "causation_id"
	FieldEventID       = "event_id"
	FieldEventName     = "event_name"
	FieldSubscription  = "subscription_id"

	// Process fields
	FieldEvent     = "event"
	FieldComponent = "component"
	FieldAdapter   = "adapter"

	// Delivery fields
	FieldAttempt  = "attempt"
	FieldQueue    = "queue"
	FieldChannel  = "channel"
	FieldExchange = "exchange"
	FieldReason   = "reason"

	// Timing fields
	FieldDuration = "duration_ms"
	FieldDelay    = "delay_ms"
)

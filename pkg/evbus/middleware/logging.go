// SPDX-License-Identifier: MIT

package middleware

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/evergrid/evbus/internal/log"
	"github.com/evergrid/evbus/pkg/evbus"
)

// DefaultPayloadLogLimit caps the payload bytes rendered into log entries.
const DefaultPayloadLogLimit = 2048

// Logging wraps a handler with structured start, success and failure entries
// carrying the event identity, correlation ID and duration. Payloads above
// the default size cap are truncated in the log, never omitted.
func Logging(logger zerolog.Logger) Middleware {
	return LoggingWithLimit(logger, DefaultPayloadLogLimit)
}

// LoggingWithLimit is Logging with an explicit payload size cap in bytes.
func LoggingWithLimit(logger zerolog.Logger, limit int) Middleware {
	if limit <= 0 {
		limit = DefaultPayloadLogLimit
	}
	return func(next evbus.Handler) evbus.Handler {
		return func(ctx context.Context, data any, meta evbus.Metadata) error {
			payload, truncated := renderPayload(data, limit)
			logger.Debug().
				Str(log.FieldEvent, "handler.start").
				Str(log.FieldEventName, meta.EventName).
				Str(log.FieldEventID, meta.EventID).
				Str(log.FieldCorrelationID, meta.CorrelationID).
				Int(log.FieldAttempt, meta.RetryCount+1).
				Str("payload", payload).
				Bool("payload_truncated", truncated).
				Msg("handler starting")

			start := time.Now()
			err := next(ctx, data, meta)
			elapsed := time.Since(start)

			if err != nil {
				logger.Error().Err(err).
					Str(log.FieldEvent, "handler.failed").
					Str(log.FieldEventName, meta.EventName).
					Str(log.FieldEventID, meta.EventID).
					Str(log.FieldCorrelationID, meta.CorrelationID).
					Int(log.FieldAttempt, meta.RetryCount+1).
					Int64(log.FieldDuration, elapsed.Milliseconds()).
					Msg("handler failed")
				return err
			}

			logger.Debug().
				Str(log.FieldEvent, "handler.ok").
				Str(log.FieldEventName, meta.EventName).
				Str(log.FieldEventID, meta.EventID).
				Str(log.FieldCorrelationID, meta.CorrelationID).
				Int64(log.FieldDuration, elapsed.Milliseconds()).
				Msg("handler succeeded")
			return nil
		}
	}
}

// renderPayload serializes data for logging and truncates it at limit bytes.
// Unserializable payloads fall back to their fmt rendering.
func renderPayload(data any, limit int) (string, bool) {
	raw, err := json.Marshal(data)
	if err != nil {
		raw = []byte(fmt.Sprintf("%v", data))
	}
	if len(raw) <= limit {
		return string(raw), false
	}
	return string(raw[:limit]) + "...", true
}

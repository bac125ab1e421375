// SPDX-License-Identifier: MIT

package middleware

import (
	"context"

	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/evergrid/evbus/internal/telemetry"
	"github.com/evergrid/evbus/pkg/evbus"
)

// Tracing wraps a handler in an OpenTelemetry consumer span named
// "evbus.consume <eventName>", carrying the event identity and retry state
// as attributes. Handler failures are recorded on the span and still
// returned unchanged.
func Tracing() Middleware {
	tracer := telemetry.Tracer("evbus")
	return func(next evbus.Handler) evbus.Handler {
		return func(ctx context.Context, data any, meta evbus.Metadata) error {
			ctx, span := tracer.Start(ctx, "evbus.consume "+meta.EventName,
				trace.WithSpanKind(trace.SpanKindConsumer),
				trace.WithAttributes(telemetry.EventAttributes(meta.EventName, meta.EventID, meta.CorrelationID, meta.RetryCount)...),
			)
			defer span.End()

			if err := next(ctx, data, meta); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, err.Error())
				return err
			}
			span.SetStatus(codes.Ok, "")
			return nil
		}
	}
}

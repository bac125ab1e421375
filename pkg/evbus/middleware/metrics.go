// SPDX-License-Identifier: MIT

package middleware

import (
	"context"
	"time"

	"github.com/evergrid/evbus/internal/metrics"
	"github.com/evergrid/evbus/pkg/evbus"
)

// Metrics wraps a handler with per-handler Prometheus accounting: an
// invocation counter by outcome and a duration histogram, labelled with the
// given handler name and the event type. The adapters already record
// per-adapter totals; this adds the per-handler dimension they cannot see.
func Metrics(handlerName string) Middleware {
	return func(next evbus.Handler) evbus.Handler {
		return func(ctx context.Context, data any, meta evbus.Metadata) error {
			start := time.Now()
			err := next(ctx, data, meta)
			metrics.ObserveHandled(handlerName, meta.EventName, time.Since(start).Seconds(), err == nil)
			return err
		}
	}
}

// SPDX-License-Identifier: MIT

package ops

import (
	"net/http"

	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"go.opentelemetry.io/otel"
	semconv "go.opentelemetry.io/otel/semconv/v1.24.0"
	"go.opentelemetry.io/otel/trace"
)

// OTelHTTP wraps the handler with OpenTelemetry HTTP instrumentation.
// This automatically creates spans for all HTTP requests and propagates trace context.
func OTelHTTP(serviceName string) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return otelhttp.NewHandler(
			next,
			serviceName,
			otelhttp.WithTracerProvider(otel.GetTracerProvider()),
			otelhttp.WithSpanOptions(
				trace.WithAttributes(
					semconv.ServiceName(serviceName),
				),
			),
			otelhttp.WithMessageEvents(otelhttp.ReadEvents, otelhttp.WriteEvents),
			otelhttp.WithFilter(shouldTrace),
			otelhttp.WithSpanNameFormatter(spanNameFormatter),
		)
	}
}

// shouldTrace determines if a request should be traced.
// Probe and scrape endpoints are skipped to reduce noise.
func shouldTrace(r *http.Request) bool {
	switch r.URL.Path {
	case "/healthz", "/readyz", "/livez", "/metrics":
		return false
	}

	return true
}

// spanNameFormatter creates meaningful span names from HTTP requests.
// Format: "HTTP {METHOD} {ROUTE}" (e.g., "HTTP POST /demo/publish")
func spanNameFormatter(operation string, r *http.Request) string {
	route := r.URL.Path

	// Remove query parameters for cleaner span names
	if r.URL.RawQuery != "" {
		return operation + " " + route + "?" // Indicate query params without exposing values
	}

	return operation + " " + route
}

// SPDX-License-Identifier: MIT

package ops

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/evergrid/evbus/internal/health"
)

// Config configures the ops router.
type Config struct {
	// Service is the tracing service name (empty disables tracing)
	Service string

	// Health serves the health and readiness probes
	Health *health.Manager

	// Metrics serves the Prometheus scrape endpoint
	Metrics http.Handler

	// Publisher serves POST /demo/publish when set (demo mode)
	Publisher http.Handler

	// RateLimitRPM bounds requests per client IP per minute (0 disables)
	RateLimitRPM int
}

// NewRouter constructs a chi router with the ops middleware stack applied.
func NewRouter(cfg Config) *chi.Mux {
	r := chi.NewRouter()

	// 1. Recoverer (outermost safety net)
	r.Use(Recoverer)
	// 2. RequestID (correlation early)
	r.Use(RequestID)
	// 3. Metrics (track all requests)
	r.Use(Metrics())
	// 4. Tracing (probe endpoints are filtered out)
	if cfg.Service != "" {
		r.Use(OTelHTTP(cfg.Service))
	}
	// 5. Rate limit (global protection)
	if cfg.RateLimitRPM > 0 {
		r.Use(RateLimit(cfg.RateLimitRPM, time.Minute))
	}

	r.Get("/healthz", cfg.Health.ServeHealth)
	r.Get("/readyz", cfg.Health.ServeReady)
	r.Method(http.MethodGet, "/metrics", cfg.Metrics)
	if cfg.Publisher != nil {
		r.Method(http.MethodPost, "/demo/publish", cfg.Publisher)
	}

	return r
}

// SPDX-License-Identifier: MIT

// Package middleware provides composable, adapter-agnostic decorators for
// event handlers: structured logging, retry with backoff, tracing and
// metrics. Middleware wraps the handler function, never the transport, so
// the same stack works on every bus adapter.
package middleware

import "github.com/evergrid/evbus/pkg/evbus"

// Middleware decorates a handler with a cross-cutting concern.
type Middleware func(evbus.Handler) evbus.Handler

// Chain wraps h with the given middleware, outermost first: the first
// middleware observes the call before and after all later ones.
//
//	Chain(h, Logging(l), Retry(cfg))
//
// logs once per delivery and retries inside that log scope.
func Chain(h evbus.Handler, mws ...Middleware) evbus.Handler {
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

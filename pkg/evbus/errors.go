// SPDX-License-Identifier: MIT

package evbus

import "fmt"

// ValidationError reports a missing or malformed event field detected at
// construction time, before anything reaches a transport.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("event validation: field %q %s", e.Field, e.Reason)
}

// NotInitializedError reports an operation attempted before Initialize or
// after Cleanup. It names the adapter type so miswired call sites are easy
// to spot in logs.
type NotInitializedError struct {
	Adapter string
}

func (e *NotInitializedError) Error() string {
	return fmt.Sprintf("%s adapter is not initialized", e.Adapter)
}

// ConnectionError wraps a transport setup failure. It is fatal to the
// adapter instance and surfaced by Initialize.
type ConnectionError struct {
	Adapter string
	Err     error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("%s adapter connection failed: %v", e.Adapter, e.Err)
}

func (e *ConnectionError) Unwrap() error { return e.Err }

// PublishError reports a publish the transport rejected or that failed to
// serialize. It is surfaced synchronously to the publisher.
type PublishError struct {
	Adapter string
	Event   string
	Err     error
}

func (e *PublishError) Error() string {
	return fmt.Sprintf("%s adapter failed to publish %q: %v", e.Adapter, e.Event, e.Err)
}

func (e *PublishError) Unwrap() error { return e.Err }

// HandlerError wraps a subscriber failure. Handler failures are isolated per
// handler, counted, and logged; they propagate to the adapter's delivery
// acknowledgment logic, never to the publisher.
type HandlerError struct {
	Event string
	Err   error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("handler for %q failed: %v", e.Event, e.Err)
}

func (e *HandlerError) Unwrap() error { return e.Err }

// RetryExhaustedError reports that retry middleware ran out of attempts. The
// wrapped error is the last handler failure.
type RetryExhaustedError struct {
	Attempts int
	Err      error
}

func (e *RetryExhaustedError) Error() string {
	return fmt.Sprintf("retries exhausted after %d attempts: %v", e.Attempts, e.Err)
}

func (e *RetryExhaustedError) Unwrap() error { return e.Err }

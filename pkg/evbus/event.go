// SPDX-License-Identifier: MIT

package evbus

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// DefaultEventVersion is stamped onto events constructed without an explicit
// schema version.
const DefaultEventVersion = "1.0.0"

// Event is a self-describing, uniquely identified domain event. Type,
// AggregateID, AggregateType and Data are required and immutable after
// construction; ID is unique per publish attempt.
type Event struct {
	ID            string    `json:"eventId"`
	Type          string    `json:"eventType"`
	Version       string    `json:"eventVersion"`
	AggregateID   string    `json:"aggregateId"`
	AggregateType string    `json:"aggregateType"`
	Timestamp     time.Time `json:"timestamp"`
	Data          any       `json:"data"`
	Metadata      Metadata  `json:"metadata"`
}

// Metadata carries provenance and delivery state alongside a payload. The
// same type is handed to handlers on dispatch, where EventID and EventName
// identify the concrete delivery. RetryCount starts at zero and is advanced
// only by redelivery and the retry middleware.
type Metadata struct {
	EventID       string    `json:"eventId,omitempty"`
	EventName     string    `json:"eventName,omitempty"`
	CorrelationID string    `json:"correlationId"`
	CausationID   string    `json:"causationId,omitempty"`
	Source        string    `json:"source"`
	SourceVersion string    `json:"sourceVersion,omitempty"`
	UserID        string    `json:"userId,omitempty"`
	PublishedAt   time.Time `json:"publishedAt"`
	RetryCount    int       `json:"retryCount"`
}

// PublishOptions tune the delivery of a single publish call. A nil
// *PublishOptions means defaults everywhere.
//
// Delay and TTL are best-effort: delayed publishes are held by in-process
// timers (or a broker delay header) and do not survive an adapter restart;
// TTL is checked at dispatch time, not by preemption.
type PublishOptions struct {
	// Delay postpones visibility to subscribers.
	Delay time.Duration
	// TTL discards the event if it is still undelivered after this duration.
	TTL time.Duration
	// Priority is honored only by brokers that support per-message priority.
	Priority uint8
	// Persistent marks the message durable on brokers with durable storage.
	Persistent bool
	// RetryAttempts caps redeliveries after a failed handler set. Zero means
	// the adapter's configured default.
	RetryAttempts int
	// DeadLetterQueue names the destination for exhausted messages on
	// adapters with dead-letter support.
	DeadLetterQueue string
}

// EventOptions override optional fields when constructing an Event.
type EventOptions struct {
	Version       string
	CorrelationID string
	CausationID   string
	Source        string
	SourceVersion string
	UserID        string
}

// NewEvent constructs a well-formed Event with a fresh unique ID. Missing
// required fields fail with *ValidationError. A missing correlation ID is
// defaulted to a freshly generated value so every event can anchor a causal
// chain.
func NewEvent(eventType, aggregateID, aggregateType string, data any, opts *EventOptions) (*Event, error) {
	if eventType == "" {
		return nil, &ValidationError{Field: "eventType", Reason: "must not be empty"}
	}
	if aggregateID == "" {
		return nil, &ValidationError{Field: "aggregateId", Reason: "must not be empty"}
	}
	if aggregateType == "" {
		return nil, &ValidationError{Field: "aggregateType", Reason: "must not be empty"}
	}
	if data == nil {
		return nil, &ValidationError{Field: "data", Reason: "must not be nil"}
	}

	var o EventOptions
	if opts != nil {
		o = *opts
	}
	if o.Version == "" {
		o.Version = DefaultEventVersion
	}
	if o.CorrelationID == "" {
		o.CorrelationID = uuid.NewString()
	}

	now := time.Now().UTC()
	id := uuid.NewString()
	return &Event{
		ID:            id,
		Type:          eventType,
		Version:       o.Version,
		AggregateID:   aggregateID,
		AggregateType: aggregateType,
		Timestamp:     now,
		Data:          data,
		Metadata: Metadata{
			EventID:       id,
			EventName:     eventType,
			CorrelationID: o.CorrelationID,
			CausationID:   o.CausationID,
			Source:        o.Source,
			SourceVersion: o.SourceVersion,
			UserID:        o.UserID,
			PublishedAt:   now,
		},
	}, nil
}

// EventBuilder accumulates event fields via chained setters and validates at
// Build time. Use it when fields arrive incrementally; NewEvent covers the
// common single-call case.
type EventBuilder struct {
	eventType     string
	aggregateID   string
	aggregateType string
	data          any
	opts          EventOptions
}

// NewEventBuilder returns an empty builder.
func NewEventBuilder() *EventBuilder {
	return &EventBuilder{}
}

func (b *EventBuilder) WithType(eventType string) *EventBuilder {
	b.eventType = eventType
	return b
}

func (b *EventBuilder) WithAggregateID(id string) *EventBuilder {
	b.aggregateID = id
	return b
}

func (b *EventBuilder) WithAggregateType(t string) *EventBuilder {
	b.aggregateType = t
	return b
}

func (b *EventBuilder) WithData(data any) *EventBuilder {
	b.data = data
	return b
}

func (b *EventBuilder) WithVersion(version string) *EventBuilder {
	b.opts.Version = version
	return b
}

func (b *EventBuilder) WithCorrelationID(id string) *EventBuilder {
	b.opts.CorrelationID = id
	return b
}

func (b *EventBuilder) WithCausationID(id string) *EventBuilder {
	b.opts.CausationID = id
	return b
}

func (b *EventBuilder) WithSource(source string) *EventBuilder {
	b.opts.Source = source
	return b
}

func (b *EventBuilder) WithSourceVersion(version string) *EventBuilder {
	b.opts.SourceVersion = version
	return b
}

func (b *EventBuilder) WithUserID(id string) *EventBuilder {
	b.opts.UserID = id
	return b
}

// Build validates the accumulated fields and constructs the Event. It fails
// fast with *ValidationError naming the first missing required field.
func (b *EventBuilder) Build() (*Event, error) {
	return NewEvent(b.eventType, b.aggregateID, b.aggregateType, b.data, &b.opts)
}

// envelope is the wire form every networked adapter serializes as UTF-8
// JSON. The field set and names are shared across transports so a message
// published through one adapter deployment is readable by another.
type envelope struct {
	EventID       string       `json:"eventId"`
	EventName     string       `json:"eventName"`
	Data          any          `json:"data"`
	Timestamp     time.Time    `json:"timestamp"`
	Source        string       `json:"source"`
	CorrelationID string       `json:"correlationId"`
	Options       *wireOptions `json:"options,omitempty"`

	// deliveryAttempt is local dispatch state, never serialized. The first
	// delivery is attempt 1.
	deliveryAttempt int

	// retriesLeft is the in-process adapter's remaining redelivery budget.
	retriesLeft int
}

// wireOptions is the JSON form of PublishOptions. Durations travel as
// integer milliseconds for cross-language symmetry.
type wireOptions struct {
	DelayMs         int64  `json:"delay,omitempty"`
	TTLMs           int64  `json:"ttl,omitempty"`
	Priority        uint8  `json:"priority,omitempty"`
	Persistent      bool   `json:"persistent,omitempty"`
	RetryAttempts   int    `json:"retryAttempts,omitempty"`
	DeadLetterQueue string `json:"deadLetterQueue,omitempty"`
}

func toWireOptions(o *PublishOptions) *wireOptions {
	if o == nil {
		return nil
	}
	return &wireOptions{
		DelayMs:         o.Delay.Milliseconds(),
		TTLMs:           o.TTL.Milliseconds(),
		Priority:        o.Priority,
		Persistent:      o.Persistent,
		RetryAttempts:   o.RetryAttempts,
		DeadLetterQueue: o.DeadLetterQueue,
	}
}

// options converts the wire options back to PublishOptions. Mutating the
// result does not change the envelope.
func (e *envelope) options() *PublishOptions {
	if e.Options == nil {
		return nil
	}
	return &PublishOptions{
		Delay:           time.Duration(e.Options.DelayMs) * time.Millisecond,
		TTL:             time.Duration(e.Options.TTLMs) * time.Millisecond,
		Priority:        e.Options.Priority,
		Persistent:      e.Options.Persistent,
		RetryAttempts:   e.Options.RetryAttempts,
		DeadLetterQueue: e.Options.DeadLetterQueue,
	}
}

// expired reports whether the envelope's TTL has elapsed at the given time.
func (e *envelope) expired(now time.Time) bool {
	if e.Options == nil || e.Options.TTLMs <= 0 {
		return false
	}
	return now.Sub(e.Timestamp) > time.Duration(e.Options.TTLMs)*time.Millisecond
}

// metadata builds the handler-facing view of this envelope for the current
// delivery attempt.
func (e *envelope) metadata() Metadata {
	retry := e.deliveryAttempt - 1
	if retry < 0 {
		retry = 0
	}
	return Metadata{
		EventID:       e.EventID,
		EventName:     e.EventName,
		CorrelationID: e.CorrelationID,
		Source:        e.Source,
		PublishedAt:   e.Timestamp,
		RetryCount:    retry,
	}
}

func (e *envelope) encode() ([]byte, error) {
	payload, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("encode envelope for %q: %w", e.EventName, err)
	}
	return payload, nil
}

func decodeEnvelope(payload []byte) (*envelope, error) {
	var env envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode envelope: %w", err)
	}
	if env.EventName == "" {
		return nil, fmt.Errorf("decode envelope: missing eventName")
	}
	return &env, nil
}

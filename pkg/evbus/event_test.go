// SPDX-License-Identifier: MIT

package evbus

import (
	"errors"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
)

func TestNewEvent_Defaults(t *testing.T) {
	evt, err := NewEvent("order.created", "order-1", "order", map[string]any{"amount": 99.99}, nil)
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	if evt.ID == "" {
		t.Error("expected generated event ID")
	}
	if evt.Version != DefaultEventVersion {
		t.Errorf("expected version %q, got %q", DefaultEventVersion, evt.Version)
	}
	if evt.Metadata.CorrelationID == "" {
		t.Error("expected generated correlation ID")
	}
	if evt.Metadata.EventID != evt.ID {
		t.Errorf("metadata event ID %q does not match event ID %q", evt.Metadata.EventID, evt.ID)
	}
	if evt.Metadata.EventName != "order.created" {
		t.Errorf("expected metadata event name order.created, got %q", evt.Metadata.EventName)
	}
	if evt.Timestamp.Location() != time.UTC {
		t.Errorf("expected UTC timestamp, got %v", evt.Timestamp.Location())
	}
	if !evt.Metadata.PublishedAt.Equal(evt.Timestamp) {
		t.Error("expected PublishedAt to match event timestamp")
	}
	if evt.Metadata.RetryCount != 0 {
		t.Errorf("expected zero retry count, got %d", evt.Metadata.RetryCount)
	}
}

func TestNewEvent_UniqueIDs(t *testing.T) {
	seen := make(map[string]bool)
	for i := 0; i < 100; i++ {
		evt, err := NewEvent("order.created", "order-1", "order", "data", nil)
		if err != nil {
			t.Fatalf("NewEvent failed: %v", err)
		}
		if seen[evt.ID] {
			t.Fatalf("duplicate event ID %q", evt.ID)
		}
		seen[evt.ID] = true
	}
}

func TestNewEvent_Validation(t *testing.T) {
	tests := []struct {
		name          string
		eventType     string
		aggregateID   string
		aggregateType string
		data          any
		wantField     string
	}{
		{"missing type", "", "order-1", "order", "data", "eventType"},
		{"missing aggregate id", "order.created", "", "order", "data", "aggregateId"},
		{"missing aggregate type", "order.created", "order-1", "", "data", "aggregateType"},
		{"nil data", "order.created", "order-1", "order", nil, "data"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := NewEvent(tt.eventType, tt.aggregateID, tt.aggregateType, tt.data, nil)
			var verr *ValidationError
			if !errors.As(err, &verr) {
				t.Fatalf("expected *ValidationError, got %T: %v", err, err)
			}
			if verr.Field != tt.wantField {
				t.Errorf("expected field %q, got %q", tt.wantField, verr.Field)
			}
		})
	}
}

func TestNewEvent_ExplicitOptions(t *testing.T) {
	evt, err := NewEvent("order.created", "order-1", "order", "data", &EventOptions{
		Version:       "2.1.0",
		CorrelationID: "corr-1",
		CausationID:   "cause-1",
		Source:        "checkout",
		SourceVersion: "3.0.0",
		UserID:        "user-9",
	})
	if err != nil {
		t.Fatalf("NewEvent failed: %v", err)
	}

	if evt.Version != "2.1.0" {
		t.Errorf("expected version 2.1.0, got %q", evt.Version)
	}
	if evt.Metadata.CorrelationID != "corr-1" {
		t.Errorf("expected correlation corr-1, got %q", evt.Metadata.CorrelationID)
	}
	if evt.Metadata.CausationID != "cause-1" {
		t.Errorf("expected causation cause-1, got %q", evt.Metadata.CausationID)
	}
	if evt.Metadata.Source != "checkout" {
		t.Errorf("expected source checkout, got %q", evt.Metadata.Source)
	}
	if evt.Metadata.UserID != "user-9" {
		t.Errorf("expected user user-9, got %q", evt.Metadata.UserID)
	}
}

func TestEventBuilder_Build(t *testing.T) {
	evt, err := NewEventBuilder().
		WithType("order.created").
		WithAggregateID("order-1").
		WithAggregateType("order").
		WithData(map[string]any{"amount": 42}).
		WithCorrelationID("corr-1").
		WithSource("checkout").
		Build()
	if err != nil {
		t.Fatalf("Build failed: %v", err)
	}

	if evt.Type != "order.created" {
		t.Errorf("expected type order.created, got %q", evt.Type)
	}
	if evt.AggregateID != "order-1" {
		t.Errorf("expected aggregate order-1, got %q", evt.AggregateID)
	}
	if evt.Metadata.CorrelationID != "corr-1" {
		t.Errorf("expected correlation corr-1, got %q", evt.Metadata.CorrelationID)
	}
}

func TestEventBuilder_FailsFast(t *testing.T) {
	_, err := NewEventBuilder().
		WithAggregateID("order-1").
		WithAggregateType("order").
		WithData("data").
		Build()

	var verr *ValidationError
	if !errors.As(err, &verr) {
		t.Fatalf("expected *ValidationError, got %T: %v", err, err)
	}
	if verr.Field != "eventType" {
		t.Errorf("expected first missing field eventType, got %q", verr.Field)
	}
}

func TestEnvelope_RoundTrip(t *testing.T) {
	in := &envelope{
		EventID:       "evt-1",
		EventName:     "order.created",
		Data:          map[string]any{"amount": 99.99},
		Timestamp:     time.Now().UTC().Truncate(time.Millisecond),
		Source:        "checkout",
		CorrelationID: "corr-1",
		Options: &wireOptions{
			DelayMs:       1500,
			TTLMs:         60000,
			Priority:      5,
			Persistent:    true,
			RetryAttempts: 2,
		},
	}

	payload, err := in.encode()
	if err != nil {
		t.Fatalf("encode failed: %v", err)
	}

	out, err := decodeEnvelope(payload)
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}

	if out.EventID != in.EventID || out.EventName != in.EventName {
		t.Errorf("identity mismatch: got %s/%s", out.EventID, out.EventName)
	}
	if out.Source != in.Source || out.CorrelationID != in.CorrelationID {
		t.Errorf("provenance mismatch: got %s/%s", out.Source, out.CorrelationID)
	}
	if !out.Timestamp.Equal(in.Timestamp) {
		t.Errorf("timestamp mismatch: got %v want %v", out.Timestamp, in.Timestamp)
	}
	if diff := cmp.Diff(in.Options, out.Options); diff != "" {
		t.Errorf("options mismatch (-want +got):\n%s", diff)
	}

	opts := out.options()
	if opts.Delay != 1500*time.Millisecond {
		t.Errorf("expected delay 1.5s, got %v", opts.Delay)
	}
	if opts.TTL != time.Minute {
		t.Errorf("expected TTL 1m, got %v", opts.TTL)
	}
}

func TestDecodeEnvelope_MissingName(t *testing.T) {
	_, err := decodeEnvelope([]byte(`{"eventId":"evt-1","data":{}}`))
	if err == nil {
		t.Fatal("expected error for missing eventName")
	}
}

func TestDecodeEnvelope_Garbage(t *testing.T) {
	_, err := decodeEnvelope([]byte(`not json`))
	if err == nil {
		t.Fatal("expected error for malformed payload")
	}
}

func TestEnvelope_Expired(t *testing.T) {
	now := time.Now()

	tests := []struct {
		name    string
		env     *envelope
		want    bool
		checkAt time.Time
	}{
		{
			name:    "no options",
			env:     &envelope{Timestamp: now.Add(-time.Hour)},
			checkAt: now,
			want:    false,
		},
		{
			name:    "zero ttl never expires",
			env:     &envelope{Timestamp: now.Add(-time.Hour), Options: &wireOptions{}},
			checkAt: now,
			want:    false,
		},
		{
			name:    "within ttl",
			env:     &envelope{Timestamp: now.Add(-50 * time.Millisecond), Options: &wireOptions{TTLMs: 100}},
			checkAt: now,
			want:    false,
		},
		{
			name:    "past ttl",
			env:     &envelope{Timestamp: now.Add(-200 * time.Millisecond), Options: &wireOptions{TTLMs: 100}},
			checkAt: now,
			want:    true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := tt.env.expired(tt.checkAt); got != tt.want {
				t.Errorf("expired() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestEnvelope_Metadata(t *testing.T) {
	env := &envelope{
		EventID:         "evt-1",
		EventName:       "order.created",
		CorrelationID:   "corr-1",
		Source:          "checkout",
		Timestamp:       time.Now(),
		deliveryAttempt: 3,
	}

	meta := env.metadata()
	if meta.RetryCount != 2 {
		t.Errorf("expected retry count 2 on third attempt, got %d", meta.RetryCount)
	}
	if meta.EventID != "evt-1" || meta.EventName != "order.created" {
		t.Errorf("identity mismatch: %s/%s", meta.EventID, meta.EventName)
	}

	// An undispatched envelope clamps to zero rather than reporting -1.
	env.deliveryAttempt = 0
	if got := env.metadata().RetryCount; got != 0 {
		t.Errorf("expected clamped retry count 0, got %d", got)
	}
}

func TestToWireOptions_Nil(t *testing.T) {
	if toWireOptions(nil) != nil {
		t.Error("expected nil wire options for nil publish options")
	}
	var e envelope
	if e.options() != nil {
		t.Error("expected nil publish options for nil wire options")
	}
}

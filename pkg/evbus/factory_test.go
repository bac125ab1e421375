// SPDX-License-Identifier: MIT

package evbus

import (
	"context"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestNew_AdapterSelection(t *testing.T) {
	tests := []struct {
		adapter  string
		wantType string
	}{
		{TypeMemory, TypeMemory},
		{"", TypeMemory},
		{TypePubSub, TypePubSub},
		{TypeBroker, TypeBroker},
		{TypeNoop, TypeNoop},
	}

	for _, tt := range tests {
		name := tt.adapter
		if name == "" {
			name = "default"
		}
		t.Run(name, func(t *testing.T) {
			bus, err := New(Config{Adapter: tt.adapter}, zerolog.Nop())
			if err != nil {
				t.Fatalf("New failed: %v", err)
			}
			if got := bus.Type(); got != tt.wantType {
				t.Errorf("expected adapter type %q, got %q", tt.wantType, got)
			}
		})
	}
}

func TestNew_UnknownAdapter(t *testing.T) {
	_, err := New(Config{Adapter: "carrier-pigeon"}, zerolog.Nop())
	if err == nil {
		t.Fatal("expected error for unknown adapter")
	}
	if !strings.Contains(err.Error(), "carrier-pigeon") {
		t.Errorf("expected adapter name in error, got %q", err)
	}
}

func TestNew_SourcePropagation(t *testing.T) {
	bus, err := New(Config{Adapter: TypeMemory, Source: "checkout"}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	m := bus.(*MemoryBus)
	if m.source != "checkout" {
		t.Errorf("expected top-level source to reach the adapter, got %q", m.source)
	}

	// An adapter-level source wins over the top-level one.
	bus, err = New(Config{
		Adapter: TypeMemory,
		Source:  "checkout",
		Memory:  MemoryConfig{Source: "billing"},
	}, zerolog.Nop())
	if err != nil {
		t.Fatalf("New failed: %v", err)
	}
	if got := bus.(*MemoryBus).source; got != "billing" {
		t.Errorf("expected adapter source to win, got %q", got)
	}
}

func TestValidate(t *testing.T) {
	ctx := context.Background()

	if err := Validate(ctx, Config{Adapter: TypeMemory}, zerolog.Nop()); err != nil {
		t.Errorf("expected memory config to validate, got %v", err)
	}
	if err := Validate(ctx, Config{Adapter: TypeNoop}, zerolog.Nop()); err != nil {
		t.Errorf("expected noop config to validate, got %v", err)
	}
	if err := Validate(ctx, Config{Adapter: "bogus"}, zerolog.Nop()); err == nil {
		t.Error("expected unknown adapter to fail validation")
	}
}

func TestGetOrCreate_SharedInstance(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() { _ = Reset(ctx) })
	if err := Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	first, err := GetOrCreate(ctx, Config{Adapter: TypeMemory}, zerolog.Nop())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}

	// A different config on the second call is ignored; the instance is shared.
	second, err := GetOrCreate(ctx, Config{Adapter: TypeNoop}, zerolog.Nop())
	if err != nil {
		t.Fatalf("second GetOrCreate failed: %v", err)
	}
	if first != second {
		t.Error("expected the same shared instance")
	}
	if second.Type() != TypeMemory {
		t.Errorf("expected shared instance to keep its original adapter, got %s", second.Type())
	}

	// The shared instance arrives initialized.
	if err := first.Publish(ctx, "order.created", "data", nil); err != nil {
		t.Errorf("expected shared bus to be ready, got %v", err)
	}
}

func TestReset_DiscardsShared(t *testing.T) {
	ctx := context.Background()
	t.Cleanup(func() { _ = Reset(ctx) })
	if err := Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	first, err := GetOrCreate(ctx, Config{Adapter: TypeMemory}, zerolog.Nop())
	if err != nil {
		t.Fatalf("GetOrCreate failed: %v", err)
	}
	if err := Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}

	// The old handle is cleaned up and unusable.
	if err := first.Publish(ctx, "order.created", "data", nil); err == nil {
		t.Error("expected publish on a reset bus to fail")
	}

	second, err := GetOrCreate(ctx, Config{Adapter: TypeNoop}, zerolog.Nop())
	if err != nil {
		t.Fatalf("GetOrCreate after Reset failed: %v", err)
	}
	if second == first {
		t.Error("expected a fresh instance after Reset")
	}
	if second.Type() != TypeNoop {
		t.Errorf("expected fresh config to apply after Reset, got %s", second.Type())
	}

	// Resetting an empty slot is a no-op.
	if err := Reset(ctx); err != nil {
		t.Fatalf("Reset failed: %v", err)
	}
	if err := Reset(ctx); err != nil {
		t.Fatalf("repeat Reset failed: %v", err)
	}
}

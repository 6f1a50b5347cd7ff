package event

import (
	"testing"

	"github.com/shopspring/decimal"
)

func TestNewMarketTick(t *testing.T) {
	e, err := NewMarketTick("tok-1", "mkt-1", decimal.NewFromFloat(0.42))
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.Kind != KindMarketTick {
		t.Fatalf("expected market tick, got %s", e.Kind)
	}
	if !e.HasPrice() {
		t.Fatalf("expected price observation")
	}
	if e.ObservedAt.IsZero() {
		t.Fatalf("expected observed_at to be set")
	}
}

func TestNewExternalSignal(t *testing.T) {
	e, err := NewExternalSignal("Fed cuts rates", "reuters")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if e.HasPrice() {
		t.Fatalf("external signal should carry no price")
	}
	if e.TokenID != "" {
		t.Fatalf("external signal should carry no token id")
	}
}

func TestValidateRejectsEmptyEvent(t *testing.T) {
	if _, err := NewMarketTick("", "", decimal.Zero); err == nil {
		t.Fatalf("expected error for event with no token and no content")
	}
	if _, err := NewExternalSignal("", "manual"); err == nil {
		t.Fatalf("expected error for external signal without content")
	}
}

func TestValidateRejectsNegativePrice(t *testing.T) {
	e := Event{Kind: KindMarketTick, TokenID: "tok-1", Price: decimal.NewFromFloat(-0.1)}
	if err := e.Validate(); err == nil {
		t.Fatalf("expected error for negative price")
	}
}

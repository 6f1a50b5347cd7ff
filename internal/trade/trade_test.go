package trade

import (
	"testing"

	"github.com/shopspring/decimal"
)

func dec(s string) decimal.Decimal {
	d, err := decimal.NewFromString(s)
	if err != nil {
		panic(err)
	}
	return d
}

func TestNewOrderValidation(t *testing.T) {
	o, err := NewOrder("tok-1", Buy, dec("10"), dec("0.30"), FillOrKill, "test")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if o.ClientOrderID == "" {
		t.Fatalf("expected generated client order id")
	}

	if _, err := NewOrder("tok-1", Buy, dec("0"), dec("0.30"), FillOrKill, "test"); err != ErrQuantity {
		t.Fatalf("expected ErrQuantity, got %v", err)
	}
	if _, err := NewOrder("tok-1", Buy, dec("10"), dec("1"), FillOrKill, "test"); err != ErrLimitPrice {
		t.Fatalf("expected ErrLimitPrice for limit=1, got %v", err)
	}
	if _, err := NewOrder("tok-1", Sell, dec("10"), decimal.Zero, GoodTillCancel, "test"); err != nil {
		t.Fatalf("order without limit should be valid, got %v", err)
	}
}

func TestPositionDerivedFields(t *testing.T) {
	p := Position{
		TokenID:       "tok-1",
		Side:          Long,
		Quantity:      dec("10"),
		AvgEntryPrice: dec("0.29"),
		CurrentPrice:  dec("0.35"),
	}
	if got := p.UnrealizedPnL(); !got.Equal(dec("0.6")) {
		t.Fatalf("expected pnl 0.6, got %s", got)
	}
	if got := p.MarketValue(); !got.Equal(dec("3.5")) {
		t.Fatalf("expected market value 3.5, got %s", got)
	}

	p.Side = Flat
	p.Quantity = decimal.Zero
	if !p.UnrealizedPnL().IsZero() {
		t.Fatalf("flat position should have zero pnl")
	}
	if p.Open() {
		t.Fatalf("flat position should not be open")
	}
}

func TestRejectionResult(t *testing.T) {
	r := Rejection(ErrQuantity)
	if r.Status != StatusRejected {
		t.Fatalf("expected rejected status, got %s", r.Status)
	}
	if r.ErrorDetail == "" {
		t.Fatalf("expected error detail")
	}
	if r.Filled() {
		t.Fatalf("rejection must not count as filled")
	}
}

package exec

import (
	"context"
	"errors"
	"testing"

	"poly-sniper/internal/config"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

func testConfig() config.ExecutorConfig {
	return config.ExecutorConfig{
		Mode:         "paper",
		MinPrice:     0.01,
		MaxPrice:     0.99,
		MaxSpread:    0.50,
		PaperBalance: 100,
	}
}

func dec(t *testing.T, s string) decimal.Decimal {
	t.Helper()
	d, err := decimal.NewFromString(s)
	if err != nil {
		t.Fatalf("bad decimal %q: %v", s, err)
	}
	return d
}

func order(t *testing.T, side trade.Side, qty, limit string) trade.Order {
	t.Helper()
	var limitPrice decimal.Decimal
	if limit != "" {
		limitPrice = dec(t, limit)
	}
	o, err := trade.NewOrder("tok-1", side, dec(t, qty), limitPrice, trade.GoodTillCancel, "test")
	if err != nil {
		t.Fatalf("new order: %v", err)
	}
	return o
}

func TestPaperFillsAtLimitWithoutQuote(t *testing.T) {
	p := NewPaper(testConfig(), zap.NewNop())
	result, err := p.Execute(context.Background(), order(t, trade.Buy, "10", "0.29"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Status != trade.StatusFilled {
		t.Fatalf("status = %s, want FILLED", result.Status)
	}
	if !result.FilledPrice.Equal(dec(t, "0.29")) || !result.FilledQuantity.Equal(dec(t, "10")) {
		t.Fatalf("unexpected fill: %+v", result)
	}
	balance, _ := p.Balance(context.Background())
	if got := balance.String(); got != "97.1" {
		t.Fatalf("balance = %s, want 97.1", got)
	}
}

func TestPaperRejectsPriceOutOfBounds(t *testing.T) {
	p := NewPaper(testConfig(), zap.NewNop())
	result, err := p.Execute(context.Background(), order(t, trade.Buy, "10", "0.995"))
	if !errors.Is(err, ErrPriceOutOfBounds) {
		t.Fatalf("err = %v, want ErrPriceOutOfBounds", err)
	}
	if result.Status != trade.StatusRejected {
		t.Fatalf("status = %s, want REJECTED", result.Status)
	}
	if result.ErrorDetail == "" {
		t.Fatal("missing error detail")
	}
}

func TestPaperRejectsWideSpread(t *testing.T) {
	p := NewPaper(testConfig(), zap.NewNop())
	p.SetQuote("tok-1", dec(t, "0.10"), dec(t, "0.70"))
	_, err := p.Execute(context.Background(), order(t, trade.Buy, "10", "0.70"))
	if !errors.Is(err, ErrSpreadTooWide) {
		t.Fatalf("err = %v, want ErrSpreadTooWide", err)
	}
}

func TestPaperFillsAtTouchWithQuote(t *testing.T) {
	p := NewPaper(testConfig(), zap.NewNop())
	p.SetQuote("tok-1", dec(t, "0.28"), dec(t, "0.30"))
	result, err := p.Execute(context.Background(), order(t, trade.Buy, "10", "0.35"))
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if !result.FilledPrice.Equal(dec(t, "0.3")) {
		t.Fatalf("fill = %s, want ask 0.3", result.FilledPrice)
	}

	sell, err := p.Execute(context.Background(), order(t, trade.Sell, "10", ""))
	if err != nil {
		t.Fatalf("execute sell: %v", err)
	}
	if !sell.FilledPrice.Equal(dec(t, "0.28")) {
		t.Fatalf("sell fill = %s, want bid 0.28", sell.FilledPrice)
	}
}

func TestPaperRejectsWithoutAnyPrice(t *testing.T) {
	p := NewPaper(testConfig(), zap.NewNop())
	_, err := p.Execute(context.Background(), order(t, trade.Buy, "10", ""))
	if !errors.Is(err, ErrNoPrice) {
		t.Fatalf("err = %v, want ErrNoPrice", err)
	}
}

func TestPaperRejectsNotionalCap(t *testing.T) {
	cfg := testConfig()
	cfg.MaxOrderNotional = 1
	p := NewPaper(cfg, zap.NewNop())
	_, err := p.Execute(context.Background(), order(t, trade.Buy, "10", "0.29"))
	if !errors.Is(err, ErrNotionalExceeded) {
		t.Fatalf("err = %v, want ErrNotionalExceeded", err)
	}
}

func TestPaperRejectsInsufficientBalance(t *testing.T) {
	cfg := testConfig()
	cfg.PaperBalance = 1
	p := NewPaper(cfg, zap.NewNop())
	_, err := p.Execute(context.Background(), order(t, trade.Buy, "10", "0.29"))
	if !errors.Is(err, ErrInsufficientCash) {
		t.Fatalf("err = %v, want ErrInsufficientCash", err)
	}
}

type countingExecutor struct {
	calls  int
	result trade.ExecutionResult
}

func (c *countingExecutor) Execute(ctx context.Context, order trade.Order) (trade.ExecutionResult, error) {
	c.calls++
	r := c.result
	r.OrderID = order.ClientOrderID
	return r, nil
}

func (c *countingExecutor) Balance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

type memStore struct {
	data map[string]string
}

func newMemStore() *memStore { return &memStore{data: make(map[string]string)} }

func (s *memStore) Get(ctx context.Context, key string) (string, bool, error) {
	v, ok := s.data[key]
	return v, ok, nil
}

func (s *memStore) Set(ctx context.Context, key, value string) error {
	s.data[key] = value
	return nil
}

func TestIdempotentDedupesByClientOrderID(t *testing.T) {
	inner := &countingExecutor{result: trade.ExecutionResult{
		Status:         trade.StatusFilled,
		FilledQuantity: dec(t, "10"),
		FilledPrice:    dec(t, "0.29"),
	}}
	e := NewIdempotent(inner, newMemStore(), zap.NewNop())
	o := order(t, trade.Buy, "10", "0.29")

	first, err := e.Execute(context.Background(), o)
	if err != nil {
		t.Fatalf("first execute: %v", err)
	}
	second, err := e.Execute(context.Background(), o)
	if err != nil {
		t.Fatalf("second execute: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}
	if first.OrderID != second.OrderID || !first.FilledPrice.Equal(second.FilledPrice) {
		t.Fatalf("results differ: %+v vs %+v", first, second)
	}
}

func TestIdempotentSurvivesRestartViaStore(t *testing.T) {
	store := newMemStore()
	inner := &countingExecutor{result: trade.ExecutionResult{
		Status:         trade.StatusFilled,
		FilledQuantity: dec(t, "10"),
		FilledPrice:    dec(t, "0.29"),
	}}
	o := order(t, trade.Buy, "10", "0.29")

	e1 := NewIdempotent(inner, store, zap.NewNop())
	if _, err := e1.Execute(context.Background(), o); err != nil {
		t.Fatalf("execute: %v", err)
	}

	// Fresh wrapper, same store: the replay never reaches the inner executor.
	e2 := NewIdempotent(inner, store, zap.NewNop())
	result, err := e2.Execute(context.Background(), o)
	if err != nil {
		t.Fatalf("replay execute: %v", err)
	}
	if inner.calls != 1 {
		t.Fatalf("inner calls = %d, want 1", inner.calls)
	}
	if !result.FilledPrice.Equal(dec(t, "0.29")) {
		t.Fatalf("replayed fill = %s, want 0.29", result.FilledPrice)
	}
}

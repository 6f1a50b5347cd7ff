package engine

import (
	"context"
	"sync"
	"testing"
	"time"

	"poly-sniper/internal/config"
	"poly-sniper/internal/event"
	"poly-sniper/internal/exec"
	"poly-sniper/internal/ingest"
	"poly-sniper/internal/ledger"
	"poly-sniper/internal/notify"
	"poly-sniper/internal/persist"
	"poly-sniper/internal/strategy"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type captureSink struct {
	mu        sync.Mutex
	records   []persist.Record
	positions [][]trade.Position
	recorded  chan struct{}
}

func newCaptureSink() *captureSink {
	return &captureSink{recorded: make(chan struct{}, 16)}
}

func (s *captureSink) RecordTrade(ctx context.Context, rec persist.Record) error {
	s.mu.Lock()
	s.records = append(s.records, rec)
	s.mu.Unlock()
	s.recorded <- struct{}{}
	return nil
}

func (s *captureSink) RecordPositions(ctx context.Context, positions []trade.Position) error {
	s.mu.Lock()
	s.positions = append(s.positions, positions)
	s.mu.Unlock()
	return nil
}

func (s *captureSink) Close() error { return nil }

func (s *captureSink) trades() []persist.Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]persist.Record, len(s.records))
	copy(out, s.records)
	return out
}

func (s *captureSink) waitForTrade(t *testing.T) {
	t.Helper()
	select {
	case <-s.recorded:
	case <-time.After(2 * time.Second):
		t.Fatal("no trade recorded")
	}
}

type countingExecutor struct {
	mu    sync.Mutex
	calls int
	inner exec.Executor
}

func (c *countingExecutor) Execute(ctx context.Context, order trade.Order) (trade.ExecutionResult, error) {
	c.mu.Lock()
	c.calls++
	c.mu.Unlock()
	return c.inner.Execute(ctx, order)
}

func (c *countingExecutor) Balance(ctx context.Context) (decimal.Decimal, error) {
	return c.inner.Balance(ctx)
}

func (c *countingExecutor) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.calls
}

type panickyObserver struct{}

func (panickyObserver) OnSignal(order trade.Order) { panic("boom") }

func (panickyObserver) OnTradeExecuted(order trade.Order, result trade.ExecutionResult) {
	panic("boom")
}

func (panickyObserver) OnPositionUpdated(position trade.Position) { panic("boom") }

func (panickyObserver) OnMetricsUpdated(snapshot notify.MetricsSnapshot) { panic("boom") }

func (panickyObserver) OnError(err error) { panic("boom") }

func paperExecutor() *exec.Paper {
	return exec.NewPaper(config.ExecutorConfig{
		Mode:         "paper",
		MinPrice:     0.01,
		MaxPrice:     0.99,
		MaxSpread:    0.50,
		PaperBalance: 1000,
	}, zap.NewNop())
}

func buyBelowRule(threshold, size float64) []config.ThresholdRuleConfig {
	return []config.ThresholdRuleConfig{{
		TokenID:    "tok-1",
		Side:       "BUY",
		Threshold:  threshold,
		Comparison: "below",
		Size:       size,
		Cooldown:   time.Minute,
	}}
}

type harness struct {
	engine   *Engine
	manual   *ingest.Manual
	sink     *captureSink
	executor *countingExecutor
	ledger   *ledger.Ledger
}

func newHarness(t *testing.T, strategies []strategy.Strategy, cash string) *harness {
	t.Helper()
	manual := ingest.NewManual("manual", 16, zap.NewNop())
	sink := newCaptureSink()
	executor := &countingExecutor{inner: exec.NewIdempotent(paperExecutor(), nil, zap.NewNop())}
	led := ledger.New(10, zap.NewNop())
	cashDec, err := decimal.NewFromString(cash)
	if err != nil {
		t.Fatalf("bad cash %q: %v", cash, err)
	}
	led.Load(cashDec, nil)

	eng := New(Options{
		Ingesters:  []ingest.Ingester{manual},
		Strategies: strategies,
		Ledger:     led,
		Executor:   executor,
		Sinks:      []persist.Sink{sink},
		Observers:  notify.NewFanout(zap.NewNop(), panickyObserver{}),
		Log:        zap.NewNop(),
		RateLimit:  time.Millisecond,
	})
	return &harness{engine: eng, manual: manual, sink: sink, executor: executor, ledger: led}
}

func injectTick(t *testing.T, h *harness, tokenID, price string) {
	t.Helper()
	p, err := decimal.NewFromString(price)
	if err != nil {
		t.Fatalf("bad price %q: %v", price, err)
	}
	ev, err := event.NewMarketTick(tokenID, "", p)
	if err != nil {
		t.Fatalf("new tick: %v", err)
	}
	if err := h.manual.InjectEvent(ev); err != nil {
		t.Fatalf("inject: %v", err)
	}
}

func TestEngineEndToEndFill(t *testing.T) {
	strat := strategy.NewThreshold("threshold", buyBelowRule(0.30, 10), zap.NewNop())
	h := newHarness(t, []strategy.Strategy{strat}, "100")
	ctx := context.Background()

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop(ctx)

	injectTick(t, h, "tok-1", "0.29")
	h.sink.waitForTrade(t)

	records := h.sink.trades()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != string(trade.StatusFilled) || rec.FilledPrice != "0.29" || rec.FilledQuantity != "10" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	pos, ok := h.ledger.Position("tok-1")
	if !ok {
		t.Fatal("no position opened")
	}
	if pos.Side != trade.Long || !pos.Quantity.Equal(decimal.NewFromInt(10)) ||
		!pos.AvgEntryPrice.Equal(decimal.RequireFromString("0.29")) {
		t.Fatalf("unexpected position: %+v", pos)
	}
	if got := h.ledger.Cash().String(); got != "97.1" {
		t.Fatalf("cash = %s, want 97.1", got)
	}
}

func TestEngineSellWithoutPositionNeverReachesExecutor(t *testing.T) {
	rules := []config.ThresholdRuleConfig{{
		TokenID:    "tok-1",
		Side:       "SELL",
		Threshold:  0.50,
		Comparison: "below",
		Size:       10,
		Cooldown:   time.Minute,
	}}
	strat := strategy.NewThreshold("threshold", rules, zap.NewNop())
	h := newHarness(t, []strategy.Strategy{strat}, "100")
	ctx := context.Background()

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop(ctx)

	injectTick(t, h, "tok-1", "0.40")
	h.sink.waitForTrade(t)

	if h.executor.count() != 0 {
		t.Fatalf("executor calls = %d, want 0", h.executor.count())
	}
	records := h.sink.trades()
	if len(records) != 1 || records[0].Status != string(trade.StatusRejected) {
		t.Fatalf("unexpected records: %+v", records)
	}
}

func TestEngineStartRequiresLoadedLedger(t *testing.T) {
	manual := ingest.NewManual("manual", 16, zap.NewNop())
	eng := New(Options{
		Ingesters: []ingest.Ingester{manual},
		Ledger:    ledger.New(10, zap.NewNop()),
		Executor:  paperExecutor(),
		Log:       zap.NewNop(),
	})
	if err := eng.Start(context.Background()); err != ledger.ErrNotLoaded {
		t.Fatalf("err = %v, want ErrNotLoaded", err)
	}
	if eng.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", eng.State())
	}
}

func TestEngineLifecycle(t *testing.T) {
	strat := strategy.NewThreshold("threshold", buyBelowRule(0.30, 10), zap.NewNop())
	h := newHarness(t, []strategy.Strategy{strat}, "100")
	ctx := context.Background()

	if h.engine.State() != StateStopped {
		t.Fatalf("initial state = %s", h.engine.State())
	}
	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	if h.engine.State() != StateRunning {
		t.Fatalf("state = %s, want running", h.engine.State())
	}
	if err := h.engine.Start(ctx); err != ErrAlreadyRunning {
		t.Fatalf("second start err = %v, want ErrAlreadyRunning", err)
	}
	if err := h.engine.Stop(ctx); err != nil {
		t.Fatalf("stop: %v", err)
	}
	if h.engine.State() != StateStopped {
		t.Fatalf("state = %s, want stopped", h.engine.State())
	}
	if h.manual.Connected() {
		t.Fatal("ingester still connected after stop")
	}
	if err := h.engine.Stop(ctx); err != ErrNotRunning {
		t.Fatalf("second stop err = %v, want ErrNotRunning", err)
	}
}

func TestEnginePauseSuppressesOrders(t *testing.T) {
	strat := strategy.NewThreshold("threshold", buyBelowRule(0.30, 10), zap.NewNop())
	h := newHarness(t, []strategy.Strategy{strat}, "100")
	ctx := context.Background()

	if err := h.engine.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer h.engine.Stop(ctx)

	h.engine.Pause()
	injectTick(t, h, "tok-1", "0.29")

	// Give the loop time to process the tick, then verify nothing traded.
	time.Sleep(100 * time.Millisecond)
	if h.executor.count() != 0 {
		t.Fatalf("executor calls while paused = %d, want 0", h.executor.count())
	}
	if len(h.sink.trades()) != 0 {
		t.Fatalf("records while paused = %d, want 0", len(h.sink.trades()))
	}
}

// slowExecutor blocks mid-call until released, bailing out early if its
// context is cancelled.
type slowExecutor struct {
	entered chan struct{}
	release chan struct{}
}

func newSlowExecutor() *slowExecutor {
	return &slowExecutor{entered: make(chan struct{}), release: make(chan struct{})}
}

func (s *slowExecutor) Execute(ctx context.Context, order trade.Order) (trade.ExecutionResult, error) {
	close(s.entered)
	select {
	case <-ctx.Done():
		return trade.ExecutionResult{}, ctx.Err()
	case <-s.release:
	}
	return trade.ExecutionResult{
		OrderID:        order.ClientOrderID,
		Status:         trade.StatusFilled,
		FilledQuantity: order.Quantity,
		FilledPrice:    order.LimitPrice,
		ExecutedAt:     time.Now(),
	}, nil
}

func (s *slowExecutor) Balance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func TestStopWaitsForInFlightExecution(t *testing.T) {
	strat := strategy.NewThreshold("threshold", buyBelowRule(0.30, 10), zap.NewNop())
	manual := ingest.NewManual("manual", 16, zap.NewNop())
	sink := newCaptureSink()
	executor := newSlowExecutor()
	led := ledger.New(10, zap.NewNop())
	led.Load(decimal.NewFromInt(100), nil)

	eng := NewSingle(manual, strat, Options{
		Ledger:    led,
		Executor:  executor,
		Sinks:     []persist.Sink{sink},
		Log:       zap.NewNop(),
		RateLimit: time.Millisecond,
	})
	if err := eng.Start(context.Background()); err != nil {
		t.Fatalf("start: %v", err)
	}

	ev, err := event.NewMarketTick("tok-1", "", decimal.RequireFromString("0.29"))
	if err != nil {
		t.Fatalf("new tick: %v", err)
	}
	if err := manual.InjectEvent(ev); err != nil {
		t.Fatalf("inject: %v", err)
	}
	select {
	case <-executor.entered:
	case <-time.After(2 * time.Second):
		t.Fatal("executor never called")
	}

	// Stop lands while the venue call is in flight. The cancel must only
	// halt dequeuing, never abort the call.
	stopped := make(chan error, 1)
	go func() { stopped <- eng.Stop(context.Background()) }()
	time.Sleep(50 * time.Millisecond)
	close(executor.release)

	select {
	case err := <-stopped:
		if err != nil {
			t.Fatalf("stop: %v", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("stop did not return")
	}

	records := sink.trades()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	if records[0].Status != string(trade.StatusFilled) {
		t.Fatalf("in-flight order recorded as %s, want %s", records[0].Status, trade.StatusFilled)
	}
	pos, ok := led.Position("tok-1")
	if !ok || !pos.Quantity.Equal(decimal.NewFromInt(10)) {
		t.Fatalf("position after stop: %+v, ok=%v", pos, ok)
	}
}

type failingExecutor struct{}

func (failingExecutor) Execute(ctx context.Context, order trade.Order) (trade.ExecutionResult, error) {
	return trade.ExecutionResult{}, context.DeadlineExceeded
}

func (failingExecutor) Balance(ctx context.Context) (decimal.Decimal, error) {
	return decimal.Zero, nil
}

func TestEngineExecutorFailureStillAudited(t *testing.T) {
	strat := strategy.NewThreshold("threshold", buyBelowRule(0.30, 10), zap.NewNop())
	manual := ingest.NewManual("manual", 16, zap.NewNop())
	sink := newCaptureSink()
	led := ledger.New(10, zap.NewNop())
	led.Load(decimal.NewFromInt(100), nil)

	eng := NewSingle(manual, strat, Options{
		Ledger:    led,
		Executor:  failingExecutor{},
		Sinks:     []persist.Sink{sink},
		Log:       zap.NewNop(),
		RateLimit: time.Millisecond,
	})
	ctx := context.Background()
	if err := eng.Start(ctx); err != nil {
		t.Fatalf("start: %v", err)
	}
	defer eng.Stop(ctx)

	ev, err := event.NewMarketTick("tok-1", "", decimal.RequireFromString("0.29"))
	if err != nil {
		t.Fatalf("new tick: %v", err)
	}
	if err := manual.InjectEvent(ev); err != nil {
		t.Fatalf("inject: %v", err)
	}
	sink.waitForTrade(t)

	records := sink.trades()
	if len(records) != 1 {
		t.Fatalf("records = %d, want 1", len(records))
	}
	rec := records[0]
	if rec.Status != string(trade.StatusRejected) || rec.ErrorDetail == "" {
		t.Fatalf("unexpected record: %+v", rec)
	}
	// The failed attempt must not touch cash or positions.
	if got := led.Cash().String(); got != "100" {
		t.Fatalf("cash = %s, want 100", got)
	}
	if got := len(led.Positions()); got != 0 {
		t.Fatalf("positions = %d, want 0", got)
	}
}

func TestThrottleSpacesExecutions(t *testing.T) {
	eng := New(Options{
		Ledger:    ledger.New(10, zap.NewNop()),
		Executor:  paperExecutor(),
		Log:       zap.NewNop(),
		RateLimit: 100 * time.Millisecond,
	})
	now := time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC)
	var slept time.Duration
	eng.now = func() time.Time { return now }
	eng.sleep = func(d time.Duration) { slept += d }

	eng.throttle()
	if slept != 0 {
		t.Fatalf("first call slept %v, want 0", slept)
	}
	now = now.Add(30 * time.Millisecond)
	eng.throttle()
	if slept != 70*time.Millisecond {
		t.Fatalf("second call slept %v, want 70ms", slept)
	}
	now = now.Add(200 * time.Millisecond)
	eng.throttle()
	if slept != 70*time.Millisecond {
		t.Fatalf("third call slept %v, want no extra sleep", slept)
	}
}

// Package engine merges ingester streams and drives each event through the
// strategy, risk, execution, and persistence pipeline in arrival order.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"poly-sniper/internal/event"
	"poly-sniper/internal/exec"
	"poly-sniper/internal/ingest"
	"poly-sniper/internal/ledger"
	"poly-sniper/internal/metrics"
	"poly-sniper/internal/notify"
	"poly-sniper/internal/persist"
	"poly-sniper/internal/strategy"
	"poly-sniper/internal/trade"

	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"
)

type State int32

const (
	StateStopped State = iota
	StateStarting
	StateRunning
	StateStopping
)

func (s State) String() string {
	switch s {
	case StateStopped:
		return "stopped"
	case StateStarting:
		return "starting"
	case StateRunning:
		return "running"
	case StateStopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

var (
	ErrAlreadyRunning = errors.New("engine already running")
	ErrNotRunning     = errors.New("engine not running")
)

type Engine struct {
	ingesters  []ingest.Ingester
	strategies []strategy.Strategy
	ledger     *ledger.Ledger
	executor   exec.Executor
	sinks      []persist.Sink
	observers  *notify.Fanout
	metrics    *metrics.Metrics
	log        *zap.Logger

	rateLimit time.Duration
	queueSize int

	state  atomic.Int32
	paused atomic.Bool
	tally  struct {
		events   atomic.Uint64
		signals  atomic.Uint64
		executed atomic.Uint64
		rejected atomic.Uint64
		failed   atomic.Uint64
	}

	mu       sync.Mutex
	cancel   context.CancelFunc
	done     chan struct{}
	lastExec time.Time

	now   func() time.Time
	sleep func(time.Duration)
}

type Options struct {
	Ingesters  []ingest.Ingester
	Strategies []strategy.Strategy
	Ledger     *ledger.Ledger
	Executor   exec.Executor
	Sinks      []persist.Sink
	Observers  *notify.Fanout
	Metrics    *metrics.Metrics
	Log        *zap.Logger
	RateLimit  time.Duration
	QueueSize  int
}

func New(opts Options) *Engine {
	if opts.Metrics == nil {
		opts.Metrics = metrics.NewNoop()
	}
	if opts.Observers == nil {
		opts.Observers = notify.NewFanout(opts.Log)
	}
	if opts.RateLimit <= 0 {
		opts.RateLimit = 100 * time.Millisecond
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 1024
	}
	return &Engine{
		ingesters:  opts.Ingesters,
		strategies: opts.Strategies,
		ledger:     opts.Ledger,
		executor:   opts.Executor,
		sinks:      opts.Sinks,
		observers:  opts.Observers,
		metrics:    opts.Metrics,
		log:        opts.Log,
		rateLimit:  opts.RateLimit,
		queueSize:  opts.QueueSize,
		now:        time.Now,
		sleep:      time.Sleep,
	}
}

// NewSingle wires the common one-ingester, one-strategy case through the
// same path as the general form.
func NewSingle(ing ingest.Ingester, strat strategy.Strategy, opts Options) *Engine {
	opts.Ingesters = []ingest.Ingester{ing}
	opts.Strategies = []strategy.Strategy{strat}
	return New(opts)
}

func (e *Engine) State() State { return State(e.state.Load()) }

func (e *Engine) Paused() bool { return e.paused.Load() }

// Pause keeps ticks flowing into price marks but suppresses new orders.
func (e *Engine) Pause() { e.paused.Store(true) }

func (e *Engine) Resume() { e.paused.Store(false) }

// Start connects every ingester, merges their streams, and launches the
// processing loop. An ingester that fails to connect aborts the start and
// disconnects the ones already up.
func (e *Engine) Start(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateStopped), int32(StateStarting)) {
		return ErrAlreadyRunning
	}
	if !e.ledger.Loaded() {
		e.state.Store(int32(StateStopped))
		return ledger.ErrNotLoaded
	}
	for i, ing := range e.ingesters {
		if err := ing.Connect(ctx); err != nil {
			for _, prev := range e.ingesters[:i] {
				_ = prev.Disconnect(ctx)
			}
			e.state.Store(int32(StateStopped))
			return fmt.Errorf("connect %s: %w", ing.Name(), err)
		}
	}

	runCtx, cancel := context.WithCancel(context.Background())
	merged := make(chan event.Event, e.queueSize)
	group, groupCtx := errgroup.WithContext(runCtx)
	for _, ing := range e.ingesters {
		group.Go(e.pump(groupCtx, ing, merged))
	}
	go func() {
		_ = group.Wait()
		close(merged)
	}()

	done := make(chan struct{})
	e.mu.Lock()
	e.cancel = cancel
	e.done = done
	e.mu.Unlock()

	go func() {
		defer close(done)
		e.loop(runCtx, merged)
	}()

	e.state.Store(int32(StateRunning))
	e.log.Info("engine started", zap.Int("ingesters", len(e.ingesters)), zap.Int("strategies", len(e.strategies)))
	return nil
}

// pump forwards one ingester's stream into the merged channel. A closed
// stream with a reconnect-exhausted error removes the source and keeps the
// rest of the engine running.
func (e *Engine) pump(ctx context.Context, ing ingest.Ingester, merged chan<- event.Event) func() error {
	return func() error {
		for {
			select {
			case <-ctx.Done():
				return nil
			case ev, ok := <-ing.Stream():
				if !ok {
					if err := ing.Err(); err != nil {
						e.log.Error("ingester removed from merge", zap.String("ingester", ing.Name()), zap.Error(err))
						e.metrics.Errors.Inc()
						e.observers.OnError(fmt.Errorf("ingester %s: %w", ing.Name(), err))
					}
					return nil
				}
				select {
				case merged <- ev:
				case <-ctx.Done():
					return nil
				}
			}
		}
	}
}

// loop drains the merged stream. Events are processed strictly one at a
// time. Cancellation only stops dequeuing; the event already being
// processed runs on an uncancellable context so its executor call and
// persistence finish even when Stop lands mid-flight.
func (e *Engine) loop(ctx context.Context, merged <-chan event.Event) {
	procCtx := context.WithoutCancel(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case ev, ok := <-merged:
			if !ok {
				return
			}
			e.processEvent(procCtx, ev)
		}
	}
}

// processEvent runs the full pipeline for one event. Errors and panics are
// contained here so a poison event cannot take the engine down.
func (e *Engine) processEvent(ctx context.Context, ev event.Event) {
	defer func() {
		if r := recover(); r != nil {
			err := fmt.Errorf("panic processing event: %v", r)
			e.log.Error("event processing panicked", zap.String("kind", string(ev.Kind)), zap.Any("panic", r))
			e.metrics.Errors.Inc()
			e.observers.OnError(err)
		}
	}()

	if err := ev.Validate(); err != nil {
		e.log.Warn("dropping invalid event", zap.Error(err))
		e.metrics.Errors.Inc()
		return
	}
	e.metrics.EventsProcessed.Inc()
	e.tally.events.Add(1)
	defer func() { e.observers.OnMetricsUpdated(e.snapshot()) }()

	if ev.Kind == event.KindMarketTick && ev.HasPrice() {
		e.ledger.MarkPrice(ev.TokenID, ev.Price)
		if pos, ok := e.ledger.Position(ev.TokenID); ok {
			e.observers.OnPositionUpdated(pos)
		}
	}

	for _, strat := range e.strategies {
		strat.OnTick(ev)
		if e.paused.Load() {
			// Drain so stale signals do not fire on resume.
			strat.GenerateSignals()
			continue
		}
		for _, order := range strat.GenerateSignals() {
			e.metrics.SignalsGenerated.Inc()
			e.tally.signals.Add(1)
			e.observers.OnSignal(order)
			e.executeOrder(ctx, strat, order)
		}
	}
}

// executeOrder runs risk, rate limiting, execution, accounting, and
// persistence for a single order.
func (e *Engine) executeOrder(ctx context.Context, strat strategy.Strategy, order trade.Order) {
	if err := e.ledger.CheckOrder(order); err != nil {
		e.log.Info("order rejected pre-trade",
			zap.String("order_id", order.ClientOrderID),
			zap.String("token_id", order.TokenID),
			zap.Error(err),
		)
		e.metrics.OrdersRejected.Inc()
		e.tally.rejected.Add(1)
		result := trade.Rejection(err)
		result.OrderID = order.ClientOrderID
		e.notifyReject(strat, order)
		e.persistRecord(ctx, order, result)
		e.observers.OnTradeExecuted(order, result)
		return
	}

	e.throttle()
	result, err := e.executor.Execute(ctx, order)
	switch {
	case result.Status == trade.StatusRejected:
		e.metrics.OrdersRejected.Inc()
		e.tally.rejected.Add(1)
		e.notifyReject(strat, order)
	case err != nil:
		// Infrastructure failure: record it as a rejection so the audit
		// trail still carries the attempt.
		e.log.Error("execution failed", zap.String("order_id", order.ClientOrderID), zap.Error(err))
		e.metrics.OrdersFailed.Inc()
		e.tally.failed.Add(1)
		e.observers.OnError(fmt.Errorf("execute %s: %w", order.ClientOrderID, err))
		result = trade.Rejection(err)
		result.OrderID = order.ClientOrderID
		e.notifyReject(strat, order)
	default:
		e.metrics.OrdersExecuted.Inc()
		e.tally.executed.Add(1)
		if err := e.ledger.ApplyFill(order, result); err != nil {
			e.log.Error("ledger update failed", zap.String("order_id", order.ClientOrderID), zap.Error(err))
			e.metrics.Errors.Inc()
		}
		strat.OnFill(order, result)
		if pos, ok := e.ledger.Position(order.TokenID); ok {
			e.observers.OnPositionUpdated(pos)
		}
	}

	e.persistRecord(ctx, order, result)
	e.observers.OnTradeExecuted(order, result)
}

func (e *Engine) snapshot() notify.MetricsSnapshot {
	return notify.MetricsSnapshot{
		EventsProcessed:  e.tally.events.Load(),
		SignalsGenerated: e.tally.signals.Load(),
		OrdersExecuted:   e.tally.executed.Load(),
		OrdersRejected:   e.tally.rejected.Load(),
		OrdersFailed:     e.tally.failed.Load(),
	}
}

func (e *Engine) notifyReject(strat strategy.Strategy, order trade.Order) {
	if rh, ok := strat.(strategy.RejectHandler); ok {
		rh.OnReject(order)
	}
}

// persistRecord writes the trade to every sink. A sink failure is logged
// and reported; the trade itself stands.
func (e *Engine) persistRecord(ctx context.Context, order trade.Order, result trade.ExecutionResult) {
	rec := persist.NewRecord(order, result, e.now())
	positions := e.ledger.Positions()
	for _, sink := range e.sinks {
		if err := sink.RecordTrade(ctx, rec); err != nil {
			e.log.Error("trade persistence failed", zap.String("order_id", order.ClientOrderID), zap.Error(err))
			e.metrics.Errors.Inc()
			e.observers.OnError(fmt.Errorf("persist trade %s: %w", order.ClientOrderID, err))
		}
		if err := sink.RecordPositions(ctx, positions); err != nil {
			e.log.Error("position persistence failed", zap.Error(err))
			e.metrics.Errors.Inc()
		}
	}
}

// throttle spaces executor calls at least rateLimit apart, across all
// strategies and tokens.
func (e *Engine) throttle() {
	e.mu.Lock()
	defer e.mu.Unlock()
	if wait := e.rateLimit - e.now().Sub(e.lastExec); wait > 0 {
		e.sleep(wait)
	}
	e.lastExec = e.now()
}

// Stop lets the in-flight event finish, then disconnects every ingester.
// Disconnect errors are collected, not short-circuited.
func (e *Engine) Stop(ctx context.Context) error {
	if !e.state.CompareAndSwap(int32(StateRunning), int32(StateStopping)) {
		return ErrNotRunning
	}
	e.mu.Lock()
	cancel := e.cancel
	done := e.done
	e.mu.Unlock()

	if cancel != nil {
		cancel()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
			e.state.Store(int32(StateStopped))
			return ctx.Err()
		}
	}

	var errs []error
	for _, ing := range e.ingesters {
		if err := ing.Disconnect(ctx); err != nil {
			errs = append(errs, fmt.Errorf("disconnect %s: %w", ing.Name(), err))
		}
	}
	e.state.Store(int32(StateStopped))
	e.log.Info("engine stopped")
	return errors.Join(errs...)
}

// Package notify fans engine lifecycle events out to observers. Observers
// are best-effort: a slow, failing, or panicking observer never affects the
// trading path or its peers.
package notify

import (
	"poly-sniper/internal/trade"

	"go.uber.org/zap"
)

// MetricsSnapshot is the running pipeline tally pushed to observers after
// each processed event.
type MetricsSnapshot struct {
	EventsProcessed  uint64
	SignalsGenerated uint64
	OrdersExecuted   uint64
	OrdersRejected   uint64
	OrdersFailed     uint64
}

// Observer receives engine events. Implementations must not block.
type Observer interface {
	OnSignal(order trade.Order)
	OnTradeExecuted(order trade.Order, result trade.ExecutionResult)
	OnPositionUpdated(position trade.Position)
	OnMetricsUpdated(snapshot MetricsSnapshot)
	OnError(err error)
}

// Fanout delivers each event to every registered observer, isolating
// panics per observer per event.
type Fanout struct {
	observers []Observer
	log       *zap.Logger
}

func NewFanout(log *zap.Logger, observers ...Observer) *Fanout {
	return &Fanout{observers: observers, log: log}
}

func (f *Fanout) Register(obs Observer) {
	f.observers = append(f.observers, obs)
}

func (f *Fanout) OnSignal(order trade.Order) {
	for _, obs := range f.observers {
		f.dispatch(func() { obs.OnSignal(order) })
	}
}

func (f *Fanout) OnTradeExecuted(order trade.Order, result trade.ExecutionResult) {
	for _, obs := range f.observers {
		f.dispatch(func() { obs.OnTradeExecuted(order, result) })
	}
}

func (f *Fanout) OnPositionUpdated(position trade.Position) {
	for _, obs := range f.observers {
		f.dispatch(func() { obs.OnPositionUpdated(position) })
	}
}

func (f *Fanout) OnMetricsUpdated(snapshot MetricsSnapshot) {
	for _, obs := range f.observers {
		f.dispatch(func() { obs.OnMetricsUpdated(snapshot) })
	}
}

func (f *Fanout) OnError(err error) {
	for _, obs := range f.observers {
		f.dispatch(func() { obs.OnError(err) })
	}
}

func (f *Fanout) dispatch(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			f.log.Error("observer panicked", zap.Any("panic", r))
		}
	}()
	fn()
}

package strategy

import (
	"poly-sniper/internal/event"
	"poly-sniper/internal/trade"
)

// Strategy turns the merged event stream into candidate orders. OnTick is
// called for every event in arrival order; GenerateSignals is called right
// after and returns the orders the tick produced, if any.
type Strategy interface {
	Name() string
	OnTick(ev event.Event)
	GenerateSignals() []trade.Order
	OnFill(order trade.Order, result trade.ExecutionResult)
	Reset()
}

// RejectHandler is implemented by strategies that want to re-arm a rule
// when its order is rejected before reaching the venue.
type RejectHandler interface {
	OnReject(order trade.Order)
}

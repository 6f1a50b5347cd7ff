// Package persist records what the engine did: an append-only audit trail,
// a sqlite store for trades, positions, and key-value state, and an
// optional TimescaleDB writer for analytics.
package persist

import (
	"context"
	"time"

	"poly-sniper/internal/trade"
)

// Record is one executed (or rejected) order attempt with its outcome.
type Record struct {
	RecordedAt     time.Time `json:"recorded_at"`
	OrderID        string    `json:"order_id"`
	TokenID        string    `json:"token_id"`
	Side           string    `json:"side"`
	Quantity       string    `json:"quantity"`
	LimitPrice     string    `json:"limit_price,omitempty"`
	Reason         string    `json:"reason,omitempty"`
	Status         string    `json:"status"`
	FilledQuantity string    `json:"filled_quantity,omitempty"`
	FilledPrice    string    `json:"filled_price,omitempty"`
	Fees           string    `json:"fees,omitempty"`
	ErrorDetail    string    `json:"error_detail,omitempty"`
}

// NewRecord flattens an order and its result into the persisted shape.
func NewRecord(order trade.Order, result trade.ExecutionResult, at time.Time) Record {
	rec := Record{
		RecordedAt:  at.UTC(),
		OrderID:     order.ClientOrderID,
		TokenID:     order.TokenID,
		Side:        string(order.Side),
		Quantity:    order.Quantity.String(),
		Reason:      order.Reason,
		Status:      string(result.Status),
		ErrorDetail: result.ErrorDetail,
	}
	if order.HasLimit() {
		rec.LimitPrice = order.LimitPrice.String()
	}
	if result.Filled() {
		rec.FilledQuantity = result.FilledQuantity.String()
		rec.FilledPrice = result.FilledPrice.String()
	}
	if result.Fees.IsPositive() {
		rec.Fees = result.Fees.String()
	}
	return rec
}

// Sink receives trade records and position snapshots. Implementations must
// not block the trading path longer than a local write takes; failures are
// returned for logging and never undo the trade.
type Sink interface {
	RecordTrade(ctx context.Context, rec Record) error
	RecordPositions(ctx context.Context, positions []trade.Position) error
	Close() error
}

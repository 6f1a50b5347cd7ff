// Package exec places orders. The only live implementation is the paper
// executor; Idempotent wraps any executor with a persisted client-order-id
// dedupe so retries and restarts never double-fill.
package exec

import (
	"context"
	"errors"

	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
)

var (
	ErrPriceOutOfBounds = errors.New("price out of bounds")
	ErrSpreadTooWide    = errors.New("spread too wide")
	ErrNotionalExceeded = errors.New("order notional exceeds limit")
	ErrNoPrice          = errors.New("no price available")
	ErrInsufficientCash = errors.New("insufficient executor balance")
)

// Executor fills or rejects a single order. Validation rejections come
// back as a StatusRejected result together with the classifying error;
// infrastructure failures return a zero result and an error only.
type Executor interface {
	Execute(ctx context.Context, order trade.Order) (trade.ExecutionResult, error)
	Balance(ctx context.Context) (decimal.Decimal, error)
}

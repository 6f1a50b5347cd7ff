// Package ledger tracks cash, open positions, and pre-trade risk checks.
// All mutation happens through ApplyFill so the ledger stays consistent
// with what the executor actually did, not with what was requested.
package ledger

import (
	"errors"
	"fmt"
	"sync"
	"time"

	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

var (
	ErrNotLoaded            = errors.New("ledger not loaded")
	ErrInsufficientFunds    = errors.New("insufficient funds")
	ErrMaxPositions         = errors.New("max open positions reached")
	ErrInsufficientPosition = errors.New("insufficient position for sell")
)

// worstCasePrice bounds the cost of a buy with no limit price.
var worstCasePrice = decimal.NewFromInt(1)

type Ledger struct {
	mu           sync.Mutex
	loaded       bool
	cash         decimal.Decimal
	positions    map[string]*trade.Position
	maxPositions int
	log          *zap.Logger

	now func() time.Time
}

func New(maxPositions int, log *zap.Logger) *Ledger {
	return &Ledger{
		positions:    make(map[string]*trade.Position),
		maxPositions: maxPositions,
		log:          log,
		now:          time.Now,
	}
}

// Load seeds the ledger with persisted state. Every other method fails
// with ErrNotLoaded until it has been called.
func (l *Ledger) Load(cash decimal.Decimal, positions []trade.Position) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.cash = cash
	l.positions = make(map[string]*trade.Position, len(positions))
	for i := range positions {
		p := positions[i]
		if !p.Open() {
			continue
		}
		l.positions[p.TokenID] = &p
	}
	l.loaded = true
}

// CheckOrder is the pure pre-trade gate. It never mutates state: calling
// it twice with the same order yields the same answer.
func (l *Ledger) CheckOrder(order trade.Order) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return ErrNotLoaded
	}
	switch order.Side {
	case trade.Buy:
		price := worstCasePrice
		if order.HasLimit() {
			price = order.LimitPrice
		}
		cost := order.Quantity.Mul(price)
		if cost.GreaterThan(l.cash) {
			return fmt.Errorf("%w: need %s, have %s", ErrInsufficientFunds, cost, l.cash)
		}
		pos, held := l.positions[order.TokenID]
		if (!held || !pos.Open()) && l.openCount() >= l.maxPositions {
			return fmt.Errorf("%w: %d open", ErrMaxPositions, l.openCount())
		}
	case trade.Sell:
		pos, held := l.positions[order.TokenID]
		if !held || pos.Quantity.LessThan(order.Quantity) {
			return fmt.Errorf("%w: token %s", ErrInsufficientPosition, order.TokenID)
		}
	default:
		return fmt.Errorf("unknown order side %q", order.Side)
	}
	return nil
}

// ApplyFill folds an execution result into cash and positions. Buys use
// volume-weighted average entry; a sell that closes the full quantity
// marks the position flat rather than removing it.
func (l *Ledger) ApplyFill(order trade.Order, result trade.ExecutionResult) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if !l.loaded {
		return ErrNotLoaded
	}
	if result.Status != trade.StatusFilled && result.Status != trade.StatusPartiallyFilled {
		return nil
	}
	qty := result.FilledQuantity
	price := result.FilledPrice
	if qty.LessThanOrEqual(decimal.Zero) {
		return nil
	}
	notional := qty.Mul(price)

	switch order.Side {
	case trade.Buy:
		l.cash = l.cash.Sub(notional).Sub(result.Fees)
		pos, held := l.positions[order.TokenID]
		if !held || !pos.Open() {
			l.positions[order.TokenID] = &trade.Position{
				TokenID:       order.TokenID,
				Side:          trade.Long,
				Quantity:      qty,
				AvgEntryPrice: price,
				CurrentPrice:  price,
				OpenedAt:      l.now(),
			}
			return nil
		}
		total := pos.Quantity.Add(qty)
		pos.AvgEntryPrice = pos.AvgEntryPrice.Mul(pos.Quantity).Add(notional).Div(total)
		pos.Quantity = total
		pos.CurrentPrice = price
	case trade.Sell:
		l.cash = l.cash.Add(notional).Sub(result.Fees)
		pos, held := l.positions[order.TokenID]
		if !held {
			l.log.Warn("fill for unknown position", zap.String("token_id", order.TokenID))
			return nil
		}
		pos.Quantity = pos.Quantity.Sub(qty)
		pos.CurrentPrice = price
		if pos.Quantity.LessThanOrEqual(decimal.Zero) {
			pos.Quantity = decimal.Zero
			pos.Side = trade.Flat
		}
	}
	return nil
}

// MarkPrice updates the mark used for unrealized PnL. Unknown tokens are
// ignored.
func (l *Ledger) MarkPrice(tokenID string, price decimal.Decimal) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if pos, held := l.positions[tokenID]; held {
		pos.CurrentPrice = price
	}
}

func (l *Ledger) Cash() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.cash
}

func (l *Ledger) Loaded() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.loaded
}

// openCount counts positions with quantity still on the book. Callers
// must hold l.mu.
func (l *Ledger) openCount() int {
	n := 0
	for _, p := range l.positions {
		if p.Open() {
			n++
		}
	}
	return n
}

// Positions returns a copy of the open positions, safe to hold across
// subsequent fills. Flat entries are kept internally for mark history but
// not reported.
func (l *Ledger) Positions() []trade.Position {
	l.mu.Lock()
	defer l.mu.Unlock()
	out := make([]trade.Position, 0, len(l.positions))
	for _, p := range l.positions {
		if !p.Open() {
			continue
		}
		out = append(out, *p)
	}
	return out
}

// Position returns the open position for a token, if any.
func (l *Ledger) Position(tokenID string) (trade.Position, bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if p, held := l.positions[tokenID]; held {
		return *p, true
	}
	return trade.Position{}, false
}

// UnrealizedPnL sums mark-to-market PnL across open positions.
func (l *Ledger) UnrealizedPnL() decimal.Decimal {
	l.mu.Lock()
	defer l.mu.Unlock()
	total := decimal.Zero
	for _, p := range l.positions {
		total = total.Add(p.UnrealizedPnL())
	}
	return total
}

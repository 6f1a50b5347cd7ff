package exec

import (
	"context"
	"fmt"
	"sync"
	"time"

	"poly-sniper/internal/config"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type quote struct {
	bid decimal.Decimal
	ask decimal.Decimal
}

// Paper simulates fills against an internal balance. With a quote present
// for the token it validates the spread and fills at bid/ask; without one
// it fills at the order's limit price.
type Paper struct {
	minPrice  decimal.Decimal
	maxPrice  decimal.Decimal
	maxSpread decimal.Decimal
	maxNotion decimal.Decimal
	log       *zap.Logger

	mu      sync.Mutex
	balance decimal.Decimal
	quotes  map[string]quote

	now func() time.Time
}

func NewPaper(cfg config.ExecutorConfig, log *zap.Logger) *Paper {
	return &Paper{
		minPrice:  decimal.NewFromFloat(cfg.MinPrice),
		maxPrice:  decimal.NewFromFloat(cfg.MaxPrice),
		maxSpread: decimal.NewFromFloat(cfg.MaxSpread),
		maxNotion: decimal.NewFromFloat(cfg.MaxOrderNotional),
		balance:   decimal.NewFromFloat(cfg.PaperBalance),
		quotes:    make(map[string]quote),
		log:       log,
		now:       time.Now,
	}
}

// SetQuote records the current book for a token. Subsequent orders on the
// token are validated against it and filled at the touch.
func (p *Paper) SetQuote(tokenID string, bid, ask decimal.Decimal) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.quotes[tokenID] = quote{bid: bid, ask: ask}
}

func (p *Paper) Execute(ctx context.Context, order trade.Order) (trade.ExecutionResult, error) {
	if err := ctx.Err(); err != nil {
		return trade.ExecutionResult{}, err
	}
	p.mu.Lock()
	defer p.mu.Unlock()

	fillPrice, err := p.fillPrice(order)
	if err != nil {
		return p.reject(order, err), err
	}
	if fillPrice.LessThan(p.minPrice) || fillPrice.GreaterThan(p.maxPrice) {
		err := fmt.Errorf("%w: %s outside [%s, %s]", ErrPriceOutOfBounds, fillPrice, p.minPrice, p.maxPrice)
		return p.reject(order, err), err
	}
	notional := order.Quantity.Mul(fillPrice)
	if p.maxNotion.IsPositive() && notional.GreaterThan(p.maxNotion) {
		err := fmt.Errorf("%w: %s > %s", ErrNotionalExceeded, notional, p.maxNotion)
		return p.reject(order, err), err
	}
	if order.Side == trade.Buy {
		if notional.GreaterThan(p.balance) {
			err := fmt.Errorf("%w: need %s, have %s", ErrInsufficientCash, notional, p.balance)
			return p.reject(order, err), err
		}
		p.balance = p.balance.Sub(notional)
	} else {
		p.balance = p.balance.Add(notional)
	}

	p.log.Info("paper fill",
		zap.String("order_id", order.ClientOrderID),
		zap.String("token_id", order.TokenID),
		zap.String("side", string(order.Side)),
		zap.String("quantity", order.Quantity.String()),
		zap.String("price", fillPrice.String()),
	)
	return trade.ExecutionResult{
		OrderID:        order.ClientOrderID,
		Status:         trade.StatusFilled,
		FilledQuantity: order.Quantity,
		FilledPrice:    fillPrice,
		ExecutedAt:     p.now(),
	}, nil
}

// fillPrice resolves what the order would trade at. Caller holds the lock.
func (p *Paper) fillPrice(order trade.Order) (decimal.Decimal, error) {
	q, ok := p.quotes[order.TokenID]
	if !ok {
		if !order.HasLimit() {
			return decimal.Decimal{}, fmt.Errorf("%w: token %s has no quote and order has no limit", ErrNoPrice, order.TokenID)
		}
		return order.LimitPrice, nil
	}
	if spread := q.ask.Sub(q.bid); spread.GreaterThan(p.maxSpread) {
		return decimal.Decimal{}, fmt.Errorf("%w: %s > %s", ErrSpreadTooWide, spread, p.maxSpread)
	}
	price := q.ask
	if order.Side == trade.Sell {
		price = q.bid
	}
	if order.HasLimit() {
		if order.Side == trade.Buy && price.GreaterThan(order.LimitPrice) {
			price = order.LimitPrice
		}
		if order.Side == trade.Sell && price.LessThan(order.LimitPrice) {
			price = order.LimitPrice
		}
	}
	return price, nil
}

func (p *Paper) reject(order trade.Order, err error) trade.ExecutionResult {
	result := trade.Rejection(err)
	result.OrderID = order.ClientOrderID
	result.ExecutedAt = p.now()
	return result
}

func (p *Paper) Balance(ctx context.Context) (decimal.Decimal, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.balance, nil
}

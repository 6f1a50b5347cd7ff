package exec

import (
	"context"
	"encoding/json"
	"sync"

	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Store is the persistence hook for the idempotency cache. Implemented by
// the sqlite key-value store.
type Store interface {
	Get(ctx context.Context, key string) (string, bool, error)
	Set(ctx context.Context, key, value string) error
}

// Idempotent wraps an executor with a client-order-id dedupe. An order
// whose id has already produced a result returns the cached result without
// touching the inner executor, across restarts when a Store is attached.
type Idempotent struct {
	inner Executor
	store Store
	log   *zap.Logger

	mu    sync.Mutex
	cache map[string]trade.ExecutionResult
}

func NewIdempotent(inner Executor, store Store, log *zap.Logger) *Idempotent {
	return &Idempotent{
		inner: inner,
		store: store,
		log:   log,
		cache: make(map[string]trade.ExecutionResult),
	}
}

func (e *Idempotent) Execute(ctx context.Context, order trade.Order) (trade.ExecutionResult, error) {
	if order.ClientOrderID == "" {
		return e.inner.Execute(ctx, order)
	}
	key := "result:" + order.ClientOrderID

	e.mu.Lock()
	if cached, ok := e.cache[key]; ok {
		e.mu.Unlock()
		return cached, nil
	}
	e.mu.Unlock()

	if e.store != nil {
		raw, ok, err := e.store.Get(ctx, key)
		if err != nil {
			return trade.ExecutionResult{}, err
		}
		if ok {
			var cached trade.ExecutionResult
			if err := json.Unmarshal([]byte(raw), &cached); err == nil {
				e.remember(key, cached)
				return cached, nil
			}
			e.log.Warn("discarding unreadable cached result", zap.String("key", key), zap.Error(err))
		}
	}

	result, err := e.inner.Execute(ctx, order)
	if err != nil && result.Status != trade.StatusRejected {
		return result, err
	}
	if e.store != nil {
		if raw, merr := json.Marshal(result); merr == nil {
			if serr := e.store.Set(ctx, key, string(raw)); serr != nil {
				e.log.Warn("failed to persist execution result", zap.String("key", key), zap.Error(serr))
			}
		}
	}
	e.remember(key, result)
	return result, err
}

func (e *Idempotent) remember(key string, result trade.ExecutionResult) {
	e.mu.Lock()
	e.cache[key] = result
	e.mu.Unlock()
}

func (e *Idempotent) Balance(ctx context.Context) (decimal.Decimal, error) {
	return e.inner.Balance(ctx)
}

package ingest

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"poly-sniper/internal/event"
	"poly-sniper/internal/metrics"

	"github.com/shopspring/decimal"
	"github.com/tidwall/gjson"
	"go.uber.org/zap"
	"nhooyr.io/websocket"
)

// MarketFeed streams market ticks from a CLOB-style websocket. Subscriptions
// registered before Connect are buffered and replayed on every (re)connect;
// the already-subscribed set prevents duplicate registrations.
type MarketFeed struct {
	name      string
	url       string
	backoff   Backoff
	heartbeat time.Duration
	log       *zap.Logger

	mu        sync.Mutex
	conn      *websocket.Conn
	subs      map[string]struct{}
	connected bool
	started   bool
	stopped   bool
	err       error

	reconnects metrics.Counter

	out chan event.Event
}

// SetReconnectCounter attaches the reconnect metric. Optional.
func (f *MarketFeed) SetReconnectCounter(c metrics.Counter) { f.reconnects = c }

func NewMarketFeed(name, url string, backoff Backoff, heartbeat time.Duration, log *zap.Logger) *MarketFeed {
	return &MarketFeed{
		name:      name,
		url:       url,
		backoff:   backoff,
		heartbeat: heartbeat,
		log:       log,
		subs:      make(map[string]struct{}),
		out:       make(chan event.Event, 256),
	}
}

func (f *MarketFeed) Name() string { return f.name }

// Connect dials the websocket and replays the buffered subscription set,
// retrying with the configured backoff before giving up. Idempotent if
// already connected.
func (f *MarketFeed) Connect(ctx context.Context) error {
	f.mu.Lock()
	if f.conn != nil {
		f.mu.Unlock()
		return nil
	}
	f.mu.Unlock()
	var lastErr error
	for attempt := 0; attempt <= f.backoff.MaxAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return fmt.Errorf("%w: %v", ErrConnection, ctx.Err())
			case <-time.After(f.backoff.Delay(attempt - 1)):
			}
		}
		if err := f.dial(ctx); err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	return fmt.Errorf("%w: %v", ErrConnection, lastErr)
}

func (f *MarketFeed) dial(ctx context.Context) error {
	conn, _, err := websocket.Dial(ctx, f.url, nil)
	if err != nil {
		return err
	}
	f.mu.Lock()
	f.conn = conn
	f.connected = true
	tokens := make([]string, 0, len(f.subs))
	for id := range f.subs {
		tokens = append(tokens, id)
	}
	f.mu.Unlock()
	if len(tokens) > 0 {
		if err := f.sendSubscription(ctx, conn, tokens); err != nil {
			f.resetConn()
			return err
		}
	}
	return nil
}

// Subscribe registers interest in tokens. Callable before Connect: the set
// is buffered and sent on the next successful dial.
func (f *MarketFeed) Subscribe(tokenIDs ...string) error {
	f.mu.Lock()
	fresh := make([]string, 0, len(tokenIDs))
	for _, id := range tokenIDs {
		if id == "" {
			continue
		}
		if _, ok := f.subs[id]; ok {
			continue
		}
		f.subs[id] = struct{}{}
		fresh = append(fresh, id)
	}
	conn := f.conn
	f.mu.Unlock()

	if conn == nil || len(fresh) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := f.sendSubscription(ctx, conn, fresh); err != nil {
		return fmt.Errorf("%w: %v", ErrSubscription, err)
	}
	return nil
}

func (f *MarketFeed) sendSubscription(ctx context.Context, conn *websocket.Conn, tokens []string) error {
	msg := map[string]any{"type": "market", "assets_ids": tokens}
	return writeJSON(ctx, conn, msg)
}

// Stream starts the read/reconnect loop on first call and returns the
// event channel. The channel closes on permanent failure or disconnect.
func (f *MarketFeed) Stream() <-chan event.Event {
	f.mu.Lock()
	if !f.started {
		f.started = true
		go f.run(context.Background())
	}
	f.mu.Unlock()
	return f.out
}

func (f *MarketFeed) run(ctx context.Context) {
	defer close(f.out)
	for {
		f.mu.Lock()
		conn := f.conn
		f.mu.Unlock()
		if conn == nil {
			return
		}

		pingCtx, cancelPing := context.WithCancel(ctx)
		pingDone := make(chan struct{})
		go func() {
			defer close(pingDone)
			f.pingLoop(pingCtx, conn)
		}()
		err := f.readLoop(ctx, conn)
		cancelPing()
		<-pingDone

		f.resetConn()
		f.mu.Lock()
		stopped := f.stopped
		f.mu.Unlock()
		if err == nil || stopped || ctx.Err() != nil {
			return
		}
		f.log.Warn("market feed read loop ended", zap.String("feed", f.name), zap.Error(err))
		if !f.reconnect(ctx) {
			return
		}
	}
}

func (f *MarketFeed) reconnect(ctx context.Context) bool {
	for attempt := 0; attempt < f.backoff.MaxAttempts; attempt++ {
		delay := f.backoff.Delay(attempt)
		f.log.Info("market feed reconnecting",
			zap.String("feed", f.name),
			zap.Int("attempt", attempt+1),
			zap.Int("max_attempts", f.backoff.MaxAttempts),
			zap.Duration("delay", delay),
		)
		select {
		case <-ctx.Done():
			return false
		case <-time.After(delay):
		}
		f.mu.Lock()
		stopped := f.stopped
		f.mu.Unlock()
		if stopped {
			return false
		}
		if err := f.dial(ctx); err != nil {
			f.log.Warn("market feed reconnect failed", zap.String("feed", f.name), zap.Error(err))
			continue
		}
		if f.reconnects != nil {
			f.reconnects.Inc()
		}
		return true
	}
	f.setErr(fmt.Errorf("%w: %d attempts", ErrReconnectExhausted, f.backoff.MaxAttempts))
	return false
}

func (f *MarketFeed) readLoop(ctx context.Context, conn *websocket.Conn) error {
	for {
		_, data, err := conn.Read(ctx)
		if err != nil {
			return err
		}
		for _, ev := range parseFeedMessage(data) {
			select {
			case f.out <- ev:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

// pingLoop doubles as the liveness probe: a failed heartbeat write closes
// the connection so the read loop enters the reconnect path immediately.
func (f *MarketFeed) pingLoop(ctx context.Context, conn *websocket.Conn) {
	if f.heartbeat <= 0 {
		return
	}
	ticker := time.NewTicker(f.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := writeJSON(ctx, conn, pingMessage); err != nil {
				f.log.Warn("market feed heartbeat failed", zap.String("feed", f.name), zap.Error(err))
				_ = conn.Close(websocket.StatusAbnormalClosure, "heartbeat failed")
				return
			}
		}
	}
}

// parseFeedMessage converts one websocket payload into zero or more market
// ticks. Payloads may be a single object or an array of them.
func parseFeedMessage(data []byte) []event.Event {
	root := gjson.ParseBytes(data)
	items := []gjson.Result{root}
	if root.IsArray() {
		items = root.Array()
	}
	var events []event.Event
	for _, item := range items {
		tokenID := item.Get("asset_id").String()
		if tokenID == "" {
			continue
		}
		price := tickPrice(item)
		if price.IsZero() {
			continue
		}
		ev, err := event.NewMarketTick(tokenID, item.Get("market").String(), price)
		if err != nil {
			continue
		}
		events = append(events, ev)
	}
	return events
}

// tickPrice prefers the bid/ask midpoint, falling back to the trade price.
func tickPrice(item gjson.Result) decimal.Decimal {
	bid := item.Get("best_bid")
	ask := item.Get("best_ask")
	if bid.Exists() && ask.Exists() && bid.Float() > 0 && ask.Float() > 0 {
		return decimal.NewFromFloat(bid.Float()).
			Add(decimal.NewFromFloat(ask.Float())).
			Div(decimal.NewFromInt(2))
	}
	if p := item.Get("price"); p.Exists() && p.Float() > 0 {
		return decimal.NewFromFloat(p.Float())
	}
	return decimal.Zero
}

func (f *MarketFeed) Disconnect(ctx context.Context) error {
	f.mu.Lock()
	f.stopped = true
	f.mu.Unlock()
	f.resetConn()
	return nil
}

func (f *MarketFeed) resetConn() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.connected = false
	if f.conn != nil {
		_ = f.conn.Close(websocket.StatusNormalClosure, "reset")
		f.conn = nil
	}
}

func (f *MarketFeed) setErr(err error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.err = err
}

func (f *MarketFeed) Err() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.err
}

func (f *MarketFeed) Connected() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.connected
}

func writeJSON(ctx context.Context, conn *websocket.Conn, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return conn.Write(ctx, websocket.MessageText, data)
}

var pingMessage = map[string]any{"type": "ping"}

package strategy

import (
	"time"

	"poly-sniper/internal/config"
	"poly-sniper/internal/event"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type thresholdRule struct {
	tokenID          string
	side             trade.Side
	threshold        decimal.Decimal
	above            bool
	size             decimal.Decimal
	cooldown         time.Duration
	cooldownOnReject bool
	lastFired        time.Time
}

func (r *thresholdRule) triggered(price decimal.Decimal) bool {
	if r.above {
		return price.GreaterThan(r.threshold)
	}
	return price.LessThan(r.threshold)
}

// Threshold fires an order whenever a tick satisfies a price condition and
// the rule is out of its cooldown window. There is no edge detection: a
// rule sitting past its threshold refires on the first tick after the
// cooldown expires.
type Threshold struct {
	name    string
	rules   []*thresholdRule
	pending []trade.Order
	byOrder map[string]*thresholdRule
	log     *zap.Logger

	now func() time.Time
}

func NewThreshold(name string, rules []config.ThresholdRuleConfig, log *zap.Logger) *Threshold {
	s := &Threshold{
		name:    name,
		byOrder: make(map[string]*thresholdRule),
		log:     log,
		now:     time.Now,
	}
	for _, rc := range rules {
		cooldownOnReject := true
		if rc.CooldownOnReject != nil {
			cooldownOnReject = *rc.CooldownOnReject
		}
		s.rules = append(s.rules, &thresholdRule{
			tokenID:          rc.TokenID,
			side:             trade.Side(rc.Side),
			threshold:        decimal.NewFromFloat(rc.Threshold),
			above:            rc.Comparison == "above",
			size:             decimal.NewFromFloat(rc.Size),
			cooldown:         rc.Cooldown,
			cooldownOnReject: cooldownOnReject,
		})
	}
	return s
}

func (s *Threshold) Name() string { return s.name }

func (s *Threshold) OnTick(ev event.Event) {
	if ev.Kind != event.KindMarketTick || !ev.HasPrice() {
		return
	}
	now := s.now()
	for _, rule := range s.rules {
		if rule.tokenID != ev.TokenID {
			continue
		}
		if !rule.triggered(ev.Price) {
			continue
		}
		if !rule.lastFired.IsZero() && now.Sub(rule.lastFired) < rule.cooldown {
			continue
		}
		order, err := trade.NewOrder(rule.tokenID, rule.side, rule.size, ev.Price,
			trade.GoodTillCancel, s.reason(rule, ev.Price))
		if err != nil {
			s.log.Error("threshold rule produced invalid order",
				zap.String("token_id", rule.tokenID), zap.Error(err))
			continue
		}
		rule.lastFired = now
		s.byOrder[order.ClientOrderID] = rule
		s.pending = append(s.pending, order)
	}
}

func (s *Threshold) reason(rule *thresholdRule, price decimal.Decimal) string {
	cmp := "below"
	if rule.above {
		cmp = "above"
	}
	return "price " + price.String() + " " + cmp + " threshold " + rule.threshold.String()
}

// GenerateSignals drains the orders accumulated by the last OnTick.
func (s *Threshold) GenerateSignals() []trade.Order {
	out := s.pending
	s.pending = nil
	return out
}

// OnFill retires the bookkeeping for a completed order. Keyed on the
// client order id, not the venue-assigned one, which may be absent.
func (s *Threshold) OnFill(order trade.Order, result trade.ExecutionResult) {
	delete(s.byOrder, order.ClientOrderID)
}

// OnReject re-arms the originating rule when it is configured to skip the
// cooldown on rejection.
func (s *Threshold) OnReject(order trade.Order) {
	rule, ok := s.byOrder[order.ClientOrderID]
	if !ok {
		return
	}
	delete(s.byOrder, order.ClientOrderID)
	if !rule.cooldownOnReject {
		rule.lastFired = time.Time{}
	}
}

func (r *thresholdRule) key() string {
	cmp := "below"
	if r.above {
		cmp = "above"
	}
	return r.tokenID + "|" + cmp + "|" + r.threshold.String()
}

// CooldownState exports the per-rule last-fired clocks for persistence.
func (s *Threshold) CooldownState() map[string]time.Time {
	state := make(map[string]time.Time)
	for _, rule := range s.rules {
		if !rule.lastFired.IsZero() {
			state[rule.key()] = rule.lastFired
		}
	}
	return state
}

// RestoreCooldowns reloads clocks saved by a previous run. Unknown keys
// are ignored so rule edits between runs stay safe.
func (s *Threshold) RestoreCooldowns(state map[string]time.Time) {
	for _, rule := range s.rules {
		if t, ok := state[rule.key()]; ok {
			rule.lastFired = t
		}
	}
}

func (s *Threshold) Reset() {
	for _, rule := range s.rules {
		rule.lastFired = time.Time{}
	}
	s.pending = nil
	s.byOrder = make(map[string]*thresholdRule)
}

package strategy

import (
	"strconv"
	"strings"
	"time"

	"poly-sniper/internal/config"
	"poly-sniper/internal/event"
	"poly-sniper/internal/trade"

	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

type keywordRule struct {
	keyword          string
	tokenID          string
	side             trade.Side
	size             decimal.Decimal
	limitPrice       decimal.Decimal
	cooldown         time.Duration
	cooldownOnReject bool
	lastFired        time.Time
}

// Keyword fires an order when a headline contains a configured keyword.
// Matching is a plain case-insensitive substring check, so a rule for
// "rate cut" also matches "no rate cut expected". Scope keywords
// accordingly.
type Keyword struct {
	name    string
	rules   []*keywordRule
	pending []trade.Order
	byOrder map[string]*keywordRule
	log     *zap.Logger

	now func() time.Time
}

func NewKeyword(name string, rules []config.KeywordRuleConfig, log *zap.Logger) *Keyword {
	s := &Keyword{
		name:    name,
		byOrder: make(map[string]*keywordRule),
		log:     log,
		now:     time.Now,
	}
	for _, rc := range rules {
		cooldownOnReject := true
		if rc.CooldownOnReject != nil {
			cooldownOnReject = *rc.CooldownOnReject
		}
		var limit decimal.Decimal
		if rc.LimitPrice > 0 {
			limit = decimal.NewFromFloat(rc.LimitPrice)
		}
		s.rules = append(s.rules, &keywordRule{
			keyword:          strings.ToLower(rc.Keyword),
			tokenID:          rc.TokenID,
			side:             trade.Side(rc.Side),
			size:             decimal.NewFromFloat(rc.Size),
			limitPrice:       limit,
			cooldown:         rc.Cooldown,
			cooldownOnReject: cooldownOnReject,
		})
	}
	return s
}

func (s *Keyword) Name() string { return s.name }

func (s *Keyword) OnTick(ev event.Event) {
	if ev.Kind != event.KindExternalSignal || ev.Content == "" {
		return
	}
	content := strings.ToLower(ev.Content)
	now := s.now()
	for _, rule := range s.rules {
		if !strings.Contains(content, rule.keyword) {
			continue
		}
		if !rule.lastFired.IsZero() && now.Sub(rule.lastFired) < rule.cooldown {
			continue
		}
		order, err := trade.NewOrder(rule.tokenID, rule.side, rule.size, rule.limitPrice,
			trade.GoodTillCancel, "headline matched keyword "+strconv.Quote(rule.keyword))
		if err != nil {
			s.log.Error("keyword rule produced invalid order",
				zap.String("keyword", rule.keyword), zap.Error(err))
			continue
		}
		rule.lastFired = now
		s.byOrder[order.ClientOrderID] = rule
		s.pending = append(s.pending, order)
	}
}

func (s *Keyword) GenerateSignals() []trade.Order {
	out := s.pending
	s.pending = nil
	return out
}

func (s *Keyword) OnFill(order trade.Order, result trade.ExecutionResult) {
	delete(s.byOrder, order.ClientOrderID)
}

func (s *Keyword) OnReject(order trade.Order) {
	rule, ok := s.byOrder[order.ClientOrderID]
	if !ok {
		return
	}
	delete(s.byOrder, order.ClientOrderID)
	if !rule.cooldownOnReject {
		rule.lastFired = time.Time{}
	}
}

// CooldownState exports the per-rule last-fired clocks for persistence.
func (s *Keyword) CooldownState() map[string]time.Time {
	state := make(map[string]time.Time)
	for _, rule := range s.rules {
		if !rule.lastFired.IsZero() {
			state[rule.keyword] = rule.lastFired
		}
	}
	return state
}

// RestoreCooldowns reloads clocks saved by a previous run.
func (s *Keyword) RestoreCooldowns(state map[string]time.Time) {
	for _, rule := range s.rules {
		if t, ok := state[rule.keyword]; ok {
			rule.lastFired = t
		}
	}
}

func (s *Keyword) Reset() {
	for _, rule := range s.rules {
		rule.lastFired = time.Time{}
	}
	s.pending = nil
	s.byOrder = make(map[string]*keywordRule)
}

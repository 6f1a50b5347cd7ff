package event

import (
	"errors"
	"time"

	"github.com/shopspring/decimal"
)

// Kind discriminates market data from external (news/social/manual) events.
type Kind string

const (
	KindMarketTick     Kind = "MARKET_TICK"
	KindExternalSignal Kind = "EXTERNAL_SIGNAL"
)

var ErrInvalidEvent = errors.New("invalid event")

// Event is the immutable unit flowing through the pipeline. A market tick
// carries a token id and usually a price; an external signal carries free
// text content and a source. Every event carries at least one of the two.
type Event struct {
	Kind       Kind
	TokenID    string
	MarketID   string
	Price      decimal.Decimal // zero means no price observation
	Content    string
	Source     string
	ObservedAt time.Time
}

// HasPrice reports whether the event carries a usable price observation.
func (e Event) HasPrice() bool {
	return !e.Price.IsZero()
}

// Validate enforces the construction invariant: an event without a token id
// and without content addresses nothing and must be rejected.
func (e Event) Validate() error {
	if e.TokenID == "" && e.Content == "" {
		return ErrInvalidEvent
	}
	if e.Price.IsNegative() {
		return ErrInvalidEvent
	}
	return nil
}

// NewMarketTick builds a validated market data event.
func NewMarketTick(tokenID, marketID string, price decimal.Decimal) (Event, error) {
	e := Event{
		Kind:       KindMarketTick,
		TokenID:    tokenID,
		MarketID:   marketID,
		Price:      price,
		ObservedAt: time.Now().UTC(),
	}
	return e, e.Validate()
}

// NewExternalSignal builds a validated news/social/manual event.
func NewExternalSignal(content, source string) (Event, error) {
	e := Event{
		Kind:       KindExternalSignal,
		Content:    content,
		Source:     source,
		ObservedAt: time.Now().UTC(),
	}
	return e, e.Validate()
}

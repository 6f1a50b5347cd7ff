package trade

import (
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

type Side string

const (
	Buy  Side = "BUY"
	Sell Side = "SELL"
)

// TimeInForce controls how long an order rests on the venue.
type TimeInForce string

const (
	GoodTillCancel    TimeInForce = "GTC"
	ImmediateOrCancel TimeInForce = "IOC"
	FillOrKill        TimeInForce = "FOK"
)

type Status string

const (
	StatusFilled          Status = "FILLED"
	StatusPartiallyFilled Status = "PARTIAL"
	StatusRejected        Status = "REJECTED"
	StatusCancelled       Status = "CANCELLED"
)

var (
	one = decimal.NewFromInt(1)

	ErrQuantity   = errors.New("order quantity must be > 0")
	ErrLimitPrice = errors.New("order limit price must be in (0,1)")
)

// Order is a proposed trade. ClientOrderID is unique per attempt and used
// as the idempotency key for venue resubmission.
type Order struct {
	ClientOrderID string
	TokenID       string
	Side          Side
	Quantity      decimal.Decimal
	LimitPrice    decimal.Decimal // zero means no limit
	TimeInForce   TimeInForce
	Reason        string
	CreatedAt     time.Time
}

// NewOrder builds a validated order with a fresh client order id.
func NewOrder(tokenID string, side Side, quantity, limitPrice decimal.Decimal, tif TimeInForce, reason string) (Order, error) {
	o := Order{
		ClientOrderID: uuid.NewString(),
		TokenID:       tokenID,
		Side:          side,
		Quantity:      quantity,
		LimitPrice:    limitPrice,
		TimeInForce:   tif,
		Reason:        reason,
		CreatedAt:     time.Now().UTC(),
	}
	return o, o.Validate()
}

func (o Order) Validate() error {
	if o.TokenID == "" {
		return errors.New("order token id is required")
	}
	if o.Side != Buy && o.Side != Sell {
		return fmt.Errorf("unknown order side %q", o.Side)
	}
	if !o.Quantity.IsPositive() {
		return ErrQuantity
	}
	if !o.LimitPrice.IsZero() {
		if !o.LimitPrice.IsPositive() || o.LimitPrice.GreaterThanOrEqual(one) {
			return ErrLimitPrice
		}
	}
	return nil
}

// HasLimit reports whether the order carries a limit price.
func (o Order) HasLimit() bool {
	return !o.LimitPrice.IsZero()
}

// ExecutionResult is the venue's answer to one order attempt. OrderID may be
// empty on rejection; ErrorDetail is set iff Status is Rejected.
type ExecutionResult struct {
	OrderID        string
	Status         Status
	FilledQuantity decimal.Decimal
	FilledPrice    decimal.Decimal
	Fees           decimal.Decimal
	ErrorDetail    string
	ExecutedAt     time.Time
}

// Filled reports whether any quantity actually traded.
func (r ExecutionResult) Filled() bool {
	return (r.Status == StatusFilled || r.Status == StatusPartiallyFilled) &&
		r.FilledQuantity.IsPositive()
}

// Rejection wraps an execution failure into a Rejected-equivalent result so
// downstream accounting and persistence see a uniform shape.
func Rejection(err error) ExecutionResult {
	detail := "rejected"
	if err != nil {
		detail = err.Error()
	}
	return ExecutionResult{
		Status:      StatusRejected,
		ErrorDetail: detail,
		ExecutedAt:  time.Now().UTC(),
	}
}

package trade

import (
	"time"

	"github.com/shopspring/decimal"
)

type PositionSide string

const (
	Long  PositionSide = "LONG"
	Short PositionSide = "SHORT"
	Flat  PositionSide = "FLAT"
)

// Position is an immutable per-token snapshot. PnL and market value are
// derived on demand, never stored.
type Position struct {
	TokenID       string
	Side          PositionSide
	Quantity      decimal.Decimal
	AvgEntryPrice decimal.Decimal
	CurrentPrice  decimal.Decimal
	OpenedAt      time.Time
}

func (p Position) direction() decimal.Decimal {
	switch p.Side {
	case Long:
		return decimal.NewFromInt(1)
	case Short:
		return decimal.NewFromInt(-1)
	default:
		return decimal.Zero
	}
}

// UnrealizedPnL is direction * quantity * (current - entry).
func (p Position) UnrealizedPnL() decimal.Decimal {
	return p.direction().Mul(p.Quantity).Mul(p.CurrentPrice.Sub(p.AvgEntryPrice))
}

// MarketValue is quantity * current price.
func (p Position) MarketValue() decimal.Decimal {
	return p.Quantity.Mul(p.CurrentPrice)
}

// Open reports whether the position holds any quantity.
func (p Position) Open() bool {
	return p.Side != Flat && p.Quantity.IsPositive()
}

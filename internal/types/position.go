package types

import (
	"time"

	"github.com/shopspring/decimal"
)

// PositionStatus is the direction of a position. The numeric value is the
// sign applied to both exposure and PnL: Long contributes +quantity and
// +(mark-entry), Short contributes -quantity and -(mark-entry).
type PositionStatus int

const (
	PositionStatusLong  PositionStatus = 1
	PositionStatusShort PositionStatus = -1
)

// Sign returns the PnL sign multiplier for the position direction.
func (s PositionStatus) Sign() float64 {
	return float64(s)
}

// IsValid reports whether the status is one of the two known directions.
func (s PositionStatus) IsValid() bool {
	return s == PositionStatusLong || s == PositionStatusShort
}

func (s PositionStatus) String() string {
	switch s {
	case PositionStatusLong:
		return "LONG"
	case PositionStatusShort:
		return "SHORT"
	default:
		return "UNKNOWN"
	}
}

// ExitType labels the reason a position was closed. Free-form; these are the
// conventional values strategies use.
const (
	ExitTypeTarget   = "target"
	ExitTypeStoploss = "stoploss"
	ExitTypeTimeUp   = "timeup"
	ExitTypeExpiry   = "expiry"
)

// OpenPosition is one row of the open-position table. Index is unique and
// stable until exit. MarkPrice and UnrealizedPnl are the only fields mutated
// after creation, by the mark-to-market pass.
type OpenPosition struct {
	Index         int64          `csv:"index"`
	EntryTime     time.Time      `csv:"entry_time"`
	Symbol        string         `csv:"symbol"`
	EntryPrice    float64        `csv:"entry_price"`
	MarkPrice     float64        `csv:"mark_price"`
	Quantity      float64        `csv:"quantity"`
	Status        PositionStatus `csv:"position_status"`
	UnrealizedPnl float64        `csv:"unrealized_pnl"`
	// Extra holds strategy-declared extension columns. Keys must be declared
	// on the ledger via AddColumns before use.
	Extra map[string]string `csv:"-"`
}

// ClosedPosition is one row of the closed-position table: the open row's
// entry-time fields plus the exit fields. Immutable once created.
type ClosedPosition struct {
	Index       int64          `csv:"index"`
	EntryTime   time.Time      `csv:"entry_time"`
	ExitTime    time.Time      `csv:"exit_time"`
	Symbol      string         `csv:"symbol"`
	EntryPrice  float64        `csv:"entry_price"`
	ExitPrice   float64        `csv:"exit_price"`
	Quantity    float64        `csv:"quantity"`
	Status      PositionStatus `csv:"position_status"`
	ExitType    string         `csv:"exit_type"`
	RealizedPnl float64        `csv:"realized_pnl"`
	Extra       map[string]string
}

// UnrealizedPnl computes sign * (mark - entry) * quantity with decimal
// arithmetic to avoid float drift in long accumulations.
func UnrealizedPnl(status PositionStatus, entryPrice, markPrice, quantity float64) float64 {
	diff := decimal.NewFromFloat(markPrice).Sub(decimal.NewFromFloat(entryPrice))
	pnl := diff.Mul(decimal.NewFromFloat(quantity)).Mul(decimal.NewFromFloat(status.Sign()))

	result, _ := pnl.Float64()

	return result
}

// CapitalInvested is entryPrice * quantity, the notional deployed by the position.
func (p OpenPosition) CapitalInvested() float64 {
	result, _ := decimal.NewFromFloat(p.EntryPrice).Mul(decimal.NewFromFloat(p.Quantity)).Float64()

	return result
}

// CapitalInvested is entryPrice * quantity at entry time.
func (p ClosedPosition) CapitalInvested() float64 {
	result, _ := decimal.NewFromFloat(p.EntryPrice).Mul(decimal.NewFromFloat(p.Quantity)).Float64()

	return result
}

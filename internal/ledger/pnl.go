package ledger

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// Totals is the PnL summary of the ledger at a point in time. Net is always
// re-derived as Unrealized + Realized, never carried between calls.
type Totals struct {
	Unrealized float64
	Realized   float64
	Net        float64
}

// MarkFunc resolves the current mark price for a symbol. None means no quote
// is available for this tick; the position keeps its previous mark.
type MarkFunc func(symbol string) optional.Option[float64]

// MarkToMarket refreshes the mark price and unrealized PnL of every open
// position using markFor. Symbols without a quote are tolerated and logged;
// their rows stay at the last known mark.
func (l *Ledger) MarkToMarket(markFor MarkFunc) {
	for _, idx := range l.order {
		pos := l.open[idx]

		mark := markFor(pos.Symbol)
		if mark.IsNone() {
			l.logger.Debug("no mark for open position, keeping last price",
				zap.Time("time", l.now),
				zap.String("symbol", pos.Symbol),
				zap.Int64("index", pos.Index),
			)

			continue
		}

		pos.MarkPrice = mark.Unwrap()
		pos.UnrealizedPnl = types.UnrealizedPnl(pos.Status, pos.EntryPrice, pos.MarkPrice, pos.Quantity)
	}
}

// Totals sums unrealized PnL over the open table and realized PnL over the
// closed table.
func (l *Ledger) Totals() Totals {
	unrealized := decimal.Zero
	for _, pos := range l.open {
		unrealized = unrealized.Add(decimal.NewFromFloat(pos.UnrealizedPnl))
	}

	realized := decimal.Zero
	for _, pos := range l.closed {
		realized = realized.Add(decimal.NewFromFloat(pos.RealizedPnl))
	}

	return Totals{
		Unrealized: unrealized.InexactFloat64(),
		Realized:   realized.InexactFloat64(),
		Net:        unrealized.Add(realized).InexactFloat64(),
	}
}

// CapitalInvested sums the entry-side capital of all open positions.
func (l *Ledger) CapitalInvested() float64 {
	total := decimal.Zero
	for _, pos := range l.open {
		total = total.Add(decimal.NewFromFloat(pos.CapitalInvested()))
	}

	return total.InexactFloat64()
}

// ExitExpired closes every open position whose symbol-embedded expiry is at
// or before now, using the last mark price. Returns the closed rows.
func (l *Ledger) ExitExpired(now time.Time, expiryOf func(symbol string) optional.Option[time.Time]) ([]types.ClosedPosition, error) {
	var indices []int64

	for _, idx := range l.order {
		pos := l.open[idx]

		expiry := expiryOf(pos.Symbol)
		if expiry.IsSome() && !expiry.Unwrap().After(now) {
			indices = append(indices, idx)
		}
	}

	closed := make([]types.ClosedPosition, 0, len(indices))

	for _, idx := range indices {
		row, err := l.ExitOrder(idx, types.ExitTypeExpiry, optional.None[float64]())
		if err != nil {
			return closed, err
		}

		closed = append(closed, row)
	}

	return closed, nil
}

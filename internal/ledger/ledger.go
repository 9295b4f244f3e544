// Package ledger owns the open-position and closed-position tables of a
// backtest and the PnL arithmetic over them. All operations are synchronous;
// one ledger belongs to exactly one backtest instance.
package ledger

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"go.uber.org/zap"
)

// Ledger is the trade ledger: an open-position table keyed by a unique,
// monotonically assigned index, and an append-only closed-position table.
type Ledger struct {
	logger *logger.Logger

	now       time.Time
	nextIndex int64

	open   map[int64]*types.OpenPosition
	order  []int64
	closed []types.ClosedPosition

	// columns are the declared extension columns, in declaration order.
	columns []string
	colSet  map[string]struct{}
}

// New creates an empty ledger.
func New(logger *logger.Logger) *Ledger {
	return &Ledger{
		logger:    logger,
		now:       time.Time{},
		nextIndex: 0,
		open:      make(map[int64]*types.OpenPosition),
		order:     nil,
		closed:    nil,
		columns:   nil,
		colSet:    make(map[string]struct{}),
	}
}

// SetClock sets the simulated time used to stamp entries and exits. The
// backtest loop advances it before each tick.
func (l *Ledger) SetClock(t time.Time) {
	l.now = t
}

// Clock returns the current simulated time.
func (l *Ledger) Clock() time.Time {
	return l.now
}

// AddColumns declares extension columns on the open table. Declaring a name
// twice, in the same call or across calls, fails with DuplicateColumn and
// leaves the schema unchanged.
func (l *Ledger) AddColumns(names ...string) error {
	seen := make(map[string]struct{}, len(names))

	for _, name := range names {
		if _, ok := l.colSet[name]; ok {
			return errors.Newf(errors.ErrCodeDuplicateColumn, "column %q already declared", name)
		}

		if _, ok := seen[name]; ok {
			return errors.Newf(errors.ErrCodeDuplicateColumn, "column %q declared twice", name)
		}

		seen[name] = struct{}{}
	}

	for _, name := range names {
		l.columns = append(l.columns, name)
		l.colSet[name] = struct{}{}
	}

	return nil
}

// Columns returns the declared extension columns in declaration order.
func (l *Ledger) Columns() []string {
	out := make([]string, len(l.columns))
	copy(out, l.columns)

	return out
}

// EntryOrder appends a new open position and returns its index. Quantity
// must be positive, status must be a known direction, and any extra fields
// must have been declared via AddColumns; violations fail with InvalidOrder
// before any state is touched.
func (l *Ledger) EntryOrder(entryPrice float64, symbol string, quantity float64, status types.PositionStatus, extra map[string]string) (int64, error) {
	if quantity <= 0 {
		return 0, errors.Newf(errors.ErrCodeInvalidOrder, "quantity must be positive, got %v", quantity)
	}

	if !status.IsValid() {
		return 0, errors.Newf(errors.ErrCodeInvalidOrder, "invalid position status %d", int(status))
	}

	for key := range extra {
		if _, ok := l.colSet[key]; !ok {
			return 0, errors.Newf(errors.ErrCodeInvalidOrder, "extension column %q not declared", key)
		}
	}

	index := l.nextIndex
	l.nextIndex++

	extraCopy := make(map[string]string, len(extra))
	for k, v := range extra {
		extraCopy[k] = v
	}

	l.open[index] = &types.OpenPosition{
		Index:         index,
		EntryTime:     l.now,
		Symbol:        symbol,
		EntryPrice:    entryPrice,
		MarkPrice:     entryPrice,
		Quantity:      quantity,
		Status:        status,
		UnrealizedPnl: 0,
		Extra:         extraCopy,
	}
	l.order = append(l.order, index)

	l.logger.Info("entry order executed",
		zap.Time("time", l.now),
		zap.String("symbol", symbol),
		zap.String("side", status.String()),
		zap.Float64("price", entryPrice),
		zap.Float64("quantity", quantity),
		zap.Int64("index", index),
	)

	return index, nil
}

// ExitOrder closes the open position at index, moving it atomically to the
// closed table. An unknown or already-closed index fails with UnknownIndex
// and changes nothing. When exitPrice is None the position's last mark price
// is used.
func (l *Ledger) ExitOrder(index int64, exitType string, exitPrice optional.Option[float64]) (types.ClosedPosition, error) {
	pos, ok := l.open[index]
	if !ok {
		return types.ClosedPosition{}, errors.Newf(errors.ErrCodeUnknownIndex, "no open position at index %d", index)
	}

	price := pos.MarkPrice
	if exitPrice.IsSome() {
		price = exitPrice.Unwrap()
	}

	closed := types.ClosedPosition{
		Index:       pos.Index,
		EntryTime:   pos.EntryTime,
		ExitTime:    l.now,
		Symbol:      pos.Symbol,
		EntryPrice:  pos.EntryPrice,
		ExitPrice:   price,
		Quantity:    pos.Quantity,
		Status:      pos.Status,
		ExitType:    exitType,
		RealizedPnl: types.UnrealizedPnl(pos.Status, pos.EntryPrice, price, pos.Quantity),
		Extra:       pos.Extra,
	}

	delete(l.open, index)

	for i, idx := range l.order {
		if idx == index {
			l.order = append(l.order[:i], l.order[i+1:]...)

			break
		}
	}

	l.closed = append(l.closed, closed)

	l.logger.Info("exit order executed",
		zap.Time("time", l.now),
		zap.String("symbol", closed.Symbol),
		zap.String("exit_type", exitType),
		zap.Float64("price", price),
		zap.Float64("pnl", closed.RealizedPnl),
		zap.Int64("index", index),
	)

	return closed, nil
}

// OpenPositions returns a snapshot of the open table in index order.
func (l *Ledger) OpenPositions() []types.OpenPosition {
	out := make([]types.OpenPosition, 0, len(l.order))
	for _, idx := range l.order {
		out = append(out, *l.open[idx])
	}

	return out
}

// OpenPosition returns the open row at index, or None.
func (l *Ledger) OpenPosition(index int64) optional.Option[types.OpenPosition] {
	if pos, ok := l.open[index]; ok {
		return optional.Some(*pos)
	}

	return optional.None[types.OpenPosition]()
}

// ClosedPositions returns a snapshot of the closed table in close order.
func (l *Ledger) ClosedPositions() []types.ClosedPosition {
	out := make([]types.ClosedPosition, len(l.closed))
	copy(out, l.closed)

	return out
}

// OpenCount returns the number of open positions.
func (l *Ledger) OpenCount() int {
	return len(l.open)
}

// ClosedCount returns the number of closed positions.
func (l *Ledger) ClosedCount() int {
	return len(l.closed)
}

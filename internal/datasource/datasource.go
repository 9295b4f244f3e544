package datasource

import (
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/types"
)

// DataSource is the historical price store the backtest core reads from.
//
// Absence of data is not an error: FetchTick returns None when no candle
// exists at (or shortly after) the requested timestamp. Errors are reserved
// for I/O and query failures.
type DataSource interface {
	// Initialize loads market data from the given CSV or Parquet file.
	Initialize(path string) error
	// FetchTick returns the candle for symbol at timestamp, scanning forward
	// up to fifteen one-minute slots when the exact minute is missing.
	FetchTick(symbol string, timestamp time.Time) (optional.Option[types.Candle], error)
	// FetchRange returns candles for symbol in [start, end], resampled to the
	// given interval, ordered by time ascending.
	FetchRange(symbol string, start, end time.Time, interval types.Interval) ([]types.Candle, error)
	// Symbols returns all distinct symbols in the store.
	Symbols() ([]string, error)
	// Count returns the number of rows between the optional time bounds.
	Count(start optional.Option[time.Time], end optional.Option[time.Time]) (int, error)
	// ReadAll yields every candle between the optional bounds in time order.
	ReadAll(start optional.Option[time.Time], end optional.Option[time.Time]) func(yield func(types.Candle, error) bool)
	// Close releases the underlying store.
	Close() error
}

// tickScanSlots is how many one-minute slots FetchTick probes past the
// requested timestamp before reporting no data.
const tickScanSlots = 15

package types

import (
	"time"

	"github.com/quantdeck/backtestkit/pkg/errors"
)

// Candle is a single OHLC record for one time bucket.
type Candle struct {
	Time   time.Time `csv:"time"`
	Symbol string    `csv:"symbol"`
	Open   float64   `csv:"open"`
	High   float64   `csv:"high"`
	Low    float64   `csv:"low"`
	Close  float64   `csv:"close"`
	Volume float64   `csv:"volume"`
}

// Interval is a resampling interval for historical data queries and reports.
type Interval string

const (
	Interval1Min  Interval = "1min"
	Interval5Min  Interval = "5min"
	Interval15Min Interval = "15min"
	Interval1H    Interval = "1H"
	Interval1D    Interval = "1D"
)

// AllIntervals lists every interval accepted by ParseInterval, in ascending order.
var AllIntervals = []Interval{Interval1Min, Interval5Min, Interval15Min, Interval1H, Interval1D}

// ParseInterval validates an interval string against the supported enum.
func ParseInterval(s string) (Interval, error) {
	for _, iv := range AllIntervals {
		if s == string(iv) {
			return iv, nil
		}
	}

	return "", errors.Newf(errors.ErrCodeInvalidInterval, "unsupported interval %q", s)
}

// Minutes returns the bucket width in minutes.
func (i Interval) Minutes() int {
	switch i {
	case Interval1Min:
		return 1
	case Interval5Min:
		return 5
	case Interval15Min:
		return 15
	case Interval1H:
		return 60
	case Interval1D:
		return 24 * 60
	default:
		return 0
	}
}

// Duration returns the bucket width as a time.Duration.
func (i Interval) Duration() time.Duration {
	return time.Duration(i.Minutes()) * time.Minute
}

// IsDaily reports whether the interval buckets by calendar day rather than
// by intraday minutes.
func (i Interval) IsDaily() bool {
	return i == Interval1D
}

package histcache

import (
	"time"

	"github.com/quantdeck/backtestkit/internal/types"
)

// Resample aggregates a time-ascending one-minute series into interval
// buckets: first open, max high, min low, last close, summed volume. The
// same aggregation the data source performs in SQL, applied to an in-memory
// series.
func Resample(series []types.Candle, interval types.Interval) []types.Candle {
	if interval == types.Interval1Min || len(series) == 0 {
		return series
	}

	var result []types.Candle

	var current types.Candle

	var currentBucket time.Time

	flush := func() {
		if !currentBucket.IsZero() {
			result = append(result, current)
		}
	}

	for _, c := range series {
		bucket := bucketStart(c.Time, interval)
		if !bucket.Equal(currentBucket) {
			flush()

			currentBucket = bucket
			current = c
			current.Time = bucket

			continue
		}

		if c.High > current.High {
			current.High = c.High
		}

		if c.Low < current.Low {
			current.Low = c.Low
		}

		current.Close = c.Close
		current.Volume += c.Volume
	}

	flush()

	return result
}

func bucketStart(t time.Time, interval types.Interval) time.Time {
	if interval.IsDaily() {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	return t.Truncate(interval.Duration())
}

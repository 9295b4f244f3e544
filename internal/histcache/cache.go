// Package histcache bounds the cost of repeated historical lookups during a
// backtest. Series are cached per contract (derivatives) or per symbol and
// calendar day (equities), with a two-tier eviction policy: contracts whose
// expiry has passed the simulated date are evicted before merely cold
// entries, since a forward-only backtest can never query them again.
package histcache

import (
	"fmt"
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/datasource"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"go.uber.org/zap"
)

// Config controls cache behavior.
type Config struct {
	// MaxCacheSize is the maximum number of positive series entries held at
	// once. Must be > 0.
	MaxCacheSize int
}

// tickScanSlots mirrors the data source's forward scan: a missing minute is
// served from the next available candle up to fifteen slots ahead.
const tickScanSlots = 15

type entry struct {
	key        string
	series     []types.Candle
	expiry     optional.Option[time.Time]
	lastAccess int64
}

// Cache is the historical-data cache. Not safe for concurrent use; each
// backtest instance owns its own cache.
type Cache struct {
	ds     datasource.DataSource
	es     ExpirySource
	cfg    Config
	logger *logger.Logger

	entries map[string]*entry
	// negative remembers (symbol, timestamp) probes that found no data so
	// known gaps don't trigger repeated round-trips. Markers do not count
	// against MaxCacheSize.
	negative map[string]struct{}
	// expiryRecords is permanent for the life of the process; expiry
	// schedules do not change retroactively and the set of distinct
	// reference dates in one run is small.
	expiryRecords map[string]ExpiryRecord

	accessSeq int64
	current   time.Time
}

// New creates a cache backed by ds for series data and es for expiry
// schedules. es may be nil for equity-only runs.
func New(ds datasource.DataSource, es ExpirySource, cfg Config, logger *logger.Logger) (*Cache, error) {
	if cfg.MaxCacheSize <= 0 {
		return nil, errors.Newf(errors.ErrCodeInvalidConfiguration, "max cache size must be positive, got %d", cfg.MaxCacheSize)
	}

	return &Cache{
		ds:            ds,
		es:            es,
		cfg:           cfg,
		logger:        logger,
		entries:       make(map[string]*entry),
		negative:      make(map[string]struct{}),
		expiryRecords: make(map[string]ExpiryRecord),
		accessSeq:     0,
		current:       time.Time{},
	}, nil
}

// SetCurrentDate advances the simulated date that drives expired-contract
// eviction. The backtest loop calls this as it walks forward.
func (c *Cache) SetCurrentDate(t time.Time) {
	c.current = t
}

// Len returns the number of positive series entries currently cached.
func (c *Cache) Len() int {
	return len(c.entries)
}

// GetSeries returns the candle for symbol at timestamp, consulting the
// cached series and fetching the full series from the data source on a
// miss. A known gap returns None without touching the data source again.
func (c *Cache) GetSeries(symbol string, timestamp time.Time) (optional.Option[types.Candle], error) {
	negKey := negativeKey(symbol, timestamp)
	if _, known := c.negative[negKey]; known {
		return optional.None[types.Candle](), nil
	}

	e, err := c.ensureEntry(symbol, timestamp)
	if err != nil {
		return optional.None[types.Candle](), err
	}

	if e != nil {
		if candle, found := scanSeries(e.series, timestamp); found {
			return optional.Some(candle), nil
		}

		// The cached series starts at its first-access time; a miss before
		// that says nothing about what the data source holds, so it must
		// not be marked as a known gap.
		if timestamp.Before(e.series[0].Time) {
			return optional.None[types.Candle](), nil
		}
	}

	c.negative[negKey] = struct{}{}

	return optional.None[types.Candle](), nil
}

// RequireSeries is GetSeries for callers that cannot tolerate a gap: an
// absent candle comes back as an ErrCodeDataGap error instead of None.
func (c *Cache) RequireSeries(symbol string, timestamp time.Time) (types.Candle, error) {
	candle, err := c.GetSeries(symbol, timestamp)
	if err != nil {
		return types.Candle{}, err
	}

	if candle.IsNone() {
		return types.Candle{}, errors.Newf(errors.ErrCodeDataGap, "no data for %s at %s", symbol, timestamp.Format(time.RFC3339))
	}

	return candle.Unwrap(), nil
}

// GetRange returns candles for symbol in [start, end] resampled to interval.
// When the cached series covers the window it is served (resampled) from
// memory; otherwise the query passes through to the data source.
func (c *Cache) GetRange(symbol string, start, end time.Time, interval types.Interval) ([]types.Candle, error) {
	if e, ok := c.entries[c.entryKey(symbol, start)]; ok && covers(e.series, start, end) {
		c.touch(e)

		window := sliceWindow(e.series, start, end)

		return Resample(window, interval), nil
	}

	e, err := c.ensureEntry(symbol, start)
	if err != nil {
		return nil, err
	}

	if e != nil && covers(e.series, start, end) {
		window := sliceWindow(e.series, start, end)

		return Resample(window, interval), nil
	}

	// The cached span doesn't reach end (e.g. a multi-day equity range);
	// bypass the cache rather than stitching partial series.
	return c.ds.FetchRange(symbol, start, end, interval)
}

// entryKey derives the cache key: derivative contracts are keyed by symbol
// (the expiry token is embedded in it), equities by symbol and calendar day.
func (c *Cache) entryKey(symbol string, timestamp time.Time) string {
	if ParseSymbolExpiry(symbol).IsSome() {
		return symbol
	}

	return symbol + "@" + timestamp.Format("2006-01-02")
}

// ensureEntry returns the series entry for (symbol, timestamp), fetching and
// inserting it on a miss. Returns nil when the data source has no data for
// the span.
func (c *Cache) ensureEntry(symbol string, timestamp time.Time) (*entry, error) {
	key := c.entryKey(symbol, timestamp)

	if e, ok := c.entries[key]; ok {
		c.touch(e)

		return e, nil
	}

	expiry := ParseSymbolExpiry(symbol)

	var spanEnd time.Time
	if expiry.IsSome() {
		// Full contract life: the series stays useful until expiry.
		spanEnd = expiry.Unwrap()
	} else {
		// Equity entry spans the calendar day.
		day := timestamp.Truncate(24 * time.Hour)
		spanEnd = day.Add(24*time.Hour - time.Minute)
	}

	series, err := c.ds.FetchRange(symbol, timestamp, spanEnd, types.Interval1Min)
	if err != nil {
		return nil, err
	}

	if len(series) == 0 {
		return nil, nil
	}

	c.evictFor(1)

	e := &entry{
		key:        key,
		series:     series,
		expiry:     expiry,
		lastAccess: 0,
	}
	c.touch(e)
	c.entries[key] = e

	c.logger.Debug("cached series",
		zap.String("key", key),
		zap.Int("candles", len(series)),
		zap.Int("cache_len", len(c.entries)),
	)

	return e, nil
}

// evictFor makes room for n insertions. Contracts whose expiry has passed
// the simulated date are purged outright, not just until capacity is
// reached: the simulation only moves forward, so a dead contract can never
// be queried again. Any remaining overage is evicted coldest-first. The
// cache never exceeds capacity after an insertion.
func (c *Cache) evictFor(n int) {
	for key, e := range c.entries {
		if e.expiry.IsSome() && e.expiry.Unwrap().Before(c.current) {
			delete(c.entries, key)

			c.logger.Debug("evicted expired entry", zap.String("key", key))
		}
	}

	needed := len(c.entries) + n - c.cfg.MaxCacheSize
	if needed <= 0 {
		return
	}

	byAge := make([]*entry, 0, len(c.entries))
	for _, e := range c.entries {
		byAge = append(byAge, e)
	}

	sort.Slice(byAge, func(i, j int) bool { return byAge[i].lastAccess < byAge[j].lastAccess })

	for _, e := range byAge {
		if needed <= 0 {
			return
		}

		delete(c.entries, e.key)
		needed--

		c.logger.Debug("evicted cold entry", zap.String("key", e.key))
	}
}

func (c *Cache) touch(e *entry) {
	c.accessSeq++
	e.lastAccess = c.accessSeq
}

func negativeKey(symbol string, timestamp time.Time) string {
	return fmt.Sprintf("%s@%d", symbol, timestamp.Unix())
}

// scanSeries finds the candle at timestamp, or the next one within the
// forward-scan window. The series is time-ascending.
func scanSeries(series []types.Candle, timestamp time.Time) (types.Candle, bool) {
	idx := sort.Search(len(series), func(i int) bool {
		return !series[i].Time.Before(timestamp)
	})

	if idx == len(series) {
		return types.Candle{}, false
	}

	limit := timestamp.Add(tickScanSlots * time.Minute)
	if series[idx].Time.Before(limit) {
		return series[idx], true
	}

	return types.Candle{}, false
}

// covers reports whether the series has at least one candle at or after end
// and begins at or before start, i.e. the window lies inside the fetched span.
func covers(series []types.Candle, start, end time.Time) bool {
	if len(series) == 0 {
		return false
	}

	return !series[0].Time.After(start) && !series[len(series)-1].Time.Before(end)
}

func sliceWindow(series []types.Candle, start, end time.Time) []types.Candle {
	lo := sort.Search(len(series), func(i int) bool { return !series[i].Time.Before(start) })
	hi := sort.Search(len(series), func(i int) bool { return series[i].Time.After(end) })

	return series[lo:hi]
}

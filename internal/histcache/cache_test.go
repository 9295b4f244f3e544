package histcache

import (
	"testing"
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"github.com/stretchr/testify/suite"
)

// fakeSource is a hand-rolled DataSource serving canned candles and counting
// range fetches, so tests can assert how often the cache reaches through.
type fakeSource struct {
	candles    map[string][]types.Candle
	rangeCalls int
}

func newFakeSource() *fakeSource {
	return &fakeSource{candles: make(map[string][]types.Candle), rangeCalls: 0}
}

func (f *fakeSource) add(symbol string, start time.Time, count int, basePrice float64) {
	for i := 0; i < count; i++ {
		f.candles[symbol] = append(f.candles[symbol], types.Candle{
			Time:   start.Add(time.Duration(i) * time.Minute),
			Symbol: symbol,
			Open:   basePrice + float64(i),
			High:   basePrice + float64(i) + 0.5,
			Low:    basePrice + float64(i) - 0.5,
			Close:  basePrice + float64(i) + 0.25,
			Volume: 100,
		})
	}
}

func (f *fakeSource) Initialize(string) error { return nil }

func (f *fakeSource) FetchTick(symbol string, timestamp time.Time) (optional.Option[types.Candle], error) {
	for _, c := range f.candles[symbol] {
		if !c.Time.Before(timestamp) && c.Time.Before(timestamp.Add(15*time.Minute)) {
			return optional.Some(c), nil
		}
	}

	return optional.None[types.Candle](), nil
}

func (f *fakeSource) FetchRange(symbol string, start, end time.Time, interval types.Interval) ([]types.Candle, error) {
	f.rangeCalls++

	var out []types.Candle

	for _, c := range f.candles[symbol] {
		if !c.Time.Before(start) && !c.Time.After(end) {
			out = append(out, c)
		}
	}

	return Resample(out, interval), nil
}

func (f *fakeSource) Symbols() ([]string, error) { return nil, nil }

func (f *fakeSource) Count(optional.Option[time.Time], optional.Option[time.Time]) (int, error) {
	return 0, nil
}

func (f *fakeSource) ReadAll(optional.Option[time.Time], optional.Option[time.Time]) func(yield func(types.Candle, error) bool) {
	return func(yield func(types.Candle, error) bool) {}
}

func (f *fakeSource) Close() error { return nil }

type CacheTestSuite struct {
	suite.Suite
	source *fakeSource
}

func TestCacheSuite(t *testing.T) {
	suite.Run(t, new(CacheTestSuite))
}

func (suite *CacheTestSuite) SetupTest() {
	suite.source = newFakeSource()
}

func (suite *CacheTestSuite) newCache(maxSize int) *Cache {
	cache, err := New(suite.source, nil, Config{MaxCacheSize: maxSize}, logger.NewNopLogger())
	suite.Require().NoError(err)

	return cache
}

func (suite *CacheTestSuite) TestRejectsNonPositiveCapacity() {
	_, err := New(suite.source, nil, Config{MaxCacheSize: 0}, logger.NewNopLogger())
	suite.Error(err)
}

func (suite *CacheTestSuite) TestHitAvoidsRefetch() {
	start := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	suite.source.add("NIFTY01Jun2318000CE", start, 60, 150)

	cache := suite.newCache(4)
	cache.SetCurrentDate(start)

	first, err := cache.GetSeries("NIFTY01Jun2318000CE", start)
	suite.Require().NoError(err)
	suite.Require().True(first.IsSome())
	suite.Equal(1, suite.source.rangeCalls)

	second, err := cache.GetSeries("NIFTY01Jun2318000CE", start.Add(30*time.Minute))
	suite.Require().NoError(err)
	suite.Require().True(second.IsSome())
	suite.Equal(1, suite.source.rangeCalls, "second lookup must be served from cache")
	suite.InDelta(180.0, second.Unwrap().Open, 1e-9)
}

func (suite *CacheTestSuite) TestForwardFillInsideSeries() {
	start := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	sym := "NIFTY01Jun2318000CE"
	suite.source.add(sym, start, 5, 150)
	suite.source.add(sym, start.Add(10*time.Minute), 5, 160)

	cache := suite.newCache(4)
	cache.SetCurrentDate(start)

	candle, err := cache.GetSeries(sym, start.Add(6*time.Minute))
	suite.Require().NoError(err)
	suite.Require().True(candle.IsSome())
	suite.Equal(start.Add(10*time.Minute), candle.Unwrap().Time)
}

func (suite *CacheTestSuite) TestNegativeMarkerStopsRepeatedFetches() {
	cache := suite.newCache(4)
	ts := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)

	missing, err := cache.GetSeries("NIFTY01Jun2399999CE", ts)
	suite.Require().NoError(err)
	suite.True(missing.IsNone())
	suite.Equal(1, suite.source.rangeCalls)

	missing, err = cache.GetSeries("NIFTY01Jun2399999CE", ts)
	suite.Require().NoError(err)
	suite.True(missing.IsNone())
	suite.Equal(1, suite.source.rangeCalls, "known gap must not re-query the data source")

	// Markers never count against capacity.
	suite.Equal(0, cache.Len())
}

func (suite *CacheTestSuite) TestCapacityBoundAfterEveryInsertion() {
	start := time.Date(2023, 6, 10, 9, 15, 0, 0, time.UTC)
	symbols := []string{
		"NIFTY15Jun2318000CE",
		"NIFTY15Jun2318100CE",
		"NIFTY15Jun2318200CE",
		"NIFTY15Jun2318300CE",
		"NIFTY15Jun2318400CE",
	}

	for _, sym := range symbols {
		suite.source.add(sym, start, 10, 100)
	}

	cache := suite.newCache(2)
	cache.SetCurrentDate(start)

	for _, sym := range symbols {
		_, err := cache.GetSeries(sym, start)
		suite.Require().NoError(err)
		suite.LessOrEqual(cache.Len(), 2)
	}
}

func (suite *CacheTestSuite) TestExpiredContractsEvictedFirst() {
	day1 := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	symA := "NIFTY01Jun2318000CE" // expires day 1
	symB := "NIFTY05Jun2318000CE" // expires day 5
	symC := "NIFTY05Jun2318100CE"

	suite.source.add(symA, day1, 10, 100)
	suite.source.add(symB, day1, 10, 100)
	suite.source.add(symC, day1.Add(24*time.Hour), 10, 100)

	cache := suite.newCache(2)
	cache.SetCurrentDate(day1)

	_, err := cache.GetSeries(symA, day1)
	suite.Require().NoError(err)
	_, err = cache.GetSeries(symB, day1)
	suite.Require().NoError(err)
	suite.Equal(2, cache.Len())

	// B is now more recently used than A, but advance past A's expiry and
	// insert C: A must go first because its contract is dead, regardless of
	// recency.
	_, err = cache.GetSeries(symB, day1.Add(5*time.Minute))
	suite.Require().NoError(err)
	_, err = cache.GetSeries(symA, day1.Add(5*time.Minute))
	suite.Require().NoError(err)

	cache.SetCurrentDate(day1.Add(24 * time.Hour)) // past day 1 session close

	_, err = cache.GetSeries(symC, day1.Add(24*time.Hour))
	suite.Require().NoError(err)

	suite.Equal(2, cache.Len())

	// B must still be served from cache, A must be gone: a lookup for A
	// refetches, a lookup for B does not.
	calls := suite.source.rangeCalls
	_, err = cache.GetSeries(symB, day1.Add(6*time.Minute))
	suite.Require().NoError(err)
	suite.Equal(calls, suite.source.rangeCalls, "B should still be cached")
}

func (suite *CacheTestSuite) TestEvictionPurgesEveryExpiredContract() {
	day1 := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	day5 := day1.Add(4 * 24 * time.Hour)
	symA := "NIFTY01Jun2318000CE"
	symB := "NIFTY02Jun2318000CE"
	symC := "NIFTY15Jun2318000CE"
	symD := "NIFTY15Jun2318100CE"

	suite.source.add(symA, day1, 10, 100)
	suite.source.add(symB, day1, 10, 100)
	suite.source.add(symC, day1, 10, 100)
	suite.source.add(symD, day5, 10, 100)

	cache := suite.newCache(3)
	cache.SetCurrentDate(day1)

	for _, sym := range []string{symA, symB, symC} {
		_, err := cache.GetSeries(sym, day1)
		suite.Require().NoError(err)
	}

	suite.Equal(3, cache.Len())

	// Inserting D needs only one free slot, but both A and B are dead by
	// now: every expired contract must go, not just enough to make room.
	cache.SetCurrentDate(day5)

	_, err := cache.GetSeries(symD, day5)
	suite.Require().NoError(err)
	suite.Equal(2, cache.Len(), "only the live contracts C and D should remain")

	calls := suite.source.rangeCalls
	_, err = cache.GetSeries(symC, day1.Add(5*time.Minute))
	suite.Require().NoError(err)
	suite.Equal(calls, suite.source.rangeCalls, "C should still be cached")

	_, err = cache.GetSeries(symB, day1.Add(5*time.Minute))
	suite.Require().NoError(err)
	suite.Equal(calls+1, suite.source.rangeCalls, "B should have been purged")
}

func (suite *CacheTestSuite) TestMissBeforeCachedSpanIsNotAKnownGap() {
	day := time.Date(2023, 6, 1, 9, 0, 0, 0, time.UTC)
	suite.source.add("RELIANCE", day, 60, 2500)

	cache := suite.newCache(1)
	cache.SetCurrentDate(day)

	// First touch at 09:30 caches a series starting there.
	mid, err := cache.GetSeries("RELIANCE", day.Add(30*time.Minute))
	suite.Require().NoError(err)
	suite.Require().True(mid.IsSome())

	// 09:00 lies before the cached span. The source does hold that minute,
	// so the miss must not be remembered as a gap.
	early, err := cache.GetSeries("RELIANCE", day)
	suite.Require().NoError(err)
	suite.True(early.IsNone())

	// Push the entry out, then ask for 09:00 again: the fresh fetch starts
	// at 09:00 and finds the candle.
	suite.source.add("TCS", day, 10, 3500)
	_, err = cache.GetSeries("TCS", day)
	suite.Require().NoError(err)

	refetched, err := cache.GetSeries("RELIANCE", day)
	suite.Require().NoError(err)
	suite.Require().True(refetched.IsSome())
	suite.InDelta(2500.0, refetched.Unwrap().Open, 1e-9)
}

func (suite *CacheTestSuite) TestRequireSeriesSignalsDataGap() {
	ts := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	suite.source.add("RELIANCE", ts, 5, 2500)

	cache := suite.newCache(2)
	cache.SetCurrentDate(ts)

	candle, err := cache.RequireSeries("RELIANCE", ts)
	suite.Require().NoError(err)
	suite.InDelta(2500.0, candle.Open, 1e-9)

	_, err = cache.RequireSeries("INFY", ts)
	suite.Require().Error(err)
	suite.True(errors.HasCode(err, errors.ErrCodeDataGap))
}

func (suite *CacheTestSuite) TestLRUEvictionAmongLiveContracts() {
	start := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	symA := "NIFTY15Jun2318000CE"
	symB := "NIFTY15Jun2318100CE"
	symC := "NIFTY15Jun2318200CE"

	for _, sym := range []string{symA, symB, symC} {
		suite.source.add(sym, start, 10, 100)
	}

	cache := suite.newCache(2)
	cache.SetCurrentDate(start)

	_, err := cache.GetSeries(symA, start)
	suite.Require().NoError(err)
	_, err = cache.GetSeries(symB, start)
	suite.Require().NoError(err)

	// Touch A so B becomes the coldest.
	_, err = cache.GetSeries(symA, start.Add(2*time.Minute))
	suite.Require().NoError(err)

	// Nothing has expired, so inserting C evicts B by LRU.
	_, err = cache.GetSeries(symC, start)
	suite.Require().NoError(err)

	calls := suite.source.rangeCalls
	_, err = cache.GetSeries(symA, start.Add(3*time.Minute))
	suite.Require().NoError(err)
	suite.Equal(calls, suite.source.rangeCalls, "A should still be cached")

	_, err = cache.GetSeries(symB, start.Add(3*time.Minute))
	suite.Require().NoError(err)
	suite.Equal(calls+1, suite.source.rangeCalls, "B should have been evicted")
}

func (suite *CacheTestSuite) TestGetRangeServedFromCachedSeries() {
	start := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	sym := "NIFTY15Jun2318000CE"
	suite.source.add(sym, start, 30, 100)

	cache := suite.newCache(4)
	cache.SetCurrentDate(start)

	oneMin, err := cache.GetRange(sym, start, start.Add(29*time.Minute), types.Interval1Min)
	suite.Require().NoError(err)
	suite.Len(oneMin, 30)
	suite.Equal(1, suite.source.rangeCalls)

	resampled, err := cache.GetRange(sym, start, start.Add(29*time.Minute), types.Interval15Min)
	suite.Require().NoError(err)
	suite.Len(resampled, 2)
	suite.Equal(1, suite.source.rangeCalls, "resampled view must come from the cached series")
}

func (suite *CacheTestSuite) TestEquitySeriesKeyedByDay() {
	day1 := time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC)
	day2 := day1.Add(24 * time.Hour)
	suite.source.add("RELIANCE", day1, 10, 2500)
	suite.source.add("RELIANCE", day2, 10, 2510)

	cache := suite.newCache(4)
	cache.SetCurrentDate(day1)

	_, err := cache.GetSeries("RELIANCE", day1)
	suite.Require().NoError(err)
	_, err = cache.GetSeries("RELIANCE", day2)
	suite.Require().NoError(err)

	suite.Equal(2, cache.Len(), "each calendar day gets its own equity entry")
}

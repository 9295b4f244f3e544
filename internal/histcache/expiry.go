package histcache

import (
	"math"
	"sort"
	"strconv"
	"time"
	"unicode"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/pkg/errors"
)

// ExpiryRecord describes the active derivative contract for a base symbol on
// a reference date. Immutable after creation.
type ExpiryRecord struct {
	BaseSymbol string
	// ReferenceDate is the date the lookup was made for.
	ReferenceDate time.Time
	// CurrentExpiry is the expiry token embedded in contract symbols,
	// e.g. "27Jul23".
	CurrentExpiry string
	// StrikeDistance is the price increment between adjacent strikes.
	StrikeDistance float64
}

// ExpirySource resolves expiry schedules. It is an external collaborator;
// the cache layers permanent memoization on top of it.
type ExpirySource interface {
	// GetExpiry returns the expiry record effective on date for baseSymbol,
	// or None when the schedule has no entry covering that date.
	GetExpiry(date time.Time, baseSymbol string) (optional.Option[ExpiryRecord], error)
}

// ScheduleRow is one row of a static expiry schedule.
type ScheduleRow struct {
	BaseSymbol     string
	Date           time.Time
	CurrentExpiry  string
	StrikeDistance float64
}

// StaticExpirySource serves expiry lookups from an in-memory schedule,
// sorted by date per base symbol.
type StaticExpirySource struct {
	rows map[string][]ScheduleRow
}

// NewStaticExpirySource builds a source from schedule rows in any order.
func NewStaticExpirySource(rows []ScheduleRow) *StaticExpirySource {
	bySym := make(map[string][]ScheduleRow)
	for _, r := range rows {
		bySym[r.BaseSymbol] = append(bySym[r.BaseSymbol], r)
	}

	for sym := range bySym {
		sort.Slice(bySym[sym], func(i, j int) bool { return bySym[sym][i].Date.Before(bySym[sym][j].Date) })
	}

	return &StaticExpirySource{rows: bySym}
}

// GetExpiry implements ExpirySource: the first schedule row whose date is at
// or after the reference date (session close) is the effective one.
func (s *StaticExpirySource) GetExpiry(date time.Time, baseSymbol string) (optional.Option[ExpiryRecord], error) {
	rows, ok := s.rows[baseSymbol]
	if !ok {
		return optional.None[ExpiryRecord](), nil
	}

	ref := atSessionClose(date)

	for _, r := range rows {
		if !atSessionClose(r.Date).Before(ref) {
			return optional.Some(ExpiryRecord{
				BaseSymbol:     baseSymbol,
				ReferenceDate:  date,
				CurrentExpiry:  r.CurrentExpiry,
				StrikeDistance: r.StrikeDistance,
			}), nil
		}
	}

	return optional.None[ExpiryRecord](), nil
}

// GetExpiry resolves the expiry record for (baseSymbol, date), caching the
// result permanently for the life of the process.
func (c *Cache) GetExpiry(date time.Time, baseSymbol string) (ExpiryRecord, error) {
	key := baseSymbol + "@" + date.Format("2006-01-02")

	if rec, ok := c.expiryRecords[key]; ok {
		return rec, nil
	}

	if c.es == nil {
		return ExpiryRecord{}, errors.New(errors.ErrCodeNoExpiry, "no expiry source configured")
	}

	rec, err := c.es.GetExpiry(date, baseSymbol)
	if err != nil {
		return ExpiryRecord{}, err
	}

	if rec.IsNone() {
		return ExpiryRecord{}, errors.Newf(errors.ErrCodeNoExpiry, "no expiry record for %s on %s", baseSymbol, date.Format("2006-01-02"))
	}

	c.expiryRecords[key] = rec.Unwrap()

	return rec.Unwrap(), nil
}

// CallSymbol builds the call option symbol for baseSymbol at indexPrice on
// date. otmFactor shifts the strike away from at-the-money in whole strike
// distances.
func (c *Cache) CallSymbol(date time.Time, baseSymbol string, indexPrice float64, otmFactor int) (string, error) {
	return c.optionSymbol(date, baseSymbol, indexPrice, otmFactor, "CE")
}

// PutSymbol builds the put option symbol; otmFactor moves the strike below
// at-the-money.
func (c *Cache) PutSymbol(date time.Time, baseSymbol string, indexPrice float64, otmFactor int) (string, error) {
	return c.optionSymbol(date, baseSymbol, indexPrice, otmFactor, "PE")
}

func (c *Cache) optionSymbol(date time.Time, baseSymbol string, indexPrice float64, otmFactor int, suffix string) (string, error) {
	rec, err := c.GetExpiry(date, baseSymbol)
	if err != nil {
		return "", err
	}

	atm := RoundToStrike(indexPrice, rec.StrikeDistance)

	offset := otmFactor * int(rec.StrikeDistance)
	if suffix == "PE" {
		offset = -offset
	}

	strike := int(atm) + offset

	return baseSymbol + rec.CurrentExpiry + strconv.Itoa(strike) + suffix, nil
}

// RoundToStrike rounds indexPrice to the nearest strike: a remainder of at
// most half the strike distance rounds down, otherwise up.
func RoundToStrike(indexPrice, strikeDistance float64) float64 {
	remainder := math.Mod(indexPrice, strikeDistance)
	if remainder <= strikeDistance/2 {
		return indexPrice - remainder
	}

	return indexPrice - remainder + strikeDistance
}

// expiryTokenLayout matches the DDMonYY token embedded in contract symbols.
const expiryTokenLayout = "02Jan06"

// ParseSymbolExpiry extracts the contract expiry from a derivative symbol
// such as "NIFTY27Jul2319500CE": the seven characters starting at the first
// digit form a DDMonYY date, and the contract dies at that day's session
// close. Symbols without a parseable token (equities) return None.
func ParseSymbolExpiry(symbol string) optional.Option[time.Time] {
	idx := -1

	for i, r := range symbol {
		if unicode.IsDigit(r) {
			idx = i

			break
		}
	}

	if idx < 0 || idx+7 > len(symbol) {
		return optional.None[time.Time]()
	}

	t, err := time.Parse(expiryTokenLayout, symbol[idx:idx+7])
	if err != nil {
		return optional.None[time.Time]()
	}

	return optional.Some(atSessionClose(t))
}

// atSessionClose pins a date to 15:30, the close of the trading session.
func atSessionClose(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, t.Location())
}

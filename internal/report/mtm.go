// Package report rebuilds a minute-by-minute position and PnL timeline from a
// finished closed-trade log and aggregates it into a drawdown-aware periodic
// report. It is a reconciliation pass over the run's artifacts, independent
// of how the live ledger tracked PnL.
package report

import (
	"sort"
	"time"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MarkSource resolves a mark price for a symbol at a timestamp. The
// historical data cache satisfies this.
type MarkSource interface {
	GetSeries(symbol string, timestamp time.Time) (optional.Option[types.Candle], error)
}

// Config selects the report mode.
type Config struct {
	// TimeFrame is the resampling interval of the output rows.
	TimeFrame types.Interval
	// Mtm marks open positions minute-by-minute through the MarkSource so
	// CumulativePnl floats with the market. When false the timeline carries
	// realized PnL only.
	Mtm bool
	// EquityMarket restricts the walk to exchange session minutes
	// (09:15-15:30), skipping overnight gaps in the output.
	EquityMarket bool
}

// Row is one resampled period of the report.
type Row struct {
	Date            time.Time
	OpenTrades      int
	CapitalInvested float64
	CumulativePnl   float64
	MtmPnl          float64
	BuyPosition     int
	SellPosition    int
	Spread          int
	Peak            float64
	Drawdown        float64
}

// Report is the resampled frame plus its summary statistics.
type Report struct {
	Rows []Row
	// MaxDrawdownPct is the largest drawdown as a percentage of peak capital
	// invested. Zero when no capital was ever deployed.
	MaxDrawdownPct float64
	// MissingSymbols lists symbols for which the mark source never returned
	// data; their positions were carried at entry price.
	MissingSymbols []string
}

// Builder reconstructs MTM reports from closed-trade logs.
type Builder struct {
	cfg    Config
	marks  MarkSource
	logger *logger.Logger
}

// NewBuilder validates the config and returns a builder. marks may be nil
// when cfg.Mtm is false.
func NewBuilder(cfg Config, marks MarkSource, logger *logger.Logger) (*Builder, error) {
	if _, err := types.ParseInterval(string(cfg.TimeFrame)); err != nil {
		return nil, err
	}

	if cfg.Mtm && marks == nil {
		return nil, errors.New(errors.ErrCodeInvalidConfiguration, "mtm mode requires a mark source")
	}

	return &Builder{cfg: cfg, marks: marks, logger: logger}, nil
}

// minuteRow is one minute of the reconstructed timeline before resampling.
type minuteRow struct {
	time          time.Time
	openTrades    int
	capital       float64
	cumulativePnl float64
	long          int
	short         int
}

// openState tracks one position during the walk. lastMark forward-fills
// across minutes where the mark source has no data.
type openState struct {
	pos      types.ClosedPosition
	lastMark float64
	everSeen bool
}

// Build replays the closed-trade log into a minute timeline and resamples it
// to the configured time frame.
func (b *Builder) Build(closed []types.ClosedPosition) (*Report, error) {
	if len(closed) == 0 {
		return &Report{}, nil
	}

	normalized := b.normalizeEvents(closed)

	entries := make([]types.ClosedPosition, len(normalized))
	copy(entries, normalized)
	sort.SliceStable(entries, func(i, j int) bool { return entries[i].EntryTime.Before(entries[j].EntryTime) })

	exits := make([]types.ClosedPosition, len(normalized))
	copy(exits, normalized)
	sort.SliceStable(exits, func(i, j int) bool { return exits[i].ExitTime.Before(exits[j].ExitTime) })

	start := entries[0].EntryTime
	end := exits[len(exits)-1].ExitTime

	var (
		minutes  []minuteRow
		open     = make(map[int64]*openState)
		capital  = decimal.Zero
		realized = decimal.Zero
		long     int
		short    int
		missing  = make(map[string]struct{})
		ei, xi   int
	)

	for t := start; !t.After(end); t = t.Add(time.Minute) {
		for ei < len(entries) && !entries[ei].EntryTime.After(t) {
			pos := entries[ei]
			open[pos.Index] = &openState{pos: pos, lastMark: pos.EntryPrice, everSeen: false}
			capital = capital.Add(decimal.NewFromFloat(pos.CapitalInvested()))

			if pos.Status == types.PositionStatusLong {
				long++
			} else {
				short++
			}

			ei++
		}

		for xi < len(exits) && !exits[xi].ExitTime.After(t) {
			pos := exits[xi]
			if _, ok := open[pos.Index]; ok {
				delete(open, pos.Index)
				capital = capital.Sub(decimal.NewFromFloat(pos.CapitalInvested()))

				if pos.Status == types.PositionStatusLong {
					long--
				} else {
					short--
				}
			}

			realized = realized.Add(decimal.NewFromFloat(pos.RealizedPnl))
			xi++
		}

		if b.cfg.EquityMarket && !inSession(t) {
			continue
		}

		cumulative := realized
		if b.cfg.Mtm {
			unrealized, err := b.markOpenPositions(open, t, missing)
			if err != nil {
				return nil, err
			}

			cumulative = cumulative.Add(unrealized)
		}

		minutes = append(minutes, minuteRow{
			time:          t,
			openTrades:    len(open),
			capital:       capital.InexactFloat64(),
			cumulativePnl: cumulative.InexactFloat64(),
			long:          long,
			short:         short,
		})
	}

	report := b.resample(minutes)
	for sym := range missing {
		report.MissingSymbols = append(report.MissingSymbols, sym)
	}

	sort.Strings(report.MissingSymbols)

	if len(report.MissingSymbols) > 0 {
		b.logger.Warn("mark source had no data for some symbols",
			zap.Strings("symbols", report.MissingSymbols),
		)
	}

	return report, nil
}

// normalizeEvents aligns trade timestamps to the minute grid the walk runs
// on: entries truncate down, exits round up so a sub-minute tail still lands
// on an emitted row. Zero-duration trades stay zero-duration. In equity mode
// both ends are also clamped into the exchange session so an out-of-session
// exit settles on the session-close row instead of vanishing.
func (b *Builder) normalizeEvents(closed []types.ClosedPosition) []types.ClosedPosition {
	out := make([]types.ClosedPosition, len(closed))
	copy(out, closed)

	for i := range out {
		entry := out[i].EntryTime.Truncate(time.Minute)

		var exit time.Time
		if out[i].ExitTime.Equal(out[i].EntryTime) {
			exit = entry
		} else {
			exit = ceilMinute(out[i].ExitTime)
		}

		if b.cfg.EquityMarket {
			entry = clampToSession(entry)
			exit = clampToSession(exit)
		}

		out[i].EntryTime = entry
		out[i].ExitTime = exit
	}

	return out
}

func ceilMinute(t time.Time) time.Time {
	truncated := t.Truncate(time.Minute)
	if truncated.Equal(t) {
		return t
	}

	return truncated.Add(time.Minute)
}

// clampToSession moves t inside the 09:15-15:30 session of its own day.
func clampToSession(t time.Time) time.Time {
	sessionOpen := time.Date(t.Year(), t.Month(), t.Day(), 9, 15, 0, 0, t.Location())
	sessionClose := time.Date(t.Year(), t.Month(), t.Day(), 15, 30, 0, 0, t.Location())

	if t.Before(sessionOpen) {
		return sessionOpen
	}

	if t.After(sessionClose) {
		return sessionClose
	}

	return t
}

// markOpenPositions values every open position at minute t, forward-filling
// the last known mark when the source has no candle.
func (b *Builder) markOpenPositions(open map[int64]*openState, t time.Time, missing map[string]struct{}) (decimal.Decimal, error) {
	total := decimal.Zero

	for _, st := range open {
		candle, err := b.marks.GetSeries(st.pos.Symbol, t)
		if err != nil {
			return decimal.Zero, err
		}

		if candle.IsSome() {
			st.lastMark = candle.Unwrap().Close
			st.everSeen = true
		} else if !st.everSeen {
			missing[st.pos.Symbol] = struct{}{}
		}

		pnl := types.UnrealizedPnl(st.pos.Status, st.pos.EntryPrice, st.lastMark, st.pos.Quantity)
		total = total.Add(decimal.NewFromFloat(pnl))
	}

	return total, nil
}

// resample aggregates the minute timeline into timeFrame periods and derives
// the daily-reset mtmPnl, running peak and drawdown columns.
func (b *Builder) resample(minutes []minuteRow) *Report {
	if len(minutes) == 0 {
		return &Report{}
	}

	var rows []Row

	var current Row

	var currentBucket time.Time

	flush := func() {
		if !currentBucket.IsZero() {
			rows = append(rows, current)
		}
	}

	for _, m := range minutes {
		bucket := bucketStart(m.time, b.cfg.TimeFrame)
		spread := min(m.long, m.short)

		if !bucket.Equal(currentBucket) {
			flush()

			currentBucket = bucket
			current = Row{
				Date:            bucket,
				OpenTrades:      m.openTrades,
				CapitalInvested: m.capital,
				CumulativePnl:   m.cumulativePnl,
				BuyPosition:     m.long,
				SellPosition:    m.short,
				Spread:          spread,
			}

			continue
		}

		current.OpenTrades = max(current.OpenTrades, m.openTrades)
		current.CapitalInvested = max(current.CapitalInvested, m.capital)
		current.CumulativePnl = m.cumulativePnl
		current.BuyPosition = max(current.BuyPosition, m.long)
		current.SellPosition = max(current.SellPosition, m.short)
		current.Spread = max(current.Spread, spread)
	}

	flush()

	var (
		peak        float64
		maxDrawdown float64
		peakCapital float64
		dayBase     float64
		currentDay  time.Time
	)

	for i := range rows {
		day := rows[i].Date.Truncate(24 * time.Hour)
		if !day.Equal(currentDay) {
			currentDay = day
			dayBase = rows[i].CumulativePnl
		}

		rows[i].MtmPnl = rows[i].CumulativePnl - dayBase

		if i == 0 || rows[i].CumulativePnl > peak {
			peak = rows[i].CumulativePnl
		}

		rows[i].Peak = peak
		rows[i].Drawdown = peak - rows[i].CumulativePnl

		maxDrawdown = max(maxDrawdown, rows[i].Drawdown)
		peakCapital = max(peakCapital, rows[i].CapitalInvested)
	}

	report := &Report{Rows: rows}
	if peakCapital > 0 {
		report.MaxDrawdownPct = maxDrawdown / peakCapital * 100
	}

	return report
}

func bucketStart(t time.Time, interval types.Interval) time.Time {
	if interval.IsDaily() {
		return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, t.Location())
	}

	return t.Truncate(interval.Duration())
}

// inSession reports whether t falls inside the 09:15-15:30 exchange session.
func inSession(t time.Time) bool {
	minuteOfDay := t.Hour()*60 + t.Minute()

	return minuteOfDay >= 9*60+15 && minuteOfDay <= 15*60+30
}

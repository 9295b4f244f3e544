// Package engine wires the data source, cache, ledger and report builder
// into a runnable backtest.
package engine

import (
	"context"
	"os"
	"path/filepath"
	"time"

	"github.com/google/uuid"
	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/datasource"
	"github.com/quantdeck/backtestkit/internal/histcache"
	"github.com/quantdeck/backtestkit/internal/ledger"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/report"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"github.com/schollz/progressbar/v3"
	"go.uber.org/zap"
)

// Strategy is the user-supplied trading logic. OnCandle is invoked once per
// market data row, in time order, after the context clock has advanced.
type Strategy interface {
	Name() string
	OnCandle(ctx *Context, c types.Candle) error
}

// Context is what a strategy sees on each tick. One context per run; Clock
// is updated in place as the simulation advances.
type Context struct {
	Ledger *ledger.Ledger
	Cache  *histcache.Cache
	Clock  time.Time
	Logger *logger.Logger
}

// Backtest replays a data source through a strategy and produces the run
// artifacts.
type Backtest struct {
	cfg      Config
	ds       datasource.DataSource
	expiries histcache.ExpirySource
	policy   ledger.SnapshotPolicy
	logger   *logger.Logger

	// ShowProgress renders a progress bar during the run. Off in tests.
	ShowProgress bool
}

// New validates the config and assembles a backtest. expiries may be nil for
// equity-only runs.
func New(cfg Config, ds datasource.DataSource, expiries histcache.ExpirySource, policy ledger.SnapshotPolicy, log *logger.Logger) (*Backtest, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &Backtest{
		cfg:      cfg,
		ds:       ds,
		expiries: expiries,
		policy:   policy,
		logger:   log,
	}, nil
}

// Result is what a finished run hands back to the caller.
type Result struct {
	Report    *report.Report
	Folder    string
	Closed    []types.ClosedPosition
	FinalPnl  float64
	TicksSeen int
}

// Run executes the strategy over the configured period. Cancellation is
// honored at tick boundaries only; a tick in flight always completes.
func (b *Backtest) Run(ctx context.Context, strategy Strategy) (*Result, error) {
	timeFrame, err := types.ParseInterval(b.cfg.TimeFrame)
	if err != nil {
		return nil, err
	}

	runFolder := filepath.Join(b.cfg.ResultsFolder, strategy.Name()+"_"+uuid.NewString())
	if err := os.MkdirAll(runFolder, 0755); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to create results folder %s", runFolder)
	}

	// Each run gets its own log file next to its artifacts, so a run's
	// entry/exit activity can be reviewed without digging through the
	// process log.
	runLog, err := logger.NewStrategyLogger(filepath.Join(runFolder, "run.log"))
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to open run log", err)
	}
	defer runLog.Sync()

	if err := b.ds.Initialize(b.cfg.DataPath); err != nil {
		return nil, err
	}

	cache, err := histcache.New(b.ds, b.expiries, histcache.Config{MaxCacheSize: b.cfg.MaxCacheSize}, runLog)
	if err != nil {
		return nil, err
	}

	led := ledger.New(runLog)

	count, err := b.ds.Count(b.cfg.StartTime, b.cfg.EndTime)
	if err != nil {
		return nil, err
	}

	var bar *progressbar.ProgressBar
	if b.ShowProgress {
		bar = progressbar.Default(int64(count), strategy.Name())
	}

	b.logger.Info("starting backtest",
		zap.String("strategy", strategy.Name()),
		zap.String("data", b.cfg.DataPath),
		zap.Int("ticks", count),
		zap.String("results", runFolder),
	)

	runCtx := &Context{
		Ledger: led,
		Cache:  cache,
		Logger: runLog,
	}

	ticks := 0

	for data, err := range b.ds.ReadAll(b.cfg.StartTime, b.cfg.EndTime) {
		if err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to read market data", err)
		}

		if err := ctx.Err(); err != nil {
			return nil, err
		}

		led.SetClock(data.Time)
		cache.SetCurrentDate(data.Time)
		runCtx.Clock = data.Time

		if err := strategy.OnCandle(runCtx, data); err != nil {
			return nil, errors.Wrapf(errors.ErrCodeUnknown, err, "strategy %s failed", strategy.Name())
		}

		led.MarkToMarket(markFunc(cache, runLog, data.Time))

		ticks++

		if bar != nil {
			bar.Add(1)
		}
	}

	if err := led.Snapshot(runFolder, strategy.Name(), b.policy); err != nil {
		return nil, err
	}

	closed := led.ClosedPositions()

	builder, err := report.NewBuilder(report.Config{
		TimeFrame:    timeFrame,
		Mtm:          b.cfg.Mtm,
		EquityMarket: b.cfg.EquityMarket,
	}, cache, runLog)
	if err != nil {
		return nil, err
	}

	rep, err := builder.Build(closed)
	if err != nil {
		return nil, err
	}

	if err := rep.WriteCSV(filepath.Join(runFolder, "mtm.csv")); err != nil {
		return nil, err
	}

	if err := rep.WriteSummary(filepath.Join(runFolder, "summary.txt")); err != nil {
		return nil, err
	}

	totals := led.Totals()

	b.logger.Info("backtest finished",
		zap.String("strategy", strategy.Name()),
		zap.Int("ticks", ticks),
		zap.Int("closed_trades", len(closed)),
		zap.Float64("net_pnl", totals.Net),
		zap.Float64("max_drawdown_pct", rep.MaxDrawdownPct),
	)

	return &Result{
		Report:    rep,
		Folder:    runFolder,
		Closed:    closed,
		FinalPnl:  totals.Net,
		TicksSeen: ticks,
	}, nil
}

// markFunc adapts cache lookups to the ledger's mark-to-market pass. A
// lookup error degrades to a missing mark; the position keeps its last price.
func markFunc(cache *histcache.Cache, log *logger.Logger, now time.Time) ledger.MarkFunc {
	return func(symbol string) optional.Option[float64] {
		candle, err := cache.GetSeries(symbol, now)
		if err != nil {
			log.Warn("mark lookup failed",
				zap.String("symbol", symbol),
				zap.Time("time", now),
				zap.Error(err),
			)

			return optional.None[float64]()
		}

		if candle.IsNone() {
			return optional.None[float64]()
		}

		return optional.Some(candle.Unwrap().Close)
	}
}

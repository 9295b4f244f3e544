package main

import (
	"context"
	"fmt"
	"log"
	"os"

	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/datasource"
	"github.com/quantdeck/backtestkit/internal/engine"
	"github.com/quantdeck/backtestkit/internal/histcache"
	"github.com/quantdeck/backtestkit/internal/ledger"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/urfave/cli/v3"
)

// buyAndHold is a reference strategy: long the first candle, hold to the end
// of the data. It exists so the binary can run end-to-end without user code.
type buyAndHold struct {
	index optional.Option[int64]
}

func (s *buyAndHold) Name() string { return "buy_and_hold" }

func (s *buyAndHold) OnCandle(ctx *engine.Context, c types.Candle) error {
	if s.index.IsNone() {
		index, err := ctx.Ledger.EntryOrder(c.Open, c.Symbol, 1, types.PositionStatusLong, nil)
		if err != nil {
			return err
		}

		s.index = optional.Some(index)
	}

	return nil
}

func runAction(ctx context.Context, cmd *cli.Command) error {
	cfg, err := engine.ParseConfig(cmd.String("config"))
	if err != nil {
		return err
	}

	if data := cmd.String("data"); data != "" {
		cfg.DataPath = data
	}

	if results := cmd.String("results"); results != "" {
		cfg.ResultsFolder = results
	}

	zlog, err := logger.NewLogger()
	if err != nil {
		return fmt.Errorf("failed to create logger: %w", err)
	}
	defer zlog.Sync()

	source, err := datasource.NewDuckDBSource(":memory:", zlog)
	if err != nil {
		return err
	}
	defer source.Close()

	var expiries histcache.ExpirySource
	if schedule := cmd.String("expiry-schedule"); schedule != "" {
		expiries, err = histcache.LoadSchedule(schedule)
		if err != nil {
			return err
		}
	}

	var policy ledger.SnapshotPolicy = ledger.CrossDayPolicy{}
	if cmd.Bool("per-day") {
		policy = ledger.PerDayPolicy{}
	}

	backtest, err := engine.New(cfg, source, expiries, policy, zlog)
	if err != nil {
		return err
	}

	backtest.ShowProgress = true

	strategy := &buyAndHold{index: optional.None[int64]()}

	result, err := backtest.Run(ctx, strategy)
	if err != nil {
		return err
	}

	fmt.Printf("results written to %s\n", result.Folder)
	fmt.Printf("closed trades: %d, net pnl: %.2f, max drawdown: %.2f%%\n",
		len(result.Closed), result.FinalPnl, result.Report.MaxDrawdownPct)

	return nil
}

func schemaAction(_ context.Context, _ *cli.Command) error {
	var cfg engine.Config

	schema, err := cfg.GenerateSchemaJSON()
	if err != nil {
		return err
	}

	fmt.Println(schema)

	return nil
}

func main() {
	cmd := &cli.Command{
		Name:  "backtest",
		Usage: "Replay historical market data through a strategy and report PnL",
		Commands: []*cli.Command{
			{
				Name:  "run",
				Usage: "Run a backtest from a YAML config",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:     "config",
						Aliases:  []string{"c"},
						Usage:    "Path to the backtest config YAML",
						Required: true,
					},
					&cli.StringFlag{
						Name:    "data",
						Aliases: []string{"d"},
						Usage:   "Override the config's market data path",
					},
					&cli.StringFlag{
						Name:    "results",
						Aliases: []string{"r"},
						Usage:   "Override the config's results folder",
					},
					&cli.StringFlag{
						Name:  "expiry-schedule",
						Usage: "CSV expiry schedule for derivative symbol resolution",
					},
					&cli.BoolFlag{
						Name:  "per-day",
						Usage: "Write one ledger snapshot pair per trading day",
					},
				},
				Action: runAction,
			},
			{
				Name:   "schema",
				Usage:  "Print the JSON schema of the config file",
				Action: schemaAction,
			},
		},
	}

	if err := cmd.Run(context.Background(), os.Args); err != nil {
		log.Fatal(err)
	}
}

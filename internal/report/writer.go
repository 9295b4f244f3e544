package report

import (
	"encoding/csv"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/quantdeck/backtestkit/pkg/errors"
)

// WriteCSV persists the resampled frame to path with the report column set.
func (r *Report) WriteCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeReportFailed, err, "failed to create %s", path)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	header := []string{
		"Date", "OpenTrades", "CapitalInvested", "CumulativePnl", "mtmPnl",
		"BuyPosition", "SellPosition", "Spread", "Peak", "Drawdown",
	}
	if err := w.Write(header); err != nil {
		return errors.Wrap(errors.ErrCodeReportFailed, "failed to write report header", err)
	}

	for _, row := range r.Rows {
		record := []string{
			row.Date.Format(time.RFC3339),
			strconv.Itoa(row.OpenTrades),
			formatValue(row.CapitalInvested),
			formatValue(row.CumulativePnl),
			formatValue(row.MtmPnl),
			strconv.Itoa(row.BuyPosition),
			strconv.Itoa(row.SellPosition),
			strconv.Itoa(row.Spread),
			formatValue(row.Peak),
			formatValue(row.Drawdown),
		}

		if err := w.Write(record); err != nil {
			return errors.Wrap(errors.ErrCodeReportFailed, "failed to write report row", err)
		}
	}

	w.Flush()

	return w.Error()
}

// WriteSummary persists a plain-text digest of the report.
func (r *Report) WriteSummary(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeReportFailed, err, "failed to create %s", path)
	}
	defer file.Close()

	final := 0.0
	peakCapital := 0.0

	for _, row := range r.Rows {
		final = row.CumulativePnl
		if row.CapitalInvested > peakCapital {
			peakCapital = row.CapitalInvested
		}
	}

	fmt.Fprintf(file, "periods: %d\n", len(r.Rows))
	fmt.Fprintf(file, "final cumulative pnl: %s\n", formatValue(final))
	fmt.Fprintf(file, "peak capital invested: %s\n", formatValue(peakCapital))
	fmt.Fprintf(file, "max drawdown: %.2f%%\n", r.MaxDrawdownPct)

	if len(r.MissingSymbols) > 0 {
		fmt.Fprintf(file, "symbols without price data: %v\n", r.MissingSymbols)
	}

	return nil
}

func formatValue(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

package ledger

import (
	"encoding/csv"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
)

const timestampLayout = time.RFC3339

// SnapshotPolicy decides the file names a ledger snapshot is written under.
// Overnight strategies keep one file pair per run; intraday strategies keep a
// pair per trading day.
type SnapshotPolicy interface {
	OpenFile(name string, day time.Time) string
	ClosedFile(name string, day time.Time) string
}

// CrossDayPolicy writes one open/closed file pair for the whole run, so
// positions carried across days accumulate in the same files.
type CrossDayPolicy struct{}

func (CrossDayPolicy) OpenFile(name string, _ time.Time) string {
	return name + "_openPnl.csv"
}

func (CrossDayPolicy) ClosedFile(name string, _ time.Time) string {
	return name + "_closedPnl.csv"
}

// PerDayPolicy writes a file pair per trading day, for strategies that are
// flat at every close.
type PerDayPolicy struct{}

func (PerDayPolicy) OpenFile(name string, day time.Time) string {
	return name + "_" + day.Format("2006-01-02") + "_openPnl.csv"
}

func (PerDayPolicy) ClosedFile(name string, day time.Time) string {
	return name + "_" + day.Format("2006-01-02") + "_closedPnl.csv"
}

// Snapshot writes the open and closed tables to dir as CSV, named by policy
// from name and the ledger's current day. Files are overwritten; a snapshot
// is the full current state, not a delta.
func (l *Ledger) Snapshot(dir, name string, policy SnapshotPolicy) error {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return errors.Wrapf(errors.ErrCodeReportFailed, err, "failed to create snapshot directory %s", dir)
	}

	openPath := filepath.Join(dir, policy.OpenFile(name, l.now))
	if err := l.writeOpenCSV(openPath); err != nil {
		return err
	}

	closedPath := filepath.Join(dir, policy.ClosedFile(name, l.now))

	return l.writeClosedCSV(closedPath)
}

func (l *Ledger) writeOpenCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeReportFailed, err, "failed to create %s", path)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	header := append([]string{
		"index", "entry_time", "symbol", "entry_price", "mark_price",
		"quantity", "status", "unrealized_pnl",
	}, l.columns...)
	if err := w.Write(header); err != nil {
		return errors.Wrap(errors.ErrCodeReportFailed, "failed to write open snapshot header", err)
	}

	for _, pos := range l.OpenPositions() {
		record := []string{
			strconv.FormatInt(pos.Index, 10),
			pos.EntryTime.Format(timestampLayout),
			pos.Symbol,
			formatPrice(pos.EntryPrice),
			formatPrice(pos.MarkPrice),
			formatPrice(pos.Quantity),
			pos.Status.String(),
			formatPrice(pos.UnrealizedPnl),
		}
		record = appendExtra(record, l.columns, pos.Extra)

		if err := w.Write(record); err != nil {
			return errors.Wrap(errors.ErrCodeReportFailed, "failed to write open snapshot row", err)
		}
	}

	w.Flush()

	return w.Error()
}

func (l *Ledger) writeClosedCSV(path string) error {
	file, err := os.Create(path)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeReportFailed, err, "failed to create %s", path)
	}
	defer file.Close()

	w := csv.NewWriter(file)

	header := append([]string{
		"index", "entry_time", "exit_time", "symbol", "entry_price",
		"exit_price", "quantity", "status", "exit_type", "realized_pnl",
	}, l.columns...)
	if err := w.Write(header); err != nil {
		return errors.Wrap(errors.ErrCodeReportFailed, "failed to write closed snapshot header", err)
	}

	for _, pos := range l.closed {
		record := []string{
			strconv.FormatInt(pos.Index, 10),
			pos.EntryTime.Format(timestampLayout),
			pos.ExitTime.Format(timestampLayout),
			pos.Symbol,
			formatPrice(pos.EntryPrice),
			formatPrice(pos.ExitPrice),
			formatPrice(pos.Quantity),
			pos.Status.String(),
			pos.ExitType,
			formatPrice(pos.RealizedPnl),
		}
		record = appendExtra(record, l.columns, pos.Extra)

		if err := w.Write(record); err != nil {
			return errors.Wrap(errors.ErrCodeReportFailed, "failed to write closed snapshot row", err)
		}
	}

	w.Flush()

	return w.Error()
}

func appendExtra(record, columns []string, extra map[string]string) []string {
	for _, col := range columns {
		record = append(record, extra[col])
	}

	return record
}

func formatPrice(v float64) string {
	return strconv.FormatFloat(v, 'f', -1, 64)
}

var _ SnapshotPolicy = CrossDayPolicy{}

var _ SnapshotPolicy = PerDayPolicy{}

// LoadClosedCSV reads back a closed-position snapshot, for report building
// over a previous run's artifacts.
func LoadClosedCSV(path string) ([]types.ClosedPosition, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeReportFailed, err, "failed to open %s", path)
	}
	defer file.Close()

	rows, err := csv.NewReader(file).ReadAll()
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeReportFailed, err, "failed to read %s", path)
	}

	if len(rows) == 0 {
		return nil, nil
	}

	out := make([]types.ClosedPosition, 0, len(rows)-1)

	for _, row := range rows[1:] {
		if len(row) < 10 {
			return nil, errors.Newf(errors.ErrCodeReportFailed, "malformed closed snapshot row in %s", path)
		}

		index, err := strconv.ParseInt(row[0], 10, 64)
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeReportFailed, err, "bad index in %s", path)
		}

		entryTime, err := time.Parse(timestampLayout, row[1])
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeReportFailed, err, "bad entry time in %s", path)
		}

		exitTime, err := time.Parse(timestampLayout, row[2])
		if err != nil {
			return nil, errors.Wrapf(errors.ErrCodeReportFailed, err, "bad exit time in %s", path)
		}

		entryPrice, _ := strconv.ParseFloat(row[4], 64)
		exitPrice, _ := strconv.ParseFloat(row[5], 64)
		quantity, _ := strconv.ParseFloat(row[6], 64)
		realized, _ := strconv.ParseFloat(row[9], 64)

		status := types.PositionStatusLong
		if row[7] == types.PositionStatusShort.String() {
			status = types.PositionStatusShort
		}

		out = append(out, types.ClosedPosition{
			Index:       index,
			EntryTime:   entryTime,
			ExitTime:    exitTime,
			Symbol:      row[3],
			EntryPrice:  entryPrice,
			ExitPrice:   exitPrice,
			Quantity:    quantity,
			Status:      status,
			ExitType:    row[8],
			RealizedPnl: realized,
		})
	}

	return out, nil
}

package histcache

import (
	"os"
	"time"

	"github.com/gocarina/gocsv"
	"github.com/quantdeck/backtestkit/pkg/errors"
)

// scheduleCSVRow is the on-disk shape of one expiry schedule row.
type scheduleCSVRow struct {
	BaseSymbol     string   `csv:"base_symbol"`
	Date           DateOnly `csv:"date"`
	CurrentExpiry  string   `csv:"current_expiry"`
	StrikeDistance float64  `csv:"strike_distance"`
}

// DateOnly unmarshals a bare YYYY-MM-DD CSV field.
type DateOnly struct {
	time.Time
}

func (d *DateOnly) UnmarshalCSV(value string) error {
	t, err := time.Parse("2006-01-02", value)
	if err != nil {
		return err
	}

	d.Time = t

	return nil
}

func (d DateOnly) MarshalCSV() (string, error) {
	return d.Format("2006-01-02"), nil
}

// LoadSchedule reads an expiry schedule CSV into a StaticExpirySource. The
// file carries one row per (base symbol, expiry date) with the expiry token
// and strike distance effective that week.
func LoadSchedule(path string) (*StaticExpirySource, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to open expiry schedule %s", path)
	}
	defer file.Close()

	var rows []scheduleCSVRow
	if err := gocsv.UnmarshalFile(file, &rows); err != nil {
		return nil, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to parse expiry schedule %s", path)
	}

	schedule := make([]ScheduleRow, 0, len(rows))
	for _, r := range rows {
		schedule = append(schedule, ScheduleRow{
			BaseSymbol:     r.BaseSymbol,
			Date:           r.Date.Time,
			CurrentExpiry:  r.CurrentExpiry,
			StrikeDistance: r.StrikeDistance,
		})
	}

	return NewStaticExpirySource(schedule), nil
}

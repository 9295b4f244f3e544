package datasource

import (
	"database/sql"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/Masterminds/squirrel"
	_ "github.com/marcboeker/go-duckdb"
	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/logger"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"go.uber.org/zap"
)

// DuckDBSource serves historical candles from a DuckDB database. Data is
// loaded from a CSV or Parquet file into a market_data view; point lookups
// go through squirrel-built queries and range queries resample with
// time_bucket window functions.
type DuckDBSource struct {
	db     *sql.DB
	logger *logger.Logger
	sq     squirrel.StatementBuilderType
}

// NewDuckDBSource opens a DuckDB database at path (":memory:" for an
// in-process store). This is distinct from Initialize, which loads market
// data into the database.
func NewDuckDBSource(path string, logger *logger.Logger) (*DuckDBSource, error) {
	db, err := sql.Open("duckdb", path)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to open duckdb", err)
	}

	return &DuckDBSource{
		db:     db,
		logger: logger,
		sq:     squirrel.StatementBuilder.PlaceholderFormat(squirrel.Dollar),
	}, nil
}

// Initialize implements DataSource.
func (d *DuckDBSource) Initialize(path string) error {
	d.logger.Debug("Initializing DuckDB data source", zap.String("path", path))

	_, err := d.db.Exec(`DROP VIEW IF EXISTS market_data;`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to drop existing view", err)
	}

	var reader string

	switch strings.ToLower(filepath.Ext(path)) {
	case ".csv":
		reader = "read_csv_auto"
	case ".parquet":
		reader = "read_parquet"
	default:
		return errors.Newf(errors.ErrCodeInvalidConfiguration, "unsupported data file extension: %s", filepath.Ext(path))
	}

	// Raw SQL: squirrel doesn't support CREATE VIEW.
	query := fmt.Sprintf(`
		CREATE VIEW market_data AS
		SELECT * FROM %s('%s');
	`, reader, path)

	_, err = d.db.Exec(query)
	if err != nil {
		return errors.Wrapf(errors.ErrCodeQueryFailed, err, "failed to create market_data view from %s", path)
	}

	return nil
}

// LoadCandles creates the market_data relation directly from candle values.
// Used by tests and tooling that build fixtures without an external file.
func (d *DuckDBSource) LoadCandles(candles []types.Candle) error {
	_, err := d.db.Exec(`DROP VIEW IF EXISTS market_data;`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to drop existing view", err)
	}

	_, err = d.db.Exec(`DROP TABLE IF EXISTS market_data;`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to drop existing table", err)
	}

	_, err = d.db.Exec(`
		CREATE TABLE market_data (
			time TIMESTAMP,
			symbol TEXT,
			open DOUBLE,
			high DOUBLE,
			low DOUBLE,
			close DOUBLE,
			volume DOUBLE
		)
	`)
	if err != nil {
		return errors.Wrap(errors.ErrCodeQueryFailed, "failed to create market_data table", err)
	}

	for _, c := range candles {
		insert := d.sq.
			Insert("market_data").
			Columns("time", "symbol", "open", "high", "low", "close", "volume").
			Values(c.Time, c.Symbol, c.Open, c.High, c.Low, c.Close, c.Volume).
			RunWith(d.db)

		if _, err := insert.Exec(); err != nil {
			return errors.Wrap(errors.ErrCodeQueryFailed, "failed to insert candle", err)
		}
	}

	return nil
}

// FetchTick implements DataSource. When the exact minute is missing it scans
// forward minute by minute, up to tickScanSlots, before reporting no data.
func (d *DuckDBSource) FetchTick(symbol string, timestamp time.Time) (optional.Option[types.Candle], error) {
	for i := 0; i < tickScanSlots; i++ {
		probe := timestamp.Add(time.Duration(i) * time.Minute)

		candle, found, err := d.queryTick(symbol, probe)
		if err != nil {
			return optional.None[types.Candle](), err
		}

		if found {
			return optional.Some(candle), nil
		}
	}

	return optional.None[types.Candle](), nil
}

func (d *DuckDBSource) queryTick(symbol string, timestamp time.Time) (types.Candle, bool, error) {
	query, args, err := d.sq.
		Select("time", "symbol", "open", "high", "low", "close", "volume").
		From("market_data").
		Where(squirrel.And{
			squirrel.Eq{"symbol": symbol},
			squirrel.Eq{"time": timestamp},
		}).
		ToSql()
	if err != nil {
		return types.Candle{}, false, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var c types.Candle

	err = d.db.QueryRow(query, args...).Scan(&c.Time, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume)
	if err != nil {
		if err == sql.ErrNoRows {
			return types.Candle{}, false, nil
		}

		return types.Candle{}, false, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query tick", err)
	}

	return c, true, nil
}

// FetchRange implements DataSource.
func (d *DuckDBSource) FetchRange(symbol string, start, end time.Time, interval types.Interval) ([]types.Candle, error) {
	query, args, err := d.buildRangeQuery(symbol, start, end, interval)
	if err != nil {
		return nil, err
	}

	stmt, err := d.db.Prepare(query)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to prepare query", err)
	}
	defer stmt.Close()

	rows, err := stmt.Query(args...)
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query range", err)
	}
	defer rows.Close()

	result := make([]types.Candle, 0, 256)

	for rows.Next() {
		var c types.Candle

		if err := rows.Scan(&c.Time, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan row", err)
		}

		result = append(result, c)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating rows", err)
	}

	return result, nil
}

// buildRangeQuery constructs the SQL for FetchRange. One-minute queries are a
// plain squirrel select; wider intervals resample with time_bucket window
// functions, following the bucket-first/max/min/last OHLC aggregation.
func (d *DuckDBSource) buildRangeQuery(symbol string, start, end time.Time, interval types.Interval) (string, []interface{}, error) {
	if interval == types.Interval1Min {
		query, args, err := d.sq.
			Select("time", "symbol", "open", "high", "low", "close", "volume").
			From("market_data").
			Where(squirrel.And{
				squirrel.Eq{"symbol": symbol},
				squirrel.GtOrEq{"time": start},
				squirrel.LtOrEq{"time": end},
			}).
			OrderBy("time ASC").
			ToSql()
		if err != nil {
			return "", nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
		}

		return query, args, nil
	}

	var bucket string
	if interval.IsDaily() {
		bucket = "INTERVAL '1 day'"
	} else {
		bucket = fmt.Sprintf("INTERVAL '%d minutes'", interval.Minutes())
	}

	query := fmt.Sprintf(`
		WITH time_buckets AS MATERIALIZED (
			SELECT
				time_bucket(%s, time) as bucket_time,
				symbol,
				FIRST_VALUE(open) OVER (PARTITION BY time_bucket(%s, time), symbol ORDER BY time) as open,
				MAX(high) OVER (PARTITION BY time_bucket(%s, time), symbol) as high,
				MIN(low) OVER (PARTITION BY time_bucket(%s, time), symbol) as low,
				LAST_VALUE(close) OVER (PARTITION BY time_bucket(%s, time), symbol ORDER BY time ROWS BETWEEN UNBOUNDED PRECEDING AND UNBOUNDED FOLLOWING) as close,
				SUM(volume) OVER (PARTITION BY time_bucket(%s, time), symbol) as volume
			FROM market_data
			WHERE symbol = $1 AND time >= $2 AND time <= $3
		)
		SELECT DISTINCT
			bucket_time as time,
			symbol,
			open,
			high,
			low,
			close,
			volume
		FROM time_buckets
		ORDER BY bucket_time ASC
	`, bucket, bucket, bucket, bucket, bucket, bucket)

	return query, []interface{}{symbol, start, end}, nil
}

// Symbols implements DataSource.
func (d *DuckDBSource) Symbols() ([]string, error) {
	rows, err := d.db.Query("SELECT DISTINCT symbol FROM market_data ORDER BY symbol")
	if err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to get symbols", err)
	}
	defer rows.Close()

	var symbols []string

	for rows.Next() {
		var symbol string
		if err := rows.Scan(&symbol); err != nil {
			return nil, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan symbol", err)
		}

		symbols = append(symbols, symbol)
	}

	if err = rows.Err(); err != nil {
		return nil, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating symbols", err)
	}

	return symbols, nil
}

// Count implements DataSource.
func (d *DuckDBSource) Count(start optional.Option[time.Time], end optional.Option[time.Time]) (int, error) {
	builder := d.sq.Select("COUNT(*)").From("market_data")

	if start.IsSome() {
		builder = builder.Where(squirrel.GtOrEq{"time": start.Unwrap()})
	}

	if end.IsSome() {
		builder = builder.Where(squirrel.LtOrEq{"time": end.Unwrap()})
	}

	query, args, err := builder.ToSql()
	if err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err)
	}

	var count int
	if err := d.db.QueryRow(query, args...).Scan(&count); err != nil {
		return 0, errors.Wrap(errors.ErrCodeQueryFailed, "failed to count rows", err)
	}

	return count, nil
}

// ReadAll implements DataSource. Rows are yielded in time order so the
// backtest loop can replay them as a forward-only tape.
func (d *DuckDBSource) ReadAll(start optional.Option[time.Time], end optional.Option[time.Time]) func(yield func(types.Candle, error) bool) {
	return func(yield func(types.Candle, error) bool) {
		builder := d.sq.
			Select("time", "symbol", "open", "high", "low", "close", "volume").
			From("market_data")

		if start.IsSome() {
			builder = builder.Where(squirrel.GtOrEq{"time": start.Unwrap()})
		}

		if end.IsSome() {
			builder = builder.Where(squirrel.LtOrEq{"time": end.Unwrap()})
		}

		query, args, err := builder.OrderBy("time ASC", "symbol ASC").ToSql()
		if err != nil {
			yield(types.Candle{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to build query", err))

			return
		}

		rows, err := d.db.Query(query, args...)
		if err != nil {
			yield(types.Candle{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to query rows", err))

			return
		}
		defer rows.Close()

		for rows.Next() {
			var c types.Candle

			if err := rows.Scan(&c.Time, &c.Symbol, &c.Open, &c.High, &c.Low, &c.Close, &c.Volume); err != nil {
				yield(types.Candle{}, errors.Wrap(errors.ErrCodeQueryFailed, "failed to scan row", err))

				return
			}

			if !yield(c, nil) {
				return
			}
		}

		if err := rows.Err(); err != nil {
			yield(types.Candle{}, errors.Wrap(errors.ErrCodeQueryFailed, "error iterating rows", err))
		}
	}
}

// Close implements DataSource.
func (d *DuckDBSource) Close() error {
	if d.db != nil {
		return d.db.Close()
	}

	return nil
}

package engine

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quantdeck/backtestkit/pkg/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))

	return path
}

func TestParseConfig(t *testing.T) {
	path := writeConfig(t, `
max_cache_size: 100
time_frame: 15min
mtm: true
equity_market: false
initial_capital: 100000
data_path: /data/nifty.parquet
results_folder: /tmp/results
stocks_per_partition: 25
start_time: 2023-06-01T09:15:00Z
end_time: 2023-06-30T15:30:00Z
`)

	cfg, err := ParseConfig(path)
	require.NoError(t, err)

	assert.Equal(t, 100, cfg.MaxCacheSize)
	assert.Equal(t, "15min", cfg.TimeFrame)
	assert.True(t, cfg.Mtm)
	assert.Equal(t, 25, cfg.StocksPerPart)

	require.True(t, cfg.StartTime.IsSome())
	assert.Equal(t, time.Date(2023, 6, 1, 9, 15, 0, 0, time.UTC), cfg.StartTime.Unwrap())
	require.True(t, cfg.EndTime.IsSome())
}

func TestParseConfigOptionalBoundsAbsent(t *testing.T) {
	path := writeConfig(t, `
max_cache_size: 10
time_frame: 1D
data_path: /data/nifty.csv
results_folder: /tmp/results
`)

	cfg, err := ParseConfig(path)
	require.NoError(t, err)
	assert.True(t, cfg.StartTime.IsNone())
	assert.True(t, cfg.EndTime.IsNone())
}

func TestParseConfigRejectsBadValues(t *testing.T) {
	tests := []struct {
		name    string
		content string
	}{
		{
			name: "zero cache size",
			content: `
max_cache_size: 0
time_frame: 15min
data_path: /data/nifty.csv
results_folder: /tmp/results
`,
		},
		{
			name: "unknown time frame",
			content: `
max_cache_size: 10
time_frame: 2min
data_path: /data/nifty.csv
results_folder: /tmp/results
`,
		},
		{
			name: "missing data path",
			content: `
max_cache_size: 10
time_frame: 15min
results_folder: /tmp/results
`,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig(writeConfig(t, tt.content))
			require.Error(t, err)
			assert.True(t, errors.HasCode(err, errors.ErrCodeInvalidConfiguration))
		})
	}
}

func TestGenerateSchemaJSON(t *testing.T) {
	var cfg Config

	schema, err := cfg.GenerateSchemaJSON()
	require.NoError(t, err)
	assert.Contains(t, schema, "max_cache_size")
	assert.Contains(t, schema, "time_frame")
	assert.Contains(t, schema, "backtest-config")
}

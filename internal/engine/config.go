package engine

import (
	"encoding/json"
	"os"
	"reflect"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/invopop/jsonschema"
	"github.com/moznion/go-optional"
	"github.com/quantdeck/backtestkit/internal/types"
	"github.com/quantdeck/backtestkit/pkg/errors"
	"gopkg.in/yaml.v3"
)

// Config drives a backtest run.
type Config struct {
	MaxCacheSize   int                        `yaml:"max_cache_size" json:"max_cache_size" jsonschema:"title=Max Cache Size,description=Maximum number of series held by the historical data cache,minimum=1" validate:"required,min=1"`
	TimeFrame      string                     `yaml:"time_frame" json:"time_frame" jsonschema:"title=Time Frame,description=Resampling interval of the MTM report,enum=1min,enum=5min,enum=15min,enum=1H,enum=1D" validate:"required,oneof=1min 5min 15min 1H 1D"`
	Mtm            bool                       `yaml:"mtm" json:"mtm" jsonschema:"title=MTM,description=Mark open positions minute-by-minute in the report"`
	EquityMarket   bool                       `yaml:"equity_market" json:"equity_market" jsonschema:"title=Equity Market,description=Restrict timelines to exchange session hours"`
	InitialCapital float64                    `yaml:"initial_capital" json:"initial_capital" jsonschema:"title=Initial Capital,description=Starting capital for the backtest,minimum=0" validate:"min=0"`
	DataPath       string                     `yaml:"data_path" json:"data_path" jsonschema:"title=Data Path,description=CSV or Parquet file with one-minute market data" validate:"required"`
	ResultsFolder  string                     `yaml:"results_folder" json:"results_folder" jsonschema:"title=Results Folder,description=Directory backtest artifacts are written under" validate:"required"`
	StocksPerPart  int                        `yaml:"stocks_per_partition" json:"stocks_per_partition" jsonschema:"title=Stocks Per Partition,description=Symbols per independent partition; 0 runs everything in one partition,minimum=0" validate:"min=0"`
	StartTime      optional.Option[time.Time] `yaml:"start_time" json:"start_time" jsonschema:"title=Start Time,description=Optional start of the simulated period"`
	EndTime        optional.Option[time.Time] `yaml:"end_time" json:"end_time" jsonschema:"title=End Time,description=Optional end of the simulated period"`
}

// UnmarshalYAML implements custom unmarshaling so optional time bounds decode
// from plain YAML timestamps.
func (c *Config) UnmarshalYAML(unmarshal func(interface{}) error) error {
	type plain struct {
		MaxCacheSize   int        `yaml:"max_cache_size"`
		TimeFrame      string     `yaml:"time_frame"`
		Mtm            bool       `yaml:"mtm"`
		EquityMarket   bool       `yaml:"equity_market"`
		InitialCapital float64    `yaml:"initial_capital"`
		DataPath       string     `yaml:"data_path"`
		ResultsFolder  string     `yaml:"results_folder"`
		StocksPerPart  int        `yaml:"stocks_per_partition"`
		StartTime      *time.Time `yaml:"start_time"`
		EndTime        *time.Time `yaml:"end_time"`
	}

	var p plain
	if err := unmarshal(&p); err != nil {
		return err
	}

	c.MaxCacheSize = p.MaxCacheSize
	c.TimeFrame = p.TimeFrame
	c.Mtm = p.Mtm
	c.EquityMarket = p.EquityMarket
	c.InitialCapital = p.InitialCapital
	c.DataPath = p.DataPath
	c.ResultsFolder = p.ResultsFolder
	c.StocksPerPart = p.StocksPerPart

	if p.StartTime != nil {
		c.StartTime = optional.Some(*p.StartTime)
	}

	if p.EndTime != nil {
		c.EndTime = optional.Some(*p.EndTime)
	}

	return nil
}

// Validate checks the config against its validation tags.
func (c *Config) Validate() error {
	validate := validator.New()
	if err := validate.Struct(c); err != nil {
		return errors.Wrap(errors.ErrCodeInvalidConfiguration, "invalid config", err)
	}

	if _, err := types.ParseInterval(c.TimeFrame); err != nil {
		return err
	}

	return nil
}

// ParseConfig decodes and validates a YAML config file.
func ParseConfig(path string) (Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to read config %s", path)
	}

	var cfg Config
	if err := yaml.Unmarshal(data, &cfg); err != nil {
		return Config{}, errors.Wrapf(errors.ErrCodeInvalidConfiguration, err, "failed to parse config %s", path)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

// GenerateSchema builds the JSON schema for the config, for editor tooling.
func (c *Config) GenerateSchema() *jsonschema.Schema {
	reflector := jsonschema.Reflector{
		RequiredFromJSONSchemaTags: true,
		ExpandedStruct:             true,
		AllowAdditionalProperties:  false,
		Mapper: func(t reflect.Type) *jsonschema.Schema {
			if t.String() == "optional.Option[time.Time]" {
				return &jsonschema.Schema{
					Type:   "string",
					Format: "date-time",
				}
			}

			return nil
		},
	}

	schema := reflector.Reflect(c)
	schema.Title = "backtest-config"
	schema.Description = "Configuration schema for a backtest run"
	schema.Version = "http://json-schema.org/draft-07/schema#"

	return schema
}

// GenerateSchemaJSON renders the config schema as indented JSON.
func (c *Config) GenerateSchemaJSON() (string, error) {
	schemaBytes, err := json.MarshalIndent(c.GenerateSchema(), "", "  ")
	if err != nil {
		return "", errors.Wrap(errors.ErrCodeInvalidConfiguration, "failed to marshal config schema", err)
	}

	return string(schemaBytes), nil
}

package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"

	"github.com/dvrpc/regional-transit-screening-platform/internal/store"
)

// Aggregation modes
const (
	ModeWeightedMean = "weighted_mean"
	ModeSimpleMean   = "simple_mean"
)

var (
	// ErrInvalidConfig wraps every validation failure
	ErrInvalidConfig = errors.New("invalid config")
	// ErrUnknownDataset is returned when a dataset name is not configured
	ErrUnknownDataset = errors.New("unknown dataset")
)

// Config 应用配置
type Config struct {
	Server   ServerConfig             `mapstructure:"server" yaml:"server"`
	Database DatabaseConfig           `mapstructure:"database" yaml:"database"`
	Log      LogConfig                `mapstructure:"log" yaml:"log"`
	Network  NetworkConfig            `mapstructure:"network" yaml:"network"`
	Matching MatchingConfig           `mapstructure:"matching" yaml:"matching"`
	Pipeline PipelineConfig           `mapstructure:"pipeline" yaml:"pipeline"`
	QAQC     QAQCConfig               `mapstructure:"qaqc" yaml:"qaqc"`
	Datasets map[string]DatasetConfig `mapstructure:"datasets" yaml:"datasets" validate:"required,dive"`
}

// ServerConfig holds the HTTP read API settings.
// TriggerLimit run triggers are accepted per client every TriggerWindow seconds.
type ServerConfig struct {
	Port          string   `mapstructure:"port" yaml:"port" validate:"required"`
	JWTSecret     string   `mapstructure:"jwt_secret" yaml:"jwt_secret"`
	AllowOrigins  []string `mapstructure:"allow_origins" yaml:"allow_origins"`
	TriggerLimit  int      `mapstructure:"trigger_limit" yaml:"trigger_limit" validate:"gte=1"`
	TriggerWindow int      `mapstructure:"trigger_window" yaml:"trigger_window" validate:"gte=1"`
}

// DatabaseConfig holds the SQLite geometry store settings
type DatabaseConfig struct {
	Path string `mapstructure:"path" yaml:"path" validate:"required"`
}

// LogConfig holds logger settings
type LogConfig struct {
	Level  string `mapstructure:"level" yaml:"level" validate:"oneof=debug info warn error fatal panic"`
	Format string `mapstructure:"format" yaml:"format" validate:"oneof=text json"`
}

// NetworkConfig names the canonical road network table
type NetworkConfig struct {
	EdgeTable string `mapstructure:"edge_table" yaml:"edge_table" validate:"required,identifier"`
}

// MatchingConfig holds the feature matcher thresholds
type MatchingConfig struct {
	BufferRadius       float64     `mapstructure:"buffer_radius" yaml:"buffer_radius" validate:"gt=0"`
	MinIntersectLength float64     `mapstructure:"min_intersect_length" yaml:"min_intersect_length" validate:"gte=0"`
	MinPctInBuffer     float64     `mapstructure:"min_pct_in_buffer" yaml:"min_pct_in_buffer" validate:"gte=0,lte=1"`
	AngleBands         []AngleBand `mapstructure:"angle_bands" yaml:"angle_bands" validate:"required,min=1,dive"`
}

// AngleBand is a range of angle differences (degrees) considered parallel
type AngleBand struct {
	Min        float64 `mapstructure:"min" yaml:"min" validate:"gte=0,lte=360"`
	Max        float64 `mapstructure:"max" yaml:"max" validate:"gte=0,lte=360,gtefield=Min"`
	IncludeMin bool    `mapstructure:"include_min" yaml:"include_min"`
	IncludeMax bool    `mapstructure:"include_max" yaml:"include_max"`
}

// Contains reports whether the angle falls inside the band
func (b AngleBand) Contains(deg float64) bool {
	aboveMin := deg > b.Min || (b.IncludeMin && deg == b.Min)
	belowMax := deg < b.Max || (b.IncludeMax && deg == b.Max)
	return aboveMin && belowMax
}

// PipelineConfig holds worker settings
type PipelineConfig struct {
	Workers int `mapstructure:"workers" yaml:"workers" validate:"gte=1,lte=256"`
}

// QAQCConfig holds diagnostic settings
type QAQCConfig struct {
	SuspectLength float64 `mapstructure:"suspect_length" yaml:"suspect_length" validate:"gt=0"`
}

// DatasetConfig describes one source dataset and how it is matched and aggregated
type DatasetConfig struct {
	// RawTable is filtered into SourceTable by the prepare step when set
	RawTable      string       `mapstructure:"raw_table" yaml:"raw_table,omitempty" validate:"omitempty,identifier"`
	SourceTable   string       `mapstructure:"source_table" yaml:"source_table" validate:"required,identifier"`
	ValueColumn   string       `mapstructure:"value_column" yaml:"value_column" validate:"required,identifier"`
	WeightColumn  string       `mapstructure:"weight_column" yaml:"weight_column,omitempty" validate:"omitempty,identifier"`
	SummaryColumn string       `mapstructure:"summary_column" yaml:"summary_column" validate:"required,identifier"`
	Mode          string       `mapstructure:"mode" yaml:"mode" validate:"oneof=weighted_mean simple_mean"`
	CompareAngles bool         `mapstructure:"compare_angles" yaml:"compare_angles"`
	Filter        FilterConfig `mapstructure:"filter" yaml:"filter,omitempty"`

	// Output table overrides; derived from the dataset name when empty
	MatchTable   string `mapstructure:"match_table" yaml:"match_table,omitempty" validate:"omitempty,identifier"`
	SummaryTable string `mapstructure:"summary_table" yaml:"summary_table,omitempty" validate:"omitempty,identifier"`
	QAQCTable    string `mapstructure:"qaqc_table" yaml:"qaqc_table,omitempty" validate:"omitempty,identifier"`
}

// FilterConfig restricts raw rows before matching
type FilterConfig struct {
	PrefixColumn    string   `mapstructure:"prefix_column" yaml:"prefix_column,omitempty" validate:"omitempty,identifier"`
	Prefix          string   `mapstructure:"prefix" yaml:"prefix,omitempty"`
	PositiveColumns []string `mapstructure:"positive_columns" yaml:"positive_columns,omitempty" validate:"dive,identifier"`
}

// SourceFilter converts the filter to its store form
func (f FilterConfig) SourceFilter() store.SourceFilter {
	return store.SourceFilter{
		PrefixColumn:    f.PrefixColumn,
		Prefix:          f.Prefix,
		PositiveColumns: f.PositiveColumns,
	}
}

// Tables returns the match, summary and qaqc table names for a dataset
func (d DatasetConfig) Tables(name string) (match, summary, qaqc string) {
	match = d.MatchTable
	if match == "" {
		match = "osm_matched_" + d.SourceTable
	}
	summary = d.SummaryTable
	if summary == "" {
		summary = "osm_" + name
	}
	qaqc = d.QAQCTable
	if qaqc == "" {
		qaqc = summary + "_qaqc"
	}
	return match, summary, qaqc
}

// Dataset looks up a dataset by name
func (c *Config) Dataset(name string) (DatasetConfig, error) {
	d, ok := c.Datasets[name]
	if !ok {
		return DatasetConfig{}, fmt.Errorf("%w: %s", ErrUnknownDataset, name)
	}
	return d, nil
}

// DatasetNames returns the configured dataset names in sorted order
func (c *Config) DatasetNames() []string {
	names := make([]string, 0, len(c.Datasets))
	for name := range c.Datasets {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Default returns the configuration used when nothing else is provided
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:          ":8080",
			JWTSecret:     "",
			AllowOrigins:  []string{"*"},
			TriggerLimit:  5,
			TriggerWindow: 60,
		},
		Database: DatabaseConfig{Path: "./data/rtsp.db"},
		Log:      LogConfig{Level: "info", Format: "text"},
		Network:  NetworkConfig{EdgeTable: "osm_edges"},
		Matching: MatchingConfig{
			BufferRadius:       20,
			MinIntersectLength: 25,
			MinPctInBuffer:     0.8,
			AngleBands: []AngleBand{
				{Min: 0, Max: 20, IncludeMin: true},
				{Min: 160, Max: 200},
				{Min: 340, Max: 360},
			},
		},
		Pipeline: PipelineConfig{Workers: 4},
		QAQC:     QAQCConfig{SuspectLength: 20},
		Datasets: map[string]DatasetConfig{
			"speed": {
				SourceTable:   "rtsp_input_speed",
				ValueColumn:   "speed",
				WeightColumn:  "cnt",
				SummaryColumn: "avgspeed",
				Mode:          ModeWeightedMean,
				CompareAngles: true,
			},
			"ridership_septa": {
				RawTable:      "passloads_segmentlevel_2020_07",
				SourceTable:   "passloads_segmentlevel_2020_07_filtered",
				ValueColumn:   "round",
				SummaryColumn: "ridership",
				Mode:          ModeSimpleMean,
				CompareAngles: true,
				Filter:        FilterConfig{PositiveColumns: []string{"round"}},
			},
			"ridership_njt": {
				RawTable:      "statsbyline_allgeom",
				SourceTable:   "statsbyline_allgeom_filtered",
				ValueColumn:   "dailyrider",
				SummaryColumn: "ridership",
				Mode:          ModeSimpleMean,
				CompareAngles: false,
				Filter: FilterConfig{
					PrefixColumn:    "name",
					Prefix:          "njt",
					PositiveColumns: []string{"dailyrider"},
				},
			},
		},
	}
}

// Load reads configuration from an optional YAML file and RTSP_* environment
// variables on top of Default(). PORT, DB_PATH and JWT_SECRET are honoured too.
func Load(path string) (*Config, error) {
	cfg := Default()

	v := viper.New()
	v.SetEnvPrefix("RTSP")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	v.SetDefault("server.port", cfg.Server.Port)
	v.SetDefault("server.jwt_secret", cfg.Server.JWTSecret)
	v.SetDefault("server.trigger_limit", cfg.Server.TriggerLimit)
	v.SetDefault("server.trigger_window", cfg.Server.TriggerWindow)
	v.SetDefault("database.path", cfg.Database.Path)
	v.SetDefault("log.level", cfg.Log.Level)
	v.SetDefault("log.format", cfg.Log.Format)
	v.SetDefault("network.edge_table", cfg.Network.EdgeTable)
	v.SetDefault("matching.buffer_radius", cfg.Matching.BufferRadius)
	v.SetDefault("matching.min_intersect_length", cfg.Matching.MinIntersectLength)
	v.SetDefault("matching.min_pct_in_buffer", cfg.Matching.MinPctInBuffer)
	v.SetDefault("pipeline.workers", cfg.Pipeline.Workers)
	v.SetDefault("qaqc.suspect_length", cfg.QAQC.SuspectLength)

	for key, envs := range map[string][]string{
		"server.port":       {"RTSP_SERVER_PORT", "PORT"},
		"database.path":     {"RTSP_DATABASE_PATH", "DB_PATH"},
		"server.jwt_secret": {"RTSP_SERVER_JWT_SECRET", "JWT_SECRET"},
	} {
		if err := v.BindEnv(append([]string{key}, envs...)...); err != nil {
			return nil, fmt.Errorf("failed to bind env for %s: %w", key, err)
		}
	}

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("failed to read config %s: %w", path, err)
		}
	}

	if err := v.Unmarshal(cfg); err != nil {
		return nil, fmt.Errorf("failed to decode config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks struct tags and cross-field rules
func (c *Config) Validate() error {
	v := validator.New()
	if err := v.RegisterValidation("identifier", func(fl validator.FieldLevel) bool {
		return store.IsIdentifier(fl.Field().String())
	}); err != nil {
		return err
	}

	if err := v.Struct(c); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}

	for _, name := range c.DatasetNames() {
		d := c.Datasets[name]
		if !store.IsIdentifier(name) {
			return fmt.Errorf("%w: dataset name %q", ErrInvalidConfig, name)
		}
		if d.Mode == ModeWeightedMean && d.WeightColumn == "" {
			return fmt.Errorf("%w: dataset %s uses %s without weight_column", ErrInvalidConfig, name, ModeWeightedMean)
		}
		if d.Filter.Prefix != "" && d.Filter.PrefixColumn == "" {
			return fmt.Errorf("%w: dataset %s filter prefix without prefix_column", ErrInvalidConfig, name)
		}
	}
	return nil
}

// Dump renders the configuration as YAML
func Dump(cfg *Config) ([]byte, error) {
	return yaml.Marshal(cfg)
}

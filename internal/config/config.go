// Package config provides configuration management for reencodarr using Viper.
// It supports configuration from files, environment variables, and defaults.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Default configuration values.
const (
	defaultTargetVmaf        = 95
	defaultVmafFloor         = 90
	defaultMinCrf            = 8
	defaultMaxCrf            = 40
	defaultMaxPredictedBytes = 10 * 1024 * 1024 * 1024 // 10 GiB
	defaultAnalyzerBatchSize = 8
	defaultAnalyzerMinBatch  = 5
	defaultAnalyzerMaxBatch  = 100
	defaultPollInterval      = 2 * time.Second
	defaultHeartbeat         = 10 * time.Second
	defaultKillGrace         = 5 * time.Second
	defaultFailureRetention  = 30 * 24 * time.Hour
	defaultMaintenanceCron   = "0 0 3 * * *"
	defaultMaxOpenConns      = 25
	defaultMaxIdleConns      = 10
	defaultConnMaxIdleTime   = 30 * time.Minute
)

// Config holds all configuration for the application.
type Config struct {
	Database    DatabaseConfig    `mapstructure:"database"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Analyzer    AnalyzerConfig    `mapstructure:"analyzer"`
	CrfSearch   CrfSearchConfig   `mapstructure:"crf_search"`
	Encoder     EncoderConfig     `mapstructure:"encoder"`
	Producers   ProducerConfig    `mapstructure:"producers"`
	Exclude     ExcludeConfig     `mapstructure:"exclude"`
	Maintenance MaintenanceConfig `mapstructure:"maintenance"`
}

// DatabaseConfig holds database connection configuration.
type DatabaseConfig struct {
	Driver          string        `mapstructure:"driver"` // sqlite, postgres, mysql
	DSN             string        `mapstructure:"dsn"`
	MaxOpenConns    int           `mapstructure:"max_open_conns"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime"`
	ConnMaxIdleTime time.Duration `mapstructure:"conn_max_idle_time"`
	LogLevel        string        `mapstructure:"log_level"` // silent, error, warn, info
}

// StorageConfig holds file storage configuration.
type StorageConfig struct {
	// TempDir is where in-flight encodes and ab-av1 sample files are written.
	TempDir string `mapstructure:"temp_dir"`
}

// LoggingConfig holds logging configuration.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`  // debug, info, warn, error
	Format     string `mapstructure:"format"` // json, text
	AddSource  bool   `mapstructure:"add_source"`
	TimeFormat string `mapstructure:"time_format"`
}

// AnalyzerConfig holds metadata analyzer configuration.
type AnalyzerConfig struct {
	// BatchSize is the initial number of files per mediainfo invocation.
	// The performance monitor scales it between MinBatchSize and MaxBatchSize.
	BatchSize    int `mapstructure:"batch_size"`
	MinBatchSize int `mapstructure:"min_batch_size"`
	MaxBatchSize int `mapstructure:"max_batch_size"`
	// MediainfoBinary overrides the mediainfo executable path (empty = PATH lookup).
	MediainfoBinary string `mapstructure:"mediainfo_binary"`
}

// CrfSearchConfig holds CRF search configuration.
type CrfSearchConfig struct {
	// TargetVmaf is the perceptual quality target passed as --min-vmaf.
	TargetVmaf int `mapstructure:"target_vmaf"`
	// VmafFloor is the lowest target the retry cascade may decrement to.
	VmafFloor int `mapstructure:"vmaf_floor"`
	MinCrf    int `mapstructure:"min_crf"`
	MaxCrf    int `mapstructure:"max_crf"`
	// MaxPredictedBytes fails the search when the predicted encode exceeds it.
	MaxPredictedBytes int64 `mapstructure:"max_predicted_bytes"`
	// AbAv1Binary overrides the ab-av1 executable path (empty = PATH lookup).
	AbAv1Binary string `mapstructure:"ab_av1_binary"`
}

// EncoderConfig holds encoder configuration.
type EncoderConfig struct {
	// Preset is the SVT-AV1 preset (lower = slower/better).
	Preset int `mapstructure:"preset"`
	// ExtraArgs are operator overrides appended after rule-derived arguments.
	ExtraArgs []string `mapstructure:"extra_args"`
}

// ProducerConfig holds producer dispatch configuration.
type ProducerConfig struct {
	// PollInterval is the low-frequency fallback poll when event delivery is lost.
	PollInterval time.Duration `mapstructure:"poll_interval"`
}

// ExcludeConfig holds operator-configured path exclusion.
type ExcludeConfig struct {
	// Patterns are glob patterns matched against video paths; matching videos
	// are never queued for CRF search.
	Patterns []string `mapstructure:"patterns"`
}

// MaintenanceConfig holds scheduled maintenance configuration.
type MaintenanceConfig struct {
	Enabled bool `mapstructure:"enabled"`
	// Cron is a 6-field cron expression for the maintenance run.
	Cron string `mapstructure:"cron"`
	// FailureRetention is how long failure records are kept.
	FailureRetention time.Duration `mapstructure:"failure_retention"`
}

// Load reads configuration from file and environment variables.
// Environment variables take precedence over file configuration.
// Environment variables are prefixed with REENCODARR_ and use underscores
// for nesting. Example: REENCODARR_DATABASE_DSN=/var/lib/reencodarr/db.
func Load(configPath string) (*Config, error) {
	v := viper.New()

	SetDefaults(v)

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("/etc/reencodarr")
		v.AddConfigPath("$HOME/.reencodarr")
	}

	v.SetEnvPrefix("REENCODARR")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
		// Config file not found is OK - defaults and env vars apply.
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshaling config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

// SetDefaults registers default values on the provided viper instance.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("database.driver", "sqlite")
	v.SetDefault("database.dsn", "reencodarr.db")
	v.SetDefault("database.max_open_conns", defaultMaxOpenConns)
	v.SetDefault("database.max_idle_conns", defaultMaxIdleConns)
	v.SetDefault("database.conn_max_idle_time", defaultConnMaxIdleTime)
	v.SetDefault("database.log_level", "warn")

	v.SetDefault("storage.temp_dir", "")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
	v.SetDefault("logging.add_source", false)

	v.SetDefault("analyzer.batch_size", defaultAnalyzerBatchSize)
	v.SetDefault("analyzer.min_batch_size", defaultAnalyzerMinBatch)
	v.SetDefault("analyzer.max_batch_size", defaultAnalyzerMaxBatch)

	v.SetDefault("crf_search.target_vmaf", defaultTargetVmaf)
	v.SetDefault("crf_search.vmaf_floor", defaultVmafFloor)
	v.SetDefault("crf_search.min_crf", defaultMinCrf)
	v.SetDefault("crf_search.max_crf", defaultMaxCrf)
	v.SetDefault("crf_search.max_predicted_bytes", defaultMaxPredictedBytes)

	v.SetDefault("encoder.preset", 6)

	v.SetDefault("producers.poll_interval", defaultPollInterval)

	v.SetDefault("maintenance.enabled", true)
	v.SetDefault("maintenance.cron", defaultMaintenanceCron)
	v.SetDefault("maintenance.failure_retention", defaultFailureRetention)
}

// Validate checks the configuration for invalid values.
func (c *Config) Validate() error {
	switch c.Database.Driver {
	case "sqlite", "postgres", "mysql":
	default:
		return fmt.Errorf("unsupported database driver: %s", c.Database.Driver)
	}
	if c.Database.DSN == "" {
		return errors.New("database dsn is required")
	}
	if c.CrfSearch.TargetVmaf <= 0 || c.CrfSearch.TargetVmaf > 100 {
		return fmt.Errorf("crf_search.target_vmaf must be in (0,100], got %d", c.CrfSearch.TargetVmaf)
	}
	if c.CrfSearch.VmafFloor > c.CrfSearch.TargetVmaf {
		return fmt.Errorf("crf_search.vmaf_floor (%d) exceeds target_vmaf (%d)",
			c.CrfSearch.VmafFloor, c.CrfSearch.TargetVmaf)
	}
	if c.CrfSearch.MinCrf >= c.CrfSearch.MaxCrf {
		return fmt.Errorf("crf_search.min_crf (%d) must be below max_crf (%d)",
			c.CrfSearch.MinCrf, c.CrfSearch.MaxCrf)
	}
	if c.Analyzer.MinBatchSize <= 0 || c.Analyzer.MaxBatchSize < c.Analyzer.MinBatchSize {
		return fmt.Errorf("analyzer batch bounds invalid: [%d,%d]",
			c.Analyzer.MinBatchSize, c.Analyzer.MaxBatchSize)
	}
	if c.Analyzer.BatchSize < c.Analyzer.MinBatchSize || c.Analyzer.BatchSize > c.Analyzer.MaxBatchSize {
		return fmt.Errorf("analyzer.batch_size %d outside [%d,%d]",
			c.Analyzer.BatchSize, c.Analyzer.MinBatchSize, c.Analyzer.MaxBatchSize)
	}
	return nil
}

// Package config loads and validates sync service configuration via Viper.
package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config captures all service configuration knobs loaded via Viper.
type Config struct {
	API       APIConfig       `mapstructure:"api"`
	Warehouse WarehouseConfig `mapstructure:"warehouse"`
	Pipeline  PipelineConfig  `mapstructure:"pipeline"`
	Server    ServerConfig    `mapstructure:"server"`
	Logging   LoggingConfig   `mapstructure:"logging"`
}

// APIConfig governs access to the record-export API.
type APIConfig struct {
	BaseURL          string  `mapstructure:"base_url"`
	Token            string  `mapstructure:"token"`
	TimeoutSeconds   int     `mapstructure:"timeout_seconds"`
	MaxRetries       int     `mapstructure:"max_retries"`
	BackoffInitialMs int     `mapstructure:"backoff_initial_ms"`
	BackoffMaxMs     int     `mapstructure:"backoff_max_ms"`
	PageRPS          float64 `mapstructure:"page_rps"`
}

// WarehouseConfig controls access to the relational warehouse.
type WarehouseConfig struct {
	DSN             string `mapstructure:"dsn"`
	MaxConns        int32  `mapstructure:"max_conns"`
	MinConns        int32  `mapstructure:"min_conns"`
	ConnectRetries  int    `mapstructure:"connect_retries"`
	CreateViews     bool   `mapstructure:"create_views"`
	ViewDefinitions map[string]string `mapstructure:"views"`
}

// PipelineConfig governs sync windows, scheduling, and checkpoint state.
type PipelineConfig struct {
	StateDir                 string `mapstructure:"state_dir"`
	DailyLookbackDays        int    `mapstructure:"daily_lookback_days"`
	LookbackOverlapWatermark bool   `mapstructure:"lookback_overlaps_watermark"`
	ScheduleTime             string `mapstructure:"schedule_time"`
	Timezone                 string `mapstructure:"timezone"`
	UseUpsert                bool   `mapstructure:"use_upsert"`
	EntityFloor              string `mapstructure:"entity_floor"`
}

// ServerConfig controls the HTTP status/metrics listener used by `start`.
type ServerConfig struct {
	Port int `mapstructure:"port"`
}

// LoggingConfig toggles zap development features.
type LoggingConfig struct {
	Development bool   `mapstructure:"development"`
	Level       string `mapstructure:"level"`
}

// Load builds a Config from disk/environment.
func Load(path string) (Config, error) {
	v := viper.New()
	v.SetEnvPrefix("ASSISTSYNC")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	setDefaults(v)

	if path != "" {
		v.SetConfigFile(path)
		if err := v.ReadInConfig(); err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, fmt.Errorf("unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("api.base_url", "https://api.moveworks.ai/export/v1beta2/records")
	// Empty defaults register the keys so AutomaticEnv can fill them during
	// Unmarshal.
	v.SetDefault("api.token", "")
	v.SetDefault("warehouse.dsn", "")
	v.SetDefault("api.timeout_seconds", 30)
	v.SetDefault("api.max_retries", 5)
	v.SetDefault("api.backoff_initial_ms", 1000)
	v.SetDefault("api.backoff_max_ms", 60000)
	v.SetDefault("api.page_rps", 0.5)
	v.SetDefault("warehouse.max_conns", 4)
	v.SetDefault("warehouse.min_conns", 1)
	v.SetDefault("warehouse.connect_retries", 3)
	v.SetDefault("warehouse.create_views", false)
	v.SetDefault("pipeline.state_dir", "state")
	v.SetDefault("pipeline.daily_lookback_days", 1)
	v.SetDefault("pipeline.lookback_overlaps_watermark", true)
	v.SetDefault("pipeline.schedule_time", "22:00")
	v.SetDefault("pipeline.timezone", "US/Pacific")
	v.SetDefault("pipeline.use_upsert", true)
	v.SetDefault("pipeline.entity_floor", "2020-01-01")
	v.SetDefault("server.port", 8080)
	v.SetDefault("logging.development", false)
	v.SetDefault("logging.level", "info")
}

// Validate enforces required values and reasonable limits. Append mode is a
// hard requirement violation: the merge engine's correctness depends on
// upsert semantics, so use_upsert=false refuses to run.
func (c Config) Validate() error {
	if c.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if c.API.Token == "" {
		return fmt.Errorf("api.token is required")
	}
	if c.API.TimeoutSeconds <= 0 {
		return fmt.Errorf("api.timeout_seconds must be > 0")
	}
	if c.API.MaxRetries < 0 {
		return fmt.Errorf("api.max_retries must be >= 0")
	}
	if c.Warehouse.DSN == "" {
		return fmt.Errorf("warehouse.dsn is required")
	}
	if !c.Pipeline.UseUpsert {
		return fmt.Errorf("pipeline.use_upsert=false would append duplicate rows; refusing to run")
	}
	if c.Pipeline.DailyLookbackDays < 0 {
		return fmt.Errorf("pipeline.daily_lookback_days must be >= 0")
	}
	if _, err := time.Parse("15:04", c.Pipeline.ScheduleTime); err != nil {
		return fmt.Errorf("pipeline.schedule_time %q is not HH:MM: %w", c.Pipeline.ScheduleTime, err)
	}
	if _, err := time.LoadLocation(c.Pipeline.Timezone); err != nil {
		return fmt.Errorf("pipeline.timezone %q: %w", c.Pipeline.Timezone, err)
	}
	if _, err := time.Parse("2006-01-02", c.Pipeline.EntityFloor); err != nil {
		return fmt.Errorf("pipeline.entity_floor %q is not YYYY-MM-DD: %w", c.Pipeline.EntityFloor, err)
	}
	if c.Server.Port <= 0 {
		return fmt.Errorf("server.port must be > 0")
	}
	return nil
}

// APITimeout converts the configured timeout into a duration.
func (c Config) APITimeout() time.Duration {
	return time.Duration(c.API.TimeoutSeconds) * time.Second
}

// BackoffInitial returns the first retry delay.
func (c Config) BackoffInitial() time.Duration {
	return time.Duration(c.API.BackoffInitialMs) * time.Millisecond
}

// BackoffMax returns the retry delay ceiling.
func (c Config) BackoffMax() time.Duration {
	return time.Duration(c.API.BackoffMaxMs) * time.Millisecond
}

// Location resolves the configured timezone. Validate has already checked it.
func (c Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Pipeline.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

// Floor parses the configured entity floor date in UTC.
func (c Config) Floor() time.Time {
	t, err := time.Parse("2006-01-02", c.Pipeline.EntityFloor)
	if err != nil {
		return time.Time{}
	}
	return t.UTC()
}

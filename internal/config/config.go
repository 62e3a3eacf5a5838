package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pelletier/go-toml/v2"
)

// Config holds all application configuration
type Config struct {
	Store         StoreConfig         `toml:"store"`
	Forecast      ForecastConfig      `toml:"forecast"`
	Pool          PoolConfig          `toml:"pool"`
	Backoff       BackoffSection      `toml:"backoff"`
	Sample        SampleConfig        `toml:"sample"`
	LineItems     LineItemsConfig     `toml:"line_items"`
	Export        ExportConfig        `toml:"export"`
	Daemon        DaemonConfig        `toml:"daemon"`
	Web           WebConfig           `toml:"web"`
	Notifications NotificationsConfig `toml:"notifications"`
	Logging       LoggingConfig       `toml:"logging"`
}

// StoreConfig holds the job store settings
type StoreConfig struct {
	Path string `toml:"path"`
}

// ForecastConfig holds remote call and batching settings
type ForecastConfig struct {
	Endpoint                    string `toml:"endpoint"`
	APIKey                      string `toml:"api_key"`
	RequestTimeoutSeconds       int    `toml:"request_timeout_seconds"`
	ContendingLineItemBatchSize int    `toml:"contending_line_item_batch_size"`
}

// RequestTimeout returns the hard wall-clock limit for one remote call.
func (f ForecastConfig) RequestTimeout() time.Duration {
	return time.Duration(f.RequestTimeoutSeconds) * time.Second
}

// PoolConfig sizes the worker pool
type PoolConfig struct {
	CoreSize      int `toml:"core_size"`
	MaxSize       int `toml:"max_size"`
	QueueCapacity int `toml:"queue_capacity"`
}

// BackoffTriple configures one exponential backoff policy
type BackoffTriple struct {
	InitialIntervalSeconds int `toml:"initial_interval_seconds"`
	MaxIntervalSeconds     int `toml:"max_interval_seconds"`
	TotalTimeToWaitMinutes int `toml:"total_time_to_wait_minutes"`
}

// BackoffSection holds the three independently tuned backoff policies:
// one for retrying a forecast request, one for retrying a rejected pool
// submission, one for polling phase completion.
type BackoffSection struct {
	Request    BackoffTriple `toml:"request"`
	Submission BackoffTriple `toml:"submission"`
	Polling    BackoffTriple `toml:"polling"`
}

// SampleConfig optionally down-samples the eligible line items for
// non-production runs
type SampleConfig struct {
	Enabled bool `toml:"enabled"`
	Size    int  `toml:"size"`
}

// LineItemsConfig locates the eligible-line-items input file
type LineItemsConfig struct {
	Path string `toml:"path"`
}

// ExportConfig holds the result artifact destination
type ExportConfig struct {
	Dir string `toml:"dir"`
}

// DaemonConfig holds scheduled-run settings
type DaemonConfig struct {
	Cron     string `toml:"cron"`
	InboxDir string `toml:"inbox_dir"`
}

// WebConfig holds status API settings
type WebConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// NotificationsConfig holds notification settings
type NotificationsConfig struct {
	SlackWebhook string `toml:"slack_webhook"`
}

// LoggingConfig holds logger settings
type LoggingConfig struct {
	File  string `toml:"file"`
	Level string `toml:"level"`
}

// Default returns a Config with sensible defaults
func Default() *Config {
	home, _ := os.UserHomeDir()
	base := filepath.Join(home, ".forecast-orchestrator")
	return &Config{
		Store: StoreConfig{
			Path: filepath.Join(base, "forecaster.db"),
		},
		Forecast: ForecastConfig{
			RequestTimeoutSeconds:       120,
			ContendingLineItemBatchSize: 10,
		},
		Pool: PoolConfig{
			CoreSize:      8,
			MaxSize:       16,
			QueueCapacity: 64,
		},
		Backoff: BackoffSection{
			Request:    BackoffTriple{InitialIntervalSeconds: 5, MaxIntervalSeconds: 60, TotalTimeToWaitMinutes: 15},
			Submission: BackoffTriple{InitialIntervalSeconds: 1, MaxIntervalSeconds: 30, TotalTimeToWaitMinutes: 60},
			Polling:    BackoffTriple{InitialIntervalSeconds: 10, MaxIntervalSeconds: 60, TotalTimeToWaitMinutes: 240},
		},
		LineItems: LineItemsConfig{
			Path: filepath.Join(base, "line-items.yaml"),
		},
		Export: ExportConfig{
			Dir: filepath.Join(base, "exports"),
		},
		Daemon: DaemonConfig{
			Cron:     "0 4 * * *",
			InboxDir: filepath.Join(base, "inbox"),
		},
		Web: WebConfig{
			Host: "127.0.0.1",
			Port: 8085,
		},
		Logging: LoggingConfig{
			File:  filepath.Join(base, "forecaster.log"),
			Level: "info",
		},
	}
}

// Load reads configuration from a TOML file, falling back to defaults
func Load(path string) (*Config, error) {
	cfg := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return cfg, nil
		}
		return nil, err
	}

	if err := toml.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	cfg.Store.Path = ExpandPath(cfg.Store.Path)
	cfg.LineItems.Path = ExpandPath(cfg.LineItems.Path)
	cfg.Export.Dir = ExpandPath(cfg.Export.Dir)
	cfg.Daemon.InboxDir = ExpandPath(cfg.Daemon.InboxDir)
	cfg.Logging.File = ExpandPath(cfg.Logging.File)

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks cross-field constraints
func (c *Config) Validate() error {
	if c.Pool.CoreSize <= 0 || c.Pool.MaxSize < c.Pool.CoreSize {
		return fmt.Errorf("pool: core_size must be > 0 and max_size >= core_size (got %d/%d)",
			c.Pool.CoreSize, c.Pool.MaxSize)
	}
	if c.Pool.QueueCapacity < 0 {
		return fmt.Errorf("pool: queue_capacity must be >= 0 (got %d)", c.Pool.QueueCapacity)
	}
	if c.Forecast.RequestTimeoutSeconds <= 0 {
		return fmt.Errorf("forecast: request_timeout_seconds must be > 0 (got %d)",
			c.Forecast.RequestTimeoutSeconds)
	}
	if c.Forecast.ContendingLineItemBatchSize <= 0 {
		return fmt.Errorf("forecast: contending_line_item_batch_size must be > 0 (got %d)",
			c.Forecast.ContendingLineItemBatchSize)
	}
	if c.Sample.Enabled && c.Sample.Size <= 0 {
		return fmt.Errorf("sample: size must be > 0 when sampling is enabled (got %d)", c.Sample.Size)
	}
	for _, b := range []struct {
		name   string
		triple BackoffTriple
	}{
		{"request", c.Backoff.Request},
		{"submission", c.Backoff.Submission},
		{"polling", c.Backoff.Polling},
	} {
		// A zero total wait would map to a policy that never stops retrying.
		if b.triple.InitialIntervalSeconds <= 0 || b.triple.MaxIntervalSeconds < b.triple.InitialIntervalSeconds ||
			b.triple.TotalTimeToWaitMinutes <= 0 {
			return fmt.Errorf("backoff.%s: intervals and total wait must be positive, with max >= initial (got %d/%d/%d)",
				b.name, b.triple.InitialIntervalSeconds, b.triple.MaxIntervalSeconds, b.triple.TotalTimeToWaitMinutes)
		}
	}
	return nil
}

// ExpandPath expands ~ to the user's home directory
func ExpandPath(path string) string {
	if strings.HasPrefix(path, "~/") {
		home, _ := os.UserHomeDir()
		return filepath.Join(home, path[2:])
	}
	return path
}

// DefaultConfigPath returns the default config file location
func DefaultConfigPath() string {
	home, _ := os.UserHomeDir()
	return filepath.Join(home, ".config", "forecast-orchestrator", "config.toml")
}

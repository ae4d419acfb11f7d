// Package config defines all configuration for the alignment gateway.
// Config is loaded from a YAML file (default: configs/config.yaml) with
// sensitive fields overridable via GW_* environment variables.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config is the top-level configuration. Maps directly to the YAML file structure.
type Config struct {
	DryRun   bool           `mapstructure:"dry_run"`
	Exchange ExchangeConfig `mapstructure:"exchange"`
	File     FileConfig     `mapstructure:"file"`
	Planner  PlannerConfig  `mapstructure:"planner"`
	Twap     TwapConfig     `mapstructure:"twap"`
	OSM      OSMConfig      `mapstructure:"osm"`
	Ledger   LedgerConfig   `mapstructure:"ledger"`
	Logging  LoggingConfig  `mapstructure:"logging"`
	Status   StatusConfig   `mapstructure:"status"`
}

// ExchangeConfig holds REST/WS endpoints and credentials for the exchange driver.
type ExchangeConfig struct {
	RESTBaseURL         string        `mapstructure:"rest_base_url"`
	WSBaseURL           string        `mapstructure:"ws_base_url"`
	APIKey              string        `mapstructure:"api_key"`
	APISecret           string        `mapstructure:"api_secret"`
	RequestTimeout      time.Duration `mapstructure:"request_timeout"`
	AccountUpdateTimeout time.Duration `mapstructure:"account_update_timeout"` // default 10s, §4.2
}

// FileConfig controls the target-file watcher.
type FileConfig struct {
	Path             string        `mapstructure:"path"`
	PollInterval     time.Duration `mapstructure:"poll_interval"`     // default 100ms, §4.7
	FeedbackDir      string        `mapstructure:"feedback_dir"`
	OrderCompletionTimeout time.Duration `mapstructure:"order_completion_timeout"` // default 15s, §4.7
}

// PlannerConfig tunes the reconciliation planner (C6).
type PlannerConfig struct {
	AbsoluteTolerance   float64 `mapstructure:"absolute_tolerance"`   // default 1e-6
	RelativeTolerance   float64 `mapstructure:"relative_tolerance"`   // default 0.05
	TwapMinSliceSize    float64 `mapstructure:"twap_min_slice_size"`  // delta above this → TWAP
	DustThreshold       float64 `mapstructure:"dust_threshold"`       // default 1e-9
	MaxPriceDeviationBps int    `mapstructure:"max_price_deviation_bps"`
}

// TwapConfig tunes the TWAP executor (C5).
type TwapConfig struct {
	MinSliceSize      float64       `mapstructure:"min_slice_size"`
	SliceInterval     time.Duration `mapstructure:"slice_interval"`      // default 3s
	FallbackTimeout   time.Duration `mapstructure:"fallback_timeout"`    // default 30s
	FinalSliceWatchdog time.Duration `mapstructure:"final_slice_watchdog"` // default 10s
	PositionCheckDelay time.Duration `mapstructure:"position_check_delay"`
}

// OSMConfig tunes the order state machine (C4).
type OSMConfig struct {
	DefaultSubmitTimeout time.Duration `mapstructure:"default_submit_timeout"` // default 5s
	DefaultCancelTimeout time.Duration `mapstructure:"default_cancel_timeout"` // default 3s
	CleanupInterval      time.Duration `mapstructure:"cleanup_interval"`       // default 1s
	Retention            time.Duration `mapstructure:"retention"`              // default 24h
	DuplicateTolerance   float64       `mapstructure:"duplicate_tolerance"`
	RecentFillWindow     time.Duration `mapstructure:"recent_fill_window"` // default 30s
}

// LedgerConfig controls the OSM crash-recovery journal.
type LedgerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	Path         string        `mapstructure:"path"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// StatusConfig controls the read-only HTTP status endpoint.
type StatusConfig struct {
	Enabled bool `mapstructure:"enabled"`
	Port    int  `mapstructure:"port"`
}

// Load reads config from a YAML file with env var overrides.
// Sensitive fields use env vars: GW_API_KEY, GW_API_SECRET.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigFile(path)
	v.SetEnvPrefix("GW")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("read config: %w", err)
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("unmarshal config: %w", err)
	}

	if key := os.Getenv("GW_API_KEY"); key != "" {
		cfg.Exchange.APIKey = key
	}
	if secret := os.Getenv("GW_API_SECRET"); secret != "" {
		cfg.Exchange.APISecret = secret
	}
	if os.Getenv("GW_DRY_RUN") == "true" || os.Getenv("GW_DRY_RUN") == "1" {
		cfg.DryRun = true
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// applyDefaults fills in the spec's documented defaults for any zero-valued
// duration/threshold field, so a minimal YAML file still behaves per spec.
func (c *Config) applyDefaults() {
	if c.Exchange.AccountUpdateTimeout == 0 {
		c.Exchange.AccountUpdateTimeout = 10 * time.Second
	}
	if c.Exchange.RequestTimeout == 0 {
		c.Exchange.RequestTimeout = 10 * time.Second
	}
	if c.File.PollInterval == 0 {
		c.File.PollInterval = 100 * time.Millisecond
	}
	if c.File.OrderCompletionTimeout == 0 {
		c.File.OrderCompletionTimeout = 15 * time.Second
	}
	if c.File.FeedbackDir == "" {
		c.File.FeedbackDir = "results"
	}
	if c.Planner.AbsoluteTolerance == 0 {
		c.Planner.AbsoluteTolerance = 1e-6
	}
	if c.Planner.RelativeTolerance == 0 {
		c.Planner.RelativeTolerance = 0.05
	}
	if c.Planner.DustThreshold == 0 {
		c.Planner.DustThreshold = 1e-9
	}
	if c.Twap.SliceInterval == 0 {
		c.Twap.SliceInterval = 3 * time.Second
	}
	if c.Twap.FallbackTimeout == 0 {
		c.Twap.FallbackTimeout = 30 * time.Second
	}
	if c.Twap.FinalSliceWatchdog == 0 {
		c.Twap.FinalSliceWatchdog = 10 * time.Second
	}
	if c.OSM.DefaultSubmitTimeout == 0 {
		c.OSM.DefaultSubmitTimeout = 5 * time.Second
	}
	if c.OSM.DefaultCancelTimeout == 0 {
		c.OSM.DefaultCancelTimeout = 3 * time.Second
	}
	if c.OSM.CleanupInterval == 0 {
		c.OSM.CleanupInterval = time.Second
	}
	if c.OSM.Retention == 0 {
		c.OSM.Retention = 24 * time.Hour
	}
	if c.OSM.RecentFillWindow == 0 {
		c.OSM.RecentFillWindow = 30 * time.Second
	}
	if c.OSM.DuplicateTolerance == 0 {
		c.OSM.DuplicateTolerance = 1e-8
	}
}

// Validate checks all required fields and value ranges.
func (c *Config) Validate() error {
	if c.Exchange.RESTBaseURL == "" {
		return fmt.Errorf("exchange.rest_base_url is required")
	}
	if c.File.Path == "" {
		return fmt.Errorf("file.path is required")
	}
	if c.Planner.TwapMinSliceSize <= 0 {
		return fmt.Errorf("planner.twap_min_slice_size must be > 0")
	}
	if c.Twap.MinSliceSize <= 0 {
		return fmt.Errorf("twap.min_slice_size must be > 0")
	}
	return nil
}

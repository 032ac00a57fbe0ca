// Package config provides configuration management for the market gateway.
package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	yaml "gopkg.in/yaml.v3"
)

const (
	// defaultCacheTTL is used when cache.ttl is unset. Observed provider
	// freshness makes a few seconds the useful range.
	defaultCacheTTL = 5 * time.Second
	// defaultWeightTolerance is the accepted deviation of basket weights
	// from 100 percent, inclusive on the boundary.
	defaultWeightTolerance = 0.5
	// defaultBatchSize is the provider-imposed instrument ceiling per bulk call.
	defaultBatchSize = 50
	// defaultMaxParallelBatches bounds in-flight bulk batches per request.
	defaultMaxParallelBatches = 4
	// defaultRotationHour is the provider's daily credential cutover (civil time).
	defaultRotationHour = 6
	// defaultSafetyMargin backs credential expiry off the cutover boundary.
	defaultSafetyMargin = 60 * time.Second
)

// Config represents the complete application configuration.
type Config struct {
	Environment   EnvironmentConfig   `yaml:"environment"`
	Provider      ProviderConfig      `yaml:"provider"`
	Cache         CacheConfig         `yaml:"cache"`
	Quotes        QuotesConfig        `yaml:"quotes"`
	Basket        BasketConfig        `yaml:"basket"`
	SquareOff     SquareOffConfig     `yaml:"squareoff"`
	Storage       StorageConfig       `yaml:"storage"`
	Notifications NotificationsConfig `yaml:"notifications"`
	Dashboard     DashboardConfig     `yaml:"dashboard"`
}

// EnvironmentConfig defines the environment settings.
type EnvironmentConfig struct {
	Mode     string `yaml:"mode"`      // paper | live
	LogLevel string `yaml:"log_level"` // debug | info | warn | error
}

// ProviderConfig defines market-data provider API settings.
type ProviderConfig struct {
	APIKey       string        `yaml:"api_key"`
	APISecret    string        `yaml:"api_secret"`
	BaseURL      string        `yaml:"base_url"`
	Timezone     string        `yaml:"timezone"` // provider's civil time zone
	Timeout      time.Duration `yaml:"timeout"`
	RotationHour int           `yaml:"rotation_hour"`
	SafetyMargin time.Duration `yaml:"safety_margin"`
}

// CacheConfig defines price cache settings.
type CacheConfig struct {
	TTL time.Duration `yaml:"ttl"`
}

// QuotesConfig defines bulk quote request shaping.
type QuotesConfig struct {
	BatchSize          int `yaml:"batch_size"`
	MaxParallelBatches int `yaml:"max_parallel_batches"`
}

// BasketConfig defines basket rebalance validation parameters.
type BasketConfig struct {
	WeightTolerance float64 `yaml:"weight_tolerance"`
}

// SquareOffConfig defines the daily intraday force-close window in the
// provider's civil time.
type SquareOffConfig struct {
	WindowStart string `yaml:"window_start"` // "HH:MM"
	WindowEnd   string `yaml:"window_end"`   // "HH:MM"
}

// StorageConfig defines persistence settings.
type StorageConfig struct {
	Path string `yaml:"path"`
}

// NotificationsConfig defines the Kafka notification collaborator.
type NotificationsConfig struct {
	Enabled bool     `yaml:"enabled"`
	Brokers []string `yaml:"brokers"`
	Topic   string   `yaml:"topic"`
}

// DashboardConfig defines the admin HTTP surface.
type DashboardConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Port      int    `yaml:"port"`
	AuthToken string `yaml:"auth_token"`
}

// Load reads and parses the configuration file from the specified path.
func Load(configPath string) (*Config, error) {
	if configPath == "" {
		configPath = "config.yaml"
	}

	data, err := os.ReadFile(configPath) // #nosec G304 -- configPath is a user-provided config file path
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	var config Config
	dec := yaml.NewDecoder(strings.NewReader(expanded))
	dec.KnownFields(true)
	if err := dec.Decode(&config); err != nil {
		return nil, fmt.Errorf("parsing config: %w", err)
	}

	config.applyDefaults()
	if err := config.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	return &config, nil
}

func (c *Config) applyDefaults() {
	if c.Provider.Timezone == "" {
		c.Provider.Timezone = "Asia/Kolkata"
	}
	if c.Provider.Timeout == 0 {
		c.Provider.Timeout = 10 * time.Second
	}
	if c.Provider.RotationHour == 0 {
		c.Provider.RotationHour = defaultRotationHour
	}
	if c.Provider.SafetyMargin == 0 {
		c.Provider.SafetyMargin = defaultSafetyMargin
	}
	if c.Cache.TTL == 0 {
		c.Cache.TTL = defaultCacheTTL
	}
	if c.Quotes.BatchSize == 0 {
		c.Quotes.BatchSize = defaultBatchSize
	}
	if c.Quotes.MaxParallelBatches == 0 {
		c.Quotes.MaxParallelBatches = defaultMaxParallelBatches
	}
	if c.Basket.WeightTolerance == 0 {
		c.Basket.WeightTolerance = defaultWeightTolerance
	}
	if c.SquareOff.WindowStart == "" {
		c.SquareOff.WindowStart = "15:25"
	}
	if c.SquareOff.WindowEnd == "" {
		c.SquareOff.WindowEnd = "15:30"
	}
}

// Validate checks that all configuration values are valid and consistent.
func (c *Config) Validate() error {
	if c.Environment.Mode != "paper" && c.Environment.Mode != "live" {
		return fmt.Errorf("environment.mode must be 'paper' or 'live'")
	}

	if c.Provider.APIKey == "" {
		return fmt.Errorf("provider.api_key is required")
	}
	if c.Provider.APISecret == "" {
		return fmt.Errorf("provider.api_secret is required")
	}
	if _, err := time.LoadLocation(c.Provider.Timezone); err != nil {
		return fmt.Errorf("provider.timezone invalid: %w", err)
	}
	if c.Provider.RotationHour < 0 || c.Provider.RotationHour > 23 {
		return fmt.Errorf("provider.rotation_hour must be in [0,23]")
	}
	if c.Provider.Timeout <= 0 {
		return fmt.Errorf("provider.timeout must be > 0")
	}

	if c.Cache.TTL <= 0 {
		return fmt.Errorf("cache.ttl must be > 0")
	}
	if c.Quotes.BatchSize <= 0 {
		return fmt.Errorf("quotes.batch_size must be > 0")
	}
	if c.Quotes.MaxParallelBatches <= 0 {
		return fmt.Errorf("quotes.max_parallel_batches must be > 0")
	}
	if c.Basket.WeightTolerance <= 0 || c.Basket.WeightTolerance >= 100 {
		return fmt.Errorf("basket.weight_tolerance must be in (0,100)")
	}

	if c.Storage.Path == "" {
		return fmt.Errorf("storage.path is required")
	}

	loc, _ := time.LoadLocation(c.Provider.Timezone)
	s, err1 := time.ParseInLocation("15:04", c.SquareOff.WindowStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.SquareOff.WindowEnd, loc)
	if err1 != nil || err2 != nil ||
		(s.Hour() > e.Hour() || (s.Hour() == e.Hour() && s.Minute() >= e.Minute())) {
		return fmt.Errorf("squareoff window invalid (start/end parse/order)")
	}

	if c.Notifications.Enabled {
		if len(c.Notifications.Brokers) == 0 {
			return fmt.Errorf("notifications.brokers is required when notifications are enabled")
		}
		if c.Notifications.Topic == "" {
			return fmt.Errorf("notifications.topic is required when notifications are enabled")
		}
	}
	if c.Dashboard.Enabled && (c.Dashboard.Port <= 0 || c.Dashboard.Port > 65535) {
		return fmt.Errorf("dashboard.port must be a valid TCP port")
	}

	return nil
}

// IsPaperMode returns true if the engine runs without live notifications.
func (c *Config) IsPaperMode() bool {
	return c.Environment.Mode == "paper"
}

// ProviderLocation returns the provider's civil time zone.
func (c *Config) ProviderLocation() *time.Location {
	loc, err := time.LoadLocation(c.Provider.Timezone)
	if err != nil {
		// Fallback for minimal containers
		return time.FixedZone("IST", 5*3600+1800)
	}
	return loc
}

// SquareOffWindow returns the daily window bounds as minutes since midnight.
func (c *Config) SquareOffWindow() (startMin, endMin int) {
	loc := c.ProviderLocation()
	s, err1 := time.ParseInLocation("15:04", c.SquareOff.WindowStart, loc)
	e, err2 := time.ParseInLocation("15:04", c.SquareOff.WindowEnd, loc)
	if err1 != nil || err2 != nil {
		// Safe defaults if misconfigured
		return 15*60 + 25, 15*60 + 30
	}
	return s.Hour()*60 + s.Minute(), e.Hour()*60 + e.Minute()
}

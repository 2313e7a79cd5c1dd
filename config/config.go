package config

import (
	"fmt"
	"os"
	"regexp"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Oddsflow  OddsflowConfig  `yaml:"oddsflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Events    EventsConfig    `yaml:"events"`
	Freshness FreshnessConfig `yaml:"freshness"`
	Cache     CacheConfig     `yaml:"cache"`
	Venues    VenuesConfig    `yaml:"venues"`
}

type OddsflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	Enabled    bool             `yaml:"enabled"`
	Interval   time.Duration    `yaml:"interval"`
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
}

type EventsConfig struct {
	// BufferSize is the per-subscriber channel capacity; full subscribers drop.
	BufferSize int `yaml:"buffer_size"`
	// ConnBuffer is the capacity of the per-venue inbound event channel.
	ConnBuffer int `yaml:"conn_buffer"`
}

type FreshnessConfig struct {
	StaleThreshold      time.Duration `yaml:"stale_threshold"`
	CheckInterval       time.Duration `yaml:"check_interval"`
	StaleCountThreshold int           `yaml:"stale_count_threshold"`
	FallbackEnabled     bool          `yaml:"fallback_enabled"`
	PollInterval        time.Duration `yaml:"poll_interval"`
}

type CacheConfig struct {
	TTL        time.Duration `yaml:"ttl"`
	MaxEntries int           `yaml:"max_entries"`
}

type VenuesConfig struct {
	Polymarket VenueConfig `yaml:"polymarket"`
	Kalshi     VenueConfig `yaml:"kalshi"`
	Limitless  VenueConfig `yaml:"limitless"`
}

type VenueConfig struct {
	Enabled        bool            `yaml:"enabled"`
	WSURL          string          `yaml:"ws_url"`
	RESTURL        string          `yaml:"rest_url"`
	Symbols        []string        `yaml:"symbols"`
	RequestTimeout time.Duration   `yaml:"request_timeout"`
	Backoff        BackoffConfig   `yaml:"backoff"`
	RateLimit      RateLimitConfig `yaml:"rate_limit"`
}

type BackoffConfig struct {
	Base        time.Duration `yaml:"base"`
	Max         time.Duration `yaml:"max"`
	MaxAttempts int           `yaml:"max_attempts"`
}

type RateLimitConfig struct {
	RequestsPerSecond float64 `yaml:"requests_per_second"`
	BurstSize         int     `yaml:"burst_size"`
}

var envVarPattern = regexp.MustCompile(`\$\{([A-Za-z_][A-Za-z0-9_]*)\}`)

// expandEnv replaces ${VAR} references in the raw config with the
// corresponding environment variable values. Unset variables expand to
// an empty string.
func expandEnv(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		name := envVarPattern.FindSubmatch(match)[1]
		return []byte(os.Getenv(string(name)))
	})
}

// LoadConfig reads and validates the configuration file at path. A missing
// file is not an error: the built-in defaults are returned so the engine can
// run against the public venue endpoints without any local setup.
func LoadConfig(path string) (*Config, error) {
	config := Default()

	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return config, nil
		}
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	if err := yaml.Unmarshal(expandEnv(data), config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if err := validateConfig(config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return config, nil
}

// Default returns the configuration the engine uses when no file overrides it.
func Default() *Config {
	return &Config{
		Oddsflow: OddsflowConfig{
			Name:    "oddsflow",
			Version: "dev",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
			Output: "stdout",
		},
		Metrics: MetricsConfig{
			Interval: 30 * time.Second,
			CloudWatch: CloudWatchConfig{
				Namespace: "Oddsflow",
			},
		},
		Events: EventsConfig{
			BufferSize: 256,
			ConnBuffer: 1024,
		},
		Freshness: FreshnessConfig{
			StaleThreshold:      5 * time.Second,
			CheckInterval:       time.Second,
			StaleCountThreshold: 3,
			FallbackEnabled:     true,
			PollInterval:        5 * time.Second,
		},
		Cache: CacheConfig{
			TTL:        30 * time.Second,
			MaxEntries: 512,
		},
		Venues: VenuesConfig{
			Polymarket: VenueConfig{
				Enabled:        true,
				WSURL:          "wss://ws-subscriptions-clob.polymarket.com/ws/market",
				RESTURL:        "https://clob.polymarket.com",
				RequestTimeout: 12 * time.Second,
				Backoff:        BackoffConfig{Base: time.Second, Max: 30 * time.Second},
				RateLimit:      RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10},
			},
			Kalshi: VenueConfig{
				Enabled:        true,
				WSURL:          "wss://api.elections.kalshi.com/trade-api/ws/v2",
				RESTURL:        "https://api.elections.kalshi.com/trade-api/v2",
				RequestTimeout: 12 * time.Second,
				Backoff:        BackoffConfig{Base: time.Second, Max: 30 * time.Second},
				RateLimit:      RateLimitConfig{RequestsPerSecond: 5, BurstSize: 10},
			},
			Limitless: VenueConfig{
				Enabled:        true,
				WSURL:          "wss://ws.limitless.exchange/v1",
				RESTURL:        "https://api.limitless.exchange/v1",
				RequestTimeout: 12 * time.Second,
				Backoff:        BackoffConfig{Base: 5 * time.Second, Max: 60 * time.Second, MaxAttempts: 5},
				RateLimit:      RateLimitConfig{RequestsPerSecond: 2, BurstSize: 4},
			},
		},
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Oddsflow.Name == "" {
		return fmt.Errorf("oddsflow.name is required")
	}
	if cfg.Freshness.CheckInterval <= 0 {
		return fmt.Errorf("freshness.check_interval must be positive")
	}
	if cfg.Freshness.StaleThreshold <= 0 {
		return fmt.Errorf("freshness.stale_threshold must be positive")
	}
	if cfg.Freshness.StaleCountThreshold <= 0 {
		return fmt.Errorf("freshness.stale_count_threshold must be positive")
	}
	if cfg.Cache.MaxEntries <= 0 {
		return fmt.Errorf("cache.max_entries must be positive")
	}
	for name, vc := range map[string]VenueConfig{
		"polymarket": cfg.Venues.Polymarket,
		"kalshi":     cfg.Venues.Kalshi,
		"limitless":  cfg.Venues.Limitless,
	} {
		if !vc.Enabled {
			continue
		}
		if vc.WSURL == "" {
			return fmt.Errorf("venues.%s.ws_url is required", name)
		}
		if vc.RESTURL == "" {
			return fmt.Errorf("venues.%s.rest_url is required", name)
		}
		if vc.Backoff.Base <= 0 || vc.Backoff.Max < vc.Backoff.Base {
			return fmt.Errorf("venues.%s.backoff is invalid", name)
		}
	}
	return nil
}

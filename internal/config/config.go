// Package config loads the market engine configuration from YAML, an
// optional .env file and environment overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"gopkg.in/yaml.v3"
)

// Config is the full service configuration.
type Config struct {
	Server  ServerConfig   `yaml:"server"`
	Engine  EngineConfig   `yaml:"engine"`
	Pricing PricingConfig  `yaml:"pricing"`
	Storage StorageConfig  `yaml:"storage"`
	Log     LogConfig      `yaml:"log"`
	Markets []MarketConfig `yaml:"markets"`
}

type ServerConfig struct {
	Port string `yaml:"port"`
	// TradeRPS and TradeBurst bound order submissions per client address.
	TradeRPS   float64 `yaml:"trade_rps"`
	TradeBurst int     `yaml:"trade_burst"`
}

type EngineConfig struct {
	StartingBalance decimal.Decimal `yaml:"starting_balance"`
}

type PricingConfig struct {
	IntervalMS int     `yaml:"interval_ms"`
	MaxStep    float64 `yaml:"max_step"`
}

// StorageConfig selects the optional layers around the in-memory ledger.
// Empty values disable the layer.
type StorageConfig struct {
	DatabaseURL string `yaml:"database_url"`
	RedisURL    string `yaml:"redis_url"`
	SQLiteDSN   string `yaml:"sqlite_dsn"`   // trade archive file, used when no DatabaseURL
	CacheTTLMS  int    `yaml:"cache_ttl_ms"` // capped at the tick interval
}

type LogConfig struct {
	Level  string `yaml:"level"`  // debug | info | warn | error
	Format string `yaml:"format"` // text | json
}

// MarketConfig seeds one market at startup.
type MarketConfig struct {
	ID               int64  `yaml:"id"`
	Category         string `yaml:"category"`
	Title            string `yaml:"title"`
	YesPrice         int    `yaml:"yes_price"`
	DaysToResolution int    `yaml:"days_to_resolution"`
}

// Load reads path and applies .env and environment overrides. A missing
// file yields the defaults.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	var cfg Config
	if path != "" {
		data, err := os.ReadFile(path)
		switch {
		case errors.Is(err, fs.ErrNotExist):
		case err != nil:
			return nil, fmt.Errorf("config.Load: read %q: %w", path, err)
		default:
			if err := yaml.Unmarshal(data, &cfg); err != nil {
				return nil, fmt.Errorf("config.Load: parse YAML: %w", err)
			}
		}
	}

	applyEnvOverrides(&cfg)
	setDefaults(&cfg)

	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("config.Load: %w", err)
	}
	return &cfg, nil
}

// TickInterval returns the price process interval.
func (c *Config) TickInterval() time.Duration {
	return time.Duration(c.Pricing.IntervalMS) * time.Millisecond
}

// CacheTTL returns the Redis market cache TTL. A cached market row never
// outlives one price tick.
func (c *Config) CacheTTL() time.Duration {
	return min(time.Duration(c.Storage.CacheTTLMS)*time.Millisecond, c.TickInterval())
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("PORT"); v != "" {
		cfg.Server.Port = v
	}
	if v := os.Getenv("DATABASE_URL"); v != "" {
		cfg.Storage.DatabaseURL = v
	}
	if v := os.Getenv("REDIS_URL"); v != "" {
		cfg.Storage.RedisURL = v
	}
	if v := os.Getenv("ARCHIVE_SQLITE_DSN"); v != "" {
		cfg.Storage.SQLiteDSN = v
	}
	if v := os.Getenv("LOG_LEVEL"); v != "" {
		cfg.Log.Level = v
	}
	if v := os.Getenv("LOG_FORMAT"); v != "" {
		cfg.Log.Format = v
	}
}

func setDefaults(cfg *Config) {
	if cfg.Server.Port == "" {
		cfg.Server.Port = "8080"
	}
	if cfg.Server.TradeRPS <= 0 {
		cfg.Server.TradeRPS = 20
	}
	if cfg.Server.TradeBurst <= 0 {
		cfg.Server.TradeBurst = 40
	}
	if !cfg.Engine.StartingBalance.IsPositive() {
		cfg.Engine.StartingBalance = decimal.NewFromInt(10000)
	}
	if cfg.Pricing.IntervalMS <= 0 {
		cfg.Pricing.IntervalMS = 500
	}
	if cfg.Pricing.MaxStep <= 0 {
		cfg.Pricing.MaxStep = 1.5
	}
	if cfg.Storage.CacheTTLMS <= 0 {
		cfg.Storage.CacheTTLMS = cfg.Pricing.IntervalMS
	}
	if cfg.Log.Level == "" {
		cfg.Log.Level = "info"
	}
	if cfg.Log.Format == "" {
		cfg.Log.Format = "json"
	}
	for i := range cfg.Markets {
		if cfg.Markets[i].YesPrice == 0 {
			cfg.Markets[i].YesPrice = 50
		}
	}
}

func (c *Config) validate() error {
	seen := make(map[int64]bool, len(c.Markets))
	for _, m := range c.Markets {
		if m.ID <= 0 {
			return fmt.Errorf("market %q: id must be positive", m.Title)
		}
		if seen[m.ID] {
			return fmt.Errorf("market %d: duplicate id", m.ID)
		}
		seen[m.ID] = true
		if m.Title == "" {
			return fmt.Errorf("market %d: title is required", m.ID)
		}
		if m.YesPrice < 1 || m.YesPrice > 99 {
			return fmt.Errorf("market %d: yes_price %d outside [1, 99]", m.ID, m.YesPrice)
		}
	}
	return nil
}

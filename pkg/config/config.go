package config

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
)

// Application settings
type Config struct {
	Server         ServerConfig
	Logging        LoggingConfig
	SearchAds      SearchAdsConfig
	Fetch          FetchConfig
	Attribution    AttributionConfig
	Store          StoreConfig
	Export         ExportConfig
	CircuitBreaker CircuitBreakerConfig
}

// Server settings
type ServerConfig struct {
	Port           string        `env:"PORT" envDefault:"8080"`
	RequestTimeout time.Duration `env:"REQUEST_TIMEOUT" envDefault:"30s"`
}

// Logging settings
type LoggingConfig struct {
	Level string `env:"LOG_LEVEL" envDefault:"info"`
}

// Reporting API credentials and endpoints
type SearchAdsConfig struct {
	ClientID     string        `env:"SEARCH_ADS_CLIENT_ID"`
	ClientSecret string        `env:"SEARCH_ADS_CLIENT_SECRET"`
	TokenURL     string        `env:"SEARCH_ADS_TOKEN_URL" envDefault:"https://appleid.apple.com/auth/oauth2/token"`
	APIURL       string        `env:"SEARCH_ADS_API_URL" envDefault:"https://api.searchads.apple.com/api/v5"`
	Scope        string        `env:"SEARCH_ADS_SCOPE" envDefault:"searchadsorg"`
	OrgIDs       []string      `env:"SEARCH_ADS_ORG_IDS" envSeparator:","`
	HTTPTimeout  time.Duration `env:"SEARCH_ADS_HTTP_TIMEOUT" envDefault:"30s"`
}

type FetchConfig struct {
	MaxRetries        int           `env:"MAX_RETRIES" envDefault:"3"`
	RetryBaseDelay    time.Duration `env:"RETRY_BASE_DELAY" envDefault:"1s"`
	RateLimitInterval time.Duration `env:"RATE_LIMIT_INTERVAL" envDefault:"100ms"`
	CacheTTL          time.Duration `env:"CACHE_TTL" envDefault:"15m"`
	TokenExpiryBuffer time.Duration `env:"TOKEN_EXPIRY_BUFFER" envDefault:"5m"`
	DefaultPageLimit  int           `env:"DEFAULT_PAGE_LIMIT" envDefault:"1000"`
	FetchTimeout      time.Duration `env:"FETCH_TIMEOUT" envDefault:"2m"`
}

type AttributionConfig struct {
	WindowDays      int     `env:"ATTRIBUTION_WINDOW_DAYS" envDefault:"7"`
	FetchBufferDays int     `env:"ATTRIBUTION_FETCH_BUFFER_DAYS" envDefault:"1"`
	MinConfidence   float64 `env:"MIN_CONFIDENCE" envDefault:"0.6"`
}

const (
	StoreMemory = "memory"
	StoreRedis  = "redis"
	StoreBadger = "badger"
)

type StoreConfig struct {
	Driver        string `env:"STORE_DRIVER" envDefault:"memory"`
	RedisAddr     string `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string `env:"REDIS_PASSWORD"`
	RedisDB       int    `env:"REDIS_DB" envDefault:"0"`
	BadgerPath    string `env:"BADGER_PATH" envDefault:"./data/badger"`
	KeyPrefix     string `env:"STORE_KEY_PREFIX" envDefault:"attribgo:"`
}

type ExportConfig struct {
	SinkURL    string `env:"SINK_URL"`
	SinkSecret string `env:"SINK_SECRET"`
}

type CircuitBreakerConfig struct {
	FailureThreshold uint32        `env:"BREAKER_FAILURE_THRESHOLD" envDefault:"5"`
	Timeout          time.Duration `env:"BREAKER_TIMEOUT" envDefault:"1m"`
}

func Load() (*Config, error) {
	config := &Config{}
	if err := env.Parse(config); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return config, nil
}

func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case StoreMemory, StoreRedis, StoreBadger:
	default:
		errs = append(errs, fmt.Errorf("unknown STORE_DRIVER %q", c.Store.Driver))
	}
	if c.Fetch.MaxRetries < 0 {
		errs = append(errs, errors.New("MAX_RETRIES must not be negative"))
	}
	if c.Fetch.RateLimitInterval < 0 {
		errs = append(errs, errors.New("RATE_LIMIT_INTERVAL must not be negative"))
	}
	if c.Fetch.CacheTTL <= 0 {
		errs = append(errs, errors.New("CACHE_TTL must be positive"))
	}
	if c.Fetch.DefaultPageLimit <= 0 {
		errs = append(errs, errors.New("DEFAULT_PAGE_LIMIT must be positive"))
	}
	if c.Fetch.FetchTimeout <= 0 {
		errs = append(errs, errors.New("FETCH_TIMEOUT must be positive"))
	}
	if c.Attribution.WindowDays <= 0 {
		errs = append(errs, errors.New("ATTRIBUTION_WINDOW_DAYS must be positive"))
	}
	if c.Attribution.FetchBufferDays < 0 {
		errs = append(errs, errors.New("ATTRIBUTION_FETCH_BUFFER_DAYS must not be negative"))
	}
	if c.Attribution.MinConfidence < 0 || c.Attribution.MinConfidence > 1 {
		errs = append(errs, errors.New("MIN_CONFIDENCE must be within [0,1]"))
	}

	if len(errs) > 0 {
		return fmt.Errorf("invalid configuration: %w", errors.Join(errs...))
	}
	return nil
}

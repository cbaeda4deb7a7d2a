// Package config reads engine settings from the environment.
//
// Variables carry the TILEMAP_ prefix and are grouped by section, for
// example TILEMAP_LOADER_URL or TILEMAP_CACHE_STORE. A .env file in the
// working directory is loaded first when present.
package config

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"

	"github.com/gogpu/tilemap/internal/logging"
	"github.com/gogpu/tilemap/loader"
	"github.com/gogpu/tilemap/store"
)

// Prefix is prepended to every variable name.
const Prefix = "TILEMAP_"

type (
	Config struct {
		Loader Loader `envPrefix:"LOADER_"`
		Cache  Cache  `envPrefix:"CACHE_"`
		Redis  Redis  `envPrefix:"REDIS_"`
		GPU    GPU    `envPrefix:"GPU_"`

		// Workers is the size of the decode and tessellation pool. Zero
		// means GOMAXPROCS.
		Workers     int    `env:"WORKERS" envDefault:"0" validate:"gte=0"`
		LogLevel    string `env:"LOG_LEVEL" envDefault:"info" validate:"oneof=debug info warn error"`
		MetricsAddr string `env:"METRICS_ADDR" envDefault:":9090"`

		// TraceEndpoint is an OTLP/gRPC collector address. Empty disables
		// trace export.
		TraceEndpoint string `env:"TRACE_ENDPOINT" validate:"omitempty,hostname_port"`
	}

	Loader struct {
		// URL is a template with {z}, {x}, {y} and optional {s}.
		URL        string   `env:"URL" validate:"required_without=Root"`
		Subdomains []string `env:"SUBDOMAINS" envSeparator:","`
		// Root serves tiles from a directory instead of HTTP.
		Root      string `env:"ROOT"`
		UserAgent string `env:"USER_AGENT" envDefault:"tilemap/1.0"`

		MaxAttempts     int           `env:"MAX_ATTEMPTS" envDefault:"3" validate:"gte=1"`
		InitialInterval time.Duration `env:"INITIAL_INTERVAL" envDefault:"200ms" validate:"gt=0"`
		MaxInterval     time.Duration `env:"MAX_INTERVAL" envDefault:"5s" validate:"gtefield=InitialInterval"`
		Multiplier      float64       `env:"MULTIPLIER" envDefault:"2" validate:"gte=1"`
		Jitter          float64       `env:"JITTER" envDefault:"0.5" validate:"gte=0,lte=1"`
		Timeout         time.Duration `env:"TIMEOUT" envDefault:"30s" validate:"gte=0"`
	}

	Cache struct {
		CapacityBytes int64         `env:"CAPACITY_BYTES" envDefault:"100000000" validate:"gt=0"`
		RetryAfter    time.Duration `env:"RETRY_AFTER" envDefault:"5s" validate:"gte=0"`
		MaxRefetch    int           `env:"MAX_REFETCH" envDefault:"3" validate:"gte=0"`

		Store   string `env:"STORE" envDefault:"none" validate:"oneof=none dir sqlite redis"`
		Dir     string `env:"DIR" validate:"required_if=Store dir"`
		DSN     string `env:"DSN" validate:"required_if=Store sqlite"`
		Pattern string `env:"PATTERN" envDefault:"{scheme}/{style}/{z}/{x}/{y}.tile"`
	}

	Redis struct {
		Addr     string        `env:"ADDR" envDefault:"localhost:6379"`
		Password string        `env:"PASSWORD"`
		DB       int           `env:"DB" envDefault:"0" validate:"gte=0"`
		TTL      time.Duration `env:"TTL" envDefault:"24h"`
	}

	GPU struct {
		BudgetBytes int64 `env:"BUDGET_BYTES" envDefault:"268435456" validate:"gt=0"`
	}
)

// Load reads .env if present, parses the environment and validates it.
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil {
		logging.L().Debug("config: .env not loaded", "error", err)
	}
	return Parse(env.Options{Prefix: Prefix})
}

// Default returns the built-in settings without reading the environment.
// It is not validated: no tile source is set.
func Default() *Config {
	cfg, err := env.ParseAsWithOptions[Config](env.Options{Environment: map[string]string{}})
	if err != nil {
		panic("config: invalid defaults: " + err.Error())
	}
	return &cfg
}

// Parse parses the environment with opts and validates the result.
func Parse(opts env.Options) (*Config, error) {
	cfg, err := env.ParseAsWithOptions[Config](opts)
	if err != nil {
		return nil, fmt.Errorf("config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks field constraints.
func (c *Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		return fmt.Errorf("config: %w", err)
	}
	if c.Cache.Pattern != "" {
		if _, err := store.XYZPath(c.Cache.Pattern); err != nil {
			return fmt.Errorf("config: CACHE_PATTERN: %w", err)
		}
	}
	return nil
}

// RetryPolicy returns the loader retry settings.
func (c *Config) RetryPolicy() loader.RetryPolicy {
	return loader.RetryPolicy{
		MaxAttempts:     c.Loader.MaxAttempts,
		InitialInterval: c.Loader.InitialInterval,
		MaxInterval:     c.Loader.MaxInterval,
		Multiplier:      c.Loader.Multiplier,
		Jitter:          c.Loader.Jitter,
	}
}

// StoreOptions returns the persistent tier settings.
func (c *Config) StoreOptions() store.Options {
	return store.Options{
		Kind:    c.Cache.Store,
		Dir:     c.Cache.Dir,
		Pattern: c.Cache.Pattern,
		DSN:     c.Cache.DSN,
		Redis: store.RedisConfig{
			Addr:     c.Redis.Addr,
			Password: c.Redis.Password,
			DB:       c.Redis.DB,
			TTL:      c.Redis.TTL,
		},
	}
}

// Fetcher returns the tile source described by the loader section.
func (c *Config) Fetcher() (loader.Fetcher, error) {
	if c.Loader.Root != "" {
		path, err := store.XYZPath(c.Cache.Pattern)
		if err != nil {
			return nil, fmt.Errorf("config: %w", err)
		}
		return &loader.FileFetcher{Root: c.Loader.Root, Path: path}, nil
	}
	return loader.NewHTTPFetcher(c.Loader.URL, c.Loader.UserAgent, c.Loader.Subdomains...), nil
}

package main

import (
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"

	"github.com/Sternrassler/dinecache/pkg/logging"
)

// Config is read from the environment.
type Config struct {
	Port      string `env:"PORT" envDefault:"8080"`
	RedisURL  string `env:"REDIS_URL" envDefault:"redis://localhost:6379/0"`
	SourceURL string `env:"SOURCE_URL,required"`

	CachePrefix   string        `env:"CACHE_PREFIX" envDefault:"dc"`
	QueryTimeout  time.Duration `env:"CACHE_QUERY_TIMEOUT" envDefault:"100ms"`
	L1Size        int           `env:"L1_SIZE" envDefault:"10000"`
	L1TTL         time.Duration `env:"L1_TTL" envDefault:"30s"`
	SweepInterval time.Duration `env:"SWEEP_INTERVAL" envDefault:"5m"`

	LogLevel  string `env:"LOG_LEVEL" envDefault:"info"`
	LogPretty bool   `env:"LOG_PRETTY" envDefault:"false"`
}

func loadConfig() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	if _, err := logging.ParseLevel(cfg.LogLevel); err != nil {
		return Config{}, err
	}
	if cfg.L1TTL <= 0 {
		return Config{}, fmt.Errorf("L1_TTL must be positive (got %s)", cfg.L1TTL)
	}
	return cfg, nil
}

package configs

import (
	"errors"
	"fmt"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

type Config struct {
	ServerPort       string        `env:"SERVER_PORT" envDefault:"8080"`
	DatabaseURL      string        `env:"DATABASE_URL" envDefault:"root:password@tcp(localhost:3306)/droptracker?charset=utf8mb4&parseTime=True&loc=UTC"`
	DatabaseReadURLs []string      `env:"DATABASE_READ_URLS" envSeparator:","`
	RedisURL         string        `env:"REDIS_URL" envDefault:"localhost:6379"`
	JWTSecret        string        `env:"JWT_SECRET" envDefault:"your-secret-key-change-in-production"`
	JWTTTL           time.Duration `env:"JWT_TTL" envDefault:"24h"`
	RateLimitPerHour int           `env:"RATE_LIMIT_PER_HOUR" envDefault:"1000"`
	EnableWebSocket  bool          `env:"ENABLE_WEBSOCKET" envDefault:"true"`

	// Ingestion and cache tuning.
	BatchSize          int           `env:"BATCH_SIZE" envDefault:"5"`
	PartitionCacheTTL  time.Duration `env:"PARTITION_CACHE_TTL" envDefault:"5m"`
	CacheTimeout       time.Duration `env:"CACHE_TIMEOUT" envDefault:"5s"`
	DatabaseTimeout    time.Duration `env:"DATABASE_TIMEOUT" envDefault:"10s"`
	RankingConcurrency int           `env:"RANKING_CONCURRENCY" envDefault:"32"`
	NPCCacheTTL        time.Duration `env:"NPC_CACHE_TTL" envDefault:"1h"`

	LogLevel string `env:"LOG_LEVEL" envDefault:"info"`
	LogJSON  bool   `env:"LOG_JSON" envDefault:"false"`
}

// Load reads an optional .env file and then the process environment.
// Variables already set in the environment win over the file.
func Load(files ...string) (*Config, error) {
	// A missing .env file is not an error.
	_ = godotenv.Load(files...)

	cfg, err := env.ParseAs[Config]()
	if err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func (c *Config) Validate() error {
	var errs []error
	if c.BatchSize < 1 {
		errs = append(errs, fmt.Errorf("BATCH_SIZE must be at least 1, got %d", c.BatchSize))
	}
	if c.CacheTimeout <= 0 {
		errs = append(errs, errors.New("CACHE_TIMEOUT must be positive"))
	}
	if c.DatabaseTimeout <= 0 {
		errs = append(errs, errors.New("DATABASE_TIMEOUT must be positive"))
	}
	if c.PartitionCacheTTL < 0 {
		errs = append(errs, errors.New("PARTITION_CACHE_TTL must not be negative"))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("JWT_SECRET is required"))
	}
	if c.RankingConcurrency < 0 {
		errs = append(errs, errors.New("RANKING_CONCURRENCY must not be negative"))
	}
	return errors.Join(errs...)
}

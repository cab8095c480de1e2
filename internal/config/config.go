// Package config loads service settings from the environment.
package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

// Storage backends.
const (
	StoreMemory   = "memory"
	StorePostgres = "postgres"
	StoreSQLite   = "sqlite"
)

// Config holds everything cmd/api needs to start.
type Config struct {
	HTTPAddr string `env:"MEAL_HTTP_ADDR" envDefault:":8080"`
	GRPCAddr string `env:"MEAL_GRPC_ADDR" envDefault:":9090"`

	Store         string `env:"MEAL_STORE" envDefault:"memory"`
	PostgresDSN   string `env:"MEAL_PG_DSN"`
	SQLitePath    string `env:"MEAL_SQLITE_PATH" envDefault:"meal-pass.db"`
	MigrationsDir string `env:"MEAL_MIGRATIONS_DIR"`
	AutoMigrate   bool   `env:"MEAL_AUTO_MIGRATE" envDefault:"true"`
	SeedDemo      bool   `env:"MEAL_SEED_DEMO" envDefault:"false"`

	AppKey           string        `env:"MEAL_APP_KEY"`
	AuthSecret       string        `env:"MEAL_AUTH_SECRET"`
	CredentialTTL    time.Duration `env:"MEAL_CREDENTIAL_TTL" envDefault:"10m"`
	CredentialLeeway time.Duration `env:"MEAL_CREDENTIAL_LEEWAY" envDefault:"30s"`
	TokenTTL         time.Duration `env:"MEAL_TOKEN_TTL" envDefault:"12h"`

	RateBurst   int   `env:"MEAL_RATE_BURST" envDefault:"20"`
	RatePerSec  int   `env:"MEAL_RATE_PER_SEC" envDefault:"10"`
	MaxBodySize int64 `env:"MEAL_MAX_BODY_BYTES" envDefault:"1048576"`

	ShutdownTimeout time.Duration `env:"MEAL_SHUTDOWN_TIMEOUT" envDefault:"10s"`
}

// Load parses the environment and validates the result.
func Load() (Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return Config{}, fmt.Errorf("parse env: %w", err)
	}
	cfg.Store = strings.ToLower(strings.TrimSpace(cfg.Store))
	if strings.TrimSpace(cfg.AuthSecret) == "" {
		cfg.AuthSecret = cfg.AppKey
	}
	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

// Validate reports every invalid setting at once.
func (c Config) Validate() error {
	var errs []error
	if strings.TrimSpace(c.AppKey) == "" {
		errs = append(errs, errors.New("MEAL_APP_KEY is required"))
	}
	switch c.Store {
	case StoreMemory:
	case StorePostgres:
		if strings.TrimSpace(c.PostgresDSN) == "" {
			errs = append(errs, errors.New("MEAL_PG_DSN is required for the postgres store"))
		}
	case StoreSQLite:
		if strings.TrimSpace(c.SQLitePath) == "" {
			errs = append(errs, errors.New("MEAL_SQLITE_PATH is required for the sqlite store"))
		}
	default:
		errs = append(errs, fmt.Errorf("MEAL_STORE %q is not one of memory, postgres, sqlite", c.Store))
	}
	if c.CredentialTTL <= 0 {
		errs = append(errs, errors.New("MEAL_CREDENTIAL_TTL must be positive"))
	}
	if c.CredentialLeeway < 0 {
		errs = append(errs, errors.New("MEAL_CREDENTIAL_LEEWAY must not be negative"))
	}
	if c.TokenTTL <= 0 {
		errs = append(errs, errors.New("MEAL_TOKEN_TTL must be positive"))
	}
	if c.RateBurst <= 0 || c.RatePerSec <= 0 {
		errs = append(errs, errors.New("MEAL_RATE_BURST and MEAL_RATE_PER_SEC must be positive"))
	}
	if c.MaxBodySize <= 0 {
		errs = append(errs, errors.New("MEAL_MAX_BODY_BYTES must be positive"))
	}
	return errors.Join(errs...)
}

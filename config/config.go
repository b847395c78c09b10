// Package config loads the service configuration from the environment.
package config

import (
	"fmt"
	"time"
	_ "time/tzdata"

	"github.com/caarlos0/env/v11"
	"github.com/layer-3/capsule/core"
)

// Code store backends
const (
	BackendSQLite = "sqlite"
	BackendRedis  = "redis"
	BackendMemory = "memory"
)

// minSecretBytes mirrors the tokenizer's lower bound
const minSecretBytes = 32

// Config holds every runtime setting of the service
type Config struct {
	HTTPAddr     string        `env:"CAPSULE_HTTP_ADDR"     envDefault:":9000"`
	StoreTimeout time.Duration `env:"CAPSULE_STORE_TIMEOUT" envDefault:"3s"`
	SQLitePath   string        `env:"CAPSULE_SQLITE_PATH"   envDefault:"capsule.db"`
	RedisURL     string        `env:"CAPSULE_REDIS_URL"     envDefault:"redis://localhost:6379/0"`
	CodeStore    string        `env:"CAPSULE_CODE_STORE"    envDefault:"redis"`

	JWTSecret  string        `env:"CAPSULE_JWT_SECRET"`
	AccessTTL  time.Duration `env:"CAPSULE_ACCESS_TTL"  envDefault:"2h"`
	RefreshTTL time.Duration `env:"CAPSULE_REFRESH_TTL" envDefault:"168h"`

	CodeTTL      time.Duration `env:"CAPSULE_CODE_TTL"      envDefault:"5m"`
	CodeCooldown time.Duration `env:"CAPSULE_CODE_COOLDOWN" envDefault:"60s"`
	CodeDailyCap int           `env:"CAPSULE_CODE_DAILY_CAP" envDefault:"10"`
	CodeLength   int           `env:"CAPSULE_CODE_LENGTH"   envDefault:"6"`
	Timezone     string        `env:"CAPSULE_TIMEZONE"      envDefault:"UTC"`

	WalletMessageNamesUser bool `env:"CAPSULE_WALLET_MESSAGE_NAMES_USER" envDefault:"true"`

	// Events go to Redis streams unless LogNotifications routes codes to the log
	EventsTopicPrefix string `env:"CAPSULE_EVENTS_TOPIC_PREFIX" envDefault:"capsule"`
	LogNotifications  bool   `env:"CAPSULE_LOG_NOTIFICATIONS"`

	Debug bool `env:"CAPSULE_DEBUG"`
	Trace bool `env:"CAPSULE_TRACE"`
}

// Load parses the environment and validates the result
func Load() (*Config, error) {
	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return nil, fmt.Errorf("parse env: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate rejects settings the service cannot start with
func (c *Config) Validate() error {
	if len(c.JWTSecret) < minSecretBytes {
		return fmt.Errorf("%w: CAPSULE_JWT_SECRET must be at least %d bytes", core.ErrInvalidConfig, minSecretBytes)
	}
	if c.AccessTTL <= 0 || c.RefreshTTL <= 0 {
		return fmt.Errorf("%w: token TTLs must be positive", core.ErrInvalidConfig)
	}
	if c.RefreshTTL <= c.AccessTTL {
		return fmt.Errorf("%w: refresh TTL must exceed access TTL", core.ErrInvalidConfig)
	}
	if c.CodeTTL <= 0 || c.CodeCooldown < 0 {
		return fmt.Errorf("%w: code TTL must be positive and cooldown non-negative", core.ErrInvalidConfig)
	}
	if c.CodeDailyCap <= 0 {
		return fmt.Errorf("%w: daily cap must be positive", core.ErrInvalidConfig)
	}
	if c.CodeLength < 4 || c.CodeLength > 10 {
		return fmt.Errorf("%w: code length must be 4-10 digits", core.ErrInvalidConfig)
	}
	if c.StoreTimeout <= 0 {
		return fmt.Errorf("%w: store timeout must be positive", core.ErrInvalidConfig)
	}

	switch c.CodeStore {
	case BackendSQLite, BackendRedis, BackendMemory:
	default:
		return fmt.Errorf("%w: unknown code store %q", core.ErrInvalidConfig, c.CodeStore)
	}

	if _, err := c.Location(); err != nil {
		return err
	}
	return nil
}

// Location returns the calendar used for daily verification limits
func (c *Config) Location() (*time.Location, error) {
	loc, err := time.LoadLocation(c.Timezone)
	if err != nil {
		return nil, fmt.Errorf("%w: timezone %q: %v", core.ErrInvalidConfig, c.Timezone, err)
	}
	return loc, nil
}

// NeedsRedis reports whether any component talks to Redis
func (c *Config) NeedsRedis() bool {
	return c.CodeStore == BackendRedis || !c.LogNotifications
}

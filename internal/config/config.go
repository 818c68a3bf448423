// Package config loads the server configuration.
//
// Sources, lowest precedence first: built-in defaults, the YAML file named
// by CONFIG_FILE, then environment variables (a .env file in the working
// directory is loaded into the environment first). Load fails fast on
// values that cannot be used.
package config

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
	_ "time/tzdata" // zones resolve in minimal containers

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/weightstock/ledger/internal/logger"
)

// Config holds all configuration for the server.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Log      LogConfig      `yaml:"log"`
	Database DatabaseConfig `yaml:"database"`
	Redis    RedisConfig    `yaml:"redis"`
	Ledger   LedgerConfig   `yaml:"ledger"`
	Auth     AuthConfig     `yaml:"auth"`
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	Port string `yaml:"port"`
	Env  string `yaml:"env"` // "development", "production" or "test"
}

// LogConfig holds logging settings.
type LogConfig struct {
	Level string `yaml:"level"`
}

// DatabaseConfig holds PostgreSQL settings. An empty URL selects the
// in-memory store.
type DatabaseConfig struct {
	URL            string        `yaml:"url"`
	LockTimeout    time.Duration `yaml:"lock_timeout"`
	MigrateOnStart bool          `yaml:"migrate_on_start"`
}

// RedisConfig holds the read-through cache settings. An empty URL disables
// the cache.
type RedisConfig struct {
	URL      string        `yaml:"url"`
	CacheTTL time.Duration `yaml:"cache_ttl"`
}

// LedgerConfig holds accounting settings.
type LedgerConfig struct {
	// Timezone is the IANA zone whose calendar day bounds the daily views.
	Timezone string `yaml:"timezone"`
}

// AuthConfig holds identity resolution settings.
type AuthConfig struct {
	IdentityCacheTTL time.Duration `yaml:"identity_cache_ttl"`
}

// Default returns the built-in configuration.
func Default() *Config {
	return &Config{
		Server:   ServerConfig{Port: "8080", Env: "development"},
		Log:      LogConfig{Level: "info"},
		Database: DatabaseConfig{LockTimeout: 5 * time.Second},
		Redis:    RedisConfig{CacheTTL: 5 * time.Minute},
		Ledger:   LedgerConfig{Timezone: "UTC"},
		Auth:     AuthConfig{IdentityCacheTTL: 10 * time.Minute},
	}
}

// Load reads .env, the optional YAML file and the environment.
func Load() (*Config, error) {
	// A missing .env is normal when the environment is injected directly.
	_ = godotenv.Load()

	cfg := Default()
	if path := os.Getenv("CONFIG_FILE"); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}
	if err := cfg.applyEnv(); err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("config: read %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("config: parse %s: %w", path, err)
	}
	return nil
}

func (c *Config) applyEnv() error {
	setString(&c.Server.Port, "PORT")
	setString(&c.Server.Env, "APP_ENV")
	setString(&c.Log.Level, "LOG_LEVEL")
	setString(&c.Database.URL, "DATABASE_URL")
	setString(&c.Redis.URL, "REDIS_URL")
	setString(&c.Ledger.Timezone, "TIMEZONE")

	var errs []error
	errs = append(errs,
		setDuration(&c.Database.LockTimeout, "LOCK_TIMEOUT"),
		setDuration(&c.Redis.CacheTTL, "CACHE_TTL"),
		setDuration(&c.Auth.IdentityCacheTTL, "IDENTITY_CACHE_TTL"),
		setBool(&c.Database.MigrateOnStart, "MIGRATE_ON_START"),
	)
	return errors.Join(errs...)
}

// Validate reports every unusable value.
func (c *Config) Validate() error {
	var errs []error
	if port, err := strconv.Atoi(c.Server.Port); err != nil || port <= 0 || port > 65535 {
		errs = append(errs, fmt.Errorf("config: invalid port %q", c.Server.Port))
	}
	switch c.Server.Env {
	case "development", "production", "test":
	default:
		errs = append(errs, fmt.Errorf("config: unknown environment %q", c.Server.Env))
	}
	if _, err := logger.ParseLevel(c.Log.Level); err != nil {
		errs = append(errs, fmt.Errorf("config: %w", err))
	}
	if _, err := time.LoadLocation(c.Ledger.Timezone); err != nil {
		errs = append(errs, fmt.Errorf("config: invalid timezone %q: %w", c.Ledger.Timezone, err))
	}
	if c.Database.LockTimeout < 0 {
		errs = append(errs, errors.New("config: lock timeout must not be negative"))
	}
	if c.Redis.URL != "" && c.Database.URL == "" {
		errs = append(errs, errors.New("config: REDIS_URL requires DATABASE_URL"))
	}
	if c.Redis.CacheTTL <= 0 {
		errs = append(errs, errors.New("config: cache TTL must be positive"))
	}
	if c.Auth.IdentityCacheTTL <= 0 {
		errs = append(errs, errors.New("config: identity cache TTL must be positive"))
	}
	if c.Server.Env == "production" && c.Database.URL == "" {
		errs = append(errs, errors.New("config: DATABASE_URL is required in production"))
	}
	return errors.Join(errs...)
}

// Location returns the reference time zone. Validate guarantees it loads.
func (c *Config) Location() *time.Location {
	loc, err := time.LoadLocation(c.Ledger.Timezone)
	if err != nil {
		return time.UTC
	}
	return loc
}

func setString(dst *string, key string) {
	if v, ok := os.LookupEnv(key); ok {
		*dst = strings.TrimSpace(v)
	}
}

func setDuration(dst *time.Duration, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = d
	return nil
}

func setBool(dst *bool, key string) error {
	v, ok := os.LookupEnv(key)
	if !ok || v == "" {
		return nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return fmt.Errorf("config: %s: %w", key, err)
	}
	*dst = b
	return nil
}

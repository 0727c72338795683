package config

import (
	"errors"
	"fmt"
	"strings"

	"github.com/go-playground/validator/v10"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// EnvPrefix is prepended to every environment variable, e.g. HARVEST_DATABASE_URL.
const EnvPrefix = "HARVEST"

// ErrRedisAddrRequired is returned when the redis lock backend is selected
// without a redis address.
var ErrRedisAddrRequired = errors.New("redis.addr is required when worker.lock_backend is redis")

// ErrLockTTLTooShort is returned when a redis lock could expire between two
// refreshes.
var ErrLockTTLTooShort = errors.New("worker.lock_ttl must be at least three times worker.lock_refresh")

// lockRefreshesPerTTL is how many refreshes must fit in one lock TTL.
const lockRefreshesPerTTL = 3

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 8080)
	v.SetDefault("server.log_level", "info")
	v.SetDefault("server.log_file", "")
	v.SetDefault("server.shutdown_timeout", "10s")

	v.SetDefault("database.max_open_conns", 10)
	v.SetDefault("database.max_idle_conns", 5)
	v.SetDefault("database.conn_max_lifetime", "5m")

	v.SetDefault("provider.base_url", "https://api.apify.com")
	v.SetDefault("provider.actor_id", "axesso_data~amazon-reviews-scraper")
	v.SetDefault("provider.rate_limit", 0.5)
	v.SetDefault("provider.burst", 1)
	v.SetDefault("provider.poll_interval", "5s")
	v.SetDefault("provider.http_timeout", "30s")

	v.SetDefault("worker.enabled", true)
	v.SetDefault("worker.tick_interval", "30s")
	v.SetDefault("worker.call_delay", "10s")
	v.SetDefault("worker.task_timeout", "30m")
	v.SetDefault("worker.stuck_grace", "10m")
	v.SetDefault("worker.lock_backend", "postgres")
	v.SetDefault("worker.lock_key", "harvest-worker")
	v.SetDefault("worker.lock_ttl", "2m")
	v.SetDefault("worker.lock_refresh", "30s")

	v.SetDefault("redis.addr", "")
	v.SetDefault("redis.password", "")
	v.SetDefault("redis.db", 0)
}

// Load configuration from environment variables and optionally a config
// file. A .env file in the working directory is loaded first if present.
// Environment variables take precedence over values from config files.
// Returns a populated Config struct or an error if loading/validation fails.
func Load() (*Config, error) {
	// A missing .env file is the normal case outside local development.
	_ = godotenv.Load()

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(".")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	// Keys without defaults must be bound explicitly for Unmarshal to see them.
	for _, key := range []string{"database.url", "provider.token"} {
		if err := v.BindEnv(key); err != nil {
			return nil, fmt.Errorf("failed to bind %s: %w", key, err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks struct tags and cross-field rules.
func Validate(cfg *Config) error {
	if err := validator.New().Struct(cfg); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}
	if cfg.Worker.LockBackend == "redis" {
		if cfg.Redis.Addr == "" {
			return ErrRedisAddrRequired
		}
		if cfg.Worker.LockTTL < lockRefreshesPerTTL*cfg.Worker.LockRefresh {
			return fmt.Errorf("%w: ttl %s, refresh %s",
				ErrLockTTLTooShort, cfg.Worker.LockTTL, cfg.Worker.LockRefresh)
		}
	}
	return nil
}

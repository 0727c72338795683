package config

import "time"

// Config holds all application configuration.
// It organizes settings into logical groups for better maintainability.
type Config struct {
	Server   ServerConfig   `mapstructure:"server" validate:"required"`
	Database DatabaseConfig `mapstructure:"database" validate:"required"`
	Provider ProviderConfig `mapstructure:"provider" validate:"required"`
	Worker   WorkerConfig   `mapstructure:"worker" validate:"required"`
	Redis    RedisConfig    `mapstructure:"redis"`
}

// ServerConfig contains all server-related configuration settings.
type ServerConfig struct {
	Port     int    `mapstructure:"port" validate:"required,gt=0,lt=65536"`
	LogLevel string `mapstructure:"log_level" validate:"required,oneof=debug info warn error"`
	// LogFile, when set, receives a JSON copy of every log record.
	LogFile         string        `mapstructure:"log_file"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout" validate:"gt=0"`
}

// DatabaseConfig contains all database-related configuration settings.
type DatabaseConfig struct {
	URL             string        `mapstructure:"url" validate:"required,url"`
	MaxOpenConns    int           `mapstructure:"max_open_conns" validate:"gt=0"`
	MaxIdleConns    int           `mapstructure:"max_idle_conns" validate:"gte=0"`
	ConnMaxLifetime time.Duration `mapstructure:"conn_max_lifetime" validate:"gt=0"`
}

// ProviderConfig configures the review provider (an Apify actor).
type ProviderConfig struct {
	BaseURL string `mapstructure:"base_url" validate:"required,url"`
	Token   string `mapstructure:"token" validate:"required"`
	ActorID string `mapstructure:"actor_id" validate:"required"`
	// RateLimit is the sustained number of provider calls per second
	// allowed across the process, on top of the per-job call delay.
	RateLimit    float64       `mapstructure:"rate_limit" validate:"gt=0"`
	Burst        int           `mapstructure:"burst" validate:"gt=0"`
	PollInterval time.Duration `mapstructure:"poll_interval" validate:"gt=0"`
	HTTPTimeout  time.Duration `mapstructure:"http_timeout" validate:"gt=0"`
}

// WorkerConfig controls the background tick loop.
type WorkerConfig struct {
	Enabled      bool          `mapstructure:"enabled"`
	TickInterval time.Duration `mapstructure:"tick_interval" validate:"gt=0"`
	CallDelay    time.Duration `mapstructure:"call_delay" validate:"gte=0,lte=60s"`
	TaskTimeout  time.Duration `mapstructure:"task_timeout" validate:"gt=0,lte=2h"`
	StuckGrace   time.Duration `mapstructure:"stuck_grace" validate:"gt=0"`
	LockBackend  string        `mapstructure:"lock_backend" validate:"oneof=postgres redis none"`
	LockKey      string        `mapstructure:"lock_key" validate:"required"`
	LockTTL      time.Duration `mapstructure:"lock_ttl" validate:"gt=0"`
	// LockRefresh is how often a running tick refreshes the lock. A redis
	// lock expires after LockTTL, so the TTL must cover several refreshes.
	LockRefresh time.Duration `mapstructure:"lock_refresh" validate:"gt=0"`
}

// RedisConfig is required only when the worker lock backend is redis.
type RedisConfig struct {
	Addr     string `mapstructure:"addr"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db" validate:"gte=0"`
}

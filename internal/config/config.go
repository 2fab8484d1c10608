// Package config provides configuration management using viper.
// It supports loading from YAML files, an optional .env file and environment variable overrides.
package config

import (
	"errors"
	"fmt"
	"io/fs"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

// Config holds all application configuration.
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	Database   DatabaseConfig   `mapstructure:"database"`
	Redis      RedisConfig      `mapstructure:"redis"`
	Telegram   TelegramConfig   `mapstructure:"telegram"`
	Store      StoreConfig      `mapstructure:"store"`
	RateLimit  RateLimitConfig  `mapstructure:"ratelimit"`
	Validation ValidationConfig `mapstructure:"validation"`
	Offline    OfflineConfig    `mapstructure:"offline"`
	Upgrades   UpgradesConfig   `mapstructure:"upgrades"`
	Security   SecurityConfig   `mapstructure:"security"`
	Cleanup    CleanupConfig    `mapstructure:"cleanup"`
}

// ServerConfig holds HTTP transport configuration.
type ServerConfig struct {
	Addr            string        `mapstructure:"addr"`
	ReadTimeout     time.Duration `mapstructure:"read_timeout"`
	WriteTimeout    time.Duration `mapstructure:"write_timeout"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
	IngressRPS      float64       `mapstructure:"ingress_rps"`
	IngressBurst    int           `mapstructure:"ingress_burst"`
}

// DatabaseConfig holds PostgreSQL connection configuration.
type DatabaseConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	User            string        `mapstructure:"user"`
	Password        string        `mapstructure:"password"`
	Name            string        `mapstructure:"name"`
	PoolSize        int           `mapstructure:"pool_size"`
	ConnectTimeout  time.Duration `mapstructure:"connect_timeout"`
	MaxConnLifetime time.Duration `mapstructure:"max_conn_lifetime"`
	MaxConnIdleTime time.Duration `mapstructure:"max_conn_idle_time"`
}

// RedisConfig holds the security telemetry publisher configuration.
type RedisConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
	Channel string `mapstructure:"channel"`
}

// TelegramConfig holds the admin alert bot configuration.
// An empty token disables the bot.
type TelegramConfig struct {
	Token       string  `mapstructure:"token"`
	AdminIDs    []int64 `mapstructure:"admin_ids"`
	AlertChatID int64   `mapstructure:"alert_chat_id"`
}

// StoreConfig bounds calls to the persistence collaborator.
type StoreConfig struct {
	FetchTimeout time.Duration `mapstructure:"fetch_timeout"`
	WriteTimeout time.Duration `mapstructure:"write_timeout"`
	LockTimeout  time.Duration `mapstructure:"lock_timeout"`
}

// RateLimitConfig holds the per-user sliding window settings.
type RateLimitConfig struct {
	Requests       int           `mapstructure:"requests"`
	Window         time.Duration `mapstructure:"window"`
	AbuseThreshold int           `mapstructure:"abuse_threshold"`
}

// ValidationConfig holds game state plausibility bounds.
type ValidationConfig struct {
	MaxPointsPerSecond    float64       `mapstructure:"max_points_per_second"`
	MaxGainMultiplier     float64       `mapstructure:"max_gain_multiplier"`
	MaxLevelPerSave       int           `mapstructure:"max_level_per_save"`
	MaxUpgradesPerSave    int           `mapstructure:"max_upgrades_per_save"`
	MinSaveInterval       time.Duration `mapstructure:"min_save_interval"`
	BanThreshold          int           `mapstructure:"ban_threshold"`
	PersistCorrectedState bool          `mapstructure:"persist_corrected_state"`
	SnapshotOnSuspicious  bool          `mapstructure:"snapshot_on_suspicious"`
}

// OfflineConfig holds offline progress bounds.
type OfflineConfig struct {
	MaxOfflineTime    time.Duration `mapstructure:"max_offline_time"`
	MaxOfflineBonus   float64       `mapstructure:"max_offline_bonus"`
	LevelMultiplier   float64       `mapstructure:"level_multiplier"`
	DailyCap          time.Duration `mapstructure:"daily_cap"`
	HistorySize       int           `mapstructure:"history_size"`
	HistoryMaxAge     time.Duration `mapstructure:"history_max_age"`
	EnergyRegenPerSec float64       `mapstructure:"energy_regen_per_second"`
	PremiumMultiplier float64       `mapstructure:"premium_multiplier"`
}

// UpgradesConfig holds upgrade purchase settings.
type UpgradesConfig struct {
	CatalogPath           string        `mapstructure:"catalog_path"`
	PurchaseWindow        time.Duration `mapstructure:"purchase_window"`
	MaxPurchasesPerWindow int           `mapstructure:"max_purchases_per_window"`
	HistorySize           int           `mapstructure:"history_size"`
	HistoryMaxAge         time.Duration `mapstructure:"history_max_age"`
}

// SecurityConfig holds security ledger retention settings.
type SecurityConfig struct {
	MaxEvents     int           `mapstructure:"max_events"`
	Retention     time.Duration `mapstructure:"retention"`
	FlushInterval time.Duration `mapstructure:"flush_interval"`
}

// CleanupConfig holds background janitor settings.
type CleanupConfig struct {
	Interval    time.Duration `mapstructure:"interval"`
	ActivityTTL time.Duration `mapstructure:"activity_ttl"`
}

// DSN returns the PostgreSQL connection string.
func (d *DatabaseConfig) DSN() string {
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%d/%s?sslmode=disable",
		d.User, d.Password, d.Host, d.Port, d.Name,
	)
}

// Load reads configuration from file and environment variables.
// It looks for config.yaml in the config directory.
func Load(configPath string) (*Config, error) {
	// A missing .env is fine; real deployments inject the environment directly.
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env file: %w", err)
	}

	v := viper.New()
	setDefaults(v)

	v.SetConfigName("config")
	v.SetConfigType("yaml")
	v.AddConfigPath(configPath)
	v.AddConfigPath(".")
	v.AddConfigPath("./config")

	// e.g. DATABASE_HOST, RATELIMIT_REQUESTS, TELEGRAM_TOKEN
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return &cfg, nil
}

// Validate rejects configurations the validators cannot run with.
func (c *Config) Validate() error {
	switch {
	case c.RateLimit.Requests <= 0 || c.RateLimit.Window <= 0:
		return fmt.Errorf("invalid ratelimit config: requests=%d window=%s", c.RateLimit.Requests, c.RateLimit.Window)
	case c.Validation.BanThreshold <= 0:
		return fmt.Errorf("invalid ban threshold: %d", c.Validation.BanThreshold)
	case c.Validation.MaxPointsPerSecond <= 0:
		return fmt.Errorf("invalid max points per second: %v", c.Validation.MaxPointsPerSecond)
	case c.Offline.MaxOfflineTime <= 0:
		return fmt.Errorf("invalid max offline time: %s", c.Offline.MaxOfflineTime)
	case c.Security.MaxEvents <= 0:
		return fmt.Errorf("invalid security max events: %d", c.Security.MaxEvents)
	}
	return nil
}

// setDefaults sets default configuration values.
func setDefaults(v *viper.Viper) {
	v.SetDefault("server.addr", ":8080")
	v.SetDefault("server.read_timeout", "10s")
	v.SetDefault("server.write_timeout", "10s")
	v.SetDefault("server.shutdown_timeout", "15s")
	v.SetDefault("server.ingress_rps", 500)
	v.SetDefault("server.ingress_burst", 1000)

	v.SetDefault("database.host", "localhost")
	v.SetDefault("database.port", 5432)
	v.SetDefault("database.user", "guard")
	v.SetDefault("database.name", "economy_guard")
	v.SetDefault("database.pool_size", 20)
	v.SetDefault("database.connect_timeout", "10s")
	v.SetDefault("database.max_conn_lifetime", "1h")
	v.SetDefault("database.max_conn_idle_time", "30m")

	v.SetDefault("redis.enabled", false)
	v.SetDefault("redis.url", "redis://localhost:6379/0")
	v.SetDefault("redis.channel", "economy-guard:security-events")

	v.SetDefault("store.fetch_timeout", "2s")
	v.SetDefault("store.write_timeout", "3s")
	v.SetDefault("store.lock_timeout", "5s")

	v.SetDefault("ratelimit.requests", 12)
	v.SetDefault("ratelimit.window", "60s")
	v.SetDefault("ratelimit.abuse_threshold", 24)

	v.SetDefault("validation.max_points_per_second", 1_000_000)
	v.SetDefault("validation.max_gain_multiplier", 100)
	v.SetDefault("validation.max_level_per_save", 5)
	v.SetDefault("validation.max_upgrades_per_save", 10)
	v.SetDefault("validation.min_save_interval", "5s")
	v.SetDefault("validation.ban_threshold", 5)
	v.SetDefault("validation.persist_corrected_state", false)
	v.SetDefault("validation.snapshot_on_suspicious", true)

	v.SetDefault("offline.max_offline_time", "336h")
	v.SetDefault("offline.max_offline_bonus", 1.4)
	v.SetDefault("offline.level_multiplier", 0.1)
	v.SetDefault("offline.daily_cap", "24h")
	v.SetDefault("offline.history_size", 50)
	v.SetDefault("offline.history_max_age", "168h")
	v.SetDefault("offline.energy_regen_per_second", 1.0/60)
	v.SetDefault("offline.premium_multiplier", 2)

	v.SetDefault("upgrades.catalog_path", "")
	v.SetDefault("upgrades.purchase_window", "60s")
	v.SetDefault("upgrades.max_purchases_per_window", 10)
	v.SetDefault("upgrades.history_size", 100)
	v.SetDefault("upgrades.history_max_age", "24h")

	v.SetDefault("security.max_events", 1000)
	v.SetDefault("security.retention", "168h")
	v.SetDefault("security.flush_interval", "10s")

	v.SetDefault("cleanup.interval", "5m")
	v.SetDefault("cleanup.activity_ttl", "24h")
}

// IsAdmin checks if a Telegram user ID is in the admin list.
func (c *Config) IsAdmin(userID int64) bool {
	for _, id := range c.Telegram.AdminIDs {
		if id == userID {
			return true
		}
	}
	return false
}

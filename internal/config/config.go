// Package config provides configuration management for the exit engine.
package config

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"

	apperrors "autoexit-trader/internal/errors"
	"autoexit-trader/internal/logging"
)

// Config holds all application configuration.
type Config struct {
	Trading     TradingConfig     `mapstructure:"trading"`
	Storage     StorageConfig     `mapstructure:"storage"`
	Redis       RedisConfig       `mapstructure:"redis"`
	Metrics     MetricsConfig     `mapstructure:"metrics"`
	Logging     LoggingConfig     `mapstructure:"logging"`
	Brokers     BrokersConfig     `mapstructure:"brokers"`
	Credentials CredentialsConfig `mapstructure:"credentials"`
	Notify      NotifyConfig      `mapstructure:"notify"`

	dir string
}

// TradingConfig holds trading-related configuration.
type TradingConfig struct {
	Mode              string        `mapstructure:"mode"`             // "live", "paper"
	DefaultProduct    string        `mapstructure:"default_product"`  // MIS, CNC, NRML
	DefaultExchange   string        `mapstructure:"default_exchange"` // NSE, BSE
	OrderTag          string        `mapstructure:"order_tag"`
	ReconcileInterval time.Duration `mapstructure:"reconcile_interval"`
	ExitTimeout       time.Duration `mapstructure:"exit_timeout"`
}

// StorageConfig selects and configures the position store.
type StorageConfig struct {
	Driver      string `mapstructure:"driver"` // sqlite, postgres, memory
	SQLitePath  string `mapstructure:"sqlite_path"`
	PostgresDSN string `mapstructure:"postgres_dsn"`
	MaxConns    int    `mapstructure:"max_conns"`
}

// RedisConfig configures the optional cross-process exit lock.
type RedisConfig struct {
	Enabled  bool          `mapstructure:"enabled"`
	Addr     string        `mapstructure:"addr"`
	Password string        `mapstructure:"password"`
	DB       int           `mapstructure:"db"`
	LockTTL  time.Duration `mapstructure:"lock_ttl"`
}

// MetricsConfig configures the Prometheus endpoint.
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Addr    string `mapstructure:"addr"`
}

// LoggingConfig mirrors logging.LogConfig in file form.
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Console    bool   `mapstructure:"console"`
	File       bool   `mapstructure:"file"`
	Path       string `mapstructure:"path"`
	MaxSizeMB  int    `mapstructure:"max_size_mb"`
	MaxBackups int    `mapstructure:"max_backups"`
	MaxAgeDays int    `mapstructure:"max_age_days"`
}

// BrokersConfig holds per-broker application settings. Per-user secrets live
// in the credentials users file.
type BrokersConfig struct {
	Zerodha  ZerodhaConfig  `mapstructure:"zerodha"`
	AngelOne AngelOneConfig `mapstructure:"angelone"`
}

// ZerodhaConfig holds Kite Connect application credentials.
type ZerodhaConfig struct {
	APIKey    string `mapstructure:"api_key"`
	APISecret string `mapstructure:"api_secret"`
}

// AngelOneConfig holds SmartAPI application settings.
type AngelOneConfig struct {
	APIKey    string `mapstructure:"api_key"`
	BaseURL   string `mapstructure:"base_url"`
	StreamURL string `mapstructure:"stream_url"`
}

// CredentialsConfig points at the per-owner credentials file.
type CredentialsConfig struct {
	UsersFile string `mapstructure:"users_file"`
}

// NotifyConfig holds exit notification channels.
type NotifyConfig struct {
	Webhook  WebhookConfig  `mapstructure:"webhook"`
	Telegram TelegramConfig `mapstructure:"telegram"`
}

// WebhookConfig holds webhook notification settings.
type WebhookConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	URL     string `mapstructure:"url"`
}

// TelegramConfig holds Telegram bot settings.
type TelegramConfig struct {
	Enabled  bool   `mapstructure:"enabled"`
	BotToken string `mapstructure:"bot_token"`
	ChatID   string `mapstructure:"chat_id"`
}

// DefaultConfigDir returns the default configuration directory.
func DefaultConfigDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return ".config/autoexit-trader"
	}
	return filepath.Join(home, ".config", "autoexit-trader")
}

// Load loads configuration from the specified directory.
// If configDir is empty, uses the default config directory.
func Load(configDir string) (*Config, error) {
	if configDir == "" {
		configDir = DefaultConfigDir()
	}

	// Secrets may be kept in a .env next to config.toml; it is optional.
	_ = godotenv.Load(filepath.Join(configDir, ".env"))

	cfg := &Config{dir: configDir}
	if err := loadConfigFile(configDir, "config", cfg); err != nil {
		return nil, fmt.Errorf("loading config.toml: %w", err)
	}

	applyEnvOverrides(cfg)
	cfg.resolvePaths()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return cfg, nil
}

func setDefaults(v *viper.Viper, configDir string) {
	v.SetDefault("trading.mode", "paper")
	v.SetDefault("trading.default_product", "MIS")
	v.SetDefault("trading.default_exchange", "NSE")
	v.SetDefault("trading.order_tag", "autoexit")
	v.SetDefault("trading.reconcile_interval", "30s")
	v.SetDefault("trading.exit_timeout", "15s")

	v.SetDefault("storage.driver", "sqlite")
	v.SetDefault("storage.sqlite_path", filepath.Join(configDir, "positions.db"))
	v.SetDefault("storage.max_conns", 10)

	v.SetDefault("redis.addr", "localhost:6379")
	v.SetDefault("redis.lock_ttl", "30s")

	v.SetDefault("metrics.addr", ":9090")

	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.console", true)
	v.SetDefault("logging.file", true)
	v.SetDefault("logging.path", filepath.Join(configDir, "logs", "trader.log"))
	v.SetDefault("logging.max_size_mb", 100)
	v.SetDefault("logging.max_backups", 7)
	v.SetDefault("logging.max_age_days", 30)

	v.SetDefault("brokers.angelone.base_url", "https://apiconnect.angelone.in")
	v.SetDefault("brokers.angelone.stream_url", "wss://smartapisocket.angelone.in/smart-stream")

	v.SetDefault("credentials.users_file", filepath.Join(configDir, "users.yaml"))
}

func loadConfigFile(configDir, name string, target interface{}) error {
	v := viper.New()
	v.SetConfigName(name)
	v.SetConfigType("toml")
	v.AddConfigPath(configDir)
	setDefaults(v, configDir)

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); ok {
			// Config file not found, create template
			return createTemplateConfig(configDir, name)
		}
		return err
	}

	return v.Unmarshal(target)
}

func applyEnvOverrides(cfg *Config) {
	if v := os.Getenv("AUTOEXIT_MODE"); v != "" {
		cfg.Trading.Mode = v
	}

	// Broker application credentials
	if v := os.Getenv("KITE_API_KEY"); v != "" {
		cfg.Brokers.Zerodha.APIKey = v
	}
	if v := os.Getenv("KITE_API_SECRET"); v != "" {
		cfg.Brokers.Zerodha.APISecret = v
	}
	if v := os.Getenv("ANGEL_API_KEY"); v != "" {
		cfg.Brokers.AngelOne.APIKey = v
	}

	// Infrastructure
	if v := os.Getenv("AUTOEXIT_POSTGRES_DSN"); v != "" {
		cfg.Storage.PostgresDSN = v
	}
	if v := os.Getenv("AUTOEXIT_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("TELEGRAM_BOT_TOKEN"); v != "" {
		cfg.Notify.Telegram.BotToken = v
	}
	if v := os.Getenv("AUTOEXIT_REDIS_ENABLED"); v != "" {
		if enabled, err := strconv.ParseBool(v); err == nil {
			cfg.Redis.Enabled = enabled
		}
	}
}

// resolvePaths makes relative file paths relative to the config directory.
func (c *Config) resolvePaths() {
	for _, p := range []*string{&c.Storage.SQLitePath, &c.Logging.Path, &c.Credentials.UsersFile} {
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(c.dir, *p)
		}
	}
}

// Validate validates the configuration.
func (c *Config) Validate() error {
	if c.Trading.Mode != "live" && c.Trading.Mode != "paper" {
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "invalid trading mode: %s (must be 'live' or 'paper')", c.Trading.Mode)
	}
	if c.Trading.ReconcileInterval <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "reconcile_interval must be positive")
	}
	if c.Trading.ExitTimeout <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "exit_timeout must be positive")
	}

	switch c.Storage.Driver {
	case "sqlite":
		if c.Storage.SQLitePath == "" {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "storage.sqlite_path is required for the sqlite driver")
		}
	case "postgres":
		if c.Storage.PostgresDSN == "" {
			return apperrors.Wrap(apperrors.ErrConfigInvalid, "storage.postgres_dsn is required for the postgres driver")
		}
	case "memory":
	default:
		return apperrors.Wrapf(apperrors.ErrConfigInvalid, "invalid storage driver: %s", c.Storage.Driver)
	}

	if c.Notify.Webhook.Enabled && c.Notify.Webhook.URL == "" {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "notify.webhook.url is required when the webhook is enabled")
	}

	if c.Redis.Enabled && c.Redis.LockTTL <= 0 {
		return apperrors.Wrap(apperrors.ErrConfigInvalid, "redis.lock_ttl must be positive")
	}

	return nil
}

// IsPaperMode returns true if paper trading mode is enabled.
func (c *Config) IsPaperMode() bool {
	return c.Trading.Mode == "paper"
}

// Dir returns the directory the configuration was loaded from.
func (c *Config) Dir() string {
	return c.dir
}

// LogConfig converts the logging section for logging.New.
func (c *Config) LogConfig() logging.LogConfig {
	return logging.LogConfig{
		Level:      c.Logging.Level,
		Console:    c.Logging.Console,
		File:       c.Logging.File,
		FilePath:   c.Logging.Path,
		MaxSize:    c.Logging.MaxSizeMB,
		MaxBackups: c.Logging.MaxBackups,
		MaxAge:     c.Logging.MaxAgeDays,
	}
}

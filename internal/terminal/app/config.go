// Package app wires the terminal process: configuration, logging, the
// session store, the identity provider client, and the auth coordinator.
package app

import (
	"errors"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Config holds the terminal configuration loaded from the environment and an
// optional .env file.
type Config struct {
	// ProviderURL is the identity provider base URL. Required.
	ProviderURL string `mapstructure:"PROVIDER_URL"`
	// ProviderKey is the anon API key sent with every provider request. Required.
	ProviderKey string `mapstructure:"PROVIDER_KEY"`
	// StorePath is the SQLite session store file (default: ./posterm.db).
	StorePath string `mapstructure:"STORE_PATH"`
	// TerminalID labels log records from this terminal.
	TerminalID string `mapstructure:"TERMINAL_ID"`
	// HealthInterval drives the periodic session health check (default: 300s).
	HealthInterval time.Duration `mapstructure:"HEALTH_INTERVAL"`
	// MetricsAddr, when set, serves prometheus metrics (e.g. ":9109").
	MetricsAddr string `mapstructure:"METRICS_ADDR"`
	// Env is the environment name (dev, staging, prod) (default: dev).
	Env string `mapstructure:"ENV"`
	// LogLevel is debug, info, warn, or error (default: info).
	LogLevel string `mapstructure:"LOG_LEVEL"`
	// LogFormat is json or text (default: json).
	LogFormat string `mapstructure:"LOG_FORMAT"`
	// ShutdownGracePeriod bounds graceful shutdown (default: 10s).
	ShutdownGracePeriod time.Duration `mapstructure:"SHUTDOWN_GRACE_PERIOD"`
}

// LoadConfig reads .env (if present), then builds and validates Config from
// the environment. Env vars override .env; a missing .env is ignored.
func LoadConfig() (Config, error) {
	v := viper.New()

	v.SetConfigFile(".env")
	v.SetConfigType("env")
	_ = v.ReadInConfig() // ignore ErrConfigFileNotFound

	v.AutomaticEnv()

	v.SetDefault("PROVIDER_URL", "")
	v.SetDefault("PROVIDER_KEY", "")
	v.SetDefault("STORE_PATH", "posterm.db")
	v.SetDefault("TERMINAL_ID", "")
	v.SetDefault("HEALTH_INTERVAL", "300s")
	v.SetDefault("METRICS_ADDR", "")
	v.SetDefault("ENV", "dev")
	v.SetDefault("LOG_LEVEL", "info")
	v.SetDefault("LOG_FORMAT", "json")
	v.SetDefault("SHUTDOWN_GRACE_PERIOD", "10s")

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return Config{}, err
	}

	if strings.TrimSpace(cfg.ProviderURL) == "" {
		return Config{}, errors.New("PROVIDER_URL is required")
	}
	if strings.TrimSpace(cfg.ProviderKey) == "" {
		return Config{}, errors.New("PROVIDER_KEY is required")
	}
	if cfg.HealthInterval <= 0 {
		cfg.HealthInterval = 300 * time.Second
	}

	return cfg, nil
}

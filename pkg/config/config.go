package config

import (
	"fmt"
	"time"

	"github.com/spf13/viper"
)

// Config represents the application configuration
type Config struct {
	Server     ServerConfig     `mapstructure:"server"`
	API        APIConfig        `mapstructure:"api"`
	Store      StoreConfig      `mapstructure:"store"`
	Sync       SyncConfig       `mapstructure:"sync"`
	Monitoring MonitoringConfig `mapstructure:"monitoring"`
	Logging    LoggingConfig    `mapstructure:"logging"`
}

// ServerConfig contains settings for the local operational HTTP server
type ServerConfig struct {
	Host string `mapstructure:"host"`
	Port int    `mapstructure:"port"`
}

// APIConfig contains settings for the remote dashboard backend
type APIConfig struct {
	BaseURL        string        `mapstructure:"base_url"`
	RequestTimeout time.Duration `mapstructure:"request_timeout"`
	Auth           AuthConfig    `mapstructure:"auth"`
}

// AuthConfig holds authentication configuration.
// Either a static token file or OAuth2 client credentials; when both are
// set the token file wins.
type AuthConfig struct {
	TokenFile    string        `mapstructure:"token_file"`
	ClientID     string        `mapstructure:"client_id"`
	ClientSecret string        `mapstructure:"client_secret"`
	Audience     string        `mapstructure:"audience"`
	TokenURL     string        `mapstructure:"token_url"`
	ExpiryLeeway time.Duration `mapstructure:"expiry_leeway"`
}

// StoreConfig contains local store settings
type StoreConfig struct {
	Path string `mapstructure:"path"`
}

// SyncConfig contains synchronization behaviour settings
type SyncConfig struct {
	PullInterval   time.Duration `mapstructure:"pull_interval"`
	PageSize       int           `mapstructure:"page_size"`
	IncludeDeleted bool          `mapstructure:"include_deleted"`
	MaxAttempts    int           `mapstructure:"max_attempts"`
	BackoffBase    time.Duration `mapstructure:"backoff_base"`
	BackoffMax     time.Duration `mapstructure:"backoff_max"`
	ProbeInterval  time.Duration `mapstructure:"probe_interval"`
	ProbeTimeout   time.Duration `mapstructure:"probe_timeout"`
	TablesFile     string        `mapstructure:"tables_file"`
}

// MonitoringConfig contains monitoring and metrics settings
type MonitoringConfig struct {
	Enabled bool `mapstructure:"enabled"`
}

// LoggingConfig contains logging settings
type LoggingConfig struct {
	Level      string `mapstructure:"level"`
	Format     string `mapstructure:"format"`
	OutputPath string `mapstructure:"output_path"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	viper.SetConfigFile(configPath)
	viper.SetConfigType("yaml")
	viper.AutomaticEnv()

	// Set defaults
	setDefaults()

	if err := viper.ReadInConfig(); err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	var config Config
	if err := viper.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := validate(&config); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}

	return &config, nil
}

func setDefaults() {
	// Server defaults
	viper.SetDefault("server.host", "127.0.0.1")
	viper.SetDefault("server.port", 8090)

	// API defaults
	viper.SetDefault("api.request_timeout", "30s")
	viper.SetDefault("api.auth.expiry_leeway", "60s")

	// Store defaults
	viper.SetDefault("store.path", "syncd.db")

	// Sync defaults
	viper.SetDefault("sync.pull_interval", "60s")
	viper.SetDefault("sync.page_size", 500)
	viper.SetDefault("sync.include_deleted", true)
	viper.SetDefault("sync.max_attempts", 3)
	viper.SetDefault("sync.backoff_base", "1s")
	viper.SetDefault("sync.backoff_max", "30s")
	viper.SetDefault("sync.probe_interval", "15s")
	viper.SetDefault("sync.probe_timeout", "3s")

	// Monitoring defaults
	viper.SetDefault("monitoring.enabled", true)

	// Logging defaults
	viper.SetDefault("logging.level", "info")
	viper.SetDefault("logging.format", "json")
	viper.SetDefault("logging.output_path", "stdout")
}

func validate(config *Config) error {
	if config.API.BaseURL == "" {
		return fmt.Errorf("api.base_url is required")
	}
	if config.Store.Path == "" {
		return fmt.Errorf("store.path is required")
	}
	if config.Sync.PageSize <= 0 {
		return fmt.Errorf("sync.page_size must be positive")
	}
	if config.Sync.MaxAttempts <= 0 {
		return fmt.Errorf("sync.max_attempts must be positive")
	}
	if config.Sync.BackoffBase > config.Sync.BackoffMax {
		return fmt.Errorf("sync.backoff_base must not exceed sync.backoff_max")
	}
	return nil
}

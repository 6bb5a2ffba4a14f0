package config

import (
	"errors"
	"time"
)

// Config represents the gateway storage-coordination configuration
type Config struct {
	Gateway  GatewayConfig  `mapstructure:"gateway"`
	Database DatabaseConfig `mapstructure:"database"`
	Redis    RedisConfig    `mapstructure:"redis"`
	Storage  StorageConfig  `mapstructure:"storage"`
	Metrics  MetricsConfig  `mapstructure:"metrics"`
	Logging  LoggingConfig  `mapstructure:"logging"`
}

// GatewayConfig represents the gateway process configuration
type GatewayConfig struct {
	Host            string        `mapstructure:"host"`
	Port            int           `mapstructure:"port"`
	ShutdownTimeout time.Duration `mapstructure:"shutdown_timeout"`
}

// DatabaseConfig represents PostgreSQL metadata store configuration
type DatabaseConfig struct {
	Host           string `mapstructure:"host"`
	Port           int    `mapstructure:"port"`
	Database       string `mapstructure:"database"`
	User           string `mapstructure:"user"`
	Password       string `mapstructure:"password"`
	MaxConnections int    `mapstructure:"max_connections"`
	MinConnections int    `mapstructure:"min_connections"`
}

// RedisConfig represents the KV/lock/counter store configuration
type RedisConfig struct {
	Host     string `mapstructure:"host"`
	Port     int    `mapstructure:"port"`
	Password string `mapstructure:"password"`
	DB       int    `mapstructure:"db"`
}

// StorageConfig represents node fleet and upload tunables
type StorageConfig struct {
	ReplicaCount         int           `mapstructure:"replica_count"`
	SafetyMarginBytes    int64         `mapstructure:"safety_margin_bytes"`
	HealthCheckInterval  time.Duration `mapstructure:"health_check_interval"`
	NodeTimeout          time.Duration `mapstructure:"node_timeout"`
	ErrorThreshold       int           `mapstructure:"error_threshold"`
	ChunkSize            int64         `mapstructure:"chunk_size"`
	SessionTTL           time.Duration `mapstructure:"session_ttl"`
	ScratchDir           string        `mapstructure:"scratch_dir"`
	DefaultDownloadLimit int           `mapstructure:"default_download_limit"`
	DefaultFileTTL       time.Duration `mapstructure:"default_file_ttl"`
}

// MetricsConfig represents Prometheus metrics configuration
type MetricsConfig struct {
	Enabled bool   `mapstructure:"enabled"`
	Port    int    `mapstructure:"port"`
	Path    string `mapstructure:"path"`
}

// LoggingConfig represents logging configuration
type LoggingConfig struct {
	Level  string `mapstructure:"level"`
	Format string `mapstructure:"format"`
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Gateway.Port <= 0 || c.Gateway.Port > 65535 {
		return errors.New("gateway.port must be between 1 and 65535")
	}
	if c.Database.Host == "" {
		return errors.New("database.host is required")
	}
	if c.Database.Database == "" {
		return errors.New("database.database is required")
	}
	if c.Database.User == "" {
		return errors.New("database.user is required")
	}
	if c.Redis.Host == "" {
		return errors.New("redis.host is required")
	}
	if c.Storage.ReplicaCount < 0 {
		return errors.New("storage.replica_count must not be negative")
	}
	if c.Storage.ErrorThreshold <= 0 {
		return errors.New("storage.error_threshold must be positive")
	}
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	return nil
}

// DefaultConfig returns default configuration values
func DefaultConfig() *Config {
	return &Config{
		Gateway: GatewayConfig{
			Host:            "0.0.0.0",
			Port:            8080,
			ShutdownTimeout: 30 * time.Second,
		},
		Database: DatabaseConfig{
			Host:           "localhost",
			Port:           5432,
			Database:       "fileshare_metadata",
			User:           "gateway",
			Password:       "",
			MaxConnections: 50,
			MinConnections: 10,
		},
		Redis: RedisConfig{
			Host:     "localhost",
			Port:     6379,
			Password: "",
			DB:       0,
		},
		Storage: StorageConfig{
			ReplicaCount:         2,
			SafetyMarginBytes:    50 * 1024 * 1024,
			HealthCheckInterval:  30 * time.Second,
			NodeTimeout:          5 * time.Second,
			ErrorThreshold:       5,
			ChunkSize:            5 * 1024 * 1024,
			SessionTTL:           time.Hour,
			ScratchDir:           "",
			DefaultDownloadLimit: 3,
			DefaultFileTTL:       24 * time.Hour,
		},
		Metrics: MetricsConfig{
			Enabled: true,
			Port:    9090,
			Path:    "/metrics",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "json",
		},
	}
}

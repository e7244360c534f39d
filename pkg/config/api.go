package config

import (
	"errors"
	"fmt"
)

// APIConfig contains the HTTP and WebSocket surface settings.
type APIConfig struct {
	Server    APIServerConfig `yaml:"server" mapstructure:"server"`
	WebSocket WebSocketConfig `yaml:"websocket,omitempty" mapstructure:"websocket"`
}

// APIServerConfig contains HTTP server settings.
type APIServerConfig struct {
	Listen      string          `yaml:"listen" mapstructure:"listen"`
	CORSOrigins []string        `yaml:"cors_origins,omitempty" mapstructure:"cors_origins"`
	RateLimit   RateLimitConfig `yaml:"rate_limit,omitempty" mapstructure:"rate_limit"`
}

// RateLimitConfig configures per-IP rate limiting.
type RateLimitConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// Submit applies to run submission and cancellation.
	Submit RateLimitTier `yaml:"submit,omitempty" mapstructure:"submit"`
	// Public applies to read-only routes.
	Public RateLimitTier `yaml:"public,omitempty" mapstructure:"public"`
}

// RateLimitTier defines request limits for a specific tier.
type RateLimitTier struct {
	RequestsPerMinute int `yaml:"requests_per_minute" mapstructure:"requests_per_minute"`
}

// WebSocketConfig configures the live event stream.
type WebSocketConfig struct {
	Enabled bool `yaml:"enabled" mapstructure:"enabled"`
	// BufferSize is the per-subscriber event queue length. A subscriber
	// whose queue fills up is dropped.
	BufferSize     int      `yaml:"buffer_size,omitempty" mapstructure:"buffer_size"`
	AllowedOrigins []string `yaml:"allowed_origins,omitempty" mapstructure:"allowed_origins"`
}

// Validate checks the API configuration for errors.
func (c *APIConfig) Validate() error {
	if c.Server.Listen == "" {
		return errors.New("api.server.listen is required")
	}

	rl := c.Server.RateLimit
	if rl.Enabled {
		if rl.Submit.RequestsPerMinute < 0 || rl.Public.RequestsPerMinute < 0 {
			return fmt.Errorf("api.server.rate_limit: requests_per_minute must not be negative")
		}
	}

	return nil
}

// StoreConfig contains run store settings.
type StoreConfig struct {
	Driver   string         `yaml:"driver" mapstructure:"driver"`
	SQLite   SQLiteConfig   `yaml:"sqlite,omitempty" mapstructure:"sqlite"`
	Postgres PostgresConfig `yaml:"postgres,omitempty" mapstructure:"postgres"`
}

// SQLiteConfig contains SQLite-specific settings.
type SQLiteConfig struct {
	Path string `yaml:"path" mapstructure:"path"`
}

// PostgresConfig contains PostgreSQL connection settings.
type PostgresConfig struct {
	Host     string `yaml:"host" mapstructure:"host"`
	Port     int    `yaml:"port" mapstructure:"port"`
	User     string `yaml:"user" mapstructure:"user"`
	Password string `yaml:"password" mapstructure:"password"`
	Database string `yaml:"database" mapstructure:"database"`
	SSLMode  string `yaml:"ssl_mode,omitempty" mapstructure:"ssl_mode"`
}

// DSN returns the libpq style connection string.
func (c PostgresConfig) DSN() string {
	return fmt.Sprintf(
		"host=%s port=%d user=%s password=%s dbname=%s sslmode=%s",
		c.Host, c.Port, c.User, c.Password, c.Database, c.SSLMode,
	)
}

// ExportConfig configures where terminal run results are written.
type ExportConfig struct {
	Local LocalExportConfig `yaml:"local,omitempty" mapstructure:"local"`
	S3    S3ExportConfig    `yaml:"s3,omitempty" mapstructure:"s3"`
}

// LocalExportConfig writes one JSON file per run.
type LocalExportConfig struct {
	Enabled bool   `yaml:"enabled" mapstructure:"enabled"`
	Dir     string `yaml:"dir,omitempty" mapstructure:"dir"`
	// Owner optionally chowns written files, as "UID:GID".
	Owner string `yaml:"owner,omitempty" mapstructure:"owner"`
}

// S3ExportConfig uploads one JSON object per run.
type S3ExportConfig struct {
	Enabled         bool   `yaml:"enabled" mapstructure:"enabled"`
	EndpointURL     string `yaml:"endpoint_url,omitempty" mapstructure:"endpoint_url"`
	Region          string `yaml:"region,omitempty" mapstructure:"region"`
	Bucket          string `yaml:"bucket" mapstructure:"bucket"`
	Prefix          string `yaml:"prefix,omitempty" mapstructure:"prefix"`
	AccessKeyID     string `yaml:"access_key_id,omitempty" mapstructure:"access_key_id"`
	SecretAccessKey string `yaml:"secret_access_key,omitempty" mapstructure:"secret_access_key"`
	ForcePathStyle  bool   `yaml:"force_path_style" mapstructure:"force_path_style"`
	StorageClass    string `yaml:"storage_class,omitempty" mapstructure:"storage_class"`
	ACL             string `yaml:"acl,omitempty" mapstructure:"acl"`
}

// Validate checks the export configuration for errors.
func (c *ExportConfig) Validate() error {
	if c.S3.Enabled && c.S3.Bucket == "" {
		return errors.New("export.s3.bucket is required when s3 export is enabled")
	}

	return nil
}

package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/ethpandaops/dvtoor/pkg/device"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v3"
)

const (
	// EnvPrefix prefixes every environment variable override.
	EnvPrefix = "DVTOOR"

	// DefaultLogLevel is the default logging level.
	DefaultLogLevel = "info"

	// DefaultListen is the default API listen address.
	DefaultListen = ":8080"

	// DefaultStoreDriver keeps run history in memory.
	DefaultStoreDriver = "memory"

	// DefaultDelayScale runs simulated suites in real time.
	DefaultDelayScale = 1.0

	// DefaultProbe is the default device probe.
	DefaultProbe = "simulated"

	// DefaultMetricsNamespace prefixes every exported metric.
	DefaultMetricsNamespace = "dvtoor"

	// DefaultSubscriberBuffer is the per-subscriber event queue length.
	DefaultSubscriberBuffer = 64

	// DefaultExportDir is where local result files are written.
	DefaultExportDir = "./results"
)

// Probe kinds.
const (
	ProbeSimulated = "simulated"
	ProbeHost      = "host"
)

// Store drivers.
const (
	DriverMemory   = "memory"
	DriverSQLite   = "sqlite"
	DriverPostgres = "postgres"
)

// Config is the root configuration for dvtoor.
type Config struct {
	Global       GlobalConfig       `yaml:"global" mapstructure:"global"`
	API          APIConfig          `yaml:"api" mapstructure:"api"`
	Store        StoreConfig        `yaml:"store" mapstructure:"store"`
	Orchestrator OrchestratorConfig `yaml:"orchestrator" mapstructure:"orchestrator"`
	Suites       SuitesConfig       `yaml:"suites" mapstructure:"suites"`
	Metrics      MetricsConfig      `yaml:"metrics" mapstructure:"metrics"`
	Export       ExportConfig       `yaml:"export" mapstructure:"export"`
}

// GlobalConfig contains global application settings.
type GlobalConfig struct {
	LogLevel string `yaml:"log_level" mapstructure:"log_level"`
}

// OrchestratorConfig controls run execution.
type OrchestratorConfig struct {
	// RunTimeout bounds a single run. Empty or zero disables the bound.
	RunTimeout string `yaml:"run_timeout,omitempty" mapstructure:"run_timeout"`
}

// RunTimeoutDuration parses RunTimeout.
func (c OrchestratorConfig) RunTimeoutDuration() (time.Duration, error) {
	if c.RunTimeout == "" {
		return 0, nil
	}

	d, err := time.ParseDuration(c.RunTimeout)
	if err != nil {
		return 0, fmt.Errorf("parsing run_timeout: %w", err)
	}

	return d, nil
}

// SuitesConfig controls how test modules touch devices.
type SuitesConfig struct {
	// DelayScale multiplies simulated stage durations. Zero disables sleeping.
	DelayScale float64       `yaml:"delay_scale" mapstructure:"delay_scale"`
	Probe      string        `yaml:"probe" mapstructure:"probe"`
	Faults     device.Faults `yaml:"faults,omitempty" mapstructure:"faults"`
}

// MetricsConfig configures Prometheus metrics.
type MetricsConfig struct {
	Enabled   bool   `yaml:"enabled" mapstructure:"enabled"`
	Namespace string `yaml:"namespace,omitempty" mapstructure:"namespace"`
}

// Load reads a configuration file and applies DVTOOR_* environment
// overrides. An empty path yields the defaults plus overrides.
func Load(path string) (*Config, error) {
	v := viper.New()
	v.SetConfigType("yaml")
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	registerKeys(v)

	if path != "" {
		v.SetConfigFile(path)

		if err := v.ReadInConfig(); err != nil {
			return nil, fmt.Errorf("reading config file: %w", err)
		}
	}

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	cfg.applyDefaults()

	return &cfg, nil
}

// registerKeys makes every scalar key known to viper so environment
// variables can override values absent from the file.
func registerKeys(v *viper.Viper) {
	v.SetDefault("global.log_level", DefaultLogLevel)

	v.SetDefault("api.server.listen", DefaultListen)
	v.SetDefault("api.server.cors_origins", []string{})
	v.SetDefault("api.server.rate_limit.enabled", false)
	v.SetDefault("api.server.rate_limit.submit.requests_per_minute", 0)
	v.SetDefault("api.server.rate_limit.public.requests_per_minute", 0)
	v.SetDefault("api.websocket.enabled", true)
	v.SetDefault("api.websocket.buffer_size", DefaultSubscriberBuffer)
	v.SetDefault("api.websocket.allowed_origins", []string{})

	v.SetDefault("store.driver", DefaultStoreDriver)
	v.SetDefault("store.sqlite.path", "")
	v.SetDefault("store.postgres.host", "")
	v.SetDefault("store.postgres.port", 0)
	v.SetDefault("store.postgres.user", "")
	v.SetDefault("store.postgres.password", "")
	v.SetDefault("store.postgres.database", "")
	v.SetDefault("store.postgres.ssl_mode", "")

	v.SetDefault("orchestrator.run_timeout", "")

	v.SetDefault("suites.delay_scale", DefaultDelayScale)
	v.SetDefault("suites.probe", DefaultProbe)
	v.SetDefault("suites.faults.integrity_failures", false)

	v.SetDefault("metrics.enabled", false)
	v.SetDefault("metrics.namespace", DefaultMetricsNamespace)

	v.SetDefault("export.local.enabled", false)
	v.SetDefault("export.local.dir", DefaultExportDir)
	v.SetDefault("export.local.owner", "")
	v.SetDefault("export.s3.enabled", false)
	v.SetDefault("export.s3.endpoint_url", "")
	v.SetDefault("export.s3.region", "")
	v.SetDefault("export.s3.bucket", "")
	v.SetDefault("export.s3.prefix", "")
	v.SetDefault("export.s3.access_key_id", "")
	v.SetDefault("export.s3.secret_access_key", "")
	v.SetDefault("export.s3.force_path_style", false)
	v.SetDefault("export.s3.storage_class", "")
	v.SetDefault("export.s3.acl", "")
}

// applyDefaults sets default values for unspecified configuration options.
func (c *Config) applyDefaults() {
	if c.Global.LogLevel == "" {
		c.Global.LogLevel = DefaultLogLevel
	}

	if c.API.Server.Listen == "" {
		c.API.Server.Listen = DefaultListen
	}

	if c.API.WebSocket.BufferSize <= 0 {
		c.API.WebSocket.BufferSize = DefaultSubscriberBuffer
	}

	if c.Store.Driver == "" {
		c.Store.Driver = DefaultStoreDriver
	}

	if c.Store.Postgres.Port == 0 {
		c.Store.Postgres.Port = 5432
	}

	if c.Store.Postgres.SSLMode == "" {
		c.Store.Postgres.SSLMode = "disable"
	}

	if c.Suites.Probe == "" {
		c.Suites.Probe = DefaultProbe
	}

	if c.Metrics.Namespace == "" {
		c.Metrics.Namespace = DefaultMetricsNamespace
	}

	if c.Export.Local.Dir == "" {
		c.Export.Local.Dir = DefaultExportDir
	}
}

// Validate checks the configuration for errors.
func (c *Config) Validate() error {
	var errs []error

	switch c.Store.Driver {
	case DriverMemory:
	case DriverSQLite:
		if c.Store.SQLite.Path == "" {
			errs = append(errs, errors.New("store.sqlite.path is required for the sqlite driver"))
		}
	case DriverPostgres:
		if c.Store.Postgres.Host == "" || c.Store.Postgres.Database == "" {
			errs = append(errs, errors.New("store.postgres host and database are required"))
		}
	default:
		errs = append(errs, fmt.Errorf("unsupported store driver %q", c.Store.Driver))
	}

	if d, err := c.Orchestrator.RunTimeoutDuration(); err != nil {
		errs = append(errs, err)
	} else if d < 0 {
		errs = append(errs, errors.New("orchestrator.run_timeout must not be negative"))
	}

	if c.Suites.DelayScale < 0 {
		errs = append(errs, errors.New("suites.delay_scale must not be negative"))
	}

	if c.Suites.Probe != ProbeSimulated && c.Suites.Probe != ProbeHost {
		errs = append(errs, fmt.Errorf("unsupported probe %q", c.Suites.Probe))
	}

	if err := c.API.Validate(); err != nil {
		errs = append(errs, err)
	}

	if err := c.Export.Validate(); err != nil {
		errs = append(errs, err)
	}

	return errors.Join(errs...)
}

const redacted = "<redacted>"

// Redacted returns a copy of the configuration with credentials masked.
func (c *Config) Redacted() *Config {
	out := *c

	if out.Store.Postgres.Password != "" {
		out.Store.Postgres.Password = redacted
	}

	if out.Export.S3.SecretAccessKey != "" {
		out.Export.S3.SecretAccessKey = redacted
	}

	return &out
}

// MarshalRedactedYAML renders the effective configuration as YAML with
// credentials masked.
func (c *Config) MarshalRedactedYAML() ([]byte, error) {
	data, err := yaml.Marshal(c.Redacted())
	if err != nil {
		return nil, fmt.Errorf("encoding config: %w", err)
	}

	return data, nil
}

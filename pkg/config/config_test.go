package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()

	tmpDir := t.TempDir()
	configPath := filepath.Join(tmpDir, "config.yaml")
	require.NoError(t, os.WriteFile(configPath, []byte(content), 0o644))

	return configPath
}

func TestLoad_EnvVarOverrides(t *testing.T) {
	configPath := writeConfig(t, `
global:
  log_level: info
api:
  server:
    listen: ":9090"
store:
  driver: sqlite
  sqlite:
    path: /tmp/from-file.db
orchestrator:
  run_timeout: 10m
suites:
  delay_scale: 0.5
  probe: simulated
  faults:
    failing_checks:
      - certification.whql.driver_signing
export:
  local:
    enabled: true
    dir: ./file-results
`)

	tests := []struct {
		name     string
		envVars  map[string]string
		validate func(t *testing.T, cfg *Config)
	}{
		{
			name:    "no env vars uses yaml values",
			envVars: map[string]string{},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "info", cfg.Global.LogLevel)
				assert.Equal(t, ":9090", cfg.API.Server.Listen)
				assert.Equal(t, "/tmp/from-file.db", cfg.Store.SQLite.Path)
				assert.Equal(t, "./file-results", cfg.Export.Local.Dir)
				assert.InDelta(t, 0.5, cfg.Suites.DelayScale, 1e-9)
				assert.Equal(t, []string{"certification.whql.driver_signing"}, cfg.Suites.Faults.FailingChecks)
			},
		},
		{
			name: "string override - log_level",
			envVars: map[string]string{
				"DVTOOR_GLOBAL_LOG_LEVEL": "debug",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, "debug", cfg.Global.LogLevel)
			},
		},
		{
			name: "nested override - api.server.listen",
			envVars: map[string]string{
				"DVTOOR_API_SERVER_LISTEN": ":7070",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, ":7070", cfg.API.Server.Listen)
			},
		},
		{
			name: "override of key absent from file - metrics.enabled",
			envVars: map[string]string{
				"DVTOOR_METRICS_ENABLED": "true",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.True(t, cfg.Metrics.Enabled)
			},
		},
		{
			name: "float override - suites.delay_scale",
			envVars: map[string]string{
				"DVTOOR_SUITES_DELAY_SCALE": "0",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Zero(t, cfg.Suites.DelayScale)
			},
		},
		{
			name: "multiple overrides",
			envVars: map[string]string{
				"DVTOOR_STORE_DRIVER":             "memory",
				"DVTOOR_ORCHESTRATOR_RUN_TIMEOUT": "30s",
				"DVTOOR_EXPORT_S3_BUCKET":         "results",
			},
			validate: func(t *testing.T, cfg *Config) {
				assert.Equal(t, DriverMemory, cfg.Store.Driver)
				assert.Equal(t, "30s", cfg.Orchestrator.RunTimeout)
				assert.Equal(t, "results", cfg.Export.S3.Bucket)
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			for key, value := range tt.envVars {
				t.Setenv(key, value)
			}

			cfg, err := Load(configPath)
			require.NoError(t, err)

			tt.validate(t, cfg)
		})
	}
}

func TestLoad_DefaultsAppliedWhenEmpty(t *testing.T) {
	configPath := writeConfig(t, "global: {}\n")

	cfg, err := Load(configPath)
	require.NoError(t, err)

	assert.Equal(t, DefaultLogLevel, cfg.Global.LogLevel)
	assert.Equal(t, DefaultListen, cfg.API.Server.Listen)
	assert.Equal(t, DefaultStoreDriver, cfg.Store.Driver)
	assert.Equal(t, DefaultProbe, cfg.Suites.Probe)
	assert.InDelta(t, DefaultDelayScale, cfg.Suites.DelayScale, 1e-9)
	assert.Equal(t, DefaultSubscriberBuffer, cfg.API.WebSocket.BufferSize)
	assert.True(t, cfg.API.WebSocket.Enabled)
	assert.Equal(t, DefaultMetricsNamespace, cfg.Metrics.Namespace)
	assert.NoError(t, cfg.Validate())
}

func TestLoad_NoFile(t *testing.T) {
	t.Setenv("DVTOOR_GLOBAL_LOG_LEVEL", "warn")

	cfg, err := Load("")
	require.NoError(t, err)
	assert.Equal(t, "warn", cfg.Global.LogLevel)
}

func TestLoad_MissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.Error(t, err)
}

func TestOrchestratorConfig_RunTimeoutDuration(t *testing.T) {
	d, err := OrchestratorConfig{}.RunTimeoutDuration()
	require.NoError(t, err)
	assert.Zero(t, d)

	d, err = OrchestratorConfig{RunTimeout: "90s"}.RunTimeoutDuration()
	require.NoError(t, err)
	assert.Equal(t, 90*time.Second, d)

	_, err = OrchestratorConfig{RunTimeout: "soon"}.RunTimeoutDuration()
	require.Error(t, err)
}

func TestValidate(t *testing.T) {
	valid := func() *Config {
		cfg := &Config{}
		cfg.applyDefaults()

		return cfg
	}

	tests := []struct {
		name    string
		mutate  func(cfg *Config)
		wantErr string
	}{
		{
			name:   "defaults are valid",
			mutate: func(*Config) {},
		},
		{
			name:    "unknown driver",
			mutate:  func(cfg *Config) { cfg.Store.Driver = "mysql" },
			wantErr: `unsupported store driver "mysql"`,
		},
		{
			name:    "sqlite without path",
			mutate:  func(cfg *Config) { cfg.Store.Driver = DriverSQLite },
			wantErr: "store.sqlite.path is required",
		},
		{
			name:    "postgres without host",
			mutate:  func(cfg *Config) { cfg.Store.Driver = DriverPostgres },
			wantErr: "host and database are required",
		},
		{
			name:    "bad timeout",
			mutate:  func(cfg *Config) { cfg.Orchestrator.RunTimeout = "forever" },
			wantErr: "parsing run_timeout",
		},
		{
			name:    "negative timeout",
			mutate:  func(cfg *Config) { cfg.Orchestrator.RunTimeout = "-1s" },
			wantErr: "must not be negative",
		},
		{
			name:    "negative delay scale",
			mutate:  func(cfg *Config) { cfg.Suites.DelayScale = -1 },
			wantErr: "delay_scale",
		},
		{
			name:    "unknown probe",
			mutate:  func(cfg *Config) { cfg.Suites.Probe = "smart" },
			wantErr: `unsupported probe "smart"`,
		},
		{
			name:    "s3 without bucket",
			mutate:  func(cfg *Config) { cfg.Export.S3.Enabled = true },
			wantErr: "export.s3.bucket is required",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := valid()
			tt.mutate(cfg)

			err := cfg.Validate()
			if tt.wantErr == "" {
				require.NoError(t, err)

				return
			}

			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestPostgresConfig_DSN(t *testing.T) {
	cfg := PostgresConfig{
		Host: "db", Port: 5432, User: "u", Password: "p", Database: "runs", SSLMode: "disable",
	}

	assert.Equal(t, "host=db port=5432 user=u password=p dbname=runs sslmode=disable", cfg.DSN())
}

func TestMarshalRedactedYAML(t *testing.T) {
	cfg, err := Load(writeConfig(t, `
api:
  server:
    listen: ":9090"
store:
  driver: postgres
  postgres:
    host: db
    database: dvtoor
    password: hunter2
export:
  s3:
    enabled: true
    bucket: results
    access_key_id: AKIA123
    secret_access_key: s3cr3t
`))
	require.NoError(t, err)

	data, err := cfg.MarshalRedactedYAML()
	require.NoError(t, err)
	assert.NotContains(t, string(data), "hunter2")
	assert.NotContains(t, string(data), "s3cr3t")

	// The rendered document is itself a loadable config.
	reloaded, err := Load(writeConfig(t, string(data)))
	require.NoError(t, err)
	assert.Equal(t, ":9090", reloaded.API.Server.Listen)
	assert.Equal(t, "AKIA123", reloaded.Export.S3.AccessKeyID)
	assert.Equal(t, redacted, reloaded.Store.Postgres.Password)
	assert.Equal(t, redacted, reloaded.Export.S3.SecretAccessKey)

	assert.Equal(t, "hunter2", cfg.Store.Postgres.Password, "source config is untouched")
}

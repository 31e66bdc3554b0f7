package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Server.HTTPPort)
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
	assert.Equal(t, "./tracelens.db", cfg.Storage.Path)
	assert.Equal(t, int64(10<<20), cfg.Storage.MaxStateBytes)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, "tracelens", cfg.Telemetry.ServiceName)
	assert.Equal(t, 1.0, cfg.Telemetry.SampleRate)
}

func TestLoadFromYAMLFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	content := `
server:
  http_port: 9000
  api_keys:
    - secret-key
storage:
  path: /var/lib/tracelens/data.db
  max_state_bytes: 1048576
log:
  level: debug
telemetry:
  otlp_endpoint: collector:4317
  sample_rate: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)

	assert.Equal(t, 9000, cfg.Server.HTTPPort)
	assert.Equal(t, []string{"secret-key"}, cfg.Server.APIKeys)
	assert.Equal(t, "/var/lib/tracelens/data.db", cfg.Storage.Path)
	assert.Equal(t, int64(1048576), cfg.Storage.MaxStateBytes)
	assert.Equal(t, "debug", cfg.Log.Level)
	assert.Equal(t, "collector:4317", cfg.Telemetry.OTLPEndpoint)
	assert.Equal(t, 0.5, cfg.Telemetry.SampleRate)

	// Untouched fields keep defaults.
	assert.Equal(t, 9091, cfg.Server.MetricsPort)
}

func TestLoadMissingFileKeepsDefaults(t *testing.T) {
	cfg, err := NewLoader().WithConfigPath("/nonexistent/config.yaml").Load()
	require.NoError(t, err)
	assert.Equal(t, 8080, cfg.Server.HTTPPort)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("TRACELENS_SERVER_HTTP_PORT", "7070")
	t.Setenv("TRACELENS_SERVER_READ_TIMEOUT", "45s")
	t.Setenv("TRACELENS_SERVER_API_KEYS", "k1, k2")
	t.Setenv("TRACELENS_STORAGE_PATH", "/tmp/env.db")
	t.Setenv("TRACELENS_TELEMETRY_SAMPLE_RATE", "0.25")

	cfg, err := NewLoader().Load()
	require.NoError(t, err)

	assert.Equal(t, 7070, cfg.Server.HTTPPort)
	assert.Equal(t, 45*time.Second, cfg.Server.ReadTimeout)
	assert.Equal(t, []string{"k1", "k2"}, cfg.Server.APIKeys)
	assert.Equal(t, "/tmp/env.db", cfg.Storage.Path)
	assert.Equal(t, 0.25, cfg.Telemetry.SampleRate)
}

func TestEnvOverridesFile(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yaml")
	require.NoError(t, os.WriteFile(path, []byte("server:\n  http_port: 9000\n"), 0o600))

	t.Setenv("TRACELENS_SERVER_HTTP_PORT", "9999")

	cfg, err := NewLoader().WithConfigPath(path).Load()
	require.NoError(t, err)
	assert.Equal(t, 9999, cfg.Server.HTTPPort)
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*Config)
		wantErr bool
	}{
		{
			name:   "defaults are valid",
			mutate: func(c *Config) {},
		},
		{
			name:    "zero port rejected",
			mutate:  func(c *Config) { c.Server.HTTPPort = 0 },
			wantErr: true,
		},
		{
			name:    "empty storage path rejected",
			mutate:  func(c *Config) { c.Storage.Path = "" },
			wantErr: true,
		},
		{
			name:    "negative payload ceiling rejected",
			mutate:  func(c *Config) { c.Storage.MaxStateBytes = -1 },
			wantErr: true,
		},
		{
			name:    "sample rate above 1 rejected",
			mutate:  func(c *Config) { c.Telemetry.SampleRate = 1.5 },
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := DefaultConfig()
			tt.mutate(cfg)
			err := cfg.Validate()
			if tt.wantErr {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}
		})
	}
}

func TestLoaderValidatorFailure(t *testing.T) {
	_, err := NewLoader().WithValidator(func(c *Config) error {
		return assert.AnError
	}).Load()
	require.Error(t, err)
}

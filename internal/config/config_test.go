package config

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	cfg, err := Load(New(afero.NewMemMapFs()), "")
	require.NoError(t, err)

	assert.Equal(t, DefaultConfigPath, cfg.ConfigPath)
	assert.Equal(t, DefaultRootDir, cfg.RootDir)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.False(t, cfg.LogJSON)
	assert.Zero(t, cfg.MaxArenaBytes)
	assert.Empty(t, cfg.MetricsFile)
	assert.Empty(t, cfg.ReportFile)
	assert.Equal(t, "inferexec", cfg.ServiceName)
	assert.False(t, cfg.Tracing.Enabled)
	assert.Equal(t, "localhost:4318", cfg.Tracing.Endpoint)
}

func TestLoadFile(t *testing.T) {
	fs := afero.NewMemMapFs()
	require.NoError(t, afero.WriteFile(fs, "/etc/inferexec.yaml", []byte(`
config_path: /run/job
root_dir: /srv/out
log_level: debug
log_json: true
max_arena_bytes: 1048576
tracing:
  enabled: true
  endpoint: collector:4318
`), 0o644))

	cfg, err := Load(New(fs), "/etc/inferexec.yaml")
	require.NoError(t, err)
	assert.Equal(t, "/run/job", cfg.ConfigPath)
	assert.Equal(t, "/srv/out", cfg.RootDir)
	assert.Equal(t, "debug", cfg.LogLevel)
	assert.True(t, cfg.LogJSON)
	assert.Equal(t, int64(1<<20), cfg.MaxArenaBytes)
	assert.True(t, cfg.Tracing.Enabled)
	assert.Equal(t, "collector:4318", cfg.Tracing.Endpoint)
}

func TestEnvironmentOverrides(t *testing.T) {
	t.Setenv("INFEREXEC_ROOT_DIR", "/data")
	t.Setenv("INFEREXEC_TRACING_ENDPOINT", "otel:4318")

	cfg, err := Load(New(afero.NewMemMapFs()), "")
	require.NoError(t, err)
	assert.Equal(t, "/data", cfg.RootDir)
	assert.Equal(t, "otel:4318", cfg.Tracing.Endpoint)
}

func TestMissingFile(t *testing.T) {
	_, err := Load(New(afero.NewMemMapFs()), "/missing.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	cfg := Config{MaxArenaBytes: -1, Tracing: TracingConfig{Enabled: true}}
	err := cfg.Validate()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config_path")
	assert.Contains(t, err.Error(), "root_dir")
	assert.Contains(t, err.Error(), "max_arena_bytes")
	assert.Contains(t, err.Error(), "tracing.endpoint")
}

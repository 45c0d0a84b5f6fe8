package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/pflag"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDefaults(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := Load(New(), "")
	require.NoError(t, err)
	assert.Equal(t, ":5000", cfg.HTTPAddr)
	assert.Equal(t, ":9090", cfg.GRPCAddr)
	assert.Equal(t, "data", cfg.ModelsDir)
	assert.Equal(t, 5000, cfg.MaxTextLength)
	assert.Equal(t, 100, cfg.MaxBatchSize)
	assert.Equal(t, 5*time.Minute, cfg.DownloadTimeout)
	assert.Equal(t, 10*time.Second, cfg.ShutdownTimeout)
	assert.False(t, cfg.S3.Enabled())
}

func TestFileEnvAndFlags(t *testing.T) {
	dir := t.TempDir()
	t.Chdir(dir)

	path := filepath.Join(dir, "server.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
models:
  dir: /srv/models
limits:
  max_batch_size: 8
download:
  s3:
    endpoint: minio:9000
    bucket: models
`), 0o644))

	t.Setenv("OPUSMT_LIMITS_MAX_TEXT_LENGTH", "42")

	v := New()
	fs := pflag.NewFlagSet("test", pflag.ContinueOnError)
	require.NoError(t, RegisterFlags(v, fs))
	require.NoError(t, fs.Parse([]string{"--http-addr", ":8080"}))

	cfg, err := Load(v, path)
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.HTTPAddr)
	assert.Equal(t, "/srv/models", cfg.ModelsDir)
	assert.Equal(t, 8, cfg.MaxBatchSize)
	assert.Equal(t, 42, cfg.MaxTextLength)
	assert.True(t, cfg.S3.Enabled())
}

func TestMissingExplicitFile(t *testing.T) {
	t.Chdir(t.TempDir())
	_, err := Load(New(), "/nonexistent/opus.yaml")
	assert.Error(t, err)
}

func TestValidate(t *testing.T) {
	t.Chdir(t.TempDir())
	v := New()
	v.Set("tracing.enabled", true)
	_, err := Load(v, "")
	assert.ErrorContains(t, err, "tracing.endpoint")

	v = New()
	v.Set("limits.max_batch_size", 0)
	_, err = Load(v, "")
	assert.ErrorContains(t, err, "max_batch_size")
}

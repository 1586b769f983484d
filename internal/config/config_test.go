package config_test

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/leadflow/leadflow/internal/config"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	chdir(t, t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.PostgresBackend, cfg.Entities.Backend)
	assert.Equal(t, 8080, cfg.HTTP.Port)
	assert.Equal(t, 30*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 1, cfg.Retry.MaxAttempts)
	assert.Equal(t, "info", cfg.Log.Level)
	assert.Equal(t, config.NoMetrics, cfg.Metrics.Exporter)
}

func TestLoadFileAndEnv(t *testing.T) {
	dir := t.TempDir()
	chdir(t, dir)
	require.NoError(t, os.WriteFile(filepath.Join(dir, "leadflow.yaml"), []byte(`
database:
  url: postgres://file@db/leadflow
entities:
  backend: redis
webhook:
  timeout: 5s
  rate_limit: 2.5
retry:
  max_attempts: 4
metrics:
  exporter: stdout
  interval: 15s
`), 0o600))
	t.Setenv("LEADFLOW_HTTP_PORT", "9090")
	t.Setenv("LEADFLOW_RETRY_MAX_ATTEMPTS", "6")

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, "postgres://file@db/leadflow", cfg.Database.URL)
	assert.Equal(t, config.RedisBackend, cfg.Entities.Backend)
	assert.Equal(t, 5*time.Second, cfg.Webhook.Timeout)
	assert.Equal(t, 2.5, cfg.Webhook.RateLimit)
	assert.Equal(t, 9090, cfg.HTTP.Port)
	assert.Equal(t, 6, cfg.Retry.MaxAttempts)
	assert.Equal(t, config.StdoutMetrics, cfg.Metrics.Exporter)
	assert.Equal(t, 15*time.Second, cfg.Metrics.Interval)
}

func TestLoadExplicitFileMustExist(t *testing.T) {
	chdir(t, t.TempDir())
	_, err := config.Load("missing.yaml")
	assert.Error(t, err)
}

func TestLoadRejectsUnknownBackend(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LEADFLOW_ENTITIES_BACKEND", "mongo")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "entities.backend")
}

func TestLoadRejectsUnknownMetricsExporter(t *testing.T) {
	chdir(t, t.TempDir())
	t.Setenv("LEADFLOW_METRICS_EXPORTER", "statsd")
	_, err := config.Load("")
	assert.ErrorContains(t, err, "metrics.exporter")
}

// chdir changes the working directory for the duration of the test,
// restoring it on cleanup (equivalent to testing.T.Chdir, which needs Go 1.24).
func chdir(t *testing.T, dir string) {
	t.Helper()
	prev, err := os.Getwd()
	require.NoError(t, err)
	require.NoError(t, os.Chdir(dir))
	t.Cleanup(func() { require.NoError(t, os.Chdir(prev)) })
}

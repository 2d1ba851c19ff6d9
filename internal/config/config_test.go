package config_test

import (
	"bytes"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/petrijr/debtflow/internal/config"
	"github.com/petrijr/debtflow/pkg/api"
	"github.com/petrijr/debtflow/pkg/worker"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "debtflow.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaultsWithoutFile(t *testing.T) {
	t.Chdir(t.TempDir())

	cfg, err := config.Load("")
	require.NoError(t, err)

	assert.Empty(t, cfg.File)
	assert.Equal(t, config.BackendMemory, cfg.Backend)
	assert.Equal(t, worker.DefaultConcurrency, cfg.Worker.Concurrency)
	assert.Equal(t, worker.DefaultMaxAttempts, cfg.Worker.MaxAttempts)
	assert.Equal(t, worker.DefaultLeaseTTL, cfg.Worker.LeaseTTL)
	assert.Equal(t, 100*time.Millisecond, cfg.Worker.Backoff)
	assert.Equal(t, 30*time.Second, cfg.Worker.Timeout)
	assert.Equal(t, api.DefaultMaxDelay, cfg.Stage.MaxDelay)
	assert.Equal(t, 1, cfg.Stage.MissingEntityAttempts)
	assert.Equal(t, "dead-letter", cfg.DeadLetter.Channel)
	assert.Equal(t, "debtflow:", cfg.Redis.Prefix)
	assert.Equal(t, "info", cfg.Log.Level)
}

func TestLoadFindsFileInConfigDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.MkdirAll(filepath.Join(dir, "config"), 0o755))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "config", "debtflow.yaml"), []byte("backend: sqlite\n"), 0o644))
	t.Chdir(dir)

	cfg, err := config.Load("")
	require.NoError(t, err)
	assert.Equal(t, config.BackendSQLite, cfg.Backend)
	assert.Equal(t, "debtflow.yaml", filepath.Base(cfg.File))
}

func TestLoadFileValues(t *testing.T) {
	path := writeConfig(t, `
backend: Postgres
postgres:
  dsn: postgres://u:p@db:5432/x
worker:
  concurrency: 8
  max_attempts: 3
  backoff: 250ms
  backoff_max: 5s
  lease_ttl: 1m
  timeout: 10s
stage:
  max_delay: 0s
  missing_entity_attempts: 4
log:
  level: debug
  format: json
`)

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, path, cfg.File)
	assert.Equal(t, config.BackendPostgres, cfg.Backend, "backend is normalized to lower case")
	assert.Equal(t, "postgres://u:p@db:5432/x", cfg.Postgres.DSN)
	assert.Equal(t, 8, cfg.Worker.Concurrency)
	assert.Equal(t, 4, cfg.Stage.MissingEntityAttempts)
	assert.Equal(t, api.NoDelay{}, cfg.Delayer())

	wc := cfg.WorkerConfig()
	assert.Equal(t, 8, wc.Concurrency)
	assert.Equal(t, 3, wc.MaxAttempts)
	assert.Equal(t, time.Minute, wc.LeaseTTL)
	assert.Equal(t, 10*time.Second, wc.Timeout)
	assert.Equal(t, worker.ExponentialBackoff{Initial: 250 * time.Millisecond, Max: 5 * time.Second, Multiplier: 2}, wc.Backoff)
}

func TestLoadEnvOverridesFile(t *testing.T) {
	path := writeConfig(t, "backend: sqlite\nworker:\n  concurrency: 2\n")
	t.Setenv("DEBTFLOW_BACKEND", "redis")
	t.Setenv("DEBTFLOW_WORKER_CONCURRENCY", "6")
	t.Setenv("DEBTFLOW_REDIS_ADDR", "cache:6380")
	t.Setenv("DEBTFLOW_STAGE_MAX_DELAY", "2s")

	cfg, err := config.Load(path)
	require.NoError(t, err)

	assert.Equal(t, config.BackendRedis, cfg.Backend)
	assert.Equal(t, 6, cfg.Worker.Concurrency)
	assert.Equal(t, "cache:6380", cfg.Redis.Addr)
	assert.Equal(t, api.RandomDelay{Max: 2 * time.Second}, cfg.Delayer())
}

func TestLoadRejectsInvalidSettings(t *testing.T) {
	cases := map[string]string{
		"unknown backend":  "backend: kafka\n",
		"zero concurrency": "worker:\n  concurrency: 0\n",
		"bad level":        "log:\n  level: loud\n",
		"bad format":       "log:\n  format: xml\n",
		"negative delay":   "stage:\n  max_delay: -1s\n",
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			_, err := config.Load(writeConfig(t, body))
			require.Error(t, err)
		})
	}
}

func TestLoadMissingExplicitFileFails(t *testing.T) {
	_, err := config.Load(filepath.Join(t.TempDir(), "nope.yaml"))
	require.Error(t, err)
}

func TestPipelineChannelOverrides(t *testing.T) {
	path := writeConfig(t, `
channels:
  GenerateDocument:
    input: tenant-a.gen-doc
`)
	cfg, err := config.Load(path)
	require.NoError(t, err)

	p, err := cfg.Pipeline()
	require.NoError(t, err)
	assert.Equal(t, "tenant-a.gen-doc", p.Entry())
	assert.Equal(t, api.ChannelGenerateDocumentDone, p.Stages[0].Output)
}

func TestPipelineRejectsBrokenOverrides(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, `
channels:
  documentdone:
    input: elsewhere
`))
	require.NoError(t, err)

	_, err = cfg.Pipeline()
	require.ErrorIs(t, err, api.ErrInvalidPipeline)

	cfg.Channels = map[string]config.ChannelConfig{"Nope": {Input: "x"}}
	_, err = cfg.Pipeline()
	require.Error(t, err)
}

func TestNewLogger(t *testing.T) {
	cfg, err := config.Load(writeConfig(t, "log:\n  level: warn\n  format: json\n"))
	require.NoError(t, err)

	var buf bytes.Buffer
	logger := cfg.NewLogger(&buf)
	logger.Info("hidden")
	logger.Warn("shown", "entity_id", 7)

	out := buf.String()
	assert.NotContains(t, out, "hidden")
	assert.Contains(t, out, `"msg":"shown"`)
	assert.Contains(t, out, `"entity_id":7`)
}

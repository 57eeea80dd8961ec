package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/patrickspencer/qualrun/internal/manager"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "qualrun.yaml")
	require.NoError(t, os.WriteFile(path, []byte(body), 0o644))
	return path
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "{}\n"))
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.Listen)
	assert.Equal(t, "./data", cfg.DataDir)
	assert.Equal(t, filepath.Join("./data", "qualrun.db"), cfg.DBPath)
	assert.Equal(t, "info", cfg.LogLevel)
	assert.Equal(t, manager.DefaultConfig(), cfg.Manager)
	assert.Equal(t, "noop", cfg.Executor.Type)
	assert.Equal(t, 30*time.Second, cfg.Executor.Timeout)
	assert.True(t, cfg.RunLogs.Enabled)
	assert.Equal(t, filepath.Join("./data", "logs"), cfg.RunLogs.Dir)
	assert.Equal(t, int64(256*1024), cfg.RunLogs.MaxBytesPerStream)
	assert.Equal(t, 5, cfg.RunLogs.KeepPerRun)
}

func TestLoadMissingFileUsesDefaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "absent.yaml"))
	require.NoError(t, err)
	assert.Equal(t, manager.DefaultTimeoutMinutes, cfg.Manager.TimeoutMinutes)

	cfg, err = Load("")
	require.NoError(t, err)
	assert.Equal(t, ":8080", cfg.Listen)
}

func TestLoadFile(t *testing.T) {
	path := writeConfig(t, `
listen: "127.0.0.1:9090"
manager:
  timeout_minutes: 10
  max_retries: 4
  resume_zero_progress: true
  cleanup_schedule: "@daily"
executor:
  type: webhook
  url: http://worker.internal/resume
  timeout: 5s
  rate_per_second: 2.5
run_logs:
  enabled: false
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9090", cfg.Listen)
	assert.Equal(t, 10, cfg.Manager.TimeoutMinutes)
	assert.Equal(t, manager.DefaultCheckIntervalMinutes, cfg.Manager.CheckIntervalMinutes)
	assert.Equal(t, 4, cfg.Manager.MaxRetries)
	assert.True(t, cfg.Manager.ResumeZeroProgress)
	assert.Equal(t, "@daily", cfg.Manager.CleanupSchedule)
	assert.Equal(t, "webhook", cfg.Executor.Type)
	assert.Equal(t, 5*time.Second, cfg.Executor.Timeout)
	assert.InDelta(t, 2.5, cfg.Executor.RatePerSecond, 0.0001)
	assert.False(t, cfg.RunLogs.Enabled)
}

func TestLoadEnvOverrides(t *testing.T) {
	t.Setenv("QUALRUN_MANAGER_TIMEOUT_MINUTES", "45")
	t.Setenv("QUALRUN_EXECUTOR_TYPE", "shell")
	t.Setenv("QUALRUN_LOG_JSON", "true")

	cfg, err := Load(writeConfig(t, "manager:\n  timeout_minutes: 10\n"))
	require.NoError(t, err)
	assert.Equal(t, 45, cfg.Manager.TimeoutMinutes)
	assert.Equal(t, "shell", cfg.Executor.Type)
	assert.True(t, cfg.LogJSON)
}

func TestLoadRejectsMalformedYAML(t *testing.T) {
	_, err := Load(writeConfig(t, "manager: [unclosed\n"))
	require.Error(t, err)
}

func TestLoadExpandsTildePaths(t *testing.T) {
	path := writeConfig(t, `
data_dir: "~/qualrun-data"
run_logs:
  dir: "~/qualrun-logs"
`)
	cfg, err := Load(path)
	require.NoError(t, err)

	home, err := os.UserHomeDir()
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(home, "qualrun-data"), cfg.DataDir)
	assert.Equal(t, filepath.Join(home, "qualrun-data", "qualrun.db"), cfg.DBPath)
	assert.Equal(t, filepath.Join(home, "qualrun-logs"), cfg.RunLogs.Dir)
}

func TestIntOr(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 15, IntOr("15", 30))
	assert.Equal(t, 15, IntOr(" 15 ", 30))
	assert.Equal(t, 30, IntOr("", 30))
	assert.Equal(t, 30, IntOr("abc", 30))
	assert.Equal(t, 30, IntOr("0", 30))
	assert.Equal(t, 30, IntOr("-5", 30))
	assert.Equal(t, 30, IntOr("1.5", 30))
}

func TestCountOrAcceptsZero(t *testing.T) {
	t.Parallel()

	assert.Equal(t, 0, CountOr("0", 2))
	assert.Equal(t, 4, CountOr(" 4", 2))
	assert.Equal(t, 2, CountOr("-1", 2))
	assert.Equal(t, 2, CountOr("many", 2))
}

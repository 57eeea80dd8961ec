// Package config loads the qualrun daemon and CLI configuration from an
// optional YAML file, QUALRUN_* environment variables and defaults.
package config

import (
	"io/fs"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/cockroachdb/errors"
	"github.com/spf13/viper"

	"github.com/patrickspencer/qualrun/internal/executor"
	"github.com/patrickspencer/qualrun/internal/manager"
)

// EnvPrefix is the prefix for environment overrides, e.g.
// QUALRUN_MANAGER_TIMEOUT_MINUTES.
const EnvPrefix = "QUALRUN"

// RunLogConfig controls persistent per-resume stdout/stderr log files.
type RunLogConfig struct {
	Enabled           bool   `mapstructure:"enabled" yaml:"enabled" json:"enabled"`
	Dir               string `mapstructure:"dir" yaml:"dir" json:"dir"`
	MaxBytesPerStream int64  `mapstructure:"max_bytes_per_stream" yaml:"max_bytes_per_stream" json:"max_bytes_per_stream"`
	RetentionDays     int    `mapstructure:"retention_days" yaml:"retention_days" json:"retention_days"`
	MaxTotalMB        int64  `mapstructure:"max_total_mb" yaml:"max_total_mb" json:"max_total_mb"`
	KeepPerRun        int    `mapstructure:"keep_per_run" yaml:"keep_per_run" json:"keep_per_run"`
}

// Config is the top-level configuration.
type Config struct {
	Listen   string          `mapstructure:"listen" yaml:"listen" json:"listen"`
	DataDir  string          `mapstructure:"data_dir" yaml:"data_dir" json:"data_dir"`
	DBPath   string          `mapstructure:"db_path" yaml:"db_path" json:"db_path"`
	LogLevel string          `mapstructure:"log_level" yaml:"log_level" json:"log_level"`
	LogJSON  bool            `mapstructure:"log_json" yaml:"log_json" json:"log_json"`
	Manager  manager.Config  `mapstructure:"manager" yaml:"manager" json:"manager"`
	Executor executor.Config `mapstructure:"executor" yaml:"executor" json:"executor"`
	RunLogs  RunLogConfig    `mapstructure:"run_logs" yaml:"run_logs" json:"run_logs"`
}

// SetDefaults registers every key with its default. Keys must be known to
// viper for environment overrides to apply on Unmarshal.
func SetDefaults(v *viper.Viper) {
	v.SetDefault("listen", ":8080")
	v.SetDefault("data_dir", "./data")
	v.SetDefault("db_path", "")
	v.SetDefault("log_level", "info")
	v.SetDefault("log_json", false)

	v.SetDefault("manager.timeout_minutes", manager.DefaultTimeoutMinutes)
	v.SetDefault("manager.check_interval_minutes", manager.DefaultCheckIntervalMinutes)
	v.SetDefault("manager.max_retries", manager.DefaultMaxRetries)
	v.SetDefault("manager.resume_zero_progress", false)
	v.SetDefault("manager.resume_grace_minutes", 0)
	v.SetDefault("manager.cleanup_schedule", "")
	v.SetDefault("manager.retention_days", manager.DefaultRetentionDays)

	v.SetDefault("executor.type", "noop")
	v.SetDefault("executor.command", "")
	v.SetDefault("executor.work_dir", "")
	v.SetDefault("executor.url", "")
	v.SetDefault("executor.timeout", "30s")
	v.SetDefault("executor.rate_per_second", 0)
	v.SetDefault("executor.burst", 1)

	v.SetDefault("run_logs.enabled", true)
	v.SetDefault("run_logs.dir", "")
	v.SetDefault("run_logs.max_bytes_per_stream", 256*1024)
	v.SetDefault("run_logs.retention_days", 7)
	v.SetDefault("run_logs.max_total_mb", 128)
	v.SetDefault("run_logs.keep_per_run", 5)
}

// NewViper returns a viper instance with defaults and environment binding.
func NewViper() *viper.Viper {
	v := viper.New()
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()
	SetDefaults(v)
	return v
}

// Load reads the configuration. An empty path or a missing file yields the
// defaults plus environment overrides.
func Load(path string) (*Config, error) {
	v := NewViper()
	if err := ReadFile(v, path); err != nil {
		return nil, err
	}
	return LoadWithViper(v)
}

// ReadFile merges the YAML file at path into v. A missing file is not an
// error so a fresh install runs on defaults.
func ReadFile(v *viper.Viper, path string) error {
	if path == "" {
		return nil
	}
	v.SetConfigFile(expandPath(path))
	v.SetConfigType("yaml")
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if errors.Is(err, fs.ErrNotExist) || errors.As(err, &notFound) {
			return nil
		}
		return errors.Wrapf(err, "read config %s", path)
	}
	return nil
}

// LoadWithViper decodes an already populated viper instance.
func LoadWithViper(v *viper.Viper) (*Config, error) {
	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, errors.WithHint(errors.Wrap(err, "decode config"),
			"check value types, e.g. manager.timeout_minutes must be a number")
	}
	applyDefaults(&cfg)
	return &cfg, nil
}

func applyDefaults(c *Config) {
	c.DataDir = expandPath(c.DataDir)
	if c.DBPath == "" {
		c.DBPath = filepath.Join(c.DataDir, "qualrun.db")
	} else {
		c.DBPath = expandPath(c.DBPath)
	}
	if c.RunLogs.Dir == "" {
		c.RunLogs.Dir = filepath.Join(c.DataDir, "logs")
	} else {
		c.RunLogs.Dir = expandPath(c.RunLogs.Dir)
	}
	if c.RunLogs.MaxBytesPerStream <= 0 {
		c.RunLogs.MaxBytesPerStream = 256 * 1024
	}
	if c.RunLogs.RetentionDays <= 0 {
		c.RunLogs.RetentionDays = 7
	}
	if c.RunLogs.MaxTotalMB <= 0 {
		c.RunLogs.MaxTotalMB = 128
	}
	if c.RunLogs.KeepPerRun <= 0 {
		c.RunLogs.KeepPerRun = 5
	}
	c.Executor.WorkDir = expandPath(c.Executor.WorkDir)
	c.Manager = c.Manager.WithDefaults()
}

func expandPath(value string) string {
	v := strings.TrimSpace(value)
	if v == "" {
		return value
	}

	v = os.ExpandEnv(v)

	home, err := os.UserHomeDir()
	if err != nil || strings.TrimSpace(home) == "" {
		return v
	}

	if v == "~" {
		return home
	}
	if strings.HasPrefix(v, "~/") {
		return filepath.Join(home, v[2:])
	}
	if strings.HasPrefix(v, "~\\") {
		return filepath.Join(home, v[2:])
	}
	return v
}

// IntOr parses s as a positive integer and returns def for anything else.
// CLI numeric flags go through it so operator typos degrade to defaults.
func IntOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n <= 0 {
		return def
	}
	return n
}

// CountOr is IntOr for counts where zero is a valid setting, such as
// --max-retries 0. Negative or unparseable input returns def.
func CountOr(s string, def int) int {
	n, err := strconv.Atoi(strings.TrimSpace(s))
	if err != nil || n < 0 {
		return def
	}
	return n
}

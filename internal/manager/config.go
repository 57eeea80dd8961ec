package manager

import "time"

// Defaults applied to unset Config fields. MaxRetries only takes its default
// when negative, since zero means "never resume".
const (
	DefaultTimeoutMinutes       = 30
	DefaultCheckIntervalMinutes = 5
	DefaultMaxRetries           = 2
	DefaultRetentionDays        = 30
)

// Config is the run manager's recovery policy. It is fixed for the lifetime
// of a Manager; construct a new Manager to change it.
type Config struct {
	// TimeoutMinutes is the age above which an active run is stuck.
	TimeoutMinutes int `mapstructure:"timeout_minutes" yaml:"timeout_minutes" json:"timeout_minutes"`
	// CheckIntervalMinutes is the period of the background sweep.
	CheckIntervalMinutes int `mapstructure:"check_interval_minutes" yaml:"check_interval_minutes" json:"check_interval_minutes"`
	// MaxRetries bounds the resume attempts per run before it is failed.
	// Zero fails every stuck run on sight.
	MaxRetries int `mapstructure:"max_retries" yaml:"max_retries" json:"max_retries"`
	// ResumeZeroProgress treats a stuck run that never recorded progress
	// like any other stall instead of failing it on first sight.
	ResumeZeroProgress bool `mapstructure:"resume_zero_progress" yaml:"resume_zero_progress" json:"resume_zero_progress"`
	// ResumeGraceMinutes holds back a further resume of a run until this long
	// after its last one. Zero resumes on every sweep that finds it stuck.
	ResumeGraceMinutes int `mapstructure:"resume_grace_minutes" yaml:"resume_grace_minutes" json:"resume_grace_minutes"`
	// CleanupSchedule is a cron expression for automatic retention cleanup.
	// Empty disables it.
	CleanupSchedule string `mapstructure:"cleanup_schedule" yaml:"cleanup_schedule" json:"cleanup_schedule,omitempty"`
	// RetentionDays is the age passed to Cleanup by the scheduled cleanup.
	RetentionDays int `mapstructure:"retention_days" yaml:"retention_days" json:"retention_days"`
}

// DefaultConfig returns the default policy.
func DefaultConfig() Config {
	return Config{
		TimeoutMinutes:       DefaultTimeoutMinutes,
		CheckIntervalMinutes: DefaultCheckIntervalMinutes,
		MaxRetries:           DefaultMaxRetries,
		RetentionDays:        DefaultRetentionDays,
	}
}

// WithDefaults fills in zero or negative numeric fields, except MaxRetries
// and ResumeGraceMinutes where zero is meaningful.
func (c Config) WithDefaults() Config {
	if c.TimeoutMinutes <= 0 {
		c.TimeoutMinutes = DefaultTimeoutMinutes
	}
	if c.CheckIntervalMinutes <= 0 {
		c.CheckIntervalMinutes = DefaultCheckIntervalMinutes
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = DefaultMaxRetries
	}
	if c.ResumeGraceMinutes < 0 {
		c.ResumeGraceMinutes = 0
	}
	if c.RetentionDays <= 0 {
		c.RetentionDays = DefaultRetentionDays
	}
	return c
}

// Timeout returns TimeoutMinutes as a duration.
func (c Config) Timeout() time.Duration {
	return time.Duration(c.TimeoutMinutes) * time.Minute
}

// ResumeGrace returns ResumeGraceMinutes as a duration.
func (c Config) ResumeGrace() time.Duration {
	return time.Duration(c.ResumeGraceMinutes) * time.Minute
}

// CheckInterval returns CheckIntervalMinutes as a duration.
func (c Config) CheckInterval() time.Duration {
	return time.Duration(c.CheckIntervalMinutes) * time.Minute
}

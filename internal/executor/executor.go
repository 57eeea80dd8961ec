// Package executor holds the contract the run manager uses to hand a stuck
// run back to the job executor, plus the built-in implementations.
package executor

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/patrickspencer/qualrun/internal/runlog"
)

// Executor starts or resumes processing for a run. Implementations must bound
// their own execution time; the manager does not impose a timeout.
type Executor interface {
	Resume(ctx context.Context, runID string) error
}

// Func adapts a plain function to Executor.
type Func func(ctx context.Context, runID string) error

// Resume calls f.
func (f Func) Resume(ctx context.Context, runID string) error {
	return f(ctx, runID)
}

// Noop accepts every resume request without doing anything. It is used when
// the executor picks up PENDING runs on its own.
type Noop struct{}

// Resume implements Executor.
func (Noop) Resume(context.Context, string) error { return nil }

// Config selects and parameterizes an executor.
type Config struct {
	Type          string        `mapstructure:"type" yaml:"type" json:"type"`
	Command       string        `mapstructure:"command" yaml:"command" json:"command,omitempty"`
	WorkDir       string        `mapstructure:"work_dir" yaml:"work_dir" json:"work_dir,omitempty"`
	URL           string        `mapstructure:"url" yaml:"url" json:"url,omitempty"`
	Timeout       time.Duration `mapstructure:"timeout" yaml:"timeout" json:"timeout"`
	RatePerSecond float64       `mapstructure:"rate_per_second" yaml:"rate_per_second" json:"rate_per_second,omitempty"`
	Burst         int           `mapstructure:"burst" yaml:"burst" json:"burst,omitempty"`
}

const defaultTimeout = 30 * time.Second

// FromConfig builds the configured executor. logs may be nil.
func FromConfig(cfg Config, logs *runlog.Archive, log *zap.SugaredLogger) (Executor, error) {
	if log == nil {
		log = zap.NewNop().Sugar()
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}

	var ex Executor
	switch cfg.Type {
	case "", "noop":
		ex = Noop{}
	case "shell":
		if cfg.Command == "" {
			return nil, errors.WithHint(errors.New("shell executor requires a command"),
				"set executor.command, e.g. \"./bin/qualify --resume $QUALRUN_RUN_ID\"")
		}
		ex = NewShell(cfg.Command, timeout, &ShellOptions{WorkDir: cfg.WorkDir, Logs: logs, Logger: log})
	case "webhook":
		if cfg.URL == "" {
			return nil, errors.WithHint(errors.New("webhook executor requires a url"), "set executor.url")
		}
		ex = NewWebhook(cfg.URL, timeout)
	default:
		return nil, errors.Newf("unknown executor type %q", cfg.Type)
	}

	if cfg.RatePerSecond > 0 {
		ex = NewRateLimited(ex, cfg.RatePerSecond, cfg.Burst)
	}
	return ex, nil
}

package executor

import (
	"context"
	"io"
	"os/exec"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"go.uber.org/zap"

	"github.com/patrickspencer/qualrun/internal/runlog"
)

const ringBufSize = 16 * 1024

// RingBuffer is a fixed-size circular buffer that implements io.Writer.
// It retains only the most recent bytes written, up to its capacity.
type RingBuffer struct {
	buf  []byte
	size int
	pos  int
	full bool
}

// NewRingBuffer creates a RingBuffer with the given capacity.
func NewRingBuffer(size int) *RingBuffer {
	return &RingBuffer{buf: make([]byte, size), size: size}
}

// Write implements io.Writer. Oldest data is overwritten once full.
func (rb *RingBuffer) Write(p []byte) (int, error) {
	n := len(p)
	if n >= rb.size {
		copy(rb.buf, p[n-rb.size:])
		rb.pos = 0
		rb.full = true
		return n, nil
	}

	oldPos := rb.pos
	first := rb.size - rb.pos
	if first >= n {
		copy(rb.buf[rb.pos:], p)
	} else {
		copy(rb.buf[rb.pos:], p[:first])
		copy(rb.buf, p[first:])
	}

	rb.pos = (rb.pos + n) % rb.size
	if !rb.full && rb.pos <= oldPos {
		rb.full = true
	}
	return n, nil
}

// String returns the buffered contents in chronological order.
func (rb *RingBuffer) String() string {
	if !rb.full {
		return string(rb.buf[:rb.pos])
	}
	out := make([]byte, rb.size)
	n := copy(out, rb.buf[rb.pos:])
	copy(out[n:], rb.buf[:rb.pos])
	return string(out)
}

// ShellOptions controls optional behaviour of the shell executor.
type ShellOptions struct {
	WorkDir string
	Env     map[string]string
	// Logs persists each resume invocation's output when set.
	Logs   *runlog.Archive
	Logger *zap.SugaredLogger
}

// Shell resumes a run by invoking a shell command with QUALRUN_RUN_ID set.
// The command is expected to enqueue or continue the run and exit promptly.
type Shell struct {
	command string
	timeout time.Duration
	opts    ShellOptions
}

// NewShell creates a shell executor. opts may be nil.
func NewShell(command string, timeout time.Duration, opts *ShellOptions) *Shell {
	s := &Shell{command: command, timeout: timeout}
	if opts != nil {
		s.opts = *opts
	}
	if s.opts.Logger == nil {
		s.opts.Logger = zap.NewNop().Sugar()
	}
	return s
}

// Resume implements Executor.
func (s *Shell) Resume(ctx context.Context, runID string) error {
	if s.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, s.timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, "sh", "-c", s.command)
	cmd.Env = BuildEnv(s.opts.Env, runID, "recovery")
	// Grandchildren may hold the output pipes open after sh is killed.
	cmd.WaitDelay = time.Second
	if s.opts.WorkDir != "" {
		cmd.Dir = s.opts.WorkDir
	}

	stdoutBuf := NewRingBuffer(ringBufSize)
	stderrBuf := NewRingBuffer(ringBufSize)
	cmd.Stdout = stdoutBuf
	cmd.Stderr = stderrBuf

	var capture *runlog.Capture
	if s.opts.Logs != nil {
		c, err := s.opts.Logs.Open(runID, time.Now())
		if err != nil {
			s.opts.Logger.Warnw("Failed to open resume log files", "run_id", runID, "error", err)
		} else {
			capture = c
			cmd.Stdout = io.MultiWriter(stdoutBuf, c.Stdout)
			cmd.Stderr = io.MultiWriter(stderrBuf, c.Stderr)
		}
	}

	start := time.Now()
	err := cmd.Run()
	elapsed := time.Since(start)

	if capture != nil {
		if closeErr := capture.Close(); closeErr != nil {
			s.opts.Logger.Warnw("Failed to close resume log files", "run_id", runID, "error", closeErr)
		}
		if dropped := capture.Stdout.Dropped() + capture.Stderr.Dropped(); dropped > 0 {
			s.opts.Logger.Infow("Resume output truncated", "run_id", runID, "dropped_bytes", dropped)
		}
	}

	if err != nil {
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return errors.Wrapf(err, "resume command for run %s timed out after %s", runID, s.timeout)
		}
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return errors.WithDetail(
				errors.Newf("resume command for run %s exited with code %d", runID, exitErr.ExitCode()),
				strings.TrimSpace(stderrBuf.String()),
			)
		}
		return errors.Wrapf(err, "run resume command for run %s", runID)
	}

	s.opts.Logger.Debugw("Resume command finished", "run_id", runID, "duration", elapsed)
	return nil
}

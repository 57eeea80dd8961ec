// Package manager supervises qualification runs: it finds runs that have
// been active for longer than the configured timeout, resumes or fails them
// according to a bounded retry policy, reports health and statistics, and
// prunes old terminal runs.
//
// The manager keeps no run state in memory. Every operation reads from the
// RunStore, and every write is conditional on the state it just read, so
// several managers (or a manager and an HTTP handler) can act on the same
// store concurrently.
package manager

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"
	"go.uber.org/zap"

	"github.com/patrickspencer/qualrun/internal/executor"
	"github.com/patrickspencer/qualrun/internal/realtime"
	"github.com/patrickspencer/qualrun/internal/scheduler"
	"github.com/patrickspencer/qualrun/internal/store"
)

// Manager is the run supervisor.
type Manager struct {
	cfg      Config
	store    store.RunStore
	executor executor.Executor
	events   *realtime.Broker
	log      *zap.SugaredLogger
	now      func() time.Time

	cleanupSchedule cron.Schedule
	maintenance     func(context.Context) error

	mu    sync.Mutex
	sched *scheduler.Scheduler

	sweeping    atomic.Bool
	lastSweepAt atomic.Pointer[time.Time]
}

// Option customizes a Manager.
type Option func(*Manager)

// WithLogger sets the logger. The manager logs under the "manager" name.
func WithLogger(l *zap.SugaredLogger) Option {
	return func(m *Manager) {
		if l != nil {
			m.log = l.Named("manager")
		}
	}
}

// WithEvents publishes lifecycle events to b.
func WithEvents(b *realtime.Broker) Option {
	return func(m *Manager) { m.events = b }
}

// WithClock overrides time.Now.
func WithClock(now func() time.Time) Option {
	return func(m *Manager) {
		if now != nil {
			m.now = now
		}
	}
}

// WithMaintenance registers extra work to run after each scheduled cleanup,
// such as pruning resume log files.
func WithMaintenance(fn func(context.Context) error) Option {
	return func(m *Manager) { m.maintenance = fn }
}

// New creates a Manager. Zero config fields take defaults and a nil executor
// is replaced by executor.Noop.
func New(cfg Config, st store.RunStore, ex executor.Executor, opts ...Option) (*Manager, error) {
	if st == nil {
		return nil, errors.New("run manager requires a run store")
	}
	if ex == nil {
		ex = executor.Noop{}
	}

	m := &Manager{
		cfg:      cfg.WithDefaults(),
		store:    st,
		executor: ex,
		log:      zap.NewNop().Sugar(),
		now:      time.Now,
	}
	for _, opt := range opts {
		opt(m)
	}

	if m.cfg.CleanupSchedule != "" {
		sched, err := scheduler.ParseSchedule(m.cfg.CleanupSchedule)
		if err != nil {
			return nil, errors.WithHint(
				errors.Wrapf(err, "invalid cleanup schedule %q", m.cfg.CleanupSchedule),
				"use a 5-field cron expression or a descriptor such as @daily")
		}
		m.cleanupSchedule = sched
	}

	return m, nil
}

// Config returns the manager's immutable configuration.
func (m *Manager) Config() Config {
	return m.cfg
}

// Start begins the periodic sweep. Calling Start while running is a no-op.
func (m *Manager) Start() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.sched != nil {
		return
	}

	s := scheduler.New(m.fire, scheduler.WithLogger(m.log))
	s.Schedule(scheduler.TaskSweep, scheduler.Every(m.cfg.CheckInterval()))
	if m.cleanupSchedule != nil {
		s.Schedule(scheduler.TaskCleanup, m.cleanupSchedule)
	}
	s.Start(context.Background())
	m.sched = s

	m.log.Infow("Run manager started",
		"check_interval", m.cfg.CheckInterval(),
		"timeout", m.cfg.Timeout(),
		"max_retries", m.cfg.MaxRetries,
		"resume_grace", m.cfg.ResumeGrace(),
		"cleanup_schedule", m.cfg.CleanupSchedule)
}

// Stop cancels the periodic sweep. A sweep already in progress runs to
// completion before Stop returns. Safe to call when not started.
func (m *Manager) Stop() {
	m.mu.Lock()
	s := m.sched
	m.sched = nil
	m.mu.Unlock()

	if s == nil {
		return
	}
	s.Stop()
	m.log.Infow("Run manager stopped")
}

// Running reports whether the periodic sweep is active.
func (m *Manager) Running() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.sched != nil
}

// SweepSchedule reports the next scheduled sweep and how many sweep slots
// were coalesced because an earlier sweep overran them.
func (m *Manager) SweepSchedule() (scheduler.TaskStats, bool) {
	m.mu.Lock()
	s := m.sched
	m.mu.Unlock()
	if s == nil {
		return scheduler.TaskStats{}, false
	}
	return s.Stats(scheduler.TaskSweep)
}

// fire runs a scheduled task. Errors and panics are logged and never stop
// the scheduler.
func (m *Manager) fire(ctx context.Context, f scheduler.Firing) {
	defer func() {
		if r := recover(); r != nil {
			m.log.Errorw("Scheduled task panicked", "task", f.Task, "panic", r)
		}
	}()

	switch f.Task {
	case scheduler.TaskSweep:
		m.tick(ctx)
	case scheduler.TaskCleanup:
		n, err := m.Cleanup(ctx, m.cfg.RetentionDays)
		if err != nil {
			m.log.Errorw("Scheduled cleanup failed", "error", err)
		} else {
			m.log.Infow("Scheduled cleanup finished", "deleted", n, "retention_days", m.cfg.RetentionDays)
		}
		if m.maintenance != nil {
			if err := m.maintenance(ctx); err != nil {
				m.log.Warnw("Maintenance after cleanup failed", "error", err)
			}
		}
	}
}

// tick runs one timer-driven sweep unless the previous one is still going.
func (m *Manager) tick(ctx context.Context) {
	if !m.sweeping.CompareAndSwap(false, true) {
		m.log.Warnw("Skipping sweep tick, previous sweep still running")
		return
	}
	defer m.sweeping.Store(false)

	out, err := m.sweep(ctx, triggerScheduled, false)
	if err != nil {
		m.log.Errorw("Sweep failed, retrying on next tick", "error", err)
		return
	}
	if out.Recovered+out.Errors > 0 {
		m.log.Infow("Sweep finished",
			"sweep_id", out.SweepID,
			"resumed", out.Resumed,
			"failed", out.Failed,
			"skipped", out.Skipped,
			"errors", out.Errors)
	}
}

func (m *Manager) publish(evt realtime.Event) {
	if m.events == nil {
		return
	}
	if evt.At.IsZero() {
		evt.At = m.now().UTC()
	}
	m.events.Publish(evt)
}

package manager

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/qualrun/internal/store"
)

const recentWindow = 24 * time.Hour

// Stats is an aggregate view of the run table.
type Stats struct {
	ActiveRuns        int    `json:"active_runs"`
	PendingRuns       int    `json:"pending_runs"`
	ProcessingRuns    int    `json:"processing_runs"`
	RecentlyCompleted int    `json:"recently_completed"`
	RecentlyFailed    int    `json:"recently_failed"`
	Config            Config `json:"config"`
}

type statCount struct {
	dst  *int
	opts store.CountOpts
}

// Stats counts active runs and the runs that finished in the last 24 hours.
func (m *Manager) Stats(ctx context.Context) (*Stats, error) {
	since := m.now().UTC().Add(-recentWindow)
	s := &Stats{Config: m.cfg}

	counts := []statCount{
		{&s.PendingRuns, store.CountOpts{Statuses: []store.Status{store.StatusPending}}},
		{&s.ProcessingRuns, store.CountOpts{Statuses: []store.Status{store.StatusProcessing}}},
		{&s.RecentlyCompleted, store.CountOpts{Statuses: []store.Status{store.StatusCompleted}, CompletedSince: since}},
		{&s.RecentlyFailed, store.CountOpts{Statuses: []store.Status{store.StatusFailed}, CompletedSince: since}},
	}
	for _, c := range counts {
		n, err := m.store.CountRuns(ctx, c.opts)
		if err != nil {
			return nil, errors.Wrap(err, "collect run stats")
		}
		*c.dst = n
	}
	s.ActiveRuns = s.PendingRuns + s.ProcessingRuns
	return s, nil
}

// RunHealthStatus classifies every active run. The order of the result is
// not defined.
func (m *Manager) RunHealthStatus(ctx context.Context) ([]HealthStatus, error) {
	runs, err := m.store.ListRuns(ctx, store.ListOpts{Statuses: store.ActiveStatuses})
	if err != nil {
		return nil, errors.Wrap(err, "list active runs")
	}

	now := m.now().UTC()
	out := make([]HealthStatus, 0, len(runs))
	for _, r := range runs {
		out = append(out, Classify(r, m.cfg.Timeout(), now))
	}
	return out, nil
}

// Summary is a compact health report for probes and dashboards.
type Summary struct {
	Status      string     `json:"status"`
	Healthy     bool       `json:"healthy"`
	ActiveRuns  int        `json:"active_runs"`
	StuckRuns   int        `json:"stuck_runs"`
	Running     bool       `json:"running"`
	LastSweepAt *time.Time `json:"last_sweep_at,omitempty"`
	NextSweepAt *time.Time `json:"next_sweep_at,omitempty"`
	// MissedSweeps counts sweep slots skipped because a sweep overran them.
	MissedSweeps int       `json:"missed_sweeps"`
	CheckedAt    time.Time `json:"checked_at"`
}

// Summary reports "healthy" when no active run is stuck and "degraded"
// otherwise.
func (m *Manager) Summary(ctx context.Context) (*Summary, error) {
	health, err := m.RunHealthStatus(ctx)
	if err != nil {
		return nil, err
	}

	s := &Summary{
		ActiveRuns:  len(health),
		Running:     m.Running(),
		LastSweepAt: m.LastSweepAt(),
		CheckedAt:   m.now().UTC(),
	}
	if sched, ok := m.SweepSchedule(); ok {
		next := sched.Next
		s.NextSweepAt = &next
		s.MissedSweeps = sched.Missed
	}
	for _, h := range health {
		if h.IsStuck {
			s.StuckRuns++
		}
	}
	s.Healthy = s.StuckRuns == 0
	s.Status = "healthy"
	if !s.Healthy {
		s.Status = "degraded"
	}
	return s, nil
}

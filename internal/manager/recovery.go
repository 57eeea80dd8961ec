package manager

import (
	"context"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"

	"github.com/patrickspencer/qualrun/internal/realtime"
	"github.com/patrickspencer/qualrun/internal/store"
)

const (
	triggerScheduled = "scheduled"
	triggerManual    = "manual"
	triggerPreview   = "preview"

	reasonCompletedMeanwhile = "completed before recovery"
)

// RecoveryDetail records what a sweep did with one run.
type RecoveryDetail struct {
	RunID  string `json:"run_id"`
	Action Action `json:"action"`
	Reason string `json:"reason"`
}

// RecoveryOutcome is the result of one sweep.
type RecoveryOutcome struct {
	SweepID string `json:"sweep_id"`
	Trigger string `json:"trigger"`
	// Recovered counts the runs the sweep acted on (Resumed + Failed).
	Recovered int `json:"recovered"`
	Resumed   int `json:"resumed"`
	Failed    int `json:"failed"`
	// Skipped counts listed runs the sweep left alone, because they changed
	// under it or were resumed too recently.
	Skipped    int              `json:"skipped"`
	Errors     int              `json:"errors"`
	Details    []RecoveryDetail `json:"details"`
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	DryRun     bool             `json:"dry_run"`
}

// CheckTimeouts applies the recovery policy to every stuck run, exactly as
// the periodic sweep does, and tags the outcome as a manual trigger.
func (m *Manager) CheckTimeouts(ctx context.Context) (*RecoveryOutcome, error) {
	return m.sweep(ctx, triggerManual, false)
}

// RecoverStuckRuns runs the same logic as CheckTimeouts on demand.
func (m *Manager) RecoverStuckRuns(ctx context.Context) (*RecoveryOutcome, error) {
	return m.sweep(ctx, triggerManual, false)
}

// Preview reports what RecoverStuckRuns would do without writing anything.
func (m *Manager) Preview(ctx context.Context) (*RecoveryOutcome, error) {
	return m.sweep(ctx, triggerPreview, true)
}

// LastSweepAt returns when the last non-preview sweep finished.
func (m *Manager) LastSweepAt() *time.Time {
	return m.lastSweepAt.Load()
}

func (m *Manager) sweep(ctx context.Context, trigger string, dryRun bool) (*RecoveryOutcome, error) {
	now := m.now().UTC()
	out := &RecoveryOutcome{
		SweepID:   uuid.NewString(),
		Trigger:   trigger,
		Details:   []RecoveryDetail{},
		StartedAt: now,
		DryRun:    dryRun,
	}

	candidates, err := m.store.ListRuns(ctx, store.ListOpts{
		Statuses:      store.ActiveStatuses,
		CreatedBefore: now.Add(-m.cfg.Timeout()),
	})
	if err != nil {
		return nil, errors.Wrap(err, "list stuck runs")
	}

	for _, c := range candidates {
		if err := ctx.Err(); err != nil {
			return nil, errors.Wrap(err, "sweep interrupted")
		}
		m.recoverOne(ctx, c.ID, now, out)
	}

	out.Recovered = out.Resumed + out.Failed
	out.FinishedAt = m.now().UTC()

	if !dryRun {
		finished := out.FinishedAt
		m.lastSweepAt.Store(&finished)
		m.publish(realtime.Event{
			Type:    realtime.TypeSweepCompleted,
			SweepID: out.SweepID,
			Trigger: out.Trigger,
			Count:   out.Recovered,
			At:      out.FinishedAt,
		})
	}
	return out, nil
}

// recoverOne re-reads a candidate and applies the policy to its current
// state. Errors are recorded in out and never returned.
func (m *Manager) recoverOne(ctx context.Context, runID string, now time.Time, out *RecoveryOutcome) {
	log := m.log.With("sweep_id", out.SweepID, "run_id", runID)

	run, err := m.store.GetRun(ctx, runID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			out.Skipped++
			return
		}
		log.Warnw("Failed to re-read run", "error", err)
		out.Errors++
		return
	}

	if run.Status == store.StatusCompleted {
		out.Skipped++
		out.Details = append(out.Details, RecoveryDetail{
			RunID: run.ID, Action: ActionRecovered, Reason: reasonCompletedMeanwhile,
		})
		return
	}

	d := Decide(run, m.cfg, now)
	if d.Action == "" {
		out.Skipped++
		return
	}

	if out.DryRun {
		m.count(out, run.ID, d)
		return
	}

	switch d.Action {
	case ActionFailed:
		attempts := run.RecoveryAttempts
		opts := store.FailOpts{Reason: d.Reason, At: now, ExpectedAttempts: &attempts}
		if d.FromProgress {
			completed := run.Completed
			opts.ExpectedCompleted = &completed
		}
		ok, err := m.store.FailRun(ctx, run.ID, opts)
		if err != nil {
			log.Warnw("Failed to fail stuck run", "error", err)
			out.Errors++
			return
		}
		if !ok {
			out.Skipped++
			return
		}
		log.Infow("Stuck run failed", "reason", d.Reason)
		m.count(out, run.ID, d)
		m.publish(realtime.Event{
			Type:    realtime.TypeRunFailed,
			RunID:   run.ID,
			SweepID: out.SweepID,
			Action:  string(d.Action),
			Status:  string(store.StatusFailed),
			Reason:  d.Reason,
		})

	case ActionResumed:
		ok, err := m.store.RecordRecoveryAttempt(ctx, run.ID, run.RecoveryAttempts, now)
		if err != nil {
			log.Warnw("Failed to record recovery attempt", "error", err)
			out.Errors++
			return
		}
		if !ok {
			out.Skipped++
			return
		}
		// The attempt is consumed even if the executor rejects the resume.
		m.count(out, run.ID, d)
		if err := m.executor.Resume(ctx, run.ID); err != nil {
			log.Warnw("Executor failed to resume run", "error", err, "attempt", run.RecoveryAttempts+1)
			out.Errors++
			return
		}
		log.Infow("Stuck run resumed", "reason", d.Reason)
		m.publish(realtime.Event{
			Type:    realtime.TypeRunResumed,
			RunID:   run.ID,
			SweepID: out.SweepID,
			Action:  string(d.Action),
			Status:  string(run.Status),
			Reason:  d.Reason,
		})
	}
}

func (m *Manager) count(out *RecoveryOutcome, runID string, d Decision) {
	switch d.Action {
	case ActionResumed:
		out.Resumed++
	case ActionFailed:
		out.Failed++
	}
	out.Details = append(out.Details, RecoveryDetail{RunID: runID, Action: d.Action, Reason: d.Reason})
}

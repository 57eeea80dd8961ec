package manager

import (
	"context"
	"strings"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/qualrun/internal/realtime"
	"github.com/patrickspencer/qualrun/internal/store"
)

const defaultFailReason = "failed by operator"

// FailRun moves an active run to FAILED and records reason. Failing a run
// that is already terminal returns ErrAlreadyTerminal so CompletedAt is only
// ever set once.
func (m *Manager) FailRun(ctx context.Context, runID, reason string) error {
	runID = strings.TrimSpace(runID)
	if runID == "" {
		return errors.Wrap(ErrInvalidArgument, "run id is required")
	}
	reason = strings.TrimSpace(reason)
	if reason == "" {
		reason = defaultFailReason
	}

	ok, err := m.store.FailRun(ctx, runID, store.FailOpts{Reason: reason, At: m.now().UTC()})
	if err != nil {
		return errors.Wrapf(err, "fail run %s", runID)
	}
	if !ok {
		run, err := m.store.GetRun(ctx, runID)
		if err != nil {
			return errors.Wrapf(err, "fail run %s", runID)
		}
		return errors.Wrapf(ErrAlreadyTerminal, "run %s is %s", runID, run.Status)
	}

	m.log.Infow("Run failed by operator", "run_id", runID, "reason", reason)
	m.publish(realtime.Event{
		Type:   realtime.TypeRunFailed,
		RunID:  runID,
		Action: string(ActionFailed),
		Status: string(store.StatusFailed),
		Reason: reason,
	})
	return nil
}

// Cleanup deletes terminal runs whose CompletedAt is more than olderThanDays
// in the past and returns how many were removed. Active runs are never
// deleted.
func (m *Manager) Cleanup(ctx context.Context, olderThanDays int) (int, error) {
	if olderThanDays < 0 {
		return 0, errors.Wrapf(ErrInvalidArgument, "days must not be negative, got %d", olderThanDays)
	}

	cutoff := m.now().UTC().AddDate(0, 0, -olderThanDays)
	n, err := m.store.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, errors.Wrap(err, "cleanup terminal runs")
	}

	m.log.Infow("Cleanup finished", "deleted", n, "older_than_days", olderThanDays, "cutoff", cutoff)
	m.publish(realtime.Event{Type: realtime.TypeCleanupCompleted, Count: n})
	return n, nil
}

package manager

import (
	"time"

	"github.com/patrickspencer/qualrun/internal/store"
)

// HealthStatus is the derived view of one active run.
type HealthStatus struct {
	RunID            string       `json:"run_id"`
	Status           store.Status `json:"status"`
	TotalProspects   int          `json:"total_prospects"`
	Completed        int          `json:"completed"`
	RecoveryAttempts int          `json:"recovery_attempts"`
	CreatedAt        time.Time    `json:"created_at"`

	Progress   float64 `json:"progress"`
	AgeMinutes float64 `json:"age_minutes"`
	IsStuck    bool    `json:"is_stuck"`
	// EstimatedMinutesRemaining is nil when the run has no progress or is stuck.
	EstimatedMinutesRemaining *float64 `json:"estimated_minutes_remaining,omitempty"`
}

// Progress returns completed/total as a percentage clamped to [0, 100].
// A run with no prospects has progress 0.
func Progress(run *store.Run) float64 {
	if run.TotalProspects <= 0 {
		return 0
	}
	p := float64(run.Completed) / float64(run.TotalProspects) * 100
	switch {
	case p < 0:
		return 0
	case p > 100:
		return 100
	}
	return p
}

// IsStuck reports whether an active run is strictly older than timeout.
func IsStuck(run *store.Run, timeout time.Duration, now time.Time) bool {
	return run.Status.IsActive() && now.Sub(run.CreatedAt) > timeout
}

// Classify computes the health of a run at now.
func Classify(run *store.Run, timeout time.Duration, now time.Time) HealthStatus {
	age := now.Sub(run.CreatedAt)
	h := HealthStatus{
		RunID:            run.ID,
		Status:           run.Status,
		TotalProspects:   run.TotalProspects,
		Completed:        run.Completed,
		RecoveryAttempts: run.RecoveryAttempts,
		CreatedAt:        run.CreatedAt,
		Progress:         Progress(run),
		AgeMinutes:       age.Minutes(),
		IsStuck:          IsStuck(run, timeout, now),
	}

	if h.Progress > 0 && !h.IsStuck && h.AgeMinutes > 0 {
		// Linear extrapolation from the average rate since creation.
		ratePerMinute := h.Progress / h.AgeMinutes
		remaining := (100 - h.Progress) / ratePerMinute
		h.EstimatedMinutesRemaining = &remaining
	}
	return h
}

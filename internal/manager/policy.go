package manager

import (
	"fmt"
	"time"

	"github.com/patrickspencer/qualrun/internal/store"
)

// Action is what a sweep did (or would do) with a run.
type Action string

const (
	// ActionRecovered: the run reached COMPLETED on its own between the
	// sweep listing it as stuck and re-reading it.
	ActionRecovered Action = "recovered"
	ActionResumed   Action = "resumed"
	ActionFailed    Action = "failed"
)

// Decision is the recovery policy's verdict for a single run.
type Decision struct {
	Action Action
	Reason string
	// FromProgress marks verdicts that depend on the progress counter the
	// decision was made on. Writes for them must require that counter to be
	// unchanged.
	FromProgress bool
}

const (
	reasonMaxRetries = "exceeded max retries"
	reasonNoProgress = "no progress since creation"
)

// Decide applies the recovery policy to a freshly read run. Runs that are not
// active or not stuck get an empty decision. A run whose retries are spent is
// always failed; a run that would be resumed again within ResumeGrace of its
// last resume is left alone.
func Decide(run *store.Run, cfg Config, now time.Time) Decision {
	if !IsStuck(run, cfg.Timeout(), now) {
		return Decision{}
	}

	if run.RecoveryAttempts >= cfg.MaxRetries {
		return Decision{
			Action: ActionFailed,
			Reason: fmt.Sprintf("%s (%d/%d)", reasonMaxRetries, run.RecoveryAttempts, cfg.MaxRetries),
		}
	}

	progress := Progress(run)
	if progress == 0 && !cfg.ResumeZeroProgress {
		return Decision{Action: ActionFailed, Reason: reasonNoProgress, FromProgress: true}
	}

	if grace := cfg.ResumeGrace(); grace > 0 && run.LastRecoveryAt != nil && now.Sub(*run.LastRecoveryAt) < grace {
		return Decision{}
	}

	return Decision{
		Action: ActionResumed,
		Reason: fmt.Sprintf("stalled at %.0f%% (%d/%d prospects), resume attempt %d/%d",
			progress, run.Completed, run.TotalProspects, run.RecoveryAttempts+1, cfg.MaxRetries),
	}
}

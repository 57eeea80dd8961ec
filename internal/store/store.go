package store

import (
	"context"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
)

// Status is the lifecycle state of a qualification run.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusProcessing Status = "PROCESSING"
	StatusCompleted  Status = "COMPLETED"
	StatusFailed     Status = "FAILED"
)

// ActiveStatuses are the statuses that take part in stuck detection.
var ActiveStatuses = []Status{StatusPending, StatusProcessing}

// TerminalStatuses are the statuses only cleanup may act on.
var TerminalStatuses = []Status{StatusCompleted, StatusFailed}

// IsTerminal reports whether no further transitions are allowed.
func (s Status) IsTerminal() bool {
	return s == StatusCompleted || s == StatusFailed
}

// IsActive reports whether the run is still pending or processing.
func (s Status) IsActive() bool {
	return s == StatusPending || s == StatusProcessing
}

// ParseStatus accepts a status in any letter case.
func ParseStatus(s string) (Status, error) {
	switch st := Status(strings.ToUpper(strings.TrimSpace(s))); st {
	case StatusPending, StatusProcessing, StatusCompleted, StatusFailed:
		return st, nil
	}
	return "", errors.Newf("unknown run status %q", s)
}

var (
	// ErrNotFound is returned when a run id does not exist.
	ErrNotFound = errors.New("run not found")
	// ErrInvalidProgress is returned when a progress write would break
	// 0 <= completed <= total_prospects or move the counter backwards.
	ErrInvalidProgress = errors.New("invalid progress")
)

// Run is a single batch qualification job.
type Run struct {
	ID               string
	Status           Status
	TotalProspects   int
	Completed        int
	RecoveryAttempts int
	LastRecoveryAt   *time.Time
	FailureReason    string
	UserID           string
	ICPID            string
	CompanyID        string
	CreatedAt        time.Time
	CompletedAt      *time.Time
	UpdatedAt        time.Time
}

// ListOpts controls filtering and pagination for run queries.
type ListOpts struct {
	Statuses      []Status
	CreatedBefore time.Time
	CreatedAfter  time.Time
	Limit         int
	Offset        int
}

// CountOpts scopes a count query by status and completion window.
type CountOpts struct {
	Statuses       []Status
	CompletedSince time.Time
}

// FailOpts guards a FAILED transition. The run must still be active. When
// ExpectedAttempts is set the recovery counter must be unchanged, and when
// ExpectedCompleted is set so must the progress counter.
type FailOpts struct {
	Reason            string
	At                time.Time
	ExpectedAttempts  *int
	ExpectedCompleted *int
}

// RunStore is the interface for persisting and querying qualification runs.
// Every mutation is atomic for a single run.
type RunStore interface {
	CreateRun(ctx context.Context, run *Run) error
	GetRun(ctx context.Context, id string) (*Run, error)
	ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error)
	CountRuns(ctx context.Context, opts CountOpts) (int, error)

	// UpdateProgress and MarkCompleted are written by the job executor.
	UpdateProgress(ctx context.Context, id string, completed int, status Status) error
	MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error)

	// RecordRecoveryAttempt bumps the attempt counter only if the run is still
	// active and the counter still equals expected.
	RecordRecoveryAttempt(ctx context.Context, id string, expected int, at time.Time) (bool, error)
	// FailRun transitions an active run to FAILED. It reports false when the
	// guard did not match (run already terminal or attempts changed).
	FailRun(ctx context.Context, id string, opts FailOpts) (bool, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error)

	Close() error
}

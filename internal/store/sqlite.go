package store

import (
	"context"
	"crypto/rand"
	"database/sql"
	"strings"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/oklog/ulid/v2"
	_ "modernc.org/sqlite"
)

// NewRunID generates a new ULID-based run identifier.
func NewRunID() string {
	return ulid.MustNew(ulid.Timestamp(time.Now()), rand.Reader).String()
}

// SQLiteStore implements RunStore backed by SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(ctx context.Context, dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, errors.Wrap(err, "open sqlite")
	}
	// A single connection serializes writers and avoids SQLITE_BUSY between
	// the sweep and concurrent admin calls.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "set WAL mode")
	}

	if err := RunMigrations(ctx, db); err != nil {
		db.Close()
		return nil, errors.Wrap(err, "run migrations")
	}

	return &SQLiteStore{db: db}, nil
}

// NewSQLiteStoreWithDB wraps an already-migrated database handle.
func NewSQLiteStoreWithDB(db *sql.DB) *SQLiteStore {
	return &SQLiteStore{db: db}
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// Fixed-width so that text comparison in SQL matches time ordering.
const timeFormat = "2006-01-02T15:04:05.000000000Z07:00"

func formatTime(t time.Time) string {
	return t.UTC().Format(timeFormat)
}

func formatTimePtr(t *time.Time) sql.NullString {
	if t == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: formatTime(*t), Valid: true}
}

func parseTime(s string) (time.Time, error) {
	return time.Parse(timeFormat, s)
}

func parseTimePtr(ns sql.NullString) (*time.Time, error) {
	if !ns.Valid {
		return nil, nil
	}
	t, err := parseTime(ns.String)
	if err != nil {
		return nil, err
	}
	return &t, nil
}

func nullString(s string) sql.NullString {
	if s == "" {
		return sql.NullString{}
	}
	return sql.NullString{String: s, Valid: true}
}

// statusIn renders "status IN (?, ?)" and its arguments.
func statusIn(statuses []Status) (string, []any) {
	marks := make([]string, len(statuses))
	args := make([]any, len(statuses))
	for i, st := range statuses {
		marks[i] = "?"
		args[i] = string(st)
	}
	return "status IN (" + strings.Join(marks, ", ") + ")", args
}

// CreateRun inserts a new run. ID, status and timestamps are filled in when unset.
func (s *SQLiteStore) CreateRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		run.ID = NewRunID()
	}
	if run.Status == "" {
		run.Status = StatusPending
	}
	if run.CreatedAt.IsZero() {
		run.CreatedAt = time.Now().UTC()
	}
	if run.Completed < 0 || run.Completed > run.TotalProspects {
		return errors.Wrapf(ErrInvalidProgress, "run %s: completed %d of %d", run.ID, run.Completed, run.TotalProspects)
	}
	if run.Status.IsTerminal() && run.CompletedAt == nil {
		at := run.CreatedAt
		run.CompletedAt = &at
	}
	if run.Status.IsActive() {
		run.CompletedAt = nil
	}
	run.UpdatedAt = time.Now().UTC()

	_, err := s.db.ExecContext(ctx, `
		INSERT INTO qualification_runs (
			id, status, total_prospects, completed, recovery_attempts,
			last_recovery_at, failure_reason, user_id, icp_id, company_id,
			created_at, completed_at, updated_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		run.ID,
		string(run.Status),
		run.TotalProspects,
		run.Completed,
		run.RecoveryAttempts,
		formatTimePtr(run.LastRecoveryAt),
		nullString(run.FailureReason),
		nullString(run.UserID),
		nullString(run.ICPID),
		nullString(run.CompanyID),
		formatTime(run.CreatedAt),
		formatTimePtr(run.CompletedAt),
		formatTime(run.UpdatedAt),
	)
	if err != nil {
		return errors.Wrapf(err, "insert run %s", run.ID)
	}
	return nil
}

func (s *SQLiteStore) scanRun(row interface{ Scan(...any) error }) (*Run, error) {
	var r Run
	var status, createdAt, updatedAt string
	var lastRecoveryAt, completedAt, failureReason, userID, icpID, companyID sql.NullString

	err := row.Scan(
		&r.ID,
		&status,
		&r.TotalProspects,
		&r.Completed,
		&r.RecoveryAttempts,
		&lastRecoveryAt,
		&failureReason,
		&userID,
		&icpID,
		&companyID,
		&createdAt,
		&completedAt,
		&updatedAt,
	)
	if err != nil {
		return nil, err
	}
	r.Status = Status(status)

	r.CreatedAt, err = parseTime(createdAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse created_at")
	}
	r.UpdatedAt, err = parseTime(updatedAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse updated_at")
	}
	r.CompletedAt, err = parseTimePtr(completedAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse completed_at")
	}
	r.LastRecoveryAt, err = parseTimePtr(lastRecoveryAt)
	if err != nil {
		return nil, errors.Wrap(err, "parse last_recovery_at")
	}

	r.FailureReason = failureReason.String
	r.UserID = userID.String
	r.ICPID = icpID.String
	r.CompanyID = companyID.String

	return &r, nil
}

const selectRunCols = `id, status, total_prospects, completed, recovery_attempts,
	last_recovery_at, failure_reason, user_id, icp_id, company_id,
	created_at, completed_at, updated_at`

// GetRun retrieves a single run by ID.
func (s *SQLiteStore) GetRun(ctx context.Context, id string) (*Run, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+selectRunCols+" FROM qualification_runs WHERE id = ?", id)
	run, err := s.scanRun(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, errors.Wrapf(ErrNotFound, "run %s", id)
	}
	if err != nil {
		return nil, errors.Wrapf(err, "get run %s", id)
	}
	return run, nil
}

// ListRuns returns runs matching the given options, oldest first.
func (s *SQLiteStore) ListRuns(ctx context.Context, opts ListOpts) ([]*Run, error) {
	query := "SELECT " + selectRunCols + " FROM qualification_runs"
	var where []string
	var args []any

	if len(opts.Statuses) > 0 {
		clause, statusArgs := statusIn(opts.Statuses)
		where = append(where, clause)
		args = append(args, statusArgs...)
	}
	if !opts.CreatedBefore.IsZero() {
		where = append(where, "created_at < ?")
		args = append(args, formatTime(opts.CreatedBefore))
	}
	if !opts.CreatedAfter.IsZero() {
		where = append(where, "created_at > ?")
		args = append(args, formatTime(opts.CreatedAfter))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}
	query += " ORDER BY created_at ASC"

	if opts.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, opts.Limit)
		if opts.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, opts.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, errors.Wrap(err, "list runs")
	}
	defer rows.Close()

	var runs []*Run
	for rows.Next() {
		r, err := s.scanRun(rows)
		if err != nil {
			return nil, errors.Wrap(err, "scan run")
		}
		runs = append(runs, r)
	}
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate runs")
	}
	return runs, nil
}

// CountRuns counts runs by status, optionally limited to runs that reached
// a terminal state at or after CompletedSince.
func (s *SQLiteStore) CountRuns(ctx context.Context, opts CountOpts) (int, error) {
	query := "SELECT COUNT(*) FROM qualification_runs"
	var where []string
	var args []any

	if len(opts.Statuses) > 0 {
		clause, statusArgs := statusIn(opts.Statuses)
		where = append(where, clause)
		args = append(args, statusArgs...)
	}
	if !opts.CompletedSince.IsZero() {
		where = append(where, "completed_at IS NOT NULL AND completed_at >= ?")
		args = append(args, formatTime(opts.CompletedSince))
	}
	if len(where) > 0 {
		query += " WHERE " + strings.Join(where, " AND ")
	}

	var n int
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, errors.Wrap(err, "count runs")
	}
	return n, nil
}

// UpdateProgress records executor progress on an active run. The counter may
// not move backwards or past total_prospects.
func (s *SQLiteStore) UpdateProgress(ctx context.Context, id string, completed int, status Status) error {
	if !status.IsActive() {
		return errors.Newf("progress update with non-active status %s", status)
	}
	active, activeArgs := statusIn(ActiveStatuses)
	args := []any{completed, string(status), formatTime(time.Now()), id}
	args = append(args, activeArgs...)
	args = append(args, completed, completed)

	res, err := s.db.ExecContext(ctx, `
		UPDATE qualification_runs
		SET completed = ?, status = ?, updated_at = ?
		WHERE id = ? AND `+active+`
		  AND ? >= completed AND ? <= total_prospects`, args...)
	if err != nil {
		return errors.Wrapf(err, "update progress for run %s", id)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "rows affected")
	}
	if n == 1 {
		return nil
	}

	run, err := s.GetRun(ctx, id)
	if err != nil {
		return err
	}
	return errors.Wrapf(ErrInvalidProgress, "run %s is %s with %d/%d, cannot set %d",
		id, run.Status, run.Completed, run.TotalProspects, completed)
}

// MarkCompleted moves an active run to COMPLETED.
func (s *SQLiteStore) MarkCompleted(ctx context.Context, id string, at time.Time) (bool, error) {
	active, activeArgs := statusIn(ActiveStatuses)
	args := []any{string(StatusCompleted), formatTime(at), formatTime(at), id}
	args = append(args, activeArgs...)

	res, err := s.db.ExecContext(ctx, `
		UPDATE qualification_runs
		SET status = ?, completed_at = ?, updated_at = ?
		WHERE id = ? AND `+active, args...)
	if err != nil {
		return false, errors.Wrapf(err, "complete run %s", id)
	}
	return affectedOne(res)
}

// RecordRecoveryAttempt increments recovery_attempts if the run is still
// active and nobody else has bumped the counter since it was read.
func (s *SQLiteStore) RecordRecoveryAttempt(ctx context.Context, id string, expected int, at time.Time) (bool, error) {
	active, activeArgs := statusIn(ActiveStatuses)
	args := []any{formatTime(at), formatTime(at), id}
	args = append(args, activeArgs...)
	args = append(args, expected)

	res, err := s.db.ExecContext(ctx, `
		UPDATE qualification_runs
		SET recovery_attempts = recovery_attempts + 1,
		    last_recovery_at = ?,
		    updated_at = ?
		WHERE id = ? AND `+active+` AND recovery_attempts = ?`, args...)
	if err != nil {
		return false, errors.Wrapf(err, "record recovery attempt for run %s", id)
	}
	return affectedOne(res)
}

// FailRun moves an active run to FAILED and stamps completed_at.
func (s *SQLiteStore) FailRun(ctx context.Context, id string, opts FailOpts) (bool, error) {
	at := opts.At
	if at.IsZero() {
		at = time.Now()
	}
	active, activeArgs := statusIn(ActiveStatuses)
	args := []any{string(StatusFailed), formatTime(at), nullString(opts.Reason), formatTime(at), id}
	args = append(args, activeArgs...)

	query := `
		UPDATE qualification_runs
		SET status = ?, completed_at = ?, failure_reason = ?, updated_at = ?
		WHERE id = ? AND ` + active
	if opts.ExpectedAttempts != nil {
		query += " AND recovery_attempts = ?"
		args = append(args, *opts.ExpectedAttempts)
	}
	if opts.ExpectedCompleted != nil {
		query += " AND completed = ?"
		args = append(args, *opts.ExpectedCompleted)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return false, errors.Wrapf(err, "fail run %s", id)
	}
	return affectedOne(res)
}

// DeleteTerminalBefore removes COMPLETED and FAILED runs whose completed_at
// is strictly before cutoff.
func (s *SQLiteStore) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int, error) {
	terminal, args := statusIn(TerminalStatuses)
	args = append(args, formatTime(cutoff))

	res, err := s.db.ExecContext(ctx, `
		DELETE FROM qualification_runs
		WHERE `+terminal+`
		  AND completed_at IS NOT NULL
		  AND completed_at < ?`, args...)
	if err != nil {
		return 0, errors.Wrap(err, "delete terminal runs")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, errors.Wrap(err, "rows affected")
	}
	return int(n), nil
}

func affectedOne(res sql.Result) (bool, error) {
	n, err := res.RowsAffected()
	if err != nil {
		return false, errors.Wrap(err, "rows affected")
	}
	return n == 1, nil
}

package store

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func openTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	st, err := NewSQLiteStore(context.Background(), filepath.Join(t.TempDir(), "qualrun.db"))
	require.NoError(t, err)
	t.Cleanup(func() { st.Close() })
	return st
}

func mustCreate(t *testing.T, st *SQLiteStore, run *Run) *Run {
	t.Helper()
	require.NoError(t, st.CreateRun(context.Background(), run))
	return run
}

func TestCreateAndGetRun(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	created := time.Now().Add(-15 * time.Minute).UTC()
	run := mustCreate(t, st, &Run{
		TotalProspects: 100,
		Completed:      25,
		UserID:         "user-1",
		ICPID:          "icp-1",
		CreatedAt:      created,
	})
	require.NotEmpty(t, run.ID)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusPending, got.Status)
	assert.Equal(t, 100, got.TotalProspects)
	assert.Equal(t, 25, got.Completed)
	assert.Equal(t, "user-1", got.UserID)
	assert.Equal(t, "icp-1", got.ICPID)
	assert.Nil(t, got.CompletedAt)
	assert.True(t, got.CreatedAt.Equal(created), "created_at round trip: %s vs %s", got.CreatedAt, created)
}

func TestGetRunNotFound(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	_, err := st.GetRun(context.Background(), "missing")
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrNotFound))
}

func TestCreateRunRejectsOverflowingProgress(t *testing.T) {
	t.Parallel()
	st := openTestStore(t)

	err := st.CreateRun(context.Background(), &Run{TotalProspects: 5, Completed: 6})
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrInvalidProgress))
}

func TestListRunsFiltersByStatusAndTime(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	old := mustCreate(t, st, &Run{Status: StatusPending, TotalProspects: 1, CreatedAt: now.Add(-2 * time.Hour)})
	mustCreate(t, st, &Run{Status: StatusProcessing, TotalProspects: 1, CreatedAt: now.Add(-time.Minute)})
	mustCreate(t, st, &Run{Status: StatusCompleted, TotalProspects: 1, Completed: 1, CreatedAt: now.Add(-3 * time.Hour)})

	active, err := st.ListRuns(ctx, ListOpts{Statuses: ActiveStatuses})
	require.NoError(t, err)
	assert.Len(t, active, 2)

	stale, err := st.ListRuns(ctx, ListOpts{Statuses: ActiveStatuses, CreatedBefore: now.Add(-time.Hour)})
	require.NoError(t, err)
	require.Len(t, stale, 1)
	assert.Equal(t, old.ID, stale[0].ID)

	all, err := st.ListRuns(ctx, ListOpts{})
	require.NoError(t, err)
	assert.Len(t, all, 3)

	page, err := st.ListRuns(ctx, ListOpts{Limit: 1, Offset: 1})
	require.NoError(t, err)
	assert.Len(t, page, 1)
}

func TestCountRunsWithCompletionWindow(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	recent := now.Add(-time.Hour)
	stale := now.Add(-48 * time.Hour)
	mustCreate(t, st, &Run{Status: StatusCompleted, TotalProspects: 1, Completed: 1, CompletedAt: &recent})
	mustCreate(t, st, &Run{Status: StatusCompleted, TotalProspects: 1, Completed: 1, CompletedAt: &stale})
	mustCreate(t, st, &Run{Status: StatusFailed, TotalProspects: 1, CompletedAt: &recent})
	mustCreate(t, st, &Run{Status: StatusPending, TotalProspects: 1})

	n, err := st.CountRuns(ctx, CountOpts{Statuses: []Status{StatusCompleted}, CompletedSince: now.Add(-24 * time.Hour)})
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	n, err = st.CountRuns(ctx, CountOpts{Statuses: TerminalStatuses})
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	n, err = st.CountRuns(ctx, CountOpts{})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

func TestUpdateProgressEnforcesBounds(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)

	run := mustCreate(t, st, &Run{TotalProspects: 10})

	require.NoError(t, st.UpdateProgress(ctx, run.ID, 4, StatusProcessing))
	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 4, got.Completed)
	assert.Equal(t, StatusProcessing, got.Status)

	err = st.UpdateProgress(ctx, run.ID, 3, StatusProcessing)
	assert.True(t, errors.Is(err, ErrInvalidProgress), "backwards: %v", err)

	err = st.UpdateProgress(ctx, run.ID, 11, StatusProcessing)
	assert.True(t, errors.Is(err, ErrInvalidProgress), "overflow: %v", err)

	err = st.UpdateProgress(ctx, "missing", 1, StatusProcessing)
	assert.True(t, errors.Is(err, ErrNotFound), "missing: %v", err)
}

func TestRecordRecoveryAttemptIsConditional(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	run := mustCreate(t, st, &Run{TotalProspects: 10, Completed: 5})

	now := time.Now()
	ok, err := st.RecordRecoveryAttempt(ctx, run.ID, 0, now)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = st.RecordRecoveryAttempt(ctx, run.ID, 0, now)
	require.NoError(t, err)
	assert.False(t, ok, "stale expected count must not match")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, 1, got.RecoveryAttempts)
	require.NotNil(t, got.LastRecoveryAt)
}

func TestFailRunOnlyOnce(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	run := mustCreate(t, st, &Run{TotalProspects: 10})

	ok, err := st.FailRun(ctx, run.ID, FailOpts{Reason: "no progress since creation"})
	require.NoError(t, err)
	assert.True(t, ok)

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusFailed, got.Status)
	assert.Equal(t, "no progress since creation", got.FailureReason)
	require.NotNil(t, got.CompletedAt)
	firstCompletedAt := *got.CompletedAt

	ok, err = st.FailRun(ctx, run.ID, FailOpts{Reason: "again", At: time.Now().Add(time.Hour)})
	require.NoError(t, err)
	assert.False(t, ok)

	got, err = st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.True(t, got.CompletedAt.Equal(firstCompletedAt))
	assert.Equal(t, "no progress since creation", got.FailureReason)
}

func TestFailRunRespectsExpectedAttempts(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	run := mustCreate(t, st, &Run{TotalProspects: 10, RecoveryAttempts: 1})

	stale := 0
	ok, err := st.FailRun(ctx, run.ID, FailOpts{Reason: "x", ExpectedAttempts: &stale})
	require.NoError(t, err)
	assert.False(t, ok)

	current := 1
	ok, err = st.FailRun(ctx, run.ID, FailOpts{Reason: "x", ExpectedAttempts: &current})
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestFailRunRespectsExpectedCompleted(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	run := mustCreate(t, st, &Run{TotalProspects: 100})

	observed := 0
	require.NoError(t, st.UpdateProgress(ctx, run.ID, 40, StatusProcessing))

	ok, err := st.FailRun(ctx, run.ID, FailOpts{Reason: "no progress since creation", ExpectedCompleted: &observed})
	require.NoError(t, err)
	assert.False(t, ok, "progress moved since it was observed")

	got, err := st.GetRun(ctx, run.ID)
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, got.Status)
	assert.Equal(t, 40, got.Completed)
	assert.Nil(t, got.CompletedAt)
}

func TestMarkCompletedDoesNotOverrideFailure(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	run := mustCreate(t, st, &Run{TotalProspects: 1})

	ok, err := st.FailRun(ctx, run.ID, FailOpts{Reason: "gave up"})
	require.NoError(t, err)
	require.True(t, ok)

	ok, err = st.MarkCompleted(ctx, run.ID, time.Now())
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDeleteTerminalBeforeKeepsActiveRuns(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	st := openTestStore(t)
	now := time.Now().UTC()

	old := now.AddDate(0, 0, -40)
	fresh := now.AddDate(0, 0, -1)
	mustCreate(t, st, &Run{Status: StatusCompleted, TotalProspects: 1, Completed: 1, CompletedAt: &old})
	mustCreate(t, st, &Run{Status: StatusFailed, TotalProspects: 1, CompletedAt: &old})
	keepFresh := mustCreate(t, st, &Run{Status: StatusCompleted, TotalProspects: 1, Completed: 1, CompletedAt: &fresh})
	keepActive := mustCreate(t, st, &Run{Status: StatusProcessing, TotalProspects: 1, CreatedAt: now.AddDate(0, 0, -90)})

	n, err := st.DeleteTerminalBefore(ctx, now.AddDate(0, 0, -30))
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	remaining, err := st.ListRuns(ctx, ListOpts{})
	require.NoError(t, err)
	ids := make([]string, 0, len(remaining))
	for _, r := range remaining {
		ids = append(ids, r.ID)
	}
	assert.ElementsMatch(t, []string{keepFresh.ID, keepActive.ID}, ids)
}

func TestParseStatus(t *testing.T) {
	t.Parallel()

	st, err := ParseStatus("processing")
	require.NoError(t, err)
	assert.Equal(t, StatusProcessing, st)

	_, err = ParseStatus("paused")
	assert.Error(t, err)
}

func TestStoreWrapsDriverErrors(t *testing.T) {
	t.Parallel()

	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	defer db.Close()
	st := NewSQLiteStoreWithDB(db)

	mock.ExpectQuery("SELECT COUNT").WillReturnError(errors.New("disk I/O error"))
	_, err = st.CountRuns(context.Background(), CountOpts{Statuses: ActiveStatuses})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "count runs")
	assert.Contains(t, err.Error(), "disk I/O error")

	mock.ExpectExec("UPDATE qualification_runs").WillReturnError(errors.New("database is locked"))
	_, err = st.FailRun(context.Background(), "r1", FailOpts{Reason: "x"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "fail run r1")

	mock.ExpectExec("DELETE FROM qualification_runs").WillReturnResult(sqlmock.NewResult(0, 3))
	n, err := st.DeleteTerminalBefore(context.Background(), time.Now())
	require.NoError(t, err)
	assert.Equal(t, 3, n)

	require.NoError(t, mock.ExpectationsWereMet())
}

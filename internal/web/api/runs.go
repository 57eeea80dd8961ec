package api

import (
	"encoding/json"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/qualrun/internal/manager"
	"github.com/patrickspencer/qualrun/internal/runlog"
	"github.com/patrickspencer/qualrun/internal/store"
)

type runResponse struct {
	ID               string       `json:"id"`
	Status           store.Status `json:"status"`
	TotalProspects   int          `json:"total_prospects"`
	Completed        int          `json:"completed"`
	Progress         float64      `json:"progress"`
	RecoveryAttempts int          `json:"recovery_attempts"`
	LastRecoveryAt   *time.Time   `json:"last_recovery_at,omitempty"`
	FailureReason    string       `json:"failure_reason,omitempty"`
	UserID           string       `json:"user_id,omitempty"`
	ICPID            string       `json:"icp_id,omitempty"`
	CompanyID        string       `json:"company_id,omitempty"`
	CreatedAt        time.Time    `json:"created_at"`
	CompletedAt      *time.Time   `json:"completed_at,omitempty"`
	UpdatedAt        time.Time    `json:"updated_at"`
}

func runToResponse(r *store.Run) runResponse {
	return runResponse{
		ID:               r.ID,
		Status:           r.Status,
		TotalProspects:   r.TotalProspects,
		Completed:        r.Completed,
		Progress:         manager.Progress(r),
		RecoveryAttempts: r.RecoveryAttempts,
		LastRecoveryAt:   r.LastRecoveryAt,
		FailureReason:    r.FailureReason,
		UserID:           r.UserID,
		ICPID:            r.ICPID,
		CompanyID:        r.CompanyID,
		CreatedAt:        r.CreatedAt,
		CompletedAt:      r.CompletedAt,
		UpdatedAt:        r.UpdatedAt,
	}
}

func (a *API) handleListRuns(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	q := r.URL.Query()
	opts := store.ListOpts{Limit: 50}

	if v := q.Get("status"); v != "" {
		for _, part := range strings.Split(v, ",") {
			st, err := store.ParseStatus(part)
			if err != nil {
				writeJSON(w, http.StatusBadRequest, map[string]string{"error": err.Error()})
				return
			}
			opts.Statuses = append(opts.Statuses, st)
		}
	}
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			opts.Limit = n
		}
	}
	if v := q.Get("offset"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n >= 0 {
			opts.Offset = n
		}
	}

	runs, err := a.Store.ListRuns(r.Context(), opts)
	if err != nil {
		a.writeError(w, r, err, "failed to list runs")
		return
	}

	result := make([]runResponse, 0, len(runs))
	for _, run := range runs {
		result = append(result, runToResponse(run))
	}
	writeJSON(w, http.StatusOK, result)
}

func (a *API) handleGetRun(w http.ResponseWriter, r *http.Request, id string) {
	run, err := a.Store.GetRun(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

func (a *API) handleRunHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	health, err := a.Manager.RunHealthStatus(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to classify runs")
		return
	}
	writeJSON(w, http.StatusOK, health)
}

type failRequest struct {
	Reason string `json:"reason"`
}

func (a *API) handleFailRun(w http.ResponseWriter, r *http.Request, id string) {
	var req failRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON body"})
		return
	}

	if err := a.Manager.FailRun(r.Context(), id, req.Reason); err != nil {
		a.writeError(w, r, err, "failed to fail run")
		return
	}

	run, err := a.Store.GetRun(r.Context(), id)
	if err != nil {
		a.writeError(w, r, err, "failed to get run")
		return
	}
	writeJSON(w, http.StatusOK, runToResponse(run))
}

type runLogsResponse struct {
	RunID     string    `json:"run_id"`
	StartedAt time.Time `json:"started_at"`
	Bytes     int64     `json:"bytes"`
	Attempts  int       `json:"attempts"`
	Stdout    string    `json:"stdout"`
	Stderr    string    `json:"stderr"`
}

func (a *API) handleGetRunLogs(w http.ResponseWriter, r *http.Request, id string) {
	if _, err := a.Store.GetRun(r.Context(), id); err != nil {
		a.writeError(w, r, err, "failed to get run")
		return
	}
	if a.RunLogs == nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "run logs are disabled"})
		return
	}

	out, err := a.RunLogs.Latest(id)
	if errors.Is(err, runlog.ErrNoOutput) || errors.Is(err, runlog.ErrInvalidRunID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "no resume output recorded for run"})
		return
	}
	if err != nil {
		a.writeError(w, r, err, "failed to read run logs")
		return
	}

	attempts, err := a.RunLogs.Attempts(id)
	if err != nil {
		a.writeError(w, r, err, "failed to list run logs")
		return
	}

	writeJSON(w, http.StatusOK, runLogsResponse{
		RunID:     id,
		StartedAt: out.StartedAt,
		Bytes:     out.Bytes,
		Attempts:  len(attempts),
		Stdout:    out.Stdout,
		Stderr:    out.Stderr,
	})
}

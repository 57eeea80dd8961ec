package api

import (
	"net/http"
	"strconv"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/qualrun/internal/manager"
)

func checkOnly(r *http.Request) bool {
	v, err := strconv.ParseBool(r.URL.Query().Get("check_only"))
	return err == nil && v
}

func (a *API) handleRecover(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	var (
		out *manager.RecoveryOutcome
		err error
	)
	if checkOnly(r) {
		out, err = a.Manager.Preview(r.Context())
	} else {
		out, err = a.Manager.RecoverStuckRuns(r.Context())
	}
	if err != nil {
		a.writeError(w, r, err, "recovery failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

// handleCheckTimeouts runs a sweep. With check_only it reports run health
// instead and writes nothing.
func (a *API) handleCheckTimeouts(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	if checkOnly(r) {
		a.handleRunHealth(w, withMethod(r, http.MethodGet))
		return
	}

	out, err := a.Manager.CheckTimeouts(r.Context())
	if err != nil {
		a.writeError(w, r, err, "timeout check failed")
		return
	}
	writeJSON(w, http.StatusOK, out)
}

type cleanupResponse struct {
	Deleted       int `json:"deleted"`
	OlderThanDays int `json:"older_than_days"`
}

func (a *API) handleCleanup(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		methodNotAllowed(w)
		return
	}

	days := a.Manager.Config().RetentionDays
	if v := r.URL.Query().Get("days"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil {
			a.writeError(w, r, errors.Wrapf(manager.ErrInvalidArgument, "days must be an integer, got %q", v), "")
			return
		}
		days = n
	}

	n, err := a.Manager.Cleanup(r.Context(), days)
	if err != nil {
		a.writeError(w, r, err, "cleanup failed")
		return
	}
	writeJSON(w, http.StatusOK, cleanupResponse{Deleted: n, OlderThanDays: days})
}

func withMethod(r *http.Request, method string) *http.Request {
	r2 := r.Clone(r.Context())
	r2.Method = method
	return r2
}

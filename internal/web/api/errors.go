package api

import (
	"net/http"

	"github.com/cockroachdb/errors"

	"github.com/patrickspencer/qualrun/internal/manager"
	"github.com/patrickspencer/qualrun/internal/store"
)

// statusForError maps manager and store errors to HTTP status codes.
func statusForError(err error) int {
	switch {
	case errors.Is(err, manager.ErrInvalidArgument):
		return http.StatusBadRequest
	case errors.Is(err, store.ErrNotFound):
		return http.StatusNotFound
	case errors.Is(err, manager.ErrAlreadyTerminal):
		return http.StatusConflict
	default:
		return http.StatusInternalServerError
	}
}

// writeError reports err to the client. Server-side failures are logged and
// returned as a generic message.
func (a *API) writeError(w http.ResponseWriter, r *http.Request, err error, msg string) {
	status := statusForError(err)
	if status >= http.StatusInternalServerError {
		a.logger().Errorw(msg, "path", r.URL.Path, "error", err)
		writeJSON(w, status, map[string]string{"error": msg})
		return
	}
	writeJSON(w, status, map[string]string{"error": err.Error()})
}

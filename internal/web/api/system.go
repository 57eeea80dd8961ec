package api

import (
	"net/http"
)

// handleHealth answers liveness probes. It returns 200 whenever the store is
// reachable; stuck runs only change the reported status to "degraded".
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	summary, err := a.Manager.Summary(r.Context())
	if err != nil {
		a.logger().Warnw("Health check failed", "error", err)
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

func (a *API) handleConfig(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if a.GetConfig == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config provider unavailable"})
		return
	}

	cfg := a.GetConfig()
	if cfg == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "config unavailable"})
		return
	}

	writeJSON(w, http.StatusOK, cfg)
}

func (a *API) handleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}

	stats, err := a.Manager.Stats(r.Context())
	if err != nil {
		a.writeError(w, r, err, "failed to collect stats")
		return
	}
	writeJSON(w, http.StatusOK, stats)
}

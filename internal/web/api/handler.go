// Package api serves the run manager's HTTP API.
package api

import (
	"encoding/json"
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/patrickspencer/qualrun/internal/config"
	"github.com/patrickspencer/qualrun/internal/manager"
	"github.com/patrickspencer/qualrun/internal/realtime"
	"github.com/patrickspencer/qualrun/internal/runlog"
	"github.com/patrickspencer/qualrun/internal/store"
)

// API holds dependencies for all API handlers.
type API struct {
	Manager   *manager.Manager
	Store     store.RunStore
	Events    *realtime.Broker
	RunLogs   *runlog.Archive
	GetConfig func() *config.Config
	Log       *zap.SugaredLogger
}

func (a *API) logger() *zap.SugaredLogger {
	if a.Log == nil {
		return zap.NewNop().Sugar()
	}
	return a.Log
}

// RegisterRoutes registers all API routes on the given ServeMux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("/api/v1/runs/", a.routeRuns)
	mux.HandleFunc("/api/v1/runs", a.handleListRuns)
	mux.HandleFunc("/api/v1/recover", a.handleRecover)
	mux.HandleFunc("/api/v1/check-timeouts", a.handleCheckTimeouts)
	mux.HandleFunc("/api/v1/cleanup", a.handleCleanup)
	mux.HandleFunc("/api/v1/events", a.handleEvents)
	mux.HandleFunc("/api/v1/config", a.handleConfig)
	mux.HandleFunc("/api/v1/health", a.handleHealth)
	mux.HandleFunc("/api/v1/stats", a.handleStats)
}

// routeRuns dispatches /api/v1/runs/{id}[/action] requests.
func (a *API) routeRuns(w http.ResponseWriter, r *http.Request) {
	path := strings.TrimPrefix(r.URL.Path, "/api/v1/runs/")
	parts := strings.SplitN(path, "/", 2)
	id := parts[0]
	if id == "" {
		a.handleListRuns(w, r)
		return
	}
	if id == "health" && len(parts) == 1 {
		a.handleRunHealth(w, r)
		return
	}

	action := ""
	if len(parts) > 1 {
		action = parts[1]
	}

	switch {
	case action == "" && r.Method == http.MethodGet:
		a.handleGetRun(w, r, id)
	case action == "logs" && r.Method == http.MethodGet:
		a.handleGetRunLogs(w, r, id)
	case action == "fail" && r.Method == http.MethodPost:
		a.handleFailRun(w, r, id)
	case action == "" || action == "logs" || action == "fail":
		methodNotAllowed(w)
	default:
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "not found"})
	}
}

// writeJSON writes a JSON response with the given status code.
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func methodNotAllowed(w http.ResponseWriter) {
	writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
}

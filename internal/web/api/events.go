package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

const ssePingInterval = 20 * time.Second

// handleEvents streams run lifecycle events as server-sent events. An
// optional types query parameter (comma separated) filters by event type.
func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		methodNotAllowed(w)
		return
	}
	if a.Events == nil {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{"error": "realtime stream unavailable"})
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": "streaming unsupported"})
		return
	}

	var types []string
	if v := r.URL.Query().Get("types"); v != "" {
		for _, t := range strings.Split(v, ",") {
			types = append(types, strings.TrimSpace(t))
		}
	}

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")

	// Subscribe before acknowledging so no event published after the
	// client sees ": connected" is missed.
	sub := a.Events.Subscribe(types...)
	defer sub.Close()

	_, _ = fmt.Fprint(w, ": connected\n\n")
	flusher.Flush()

	ping := time.NewTicker(ssePingInterval)
	defer ping.Stop()
	var reported int64

	for {
		select {
		case <-r.Context().Done():
			return
		case evt, ok := <-sub.Events():
			if !ok {
				return
			}

			payload, err := json.Marshal(evt)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "id: %d\nevent: %s\ndata: %s\n\n", evt.ID, evt.Type, payload); err != nil {
				return
			}
			flusher.Flush()
		case <-ping.C:
			if n := sub.Dropped(); n > reported {
				_, _ = fmt.Fprintf(w, ": dropped %d events\n\n", n-reported)
				reported = n
			}
			_, _ = fmt.Fprint(w, ": ping\n\n")
			flusher.Flush()
		}
	}
}

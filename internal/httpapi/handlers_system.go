package httpapi

import (
	"context"
	"net/http"
	"time"

	"github.com/gorilla/mux"
)

func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "healthy"})
}

// handleReady reports store and upstream reachability. The store is
// mandatory; one reachable upstream is enough for degraded readiness.
func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
	defer cancel()

	components := map[string]bool{}
	storeOK := s.deps.Healthy == nil || s.deps.Healthy()
	if storeOK {
		storeOK = s.deps.Store.Ping(ctx) == nil
	}
	components["store"] = storeOK

	upstreamOK := len(s.deps.Upstreams) == 0
	for name, p := range s.deps.Upstreams {
		ok := p.Ping(ctx) == nil
		components[name] = ok
		upstreamOK = upstreamOK || ok
	}

	ready := storeOK && upstreamOK
	status := http.StatusOK
	if !ready {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"ready":      ready,
		"components": components,
	})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, s.deps.Build)
}

func (s *Server) handleSchedulerStatus(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status": "running",
		"jobs":   s.deps.Scheduler.Jobs(),
	})
}

func (s *Server) handleSchedulerTrigger(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	if err := s.deps.Scheduler.TriggerNow(r.Context(), id); err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "triggered", "job": id})
}

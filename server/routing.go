package server

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/metrics"
	"github.com/teranos/polar/version"
)

// Handler returns the API mux.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Event processing and reconciliation
	mux.HandleFunc("POST /api/scheduler/events", s.withOperation(s.HandleProcessEvent))
	mux.HandleFunc("POST /api/scheduler/replay", s.withOperation(s.HandleReplay))
	mux.HandleFunc("POST /api/scheduler/retries/drain", s.withOperation(s.HandleDrainRetries))
	mux.HandleFunc("POST /api/scheduler/tick", s.withOperation(s.HandleTick))
	mux.HandleFunc("GET /api/scheduler/queues/{queue}", s.withOperation(s.HandleListQueue))
	mux.HandleFunc("POST /api/scheduler/queues/{queue}/actions", s.withOperation(s.HandleQueueAction))
	mux.HandleFunc("GET /api/scheduler/status", s.withOperation(s.HandleStatus))

	// Automation jobs
	mux.HandleFunc("GET /api/automations", s.withOperation(s.HandleListJobs))
	mux.HandleFunc("POST /api/automations", s.withOperation(s.HandleCreateJob))
	mux.HandleFunc("GET /api/automations/due", s.withOperation(s.HandleDueJobs))
	mux.HandleFunc("GET /api/automations/{id}", s.withOperation(s.HandleGetJob))
	mux.HandleFunc("PATCH /api/automations/{id}", s.withOperation(s.HandleUpdateJob))
	mux.HandleFunc("DELETE /api/automations/{id}", s.withOperation(s.HandleDeleteJob))
	mux.HandleFunc("POST /api/automations/{id}/disable", s.withOperation(s.HandleDisableJob))

	// Run ledgers
	mux.HandleFunc("GET /api/runs/{source}", s.withOperation(s.HandleListRuns))

	mux.Handle("GET /metrics", metrics.Handler())
	mux.HandleFunc("GET /health", s.HandleHealth)
	mux.HandleFunc("GET /ws/scheduler", func(w http.ResponseWriter, r *http.Request) {
		s.hub.ServeWS(s.ctx, w, r)
	})

	return mux
}

// withOperation bounds the request context by the operation timeout, refuses
// work while draining and logs the call.
func (s *Server) withOperation(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if s.getState() != ServerStateRunning {
			writeError(w, http.StatusServiceUnavailable, "server is shutting down")
			return
		}

		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", requestID)

		ctx, cancel := context.WithTimeout(logger.WithRequestID(r.Context(), requestID), s.operationTimeout())
		defer cancel()

		start := time.Now()
		next(w, r.WithContext(ctx))

		logger.FromContext(ctx, s.logger).Debugw("API request",
			"method", r.Method,
			"path", r.URL.Path,
			"remote", r.RemoteAddr,
			"duration_ms", time.Since(start).Milliseconds())
	}
}

// HandleHealth reports liveness and lifecycle state
func (s *Server) HandleHealth(w http.ResponseWriter, r *http.Request) {
	status := http.StatusOK
	if s.getState() != ServerStateRunning {
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, map[string]interface{}{
		"status":  s.getState().String(),
		"uptime":  s.timeNow().Sub(s.startAt).Round(time.Second).String(),
		"version": version.Get().Short(),
	})
}

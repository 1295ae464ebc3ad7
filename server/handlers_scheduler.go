package server

import (
	"net/http"

	"github.com/teranos/polar/errors"
	"github.com/teranos/polar/logger"
	"github.com/teranos/polar/pulse/dispatch"
	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/ledger"
	"github.com/teranos/polar/pulse/queue"
)

// HandleProcessEvent handles POST /api/scheduler/events
func (s *Server) HandleProcessEvent(w http.ResponseWriter, r *http.Request) {
	var event events.PersistedEvent
	if !readJSON(w, r, &event) {
		return
	}

	ctx := logger.WithEventID(r.Context(), event.EventID)
	result, err := s.service.ProcessPersistedEvent(ctx, &event)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to process scheduler event")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleReplay handles POST /api/scheduler/replay
func (s *Server) HandleReplay(w http.ResponseWriter, r *http.Request) {
	var req ledger.ReplayRequest
	if r.ContentLength != 0 && !readJSON(w, r, &req) {
		return
	}

	result, err := s.service.ReplayRunLinks(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to replay run links")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleDrainRetries handles POST /api/scheduler/retries/drain?limit=N
func (s *Server) HandleDrainRetries(w http.ResponseWriter, r *http.Request) {
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid drain request")
		return
	}

	summary, err := s.service.ProcessDueRetries(r.Context(), limit)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to drain retry queue")
		return
	}
	writeJSON(w, http.StatusOK, summary)
}

// HandleTick handles POST /api/scheduler/tick: one synchronous tick.
func (s *Server) HandleTick(w http.ResponseWriter, r *http.Request) {
	if s.ticker == nil {
		writeServiceError(w, s.logger, errors.NewServiceUnavailableError("ticker is not running"), "tick unavailable")
		return
	}

	result, err := s.ticker.Tick(r.Context())
	if err != nil {
		writeServiceError(w, s.logger, err, "tick failed")
		return
	}
	writeJSON(w, http.StatusOK, result)
}

// HandleListQueue handles GET /api/scheduler/queues/{queue}
func (s *Server) HandleListQueue(w http.ResponseWriter, r *http.Request) {
	req, err := listQueueRequest(r)
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid queue listing")
		return
	}

	page, err := s.service.ListEventQueue(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list queue")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func listQueueRequest(r *http.Request) (dispatch.ListQueueRequest, error) {
	q := r.URL.Query()
	req := dispatch.ListQueueRequest{
		Queue:   r.PathValue("queue"),
		Source:  events.Source(q.Get("source")),
		EventID: q.Get("eventId"),
		RunID:   q.Get("runId"),
		Status:  events.Status(q.Get("status")),
	}

	var err error
	if req.FromSequence, err = queryInt64(r, "fromSequence"); err != nil {
		return req, err
	}
	if req.Limit, err = queryInt(r, "limit"); err != nil {
		return req, err
	}
	return req, nil
}

// HandleQueueAction handles POST /api/scheduler/queues/{queue}/actions.
// An action whose entry is gone answers 404 with status=not_found.
func (s *Server) HandleQueueAction(w http.ResponseWriter, r *http.Request) {
	var req queue.ActionRequest
	if !readJSON(w, r, &req) {
		return
	}

	name, err := queue.ParseName(r.PathValue("queue"))
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid queue action")
		return
	}
	if req.Queue != "" && req.Queue != name {
		writeServiceError(w, s.logger,
			errors.NewInvalidRequestError("body queue %q does not match path queue %q", req.Queue, name),
			"invalid queue action")
		return
	}
	req.Queue = name

	result, err := s.service.RunQueueAction(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.logger, err, "queue action failed")
		return
	}

	status := http.StatusOK
	if result.Status == queue.ActionNotFound {
		status = http.StatusNotFound
	}
	writeJSON(w, status, result)
}

// HandleStatus handles GET /api/scheduler/status
func (s *Server) HandleStatus(w http.ResponseWriter, r *http.Request) {
	status := map[string]interface{}{
		"state":            s.getState().String(),
		"defaults":         s.service.Defaults(),
		"taskBoard":        s.service.Ledger().HasTaskBoard(),
		"websocketClients": s.hub.ClientCount(),
		"droppedUpdates":   s.hub.Dropped(),
		"tickerEnabled":    s.ticker != nil,
		"operationTimeout": s.operationTimeout().String(),
	}
	if s.ticker != nil {
		status["ticker"] = s.ticker.GetStats()
	}

	counts := map[string]int{}
	for _, name := range []queue.Name{queue.Retry, queue.DeadLetter} {
		page, err := s.service.ListEventQueue(r.Context(), dispatch.ListQueueRequest{Queue: string(name), Limit: events.MaxPageLimit})
		if err != nil {
			writeServiceError(w, s.logger, err, "failed to read queue depth")
			return
		}
		counts[string(name)] = page.Count
	}
	status["queues"] = counts

	writeJSON(w, http.StatusOK, status)
}

package server

import (
	"net/http"

	"github.com/teranos/polar/pulse/events"
	"github.com/teranos/polar/pulse/ledger"
	"github.com/teranos/polar/pulse/metrics"
	"github.com/teranos/polar/pulse/schedule"
)

// ListJobsResponse is the body of GET /api/automations
type ListJobsResponse struct {
	Jobs  []*schedule.Job `json:"jobs"`
	Count int             `json:"count"`
}

// DueJobsResponse is the body of GET /api/automations/due
type DueJobsResponse struct {
	AsOfMs int64             `json:"asOfMs"`
	Jobs   []schedule.DueJob `json:"jobs"`
	Count  int               `json:"count"`
}

// HandleListJobs handles GET /api/automations
func (s *Server) HandleListJobs(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := schedule.ListJobsFilter{
		OwnerUserID: q.Get("ownerUserId"),
		SessionID:   q.Get("sessionId"),
	}

	var err error
	if filter.Enabled, err = queryBool(r, "enabled"); err != nil {
		writeServiceError(w, s.logger, err, "invalid job listing")
		return
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeServiceError(w, s.logger, err, "invalid job listing")
		return
	}

	jobs, err := s.jobs.ListJobs(r.Context(), filter)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list automation jobs")
		return
	}
	if jobs == nil {
		jobs = []*schedule.Job{}
	}
	writeJSON(w, http.StatusOK, ListJobsResponse{Jobs: jobs, Count: len(jobs)})
}

// HandleCreateJob handles POST /api/automations
func (s *Server) HandleCreateJob(w http.ResponseWriter, r *http.Request) {
	var req schedule.CreateJobRequest
	if !readJSON(w, r, &req) {
		return
	}

	job, err := s.jobs.CreateJob(r.Context(), req)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to create automation job")
		return
	}
	writeJSON(w, http.StatusCreated, job)
}

// HandleGetJob handles GET /api/automations/{id}
func (s *Server) HandleGetJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.GetJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to get automation job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleUpdateJob handles PATCH /api/automations/{id}
func (s *Server) HandleUpdateJob(w http.ResponseWriter, r *http.Request) {
	var req schedule.UpdateJobRequest
	if !readJSON(w, r, &req) {
		return
	}

	job, err := s.jobs.UpdateJob(r.Context(), r.PathValue("id"), req)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to update automation job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleDisableJob handles POST /api/automations/{id}/disable
func (s *Server) HandleDisableJob(w http.ResponseWriter, r *http.Request) {
	job, err := s.jobs.DisableJob(r.Context(), r.PathValue("id"))
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to disable automation job")
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// HandleDeleteJob handles DELETE /api/automations/{id}
func (s *Server) HandleDeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := s.jobs.DeleteJob(r.Context(), r.PathValue("id")); err != nil {
		writeServiceError(w, s.logger, err, "failed to delete automation job")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// HandleDueJobs handles GET /api/automations/due?asOfMs=&limit=
// asOfMs defaults to now.
func (s *Server) HandleDueJobs(w http.ResponseWriter, r *http.Request) {
	asOfMs, err := queryInt64(r, "asOfMs")
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid due listing")
		return
	}
	if asOfMs == 0 {
		asOfMs = s.timeNow().UnixMilli()
	}
	limit, err := queryInt(r, "limit")
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid due listing")
		return
	}

	due, err := s.jobs.ListDueJobs(r.Context(), asOfMs, limit)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list due jobs")
		return
	}
	if due == nil {
		due = []schedule.DueJob{}
	}
	metrics.SetDueJobs(len(due))
	writeJSON(w, http.StatusOK, DueJobsResponse{AsOfMs: asOfMs, Jobs: due, Count: len(due)})
}

// HandleListRuns handles GET /api/runs/{source}
func (s *Server) HandleListRuns(w http.ResponseWriter, r *http.Request) {
	source, err := events.ParseSource(r.PathValue("source"))
	if err != nil {
		writeServiceError(w, s.logger, err, "invalid run ledger listing")
		return
	}

	q := r.URL.Query()
	filter := ledger.RunFilter{
		ID:        q.Get("id"),
		RunID:     q.Get("runId"),
		ProfileID: q.Get("profileId"),
		Trigger:   q.Get("trigger"),
	}
	if filter.FromSequence, err = queryInt64(r, "fromSequence"); err != nil {
		writeServiceError(w, s.logger, err, "invalid run ledger listing")
		return
	}
	if filter.Limit, err = queryInt(r, "limit"); err != nil {
		writeServiceError(w, s.logger, err, "invalid run ledger listing")
		return
	}

	page, err := s.service.Ledger().List(r.Context(), source, filter)
	if err != nil {
		writeServiceError(w, s.logger, err, "failed to list run ledger")
		return
	}
	writeJSON(w, http.StatusOK, page)
}

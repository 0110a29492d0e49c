package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"

	"github.com/kestrelhq/sentinel/internal/scheduler"
)

// JobRunner is the scheduler surface the jobs endpoints expose.
type JobRunner interface {
	Jobs() []scheduler.JobStatus
	RunOnce(ctx context.Context, id string) error
}

// jobsHandler serves scheduler introspection and manual runs.
type jobsHandler struct {
	runner JobRunner
	logger *slog.Logger
}

// list serves GET /api/v1/jobs.
func (h *jobsHandler) list(w http.ResponseWriter, _ *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]any{"jobs": h.runner.Jobs()}, h.logger)
}

// run serves POST /api/v1/jobs/{id}/run: kick a job outside its cadence.
// 202 when started, 404 for unknown ids, 409 while the previous run is
// still in flight.
func (h *jobsHandler) run(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	// The run borrows the request context: closing the connection cancels
	// a manually-triggered job, which is what an operator pressing ^C wants.
	err := h.runner.RunOnce(r.Context(), id)
	switch {
	case errors.Is(err, scheduler.ErrUnknownJob):
		WriteError(w, http.StatusNotFound, "unknown_job", "no such job: "+id, h.logger)
	case errors.Is(err, scheduler.ErrJobRunning):
		WriteError(w, http.StatusConflict, "job_running", "previous run still in progress", h.logger)
	case err != nil:
		h.logger.Error("manual job run failed", "job", id, "error", err)
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"job":    id,
			"status": "failed",
			"error":  err.Error(),
		}, h.logger)
	default:
		WriteJSON(w, http.StatusAccepted, map[string]any{
			"job":    id,
			"status": "completed",
		}, h.logger)
	}
}

package httpapi

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/zerolog/log"

	"github.com/leftbrainit/supasaasy/internal/store"
)

// GetJob serves GET /jobs/{job_id}: current status and aggregated counters.
func (s *Server) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	job, err := s.Jobs.GetJob(r.Context(), jobID)
	if errors.Is(err, store.ErrJobNotFound) {
		writeError(w, http.StatusNotFound, "job not found")
		return
	}
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("job_id", jobID).Msg("job_lookup_failed")
		writeError(w, http.StatusInternalServerError, genericServerError)
		return
	}
	writeJSON(w, http.StatusOK, job)
}

// GetJobTasks serves GET /jobs/{job_id}/tasks: per-task detail.
func (s *Server) GetJobTasks(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "job_id")

	if _, err := s.Jobs.GetJob(r.Context(), jobID); err != nil {
		if errors.Is(err, store.ErrJobNotFound) {
			writeError(w, http.StatusNotFound, "job not found")
			return
		}
		log.Ctx(r.Context()).Error().Err(err).Str("job_id", jobID).Msg("job_lookup_failed")
		writeError(w, http.StatusInternalServerError, genericServerError)
		return
	}

	tasks, err := s.Jobs.GetTasks(r.Context(), jobID)
	if err != nil {
		log.Ctx(r.Context()).Error().Err(err).Str("job_id", jobID).Msg("task_lookup_failed")
		writeError(w, http.StatusInternalServerError, genericServerError)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"job_id": jobID, "tasks": tasks})
}

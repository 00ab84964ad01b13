package gateway

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/avermeil/lifeline/internal/cron"
)

type errorResponse struct {
	Error string `json:"error"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, err error) {
	writeJSON(w, status, errorResponse{Error: err.Error()})
}

// cronErrorStatus maps scheduler errors to HTTP statuses.
func cronErrorStatus(err error) int {
	switch {
	case errors.Is(err, cron.ErrJobNotFound):
		return http.StatusNotFound
	case errors.Is(err, cron.ErrDuplicateJob):
		return http.StatusConflict
	default:
		return http.StatusBadRequest
	}
}

// handleListJobs returns an http.HandlerFunc for GET /api/cron/jobs.
func (g *Gateway) handleListJobs() http.HandlerFunc {
	return func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, g.deps.Cron.Jobs())
	}
}

// handleAddJob returns an http.HandlerFunc for POST /api/cron/jobs.
func (g *Gateway) handleAddJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var job cron.Job
		if err := json.NewDecoder(r.Body).Decode(&job); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		added, err := g.deps.Cron.Add(job)
		if err != nil {
			writeError(w, cronErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusCreated, added)
	}
}

// handleGetJob returns an http.HandlerFunc for GET /api/cron/jobs/{id}.
func (g *Gateway) handleGetJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		job, ok := g.deps.Cron.Get(chi.URLParam(r, "id"))
		if !ok {
			writeError(w, http.StatusNotFound, cron.ErrJobNotFound)
			return
		}
		writeJSON(w, http.StatusOK, job)
	}
}

// handlePatchJob returns an http.HandlerFunc for PATCH /api/cron/jobs/{id}.
func (g *Gateway) handlePatchJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var patch cron.JobPatch
		if err := json.NewDecoder(r.Body).Decode(&patch); err != nil {
			writeError(w, http.StatusBadRequest, err)
			return
		}

		updated, err := g.deps.Cron.Update(chi.URLParam(r, "id"), patch)
		if err != nil {
			writeError(w, cronErrorStatus(err), err)
			return
		}
		writeJSON(w, http.StatusOK, updated)
	}
}

// handleRemoveJob returns an http.HandlerFunc for DELETE /api/cron/jobs/{id}.
func (g *Gateway) handleRemoveJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !g.deps.Cron.Remove(chi.URLParam(r, "id")) {
			writeError(w, http.StatusNotFound, cron.ErrJobNotFound)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

// handleRunJob returns an http.HandlerFunc for POST /api/cron/jobs/{id}/run.
// The mode query parameter defaults to "due"; "force" bypasses the due
// check.
func (g *Gateway) handleRunJob() http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		mode := cron.RunDue
		if r.URL.Query().Get("mode") == string(cron.RunForce) {
			mode = cron.RunForce
		}

		report := g.deps.Cron.Run(r.Context(), chi.URLParam(r, "id"), mode)

		status := http.StatusOK
		switch report.Outcome {
		case cron.OutcomeNotFound:
			status = http.StatusNotFound
		case cron.OutcomeAlreadyRunning:
			status = http.StatusConflict
		case cron.OutcomeError:
			status = http.StatusInternalServerError
		}
		writeJSON(w, status, report)
	}
}

package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/harvest-api/internal/api/shared"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/service"
)

// CheckHistoryRequest asks whether products were harvested before.
type CheckHistoryRequest struct {
	ASINs       []string `json:"asins"       validate:"required,min=1,max=500,dive,required"`
	Marketplace string   `json:"marketplace"`
}

// CheckHistoryResponse lists one entry per distinct requested product.
type CheckHistoryResponse struct {
	Results         []service.HistoryCheck `json:"results"`
	PreviouslySeen  int                    `json:"previously_scraped_count"`
	RequiresConfirm bool                   `json:"requires_confirmation"`
}

// ListJobsResponse is one page of jobs.
type ListJobsResponse struct {
	Jobs   []*domain.Job `json:"jobs"`
	Limit  int           `json:"limit"`
	Offset int           `json:"offset"`
}

// RetryResponse reports how many tasks were reset.
type RetryResponse struct {
	Retried int `json:"retried"`
}

// JobHandler serves the job lifecycle endpoints.
type JobHandler struct {
	jobs service.JobService
}

// NewJobHandler creates a new JobHandler
func NewJobHandler(jobs service.JobService) *JobHandler {
	return &JobHandler{jobs: jobs}
}

// Routes registers the job endpoints on r.
func (h *JobHandler) Routes(r chi.Router) {
	r.Post("/jobs", h.CreateJob)
	r.Get("/jobs", h.ListJobs)
	r.Get("/jobs/{id}", h.GetJob)
	r.Post("/jobs/{id}/cancel", h.CancelJob)
	r.Post("/jobs/{id}/retry", h.RetryFailed)
	r.Delete("/jobs/{id}", h.DeleteJob)
	r.Post("/asins/check", h.CheckHistory)
}

// CreateJob handles POST /api/jobs requests
func (h *JobHandler) CreateJob(w http.ResponseWriter, r *http.Request) {
	var req service.CreateJobRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}

	job, err := h.jobs.Create(r.Context(), req)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to create job")
		return
	}

	shared.RespondWithJSON(w, r, http.StatusCreated, job)
}

// ListJobs handles GET /api/jobs requests
func (h *JobHandler) ListJobs(w http.ResponseWriter, r *http.Request) {
	status, err := getStatusFilter(r)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	limit, err := getQueryInt(r, "limit", service.DefaultListLimit)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	offset, err := getQueryInt(r, "offset", 0)
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}

	jobs, err := h.jobs.List(r.Context(), status, limit, offset)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list jobs")
		return
	}
	if limit > service.MaxListLimit {
		limit = service.MaxListLimit
	}
	shared.RespondWithJSON(w, r, http.StatusOK, ListJobsResponse{Jobs: jobs, Limit: limit, Offset: offset})
}

// GetJob handles GET /api/jobs/{id} requests
func (h *JobHandler) GetJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	job, err := h.jobs.Get(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to get job")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, job)
}

// CancelJob handles POST /api/jobs/{id}/cancel requests
func (h *JobHandler) CancelJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	job, err := h.jobs.Cancel(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to cancel job")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, job)
}

// RetryFailed handles POST /api/jobs/{id}/retry requests
func (h *JobHandler) RetryFailed(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	n, err := h.jobs.RetryFailed(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to retry job")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, RetryResponse{Retried: n})
}

// DeleteJob handles DELETE /api/jobs/{id} requests
func (h *JobHandler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	if err := h.jobs.Delete(r.Context(), id); err != nil {
		HandleAPIError(w, r, err, "Failed to delete job")
		return
	}
	shared.RespondNoContent(w)
}

// CheckHistory handles POST /api/asins/check requests
func (h *JobHandler) CheckHistory(w http.ResponseWriter, r *http.Request) {
	var req CheckHistoryRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	if err := shared.ValidateRequest(&req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, SanitizeValidationError(err), err)
		return
	}

	results, err := h.jobs.CheckHistory(r.Context(), req.ASINs, req.Marketplace)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to check history")
		return
	}
	seen := 0
	for _, res := range results {
		if res.PreviouslyScraped {
			seen++
		}
	}
	shared.RespondWithJSON(w, r, http.StatusOK, CheckHistoryResponse{
		Results:         results,
		PreviouslySeen:  seen,
		RequiresConfirm: seen > 0,
	})
}

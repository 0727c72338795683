package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/phrazzld/harvest-api/internal/api/shared"
	"github.com/phrazzld/harvest-api/internal/domain"
	"github.com/phrazzld/harvest-api/internal/service"
)

// SetPolicyRequest replaces the recurrence policy of a monitored product.
type SetPolicyRequest struct {
	Policy domain.RecurrencePolicy `json:"policy"`
}

// EntityHandler serves the monitoring endpoints.
type EntityHandler struct {
	entities service.EntityService
}

// NewEntityHandler creates a new EntityHandler
func NewEntityHandler(entities service.EntityService) *EntityHandler {
	return &EntityHandler{entities: entities}
}

// Routes registers the monitoring endpoints on r.
func (h *EntityHandler) Routes(r chi.Router) {
	r.Post("/entities", h.Watch)
	r.Get("/entities", h.List)
	r.Put("/entities/{id}/policy", h.SetPolicy)
	r.Delete("/entities/{id}", h.Unwatch)
}

// Watch handles POST /api/entities requests
func (h *EntityHandler) Watch(w http.ResponseWriter, r *http.Request) {
	var req service.WatchRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	entity, err := h.entities.Watch(r.Context(), req)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to monitor product")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusCreated, entity)
}

// List handles GET /api/entities requests
func (h *EntityHandler) List(w http.ResponseWriter, r *http.Request) {
	entities, err := h.entities.List(r.Context())
	if err != nil {
		HandleAPIError(w, r, err, "Failed to list monitored products")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, entities)
}

// SetPolicy handles PUT /api/entities/{id}/policy requests
func (h *EntityHandler) SetPolicy(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	var req SetPolicyRequest
	if err := shared.DecodeJSON(w, r, &req); err != nil {
		shared.RespondWithErrorAndLog(w, r, http.StatusBadRequest, "Invalid request format", err)
		return
	}
	entity, err := h.entities.SetPolicy(r.Context(), id, req.Policy)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to update policy")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, entity)
}

// Unwatch handles DELETE /api/entities/{id} requests
func (h *EntityHandler) Unwatch(w http.ResponseWriter, r *http.Request) {
	id, err := getPathUUID(r, "id")
	if err != nil {
		HandleAPIError(w, r, err, "")
		return
	}
	entity, err := h.entities.Unwatch(r.Context(), id)
	if err != nil {
		HandleAPIError(w, r, err, "Failed to stop monitoring")
		return
	}
	shared.RespondWithJSON(w, r, http.StatusOK, entity)
}

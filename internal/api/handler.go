// Package api provides the HTTP host API and probe handlers for the seeding service.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"seedkeeper/internal/apperrors"
	"seedkeeper/internal/health"
	"seedkeeper/internal/job"
	"seedkeeper/internal/orchestrator"
	"seedkeeper/internal/registry"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// ItemStore is the part of the registry the API reads and deletes from.
type ItemStore interface {
	List(ctx context.Context) ([]registry.Item, error)
	Delete(ctx context.Context, id string) error
}

// WorkerLister lists live seed workers.
type WorkerLister interface {
	List() []orchestrator.WorkerStatus
}

// Handler contains HTTP handlers for the host API
type Handler struct {
	svc     *job.Service
	items   ItemStore
	workers WorkerLister
	health  *health.Checker
}

// NewHandler creates a new API handler
func NewHandler(svc *job.Service, items ItemStore, workers WorkerLister, healthChecker *health.Checker) *Handler {
	return &Handler{
		svc:     svc,
		items:   items,
		workers: workers,
		health:  healthChecker,
	}
}

// SizeResponse is the reply to a descriptor size query.
type SizeResponse struct {
	Length int64 `json:"length"`
}

// ItemsResponse lists registry items.
type ItemsResponse struct {
	Items []registry.Item `json:"items"`
}

// JobsResponse lists live seed workers.
type JobsResponse struct {
	Jobs []orchestrator.WorkerStatus `json:"jobs"`
}

// Download handles POST /v1/downloads. It blocks until the download ends.
func (h *Handler) Download(w http.ResponseWriter, r *http.Request) {
	// Limit request body size to prevent memory exhaustion
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req job.DownloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}

	record, err := h.svc.Download(r.Context(), req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, record)
}

// DeleteItem handles DELETE /v1/items/{id}?descriptor=...
func (h *Handler) DeleteItem(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	if id == "" {
		h.writeError(w, http.StatusBadRequest, "Item ID is required")
		return
	}
	descriptor := r.URL.Query().Get("descriptor")
	if descriptor == "" {
		h.writeError(w, http.StatusBadRequest, "descriptor parameter is required")
		return
	}

	if err := h.svc.Delete(r.Context(), id, descriptor); err != nil {
		h.handleError(w, r, err)
		return
	}
	if h.items != nil {
		if err := h.items.Delete(r.Context(), id); err != nil {
			h.handleError(w, r, err)
			return
		}
	}

	w.WriteHeader(http.StatusNoContent)
}

// DescriptorSize handles GET /v1/descriptors/size?location=...
func (h *Handler) DescriptorSize(w http.ResponseWriter, r *http.Request) {
	length, err := h.svc.QueryDescriptorSize(r.Context(), r.URL.Query().Get("location"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, SizeResponse{Length: length})
}

// ListItems handles GET /v1/items
func (h *Handler) ListItems(w http.ResponseWriter, r *http.Request) {
	if h.items == nil {
		h.writeJSON(w, http.StatusOK, ItemsResponse{Items: []registry.Item{}})
		return
	}
	items, err := h.items.List(r.Context())
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if items == nil {
		items = []registry.Item{}
	}

	h.writeJSON(w, http.StatusOK, ItemsResponse{Items: items})
}

// ListJobs handles GET /v1/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	jobs := []orchestrator.WorkerStatus{}
	if h.workers != nil {
		jobs = h.workers.List()
	}

	h.writeJSON(w, http.StatusOK, JobsResponse{Jobs: jobs})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 if the registry or engine session is unavailable.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsHealthy() {
		status = http.StatusServiceUnavailable
	}

	h.writeJSON(w, status, response)
}

// writeJSON writes a JSON response
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func (h *Handler) writeError(w http.ResponseWriter, status int, message string) {
	h.writeJSON(w, status, map[string]string{"error": message})
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.Error("Internal error", "error", err, "path", r.URL.Path)
	} else {
		slog.Warn("Client error", "error", err, "path", r.URL.Path, "status", status)
	}
	h.writeError(w, status, err.Error())
}

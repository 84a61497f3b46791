// Package api provides the HTTP API handlers and routing for the training service.
package api

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"

	"trainingjobs/internal/apperrors"
	"trainingjobs/internal/health"
	"trainingjobs/internal/training"
	"trainingjobs/pkg/cloudevent"

	"github.com/go-chi/chi/v5"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// OwnerHeader carries the caller identity resolved by the gateway in front of this service.
const OwnerHeader = "X-Owner-Id"

// Handler contains HTTP handlers for the training API
type Handler struct {
	svc           *training.Service
	health        *health.Checker
	webhookSecret string
}

// NewHandler creates a new API handler. An empty webhookSecret accepts
// unsigned callbacks.
func NewHandler(svc *training.Service, healthChecker *health.Checker, webhookSecret string) *Handler {
	return &Handler{
		svc:           svc,
		health:        healthChecker,
		webhookSecret: webhookSecret,
	}
}

type errorResponse struct {
	Error  string `json:"error"`
	Field  string `json:"field,omitempty"`
	Reason string `json:"reason,omitempty"`
	JobID  string `json:"jobId,omitempty"` // set when a failed create left a FAILED job behind
}

// webhookResponse tells the provider whether its update changed anything.
type webhookResponse struct {
	Applied bool            `json:"applied"`
	Reason  string          `json:"reason"`
	Status  training.Status `json:"status,omitempty"`
}

// CreateJob handles POST /v1/training/jobs
func (h *Handler) CreateJob(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)

	var req training.CreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: "Invalid request body: " + err.Error()})
		return
	}

	job, err := h.svc.Create(r.Context(), ownerID(r), &req)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusCreated, job)
}

// ListJobs handles GET /v1/training/jobs
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	resp, err := h.svc.List(r.Context(), ownerID(r))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, resp)
}

// GetJob handles GET /v1/training/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Get(r.Context(), ownerID(r), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// SyncJob handles POST /v1/training/jobs/{jobId}/sync
func (h *Handler) SyncJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Sync(r.Context(), ownerID(r), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// CancelJob handles POST /v1/training/jobs/{jobId}/cancel
func (h *Handler) CancelJob(w http.ResponseWriter, r *http.Request) {
	job, err := h.svc.Cancel(r.Context(), ownerID(r), chi.URLParam(r, "jobId"))
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	writeJSON(w, http.StatusOK, job)
}

// DeleteJob handles DELETE /v1/training/jobs/{jobId}
func (h *Handler) DeleteJob(w http.ResponseWriter, r *http.Request) {
	if err := h.svc.Delete(r.Context(), ownerID(r), chi.URLParam(r, "jobId")); err != nil {
		h.handleError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Webhook handles POST /webhooks/training/{jobId}, the provider's status callback.
// The job is identified by the callback path, never by the payload.
func (h *Handler) Webhook(w http.ResponseWriter, r *http.Request) {
	jobID := chi.URLParam(r, "jobId")

	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBodySize))
	if err != nil {
		var tooLarge *http.MaxBytesError
		if errors.As(err, &tooLarge) {
			writeError(w, http.StatusRequestEntityTooLarge, errorResponse{Error: "payload too large"})
			return
		}
		writeError(w, http.StatusBadRequest, errorResponse{Error: "failed to read payload"})
		return
	}

	if h.webhookSecret != "" && !cloudevent.Verify(body, r.Header.Get(cloudevent.SignatureHeader), h.webhookSecret) {
		slog.WarnContext(r.Context(), "Webhook signature mismatch", "jobId", jobID)
		writeError(w, http.StatusUnauthorized, errorResponse{Error: "invalid signature"})
		return
	}

	update, skipped, err := training.ParseUpdate(body)
	if err != nil {
		writeError(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
		return
	}
	if len(skipped) > 0 {
		slog.WarnContext(r.Context(), "Webhook fields skipped", "jobId", jobID, "fields", skipped)
	}

	res, err := h.svc.HandleWebhook(r.Context(), jobID, update)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	resp := webhookResponse{Applied: res.Applied, Reason: res.Reason}
	if res.Job != nil {
		resp.Status = res.Job.Status
	}
	writeJSON(w, http.StatusAccepted, resp)
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.health.Liveness(r.Context()))
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 while the store is unreachable or the service is shutting down.
// A degraded optional dependency keeps the service ready.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
		status = http.StatusServiceUnavailable
	}

	writeJSON(w, status, response)
}

// handleError handles errors from service layer with appropriate HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Request failed", "error", err, "path", r.URL.Path, "status", status)
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status)
	}

	resp := errorResponse{Error: err.Error(), Reason: apperrors.ReasonOf(err), JobID: apperrors.IDOf(err)}
	var appErr *apperrors.Error
	if errors.As(err, &appErr) {
		resp.Field = appErr.Field
	}
	if status == http.StatusInternalServerError {
		resp = errorResponse{Error: "internal server error", JobID: resp.JobID}
	}
	writeError(w, status, resp)
}

// ownerID returns the caller identity, empty when the header is missing.
func ownerID(r *http.Request) string {
	return r.Header.Get(OwnerHeader)
}

// writeJSON writes a JSON response
func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		slog.Error("Failed to encode response", "error", err)
	}
}

// writeError writes an error response
func writeError(w http.ResponseWriter, status int, resp errorResponse) {
	writeJSON(w, status, resp)
}

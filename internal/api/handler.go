// Package api provides the HTTP API handlers and routing for the orchestrator's
// operational surface: probes, read-only job status and local enqueueing.
package api

import (
	"context"
	"encoding/json"
	"hpcorchestrator/internal/apperrors"
	"hpcorchestrator/internal/health"
	"hpcorchestrator/internal/intake"
	"hpcorchestrator/internal/job"
	"hpcorchestrator/internal/ledger"
	"io"
	"log/slog"
	"net/http"
	"strings"
)

// maxRequestBodySize limits request body to 1MB to prevent memory exhaustion
const maxRequestBodySize = 1 << 20 // 1 MB

// Enqueuer accepts intake messages. The in-memory queue implements it.
type Enqueuer interface {
	Send(ctx context.Context, body []byte) (string, error)
}

// Handler contains HTTP handlers for the orchestrator API
type Handler struct {
	ledger   ledger.Ledger
	health   *health.Checker
	enqueuer Enqueuer
}

// NewHandler creates a new API handler. enqueuer may be nil.
func NewHandler(l ledger.Ledger, healthChecker *health.Checker, enqueuer Enqueuer) *Handler {
	return &Handler{
		ledger:   l,
		health:   healthChecker,
		enqueuer: enqueuer,
	}
}

// listResponse is the body of GET /v1/jobs.
type listResponse struct {
	Jobs  []job.Job `json:"jobs"`
	Total int       `json:"total"`
}

// enqueueResponse is the body of POST /v1/messages.
type enqueueResponse struct {
	MessageID string `json:"messageId"`
}

// GetJob handles GET /v1/jobs/{jobId}
func (h *Handler) GetJob(w http.ResponseWriter, r *http.Request) {
	jobID := r.PathValue("jobId")
	if jobID == "" {
		h.writeError(w, http.StatusBadRequest, "Job ID is required")
		return
	}

	j, err := h.ledger.Get(r.Context(), jobID)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusOK, j)
}

// ListJobs handles GET /v1/jobs. The optional state parameter takes a
// comma separated list of states.
func (h *Handler) ListJobs(w http.ResponseWriter, r *http.Request) {
	var states []job.State
	if raw := r.URL.Query().Get("state"); raw != "" {
		for _, name := range strings.Split(raw, ",") {
			st, err := job.ParseState(strings.TrimSpace(name))
			if err != nil {
				h.handleError(w, r, err)
				return
			}
			states = append(states, st)
		}
	}

	jobs, err := h.ledger.ListByState(r.Context(), states...)
	if err != nil {
		h.handleError(w, r, err)
		return
	}
	if jobs == nil {
		jobs = []job.Job{}
	}

	h.writeJSON(w, http.StatusOK, listResponse{Jobs: jobs, Total: len(jobs)})
}

// EnqueueMessage handles POST /v1/messages. The body must be a valid intake
// message; it is queued as-is for the consumer.
func (h *Handler) EnqueueMessage(w http.ResponseWriter, r *http.Request) {
	if h.enqueuer == nil {
		h.writeError(w, http.StatusNotFound, "Enqueueing is not available for this queue backend")
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, maxRequestBodySize)
	body, err := io.ReadAll(r.Body)
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "Invalid request body: "+err.Error())
		return
	}
	if _, err := intake.Decode(body); err != nil {
		h.handleError(w, r, err)
		return
	}

	id, err := h.enqueuer.Send(r.Context(), body)
	if err != nil {
		h.handleError(w, r, err)
		return
	}

	h.writeJSON(w, http.StatusAccepted, enqueueResponse{MessageID: id})
}

// Livez handles GET /livez - liveness probe.
// Returns 200 if the process is alive. Does not check dependencies.
func (h *Handler) Livez(w http.ResponseWriter, r *http.Request) {
	response := h.health.Liveness(r.Context())
	h.writeJSON(w, http.StatusOK, response)
}

// Readyz handles GET /readyz - readiness probe.
// Returns 503 when the ledger is unreachable or the service is shutting down.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	response := h.health.Readiness(r.Context())

	status := http.StatusOK
	if !response.IsReady() {
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
	writeErrorBody(w, status, message)
}

// handleError maps ledger and intake errors to HTTP status codes.
func (h *Handler) handleError(w http.ResponseWriter, r *http.Request, err error) {
	status := apperrors.HTTPStatus(err)
	if status >= 500 {
		slog.ErrorContext(r.Context(), "Internal error", "error", err, "path", r.URL.Path, "requestId", RequestID(r.Context()))
	} else {
		slog.WarnContext(r.Context(), "Client error", "error", err, "path", r.URL.Path, "status", status, "requestId", RequestID(r.Context()))
	}
	h.writeError(w, status, err.Error())
}

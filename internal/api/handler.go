package api

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leslychao/datapulse-sub000/internal/domain"
	"github.com/leslychao/datapulse-sub000/internal/observability"
	"github.com/leslychao/datapulse-sub000/internal/repository"
)

// Planner accepts a run request and returns the correlation key for the
// planned execution.
type Planner interface {
	Plan(ctx context.Context, req domain.RunRequest) (string, error)
}

type Handler struct {
	planner Planner
	store   repository.ExecutionStore
	logger  *slog.Logger
	metrics *observability.Metrics
}

func NewHandler(planner Planner, store repository.ExecutionStore, logger *slog.Logger) *Handler {
	return &Handler{
		planner: planner,
		store:   store,
		logger:  logger,
	}
}

// WithMetrics enables Prometheus metrics collection.
func (h *Handler) WithMetrics(m *observability.Metrics) *Handler {
	h.metrics = m
	return h
}

type SubmitRunRequest struct {
	AccountID string `json:"account_id"`
	EventType string `json:"event_type"`
	DateFrom  string `json:"date_from"`
	DateTo    string `json:"date_to"`
}

type SubmitRunResponse struct {
	Status    string `json:"status"`
	RequestID string `json:"request_id"`
}

func (h *Handler) SubmitRun(w http.ResponseWriter, r *http.Request) {
	var req SubmitRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "invalid request body")
		return
	}

	runReq, err := req.toDomain()
	if err != nil {
		h.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		return
	}

	log := observability.LoggerFromContext(r.Context())

	requestID, err := h.planner.Plan(r.Context(), runReq)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrInvalidRequest):
			h.respondError(w, http.StatusBadRequest, "invalid_request", err.Error())
		case errors.Is(err, domain.ErrNoSourcesConfigured):
			h.respondError(w, http.StatusBadRequest, "no_sources_configured", err.Error())
		default:
			log.Error("failed to plan run", "error", err, "account_id", req.AccountID)
			h.respondError(w, http.StatusInternalServerError, "internal_error", "failed to plan run")
		}
		return
	}

	log.Info("run accepted", "request_id", requestID, "account_id", req.AccountID)
	if h.metrics != nil {
		h.metrics.RunsSubmitted.Inc()
	}
	h.respondJSON(w, http.StatusAccepted, SubmitRunResponse{
		Status:    "accepted",
		RequestID: requestID,
	})
}

type RunStatusResponse struct {
	*domain.Execution
	Sources []*domain.SourceState `json:"sources"`
}

func (h *Handler) GetRun(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	if requestID == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "request id is required")
		return
	}

	exec, err := h.store.GetExecution(r.Context(), requestID)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("failed to get execution", "error", err, "request_id", requestID)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "failed to get run")
		return
	}

	states, err := h.store.ListSourceStates(r.Context(), requestID)
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("failed to list source states", "error", err, "request_id", requestID)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "failed to get run")
		return
	}

	h.respondJSON(w, http.StatusOK, RunStatusResponse{
		Execution: exec,
		Sources:   states,
	})
}

// GetSource returns the attempt and error detail of one source within a
// run, for diagnosing why a single source is retrying or failed.
func (h *Handler) GetSource(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "request_id")
	sourceID := chi.URLParam(r, "source_id")
	if requestID == "" || sourceID == "" {
		h.respondError(w, http.StatusBadRequest, "invalid_request", "request id and source id are required")
		return
	}

	exec, err := h.store.GetExecution(r.Context(), requestID)
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "not_found", "run not found")
		return
	}
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("failed to get execution", "error", err, "request_id", requestID)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "failed to get source")
		return
	}

	state, err := h.store.GetSourceState(r.Context(), domain.SourceKey{
		RequestID: requestID,
		EventType: exec.EventType,
		SourceID:  sourceID,
	})
	if errors.Is(err, domain.ErrNotFound) {
		h.respondError(w, http.StatusNotFound, "not_found", "source not found")
		return
	}
	if err != nil {
		observability.LoggerFromContext(r.Context()).Error("failed to get source state", "error", err,
			"request_id", requestID, "source_id", sourceID)
		h.respondError(w, http.StatusInternalServerError, "internal_error", "failed to get source")
		return
	}

	h.respondJSON(w, http.StatusOK, state)
}

func (r SubmitRunRequest) toDomain() (domain.RunRequest, error) {
	var req domain.RunRequest
	req.AccountID = r.AccountID
	req.EventType = r.EventType

	if r.DateFrom == "" || r.DateTo == "" {
		return req, errors.New("date_from and date_to are required")
	}
	from, err := time.Parse(time.DateOnly, r.DateFrom)
	if err != nil {
		return req, errors.New("date_from must be formatted as YYYY-MM-DD")
	}
	to, err := time.Parse(time.DateOnly, r.DateTo)
	if err != nil {
		return req, errors.New("date_to must be formatted as YYYY-MM-DD")
	}
	req.DateFrom = from
	req.DateTo = to
	return req, nil
}

type errorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
}

func (h *Handler) respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Error("failed to encode response", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, status int, code, message string) {
	h.respondJSON(w, status, errorResponse{Error: code, Message: message})
}

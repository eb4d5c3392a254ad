package api

import (
	"bytes"
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/leslychao/datapulse-sub000/internal/domain"
)

type mockPlanner struct {
	requestID string
	err       error
	planned   []domain.RunRequest
}

func (m *mockPlanner) Plan(ctx context.Context, req domain.RunRequest) (string, error) {
	if m.err != nil {
		return "", m.err
	}
	m.planned = append(m.planned, req)
	return m.requestID, nil
}

type mockStatusStore struct {
	executions map[string]*domain.Execution
	states     map[string][]*domain.SourceState
}

func newMockStatusStore() *mockStatusStore {
	return &mockStatusStore{
		executions: make(map[string]*domain.Execution),
		states:     make(map[string][]*domain.SourceState),
	}
}

func (m *mockStatusStore) CreatePlan(ctx context.Context, exec *domain.Execution, states []*domain.SourceState) error {
	return nil
}

func (m *mockStatusStore) GetExecution(ctx context.Context, requestID string) (*domain.Execution, error) {
	if e, ok := m.executions[requestID]; ok {
		return e, nil
	}
	return nil, domain.ErrNotFound
}

func (m *mockStatusStore) GetSourceState(ctx context.Context, key domain.SourceKey) (*domain.SourceState, error) {
	for _, st := range m.states[key.RequestID] {
		if st.EventType == key.EventType && st.SourceID == key.SourceID {
			return st, nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *mockStatusStore) ListSourceStates(ctx context.Context, requestID string) ([]*domain.SourceState, error) {
	return m.states[requestID], nil
}

func (m *mockStatusStore) ClaimSource(ctx context.Context, key domain.SourceKey) (*domain.SourceState, error) {
	return nil, domain.ErrStaleTransition
}

func (m *mockStatusStore) CompleteSource(ctx context.Context, key domain.SourceKey, now time.Time) (*domain.Execution, error) {
	return nil, domain.ErrStaleTransition
}

func (m *mockStatusStore) FailSourceTerminal(ctx context.Context, key domain.SourceKey, errCode, errMsg string, now time.Time) (*domain.Execution, error) {
	return nil, domain.ErrStaleTransition
}

func (m *mockStatusStore) ScheduleRetry(ctx context.Context, key domain.SourceKey, nextAttempt time.Time, errCode, errMsg string, now time.Time) error {
	return nil
}

func (m *mockStatusStore) Reschedule(ctx context.Context, key domain.SourceKey, nextAttempt time.Time, now time.Time) error {
	return nil
}

func (m *mockStatusStore) ListResolvedUnaggregated(ctx context.Context, limit int) ([]*domain.Execution, error) {
	return nil, nil
}

func (m *mockStatusStore) ListOverdueUnaggregated(ctx context.Context, startedBefore time.Time, limit int) ([]*domain.Execution, error) {
	return nil, nil
}

func (m *mockStatusStore) MarkAggregated(ctx context.Context, requestID string, now time.Time) (bool, error) {
	return false, nil
}

func (m *mockStatusStore) ListStuckUnits(ctx context.Context, olderThan time.Time, limit int) ([]domain.ExecutionUnit, error) {
	return nil, nil
}

func newTestRouter(h *Handler) *chi.Mux {
	r := chi.NewRouter()
	r.Post("/run", h.SubmitRun)
	r.Route("/runs", func(r chi.Router) {
		r.Get("/{request_id}", h.GetRun)
		r.Get("/{request_id}/sources/{source_id}", h.GetSource)
	})
	return r
}

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, nil))
}

func TestHandler_SubmitRun(t *testing.T) {
	planner := &mockPlanner{requestID: "req-123"}
	handler := NewHandler(planner, newMockStatusStore(), testLogger())
	router := newTestRouter(handler)

	body := `{"account_id": "acct-1", "event_type": "orders", "date_from": "2026-03-01", "date_to": "2026-03-14"}`
	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(body))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusAccepted {
		t.Errorf("expected status %d, got %d", http.StatusAccepted, rec.Code)
	}

	var resp SubmitRunResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.Status != "accepted" {
		t.Errorf("expected status 'accepted', got %q", resp.Status)
	}
	if resp.RequestID != "req-123" {
		t.Errorf("expected request id 'req-123', got %q", resp.RequestID)
	}

	if len(planner.planned) != 1 {
		t.Fatalf("expected 1 planned request, got %d", len(planner.planned))
	}
	planned := planner.planned[0]
	if planned.AccountID != "acct-1" || planned.EventType != "orders" {
		t.Errorf("planned request = %+v", planned)
	}
	if got := planned.DateFrom.Format(time.DateOnly); got != "2026-03-01" {
		t.Errorf("DateFrom = %s", got)
	}
}

func TestHandler_SubmitRun_MalformedBody(t *testing.T) {
	planner := &mockPlanner{requestID: "req-123"}
	handler := NewHandler(planner, newMockStatusStore(), testLogger())
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(`{not json`))
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusBadRequest {
		t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
	}
	if len(planner.planned) != 0 {
		t.Error("malformed body must not reach the planner")
	}
}

func TestHandler_SubmitRun_BadDates(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"missing dates", `{"account_id": "acct-1", "event_type": "orders"}`},
		{"bad format", `{"account_id": "acct-1", "event_type": "orders", "date_from": "03/01/2026", "date_to": "2026-03-14"}`},
		{"bad date_to", `{"account_id": "acct-1", "event_type": "orders", "date_from": "2026-03-01", "date_to": "not-a-date"}`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&mockPlanner{}, newMockStatusStore(), testLogger())
			router := newTestRouter(handler)

			req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(tt.body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusBadRequest {
				t.Errorf("expected status %d, got %d", http.StatusBadRequest, rec.Code)
			}

			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Error != "invalid_request" {
				t.Errorf("expected error 'invalid_request', got %q", resp.Error)
			}
		})
	}
}

func TestHandler_SubmitRun_PlannerErrors(t *testing.T) {
	tests := []struct {
		name       string
		err        error
		wantStatus int
		wantError  string
	}{
		{"invalid request", domain.ErrInvalidRequest, http.StatusBadRequest, "invalid_request"},
		{"no sources", domain.ErrNoSourcesConfigured, http.StatusBadRequest, "no_sources_configured"},
		{"internal", context.DeadlineExceeded, http.StatusInternalServerError, "internal_error"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			handler := NewHandler(&mockPlanner{err: tt.err}, newMockStatusStore(), testLogger())
			router := newTestRouter(handler)

			body := `{"account_id": "acct-1", "event_type": "orders", "date_from": "2026-03-01", "date_to": "2026-03-14"}`
			req := httptest.NewRequest(http.MethodPost, "/run", bytes.NewBufferString(body))
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != tt.wantStatus {
				t.Errorf("expected status %d, got %d", tt.wantStatus, rec.Code)
			}

			var resp errorResponse
			if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
				t.Fatalf("failed to decode response: %v", err)
			}
			if resp.Error != tt.wantError {
				t.Errorf("expected error %q, got %q", tt.wantError, resp.Error)
			}
		})
	}
}

func TestHandler_GetRun(t *testing.T) {
	store := newMockStatusStore()
	store.executions["req-1"] = &domain.Execution{
		RequestID:        "req-1",
		AccountID:        "acct-1",
		EventType:        "orders",
		Status:           domain.ExecutionStatusInProgress,
		TotalSources:     2,
		CompletedSources: 1,
	}
	store.states["req-1"] = []*domain.SourceState{
		{RequestID: "req-1", SourceID: "s1", Status: domain.SourceStatusCompleted},
		{RequestID: "req-1", SourceID: "s2", Status: domain.SourceStatusInProgress},
	}
	handler := NewHandler(&mockPlanner{}, store, testLogger())
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/runs/req-1", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Errorf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp RunStatusResponse
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.RequestID != "req-1" {
		t.Errorf("expected request id 'req-1', got %q", resp.RequestID)
	}
	if len(resp.Sources) != 2 {
		t.Errorf("expected 2 sources, got %d", len(resp.Sources))
	}
}

func TestHandler_GetSource(t *testing.T) {
	errCode := "terminal_http_404"
	errMsg := "snapshot fetch: unexpected status 404"
	store := newMockStatusStore()
	store.executions["req-1"] = &domain.Execution{
		RequestID: "req-1",
		AccountID: "acct-1",
		EventType: "orders",
		Status:    domain.ExecutionStatusFailed,
	}
	store.states["req-1"] = []*domain.SourceState{
		{
			RequestID:        "req-1",
			EventType:        "orders",
			SourceID:         "s1",
			Status:           domain.SourceStatusFailedTerminal,
			Attempt:          1,
			MaxAttempts:      5,
			LastErrorCode:    &errCode,
			LastErrorMessage: &errMsg,
		},
	}
	handler := NewHandler(&mockPlanner{}, store, testLogger())
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/runs/req-1/sources/s1", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusOK {
		t.Fatalf("expected status %d, got %d", http.StatusOK, rec.Code)
	}

	var resp domain.SourceState
	if err := json.NewDecoder(rec.Body).Decode(&resp); err != nil {
		t.Fatalf("failed to decode response: %v", err)
	}
	if resp.SourceID != "s1" {
		t.Errorf("expected source id 's1', got %q", resp.SourceID)
	}
	if resp.Status != domain.SourceStatusFailedTerminal {
		t.Errorf("expected status %q, got %q", domain.SourceStatusFailedTerminal, resp.Status)
	}
	if resp.LastErrorCode == nil || *resp.LastErrorCode != errCode {
		t.Errorf("LastErrorCode = %v", resp.LastErrorCode)
	}
}

func TestHandler_GetSource_NotFound(t *testing.T) {
	store := newMockStatusStore()
	store.executions["req-1"] = &domain.Execution{
		RequestID: "req-1",
		EventType: "orders",
		Status:    domain.ExecutionStatusInProgress,
	}
	handler := NewHandler(&mockPlanner{}, store, testLogger())
	router := newTestRouter(handler)

	tests := []struct {
		name string
		path string
	}{
		{"unknown run", "/runs/nonexistent/sources/s1"},
		{"unknown source", "/runs/req-1/sources/nonexistent"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodGet, tt.path, nil)
			rec := httptest.NewRecorder()

			router.ServeHTTP(rec, req)

			if rec.Code != http.StatusNotFound {
				t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
			}
		})
	}
}

func TestHandler_GetRun_NotFound(t *testing.T) {
	handler := NewHandler(&mockPlanner{}, newMockStatusStore(), testLogger())
	router := newTestRouter(handler)

	req := httptest.NewRequest(http.MethodGet, "/runs/nonexistent", nil)
	rec := httptest.NewRecorder()

	router.ServeHTTP(rec, req)

	if rec.Code != http.StatusNotFound {
		t.Errorf("expected status %d, got %d", http.StatusNotFound, rec.Code)
	}
}

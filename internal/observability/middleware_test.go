package observability

import (
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/testutil"
)

func TestMetricsMiddleware_RecordsRoutePattern(t *testing.T) {
	m := NewMetrics("datapulse_mwtest")

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Get("/runs/{request_id}", func(w http.ResponseWriter, req *http.Request) {
		w.WriteHeader(http.StatusOK)
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/req-1", nil))
	rec = httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/req-2", nil))

	// Both requests collapse onto the route pattern, not the raw path.
	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/runs/{request_id}", "200"))
	if got != 2 {
		t.Errorf("expected 2 requests recorded for the pattern, got %v", got)
	}
}

func TestMetricsMiddleware_DefaultsUnwrittenStatusToOK(t *testing.T) {
	m := NewMetrics("datapulse_mwtest2")

	r := chi.NewRouter()
	r.Use(MetricsMiddleware(m))
	r.Get("/health", func(w http.ResponseWriter, req *http.Request) {
		// No explicit WriteHeader call.
		w.Write([]byte("ok"))
	})

	rec := httptest.NewRecorder()
	r.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	got := testutil.ToFloat64(m.HTTPRequestsTotal.WithLabelValues(http.MethodGet, "/health", "200"))
	if got != 1 {
		t.Errorf("expected the implicit 200 to be recorded, got %v", got)
	}
}

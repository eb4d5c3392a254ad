package observability

import (
	"bytes"
	"context"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestLoggerFromContext_FallsBackToDefault(t *testing.T) {
	if got := LoggerFromContext(context.Background()); got != slog.Default() {
		t.Error("expected the default logger outside a request")
	}
}

func TestLoggingMiddleware_InjectsRequestLogger(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))

	var sawInjected bool
	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		reqLogger := LoggerFromContext(r.Context())
		sawInjected = reqLogger != slog.Default()
		reqLogger.Info("handling")
		w.WriteHeader(http.StatusAccepted)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/run", nil))

	if !sawInjected {
		t.Error("handler did not receive the request-scoped logger")
	}
	if !strings.Contains(buf.String(), `"path":"/run"`) {
		t.Errorf("request-scoped log missing path field: %s", buf.String())
	}
}

func TestLoggingMiddleware_ServerErrorsLogAtErrorLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	}))

	handler := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))

	rec := httptest.NewRecorder()
	handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/runs/req-1", nil))

	out := buf.String()
	if !strings.Contains(out, `"level":"ERROR"`) {
		t.Errorf("expected a 500 to be logged at error level: %s", out)
	}
	if !strings.Contains(out, `"status":500`) {
		t.Errorf("completion log missing status field: %s", out)
	}
}

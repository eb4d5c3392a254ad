package observability

import (
	"context"
	"encoding/json"
	"net/http"
	"sync/atomic"
	"time"
)

// Pinger is the reachability probe of one backing dependency.
type Pinger interface {
	Ping(ctx context.Context) error
}

// PingFunc adapts a plain function into a Pinger.
type PingFunc func(ctx context.Context) error

func (f PingFunc) Ping(ctx context.Context) error { return f(ctx) }

const pingTimeout = 2 * time.Second

// HealthHandler serves liveness and readiness probes. Liveness always
// answers ok. Readiness requires startup wiring to have finished and
// every registered dependency check to pass. Register all checks during
// startup, before the handler serves requests.
type HealthHandler struct {
	ready  atomic.Bool
	checks []namedCheck
}

type namedCheck struct {
	name string
	ping Pinger
}

func NewHealthHandler(db Pinger) *HealthHandler {
	h := &HealthHandler{}
	if db != nil {
		h.AddCheck("database", db)
	}
	return h
}

// AddCheck registers a named dependency probe run on every readiness
// request.
func (h *HealthHandler) AddCheck(name string, p Pinger) {
	h.checks = append(h.checks, namedCheck{name: name, ping: p})
}

func (h *HealthHandler) SetReady(ready bool) {
	h.ready.Store(ready)
}

type HealthResponse struct {
	Status string `json:"status"`
}

type ReadyResponse struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks"`
}

func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	json.NewEncoder(w).Encode(HealthResponse{Status: "ok"})
}

func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")

	checks := make(map[string]string, len(h.checks)+1)
	allHealthy := true

	if h.ready.Load() {
		checks["app"] = "ok"
	} else {
		checks["app"] = "not ready"
		allHealthy = false
	}

	for _, c := range h.checks {
		ctx, cancel := context.WithTimeout(r.Context(), pingTimeout)
		err := c.ping.Ping(ctx)
		cancel()
		if err != nil {
			checks[c.name] = err.Error()
			allHealthy = false
		} else {
			checks[c.name] = "ok"
		}
	}

	status := "ok"
	statusCode := http.StatusOK
	if !allHealthy {
		status = "degraded"
		statusCode = http.StatusServiceUnavailable
	}

	w.WriteHeader(statusCode)
	json.NewEncoder(w).Encode(ReadyResponse{
		Status: status,
		Checks: checks,
	})
}

package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"sync/atomic"
	"time"

	"github.com/onnwee/pingback/internal/health"
)

// HealthHandlers provides health and readiness check endpoints.
type HealthHandlers struct {
	checks   *health.Registry
	draining atomic.Bool
	now      func() time.Time
}

// NewHealthHandlers creates a new health check handler. A nil registry means
// no external dependencies are checked.
func NewHealthHandlers(checks *health.Registry) *HealthHandlers {
	if checks == nil {
		checks = health.NewRegistry(0)
	}
	return &HealthHandlers{
		checks: checks,
		now:    time.Now,
	}
}

// HealthResponse represents the JSON response for health checks.
type HealthResponse struct {
	Status    string            `json:"status"`
	Checks    map[string]string `json:"checks"`
	Timestamp string            `json:"timestamp"`
}

// SetDraining marks the server as shutting down. Ready then reports 503 so
// load balancers stop routing callbacks before the listener closes.
func (h *HealthHandlers) SetDraining(draining bool) {
	h.draining.Store(draining)
}

// Health handles GET /health. It runs every registered dependency check and
// returns 503 if any of them fails.
func (h *HealthHandlers) Health(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	results, err := h.checks.Run(r.Context())
	checks := make(map[string]string, len(results)+1)
	checks["runtime"] = "ok"
	for name, checkErr := range results {
		if checkErr != nil {
			checks[name] = "error"
			slog.WarnContext(r.Context(), "health check failed", "check", name, "error", checkErr)
		} else {
			checks[name] = "ok"
		}
	}

	status, code := "healthy", http.StatusOK
	if err != nil {
		status, code = "unhealthy", http.StatusServiceUnavailable
	}
	h.write(w, r, code, status, checks)
}

// Ready handles GET /ready. Returns 200 while serving and 503 once draining.
func (h *HealthHandlers) Ready(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		WriteError(w, r.Context(), http.StatusMethodNotAllowed, ErrCodeMethodNotAllowed, "Method not allowed")
		return
	}

	if h.draining.Load() {
		h.write(w, r, http.StatusServiceUnavailable, "draining", map[string]string{"server": "draining"})
		return
	}
	h.write(w, r, http.StatusOK, "ready", map[string]string{"server": "ok"})
}

func (h *HealthHandlers) write(w http.ResponseWriter, r *http.Request, code int, status string, checks map[string]string) {
	response := HealthResponse{
		Status:    status,
		Checks:    checks,
		Timestamp: h.now().UTC().Format(time.RFC3339),
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	if err := json.NewEncoder(w).Encode(response); err != nil {
		slog.ErrorContext(r.Context(), "failed to encode health response", "error", err)
	}
}

// Package health serves the liveness and readiness probes for the pipeline
// daemon.
//
//   - /healthz: liveness; a process that can serve HTTP answers 200 with its
//     uptime.
//   - /readyz: readiness; 200 only when every registered [Checker] passes,
//     503 otherwise. Used by frontends to decide whether capture can start.
//
// Responses are JSON with a top-level "status" of "ok" or "fail" and a
// per-check result map including each check's latency.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named probe of one pipeline dependency (durable store,
// enrichment backlog). Check returns nil when healthy.
type Checker struct {
	// Name keys the check in the JSON response ("store", "enrichment").
	Name string

	// Check probes the dependency. It must respect context cancellation.
	Check func(ctx context.Context) error
}

// checkResult is one entry in the readiness response.
type checkResult struct {
	Status  string `json:"status"`
	Error   string `json:"error,omitempty"`
	Latency string `json:"latency"`
}

// Handler serves the probe endpoints. Safe for concurrent use; the checker
// list is fixed at construction.
type Handler struct {
	started  time.Time
	checkers []Checker
}

// New creates a [Handler] that evaluates the given checkers on each /readyz
// request, sequentially and in order.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{started: time.Now(), checkers: c}
}

// Healthz always answers 200: a process that reached the handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "ok",
		"uptime": time.Since(h.started).Round(time.Second).String(),
	})
}

// Readyz answers 200 only when every checker passes. Each check runs under a
// [checkTimeout] deadline derived from the request context.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	checks := make(map[string]checkResult, len(h.checkers))
	status := http.StatusOK

	for _, c := range h.checkers {
		ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
		start := time.Now()
		err := c.Check(ctx)
		latency := time.Since(start).Round(time.Millisecond)
		cancel()

		res := checkResult{Status: "ok", Latency: latency.String()}
		if err != nil {
			res.Status = "fail"
			res.Error = err.Error()
			status = http.StatusServiceUnavailable
		}
		checks[c.Name] = res
	}

	top := "ok"
	if status != http.StatusOK {
		top = "fail"
	}
	writeJSON(w, status, map[string]any{
		"status": top,
		"checks": checks,
	})
}

// Register adds the probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

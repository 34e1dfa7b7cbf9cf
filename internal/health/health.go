// Package health serves liveness and readiness probes for the gateway.
//
// /healthz reports liveness and always returns 200 once the process serves
// HTTP. /readyz runs the registered probes (history store, model backends)
// and returns 503 until all of them pass. Bodies are JSON with a "status"
// field and, for readiness, a per-probe "checks" map.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"time"
)

// probeTimeout bounds a single readiness probe.
const probeTimeout = 5 * time.Second

// Checker is a named readiness probe. Check returns nil when the dependency
// is usable and an error describing the failure otherwise. It must respect
// context cancellation.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

// report is the JSON body for both endpoints.
type report struct {
	Status string            `json:"status"`
	Checks map[string]string `json:"checks,omitempty"`
}

// Handler serves the probe endpoints. The probe set is fixed at construction;
// Handler is safe for concurrent use.
type Handler struct {
	probes []Checker
}

// New builds a Handler running the given probes, in order, on each /readyz
// request.
func New(probes ...Checker) *Handler {
	return &Handler{probes: append([]Checker(nil), probes...)}
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200; a process that reached the handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, report{Status: "ok"})
}

// Readyz runs every probe and answers 200 only when all pass, 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := report{Status: "ok", Checks: make(map[string]string, len(h.probes))}
	status := http.StatusOK

	for _, p := range h.probes {
		ctx, cancel := context.WithTimeout(r.Context(), probeTimeout)
		err := p.Check(ctx)
		cancel()
		if err != nil {
			rep.Checks[p.Name] = "fail: " + err.Error()
			rep.Status = "fail"
			status = http.StatusServiceUnavailable
			continue
		}
		rep.Checks[p.Name] = "ok"
	}

	writeJSON(w, status, rep)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package health provides HTTP liveness and readiness handlers.
//
//   - /healthz reports that the process can serve HTTP. It always returns 200.
//   - /readyz runs every registered [Checker] concurrently and returns 200
//     only when all of them pass.
//
// Readiness for mictrail means the buffer directory accepts new files and,
// when configured, the segment catalog database answers a ping.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"
)

// checkTimeout bounds a single readiness check.
const checkTimeout = 5 * time.Second

// Checker is a named readiness probe.
type Checker struct {
	// Name labels the check in the JSON response, e.g. "buffer_directory".
	Name string

	// Check returns nil when the dependency is usable. It must respect
	// context cancellation.
	Check func(ctx context.Context) error
}

// CheckFunc adapts a context-free probe such as
// [buffering.DirStorage.CheckWritable] into a [Checker].
func CheckFunc(name string, probe func() error) Checker {
	return Checker{Name: name, Check: func(context.Context) error { return probe() }}
}

// checkResult is the per-check entry of a readiness response.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMs int64  `json:"latencyMs"`
}

// response is the JSON body of both endpoints.
type response struct {
	Status        string                 `json:"status"`
	UptimeSeconds int64                  `json:"uptimeSeconds"`
	Checks        map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz. The checker list is fixed at
// construction time.
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New creates a [Handler] that evaluates checkers on each /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok", UptimeSeconds: h.uptime()})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	results := make(map[string]checkResult, len(h.checkers))
	var mu sync.Mutex
	var wg sync.WaitGroup

	for _, c := range h.checkers {
		wg.Go(func() {
			ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
			defer cancel()

			start := h.now()
			err := c.Check(ctx)
			res := checkResult{Status: "ok", LatencyMs: h.now().Sub(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			results[c.Name] = res
			mu.Unlock()
		})
	}
	wg.Wait()

	body := response{Status: "ok", UptimeSeconds: h.uptime(), Checks: results}
	status := http.StatusOK
	for _, res := range results {
		if res.Status != "ok" {
			body.Status = "fail"
			status = http.StatusServiceUnavailable
			break
		}
	}
	writeJSON(w, status, body)
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func (h *Handler) uptime() int64 {
	return int64(h.now().Sub(h.started).Seconds())
}

// writeJSON encodes v as JSON with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package health serves the bot server's liveness and readiness probes.
//
//   - /healthz — liveness: the process is up and serving HTTP.
//   - /readyz  — readiness: every registered dependency check passes, so the
//     server may receive call-start requests.
//
// Readiness failures take a call-routing layer out of rotation, so checks run
// concurrently and report per-dependency detail rather than a bare status.
package health

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds one readiness pass; a dependency slower than this is
// treated as down.
const checkTimeout = 5 * time.Second

// Checker probes one dependency the call path needs (session store, transport
// vendor, tool servers). Check returns nil when the dependency can serve.
type Checker struct {
	// Name keys the check in the JSON response ("database", "mcp").
	Name string

	// Check must respect context cancellation.
	Check func(ctx context.Context) error
}

// checkResult is one dependency's outcome in the readiness response.
type checkResult struct {
	Status    string `json:"status"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// response is the JSON body for both probes.
type response struct {
	Status string                 `json:"status"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler evaluates the registered checkers per readiness request. The
// checker list is fixed at construction; Handler is safe for concurrent use.
type Handler struct {
	checkers []Checker
}

// New creates a Handler over the given checkers.
func New(checkers ...Checker) *Handler {
	c := make([]Checker, len(checkers))
	copy(c, checkers)
	return &Handler{checkers: c}
}

// Register adds both probe routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness. A process able to run this handler is alive.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, response{Status: "ok"})
}

// Readyz runs every checker concurrently under one shared deadline and
// reports 503 if any dependency fails. Active calls are unaffected by a
// not-ready verdict; only new call starts are steered away.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), checkTimeout)
	defer cancel()

	var (
		mu     sync.Mutex
		checks = make(map[string]checkResult, len(h.checkers))
		ready  = true
	)

	var g errgroup.Group
	for _, c := range h.checkers {
		g.Go(func() error {
			start := time.Now()
			err := c.Check(ctx)

			res := checkResult{Status: "ok", LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}

			mu.Lock()
			checks[c.Name] = res
			if err != nil {
				ready = false
			}
			mu.Unlock()
			return nil
		})
	}
	_ = g.Wait()

	resp := response{Status: "ok", Checks: checks}
	status := http.StatusOK
	if !ready {
		resp.Status = "fail"
		status = http.StatusServiceUnavailable
	}
	writeJSON(w, status, resp)
}

// Capacity returns a checker that fails once active reports more running
// calls than limit, so the routing layer stops sending new calls to a full
// instance. A limit of zero disables the check.
func Capacity(limit int, active func() int) Checker {
	return Checker{
		Name: "capacity",
		Check: func(context.Context) error {
			if n := active(); limit > 0 && n >= limit {
				return fmt.Errorf("at capacity: %d/%d sessions", n, limit)
			}
			return nil
		},
	}
}

// writeJSON encodes v with the given status code. Encoding failures degrade
// to a plain-text 500.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"status":"error"}`, http.StatusInternalServerError)
	}
}

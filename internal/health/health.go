// Package health serves the liveness and readiness probes.
//
// GET /healthz answers 200 while the process can serve HTTP. GET /readyz runs
// every registered [Checker] concurrently and answers 503 when a critical one
// fails. A failing optional checker only downgrades the report to
// [StatusDegraded].
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// DefaultTimeout bounds a checker that sets no Timeout of its own.
const DefaultTimeout = 5 * time.Second

// Status is the outcome of a single check or of the whole report.
type Status string

const (
	StatusOK       Status = "ok"
	StatusDegraded Status = "degraded"
	StatusFail     Status = "fail"
)

// Checker probes one dependency.
type Checker struct {
	// Name keys the check in the report, e.g. "providers".
	Name string

	// Check returns nil when the dependency is usable. It must honour ctx.
	Check func(ctx context.Context) error

	// Optional marks a dependency the pipeline can run without, such as the
	// turn store.
	Optional bool

	// Timeout overrides DefaultTimeout.
	Timeout time.Duration
}

// CheckResult is one entry of a [Report].
type CheckResult struct {
	Status    Status  `json:"status"`
	Error     string  `json:"error,omitempty"`
	LatencyMS float64 `json:"latency_ms"`
}

// Report is the /readyz response body.
type Report struct {
	Status Status                 `json:"status"`
	Checks map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
}

// New returns a Handler evaluating checkers on every readiness request.
func New(checkers ...Checker) *Handler {
	return &Handler{checkers: append([]Checker(nil), checkers...)}
}

// Evaluate runs every checker concurrently and folds the results. A critical
// failure outranks any number of degraded checks.
func (h *Handler) Evaluate(ctx context.Context) Report {
	rep := Report{Status: StatusOK, Checks: make(map[string]CheckResult, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			res := run(ctx, c)
			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			switch {
			case res.Status == StatusFail:
				rep.Status = StatusFail
			case res.Status == StatusDegraded && rep.Status == StatusOK:
				rep.Status = StatusDegraded
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func run(ctx context.Context, c Checker) CheckResult {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	start := time.Now()
	err := c.Check(ctx)
	res := CheckResult{Status: StatusOK, LatencyMS: float64(time.Since(start).Microseconds()) / 1000}
	if err != nil {
		res.Error = err.Error()
		res.Status = StatusFail
		if c.Optional {
			res.Status = StatusDegraded
		}
	}
	return res
}

// Healthz is the liveness probe.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK})
}

// Readyz is the readiness probe.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	code := http.StatusOK
	if rep.Status == StatusFail {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Register mounts both probes on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

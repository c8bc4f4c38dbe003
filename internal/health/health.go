// Package health serves the liveness and readiness endpoints of the Tavern
// server.
//
// /healthz answers 200 while the process can serve HTTP. /readyz runs every
// registered [Check] concurrently and reports one of three states:
//
//	ok           all checks pass                         200
//	degraded     only optional checks fail               200
//	unavailable  at least one required check fails       503
//
// The chat store is required: without it no route works. The generation
// backend is optional, because persona, history and stats routes keep
// working while it is down and only new turns fail.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/MrWong99/tavern/internal/observe"
)

// DefaultTimeout bounds a single check.
const DefaultTimeout = 3 * time.Second

// Readiness states reported by /readyz.
const (
	StatusOK          = "ok"
	StatusDegraded    = "degraded"
	StatusUnavailable = "unavailable"
)

// Check is one named readiness dependency.
type Check struct {
	Name string

	// Optional checks are reported but do not make the server unavailable.
	Optional bool

	// Run returns nil when the dependency is reachable. It must honour ctx.
	Run func(ctx context.Context) error
}

// Pinger is implemented by the chat stores and by generation providers
// that can report reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Store returns the required check for the chat store.
func Store(p Pinger) Check {
	return Check{Name: "store", Run: p.Ping}
}

// Generator returns the optional check for the generation backend.
func Generator(p Pinger) Check {
	return Check{Name: "generator", Optional: true, Run: p.Ping}
}

// CheckResult is the outcome of one check in a /readyz response.
type CheckResult struct {
	Status    string `json:"status"`
	Optional  bool   `json:"optional,omitempty"`
	Error     string `json:"error,omitempty"`
	LatencyMS int64  `json:"latency_ms"`
}

// Report is the JSON body of both endpoints.
type Report struct {
	Status  string                 `json:"status"`
	Version string                 `json:"version,omitempty"`
	Checks  map[string]CheckResult `json:"checks,omitempty"`
}

// Handler serves /healthz and /readyz.
type Handler struct {
	checks  []Check
	timeout time.Duration
	version string

	mu   sync.Mutex
	last string
}

// Option configures a [Handler].
type Option func(*Handler)

// WithTimeout overrides [DefaultTimeout].
func WithTimeout(d time.Duration) Option {
	return func(h *Handler) {
		if d > 0 {
			h.timeout = d
		}
	}
}

// WithVersion adds the server version to every report.
func WithVersion(v string) Option {
	return func(h *Handler) { h.version = v }
}

// New returns a handler evaluating checks on each /readyz request.
func New(checks []Check, opts ...Option) *Handler {
	h := &Handler{
		checks:  append([]Check(nil), checks...),
		timeout: DefaultTimeout,
	}
	for _, o := range opts {
		o(h)
	}
	return h
}

// Register mounts the endpoints on mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz reports liveness.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, Report{Status: StatusOK, Version: h.version})
}

// Readyz runs all checks and reports the aggregate readiness.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.Evaluate(r.Context())
	h.logTransition(r.Context(), rep)

	code := http.StatusOK
	if rep.Status == StatusUnavailable {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

// Evaluate runs every check concurrently, each under its own timeout.
func (h *Handler) Evaluate(ctx context.Context) Report {
	results := make([]CheckResult, len(h.checks))
	var g errgroup.Group
	for i, c := range h.checks {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, h.timeout)
			defer cancel()
			start := time.Now()
			err := c.Run(cctx)
			res := CheckResult{Status: StatusOK, Optional: c.Optional, LatencyMS: time.Since(start).Milliseconds()}
			if err != nil {
				res.Status = "fail"
				res.Error = err.Error()
			}
			results[i] = res
			return nil
		})
	}
	_ = g.Wait()

	rep := Report{Status: StatusOK, Version: h.version, Checks: make(map[string]CheckResult, len(results))}
	for i, res := range results {
		rep.Checks[h.checks[i].Name] = res
		if res.Status == StatusOK {
			continue
		}
		if !res.Optional {
			rep.Status = StatusUnavailable
		} else if rep.Status == StatusOK {
			rep.Status = StatusDegraded
		}
	}
	return rep
}

// logTransition logs readiness changes once instead of on every poll.
func (h *Handler) logTransition(ctx context.Context, rep Report) {
	h.mu.Lock()
	prev := h.last
	h.last = rep.Status
	h.mu.Unlock()
	if prev == rep.Status || (prev == "" && rep.Status == StatusOK) {
		return
	}
	log := observe.Logger(ctx)
	for name, res := range rep.Checks {
		if res.Status != StatusOK {
			log.Warn("readiness check failing", "check", name, "optional", res.Optional, "err", res.Error)
		}
	}
	log.Info("readiness changed", "from", prev, "to", rep.Status)
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// Package health serves the liveness and readiness probes.
//
// /healthz answers 200 while the process can serve HTTP and reports its
// uptime. /readyz runs every registered [Checker] concurrently and answers
// 200 only when all of them pass; the body lists each check with its error
// and how long it took. [RolesResident] and [StoreOpen] build the checkers
// murmur registers.
package health

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"
)

// checkTimeout bounds a single check. Probes poll often, so a hung
// dependency must not hold a request open.
const checkTimeout = 5 * time.Second

const (
	statusOK   = "ok"
	statusFail = "fail"
)

// Checker is a named readiness check. Check returns nil when the dependency
// is usable.
type Checker struct {
	Name  string
	Check func(ctx context.Context) error
}

type checkResult struct {
	Status string `json:"status"`
	Error  string `json:"error,omitempty"`
	Took   string `json:"took"`
}

type report struct {
	Status string                 `json:"status"`
	Uptime string                 `json:"uptime,omitempty"`
	Checks map[string]checkResult `json:"checks,omitempty"`
}

// Handler serves the probes. The checker list is fixed by [New].
type Handler struct {
	checkers []Checker
	started  time.Time
	now      func() time.Time
}

// New returns a handler that evaluates checkers on every /readyz request.
func New(checkers ...Checker) *Handler {
	return &Handler{
		checkers: append([]Checker(nil), checkers...),
		started:  time.Now(),
		now:      time.Now,
	}
}

// Register adds the /healthz and /readyz routes to mux.
func (h *Handler) Register(mux *http.ServeMux) {
	mux.HandleFunc("GET /healthz", h.Healthz)
	mux.HandleFunc("GET /readyz", h.Readyz)
}

// Healthz always answers 200.
func (h *Handler) Healthz(w http.ResponseWriter, _ *http.Request) {
	up := h.now().Sub(h.started).Round(time.Second)
	writeJSON(w, http.StatusOK, report{Status: statusOK, Uptime: up.String()})
}

// Readyz answers 200 when every checker passes and 503 otherwise.
func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	rep := h.check(r.Context())
	code := http.StatusOK
	if rep.Status != statusOK {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, rep)
}

func (h *Handler) check(ctx context.Context) report {
	rep := report{Status: statusOK, Checks: make(map[string]checkResult, len(h.checkers))}
	var (
		mu sync.Mutex
		g  errgroup.Group
	)
	for _, c := range h.checkers {
		g.Go(func() error {
			cctx, cancel := context.WithTimeout(ctx, checkTimeout)
			defer cancel()
			start := h.now()
			err := c.Check(cctx)
			res := checkResult{Status: statusOK, Took: h.now().Sub(start).String()}
			if err != nil {
				res.Status = statusFail
				res.Error = err.Error()
			}

			mu.Lock()
			defer mu.Unlock()
			rep.Checks[c.Name] = res
			if err != nil {
				rep.Status = statusFail
			}
			return nil
		})
	}
	_ = g.Wait()
	return rep
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}

package api

import (
	"context"
	"fmt"
	"net/http"
	"runtime"
	"time"
)

// readinessTimeout is the per-dependency timeout for readiness checks.
const readinessTimeout = 2 * time.Second

// Build-time version information. These are set via -ldflags at build time:
//
//	go build -ldflags "-X github.com/rdvflow/engine/internal/api.Version=1.0.0 -X github.com/rdvflow/engine/internal/api.GitCommit=abc1234 -X github.com/rdvflow/engine/internal/api.BuildTime=2026-02-16T12:00:00Z"
//
// If not set, defaults are used.
var (
	Version   = "dev"
	GitCommit = "unknown"
	BuildTime = "unknown"
)

// HealthChecker verifies that a dependency is reachable and healthy.
type HealthChecker interface {
	HealthCheck(ctx context.Context) error
}

// CheckResult holds the outcome of a single dependency health check.
type CheckResult struct {
	Status string `json:"status"` // "ok" or "error"
	Error  string `json:"error,omitempty"`
}

// ReadinessResponse is the structured JSON returned by GET /health/ready.
type ReadinessResponse struct {
	Status string                 `json:"status"` // "ready" or "not_ready"
	Checks map[string]CheckResult `json:"checks"`
}

// HandleHealthLive is a lightweight liveness probe — confirms the process is alive.
// Always returns 200.
func (s *Server) HandleHealthLive(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"version":    Version,
		"git_commit": GitCommit,
		"build_time": BuildTime,
		"go_version": runtime.Version(),
	})
}

// HandleHealthReady checks the catalog store and returns 200 if healthy, or
// 503 otherwise. Runs with a bounded timeout so a wedged store can't hang
// the readiness probe indefinitely.
func (s *Server) HandleHealthReady(w http.ResponseWriter, r *http.Request) {
	if s.CatalogHealth == nil {
		writeJSON(w, http.StatusOK, ReadinessResponse{Status: "ready", Checks: map[string]CheckResult{}})
		return
	}

	ctx, cancel := context.WithTimeout(r.Context(), readinessTimeout)
	defer cancel()

	checks := map[string]CheckResult{}
	status := http.StatusOK
	resp := ReadinessResponse{Status: "ready"}
	if err := s.CatalogHealth.HealthCheck(ctx); err != nil {
		checks["catalog"] = CheckResult{Status: "error", Error: err.Error()}
		resp.Status = "not_ready"
		status = http.StatusServiceUnavailable
	} else {
		checks["catalog"] = CheckResult{Status: "ok"}
	}
	resp.Checks = checks
	writeJSON(w, status, resp)
}

// HandleMetrics returns basic process metrics in Prometheus text exposition
// format, suitable for scraping without pulling in a metrics client library.
func (s *Server) HandleMetrics(w http.ResponseWriter, _ *http.Request) {
	var memStats runtime.MemStats
	runtime.ReadMemStats(&memStats)

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	fmt.Fprintf(w, "# HELP enginerd_info Build information about enginerd.\n")
	fmt.Fprintf(w, "# TYPE enginerd_info gauge\n")
	fmt.Fprintf(w, "enginerd_info{version=%q,git_commit=%q,go_version=%q} 1\n", Version, GitCommit, runtime.Version())

	fmt.Fprintf(w, "# HELP enginerd_goroutines Number of goroutines.\n")
	fmt.Fprintf(w, "# TYPE enginerd_goroutines gauge\n")
	fmt.Fprintf(w, "enginerd_goroutines %d\n", runtime.NumGoroutine())

	fmt.Fprintf(w, "# HELP enginerd_memory_alloc_bytes Current memory allocation in bytes.\n")
	fmt.Fprintf(w, "# TYPE enginerd_memory_alloc_bytes gauge\n")
	fmt.Fprintf(w, "enginerd_memory_alloc_bytes %d\n", memStats.Alloc)

	fmt.Fprintf(w, "# HELP enginerd_gc_completed_total Total number of completed GC cycles.\n")
	fmt.Fprintf(w, "# TYPE enginerd_gc_completed_total counter\n")
	fmt.Fprintf(w, "enginerd_gc_completed_total %d\n", memStats.NumGC)

	if s.SSELimiter != nil {
		fmt.Fprintf(w, "# HELP enginerd_sse_connections_active Current number of active SSE connections.\n")
		fmt.Fprintf(w, "# TYPE enginerd_sse_connections_active gauge\n")
		fmt.Fprintf(w, "enginerd_sse_connections_active %d\n", s.SSELimiter.GlobalCount())
	}
}

// Package api provides the HTTP surface for enginerd: run submission,
// cancellation, artifact retrieval, cache maintenance, and a live SSE feed
// of run-updated events. All endpoints are mounted under /api/v1/api-script.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/rdvflow/engine/internal/domain"
)

// maxJSONBodySize is the maximum size for JSON request bodies (1MB).
const maxJSONBodySize = 1 << 20

// RunManager is the subset of runmanager.Manager the HTTP handlers need.
type RunManager interface {
	Submit(ctx context.Context, req domain.RunRequest) (string, error)
	Cancel(runID string) error
}

// ArtifactService is the subset of artifactsvc.Service the HTTP handlers need.
type ArtifactService interface {
	EnsureZip(ctx context.Context, runID string) (string, error)
	ExportZip(ctx context.Context, runID, destination string) error
	ReadLogTail(ctx context.Context, runID string, limit int) ([]domain.RequestLogEntry, error)
	CleanupCache(ctx context.Context, olderThanMs int64) (int, error)
}

// Catalog is the subset of the catalog store the run-status/events handlers need.
type Catalog interface {
	GetRun(ctx context.Context, runID string) (domain.Run, error)
}

// EventBus is the subset of eventbus.Bus the SSE handler needs.
type EventBus interface {
	Subscribe() (<-chan domain.RunEvent, func())
}

// Structured error type codes for machine-readable error categorization.
const (
	ErrorTypeValidation  = "VALIDATION"
	ErrorTypeNotFound    = "NOT_FOUND"
	ErrorTypeConflict    = "CONFLICT"
	ErrorTypeRateLimit   = "RATE_LIMIT"
	ErrorTypeInternal    = "INTERNAL"
	ErrorTypeUnavailable = "UNAVAILABLE"
)

// APIError is the structured JSON error envelope returned by all API error responses.
// Format: {"error": {"code": "ERROR_CODE", "type": "ERROR_TYPE", "message": "human-readable message"}}
type APIError struct {
	Error APIErrorDetail `json:"error"`
}

// APIErrorDetail holds the code, type, and message inside the error envelope.
type APIErrorDetail struct {
	Code    string `json:"code"`
	Type    string `json:"type,omitempty"`
	Message string `json:"message"`
}

// errorTypeFromStatus maps HTTP status codes to broad error type categories.
func errorTypeFromStatus(status int) string {
	switch {
	case status == http.StatusBadRequest:
		return ErrorTypeValidation
	case status == http.StatusNotFound:
		return ErrorTypeNotFound
	case status == http.StatusConflict:
		return ErrorTypeConflict
	case status == http.StatusTooManyRequests:
		return ErrorTypeRateLimit
	case status == http.StatusServiceUnavailable:
		return ErrorTypeUnavailable
	case status >= 500:
		return ErrorTypeInternal
	default:
		return ""
	}
}

// errorJSON writes a structured JSON error response. All API errors use
// this format so callers only need to handle one shape.
func errorJSON(w http.ResponseWriter, message, code string, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(APIError{
		Error: APIErrorDetail{Code: code, Type: errorTypeFromStatus(status), Message: message},
	}); err != nil {
		slog.Error("failed to encode JSON error response", "error", err)
	}
}

// internalError logs the full error server-side and returns a generic JSON error to clients.
func internalError(w http.ResponseWriter, msg string, err error) {
	slog.Error(msg, "error", err)
	errorJSON(w, msg, "INTERNAL", http.StatusInternalServerError)
}

// writeJSON encodes v as JSON and writes it to w with the given status code.
func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Error("failed to encode JSON response", "error", err)
	}
}

// limitJSONBody caps request body size.
func limitJSONBody(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Body != nil {
			r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodySize)
		}
		next.ServeHTTP(w, r)
	})
}

// securityHeaders adds standard HTTP security headers to every response.
func securityHeaders(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		next.ServeHTTP(w, r)
	})
}

// Server holds dependencies for all API handlers.
type Server struct {
	Runs      RunManager
	Artifacts ArtifactService
	Catalog   Catalog
	Events    EventBus

	CORSOrigins []string // Allowed CORS origins. Defaults to ["http://localhost:3000"].

	RateLimit       *RateLimitConfig // Per-IP rate limiting config on mutation routes. Nil disables it.
	RateLimiterStop func()           // Populated by NewRouter when rate limiting is enabled.

	SSELimiter *SSELimiter // Concurrent SSE connection limiter. Nil = uses a default limiter.

	CatalogHealth HealthChecker // Catalog store reachability check. Nil = skip.
}

// NewRouter creates a configured chi router with every api-script route mounted.
func NewRouter(srv *Server) chi.Router {
	if srv.SSELimiter == nil {
		srv.SSELimiter = NewSSELimiter(0, 0)
	}

	r := chi.NewRouter()

	corsOrigins := srv.CORSOrigins
	if len(corsOrigins) == 0 {
		corsOrigins = []string{"http://localhost:3000"}
	}

	hasWildcard := false
	for _, o := range corsOrigins {
		if o == "*" {
			hasWildcard = true
			break
		}
	}

	corsOpts := cors.Options{
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Content-Type", "X-Request-ID"},
		ExposedHeaders:   []string{"X-Request-ID", "RateLimit-Limit", "RateLimit-Remaining", "Retry-After"},
		AllowCredentials: true,
		MaxAge:           300,
	}

	if hasWildcard {
		// Access-Control-Allow-Origin must never be "*" alongside credentials,
		// so a configured wildcard falls back to reflecting the request Origin.
		slog.Warn("CORS: wildcard origin '*' with AllowCredentials — using dynamic origin reflection")
		corsOpts.AllowOriginFunc = func(_ *http.Request, _ string) bool {
			return true
		}
	} else {
		corsOpts.AllowedOrigins = corsOrigins
	}

	r.Use(cors.Handler(corsOpts))
	r.Use(securityHeaders)
	r.Use(RequestID)
	r.Use(middleware.RealIP)
	r.Use(RequestLogger)
	r.Use(middleware.Recoverer)

	r.Get("/health", srv.HandleHealthLive)
	r.Get("/health/ready", srv.HandleHealthReady)
	r.Get("/metrics", srv.HandleMetrics)

	r.Route("/api/v1/api-script", func(r chi.Router) {
		r.Use(limitJSONBody)

		if srv.RateLimit != nil {
			rl, mw := RateLimit(*srv.RateLimit)
			srv.RateLimiterStop = rl.Stop
			r.With(mw).Post("/runs", srv.HandleSubmitRun)
			r.With(mw).Post("/runs/{runId}/cancel", srv.HandleCancelRun)
			r.With(mw).Post("/runs/{runId}/zip", srv.HandleEnsureZip)
			r.With(mw).Post("/runs/{runId}/export", srv.HandleExportZip)
			r.With(mw).Post("/cache/cleanup", srv.HandleCleanupCache)
		} else {
			r.Post("/runs", srv.HandleSubmitRun)
			r.Post("/runs/{runId}/cancel", srv.HandleCancelRun)
			r.Post("/runs/{runId}/zip", srv.HandleEnsureZip)
			r.Post("/runs/{runId}/export", srv.HandleExportZip)
			r.Post("/cache/cleanup", srv.HandleCleanupCache)
		}

		r.Get("/runs/{runId}/log", srv.HandleReadLog)
		r.Get("/runs/{runId}/events", srv.HandleRunEvents)
	})

	return r
}

package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/rdvflow/engine/internal/artifactsvc"
	"github.com/rdvflow/engine/internal/domain"
)

// HandleSubmitRun admits a new run. Only one run may be active at a time;
// a second submission while one is in flight is rejected with 409.
func (s *Server) HandleSubmitRun(w http.ResponseWriter, r *http.Request) {
	var req domain.RunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ScriptID == "" {
		errorJSON(w, "scriptId is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}
	if req.ConnectionDSN == "" {
		errorJSON(w, "connectionDsn is required", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	runID, err := s.Runs.Submit(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, domain.ErrRunActive):
			errorJSON(w, "another run is active", "ALREADY_EXISTS", http.StatusConflict)
		case errors.Is(err, domain.ErrNotFound):
			errorJSON(w, "script not found", "NOT_FOUND", http.StatusNotFound)
		default:
			internalError(w, "failed to submit run", err)
		}
		return
	}

	writeJSON(w, http.StatusAccepted, map[string]string{
		"runId":  runID,
		"status": string(domain.RunStatusPending),
	})
}

// HandleCancelRun requests cancellation of the named run. Cancellation only
// ever applies to the currently active run.
func (s *Server) HandleCancelRun(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	if err := s.Runs.Cancel(runID); err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "run is not active", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to cancel run", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"runId": runID, "status": "cancel_requested"})
}

// artifactErrorStatus maps artifactsvc sentinel errors to an HTTP status
// and a machine-readable code.
func artifactErrorStatus(err error) (int, string) {
	switch {
	case errors.Is(err, artifactsvc.ErrRunNotFound):
		return http.StatusNotFound, "NOT_FOUND"
	case errors.Is(err, artifactsvc.ErrOutputDirNotAvailable),
		errors.Is(err, artifactsvc.ErrManifestNotAvailable),
		errors.Is(err, artifactsvc.ErrZipNotAvailable):
		return http.StatusConflict, "FAILED_PRECONDITION"
	case errors.Is(err, artifactsvc.ErrOutputDirMissing),
		errors.Is(err, artifactsvc.ErrManifestFileMissing),
		errors.Is(err, artifactsvc.ErrZipFileMissing):
		return http.StatusConflict, "DATA_LOSS"
	case errors.Is(err, artifactsvc.ErrEmptyDestination):
		return http.StatusBadRequest, "INVALID_ARGUMENT"
	default:
		return http.StatusInternalServerError, "INTERNAL"
	}
}

// HandleEnsureZip rebuilds runId's ZIP from its manifest if the recorded
// path is absent or stale, and returns the resulting path.
func (s *Server) HandleEnsureZip(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	path, err := s.Artifacts.EnsureZip(r.Context(), runID)
	if err != nil {
		status, code := artifactErrorStatus(err)
		if status == http.StatusInternalServerError {
			internalError(w, "failed to ensure zip", err)
			return
		}
		errorJSON(w, err.Error(), code, status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"runId": runID, "zipPath": path})
}

// exportRunRequest is the JSON body for POST /runs/{runId}/export.
type exportRunRequest struct {
	Destination string `json:"destination"`
}

// HandleExportZip copies runId's ZIP to a caller-supplied destination path.
func (s *Server) HandleExportZip(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	var req exportRunRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
		return
	}

	if err := s.Artifacts.ExportZip(r.Context(), runID, req.Destination); err != nil {
		status, code := artifactErrorStatus(err)
		if status == http.StatusInternalServerError {
			internalError(w, "failed to export zip", err)
			return
		}
		errorJSON(w, err.Error(), code, status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]string{"runId": runID, "destination": req.Destination})
}

// HandleReadLog returns the tail of runId's request log, newest entries last.
// ?limit= bounds the number of entries returned; the service applies its own
// default when it is omitted, and a non-positive or non-numeric value is
// rejected with 400.
func (s *Server) HandleReadLog(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n <= 0 {
			errorJSON(w, "limit must be a positive integer", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
		limit = n
	}

	entries, err := s.Artifacts.ReadLogTail(r.Context(), runID, limit)
	if err != nil {
		status, code := artifactErrorStatus(err)
		if status == http.StatusInternalServerError {
			internalError(w, "failed to read log", err)
			return
		}
		errorJSON(w, err.Error(), code, status)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"runId": runID, "entries": entries})
}

// cleanupCacheRequest is the JSON body for POST /cache/cleanup.
type cleanupCacheRequest struct {
	OlderThanMs int64 `json:"olderThanMs"`
}

// HandleCleanupCache runs an on-demand cache GC pass, removing artifacts
// for runs finished longer than OlderThanMs ago (service default if omitted).
func (s *Server) HandleCleanupCache(w http.ResponseWriter, r *http.Request) {
	var req cleanupCacheRequest
	if r.ContentLength != 0 {
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			errorJSON(w, "invalid request body", "INVALID_ARGUMENT", http.StatusBadRequest)
			return
		}
	}

	cleaned, err := s.Artifacts.CleanupCache(r.Context(), req.OlderThanMs)
	if err != nil {
		internalError(w, "failed to clean up cache", err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]int{"runsCleaned": cleaned})
}

// HandleRunEvents streams run-updated events for runId as Server-Sent
// Events. It replays the run's current state first, then forwards every
// matching event published on the bus until the run reaches a terminal
// state, the client disconnects, or the max connection duration elapses.
func (s *Server) HandleRunEvents(w http.ResponseWriter, r *http.Request) {
	runID := chi.URLParam(r, "runId")

	run, err := s.Catalog.GetRun(r.Context(), runID)
	if err != nil {
		if errors.Is(err, domain.ErrNotFound) {
			errorJSON(w, "run not found", "NOT_FOUND", http.StatusNotFound)
			return
		}
		internalError(w, "failed to load run", err)
		return
	}

	ip := clientIP(r)
	if s.SSELimiter != nil && !s.SSELimiter.Acquire(ip) {
		errorJSON(w, "too many SSE connections", "RESOURCE_EXHAUSTED", http.StatusTooManyRequests)
		return
	}
	defer func() {
		if s.SSELimiter != nil {
			s.SSELimiter.Release(ip)
		}
	}()

	ctx, cancel := context.WithTimeout(r.Context(), time.Duration(MaxSSEDurationSeconds)*time.Second)
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, canFlush := w.(http.Flusher)
	flush := func() {
		if canFlush {
			flusher.Flush()
		}
	}

	sendEvent := func(event string, payload any) {
		data, _ := json.Marshal(payload)
		fmt.Fprintf(w, "event: %s\ndata: %s\n\n", event, data)
		flush()
	}

	progress := run.ProgressSnapshot
	initial := domain.RunEvent{RunID: run.RunID, Status: run.Status, Message: run.ErrorMessage, Progress: &progress}
	sendEvent("run-updated", initial)

	if run.Status.IsTerminal() {
		return
	}

	events, unsubscribe := s.Events.Subscribe()
	defer unsubscribe()

	for {
		select {
		case <-ctx.Done():
			if ctx.Err() == context.DeadlineExceeded {
				sendEvent("error", map[string]string{
					"code":    "TIMEOUT",
					"message": "SSE connection closed: maximum duration exceeded",
				})
			}
			return
		case event, ok := <-events:
			if !ok {
				return
			}
			if event.RunID != runID {
				continue
			}
			sendEvent("run-updated", event)
			if event.Status.IsTerminal() {
				return
			}
		}
	}
}

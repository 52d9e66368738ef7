// Package domain defines the core data model for the api-script run engine:
// script definitions, run requests, the run state machine, and the
// artifacts a run produces. These types are shared across the catalog,
// engine, and API packages.
//
// Design note: HTTP headers marked Sensitive never appear verbatim in a
// ScriptSnapshot. Redaction happens once, at snapshot construction time
// (BuildScriptSnapshot), not at read time — so anything the catalog
// persists is already safe to display or log.
package domain

import (
	"encoding/json"
	"errors"
	"sort"
	"time"
)

// ErrNotFound indicates a lookup (script or run) found nothing.
var ErrNotFound = errors.New("not found")

// ErrRunActive indicates a submission was rejected because another run
// already holds the manager's single admission slot.
var ErrRunActive = errors.New("another run is active")

// HTTPMethod is one of the methods the dispatcher is willing to issue.
type HTTPMethod string

const (
	MethodGet    HTTPMethod = "GET"
	MethodPost   HTTPMethod = "POST"
	MethodPut    HTTPMethod = "PUT"
	MethodPatch  HTTPMethod = "PATCH"
	MethodDelete HTTPMethod = "DELETE"
)

// ValidHTTPMethod reports whether s names one of the supported methods.
func ValidHTTPMethod(s string) bool {
	switch HTTPMethod(s) {
	case MethodGet, MethodPost, MethodPut, MethodPatch, MethodDelete:
		return true
	}
	return false
}

// ErrorPolicy controls how the run engine reacts to a failed send-chunk.
type ErrorPolicy string

const (
	// ErrorPolicyContinue logs failed chunks to the error shard and keeps going.
	ErrorPolicyContinue ErrorPolicy = "continue"
	// ErrorPolicyAbort ends the run as failed on the first failed chunk.
	ErrorPolicyAbort ErrorPolicy = "abort"
)

// Header is a single HTTP header entry on a script definition. Sensitive
// headers are redacted to "***" whenever a ScriptSnapshot is built.
type Header struct {
	Key       string `json:"key"`
	Value     string `json:"value"`
	Sensitive bool   `json:"sensitive"`
}

// ScriptDefinition is the catalog-owned, immutable-per-run configuration of
// an api-script: what endpoint to call, how to shape the request, and the
// batching/pacing knobs that govern one run.
type ScriptDefinition struct {
	ID              string     `json:"id"`
	QueryID         string     `json:"query_id"`
	Name            string     `json:"name"`
	Method          HTTPMethod `json:"method"`
	Endpoint        string     `json:"endpoint"`
	Headers         []Header   `json:"headers"`
	BodyTemplate    string     `json:"body_template,omitempty"`
	FetchSize       int        `json:"fetch_size"`
	SendBatchSize   int        `json:"send_batch_size"`
	SleepMs         int        `json:"sleep_ms"`
	RequestTimeoutMs int       `json:"request_timeout_ms"`
	ErrorPolicy     ErrorPolicy `json:"error_policy"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// RunRequest is the caller-supplied submission payload. ExecutedSQL and
// Params are recorded verbatim into the run's snapshot but are never bound
// at execution time — only BaseSQL/BaseParams are executed. The original
// implementation this engine was modeled on carries both pairs without
// documenting why; this engine preserves that behavior rather than
// inventing a semantic for it.
type RunRequest struct {
	ScriptID      string            `json:"scriptId"`
	QueryID       string            `json:"queryId"`
	RunSignature  string            `json:"runSignature"`
	ExecutedSQL   string            `json:"executedSql"`
	Params        []json.RawMessage `json:"params"`
	ExecutedAt    time.Time         `json:"executedAt"`
	UserConnID    string            `json:"userConnId"`
	ConnectionDSN string            `json:"connectionDsn"`
	BaseSQL       string            `json:"baseSql"`
	BaseParams    []json.RawMessage `json:"baseParams"`
}

// RunStatus is the run's position in its state machine. Terminal states are
// absorbing: once set, a run never transitions again.
type RunStatus string

const (
	RunStatusPending             RunStatus = "pending"
	RunStatusRunning             RunStatus = "running"
	RunStatusSucceeded           RunStatus = "succeeded"
	RunStatusCompletedWithErrors RunStatus = "completed_with_errors"
	RunStatusFailed              RunStatus = "failed"
	RunStatusCancelled           RunStatus = "cancelled"
)

// IsTerminal reports whether status ends a run's lifecycle.
func (s RunStatus) IsTerminal() bool {
	switch s {
	case RunStatusSucceeded, RunStatusCompletedWithErrors, RunStatusFailed, RunStatusCancelled:
		return true
	}
	return false
}

// ScriptSnapshot is the immutable record of a script's configuration and
// execution context captured at admission time, with sensitive header
// values redacted.
type ScriptSnapshot struct {
	Script      ScriptDefinition  `json:"script"`
	QueryID     string            `json:"queryId"`
	RunSignature string           `json:"runSignature"`
	ExecutedSQL string            `json:"executedSql"`
	Params      []json.RawMessage `json:"params"`
	ExecutedAt  time.Time         `json:"executedAt"`
	BaseSQL     string            `json:"baseSql"`
	BaseParams  []json.RawMessage `json:"baseParams"`
}

// BuildScriptSnapshot redacts sensitive header values and captures the
// execution context supplied with req. Call once, at admission; never
// re-derive a snapshot from a live ScriptDefinition later (the live
// definition may have since changed).
func BuildScriptSnapshot(script ScriptDefinition, req RunRequest) ScriptSnapshot {
	redacted := make([]Header, len(script.Headers))
	for i, h := range script.Headers {
		if h.Sensitive {
			h.Value = "***"
		}
		redacted[i] = h
	}
	script.Headers = redacted

	return ScriptSnapshot{
		Script:       script,
		QueryID:      req.QueryID,
		RunSignature: req.RunSignature,
		ExecutedSQL:  req.ExecutedSQL,
		Params:       req.Params,
		ExecutedAt:   req.ExecutedAt,
		BaseSQL:      req.BaseSQL,
		BaseParams:   req.BaseParams,
	}
}

// RunProgress is the mutable counters snapshot the engine writes after
// every drained fetch batch.
type RunProgress struct {
	TotalBatches     int `json:"totalBatches"`
	ProcessedBatches int `json:"processedBatches"`
	RequestCount     int `json:"requestCount"`
	SuccessRows      int `json:"successRows"`
	ErrorRows        int `json:"errorRows"`
	ProcessedRows    int `json:"processedRows"`
	CurrentBatch     int `json:"currentBatch"`
}

// RunPaths are the filesystem locations of a run's durable artifacts.
// Pending/running runs have none; a succeeded or cancelled run records
// output_dir and manifest_path (zip_path once a ZIP is built); a failed run
// records at most output_dir.
type RunPaths struct {
	OutputDir    *string `json:"outputDir,omitempty"`
	ManifestPath *string `json:"manifestPath,omitempty"`
	ZipPath      *string `json:"zipPath,omitempty"`
}

// Run is the engine-owned state machine record for one execution.
type Run struct {
	RunID           string         `json:"runId"`
	ScriptID        string         `json:"scriptId"`
	Status          RunStatus      `json:"status"`
	ScriptSnapshot  ScriptSnapshot `json:"scriptSnapshot"`
	ProgressSnapshot RunProgress   `json:"progressSnapshot"`
	ErrorMessage    *string        `json:"errorMessage,omitempty"`
	Paths           RunPaths       `json:"paths"`
	TotalBatches    int            `json:"totalBatches"`
	ProcessedBatches int           `json:"processedBatches"`
	SuccessRows     int            `json:"successRows"`
	ErrorRows       int            `json:"errorRows"`
	StartedAt       *time.Time     `json:"startedAt,omitempty"`
	FinishedAt      *time.Time     `json:"finishedAt,omitempty"`
	CreatedAt       time.Time      `json:"createdAt"`
	UpdatedAt       time.Time      `json:"updatedAt"`
}

// RequestLogEntry is one append-only JSONL record of a single dispatched
// send-chunk.
type RequestLogEntry struct {
	Timestamp        time.Time `json:"timestamp"`
	FetchIndex       int       `json:"fetchIndex"`
	RequestIndex     int       `json:"requestIndex"`
	RequestSize      int       `json:"requestSize"`
	StartRow         int64     `json:"startRow"`
	EndRow           int64     `json:"endRow"`
	Status           *int      `json:"status,omitempty"`
	DurationMs       int64     `json:"durationMs"`
	Error            *string   `json:"error,omitempty"`
	ResponseExcerpt  *string   `json:"responseExcerpt,omitempty"`
}

// RunSummary is the counters section of a Manifest.
type RunSummary struct {
	TotalBatches     int   `json:"total_batches"`
	ProcessedBatches int   `json:"processed_batches"`
	RequestCount     int   `json:"request_count"`
	SuccessRows      int   `json:"success_rows"`
	ErrorRows        int   `json:"error_rows"`
	TotalRows        int64 `json:"total_rows"`
}

// ManifestFiles lists the artifact filenames a manifest describes, grouped
// by role. A shard that ended up with zero rows is simply absent from its
// list — the writer never created the file.
type ManifestFiles struct {
	SuccessParts []string `json:"successParts"`
	ErrorParts   []string `json:"errorParts"`
	Logs         []string `json:"logs"`
	Manifest     string   `json:"manifest"`
}

// Manifest is the canonical JSON description of a finished run, written
// once by the artifact writers and read back by the artifact service to
// rebuild the run's ZIP.
type Manifest struct {
	RunID          string         `json:"runId"`
	ScriptSnapshot ScriptSnapshot `json:"scriptSnapshot"`
	Summary        RunSummary     `json:"summary"`
	Files          ManifestFiles  `json:"files"`
	StartedAt      *time.Time     `json:"startedAt,omitempty"`
	FinishedAt     *time.Time     `json:"finishedAt,omitempty"`
	GeneratedAt    time.Time      `json:"generatedAt"`
}

// RunCompletion is the terminal outcome an engine reports to the catalog
// when a run reaches one of its absorbing states.
type RunCompletion struct {
	Status       RunStatus
	ErrorMessage *string
	Paths        RunPaths
	Summary      RunSummary
	StartedAt    *time.Time
	FinishedAt   time.Time
}

// RunEvent is the payload published on the run-updated topic.
type RunEvent struct {
	RunID    string       `json:"runId"`
	Status   RunStatus    `json:"status"`
	Message  *string      `json:"message,omitempty"`
	Progress *RunProgress `json:"progress,omitempty"`
}

// SortedKeys returns the lexically sorted keys of a decoded JSON object.
// Used by the engine to derive a stable base-header schema, which it hands
// to the CSV writers, from the first streamed row.
func SortedKeys(row map[string]json.RawMessage) []string {
	keys := make([]string, 0, len(row))
	for k := range row {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

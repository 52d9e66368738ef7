// Package engine implements the Run Engine (C5): it streams rows from C3,
// batches them into fetch buffers and send-chunks, dispatches each chunk
// through C4, applies the configured error policy, writes artifacts
// through C2, and drives a run to exactly one terminal state in C1.
package engine

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/rdvflow/engine/internal/artifact"
	"github.com/rdvflow/engine/internal/dispatch"
	"github.com/rdvflow/engine/internal/domain"
	"github.com/rdvflow/engine/internal/streamer"
)

const (
	logFileName      = "run.log"
	manifestFileName = "manifest.json"
	zipFileName      = "result.zip"
	csvSplitThreshold = 50000
	cancelMessage    = "run cancelled"
)

// CancelFlag reports whether a run's cancellation has been requested. The
// Run Manager (C6) owns the concrete implementation; the engine only polls
// it at the three well-defined points the concurrency model names.
type CancelFlag interface {
	Cancelled() bool
}

// Store is the subset of the catalog the engine needs to drive a run's
// state machine.
type Store interface {
	MarkRunning(ctx context.Context, runID string) error
	UpdateProgress(ctx context.Context, runID string, progress domain.RunProgress) error
	MarkTerminal(ctx context.Context, runID string, completion domain.RunCompletion) error
}

// EventPublisher emits run-updated events. Best-effort: a publish failure
// is logged but never fails the run, since the catalog row is always the
// source of truth for a subscriber reconciling state.
type EventPublisher interface {
	Publish(ctx context.Context, event domain.RunEvent)
}

// Engine executes one run at a time; callers (the Run Manager) are
// responsible for single-flight admission.
type Engine struct {
	store       Store
	events      EventPublisher
	cacheRoot   string
	dbTimeoutMs int
}

// New builds an Engine that writes run artifacts under cacheRoot, opening
// each run's streaming transaction with the given statement/idle timeout.
func New(store Store, events EventPublisher, cacheRoot string, dbTimeoutMs int) *Engine {
	return &Engine{store: store, events: events, cacheRoot: cacheRoot, dbTimeoutMs: dbTimeoutMs}
}

// Params bundles everything a single run execution needs beyond the
// engine's own dependencies.
type Params struct {
	RunID    string
	Script   domain.ScriptDefinition
	Request  domain.RunRequest
	Snapshot domain.ScriptSnapshot
	Cancel   CancelFlag
}

// Execute runs params to completion, writing progress and the terminal
// outcome to the catalog and emitting events along the way. It never
// returns an error to a caller expecting an HTTP response — by the time
// Execute runs, the submission has already returned — but it does return
// one for logging, since a setup failure (bad DSN, directory creation) is
// itself recorded as the run's failure.
func (e *Engine) Execute(ctx context.Context, p Params) error {
	startedAt := time.Now().UTC()

	outputDir := filepath.Join(e.cacheRoot, "api-script-runs", p.RunID)
	if err := os.MkdirAll(outputDir, 0o755); err != nil {
		return e.fail(ctx, p, startedAt, nil, fmt.Sprintf("create output dir: %v", err))
	}

	if err := e.store.MarkRunning(ctx, p.RunID); err != nil {
		return e.fail(ctx, p, startedAt, &outputDir, fmt.Sprintf("mark running: %v", err))
	}
	e.events.Publish(ctx, domain.RunEvent{RunID: p.RunID, Status: domain.RunStatusRunning})

	logger, err := artifact.NewJSONLWriter(filepath.Join(outputDir, logFileName))
	if err != nil {
		return e.fail(ctx, p, startedAt, &outputDir, err.Error())
	}

	successWriter := artifact.NewCSVShardWriter(outputDir, "success", csvSplitThreshold, nil)
	errorWriter := artifact.NewCSVShardWriter(outputDir, "errors", csvSplitThreshold,
		[]string{"__error_message", "__status_code"})

	dispatcher, err := dispatch.New(p.Script)
	if err != nil {
		_ = logger.Finish()
		return e.fail(ctx, p, startedAt, &outputDir, err.Error())
	}

	pool, err := streamer.Open(ctx, p.Request.ConnectionDSN)
	if err != nil {
		_ = logger.Finish()
		return e.fail(ctx, p, startedAt, &outputDir, err.Error())
	}
	defer pool.Close()

	tx, err := pool.BeginReadOnly(ctx, e.dbTimeoutMs)
	if err != nil {
		_ = logger.Finish()
		return e.fail(ctx, p, startedAt, &outputDir, err.Error())
	}

	run := &runExecution{
		engine:     e,
		params:     p,
		outputDir:  outputDir,
		startedAt:  startedAt,
		logger:     logger,
		success:    successWriter,
		errorShard: errorWriter,
		dispatcher: dispatcher,
		tx:         tx,
	}
	return run.run(ctx)
}

// fail records a failure (a setup error, or an abort after rows were
// streamed) as a terminal "failed" run and returns the error for the
// caller's logs.
func (e *Engine) fail(ctx context.Context, p Params, startedAt time.Time, outputDir *string, message string) error {
	finishedAt := time.Now().UTC()
	var paths domain.RunPaths
	if outputDir != nil {
		paths.OutputDir = outputDir
	}
	completion := domain.RunCompletion{
		Status:       domain.RunStatusFailed,
		ErrorMessage: &message,
		Paths:        paths,
		StartedAt:    &startedAt,
		FinishedAt:   finishedAt,
	}
	if err := e.store.MarkTerminal(ctx, p.RunID, completion); err != nil {
		slog.Error("engine: failed to record run failure", "run_id", p.RunID, "error", err)
	}
	e.events.Publish(ctx, domain.RunEvent{RunID: p.RunID, Status: domain.RunStatusFailed, Message: &message})
	return fmt.Errorf("engine: run %s: %s", p.RunID, message)
}

func ceilDiv(total int64, size int) int {
	if total <= 0 {
		return 0
	}
	return int((total-1)/int64(size) + 1)
}

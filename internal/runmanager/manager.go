// Package runmanager implements the Run Manager (C6): single-flight
// admission of a new run, a cancellation-token registry keyed by the one
// active run, and the goroutine that drives the Run Engine to completion
// without blocking the submitting request.
package runmanager

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"

	"github.com/rdvflow/engine/internal/domain"
	"github.com/rdvflow/engine/internal/engine"
	"github.com/rdvflow/engine/internal/streamer"
)

// Catalog is the subset of the catalog store admission needs.
type Catalog interface {
	LoadScript(ctx context.Context, id string) (domain.ScriptDefinition, error)
	InsertRun(ctx context.Context, runID, scriptID string, snapshot domain.ScriptSnapshot) error
}

// Events publishes run-updated notifications.
type Events interface {
	Publish(ctx context.Context, event domain.RunEvent)
}

// Runner executes one admitted run to completion. *engine.Engine satisfies
// this; tests substitute a stub to exercise admission without a database.
type Runner interface {
	Execute(ctx context.Context, p engine.Params) error
}

// cancelFlag is the concrete engine.CancelFlag for one active run.
type cancelFlag struct {
	requested atomic.Bool
}

func (c *cancelFlag) Cancelled() bool { return c.requested.Load() }
func (c *cancelFlag) request()        { c.requested.Store(true) }

// activeRun tracks the one run the manager currently admits.
type activeRun struct {
	runID  string
	cancel *cancelFlag
	stop   context.CancelFunc
}

// Manager admits at most one run at a time. A second Submit while a run is
// active is rejected with domain.ErrRunActive, per the single-flight
// invariant: this engine runs one api-script at a time.
type Manager struct {
	catalog Catalog
	events  Events
	runner  Runner

	mu     sync.Mutex
	active *activeRun
}

// New builds a Manager over the given dependencies.
func New(catalog Catalog, events Events, runner Runner) *Manager {
	return &Manager{catalog: catalog, events: events, runner: runner}
}

// Submit admits req if no run is currently active: it loads the script,
// validates the connection DSN, builds the redacted snapshot, inserts the
// pending run row, and starts execution on a detached context so the run
// outlives the HTTP request that submitted it. It returns the new run's ID.
func (m *Manager) Submit(ctx context.Context, req domain.RunRequest) (string, error) {
	m.mu.Lock()
	if m.active != nil {
		m.mu.Unlock()
		return "", domain.ErrRunActive
	}
	// Reserve the slot with a placeholder so a concurrent Submit fails fast
	// while this one is still doing I/O; it is replaced below once the run
	// ID and cancel flag exist.
	m.active = &activeRun{}
	m.mu.Unlock()

	runID, err := m.admit(ctx, req)
	if err != nil {
		m.mu.Lock()
		m.active = nil
		m.mu.Unlock()
		return "", err
	}
	return runID, nil
}

func (m *Manager) admit(ctx context.Context, req domain.RunRequest) (string, error) {
	script, err := m.catalog.LoadScript(ctx, req.ScriptID)
	if err != nil {
		return "", fmt.Errorf("runmanager: load script: %w", err)
	}
	if err := streamer.ValidateDSN(req.ConnectionDSN); err != nil {
		return "", fmt.Errorf("runmanager: %w", err)
	}

	snapshot := domain.BuildScriptSnapshot(script, req)
	runID := uuid.NewString()
	if err := m.catalog.InsertRun(ctx, runID, script.ID, snapshot); err != nil {
		return "", fmt.Errorf("runmanager: insert run: %w", err)
	}

	flag := &cancelFlag{}
	runCtx, stop := context.WithCancel(context.Background())

	m.mu.Lock()
	m.active = &activeRun{runID: runID, cancel: flag, stop: stop}
	m.mu.Unlock()

	m.events.Publish(ctx, domain.RunEvent{RunID: runID, Status: domain.RunStatusPending})

	go m.execute(runCtx, engine.Params{
		RunID:    runID,
		Script:   script,
		Request:  req,
		Snapshot: snapshot,
		Cancel:   flag,
	})

	return runID, nil
}

func (m *Manager) execute(ctx context.Context, p engine.Params) {
	defer m.release(p.RunID)
	if err := m.runner.Execute(ctx, p); err != nil {
		slog.Error("runmanager: run ended with error", "run_id", p.RunID, "error", err)
	}
}

func (m *Manager) release(runID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.runID == runID {
		m.active.stop()
		m.active = nil
	}
}

// Cancel requests cancellation of runID. It returns domain.ErrNotFound if
// runID is not the currently active run — cancellation only ever applies
// to the run in flight, never to a historical one.
func (m *Manager) Cancel(runID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.runID != runID || m.active.cancel == nil {
		return domain.ErrNotFound
	}
	m.active.cancel.request()
	return nil
}

// ActiveRunID returns the currently admitted run's ID, if any.
func (m *Manager) ActiveRunID() (string, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active == nil || m.active.runID == "" {
		return "", false
	}
	return m.active.runID, true
}

// Shutdown requests cancellation of the active run, if any; the run stops at
// its next cancellation check, and its detached context is released when the
// run ends. Called during graceful server shutdown.
func (m *Manager) Shutdown() {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.active != nil && m.active.cancel != nil {
		m.active.cancel.request()
	}
}

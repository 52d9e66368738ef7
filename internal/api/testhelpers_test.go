package api_test

import (
	"context"
	"sync"

	"github.com/rdvflow/engine/internal/api"
	"github.com/rdvflow/engine/internal/domain"
	"github.com/rdvflow/engine/internal/eventbus"
)

// fakeRunManager is a scriptable stand-in for *runmanager.Manager.
type fakeRunManager struct {
	mu         sync.Mutex
	submitFunc func(ctx context.Context, req domain.RunRequest) (string, error)
	cancelFunc func(runID string) error
	submitted  []domain.RunRequest
	cancelled  []string
}

func (f *fakeRunManager) Submit(ctx context.Context, req domain.RunRequest) (string, error) {
	f.mu.Lock()
	f.submitted = append(f.submitted, req)
	f.mu.Unlock()
	if f.submitFunc != nil {
		return f.submitFunc(ctx, req)
	}
	return "run-1", nil
}

func (f *fakeRunManager) Cancel(runID string) error {
	f.mu.Lock()
	f.cancelled = append(f.cancelled, runID)
	f.mu.Unlock()
	if f.cancelFunc != nil {
		return f.cancelFunc(runID)
	}
	return nil
}

// fakeArtifactService is a scriptable stand-in for *artifactsvc.Service.
type fakeArtifactService struct {
	ensureZipFunc    func(ctx context.Context, runID string) (string, error)
	exportZipFunc    func(ctx context.Context, runID, destination string) error
	readLogTailFunc  func(ctx context.Context, runID string, limit int) ([]domain.RequestLogEntry, error)
	cleanupCacheFunc func(ctx context.Context, olderThanMs int64) (int, error)
}

func (f *fakeArtifactService) EnsureZip(ctx context.Context, runID string) (string, error) {
	if f.ensureZipFunc != nil {
		return f.ensureZipFunc(ctx, runID)
	}
	return "/cache/" + runID + "/result.zip", nil
}

func (f *fakeArtifactService) ExportZip(ctx context.Context, runID, destination string) error {
	if f.exportZipFunc != nil {
		return f.exportZipFunc(ctx, runID, destination)
	}
	return nil
}

func (f *fakeArtifactService) ReadLogTail(ctx context.Context, runID string, limit int) ([]domain.RequestLogEntry, error) {
	if f.readLogTailFunc != nil {
		return f.readLogTailFunc(ctx, runID, limit)
	}
	return []domain.RequestLogEntry{}, nil
}

func (f *fakeArtifactService) CleanupCache(ctx context.Context, olderThanMs int64) (int, error) {
	if f.cleanupCacheFunc != nil {
		return f.cleanupCacheFunc(ctx, olderThanMs)
	}
	return 0, nil
}

// fakeCatalog is a scriptable stand-in for the catalog store's GetRun.
type fakeCatalog struct {
	mu   sync.Mutex
	runs map[string]domain.Run
}

func newFakeCatalog() *fakeCatalog {
	return &fakeCatalog{runs: make(map[string]domain.Run)}
}

func (f *fakeCatalog) put(run domain.Run) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.runs[run.RunID] = run
}

func (f *fakeCatalog) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	run, ok := f.runs[runID]
	if !ok {
		return domain.Run{}, domain.ErrNotFound
	}
	return run, nil
}

// testServerDeps bundles the fakes behind an *api.Server for assertions.
type testServerDeps struct {
	Runs      *fakeRunManager
	Artifacts *fakeArtifactService
	Catalog   *fakeCatalog
	Events    *eventbus.Bus
}

// newTestServer builds an *api.Server wired to fresh fakes, with no rate
// limiting and a permissive SSE limiter, suitable for handler-level tests.
func newTestServer() (*api.Server, *testServerDeps) {
	deps := &testServerDeps{
		Runs:      &fakeRunManager{},
		Artifacts: &fakeArtifactService{},
		Catalog:   newFakeCatalog(),
		Events:    eventbus.New(),
	}

	srv := &api.Server{
		Runs:      deps.Runs,
		Artifacts: deps.Artifacts,
		Catalog:   deps.Catalog,
		Events:    deps.Events,
	}

	return srv, deps
}

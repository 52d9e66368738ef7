package artifact

import (
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/rdvflow/engine/internal/domain"
)

func TestBuildManifestGeneratesExpectedShape(t *testing.T) {
	started := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	finished := started.Add(5 * time.Second)
	generated := finished

	snapshot := domain.ScriptSnapshot{
		Script: domain.ScriptDefinition{ID: "script-1", Name: "demo"},
	}
	summary := domain.RunSummary{
		TotalBatches: 2, ProcessedBatches: 2, RequestCount: 2,
		SuccessRows: 3, ErrorRows: 0, TotalRows: 3,
	}
	files := domain.ManifestFiles{
		SuccessParts: []string{"success.csv"},
		ErrorParts:   nil,
		Logs:         []string{"run.log"},
		Manifest:     "manifest.json",
	}

	m := BuildManifest("run-1", snapshot, summary, files, &started, &finished, generated)

	assert.Equal(t, "run-1", m.RunID)
	assert.Equal(t, summary, m.Summary)
	assert.Equal(t, files, m.Files)
	assert.Equal(t, &started, m.StartedAt)
	assert.Equal(t, &finished, m.FinishedAt)
}

func TestManifestRoundTripsThroughFile(t *testing.T) {
	dir := t.TempDir()
	started := time.Now().UTC()
	finished := started.Add(time.Second)

	snapshot := domain.ScriptSnapshot{Script: domain.ScriptDefinition{ID: "s1"}}
	summary := domain.RunSummary{TotalBatches: 1, ProcessedBatches: 1, RequestCount: 1, SuccessRows: 1, TotalRows: 1}
	files := domain.ManifestFiles{Manifest: "manifest.json"}
	m := BuildManifest("run-2", snapshot, summary, files, &started, &finished, finished)

	manifestPath := filepath.Join(dir, "manifest.json")
	require.NoError(t, WriteManifest(manifestPath, m))

	zipPath := filepath.Join(dir, "result.zip")
	require.NoError(t, BuildZip(dir, zipPath, files))

	reRead, err := ReadManifest(manifestPath)
	require.NoError(t, err)
	assert.Equal(t, m.RunID, reRead.RunID)
	assert.Equal(t, m.Summary, reRead.Summary)
}

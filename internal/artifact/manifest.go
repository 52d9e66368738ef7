package artifact

import (
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/rdvflow/engine/internal/domain"
)

// BuildManifest is a pure function of its arguments: it has no side
// effects and performs no I/O on its own.
func BuildManifest(runID string, snapshot domain.ScriptSnapshot, summary domain.RunSummary,
	files domain.ManifestFiles, startedAt *time.Time, finishedAt *time.Time, generatedAt time.Time) domain.Manifest {
	return domain.Manifest{
		RunID:          runID,
		ScriptSnapshot: snapshot,
		Summary:        summary,
		Files:          files,
		StartedAt:      startedAt,
		FinishedAt:     finishedAt,
		GeneratedAt:    generatedAt,
	}
}

// WriteManifest pretty-prints m and writes it once to path.
func WriteManifest(path string, m domain.Manifest) error {
	data, err := json.MarshalIndent(m, "", "  ")
	if err != nil {
		return fmt.Errorf("artifact: encode manifest: %w", err)
	}
	if err := os.WriteFile(path, data, 0o644); err != nil {
		return fmt.Errorf("artifact: write manifest: %w", err)
	}
	return nil
}

// ReadManifest loads and decodes a manifest file, used by the artifact
// service to reconstruct a ZIP's file list.
func ReadManifest(path string) (domain.Manifest, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return domain.Manifest{}, fmt.Errorf("artifact: read manifest: %w", err)
	}
	var m domain.Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return domain.Manifest{}, fmt.Errorf("artifact: decode manifest: %w", err)
	}
	return m, nil
}

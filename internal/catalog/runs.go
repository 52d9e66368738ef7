package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rdvflow/engine/internal/domain"
)

// InsertRun creates a pending run row. All mutations set updated_at =
// now_ms(); created_at is stamped once here.
func (s *Store) InsertRun(ctx context.Context, runID, scriptID string, snapshot domain.ScriptSnapshot) error {
	snapJSON, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("catalog: encode snapshot: %w", err)
	}
	progJSON, err := json.Marshal(domain.RunProgress{})
	if err != nil {
		return fmt.Errorf("catalog: encode progress: %w", err)
	}
	now := nowMs()
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO runs (run_id, script_id, status, script_snapshot, progress_snapshot,
		                   created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		runID, scriptID, string(domain.RunStatusPending), string(snapJSON), string(progJSON), now, now)
	if err != nil {
		return fmt.Errorf("catalog: insert run: %w", err)
	}
	return nil
}

// MarkRunning transitions a run to running.
func (s *Store) MarkRunning(ctx context.Context, runID string) error {
	now := nowMs()
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET status = ?, started_at = COALESCE(started_at, ?), updated_at = ?
		WHERE run_id = ?`, string(domain.RunStatusRunning), now, now, runID)
	if err != nil {
		return fmt.Errorf("catalog: mark running: %w", err)
	}
	return nil
}

// UpdateProgress persists the latest progress snapshot and the counters it
// carries.
func (s *Store) UpdateProgress(ctx context.Context, runID string, progress domain.RunProgress) error {
	progJSON, err := json.Marshal(progress)
	if err != nil {
		return fmt.Errorf("catalog: encode progress: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE runs SET progress_snapshot = ?, total_batches = ?, processed_batches = ?,
		                success_rows = ?, error_rows = ?, updated_at = ?
		WHERE run_id = ?`,
		string(progJSON), progress.TotalBatches, progress.ProcessedBatches,
		progress.SuccessRows, progress.ErrorRows, nowMs(), runID)
	if err != nil {
		return fmt.Errorf("catalog: update progress: %w", err)
	}
	return nil
}

// MarkTerminal records a run's terminal outcome. started_at is backfilled
// via COALESCE so a run cancelled before the engine ever called MarkRunning
// still ends up with a plausible start time.
func (s *Store) MarkTerminal(ctx context.Context, runID string, completion domain.RunCompletion) error {
	now := nowMs()
	var startedAtArg sql.NullInt64
	if completion.StartedAt != nil {
		startedAtArg = sql.NullInt64{Int64: completion.StartedAt.UnixMilli(), Valid: true}
	} else {
		startedAtArg = sql.NullInt64{Int64: now, Valid: true}
	}

	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET
			status = ?,
			error_message = ?,
			output_dir = ?,
			manifest_path = ?,
			zip_path = ?,
			total_batches = ?,
			processed_batches = ?,
			success_rows = ?,
			error_rows = ?,
			started_at = COALESCE(started_at, ?),
			finished_at = ?,
			updated_at = ?
		WHERE run_id = ?`,
		string(completion.Status),
		nullStr(completion.ErrorMessage),
		nullStr(completion.Paths.OutputDir),
		nullStr(completion.Paths.ManifestPath),
		nullStr(completion.Paths.ZipPath),
		completion.Summary.TotalBatches,
		completion.Summary.ProcessedBatches,
		completion.Summary.SuccessRows,
		completion.Summary.ErrorRows,
		startedAtArg.Int64,
		completion.FinishedAt.UnixMilli(),
		now,
		runID,
	)
	if err != nil {
		return fmt.Errorf("catalog: mark terminal: %w", err)
	}
	return nil
}

// LoadRunPaths returns the three artifact path columns for a run.
func (s *Store) LoadRunPaths(ctx context.Context, runID string) (domain.RunPaths, error) {
	row := s.db.QueryRowContext(ctx, `SELECT output_dir, manifest_path, zip_path FROM runs WHERE run_id = ?`, runID)
	var outputDir, manifestPath, zipPath sql.NullString
	if err := row.Scan(&outputDir, &manifestPath, &zipPath); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return domain.RunPaths{}, domain.ErrNotFound
		}
		return domain.RunPaths{}, fmt.Errorf("catalog: load run paths: %w", err)
	}
	return domain.RunPaths{
		OutputDir:    strPtr(outputDir),
		ManifestPath: strPtr(manifestPath),
		ZipPath:      strPtr(zipPath),
	}, nil
}

// SetZipPath persists a (re)built ZIP's path, e.g. after the artifact
// service reconstructs it from the manifest.
func (s *Store) SetZipPath(ctx context.Context, runID, zipPath string) error {
	res, err := s.db.ExecContext(ctx, `UPDATE runs SET zip_path = ?, updated_at = ? WHERE run_id = ?`,
		zipPath, nowMs(), runID)
	if err != nil {
		return fmt.Errorf("catalog: set zip path: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrNotFound
	}
	return nil
}

// RunWithArtifacts is a thin projection used by GC: just enough to decide
// whether and what to delete.
type RunWithArtifacts struct {
	RunID        string
	OutputDir    *string
	ZipPath      *string
	FinishedAtMs *int64
	UpdatedAtMs  int64
}

// ListRunsWithArtifacts returns every run that still has at least one
// artifact path recorded, for the GC sweep to consider.
func (s *Store) ListRunsWithArtifacts(ctx context.Context) ([]RunWithArtifacts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT run_id, output_dir, zip_path, finished_at, updated_at
		FROM runs
		WHERE output_dir IS NOT NULL OR manifest_path IS NOT NULL OR zip_path IS NOT NULL`)
	if err != nil {
		return nil, fmt.Errorf("catalog: list runs with artifacts: %w", err)
	}
	defer rows.Close()

	var out []RunWithArtifacts
	for rows.Next() {
		var r RunWithArtifacts
		var outputDir, zipPath sql.NullString
		var finishedAt sql.NullInt64
		if err := rows.Scan(&r.RunID, &outputDir, &zipPath, &finishedAt, &r.UpdatedAtMs); err != nil {
			return nil, fmt.Errorf("catalog: scan run with artifacts: %w", err)
		}
		r.OutputDir = strPtr(outputDir)
		r.ZipPath = strPtr(zipPath)
		if finishedAt.Valid {
			v := finishedAt.Int64
			r.FinishedAtMs = &v
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ClearArtifactPaths nulls out a run's three path columns, leaving the run
// row (and its counters) intact. Called by GC after deleting the files.
func (s *Store) ClearArtifactPaths(ctx context.Context, runID string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE runs SET output_dir = NULL, manifest_path = NULL, zip_path = NULL, updated_at = ?
		WHERE run_id = ?`, nowMs(), runID)
	if err != nil {
		return fmt.Errorf("catalog: clear artifact paths: %w", err)
	}
	return nil
}

// GetRun fetches the full run row, for API reads.
func (s *Store) GetRun(ctx context.Context, runID string) (domain.Run, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT run_id, script_id, status, script_snapshot, progress_snapshot, error_message,
		       output_dir, manifest_path, zip_path, total_batches, processed_batches,
		       success_rows, error_rows, started_at, finished_at, created_at, updated_at
		FROM runs WHERE run_id = ?`, runID)

	var (
		run                                     domain.Run
		snapJSON, progJSON                      string
		errMsg, outputDir, manifestPath, zipPath sql.NullString
		startedAt, finishedAt                    sql.NullInt64
		createdAtMs, updatedAtMs                 int64
	)
	err := row.Scan(&run.RunID, &run.ScriptID, &run.Status, &snapJSON, &progJSON, &errMsg,
		&outputDir, &manifestPath, &zipPath, &run.TotalBatches, &run.ProcessedBatches,
		&run.SuccessRows, &run.ErrorRows, &startedAt, &finishedAt, &createdAtMs, &updatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Run{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.Run{}, fmt.Errorf("catalog: get run: %w", err)
	}

	if err := json.Unmarshal([]byte(snapJSON), &run.ScriptSnapshot); err != nil {
		return domain.Run{}, fmt.Errorf("catalog: decode snapshot: %w", err)
	}
	if err := json.Unmarshal([]byte(progJSON), &run.ProgressSnapshot); err != nil {
		return domain.Run{}, fmt.Errorf("catalog: decode progress: %w", err)
	}
	run.ErrorMessage = strPtr(errMsg)
	run.Paths = domain.RunPaths{
		OutputDir:    strPtr(outputDir),
		ManifestPath: strPtr(manifestPath),
		ZipPath:      strPtr(zipPath),
	}
	run.StartedAt = msPtrToTimePtr(startedAt)
	run.FinishedAt = msPtrToTimePtr(finishedAt)
	run.CreatedAt = msToTime(createdAtMs)
	run.UpdatedAt = msToTime(updatedAtMs)
	return run, nil
}


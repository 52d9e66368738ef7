package engine

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strconv"
	"time"

	"github.com/rdvflow/engine/internal/artifact"
	"github.com/rdvflow/engine/internal/dispatch"
	"github.com/rdvflow/engine/internal/domain"
	"github.com/rdvflow/engine/internal/streamer"
)

// mapRow is a decoded JSON row as streamed by the SQL Streamer.
type mapRow = map[string]json.RawMessage

// runExecution carries the mutable state of one in-flight run. It exists
// so Execute's setup stays free of loop-scoped fields.
type runExecution struct {
	engine     *Engine
	params     Params
	outputDir  string
	startedAt  time.Time
	logger     *artifact.JSONLWriter
	success    *artifact.CSVShardWriter
	errorShard *artifact.CSVShardWriter
	dispatcher *dispatch.Dispatcher
	tx         *streamer.Tx

	baseHeaders   []string
	headersKnown  bool
	summary       domain.RunSummary
	fetchIndex    int
	processedRows int64
	cancelled     bool
}

// batchOutcome reports how one drained fetch buffer ended.
type batchOutcome struct {
	shouldAbort bool
	abortReason string
	cancelled   bool
}

func (r *runExecution) script() domain.ScriptDefinition { return r.params.Script }

// run drives the open transaction to completion: count, stream, batch,
// dispatch, and finalize into exactly one terminal state.
func (r *runExecution) run(ctx context.Context) error {
	req := r.params.Request
	script := r.script()

	totalRows, err := r.tx.CountRows(ctx, req.BaseSQL, req.BaseParams)
	if err != nil {
		return r.abortSetup(ctx, err.Error())
	}
	r.summary.TotalRows = totalRows
	totalBatches := ceilDiv(totalRows, script.FetchSize)
	r.summary.TotalBatches = totalBatches

	if err := r.engine.store.UpdateProgress(ctx, r.params.RunID, domain.RunProgress{
		TotalBatches: totalBatches,
	}); err != nil {
		return r.abortSetup(ctx, fmt.Sprintf("update progress: %v", err))
	}

	iter, err := r.tx.StreamRows(ctx, req.BaseSQL, req.BaseParams)
	if err != nil {
		return r.abortSetup(ctx, err.Error())
	}

	rowBuffer := make([]mapRow, 0, script.FetchSize)

rowLoop:
	for {
		if r.params.Cancel.Cancelled() {
			r.cancelled = true
			break rowLoop
		}

		row, ok, nerr := iter.Next()
		if nerr != nil {
			iter.Close()
			return r.abortSetup(ctx, nerr.Error())
		}
		if !ok {
			break rowLoop
		}

		if !r.headersKnown {
			r.baseHeaders = domain.SortedKeys(row)
			r.headersKnown = true
		}
		rowBuffer = append(rowBuffer, row)

		if len(rowBuffer) >= script.FetchSize {
			outcome, perr := r.processFetchBuffer(ctx, rowBuffer)
			rowBuffer = rowBuffer[:0]
			if perr != nil {
				iter.Close()
				return r.abortSetup(ctx, perr.Error())
			}
			if outcome.shouldAbort {
				iter.Close()
				return r.finishAborted(ctx, outcome.abortReason)
			}
			if outcome.cancelled {
				r.cancelled = true
				break rowLoop
			}
		}
	}

	if !r.cancelled && len(rowBuffer) > 0 {
		outcome, perr := r.processFetchBuffer(ctx, rowBuffer)
		if perr != nil {
			iter.Close()
			return r.abortSetup(ctx, perr.Error())
		}
		if outcome.shouldAbort {
			iter.Close()
			return r.finishAborted(ctx, outcome.abortReason)
		}
		if outcome.cancelled {
			r.cancelled = true
		}
	}
	iter.Close()

	if r.cancelled {
		return r.finishCancelled(ctx)
	}
	return r.finishSucceeded(ctx)
}

// processFetchBuffer splits rows into send-chunks, dispatches each one, and
// writes its outcome to the CSV shards and the request log. It returns
// once every chunk has been dispatched, the error policy has forced an
// abort, or cancellation was observed at a chunk boundary.
func (r *runExecution) processFetchBuffer(ctx context.Context, rows []mapRow) (batchOutcome, error) {
	script := r.script()
	chunks := chunkRows(rows, script.SendBatchSize)

	for i, chunk := range chunks {
		if r.params.Cancel.Cancelled() {
			return batchOutcome{cancelled: true}, nil
		}

		result, err := r.dispatcher.Send(ctx, chunk)
		if err != nil {
			return batchOutcome{}, err
		}

		startRow := r.processedRows + 1
		r.processedRows += int64(len(chunk))

		entry := domain.RequestLogEntry{
			Timestamp:       time.Now().UTC(),
			FetchIndex:      r.fetchIndex,
			RequestIndex:    i,
			RequestSize:     len(chunk),
			StartRow:        startRow,
			EndRow:          r.processedRows,
			Status:          result.Status,
			DurationMs:      result.DurationMs,
			Error:           result.Error,
			ResponseExcerpt: result.ResponseExcerpt,
		}
		if err := r.logger.WriteEntry(entry); err != nil {
			return batchOutcome{}, err
		}

		r.summary.RequestCount++

		if result.Success() {
			for _, row := range chunk {
				if err := r.success.WriteRow(r.baseHeaders, row, nil); err != nil {
					return batchOutcome{}, err
				}
			}
			r.summary.SuccessRows += len(chunk)
		} else {
			message := errorMessageFor(result)
			status := 0
			if result.Status != nil {
				status = *result.Status
			}
			extras := []string{message, strconv.Itoa(status)}
			for _, row := range chunk {
				if err := r.errorShard.WriteRow(r.baseHeaders, row, extras); err != nil {
					return batchOutcome{}, err
				}
			}
			r.summary.ErrorRows += len(chunk)
			if script.ErrorPolicy == domain.ErrorPolicyAbort {
				return batchOutcome{shouldAbort: true, abortReason: baseErrorMessageFor(result)}, nil
			}
		}

		if script.SleepMs > 0 {
			if err := sleepOrCancel(ctx, time.Duration(script.SleepMs)*time.Millisecond); err != nil {
				return batchOutcome{}, err
			}
		}
		if r.params.Cancel.Cancelled() {
			return batchOutcome{cancelled: true}, nil
		}
	}

	r.fetchIndex++
	r.summary.ProcessedBatches++

	progress := domain.RunProgress{
		TotalBatches:     r.summary.TotalBatches,
		ProcessedBatches: r.summary.ProcessedBatches,
		RequestCount:     r.summary.RequestCount,
		SuccessRows:      r.summary.SuccessRows,
		ErrorRows:        r.summary.ErrorRows,
		ProcessedRows:    r.summary.SuccessRows + r.summary.ErrorRows,
		CurrentBatch:     r.summary.ProcessedBatches,
	}
	if err := r.engine.store.UpdateProgress(ctx, r.params.RunID, progress); err != nil {
		return batchOutcome{}, err
	}
	r.engine.events.Publish(ctx, domain.RunEvent{
		RunID: r.params.RunID, Status: domain.RunStatusRunning, Progress: &progress,
	})

	return batchOutcome{}, nil
}

// baseErrorMessageFor is the bare form of a failed dispatch result, with
// no response excerpt appended. It feeds Run.ErrorMessage on an abort;
// errorMessageFor's combined form is for the CSV error column only.
func baseErrorMessageFor(res dispatch.Result) string {
	if res.Error != nil {
		return *res.Error
	}
	return "request failed"
}

func errorMessageFor(res dispatch.Result) string {
	base := baseErrorMessageFor(res)
	if res.ResponseExcerpt != nil && *res.ResponseExcerpt != "" {
		return base + " | " + *res.ResponseExcerpt
	}
	return base
}

func chunkRows(rows []mapRow, size int) [][]mapRow {
	if size <= 0 {
		size = len(rows)
		if size == 0 {
			return nil
		}
	}
	var out [][]mapRow
	for start := 0; start < len(rows); start += size {
		end := start + size
		if end > len(rows) {
			end = len(rows)
		}
		out = append(out, rows[start:end])
	}
	return out
}

func sleepOrCancel(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return nil
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-timer.C:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// abortSetup handles a failure before or between fetch buffers that isn't a
// dispatch-level error-policy abort — a stream, count, or progress-write
// error. No manifest or ZIP is produced.
func (r *runExecution) abortSetup(ctx context.Context, message string) error {
	_ = r.tx.Rollback(ctx)
	_ = r.logger.Finish()
	_, _, _ = r.success.Finish()
	_, _, _ = r.errorShard.Finish()
	return r.engine.fail(ctx, r.params, r.startedAt, &r.outputDir, message)
}

// finishAborted handles the error_policy=abort case: the run ends as
// failed immediately on the first failed chunk, with no manifest or ZIP.
func (r *runExecution) finishAborted(ctx context.Context, reason string) error {
	return r.abortSetup(ctx, reason)
}

// finishCancelled rolls back the transaction but, unlike an abort, still
// writes the manifest and ZIP for whatever rows were already processed.
func (r *runExecution) finishCancelled(ctx context.Context) error {
	_ = r.tx.Rollback(ctx)
	message := cancelMessage
	return r.finalize(ctx, domain.RunStatusCancelled, &message)
}

// finishSucceeded commits the transaction and writes the manifest and ZIP,
// choosing between "succeeded" and "completed_with_errors" based on
// whether any chunk failed under error_policy=continue.
func (r *runExecution) finishSucceeded(ctx context.Context) error {
	if err := r.tx.Commit(ctx); err != nil {
		return r.abortSetup(ctx, err.Error())
	}
	status := domain.RunStatusSucceeded
	var message *string
	if r.summary.ErrorRows > 0 {
		status = domain.RunStatusCompletedWithErrors
		m := fmt.Sprintf("%d rows failed", r.summary.ErrorRows)
		message = &m
	}
	return r.finalize(ctx, status, message)
}

// finalize is the shared terminal path for both the cancelled and success
// outcomes: it closes every writer, builds and writes the manifest, packs
// the ZIP, and records the run's terminal row.
func (r *runExecution) finalize(ctx context.Context, status domain.RunStatus, message *string) error {
	if err := r.logger.Finish(); err != nil {
		return fmt.Errorf("engine: finish log: %w", err)
	}
	successFiles, _, err := r.success.Finish()
	if err != nil {
		return fmt.Errorf("engine: finish success shards: %w", err)
	}
	errorFiles, _, err := r.errorShard.Finish()
	if err != nil {
		return fmt.Errorf("engine: finish error shards: %w", err)
	}

	files := domain.ManifestFiles{
		SuccessParts: successFiles,
		ErrorParts:   errorFiles,
		Logs:         []string{logFileName},
		Manifest:     manifestFileName,
	}

	finishedAt := time.Now().UTC()
	manifest := artifact.BuildManifest(r.params.RunID, r.params.Snapshot, r.summary, files,
		&r.startedAt, &finishedAt, finishedAt)

	manifestPath := filepath.Join(r.outputDir, manifestFileName)
	if err := artifact.WriteManifest(manifestPath, manifest); err != nil {
		return fmt.Errorf("engine: write manifest: %w", err)
	}

	zipPath := filepath.Join(r.outputDir, zipFileName)
	if err := artifact.BuildZip(r.outputDir, zipPath, files); err != nil {
		return fmt.Errorf("engine: build zip: %w", err)
	}

	outputDir := r.outputDir
	completion := domain.RunCompletion{
		Status:       status,
		ErrorMessage: message,
		Paths: domain.RunPaths{
			OutputDir:    &outputDir,
			ManifestPath: &manifestPath,
			ZipPath:      &zipPath,
		},
		Summary:    r.summary,
		StartedAt:  &r.startedAt,
		FinishedAt: finishedAt,
	}
	if err := r.engine.store.MarkTerminal(ctx, r.params.RunID, completion); err != nil {
		return fmt.Errorf("engine: mark terminal: %w", err)
	}
	r.engine.events.Publish(ctx, domain.RunEvent{RunID: r.params.RunID, Status: status, Message: message})
	return nil
}

package catalog

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/rdvflow/engine/internal/domain"
)

// LoadScript fetches a script definition by id. Returns domain.ErrNotFound
// if no such script exists.
func (s *Store) LoadScript(ctx context.Context, id string) (domain.ScriptDefinition, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, query_id, name, method, endpoint, headers_json, body_template,
		       fetch_size, send_batch_size, sleep_ms, request_timeout_ms, error_policy, updated_at
		FROM scripts WHERE id = ?`, id)

	var (
		sd          domain.ScriptDefinition
		headersJSON string
		updatedAtMs int64
	)
	err := row.Scan(&sd.ID, &sd.QueryID, &sd.Name, &sd.Method, &sd.Endpoint, &headersJSON,
		&sd.BodyTemplate, &sd.FetchSize, &sd.SendBatchSize, &sd.SleepMs, &sd.RequestTimeoutMs,
		&sd.ErrorPolicy, &updatedAtMs)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScriptDefinition{}, domain.ErrNotFound
	}
	if err != nil {
		return domain.ScriptDefinition{}, fmt.Errorf("catalog: load script: %w", err)
	}
	if err := json.Unmarshal([]byte(headersJSON), &sd.Headers); err != nil {
		return domain.ScriptDefinition{}, fmt.Errorf("catalog: decode headers: %w", err)
	}
	sd.UpdatedAt = msToTime(updatedAtMs)
	return sd, nil
}

// SaveScript upserts a script definition. Nothing in this module calls it;
// the engine itself only reads scripts.
func (s *Store) SaveScript(ctx context.Context, sd domain.ScriptDefinition) error {
	headersJSON, err := json.Marshal(sd.Headers)
	if err != nil {
		return fmt.Errorf("catalog: encode headers: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO scripts (id, query_id, name, method, endpoint, headers_json, body_template,
		                      fetch_size, send_batch_size, sleep_ms, request_timeout_ms, error_policy, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			query_id = excluded.query_id,
			name = excluded.name,
			method = excluded.method,
			endpoint = excluded.endpoint,
			headers_json = excluded.headers_json,
			body_template = excluded.body_template,
			fetch_size = excluded.fetch_size,
			send_batch_size = excluded.send_batch_size,
			sleep_ms = excluded.sleep_ms,
			request_timeout_ms = excluded.request_timeout_ms,
			error_policy = excluded.error_policy,
			updated_at = excluded.updated_at`,
		sd.ID, sd.QueryID, sd.Name, string(sd.Method), sd.Endpoint, string(headersJSON), sd.BodyTemplate,
		sd.FetchSize, sd.SendBatchSize, sd.SleepMs, sd.RequestTimeoutMs, string(sd.ErrorPolicy), nowMs())
	if err != nil {
		return fmt.Errorf("catalog: save script: %w", err)
	}
	return nil
}

// Package streamer implements the SQL Streamer (C3): a dedicated,
// single-connection Postgres pool against a caller-supplied DSN, opening a
// read-only transaction that computes the total row count and then streams
// every row back as a decoded JSON object, without materializing the
// result set in memory.
package streamer

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const (
	sourceAlias         = "__rdv_source__"
	poolAcquireTimeout  = 10 * time.Second
	poolMaxConnIdleTime = 30 * time.Second
)

// ValidateDSN reports whether dsn names a PostgreSQL connection string. Only
// the scheme is checked; connectivity is verified on Open.
func ValidateDSN(dsn string) error {
	trimmed := strings.TrimSpace(dsn)
	if trimmed == "" {
		return errors.New("connection_dsn_empty")
	}
	lowered := strings.ToLower(trimmed)
	if strings.HasPrefix(lowered, "postgres://") || strings.HasPrefix(lowered, "postgresql://") {
		return nil
	}
	return errors.New("unsupported connection scheme: only postgres:// and postgresql:// are supported")
}

// cleanBaseSQL trims base_sql and strips any number of trailing semicolons
// (and the whitespace between them) before it is wrapped in a count or
// fetch query.
func cleanBaseSQL(baseSQL string) (string, error) {
	cleaned := strings.TrimSpace(baseSQL)
	for strings.HasSuffix(cleaned, ";") {
		cleaned = strings.TrimSpace(strings.TrimSuffix(cleaned, ";"))
	}
	if cleaned == "" {
		return "", errors.New("base_sql_empty")
	}
	return cleaned, nil
}

func buildCountSQL(baseSQL string) (string, error) {
	cleaned, err := cleanBaseSQL(baseSQL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT COUNT(*)::bigint FROM (%s) %s", cleaned, sourceAlias), nil
}

func buildFetchSQL(baseSQL string) (string, error) {
	cleaned, err := cleanBaseSQL(baseSQL)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("SELECT row_to_json(%s) AS row_json FROM (%s) %s", sourceAlias, cleaned, sourceAlias), nil
}

// BuildArguments converts positional JSON parameters into driver values:
// null → nil, bool → bool, integers → int64 (float64 on overflow), floats →
// float64, strings → string. Arrays/objects are passed through as their
// JSON text exactly as received — Postgres resolves an unknown-typed text parameter
// against whatever json/jsonb context the surrounding query implies, the
// same way a literal would participate in operator resolution.
func BuildArguments(params []json.RawMessage) ([]any, error) {
	args := make([]any, 0, len(params))
	for _, raw := range params {
		dec := json.NewDecoder(bytes.NewReader(raw))
		dec.UseNumber()
		var v any
		if err := dec.Decode(&v); err != nil {
			return nil, fmt.Errorf("streamer: decode param: %w", err)
		}
		switch val := v.(type) {
		case nil:
			args = append(args, nil)
		case bool:
			args = append(args, val)
		case string:
			args = append(args, val)
		case json.Number:
			if i, err := val.Int64(); err == nil {
				args = append(args, i)
			} else if f, err := val.Float64(); err == nil {
				args = append(args, f)
			} else {
				return nil, fmt.Errorf("streamer: unsupported_numeric_param")
			}
		case []any, map[string]any:
			args = append(args, string(raw))
		default:
			return nil, fmt.Errorf("streamer: unsupported_numeric_param")
		}
	}
	return args, nil
}

// Pool is a dedicated, max-one-connection pgxpool against a single run's
// connection_dsn. It is created fresh per run and closed when the run ends.
type Pool struct {
	pool *pgxpool.Pool
}

// Open parses dsn and creates a pool capped at a single connection, per
// spec: the engine holds exactly one streaming transaction at a time.
func Open(ctx context.Context, dsn string) (*Pool, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("streamer: parse dsn: %w", err)
	}
	cfg.MaxConns = 1
	cfg.MinConns = 0
	cfg.MaxConnIdleTime = poolMaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("streamer: create pool: %w", err)
	}
	return &Pool{pool: pool}, nil
}

// Close releases the pool's connection.
func (p *Pool) Close() {
	p.pool.Close()
}

// Tx wraps a single read-only transaction over the pool's one connection,
// from which the caller computes the total row count and then streams rows.
type Tx struct {
	tx pgx.Tx
}

// BeginReadOnly acquires the pool's connection and opens a read-only
// transaction with the given statement/idle timeout (in milliseconds,
// applied to both) configured for this engine.
func (p *Pool) BeginReadOnly(ctx context.Context, timeoutMs int) (*Tx, error) {
	acquireCtx, cancel := context.WithTimeout(ctx, poolAcquireTimeout)
	defer cancel()

	tx, err := p.pool.BeginTx(acquireCtx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadOnly,
	})
	if err != nil {
		return nil, fmt.Errorf("streamer: begin read only: %w", err)
	}

	setup := []string{
		fmt.Sprintf("SET LOCAL statement_timeout = %d", timeoutMs),
		fmt.Sprintf("SET LOCAL idle_in_transaction_session_timeout = %d", timeoutMs),
		`SET LOCAL search_path = pg_catalog, "$user"`,
	}
	for _, stmt := range setup {
		if _, err := tx.Exec(ctx, stmt); err != nil {
			_ = tx.Rollback(ctx)
			return nil, fmt.Errorf("streamer: session setup: %w", err)
		}
	}
	return &Tx{tx: tx}, nil
}

// CountRows computes the total row count for baseSQL using the wrapped
// COUNT(*) query.
func (t *Tx) CountRows(ctx context.Context, baseSQL string, params []json.RawMessage) (int64, error) {
	query, err := buildCountSQL(baseSQL)
	if err != nil {
		return 0, err
	}
	args, err := BuildArguments(params)
	if err != nil {
		return 0, err
	}
	var total int64
	if err := t.tx.QueryRow(ctx, query, args...).Scan(&total); err != nil {
		return 0, fmt.Errorf("streamer: count rows: %w", err)
	}
	return total, nil
}

// RowIterator yields decoded JSON row objects one at a time.
type RowIterator struct {
	rows pgx.Rows
}

// StreamRows issues the row_to_json fetch query and returns an iterator
// over its rows. The caller must call Close (directly, or via draining
// Next to completion) before issuing any other statement on the same
// transaction.
func (t *Tx) StreamRows(ctx context.Context, baseSQL string, params []json.RawMessage) (*RowIterator, error) {
	query, err := buildFetchSQL(baseSQL)
	if err != nil {
		return nil, err
	}
	args, err := BuildArguments(params)
	if err != nil {
		return nil, err
	}
	rows, err := t.tx.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("streamer: stream rows: %w", err)
	}
	return &RowIterator{rows: rows}, nil
}

// Next advances to the next row and decodes it into a JSON object. It
// returns (nil, false, nil) when the stream is exhausted.
func (it *RowIterator) Next() (map[string]json.RawMessage, bool, error) {
	if !it.rows.Next() {
		if err := it.rows.Err(); err != nil {
			return nil, false, fmt.Errorf("streamer: row iteration: %w", err)
		}
		return nil, false, nil
	}
	var rowJSON []byte
	if err := it.rows.Scan(&rowJSON); err != nil {
		return nil, false, fmt.Errorf("streamer: scan row: %w", err)
	}
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(rowJSON, &obj); err != nil {
		return nil, false, fmt.Errorf("streamer: decode row: %w", err)
	}
	return obj, true, nil
}

// Close releases the iterator's rows early (e.g. on abort or cancel).
func (it *RowIterator) Close() {
	it.rows.Close()
}

// Commit commits the transaction. Called on the success path only.
func (t *Tx) Commit(ctx context.Context) error {
	if err := t.tx.Commit(ctx); err != nil {
		return fmt.Errorf("streamer: commit: %w", err)
	}
	return nil
}

// Rollback rolls back the transaction. Called on every non-success exit
// path (abort, cancel, error) so the server-side transaction is freed
// promptly rather than left to time out.
func (t *Tx) Rollback(ctx context.Context) error {
	if err := t.tx.Rollback(ctx); err != nil && !errors.Is(err, pgx.ErrTxClosed) {
		return fmt.Errorf("streamer: rollback: %w", err)
	}
	return nil
}

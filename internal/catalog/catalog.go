// Package catalog implements the embedded relational store (C1) holding
// script definitions and run bookkeeping: two tables, scripts and runs,
// opened against a single SQLite file in WAL mode. This store is
// intentionally separate from the Postgres connection a run queries — the
// catalog is local engine state; the Postgres DSN named in a run request is
// an arbitrary external data source.
package catalog

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// Store wraps a *sql.DB opened against the embedded catalog file.
type Store struct {
	db *sql.DB
}

// Open opens (creating if necessary) the SQLite catalog at path and applies
// schema migrations. The database runs in WAL mode, but the pool holds a
// single connection, so reads and writes from this process take turns;
// foreign_keys is enabled so run rows cannot outlive their script.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path+"?_pragma=journal_mode(WAL)&_pragma=synchronous(NORMAL)&_pragma=foreign_keys(ON)&_pragma=busy_timeout(5000)")
	if err != nil {
		return nil, fmt.Errorf("catalog: open: %w", err)
	}
	// The catalog is single-writer; a single open connection avoids
	// SQLITE_BUSY from concurrent writers inside this process.
	db.SetMaxOpenConns(1)

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: ping: %w", err)
	}

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("catalog: migrate: %w", err)
	}
	return s, nil
}

// Close closes the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

// HealthCheck pings the catalog's SQLite connection, satisfying
// api.HealthChecker for the readiness endpoint.
func (s *Store) HealthCheck(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

const schema = `
CREATE TABLE IF NOT EXISTS scripts (
	id                 TEXT PRIMARY KEY,
	query_id           TEXT NOT NULL,
	name               TEXT NOT NULL,
	method             TEXT NOT NULL,
	endpoint           TEXT NOT NULL,
	headers_json       TEXT NOT NULL,
	body_template      TEXT NOT NULL DEFAULT '',
	fetch_size         INTEGER NOT NULL,
	send_batch_size    INTEGER NOT NULL,
	sleep_ms           INTEGER NOT NULL,
	request_timeout_ms INTEGER NOT NULL,
	error_policy       TEXT NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE TABLE IF NOT EXISTS runs (
	run_id             TEXT PRIMARY KEY,
	script_id          TEXT NOT NULL REFERENCES scripts(id),
	status             TEXT NOT NULL,
	script_snapshot    TEXT NOT NULL,
	progress_snapshot  TEXT NOT NULL,
	error_message      TEXT,
	output_dir         TEXT,
	manifest_path      TEXT,
	zip_path           TEXT,
	total_batches      INTEGER NOT NULL DEFAULT 0,
	processed_batches  INTEGER NOT NULL DEFAULT 0,
	success_rows       INTEGER NOT NULL DEFAULT 0,
	error_rows         INTEGER NOT NULL DEFAULT 0,
	started_at         INTEGER,
	finished_at        INTEGER,
	created_at         INTEGER NOT NULL,
	updated_at         INTEGER NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_runs_script_id ON runs(script_id);
CREATE INDEX IF NOT EXISTS idx_runs_finished_at ON runs(finished_at);
`

func (s *Store) migrate() error {
	_, err := s.db.Exec(schema)
	return err
}

func nowMs() int64 {
	return time.Now().UnixMilli()
}

func msToTime(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}

func msPtrToTimePtr(ms sql.NullInt64) *time.Time {
	if !ms.Valid {
		return nil
	}
	t := msToTime(ms.Int64)
	return &t
}

func timePtrToMsPtr(t *time.Time) sql.NullInt64 {
	if t == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: t.UnixMilli(), Valid: true}
}

func strPtr(ns sql.NullString) *string {
	if !ns.Valid {
		return nil
	}
	v := ns.String
	return &v
}

func nullStr(s *string) sql.NullString {
	if s == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *s, Valid: true}
}

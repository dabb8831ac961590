// Package history is the local execution index backing `requiemctl
// history`: a small SQLite table of completed executions, queryable by
// tenant and request/result digest.
//
// Modeled on storage.SQLiteStore (migrate-on-open, context-scoped
// queries, JSON-encoded side fields), adapted from mattn/go-sqlite3 to
// modernc.org/sqlite (the pure-Go driver go.mod already carries) and
// narrowed from a runs/events/audits schema to one execution-record
// table plus an audit table for denied env keys and path-escape
// attempts.
package history

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver
)

// Store is the SQLite-backed execution history index.
type Store struct {
	db *sql.DB
}

// ExecutionRecord is one row of execution history.
type ExecutionRecord struct {
	RequestDigest string
	ResultDigest  string
	TenantID      string
	RequestID     string
	ExitCode      int
	Ok            bool
	ErrorCode     string
	IsShadow      bool
	CreatedAt     time.Time
}

// AuditRecord is one denied-action entry (secret env key scrubbed, path
// escape attempted) recorded for a given execution.
type AuditRecord struct {
	RequestDigest string
	Kind          string // "env_denied" or "path_escape"
	Detail        string
	CreatedAt     time.Time
}

// Open opens (creating if absent) the SQLite database at path and runs
// its migrations.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("history: open database: %w", err)
	}
	if _, err := db.Exec("PRAGMA journal_mode=WAL;"); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: enable WAL mode: %w", err)
	}
	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("history: migrate: %w", err)
	}
	return s, nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate() error {
	_, err := s.db.Exec(`
CREATE TABLE IF NOT EXISTS executions (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_digest TEXT NOT NULL,
	result_digest TEXT NOT NULL,
	tenant_id TEXT NOT NULL,
	request_id TEXT NOT NULL,
	exit_code INTEGER NOT NULL,
	ok INTEGER NOT NULL,
	error_code TEXT,
	is_shadow INTEGER NOT NULL,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_executions_request_digest ON executions(request_digest);
CREATE INDEX IF NOT EXISTS idx_executions_tenant_id ON executions(tenant_id);

CREATE TABLE IF NOT EXISTS audits (
	id INTEGER PRIMARY KEY AUTOINCREMENT,
	request_digest TEXT NOT NULL,
	kind TEXT NOT NULL,
	detail TEXT,
	created_at DATETIME NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_audits_request_digest ON audits(request_digest);
`)
	return err
}

// RecordExecution inserts one execution history row.
func (s *Store) RecordExecution(ctx context.Context, r ExecutionRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO executions (request_digest, result_digest, tenant_id, request_id, exit_code, ok, error_code, is_shadow, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		r.RequestDigest, r.ResultDigest, r.TenantID, r.RequestID, r.ExitCode, boolToInt(r.Ok), r.ErrorCode, boolToInt(r.IsShadow), r.CreatedAt)
	return err
}

// RecordAudit inserts one audit entry.
func (s *Store) RecordAudit(ctx context.Context, a AuditRecord) error {
	_, err := s.db.ExecContext(ctx, `
INSERT INTO audits (request_digest, kind, detail, created_at)
VALUES (?, ?, ?, ?)`,
		a.RequestDigest, a.Kind, a.Detail, a.CreatedAt)
	return err
}

// ByRequestDigest returns the execution recorded for requestDigest, if any.
func (s *Store) ByRequestDigest(ctx context.Context, requestDigest string) (ExecutionRecord, error) {
	row := s.db.QueryRowContext(ctx, `
SELECT request_digest, result_digest, tenant_id, request_id, exit_code, ok, error_code, is_shadow, created_at
FROM executions WHERE request_digest = ? ORDER BY id DESC LIMIT 1`, requestDigest)
	return scanExecution(row)
}

// ListByTenant returns the most recent limit executions for tenantID,
// newest first.
func (s *Store) ListByTenant(ctx context.Context, tenantID string, limit int) ([]ExecutionRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_digest, result_digest, tenant_id, request_id, exit_code, ok, error_code, is_shadow, created_at
FROM executions WHERE tenant_id = ? ORDER BY id DESC LIMIT ?`, tenantID, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []ExecutionRecord
	for rows.Next() {
		r, err := scanExecutionRows(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// AuditsForRequest returns every audit entry recorded against requestDigest.
func (s *Store) AuditsForRequest(ctx context.Context, requestDigest string) ([]AuditRecord, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT request_digest, kind, detail, created_at FROM audits
WHERE request_digest = ? ORDER BY id ASC`, requestDigest)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []AuditRecord
	for rows.Next() {
		var a AuditRecord
		if err := rows.Scan(&a.RequestDigest, &a.Kind, &a.Detail, &a.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, a)
	}
	return out, rows.Err()
}

// Totals is an aggregate count of recorded executions.
type Totals struct {
	Total  int64
	Ok     int64
	Failed int64
}

// Totals returns aggregate execution counts across all tenants, the
// persisted counterpart to the in-process telemetry.EngineStats ring
// buffer (which resets every time a new requiemctl process starts).
func (s *Store) Totals(ctx context.Context) (Totals, error) {
	var t Totals
	row := s.db.QueryRowContext(ctx, `
SELECT COUNT(*), COALESCE(SUM(ok), 0) FROM executions`)
	if err := row.Scan(&t.Total, &t.Ok); err != nil {
		return Totals{}, err
	}
	t.Failed = t.Total - t.Ok
	return t, nil
}

type scanner interface {
	Scan(dest ...interface{}) error
}

func scanExecution(row scanner) (ExecutionRecord, error) {
	return scanExecutionRows(row)
}

func scanExecutionRows(row scanner) (ExecutionRecord, error) {
	var r ExecutionRecord
	var ok, isShadow int
	var errorCode sql.NullString
	if err := row.Scan(&r.RequestDigest, &r.ResultDigest, &r.TenantID, &r.RequestID, &r.ExitCode, &ok, &errorCode, &isShadow, &r.CreatedAt); err != nil {
		return ExecutionRecord{}, err
	}
	r.Ok = ok != 0
	r.IsShadow = isShadow != 0
	r.ErrorCode = errorCode.String
	return r, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

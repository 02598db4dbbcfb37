// Package audit implements the append-only execution log: every
// admission attempt — successful, rejected, or timed out — is recorded
// with a strictly increasing id.
package audit

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/nextlevelbuilder/pgagent/pkg/model"
)

// Store is the audit trail contract consumed by the sandbox executor and
// the /audit front-door endpoint.
type Store interface {
	Init(ctx context.Context) error
	Log(ctx context.Context, rec model.AuditRecord)
	Last(ctx context.Context, n int) ([]model.AuditRecord, error)
	Close() error
}

// sqlStore implements Store over database/sql, used for both the
// zero-config embedded SQLite backend and the Postgres backend — the two
// drivers accept the same SQL with placeholder rewriting.
type sqlStore struct {
	db       *sql.DB
	dialect  string // "sqlite" or "postgres"
}

// OpenSQLite opens (creating if necessary) a local append-only audit
// database. This is the zero-config default: no external Postgres
// instance is required to run the agent standalone.
func OpenSQLite(path string) (Store, error) {
	if path == "" {
		path = "pgagent-audit.db"
	}
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("audit: create dir: %w", err)
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("audit: open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1) // modernc.org/sqlite: single-writer discipline
	return &sqlStore{db: db, dialect: "sqlite"}, nil
}

// OpenPostgres opens a Postgres-backed audit store. Callers are expected
// to have already run `pgagent migrate up` against dsn; Init is still
// safe to call (idempotent CREATE TABLE IF NOT EXISTS) for environments
// that skip migrations.
func OpenPostgres(db *sql.DB) Store {
	return &sqlStore{db: db, dialect: "postgres"}
}

func (s *sqlStore) Init(ctx context.Context) error {
	var ddl string
	switch s.dialect {
	case "postgres":
		ddl = `CREATE TABLE IF NOT EXISTS audit_logs (
			id BIGSERIAL PRIMARY KEY,
			timestamp TIMESTAMPTZ NOT NULL,
			command TEXT NOT NULL,
			executed_command TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			stdout TEXT NOT NULL,
			stderr TEXT NOT NULL
		)`
	default:
		ddl = `CREATE TABLE IF NOT EXISTS audit_logs (
			id INTEGER PRIMARY KEY AUTOINCREMENT,
			timestamp TEXT NOT NULL,
			command TEXT NOT NULL,
			executed_command TEXT NOT NULL,
			exit_code INTEGER NOT NULL,
			stdout TEXT NOT NULL,
			stderr TEXT NOT NULL
		)`
	}
	_, err := s.db.ExecContext(ctx, ddl)
	if err != nil {
		return fmt.Errorf("audit: init schema: %w", err)
	}
	return nil
}

// Log never surfaces a storage failure to the caller — it is logged to
// stderr (via slog) and swallowed.
func (s *sqlStore) Log(ctx context.Context, rec model.AuditRecord) {
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now().UTC()
	}
	query := s.insertQuery()
	_, err := s.db.ExecContext(ctx, query,
		rec.Timestamp, rec.Command, rec.ExecutedCommand, rec.ExitCode, rec.Stdout, rec.Stderr,
	)
	if err != nil {
		slog.Error("audit.write_failed", "error", err, "command", rec.Command)
	}
}

func (s *sqlStore) insertQuery() string {
	if s.dialect == "postgres" {
		return `INSERT INTO audit_logs (timestamp, command, executed_command, exit_code, stdout, stderr)
			VALUES ($1, $2, $3, $4, $5, $6)`
	}
	return `INSERT INTO audit_logs (timestamp, command, executed_command, exit_code, stdout, stderr)
		VALUES (?, ?, ?, ?, ?, ?)`
}

func (s *sqlStore) Last(ctx context.Context, n int) ([]model.AuditRecord, error) {
	if n <= 0 {
		n = 10
	}
	query := `SELECT id, timestamp, command, executed_command, exit_code, stdout, stderr
		FROM audit_logs ORDER BY id DESC LIMIT ` + placeholderLimit(s.dialect)
	rows, err := s.db.QueryContext(ctx, query, n)
	if err != nil {
		return nil, fmt.Errorf("audit: query last: %w", err)
	}
	defer rows.Close()

	var out []model.AuditRecord
	for rows.Next() {
		var rec model.AuditRecord
		var ts any
		if err := rows.Scan(&rec.ID, &ts, &rec.Command, &rec.ExecutedCommand, &rec.ExitCode, &rec.Stdout, &rec.Stderr); err != nil {
			return nil, fmt.Errorf("audit: scan row: %w", err)
		}
		rec.Timestamp = parseTimestamp(ts)
		out = append(out, rec)
	}
	return out, rows.Err()
}

func placeholderLimit(dialect string) string {
	if dialect == "postgres" {
		return "$1"
	}
	return "?"
}

func parseTimestamp(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		if parsed, err := time.Parse(time.RFC3339Nano, t); err == nil {
			return parsed
		}
	}
	return time.Time{}
}

func (s *sqlStore) Close() error {
	return s.db.Close()
}

package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite" // registers the "sqlite" driver

	"github.com/arboric/arboric/internal/domain/audit"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS audit_records (
	id             INTEGER PRIMARY KEY AUTOINCREMENT,
	ts             TEXT    NOT NULL,
	request_id     TEXT    NOT NULL DEFAULT '',
	operation      TEXT    NOT NULL DEFAULT '',
	operation_name TEXT    NOT NULL DEFAULT '',
	subject        TEXT    NOT NULL DEFAULT '',
	client_ip      TEXT    NOT NULL DEFAULT '',
	status         INTEGER NOT NULL,
	outcome        TEXT    NOT NULL,
	reason         TEXT    NOT NULL DEFAULT '',
	latency_us     INTEGER NOT NULL DEFAULT 0,
	policy_version TEXT    NOT NULL DEFAULT '',
	fields         TEXT    NOT NULL DEFAULT '[]'
);
CREATE INDEX IF NOT EXISTS audit_records_ts ON audit_records (ts);
CREATE INDEX IF NOT EXISTS audit_records_subject ON audit_records (subject);
`

const sqliteInsert = `INSERT INTO audit_records
	(ts, request_id, operation, operation_name, subject, client_ip, status, outcome, reason, latency_us, policy_version, fields)
	VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

// SQLiteStore appends records to an audit_records table. Each Append is one
// transaction. Field decisions are stored as a JSON array.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path and
// ensures the schema exists.
func NewSQLiteStore(ctx context.Context, path string) (*SQLiteStore, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o700); err != nil {
		return nil, fmt.Errorf("create audit database directory: %w", err)
	}

	dsn := "file:" + path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open audit database: %w", err)
	}
	// SQLite allows one writer; the audit worker is the only one.
	db.SetMaxOpenConns(1)

	if _, err := db.ExecContext(ctx, sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("create audit schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Append inserts records in a single transaction.
func (s *SQLiteStore) Append(ctx context.Context, records ...audit.Record) (err error) {
	if len(records) == 0 {
		return nil
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin audit transaction: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	stmt, err := tx.PrepareContext(ctx, sqliteInsert)
	if err != nil {
		return fmt.Errorf("prepare audit insert: %w", err)
	}
	defer stmt.Close()

	for _, r := range records {
		fields, err := json.Marshal(r.Fields)
		if err != nil {
			return fmt.Errorf("marshal audit fields: %w", err)
		}
		if r.Fields == nil {
			fields = []byte("[]")
		}
		if _, err := stmt.ExecContext(ctx,
			r.Timestamp.UTC().Format(time.RFC3339Nano),
			r.RequestID,
			r.Operation,
			r.OperationName,
			r.Subject,
			r.ClientIP,
			r.Status,
			r.Outcome,
			r.Reason,
			r.LatencyMicros,
			r.PolicyVersion,
			string(fields),
		); err != nil {
			return fmt.Errorf("insert audit record: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit audit transaction: %w", err)
	}
	return nil
}

// Flush checkpoints the WAL into the main database file.
func (s *SQLiteStore) Flush(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx, "PRAGMA wal_checkpoint(PASSIVE)")
	return err
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

var _ audit.AuditStore = (*SQLiteStore)(nil)

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a SQLite-backed Store.
//
// Designed for:
//   - Development and testing with zero setup
//   - Single-node deployments where suspended runs must survive restarts
//
// The store keeps one row per suspended run and uses a transaction for
// LoadAndClear so concurrent resume attempts settle to exactly one
// winner.
//
// Example:
//
//	store, err := checkpoint.NewSQLiteStore("./suspensions.db")
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer store.Close()
//
// For tests, ":memory:" gives an in-memory database.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens (creating if needed) the database at path,
// enables WAL mode and runs the schema migration.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite database: %w", err)
	}

	// SQLite supports one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	if _, err := db.ExecContext(ctx, "PRAGMA journal_mode=WAL"); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("enable WAL mode: %w", err)
	}

	s := &SQLiteStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *SQLiteStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS run_suspensions (
    run_id         TEXT PRIMARY KEY,
    step_name      TEXT NOT NULL,
    path           TEXT NOT NULL,
    original_input BLOB,
    opaque_state   BLOB,
    resume_schema  TEXT,
    reason         TEXT,
    created_at     TEXT NOT NULL
)`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create run_suspensions table: %w", err)
	}
	return nil
}

// Save stores the record, replacing any existing record for the run.
func (s *SQLiteStore) Save(ctx context.Context, rec Record) error {
	path, err := json.Marshal(rec.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}

	const q = `
INSERT OR REPLACE INTO run_suspensions
    (run_id, step_name, path, original_input, opaque_state, resume_schema, reason, created_at)
VALUES (?, ?, ?, ?, ?, ?, ?, ?)`
	_, err = s.db.ExecContext(ctx, q,
		rec.RunID, rec.StepName, string(path),
		[]byte(rec.OriginalInput), []byte(rec.OpaqueState),
		rec.ResumeSchema, rec.Reason, rec.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("save checkpoint for run %s: %w", rec.RunID, err)
	}
	return nil
}

// LoadAndClear retrieves and deletes the record in one transaction.
func (s *SQLiteStore) LoadAndClear(ctx context.Context, runID string) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const sel = `
SELECT step_name, path, original_input, opaque_state, resume_schema, reason, created_at
FROM run_suspensions WHERE run_id = ?`

	var (
		rec       = Record{RunID: runID}
		pathJSON  string
		original  []byte
		opaque    []byte
		createdAt string
	)
	err = tx.QueryRowContext(ctx, sel, runID).Scan(
		&rec.StepName, &pathJSON, &original, &opaque,
		&rec.ResumeSchema, &rec.Reason, &createdAt)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("load checkpoint for run %s: %w", runID, err)
	}

	if err := json.Unmarshal([]byte(pathJSON), &rec.Path); err != nil {
		return Record{}, fmt.Errorf("unmarshal path for run %s: %w", runID, err)
	}
	rec.OriginalInput = json.RawMessage(original)
	rec.OpaqueState = json.RawMessage(opaque)
	if rec.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return Record{}, fmt.Errorf("parse created_at for run %s: %w", runID, err)
	}

	if _, err := tx.ExecContext(ctx, "DELETE FROM run_suspensions WHERE run_id = ?", runID); err != nil {
		return Record{}, fmt.Errorf("clear checkpoint for run %s: %w", runID, err)
	}

	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit load-and-clear for run %s: %w", runID, err)
	}
	return rec, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

package checkpoint

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB-backed Store.
//
// Designed for production deployments where multiple engine processes
// share one checkpoint database. LoadAndClear runs SELECT ... FOR UPDATE
// plus DELETE inside one transaction, so concurrent resume attempts
// against the same run settle to exactly one winner even across
// processes.
//
// The DSN format is the go-sql-driver format:
//
//	user:password@tcp(localhost:3306)/searchflow?parseTime=true
type MySQLStore struct {
	db *sql.DB
}

// NewMySQLStore connects to the database, configures the connection pool
// and runs the schema migration.
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("open mysql connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping mysql: %w", err)
	}

	s := &MySQLStore{db: db}
	if err := s.migrate(ctx); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

func (s *MySQLStore) migrate(ctx context.Context) error {
	const schema = `
CREATE TABLE IF NOT EXISTS run_suspensions (
    run_id         VARCHAR(191) PRIMARY KEY,
    step_name      VARCHAR(191) NOT NULL,
    path           TEXT NOT NULL,
    original_input MEDIUMBLOB,
    opaque_state   MEDIUMBLOB,
    resume_schema  TEXT,
    reason         TEXT,
    created_at     VARCHAR(64) NOT NULL
) ENGINE=InnoDB`
	if _, err := s.db.ExecContext(ctx, schema); err != nil {
		return fmt.Errorf("create run_suspensions table: %w", err)
	}
	return nil
}

// Save stores the record, replacing any existing record for the run.
func (s *MySQLStore) Save(ctx context.Context, rec Record) error {
	path, err := json.Marshal(rec.Path)
	if err != nil {
		return fmt.Errorf("marshal path: %w", err)
	}

	const q = `
REPLACE INTO run_suspensions
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

// LoadAndClear locks, reads and deletes the record in one transaction.
func (s *MySQLStore) LoadAndClear(ctx context.Context, runID string) (Record, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	const sel = `
SELECT step_name, path, original_input, opaque_state, resume_schema, reason, created_at
FROM run_suspensions WHERE run_id = ? FOR UPDATE`

	var (
		rec       = Record{RunID: runID}
		pathJSON  string
		original  []byte
		opaque    []byte
		schema    sql.NullString
		reason    sql.NullString
		createdAt string
	)
	err = tx.QueryRowContext(ctx, sel, runID).Scan(
		&rec.StepName, &pathJSON, &original, &opaque,
		&schema, &reason, &createdAt)
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
	rec.ResumeSchema = schema.String
	rec.Reason = reason.String
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

// Close closes the underlying connection pool.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}

// Package store persists replay runs, their timing records and reports in
// a local sqlite database.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/flashserve/RAGPulse/replay"
	"github.com/flashserve/RAGPulse/replay/metrics"
)

// ErrRunNotFound is returned when no run has the requested ID.
var ErrRunNotFound = errors.New("run not found")

// Store wraps the results database.
type Store struct {
	db *sql.DB
}

// Run is one persisted replay.
type Run struct {
	ID        string
	StartedAt time.Time
	Args      map[string]string
	Report    metrics.Report
	Records   []replay.TimingRecord
}

// RunSummary lists a stored run without its records.
type RunSummary struct {
	ID        string
	StartedAt time.Time
	Scheduled int
	Goodput   float64
}

// Open opens (creating if needed) the database at path and applies migrations.
func Open(path string) (*Store, error) {
	dir := filepath.Dir(path)
	if dir != "" && dir != "." {
		if err := os.MkdirAll(dir, 0o755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	}

	db, err := sql.Open("sqlite", "file:"+path+"?_pragma=journal_mode(WAL)&_pragma=busy_timeout(5000)&_pragma=foreign_keys(1)")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping database: %w", err)
	}
	// sqlite serializes writers anyway
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	s := &Store{db: db}
	if err := s.migrate(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return s, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) migrate(ctx context.Context) error {
	for i, m := range []string{migrationRuns, migrationRecords} {
		if _, err := s.db.ExecContext(ctx, m); err != nil {
			return fmt.Errorf("migration %d failed: %w", i+1, err)
		}
	}
	return nil
}

const migrationRuns = `
CREATE TABLE IF NOT EXISTS runs (
	id TEXT PRIMARY KEY,
	started_at INTEGER NOT NULL, -- unix nanoseconds
	args TEXT NOT NULL DEFAULT '{}',
	scheduled INTEGER NOT NULL,
	goodput REAL NOT NULL,
	report TEXT NOT NULL
);
`

const migrationRecords = `
CREATE TABLE IF NOT EXISTS records (
	run_id TEXT NOT NULL,
	entry_id INTEGER NOT NULL,
	session_id TEXT NOT NULL DEFAULT '',
	scheduled REAL NOT NULL,
	dispatched REAL NOT NULL,
	admission_wait REAL NOT NULL,
	send_time REAL,
	first_token_time REAL,
	completion_time REAL,
	token_times TEXT NOT NULL DEFAULT '[]',
	input_tokens INTEGER NOT NULL,
	declared_input_tokens INTEGER NOT NULL,
	declared_output_tokens INTEGER NOT NULL,
	reported_output_tokens INTEGER NOT NULL,
	length_mismatch INTEGER NOT NULL DEFAULT 0,
	error TEXT NOT NULL DEFAULT '',
	error_message TEXT NOT NULL DEFAULT '',

	PRIMARY KEY (run_id, entry_id),
	FOREIGN KEY (run_id) REFERENCES runs(id) ON DELETE CASCADE
);
`

// SaveRun writes the run, its report and all records in one transaction.
func (s *Store) SaveRun(ctx context.Context, run *Run) error {
	if run.ID == "" {
		return fmt.Errorf("run ID is required")
	}
	args, err := json.Marshal(run.Args)
	if err != nil {
		return fmt.Errorf("marshaling run args: %w", err)
	}
	report, err := json.Marshal(run.Report)
	if err != nil {
		return fmt.Errorf("marshaling report: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin transaction: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	if _, err := tx.ExecContext(ctx,
		`INSERT INTO runs (id, started_at, args, scheduled, goodput, report) VALUES (?, ?, ?, ?, ?, ?)`,
		run.ID, run.StartedAt.UnixNano(), string(args), run.Report.Scheduled, run.Report.Goodput, string(report),
	); err != nil {
		return fmt.Errorf("inserting run %s: %w", run.ID, err)
	}

	stmt, err := tx.PrepareContext(ctx, `
		INSERT INTO records (
			run_id, entry_id, session_id, scheduled, dispatched, admission_wait,
			send_time, first_token_time, completion_time, token_times,
			input_tokens, declared_input_tokens, declared_output_tokens, reported_output_tokens,
			length_mismatch, error, error_message
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`)
	if err != nil {
		return fmt.Errorf("preparing record insert: %w", err)
	}
	defer func() { _ = stmt.Close() }()

	for i := range run.Records {
		r := &run.Records[i]
		times, err := json.Marshal(nonNil(r.TokenTimes))
		if err != nil {
			return fmt.Errorf("marshaling token times for entry %d: %w", r.EntryID, err)
		}
		if _, err := stmt.ExecContext(ctx,
			run.ID, r.EntryID, r.SessionID, r.Scheduled, r.Dispatched, r.AdmissionWait,
			nullFloat(r.SendTime), nullFloat(r.FirstTokenTime), nullFloat(r.CompletionTime), string(times),
			r.InputTokens, r.DeclaredInputTokens, r.DeclaredOutputTokens, r.ReportedOutputTokens,
			r.LengthMismatch, string(r.Error), r.ErrorMessage,
		); err != nil {
			return fmt.Errorf("inserting record for entry %d: %w", r.EntryID, err)
		}
	}
	return tx.Commit()
}

// Records returns the run's records ordered by entry ID.
func (s *Store) Records(ctx context.Context, runID string) ([]replay.TimingRecord, error) {
	if err := s.exists(ctx, runID); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT entry_id, session_id, scheduled, dispatched, admission_wait,
			send_time, first_token_time, completion_time, token_times,
			input_tokens, declared_input_tokens, declared_output_tokens, reported_output_tokens,
			length_mismatch, error, error_message
		FROM records WHERE run_id = ? ORDER BY entry_id`, runID)
	if err != nil {
		return nil, fmt.Errorf("querying records: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var records []replay.TimingRecord
	for rows.Next() {
		var (
			r                     replay.TimingRecord
			send, first, complete sql.NullFloat64
			times                 string
			kind                  string
		)
		if err := rows.Scan(
			&r.EntryID, &r.SessionID, &r.Scheduled, &r.Dispatched, &r.AdmissionWait,
			&send, &first, &complete, &times,
			&r.InputTokens, &r.DeclaredInputTokens, &r.DeclaredOutputTokens, &r.ReportedOutputTokens,
			&r.LengthMismatch, &kind, &r.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scanning record: %w", err)
		}
		r.SendTime = floatPtr(send)
		r.FirstTokenTime = floatPtr(first)
		r.CompletionTime = floatPtr(complete)
		r.Error = replay.ErrorKind(kind)
		if err := json.Unmarshal([]byte(times), &r.TokenTimes); err != nil {
			return nil, fmt.Errorf("decoding token times for entry %d: %w", r.EntryID, err)
		}
		if len(r.TokenTimes) == 0 {
			r.TokenTimes = nil
		}
		records = append(records, r)
	}
	return records, rows.Err()
}

// Report returns the stored report for runID.
func (s *Store) Report(ctx context.Context, runID string) (metrics.Report, error) {
	var data string
	err := s.db.QueryRowContext(ctx, `SELECT report FROM runs WHERE id = ?`, runID).Scan(&data)
	if errors.Is(err, sql.ErrNoRows) {
		return metrics.Report{}, fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	if err != nil {
		return metrics.Report{}, fmt.Errorf("querying report: %w", err)
	}
	var rep metrics.Report
	if err := json.Unmarshal([]byte(data), &rep); err != nil {
		return metrics.Report{}, fmt.Errorf("decoding report: %w", err)
	}
	return rep, nil
}

// Runs lists stored runs, newest first.
func (s *Store) Runs(ctx context.Context) ([]RunSummary, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT id, started_at, scheduled, goodput FROM runs ORDER BY started_at DESC, rowid DESC`)
	if err != nil {
		return nil, fmt.Errorf("querying runs: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var runs []RunSummary
	for rows.Next() {
		var (
			r       RunSummary
			started int64
		)
		if err := rows.Scan(&r.ID, &started, &r.Scheduled, &r.Goodput); err != nil {
			return nil, fmt.Errorf("scanning run: %w", err)
		}
		r.StartedAt = time.Unix(0, started).UTC()
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (s *Store) exists(ctx context.Context, runID string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM runs WHERE id = ?`, runID).Scan(&n); err != nil {
		return fmt.Errorf("querying run: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrRunNotFound, runID)
	}
	return nil
}

func nullFloat(v *float64) sql.NullFloat64 {
	if v == nil {
		return sql.NullFloat64{}
	}
	return sql.NullFloat64{Float64: *v, Valid: true}
}

func floatPtr(v sql.NullFloat64) *float64 {
	if !v.Valid {
		return nil
	}
	f := v.Float64
	return &f
}

func nonNil(v []float64) []float64 {
	if v == nil {
		return []float64{}
	}
	return v
}

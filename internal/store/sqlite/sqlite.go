// Copyright 2025 Tom Barlow
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package sqlite provides a SQLite store implementation for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/runway/internal/store"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ store.RunStore       = (*Store)(nil)
	_ store.ExecutionStore = (*Store)(nil)
	_ store.Store          = (*Store)(nil)
)

// Store is a SQLite storage backend.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite store.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	// SQLite serializes writes, so only 1 connection for writes
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}

	s := &Store{db: db}

	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return s, nil
}

// configurePragmas sets SQLite configuration options.
func (s *Store) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA auto_vacuum=INCREMENTAL",
		"PRAGMA synchronous=NORMAL",
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}

	for _, pragma := range pragmas {
		if _, err := s.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (s *Store) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_id TEXT NOT NULL,
			workflow_version TEXT,
			status TEXT NOT NULL,
			input TEXT NOT NULL,
			output TEXT,
			error TEXT,
			options TEXT NOT NULL,
			metadata TEXT,
			webhook_url TEXT,
			idempotency_key TEXT,
			request_id TEXT NOT NULL,
			progress REAL,
			usage TEXT,
			events TEXT,
			started_at TEXT,
			completed_at TEXT,
			created_at TEXT NOT NULL,
			last_event_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency_key
			ON runs(idempotency_key) WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow_created ON runs(workflow_id, created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status_created ON runs(status, created_at)`,
		`CREATE TABLE IF NOT EXISTS executions (
			id TEXT PRIMARY KEY,
			run_id TEXT NOT NULL,
			workflow_id TEXT NOT NULL,
			status TEXT NOT NULL,
			input TEXT,
			output TEXT,
			error TEXT,
			trace TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT
		)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_workflow_started ON executions(workflow_id, started_at)`,
		`CREATE INDEX IF NOT EXISTS idx_executions_status_started ON executions(status, started_at)`,
	}

	for _, migration := range migrations {
		if _, err := s.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

const runColumns = `id, workflow_id, workflow_version, status, input, output, error,
	options, metadata, webhook_url, idempotency_key, request_id,
	progress, usage, events, started_at, completed_at, created_at, last_event_at`

// CreateRun persists a new run.
func (s *Store) CreateRun(ctx context.Context, run *store.Run) error {
	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	optionsJSON, err := json.Marshal(run.Options)
	if err != nil {
		return fmt.Errorf("failed to marshal options: %w", err)
	}

	metadataJSON, err := marshalOptional(run.Metadata != nil, run.Metadata)
	if err != nil {
		return fmt.Errorf("failed to marshal metadata: %w", err)
	}
	outputJSON, err := marshalOptional(run.Output != nil, run.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	errorJSON, err := marshalOptional(run.Error != nil, run.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}
	usageJSON, err := marshalOptional(run.Usage != nil, run.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	eventsJSON, err := marshalOptional(len(run.Events) > 0, run.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	query := `INSERT INTO runs (` + runColumns + `)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`

	now := time.Now().UTC()
	if run.CreatedAt.IsZero() {
		run.CreatedAt = now
	}
	run.LastEventAt = now

	_, err = s.db.ExecContext(ctx, query,
		run.ID, run.WorkflowID, nullString(run.WorkflowVersion), string(run.Status),
		string(inputJSON), outputJSON, errorJSON,
		string(optionsJSON), metadataJSON, nullString(run.WebhookURL),
		nullString(run.IdempotencyKey), run.RequestID,
		nullFloat(run.Progress), usageJSON, eventsJSON,
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		run.CreatedAt.Format(time.RFC3339Nano), run.LastEventAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed: runs.idempotency_key") {
			return store.ErrDuplicateIdempotencyKey
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	return nil
}

// GetRun retrieves a run by ID.
func (s *Store) GetRun(ctx context.Context, id string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	return scanRun(row)
}

// GetRunByIdempotencyKey retrieves the run holding the given key.
func (s *Store) GetRunByIdempotencyKey(ctx context.Context, key string) (*store.Run, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE idempotency_key = ?`, key)
	return scanRun(row)
}

// UpdateRun persists the run's mutable fields, optionally guarded by
// expected prior statuses so concurrent writers can never move a status
// backward.
func (s *Store) UpdateRun(ctx context.Context, run *store.Run, expectStatus ...store.RunStatus) error {
	outputJSON, err := marshalOptional(run.Output != nil, run.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	errorJSON, err := marshalOptional(run.Error != nil, run.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}
	usageJSON, err := marshalOptional(run.Usage != nil, run.Usage)
	if err != nil {
		return fmt.Errorf("failed to marshal usage: %w", err)
	}
	eventsJSON, err := marshalOptional(len(run.Events) > 0, run.Events)
	if err != nil {
		return fmt.Errorf("failed to marshal events: %w", err)
	}

	query := `UPDATE runs SET
		status = ?, output = ?, error = ?, progress = ?, usage = ?, events = ?,
		started_at = ?, completed_at = ?, last_event_at = ?
		WHERE id = ?`

	now := time.Now().UTC()
	args := []any{
		string(run.Status), outputJSON, errorJSON,
		nullFloat(run.Progress), usageJSON, eventsJSON,
		formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339Nano),
		run.ID,
	}

	if len(expectStatus) > 0 {
		placeholders := make([]string, len(expectStatus))
		for i, st := range expectStatus {
			placeholders[i] = "?"
			args = append(args, string(st))
		}
		query += ` AND status IN (` + strings.Join(placeholders, ", ") + `)`
	}

	result, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		// Distinguish a missing row from a guarded transition.
		var exists int
		if err := s.db.QueryRowContext(ctx, `SELECT 1 FROM runs WHERE id = ?`, run.ID).Scan(&exists); err == sql.ErrNoRows {
			return store.ErrNotFound
		}
		return store.ErrInvalidTransition
	}

	run.LastEventAt = now
	return nil
}

// ListRuns lists runs newest-first with optional filtering.
func (s *Store) ListRuns(ctx context.Context, filter store.RunFilter) ([]*store.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if filter.WorkflowID != "" {
		query += ` AND workflow_id = ?`
		args = append(args, filter.WorkflowID)
	}
	if filter.Status != "" {
		query += ` AND status = ?`
		args = append(args, string(filter.Status))
	}

	query += ` ORDER BY created_at DESC`

	if filter.Limit > 0 {
		query += ` LIMIT ?`
		args = append(args, filter.Limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*store.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, err
		}
		runs = append(runs, run)
	}

	return runs, rows.Err()
}

// DeleteTerminalRunsBefore deletes terminal runs created strictly before cutoff.
func (s *Store) DeleteTerminalRunsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM runs WHERE status IN (?, ?, ?, ?) AND created_at < ?`,
		string(store.RunStatusCompleted), string(store.RunStatusFailed),
		string(store.RunStatusCancelled), string(store.RunStatusTimeout),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete runs: %w", err)
	}
	return result.RowsAffected()
}

const executionColumns = `id, run_id, workflow_id, status, input, output, error, trace, started_at, completed_at`

// CreateExecution persists a new execution record.
func (s *Store) CreateExecution(ctx context.Context, exec *store.Execution) error {
	inputJSON, err := marshalOptional(exec.Input != nil, exec.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	outputJSON, err := marshalOptional(exec.Output != nil, exec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	errorJSON, err := marshalOptional(exec.Error != nil, exec.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}
	traceJSON, err := marshalOptional(len(exec.Trace) > 0, exec.Trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	if exec.StartedAt.IsZero() {
		exec.StartedAt = time.Now().UTC()
	}

	_, err = s.db.ExecContext(ctx,
		`INSERT INTO executions (`+executionColumns+`) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.RunID, exec.WorkflowID, string(exec.Status),
		inputJSON, outputJSON, errorJSON, traceJSON,
		exec.StartedAt.UTC().Format(time.RFC3339Nano), formatTime(exec.CompletedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to create execution: %w", err)
	}

	return nil
}

// GetExecution retrieves an execution by ID.
func (s *Store) GetExecution(ctx context.Context, id string) (*store.Execution, error) {
	row := s.db.QueryRowContext(ctx, `SELECT `+executionColumns+` FROM executions WHERE id = ?`, id)
	return scanExecution(row)
}

// UpdateExecution persists the execution's mutable fields.
func (s *Store) UpdateExecution(ctx context.Context, exec *store.Execution) error {
	outputJSON, err := marshalOptional(exec.Output != nil, exec.Output)
	if err != nil {
		return fmt.Errorf("failed to marshal output: %w", err)
	}
	errorJSON, err := marshalOptional(exec.Error != nil, exec.Error)
	if err != nil {
		return fmt.Errorf("failed to marshal error: %w", err)
	}
	traceJSON, err := marshalOptional(len(exec.Trace) > 0, exec.Trace)
	if err != nil {
		return fmt.Errorf("failed to marshal trace: %w", err)
	}

	result, err := s.db.ExecContext(ctx,
		`UPDATE executions SET status = ?, output = ?, error = ?, trace = ?, completed_at = ? WHERE id = ?`,
		string(exec.Status), outputJSON, errorJSON, traceJSON,
		formatTime(exec.CompletedAt), exec.ID,
	)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}

	rowsAffected, _ := result.RowsAffected()
	if rowsAffected == 0 {
		return store.ErrNotFound
	}

	return nil
}

// ListStaleExecutions returns running executions started strictly before olderThan.
func (s *Store) ListStaleExecutions(ctx context.Context, olderThan time.Time) ([]*store.Execution, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT `+executionColumns+` FROM executions WHERE status = ? AND started_at < ?`,
		string(store.ExecutionStatusRunning), olderThan.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list stale executions: %w", err)
	}
	defer rows.Close()

	var execs []*store.Execution
	for rows.Next() {
		exec, err := scanExecution(rows)
		if err != nil {
			return nil, err
		}
		execs = append(execs, exec)
	}

	return execs, rows.Err()
}

// DeleteTerminalExecutionsBefore deletes terminal executions started strictly before cutoff.
func (s *Store) DeleteTerminalExecutionsBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	result, err := s.db.ExecContext(ctx,
		`DELETE FROM executions WHERE status IN (?, ?) AND started_at < ?`,
		string(store.ExecutionStatusCompleted), string(store.ExecutionStatusFailed),
		cutoff.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return 0, fmt.Errorf("failed to delete executions: %w", err)
	}
	return result.RowsAffected()
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Healthy reports whether the database is currently reachable.
func (s *Store) Healthy() bool {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	return s.db.PingContext(ctx) == nil
}

// scanner abstracts *sql.Row and *sql.Rows for shared scan logic.
type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*store.Run, error) {
	var run store.Run
	var status string
	var inputJSON, optionsJSON string
	var workflowVersion, outputJSON, errorJSON, metadataJSON sql.NullString
	var webhookURL, idempotencyKey, usageJSON, eventsJSON sql.NullString
	var progress sql.NullFloat64
	var startedAt, completedAt sql.NullString
	var createdAt, lastEventAt string

	err := row.Scan(
		&run.ID, &run.WorkflowID, &workflowVersion, &status, &inputJSON,
		&outputJSON, &errorJSON, &optionsJSON, &metadataJSON,
		&webhookURL, &idempotencyKey, &run.RequestID,
		&progress, &usageJSON, &eventsJSON,
		&startedAt, &completedAt, &createdAt, &lastEventAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan run: %w", err)
	}

	run.Status = store.RunStatus(status)
	run.WorkflowVersion = workflowVersion.String
	run.WebhookURL = webhookURL.String
	run.IdempotencyKey = idempotencyKey.String

	if err := json.Unmarshal([]byte(inputJSON), &run.Input); err != nil {
		return nil, fmt.Errorf("failed to unmarshal input: %w", err)
	}
	if err := json.Unmarshal([]byte(optionsJSON), &run.Options); err != nil {
		return nil, fmt.Errorf("failed to unmarshal options: %w", err)
	}
	if outputJSON.Valid {
		if err := json.Unmarshal([]byte(outputJSON.String), &run.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	if errorJSON.Valid {
		run.Error = &store.RunError{}
		if err := json.Unmarshal([]byte(errorJSON.String), run.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}
	if metadataJSON.Valid {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}
	if usageJSON.Valid {
		run.Usage = &store.Usage{}
		if err := json.Unmarshal([]byte(usageJSON.String), run.Usage); err != nil {
			return nil, fmt.Errorf("failed to unmarshal usage: %w", err)
		}
	}
	if eventsJSON.Valid {
		if err := json.Unmarshal([]byte(eventsJSON.String), &run.Events); err != nil {
			return nil, fmt.Errorf("failed to unmarshal events: %w", err)
		}
	}
	if progress.Valid {
		run.Progress = &progress.Float64
	}

	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}
	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.LastEventAt, _ = time.Parse(time.RFC3339Nano, lastEventAt)

	return &run, nil
}

func scanExecution(row scanner) (*store.Execution, error) {
	var exec store.Execution
	var status, startedAt string
	var inputJSON, outputJSON, errorJSON, traceJSON, completedAt sql.NullString

	err := row.Scan(
		&exec.ID, &exec.RunID, &exec.WorkflowID, &status,
		&inputJSON, &outputJSON, &errorJSON, &traceJSON,
		&startedAt, &completedAt,
	)
	if err == sql.ErrNoRows {
		return nil, store.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to scan execution: %w", err)
	}

	exec.Status = store.ExecutionStatus(status)

	if inputJSON.Valid {
		if err := json.Unmarshal([]byte(inputJSON.String), &exec.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if outputJSON.Valid {
		if err := json.Unmarshal([]byte(outputJSON.String), &exec.Output); err != nil {
			return nil, fmt.Errorf("failed to unmarshal output: %w", err)
		}
	}
	if errorJSON.Valid {
		exec.Error = &store.RunError{}
		if err := json.Unmarshal([]byte(errorJSON.String), exec.Error); err != nil {
			return nil, fmt.Errorf("failed to unmarshal error: %w", err)
		}
	}
	if traceJSON.Valid {
		if err := json.Unmarshal([]byte(traceJSON.String), &exec.Trace); err != nil {
			return nil, fmt.Errorf("failed to unmarshal trace: %w", err)
		}
	}

	exec.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		exec.CompletedAt = &t
	}

	return &exec, nil
}

// Helper functions

// marshalOptional marshals v when present, returning nil for absent values
// so the column stores NULL instead of a JSON null literal.
func marshalOptional(present bool, v any) (any, error) {
	if !present {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

// formatTime converts a *time.Time to RFC3339 string or nil.
func formatTime(t *time.Time) any {
	if t == nil {
		return nil
	}
	return t.UTC().Format(time.RFC3339Nano)
}

// nullString returns nil if string is empty, otherwise the string.
func nullString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

// nullFloat returns nil if the pointer is nil, otherwise the value.
func nullFloat(f *float64) any {
	if f == nil {
		return nil
	}
	return *f
}

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

// Package sqlite provides a SQLite storage backend for single-node deployments.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/tombee/durable/internal/storage"
	"github.com/tombee/durable/pkg/errors"
	_ "modernc.org/sqlite"
)

// Compile-time interface assertions.
var (
	_ storage.RunStore   = (*Backend)(nil)
	_ storage.EventLog   = (*Backend)(nil)
	_ storage.StepStore  = (*Backend)(nil)
	_ storage.HookStore  = (*Backend)(nil)
	_ storage.ClaimStore = (*Backend)(nil)
	_ storage.WakeStore  = (*Backend)(nil)
	_ storage.Backend    = (*Backend)(nil)
)

// Backend is a SQLite storage backend.
type Backend struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path.
	Path string

	// WAL enables Write-Ahead Logging mode for concurrent reads.
	WAL bool
}

// New creates a new SQLite backend.
func New(cfg Config) (*Backend, error) {
	// Open database connection
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

	b := &Backend{db: db}

	if err := b.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to configure pragmas: %w", err)
	}

	if err := b.migrate(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to run migrations: %w", err)
	}

	return b, nil
}

// configurePragmas sets SQLite configuration options.
func (b *Backend) configurePragmas(ctx context.Context, enableWAL bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",         // Enable foreign key constraints
		"PRAGMA busy_timeout=5000",       // 5 second timeout for lock contention
		"PRAGMA auto_vacuum=INCREMENTAL", // Incremental auto-vacuum for space reclamation
		"PRAGMA synchronous=NORMAL",      // Balance between performance and durability
	}

	if enableWAL {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL") // Enable WAL mode for concurrent reads
	}

	for _, pragma := range pragmas {
		if _, err := b.db.ExecContext(ctx, pragma); err != nil {
			return fmt.Errorf("failed to execute %s: %w", pragma, err)
		}
	}

	return nil
}

// migrate runs database migrations.
func (b *Backend) migrate(ctx context.Context) error {
	migrations := []string{
		`CREATE TABLE IF NOT EXISTS runs (
			id TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			status TEXT NOT NULL,
			idempotency_key TEXT,
			input TEXT,
			result TEXT,
			error TEXT,
			parent_run_id TEXT,
			nesting_depth INTEGER DEFAULT 0,
			recovery_attempts INTEGER DEFAULT 0,
			max_recovery_attempts INTEGER DEFAULT 3,
			recover_on_worker_loss INTEGER DEFAULT 1,
			max_duration INTEGER DEFAULT 0,
			continued_from TEXT,
			continued_to TEXT,
			metadata TEXT,
			created_at TEXT NOT NULL,
			started_at TEXT,
			completed_at TEXT,
			updated_at TEXT NOT NULL
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_runs_idempotency
			ON runs(workflow_name, idempotency_key)
			WHERE idempotency_key IS NOT NULL`,
		`CREATE INDEX IF NOT EXISTS idx_runs_status ON runs(status)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_workflow ON runs(workflow_name)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_created_at ON runs(created_at)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_parent_run_id ON runs(parent_run_id)`,
		`CREATE TABLE IF NOT EXISTS events (
			run_id TEXT NOT NULL,
			sequence INTEGER NOT NULL,
			id TEXT NOT NULL,
			type TEXT NOT NULL,
			timestamp TEXT NOT NULL,
			data TEXT,
			PRIMARY KEY (run_id, sequence)
		)`,
		`CREATE INDEX IF NOT EXISTS idx_events_run_type ON events(run_id, type)`,
		`CREATE TABLE IF NOT EXISTS steps (
			run_id TEXT NOT NULL,
			step_id TEXT NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			attempt INTEGER DEFAULT 1,
			max_retries INTEGER DEFAULT 0,
			input TEXT,
			result TEXT,
			error TEXT,
			retry_at TEXT,
			started_at TEXT NOT NULL,
			completed_at TEXT,
			updated_at TEXT NOT NULL,
			PRIMARY KEY (run_id, step_id)
		)`,
		`CREATE TABLE IF NOT EXISTS hooks (
			run_id TEXT NOT NULL,
			hook_id TEXT NOT NULL,
			name TEXT NOT NULL,
			token TEXT NOT NULL,
			status TEXT NOT NULL,
			payload TEXT,
			expires_at TEXT,
			created_at TEXT NOT NULL,
			received_at TEXT,
			PRIMARY KEY (run_id, hook_id)
		)`,
		`CREATE UNIQUE INDEX IF NOT EXISTS idx_hooks_token ON hooks(token)`,
		`CREATE INDEX IF NOT EXISTS idx_hooks_status ON hooks(status)`,
		`CREATE TABLE IF NOT EXISTS claims (
			run_id TEXT PRIMARY KEY,
			worker_id TEXT NOT NULL,
			acquired_at TEXT NOT NULL,
			expires_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_claims_expires_at ON claims(expires_at)`,
		`CREATE TABLE IF NOT EXISTS wakes (
			run_id TEXT NOT NULL,
			kind TEXT NOT NULL,
			ref TEXT,
			at TEXT NOT NULL,
			created_at TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_wakes_at ON wakes(at)`,
		`CREATE INDEX IF NOT EXISTS idx_wakes_run_id ON wakes(run_id)`,
		`CREATE TABLE IF NOT EXISTS schedules (
			name TEXT PRIMARY KEY,
			workflow_name TEXT NOT NULL,
			cron TEXT,
			every INTEGER DEFAULT 0,
			input TEXT,
			enabled INTEGER DEFAULT 1,
			last_fired_at TEXT,
			next_fire_at TEXT,
			created_at TEXT NOT NULL,
			updated_at TEXT NOT NULL
		)`,
	}

	for _, migration := range migrations {
		if _, err := b.db.ExecContext(ctx, migration); err != nil {
			return fmt.Errorf("migration failed: %w", err)
		}
	}

	return nil
}

// CreateRun creates a new run record.
func (b *Backend) CreateRun(ctx context.Context, run *storage.Run) error {
	inputJSON, err := json.Marshal(run.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}

	var metadataJSON []byte
	if run.Metadata != nil {
		metadataJSON, err = json.Marshal(run.Metadata)
		if err != nil {
			return fmt.Errorf("failed to marshal metadata: %w", err)
		}
	}

	query := `
		INSERT INTO runs (id, workflow_name, status, idempotency_key, input, result, error,
			parent_run_id, nesting_depth, recovery_attempts, max_recovery_attempts,
			recover_on_worker_loss, max_duration, continued_from, continued_to, metadata,
			created_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`

	now := time.Now().UTC()
	recoverFlag := 0
	if run.RecoverOnWorkerLoss {
		recoverFlag = 1
	}

	_, err = b.db.ExecContext(ctx, query,
		run.ID, run.WorkflowName, run.Status, nullString(run.IdempotencyKey),
		string(inputJSON), nil, nullString(run.Error),
		nullString(run.ParentRunID), run.NestingDepth, run.RecoveryAttempts,
		run.MaxRecoveryAttempts, recoverFlag, int64(run.MaxDuration),
		nullString(run.ContinuedFrom), nullString(run.ContinuedTo), nullBytes(metadataJSON),
		now.Format(time.RFC3339Nano), formatTime(run.StartedAt), formatTime(run.CompletedAt),
		now.Format(time.RFC3339Nano),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{
				Resource: "run",
				Key:      run.IdempotencyKey,
				Reason:   "idempotency key already bound",
			}
		}
		return fmt.Errorf("failed to create run: %w", err)
	}

	run.CreatedAt = now
	run.UpdatedAt = now
	return nil
}

const runColumns = `id, workflow_name, status, idempotency_key, input, result, error,
	parent_run_id, nesting_depth, recovery_attempts, max_recovery_attempts,
	recover_on_worker_loss, max_duration, continued_from, continued_to, metadata,
	created_at, started_at, completed_at, updated_at`

// GetRun retrieves a run by ID.
func (b *Backend) GetRun(ctx context.Context, id string) (*storage.Run, error) {
	row := b.db.QueryRowContext(ctx, `SELECT `+runColumns+` FROM runs WHERE id = ?`, id)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: id}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run: %w", err)
	}
	return run, nil
}

// GetRunByIdempotencyKey retrieves the run bound to a workflow/key pair.
func (b *Backend) GetRunByIdempotencyKey(ctx context.Context, workflowName, key string) (*storage.Run, error) {
	row := b.db.QueryRowContext(ctx,
		`SELECT `+runColumns+` FROM runs WHERE workflow_name = ? AND idempotency_key = ?`,
		workflowName, key,
	)
	run, err := scanRun(row)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "run", ID: key}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get run by idempotency key: %w", err)
	}
	return run, nil
}

// UpdateRunStatus transitions a run's status with CAS semantics.
// The WHERE clause carries the precondition so a lost race affects zero rows.
func (b *Backend) UpdateRunStatus(ctx context.Context, id string, from []storage.RunStatus, to storage.RunStatus, update storage.RunUpdate) error {
	sets := []string{"status = ?", "updated_at = ?"}
	args := []any{string(to), time.Now().UTC().Format(time.RFC3339Nano)}

	if update.Result != nil {
		resultJSON, err := json.Marshal(update.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
		sets = append(sets, "result = ?")
		args = append(args, string(resultJSON))
	}
	if update.Error != "" {
		sets = append(sets, "error = ?")
		args = append(args, update.Error)
	}
	if update.StartedAt != nil {
		sets = append(sets, "started_at = ?")
		args = append(args, update.StartedAt.Format(time.RFC3339Nano))
	}
	if update.CompletedAt != nil {
		sets = append(sets, "completed_at = ?")
		args = append(args, update.CompletedAt.Format(time.RFC3339Nano))
	}
	if update.ContinuedTo != "" {
		sets = append(sets, "continued_to = ?")
		args = append(args, update.ContinuedTo)
	}

	placeholders := make([]string, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		args = append(args, string(s))
	}

	query := "UPDATE runs SET " + strings.Join(sets, ", ") +
		" WHERE id = ? AND status IN (" + strings.Join(placeholders, ", ") + ")" +
		" AND status NOT IN ('completed', 'failed', 'interrupted', 'cancelled')"
	// id comes before the status placeholders in the WHERE clause
	args = append(args[:len(args)-len(from)], append([]any{id}, args[len(args)-len(from):]...)...)

	result, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update run status: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		current, err := b.GetRun(ctx, id)
		if err != nil {
			return err
		}
		return &errors.ConflictError{
			Resource: "run",
			Key:      id,
			Reason:   "status is " + string(current.Status),
		}
	}
	return nil
}

// IncrementRecoveryAttempts atomically bumps the recovery counter.
func (b *Backend) IncrementRecoveryAttempts(ctx context.Context, id string) (int, error) {
	result, err := b.db.ExecContext(ctx,
		`UPDATE runs SET recovery_attempts = recovery_attempts + 1, updated_at = ? WHERE id = ?`,
		time.Now().UTC().Format(time.RFC3339Nano), id,
	)
	if err != nil {
		return 0, fmt.Errorf("failed to increment recovery attempts: %w", err)
	}
	affected, _ := result.RowsAffected()
	if affected == 0 {
		return 0, &errors.NotFoundError{Resource: "run", ID: id}
	}

	var attempts int
	err = b.db.QueryRowContext(ctx, `SELECT recovery_attempts FROM runs WHERE id = ?`, id).Scan(&attempts)
	if err != nil {
		return 0, fmt.Errorf("failed to read recovery attempts: %w", err)
	}
	return attempts, nil
}

// ListRuns lists runs matching the filter, newest first.
func (b *Backend) ListRuns(ctx context.Context, filter storage.RunFilter) ([]*storage.Run, error) {
	query := `SELECT ` + runColumns + ` FROM runs WHERE 1=1`
	args := []any{}

	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}
	if filter.WorkflowName != "" {
		query += " AND workflow_name = ?"
		args = append(args, filter.WorkflowName)
	}
	if filter.Since != nil {
		query += " AND created_at >= ?"
		args = append(args, filter.Since.Format(time.RFC3339Nano))
	}
	if filter.Until != nil {
		query += " AND created_at <= ?"
		args = append(args, filter.Until.Format(time.RFC3339Nano))
	}

	query += " ORDER BY created_at DESC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	return b.queryRuns(ctx, query, args...)
}

// ListChildren lists the direct children of a run, oldest first.
func (b *Backend) ListChildren(ctx context.Context, parentRunID string) ([]*storage.Run, error) {
	return b.queryRuns(ctx,
		`SELECT `+runColumns+` FROM runs WHERE parent_run_id = ? ORDER BY created_at ASC`,
		parentRunID,
	)
}

func (b *Backend) queryRuns(ctx context.Context, query string, args ...any) ([]*storage.Run, error) {
	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list runs: %w", err)
	}
	defer rows.Close()

	var runs []*storage.Run
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// AppendEvent appends an event, assigning the next sequence number.
func (b *Backend) AppendEvent(ctx context.Context, event *storage.Event) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	var next int64
	err = tx.QueryRowContext(ctx,
		`SELECT COALESCE(MAX(sequence), 0) + 1 FROM events WHERE run_id = ?`, event.RunID,
	).Scan(&next)
	if err != nil {
		return fmt.Errorf("failed to compute next sequence: %w", err)
	}

	if event.Sequence != 0 && event.Sequence != next {
		return &errors.ConflictError{Resource: "event", Key: event.RunID, Reason: "stale sequence"}
	}
	event.Sequence = next
	if event.Timestamp.IsZero() {
		event.Timestamp = time.Now().UTC()
	}

	var dataJSON []byte
	if event.Data != nil {
		dataJSON, err = json.Marshal(event.Data)
		if err != nil {
			return fmt.Errorf("failed to marshal event data: %w", err)
		}
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (run_id, sequence, id, type, timestamp, data) VALUES (?, ?, ?, ?, ?, ?)`,
		event.RunID, event.Sequence, event.ID, string(event.Type),
		event.Timestamp.Format(time.RFC3339Nano), nullBytes(dataJSON),
	)
	if err != nil {
		if isUniqueViolation(err) {
			return &errors.ConflictError{Resource: "event", Key: event.RunID, Reason: "sequence taken"}
		}
		return fmt.Errorf("failed to append event: %w", err)
	}

	return tx.Commit()
}

// ListEvents returns events with sequence >= fromSeq, ordered by sequence.
func (b *Backend) ListEvents(ctx context.Context, runID string, fromSeq int64) ([]*storage.Event, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT run_id, sequence, id, type, timestamp, data FROM events
			WHERE run_id = ? AND sequence >= ? ORDER BY sequence ASC`,
		runID, fromSeq,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list events: %w", err)
	}
	defer rows.Close()

	var events []*storage.Event
	for rows.Next() {
		event, err := scanEvent(rows)
		if err != nil {
			return nil, err
		}
		events = append(events, event)
	}
	return events, rows.Err()
}

// LatestEvent returns the most recent event, optionally filtered by type.
func (b *Backend) LatestEvent(ctx context.Context, runID string, eventType storage.EventType) (*storage.Event, error) {
	query := `SELECT run_id, sequence, id, type, timestamp, data FROM events WHERE run_id = ?`
	args := []any{runID}
	if eventType != "" {
		query += ` AND type = ?`
		args = append(args, string(eventType))
	}
	query += ` ORDER BY sequence DESC LIMIT 1`

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest event: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &errors.NotFoundError{Resource: "event", ID: runID}
	}
	return scanEvent(rows)
}

// UpsertStep creates or replaces a step execution record.
func (b *Backend) UpsertStep(ctx context.Context, step *storage.StepExecution) error {
	inputJSON, err := json.Marshal(step.Input)
	if err != nil {
		return fmt.Errorf("failed to marshal input: %w", err)
	}
	var resultJSON []byte
	if step.Result != nil {
		resultJSON, err = json.Marshal(step.Result)
		if err != nil {
			return fmt.Errorf("failed to marshal result: %w", err)
		}
	}

	query := `
		INSERT INTO steps (run_id, step_id, name, status, attempt, max_retries, input, result,
			error, retry_at, started_at, completed_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, step_id) DO UPDATE SET
			status = excluded.status,
			attempt = excluded.attempt,
			result = excluded.result,
			error = excluded.error,
			retry_at = excluded.retry_at,
			completed_at = excluded.completed_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	_, err = b.db.ExecContext(ctx, query,
		step.RunID, step.StepID, step.Name, string(step.Status), step.Attempt, step.MaxRetries,
		string(inputJSON), nullBytes(resultJSON), nullString(step.Error),
		formatTime(step.RetryAt), step.StartedAt.Format(time.RFC3339Nano),
		formatTime(step.CompletedAt), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert step: %w", err)
	}
	step.UpdatedAt = now
	return nil
}

// GetStep retrieves a step by run and step ID.
func (b *Backend) GetStep(ctx context.Context, runID, stepID string) (*storage.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT run_id, step_id, name, status, attempt, max_retries, input, result, error,
			retry_at, started_at, completed_at, updated_at
			FROM steps WHERE run_id = ? AND step_id = ?`,
		runID, stepID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to get step: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &errors.NotFoundError{Resource: "step", ID: stepID}
	}
	return scanStep(rows)
}

// ListSteps lists all steps for a run, oldest first.
func (b *Backend) ListSteps(ctx context.Context, runID string) ([]*storage.StepExecution, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT run_id, step_id, name, status, attempt, max_retries, input, result, error,
			retry_at, started_at, completed_at, updated_at
			FROM steps WHERE run_id = ? ORDER BY started_at ASC`,
		runID,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list steps: %w", err)
	}
	defer rows.Close()

	var steps []*storage.StepExecution
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, err
		}
		steps = append(steps, step)
	}
	return steps, rows.Err()
}

// UpsertHook creates or replaces a hook record.
func (b *Backend) UpsertHook(ctx context.Context, hook *storage.Hook) error {
	var payloadJSON []byte
	var err error
	if hook.Payload != nil {
		payloadJSON, err = json.Marshal(hook.Payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	query := `
		INSERT INTO hooks (run_id, hook_id, name, token, status, payload, expires_at, created_at, received_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (run_id, hook_id) DO UPDATE SET
			status = excluded.status,
			payload = excluded.payload,
			expires_at = excluded.expires_at,
			received_at = excluded.received_at
	`

	createdAt := hook.CreatedAt
	if createdAt.IsZero() {
		createdAt = time.Now().UTC()
	}
	_, err = b.db.ExecContext(ctx, query,
		hook.RunID, hook.HookID, hook.Name, hook.Token, string(hook.Status),
		nullBytes(payloadJSON), formatTime(hook.ExpiresAt),
		createdAt.Format(time.RFC3339Nano), formatTime(hook.ReceivedAt),
	)
	if err != nil {
		return fmt.Errorf("failed to upsert hook: %w", err)
	}
	hook.CreatedAt = createdAt
	return nil
}

const hookColumns = `run_id, hook_id, name, token, status, payload, expires_at, created_at, received_at`

// GetHook retrieves a hook by run and hook ID.
func (b *Backend) GetHook(ctx context.Context, runID, hookID string) (*storage.Hook, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+hookColumns+` FROM hooks WHERE run_id = ? AND hook_id = ?`, runID, hookID)
	if err != nil {
		return nil, fmt.Errorf("failed to get hook: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &errors.NotFoundError{Resource: "hook", ID: hookID}
	}
	return scanHook(rows)
}

// GetHookByToken retrieves a hook by its delivery token.
func (b *Backend) GetHookByToken(ctx context.Context, token string) (*storage.Hook, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT `+hookColumns+` FROM hooks WHERE token = ?`, token)
	if err != nil {
		return nil, fmt.Errorf("failed to get hook by token: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &errors.NotFoundError{Resource: "hook", ID: token}
	}
	return scanHook(rows)
}

// UpdateHookStatus transitions a hook's status with CAS semantics.
func (b *Backend) UpdateHookStatus(ctx context.Context, runID, hookID string, from []storage.HookStatus, to storage.HookStatus, payload map[string]any) error {
	var payloadJSON []byte
	var err error
	if payload != nil {
		payloadJSON, err = json.Marshal(payload)
		if err != nil {
			return fmt.Errorf("failed to marshal payload: %w", err)
		}
	}

	placeholders := make([]string, len(from))
	fromArgs := make([]any, len(from))
	for i, s := range from {
		placeholders[i] = "?"
		fromArgs[i] = string(s)
	}

	var receivedAt any
	if to == storage.HookStatusReceived {
		receivedAt = time.Now().UTC().Format(time.RFC3339Nano)
	}

	query := `UPDATE hooks SET status = ?, payload = COALESCE(?, payload), received_at = COALESCE(?, received_at)
		WHERE run_id = ? AND hook_id = ? AND status IN (` + strings.Join(placeholders, ", ") + `)`
	args := append([]any{string(to), nullBytes(payloadJSON), receivedAt, runID, hookID}, fromArgs...)

	result, err := b.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("failed to update hook status: %w", err)
	}

	affected, _ := result.RowsAffected()
	if affected == 0 {
		current, err := b.GetHook(ctx, runID, hookID)
		if err != nil {
			return err
		}
		return &errors.ConflictError{
			Resource: "hook",
			Key:      hookID,
			Reason:   "status is " + string(current.Status),
		}
	}
	return nil
}

// ListHooks lists hooks matching the filter, oldest first.
func (b *Backend) ListHooks(ctx context.Context, filter storage.HookFilter) ([]*storage.Hook, error) {
	query := `SELECT ` + hookColumns + ` FROM hooks WHERE 1=1`
	args := []any{}

	if filter.RunID != "" {
		query += " AND run_id = ?"
		args = append(args, filter.RunID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, string(filter.Status))
	}

	query += " ORDER BY created_at ASC"

	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
	}
	if filter.Offset > 0 {
		query += " OFFSET ?"
		args = append(args, filter.Offset)
	}

	rows, err := b.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list hooks: %w", err)
	}
	defer rows.Close()

	var hooks []*storage.Hook
	for rows.Next() {
		hook, err := scanHook(rows)
		if err != nil {
			return nil, err
		}
		hooks = append(hooks, hook)
	}
	return hooks, rows.Err()
}

// ClaimRun acquires or renews the lease on a run.
func (b *Backend) ClaimRun(ctx context.Context, runID, workerID string, ttl time.Duration) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	now := time.Now().UTC()
	var holder string
	var acquiredAt, expiresAt string
	err = tx.QueryRowContext(ctx,
		`SELECT worker_id, acquired_at, expires_at FROM claims WHERE run_id = ?`, runID,
	).Scan(&holder, &acquiredAt, &expiresAt)

	switch {
	case err == sql.ErrNoRows:
		_, err = tx.ExecContext(ctx,
			`INSERT INTO claims (run_id, worker_id, acquired_at, expires_at) VALUES (?, ?, ?, ?)`,
			runID, workerID, now.Format(time.RFC3339Nano), now.Add(ttl).Format(time.RFC3339Nano),
		)
		if err != nil {
			return fmt.Errorf("failed to acquire claim: %w", err)
		}
	case err != nil:
		return fmt.Errorf("failed to read claim: %w", err)
	default:
		expiry, _ := time.Parse(time.RFC3339Nano, expiresAt)
		if holder != workerID && expiry.After(now) {
			return &errors.ConflictError{
				Resource: "claim",
				Key:      runID,
				Reason:   "held by worker " + holder,
			}
		}
		keepAcquired := acquiredAt
		if holder != workerID {
			keepAcquired = now.Format(time.RFC3339Nano)
		}
		_, err = tx.ExecContext(ctx,
			`UPDATE claims SET worker_id = ?, acquired_at = ?, expires_at = ? WHERE run_id = ?`,
			workerID, keepAcquired, now.Add(ttl).Format(time.RFC3339Nano), runID,
		)
		if err != nil {
			return fmt.Errorf("failed to renew claim: %w", err)
		}
	}

	return tx.Commit()
}

// ReleaseClaim releases the lease if held by workerID.
func (b *Backend) ReleaseClaim(ctx context.Context, runID, workerID string) error {
	_, err := b.db.ExecContext(ctx,
		`DELETE FROM claims WHERE run_id = ? AND worker_id = ?`, runID, workerID)
	if err != nil {
		return fmt.Errorf("failed to release claim: %w", err)
	}
	return nil
}

// GetClaim returns the claim on a run, expired or not.
func (b *Backend) GetClaim(ctx context.Context, runID string) (*storage.Claim, error) {
	var claim storage.Claim
	var acquiredAt, expiresAt string
	err := b.db.QueryRowContext(ctx,
		`SELECT run_id, worker_id, acquired_at, expires_at FROM claims WHERE run_id = ?`, runID,
	).Scan(&claim.RunID, &claim.WorkerID, &acquiredAt, &expiresAt)
	if err == sql.ErrNoRows {
		return nil, &errors.NotFoundError{Resource: "claim", ID: runID}
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read claim: %w", err)
	}
	claim.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
	claim.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
	return &claim, nil
}

// ListExpiredClaims returns claims whose lease expired at or before now.
func (b *Backend) ListExpiredClaims(ctx context.Context, now time.Time) ([]*storage.Claim, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT run_id, worker_id, acquired_at, expires_at FROM claims WHERE expires_at <= ?`,
		now.UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to list expired claims: %w", err)
	}
	defer rows.Close()

	var claims []*storage.Claim
	for rows.Next() {
		var claim storage.Claim
		var acquiredAt, expiresAt string
		if err := rows.Scan(&claim.RunID, &claim.WorkerID, &acquiredAt, &expiresAt); err != nil {
			return nil, fmt.Errorf("failed to scan claim: %w", err)
		}
		claim.AcquiredAt, _ = time.Parse(time.RFC3339Nano, acquiredAt)
		claim.ExpiresAt, _ = time.Parse(time.RFC3339Nano, expiresAt)
		claims = append(claims, &claim)
	}
	return claims, rows.Err()
}

// ScheduleWake records a future wake-up for a run.
func (b *Backend) ScheduleWake(ctx context.Context, wake *storage.Wake) error {
	if wake.CreatedAt.IsZero() {
		wake.CreatedAt = time.Now().UTC()
	}
	_, err := b.db.ExecContext(ctx,
		`INSERT INTO wakes (run_id, kind, ref, at, created_at) VALUES (?, ?, ?, ?, ?)`,
		wake.RunID, string(wake.Kind), nullString(wake.Ref),
		wake.At.UTC().Format(time.RFC3339Nano), wake.CreatedAt.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to schedule wake: %w", err)
	}
	return nil
}

// DueWakes atomically removes and returns wakes due at or before now.
func (b *Backend) DueWakes(ctx context.Context, now time.Time, limit int) ([]*storage.Wake, error) {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback()

	query := `SELECT rowid, run_id, kind, ref, at, created_at FROM wakes WHERE at <= ? ORDER BY at ASC`
	args := []any{now.UTC().Format(time.RFC3339Nano)}
	if limit > 0 {
		query += " LIMIT ?"
		args = append(args, limit)
	}

	rows, err := tx.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list due wakes: %w", err)
	}

	var due []*storage.Wake
	var rowIDs []any
	for rows.Next() {
		var rowID int64
		var wake storage.Wake
		var ref sql.NullString
		var at, createdAt string
		if err := rows.Scan(&rowID, &wake.RunID, &wake.Kind, &ref, &at, &createdAt); err != nil {
			rows.Close()
			return nil, fmt.Errorf("failed to scan wake: %w", err)
		}
		wake.Ref = ref.String
		wake.At, _ = time.Parse(time.RFC3339Nano, at)
		wake.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
		due = append(due, &wake)
		rowIDs = append(rowIDs, rowID)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	if len(rowIDs) > 0 {
		placeholders := strings.TrimSuffix(strings.Repeat("?, ", len(rowIDs)), ", ")
		if _, err := tx.ExecContext(ctx,
			`DELETE FROM wakes WHERE rowid IN (`+placeholders+`)`, rowIDs...); err != nil {
			return nil, fmt.Errorf("failed to pop wakes: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, err
	}
	return due, nil
}

// CancelWakes removes all pending wakes for a run.
func (b *Backend) CancelWakes(ctx context.Context, runID string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM wakes WHERE run_id = ?`, runID)
	if err != nil {
		return fmt.Errorf("failed to cancel wakes: %w", err)
	}
	return nil
}

// SaveSchedule creates or replaces a schedule.
func (b *Backend) SaveSchedule(ctx context.Context, schedule *storage.Schedule) error {
	var inputJSON []byte
	var err error
	if schedule.Input != nil {
		inputJSON, err = json.Marshal(schedule.Input)
		if err != nil {
			return fmt.Errorf("failed to marshal input: %w", err)
		}
	}

	query := `
		INSERT INTO schedules (name, workflow_name, cron, every, input, enabled, last_fired_at, next_fire_at, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (name) DO UPDATE SET
			workflow_name = excluded.workflow_name,
			cron = excluded.cron,
			every = excluded.every,
			input = excluded.input,
			enabled = excluded.enabled,
			last_fired_at = excluded.last_fired_at,
			next_fire_at = excluded.next_fire_at,
			updated_at = excluded.updated_at
	`

	now := time.Now().UTC()
	if schedule.CreatedAt.IsZero() {
		schedule.CreatedAt = now
	}
	enabled := 0
	if schedule.Enabled {
		enabled = 1
	}

	_, err = b.db.ExecContext(ctx, query,
		schedule.Name, schedule.WorkflowName, nullString(schedule.Cron), int64(schedule.Every),
		nullBytes(inputJSON), enabled, formatTime(schedule.LastFiredAt), formatTime(schedule.NextFireAt),
		schedule.CreatedAt.Format(time.RFC3339Nano), now.Format(time.RFC3339Nano),
	)
	if err != nil {
		return fmt.Errorf("failed to save schedule: %w", err)
	}
	schedule.UpdatedAt = now
	return nil
}

// GetSchedule retrieves a schedule by name.
func (b *Backend) GetSchedule(ctx context.Context, name string) (*storage.Schedule, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name, workflow_name, cron, every, input, enabled, last_fired_at, next_fire_at, created_at, updated_at
			FROM schedules WHERE name = ?`, name)
	if err != nil {
		return nil, fmt.Errorf("failed to get schedule: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, &errors.NotFoundError{Resource: "schedule", ID: name}
	}
	return scanSchedule(rows)
}

// ListSchedules lists all schedules.
func (b *Backend) ListSchedules(ctx context.Context) ([]*storage.Schedule, error) {
	rows, err := b.db.QueryContext(ctx,
		`SELECT name, workflow_name, cron, every, input, enabled, last_fired_at, next_fire_at, created_at, updated_at
			FROM schedules ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("failed to list schedules: %w", err)
	}
	defer rows.Close()

	var schedules []*storage.Schedule
	for rows.Next() {
		schedule, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, schedule)
	}
	return schedules, rows.Err()
}

// DeleteSchedule removes a schedule by name.
func (b *Backend) DeleteSchedule(ctx context.Context, name string) error {
	_, err := b.db.ExecContext(ctx, `DELETE FROM schedules WHERE name = ?`, name)
	if err != nil {
		return fmt.Errorf("failed to delete schedule: %w", err)
	}
	return nil
}

// Ping reports backend health.
func (b *Backend) Ping(ctx context.Context) error {
	return b.db.PingContext(ctx)
}

// Close closes the database connection.
func (b *Backend) Close() error {
	return b.db.Close()
}

// Helper functions

type scanner interface {
	Scan(dest ...any) error
}

func scanRun(row scanner) (*storage.Run, error) {
	var run storage.Run
	var idempotencyKey, inputJSON, resultJSON, errorStr sql.NullString
	var parentRunID, continuedFrom, continuedTo, metadataJSON sql.NullString
	var startedAt, completedAt sql.NullString
	var createdAt, updatedAt string
	var recoverFlag int
	var maxDuration int64

	err := row.Scan(
		&run.ID, &run.WorkflowName, &run.Status, &idempotencyKey,
		&inputJSON, &resultJSON, &errorStr,
		&parentRunID, &run.NestingDepth, &run.RecoveryAttempts, &run.MaxRecoveryAttempts,
		&recoverFlag, &maxDuration, &continuedFrom, &continuedTo, &metadataJSON,
		&createdAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, err
	}

	run.IdempotencyKey = idempotencyKey.String
	run.Error = errorStr.String
	run.ParentRunID = parentRunID.String
	run.ContinuedFrom = continuedFrom.String
	run.ContinuedTo = continuedTo.String
	run.RecoverOnWorkerLoss = recoverFlag == 1
	run.MaxDuration = time.Duration(maxDuration)

	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &run.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &run.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	if metadataJSON.Valid && metadataJSON.String != "" {
		if err := json.Unmarshal([]byte(metadataJSON.String), &run.Metadata); err != nil {
			return nil, fmt.Errorf("failed to unmarshal metadata: %w", err)
		}
	}

	run.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	run.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if startedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, startedAt.String)
		run.StartedAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		run.CompletedAt = &t
	}

	return &run, nil
}

func scanEvent(row scanner) (*storage.Event, error) {
	var event storage.Event
	var timestamp string
	var dataJSON sql.NullString

	if err := row.Scan(&event.RunID, &event.Sequence, &event.ID, &event.Type, &timestamp, &dataJSON); err != nil {
		return nil, fmt.Errorf("failed to scan event: %w", err)
	}

	event.Timestamp, _ = time.Parse(time.RFC3339Nano, timestamp)
	if dataJSON.Valid && dataJSON.String != "" {
		if err := json.Unmarshal([]byte(dataJSON.String), &event.Data); err != nil {
			return nil, fmt.Errorf("failed to unmarshal event data: %w", err)
		}
	}
	return &event, nil
}

func scanStep(row scanner) (*storage.StepExecution, error) {
	var step storage.StepExecution
	var inputJSON, resultJSON, errorStr, retryAt, completedAt sql.NullString
	var startedAt, updatedAt string

	err := row.Scan(
		&step.RunID, &step.StepID, &step.Name, &step.Status, &step.Attempt, &step.MaxRetries,
		&inputJSON, &resultJSON, &errorStr, &retryAt, &startedAt, &completedAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan step: %w", err)
	}

	step.Error = errorStr.String
	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &step.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	if resultJSON.Valid && resultJSON.String != "" {
		if err := json.Unmarshal([]byte(resultJSON.String), &step.Result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal result: %w", err)
		}
	}
	step.StartedAt, _ = time.Parse(time.RFC3339Nano, startedAt)
	step.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if retryAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, retryAt.String)
		step.RetryAt = &t
	}
	if completedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, completedAt.String)
		step.CompletedAt = &t
	}
	return &step, nil
}

func scanHook(row scanner) (*storage.Hook, error) {
	var hook storage.Hook
	var payloadJSON, expiresAt, receivedAt sql.NullString
	var createdAt string

	err := row.Scan(
		&hook.RunID, &hook.HookID, &hook.Name, &hook.Token, &hook.Status,
		&payloadJSON, &expiresAt, &createdAt, &receivedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan hook: %w", err)
	}

	if payloadJSON.Valid && payloadJSON.String != "" {
		if err := json.Unmarshal([]byte(payloadJSON.String), &hook.Payload); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payload: %w", err)
		}
	}
	hook.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	if expiresAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, expiresAt.String)
		hook.ExpiresAt = &t
	}
	if receivedAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, receivedAt.String)
		hook.ReceivedAt = &t
	}
	return &hook, nil
}

func scanSchedule(row scanner) (*storage.Schedule, error) {
	var schedule storage.Schedule
	var cron, inputJSON, lastFiredAt, nextFireAt sql.NullString
	var createdAt, updatedAt string
	var every int64
	var enabled int

	err := row.Scan(
		&schedule.Name, &schedule.WorkflowName, &cron, &every, &inputJSON,
		&enabled, &lastFiredAt, &nextFireAt, &createdAt, &updatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan schedule: %w", err)
	}

	schedule.Cron = cron.String
	schedule.Every = time.Duration(every)
	schedule.Enabled = enabled == 1
	if inputJSON.Valid && inputJSON.String != "" {
		if err := json.Unmarshal([]byte(inputJSON.String), &schedule.Input); err != nil {
			return nil, fmt.Errorf("failed to unmarshal input: %w", err)
		}
	}
	schedule.CreatedAt, _ = time.Parse(time.RFC3339Nano, createdAt)
	schedule.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	if lastFiredAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, lastFiredAt.String)
		schedule.LastFiredAt = &t
	}
	if nextFireAt.Valid {
		t, _ := time.Parse(time.RFC3339Nano, nextFireAt.String)
		schedule.NextFireAt = &t
	}
	return &schedule, nil
}

// formatTime converts a *time.Time to an RFC3339 string or nil.
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

// nullBytes returns nil if byte slice is empty, otherwise the string representation.
func nullBytes(b []byte) any {
	if len(b) == 0 {
		return nil
	}
	return string(b)
}

// isUniqueViolation reports whether err is a SQLite unique constraint failure.
func isUniqueViolation(err error) bool {
	return err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed")
}

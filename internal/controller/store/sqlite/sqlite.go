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

// Package sqlite provides a SQLite-backed engine.Store for single-node
// deployments that need durability without running a separate database.
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/tombee/conductor/internal/controller/metrics"
	"github.com/tombee/conductor/pkg/engine"
	conductorerrors "github.com/tombee/conductor/pkg/errors"
)

var _ engine.Store = (*Store)(nil)

// Store is a SQLite-backed engine.Store.
type Store struct {
	db *sql.DB
}

// Config contains SQLite connection configuration.
type Config struct {
	// Path is the database file path (":memory:" for an ephemeral store).
	Path string
	// WAL enables Write-Ahead Logging for concurrent readers.
	WAL bool
}

// New opens (creating if necessary) a SQLite-backed store at cfg.Path.
func New(cfg Config) (*Store, error) {
	db, err := sql.Open("sqlite", cfg.Path)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	db.SetMaxOpenConns(1)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("ping sqlite: %w", err)
	}

	s := &Store{db: db}
	if err := s.configurePragmas(ctx, cfg.WAL); err != nil {
		db.Close()
		return nil, err
	}
	if err := s.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) configurePragmas(ctx context.Context, wal bool) error {
	pragmas := []string{
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
		"PRAGMA synchronous=NORMAL",
	}
	if wal {
		pragmas = append(pragmas, "PRAGMA journal_mode=WAL")
	}
	for _, p := range pragmas {
		if _, err := s.db.ExecContext(ctx, p); err != nil {
			return fmt.Errorf("pragma %q: %w", p, err)
		}
	}
	return nil
}

func (s *Store) migrate(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS processes (
			id TEXT PRIMARY KEY,
			workflow_key TEXT NOT NULL,
			workflow_digest TEXT NOT NULL,
			last_status TEXT NOT NULL,
			last_step TEXT,
			assignee TEXT,
			failed_reason TEXT,
			traceback TEXT,
			is_task INTEGER NOT NULL DEFAULT 0,
			created_by TEXT,
			created_at TIMESTAMP NOT NULL,
			last_modified_at TIMESTAMP NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_last_status ON processes(last_status)`,
		`CREATE INDEX IF NOT EXISTS idx_processes_workflow_key ON processes(workflow_key)`,
		`CREATE TABLE IF NOT EXISTS process_steps (
			process_id TEXT NOT NULL,
			seq INTEGER NOT NULL,
			name TEXT NOT NULL,
			status TEXT NOT NULL,
			state TEXT NOT NULL,
			created_by TEXT,
			executed_at TEXT NOT NULL,
			commit_hash TEXT,
			retries INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (process_id, seq),
			FOREIGN KEY (process_id) REFERENCES processes(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS process_subscriptions (
			process_id TEXT NOT NULL,
			subscription_id TEXT NOT NULL,
			PRIMARY KEY (process_id, subscription_id),
			FOREIGN KEY (process_id) REFERENCES processes(id) ON DELETE CASCADE
		)`,
		`CREATE TABLE IF NOT EXISTS engine_settings (
			id INTEGER PRIMARY KEY CHECK (id = 1),
			global_lock INTEGER NOT NULL DEFAULT 0,
			running_processes INTEGER NOT NULL DEFAULT 0
		)`,
		`INSERT OR IGNORE INTO engine_settings (id, global_lock, running_processes) VALUES (1, 0, 0)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("migrate: %w", err)
		}
	}
	return nil
}

// CreateProcess implements engine.ProcessStore.
func (s *Store) CreateProcess(ctx context.Context, p *engine.Process) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO processes (id, workflow_key, workflow_digest, last_status, last_step, assignee, failed_reason, traceback, is_task, created_by, created_at, last_modified_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		p.ID.String(), p.WorkflowKey, p.WorkflowDigest, string(p.LastStatus), p.LastStep, p.Assignee,
		p.FailedReason, p.Traceback, boolToInt(p.IsTask), p.CreatedBy, p.CreatedAt, p.LastModifiedAt)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "create_process", Cause: err}
	}
	return nil
}

// GetProcess implements engine.ProcessStore.
func (s *Store) GetProcess(ctx context.Context, id uuid.UUID) (*engine.Process, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT id, workflow_key, workflow_digest, last_status, last_step, assignee, failed_reason, traceback, is_task, created_by, created_at, last_modified_at
		FROM processes WHERE id = ?`, id.String())
	p, err := scanProcess(row)
	if err == sql.ErrNoRows {
		return nil, &conductorerrors.NotFoundError{Resource: "process", ID: id.String()}
	}
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Op: "get_process", Cause: err}
	}
	return p, nil
}

// UpdateProcess implements engine.ProcessStore.
func (s *Store) UpdateProcess(ctx context.Context, p *engine.Process) error {
	res, err := s.db.ExecContext(ctx, `
		UPDATE processes SET workflow_key=?, workflow_digest=?, last_status=?, last_step=?, assignee=?, failed_reason=?, traceback=?, is_task=?, last_modified_at=?
		WHERE id=?`,
		p.WorkflowKey, p.WorkflowDigest, string(p.LastStatus), p.LastStep, p.Assignee, p.FailedReason, p.Traceback,
		boolToInt(p.IsTask), p.LastModifiedAt, p.ID.String())
	if err != nil {
		metrics.RecordPersistenceError("update_process", classifyDBError(err))
		return &conductorerrors.DatabaseError{Op: "update_process", Cause: err}
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &conductorerrors.NotFoundError{Resource: "process", ID: p.ID.String()}
	}
	return nil
}

// DeleteProcess implements engine.ProcessStore.
func (s *Store) DeleteProcess(ctx context.Context, id uuid.UUID) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM processes WHERE id=?`, id.String()); err != nil {
		metrics.RecordPersistenceError("delete_process", classifyDBError(err))
		return &conductorerrors.DatabaseError{Op: "delete_process", Cause: err}
	}
	return nil
}

// classifyDBError buckets a driver error into the coarse categories
// metrics.RecordPersistenceError expects, so dashboards can distinguish a
// caller giving up from a genuine storage fault.
func classifyDBError(err error) string {
	switch {
	case errors.Is(err, context.Canceled):
		return "context_canceled"
	case errors.Is(err, context.DeadlineExceeded):
		return "context_deadline_exceeded"
	case errors.Is(err, sql.ErrConnDone):
		return "connection_closed"
	default:
		return "unknown"
	}
}

// ListProcesses implements engine.ProcessLister.
func (s *Store) ListProcesses(ctx context.Context, filter engine.ProcessFilter) ([]*engine.Process, int, error) {
	query := `SELECT id, workflow_key, workflow_digest, last_status, last_step, assignee, failed_reason, traceback, is_task, created_by, created_at, last_modified_at FROM processes WHERE 1=1`
	var args []any
	for field, val := range filter.Predicates {
		switch field {
		case "last_status", "workflow_key", "assignee":
			query += fmt.Sprintf(" AND %s = ?", field)
			args = append(args, val)
		}
	}

	var countQuery = "SELECT COUNT(*) FROM (" + query + ")"
	var total int
	if err := s.db.QueryRowContext(ctx, countQuery, args...).Scan(&total); err != nil {
		return nil, 0, &conductorerrors.DatabaseError{Op: "list_processes_count", Cause: err}
	}

	order := "DESC"
	if !filter.SortDescending {
		order = "ASC"
	}
	query += " ORDER BY last_modified_at " + order

	if filter.RangeEnd > filter.RangeStart {
		query += " LIMIT ? OFFSET ?"
		args = append(args, filter.RangeEnd-filter.RangeStart, filter.RangeStart)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, 0, &conductorerrors.DatabaseError{Op: "list_processes", Cause: err}
	}
	defer rows.Close()

	var out []*engine.Process
	for rows.Next() {
		p, err := scanProcess(rows)
		if err != nil {
			return nil, 0, &conductorerrors.DatabaseError{Op: "list_processes_scan", Cause: err}
		}
		out = append(out, p)
	}
	return out, total, rows.Err()
}

// AppendStep implements engine.StepStore.
func (s *Store) AppendStep(ctx context.Context, step *engine.ProcessStep) error {
	seq, err := s.nextSeq(ctx, step.ProcessID)
	if err != nil {
		return err
	}
	return s.insertStep(ctx, seq, step)
}

// ReplaceLastStep implements engine.StepStore.
func (s *Store) ReplaceLastStep(ctx context.Context, step *engine.ProcessStep) error {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM process_steps WHERE process_id=?`, step.ProcessID.String()).Scan(&seq)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "replace_last_step", Cause: err}
	}
	if !seq.Valid {
		return s.insertStep(ctx, 0, step)
	}
	state, err := json.Marshal(step.State)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "replace_last_step_marshal", Cause: err}
	}
	executed, err := json.Marshal(step.ExecutedAt)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "replace_last_step_marshal", Cause: err}
	}
	_, err = s.db.ExecContext(ctx, `
		UPDATE process_steps SET name=?, status=?, state=?, created_by=?, executed_at=?, commit_hash=?, retries=?
		WHERE process_id=? AND seq=?`,
		step.Name, string(step.Status), string(state), step.CreatedBy, string(executed), step.CommitHash, step.Retries,
		step.ProcessID.String(), seq.Int64)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "replace_last_step", Cause: err}
	}
	return nil
}

func (s *Store) nextSeq(ctx context.Context, processID uuid.UUID) (int64, error) {
	var seq sql.NullInt64
	err := s.db.QueryRowContext(ctx, `SELECT MAX(seq) FROM process_steps WHERE process_id=?`, processID.String()).Scan(&seq)
	if err != nil {
		return 0, &conductorerrors.DatabaseError{Op: "next_seq", Cause: err}
	}
	if !seq.Valid {
		return 0, nil
	}
	return seq.Int64 + 1, nil
}

func (s *Store) insertStep(ctx context.Context, seq int64, step *engine.ProcessStep) error {
	state, err := json.Marshal(step.State)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "insert_step_marshal", Cause: err}
	}
	executed, err := json.Marshal(step.ExecutedAt)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "insert_step_marshal", Cause: err}
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_steps (process_id, seq, name, status, state, created_by, executed_at, commit_hash, retries)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		step.ProcessID.String(), seq, step.Name, string(step.Status), string(state), step.CreatedBy,
		string(executed), step.CommitHash, step.Retries)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "insert_step", Cause: err}
	}
	return nil
}

// ListSteps implements engine.StepStore.
func (s *Store) ListSteps(ctx context.Context, processID uuid.UUID) ([]*engine.ProcessStep, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT process_id, name, status, state, created_by, executed_at, commit_hash, retries
		FROM process_steps WHERE process_id=? ORDER BY seq ASC`, processID.String())
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Op: "list_steps", Cause: err}
	}
	defer rows.Close()

	var out []*engine.ProcessStep
	for rows.Next() {
		step, err := scanStep(rows)
		if err != nil {
			return nil, &conductorerrors.DatabaseError{Op: "list_steps_scan", Cause: err}
		}
		out = append(out, step)
	}
	return out, rows.Err()
}

// LastStep implements engine.StepStore.
func (s *Store) LastStep(ctx context.Context, processID uuid.UUID) (*engine.ProcessStep, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT process_id, name, status, state, created_by, executed_at, commit_hash, retries
		FROM process_steps WHERE process_id=? ORDER BY seq DESC LIMIT 1`, processID.String())
	step, err := scanStep(row)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Op: "last_step", Cause: err}
	}
	return step, nil
}

// LinkSubscription implements engine.SubscriptionStore.
func (s *Store) LinkSubscription(ctx context.Context, link engine.ProcessSubscription) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO process_subscriptions (process_id, subscription_id) VALUES (?, ?)`,
		link.ProcessID.String(), link.SubscriptionID)
	if err != nil {
		return &conductorerrors.DatabaseError{Op: "link_subscription", Cause: err}
	}
	return nil
}

// ListSubscriptions implements engine.SubscriptionStore.
func (s *Store) ListSubscriptions(ctx context.Context, processID uuid.UUID) ([]engine.ProcessSubscription, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT process_id, subscription_id FROM process_subscriptions WHERE process_id=?`, processID.String())
	if err != nil {
		return nil, &conductorerrors.DatabaseError{Op: "list_subscriptions", Cause: err}
	}
	defer rows.Close()

	var out []engine.ProcessSubscription
	for rows.Next() {
		var pid string
		var link engine.ProcessSubscription
		if err := rows.Scan(&pid, &link.SubscriptionID); err != nil {
			return nil, &conductorerrors.DatabaseError{Op: "list_subscriptions_scan", Cause: err}
		}
		link.ProcessID, _ = uuid.Parse(pid)
		out = append(out, link)
	}
	return out, rows.Err()
}

// GetSettings implements engine.SettingsStore.
func (s *Store) GetSettings(ctx context.Context) (engine.EngineSettings, error) {
	var lock int
	var running int
	err := s.db.QueryRowContext(ctx, `SELECT global_lock, running_processes FROM engine_settings WHERE id=1`).Scan(&lock, &running)
	if err != nil {
		return engine.EngineSettings{}, &conductorerrors.DatabaseError{Op: "get_settings", Cause: err}
	}
	return engine.EngineSettings{GlobalLock: lock != 0, RunningProcesses: running}, nil
}

// WithLock implements engine.SettingsStore using a transaction around a
// SELECT immediately followed by an UPDATE: SQLite's single-writer
// model means this transaction already serializes with every other
// writer, giving the same effect a Postgres `SELECT ... FOR UPDATE`
// would inside its own transaction.
func (s *Store) WithLock(ctx context.Context, fn func(engine.EngineSettings) (engine.EngineSettings, error)) (engine.EngineSettings, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return engine.EngineSettings{}, &conductorerrors.DatabaseError{Op: "with_lock_begin", Cause: err}
	}
	defer tx.Rollback()

	var lock int
	var running int
	if err := tx.QueryRowContext(ctx, `SELECT global_lock, running_processes FROM engine_settings WHERE id=1`).Scan(&lock, &running); err != nil {
		return engine.EngineSettings{}, &conductorerrors.DatabaseError{Op: "with_lock_select", Cause: err}
	}
	current := engine.EngineSettings{GlobalLock: lock != 0, RunningProcesses: running}

	next, err := fn(current)
	if err != nil {
		return current, err
	}

	if _, err := tx.ExecContext(ctx, `UPDATE engine_settings SET global_lock=?, running_processes=? WHERE id=1`,
		boolToInt(next.GlobalLock), next.RunningProcesses); err != nil {
		return current, &conductorerrors.DatabaseError{Op: "with_lock_update", Cause: err}
	}
	if err := tx.Commit(); err != nil {
		return current, &conductorerrors.DatabaseError{Op: "with_lock_commit", Cause: err}
	}
	return next, nil
}

// Close implements io.Closer.
func (s *Store) Close() error { return s.db.Close() }

type rowScanner interface {
	Scan(dest ...any) error
}

func scanProcess(row rowScanner) (*engine.Process, error) {
	var p engine.Process
	var id, status string
	var lastStep, assignee, failedReason, traceback, createdBy sql.NullString
	var isTask int
	if err := row.Scan(&id, &p.WorkflowKey, &p.WorkflowDigest, &status, &lastStep, &assignee, &failedReason, &traceback, &isTask, &createdBy, &p.CreatedAt, &p.LastModifiedAt); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(id)
	if err != nil {
		return nil, err
	}
	p.ID = parsed
	p.LastStatus = engine.Status(status)
	p.LastStep = lastStep.String
	p.Assignee = assignee.String
	p.FailedReason = failedReason.String
	p.Traceback = traceback.String
	p.IsTask = isTask != 0
	p.CreatedBy = createdBy.String
	return &p, nil
}

func scanStep(row rowScanner) (*engine.ProcessStep, error) {
	var step engine.ProcessStep
	var pid, status, state, executed string
	var createdBy, commitHash sql.NullString
	if err := row.Scan(&pid, &step.Name, &status, &state, &createdBy, &executed, &commitHash, &step.Retries); err != nil {
		return nil, err
	}
	parsed, err := uuid.Parse(pid)
	if err != nil {
		return nil, err
	}
	step.ProcessID = parsed
	step.Status = engine.Status(status)
	step.CreatedBy = createdBy.String
	step.CommitHash = commitHash.String
	if err := json.Unmarshal([]byte(state), &step.State); err != nil {
		return nil, err
	}
	if err := json.Unmarshal([]byte(executed), &step.ExecutedAt); err != nil {
		return nil, err
	}
	return &step, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

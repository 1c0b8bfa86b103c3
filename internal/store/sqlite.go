package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/benchfleet/benchfleet/internal/model"

	_ "modernc.org/sqlite"
)

const createSuitesTable = `
CREATE TABLE IF NOT EXISTS suites (
    id                 TEXT PRIMARY KEY,
    author             TEXT NOT NULL,
    description        TEXT NOT NULL DEFAULT '',
    dockerfile         TEXT NOT NULL,
    params             TEXT NOT NULL DEFAULT '{}',
    cpu_limit          INTEGER NOT NULL,
    wall_clock_limit_s INTEGER NOT NULL,
    cpu_time_limit_s   INTEGER NOT NULL,
    memory_limit_bytes INTEGER NOT NULL,
    paused             INTEGER NOT NULL DEFAULT 0,
    created_at         DATETIME NOT NULL
)`

const createTasksTable = `
CREATE TABLE IF NOT EXISTS tasks (
    id               TEXT PRIMARY KEY,
    suite_id         TEXT NOT NULL REFERENCES suites(id) ON DELETE CASCADE,
    command          TEXT NOT NULL,
    state            TEXT NOT NULL,
    assignee         TEXT NOT NULL DEFAULT '',
    cancel_requested INTEGER NOT NULL DEFAULT 0,
    unschedulable    INTEGER NOT NULL DEFAULT 0,
    exit_code        INTEGER,
    output           TEXT NOT NULL DEFAULT '',
    output_truncated INTEGER NOT NULL DEFAULT 0,
    build_output     TEXT NOT NULL DEFAULT '',
    wall_time_us     INTEGER,
    cpu_time_us      INTEGER,
    mem_peak_bytes   INTEGER,
    timed_out        INTEGER NOT NULL DEFAULT 0,
    oom              INTEGER NOT NULL DEFAULT 0,
    fail_reason      TEXT NOT NULL DEFAULT '',
    artifact         BLOB,
    artifact_error   TEXT NOT NULL DEFAULT '',
    created_at       DATETIME NOT NULL,
    updated_at       DATETIME NOT NULL,
    assigned_at      DATETIME
)`

const taskColumns = `id, suite_id, command, state, assignee, cancel_requested,
	unschedulable, exit_code, output, output_truncated, build_output,
	wall_time_us, cpu_time_us, mem_peak_bytes, timed_out, oom, fail_reason,
	artifact, artifact_error, created_at, updated_at, assigned_at`

// Compile-time interface satisfaction check.
var _ Store = (*SQLiteStore)(nil)

// SQLiteStore implements Store using SQLite.
type SQLiteStore struct {
	db *sql.DB
}

// NewSQLiteStore opens the SQLite database at dbPath and runs migrations.
func NewSQLiteStore(dbPath string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}
	// A single connection sidesteps SQLITE_BUSY under write contention and
	// makes ":memory:" databases behave (each pooled connection would
	// otherwise get its own empty database).
	db.SetMaxOpenConns(1)

	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	} {
		if _, err := db.Exec(pragma); err != nil {
			db.Close()
			return nil, fmt.Errorf("%s: %w", pragma, err)
		}
	}

	for _, ddl := range []string{createSuitesTable, createTasksTable} {
		if _, err := db.Exec(ddl); err != nil {
			db.Close()
			return nil, fmt.Errorf("create table: %w", err)
		}
	}

	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database connection.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

// CreateSuite inserts the suite and one task per command in a single
// transaction. All tasks start in the created state.
func (s *SQLiteStore) CreateSuite(ctx context.Context, su *model.Suite, commands []string) ([]*model.Task, error) {
	params, err := json.Marshal(su.Env.Params)
	if err != nil {
		return nil, fmt.Errorf("marshal params: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO suites (
			id, author, description, dockerfile, params, cpu_limit,
			wall_clock_limit_s, cpu_time_limit_s, memory_limit_bytes,
			paused, created_at
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		su.ID, su.Author, su.Description, su.Env.Dockerfile, string(params),
		su.Env.CPULimit, su.Env.WallClockLimitS, su.Env.CPUTimeLimitS,
		su.Env.MemoryLimitBytes, su.Paused, su.CreatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("insert suite: %w", err)
	}

	tasks := make([]*model.Task, 0, len(commands))
	for _, cmd := range commands {
		t := &model.Task{
			ID:        model.NewID(),
			SuiteID:   su.ID,
			Command:   cmd,
			State:     model.StateCreated,
			CreatedAt: su.CreatedAt,
			UpdatedAt: su.CreatedAt,
		}
		_, err = tx.ExecContext(ctx,
			`INSERT INTO tasks (id, suite_id, command, state, created_at, updated_at)
			 VALUES (?, ?, ?, ?, ?, ?)`,
			t.ID, t.SuiteID, t.Command, t.State, t.CreatedAt, t.UpdatedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("insert task: %w", err)
		}
		tasks = append(tasks, t)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit suite: %w", err)
	}
	return tasks, nil
}

func (s *SQLiteStore) scanSuite(row *sql.Row) (*model.Suite, error) {
	su := &model.Suite{}
	var params string
	err := row.Scan(
		&su.ID, &su.Author, &su.Description, &su.Env.Dockerfile, &params,
		&su.Env.CPULimit, &su.Env.WallClockLimitS, &su.Env.CPUTimeLimitS,
		&su.Env.MemoryLimitBytes, &su.Paused, &su.CreatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan suite: %w", err)
	}
	if err := json.Unmarshal([]byte(params), &su.Env.Params); err != nil {
		return nil, fmt.Errorf("unmarshal params: %w", err)
	}
	return su, nil
}

// GetSuite retrieves a suite by ID.
func (s *SQLiteStore) GetSuite(ctx context.Context, id string) (*model.Suite, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT id, author, description, dockerfile, params, cpu_limit,
			wall_clock_limit_s, cpu_time_limit_s, memory_limit_bytes,
			paused, created_at
		FROM suites WHERE id = ?`, id)
	return s.scanSuite(row)
}

// ListSuites returns all suites, newest first.
func (s *SQLiteStore) ListSuites(ctx context.Context) ([]*model.Suite, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, author, description, dockerfile, params, cpu_limit,
			wall_clock_limit_s, cpu_time_limit_s, memory_limit_bytes,
			paused, created_at
		FROM suites ORDER BY created_at DESC, id DESC`)
	if err != nil {
		return nil, fmt.Errorf("list suites: %w", err)
	}
	defer rows.Close()

	var suites []*model.Suite
	for rows.Next() {
		su := &model.Suite{}
		var params string
		if err := rows.Scan(
			&su.ID, &su.Author, &su.Description, &su.Env.Dockerfile, &params,
			&su.Env.CPULimit, &su.Env.WallClockLimitS, &su.Env.CPUTimeLimitS,
			&su.Env.MemoryLimitBytes, &su.Paused, &su.CreatedAt,
		); err != nil {
			return nil, fmt.Errorf("scan suite: %w", err)
		}
		if err := json.Unmarshal([]byte(params), &su.Env.Params); err != nil {
			return nil, fmt.Errorf("unmarshal params: %w", err)
		}
		suites = append(suites, su)
	}
	return suites, rows.Err()
}

// SetSuitePaused flips the scheduling gate without touching task states.
func (s *SQLiteStore) SetSuitePaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE suites SET paused = ? WHERE id = ?", paused, id)
	if err != nil {
		return fmt.Errorf("set suite paused: %w", err)
	}
	return oneRow(res)
}

// DeleteSuite removes the suite; tasks go with it via the FK cascade.
func (s *SQLiteStore) DeleteSuite(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, "DELETE FROM suites WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("delete suite: %w", err)
	}
	return oneRow(res)
}

func scanTask(sc interface{ Scan(...any) error }) (*model.Task, error) {
	t := &model.Task{}
	var (
		exitCode   sql.NullInt64
		wallUS     sql.NullInt64
		cpuUS      sql.NullInt64
		memPeak    sql.NullInt64
		timedOut   bool
		oom        bool
		assignedAt sql.NullTime
	)
	err := sc.Scan(
		&t.ID, &t.SuiteID, &t.Command, &t.State, &t.Assignee,
		&t.CancelRequested, &t.Unschedulable, &exitCode, &t.Output,
		&t.OutputTruncated, &t.BuildOutput, &wallUS, &cpuUS, &memPeak,
		&timedOut, &oom, &t.FailReason, &t.Artifact, &t.ArtifactError,
		&t.CreatedAt, &t.UpdatedAt, &assignedAt,
	)
	if err != nil {
		return nil, err
	}
	if exitCode.Valid {
		v := int(exitCode.Int64)
		t.ExitCode = &v
	}
	if wallUS.Valid {
		t.Stats = &model.Stats{
			WallTimeUS:   wallUS.Int64,
			CPUTimeUS:    cpuUS.Int64,
			MemPeakBytes: memPeak.Int64,
			TimedOut:     timedOut,
			OOM:          oom,
		}
	}
	if assignedAt.Valid {
		t.AssignedAt = &assignedAt.Time
	}
	return t, nil
}

// GetTask retrieves a task by ID.
func (s *SQLiteStore) GetTask(ctx context.Context, id string) (*model.Task, error) {
	row := s.db.QueryRowContext(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE id = ?", id)
	t, err := scanTask(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("get task: %w", err)
	}
	return t, nil
}

func (s *SQLiteStore) queryTasks(ctx context.Context, query string, args ...any) ([]*model.Task, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*model.Task
	for rows.Next() {
		t, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		tasks = append(tasks, t)
	}
	return tasks, rows.Err()
}

// ListSuiteTasks returns the suite's tasks in creation order.
func (s *SQLiteStore) ListSuiteTasks(ctx context.Context, suiteID string) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE suite_id = ? ORDER BY created_at, id",
		suiteID)
}

// ListSchedulable returns pending tasks eligible for assignment, FIFO across
// suites by creation time. Paused suites, flagged tasks and tasks with a
// cancel request in flight are excluded.
func (s *SQLiteStore) ListSchedulable(ctx context.Context) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		`SELECT `+taskColumns+` FROM tasks
		WHERE state = ? AND unschedulable = 0 AND cancel_requested = 0
			AND suite_id IN (SELECT id FROM suites WHERE paused = 0)
		ORDER BY created_at, id`,
		model.StatePending)
}

// ListByState returns all tasks in the given state, oldest first.
func (s *SQLiteStore) ListByState(ctx context.Context, state string) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE state = ? ORDER BY created_at, id",
		state)
}

// ListCancelRequested returns assigned tasks whose cancel is awaiting a kill
// acknowledgment from the holding worker.
func (s *SQLiteStore) ListCancelRequested(ctx context.Context) ([]*model.Task, error) {
	return s.queryTasks(ctx,
		"SELECT "+taskColumns+" FROM tasks WHERE state = ? AND cancel_requested = 1 ORDER BY created_at, id",
		model.StateAssigned)
}

// PromotePending moves created tasks of non-paused suites to pending.
func (s *SQLiteStore) PromotePending(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, updated_at = ?
		WHERE state = ?
			AND suite_id IN (SELECT id FROM suites WHERE paused = 0)`,
		model.StatePending, time.Now().UTC(), model.StateCreated)
	if err != nil {
		return fmt.Errorf("promote created tasks: %w", err)
	}
	return nil
}

// AssignTask transitions a pending task to assigned. The state guard in the
// WHERE clause makes concurrent dispatch attempts race safely: exactly one
// wins, the rest get ErrInvalidTransition.
func (s *SQLiteStore) AssignTask(ctx context.Context, taskID, assignee string) error {
	now := time.Now().UTC()
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, assignee = ?, assigned_at = ?, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.StateAssigned, assignee, now, now, taskID, model.StatePending)
	if err != nil {
		return fmt.Errorf("assign task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, taskID); err != nil {
			return err
		}
		return ErrInvalidTransition
	}
	return nil
}

// RequeueTask gives an assigned task back to the pending queue, clearing the
// assignee.
func (s *SQLiteStore) RequeueTask(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE tasks SET state = ?, assignee = '', assigned_at = NULL, updated_at = ?
		WHERE id = ? AND state = ?`,
		model.StatePending, time.Now().UTC(), taskID, model.StateAssigned)
	if err != nil {
		return fmt.Errorf("requeue task: %w", err)
	}
	return oneRow(res)
}

// MarkUnschedulable flags a pending task whose request exceeds every worker's
// total capacity. The flag keeps the dispatcher from retrying it forever.
func (s *SQLiteStore) MarkUnschedulable(ctx context.Context, taskID string) error {
	res, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET unschedulable = 1, updated_at = ? WHERE id = ? AND state = ?",
		time.Now().UTC(), taskID, model.StatePending)
	if err != nil {
		return fmt.Errorf("mark unschedulable: %w", err)
	}
	return oneRow(res)
}

// ClearUnschedulable re-arms flagged pending tasks for admission re-check.
func (s *SQLiteStore) ClearUnschedulable(ctx context.Context) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET unschedulable = 0 WHERE unschedulable = 1 AND state = ?",
		model.StatePending)
	if err != nil {
		return fmt.Errorf("clear unschedulable: %w", err)
	}
	return nil
}

// RequestCancel marks cancel intent and returns the task's state afterwards.
// Tasks not yet handed to a worker are cancelled on the spot; assigned tasks
// only get the marker — the terminal transition waits for the kill ack.
func (s *SQLiteStore) RequestCancel(ctx context.Context, taskID string) (string, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var state string
	err = tx.QueryRowContext(ctx, "SELECT state FROM tasks WHERE id = ?", taskID).Scan(&state)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("read task state: %w", err)
	}

	now := time.Now().UTC()
	switch state {
	case model.StateCreated, model.StatePending:
		_, err = tx.ExecContext(ctx,
			`UPDATE tasks SET state = ?, fail_reason = ?, cancel_requested = 1,
				assignee = '', updated_at = ? WHERE id = ?`,
			model.StateCancelled, model.ReasonCancelled, now, taskID)
		state = model.StateCancelled
	case model.StateAssigned:
		_, err = tx.ExecContext(ctx,
			"UPDATE tasks SET cancel_requested = 1, updated_at = ? WHERE id = ?",
			now, taskID)
	default:
		// Already terminal; nothing to do.
	}
	if err != nil {
		return "", fmt.Errorf("request cancel: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit cancel: %w", err)
	}
	return state, nil
}

// CompleteTask applies a terminal report. The WHERE guard (assigned state
// plus, for worker reports, the matching assignee) makes the operation
// exactly-once: duplicates and reports from a worker that no longer holds
// the task affect zero rows and come back as ErrStaleReport.
func (s *SQLiteStore) CompleteTask(ctx context.Context, rep TerminalReport) error {
	if !model.Terminal(rep.State) {
		return ErrInvalidTransition
	}

	var (
		exitCode               any
		wallUS, cpuUS, memPeak any
		timedOut, oom          bool
	)
	if rep.ExitCode != nil {
		exitCode = *rep.ExitCode
	}
	if rep.Stats != nil {
		wallUS = rep.Stats.WallTimeUS
		cpuUS = rep.Stats.CPUTimeUS
		memPeak = rep.Stats.MemPeakBytes
		timedOut = rep.Stats.TimedOut
		oom = rep.Stats.OOM
	}

	query := `UPDATE tasks SET state = ?, assignee = '', exit_code = ?,
		output = ?, output_truncated = ?, build_output = ?,
		wall_time_us = ?, cpu_time_us = ?, mem_peak_bytes = ?,
		timed_out = ?, oom = ?, fail_reason = ?, artifact = ?,
		artifact_error = ?, updated_at = ?
	WHERE id = ? AND state = ?`
	args := []any{
		rep.State, exitCode, rep.Output, rep.OutputTruncated, rep.BuildOutput,
		wallUS, cpuUS, memPeak, timedOut, oom, rep.FailReason, rep.Artifact,
		rep.ArtifactError, time.Now().UTC(), rep.TaskID, model.StateAssigned,
	}
	if rep.Assignee != "" {
		query += " AND assignee = ?"
		args = append(args, rep.Assignee)
	}

	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("complete task: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		if _, err := s.GetTask(ctx, rep.TaskID); err != nil {
			return err
		}
		return ErrStaleReport
	}
	return nil
}

// TouchTask refreshes updated_at on an assigned task.
func (s *SQLiteStore) TouchTask(ctx context.Context, taskID string) error {
	_, err := s.db.ExecContext(ctx,
		"UPDATE tasks SET updated_at = ? WHERE id = ? AND state = ?",
		time.Now().UTC(), taskID, model.StateAssigned)
	if err != nil {
		return fmt.Errorf("touch task: %w", err)
	}
	return nil
}

func oneRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("check rows affected: %w", err)
	}
	if n == 0 {
		return ErrNotFound
	}
	return nil
}

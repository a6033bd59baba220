package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"regexp"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/directorybolt/submitd/internal/pipeline"
)

var validTableName = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresConfig controls the connection pool backing the task store.
type PostgresConfig struct {
	DSN             string
	TasksTable      string
	ResultsTable    string
	MaxConns        int32
	MaxConnLifetime time.Duration
}

type queryCloser interface {
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Close()
}

// PostgresStore persists tasks and results in Postgres.
type PostgresStore struct {
	pool         queryCloser
	tasksTable   string
	resultsTable string
}

// NewPostgresStore creates a Postgres-backed TaskStore.
func NewPostgresStore(ctx context.Context, cfg PostgresConfig) (*PostgresStore, error) {
	if cfg.DSN == "" {
		return nil, fmt.Errorf("db.dsn is required")
	}
	poolCfg, err := pgxpool.ParseConfig(cfg.DSN)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	if cfg.MaxConns > 0 {
		poolCfg.MaxConns = cfg.MaxConns
	}
	if cfg.MaxConnLifetime > 0 {
		poolCfg.MaxConnLifetime = cfg.MaxConnLifetime
	}
	pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return NewPostgresStoreWithPool(pool, cfg.TasksTable, cfg.ResultsTable)
}

// NewPostgresStoreWithPool constructs a store from an existing pool
// (primarily for testing).
func NewPostgresStoreWithPool(pool queryCloser, tasksTable, resultsTable string) (*PostgresStore, error) {
	if pool == nil {
		return nil, fmt.Errorf("pool is required")
	}
	if tasksTable == "" {
		tasksTable = "submission_tasks"
	}
	if resultsTable == "" {
		resultsTable = "submission_results"
	}
	for _, table := range []string{tasksTable, resultsTable} {
		if !validTableName.MatchString(table) {
			return nil, fmt.Errorf("invalid table name %q", table)
		}
	}
	return &PostgresStore{pool: pool, tasksTable: tasksTable, resultsTable: resultsTable}, nil
}

// Close releases the underlying pool resources.
func (s *PostgresStore) Close() {
	if s == nil || s.pool == nil {
		return
	}
	s.pool.Close()
}

// CreateTask inserts a task. The partial unique index on
// (customer_id, directory_id) for non-terminal states enforces the
// one-active-task-per-pair rule; a conflict maps to ErrDuplicateTask.
func (s *PostgresStore) CreateTask(ctx context.Context, task pipeline.SubmissionTask) error {
	directoryJSON, err := json.Marshal(task.Directory)
	if err != nil {
		return fmt.Errorf("marshal directory snapshot: %w", err)
	}
	profileJSON, err := json.Marshal(task.Profile)
	if err != nil {
		return fmt.Errorf("marshal profile snapshot: %w", err)
	}
	var mappingJSON []byte
	if task.Mapping != nil {
		mappingJSON, err = json.Marshal(task.Mapping)
		if err != nil {
			return fmt.Errorf("marshal mapping: %w", err)
		}
	}
	query := fmt.Sprintf(`INSERT INTO %s (id, customer_id, directory_id, directory, profile,
		mapping, state, attempts, last_error, created_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10)`, s.tasksTable)
	_, err = s.pool.Exec(ctx, query,
		task.ID, task.CustomerID, task.DirectoryID, directoryJSON, profileJSON,
		mappingJSON, string(task.State), task.Attempts, task.LastError, task.CreatedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return pipeline.ErrDuplicateTask
		}
		return fmt.Errorf("create task %q: %w", task.ID, err)
	}
	return nil
}

// UpdateTask transitions a task's state. Terminal states stamp completed_at.
func (s *PostgresStore) UpdateTask(ctx context.Context, taskID string, state pipeline.TaskState, lastError string, attempts int) error {
	query := fmt.Sprintf(`UPDATE %s SET state = $2, last_error = $3, attempts = $4,
		completed_at = CASE WHEN $5 AND completed_at IS NULL THEN now() ELSE completed_at END
		WHERE id = $1`, s.tasksTable)
	tag, err := s.pool.Exec(ctx, query, taskID, string(state), lastError, attempts, state.IsTerminal())
	if err != nil {
		return fmt.Errorf("update task %q: %w", taskID, err)
	}
	if tag.RowsAffected() == 0 {
		return pipeline.ErrTaskNotFound
	}
	return nil
}

// GetTask returns a task by ID.
func (s *PostgresStore) GetTask(ctx context.Context, taskID string) (pipeline.SubmissionTask, error) {
	query := fmt.Sprintf(`SELECT id, customer_id, directory_id, directory, profile, mapping,
		state, attempts, last_error, created_at, completed_at
		FROM %s WHERE id = $1`, s.tasksTable)
	task, err := scanTask(s.pool.QueryRow(ctx, query, taskID))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return pipeline.SubmissionTask{}, pipeline.ErrTaskNotFound
		}
		return pipeline.SubmissionTask{}, fmt.Errorf("get task %q: %w", taskID, err)
	}
	return task, nil
}

// ListTasks returns a customer's tasks ordered by creation time.
func (s *PostgresStore) ListTasks(ctx context.Context, customerID string) ([]pipeline.SubmissionTask, error) {
	query := fmt.Sprintf(`SELECT id, customer_id, directory_id, directory, profile, mapping,
		state, attempts, last_error, created_at, completed_at
		FROM %s WHERE customer_id = $1 ORDER BY created_at, id`, s.tasksTable)
	rows, err := s.pool.Query(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("list tasks: %w", err)
	}
	defer rows.Close()

	var out []pipeline.SubmissionTask
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("scan task: %w", err)
		}
		out = append(out, task)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate tasks: %w", err)
	}
	return out, nil
}

// RecordResult appends the audit record. The primary key on task_id keeps it
// exactly once.
func (s *PostgresStore) RecordResult(ctx context.Context, result pipeline.SubmissionResult) error {
	query := fmt.Sprintf(`INSERT INTO %s (task_id, customer_id, directory_id, state, success,
		fields_completed, captcha_solved, processing_time_ms, cost, failure_reason,
		receipt_uri, recorded_at)
		VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12)`, s.resultsTable)
	_, err := s.pool.Exec(ctx, query,
		result.TaskID, result.CustomerID, result.DirectoryID, string(result.State), result.Success,
		result.FieldsCompleted, result.CaptchaSolved, result.ProcessingTimeMs, result.Cost,
		result.FailureReason, result.ReceiptURI, result.RecordedAt,
	)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return pipeline.ErrResultExists
		}
		return fmt.Errorf("record result for task %q: %w", result.TaskID, err)
	}
	return nil
}

// ListResults returns a customer's results ordered by record time.
func (s *PostgresStore) ListResults(ctx context.Context, customerID string) ([]pipeline.SubmissionResult, error) {
	query := fmt.Sprintf(`SELECT task_id, customer_id, directory_id, state, success,
		fields_completed, captcha_solved, processing_time_ms, cost, failure_reason,
		receipt_uri, recorded_at
		FROM %s WHERE customer_id = $1 ORDER BY recorded_at, task_id`, s.resultsTable)
	rows, err := s.pool.Query(ctx, query, customerID)
	if err != nil {
		return nil, fmt.Errorf("list results: %w", err)
	}
	defer rows.Close()

	var out []pipeline.SubmissionResult
	for rows.Next() {
		var (
			r     pipeline.SubmissionResult
			state string
		)
		err := rows.Scan(
			&r.TaskID, &r.CustomerID, &r.DirectoryID, &state, &r.Success,
			&r.FieldsCompleted, &r.CaptchaSolved, &r.ProcessingTimeMs, &r.Cost,
			&r.FailureReason, &r.ReceiptURI, &r.RecordedAt,
		)
		if err != nil {
			return nil, fmt.Errorf("scan result: %w", err)
		}
		r.State = pipeline.TaskState(state)
		out = append(out, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate results: %w", err)
	}
	return out, nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanTask(row rowScanner) (pipeline.SubmissionTask, error) {
	var (
		task          pipeline.SubmissionTask
		directoryJSON []byte
		profileJSON   []byte
		mappingJSON   []byte
		state         string
	)
	err := row.Scan(
		&task.ID, &task.CustomerID, &task.DirectoryID, &directoryJSON, &profileJSON,
		&mappingJSON, &state, &task.Attempts, &task.LastError, &task.CreatedAt, &task.CompletedAt,
	)
	if err != nil {
		return pipeline.SubmissionTask{}, err
	}
	task.State = pipeline.TaskState(state)
	if err := json.Unmarshal(directoryJSON, &task.Directory); err != nil {
		return pipeline.SubmissionTask{}, fmt.Errorf("decode directory snapshot: %w", err)
	}
	if err := json.Unmarshal(profileJSON, &task.Profile); err != nil {
		return pipeline.SubmissionTask{}, fmt.Errorf("decode profile snapshot: %w", err)
	}
	if len(mappingJSON) > 0 {
		var m pipeline.FormFieldMapping
		if err := json.Unmarshal(mappingJSON, &m); err != nil {
			return pipeline.SubmissionTask{}, fmt.Errorf("decode mapping: %w", err)
		}
		task.Mapping = &m
	}
	return task, nil
}

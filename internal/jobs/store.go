package jobs

import (
	"context"
	"database/sql"
	_ "embed"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

//go:embed schema.sql
var schemaSQL string

// Schema version tracking:
// 1 - jobs and job_errors tables
const currentSchemaVersion = 1

// ErrNotFound is returned when a job id has no record.
var ErrNotFound = errors.New("jobs: job not found")

// Job counts the outcomes of the updates that carried its id.
type Job struct {
	ID           string
	SuccessCount int
	ErrorCount   int
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

// JobError records one update that could not be applied.
type JobError struct {
	JobID      string
	Update     []byte
	Message    string
	StatusCode int
	CreatedAt  time.Time
}

// Tracker is the bookkeeping surface workers report to.
type Tracker interface {
	IncrementSuccess(ctx context.Context, id string) error
	AddError(ctx context.Context, id string, jobErr JobError) error
}

// Store persists jobs in SQLite.
type Store struct {
	db  *sql.DB
	now func() time.Time
}

// Open creates or opens the job database at path. Pragmas and schema are
// applied on every open.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path)
	if err != nil {
		return nil, fmt.Errorf("jobs: open database: %w", err)
	}
	if err := db.Ping(); err != nil {
		db.Close()
		return nil, fmt.Errorf("jobs: connect database: %w", err)
	}

	// SQLite allows a single writer.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)

	if err := applyPragmas(db); err != nil {
		db.Close()
		return nil, err
	}
	if err := applySchema(db); err != nil {
		db.Close()
		return nil, err
	}
	return &Store{db: db, now: time.Now}, nil
}

// Close closes the database.
func (s *Store) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Create registers a new job with a random id.
func (s *Store) Create(ctx context.Context) (Job, error) {
	now := s.now().UTC()
	job := Job{ID: uuid.NewString(), CreatedAt: now, UpdatedAt: now}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO jobs (id, success_count, error_count, created_at, updated_at) VALUES (?, 0, 0, ?, ?)`,
		job.ID, now.UnixNano(), now.UnixNano())
	if err != nil {
		return Job{}, fmt.Errorf("jobs: create: %w", err)
	}
	return job, nil
}

// Get loads a job by id.
func (s *Store) Get(ctx context.Context, id string) (Job, error) {
	var (
		job              Job
		created, updated int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, success_count, error_count, created_at, updated_at FROM jobs WHERE id = ?`, id).
		Scan(&job.ID, &job.SuccessCount, &job.ErrorCount, &created, &updated)
	if errors.Is(err, sql.ErrNoRows) {
		return Job{}, fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if err != nil {
		return Job{}, fmt.Errorf("jobs: get %s: %w", id, err)
	}
	job.CreatedAt = time.Unix(0, created).UTC()
	job.UpdatedAt = time.Unix(0, updated).UTC()
	return job, nil
}

// IncrementSuccess bumps the success counter. An empty id is a no-op.
func (s *Store) IncrementSuccess(ctx context.Context, id string) error {
	if id == "" {
		return nil
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE jobs SET success_count = success_count + 1, updated_at = ? WHERE id = ?`,
		s.now().UTC().UnixNano(), id)
	if err != nil {
		return fmt.Errorf("jobs: increment success %s: %w", id, err)
	}
	return requireRow(res, id)
}

// AddError stores jobErr and bumps the error counter in one transaction. An
// empty id is a no-op.
func (s *Store) AddError(ctx context.Context, id string, jobErr JobError) (err error) {
	if id == "" {
		return nil
	}
	now := s.now().UTC().UnixNano()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("jobs: begin: %w", err)
	}
	defer func() {
		if err != nil {
			_ = tx.Rollback()
		}
	}()

	res, err := tx.ExecContext(ctx,
		`UPDATE jobs SET error_count = error_count + 1, updated_at = ? WHERE id = ?`, now, id)
	if err != nil {
		return fmt.Errorf("jobs: add error %s: %w", id, err)
	}
	if err = requireRow(res, id); err != nil {
		return err
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO job_errors (job_id, request, message, status_code, created_at) VALUES (?, ?, ?, ?, ?)`,
		id, string(jobErr.Update), jobErr.Message, jobErr.StatusCode, now)
	if err != nil {
		return fmt.Errorf("jobs: insert error %s: %w", id, err)
	}

	if err = tx.Commit(); err != nil {
		return fmt.Errorf("jobs: commit: %w", err)
	}
	return nil
}

// Errors lists the recorded errors of a job, oldest first.
func (s *Store) Errors(ctx context.Context, id string) ([]JobError, error) {
	if _, err := s.Get(ctx, id); err != nil {
		return nil, err
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT job_id, request, message, status_code, created_at FROM job_errors WHERE job_id = ? ORDER BY id`, id)
	if err != nil {
		return nil, fmt.Errorf("jobs: list errors %s: %w", id, err)
	}
	defer rows.Close()

	var out []JobError
	for rows.Next() {
		var (
			je      JobError
			request string
			created int64
		)
		if err := rows.Scan(&je.JobID, &request, &je.Message, &je.StatusCode, &created); err != nil {
			return nil, fmt.Errorf("jobs: scan error: %w", err)
		}
		je.Update = []byte(request)
		je.CreatedAt = time.Unix(0, created).UTC()
		out = append(out, je)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("jobs: iterate errors: %w", err)
	}
	return out, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("jobs: rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	return nil
}

func applyPragmas(db *sql.DB) error {
	pragmas := []string{
		"PRAGMA journal_mode = WAL",
		"PRAGMA synchronous = NORMAL",
		"PRAGMA busy_timeout = 5000",
		"PRAGMA foreign_keys = ON",
	}
	for _, pragma := range pragmas {
		if _, err := db.Exec(pragma); err != nil {
			return fmt.Errorf("jobs: execute %q: %w", pragma, err)
		}
	}
	return nil
}

func applySchema(db *sql.DB) error {
	if _, err := db.Exec(schemaSQL); err != nil {
		return fmt.Errorf("jobs: apply schema: %w", err)
	}
	if _, err := db.Exec(fmt.Sprintf("PRAGMA user_version = %d", currentSchemaVersion)); err != nil {
		return fmt.Errorf("jobs: set user_version: %w", err)
	}
	return nil
}

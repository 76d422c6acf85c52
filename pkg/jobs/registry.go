// Package jobs orchestrates the analysis pipeline: a sqlite-backed job
// registry plus a state machine that advances each analysis through
// extraction, detection, and reporting with retry and crash resume.
package jobs

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	_ "modernc.org/sqlite"
)

// JobState is the binary lifecycle of a job.
type JobState string

const (
	JobQueued  JobState = "queued"
	JobRunning JobState = "running"
	JobDone    JobState = "done"
	JobError   JobState = "error"
)

// Job is one processing attempt chain for an analysis.
type Job struct {
	ID          string     `json:"id"`
	AnalysisID  string     `json:"analysis_id"`
	State       JobState   `json:"state"`
	ErrorReason string     `json:"error_reason,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	FinishedAt  *time.Time `json:"finished_at,omitempty"`
}

// ErrJobNotFound is returned for unknown job ids.
var ErrJobNotFound = errors.New("job not found")

// Registry persists jobs in sqlite.
type Registry struct {
	db *sql.DB
}

// OpenDB opens (or creates) the sqlite database at path.
func OpenDB(path string) (*sql.DB, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("open job db: %w", err)
	}
	return db, nil
}

// NewRegistry migrates and wraps the database.
func NewRegistry(db *sql.DB) (*Registry, error) {
	r := &Registry{db: db}
	if err := r.migrate(); err != nil {
		return nil, err
	}
	return r, nil
}

func (r *Registry) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS jobs (
		job_id TEXT PRIMARY KEY,
		analysis_id TEXT NOT NULL,
		state TEXT NOT NULL,
		error_reason TEXT NOT NULL DEFAULT '',
		created_at DATETIME NOT NULL,
		started_at DATETIME,
		finished_at DATETIME
	);
	CREATE INDEX IF NOT EXISTS idx_jobs_analysis ON jobs(analysis_id);`
	_, err := r.db.ExecContext(context.Background(), query)
	if err != nil {
		return fmt.Errorf("migrate jobs: %w", err)
	}
	return nil
}

// Create inserts a queued job.
func (r *Registry) Create(ctx context.Context, j *Job) error {
	query := `INSERT INTO jobs (job_id, analysis_id, state, error_reason, created_at)
		VALUES (?, ?, ?, ?, ?)`
	_, err := r.db.ExecContext(ctx, query,
		j.ID, j.AnalysisID, string(j.State), j.ErrorReason, j.CreatedAt.UTC().Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("insert job: %w", err)
	}
	return nil
}

// Get reads one job.
func (r *Registry) Get(ctx context.Context, jobID string) (*Job, error) {
	query := `SELECT job_id, analysis_id, state, error_reason, created_at, started_at, finished_at
		FROM jobs WHERE job_id = ?`
	row := r.db.QueryRowContext(ctx, query, jobID)

	var j Job
	var state, createdAt string
	var startedAt, finishedAt sql.NullString
	err := row.Scan(&j.ID, &j.AnalysisID, &state, &j.ErrorReason, &createdAt, &startedAt, &finishedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrJobNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("scan job: %w", err)
	}
	j.State = JobState(state)
	if j.CreatedAt, err = time.Parse(time.RFC3339Nano, createdAt); err != nil {
		return nil, fmt.Errorf("job %s created_at: %w", jobID, err)
	}
	if startedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, startedAt.String)
		if err != nil {
			return nil, fmt.Errorf("job %s started_at: %w", jobID, err)
		}
		j.StartedAt = &t
	}
	if finishedAt.Valid {
		t, err := time.Parse(time.RFC3339Nano, finishedAt.String)
		if err != nil {
			return nil, fmt.Errorf("job %s finished_at: %w", jobID, err)
		}
		j.FinishedAt = &t
	}
	return &j, nil
}

// MarkRunning transitions queued -> running.
func (r *Registry) MarkRunning(ctx context.Context, jobID string, at time.Time) error {
	return r.update(ctx,
		`UPDATE jobs SET state = ?, started_at = ? WHERE job_id = ?`,
		string(JobRunning), at.UTC().Format(time.RFC3339Nano), jobID)
}

// MarkDone transitions running -> done.
func (r *Registry) MarkDone(ctx context.Context, jobID string, at time.Time) error {
	return r.update(ctx,
		`UPDATE jobs SET state = ?, finished_at = ? WHERE job_id = ?`,
		string(JobDone), at.UTC().Format(time.RFC3339Nano), jobID)
}

// MarkError transitions to the terminal error state with a reason.
func (r *Registry) MarkError(ctx context.Context, jobID, reason string, at time.Time) error {
	return r.update(ctx,
		`UPDATE jobs SET state = ?, error_reason = ?, finished_at = ? WHERE job_id = ?`,
		string(JobError), reason, at.UTC().Format(time.RFC3339Nano), jobID)
}

func (r *Registry) update(ctx context.Context, query string, args ...any) error {
	res, err := r.db.ExecContext(ctx, query, args...)
	if err != nil {
		return fmt.Errorf("update job: %w", err)
	}
	if n, err := res.RowsAffected(); err == nil && n == 0 {
		return ErrJobNotFound
	}
	return nil
}

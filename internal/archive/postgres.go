// Package archive persists pruned terminal job records to Postgres so that
// retention sweeps do not erase the audit trail. The archive is advisory:
// callers treat failures as degraded observability, never as processing
// errors.
package archive

import (
	"context"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/Smile2578/anabai-queue/internal/jobs"
)

//go:embed migrations/*.sql
var migrationFiles embed.FS

// Store wraps pgxpool for the job archive.
type Store struct {
	pool *pgxpool.Pool
}

// New creates a pooled connection to Postgres.
func New(ctx context.Context, dsn string) (*Store, error) {
	cfg, err := pgxpool.ParseConfig(dsn)
	if err != nil {
		return nil, fmt.Errorf("parse postgres dsn: %w", err)
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	return &Store{pool: pool}, nil
}

// Close releases the connection pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// RunMigrations executes the embedded SQL migrations in order.
func (s *Store) RunMigrations(ctx context.Context) error {
	entries, err := migrationFiles.ReadDir("migrations")
	if err != nil {
		return fmt.Errorf("read migrations dir: %w", err)
	}
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		content, err := migrationFiles.ReadFile("migrations/" + e.Name())
		if err != nil {
			return fmt.Errorf("read migration %s: %w", e.Name(), err)
		}
		sql := strings.TrimSpace(string(content))
		if sql == "" {
			continue
		}
		if _, err := s.pool.Exec(ctx, sql); err != nil {
			return fmt.Errorf("exec migration %s: %w", e.Name(), err)
		}
	}
	return nil
}

// ArchiveJobs inserts a batch of terminal job records. Re-archiving the same
// job id is a no-op, so the retention sweep stays idempotent.
func (s *Store) ArchiveJobs(ctx context.Context, batch []jobs.Job) error {
	if len(batch) == 0 {
		return nil
	}
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback(ctx) // safe no-op on commit

	for _, job := range batch {
		var lastError []byte
		if job.LastError != nil {
			lastError, err = json.Marshal(job.LastError)
			if err != nil {
				return fmt.Errorf("marshal last error: %w", err)
			}
		}
		_, err = tx.Exec(ctx, `
			INSERT INTO job_archive (id, queue_name, payload, state, attempts, max_attempts, last_error, result, created_at, processed_at, finished_at, archived_at)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, NOW())
			ON CONFLICT (id) DO NOTHING
		`, job.ID, job.QueueName, []byte(job.Payload), string(job.State), job.AttemptsMade, job.MaxAttempts,
			lastError, []byte(job.Result), job.CreatedAt, job.ProcessedAt, job.FinishedAt)
		if err != nil {
			return fmt.Errorf("insert archived job %s: %w", job.ID, err)
		}
	}
	return tx.Commit(ctx)
}

// GetJob fetches an archived job by id.
func (s *Store) GetJob(ctx context.Context, id string) (jobs.Job, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, queue_name, payload, state, attempts, max_attempts, last_error, result, created_at, processed_at, finished_at
		FROM job_archive WHERE id = $1
	`, id)
	job, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return jobs.Job{}, fmt.Errorf("archived job %s: %w", id, jobs.ErrNotFound)
	}
	if err != nil {
		return jobs.Job{}, fmt.Errorf("scan archived job: %w", err)
	}
	return job, nil
}

// ListJobs returns archived jobs for one queue, most recently finished first.
func (s *Store) ListJobs(ctx context.Context, queueName string, limit int) ([]jobs.Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := s.pool.Query(ctx, `
		SELECT id, queue_name, payload, state, attempts, max_attempts, last_error, result, created_at, processed_at, finished_at
		FROM job_archive WHERE queue_name = $1
		ORDER BY finished_at DESC NULLS LAST
		LIMIT $2
	`, queueName, limit)
	if err != nil {
		return nil, fmt.Errorf("query archive: %w", err)
	}
	defer rows.Close()

	var out []jobs.Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan archived job: %w", err)
		}
		out = append(out, job)
	}
	return out, rows.Err()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanJob(row rowScanner) (jobs.Job, error) {
	var job jobs.Job
	var payload, lastError, result []byte
	var state string
	var processedAt, finishedAt *time.Time

	if err := row.Scan(&job.ID, &job.QueueName, &payload, &state, &job.AttemptsMade, &job.MaxAttempts,
		&lastError, &result, &job.CreatedAt, &processedAt, &finishedAt); err != nil {
		return jobs.Job{}, err
	}
	job.State = jobs.State(state)
	job.Payload = json.RawMessage(payload)
	if len(result) > 0 {
		job.Result = json.RawMessage(result)
	}
	if len(lastError) > 0 {
		var failure jobs.FailureInfo
		if err := json.Unmarshal(lastError, &failure); err == nil {
			job.LastError = &failure
		}
	}
	job.ProcessedAt = processedAt
	job.FinishedAt = finishedAt
	return job, nil
}

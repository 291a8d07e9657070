package postgres

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/lib/pq"

	"finsync/internal/domain/job"
)

// JobRepository is the durable job table. Inserts notify JobsChannel so
// idle dispatchers wake before their next poll.
type JobRepository struct {
	db *DB
}

var _ job.Repository = (*JobRepository)(nil)

func NewJobRepository(db *DB) *JobRepository {
	return &JobRepository{db: db}
}

const jobColumns = `id, kind, payload, status, attempts, run_at, locked_at, locked_by, last_error, created_at, updated_at`

func scanJob(row rowScanner) (*job.Job, error) {
	var j job.Job
	var kind, status string
	var payload []byte
	var lockedAt sql.NullTime
	var lockedBy, lastError sql.NullString

	err := row.Scan(&j.ID, &kind, &payload, &status, &j.Attempts, &j.RunAt,
		&lockedAt, &lockedBy, &lastError, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	j.Kind = job.Kind(kind)
	j.Status = job.Status(status)
	j.Payload = payload
	j.LockedAt = timePtr(lockedAt)
	j.LockedBy = stringPtr(lockedBy)
	j.LastError = stringPtr(lastError)
	return &j, nil
}

func (r *JobRepository) Insert(ctx context.Context, jobs []*job.Job) error {
	if len(jobs) == 0 {
		return nil
	}

	n := len(jobs)
	ids := make([]string, n)
	kinds := make([]string, n)
	payloads := make([]string, n)
	runAts := make([]string, n)
	createdAts := make([]string, n)
	for i, j := range jobs {
		ids[i] = j.ID
		kinds[i] = string(j.Kind)
		payloads[i] = string(j.Payload)
		runAts[i] = j.RunAt.UTC().Format(time.RFC3339Nano)
		createdAts[i] = j.CreatedAt.UTC().Format(time.RFC3339Nano)
	}

	query := `
		WITH inserted AS (
			INSERT INTO jobs (id, kind, payload, status, attempts, run_at, created_at, updated_at)
			SELECT u.id, u.kind, u.payload::jsonb, 'queued', 0, u.run_at, u.created_at, u.created_at
			FROM unnest($1::text[], $2::text[], $3::text[], $4::timestamptz[], $5::timestamptz[])
			     AS u(id, kind, payload, run_at, created_at)
			RETURNING id
		)
		SELECT pg_notify($6, COUNT(*)::text) FROM inserted
	`
	var ignored string
	err := r.db.QueryRowContext(ctx, query,
		pq.Array(ids), pq.Array(kinds), pq.Array(payloads), pq.Array(runAts), pq.Array(createdAts),
		JobsChannel,
	).Scan(&ignored)
	if err != nil {
		return fmt.Errorf("failed to insert jobs: %w", err)
	}
	return nil
}

func (r *JobRepository) GetByID(ctx context.Context, id string) (*job.Job, error) {
	j, err := scanJob(r.db.QueryRowContext(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id))
	if err == sql.ErrNoRows {
		return nil, job.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return j, nil
}

// ClaimDue locks due rows with SKIP LOCKED so concurrent dispatchers split
// the work. Running rows whose lock predates StaleBefore are taken over.
func (r *JobRepository) ClaimDue(ctx context.Context, params job.ClaimParams) ([]*job.Job, error) {
	if params.Limit <= 0 {
		return nil, nil
	}

	query := `
		UPDATE jobs
		SET status = 'running',
		    attempts = attempts + 1,
		    locked_at = $1,
		    locked_by = $2,
		    updated_at = $1
		WHERE id IN (
			SELECT id FROM jobs
			WHERE (status = 'queued' AND run_at <= $1)
			   OR (status = 'running' AND locked_at < $3)
			ORDER BY run_at
			LIMIT $4
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns

	rows, err := r.db.QueryContext(ctx, query, params.Now, params.WorkerID, params.StaleBefore, params.Limit)
	if err != nil {
		return nil, fmt.Errorf("failed to claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []*job.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("failed to scan job: %w", err)
		}
		claimed = append(claimed, j)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating claimed jobs: %w", err)
	}
	return claimed, nil
}

func (r *JobRepository) MarkSucceeded(ctx context.Context, id string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'succeeded', locked_at = NULL, locked_by = NULL, last_error = NULL, updated_at = $1
		WHERE id = $2`, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark job succeeded: %w", err)
	}
	return rowsAffected(result, job.ErrNotFound)
}

func (r *JobRepository) MarkRetry(ctx context.Context, id string, runAt time.Time, errMsg string) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', run_at = $1, last_error = $2, locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $3`, runAt, errMsg, id)
	if err != nil {
		return fmt.Errorf("failed to schedule job retry: %w", err)
	}
	return rowsAffected(result, job.ErrNotFound)
}

func (r *JobRepository) MarkFailed(ctx context.Context, id string, errMsg string, at time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'failed', last_error = $1, locked_at = NULL, locked_by = NULL, updated_at = $2
		WHERE id = $3`, errMsg, at, id)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	return rowsAffected(result, job.ErrNotFound)
}

func (r *JobRepository) Release(ctx context.Context, id string, runAt time.Time) error {
	result, err := r.db.ExecContext(ctx, `
		UPDATE jobs
		SET status = 'queued', run_at = $1, attempts = GREATEST(attempts - 1, 0),
		    locked_at = NULL, locked_by = NULL, updated_at = NOW()
		WHERE id = $2 AND status = 'running'`, runAt, id)
	if err != nil {
		return fmt.Errorf("failed to release job: %w", err)
	}
	return rowsAffected(result, job.ErrNotFound)
}

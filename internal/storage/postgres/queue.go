package postgres

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/openparl/commons-tracker/internal/jobs"
)

// JobQueue is the durable queue behind the dispatcher, implementing
// jobs.Queue. All cross-process coordination happens through row
// claims; there are no in-process locks.
type JobQueue struct {
	db DB
}

// NewJobQueue builds a JobQueue over db.
func NewJobQueue(db DB) *JobQueue {
	return &JobQueue{db: db}
}

func marshalPayload(payload any) ([]byte, error) {
	if payload == nil {
		return nil, nil
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal payload: %w", err)
	}
	return raw, nil
}

// ScheduleReplace upserts the pending job under key: any pending
// instance with the same key is removed in the same transaction, so a
// repeated call never creates duplicate future runs.
func (q *JobQueue) ScheduleReplace(ctx context.Context, key, taskName string, payload any, runAt time.Time) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}

	tx, err := q.db.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin schedule: %w", err)
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx,
		"DELETE FROM scheduled_jobs WHERE job_key = $1 AND status = 'pending'", key); err != nil {
		return fmt.Errorf("replace job %s: %w", key, err)
	}
	if _, err := tx.Exec(ctx,
		"INSERT INTO scheduled_jobs (job_key, task_name, run_at, payload) VALUES ($1, $2, $3, $4)",
		key, taskName, runAt, raw); err != nil {
		return fmt.Errorf("schedule job %s: %w", key, err)
	}
	return tx.Commit(ctx)
}

// Enqueue adds an ad-hoc keyless job, used for chaining.
func (q *JobQueue) Enqueue(ctx context.Context, taskName string, payload any, runAt time.Time) error {
	raw, err := marshalPayload(payload)
	if err != nil {
		return err
	}
	if _, err := q.db.Exec(ctx,
		"INSERT INTO scheduled_jobs (task_name, run_at, payload) VALUES ($1, $2, $3)",
		taskName, runAt, raw); err != nil {
		return fmt.Errorf("enqueue %s: %w", taskName, err)
	}
	return nil
}

// Claim atomically marks up to limit due jobs running and returns
// them. SKIP LOCKED keeps concurrent claimers from receiving the same
// row.
func (q *JobQueue) Claim(ctx context.Context, limit int) ([]jobs.Job, error) {
	const query = `
UPDATE scheduled_jobs SET status = 'running', updated_at = now()
WHERE id IN (
	SELECT id FROM scheduled_jobs
	WHERE status = 'pending' AND run_at <= now()
	ORDER BY run_at
	LIMIT $1
	FOR UPDATE SKIP LOCKED
)
RETURNING id, COALESCE(job_key, ''), task_name, run_at, payload, attempts`

	rows, err := q.db.Query(ctx, query, limit)
	if err != nil {
		return nil, fmt.Errorf("claim jobs: %w", err)
	}
	defer rows.Close()

	var claimed []jobs.Job
	for rows.Next() {
		var j jobs.Job
		if err := rows.Scan(&j.ID, &j.JobKey, &j.TaskName, &j.RunAt, &j.Payload, &j.Attempts); err != nil {
			return nil, fmt.Errorf("scan claimed job: %w", err)
		}
		claimed = append(claimed, j)
	}
	return claimed, rows.Err()
}

// Complete removes a finished job.
func (q *JobQueue) Complete(ctx context.Context, jobID int64) error {
	if _, err := q.db.Exec(ctx, "DELETE FROM scheduled_jobs WHERE id = $1", jobID); err != nil {
		return fmt.Errorf("complete job %d: %w", jobID, err)
	}
	return nil
}

// Retry returns a failed job to pending with a new run time and bumps
// its attempt count.
func (q *JobQueue) Retry(ctx context.Context, jobID int64, runAt time.Time, errText string) error {
	const query = `
UPDATE scheduled_jobs
SET status = 'pending', run_at = $2, attempts = attempts + 1, last_error = $3, updated_at = now()
WHERE id = $1`

	if _, err := q.db.Exec(ctx, query, jobID, runAt, errText); err != nil {
		return fmt.Errorf("retry job %d: %w", jobID, err)
	}
	return nil
}

// Fail marks a job permanently failed after its attempts ran out. The
// row is kept for operator inspection.
func (q *JobQueue) Fail(ctx context.Context, jobID int64, errText string) error {
	const query = `
UPDATE scheduled_jobs
SET status = 'failed', attempts = attempts + 1, last_error = $2, updated_at = now()
WHERE id = $1`

	if _, err := q.db.Exec(ctx, query, jobID, errText); err != nil {
		return fmt.Errorf("fail job %d: %w", jobID, err)
	}
	return nil
}

// ABOUTME: Store methods for the job_queue table.
// ABOUTME: Claims use FOR UPDATE SKIP LOCKED; re-emission resets ownership of a dead worker's jobs.
package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// Job is a claimed job ready for execution by a worker.
type Job struct {
	ID       uuid.UUID
	Queue    string
	Payload  json.RawMessage
	Attempts int32
}

// EnqueueJob inserts a new job into the named queue and returns its ID.
// runAfter defaults to now() when nil.
func (s *Store) EnqueueJob(
	ctx context.Context,
	queue string,
	priority int32,
	payload json.RawMessage,
	maxAttempts int32,
	runAfter *time.Time,
) (uuid.UUID, error) {
	var ra any
	if runAfter != nil {
		ra = *runAfter
	}

	var id uuid.UUID
	err := s.pool.QueryRow(ctx, `
		INSERT INTO job_queue (queue, priority, payload, max_attempts, run_after)
		VALUES ($1, $2, $3, $4, COALESCE($5::timestamptz, now()))
		RETURNING id`,
		queue, priority, payload, maxAttempts, ra,
	).Scan(&id)
	if err != nil {
		return uuid.Nil, fmt.Errorf("enqueue job: %w", err)
	}
	return id, nil
}

// ClaimJob atomically claims one pending job from the named queue for the
// given worker using FOR UPDATE SKIP LOCKED. The claiming worker's ID is
// recorded in locked_by so its jobs can be re-emitted if it dies. Returns
// (nil, nil) when no job is currently available.
func (s *Store) ClaimJob(ctx context.Context, queue string, workerID uuid.UUID) (*Job, error) {
	var job Job
	err := s.pool.QueryRow(ctx, `
		UPDATE job_queue
		SET status = 'running',
		    locked_by = $2,
		    locked_at = now(),
		    attempts = attempts + 1,
		    updated_at = now()
		WHERE id = (
			SELECT id FROM job_queue
			WHERE queue = $1 AND status = 'pending' AND run_after <= now()
			ORDER BY priority DESC, created_at
			FOR UPDATE SKIP LOCKED
			LIMIT 1
		)
		RETURNING id, queue, payload, attempts`,
		queue, workerID,
	).Scan(&job.ID, &job.Queue, &job.Payload, &job.Attempts)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, nil
		}
		return nil, fmt.Errorf("claim job: %w", err)
	}
	return &job, nil
}

// CompleteJob marks a job as succeeded and releases its ownership.
func (s *Store) CompleteJob(ctx context.Context, id uuid.UUID) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'done', locked_by = NULL, locked_at = NULL, updated_at = now()
		WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("complete job %s: %w", id, err)
	}
	return nil
}

// FailJob records a handler failure, applying exponential backoff for retry
// or moving the job to 'dead' status once max_attempts is exhausted.
func (s *Store) FailJob(ctx context.Context, id uuid.UUID, errMsg string) error {
	_, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = CASE WHEN attempts >= max_attempts THEN 'dead' ELSE 'pending' END,
		    run_after = now() + (interval '1 second' * power(2, attempts)),
		    locked_by = NULL,
		    locked_at = NULL,
		    last_error = NULLIF($2, ''),
		    updated_at = now()
		WHERE id = $1`, id, errMsg)
	if err != nil {
		return fmt.Errorf("fail job %s: %w", id, err)
	}
	return nil
}

// requeueJobsForWorkers returns every running job owned by the given workers
// to 'pending' with ownership cleared, making it claimable immediately.
// Attempts are not incremented: the job did not fail, its worker did.
func requeueJobsForWorkers(ctx context.Context, q querier, workerIDs []uuid.UUID) (int64, error) {
	if len(workerIDs) == 0 {
		return 0, nil
	}
	tag, err := q.Exec(ctx, `
		UPDATE job_queue
		SET status = 'pending',
		    locked_by = NULL,
		    locked_at = NULL,
		    run_after = now(),
		    updated_at = now()
		WHERE status = 'running' AND locked_by = ANY($1)`,
		workerIDs,
	)
	if err != nil {
		return 0, fmt.Errorf("requeue jobs for workers: %w", err)
	}
	return tag.RowsAffected(), nil
}

// RequeueOrphanedJobs returns running jobs to 'pending' when their claiming
// worker no longer has a registry row and the claim is older than olderThan.
// Re-emission handles workers retired through the unclean path; this is the
// backstop for claims that outlived their worker's registry record.
func (s *Store) RequeueOrphanedJobs(ctx context.Context, olderThan time.Duration) (int64, error) {
	tag, err := s.pool.Exec(ctx, `
		UPDATE job_queue
		SET status = 'pending',
		    locked_by = NULL,
		    locked_at = NULL,
		    run_after = now(),
		    updated_at = now()
		WHERE status = 'running'
		  AND locked_at < $1
		  AND (locked_by IS NULL OR NOT EXISTS (
			SELECT 1 FROM worker_registry w WHERE w.id = job_queue.locked_by
		  ))`,
		time.Now().Add(-olderThan),
	)
	if err != nil {
		return 0, fmt.Errorf("requeue orphaned jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// CountJobsInStatus reports how many jobs in the named queue are in status.
// Used by tests and the observability endpoints.
func (s *Store) CountJobsInStatus(ctx context.Context, queue, status string) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx,
		`SELECT COUNT(*) FROM job_queue WHERE queue = $1 AND status = $2`,
		queue, status,
	).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count jobs: %w", err)
	}
	return n, nil
}

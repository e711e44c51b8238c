// Package contqueue implements the continuation queue (C6): a durable,
// multi-consumer retry/resume queue keyed by (user_id, scholar_profile_id),
// with status (queued/retrying/dropped), exponential backoff, and a
// max-attempt drop policy. The scheduler (C10) is the sole consumer;
// the run engine (C5) is the sole producer of new/updated jobs.
package contqueue

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/scholarr/ingestcore/internal/types"
)

// Queue is the pgx-backed continuation queue store.
type Queue struct {
	pool *pgxpool.Pool
}

// New wraps an existing connection pool.
func New(pool *pgxpool.Pool) *Queue {
	return &Queue{pool: pool}
}

// UpsertJob creates or refreshes the queue item for (userID, scholarID),
// setting its next-attempt time delaySeconds from now and tagging it with
// reason and the run that produced it. Existing attempt_count is
// preserved; this is a resumable-partial signal, not a fresh retry.
func (q *Queue) UpsertJob(ctx context.Context, userID, scholarProfileID int64, resumeCstart int, reason string, runID int64, delaySeconds int) error {
	_, err := q.pool.Exec(ctx, `
		INSERT INTO ingestion_queue_items
			(user_id, scholar_profile_id, resume_cstart, reason, status, next_attempt_dt, last_run_id)
		VALUES ($1, $2, $3, $4, 'queued', now() + ($5 || ' seconds')::interval, $6)
		ON CONFLICT (user_id, scholar_profile_id) DO UPDATE SET
			resume_cstart = EXCLUDED.resume_cstart,
			reason = EXCLUDED.reason,
			status = CASE WHEN ingestion_queue_items.status = 'dropped' THEN ingestion_queue_items.status ELSE 'queued' END,
			next_attempt_dt = EXCLUDED.next_attempt_dt,
			last_run_id = EXCLUDED.last_run_id
	`, userID, scholarProfileID, resumeCstart, reason, delaySeconds, runID)
	if err != nil {
		return fmt.Errorf("upsert queue job: %w", err)
	}
	return nil
}

// ClearJobForScholar removes any queue item for (userID, scholarProfileID),
// used when a scholar resolves cleanly or is filtered out of a run target
// set.
func (q *Queue) ClearJobForScholar(ctx context.Context, userID, scholarProfileID int64) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM ingestion_queue_items WHERE user_id = $1 AND scholar_profile_id = $2`, userID, scholarProfileID)
	if err != nil {
		return fmt.Errorf("clear queue job: %w", err)
	}
	return nil
}

// DeleteJobByID removes a queue item outright, used on a successful
// resume.
func (q *Queue) DeleteJobByID(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `DELETE FROM ingestion_queue_items WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("delete queue job: %w", err)
	}
	return nil
}

func scanJob(row pgx.Row) (types.QueueJob, error) {
	var j types.QueueJob
	err := row.Scan(&j.ID, &j.UserID, &j.ScholarProfileID, &j.ResumeCstart, &j.Reason,
		&j.Status, &j.AttemptCount, &j.NextAttemptDT, &j.LastRunID, &j.LastError,
		&j.DroppedReason, &j.DroppedAt)
	return j, err
}

const jobColumns = `id, user_id, scholar_profile_id, resume_cstart, reason, status, attempt_count, next_attempt_dt, last_run_id, last_error, dropped_reason, dropped_at`

// ListDueJobs returns active jobs (queued or retrying) whose
// next_attempt_dt <= now, ordered by (next_attempt_dt, id), bounded by
// limit.
func (q *Queue) ListDueJobs(ctx context.Context, now time.Time, limit int) ([]types.QueueJob, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM ingestion_queue_items
		WHERE status IN ('queued', 'retrying') AND next_attempt_dt <= $1
		ORDER BY next_attempt_dt, id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, fmt.Errorf("list due jobs: %w", err)
	}
	defer rows.Close()

	var jobs []types.QueueJob
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, fmt.Errorf("scan due job: %w", err)
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJob fetches one queue item by id, for callers that just received an
// id from ListDueJobs and need a fresh read inside a transaction.
func (q *Queue) GetJob(ctx context.Context, id int64) (types.QueueJob, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM ingestion_queue_items WHERE id = $1`, id)
	j, err := scanJob(row)
	if errors.Is(err, pgx.ErrNoRows) {
		return types.QueueJob{}, types.ErrQueueJobNotFound
	}
	if err != nil {
		return types.QueueJob{}, fmt.Errorf("get queue job: %w", err)
	}
	return j, nil
}

// IncrementAttemptCount bumps attempt_count by one.
func (q *Queue) IncrementAttemptCount(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `UPDATE ingestion_queue_items SET attempt_count = attempt_count + 1 WHERE id = $1`, id)
	return err
}

// ResetAttemptCount zeroes attempt_count, used after a clean resume.
func (q *Queue) ResetAttemptCount(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `UPDATE ingestion_queue_items SET attempt_count = 0 WHERE id = $1`, id)
	return err
}

// MarkRetrying transitions a due job into retrying status, called by the
// scheduler immediately before dispatching it.
func (q *Queue) MarkRetrying(ctx context.Context, id int64) error {
	_, err := q.pool.Exec(ctx, `UPDATE ingestion_queue_items SET status = 'retrying' WHERE id = $1`, id)
	return err
}

// MarkDropped moves a job to the terminal dropped state, recording the
// reason and the last error observed.
func (q *Queue) MarkDropped(ctx context.Context, id int64, reason string, lastErr error) error {
	var errText *string
	if lastErr != nil {
		s := lastErr.Error()
		errText = &s
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE ingestion_queue_items
		SET status = 'dropped', dropped_reason = $2, dropped_at = now(), last_error = $3
		WHERE id = $1
	`, id, reason, errText)
	return err
}

// MarkQueuedNow puts a job back into queued status with next_attempt_dt
// = now, optionally resetting attempt_count, and records reason.
func (q *Queue) MarkQueuedNow(ctx context.Context, id int64, reason string, resetAttemptCount bool) error {
	if resetAttemptCount {
		_, err := q.pool.Exec(ctx, `
			UPDATE ingestion_queue_items
			SET status = 'queued', next_attempt_dt = now(), reason = $2, attempt_count = 0
			WHERE id = $1
		`, id, reason)
		return err
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE ingestion_queue_items
		SET status = 'queued', next_attempt_dt = now(), reason = $2
		WHERE id = $1
	`, id, reason)
	return err
}

// RescheduleJob backoff-reschedules a job delaySeconds from now, bumping
// its status to retrying and recording the error, without touching
// attempt_count (callers call IncrementAttemptCount themselves so the
// drop-at-max check can run against the post-increment value first).
func (q *Queue) RescheduleJob(ctx context.Context, id int64, delaySeconds int, reason string, lastErr error) error {
	var errText *string
	if lastErr != nil {
		s := lastErr.Error()
		errText = &s
	}
	_, err := q.pool.Exec(ctx, `
		UPDATE ingestion_queue_items
		SET status = 'retrying', reason = $2, last_error = $3,
		    next_attempt_dt = now() + ($4 || ' seconds')::interval
		WHERE id = $1
	`, id, reason, errText, delaySeconds)
	return err
}

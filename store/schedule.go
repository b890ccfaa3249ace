package store

import (
	"context"
	"database/sql"
	"errors"
)

// UpsertScheduledJob creates or rewrites a job definition, preserving run
// bookkeeping columns on update.
func (s *Store) UpsertScheduledJob(ctx context.Context, job *ScheduledJob) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_jobs
			(task_id, handler_name, cron_expr, interval_seconds, enabled,
			 next_run_after, payload_json, meta_json)
		VALUES
			(:task_id, :handler_name, :cron_expr, :interval_seconds, :enabled,
			 :next_run_after, :payload_json, :meta_json)
		ON CONFLICT (task_id) DO UPDATE SET
			handler_name = excluded.handler_name,
			cron_expr = excluded.cron_expr,
			interval_seconds = excluded.interval_seconds,
			enabled = excluded.enabled,
			payload_json = excluded.payload_json,
			meta_json = excluded.meta_json`, job)
	return err
}

// GetScheduledJob loads one job.
func (s *Store) GetScheduledJob(ctx context.Context, taskID string) (*ScheduledJob, error) {
	var job ScheduledJob
	err := s.db.GetContext(ctx, &job, `SELECT * FROM scheduled_jobs WHERE task_id = ?`, taskID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &job, nil
}

// ListScheduledJobs returns every job definition.
func (s *Store) ListScheduledJobs(ctx context.Context) ([]ScheduledJob, error) {
	var jobs []ScheduledJob
	err := s.db.SelectContext(ctx, &jobs, `SELECT * FROM scheduled_jobs ORDER BY task_id`)
	return jobs, err
}

// DueScheduledJobs returns the enabled jobs whose next_run_after has passed
// and whose lease is free or expired.
func (s *Store) DueScheduledJobs(ctx context.Context, now int64) ([]ScheduledJob, error) {
	var jobs []ScheduledJob
	err := s.db.SelectContext(ctx, &jobs, `
		SELECT * FROM scheduled_jobs
		WHERE enabled = 1
		  AND (next_run_after IS NULL OR next_run_after <= ?)
		  AND (lock_until IS NULL OR lock_until <= ?)
		ORDER BY task_id`, now, now)
	return jobs, err
}

// TryAcquireLease performs the compare-and-swap on lock_until: the update
// succeeds only when the column still holds the value the caller read. At
// most one concurrent runner wins.
func (s *Store) TryAcquireLease(ctx context.Context, taskID string, prevLockUntil *int64, leaseUntil, now int64) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET lock_until = ?, last_run_started_at = ?
		WHERE task_id = ? AND lock_until IS ?`,
		leaseUntil, now, taskID, prevLockUntil)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteScheduledRun releases the lease and records the outcome.
func (s *Store) CompleteScheduledRun(ctx context.Context, taskID string, finishedAt int64, nextRunAfter *int64) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_jobs
		SET lock_until = NULL,
		    last_run_finished_at = ?,
		    next_run_after = ?,
		    run_count = run_count + 1
		WHERE task_id = ?`,
		finishedAt, nextRunAfter, taskID)
	return err
}

// SetJobEnabled flips the enabled flag, used for one-shot jobs after they
// complete.
func (s *Store) SetJobEnabled(ctx context.Context, taskID string, enabled bool) error {
	_, err := s.db.ExecContext(ctx,
		`UPDATE scheduled_jobs SET enabled = ? WHERE task_id = ?`, enabled, taskID)
	return err
}

// InsertJobRun opens a history record.
func (s *Store) InsertJobRun(ctx context.Context, run *JobRun) error {
	_, err := s.db.NamedExecContext(ctx, `
		INSERT INTO scheduled_job_runs
			(task_id, run_id, started_at, finished_at, status, stats_json, error)
		VALUES
			(:task_id, :run_id, :started_at, :finished_at, :status, :stats_json, :error)`, run)
	return err
}

// FinishJobRun closes a history record. A nil statsJSON keeps whatever the
// handler streamed through UpdateJobRunStats while it ran.
func (s *Store) FinishJobRun(ctx context.Context, taskID, runID string, finishedAt int64, status string, statsJSON, errMessage *string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_job_runs
		SET finished_at = ?, status = ?, stats_json = COALESCE(?, stats_json), error = ?
		WHERE task_id = ? AND run_id = ?`,
		finishedAt, status, statsJSON, errMessage, taskID, runID)
	return err
}

// UpdateJobRunStats rewrites the live stats of a running record.
func (s *Store) UpdateJobRunStats(ctx context.Context, taskID, runID string, statsJSON string) error {
	_, err := s.db.ExecContext(ctx, `
		UPDATE scheduled_job_runs SET stats_json = ? WHERE task_id = ? AND run_id = ?`,
		statsJSON, taskID, runID)
	return err
}

// ListJobRuns returns the newest runs for a task.
func (s *Store) ListJobRuns(ctx context.Context, taskID string, limit int) ([]JobRun, error) {
	var runs []JobRun
	err := s.db.SelectContext(ctx, &runs, `
		SELECT * FROM scheduled_job_runs
		WHERE task_id = ? ORDER BY started_at DESC, run_id DESC LIMIT ?`,
		taskID, limit)
	return runs, err
}

// GetJobRun loads one run record.
func (s *Store) GetJobRun(ctx context.Context, taskID, runID string) (*JobRun, error) {
	var run JobRun
	err := s.db.GetContext(ctx, &run,
		`SELECT * FROM scheduled_job_runs WHERE task_id = ? AND run_id = ?`, taskID, runID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &run, nil
}

// PruneJobRuns evicts the oldest history beyond cap for a task.
func (s *Store) PruneJobRuns(ctx context.Context, taskID string, cap int) error {
	_, err := s.db.ExecContext(ctx, `
		DELETE FROM scheduled_job_runs
		WHERE task_id = ? AND run_id NOT IN (
			SELECT run_id FROM scheduled_job_runs
			WHERE task_id = ? ORDER BY started_at DESC, run_id DESC LIMIT ?
		)`, taskID, taskID, cap)
	return err
}

package dao

import (
	"context"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	"github.com/modfin/brevq/pkg/zid"
)

const jobColumns = `id, message_id, execute_at, attempts_made, max_attempts, backoff_base_ms, status, lease_until, last_error, created_at`

func insertJob(ctx context.Context, tx *sqlx.Tx, j Job) error {
	if j.Status == "" {
		j.Status = JobStatusQueued
	}
	j.ExecuteAt = ts(j.ExecuteAt)
	j.CreatedAt = ts(j.CreatedAt)
	_, err := tx.NamedExecContext(ctx, `
		INSERT INTO jobs (`+jobColumns+`)
		VALUES (:id, :message_id, :execute_at, :attempts_made, :max_attempts, :backoff_base_ms, :status, :lease_until, :last_error, :created_at)
	`, j)
	if err != nil {
		return fmt.Errorf("failed to insert job for message %s, %w", j.MessageID, err)
	}
	return nil
}

func (s *sqlDAO) InsertJob(ctx context.Context, job Job) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		return insertJob(ctx, tx, job)
	})
}

// ClaimDueJob moves the earliest due job from queued to processing and returns it.
// It returns nil when there is nothing due or when another claimer got there first.
func (s *sqlDAO) ClaimDueJob(ctx context.Context, now time.Time, leaseUntil time.Time) (job *Job, err error) {
	err = s.inTx(ctx, func(tx *sqlx.Tx) error {
		q1 := `
			SELECT ` + jobColumns + `
			FROM jobs
			WHERE status = 'queued'
			  AND execute_at <= ?
			ORDER BY execute_at, id
			LIMIT 1
		`
		var due []Job
		err := tx.SelectContext(ctx, &due, tx.Rebind(q1), ts(now))
		if err != nil {
			return fmt.Errorf("could not select due jobs, %w", err)
		}
		if len(due) == 0 {
			return nil
		}
		candidate := due[0]

		q2 := `
			UPDATE jobs
			SET status = 'processing', lease_until = ?
			WHERE id = ?
			  AND status = 'queued'
		`
		lease := ts(leaseUntil)
		res, err := tx.ExecContext(ctx, tx.Rebind(q2), lease, candidate.ID)
		if err != nil {
			return fmt.Errorf("could not claim job %s, %w", candidate.ID, err)
		}
		affected, err := res.RowsAffected()
		if err != nil {
			return err
		}
		if affected != 1 {
			return nil
		}

		candidate.Status = JobStatusProcessing
		candidate.LeaseUntil = &lease
		job = &candidate
		return nil
	})
	return job, err
}

func (s *sqlDAO) DeleteJob(ctx context.Context, id zid.ID) error {
	_, err := s.db.ExecContext(ctx, s.db.Rebind(`DELETE FROM jobs WHERE id = ?`), id)
	if err != nil {
		return fmt.Errorf("could not delete job %s, %w", id, err)
	}
	return nil
}

func (s *sqlDAO) RequeueJob(ctx context.Context, id zid.ID, attemptsMade int, executeAt time.Time, lastError string) error {
	q := `
		UPDATE jobs
		SET status = 'queued', attempts_made = ?, execute_at = ?, lease_until = NULL, last_error = ?
		WHERE id = ?
	`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), attemptsMade, ts(executeAt), lastError, id)
	if err != nil {
		return fmt.Errorf("could not requeue job %s, %w", id, err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if affected != 1 {
		return fmt.Errorf("could not requeue job %s, %w", id, ErrNotFound)
	}
	return nil
}

// ReplaceJob removes old and inserts job in one transaction.
func (s *sqlDAO) ReplaceJob(ctx context.Context, old zid.ID, job Job) error {
	return s.inTx(ctx, func(tx *sqlx.Tx) error {
		_, err := tx.ExecContext(ctx, tx.Rebind(`DELETE FROM jobs WHERE id = ?`), old)
		if err != nil {
			return fmt.Errorf("could not delete job %s, %w", old, err)
		}
		return insertJob(ctx, tx, job)
	})
}

// ReleaseExpiredLeases puts processing jobs whose lease ran out back in the queue.
func (s *sqlDAO) ReleaseExpiredLeases(ctx context.Context, now time.Time) (int64, error) {
	q := `
		UPDATE jobs
		SET status = 'queued', lease_until = NULL
		WHERE status = 'processing'
		  AND lease_until < ?
	`
	res, err := s.db.ExecContext(ctx, s.db.Rebind(q), ts(now))
	if err != nil {
		return 0, fmt.Errorf("could not release expired leases, %w", err)
	}
	return res.RowsAffected()
}

// NextExecuteAt is the execute_at of the earliest queued job, nil if the queue is empty.
func (s *sqlDAO) NextExecuteAt(ctx context.Context) (*time.Time, error) {
	var next []time.Time
	q := `SELECT execute_at FROM jobs WHERE status = 'queued' ORDER BY execute_at LIMIT 1`
	err := s.db.SelectContext(ctx, &next, q)
	if err != nil {
		return nil, err
	}
	if len(next) == 0 {
		return nil, nil
	}
	return &next[0], nil
}

func (s *sqlDAO) GetJobs(ctx context.Context, messageID string) ([]Job, error) {
	jobs := []Job{}
	q := `SELECT ` + jobColumns + ` FROM jobs WHERE message_id = ? ORDER BY id`
	err := s.db.SelectContext(ctx, &jobs, s.db.Rebind(q), messageID)
	return jobs, err
}

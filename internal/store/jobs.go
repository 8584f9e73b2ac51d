package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"conveyor/internal/domain"
)

const jobCols = `id,queue_id,name,data,status,priority,attempts,max_attempts,progress,result,error,stack_trace,created_at,processed_at,completed_at,failed_at,delay_until`

func scanJob(row interface{ Scan(...any) error }) (domain.Job, error) {
	var j domain.Job
	var processed, completed, failed, delay sql.NullTime
	err := row.Scan(&j.ID, &j.QueueID, &j.Name, &j.Data, &j.Status, &j.Priority, &j.Attempts, &j.MaxAttempts,
		&j.Progress, &j.Result, &j.Error, &j.StackTrace, &j.CreatedAt, &processed, &completed, &failed, &delay)
	if err != nil {
		return domain.Job{}, err
	}
	if processed.Valid {
		t := processed.Time
		j.ProcessedAt = &t
	}
	if completed.Valid {
		t := completed.Time
		j.CompletedAt = &t
	}
	if failed.Valid {
		t := failed.Time
		j.FailedAt = &t
	}
	if delay.Valid {
		t := delay.Time
		j.DelayUntil = &t
	}
	return j, nil
}

// InsertJob writes a new job record. Status and DelayUntil must already be
// consistent (delayed iff delay_until set); the lifecycle service owns that.
func (s *Store) InsertJob(ctx context.Context, j domain.Job) (string, error) {
	id := j.ID
	if id == "" {
		id = newJobID()
	}
	created := j.CreatedAt
	if created.IsZero() {
		created = time.Now().UTC()
	}
	var delay any
	if j.DelayUntil != nil {
		delay = j.DelayUntil.UTC()
	}
	_, err := s.db.ExecContext(ctx, `
INSERT INTO jobs (id,queue_id,name,data,status,priority,attempts,max_attempts,progress,created_at,delay_until)
VALUES (?,?,?,?,?,?,0,?,0,?,?)
`, id, j.QueueID, j.Name, j.Data, j.Status, j.Priority, j.MaxAttempts, created, delay)
	return id, err
}

func (s *Store) GetJob(ctx context.Context, id string) (domain.Job, error) {
	j, err := scanJob(s.db.QueryRowContext(ctx, `SELECT `+jobCols+` FROM jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Job{}, domain.ErrJobNotFound
	}
	return j, err
}

// ListJobs returns jobs newest first, optionally filtered by queue and status.
func (s *Store) ListJobs(ctx context.Context, queueID string, status domain.JobStatus, limit int) ([]domain.Job, error) {
	query := `SELECT ` + jobCols + ` FROM jobs WHERE 1=1`
	var args []any
	if queueID != "" {
		query += ` AND queue_id=?`
		args = append(args, queueID)
	}
	if status != "" {
		query += ` AND status=?`
		args = append(args, status)
	}
	query += ` ORDER BY created_at DESC LIMIT ?`
	args = append(args, limit)

	return s.queryJobs(ctx, query, args...)
}

// SelectPending returns up to limit pending jobs for a queue in dispatch
// order: priority first, oldest first within a priority band.
func (s *Store) SelectPending(ctx context.Context, queueID string, limit int) ([]domain.Job, error) {
	return s.queryJobs(ctx, `
SELECT `+jobCols+` FROM jobs
WHERE queue_id=? AND status='pending'
ORDER BY priority DESC, created_at ASC
LIMIT ?`, queueID, limit)
}

// CountActive returns how many jobs in the queue are currently claimed.
func (s *Store) CountActive(ctx context.Context, queueID string) (int, error) {
	var n int
	err := s.db.QueryRowContext(ctx, `
SELECT COUNT(*) FROM jobs WHERE queue_id=? AND status='active'`, queueID).Scan(&n)
	return n, err
}

// ClaimJob atomically transitions pending -> active, incrementing attempts
// and stamping processed_at. It reports false when the job was not pending,
// which is how a racing dispatcher loses the claim.
func (s *Store) ClaimJob(ctx context.Context, id string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='active', attempts=attempts+1, processed_at=?
WHERE id=? AND status='pending'`, now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// CompleteJob transitions active -> completed.
func (s *Store) CompleteJob(ctx context.Context, id string, result []byte, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='completed', result=?, progress=100, completed_at=?
WHERE id=? AND status='active'`, result, now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// DelayJob transitions active -> delayed for a later retry, recording the
// failure that caused it.
func (s *Store) DelayJob(ctx context.Context, id, errMsg, stack string, until time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='delayed', error=?, stack_trace=?, delay_until=?
WHERE id=? AND status='active'`, errMsg, stack, until.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// FailJob transitions active -> failed (terminal).
func (s *Store) FailJob(ctx context.Context, id, errMsg, stack string, now time.Time) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='failed', error=?, stack_trace=?, failed_at=?
WHERE id=? AND status='active'`, errMsg, stack, now.UTC(), id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// PromoteDueJobs bulk-transitions delayed jobs whose delay has passed back
// to pending. Running it twice in a row is harmless: the second pass finds
// nothing due.
func (s *Store) PromoteDueJobs(ctx context.Context, now time.Time) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='pending', delay_until=NULL
WHERE status='delayed' AND delay_until <= ?`, now.UTC())
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// RetryJob returns a failed job to pending, clearing the failure fields.
func (s *Store) RetryJob(ctx context.Context, id string, resetAttempts bool) (bool, error) {
	query := `
UPDATE jobs SET status='pending', error='', stack_trace='', failed_at=NULL
WHERE id=? AND status='failed'`
	if resetAttempts {
		query = `
UPDATE jobs SET status='pending', error='', stack_trace='', failed_at=NULL, attempts=0
WHERE id=? AND status='failed'`
	}
	res, err := s.db.ExecContext(ctx, query, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// RetryAllFailed returns every failed job in a queue to pending.
func (s *Store) RetryAllFailed(ctx context.Context, queueID string) (int, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET status='pending', error='', stack_trace='', failed_at=NULL
WHERE queue_id=? AND status='failed'`, queueID)
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

// DeleteJob removes a job only while it is pending or delayed.
func (s *Store) DeleteJob(ctx context.Context, id string) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
DELETE FROM jobs WHERE id=? AND status IN ('pending','delayed')`, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// SetProgress updates progress on a non-terminal job.
func (s *Store) SetProgress(ctx context.Context, id string, pct int) (bool, error) {
	res, err := s.db.ExecContext(ctx, `
UPDATE jobs SET progress=?
WHERE id=? AND status NOT IN ('completed','failed','cancelled')`, pct, id)
	if err != nil {
		return false, err
	}
	n, err := res.RowsAffected()
	return n == 1, err
}

// StaleActive returns jobs that have been active since before the cutoff,
// i.e. handlers that exceeded the execution ceiling.
func (s *Store) StaleActive(ctx context.Context, cutoff time.Time) ([]domain.Job, error) {
	return s.queryJobs(ctx, `
SELECT `+jobCols+` FROM jobs
WHERE status='active' AND processed_at <= ?`, cutoff.UTC())
}

// RecentFailed returns the most recently failed jobs.
func (s *Store) RecentFailed(ctx context.Context, limit int) ([]domain.Job, error) {
	return s.queryJobs(ctx, `
SELECT `+jobCols+` FROM jobs
WHERE status='failed' ORDER BY failed_at DESC LIMIT ?`, limit)
}

// ClearJobs deletes jobs in a queue, optionally only those in one status.
func (s *Store) ClearJobs(ctx context.Context, queueID string, status domain.JobStatus) (int, error) {
	var (
		res sql.Result
		err error
	)
	if status == "" {
		res, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue_id=?`, queueID)
	} else {
		res, err = s.db.ExecContext(ctx, `DELETE FROM jobs WHERE queue_id=? AND status=?`, queueID, status)
	}
	if err != nil {
		return 0, err
	}
	n, _ := res.RowsAffected()
	return int(n), nil
}

func (s *Store) queryJobs(ctx context.Context, query string, args ...any) ([]domain.Job, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var jobs []domain.Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"conveyor/internal/domain"
)

const queueCols = `id,name,description,is_paused,concurrency,max_retries,retry_delay_ms,created_at,updated_at`

func scanQueue(row interface{ Scan(...any) error }) (domain.Queue, error) {
	var q domain.Queue
	err := row.Scan(&q.ID, &q.Name, &q.Description, &q.Paused, &q.Concurrency, &q.MaxRetries, &q.RetryDelayMs, &q.CreatedAt, &q.UpdatedAt)
	return q, err
}

func (s *Store) CreateQueue(ctx context.Context, q domain.Queue) (string, error) {
	id := q.ID
	if id == "" {
		id = newQueueID()
	}

	row := s.db.QueryRowContext(ctx, "SELECT id FROM queues WHERE name = ?", q.Name)
	var existing string
	if err := row.Scan(&existing); err == nil {
		return "", domain.ErrQueueExists
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO queues (id,name,description,is_paused,concurrency,max_retries,retry_delay_ms,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?)
`, id, q.Name, q.Description, q.Paused, q.Concurrency, q.MaxRetries, q.RetryDelayMs, now, now)
	return id, err
}

func (s *Store) GetQueue(ctx context.Context, id string) (domain.Queue, error) {
	q, err := scanQueue(s.db.QueryRowContext(ctx, `SELECT `+queueCols+` FROM queues WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Queue{}, domain.ErrQueueNotFound
	}
	return q, err
}

func (s *Store) ListQueues(ctx context.Context) ([]domain.Queue, error) {
	rows, err := s.db.QueryContext(ctx, `SELECT `+queueCols+` FROM queues ORDER BY name`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var queues []domain.Queue
	for rows.Next() {
		q, err := scanQueue(rows)
		if err != nil {
			return nil, err
		}
		queues = append(queues, q)
	}
	return queues, rows.Err()
}

func (s *Store) SetQueuePaused(ctx context.Context, id string, paused bool) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queues SET is_paused=?, updated_at=? WHERE id=?`, paused, time.Now().UTC(), id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrQueueNotFound
	}
	return nil
}

// UpdateQueue updates the mutable queue attributes. Name is immutable and
// is not touched.
func (s *Store) UpdateQueue(ctx context.Context, q domain.Queue) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE queues SET description=?,concurrency=?,max_retries=?,retry_delay_ms=?,updated_at=?
WHERE id=?`, q.Description, q.Concurrency, q.MaxRetries, q.RetryDelayMs, time.Now().UTC(), q.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrQueueNotFound
	}
	return nil
}

// DeleteQueue removes a queue, refusing while any job still references it.
func (s *Store) DeleteQueue(ctx context.Context, id string) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM jobs WHERE queue_id=?`, id).Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return domain.ErrQueueInUse
	}
	res, err := s.db.ExecContext(ctx, `DELETE FROM queues WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrQueueNotFound
	}
	return nil
}

// QueueStats computes live per-status job counts for one queue.
func (s *Store) QueueStats(ctx context.Context, id string) (domain.QueueStats, error) {
	q, err := s.GetQueue(ctx, id)
	if err != nil {
		return domain.QueueStats{}, err
	}
	st := domain.QueueStats{QueueID: q.ID, Name: q.Name, Paused: q.Paused}

	rows, err := s.db.QueryContext(ctx, `
SELECT status, COUNT(*) FROM jobs WHERE queue_id=? GROUP BY status`, id)
	if err != nil {
		return domain.QueueStats{}, err
	}
	defer rows.Close()

	for rows.Next() {
		var status string
		var count int
		if err := rows.Scan(&status, &count); err != nil {
			return domain.QueueStats{}, err
		}
		switch domain.JobStatus(status) {
		case domain.StatusPending:
			st.Pending = count
		case domain.StatusActive:
			st.Active = count
		case domain.StatusCompleted:
			st.Completed = count
		case domain.StatusFailed:
			st.Failed = count
		case domain.StatusDelayed:
			st.Delayed = count
		}
	}
	return st, rows.Err()
}

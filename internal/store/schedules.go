package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"conveyor/internal/domain"
)

const scheduleCols = `id,queue_id,name,description,cron_expr,timezone,data,is_enabled,last_run_at,next_run_at,last_run_status,last_run_error,run_count,fail_count,created_at,updated_at`

func scanSchedule(row interface{ Scan(...any) error }) (domain.ScheduledJob, error) {
	var sj domain.ScheduledJob
	var lastRun sql.NullTime
	err := row.Scan(&sj.ID, &sj.QueueID, &sj.Name, &sj.Description, &sj.CronExpr, &sj.Timezone, &sj.Data,
		&sj.Enabled, &lastRun, &sj.NextRunAt, &sj.LastRunStatus, &sj.LastRunError, &sj.RunCount, &sj.FailCount,
		&sj.CreatedAt, &sj.UpdatedAt)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	if lastRun.Valid {
		t := lastRun.Time
		sj.LastRunAt = &t
	}
	return sj, nil
}

func (s *Store) CreateSchedule(ctx context.Context, sj domain.ScheduledJob) (string, error) {
	id := sj.ID
	if id == "" {
		id = newScheduleID()
	}
	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx, `
INSERT INTO scheduled_jobs (id,queue_id,name,description,cron_expr,timezone,data,is_enabled,next_run_at,created_at,updated_at)
VALUES (?,?,?,?,?,?,?,?,?,?,?)
`, id, sj.QueueID, sj.Name, sj.Description, sj.CronExpr, sj.Timezone, sj.Data, sj.Enabled, sj.NextRunAt.UTC(), now, now)
	return id, err
}

func (s *Store) GetSchedule(ctx context.Context, id string) (domain.ScheduledJob, error) {
	sj, err := scanSchedule(s.db.QueryRowContext(ctx, `SELECT `+scheduleCols+` FROM scheduled_jobs WHERE id=?`, id))
	if errors.Is(err, sql.ErrNoRows) {
		return domain.ScheduledJob{}, domain.ErrScheduleNotFound
	}
	return sj, err
}

func (s *Store) ListSchedules(ctx context.Context) ([]domain.ScheduledJob, error) {
	return s.querySchedules(ctx, `SELECT `+scheduleCols+` FROM scheduled_jobs ORDER BY name`)
}

func (s *Store) UpdateSchedule(ctx context.Context, sj domain.ScheduledJob) error {
	res, err := s.db.ExecContext(ctx, `
UPDATE scheduled_jobs SET name=?,description=?,cron_expr=?,timezone=?,data=?,is_enabled=?,next_run_at=?,updated_at=?
WHERE id=?`, sj.Name, sj.Description, sj.CronExpr, sj.Timezone, sj.Data, sj.Enabled, sj.NextRunAt.UTC(), time.Now().UTC(), sj.ID)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

func (s *Store) DeleteSchedule(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx, `DELETE FROM scheduled_jobs WHERE id=?`, id)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.ErrScheduleNotFound
	}
	return nil
}

// DueSchedules returns enabled definitions whose next occurrence has passed.
func (s *Store) DueSchedules(ctx context.Context, now time.Time) ([]domain.ScheduledJob, error) {
	return s.querySchedules(ctx, `
SELECT `+scheduleCols+` FROM scheduled_jobs
WHERE is_enabled=1 AND next_run_at <= ? ORDER BY next_run_at`, now.UTC())
}

// UpcomingSchedules returns the soonest-firing enabled definitions.
func (s *Store) UpcomingSchedules(ctx context.Context, limit int) ([]domain.ScheduledJob, error) {
	return s.querySchedules(ctx, `
SELECT `+scheduleCols+` FROM scheduled_jobs
WHERE is_enabled=1 ORDER BY next_run_at ASC LIMIT ?`, limit)
}

// MarkScheduleRun records a successful firing and advances the cron cursor.
func (s *Store) MarkScheduleRun(ctx context.Context, id string, lastRun, nextRun time.Time) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_jobs
SET last_run_at=?, next_run_at=?, last_run_status='triggered', last_run_error='',
    run_count=run_count+1, updated_at=?
WHERE id=?`, lastRun.UTC(), nextRun.UTC(), time.Now().UTC(), id)
	return err
}

// MarkScheduleError records a failed firing, leaving next_run_at unchanged
// so the occurrence is retried on the next tick.
func (s *Store) MarkScheduleError(ctx context.Context, id, errMsg string) error {
	_, err := s.db.ExecContext(ctx, `
UPDATE scheduled_jobs
SET last_run_status='error', last_run_error=?, fail_count=fail_count+1, updated_at=?
WHERE id=?`, errMsg, time.Now().UTC(), id)
	return err
}

func (s *Store) querySchedules(ctx context.Context, query string, args ...any) ([]domain.ScheduledJob, error) {
	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var schedules []domain.ScheduledJob
	for rows.Next() {
		sj, err := scanSchedule(rows)
		if err != nil {
			return nil, err
		}
		schedules = append(schedules, sj)
	}
	return schedules, rows.Err()
}

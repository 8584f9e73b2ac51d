// Package schedules implements the scheduled-job registry: cron-style
// recurring definitions that the cron runner materializes into jobs.
package schedules

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog/log"

	"conveyor/internal/domain"
	"conveyor/internal/jobs"
	"conveyor/internal/store"
)

// Parse resolves a cron expression in a timezone. A malformed expression or
// unknown timezone is rejected here, at definition time, never during a
// tick.
func Parse(expr, timezone string) (cron.Schedule, error) {
	if expr == "" {
		return nil, fmt.Errorf("%w: expression is empty", domain.ErrBadSchedule)
	}
	spec := expr
	if timezone != "" {
		if _, err := time.LoadLocation(timezone); err != nil {
			return nil, fmt.Errorf("%w: unknown timezone %q", domain.ErrBadSchedule, timezone)
		}
		spec = "CRON_TZ=" + timezone + " " + expr
	}
	sched, err := cron.ParseStandard(spec)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadSchedule, err)
	}
	return sched, nil
}

// NextAfter returns the first occurrence of the expression strictly after
// the given instant.
func NextAfter(expr, timezone string, after time.Time) (time.Time, error) {
	sched, err := Parse(expr, timezone)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(after), nil
}

type Service struct {
	store *store.Store
	jobs  *jobs.Service
}

func NewService(st *store.Store, js *jobs.Service) *Service {
	return &Service{store: st, jobs: js}
}

// CreateOpts carries the definition of a new scheduled job.
type CreateOpts struct {
	QueueID     string
	Name        string
	Description string
	CronExpr    string
	Timezone    string
	Data        []byte
	Enabled     bool
}

func (s *Service) Create(ctx context.Context, opts CreateOpts) (domain.ScheduledJob, error) {
	if opts.Name == "" {
		return domain.ScheduledJob{}, fmt.Errorf("schedule name is required")
	}
	if _, err := s.store.GetQueue(ctx, opts.QueueID); err != nil {
		return domain.ScheduledJob{}, err
	}
	next, err := NextAfter(opts.CronExpr, opts.Timezone, time.Now())
	if err != nil {
		return domain.ScheduledJob{}, err
	}

	sj := domain.ScheduledJob{
		QueueID:     opts.QueueID,
		Name:        opts.Name,
		Description: opts.Description,
		CronExpr:    opts.CronExpr,
		Timezone:    opts.Timezone,
		Data:        opts.Data,
		Enabled:     opts.Enabled,
		NextRunAt:   next,
	}
	id, err := s.store.CreateSchedule(ctx, sj)
	if err != nil {
		return domain.ScheduledJob{}, err
	}
	log.Info().Str("schedule_id", id).Str("name", opts.Name).Time("next_run", next).Msg("schedule created")
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (domain.ScheduledJob, error) {
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.ScheduledJob, error) {
	return s.store.ListSchedules(ctx)
}

// UpdateOpts carries mutable schedule fields; nil fields are untouched.
type UpdateOpts struct {
	Name        *string
	Description *string
	CronExpr    *string
	Timezone    *string
	Data        []byte
	Enabled     *bool
}

// Update edits a definition. When the expression, timezone, or enablement
// changes, next_run_at is recomputed from now; disabling freezes it.
func (s *Service) Update(ctx context.Context, id string, opts UpdateOpts) (domain.ScheduledJob, error) {
	sj, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.ScheduledJob{}, err
	}

	recompute := false
	if opts.Name != nil {
		sj.Name = *opts.Name
	}
	if opts.Description != nil {
		sj.Description = *opts.Description
	}
	if opts.CronExpr != nil && *opts.CronExpr != sj.CronExpr {
		sj.CronExpr = *opts.CronExpr
		recompute = true
	}
	if opts.Timezone != nil && *opts.Timezone != sj.Timezone {
		sj.Timezone = *opts.Timezone
		recompute = true
	}
	if opts.Data != nil {
		sj.Data = opts.Data
	}
	if opts.Enabled != nil && *opts.Enabled != sj.Enabled {
		sj.Enabled = *opts.Enabled
		if sj.Enabled {
			recompute = true
		}
	}

	if recompute {
		next, err := NextAfter(sj.CronExpr, sj.Timezone, time.Now())
		if err != nil {
			return domain.ScheduledJob{}, err
		}
		sj.NextRunAt = next
	} else if _, err := Parse(sj.CronExpr, sj.Timezone); err != nil {
		return domain.ScheduledJob{}, err
	}

	if err := s.store.UpdateSchedule(ctx, sj); err != nil {
		return domain.ScheduledJob{}, err
	}
	return s.store.GetSchedule(ctx, id)
}

func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteSchedule(ctx, id)
}

// Trigger fires a definition by hand: one job is enqueued immediately and a
// run is recorded, without advancing the cron cursor past a due occurrence.
func (s *Service) Trigger(ctx context.Context, id string) (domain.Job, error) {
	sj, err := s.store.GetSchedule(ctx, id)
	if err != nil {
		return domain.Job{}, err
	}
	j, err := s.jobs.Enqueue(ctx, sj.QueueID, sj.Name, sj.Data, jobs.EnqueueOpts{})
	if err != nil {
		return domain.Job{}, err
	}
	if err := s.store.MarkScheduleRun(ctx, id, time.Now().UTC(), sj.NextRunAt); err != nil {
		return domain.Job{}, err
	}
	log.Info().Str("schedule_id", id).Str("job_id", j.ID).Msg("schedule triggered manually")
	return j, nil
}

// Upcoming returns the soonest-firing enabled definitions.
func (s *Service) Upcoming(ctx context.Context, limit int) ([]domain.ScheduledJob, error) {
	return s.store.UpcomingSchedules(ctx, limit)
}

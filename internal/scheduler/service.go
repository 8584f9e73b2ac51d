// Package scheduler runs the cron loop: on each tick, every enabled
// scheduled-job definition whose next occurrence has passed is materialized
// into one job and its cursor advanced.
package scheduler

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"conveyor/internal/domain"
	"conveyor/internal/jobs"
	"conveyor/internal/schedules"
	"conveyor/internal/store"
)

const DefaultInterval = 60 * time.Second

type Service struct {
	store    *store.Store
	jobs     *jobs.Service
	stop     chan struct{}
	interval time.Duration
}

func NewService(st *store.Store, js *jobs.Service, interval time.Duration) *Service {
	if interval <= 0 {
		interval = DefaultInterval
	}
	return &Service{
		store:    st,
		jobs:     js,
		stop:     make(chan struct{}),
		interval: interval,
	}
}

func (s *Service) Start(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	log.Info().Dur("interval", s.interval).Msg("cron runner started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-s.stop:
			return
		case now := <-ticker.C:
			s.Tick(ctx, now)
		}
	}
}

func (s *Service) Stop() {
	close(s.stop)
}

// Tick fires every due definition. A failure on one definition is recorded
// on that definition and never aborts the rest of the batch.
func (s *Service) Tick(ctx context.Context, now time.Time) {
	due, err := s.store.DueSchedules(ctx, now)
	if err != nil {
		log.Error().Err(err).Msg("failed to scan due schedules")
		return
	}

	for _, sj := range due {
		if err := s.fire(ctx, sj, now); err != nil {
			log.Error().Err(err).Str("schedule_id", sj.ID).Msg("failed to fire schedule")
			if merr := s.store.MarkScheduleError(ctx, sj.ID, err.Error()); merr != nil {
				log.Error().Err(merr).Str("schedule_id", sj.ID).Msg("failed to record schedule error")
			}
		}
	}
}

// fire enqueues one job for a due definition and advances next_run_at from
// now. On error next_run_at is left alone so the occurrence retries next
// tick instead of being skipped.
func (s *Service) fire(ctx context.Context, sj domain.ScheduledJob, now time.Time) error {
	// Expressions are validated at definition time; recomputing first means
	// a definition that somehow went bad fails before a job is enqueued.
	next, err := schedules.NextAfter(sj.CronExpr, sj.Timezone, now)
	if err != nil {
		return err
	}

	j, err := s.jobs.Enqueue(ctx, sj.QueueID, sj.Name, sj.Data, jobs.EnqueueOpts{})
	if err != nil {
		return err
	}

	if err := s.store.MarkScheduleRun(ctx, sj.ID, now, next); err != nil {
		return err
	}

	log.Info().
		Str("schedule_id", sj.ID).
		Str("schedule_name", sj.Name).
		Str("job_id", j.ID).
		Time("next_run", next).
		Msg("scheduled job enqueued")

	return nil
}

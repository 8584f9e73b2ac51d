// Package jobs implements the job lifecycle manager. It is the sole mutator
// of job status: every transition goes through a conditional update in the
// store, so racing dispatcher instances cannot both move the same job.
package jobs

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog/log"

	"conveyor/internal/backoff"
	"conveyor/internal/domain"
	"conveyor/internal/store"
)

type Service struct {
	store   *store.Store
	backoff backoff.Strategy
}

func NewService(st *store.Store, strategy backoff.Strategy) *Service {
	if strategy == nil {
		strategy = backoff.Default()
	}
	return &Service{store: st, backoff: strategy}
}

// EnqueueOpts carries optional enqueue settings.
type EnqueueOpts struct {
	Priority int
	Delay    time.Duration
}

// Enqueue creates a job on a queue. With a delay the job starts out delayed
// and is promoted once the delay passes; otherwise it is pending
// immediately. The attempt budget (initial attempt + the queue's current
// max_retries) is fixed here.
func (s *Service) Enqueue(ctx context.Context, queueID, name string, data []byte, opts EnqueueOpts) (domain.Job, error) {
	if name == "" {
		return domain.Job{}, fmt.Errorf("job name is required")
	}
	q, err := s.store.GetQueue(ctx, queueID)
	if err != nil {
		return domain.Job{}, err
	}

	j := domain.Job{
		QueueID:     queueID,
		Name:        name,
		Data:        data,
		Status:      domain.StatusPending,
		Priority:    opts.Priority,
		MaxAttempts: q.MaxRetries + 1,
	}
	if opts.Delay > 0 {
		until := time.Now().UTC().Add(opts.Delay)
		j.Status = domain.StatusDelayed
		j.DelayUntil = &until
	}

	id, err := s.store.InsertJob(ctx, j)
	if err != nil {
		return domain.Job{}, err
	}
	log.Debug().Str("job_id", id).Str("queue_id", queueID).Str("name", name).Msg("job enqueued")
	return s.store.GetJob(ctx, id)
}

// MarkActive claims a pending job for execution. Exactly one of any number
// of concurrent claims succeeds; the rest get ErrInvalidState.
func (s *Service) MarkActive(ctx context.Context, jobID string) (domain.Job, error) {
	ok, err := s.store.ClaimJob(ctx, jobID, time.Now().UTC())
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		if _, err := s.store.GetJob(ctx, jobID); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("claim %s: %w", jobID, domain.ErrInvalidState)
	}
	return s.store.GetJob(ctx, jobID)
}

// MarkCompleted finishes an active job, storing the handler's result.
func (s *Service) MarkCompleted(ctx context.Context, jobID string, result []byte) error {
	ok, err := s.store.CompleteJob(ctx, jobID, result, time.Now().UTC())
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("complete %s: %w", jobID, domain.ErrInvalidState)
	}
	return nil
}

// MarkFailed records a handler failure on an active job. While attempts
// remain the job is delayed for a retry, with the delay taken from the
// backoff strategy over the queue's retry_delay_ms; once the budget is
// exhausted the job is failed for good.
func (s *Service) MarkFailed(ctx context.Context, jobID, errMsg, stackTrace string) error {
	j, err := s.store.GetJob(ctx, jobID)
	if err != nil {
		return err
	}
	if j.Status != domain.StatusActive {
		return fmt.Errorf("fail %s: %w", jobID, domain.ErrInvalidState)
	}

	now := time.Now().UTC()
	if j.Attempts < j.MaxAttempts {
		q, err := s.store.GetQueue(ctx, j.QueueID)
		if err != nil {
			return err
		}
		until := now.Add(s.backoff.Delay(j.Attempts, q.RetryDelay()))
		ok, err := s.store.DelayJob(ctx, jobID, errMsg, stackTrace, until)
		if err != nil {
			return err
		}
		if !ok {
			return fmt.Errorf("fail %s: %w", jobID, domain.ErrInvalidState)
		}
		log.Info().Str("job_id", jobID).Int("attempt", j.Attempts).Int("max_attempts", j.MaxAttempts).
			Time("delay_until", until).Msg("job failed, retry scheduled")
		return nil
	}

	ok, err := s.store.FailJob(ctx, jobID, errMsg, stackTrace, now)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("fail %s: %w", jobID, domain.ErrInvalidState)
	}
	log.Warn().Str("job_id", jobID).Int("attempts", j.Attempts).Str("error", errMsg).Msg("job failed permanently")
	return nil
}

// Retry returns a failed job to pending, clearing the failure fields and
// optionally zeroing the attempt count. Only legal from failed.
func (s *Service) Retry(ctx context.Context, jobID string, resetAttempts bool) (domain.Job, error) {
	ok, err := s.store.RetryJob(ctx, jobID, resetAttempts)
	if err != nil {
		return domain.Job{}, err
	}
	if !ok {
		if _, err := s.store.GetJob(ctx, jobID); err != nil {
			return domain.Job{}, err
		}
		return domain.Job{}, fmt.Errorf("retry %s: %w", jobID, domain.ErrInvalidState)
	}
	return s.store.GetJob(ctx, jobID)
}

// RetryAllFailed returns every failed job in a queue to pending.
func (s *Service) RetryAllFailed(ctx context.Context, queueID string) (int, error) {
	if _, err := s.store.GetQueue(ctx, queueID); err != nil {
		return 0, err
	}
	n, err := s.store.RetryAllFailed(ctx, queueID)
	if err != nil {
		return 0, err
	}
	if n > 0 {
		log.Info().Str("queue_id", queueID).Int("retried", n).Msg("failed jobs requeued")
	}
	return n, nil
}

// Cancel removes a job that has not started. Only legal from pending or
// delayed; an in-flight handler is never interrupted.
func (s *Service) Cancel(ctx context.Context, jobID string) error {
	ok, err := s.store.DeleteJob(ctx, jobID)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("cancel %s: %w", jobID, domain.ErrInvalidState)
	}
	return nil
}

// UpdateProgress sets a job's progress, clamped to [0,100]. Legal any time
// before a terminal state.
func (s *Service) UpdateProgress(ctx context.Context, jobID string, pct int) error {
	if pct < 0 {
		pct = 0
	}
	if pct > 100 {
		pct = 100
	}
	ok, err := s.store.SetProgress(ctx, jobID, pct)
	if err != nil {
		return err
	}
	if !ok {
		if _, err := s.store.GetJob(ctx, jobID); err != nil {
			return err
		}
		return fmt.Errorf("progress %s: %w", jobID, domain.ErrInvalidState)
	}
	return nil
}

// PromoteDue moves every delayed job whose delay has passed back to pending.
func (s *Service) PromoteDue(ctx context.Context, now time.Time) (int, error) {
	return s.store.PromoteDueJobs(ctx, now)
}

func (s *Service) Get(ctx context.Context, jobID string) (domain.Job, error) {
	return s.store.GetJob(ctx, jobID)
}

func (s *Service) List(ctx context.Context, queueID string, status domain.JobStatus, limit int) ([]domain.Job, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	if status != "" && !status.Valid() {
		return nil, fmt.Errorf("unknown status %q", status)
	}
	return s.store.ListJobs(ctx, queueID, status, limit)
}

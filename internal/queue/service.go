// Package queue implements the queue registry: CRUD over named queue
// definitions and their live statistics.
package queue

import (
	"context"
	"fmt"

	"github.com/rs/zerolog/log"

	"conveyor/internal/domain"
	"conveyor/internal/store"
)

const (
	DefaultConcurrency  = 1
	DefaultMaxRetries   = 3
	DefaultRetryDelayMs = 5000
)

type Service struct {
	store *store.Store
}

func NewService(st *store.Store) *Service {
	return &Service{store: st}
}

// CreateOpts carries optional queue settings; zero values take defaults.
type CreateOpts struct {
	Description  string
	Concurrency  int
	MaxRetries   int
	RetryDelayMs int
}

func (s *Service) Create(ctx context.Context, name string, opts CreateOpts) (domain.Queue, error) {
	if name == "" {
		return domain.Queue{}, fmt.Errorf("queue name is required")
	}
	q := domain.Queue{
		Name:         name,
		Description:  opts.Description,
		Concurrency:  opts.Concurrency,
		MaxRetries:   opts.MaxRetries,
		RetryDelayMs: opts.RetryDelayMs,
	}
	if q.Concurrency <= 0 {
		q.Concurrency = DefaultConcurrency
	}
	if q.MaxRetries <= 0 {
		q.MaxRetries = DefaultMaxRetries
	}
	if q.RetryDelayMs <= 0 {
		q.RetryDelayMs = DefaultRetryDelayMs
	}

	id, err := s.store.CreateQueue(ctx, q)
	if err != nil {
		return domain.Queue{}, err
	}
	log.Info().Str("queue_id", id).Str("name", name).Msg("queue created")
	return s.store.GetQueue(ctx, id)
}

func (s *Service) Get(ctx context.Context, id string) (domain.Queue, error) {
	return s.store.GetQueue(ctx, id)
}

func (s *Service) List(ctx context.Context) ([]domain.Queue, error) {
	return s.store.ListQueues(ctx)
}

// Pause stops dispatch of the queue's pending jobs. Already-active jobs run
// to completion.
func (s *Service) Pause(ctx context.Context, id string) error {
	if err := s.store.SetQueuePaused(ctx, id, true); err != nil {
		return err
	}
	log.Info().Str("queue_id", id).Msg("queue paused")
	return nil
}

func (s *Service) Resume(ctx context.Context, id string) error {
	if err := s.store.SetQueuePaused(ctx, id, false); err != nil {
		return err
	}
	log.Info().Str("queue_id", id).Msg("queue resumed")
	return nil
}

// UpdateOpts carries the mutable queue attributes; nil fields are untouched.
type UpdateOpts struct {
	Description  *string
	Concurrency  *int
	MaxRetries   *int
	RetryDelayMs *int
}

// Update changes queue settings. The name is immutable. Settings apply to
// jobs enqueued afterwards; existing jobs keep the attempt budget they were
// created with.
func (s *Service) Update(ctx context.Context, id string, opts UpdateOpts) (domain.Queue, error) {
	q, err := s.store.GetQueue(ctx, id)
	if err != nil {
		return domain.Queue{}, err
	}
	if opts.Description != nil {
		q.Description = *opts.Description
	}
	if opts.Concurrency != nil && *opts.Concurrency > 0 {
		q.Concurrency = *opts.Concurrency
	}
	if opts.MaxRetries != nil && *opts.MaxRetries >= 0 {
		q.MaxRetries = *opts.MaxRetries
	}
	if opts.RetryDelayMs != nil && *opts.RetryDelayMs > 0 {
		q.RetryDelayMs = *opts.RetryDelayMs
	}
	if err := s.store.UpdateQueue(ctx, q); err != nil {
		return domain.Queue{}, err
	}
	return s.store.GetQueue(ctx, id)
}

// Delete removes a queue; it is refused while jobs still reference it.
func (s *Service) Delete(ctx context.Context, id string) error {
	return s.store.DeleteQueue(ctx, id)
}

// Stats computes live counts per status, straight from the store.
func (s *Service) Stats(ctx context.Context, id string) (domain.QueueStats, error) {
	return s.store.QueueStats(ctx, id)
}

// Clear deletes jobs in the queue, optionally only those in one status.
// Housekeeping only; not part of the dispatch path.
func (s *Service) Clear(ctx context.Context, id string, status domain.JobStatus) (int, error) {
	if _, err := s.store.GetQueue(ctx, id); err != nil {
		return 0, err
	}
	if status != "" && !status.Valid() {
		return 0, fmt.Errorf("unknown status %q", status)
	}
	n, err := s.store.ClearJobs(ctx, id, status)
	if err != nil {
		return 0, err
	}
	log.Info().Str("queue_id", id).Str("status", status.String()).Int("deleted", n).Msg("queue cleared")
	return n, nil
}

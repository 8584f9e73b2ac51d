// Package worker runs the dispatch loop: it promotes due delayed jobs,
// claims pending jobs under per-queue concurrency limits, and invokes the
// registered handlers.
package worker

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog/log"
	"golang.org/x/sync/semaphore"

	"conveyor/internal/domain"
	"conveyor/internal/jobs"
	"conveyor/internal/store"
)

const (
	DefaultInterval      = 5 * time.Second
	DefaultActiveCeiling = 15 * time.Minute
)

type Dispatcher struct {
	store    *store.Store
	jobs     *jobs.Service
	registry *Registry
	interval time.Duration

	// activeCeiling bounds how long a job may sit in active before the
	// watchdog routes it through the failure path.
	activeCeiling time.Duration

	ticking atomic.Bool
	stop    chan struct{}
}

func NewDispatcher(st *store.Store, js *jobs.Service, reg *Registry, interval, activeCeiling time.Duration) *Dispatcher {
	if interval <= 0 {
		interval = DefaultInterval
	}
	if activeCeiling <= 0 {
		activeCeiling = DefaultActiveCeiling
	}
	return &Dispatcher{
		store:         st,
		jobs:          js,
		registry:      reg,
		interval:      interval,
		activeCeiling: activeCeiling,
		stop:          make(chan struct{}),
	}
}

// Run polls on the dispatch interval until the context is cancelled or Stop
// is called.
func (d *Dispatcher) Run(ctx context.Context) {
	t := time.NewTicker(d.interval)
	defer t.Stop()

	log.Info().Dur("interval", d.interval).Msg("dispatcher started")

	for {
		select {
		case <-ctx.Done():
			return
		case <-d.stop:
			return
		case now := <-t.C:
			if err := d.Tick(ctx, now); err != nil {
				log.Error().Err(err).Msg("dispatch tick failed")
			}
		}
	}
}

func (d *Dispatcher) Stop() { close(d.stop) }

// Tick runs one dispatch pass. Overlapping ticks are dropped: if the
// previous pass is still running when the timer fires again, the new tick
// returns immediately.
func (d *Dispatcher) Tick(ctx context.Context, now time.Time) error {
	if !d.ticking.CompareAndSwap(false, true) {
		return nil
	}
	defer d.ticking.Store(false)

	d.requeueStuck(ctx, now)

	promoted, err := d.jobs.PromoteDue(ctx, now)
	if err != nil {
		return fmt.Errorf("promote delayed jobs: %w", err)
	}
	if promoted > 0 {
		log.Debug().Int("promoted", promoted).Msg("delayed jobs promoted")
	}

	queues, err := d.store.ListQueues(ctx)
	if err != nil {
		return fmt.Errorf("list queues: %w", err)
	}
	for _, q := range queues {
		if q.Paused {
			continue
		}
		d.dispatchQueue(ctx, q, now)
	}
	return nil
}

// requeueStuck routes jobs that have been active beyond the ceiling through
// the normal failure path, so they consume an attempt and either retry or
// land in failed instead of hanging forever.
func (d *Dispatcher) requeueStuck(ctx context.Context, now time.Time) {
	stuck, err := d.store.StaleActive(ctx, now.Add(-d.activeCeiling))
	if err != nil {
		log.Error().Err(err).Msg("stale active scan failed")
		return
	}
	for _, j := range stuck {
		msg := fmt.Sprintf("handler exceeded execution ceiling (%s)", d.activeCeiling)
		if err := d.jobs.MarkFailed(ctx, j.ID, msg, ""); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("failed to requeue stuck job")
		} else {
			log.Warn().Str("job_id", j.ID).Str("name", j.Name).Msg("stuck active job requeued")
		}
	}
}

// dispatchQueue claims and runs up to the queue's free concurrency capacity.
// Handlers run concurrently, bounded by a weighted semaphore; the tick
// awaits the whole set before returning.
func (d *Dispatcher) dispatchQueue(ctx context.Context, q domain.Queue, now time.Time) {
	active, err := d.store.CountActive(ctx, q.ID)
	if err != nil {
		log.Error().Err(err).Str("queue_id", q.ID).Msg("count active failed")
		return
	}
	capacity := q.Concurrency - active
	if capacity <= 0 {
		return
	}

	pending, err := d.store.SelectPending(ctx, q.ID, capacity)
	if err != nil {
		log.Error().Err(err).Str("queue_id", q.ID).Msg("select pending failed")
		return
	}

	sem := semaphore.NewWeighted(int64(q.Concurrency))
	var wg sync.WaitGroup

	for _, j := range pending {
		claimed, err := d.jobs.MarkActive(ctx, j.ID)
		if err != nil {
			// Lost the claim race or the job moved; not ours to run.
			if !errors.Is(err, domain.ErrInvalidState) {
				log.Error().Err(err).Str("job_id", j.ID).Msg("claim failed")
			}
			continue
		}

		if err := sem.Acquire(ctx, 1); err != nil {
			// Context gone mid-tick; the claimed job will be picked up by
			// the watchdog.
			break
		}
		wg.Add(1)
		go func(job domain.Job) {
			defer sem.Release(1)
			defer wg.Done()
			d.runJob(ctx, job)
		}(claimed)
	}
	wg.Wait()
}

func (d *Dispatcher) runJob(ctx context.Context, j domain.Job) {
	h, ok := d.registry.Resolve(j.Name)
	if !ok {
		// An unknown name is not an engine error: retrying a handler that
		// will never exist only burns the retry budget.
		result := []byte(fmt.Sprintf(`{"skipped":"no handler registered for %s"}`, j.Name))
		if err := d.jobs.MarkCompleted(ctx, j.ID, result); err != nil {
			log.Error().Err(err).Str("job_id", j.ID).Msg("skip-complete failed")
		}
		log.Warn().Str("job_id", j.ID).Str("name", j.Name).Msg("no handler registered, job skipped")
		return
	}

	result, err := d.invoke(ctx, h, j.Data)
	if err != nil {
		var stack string
		var pe *panicError
		if errors.As(err, &pe) {
			stack = pe.stack
		}
		if ferr := d.jobs.MarkFailed(ctx, j.ID, err.Error(), stack); ferr != nil {
			log.Error().Err(ferr).Str("job_id", j.ID).Msg("mark failed errored")
		}
		return
	}
	if err := d.jobs.MarkCompleted(ctx, j.ID, result); err != nil {
		log.Error().Err(err).Str("job_id", j.ID).Msg("mark completed errored")
	}
}

type panicError struct {
	value any
	stack string
}

func (p *panicError) Error() string { return fmt.Sprintf("handler panic: %v", p.value) }

// invoke runs the handler, converting a panic into an error with its stack
// so one bad handler cannot take down the loop.
func (d *Dispatcher) invoke(ctx context.Context, h Handler, data []byte) (result []byte, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &panicError{value: r, stack: string(debug.Stack())}
		}
	}()
	return h.Handle(ctx, data)
}

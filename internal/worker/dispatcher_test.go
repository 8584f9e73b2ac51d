package worker

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/backoff"
	"conveyor/internal/domain"
	"conveyor/internal/jobs"
	"conveyor/internal/store"
)

type fixture struct {
	store      *store.Store
	jobs       *jobs.Service
	registry   *Registry
	dispatcher *Dispatcher
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })

	js := jobs.NewService(st, backoff.Default())
	reg := NewRegistry()
	return &fixture{
		store:      st,
		jobs:       js,
		registry:   reg,
		dispatcher: NewDispatcher(st, js, reg, time.Second, time.Hour),
	}
}

func (f *fixture) createQueue(t *testing.T, name string, concurrency, maxRetries, retryDelayMs int) domain.Queue {
	t.Helper()
	id, err := f.store.CreateQueue(context.Background(), domain.Queue{
		Name: name, Concurrency: concurrency, MaxRetries: maxRetries, RetryDelayMs: retryDelayMs,
	})
	require.NoError(t, err)
	q, err := f.store.GetQueue(context.Background(), id)
	require.NoError(t, err)
	return q
}

// recorder is a handler that records which payload names it saw.
type recorder struct {
	mu   sync.Mutex
	seen []string
	err  error
}

func (r *recorder) Handle(_ context.Context, data []byte) ([]byte, error) {
	r.mu.Lock()
	r.seen = append(r.seen, string(data))
	r.mu.Unlock()
	return []byte("ok"), r.err
}

func (r *recorder) names() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]string(nil), r.seen...)
}

func TestTick_DispatchOrdering(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue(t, "ordered", 2, 3, 5000)
	ctx := context.Background()

	rec := &recorder{}
	f.registry.Register("task", rec)

	base := time.Now().UTC().Add(-time.Minute)
	insert := func(name string, priority int, created time.Time) {
		_, err := f.store.InsertJob(ctx, domain.Job{
			QueueID: q.ID, Name: "task", Data: []byte(name),
			Status: domain.StatusPending, Priority: priority, MaxAttempts: 4, CreatedAt: created,
		})
		require.NoError(t, err)
	}
	insert("A", 5, base.Add(time.Second))
	insert("B", 5, base)
	insert("C", 9, base.Add(2*time.Second))

	// Concurrency 2: the first tick takes C and B, leaving A pending.
	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))
	assert.ElementsMatch(t, []string{"C", "B"}, rec.names())

	pending, err := f.store.SelectPending(ctx, q.ID, 10)
	require.NoError(t, err)
	require.Len(t, pending, 1)
	assert.Equal(t, []byte("A"), pending[0].Data)

	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))
	assert.ElementsMatch(t, []string{"C", "B", "A"}, rec.names())
}

func TestTick_PausedQueueNotDispatched(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue(t, "paused", 2, 3, 5000)
	ctx := context.Background()

	rec := &recorder{}
	f.registry.Register("task", rec)

	j, err := f.jobs.Enqueue(ctx, q.ID, "task", nil, jobs.EnqueueOpts{})
	require.NoError(t, err)
	require.NoError(t, f.store.SetQueuePaused(ctx, q.ID, true))

	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))
	assert.Empty(t, rec.names())

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status, "paused queues keep their pending jobs")

	require.NoError(t, f.store.SetQueuePaused(ctx, q.ID, false))
	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))
	got, err = f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
}

func TestTick_UnknownHandlerCompletesAsSkipped(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue(t, "ghosts", 1, 3, 5000)
	ctx := context.Background()

	j, err := f.jobs.Enqueue(ctx, q.ID, "no-such-handler", nil, jobs.EnqueueOpts{})
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status, "an unknown name must not burn the retry budget")
	assert.Contains(t, string(got.Result), "no handler registered")
	assert.Equal(t, 1, got.Attempts)
}

func TestTick_RetryExhaustion(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue(t, "flaky", 1, 2, 1) // 3 total attempts, 1ms retry delay
	ctx := context.Background()

	rec := &recorder{err: errors.New("boom")}
	f.registry.Register("task", rec)

	j, err := f.jobs.Enqueue(ctx, q.ID, "task", []byte("J"), jobs.EnqueueOpts{})
	require.NoError(t, err)

	statuses := make([]domain.JobStatus, 0, 3)
	for i := 0; i < 3; i++ {
		// Future tick time so the retry delay has always elapsed.
		require.NoError(t, f.dispatcher.Tick(ctx, time.Now().Add(time.Second)))
		got, err := f.jobs.Get(ctx, j.ID)
		require.NoError(t, err)
		statuses = append(statuses, got.Status)
	}

	assert.Equal(t, []domain.JobStatus{domain.StatusDelayed, domain.StatusDelayed, domain.StatusFailed}, statuses,
		"delayed between attempts, failed once the budget is spent")

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 3, got.Attempts)
	assert.Equal(t, "boom", got.Error)
	assert.Len(t, rec.names(), 3)
}

func TestTick_HandlerPanicIsCaptured(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue(t, "panics", 1, 0, 1) // single attempt
	ctx := context.Background()

	f.registry.Register("task", HandlerFunc(func(context.Context, []byte) ([]byte, error) {
		panic("kaboom")
	}))

	j, err := f.jobs.Enqueue(ctx, q.ID, "task", nil, jobs.EnqueueOpts{})
	require.NoError(t, err)

	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusFailed, got.Status)
	assert.Contains(t, got.Error, "kaboom")
	assert.NotEmpty(t, got.StackTrace)
}

func TestTick_WatchdogRequeuesStuckActive(t *testing.T) {
	f := newFixture(t)
	// Retry delay far beyond the tick horizon so the requeued job stays
	// delayed instead of being promoted within the same tick.
	q := f.createQueue(t, "stuck", 1, 3, 300000)
	ctx := context.Background()

	j, err := f.jobs.Enqueue(ctx, q.ID, "task", nil, jobs.EnqueueOpts{})
	require.NoError(t, err)
	_, err = f.jobs.MarkActive(ctx, j.ID)
	require.NoError(t, err)

	d := NewDispatcher(f.store, f.jobs, f.registry, time.Second, time.Minute)
	require.NoError(t, d.Tick(ctx, time.Now().Add(61*time.Second)))

	got, err := f.jobs.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelayed, got.Status, "stuck job goes through the normal retry path")
	assert.Contains(t, got.Error, "execution ceiling")
}

func TestTick_RespectsConcurrencyCapacity(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue(t, "capped", 2, 3, 5000)
	ctx := context.Background()

	// One slot is already taken by an active job.
	held, err := f.jobs.Enqueue(ctx, q.ID, "held", nil, jobs.EnqueueOpts{})
	require.NoError(t, err)
	_, err = f.jobs.MarkActive(ctx, held.ID)
	require.NoError(t, err)

	rec := &recorder{}
	f.registry.Register("task", rec)
	for _, name := range []string{"1", "2", "3"} {
		_, err := f.jobs.Enqueue(ctx, q.ID, "task", []byte(name), jobs.EnqueueOpts{})
		require.NoError(t, err)
	}

	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))
	assert.Len(t, rec.names(), 1, "only the free capacity is dispatched")
}

func TestTick_SingleFlight(t *testing.T) {
	f := newFixture(t)
	q := f.createQueue(t, "slow", 1, 3, 5000)
	ctx := context.Background()

	started := make(chan struct{})
	release := make(chan struct{})
	f.registry.Register("task", HandlerFunc(func(context.Context, []byte) ([]byte, error) {
		close(started)
		<-release
		return nil, nil
	}))

	_, err := f.jobs.Enqueue(ctx, q.ID, "task", nil, jobs.EnqueueOpts{})
	require.NoError(t, err)

	done := make(chan error, 1)
	go func() { done <- f.dispatcher.Tick(ctx, time.Now()) }()
	<-started

	// A second tick while the first is still running is dropped.
	require.NoError(t, f.dispatcher.Tick(ctx, time.Now()))

	close(release)
	require.NoError(t, <-done)
}

func TestRegistry_ResolveAndNames(t *testing.T) {
	reg := NewRegistry()
	_, ok := reg.Resolve("missing")
	assert.False(t, ok)

	reg.Register("a", HandlerFunc(func(context.Context, []byte) ([]byte, error) { return nil, nil }))
	_, ok = reg.Resolve("a")
	assert.True(t, ok)
	assert.ElementsMatch(t, []string{"a"}, reg.Names())
}

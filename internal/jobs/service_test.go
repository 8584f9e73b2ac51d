package jobs

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"conveyor/internal/backoff"
	"conveyor/internal/domain"
	"conveyor/internal/store"
)

func newTestService(t *testing.T) (*Service, *store.Store) {
	t.Helper()
	st, err := store.Open(filepath.Join(t.TempDir(), "conveyor.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = st.Close() })
	return NewService(st, backoff.Default()), st
}

func createQueue(t *testing.T, st *store.Store, maxRetries, retryDelayMs int) domain.Queue {
	t.Helper()
	id, err := st.CreateQueue(context.Background(), domain.Queue{
		Name:         "q-" + t.Name(),
		Concurrency:  1,
		MaxRetries:   maxRetries,
		RetryDelayMs: retryDelayMs,
	})
	require.NoError(t, err)
	q, err := st.GetQueue(context.Background(), id)
	require.NoError(t, err)
	return q
}

func TestEnqueue_Pending(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 3, 5000)

	j, err := svc.Enqueue(context.Background(), q.ID, "send-email", []byte(`{"to":"a@b"}`), EnqueueOpts{Priority: 7})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, j.Status)
	assert.Equal(t, 7, j.Priority)
	assert.Equal(t, 4, j.MaxAttempts, "budget is initial attempt plus max_retries")
	assert.Nil(t, j.DelayUntil)
	assert.Zero(t, j.Attempts)
}

func TestEnqueue_Delayed(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 3, 5000)

	j, err := svc.Enqueue(context.Background(), q.ID, "later", nil, EnqueueOpts{Delay: time.Hour})
	require.NoError(t, err)
	assert.Equal(t, domain.StatusDelayed, j.Status)
	require.NotNil(t, j.DelayUntil)
	assert.True(t, j.DelayUntil.After(time.Now().UTC().Add(50*time.Minute)))
}

func TestEnqueue_UnknownQueue(t *testing.T) {
	svc, _ := newTestService(t)
	_, err := svc.Enqueue(context.Background(), "que_missing", "x", nil, EnqueueOpts{})
	assert.ErrorIs(t, err, domain.ErrQueueNotFound)
}

func TestMarkActive_DoubleClaim(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 3, 5000)

	j, err := svc.Enqueue(context.Background(), q.ID, "x", nil, EnqueueOpts{})
	require.NoError(t, err)

	claimed, err := svc.MarkActive(context.Background(), j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusActive, claimed.Status)
	assert.Equal(t, 1, claimed.Attempts)

	_, err = svc.MarkActive(context.Background(), j.ID)
	assert.ErrorIs(t, err, domain.ErrInvalidState)
}

func TestMarkFailed_RetryThenExhaustion(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 2, 1) // budget: 3 total attempts
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, q.ID, "flaky", nil, EnqueueOpts{})
	require.NoError(t, err)

	for attempt := 1; attempt <= 3; attempt++ {
		if attempt > 1 {
			n, err := svc.PromoteDue(ctx, time.Now().Add(time.Second))
			require.NoError(t, err)
			require.Equal(t, 1, n)
		}
		_, err = svc.MarkActive(ctx, j.ID)
		require.NoError(t, err)
		require.NoError(t, svc.MarkFailed(ctx, j.ID, "boom", "stack"))

		got, err := svc.Get(ctx, j.ID)
		require.NoError(t, err)
		assert.Equal(t, attempt, got.Attempts)
		if attempt < 3 {
			assert.Equal(t, domain.StatusDelayed, got.Status, "attempt %d should schedule a retry", attempt)
			assert.NotNil(t, got.DelayUntil)
		} else {
			assert.Equal(t, domain.StatusFailed, got.Status)
			assert.Equal(t, got.MaxAttempts, got.Attempts, "failed only once the budget is spent")
			assert.Equal(t, "boom", got.Error)
			assert.NotNil(t, got.FailedAt)
			assert.Nil(t, got.DelayUntil)
		}
	}
}

func TestMarkCompleted(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 3, 5000)
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, q.ID, "x", nil, EnqueueOpts{})
	require.NoError(t, err)
	_, err = svc.MarkActive(ctx, j.ID)
	require.NoError(t, err)

	require.NoError(t, svc.MarkCompleted(ctx, j.ID, []byte("done")))

	got, err := svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusCompleted, got.Status)
	assert.Equal(t, 100, got.Progress)
	assert.Equal(t, []byte("done"), got.Result)

	// Completing twice is an invalid transition.
	assert.ErrorIs(t, svc.MarkCompleted(ctx, j.ID, nil), domain.ErrInvalidState)
}

func TestRetry_OnlyFromFailed(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 0, 1) // single attempt, fails immediately
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, q.ID, "x", nil, EnqueueOpts{})
	require.NoError(t, err)

	_, err = svc.Retry(ctx, j.ID, false)
	assert.ErrorIs(t, err, domain.ErrInvalidState, "retry on a pending job is refused")

	_, err = svc.MarkActive(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, svc.MarkFailed(ctx, j.ID, "boom", ""))

	got, err := svc.Retry(ctx, j.ID, true)
	require.NoError(t, err)
	assert.Equal(t, domain.StatusPending, got.Status)
	assert.Zero(t, got.Attempts)
	assert.Empty(t, got.Error)
}

func TestCancel_Guards(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 3, 5000)
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, q.ID, "x", nil, EnqueueOpts{})
	require.NoError(t, err)
	_, err = svc.MarkActive(ctx, j.ID)
	require.NoError(t, err)

	assert.ErrorIs(t, svc.Cancel(ctx, j.ID), domain.ErrInvalidState, "cancel on an active job is refused")

	delayed, err := svc.Enqueue(ctx, q.ID, "y", nil, EnqueueOpts{Delay: time.Hour})
	require.NoError(t, err)
	require.NoError(t, svc.Cancel(ctx, delayed.ID))

	_, err = svc.Get(ctx, delayed.ID)
	assert.ErrorIs(t, err, domain.ErrJobNotFound, "cancelled jobs are removed")
}

func TestUpdateProgress_ClampsAndGuards(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 3, 5000)
	ctx := context.Background()

	j, err := svc.Enqueue(ctx, q.ID, "x", nil, EnqueueOpts{})
	require.NoError(t, err)

	require.NoError(t, svc.UpdateProgress(ctx, j.ID, 150))
	got, err := svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Equal(t, 100, got.Progress)

	require.NoError(t, svc.UpdateProgress(ctx, j.ID, -5))
	got, err = svc.Get(ctx, j.ID)
	require.NoError(t, err)
	assert.Zero(t, got.Progress)

	_, err = svc.MarkActive(ctx, j.ID)
	require.NoError(t, err)
	require.NoError(t, svc.MarkCompleted(ctx, j.ID, nil))
	assert.ErrorIs(t, svc.UpdateProgress(ctx, j.ID, 10), domain.ErrInvalidState)
}

func TestRetryAllFailed(t *testing.T) {
	svc, st := newTestService(t)
	q := createQueue(t, st, 0, 1)
	ctx := context.Background()

	for i := 0; i < 2; i++ {
		j, err := svc.Enqueue(ctx, q.ID, "x", nil, EnqueueOpts{})
		require.NoError(t, err)
		_, err = svc.MarkActive(ctx, j.ID)
		require.NoError(t, err)
		require.NoError(t, svc.MarkFailed(ctx, j.ID, "boom", ""))
	}

	n, err := svc.RetryAllFailed(ctx, q.ID)
	require.NoError(t, err)
	assert.Equal(t, 2, n)

	list, err := svc.List(ctx, q.ID, domain.StatusPending, 10)
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

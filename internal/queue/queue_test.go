package queue

import (
	"context"
	"os"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/docpipe/docpipe/constants"
)

// testQueue connects to the Redis named by REDIS_ADDR and skips otherwise,
// so the suite stays runnable without infrastructure.
func testQueue(t *testing.T) *Queue {
	t.Helper()
	addr := os.Getenv("REDIS_ADDR")
	if addr == "" {
		t.Skip("REDIS_ADDR not set; skipping queue integration tests")
	}
	rdb := redis.NewClient(&redis.Options{Addr: addr, DB: 9})
	t.Cleanup(func() {
		_ = rdb.FlushDB(context.Background()).Err()
		_ = rdb.Close()
	})
	return New(rdb, "test_queue_"+t.Name(), time.Hour, nil)
}

func TestEnqueueValidation(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	_, err := q.Enqueue(ctx, "", "s1", nil)
	assert.Error(t, err)
	_, err = q.Enqueue(ctx, "demo.pdf", "  ", nil)
	assert.Error(t, err)
}

func TestEnqueueDequeueFIFO(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	first, err := q.Enqueue(ctx, "a.pdf", "s1", map[string]any{"lang": "en"})
	require.NoError(t, err)
	second, err := q.Enqueue(ctx, "b.pdf", "s1", nil)
	require.NoError(t, err)

	job, err := q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, first, job.ID)
	assert.Equal(t, "a.pdf", job.FileRef)
	assert.Equal(t, constants.JobStatusPending, job.Status)
	assert.Equal(t, "en", job.Config["lang"])

	job, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, second, job.ID)
}

func TestDequeueTimeout(t *testing.T) {
	q := testQueue(t)

	start := time.Now()
	job, err := q.Dequeue(context.Background(), 500*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 400*time.Millisecond)
}

func TestStatusTransitions(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "demo.pdf", "s1", nil)
	require.NoError(t, err)

	// pending -> completed is not an edge
	err = q.UpdateStatus(ctx, id, constants.JobStatusCompleted, "")
	assert.ErrorIs(t, err, ErrTerminalState)

	require.NoError(t, q.UpdateStatus(ctx, id, constants.JobStatusProcessing, ""))
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.StartedAt)
	assert.Nil(t, job.CompletedAt)

	require.NoError(t, q.UpdateStatus(ctx, id, constants.JobStatusCompleted, ""))
	job, err = q.Get(ctx, id)
	require.NoError(t, err)
	require.NotNil(t, job.CompletedAt)
	assert.False(t, job.CompletedAt.Before(*job.StartedAt))

	// terminal states have no exits
	err = q.UpdateStatus(ctx, id, constants.JobStatusFailed, "late")
	assert.ErrorIs(t, err, ErrTerminalState)
}

func TestUpdateProgressIdempotent(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "demo.pdf", "s1", nil)
	require.NoError(t, err)

	require.NoError(t, q.UpdateProgress(ctx, id, 42, "halfway-ish"))
	require.NoError(t, q.UpdateProgress(ctx, id, 42, "halfway-ish"))
	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, 42, job.Progress)

	require.NoError(t, q.UpdateProgress(ctx, id, 175, ""))
	job, _ = q.Get(ctx, id)
	assert.Equal(t, 100, job.Progress)

	require.NoError(t, q.UpdateProgress(ctx, id, -3, ""))
	job, _ = q.Get(ctx, id)
	assert.Equal(t, 0, job.Progress)
}

func TestCancelPendingOnly(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	id, err := q.Enqueue(ctx, "demo.pdf", "s1", nil)
	require.NoError(t, err)

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	before := stats.QueueLength

	ok, err := q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.True(t, ok)

	stats, err = q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, before-1, stats.QueueLength)

	job, err := q.Get(ctx, id)
	require.NoError(t, err)
	assert.Equal(t, constants.JobStatusCancelled, job.Status)

	// second cancel: already terminal
	ok, err = q.Cancel(ctx, id)
	require.NoError(t, err)
	assert.False(t, ok)

	// a dispatched job cannot be cancelled
	id2, err := q.Enqueue(ctx, "other.pdf", "s1", nil)
	require.NoError(t, err)
	_, err = q.Dequeue(ctx, time.Second)
	require.NoError(t, err)
	require.NoError(t, q.UpdateStatus(ctx, id2, constants.JobStatusProcessing, ""))
	ok, err = q.Cancel(ctx, id2)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestStatsCountsByStatus(t *testing.T) {
	q := testQueue(t)
	ctx := context.Background()

	a, _ := q.Enqueue(ctx, "a.pdf", "s1", nil)
	_, _ = q.Enqueue(ctx, "b.pdf", "s1", nil)
	require.NoError(t, q.UpdateStatus(ctx, a, constants.JobStatusProcessing, ""))

	stats, err := q.Stats(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, stats.CountsByStatus[constants.JobStatusPending])
	assert.Equal(t, 1, stats.CountsByStatus[constants.JobStatusProcessing])
}

//go:build unit

package queue

import (
	"context"
	"encoding/json"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func testJob(queueName string, opts EnqueueOptions) *Job {
	return newJob(queueName, json.RawMessage(`{"n":1}`), opts, time.Now())
}

func TestMemoryStoreEnqueueDequeue(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	accepted, err := store.Enqueue(ctx, testJob("dispatch", EnqueueOptions{}))
	require.NoError(t, err)
	require.True(t, accepted)

	job, err := store.Dequeue(ctx, "dispatch", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)
	assert.Equal(t, "dispatch", job.Queue)
	assert.JSONEq(t, `{"n":1}`, string(job.Payload))
}

func TestMemoryStoreFIFO(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	first := testJob("dispatch", EnqueueOptions{})
	second := testJob("dispatch", EnqueueOptions{})

	_, err := store.Enqueue(ctx, first)
	require.NoError(t, err)
	_, err = store.Enqueue(ctx, second)
	require.NoError(t, err)

	got, err := store.Dequeue(ctx, "dispatch", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, first.ID, got.ID)

	got, err = store.Dequeue(ctx, "dispatch", 100*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, second.ID, got.ID)
}

func TestMemoryStoreDedupeCollision(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	accepted, err := store.Enqueue(ctx, testJob("dispatch", EnqueueOptions{DedupeID: "record-1"}))
	require.NoError(t, err)
	require.True(t, accepted)

	accepted, err = store.Enqueue(ctx, testJob("dispatch", EnqueueOptions{DedupeID: "record-1"}))
	require.NoError(t, err)
	assert.False(t, accepted, "same dedupe id while pending must be a no-op")

	assert.Equal(t, 1, store.Depth("dispatch"))
}

func TestMemoryStoreDedupeReleasedAfterCompletion(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testJob("dispatch", EnqueueOptions{DedupeID: "record-1"}))
	require.NoError(t, err)

	job, err := store.Dequeue(ctx, "dispatch", 100*time.Millisecond)
	require.NoError(t, err)
	require.NotNil(t, job)

	// Still in flight: duplicate suppressed.
	accepted, err := store.Enqueue(ctx, testJob("dispatch", EnqueueOptions{DedupeID: "record-1"}))
	require.NoError(t, err)
	require.False(t, accepted)

	require.NoError(t, store.Complete(ctx, job))

	accepted, err = store.Enqueue(ctx, testJob("dispatch", EnqueueOptions{DedupeID: "record-1"}))
	require.NoError(t, err)
	assert.True(t, accepted, "completed jobs release their dedupe id")
}

func TestMemoryStoreDelayedDelivery(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testJob("dispatch", EnqueueOptions{Delay: 80 * time.Millisecond}))
	require.NoError(t, err)

	job, err := store.Dequeue(ctx, "dispatch", 10*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job, "delayed job must not be delivered early")

	job, err = store.Dequeue(ctx, "dispatch", 500*time.Millisecond)
	require.NoError(t, err)
	assert.NotNil(t, job)
}

func TestMemoryStoreDequeueTimesOutEmpty(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	start := time.Now()
	job, err := store.Dequeue(context.Background(), "dispatch", 50*time.Millisecond)
	require.NoError(t, err)
	assert.Nil(t, job)
	assert.GreaterOrEqual(t, time.Since(start), 50*time.Millisecond)
}

func TestMemoryStoreDequeueRespectsContext(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := store.Dequeue(ctx, "dispatch", time.Minute)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestMemoryStoreQueuesAreIndependent(t *testing.T) {
	t.Parallel()

	store := NewMemoryStore()
	ctx := context.Background()

	_, err := store.Enqueue(ctx, testJob("a", EnqueueOptions{DedupeID: "shared"}))
	require.NoError(t, err)

	accepted, err := store.Enqueue(ctx, testJob("b", EnqueueOptions{DedupeID: "shared"}))
	require.NoError(t, err)
	assert.True(t, accepted, "dedupe ids are scoped per queue")
}

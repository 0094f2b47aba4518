// Package queue provides named work queues with delayed scheduling,
// idempotent job identifiers and per-queue worker concurrency.
//
// Jobs are scheduling hints, not state of record: callers that need
// durability keep their own source of truth and regenerate lost jobs (the
// outbox sweeper does exactly that). Delivery is at-least-once with a
// single queue-level attempt; retry policy belongs to the caller.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	// ErrQueueNameEmpty is returned when an operation names no queue.
	ErrQueueNameEmpty = errors.New("queue name is empty")
	// ErrNilHandler is returned when a worker is registered with a nil handler.
	ErrNilHandler = errors.New("handler is nil")
	// ErrNilStore is returned when a manager is created without a store.
	ErrNilStore = errors.New("store is nil")
	// ErrInvalidConcurrency is returned for a non-positive concurrency.
	ErrInvalidConcurrency = errors.New("concurrency must be positive")
	// ErrAlreadyRunning is returned when workers are registered after Run.
	ErrAlreadyRunning = errors.New("manager is already running")
	// ErrDuplicateWorker is returned when a queue already has a worker.
	ErrDuplicateWorker = errors.New("worker already registered for queue")
)

// Job is one unit of work scheduled on a named queue.
type Job struct {
	ID       string          `json:"id"`
	Queue    string          `json:"queue"`
	Payload  json.RawMessage `json:"payload"`
	DedupeID string          `json:"dedupeId,omitempty"`
	// ReadyAt is the earliest delivery time; zero means immediately.
	ReadyAt time.Time `json:"readyAt,omitempty"`
	// AttemptsMade is the number of deliveries so far, set by the manager
	// before the handler runs.
	AttemptsMade int       `json:"attemptsMade"`
	EnqueuedAt   time.Time `json:"enqueuedAt"`
}

// EnqueueOptions tune a single Enqueue call.
type EnqueueOptions struct {
	// Delay postpones delivery.
	Delay time.Duration
	// DedupeID makes scheduling idempotent: while a job with the same id is
	// pending or in flight on the queue, further enqueues are no-ops.
	DedupeID string
}

// Handler processes one delivered job.
type Handler func(ctx context.Context, job *Job) error

// Store persists jobs for a set of queues. Implementations must be safe for
// concurrent use.
type Store interface {
	// Enqueue schedules a job. It returns false without error when the
	// job's dedupe id collides with a pending or in-flight job.
	Enqueue(ctx context.Context, job *Job) (bool, error)

	// Dequeue returns the next ready job on the queue, blocking up to
	// block. It returns (nil, nil) when nothing became ready in time.
	Dequeue(ctx context.Context, queueName string, block time.Duration) (*Job, error)

	// Complete removes a delivered job and releases its dedupe id.
	Complete(ctx context.Context, job *Job) error

	// Fail drops a delivered job after a handler failure and releases its
	// dedupe id. The queue does not redeliver; callers own retry policy.
	Fail(ctx context.Context, job *Job) error
}

func newJob(queueName string, payload json.RawMessage, opts EnqueueOptions, now time.Time) *Job {
	job := &Job{
		ID:         uuid.NewString(),
		Queue:      queueName,
		Payload:    payload,
		DedupeID:   opts.DedupeID,
		EnqueuedAt: now,
	}

	if opts.Delay > 0 {
		job.ReadyAt = now.Add(opts.Delay)
	}

	return job
}

package queue

import (
	"context"
	"sync"
	"time"
)

// MemoryStore is the in-process Store. Jobs survive only as long as the
// process; the outbox sweeper regenerates anything lost on restart.
type MemoryStore struct {
	mu     sync.Mutex
	queues map[string]*memoryQueue

	// now is swapped in tests.
	now func() time.Time
}

type memoryQueue struct {
	pending []*Job
	dedupe  map[string]struct{}
	notify  chan struct{}
}

// NewMemoryStore creates an empty in-process store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues: make(map[string]*memoryQueue),
		now:    time.Now,
	}
}

func (s *MemoryStore) queue(name string) *memoryQueue {
	q, ok := s.queues[name]
	if !ok {
		q = &memoryQueue{
			dedupe: make(map[string]struct{}),
			notify: make(chan struct{}, 1),
		}
		s.queues[name] = q
	}

	return q
}

// Enqueue implements Store.
func (s *MemoryStore) Enqueue(_ context.Context, job *Job) (bool, error) {
	if job == nil || job.Queue == "" {
		return false, ErrQueueNameEmpty
	}

	s.mu.Lock()
	q := s.queue(job.Queue)

	if job.DedupeID != "" {
		if _, exists := q.dedupe[job.DedupeID]; exists {
			s.mu.Unlock()
			return false, nil
		}

		q.dedupe[job.DedupeID] = struct{}{}
	}

	q.pending = append(q.pending, job)
	s.mu.Unlock()

	select {
	case q.notify <- struct{}{}:
	default:
	}

	return true, nil
}

// Dequeue implements Store. FIFO among ready jobs is best effort.
func (s *MemoryStore) Dequeue(ctx context.Context, queueName string, block time.Duration) (*Job, error) {
	deadline := s.now().Add(block)

	for {
		s.mu.Lock()
		q := s.queue(queueName)
		job, wait := s.takeReady(q)
		s.mu.Unlock()

		if job != nil {
			return job, nil
		}

		now := s.now()
		if !now.Before(deadline) {
			return nil, nil
		}

		sleep := deadline.Sub(now)
		if wait > 0 && wait < sleep {
			sleep = wait
		}

		timer := time.NewTimer(sleep)

		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, ctx.Err()
		case <-q.notify:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// takeReady pops the oldest ready job, or returns how long until the next
// delayed job becomes ready (0 when the queue is empty).
func (s *MemoryStore) takeReady(q *memoryQueue) (*Job, time.Duration) {
	now := s.now()

	var nextReady time.Duration

	for i, job := range q.pending {
		if job.ReadyAt.IsZero() || !job.ReadyAt.After(now) {
			q.pending = append(q.pending[:i], q.pending[i+1:]...)
			return job, 0
		}

		until := job.ReadyAt.Sub(now)
		if nextReady == 0 || until < nextReady {
			nextReady = until
		}
	}

	return nil, nextReady
}

// Complete implements Store.
func (s *MemoryStore) Complete(_ context.Context, job *Job) error {
	s.release(job)
	return nil
}

// Fail implements Store.
func (s *MemoryStore) Fail(_ context.Context, job *Job) error {
	s.release(job)
	return nil
}

func (s *MemoryStore) release(job *Job) {
	if job == nil || job.DedupeID == "" {
		return
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[job.Queue]; ok {
		delete(q.dedupe, job.DedupeID)
	}
}

// Depth reports how many jobs are pending on a queue, delayed ones included.
func (s *MemoryStore) Depth(queueName string) int {
	s.mu.Lock()
	defer s.mu.Unlock()

	if q, ok := s.queues[queueName]; ok {
		return len(q.pending)
	}

	return 0
}

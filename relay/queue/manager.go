package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/runtime"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/telemetry"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const defaultPollInterval = time.Second

// Manager schedules jobs on a Store and runs registered workers against it.
// Handler failures and panics are isolated per job; the queue makes exactly
// one delivery attempt and leaves retry policy to the caller.
type Manager struct {
	store  Store
	logger log.Logger
	sink   telemetry.Sink
	tracer trace.Tracer

	pollInterval time.Duration

	mu      sync.Mutex
	workers map[string]*worker
	running bool

	stopOnce sync.Once
	stopCh   chan struct{}
	cancel   context.CancelFunc
	wg       sync.WaitGroup

	now func() time.Time
}

type worker struct {
	queueName   string
	handler     Handler
	concurrency int
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the manager logger.
func WithLogger(logger log.Logger) ManagerOption {
	return func(m *Manager) {
		m.logger = logger
	}
}

// WithTelemetry sets the telemetry sink.
func WithTelemetry(sink telemetry.Sink) ManagerOption {
	return func(m *Manager) {
		m.sink = sink
	}
}

// WithTracer sets the tracer used for per-job spans.
func WithTracer(tracer trace.Tracer) ManagerOption {
	return func(m *Manager) {
		m.tracer = tracer
	}
}

// WithPollInterval sets how long a worker blocks per dequeue.
func WithPollInterval(interval time.Duration) ManagerOption {
	return func(m *Manager) {
		if interval > 0 {
			m.pollInterval = interval
		}
	}
}

// NewManager creates a manager on the given store.
func NewManager(store Store, opts ...ManagerOption) (*Manager, error) {
	if store == nil {
		return nil, fmt.Errorf("queue manager: %w", ErrNilStore)
	}

	m := &Manager{
		store:        store,
		logger:       log.NewNop(),
		sink:         telemetry.NewNop(),
		tracer:       tracenoop.NewTracerProvider().Tracer("relay.queue"),
		pollInterval: defaultPollInterval,
		workers:      make(map[string]*worker),
		stopCh:       make(chan struct{}),
		now:          time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(m)
		}
	}

	return m, nil
}

// Enqueue schedules a payload on a named queue. It returns true when a job
// was scheduled and false for an idempotent dedupe no-op.
func (m *Manager) Enqueue(ctx context.Context, queueName string, payload any, opts EnqueueOptions) (bool, error) {
	if queueName == "" {
		return false, ErrQueueNameEmpty
	}

	encoded, err := json.Marshal(payload)
	if err != nil {
		return false, fmt.Errorf("encode payload: %w", err)
	}

	job := newJob(queueName, encoded, opts, m.now())

	accepted, err := m.store.Enqueue(ctx, job)
	if err != nil {
		return false, fmt.Errorf("enqueue on %s: %w", queueName, err)
	}

	if !accepted {
		m.logger.Log(ctx, log.LevelDebug, "duplicate job suppressed",
			log.String("queue", queueName),
			log.String("dedupe_id", opts.DedupeID),
		)
	}

	return accepted, nil
}

// RegisterWorker attaches a handler to a queue with the given concurrency.
// Workers must be registered before Start.
func (m *Manager) RegisterWorker(queueName string, handler Handler, concurrency int) error {
	if queueName == "" {
		return ErrQueueNameEmpty
	}

	if handler == nil {
		return ErrNilHandler
	}

	if concurrency < 1 {
		return ErrInvalidConcurrency
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if m.running {
		return ErrAlreadyRunning
	}

	if _, exists := m.workers[queueName]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateWorker, queueName)
	}

	m.workers[queueName] = &worker{
		queueName:   queueName,
		handler:     handler,
		concurrency: concurrency,
	}

	return nil
}

// Start launches all registered workers. It returns immediately; use
// Shutdown to stop and wait.
func (m *Manager) Start(ctx context.Context) error {
	m.mu.Lock()

	if m.running {
		m.mu.Unlock()
		return ErrAlreadyRunning
	}

	m.running = true

	workCtx, cancel := context.WithCancel(ctx)
	m.cancel = cancel

	workers := make([]*worker, 0, len(m.workers))
	for _, w := range m.workers {
		workers = append(workers, w)
	}
	m.mu.Unlock()

	for _, w := range workers {
		for slot := 0; slot < w.concurrency; slot++ {
			m.wg.Add(1)

			workerCopy := w
			name := fmt.Sprintf("%s_worker_%d", w.queueName, slot)

			runtime.SafeGoWithContext(workCtx, m.logger, "queue", name, runtime.KeepRunning, func(ctx context.Context) {
				defer m.wg.Done()
				m.workLoop(ctx, workerCopy)
			})
		}
	}

	m.logger.Log(ctx, log.LevelInfo, "queue workers started", log.Int("queues", len(workers)))

	return nil
}

// Stop signals workers to finish their current job and exit.
func (m *Manager) Stop() {
	m.stopOnce.Do(func() {
		close(m.stopCh)

		m.mu.Lock()
		if m.cancel != nil {
			m.cancel()
		}
		m.mu.Unlock()
	})
}

// Shutdown stops workers and waits for them, bounded by ctx.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.Stop()

	done := make(chan struct{})

	go func() {
		m.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("queue shutdown: %w", ctx.Err())
	}
}

func (m *Manager) workLoop(ctx context.Context, w *worker) {
	for {
		select {
		case <-ctx.Done():
			return
		case <-m.stopCh:
			return
		default:
		}

		job, err := m.store.Dequeue(ctx, w.queueName, m.pollInterval)
		if err != nil {
			if ctx.Err() != nil {
				return
			}

			m.logger.Log(ctx, log.LevelError, "dequeue failed",
				log.String("queue", w.queueName), log.Err(err))

			_ = m.sleep(ctx, m.pollInterval)

			continue
		}

		if job == nil {
			continue
		}

		m.deliver(ctx, w, job)
	}
}

func (m *Manager) deliver(ctx context.Context, w *worker, job *Job) {
	job.AttemptsMade++

	jobCtx, span := m.tracer.Start(ctx, "queue.deliver")
	defer span.End()

	err := m.runHandler(jobCtx, w.handler, job)
	if err != nil {
		m.logger.Log(jobCtx, log.LevelWarn, "job handler failed",
			log.String("queue", w.queueName),
			log.String("job_id", job.ID),
			log.Err(err),
		)

		m.sink.Emit(jobCtx, telemetry.EventQueueJobFailed, map[string]string{"queue": w.queueName})

		if failErr := m.store.Fail(jobCtx, job); failErr != nil {
			m.logger.Log(jobCtx, log.LevelError, "job fail bookkeeping failed",
				log.String("queue", w.queueName), log.Err(failErr))
		}

		return
	}

	if err := m.store.Complete(jobCtx, job); err != nil {
		m.logger.Log(jobCtx, log.LevelError, "job completion bookkeeping failed",
			log.String("queue", w.queueName), log.Err(err))
	}
}

// runHandler isolates handler panics so one bad job cannot kill the pool.
func (m *Manager) runHandler(ctx context.Context, handler Handler, job *Job) (err error) {
	defer func() {
		if r := recover(); r != nil {
			m.logger.Log(ctx, log.LevelError, "panic recovered",
				log.String("component", "queue"),
				log.String("goroutine", "handler_"+job.Queue),
				log.String("panic", fmt.Sprintf("%v", r)),
			)

			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()

	return handler(ctx, job)
}

func (m *Manager) sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()

	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

package outbox

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/queue"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/telemetry"
)

// QueueDispatch is the queue carrying outbox dispatch jobs.
const QueueDispatch = "outbox-dispatch"

// DispatchJob is the queue payload referencing one outbox record.
type DispatchJob struct {
	RecordID string `json:"recordId"`
	TenantID string `json:"tenantId"`
}

// Service records side effects alongside domain writes and schedules their
// dispatch.
type Service struct {
	store  Store
	queue  *queue.Manager
	logger log.Logger
	sink   telemetry.Sink
	now    func() time.Time
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithServiceLogger sets the service logger.
func WithServiceLogger(logger log.Logger) ServiceOption {
	return func(s *Service) {
		s.logger = logger
	}
}

// WithServiceTelemetry sets the telemetry sink.
func WithServiceTelemetry(sink telemetry.Sink) ServiceOption {
	return func(s *Service) {
		s.sink = sink
	}
}

// NewService creates a Service on a store and a queue manager.
func NewService(store Store, queueManager *queue.Manager, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if queueManager == nil {
		return nil, ErrQueueRequired
	}

	s := &Service{
		store:  store,
		queue:  queueManager,
		logger: log.NewNop(),
		sink:   telemetry.NewNop(),
		now:    time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}

	return s, nil
}

// Record inserts a PENDING record inside the caller's transaction — the
// same transaction as the domain write that requires the side effect. A
// duplicate idempotency key for the tenant is success-of-intent: no new
// record is created and created is false.
func (s *Service) Record(ctx context.Context, tx Tx, tenantID string, topic Topic, payload any, idempotencyKey string) (*Record, bool, error) {
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, false, fmt.Errorf("encode %s payload: %w", topic, err)
	}

	record, err := NewRecord(tenantID, topic, encoded, idempotencyKey)
	if err != nil {
		return nil, false, err
	}

	created, err := s.store.CreateInTx(ctx, tx, record)
	if err != nil {
		return nil, false, fmt.Errorf("create outbox record: %w", err)
	}

	if !created {
		s.logger.Log(ctx, log.LevelDebug, "duplicate idempotency key, record creation skipped",
			log.String("topic", topic.String()),
			log.String("tenant", telemetry.HashTenant(tenantID)),
		)
	}

	return record, created, nil
}

// Schedule enqueues a dispatch job for a record after the caller's
// transaction has committed. Enqueueing is best effort: on failure the
// sweeper picks the record up once its NextRunAt elapses, so the error is
// logged, not returned.
func (s *Service) Schedule(ctx context.Context, record *Record) {
	if record == nil {
		return
	}

	var delay time.Duration
	if until := record.NextRunAt.Sub(s.now()); until > 0 {
		delay = until
	}

	accepted, err := s.queue.Enqueue(ctx, QueueDispatch, DispatchJob{
		RecordID: record.ID.String(),
		TenantID: record.TenantID,
	}, queue.EnqueueOptions{
		Delay:    delay,
		DedupeID: record.ID.String(),
	})
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "dispatch job enqueue failed, sweeper will recover",
			log.String("record_id", record.ID.String()),
			log.Err(err),
		)

		return
	}

	if !accepted {
		s.logger.Log(ctx, log.LevelDebug, "dispatch job already scheduled",
			log.String("record_id", record.ID.String()))
	}
}

// Requeue resets a DEAD_LETTER record to PENDING and schedules a fresh
// dispatch job. Requeueing a record that is already PENDING again is a
// no-op so back-to-back operator retries stay idempotent.
func (s *Service) Requeue(ctx context.Context, tenantID string, recordID uuid.UUID) error {
	var requeued *Record

	err := s.store.InTenantTx(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		record, err := s.store.GetForUpdate(ctx, tx, recordID)
		if err != nil {
			return err
		}

		if record.Status == StatusPending {
			requeued = record
			return nil
		}

		if record.Status != StatusDeadLetter {
			return fmt.Errorf("%w: %s is %s", ErrNotDeadLettered, recordID, record.Status)
		}

		if err := record.ResetForRequeue(s.now().UTC()); err != nil {
			return err
		}

		if err := s.store.Update(ctx, tx, record); err != nil {
			return fmt.Errorf("persist requeue: %w", err)
		}

		requeued = record

		return nil
	})
	if err != nil {
		return err
	}

	s.sink.Emit(ctx, telemetry.EventOutboxRequeued, map[string]string{
		"topic": requeued.Topic.String(),
	})

	s.Schedule(ctx, requeued)

	return nil
}

// ListDeadLetters returns the tenant's dead-lettered records.
func (s *Service) ListDeadLetters(ctx context.Context, tenantID string, limit int) ([]*Record, error) {
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	records, err := s.store.ListDeadLetters(ctx, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("list dead letters: %w", err)
	}

	return records, nil
}

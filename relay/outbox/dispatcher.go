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
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

// Dispatcher performs the side effect referenced by a queue job and commits
// the resulting record transition in a tenant-scoped transaction.
type Dispatcher struct {
	store    Store
	registry *Registry
	policy   RetryPolicy
	logger   log.Logger
	sink     telemetry.Sink
	tracer   trace.Tracer
	now      func() time.Time
}

// DispatcherOption configures a Dispatcher.
type DispatcherOption func(*Dispatcher)

// WithDispatcherLogger sets the dispatcher logger.
func WithDispatcherLogger(logger log.Logger) DispatcherOption {
	return func(d *Dispatcher) {
		d.logger = logger
	}
}

// WithDispatcherTelemetry sets the telemetry sink.
func WithDispatcherTelemetry(sink telemetry.Sink) DispatcherOption {
	return func(d *Dispatcher) {
		d.sink = sink
	}
}

// WithDispatcherTracer sets the tracer for per-dispatch spans.
func WithDispatcherTracer(tracer trace.Tracer) DispatcherOption {
	return func(d *Dispatcher) {
		d.tracer = tracer
	}
}

// WithDispatcherRetryPolicy sets the record-level retry bounds.
func WithDispatcherRetryPolicy(policy RetryPolicy) DispatcherOption {
	return func(d *Dispatcher) {
		d.policy = policy
	}
}

// NewDispatcher creates a Dispatcher. The registry must hold a handler for
// every topic the outbox can produce; an incomplete registry fails here, at
// startup, not at dispatch time.
func NewDispatcher(store Store, registry *Registry, opts ...DispatcherOption) (*Dispatcher, error) {
	if store == nil {
		return nil, ErrStoreRequired
	}

	if registry == nil {
		return nil, ErrRegistryRequired
	}

	if err := registry.ValidateComplete(); err != nil {
		return nil, fmt.Errorf("handler registry incomplete: %w", err)
	}

	d := &Dispatcher{
		store:    store,
		registry: registry,
		policy:   DefaultRetryPolicy(),
		logger:   log.NewNop(),
		sink:     telemetry.NewNop(),
		tracer:   tracenoop.NewTracerProvider().Tracer("relay.outbox"),
		now:      time.Now,
	}

	for _, opt := range opts {
		if opt != nil {
			opt(d)
		}
	}

	return d, nil
}

// Dispatch loads the record under a tenant-scoped row lock, performs its
// side effect and commits the resulting transition. A record already
// COMPLETED or DEAD_LETTER is an idempotent no-op, which makes duplicate
// queue jobs for one record safe.
//
// On failure the state transition commits first and the failure is returned
// afterwards, so the queue's own accounting observes every failure the
// record observed.
func (d *Dispatcher) Dispatch(ctx context.Context, tenantID string, recordID uuid.UUID) error {
	if tenantID == "" {
		return ErrTenantIDRequired
	}

	ctx, span := d.tracer.Start(ctx, "outbox.dispatch",
		trace.WithAttributes(attribute.String("outbox.record_id", recordID.String())))
	defer span.End()

	ctx = ContextWithTenantID(ctx, tenantID)

	var dispatchErr error

	txErr := d.store.InTenantTx(ctx, tenantID, func(ctx context.Context, tx Tx) error {
		record, err := d.store.GetForUpdate(ctx, tx, recordID)
		if err != nil {
			return err
		}

		if record.Status.IsTerminal() {
			d.logger.Log(ctx, log.LevelDebug, "record already settled, skipping",
				log.String("record_id", recordID.String()),
				log.String("status", record.Status.String()),
			)

			return nil
		}

		handler, err := d.registry.Resolve(record.Topic)
		if err != nil {
			return err
		}

		dispatchErr = handler.Handle(ctx, record)

		return d.settle(ctx, tx, record, dispatchErr)
	})
	if txErr != nil {
		return fmt.Errorf("dispatch %s: %w", recordID, txErr)
	}

	if dispatchErr != nil {
		return fmt.Errorf("dispatch %s: %w", recordID, dispatchErr)
	}

	return nil
}

// settle commits the record transition for one dispatch outcome.
func (d *Dispatcher) settle(ctx context.Context, tx Tx, record *Record, dispatchErr error) error {
	now := d.now().UTC()
	labels := map[string]string{"topic": record.Topic.String()}

	if dispatchErr == nil {
		if err := record.MarkCompleted(now); err != nil {
			return err
		}

		if err := d.store.Update(ctx, tx, record); err != nil {
			return fmt.Errorf("persist completion: %w", err)
		}

		d.sink.Emit(ctx, telemetry.EventOutboxDispatched, labels)

		d.logger.Log(ctx, log.LevelInfo, "record dispatched",
			log.String("record_id", record.ID.String()),
			log.String("topic", record.Topic.String()),
			log.Int("attempts", record.Attempts),
		)

		return nil
	}

	if err := record.MarkFailure(dispatchErr, d.policy, now); err != nil {
		return err
	}

	if err := d.store.Update(ctx, tx, record); err != nil {
		return fmt.Errorf("persist failure: %w", err)
	}

	if record.Status == StatusDeadLetter {
		d.sink.Emit(ctx, telemetry.EventOutboxDeadLettered, labels)

		d.logger.Log(ctx, log.LevelError, "record dead-lettered",
			log.String("record_id", record.ID.String()),
			log.String("topic", record.Topic.String()),
			log.Int("attempts", record.Attempts),
			log.Err(dispatchErr),
		)

		return nil
	}

	d.sink.Emit(ctx, telemetry.EventOutboxFailed, labels)

	d.logger.Log(ctx, log.LevelWarn, "record dispatch failed, will retry",
		log.String("record_id", record.ID.String()),
		log.String("topic", record.Topic.String()),
		log.Int("attempts", record.Attempts),
		log.Duration("retry_in", record.NextRunAt.Sub(now)),
		log.Err(dispatchErr),
	)

	return nil
}

// JobHandler adapts Dispatch to the queue's handler contract.
func (d *Dispatcher) JobHandler() queue.Handler {
	return func(ctx context.Context, job *queue.Job) error {
		var payload DispatchJob
		if err := json.Unmarshal(job.Payload, &payload); err != nil {
			return fmt.Errorf("decode dispatch job: %w", err)
		}

		recordID, err := uuid.Parse(payload.RecordID)
		if err != nil {
			return fmt.Errorf("parse record id: %w", err)
		}

		return d.Dispatch(ctx, payload.TenantID, recordID)
	}
}

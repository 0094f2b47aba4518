package outbox

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/backoff"
)

// MaxPayloadBytes bounds stored payload size.
const MaxPayloadBytes = 1 << 20

// Record is one side effect that must happen, written in the same
// transaction as the domain write that requires it. The record is the
// source of truth; queue jobs referencing it are regenerable hints.
type Record struct {
	ID       uuid.UUID
	TenantID string
	Topic    Topic
	Payload  json.RawMessage
	Status   Status
	// Attempts is monotonically non-decreasing except on a manual requeue,
	// which resets it to zero.
	Attempts  int
	LastError string
	// NextRunAt is meaningful only while PENDING or FAILED.
	NextRunAt time.Time
	// IdempotencyKey is unique per tenant; duplicate upstream deliveries
	// collapse onto one record.
	IdempotencyKey string
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// RetryPolicy bounds automatic redispatch of a record.
type RetryPolicy struct {
	MaxAttempts int
	BaseDelay   time.Duration
	MaxDelay    time.Duration
}

// DefaultRetryPolicy matches the downstream-call defaults.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts: 5,
		BaseDelay:   500 * time.Millisecond,
		MaxDelay:    10 * time.Second,
	}
}

// NewRecord creates a pending record ready for insertion.
func NewRecord(tenantID string, topic Topic, payload json.RawMessage, idempotencyKey string) (*Record, error) {
	tenantID = strings.TrimSpace(tenantID)
	if tenantID == "" {
		return nil, ErrTenantIDRequired
	}

	if !topic.IsValid() {
		return nil, fmt.Errorf("%w: %q", ErrTopicUnknown, topic)
	}

	if len(payload) == 0 {
		return nil, ErrPayloadRequired
	}

	if len(payload) > MaxPayloadBytes {
		return nil, ErrPayloadTooLarge
	}

	if !json.Valid(payload) {
		return nil, ErrPayloadNotJSON
	}

	idempotencyKey = strings.TrimSpace(idempotencyKey)
	if idempotencyKey == "" {
		return nil, ErrIdempotencyKeyRequired
	}

	now := time.Now().UTC()

	return &Record{
		ID:             uuid.New(),
		TenantID:       tenantID,
		Topic:          topic,
		Payload:        payload,
		Status:         StatusPending,
		Attempts:       0,
		NextRunAt:      now,
		IdempotencyKey: idempotencyKey,
		CreatedAt:      now,
		UpdatedAt:      now,
	}, nil
}

// MarkCompleted records a successful dispatch.
func (r *Record) MarkCompleted(now time.Time) error {
	if !r.Status.CanTransitionTo(StatusCompleted) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, r.Status, StatusCompleted)
	}

	r.Status = StatusCompleted
	r.Attempts++
	r.LastError = ""
	r.UpdatedAt = now

	return nil
}

// MarkFailure records a failed dispatch: the record moves to FAILED with a
// backoff-derived NextRunAt, or to DEAD_LETTER when attempts exhaust or the
// failure is permanent.
func (r *Record) MarkFailure(dispatchErr error, policy RetryPolicy, now time.Time) error {
	next := StatusFailed
	if r.Attempts+1 >= policy.MaxAttempts || IsPermanent(dispatchErr) {
		next = StatusDeadLetter
	}

	if !r.Status.CanTransitionTo(next) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, r.Status, next)
	}

	r.Attempts++
	r.Status = next
	r.LastError = sanitizeErrorForStorage(dispatchErr)
	r.UpdatedAt = now

	if next == StatusFailed {
		r.NextRunAt = now.Add(backoff.Exponential(policy.BaseDelay, policy.MaxDelay, r.Attempts))
	}

	return nil
}

// ResetForRequeue is the manual recovery transition: DEAD_LETTER back to
// PENDING with zeroed attempts.
func (r *Record) ResetForRequeue(now time.Time) error {
	if !r.Status.CanTransitionTo(StatusPending) {
		return fmt.Errorf("%w: %s -> %s", ErrTransitionInvalid, r.Status, StatusPending)
	}

	r.Status = StatusPending
	r.Attempts = 0
	r.LastError = ""
	r.NextRunAt = now
	r.UpdatedAt = now

	return nil
}

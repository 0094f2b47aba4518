package outbox

import "errors"

var (
	ErrRecordRequired         = errors.New("outbox record is required")
	ErrStoreRequired          = errors.New("outbox store is required")
	ErrQueueRequired          = errors.New("queue manager is required")
	ErrServiceRequired        = errors.New("outbox service is required")
	ErrRegistryRequired       = errors.New("handler registry is required")
	ErrExecutorRequired       = errors.New("call executor is required")
	ErrTenantIDRequired       = errors.New("tenant id is required")
	ErrTopicRequired          = errors.New("topic is required")
	ErrTopicUnknown           = errors.New("unknown topic")
	ErrIdempotencyKeyRequired = errors.New("idempotency key is required")
	ErrPayloadRequired        = errors.New("payload is required")
	ErrPayloadNotJSON         = errors.New("payload must be valid JSON")
	ErrPayloadTooLarge        = errors.New("payload exceeds maximum allowed size")
	ErrHandlerRequired        = errors.New("handler is required")
	ErrHandlerRegistered      = errors.New("handler already registered for topic")
	ErrHandlerMissing         = errors.New("no handler registered for topic")
	ErrStatusInvalid          = errors.New("invalid outbox status")
	ErrTransitionInvalid      = errors.New("invalid outbox status transition")
	ErrRecordNotFound         = errors.New("outbox record not found")
	ErrNotDeadLettered        = errors.New("record is not dead-lettered")
	ErrAlreadyRunning         = errors.New("already running")
)

// permanentError marks a failure that cannot possibly succeed on retry, such
// as a payload the handler can prove is malformed. The dispatcher
// dead-letters the record immediately instead of burning remaining attempts.
type permanentError struct {
	err error
}

func (e *permanentError) Error() string { return e.err.Error() }

func (e *permanentError) Unwrap() error { return e.err }

// Permanent wraps err as a permanent, non-retryable failure.
func Permanent(err error) error {
	if err == nil {
		return nil
	}

	return &permanentError{err: err}
}

// IsPermanent reports whether err is marked permanent.
func IsPermanent(err error) bool {
	var permanent *permanentError

	return errors.As(err, &permanent)
}

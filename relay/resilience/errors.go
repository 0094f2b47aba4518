package resilience

import "errors"

var (
	// ErrCircuitOpen reports that the dependency's circuit breaker rejected
	// the call before it reached the network. It is not a downstream
	// failure and is never retried within the same Execute call.
	ErrCircuitOpen = errors.New("circuit breaker open")

	// ErrRateLimited reports that the dependency's rate limit window is
	// exhausted. It is a transient failure and follows the normal
	// backoff/retry path.
	ErrRateLimited = errors.New("rate limited")

	// ErrAttemptTimeout reports that a single attempt exceeded the
	// per-attempt deadline. Transient.
	ErrAttemptTimeout = errors.New("attempt timed out")

	// ErrNilOperation is returned when Execute is called with a nil operation.
	ErrNilOperation = errors.New("operation is nil")
)

// Package telemetry exposes the event sink consumed by the dispatcher, the
// queue and the breaker wiring. The sink records a named event with
// low-cardinality labels; export internals stay behind the interface.
package telemetry

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
)

// Event names emitted by this module.
const (
	EventOutboxDispatched   = "outbox.dispatched"
	EventOutboxFailed       = "outbox.dispatch_failed"
	EventOutboxDeadLettered = "outbox.dead_lettered"
	EventOutboxRequeued     = "outbox.requeued"
	EventOutboxSwept        = "outbox.swept"
	EventQueueJobFailed     = "queue.job.failed"
	EventBreakerStateChange = "breaker.state_change"
	EventCallRateLimited    = "call.rate_limited"
	EventCallCircuitOpen    = "call.circuit_open"
)

// Sink records a named event with labels. Implementations must be safe for
// concurrent use and must not block the caller on export.
type Sink interface {
	Emit(ctx context.Context, name string, labels map[string]string)
}

// NopSink discards every event. It is the fallback used by components that
// receive a nil sink.
type NopSink struct{}

// NewNop returns a sink that discards everything.
func NewNop() Sink {
	return &NopSink{}
}

func (*NopSink) Emit(context.Context, string, map[string]string) {}

const tenantHashPrefixLen = 12

// HashTenant returns a short sha256 prefix of a tenant id so telemetry and
// logs never carry raw tenant identifiers.
func HashTenant(tenantID string) string {
	if tenantID == "" {
		return ""
	}

	sum := sha256.Sum256([]byte(tenantID))

	return hex.EncodeToString(sum[:])[:tenantHashPrefixLen]
}

package relay

import (
	"context"

	"github.com/google/uuid"
	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
)

type trackingContextKey string

// TrackingKey is the context key under which tracking values are stored.
const TrackingKey = trackingContextKey("relay_tracking")

// trackingValues holds the request-scoped facilities attached to a context.
type trackingValues struct {
	HeaderID string
	Logger   log.Logger
	Tracer   trace.Tracer
}

func trackingFrom(ctx context.Context) *trackingValues {
	if values, ok := ctx.Value(TrackingKey).(*trackingValues); ok && values != nil {
		return values
	}

	return nil
}

func withTracking(ctx context.Context, mutate func(*trackingValues)) context.Context {
	values := &trackingValues{}
	if existing := trackingFrom(ctx); existing != nil {
		copied := *existing
		values = &copied
	}

	mutate(values)

	return context.WithValue(ctx, TrackingKey, values)
}

// ContextWithLogger attaches a logger to the context.
func ContextWithLogger(ctx context.Context, logger log.Logger) context.Context {
	return withTracking(ctx, func(values *trackingValues) {
		values.Logger = logger
	})
}

// ContextWithTracer attaches a tracer to the context.
func ContextWithTracer(ctx context.Context, tracer trace.Tracer) context.Context {
	return withTracking(ctx, func(values *trackingValues) {
		values.Tracer = tracer
	})
}

// ContextWithHeaderID attaches a correlation id to the context.
func ContextWithHeaderID(ctx context.Context, headerID string) context.Context {
	return withTracking(ctx, func(values *trackingValues) {
		values.HeaderID = headerID
	})
}

// LoggerFromContext extracts the logger from the context, falling back to a
// nop logger so callers never need a nil check.
//
//nolint:ireturn
func LoggerFromContext(ctx context.Context) log.Logger {
	if values := trackingFrom(ctx); values != nil && values.Logger != nil {
		return values.Logger
	}

	return log.NewNop()
}

// NewTrackingFromContext extracts the logger, tracer and correlation id from
// the context. Missing components resolve to safe defaults: a nop logger,
// the global tracer provider, and a freshly generated correlation id.
//
//nolint:ireturn
func NewTrackingFromContext(ctx context.Context) (log.Logger, trace.Tracer, string) {
	logger := log.NewNop()
	tracer := otel.Tracer("relay.default")
	headerID := ""

	if values := trackingFrom(ctx); values != nil {
		if values.Logger != nil {
			logger = values.Logger
		}

		if values.Tracer != nil {
			tracer = values.Tracer
		}

		headerID = values.HeaderID
	}

	if headerID == "" {
		headerID = uuid.NewString()
	}

	return logger, tracer, headerID
}

package telemetry

import (
	"context"
	"errors"
	"sync"

	"github.com/yuto-f04/crm-psa-integrate-tool/relay/log"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// ErrNilMeter indicates that a nil OTEL meter was provided.
var ErrNilMeter = errors.New("meter is nil")

// OtelSink exports events as OpenTelemetry counters, one counter per event
// name with the labels as attributes. Counters are created lazily and
// cached.
type OtelSink struct {
	meter    metric.Meter
	counters sync.Map // string -> metric.Int64Counter
	logger   log.Logger
}

// NewOtelSink creates a sink backed by the given meter.
func NewOtelSink(meter metric.Meter, logger log.Logger) (*OtelSink, error) {
	if meter == nil {
		return nil, ErrNilMeter
	}

	if logger == nil {
		logger = log.NewNop()
	}

	return &OtelSink{meter: meter, logger: logger}, nil
}

// Emit implements Sink.
func (s *OtelSink) Emit(ctx context.Context, name string, labels map[string]string) {
	counter, err := s.counter(name)
	if err != nil {
		s.logger.Log(ctx, log.LevelWarn, "telemetry counter creation failed",
			log.String("event", name), log.Err(err))

		return
	}

	attrs := make([]attribute.KeyValue, 0, len(labels))
	for key, value := range labels {
		attrs = append(attrs, attribute.String(key, value))
	}

	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

func (s *OtelSink) counter(name string) (metric.Int64Counter, error) {
	if cached, ok := s.counters.Load(name); ok {
		return cached.(metric.Int64Counter), nil
	}

	counter, err := s.meter.Int64Counter(name, metric.WithUnit("1"))
	if err != nil {
		return nil, err
	}

	actual, _ := s.counters.LoadOrStore(name, counter)

	return actual.(metric.Int64Counter), nil
}

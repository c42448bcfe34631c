// Package metrics defines the counter sink injected into components that
// report operational counts. The composition root of each service decides
// whether the sink is backed by OpenTelemetry or discarded.
package metrics

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

type Sink interface {
	// Inc adds one to the named counter.
	Inc(ctx context.Context, name string, attrs ...attribute.KeyValue)
}

type otelSink struct {
	meter metric.Meter

	mu       sync.Mutex
	counters map[string]metric.Int64Counter
}

// NewOTel builds a sink on top of an OpenTelemetry meter. Counters are
// created lazily on first use.
func NewOTel(meter metric.Meter) Sink {
	return &otelSink{
		meter:    meter,
		counters: map[string]metric.Int64Counter{},
	}
}

func (s *otelSink) Inc(ctx context.Context, name string, attrs ...attribute.KeyValue) {
	s.mu.Lock()
	counter, ok := s.counters[name]
	if !ok {
		var err error
		counter, err = s.meter.Int64Counter(name)
		if err != nil {
			s.mu.Unlock()
			return
		}
		s.counters[name] = counter
	}
	s.mu.Unlock()

	counter.Add(ctx, 1, metric.WithAttributes(attrs...))
}

type nopSink struct{}

func Nop() Sink { return nopSink{} }

func (nopSink) Inc(context.Context, string, ...attribute.KeyValue) {}

package adapter

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"

	"github.com/srediag/shmstore/pkg/shm"
)

// InstrumentationName identifies shmstore instruments and spans.
const InstrumentationName = "github.com/srediag/shmstore"

// WithOTel points config at the given providers. Nil providers fall back to
// the ones installed globally with otel.SetMeterProvider and
// otel.SetTracerProvider.
func WithOTel(config *shm.Config, mp metric.MeterProvider, tp trace.TracerProvider) *shm.Config {
	if mp == nil {
		mp = otel.GetMeterProvider()
	}
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	config.Meter = mp.Meter(InstrumentationName)
	config.Tracer = tp.Tracer(InstrumentationName)
	return config
}

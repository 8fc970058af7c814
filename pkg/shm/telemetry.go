package shm

import (
	"context"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	metricnoop "go.opentelemetry.io/otel/metric/noop"
	"go.opentelemetry.io/otel/trace"
	tracenoop "go.opentelemetry.io/otel/trace/noop"
)

const instrumentationName = "github.com/srediag/shmstore/pkg/shm"

// telemetry fans operation events out to OpenTelemetry and the Observer.
type telemetry struct {
	tracer   trace.Tracer
	ops      metric.Int64Counter
	duration metric.Float64Histogram
	lockWait metric.Float64Histogram
	observer Observer
}

func newTelemetry(config *Config) (*telemetry, error) {
	meter := config.Meter
	if meter == nil {
		meter = metricnoop.NewMeterProvider().Meter(instrumentationName)
	}
	tracer := config.Tracer
	if tracer == nil {
		tracer = tracenoop.NewTracerProvider().Tracer(instrumentationName)
	}
	observer := config.Observer
	if observer == nil {
		observer = NoopObserver{}
	}

	ops, err := meter.Int64Counter("shmstore.operations",
		metric.WithDescription("Storage operations by name and result"))
	if err != nil {
		return nil, err
	}
	duration, err := meter.Float64Histogram("shmstore.operation.duration",
		metric.WithDescription("Storage operation latency"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	lockWait, err := meter.Float64Histogram("shmstore.lock.wait",
		metric.WithDescription("Time spent waiting for the advisory lock"),
		metric.WithUnit("s"))
	if err != nil {
		return nil, err
	}
	return &telemetry{
		tracer:   tracer,
		ops:      ops,
		duration: duration,
		lockWait: lockWait,
		observer: observer,
	}, nil
}

// start opens a span for op and returns the function that closes it.
func (t *telemetry) start(ctx context.Context, storage, op string) (context.Context, func(error)) {
	begin := time.Now()
	ctx, span := t.tracer.Start(ctx, "shmstore."+op, trace.WithAttributes(
		attribute.String("shmstore.storage", storage),
	))
	return ctx, func(err error) {
		took := time.Since(begin)
		result := Result(err)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
		}
		span.SetAttributes(attribute.String("shmstore.result", result))
		span.End()

		attrs := metric.WithAttributes(
			attribute.String("storage", storage),
			attribute.String("op", op),
			attribute.String("result", result),
		)
		t.ops.Add(ctx, 1, attrs)
		t.duration.Record(ctx, took.Seconds(), attrs)
		t.observer.OnOperation(storage, op, err, took)
	}
}

func (t *telemetry) lockWaited(storage string, waited time.Duration) {
	t.lockWait.Record(context.Background(), waited.Seconds(),
		metric.WithAttributes(attribute.String("storage", storage)))
	t.observer.OnLockWait(storage, waited)
}

func (t *telemetry) usage(storage string, used, size, entries uint64) {
	t.observer.OnUsage(storage, used, size, entries)
}

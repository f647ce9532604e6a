// Package observability provides OTEL-based tracing, metrics, and logging
// for the hub, worker, and bucket. Configuration comes entirely from
// standard OTEL_EXPORTER_OTLP_* environment variables.
package observability

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/pipeworks/observability"

// Instruments holds every metric instrument emitted across the hub,
// worker, and bucket.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	StepsDispatched     metric.Int64Counter
	StepsLeased         metric.Int64Counter
	LeaseExpired        metric.Int64Counter
	WorkerStepDuration  metric.Float64Histogram
	TransactionsDrained metric.Int64Counter
	BucketBytesStored   metric.Int64Counter
	BucketEvictions     metric.Int64Counter
}

// Init configures OTEL trace, metric, and log providers with OTLP HTTP
// exporters and returns the instrument set plus a shutdown function that
// must be called on process exit.
func Init(ctx context.Context, serviceName string) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName(serviceName)),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	metricExp, err := otlpmetrichttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		return nil, nil, err
	}
	mp := sdkmetric.NewMeterProvider(
		sdkmetric.WithReader(sdkmetric.NewPeriodicReader(metricExp)),
		sdkmetric.WithResource(res),
	)
	otel.SetMeterProvider(mp)

	logExp, err := otlploghttp.New(ctx)
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		return nil, nil, err
	}
	lp := sdklog.NewLoggerProvider(
		sdklog.WithProcessor(sdklog.NewBatchProcessor(logExp)),
		sdklog.WithResource(res),
	)
	global.SetLoggerProvider(lp)

	inst, err := newInstruments()
	if err != nil {
		_ = tp.Shutdown(ctx)
		_ = mp.Shutdown(ctx)
		_ = lp.Shutdown(ctx)
		return nil, nil, err
	}

	shutdown := func(ctx context.Context) error {
		return errors.Join(
			tp.Shutdown(ctx),
			mp.Shutdown(ctx),
			lp.Shutdown(ctx),
		)
	}

	return inst, shutdown, nil
}

func newInstruments() (*Instruments, error) {
	tracer := otel.Tracer(scopeName)
	meter := otel.Meter(scopeName)
	logger := global.GetLoggerProvider().Logger(scopeName)

	stepsDispatched, err := meter.Int64Counter("hub.steps.dispatched",
		metric.WithDescription("Steps leased out to workers via get_steps"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	stepsLeased, err := meter.Int64Counter("hub.steps.leased",
		metric.WithDescription("Steps leased to workers by get_steps"),
		metric.WithUnit("{step}"))
	if err != nil {
		return nil, err
	}

	leaseExpired, err := meter.Int64Counter("hub.lease.expired",
		metric.WithDescription("Leases reclaimed by the reaper past their deadline"),
		metric.WithUnit("{lease}"))
	if err != nil {
		return nil, err
	}

	workerStepDuration, err := meter.Float64Histogram("worker.step.duration",
		metric.WithDescription("Wall-clock duration of one step run"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	transactionsDrained, err := meter.Int64Counter("worker.transactions.drained",
		metric.WithDescription("Transactions shipped from the durable queue to the hub"),
		metric.WithUnit("{transaction}"))
	if err != nil {
		return nil, err
	}

	bucketBytesStored, err := meter.Int64Counter("bucket.bytes.stored",
		metric.WithDescription("Bytes written to the bucket via Set"),
		metric.WithUnit("By"))
	if err != nil {
		return nil, err
	}

	bucketEvictions, err := meter.Int64Counter("bucket.evictions",
		metric.WithDescription("In-memory cache evictions under the memory budget"),
		metric.WithUnit("{eviction}"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:              tracer,
		Meter:               meter,
		Logger:              logger,
		StepsDispatched:     stepsDispatched,
		StepsLeased:         stepsLeased,
		LeaseExpired:        leaseExpired,
		WorkerStepDuration:  workerStepDuration,
		TransactionsDrained: transactionsDrained,
		BucketBytesStored:   bucketBytesStored,
		BucketEvictions:     bucketEvictions,
	}, nil
}

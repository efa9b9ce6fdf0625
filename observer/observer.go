// Package observer provides OTEL-based observability for caravan
// workflow runs.
//
// It exposes a caravan.Tracer backed by OpenTelemetry and an event sink
// that turns run lifecycle events into metrics and logs. Users export
// to any OTEL-compatible backend by setting standard OTEL env vars.
package observer

import (
	"context"
	"errors"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlplog/otlploghttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlpmetric/otlpmetrichttp"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracehttp"
	sdklog "go.opentelemetry.io/otel/sdk/log"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.26.0"

	otellog "go.opentelemetry.io/otel/log"
	"go.opentelemetry.io/otel/log/global"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

const scopeName = "github.com/nevindra/caravan/observer"

// Instruments holds all OTEL instruments used by the observer sink.
type Instruments struct {
	Tracer trace.Tracer
	Meter  metric.Meter
	Logger otellog.Logger

	// Counters
	WorkflowRuns     metric.Int64Counter
	StepExecutions   metric.Int64Counter
	StepReplays      metric.Int64Counter
	StepRetries      metric.Int64Counter
	PersistFailures  metric.Int64Counter
	PendingApprovals metric.Int64Counter

	// Histograms
	RunDuration  metric.Float64Histogram
	StepDuration metric.Float64Histogram
}

// Init sets up OTEL trace, metric, and log providers with OTLP HTTP exporters.
// Configuration comes from standard OTEL env vars (OTEL_EXPORTER_OTLP_ENDPOINT, etc.).
// Returns a shutdown function that must be called on application exit.
func Init(ctx context.Context) (*Instruments, func(context.Context) error, error) {
	res, err := resource.New(ctx,
		resource.WithAttributes(semconv.ServiceName("caravan")),
		resource.WithFromEnv(),
	)
	if err != nil {
		return nil, nil, err
	}

	// Trace provider
	traceExp, err := otlptracehttp.New(ctx)
	if err != nil {
		return nil, nil, err
	}
	tp := sdktrace.NewTracerProvider(
		sdktrace.WithBatcher(traceExp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)

	// Metric provider
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

	// Log provider
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

	workflowRuns, err := meter.Int64Counter("workflow.runs",
		metric.WithDescription("Workflow run count by terminal status"),
		metric.WithUnit("{run}"))
	if err != nil {
		return nil, err
	}

	stepExecutions, err := meter.Int64Counter("workflow.steps",
		metric.WithDescription("Executed step count by outcome"),
		metric.WithUnit("{execution}"))
	if err != nil {
		return nil, err
	}

	stepReplays, err := meter.Int64Counter("workflow.steps.replayed",
		metric.WithDescription("Steps answered from the replay cache"),
		metric.WithUnit("{replay}"))
	if err != nil {
		return nil, err
	}

	stepRetries, err := meter.Int64Counter("workflow.steps.retries",
		metric.WithDescription("Failed attempts inside retrying steps"),
		metric.WithUnit("{retry}"))
	if err != nil {
		return nil, err
	}

	persistFailures, err := meter.Int64Counter("workflow.persist.failures",
		metric.WithDescription("Checkpoint writes that failed (runs continue fail-open)"),
		metric.WithUnit("{failure}"))
	if err != nil {
		return nil, err
	}

	pendingApprovals, err := meter.Int64Counter("workflow.approvals.pending",
		metric.WithDescription("Steps that suspended on a pending approval or hook"),
		metric.WithUnit("{suspension}"))
	if err != nil {
		return nil, err
	}

	runDuration, err := meter.Float64Histogram("workflow.run.duration",
		metric.WithDescription("Workflow run duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	stepDuration, err := meter.Float64Histogram("workflow.step.duration",
		metric.WithDescription("Executed step duration"),
		metric.WithUnit("ms"))
	if err != nil {
		return nil, err
	}

	return &Instruments{
		Tracer:           tracer,
		Meter:            meter,
		Logger:           logger,
		WorkflowRuns:     workflowRuns,
		StepExecutions:   stepExecutions,
		StepReplays:      stepReplays,
		StepRetries:      stepRetries,
		PersistFailures:  persistFailures,
		PendingApprovals: pendingApprovals,
		RunDuration:      runDuration,
		StepDuration:     stepDuration,
	}, nil
}

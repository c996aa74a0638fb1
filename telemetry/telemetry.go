package telemetry

import (
	"context"
	"log/slog"
	"os"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/prometheus"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/propagation"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	semconv "go.opentelemetry.io/otel/semconv/v1.17.0"
	"go.opentelemetry.io/otel/trace"

	"github.com/canonlog/canonlog/sanitize"
)

// Console spans batch aggressively so local development sees traces almost
// immediately.
const (
	consoleBatchTimeout = 500 * time.Millisecond
	consoleBatchSize    = 10
)

// Telemetry is the configured tracing, metrics and logging runtime.
type Telemetry struct {
	Options Options
	// Project is the resolved GCP project identifier, empty off-GCP.
	Project string

	Tracer  trace.Tracer
	Meter   metric.Meter
	Logger  *slog.Logger
	Metrics *Metrics
	Tracing *Tracing

	shutdown []func(context.Context) error
}

var (
	configureMu sync.Mutex
	active      *Telemetry
)

// Active returns the configured Telemetry, or nil while the process is
// still in the Uninitialized state. Tracing-related helpers treat nil as
// "telemetry off".
func Active() *Telemetry {
	configureMu.Lock()
	defer configureMu.Unlock()
	return active
}

// Configure moves the process from Uninitialized to Configured: it builds
// the OpenTelemetry resource, span exporters (each behind the sanitizer),
// the prometheus metric pipeline and the structured logger. Calling
// Configure again returns the already-configured instance unchanged, so
// libraries may call it defensively.
func Configure(ctx context.Context, opts Options) (*Telemetry, error) {
	configureMu.Lock()
	defer configureMu.Unlock()
	if active != nil {
		return active, nil
	}

	res, err := resource.New(ctx,
		resource.WithAttributes(
			semconv.ServiceName(opts.ServiceName),
			semconv.ServiceVersion(opts.ServiceVersion),
			semconv.DeploymentEnvironment(opts.Environment),
		),
	)
	if err != nil {
		return nil, err
	}

	t := &Telemetry{Options: opts}
	policy := opts.policy()

	tpOpts := []sdktrace.TracerProviderOption{
		sdktrace.WithResource(res),
		sdktrace.WithSampler(sdktrace.AlwaysSample()),
	}

	if opts.EnableConsoleExport {
		consoleExporter, err := stdouttrace.New(stdouttrace.WithWriter(os.Stdout))
		if err != nil {
			return nil, err
		}
		sanitized, err := sanitize.WrapExporter(consoleExporter, policy)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(sanitized,
			sdktrace.WithBatchTimeout(consoleBatchTimeout),
			sdktrace.WithMaxExportBatchSize(consoleBatchSize),
		))
	}

	if opts.EnableCloudExport {
		t.Project = opts.ProjectID
		if t.Project == "" {
			t.Project = DetectProjectID(ctx)
		}
		cloudExporter, err := otlptracegrpc.New(ctx,
			otlptracegrpc.WithEndpoint(opts.OTLPEndpoint),
			otlptracegrpc.WithInsecure(),
		)
		if err != nil {
			return nil, err
		}
		sanitized, err := sanitize.WrapExporter(cloudExporter, policy)
		if err != nil {
			return nil, err
		}
		tpOpts = append(tpOpts, sdktrace.WithBatcher(sanitized))
	}

	tracerProvider := sdktrace.NewTracerProvider(tpOpts...)
	otel.SetTracerProvider(tracerProvider)
	t.shutdown = append(t.shutdown, tracerProvider.Shutdown)

	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))

	promExporter, err := prometheus.New()
	if err != nil {
		return nil, err
	}
	meterProvider := sdkmetric.NewMeterProvider(
		sdkmetric.WithResource(res),
		sdkmetric.WithReader(promExporter),
	)
	otel.SetMeterProvider(meterProvider)
	t.shutdown = append(t.shutdown, meterProvider.Shutdown)

	t.Tracer = otel.Tracer(opts.ServiceName)
	t.Meter = otel.Meter(opts.ServiceName)
	t.Tracing = NewTracing(opts.ServiceName)

	t.Metrics, err = NewMetrics(t.Meter)
	if err != nil {
		return nil, err
	}

	handler := NewHandler(os.Stderr, opts.logLevel(), opts.ServiceName, t.Metrics)
	t.Logger = slog.New(handler)

	active = t
	return t, nil
}

// Shutdown flushes exporters and returns the process to Uninitialized so
// tests can reconfigure.
func (t *Telemetry) Shutdown(ctx context.Context) error {
	configureMu.Lock()
	if active == t {
		active = nil
	}
	configureMu.Unlock()

	var firstErr error
	for _, fn := range t.shutdown {
		if err := fn(ctx); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// Package telemetry wires the OpenTelemetry runtime for wide-event request
// logging: span exporters (console for development, OTLP for production)
// each behind the attribute sanitizer, a prometheus metric pipeline, a
// trace-correlated slog handler, and health endpoints.
//
// # Initialization
//
// The process moves through an explicit state machine, from uninitialized
// to configured:
//
//	opts, err := telemetry.LoadOptions(ctx)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	t, err := telemetry.Configure(ctx, opts)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer t.Shutdown(context.Background())
//
// Until Configure succeeds, no tracer provider is installed and all
// tracing-related helpers are inert. Calling Configure twice returns the
// already-configured instance, so libraries can call it defensively without
// stacking duplicate exporters.
//
// # Cloud export
//
// With CANONLOG_CLOUD_EXPORT=true spans leave through OTLP gRPC. The GCP
// project identifier is resolved from CANONLOG_PROJECT_ID, then
// GOOGLE_CLOUD_PROJECT, then the GCE metadata server; when found it is also
// stamped onto emitted log records in the
// projects/<id>/traces/<trace_id> correlation format the Cloud Logging
// agent understands.
package telemetry

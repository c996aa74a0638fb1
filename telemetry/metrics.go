package telemetry

import (
	"context"
	"strconv"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the instruments the request-telemetry path reports on.
type Metrics struct {
	meter metric.Meter

	requestsTotal   metric.Int64Counter
	requestDuration metric.Float64Histogram
	scopesOpen      metric.Int64UpDownCounter
	logsTotal       metric.Int64Counter
}

// NewMetrics registers the instruments on meter.
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{meter: meter}

	var err error
	m.requestsTotal, err = meter.Int64Counter(
		"requests_total",
		metric.WithDescription("Total number of instrumented requests"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.requestDuration, err = meter.Float64Histogram(
		"request_duration_seconds",
		metric.WithDescription("Instrumented request duration in seconds"),
		metric.WithUnit("s"),
	)
	if err != nil {
		return nil, err
	}

	m.scopesOpen, err = meter.Int64UpDownCounter(
		"scopes_open",
		metric.WithDescription("Number of telemetry scopes currently open"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	m.logsTotal, err = meter.Int64Counter(
		"logs_total",
		metric.WithDescription("Total number of log records handled"),
		metric.WithUnit("1"),
	)
	if err != nil {
		return nil, err
	}

	return m, nil
}

// IncrementRequests counts one completed request.
func (m *Metrics) IncrementRequests(ctx context.Context, method string, statusCode int) {
	m.requestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("status", strconv.Itoa(statusCode)),
	))
}

// RecordRequestDuration records how long a request took end to end.
func (m *Metrics) RecordRequestDuration(ctx context.Context, method string, d time.Duration) {
	m.requestDuration.Record(ctx, d.Seconds(), metric.WithAttributes(
		attribute.String("method", method),
	))
}

// ScopeOpened and ScopeClosed track the number of in-flight scopes; a value
// that only grows indicates leaked scopes.
func (m *Metrics) ScopeOpened(ctx context.Context) { m.scopesOpen.Add(ctx, 1) }

// ScopeClosed decrements the in-flight scope gauge.
func (m *Metrics) ScopeClosed(ctx context.Context) { m.scopesOpen.Add(ctx, -1) }

// IncrementLogs counts one handled log record per level.
func (m *Metrics) IncrementLogs(ctx context.Context, level string) {
	m.logsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("level", level),
	))
}

// Package observe provides the observability primitives shared by the
// supervisor, the workers and the gateway: OpenTelemetry metrics, tracing,
// trace-aware logging, and HTTP middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API and exported in
// Prometheus format via [InitProvider]. A package-level default [Metrics]
// instance ([DefaultMetrics]) is provided for convenience; tests should use
// [NewMetrics] with a custom [metric.MeterProvider] to avoid cross-test
// pollution.
package observe

import (
	"context"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all Greenline metrics.
const meterName = "github.com/MrWong99/greenline"

// Metrics holds all OpenTelemetry metric instruments for the application.
// All fields are safe for concurrent use.
type Metrics struct {
	// ToolInvocations counts terminal dispatch outcomes. Attributes:
	//   attribute.String("tool", ...), attribute.String("kind", ...)
	// kind is "ok" for success or the error kind otherwise.
	ToolInvocations metric.Int64Counter

	// ToolDuration tracks end-to-end dispatch latency per tool.
	ToolDuration metric.Float64Histogram

	// DispatchTransitions counts invocation state transitions by state.
	DispatchTransitions metric.Int64Counter

	// StoreQueryDuration tracks data-boundary latency. Attributes:
	//   attribute.String("backend", ...), attribute.String("method", ...)
	StoreQueryDuration metric.Float64Histogram

	// WorkerRestarts counts supervisor restarts per tool group.
	WorkerRestarts metric.Int64Counter

	// GroupsUp tracks the number of tool groups currently Running.
	GroupsUp metric.Int64UpDownCounter

	// RateLimited counts invocations rejected by the per-tenant limiter.
	RateLimited metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets defines histogram bucket boundaries (in seconds) sized for
// mid-call tool latencies.
var latencyBuckets = []float64{
	0.001, 0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5,
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider]. Returns an error if any instrument creation fails.
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ToolInvocations, err = m.Int64Counter("greenline.tool.invocations",
		metric.WithDescription("Total tool invocations by tool name and outcome kind."),
	); err != nil {
		return nil, err
	}
	if met.ToolDuration, err = m.Float64Histogram("greenline.tool.duration",
		metric.WithDescription("Latency of tool dispatch including validation."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.DispatchTransitions, err = m.Int64Counter("greenline.dispatch.transitions",
		metric.WithDescription("Invocation state transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.StoreQueryDuration, err = m.Float64Histogram("greenline.store.query.duration",
		metric.WithDescription("Latency of tenant-scoped data access by backend and method."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.WorkerRestarts, err = m.Int64Counter("greenline.worker.restarts",
		metric.WithDescription("Total worker restarts by tool group."),
	); err != nil {
		return nil, err
	}
	if met.GroupsUp, err = m.Int64UpDownCounter("greenline.groups.up",
		metric.WithDescription("Number of tool groups currently running."),
	); err != nil {
		return nil, err
	}
	if met.RateLimited, err = m.Int64Counter("greenline.gateway.rate_limited",
		metric.WithDescription("Invocations rejected by the per-tenant rate limiter."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("greenline.http.request.duration",
		metric.WithDescription("HTTP request latency by method and route."),
		metric.WithUnit("s"),
	); err != nil {
		return nil, err
	}

	return met, nil
}

var (
	defaultMetrics     *Metrics
	defaultMetricsOnce sync.Once
)

// DefaultMetrics returns the package-level [Metrics] instance, creating it on
// first call using [otel.GetMeterProvider]. Panics if instrument creation
// fails (should not happen with the global provider).
func DefaultMetrics() *Metrics {
	defaultMetricsOnce.Do(func() {
		var err error
		defaultMetrics, err = NewMetrics(otel.GetMeterProvider())
		if err != nil {
			panic("observe: failed to create default metrics: " + err.Error())
		}
	})
	return defaultMetrics
}

// Attr is a convenience alias for [attribute.String].
func Attr(key, value string) attribute.KeyValue {
	return attribute.String(key, value)
}

// RecordToolInvocation records one terminal dispatch outcome and its latency.
func (m *Metrics) RecordToolInvocation(ctx context.Context, tool, kind string, d time.Duration) {
	m.ToolInvocations.Add(ctx, 1,
		metric.WithAttributes(
			attribute.String("tool", tool),
			attribute.String("kind", kind),
		),
	)
	m.ToolDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(attribute.String("tool", tool)),
	)
}

// RecordTransition records an invocation entering state.
func (m *Metrics) RecordTransition(ctx context.Context, state string) {
	m.DispatchTransitions.Add(ctx, 1,
		metric.WithAttributes(attribute.String("state", state)),
	)
}

// RecordStoreQuery records the latency of one data-boundary call.
func (m *Metrics) RecordStoreQuery(ctx context.Context, backend, method string, d time.Duration) {
	m.StoreQueryDuration.Record(ctx, d.Seconds(),
		metric.WithAttributes(
			attribute.String("backend", backend),
			attribute.String("method", method),
		),
	)
}

// RecordWorkerRestart records a supervisor restart of group.
func (m *Metrics) RecordWorkerRestart(ctx context.Context, group string) {
	m.WorkerRestarts.Add(ctx, 1,
		metric.WithAttributes(attribute.String("group", group)),
	)
}

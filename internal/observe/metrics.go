// Package observe provides the relay's observability primitives:
// OpenTelemetry metrics, distributed tracing, trace-aware logging, and HTTP
// middleware that ties them together.
//
// Metrics are recorded through the OpenTelemetry Metrics API. [InitProvider]
// installs a Prometheus exporter bridge so they can be scraped from /metrics.
// A package-level default [Metrics] instance ([DefaultMetrics]) is provided
// for convenience; tests should use [NewMetrics] with a custom
// [metric.MeterProvider] to avoid cross-test pollution.
package observe

import (
	"context"
	"sync"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// meterName is the instrumentation scope name used for all relay metrics.
const meterName = "github.com/MrWong99/talkingobjects"

// Forwarding directions, as seen from the relay.
const (
	// DirectionUpstream is client → realtime API.
	DirectionUpstream = "upstream"

	// DirectionDownstream is realtime API → client.
	DirectionDownstream = "downstream"
)

// Metrics holds all OpenTelemetry metric instruments for the relay.
// All fields are safe for concurrent use.
type Metrics struct {
	// ActiveLinks tracks the number of live relay links.
	ActiveLinks metric.Int64UpDownCounter

	// LinkAttempts counts upgrade attempts. Use with attribute:
	//   attribute.String("result", ...)
	LinkAttempts metric.Int64Counter

	// LinkTeardowns counts finished links. Use with attribute:
	//   attribute.String("cause", ...)
	LinkTeardowns metric.Int64Counter

	// LinkDuration tracks how long links stay up.
	LinkDuration metric.Float64Histogram

	// UpstreamDialDuration tracks the latency of opening the upstream leg.
	UpstreamDialDuration metric.Float64Histogram

	// FramesForwarded counts relayed messages per direction.
	FramesForwarded metric.Int64Counter

	// BytesForwarded counts relayed payload bytes per direction.
	BytesForwarded metric.Int64Counter

	// BreakerTransitions counts upstream circuit breaker state changes. Use
	// with attribute:
	//   attribute.String("state", ...)
	BreakerTransitions metric.Int64Counter

	// HTTPRequestDuration tracks HTTP request processing time. Use with attributes:
	//   attribute.String("method", ...), attribute.String("path", ...)
	HTTPRequestDuration metric.Float64Histogram
}

// latencyBuckets are histogram boundaries in seconds for dial and request
// latency.
var latencyBuckets = []float64{
	0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10,
}

// lifetimeBuckets are histogram boundaries in seconds for link lifetimes.
var lifetimeBuckets = []float64{
	1, 5, 15, 30, 60, 120, 300, 600, 1800, 3600,
}

var directionSets = map[string]metric.MeasurementOption{
	DirectionUpstream:   metric.WithAttributeSet(attribute.NewSet(attribute.String("direction", DirectionUpstream))),
	DirectionDownstream: metric.WithAttributeSet(attribute.NewSet(attribute.String("direction", DirectionDownstream))),
}

// NewMetrics creates a fully initialised [Metrics] struct using the given
// [metric.MeterProvider].
func NewMetrics(mp metric.MeterProvider) (*Metrics, error) {
	m := mp.Meter(meterName)
	var err error
	met := &Metrics{}

	if met.ActiveLinks, err = m.Int64UpDownCounter("talkingobjects.relay.active_links",
		metric.WithDescription("Number of live relay links."),
	); err != nil {
		return nil, err
	}
	if met.LinkAttempts, err = m.Int64Counter("talkingobjects.relay.link_attempts",
		metric.WithDescription("Total upgrade attempts by result."),
	); err != nil {
		return nil, err
	}
	if met.LinkTeardowns, err = m.Int64Counter("talkingobjects.relay.link_teardowns",
		metric.WithDescription("Total finished links by cause."),
	); err != nil {
		return nil, err
	}
	if met.LinkDuration, err = m.Float64Histogram("talkingobjects.relay.link.duration",
		metric.WithDescription("Lifetime of relay links."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(lifetimeBuckets...),
	); err != nil {
		return nil, err
	}
	if met.UpstreamDialDuration, err = m.Float64Histogram("talkingobjects.relay.upstream_dial.duration",
		metric.WithDescription("Latency of opening the upstream connection."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
	); err != nil {
		return nil, err
	}
	if met.FramesForwarded, err = m.Int64Counter("talkingobjects.relay.frames",
		metric.WithDescription("Total relayed messages by direction."),
	); err != nil {
		return nil, err
	}
	if met.BytesForwarded, err = m.Int64Counter("talkingobjects.relay.bytes",
		metric.WithDescription("Total relayed payload bytes by direction."),
		metric.WithUnit("By"),
	); err != nil {
		return nil, err
	}
	if met.BreakerTransitions, err = m.Int64Counter("talkingobjects.relay.breaker.transitions",
		metric.WithDescription("Upstream circuit breaker transitions by target state."),
	); err != nil {
		return nil, err
	}
	if met.HTTPRequestDuration, err = m.Float64Histogram("talkingobjects.http.request.duration",
		metric.WithDescription("HTTP request latency by method and path."),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(latencyBuckets...),
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

// RecordLinkAttempt increments [Metrics.LinkAttempts] for result.
func (m *Metrics) RecordLinkAttempt(ctx context.Context, result string) {
	m.LinkAttempts.Add(ctx, 1, metric.WithAttributes(attribute.String("result", result)))
}

// RecordTeardown increments [Metrics.LinkTeardowns] and records the link
// lifetime in seconds.
func (m *Metrics) RecordTeardown(ctx context.Context, cause string, lifetimeSeconds float64) {
	m.LinkTeardowns.Add(ctx, 1, metric.WithAttributes(attribute.String("cause", cause)))
	m.LinkDuration.Record(ctx, lifetimeSeconds)
}

// RecordForward counts one relayed message of n bytes. dir must be
// [DirectionUpstream] or [DirectionDownstream].
func (m *Metrics) RecordForward(ctx context.Context, dir string, n int) {
	opt, ok := directionSets[dir]
	if !ok {
		opt = metric.WithAttributes(attribute.String("direction", dir))
	}
	m.FramesForwarded.Add(ctx, 1, opt)
	m.BytesForwarded.Add(ctx, int64(n), opt)
}

// RecordBreakerTransition increments [Metrics.BreakerTransitions].
func (m *Metrics) RecordBreakerTransition(ctx context.Context, state string) {
	m.BreakerTransitions.Add(ctx, 1, metric.WithAttributes(attribute.String("state", state)))
}
